// Package harness runs scripted conversation scenarios against a real
// workspace.
//
// A scenario drives an app.Workspace in a throwaway directory with a
// deterministic clock, sequential IDs, and a provider that plays back canned
// replies. The resulting trace and conversation views are checked by
// assertions and compared to golden files.
//
// # Scenario Format
//
//	name: regenerate_branch
//	description: "A regenerated reply becomes a selectable sibling"
//	replies:
//	  - deltas: ["Hel", "lo"]
//	  - deltas: ["Hey"]
//	steps:
//	  - op: create_thread
//	    as: t
//	  - op: send
//	    thread: t
//	    content: Hi
//	    as: u1
//	    reply_as: a1
//	  - op: regenerate
//	    thread: t
//	    parent: u1
//	  - op: select
//	    thread: t
//	    parent: u1
//	    index: 0
//	assertions:
//	  - type: path
//	    thread: t
//	    contents: ["Hi", "Hello"]
//	  - type: branches
//	    thread: t
//	    parent: u1
//	    count: 2
//	    current: 0
//
// Names given with "as" and "reply_as" are aliases; later steps and
// assertions may use them wherever an ID is expected. A value that is not
// a known alias is used verbatim, which lets a scenario reference IDs that
// do not exist.
//
// # Replies
//
// Each send or regenerate consumes the next reply in order. A reply may
// stream reasoning and content deltas and may end in an error. Once the
// list is exhausted the workspace echoes the user's message.
//
// # Assertion Types
//
//   - path: the active path's contents (or message aliases) in order
//   - branches: branch count and selected index at a parent
//   - event_count: number of raw log events in a thread
//   - title: a thread's title
//   - thread_count: number of threads in the index
package harness
