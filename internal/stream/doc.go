// Package stream runs AI completion streams and commits each finished reply
// to its thread's event log exactly once.
//
// A session moves through Streaming → {Complete | Error | Cancelled} and is
// then removed. Content and reasoning increments are buffered in memory and
// published as notifications; nothing touches disk until the provider
// signals normal completion, at which point one assistant event is
// appended. A stopped or failed session appends nothing.
//
// Sessions are keyed by stream ID, so any number may run per thread. The
// session registry belongs to the Orchestrator instance.
package stream
