// Package ir provides the canonical record types for convo.
//
// This package contains type definitions, error codes, and the canonical
// JSON encoder. All other internal packages import ir; ir imports nothing
// internal. This keeps the on-disk record shapes in one foundational layer
// with no circular dependencies.
//
// Key design constraints:
//   - Events are immutable; a revision is a new Event sharing an ID
//   - All JSON tags use snake_case
//   - Append order, never wall-clock time, decides which revision wins
//   - Canonical JSON (sorted keys, NFC strings) is the only encoding used
//     for content hashes
package ir
