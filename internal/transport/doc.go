// Package transport owns the live musical transport state shared by every
// connected observer.
//
// A single Store holds the authoritative record (play state, bar/beat
// position, tempo, meter, pulse position) together with the active project
// id. All mutations pass through the Store under one mutex, and every copy
// that leaves it is a clamped, timestamped Snapshot, so no caller can observe
// a torn or out-of-range state.
//
// Successful mutations hand their snapshot to a Broadcaster; the Store never
// learns who is listening.
package transport
