// Package registry tracks the set of currently attached devices and lets
// callers wait for devices to appear.
//
// The registry has a single writer: the control protocol engine feeds it
// HandleAttached/HandleDetached as events arrive on the listen
// connection, in frame order. Everything else reads snapshots or
// subscribes.
//
// Two subscription styles are offered:
//
//   - Waiters (WaitForAttach) resolve at most once, on the first attach
//     event after registration, or fail with ErrWaitTimeout. A timed-out
//     waiter can never be resolved by a later attach.
//
//   - Watchers (Watch) queue every attach/detach event from registration
//     until closed, so slow consumers never miss events. Multiple
//     watchers may be active concurrently.
//
// When the listen connection is lost the registry is marked failed:
// pending and future waits fail with the terminal error, since no
// further events can arrive.
package registry
