// Package lock implements a lease-based distributed lock over a single
// backing store. Ownership is proven by an unguessable random token written
// with the store's atomic create-if-absent primitive; release and extension
// only act when the stored token still matches, so a caller can never delete
// or prolong a lease it does not own. An optional watchdog renews a held
// lease in the background and signals the holder when ownership is lost.
//
// Known limitation: a process paused for longer than its lease validity (GC
// stall, suspended VM) may resume believing it still holds the lock after
// another caller has legitimately acquired it. The lock manager cannot
// detect this from inside the frozen process. Callers protecting an external
// resource should pair the lock with a fencing token, a monotonically
// increasing sequence number the resource uses to reject writes from stale
// holders; issuing such tokens is the resource's job, not this package's.
package lock
