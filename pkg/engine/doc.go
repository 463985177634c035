/*
Package engine is the top-level Lifecycle Engine: it owns no persistent
state of its own and instead sequences calls into Store, IPAM, Fabric, DNS,
Runtime, and the cleanup queue, validating every transition against the
container state machine before it touches the store.

Every exported method is a goroutine-per-request handler: it may suspend
on a store commit, a netlink call, clone, or wait4, but it never blocks a
shared resource across one of those suspension points. There is no
per-container supervisor goroutine — the single Reaper notifies the engine
of exits by PID, and the engine reacts by transitioning the matching
container row and publishing an event.
*/
package engine
