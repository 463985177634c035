// Package events implements Quilt's in-memory broadcast bus: a Broker that
// fans every published container lifecycle event out to all current
// Subscribe()rs. Delivery is best-effort and non-blocking — a slow
// subscriber loses its oldest buffered event rather than stalling
// publication for everyone else — and each container's events carry a
// monotonic sequence number so a subscriber can tell it missed one.
package events
