// Package ipam implements Quilt's address allocator: a lowest-free-first
// free list over a single /16, kept consistent with the store so a daemon
// restart never hands out an address still owned by a running container.
package ipam
