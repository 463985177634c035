// Package types defines the data structures shared across Quilt: the
// Container entity and its spec, the records each subsystem persists
// (IP allocations, DNS records, cleanup tasks, events), and the handful of
// supporting types (Volume, SystemInfo) used to answer status queries.
//
// All types here are plain data. Synchronization and persistence are the
// Store's job (pkg/storage); this package only fixes the shape everyone
// agrees on.
package types
