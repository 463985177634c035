// Package volume manages named, host-backed directories referenced by
// "volume"-kind mounts. Quilt ships a single local driver: a volume is
// just a directory under a configured base path, created on first use and
// persisted in Store so the same name always resolves to the same
// directory across container restarts.
package volume
