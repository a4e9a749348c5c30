// Package storage persists coordinator snapshots as opaque blobs.
//
// FSStore writes one file per key through an afero filesystem, so the same
// code serves the host disk in production and an in-memory filesystem in
// tests. Values are committed by rename and a reader sees either the old or
// the new value.
package storage
