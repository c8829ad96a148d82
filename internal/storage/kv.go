// Package storage implements C1, the opaque byte-keyed KV store spec §1
// treats as an external collaborator: atomic single-key set/get/delete,
// existence checks and prefix key listing, with no semantics beyond that.
package storage

import "context"

// KV is the opaque byte-keyed store backing leader/follower metadata and
// chunk keys, the router's file index, and primaryStatus.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// Scan returns all keys with the given prefix, for operations like
	// "delete every alice_a.txt_* chunk key" (spec S6).
	Scan(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// ErrNotFound is returned by Get when key is absent. Callers detect it by
// comparing against this sentinel directly.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "storage: key not found" }
