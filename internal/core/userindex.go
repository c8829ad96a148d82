package core

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"

	"github.com/shardmesh/shardmesh/internal/storage"
)

// UserIndexKey is the key under which a user's set of file names lives
// (spec §3 "User index").
func UserIndexKey(user string) string {
	return "user_" + user
}

// EncodeUserIndex serializes a file-name set for storage.
func EncodeUserIndex(names []string) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(names); err != nil {
		return nil, fmt.Errorf("encode user index: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeUserIndex deserializes a file-name set previously written by
// EncodeUserIndex.
func DecodeUserIndex(b []byte) ([]string, error) {
	var names []string
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&names); err != nil {
		return nil, fmt.Errorf("decode user index: %w", err)
	}
	return names, nil
}

// AppendUserIndex adds name to user's index, suppressing duplicates: a
// name already present leaves the index unchanged.
func AppendUserIndex(ctx context.Context, kv storage.KV, user, name string) error {
	key := UserIndexKey(user)
	existing, err := kv.Get(ctx, key)
	var names []string
	switch {
	case err == nil:
		names, err = DecodeUserIndex(existing)
		if err != nil {
			return fmt.Errorf("append user index: %w", err)
		}
	case err == storage.ErrNotFound:
		names = nil
	default:
		return fmt.Errorf("append user index: read: %w", err)
	}

	for _, n := range names {
		if n == name {
			return nil
		}
	}
	names = append(names, name)

	encoded, err := EncodeUserIndex(names)
	if err != nil {
		return err
	}
	return kv.Set(ctx, key, encoded)
}

// ListUserIndex returns the file names in user's index, empty if none.
func ListUserIndex(ctx context.Context, kv storage.KV, user string) ([]string, error) {
	existing, err := kv.Get(ctx, UserIndexKey(user))
	if err == storage.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list user index: %w", err)
	}
	return DecodeUserIndex(existing)
}
