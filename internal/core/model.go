// Package core defines the entities shared across shardmesh's components:
// shard descriptors, file metadata, and the router's tagged metadata union.
package core

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// ShardLimit is the maximum size of a single shard (50 MiB).
const ShardLimit = 50 * 1024 * 1024

// FrameLimit is the maximum payload size of a single wire frame (4 MB).
const FrameLimit = 4 * 1000 * 1000

// FileKey is the global unique key for a (user, name) pair, joined with "_".
func FileKey(user, name string) string {
	return user + "_" + name
}

// ChunkKey is the key under which a follower/leader stores shard seq's bytes.
func ChunkKey(user, name string, seq int) string {
	return fmt.Sprintf("%s_%s_%d", user, name, seq)
}

// ShardDescriptor records where one shard of a file lives.
type ShardDescriptor struct {
	PrimaryAddr string
	SeqNo       int // 1-based, dense, total-ordered
	ReplicaAddr string
}

// FileMetadata is the ordered sequence of shard descriptors for a file.
type FileMetadata struct {
	Shards []ShardDescriptor
}

// Validate enforces I2 and I3.
func (m FileMetadata) Validate() error {
	if len(m.Shards) == 0 {
		return fmt.Errorf("metadata has no shards")
	}
	for i, s := range m.Shards {
		if s.SeqNo != i+1 {
			return fmt.Errorf("shard seq gap: want %d, got %d", i+1, s.SeqNo)
		}
		if s.ReplicaAddr != "" && s.ReplicaAddr == s.PrimaryAddr {
			return fmt.Errorf("shard %d: primary_addr == replica_addr", s.SeqNo)
		}
	}
	return nil
}

// EncodeMetadata serializes metadata for storage in the opaque KV.
func EncodeMetadata(m FileMetadata) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeMetadata deserializes metadata previously written by EncodeMetadata.
func DecodeMetadata(b []byte) (FileMetadata, error) {
	var m FileMetadata
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&m); err != nil {
		return FileMetadata{}, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

// RefKind discriminates the two historical shapes of a SuperNode metadata
// record (spec §9 "dynamic-typed metadata union").
type RefKind byte

const (
	// RefRouter is the normal, current form: a (primary, replica) cluster
	// pair recorded by the router itself.
	RefRouter RefKind = iota
	// RefLeader is the legacy form: a full leader-style shard list, kept
	// readable for records written before the router started recording
	// its own (cluster, cluster) pairs.
	RefLeader
)

// MetaRef is the router's tagged variant replacing the original's untyped
// "is the first element itself a list" dispatch (spec §9).
type MetaRef struct {
	Kind RefKind

	// Populated when Kind == RefRouter.
	PrimaryCluster string
	ReplicaCluster string

	// Populated when Kind == RefLeader.
	Shards []ShardDescriptor
}

// EncodeMetaRef serializes a MetaRef with a leading discriminator byte.
func EncodeMetaRef(r MetaRef) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(r.Kind))
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, fmt.Errorf("encode meta ref: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeMetaRef deserializes a MetaRef written by EncodeMetaRef: it skips
// the leading discriminator byte and gob-decodes the rest, taking Kind from
// the decoded record (the discriminator's value is not checked). Only when
// that decode fails does it fall back to the legacy heuristic ("first
// element is itself a sequence"), for records imported from a pre-tagged
// KV snapshot.
func DecodeMetaRef(b []byte) (MetaRef, error) {
	if len(b) == 0 {
		return MetaRef{}, fmt.Errorf("empty meta ref")
	}
	var r MetaRef
	if err := gob.NewDecoder(bytes.NewReader(b[1:])).Decode(&r); err == nil {
		return r, nil
	}
	return decodeLegacyMetaRef(b)
}

// decodeLegacyMetaRef interprets a pre-discriminator record by inspecting
// whether it looks like a shard-descriptor list or a cluster-pair list.
func decodeLegacyMetaRef(b []byte) (MetaRef, error) {
	if shards, err := decodeLegacyShardList(b); err == nil {
		return MetaRef{Kind: RefLeader, Shards: shards}, nil
	}
	if pair, err := decodeLegacyClusterPair(b); err == nil {
		return MetaRef{Kind: RefRouter, PrimaryCluster: pair[0], ReplicaCluster: pair[1]}, nil
	}
	return MetaRef{}, fmt.Errorf("unrecognised legacy meta ref")
}

func decodeLegacyShardList(b []byte) ([]ShardDescriptor, error) {
	var shards []ShardDescriptor
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&shards); err != nil {
		return nil, err
	}
	if len(shards) == 0 {
		return nil, fmt.Errorf("empty shard list")
	}
	return shards, nil
}

func decodeLegacyClusterPair(b []byte) ([2]string, error) {
	var pair [2]string
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&pair); err != nil {
		return pair, err
	}
	return pair, nil
}
