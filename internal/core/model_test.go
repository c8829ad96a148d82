package core

import (
	"bytes"
	"encoding/gob"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileKeyAndChunkKey(t *testing.T) {
	assert.Equal(t, "alice_a.txt", FileKey("alice", "a.txt"))
	assert.Equal(t, "alice_a.txt_1", ChunkKey("alice", "a.txt", 1))
}

func TestMetadataValidate(t *testing.T) {
	good := FileMetadata{Shards: []ShardDescriptor{
		{PrimaryAddr: "10.0.0.1:9000", SeqNo: 1, ReplicaAddr: "10.0.0.2:9000"},
		{PrimaryAddr: "10.0.0.3:9000", SeqNo: 2},
	}}
	require.NoError(t, good.Validate())

	gap := FileMetadata{Shards: []ShardDescriptor{{PrimaryAddr: "a", SeqNo: 2}}}
	assert.Error(t, gap.Validate())

	samePeer := FileMetadata{Shards: []ShardDescriptor{
		{PrimaryAddr: "a", SeqNo: 1, ReplicaAddr: "a"},
	}}
	assert.Error(t, samePeer.Validate())
}

func TestMetadataRoundTrip(t *testing.T) {
	m := FileMetadata{Shards: []ShardDescriptor{{PrimaryAddr: "a", SeqNo: 1}}}
	b, err := EncodeMetadata(m)
	require.NoError(t, err)
	got, err := DecodeMetadata(b)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestMetaRefRoundTrip(t *testing.T) {
	router := MetaRef{Kind: RefRouter, PrimaryCluster: "cluster-a", ReplicaCluster: "cluster-b"}
	b, err := EncodeMetaRef(router)
	require.NoError(t, err)
	got, err := DecodeMetaRef(b)
	require.NoError(t, err)
	assert.Equal(t, router, got)

	leader := MetaRef{Kind: RefLeader, Shards: []ShardDescriptor{{PrimaryAddr: "a", SeqNo: 1}}}
	b, err = EncodeMetaRef(leader)
	require.NoError(t, err)
	got, err = DecodeMetaRef(b)
	require.NoError(t, err)
	assert.Equal(t, leader, got)
}

func TestDecodeLegacyMetaRef(t *testing.T) {
	// Legacy leader-form: a raw shard list with no discriminator byte.
	shards := []ShardDescriptor{{PrimaryAddr: "a", SeqNo: 1}}
	raw, err := legacyEncodeShardList(shards)
	require.NoError(t, err)

	got, err := DecodeMetaRef(raw)
	require.NoError(t, err)
	assert.Equal(t, RefLeader, got.Kind)
	assert.Equal(t, shards, got.Shards)
}

// legacyEncodeShardList mimics how a pre-tagged-union record would have
// been written: a bare gob-encoded shard slice, no discriminator.
func legacyEncodeShardList(shards []ShardDescriptor) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(shards); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
