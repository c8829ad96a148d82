package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileFrameRoundTrip(t *testing.T) {
	f := FileFrame{User: "alice", Name: "a.txt", Data: []byte("hello"), SeqNo: 1, ReplicaNode: ""}
	b, err := EncodeFileFrame(f)
	require.NoError(t, err)
	got, err := DecodeFileFrame(b)
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func TestAckRoundTrip(t *testing.T) {
	a := Ack{Success: false, Message: "File already exists"}
	b, err := EncodeAck(a)
	require.NoError(t, err)
	got, err := DecodeAck(b)
	require.NoError(t, err)
	assert.Equal(t, a, got)
}

func TestFileListResponseRoundTrip(t *testing.T) {
	r := FileListResponse{Filenames: []string{"a.txt", "b.txt"}}
	b, err := EncodeFileListResponse(r)
	require.NoError(t, err)
	got, err := DecodeFileListResponse(b)
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestMetaDataRefRoundTrip(t *testing.T) {
	meta := FileMetadata{Shards: []ShardDescriptor{{PrimaryAddr: "p1", SeqNo: 1}}}
	encoded, err := EncodeMetadata(meta)
	require.NoError(t, err)
	m := MetaDataRef{Filename: "alice_a.txt", SeqValues: encoded}
	b, err := EncodeMetaDataRef(m)
	require.NoError(t, err)
	got, err := DecodeMetaDataRef(b)
	require.NoError(t, err)
	assert.Equal(t, m.Filename, got.Filename)
	decodedMeta, err := DecodeMetadata(got.SeqValues)
	require.NoError(t, err)
	assert.Equal(t, meta, decodedMeta)
}
