package follower

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardmesh/shardmesh/internal/core"
	"github.com/shardmesh/shardmesh/internal/storage"
	"github.com/shardmesh/shardmesh/internal/telemetry/logger"
	"github.com/shardmesh/shardmesh/internal/telemetry/metric"
	"github.com/shardmesh/shardmesh/internal/transport"
)

func startSink(t *testing.T, addr string) (*Sink, storage.KV) {
	t.Helper()
	kv := storage.NewMemoryKV()
	sink := New(kv, transport.NewClient(), metric.NewRegistry("follower-test-"+addr), logger.Default())
	srv := transport.NewServer(addr, logger.Default())
	sink.RegisterHandlers(srv)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx)
	time.Sleep(30 * time.Millisecond)
	t.Cleanup(func() { srv.Close() })
	return sink, kv
}

func uploadChunk(t *testing.T, addr, user, name string, seq int, data []byte, replicaNode string) core.Ack {
	t.Helper()
	client := transport.NewClient()
	stream, err := client.OpenClientStream(context.Background(), addr, "Upload")
	require.NoError(t, err)

	frame := core.FileFrame{User: user, Name: name, Data: data, SeqNo: seq, ReplicaNode: replicaNode}
	payload, err := core.EncodeFileFrame(frame)
	require.NoError(t, err)
	require.NoError(t, stream.Send(payload))

	resp, err := stream.CloseAndRecv()
	require.NoError(t, err)
	ack, err := core.DecodeAck(resp)
	require.NoError(t, err)
	return ack
}

func TestUploadStoresChunk(t *testing.T) {
	_, kv := startSink(t, "127.0.0.1:19701")
	ack := uploadChunk(t, "127.0.0.1:19701", "alice", "a.txt", 1, []byte("hello world"), "")
	assert.True(t, ack.Success)

	stored, err := kv.Get(context.Background(), core.ChunkKey("alice", "a.txt", 1))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(stored))
}

func TestUploadWithNoFramesFails(t *testing.T) {
	addr := "127.0.0.1:19702"
	startSink(t, addr)

	client := transport.NewClient()
	stream, err := client.OpenClientStream(context.Background(), addr, "Upload")
	require.NoError(t, err)
	resp, err := stream.CloseAndRecv()
	require.NoError(t, err)
	ack, err := core.DecodeAck(resp)
	require.NoError(t, err)
	assert.False(t, ack.Success)
	assert.Equal(t, "No data received", ack.Message)
}

func TestUploadForwardsToReplica(t *testing.T) {
	_, replicaKV := startSink(t, "127.0.0.1:19703") // replica
	primaryAddr := "127.0.0.1:19704"
	startSink(t, primaryAddr)

	ack := uploadChunk(t, primaryAddr, "bob", "b.txt", 1, []byte("forwarded bytes"), "127.0.0.1:19703")
	assert.True(t, ack.Success)

	assert.Eventually(t, func() bool {
		v, err := replicaKV.Get(context.Background(), core.ChunkKey("bob", "b.txt", 1))
		return err == nil && string(v) == "forwarded bytes"
	}, time.Second, 10*time.Millisecond)
}

func TestDownloadReturnsStoredChunkInFrames(t *testing.T) {
	addr := "127.0.0.1:19705"
	startSink(t, addr)
	uploadChunk(t, addr, "carol", "c.txt", 1, []byte("chunked data"), "")

	client := transport.NewClient()
	req, err := core.EncodeFileInfo(core.FileInfo{User: "carol", Name: "c.txt", Seq: 1})
	require.NoError(t, err)
	stream, err := client.OpenServerStream(context.Background(), addr, "Download", req)
	require.NoError(t, err)

	var got []byte
	for {
		raw, err := stream.Recv()
		if transport.IsStreamDone(err) {
			break
		}
		require.NoError(t, err)
		frame, err := core.DecodeFileFrame(raw)
		require.NoError(t, err)
		got = append(got, frame.Data...)
	}
	assert.Equal(t, "chunked data", string(got))
}

func TestDownloadMissingChunkReturnsNotFoundSentinel(t *testing.T) {
	addr := "127.0.0.1:19706"
	startSink(t, addr)

	client := transport.NewClient()
	req, err := core.EncodeFileInfo(core.FileInfo{User: "nobody", Name: "missing.txt", Seq: 1})
	require.NoError(t, err)
	stream, err := client.OpenServerStream(context.Background(), addr, "Download", req)
	require.NoError(t, err)

	raw, err := stream.Recv()
	require.NoError(t, err)
	frame, err := core.DecodeFileFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, 0, frame.SeqNo)
	assert.Empty(t, frame.Data)
}

func TestChunkDeleteRemovesStoredChunk(t *testing.T) {
	addr := "127.0.0.1:19707"
	_, kv := startSink(t, addr)
	uploadChunk(t, addr, "dave", "d.txt", 1, []byte("to be deleted"), "")

	client := transport.NewClient()
	req, err := core.EncodeFileInfo(core.FileInfo{User: "dave", Name: "d.txt", Seq: 1})
	require.NoError(t, err)
	resp, err := client.Call(context.Background(), addr, "ChunkDelete", req)
	require.NoError(t, err)
	ack, err := core.DecodeAck(resp)
	require.NoError(t, err)
	assert.True(t, ack.Success)

	_, err = kv.Get(context.Background(), core.ChunkKey("dave", "d.txt", 1))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
