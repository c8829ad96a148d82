// Package follower implements C7, the Follower Chunk Sink: the simplest
// role a node plays, storing one shard handed to it by a cluster leader and
// optionally forwarding it once more to a replica peer.
package follower

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/shardmesh/shardmesh/internal/core"
	"github.com/shardmesh/shardmesh/internal/core/errs"
	"github.com/shardmesh/shardmesh/internal/storage"
	"github.com/shardmesh/shardmesh/internal/telemetry/logger"
	"github.com/shardmesh/shardmesh/internal/telemetry/metric"
	"github.com/shardmesh/shardmesh/internal/transport"
)

// ForwardTimeout bounds the background replica-forward stream a follower
// opens after accepting a chunk with a non-empty ReplicaNode.
const ForwardTimeout = 20 * time.Second

// Sink stores shard chunks handed to it by a cluster leader.
type Sink struct {
	kv      storage.KV
	client  *transport.Client
	metrics *metric.Registry
	log     logger.Logger
}

// New constructs a Sink.
func New(kv storage.KV, client *transport.Client, metrics *metric.Registry, log logger.Logger) *Sink {
	return &Sink{kv: kv, client: client, metrics: metrics, log: log}
}

// RegisterHandlers wires Upload/Download/ChunkDelete onto srv.
func (s *Sink) RegisterHandlers(srv *transport.Server) {
	srv.RegisterClientStream("Upload", s.HandleChunkStore)
	srv.RegisterServerStream("Download", s.handleDownload)
	srv.RegisterUnary("ChunkDelete", s.HandleChunkDelete)
}

// HandleChunkStore drains every frame of the stream (single seq per spec
// §4.7), concatenates the data, and writes it under user_name_seq. Exported
// so a cluster leader's Upload handler (internal/clusterleader), which must
// also accept chunk-store-mode streams when it is itself picked as a
// placement target, can delegate to the same logic instead of reimplementing
// it.
func (s *Sink) HandleChunkStore(ctx context.Context, recv func() ([]byte, error)) ([]byte, error) {
	var buf bytes.Buffer
	var user, name, replicaNode string
	seq := 0
	seenAny := false

	for {
		raw, err := recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errs.Unavailable("follower: stream recv: %v", err)
		}
		frame, err := core.DecodeFileFrame(raw)
		if err != nil {
			return nil, errs.Internal("follower: decode frame: %v", err)
		}
		if !seenAny {
			user, name, seq, replicaNode = frame.User, frame.Name, frame.SeqNo, frame.ReplicaNode
			seenAny = true
		}
		buf.Write(frame.Data)
	}

	if !seenAny {
		return core.EncodeAck(core.Ack{Success: false, Message: "No data received"})
	}

	key := core.ChunkKey(user, name, seq)
	if err := s.kv.Set(ctx, key, buf.Bytes()); err != nil {
		return nil, errs.Internal("follower: write chunk: %v", err)
	}

	if replicaNode != "" {
		go s.forward(user, name, seq, buf.Bytes(), replicaNode)
	}

	return core.EncodeAck(core.Ack{Success: true})
}

// forward relays the just-stored chunk once more, with ReplicaNode cleared
// so the next hop does not cascade a third copy.
func (s *Sink) forward(user, name string, seq int, data []byte, addr string) {
	ctx, cancel := context.WithTimeout(context.Background(), ForwardTimeout)
	defer cancel()

	stream, err := s.client.OpenClientStream(ctx, addr, "Upload")
	if err != nil {
		s.metrics.ReplicationFailures.Inc()
		s.log.Warn("follower: open forward stream failed", "addr", addr, "error", err)
		return
	}
	for off := 0; off < len(data); off += core.FrameLimit {
		end := off + core.FrameLimit
		if end > len(data) {
			end = len(data)
		}
		frame := core.FileFrame{User: user, Name: name, Data: data[off:end], SeqNo: seq, ReplicaNode: ""}
		payload, err := core.EncodeFileFrame(frame)
		if err != nil {
			s.metrics.ReplicationFailures.Inc()
			s.log.Warn("follower: encode forward frame failed", "error", err)
			return
		}
		if err := stream.Send(payload); err != nil {
			s.metrics.ReplicationFailures.Inc()
			s.log.Warn("follower: forward send failed", "addr", addr, "error", err)
			return
		}
	}
	if len(data) == 0 {
		frame := core.FileFrame{User: user, Name: name, SeqNo: seq, ReplicaNode: ""}
		payload, _ := core.EncodeFileFrame(frame)
		_ = stream.Send(payload)
	}
	if _, err := stream.CloseAndRecv(); err != nil {
		s.metrics.ReplicationFailures.Inc()
		s.log.Warn("follower: forward close failed", "addr", addr, "error", err)
		return
	}
	s.metrics.ReplicationSuccesses.Inc()
}

// HandleChunkDelete removes one stored chunk. Exported so a cluster leader
// can register it as its own ChunkDelete handler; the leader deletes shards
// it holds locally straight from its KV and calls ChunkDelete over the
// network on peers that hold a remote copy.
func (s *Sink) HandleChunkDelete(ctx context.Context, req []byte) ([]byte, error) {
	info, err := core.DecodeFileInfo(req)
	if err != nil {
		return nil, errs.Internal("follower: decode request: %v", err)
	}
	if err := s.kv.Delete(ctx, core.ChunkKey(info.User, info.Name, info.Seq)); err != nil {
		return nil, errs.Internal("follower: delete chunk: %v", err)
	}
	return core.EncodeAck(core.Ack{Success: true})
}

func (s *Sink) handleDownload(ctx context.Context, req []byte, send func([]byte) error) error {
	info, err := core.DecodeFileInfo(req)
	if err != nil {
		return errs.Internal("follower: decode request: %v", err)
	}
	return s.HandleChunkRead(ctx, info, send)
}

// HandleChunkRead streams back the chunk stored under user_name_seq in
// ≤FrameLimit sub-frames, or a single empty seq=0 frame if no such chunk is
// stored. It backs the Sink's own Download handler; a cluster leader reads
// its locally-placed shards straight from its KV instead.
func (s *Sink) HandleChunkRead(ctx context.Context, info core.FileInfo, send func([]byte) error) error {
	key := core.ChunkKey(info.User, info.Name, info.Seq)
	data, err := s.kv.Get(ctx, key)
	if err == storage.ErrNotFound {
		frame := core.FileFrame{User: info.User, Name: info.Name, SeqNo: 0}
		payload, encErr := core.EncodeFileFrame(frame)
		if encErr != nil {
			return errs.Internal("follower: encode not-found frame: %v", encErr)
		}
		return send(payload)
	}
	if err != nil {
		return errs.Internal("follower: read chunk: %v", err)
	}

	if len(data) == 0 {
		frame := core.FileFrame{User: info.User, Name: info.Name, SeqNo: info.Seq}
		payload, err := core.EncodeFileFrame(frame)
		if err != nil {
			return errs.Internal("follower: encode frame: %v", err)
		}
		return send(payload)
	}

	for off := 0; off < len(data); off += core.FrameLimit {
		end := off + core.FrameLimit
		if end > len(data) {
			end = len(data)
		}
		frame := core.FileFrame{User: info.User, Name: info.Name, Data: data[off:end], SeqNo: info.Seq}
		payload, err := core.EncodeFileFrame(frame)
		if err != nil {
			return errs.Internal("follower: encode frame: %v", err)
		}
		if err := send(payload); err != nil {
			return errs.Unavailable("follower: send failed: %v", err)
		}
	}
	return nil
}
