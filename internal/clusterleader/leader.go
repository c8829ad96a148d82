// Package clusterleader implements C6, the Shard Pipeline, and C8, the
// Read Assembler: the two client-facing operations a cluster's primary
// node serves once leadership.Agent has marked it primary.
package clusterleader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/shardmesh/shardmesh/internal/cache"
	"github.com/shardmesh/shardmesh/internal/core"
	"github.com/shardmesh/shardmesh/internal/core/errs"
	"github.com/shardmesh/shardmesh/internal/follower"
	"github.com/shardmesh/shardmesh/internal/loadpicker"
	"github.com/shardmesh/shardmesh/internal/membership"
	"github.com/shardmesh/shardmesh/internal/storage"
	"github.com/shardmesh/shardmesh/internal/telemetry/logger"
	"github.com/shardmesh/shardmesh/internal/telemetry/metric"
	"github.com/shardmesh/shardmesh/internal/transport"
)

// BroadcastTimeout bounds a single peer's MetaDataInfo broadcast call.
const BroadcastTimeout = 5 * time.Second

// ShardReadTimeout bounds a single cross-node shard read during download
// fan-out.
const ShardReadTimeout = 10 * time.Second

// ReplicationTimeout bounds a single background shard replication stream.
const ReplicationTimeout = 20 * time.Second

// Primary reports whether this node currently holds leadership. Satisfied
// by *leadership.Agent; declared narrowly here so this package doesn't
// depend on raft at all.
type Primary interface {
	IsPrimary() bool
}

// Leader serves full uploads, fan-out downloads, search, delete and
// listing for one cluster once this node is its primary. It also accepts
// chunk-store-mode uploads on the same "Upload" method, delegating to an
// embedded follower.Sink, since a leader can itself be picked as a shard
// placement target.
type Leader struct {
	kv      storage.KV
	client  *transport.Client
	cache   *cache.Cache
	picker  *loadpicker.Picker
	tracker *membership.Tracker
	primary Primary
	metrics *metric.Registry
	log     logger.Logger
	limiter *rate.Limiter
	sink    *follower.Sink

	selfAddr    string
	artifactDir string
}

// New constructs a Leader.
func New(
	kv storage.KV,
	client *transport.Client,
	c *cache.Cache,
	picker *loadpicker.Picker,
	tracker *membership.Tracker,
	primary Primary,
	metrics *metric.Registry,
	log logger.Logger,
	limiter *rate.Limiter,
	selfAddr, artifactDir string,
) *Leader {
	return &Leader{
		kv:          kv,
		client:      client,
		cache:       c,
		picker:      picker,
		tracker:     tracker,
		primary:     primary,
		metrics:     metrics,
		log:         log,
		limiter:     limiter,
		sink:        follower.New(kv, client, metrics, log),
		selfAddr:    selfAddr,
		artifactDir: artifactDir,
	}
}

// NewBandwidthLimiter builds the background-replication rate limiter from
// a configured MB/s budget, bursting up to one sub-frame so WaitN never
// rejects a single frame outright.
func NewBandwidthLimiter(mbps int) *rate.Limiter {
	bytesPerSec := mbps * 1024 * 1024
	if bytesPerSec <= 0 {
		bytesPerSec = 20 * 1024 * 1024
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), core.FrameLimit)
}

// RegisterHandlers wires this cluster's client-facing RPC surface onto srv.
func (l *Leader) RegisterHandlers(srv *transport.Server) {
	srv.RegisterClientStream("Upload", l.handleUpload)
	srv.RegisterServerStream("Download", l.handleDownload)
	srv.RegisterUnary("FileSearch", l.handleFileSearch)
	srv.RegisterUnary("FileDelete", l.handleFileDelete)
	srv.RegisterUnary("FileList", l.handleFileList)
	srv.RegisterUnary("MetaDataInfo", l.handleMetaDataInfo)
	srv.RegisterUnary("ChunkDelete", l.sink.HandleChunkDelete)
}

// handleUpload decides, from the first frame only, whether this stream is
// a chunk-store-mode placement (replica_node != "") or a full upload
// (replica_node == ""), then replays that first frame into whichever path
// it delegates to.
func (l *Leader) handleUpload(ctx context.Context, recv func() ([]byte, error)) ([]byte, error) {
	raw, err := recv()
	if err == io.EOF {
		return core.EncodeAck(core.Ack{Success: false, Message: "No data received"})
	}
	if err != nil {
		return nil, errs.Unavailable("clusterleader: stream recv: %v", err)
	}
	first, err := core.DecodeFileFrame(raw)
	if err != nil {
		return nil, errs.Internal("clusterleader: decode frame: %v", err)
	}

	if first.ReplicaNode != "" {
		delivered := false
		wrapped := func() ([]byte, error) {
			if !delivered {
				delivered = true
				return raw, nil
			}
			return recv()
		}
		return l.sink.HandleChunkStore(ctx, wrapped)
	}

	return l.handleFullUpload(ctx, first, recv)
}

func (l *Leader) reject(msg string) ([]byte, error) {
	l.metrics.UploadsRejected.Inc()
	return core.EncodeAck(core.Ack{Success: false, Message: msg})
}

// handleFullUpload implements spec §4.6's full-upload procedure: placement
// rejection, the I1 existence check, buffered shard-boundary placement with
// per-shard re-picks, and a metadata commit gated on every shard ACK (I7).
func (l *Leader) handleFullUpload(ctx context.Context, first core.FileFrame, recv func() ([]byte, error)) ([]byte, error) {
	user, name := first.User, first.Name

	if !l.primary.IsPrimary() {
		return l.reject("Only leader")
	}

	primaryAddr, replicaAddr := l.picker.PickTwo(ctx)
	if primaryAddr == loadpicker.None {
		return l.reject(fmt.Sprintf("No capacity: no reachable peer for placement (active=%d)", l.tracker.GetTotalActiveCount()))
	}

	key := core.FileKey(user, name)
	exists, err := l.kv.Exists(ctx, key)
	if err != nil {
		return nil, errs.Internal("clusterleader: existence check: %v", err)
	}
	if exists {
		return l.reject("File already exists")
	}

	var buf bytes.Buffer
	var shards []core.ShardDescriptor

	placeNext := func(data []byte) ([]byte, bool) {
		if primaryAddr == loadpicker.None {
			return nil, false
		}
		seq := len(shards) + 1
		if err := l.placeShard(ctx, user, name, seq, data, primaryAddr, replicaAddr); err != nil {
			l.log.Warn("clusterleader: shard placement failed", "user", user, "name", name, "seq", seq, "error", err)
			return nil, false
		}
		shards = append(shards, core.ShardDescriptor{PrimaryAddr: primaryAddr, SeqNo: seq, ReplicaAddr: replicaAddr})
		primaryAddr, replicaAddr = l.picker.PickTwo(ctx)
		return nil, true
	}

	frame := first
	for {
		buf.Write(frame.Data)
		for buf.Len() >= core.ShardLimit {
			shardBytes := make([]byte, core.ShardLimit)
			copy(shardBytes, buf.Next(core.ShardLimit))
			if _, ok := placeNext(shardBytes); !ok {
				return l.reject(fmt.Sprintf("No capacity: placement unavailable mid-stream (active=%d)", l.tracker.GetTotalActiveCount()))
			}
		}

		raw, err := recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errs.Unavailable("clusterleader: stream recv: %v", err)
		}
		frame, err = core.DecodeFileFrame(raw)
		if err != nil {
			return nil, errs.Internal("clusterleader: decode frame: %v", err)
		}
	}

	if buf.Len() > 0 {
		remaining := make([]byte, buf.Len())
		copy(remaining, buf.Bytes())
		if _, ok := placeNext(remaining); !ok {
			return l.reject(fmt.Sprintf("No capacity: placement unavailable mid-stream (active=%d)", l.tracker.GetTotalActiveCount()))
		}
	}

	if len(shards) == 0 {
		return l.reject("No data received")
	}

	metadata := core.FileMetadata{Shards: shards}
	if err := metadata.Validate(); err != nil {
		return nil, errs.Internal("clusterleader: built invalid metadata: %v", err)
	}
	encoded, err := core.EncodeMetadata(metadata)
	if err != nil {
		return nil, errs.Internal("clusterleader: encode metadata: %v", err)
	}
	if err := l.kv.Set(ctx, key, encoded); err != nil {
		return nil, errs.Internal("clusterleader: commit metadata: %v", err)
	}
	if err := core.AppendUserIndex(ctx, l.kv, user, name); err != nil {
		l.log.Warn("clusterleader: user index append failed", "user", user, "error", err)
	}

	go l.broadcastMetadata(user, name, encoded)

	l.metrics.UploadsAccepted.Inc()
	return core.EncodeAck(core.Ack{Success: true})
}

// placeShard writes one shard to primaryAddr (locally if primaryAddr is
// this node) and, if replicaAddr is set, launches its background
// replication.
func (l *Leader) placeShard(ctx context.Context, user, name string, seq int, data []byte, primaryAddr, replicaAddr string) error {
	if primaryAddr == l.selfAddr {
		if err := l.kv.Set(ctx, core.ChunkKey(user, name, seq), data); err != nil {
			return fmt.Errorf("local shard write: %w", err)
		}
	} else if err := l.sendShard(ctx, primaryAddr, user, name, seq, data); err != nil {
		return err
	}

	if replicaAddr != "" && replicaAddr != loadpicker.None {
		go l.replicateShard(user, name, seq, data, replicaAddr)
	}
	return nil
}

// sendShard opens a chunk-store-mode stream to addr and sends data as
// ≤FrameLimit sub-frames, with ReplicaNode left empty so the recipient
// never cascades a further copy on its own.
func (l *Leader) sendShard(ctx context.Context, addr, user, name string, seq int, data []byte) error {
	stream, err := l.client.OpenClientStream(ctx, addr, "Upload")
	if err != nil {
		return fmt.Errorf("open shard stream to %s: %w", addr, err)
	}
	if err := sendFrames(stream, user, name, seq, data); err != nil {
		return err
	}
	resp, err := stream.CloseAndRecv()
	if err != nil {
		return fmt.Errorf("shard stream close %s: %w", addr, err)
	}
	ack, err := core.DecodeAck(resp)
	if err != nil {
		return fmt.Errorf("decode shard ack: %w", err)
	}
	if !ack.Success {
		return fmt.Errorf("remote shard write rejected: %s", ack.Message)
	}
	return nil
}

func sendFrames(stream *transport.ClientStream, user, name string, seq int, data []byte) error {
	if len(data) == 0 {
		frame := core.FileFrame{User: user, Name: name, SeqNo: seq}
		payload, err := core.EncodeFileFrame(frame)
		if err != nil {
			return err
		}
		return stream.Send(payload)
	}
	for off := 0; off < len(data); off += core.FrameLimit {
		end := off + core.FrameLimit
		if end > len(data) {
			end = len(data)
		}
		frame := core.FileFrame{User: user, Name: name, Data: data[off:end], SeqNo: seq}
		payload, err := core.EncodeFileFrame(frame)
		if err != nil {
			return err
		}
		if err := stream.Send(payload); err != nil {
			return err
		}
	}
	return nil
}

// replicateShard copies one already-placed shard to a replica peer,
// throttled by the configured bandwidth limiter, timed and counted.
// Failures never fail the upload that triggered it (spec §4.6).
func (l *Leader) replicateShard(user, name string, seq int, data []byte, addr string) {
	ctx, cancel := context.WithTimeout(context.Background(), ReplicationTimeout)
	defer cancel()

	stream, err := l.client.OpenClientStream(ctx, addr, "Upload")
	if err != nil {
		l.metrics.ReplicationFailures.Inc()
		l.log.Warn("clusterleader: replica stream open failed", "addr", addr, "error", err)
		return
	}

	if len(data) == 0 {
		if err := sendFrames(stream, user, name, seq, data); err != nil {
			l.metrics.ReplicationFailures.Inc()
			l.log.Warn("clusterleader: replica send failed", "addr", addr, "error", err)
			return
		}
	} else {
		for off := 0; off < len(data); off += core.FrameLimit {
			end := off + core.FrameLimit
			if end > len(data) {
				end = len(data)
			}
			if err := l.limiter.WaitN(ctx, end-off); err != nil {
				l.metrics.ReplicationFailures.Inc()
				l.log.Warn("clusterleader: replica bandwidth wait failed", "addr", addr, "error", err)
				return
			}
			frame := core.FileFrame{User: user, Name: name, Data: data[off:end], SeqNo: seq}
			payload, err := core.EncodeFileFrame(frame)
			if err != nil {
				l.metrics.ReplicationFailures.Inc()
				l.log.Warn("clusterleader: replica frame encode failed", "error", err)
				return
			}
			if err := stream.Send(payload); err != nil {
				l.metrics.ReplicationFailures.Inc()
				l.log.Warn("clusterleader: replica send failed", "addr", addr, "error", err)
				return
			}
		}
	}

	if _, err := stream.CloseAndRecv(); err != nil {
		l.metrics.ReplicationFailures.Inc()
		l.log.Warn("clusterleader: replica close failed", "addr", addr, "error", err)
		return
	}
	l.metrics.ReplicationSuccesses.Inc()
}

// broadcastMetadata best-effort-announces a just-committed file's metadata
// to every currently active peer, independent of the client's response.
func (l *Leader) broadcastMetadata(user, name string, encoded []byte) {
	ref := core.MetaDataRef{Filename: core.FileKey(user, name), SeqValues: encoded}
	payload, err := core.EncodeMetaDataRef(ref)
	if err != nil {
		l.log.Warn("clusterleader: encode metadata broadcast failed", "error", err)
		return
	}
	for addr := range l.tracker.GetActiveChannels() {
		go func(addr string) {
			ctx, cancel := context.WithTimeout(context.Background(), BroadcastTimeout)
			defer cancel()
			if _, err := l.client.Call(ctx, addr, "MetaDataInfo", payload); err != nil {
				l.log.Warn("clusterleader: metadata broadcast failed", "addr", addr, "error", err)
			}
		}(addr)
	}
}

func (l *Leader) handleMetaDataInfo(ctx context.Context, req []byte) ([]byte, error) {
	ref, err := core.DecodeMetaDataRef(req)
	if err != nil {
		return nil, errs.Internal("clusterleader: decode metadata broadcast: %v", err)
	}
	if err := l.kv.Set(ctx, ref.Filename, ref.SeqValues); err != nil {
		return nil, errs.Internal("clusterleader: adopt broadcast metadata: %v", err)
	}
	return core.EncodeAck(core.Ack{Success: true})
}

// handleDownload implements spec §4.8's Read Assembler: a not-found
// sentinel, the cache fast path, or fan-out reassembly from shard
// descriptors with a background write-through.
func (l *Leader) handleDownload(ctx context.Context, req []byte, send func([]byte) error) error {
	info, err := core.DecodeFileInfo(req)
	if err != nil {
		return errs.Internal("clusterleader: decode request: %v", err)
	}

	key := core.FileKey(info.User, info.Name)
	exists, err := l.kv.Exists(ctx, key)
	if err != nil {
		return errs.Internal("clusterleader: metadata exists check: %v", err)
	}
	if !exists {
		return streamBytes(send, info.User, info.Name, 0, nil)
	}

	if path, ok := l.cache.Get(key); ok {
		if data, err := os.ReadFile(path); err == nil {
			l.metrics.CacheHits.Inc()
			return streamBytes(send, info.User, info.Name, 1, data)
		}
		l.log.Warn("clusterleader: cached artifact unreadable, falling back to fan-out", "path", path)
	}
	l.metrics.CacheMisses.Inc()

	raw, err := l.kv.Get(ctx, key)
	if err != nil {
		return errs.Internal("clusterleader: read metadata: %v", err)
	}
	metadata, err := core.DecodeMetadata(raw)
	if err != nil {
		return errs.Internal("clusterleader: decode metadata: %v", err)
	}

	var buf bytes.Buffer
	for _, shard := range metadata.Shards {
		data, err := l.readShard(ctx, info.User, info.Name, shard)
		if err != nil {
			return errs.Unavailable("clusterleader: shard %d unreachable: %v", shard.SeqNo, err)
		}
		buf.Write(data)
	}
	full := append([]byte(nil), buf.Bytes()...)

	if err := streamBytes(send, info.User, info.Name, 1, full); err != nil {
		return err
	}

	go l.writeThrough(info.User, info.Name, full)
	return nil
}

// readShard reads one shard locally if this node holds it, otherwise over
// the network from its primary, falling back to its replica if the
// primary is unreachable (P9).
func (l *Leader) readShard(ctx context.Context, user, name string, shard core.ShardDescriptor) ([]byte, error) {
	data, err := l.readShardFrom(ctx, shard.PrimaryAddr, user, name, shard.SeqNo)
	if err == nil {
		return data, nil
	}
	if shard.ReplicaAddr == "" {
		return nil, err
	}
	return l.readShardFrom(ctx, shard.ReplicaAddr, user, name, shard.SeqNo)
}

func (l *Leader) readShardFrom(ctx context.Context, addr, user, name string, seq int) ([]byte, error) {
	if addr == l.selfAddr {
		return l.kv.Get(ctx, core.ChunkKey(user, name, seq))
	}
	return l.fetchShard(ctx, addr, user, name, seq)
}

func (l *Leader) fetchShard(ctx context.Context, addr, user, name string, seq int) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, ShardReadTimeout)
	defer cancel()
	req, err := core.EncodeFileInfo(core.FileInfo{User: user, Name: name, Seq: seq})
	if err != nil {
		return nil, err
	}
	stream, err := l.client.OpenServerStream(callCtx, addr, "Download", req)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var buf bytes.Buffer
	for {
		raw, err := stream.Recv()
		if transport.IsStreamDone(err) {
			break
		}
		if err != nil {
			return nil, err
		}
		frame, err := core.DecodeFileFrame(raw)
		if err != nil {
			return nil, err
		}
		buf.Write(frame.Data)
	}
	return buf.Bytes(), nil
}

func streamBytes(send func([]byte) error, user, name string, seq int, data []byte) error {
	if len(data) == 0 {
		frame := core.FileFrame{User: user, Name: name, SeqNo: seq}
		payload, err := core.EncodeFileFrame(frame)
		if err != nil {
			return errs.Internal("clusterleader: encode frame: %v", err)
		}
		return send(payload)
	}
	for off := 0; off < len(data); off += core.FrameLimit {
		end := off + core.FrameLimit
		if end > len(data) {
			end = len(data)
		}
		frame := core.FileFrame{User: user, Name: name, Data: data[off:end], SeqNo: seq}
		payload, err := core.EncodeFileFrame(frame)
		if err != nil {
			return errs.Internal("clusterleader: encode frame: %v", err)
		}
		if err := send(payload); err != nil {
			return errs.Unavailable("clusterleader: send failed: %v", err)
		}
	}
	return nil
}

// writeThrough persists a freshly fanned-out file to disk and registers it
// in the cache, as a detached background task that never blocks the
// client's download response.
func (l *Leader) writeThrough(user, name string, data []byte) {
	if err := os.MkdirAll(l.artifactDir, 0o755); err != nil {
		l.log.Warn("clusterleader: artifact dir create failed", "dir", l.artifactDir, "error", err)
		return
	}
	path := l.artifactPath(user, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		l.log.Warn("clusterleader: write-through failed", "path", path, "error", err)
		return
	}
	l.cache.Set(core.FileKey(user, name), path)
}

func (l *Leader) artifactPath(user, name string) string {
	return filepath.Join(l.artifactDir, core.FileKey(user, name))
}

func (l *Leader) handleFileSearch(ctx context.Context, req []byte) ([]byte, error) {
	info, err := core.DecodeFileInfo(req)
	if err != nil {
		return nil, errs.Internal("clusterleader: decode request: %v", err)
	}
	exists, err := l.kv.Exists(ctx, core.FileKey(info.User, info.Name))
	if err != nil {
		return nil, errs.Internal("clusterleader: existence check: %v", err)
	}
	if !exists {
		return core.EncodeAck(core.Ack{Success: false, Message: "not found"})
	}
	return core.EncodeAck(core.Ack{Success: true})
}

// handleFileDelete removes every shard copy on every peer that holds one
// (primary and replica), then the metadata key and cached artifact, so a
// subsequent delete is a clean NotFound (P4) and a subsequent search fails
// (S6).
func (l *Leader) handleFileDelete(ctx context.Context, req []byte) ([]byte, error) {
	info, err := core.DecodeFileInfo(req)
	if err != nil {
		return nil, errs.Internal("clusterleader: decode request: %v", err)
	}
	key := core.FileKey(info.User, info.Name)

	raw, err := l.kv.Get(ctx, key)
	if err == storage.ErrNotFound {
		return core.EncodeAck(core.Ack{Success: false, Message: "not found"})
	}
	if err != nil {
		return nil, errs.Internal("clusterleader: read metadata: %v", err)
	}
	metadata, err := core.DecodeMetadata(raw)
	if err != nil {
		return nil, errs.Internal("clusterleader: decode metadata: %v", err)
	}

	for _, shard := range metadata.Shards {
		l.deleteShardCopy(ctx, info.User, info.Name, shard.SeqNo, shard.PrimaryAddr)
		if shard.ReplicaAddr != "" {
			l.deleteShardCopy(ctx, info.User, info.Name, shard.SeqNo, shard.ReplicaAddr)
		}
	}

	if err := l.kv.Delete(ctx, key); err != nil {
		return nil, errs.Internal("clusterleader: delete metadata: %v", err)
	}
	l.cache.Delete(key)
	_ = os.Remove(l.artifactPath(info.User, info.Name))

	return core.EncodeAck(core.Ack{Success: true})
}

func (l *Leader) deleteShardCopy(ctx context.Context, user, name string, seq int, addr string) {
	if addr == l.selfAddr {
		if err := l.kv.Delete(ctx, core.ChunkKey(user, name, seq)); err != nil {
			l.log.Warn("clusterleader: local chunk delete failed", "seq", seq, "error", err)
		}
		return
	}
	req, err := core.EncodeFileInfo(core.FileInfo{User: user, Name: name, Seq: seq})
	if err != nil {
		l.log.Warn("clusterleader: encode chunk delete request failed", "error", err)
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, ShardReadTimeout)
	defer cancel()
	if _, err := l.client.Call(callCtx, addr, "ChunkDelete", req); err != nil {
		l.log.Warn("clusterleader: remote chunk delete failed", "addr", addr, "seq", seq, "error", err)
	}
}

func (l *Leader) handleFileList(ctx context.Context, req []byte) ([]byte, error) {
	u, err := core.DecodeUserInfo(req)
	if err != nil {
		return nil, errs.Internal("clusterleader: decode request: %v", err)
	}
	names, err := core.ListUserIndex(ctx, l.kv, u.User)
	if err != nil {
		return nil, errs.Internal("clusterleader: list user index: %v", err)
	}
	return core.EncodeFileListResponse(core.FileListResponse{Filenames: names})
}
