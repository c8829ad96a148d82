// Package supernode implements C9, the SuperNode Router: the single
// cross-cluster entry point that tracks which cluster leads which named
// cluster, picks two least-loaded clusters for a new file, and forwards
// client calls to whichever cluster leader actually holds the data.
package supernode

import (
	"context"
	"io"
	"sort"
	"time"

	"github.com/shardmesh/shardmesh/internal/core"
	"github.com/shardmesh/shardmesh/internal/core/errs"
	"github.com/shardmesh/shardmesh/internal/leadership"
	"github.com/shardmesh/shardmesh/internal/loadpicker"
	"github.com/shardmesh/shardmesh/internal/storage"
	"github.com/shardmesh/shardmesh/internal/telemetry/logger"
	"github.com/shardmesh/shardmesh/internal/telemetry/metric"
	"github.com/shardmesh/shardmesh/internal/transport"
	"github.com/shardmesh/shardmesh/pkg/cmap"
)

// ForwardTimeout bounds the full-upload stream forwarded to the chosen
// primary cluster's leader.
const ForwardTimeout = 25 * time.Second

// ReplicationTimeout bounds the background replication stream fanned to
// the chosen replica cluster's leader.
const ReplicationTimeout = 20 * time.Second

// ProxyTimeout bounds a single cross-cluster download proxy call.
const ProxyTimeout = 10 * time.Second

// ControlTimeout bounds FileSearch/FileDelete/FileList cross-cluster calls.
const ControlTimeout = 5 * time.Second

// StatsProbeTimeout bounds a single cluster's GetClusterStats probe when
// Router is ranking clusters for placement.
const StatsProbeTimeout = loadpicker.ProbeTimeout

// Router tracks the cluster-leader registration table and the per-file
// (primary, replica) cluster pair every uploaded file was routed to.
type Router struct {
	kv      storage.KV
	client  *transport.Client
	metrics *metric.Registry
	log     logger.Logger

	leaders *cmap.Map[string, string] // cluster name -> leader addr
}

// New constructs a Router.
func New(kv storage.KV, client *transport.Client, metrics *metric.Registry, log logger.Logger) *Router {
	return &Router{
		kv:      kv,
		client:  client,
		metrics: metrics,
		log:     log,
		leaders: cmap.New[string, string](),
	}
}

// RegisterHandlers wires every SuperNode-facing RPC onto srv.
func (r *Router) RegisterHandlers(srv *transport.Server) {
	srv.RegisterUnary("GetLeaderInfo", r.handleGetLeaderInfo)
	srv.RegisterClientStream("Upload", r.handleUpload)
	srv.RegisterServerStream("Download", r.handleDownload)
	srv.RegisterUnary("FileSearch", r.handleFileSearch)
	srv.RegisterUnary("FileDelete", r.handleFileDelete)
	srv.RegisterUnary("FileList", r.handleFileList)
}

// RegisterLeader records addr as the current leader of cluster. Exported
// so tests (and handleGetLeaderInfo) can populate the table directly.
func (r *Router) RegisterLeader(cluster, addr string) {
	r.leaders.Set(cluster, addr)
	r.log.Info("supernode: registered cluster leader", "cluster", cluster, "addr", addr)
}

func (r *Router) handleGetLeaderInfo(ctx context.Context, req []byte) ([]byte, error) {
	info, err := leadership.DecodeClusterInfo(req)
	if err != nil {
		return nil, errs.Internal("supernode: decode registration: %v", err)
	}
	r.RegisterLeader(info.ClusterName, info.IP+":"+info.Port)
	return core.EncodeAck(core.Ack{Success: true})
}

func (r *Router) reject(msg string) ([]byte, error) {
	return core.EncodeAck(core.Ack{Success: false, Message: msg})
}

// handleUpload implements spec §4.9's Upload forward: the whole stream is
// buffered as it is relayed to the chosen primary cluster's leader so the
// same frames can be replayed to the replica cluster's leader afterward,
// without requiring two simultaneous readers of one client stream.
func (r *Router) handleUpload(ctx context.Context, recv func() ([]byte, error)) ([]byte, error) {
	raw, err := recv()
	if err == io.EOF {
		return r.reject("No data received")
	}
	if err != nil {
		return nil, errs.Unavailable("supernode: stream recv: %v", err)
	}
	first, err := core.DecodeFileFrame(raw)
	if err != nil {
		return nil, errs.Internal("supernode: decode frame: %v", err)
	}

	key := core.FileKey(first.User, first.Name)
	exists, err := r.kv.Exists(ctx, key)
	if err != nil {
		return nil, errs.Internal("supernode: exists check: %v", err)
	}
	if exists {
		return r.reject("File already exists")
	}

	primaryCluster, replicaCluster := r.pickTwoClusters(ctx)
	if primaryCluster == loadpicker.None {
		return r.reject("No capacity: no reachable cluster leader")
	}
	primaryAddr, _ := r.leaders.Get(primaryCluster)

	callCtx, cancel := context.WithTimeout(ctx, ForwardTimeout)
	defer cancel()
	stream, err := r.client.OpenClientStream(callCtx, primaryAddr, "Upload")
	if err != nil {
		r.metrics.UploadsRejected.Inc()
		return r.reject("No capacity: primary cluster leader unreachable")
	}

	frames := [][]byte{raw}
	if err := stream.Send(raw); err != nil {
		r.metrics.UploadsRejected.Inc()
		return r.reject("No capacity: primary cluster leader unreachable")
	}
	for {
		nxt, err := recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errs.Unavailable("supernode: stream recv: %v", err)
		}
		frames = append(frames, nxt)
		if err := stream.Send(nxt); err != nil {
			r.metrics.UploadsRejected.Inc()
			return r.reject("No capacity: primary cluster leader unreachable")
		}
	}

	resp, err := stream.CloseAndRecv()
	if err != nil {
		r.metrics.UploadsRejected.Inc()
		return r.reject("No capacity: primary cluster leader unreachable")
	}
	ack, err := core.DecodeAck(resp)
	if err != nil {
		return nil, errs.Internal("supernode: decode leader ack: %v", err)
	}
	if !ack.Success {
		r.metrics.UploadsRejected.Inc()
		return core.EncodeAck(ack)
	}

	ref := core.MetaRef{Kind: core.RefRouter, PrimaryCluster: primaryCluster, ReplicaCluster: replicaCluster}
	encoded, err := core.EncodeMetaRef(ref)
	if err != nil {
		return nil, errs.Internal("supernode: encode meta ref: %v", err)
	}
	if err := r.kv.Set(ctx, key, encoded); err != nil {
		return nil, errs.Internal("supernode: commit meta ref: %v", err)
	}
	if err := core.AppendUserIndex(ctx, r.kv, first.User, first.Name); err != nil {
		r.log.Warn("supernode: append user index failed", "user", first.User, "error", err)
	}

	if replicaCluster != "" && replicaCluster != loadpicker.None {
		go r.replicateToCluster(replicaCluster, frames)
	}

	r.metrics.UploadsAccepted.Inc()
	return core.EncodeAck(core.Ack{Success: true})
}

// replicateToCluster replays the already-buffered frames to the replica
// cluster's leader in the background, mirroring the cluster leader's own
// leader-initiated shard replication (internal/clusterleader).
func (r *Router) replicateToCluster(cluster string, frames [][]byte) {
	addr, ok := r.leaders.Get(cluster)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ReplicationTimeout)
	defer cancel()

	stream, err := r.client.OpenClientStream(ctx, addr, "Upload")
	if err != nil {
		r.metrics.ReplicationFailures.Inc()
		r.log.Warn("supernode: open replica cluster stream failed", "cluster", cluster, "addr", addr, "error", err)
		return
	}
	for _, f := range frames {
		if err := stream.Send(f); err != nil {
			r.metrics.ReplicationFailures.Inc()
			r.log.Warn("supernode: replica cluster send failed", "cluster", cluster, "error", err)
			return
		}
	}
	if _, err := stream.CloseAndRecv(); err != nil {
		r.metrics.ReplicationFailures.Inc()
		r.log.Warn("supernode: replica cluster close failed", "cluster", cluster, "error", err)
		return
	}
	r.metrics.ReplicationSuccesses.Inc()
}

// pickTwoClusters returns the two least-utilized registered clusters by
// averaging each one's leader-reported CPU/disk/mem, mirroring
// loadpicker.Picker.PickTwo but scored per cluster rather than per peer.
func (r *Router) pickTwoClusters(ctx context.Context) (string, string) {
	clusters := r.leaders.Keys()
	if len(clusters) == 0 {
		return loadpicker.None, loadpicker.None
	}

	type scored struct {
		cluster string
		score   float64
	}
	var all []scored
	for _, cluster := range clusters {
		addr, ok := r.leaders.Get(cluster)
		if !ok {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, StatsProbeTimeout)
		resp, err := r.client.Call(callCtx, addr, "GetClusterStats", nil)
		cancel()
		if err != nil {
			continue
		}
		stats, err := loadpicker.DecodeStats(resp)
		if err != nil {
			continue
		}
		all = append(all, scored{cluster: cluster, score: stats.Score()})
	}
	if len(all) == 0 {
		return loadpicker.None, loadpicker.None
	}

	sort.Slice(all, func(i, j int) bool { return all[i].score < all[j].score })
	if len(all) == 1 {
		return all[0].cluster, loadpicker.None
	}
	return all[0].cluster, all[1].cluster
}

// resolveAddrs translates a MetaRef into primary/replica leader addresses,
// honouring the compatibility note (spec §9): a legacy RefLeader record
// addresses its first shard's primary/replica node directly rather than a
// named cluster.
func (r *Router) resolveAddrs(ref core.MetaRef) (primaryAddr, replicaAddr string) {
	switch ref.Kind {
	case core.RefLeader:
		if len(ref.Shards) > 0 {
			primaryAddr = ref.Shards[0].PrimaryAddr
			replicaAddr = ref.Shards[0].ReplicaAddr
		}
	default:
		primaryAddr, _ = r.leaders.Get(ref.PrimaryCluster)
		replicaAddr, _ = r.leaders.Get(ref.ReplicaCluster)
	}
	return primaryAddr, replicaAddr
}

func (r *Router) lookupMetaRef(ctx context.Context, user, name string) (core.MetaRef, bool) {
	raw, err := r.kv.Get(ctx, core.FileKey(user, name))
	if err != nil {
		return core.MetaRef{}, false
	}
	ref, err := core.DecodeMetaRef(raw)
	if err != nil {
		r.log.Warn("supernode: decode meta ref failed", "user", user, "name", name, "error", err)
		return core.MetaRef{}, false
	}
	return ref, true
}

func notFoundFrame(info core.FileInfo) ([]byte, error) {
	return core.EncodeFileFrame(core.FileFrame{User: info.User, Name: info.Name, SeqNo: 0})
}

func (r *Router) handleDownload(ctx context.Context, req []byte, send func([]byte) error) error {
	info, err := core.DecodeFileInfo(req)
	if err != nil {
		return errs.Internal("supernode: decode request: %v", err)
	}

	ref, ok := r.lookupMetaRef(ctx, info.User, info.Name)
	if !ok {
		payload, err := notFoundFrame(info)
		if err != nil {
			return errs.Internal("supernode: encode not-found frame: %v", err)
		}
		return send(payload)
	}

	primaryAddr, replicaAddr := r.resolveAddrs(ref)
	if primaryAddr != "" {
		if err := r.proxyDownload(ctx, primaryAddr, req, send); err == nil {
			return nil
		}
	}
	if replicaAddr != "" {
		if err := r.proxyDownload(ctx, replicaAddr, req, send); err == nil {
			return nil
		}
	}
	payload, err := notFoundFrame(info)
	if err != nil {
		return errs.Internal("supernode: encode not-found frame: %v", err)
	}
	return send(payload)
}

func (r *Router) proxyDownload(ctx context.Context, addr string, req []byte, send func([]byte) error) error {
	callCtx, cancel := context.WithTimeout(ctx, ProxyTimeout)
	defer cancel()
	stream, err := r.client.OpenServerStream(callCtx, addr, "Download", req)
	if err != nil {
		return err
	}
	defer stream.Close()
	for {
		raw, err := stream.Recv()
		if transport.IsStreamDone(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := send(raw); err != nil {
			return err
		}
	}
}

func (r *Router) handleFileSearch(ctx context.Context, req []byte) ([]byte, error) {
	info, err := core.DecodeFileInfo(req)
	if err != nil {
		return nil, errs.Internal("supernode: decode request: %v", err)
	}
	ref, ok := r.lookupMetaRef(ctx, info.User, info.Name)
	if !ok {
		return r.reject("not found")
	}
	primaryAddr, replicaAddr := r.resolveAddrs(ref)
	if resp, ok := r.tryUnary(ctx, primaryAddr, "FileSearch", req); ok {
		return resp, nil
	}
	if resp, ok := r.tryUnary(ctx, replicaAddr, "FileSearch", req); ok {
		return resp, nil
	}
	return r.reject("not found")
}

func (r *Router) handleFileDelete(ctx context.Context, req []byte) ([]byte, error) {
	info, err := core.DecodeFileInfo(req)
	if err != nil {
		return nil, errs.Internal("supernode: decode request: %v", err)
	}
	key := core.FileKey(info.User, info.Name)
	ref, ok := r.lookupMetaRef(ctx, info.User, info.Name)
	if !ok {
		return r.reject("not found")
	}

	primaryAddr, replicaAddr := r.resolveAddrs(ref)
	deleted := false
	if resp, ok := r.tryUnary(ctx, primaryAddr, "FileDelete", req); ok {
		if ack, err := core.DecodeAck(resp); err == nil && ack.Success {
			deleted = true
		}
	}
	if resp, ok := r.tryUnary(ctx, replicaAddr, "FileDelete", req); ok {
		if ack, err := core.DecodeAck(resp); err == nil && ack.Success {
			deleted = true
		}
	}
	if !deleted {
		return r.reject("not found")
	}
	if err := r.kv.Delete(ctx, key); err != nil {
		r.log.Warn("supernode: delete meta ref failed", "key", key, "error", err)
	}
	return core.EncodeAck(core.Ack{Success: true})
}

func (r *Router) tryUnary(ctx context.Context, addr, method string, req []byte) ([]byte, bool) {
	if addr == "" {
		return nil, false
	}
	callCtx, cancel := context.WithTimeout(ctx, ControlTimeout)
	defer cancel()
	resp, err := r.client.Call(callCtx, addr, method, req)
	if err != nil {
		return nil, false
	}
	return resp, true
}

func (r *Router) handleFileList(ctx context.Context, req []byte) ([]byte, error) {
	u, err := core.DecodeUserInfo(req)
	if err != nil {
		return nil, errs.Internal("supernode: decode request: %v", err)
	}
	names, err := core.ListUserIndex(ctx, r.kv, u.User)
	if err != nil {
		return nil, errs.Internal("supernode: list user index: %v", err)
	}
	return core.EncodeFileListResponse(core.FileListResponse{Filenames: names})
}
