package leadership

import (
	"io"

	"github.com/hashicorp/raft"
)

// fsm is a minimal raft.FSM: shardmesh uses raft purely for its leader
// election, not for replicating domain state through the log (shard
// placement and metadata already have their own best-effort broadcast path,
// spec §4.6 step 6), so Apply/Snapshot/Restore carry no payload semantics.
type fsm struct{}

func (f *fsm) Apply(l *raft.Log) interface{} { return nil }

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) { return emptySnapshot{}, nil }

func (f *fsm) Restore(rc io.ReadCloser) error { return rc.Close() }

type emptySnapshot struct{}

func (emptySnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (emptySnapshot) Release()                             {}
