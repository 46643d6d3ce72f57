// Package failure implements the Failure Monitor (spec §4.6): a background
// task that observes cluster membership, drives the master-side replica
// manager on crash events, and triggers log-head rollover.
//
// The teacher's WAL drives segment rotation with a buffered trigger channel
// plus an await channel (triggerRotate/awaitRotate in wal.go's runRotate).
// The Monitor generalizes that single-purpose hand-off into the
// condition-variable design spec §4.6 and §9 call for: one mutex/cond
// guarding a pending-change queue, signaled by multiple producers (the
// Tracker, the replica manager's busy notifications, and Shutdown), with a
// single consumer loop.
package failure

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/dreamsxin/backupd/internal/metrics"
	"github.com/dreamsxin/backupd/internal/types"
)

// Tracker observes cluster-membership changes. Its Subscribe implementation
// (e.g. an etcd watch) calls onChange from its own goroutine for every
// change it sees; spec §9's design note models the Tracker's reference back
// to the Monitor as lookup-only — the Monitor owns the Tracker's lifecycle,
// never the reverse.
type Tracker interface {
	Subscribe(onChange func(types.MembershipChange)) (unsubscribe func())
}

// ReplicaManager is the master-side replica manager, abstracted per spec §1.
type ReplicaManager interface {
	// HandleBackupFailure is called once per SERVER_CRASHED change. If the
	// crashed backup held the replica of the current log head, it returns
	// that segment's id and ok=true.
	HandleBackupFailure(serverID uint64) (segID types.SegmentID, ok bool)
	// Proceed lets queued re-replications advance; called once per drain.
	Proceed()
}

// Log is the master-side log head, abstracted per spec §1.
type Log interface {
	// AllocateHeadIfStillOn rolls the log head over if it is still the
	// segment identified by segID.
	AllocateHeadIfStillOn(segID types.SegmentID)
}

// Monitor is the Failure Monitor component.
type Monitor struct {
	tracker        Tracker
	replicaManager ReplicaManager
	log            Log
	logger         log.Logger
	metrics        *metrics.Metrics

	mu             sync.Mutex
	cond           *sync.Cond
	pendingChanges []types.MembershipChange
	busySignal     bool
	shuttingDown   bool
	stopped        chan struct{}
}

// New constructs a Monitor. Run must be called to start it.
func New(tracker Tracker, replicaManager ReplicaManager, log Log, logger log.Logger, m *metrics.Metrics) *Monitor {
	mon := &Monitor{
		tracker:        tracker,
		replicaManager: replicaManager,
		log:            log,
		logger:         logger,
		metrics:        m,
		stopped:        make(chan struct{}),
	}
	mon.cond = sync.NewCond(&mon.mu)
	return mon
}

// EnqueueChange is called by the Tracker (directly, or via its Subscribe
// callback) whenever cluster membership changes. It is also exported for
// tests that want to drive the Monitor without a real Tracker.
func (m *Monitor) EnqueueChange(c types.MembershipChange) {
	m.mu.Lock()
	m.pendingChanges = append(m.pendingChanges, c)
	m.mu.Unlock()
	m.cond.Broadcast()
}

// NotifyBusy wakes the Monitor to call ReplicaManager.Proceed even absent a
// membership change, e.g. after a replica manager enqueues new
// re-replication work on its own.
func (m *Monitor) NotifyBusy() {
	m.mu.Lock()
	m.busySignal = true
	m.mu.Unlock()
	m.cond.Broadcast()
}

// Run subscribes to the Tracker and processes changes until Shutdown is
// called. It is meant to be run on its own dedicated goroutine (spec §5:
// "the Failure Monitor is a single dedicated task").
func (m *Monitor) Run() error {
	var unsubscribe func()
	if m.tracker != nil {
		unsubscribe = m.tracker.Subscribe(m.EnqueueChange)
		defer unsubscribe()
	}
	defer close(m.stopped)

	for {
		m.mu.Lock()
		for len(m.pendingChanges) == 0 && !m.busySignal && !m.shuttingDown {
			m.cond.Wait()
		}
		if m.shuttingDown && len(m.pendingChanges) == 0 {
			m.mu.Unlock()
			return nil
		}
		changes := m.pendingChanges
		m.pendingChanges = nil
		m.busySignal = false
		m.mu.Unlock()

		for _, c := range changes {
			m.handleChange(c)
		}
		m.replicaManager.Proceed()
	}
}

func (m *Monitor) handleChange(c types.MembershipChange) {
	if m.metrics != nil {
		m.metrics.Failure.ChangesHandled.WithLabelValues(kindLabel(c.Kind)).Inc()
	}
	if c.Kind != types.ServerCrashed {
		// ADD, and REMOVED following a prior CRASH, are ignored (spec §4.6).
		return
	}
	segID, ok := m.replicaManager.HandleBackupFailure(c.ServerID)
	if !ok {
		return
	}
	// The replica manager holds its data mutex while servicing writes and
	// cannot safely take the log's lock itself; the Monitor is the external
	// driver that does so at a safe point (spec §4.6 rationale).
	m.log.AllocateHeadIfStillOn(segID)
	if m.metrics != nil {
		m.metrics.Failure.HeadRollovers.Inc()
	}
	level.Info(m.logger).Log("msg", "rolled log head after backup crash", "server", c.ServerID, "segment", segID)
}

// Shutdown signals Run to exit its loop after draining any remaining
// pending changes, and blocks until it has done so.
func (m *Monitor) Shutdown() {
	m.mu.Lock()
	m.shuttingDown = true
	m.mu.Unlock()
	m.cond.Broadcast()
	<-m.stopped
}

func kindLabel(k types.MembershipChangeKind) string {
	switch k {
	case types.ServerAdded:
		return "added"
	case types.ServerCrashed:
		return "crashed"
	case types.ServerRemoved:
		return "removed"
	default:
		return "unknown"
	}
}
