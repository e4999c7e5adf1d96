package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"solarsystem/domain"
	"solarsystem/flows"

	"github.com/google/uuid"
)

// FlowStatus is the lifecycle state of a started launch.
type FlowStatus string

const (
	StatusRunning   FlowStatus = "RUNNING"
	StatusCompleted FlowStatus = "COMPLETED"
	StatusFailed    FlowStatus = "FAILED"
)

// FlowOutcome is what a client sees when it polls a started launch.
type FlowOutcome struct {
	FlowID    string          `json:"flowId"`
	ClientID  string          `json:"clientId"`
	Status    FlowStatus      `json:"status"`
	Result    *flows.Digest   `json:"result,omitempty"`
	Error     *domain.Failure `json:"error,omitempty"`
	StartedAt time.Time       `json:"startedAt"`
	EndedAt   *time.Time      `json:"endedAt,omitempty"`
}

// DefaultRetention is how long a finished outcome stays readable.
const DefaultRetention = time.Hour

// Launcher starts probe launches.
type Launcher interface {
	LaunchProbe(ctx context.Context, p flows.LaunchParams) (flows.Digest, error)
}

// Tracker runs launches in the background and keeps their outcomes. A
// client id maps to at most one launch until its outcome is evicted, a
// retention period after the launch ended. Running launches are never
// evicted.
type Tracker struct {
	launcher Launcher
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	retain   time.Duration
	now      func() time.Time

	mu       sync.Mutex
	byID     map[string]*FlowOutcome
	byClient map[string]string
}

func NewTracker(launcher Launcher, logger *slog.Logger) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		launcher: launcher,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		retain:   DefaultRetention,
		now:      time.Now,
		byID:     map[string]*FlowOutcome{},
		byClient: map[string]string{},
	}
}

// WithRetention overrides DefaultRetention. Non-positive values keep it.
func (t *Tracker) WithRetention(d time.Duration) *Tracker {
	if d > 0 {
		t.retain = d
	}
	return t
}

// evictLocked drops outcomes that ended more than the retention period ago.
func (t *Tracker) evictLocked() {
	cutoff := t.now().Add(-t.retain)
	for id, o := range t.byID {
		if o.EndedAt != nil && o.EndedAt.Before(cutoff) {
			delete(t.byID, id)
			delete(t.byClient, o.ClientID)
		}
	}
}

// Start launches p unless clientID already started a launch, in which case
// the existing flow id is returned with started false.
func (t *Tracker) Start(clientID string, p flows.LaunchParams) (flowID string, started bool) {
	t.mu.Lock()
	t.evictLocked()
	if id, ok := t.byClient[clientID]; ok {
		t.mu.Unlock()
		return id, false
	}
	flowID = uuid.NewString()
	t.byClient[clientID] = flowID
	t.byID[flowID] = &FlowOutcome{FlowID: flowID, ClientID: clientID, Status: StatusRunning, StartedAt: t.now().UTC()}
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		digest, err := t.launcher.LaunchProbe(t.ctx, p)
		t.finish(flowID, digest, err)
	}()
	t.logger.Info("flow started", "flow_id", flowID, "client_id", clientID, "target", p.Target.String())
	return flowID, true
}

func (t *Tracker) finish(flowID string, digest flows.Digest, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o := t.byID[flowID]
	ended := t.now().UTC()
	o.EndedAt = &ended
	if err != nil {
		f := domain.FailureOf(err)
		o.Status = StatusFailed
		o.Error = &f
		t.logger.Warn("flow failed", "flow_id", flowID, "code", f.Code, "error", f.Reason)
		return
	}
	o.Status = StatusCompleted
	o.Result = &digest
	t.logger.Info("flow completed", "flow_id", flowID, "tx_id", digest.TxID)
}

// Outcome returns a snapshot of the launch flowID.
func (t *Tracker) Outcome(flowID string) (FlowOutcome, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictLocked()
	o, ok := t.byID[flowID]
	if !ok {
		return FlowOutcome{}, false
	}
	return *o, true
}

// Close cancels running launches and waits for them to finish.
func (t *Tracker) Close() {
	t.cancel()
	t.wg.Wait()
}
