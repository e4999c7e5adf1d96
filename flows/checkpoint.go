package flows

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"solarsystem/domain"

	"github.com/fxamacker/cbor/v2"
	"github.com/nats-io/nats.go/jetstream"
)

// Step is a state of the initiator or responder state machine.
type Step string

// Initiator steps.
const (
	StepBuilt                     Step = "Built"
	StepSentForSignature          Step = "SentForSignature"
	StepCollectedCounterSignature Step = "CollectedCounterSignature"
	StepCollected                 Step = "Collected"
	StepRejected                  Step = "Rejected"
	StepNotarised                 Step = "Notarised"
	StepFinalized                 Step = "Finalized"
)

// Responder steps.
const (
	StepAwaitingProposal Step = "AwaitingProposal"
	StepValidating       Step = "Validating"
	StepSigned           Step = "Signed"
	StepSent             Step = "Sent"
	StepDeclined         Step = "Declined"
	StepRecorded         Step = "Recorded"
)

// Terminal reports whether no further transition leaves s.
func (s Step) Terminal() bool {
	switch s {
	case StepRejected, StepFinalized, StepDeclined, StepRecorded:
		return true
	}
	return false
}

// Role says which side of a session a checkpoint belongs to.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// Checkpoint is the state of one protocol instance saved at a suspension
// point: the current step plus the data accumulated so far. A node that
// restarts can tell from its checkpoints which sessions were in flight.
type Checkpoint struct {
	Session      string                    `cbor:"1,keyasint"`
	Role         Role                      `cbor:"2,keyasint"`
	Step         Step                      `cbor:"3,keyasint"`
	Counterparty domain.Party              `cbor:"4,keyasint"`
	TxID         string                    `cbor:"5,keyasint,omitempty"`
	Tx           *domain.SignedTransaction `cbor:"6,keyasint,omitempty"`
	UpdatedAt    time.Time                 `cbor:"7,keyasint"`
}

// CheckpointStore persists checkpoints by session id.
type CheckpointStore interface {
	Save(ctx context.Context, cp Checkpoint) error
	Load(ctx context.Context, session string) (Checkpoint, bool, error)
	Delete(ctx context.Context, session string) error
	List(ctx context.Context) ([]Checkpoint, error)
}

func checkpointKey(role Role, session string) string {
	return string(role) + "." + session
}

// MemoryCheckpoints keeps checkpoints in process memory.
type MemoryCheckpoints struct {
	mu  sync.Mutex
	cps map[string]Checkpoint
}

func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{cps: map[string]Checkpoint{}}
}

func (m *MemoryCheckpoints) Save(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cps[cp.Session] = cp
	return nil
}

func (m *MemoryCheckpoints) Load(_ context.Context, session string) (Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.cps[session]
	return cp, ok, nil
}

func (m *MemoryCheckpoints) Delete(_ context.Context, session string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cps, session)
	return nil
}

func (m *MemoryCheckpoints) List(_ context.Context) ([]Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Checkpoint, 0, len(m.cps))
	for _, cp := range m.cps {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// KVStore is the subset of a JetStream key-value bucket used for
// checkpoints.
type KVStore interface {
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
	ListKeys(ctx context.Context, opts ...jetstream.WatchOpt) (jetstream.KeyLister, error)
}

// KVCheckpoints keeps checkpoints in a JetStream bucket so they survive a
// node restart. Keys are "<role>.<session>"; one store serves one role.
type KVCheckpoints struct {
	kv   KVStore
	role Role
}

func NewKVCheckpoints(kv KVStore, role Role) *KVCheckpoints {
	return &KVCheckpoints{kv: kv, role: role}
}

func (k *KVCheckpoints) Save(ctx context.Context, cp Checkpoint) error {
	value, err := cbor.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", cp.Session, err)
	}
	if _, err := k.kv.Put(ctx, checkpointKey(k.role, cp.Session), value); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.Session, err)
	}
	return nil
}

func (k *KVCheckpoints) Load(ctx context.Context, session string) (Checkpoint, bool, error) {
	entry, err := k.kv.Get(ctx, checkpointKey(k.role, session))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("load checkpoint %s: %w", session, err)
	}
	var cp Checkpoint
	if err := cbor.Unmarshal(entry.Value(), &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("decode checkpoint %s: %w", session, err)
	}
	return cp, true, nil
}

func (k *KVCheckpoints) Delete(ctx context.Context, session string) error {
	err := k.kv.Delete(ctx, checkpointKey(k.role, session))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete checkpoint %s: %w", session, err)
	}
	return nil
}

func (k *KVCheckpoints) List(ctx context.Context) ([]Checkpoint, error) {
	lister, err := k.kv.ListKeys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer lister.Stop()

	prefix := string(k.role) + "."
	var out []Checkpoint
	for key := range lister.Keys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		cp, found, err := k.Load(ctx, strings.TrimPrefix(key, prefix))
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}
