package notary

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"solarsystem/domain"

	"github.com/nats-io/nats.go/jetstream"
)

func conflict(what string) *domain.Error {
	return domain.New(domain.CodeNotaryConflict, what+" already committed")
}

// MemoryCommitLog keeps the commit log in process memory.
type MemoryCommitLog struct {
	mu  sync.Mutex
	txs map[string]bool
	ins map[domain.StateRef]string
}

func NewMemoryCommitLog() *MemoryCommitLog {
	return &MemoryCommitLog{txs: map[string]bool{}, ins: map[domain.StateRef]string{}}
}

func (m *MemoryCommitLog) Commit(_ context.Context, txID string, inputs []domain.StateRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.txs[txID] {
		return conflict("transaction " + txID)
	}
	for _, in := range inputs {
		if by, ok := m.ins[in]; ok {
			return conflict("input " + in.String() + " (consumed by " + by + ")")
		}
	}
	m.txs[txID] = true
	for _, in := range inputs {
		m.ins[in] = txID
	}
	return nil
}

// KeyValue is the subset of a JetStream key-value bucket the commit log
// needs. Create fails with jetstream.ErrKeyExists for a present key.
type KeyValue interface {
	Create(ctx context.Context, key string, value []byte) (uint64, error)
}

// KVCommitLog keeps the commit log in a JetStream bucket so it survives
// restarts. Inputs are claimed before the transaction key; a crash in
// between leaves inputs claimed by a transaction that was never signed,
// which can only cause spurious conflicts.
type KVCommitLog struct {
	kv  KeyValue
	now func() time.Time
}

func NewKVCommitLog(kv KeyValue) *KVCommitLog {
	return &KVCommitLog{kv: kv, now: time.Now}
}

func (k *KVCommitLog) Commit(ctx context.Context, txID string, inputs []domain.StateRef) error {
	for _, in := range inputs {
		key := "input." + in.TxID + "." + strconv.FormatUint(uint64(in.Index), 10)
		if err := k.create(ctx, key, txID); err != nil {
			if errors.Is(err, jetstream.ErrKeyExists) {
				return conflict("input " + in.String())
			}
			return err
		}
	}
	if err := k.create(ctx, "tx."+txID, k.now().UTC().Format(time.RFC3339Nano)); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return conflict("transaction " + txID)
		}
		return err
	}
	return nil
}

func (k *KVCommitLog) create(ctx context.Context, key, value string) error {
	if _, err := k.kv.Create(ctx, key, []byte(value)); err != nil {
		return fmt.Errorf("commit %s: %w", key, err)
	}
	return nil
}
