package vault

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"solarsystem/domain"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

const kvKeyPrefix = "probe."

// KeyValue is the subset of a JetStream key-value bucket the vault uses.
type KeyValue interface {
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	ListKeys(ctx context.Context, opts ...jetstream.WatchOpt) (jetstream.KeyLister, error)
}

// KVStore keeps probes in a JetStream key-value bucket, one key per linear
// id. The bucket revision of each entry gives the insertion order.
type KVStore struct {
	kv KeyValue
}

// NewKVStore wraps an opened bucket.
func NewKVStore(kv KeyValue) *KVStore {
	return &KVStore{kv: kv}
}

type kvRecord struct {
	TxID  string            `cbor:"1,keyasint"`
	State domain.ProbeState `cbor:"2,keyasint"`
}

func kvKey(id uuid.UUID) string {
	return kvKeyPrefix + id.String()
}

// Record stores states as outputs of txID.
func (s *KVStore) Record(ctx context.Context, txID string, states ...domain.ProbeState) error {
	for _, st := range states {
		value, err := domain.CanonicalMarshal(kvRecord{TxID: txID, State: st})
		if err != nil {
			return fmt.Errorf("encode probe %s: %w", st.LinearID, err)
		}
		_, err = s.kv.Create(ctx, kvKey(st.LinearID), value)
		if errors.Is(err, jetstream.ErrKeyExists) {
			existing, found, lookupErr := s.FindByLinearID(ctx, st.LinearID)
			if lookupErr != nil {
				return lookupErr
			}
			if found && existing.TxID == txID {
				continue
			}
			return fmt.Errorf("probe %s already recorded by transaction %s", st.LinearID, existing.TxID)
		}
		if err != nil {
			return fmt.Errorf("put probe %s: %w", st.LinearID, err)
		}
	}
	return nil
}

// Query opens a cursor over a named query.
func (s *KVStore) Query(_ context.Context, name string, params map[string]string) (*Cursor, error) {
	return newCursor(s, Query{Name: name, Params: params})
}

// Resume reopens a cursor from a token returned by Cursor.Token.
func (s *KVStore) Resume(_ context.Context, token string) (*Cursor, error) {
	return resume(s, token)
}

// FindByLinearID looks up a single probe.
func (s *KVStore) FindByLinearID(ctx context.Context, id uuid.UUID) (Recorded, bool, error) {
	entry, err := s.kv.Get(ctx, kvKey(id))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return Recorded{}, false, nil
	}
	if err != nil {
		return Recorded{}, false, fmt.Errorf("get probe %s: %w", id, err)
	}
	r, err := decodeEntry(entry)
	if err != nil {
		return Recorded{}, false, err
	}
	return r, true, nil
}

// page loads every entry and filters client-side; buckets do not index
// values.
func (s *KVStore) page(ctx context.Context, q Query, after uint64, limit int) ([]Recorded, bool, error) {
	keys, err := s.keys(ctx)
	if err != nil {
		return nil, false, err
	}

	var matched []Recorded
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("get %s: %w", key, err)
		}
		if entry.Revision() <= after {
			continue
		}
		r, err := decodeEntry(entry)
		if err != nil {
			return nil, false, err
		}
		if q.match(r.State) {
			matched = append(matched, r)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Seq < matched[j].Seq })

	if len(matched) > limit {
		return matched[:limit], true, nil
	}
	return matched, false, nil
}

func (s *KVStore) keys(ctx context.Context) ([]string, error) {
	lister, err := s.kv.ListKeys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer lister.Stop()

	var keys []string
	for {
		select {
		case key, ok := <-lister.Keys():
			if !ok {
				return keys, nil
			}
			if strings.HasPrefix(key, kvKeyPrefix) {
				keys = append(keys, key)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func decodeEntry(entry jetstream.KeyValueEntry) (Recorded, error) {
	var rec kvRecord
	if err := cbor.Unmarshal(entry.Value(), &rec); err != nil {
		return Recorded{}, fmt.Errorf("decode %s: %w", entry.Key(), err)
	}
	return Recorded{Seq: entry.Revision(), TxID: rec.TxID, State: rec.State}, nil
}
