package identity

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"solarsystem/domain"

	"github.com/fxamacker/cbor/v2"
	"github.com/mr-tron/base58"
	"github.com/nats-io/nats.go/jetstream"
)

const memberKeyPrefix = "member."

// KeyValue is the subset of a JetStream key-value bucket the network map
// uses.
type KeyValue interface {
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	ListKeys(ctx context.Context, opts ...jetstream.WatchOpt) (jetstream.KeyLister, error)
}

// KVDirectory is a network map shared by every node through a JetStream
// bucket. Each node registers itself on start.
type KVDirectory struct {
	kv KeyValue
}

// NewKVDirectory wraps an opened bucket.
func NewKVDirectory(kv KeyValue) *KVDirectory {
	return &KVDirectory{kv: kv}
}

// memberKey derives a bucket key from a name; X.500 names contain
// characters bucket keys do not allow.
func memberKey(name domain.Name) string {
	sum := sha256.Sum256([]byte(name.String()))
	return memberKeyPrefix + base58.Encode(sum[:16])
}

// Register publishes m to the bucket.
func (d *KVDirectory) Register(ctx context.Context, m Member) error {
	if err := m.Name.Validate(); err != nil {
		return err
	}
	value, err := cbor.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode member %s: %w", m.Name, err)
	}
	if _, err := d.kv.Put(ctx, memberKey(m.Name), value); err != nil {
		return fmt.Errorf("register %s: %w", m.Name, err)
	}
	return nil
}

// PartyFromName resolves name to a party.
func (d *KVDirectory) PartyFromName(ctx context.Context, name domain.Name) (domain.Party, bool, error) {
	entry, err := d.kv.Get(ctx, memberKey(name))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return domain.Party{}, false, nil
	}
	if err != nil {
		return domain.Party{}, false, fmt.Errorf("lookup %s: %w", name, err)
	}
	var m Member
	if err := cbor.Unmarshal(entry.Value(), &m); err != nil {
		return domain.Party{}, false, fmt.Errorf("decode member %s: %w", name, err)
	}
	return m.Party(), true, nil
}

// NotaryIdentities lists notaries ordered by name.
func (d *KVDirectory) NotaryIdentities(ctx context.Context) ([]domain.Party, error) {
	members, err := d.Members(ctx)
	if err != nil {
		return nil, err
	}
	return notaries(members), nil
}

// Members lists all members ordered by name.
func (d *KVDirectory) Members(ctx context.Context) ([]Member, error) {
	lister, err := d.kv.ListKeys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer lister.Stop()

	var out []Member
	for key := range lister.Keys() {
		if !strings.HasPrefix(key, memberKeyPrefix) {
			continue
		}
		entry, err := d.kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", key, err)
		}
		var m Member
		if err := cbor.Unmarshal(entry.Value(), &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, m)
	}
	sortMembers(out)
	return out, nil
}
