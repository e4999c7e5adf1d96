// Package identity holds signing keys and the network map that turns
// X.500 names into parties and lists the available notaries.
package identity

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"solarsystem/domain"

	"gopkg.in/yaml.v3"
)

// Member is an entry of the network map.
type Member struct {
	Name   domain.Name      `cbor:"1,keyasint" yaml:"name" json:"name"`
	Key    domain.PublicKey `cbor:"2,keyasint" yaml:"key" json:"key"`
	Notary bool             `cbor:"3,keyasint" yaml:"notary,omitempty" json:"notary"`
}

// Party returns the member as a protocol party.
func (m Member) Party() domain.Party {
	return domain.Party{Name: m.Name, OwningKey: m.Key}
}

// Directory is an in-memory network map.
type Directory struct {
	mu      sync.RWMutex
	members map[string]Member
}

// NewDirectory creates a directory holding members.
func NewDirectory(members ...Member) *Directory {
	d := &Directory{members: make(map[string]Member)}
	for _, m := range members {
		d.members[m.Name.String()] = m
	}
	return d
}

// Register adds or replaces a member.
func (d *Directory) Register(_ context.Context, m Member) error {
	if err := m.Name.Validate(); err != nil {
		return err
	}
	if len(m.Key) == 0 {
		return fmt.Errorf("member %s has no key", m.Name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members[m.Name.String()] = m
	return nil
}

// PartyFromName resolves name to a party.
func (d *Directory) PartyFromName(_ context.Context, name domain.Name) (domain.Party, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.members[name.String()]
	if !ok {
		return domain.Party{}, false, nil
	}
	return m.Party(), true, nil
}

// NotaryIdentities lists notaries ordered by name.
func (d *Directory) NotaryIdentities(ctx context.Context) ([]domain.Party, error) {
	members, err := d.Members(ctx)
	if err != nil {
		return nil, err
	}
	return notaries(members), nil
}

// Members lists all members ordered by name.
func (d *Directory) Members(_ context.Context) ([]Member, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Member, 0, len(d.members))
	for _, m := range d.members {
		out = append(out, m)
	}
	sortMembers(out)
	return out, nil
}

func sortMembers(members []Member) {
	sort.Slice(members, func(i, j int) bool {
		return members[i].Name.String() < members[j].Name.String()
	})
}

func notaries(members []Member) []domain.Party {
	var out []domain.Party
	for _, m := range members {
		if m.Notary {
			out = append(out, m.Party())
		}
	}
	return out
}

type networkFile struct {
	Members []Member `yaml:"members"`
}

// LoadNetworkFile reads a YAML network map:
//
//	members:
//	  - name: "OU=Planet, O=Mars, L=Solar System, C=GB"
//	    key: 6MRyAj...
//	  - name: "O=Notary, L=Solar System, C=GB"
//	    key: 9xQeWv...
//	    notary: true
func LoadNetworkFile(path string) ([]Member, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read network file: %w", err)
	}
	var nf networkFile
	if err := yaml.Unmarshal(data, &nf); err != nil {
		return nil, fmt.Errorf("parse network file %s: %w", path, err)
	}
	return nf.Members, nil
}

// Registrar adds members to a network map.
type Registrar interface {
	Register(ctx context.Context, m Member) error
}

// Bootstrap registers the members listed in the network file at path, if
// path is set, and then self, so self always wins over a stale file entry.
func Bootstrap(ctx context.Context, r Registrar, path string, self Member) error {
	if path != "" {
		members, err := LoadNetworkFile(path)
		if err != nil {
			return err
		}
		for _, m := range members {
			if err := r.Register(ctx, m); err != nil {
				return fmt.Errorf("register %s: %w", m.Name, err)
			}
		}
	}
	if err := r.Register(ctx, self); err != nil {
		return fmt.Errorf("register self: %w", err)
	}
	return nil
}
