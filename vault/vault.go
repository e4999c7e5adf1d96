// Package vault records finalized probes and serves them back through
// named, parameterized queries read with a resumable cursor.
package vault

import (
	"context"
	"fmt"

	"solarsystem/domain"

	"github.com/google/uuid"
)

// Named queries.
const (
	QueryFindAll           = "ProbeStates.FindAll"
	QueryFindByLauncherNot = "ProbeStates.FindByLauncherNot"

	// ParamLauncher is the launcher name QueryFindByLauncherNot excludes.
	ParamLauncher = "launcher"
)

// Recorded is a probe as stored in a vault.
type Recorded struct {
	Seq   uint64            // position in insertion order, starting at 1
	TxID  string            // the finalized transaction that created the probe
	State domain.ProbeState // the probe, exactly as signed
}

// Query names a stored query and its parameters.
type Query struct {
	Name   string            `cbor:"1,keyasint"`
	Params map[string]string `cbor:"2,keyasint,omitempty"`
}

func (q Query) validate() error {
	switch q.Name {
	case QueryFindAll:
		return nil
	case QueryFindByLauncherNot:
		if q.Params[ParamLauncher] == "" {
			return fmt.Errorf("query %s requires parameter %q", q.Name, ParamLauncher)
		}
		return nil
	default:
		return fmt.Errorf("unknown query %q", q.Name)
	}
}

// match applies the query filter to a single state. Backends that cannot
// filter server-side use it after loading.
func (q Query) match(s domain.ProbeState) bool {
	switch q.Name {
	case QueryFindByLauncherNot:
		return s.Launcher.Name.String() != q.Params[ParamLauncher]
	default:
		return true
	}
}

// pager returns up to limit records matching q with Seq greater than after,
// in Seq order, and whether more remain.
type pager interface {
	page(ctx context.Context, q Query, after uint64, limit int) ([]Recorded, bool, error)
}

// Store is implemented by every vault backend.
type Store interface {
	Record(ctx context.Context, txID string, states ...domain.ProbeState) error
	Query(ctx context.Context, name string, params map[string]string) (*Cursor, error)
	Resume(ctx context.Context, token string) (*Cursor, error)
	FindByLinearID(ctx context.Context, id uuid.UUID) (Recorded, bool, error)
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*KVStore)(nil)
)
