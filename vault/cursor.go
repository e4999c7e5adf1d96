package vault

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"solarsystem/domain"

	"github.com/fxamacker/cbor/v2"
)

// ErrCursorExhausted is returned when polling a cursor that already
// delivered its last page. Cursors are not restartable; open a new one.
var ErrCursorExhausted = errors.New("cursor exhausted")

// PollResult is one page of a cursor.
type PollResult struct {
	Values       []domain.ProbeState
	IsLastResult bool
}

// Cursor walks the result set of a query page by page. It is not safe for
// concurrent use.
type Cursor struct {
	pager pager
	query Query
	after uint64
	done  bool
}

func newCursor(p pager, q Query) (*Cursor, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	return &Cursor{pager: p, query: q}, nil
}

// Poll fetches up to maxCount values, waiting at most timeout. A poll that
// fails leaves the cursor position unchanged so it can be retried.
func (c *Cursor) Poll(ctx context.Context, maxCount int, timeout time.Duration) (PollResult, error) {
	if c.done {
		return PollResult{}, ErrCursorExhausted
	}
	if maxCount <= 0 {
		return PollResult{}, fmt.Errorf("poll size must be positive, got %d", maxCount)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	rows, more, err := c.pager.page(ctx, c.query, c.after, maxCount)
	if err != nil {
		return PollResult{}, fmt.Errorf("poll %s: %w", c.query.Name, err)
	}

	res := PollResult{Values: make([]domain.ProbeState, 0, len(rows)), IsLastResult: !more}
	for _, r := range rows {
		res.Values = append(res.Values, r.State)
		c.after = r.Seq
	}
	c.done = !more
	return res, nil
}

// token is the internal state of a resumable cursor.
type token struct {
	Query Query  `cbor:"1,keyasint"`
	After uint64 `cbor:"2,keyasint"`
}

// Token encodes the cursor position as an opaque string that Resume
// accepts.
func (c *Cursor) Token() (string, error) {
	if c.done {
		return "", ErrCursorExhausted
	}
	data, err := cbor.Marshal(token{Query: c.query, After: c.after})
	if err != nil {
		return "", fmt.Errorf("marshal cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func resume(p pager, tok string) (*Cursor, error) {
	if tok == "" {
		return nil, fmt.Errorf("empty token")
	}
	data, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	var t token
	if err := cbor.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal cursor: %w", err)
	}
	c, err := newCursor(p, t.Query)
	if err != nil {
		return nil, err
	}
	c.after = t.After
	return c, nil
}
