// Package transport carries flow sessions and notary requests over NATS
// request/reply with CBOR payloads.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"solarsystem/domain"

	"github.com/fxamacker/cbor/v2"
	"github.com/nats-io/nats.go"
)

// Conn is the subset of *nats.Conn the transport needs.
type Conn interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// SessionSubject is where a party receives session messages.
func SessionSubject(key domain.PublicKey) string {
	return "probe.session." + key.Fingerprint()
}

// NotarySubject is where a notary receives notarisation requests.
func NotarySubject(key domain.PublicKey) string {
	return "probe.notary." + key.Fingerprint()
}

// Request sends req to subj and decodes the reply into resp.
func Request(ctx context.Context, conn Conn, subj string, req, resp any) error {
	data, err := cbor.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	msg, err := conn.RequestWithContext(ctx, subj, data)
	if errors.Is(err, nats.ErrNoResponders) {
		return fmt.Errorf("no responder on %s: %w", subj, err)
	}
	if err != nil {
		return fmt.Errorf("request %s: %w", subj, err)
	}
	if err := cbor.Unmarshal(msg.Data, resp); err != nil {
		return fmt.Errorf("decode reply from %s: %w", subj, err)
	}
	return nil
}

// HandlerFunc processes one request. A nil reply sends nothing.
type HandlerFunc func(ctx context.Context, data []byte) []byte

// Serve subscribes to subject and answers each request with fn's reply.
// NATS delivers messages of one subscription sequentially.
func Serve(ctx context.Context, conn Conn, subject string, fn HandlerFunc, logger *slog.Logger) (*nats.Subscription, error) {
	sub, err := conn.Subscribe(subject, func(m *nats.Msg) {
		reply := fn(ctx, m.Data)
		if reply == nil || m.Reply == "" {
			return
		}
		if err := m.Respond(reply); err != nil {
			logger.Warn("respond failed", "subject", m.Subject, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}
