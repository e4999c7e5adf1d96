package transport

import (
	"context"
	"fmt"
	"log/slog"

	"solarsystem/domain"
	"solarsystem/flows"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Envelope frames a session message on the wire.
type Envelope struct {
	Session string        `cbor:"1,keyasint"`
	From    domain.Party  `cbor:"2,keyasint"`
	Message flows.Message `cbor:"3,keyasint"`
}

// Messaging opens sessions from this node to counterparties.
type Messaging struct {
	conn   Conn
	self   domain.Party
	logger *slog.Logger
}

// NewMessaging creates the initiating side of the transport.
func NewMessaging(conn Conn, self domain.Party, logger *slog.Logger) *Messaging {
	return &Messaging{conn: conn, self: self, logger: logger}
}

// InitiateFlow opens a session to counterparty. No message is sent until
// the first SendAndReceive.
func (m *Messaging) InitiateFlow(_ context.Context, counterparty domain.Party) (flows.Session, error) {
	return &session{
		id:           uuid.NewString(),
		conn:         m.conn,
		self:         m.self,
		counterparty: counterparty,
		logger:       m.logger,
	}, nil
}

type session struct {
	id           string
	conn         Conn
	self         domain.Party
	counterparty domain.Party
	logger       *slog.Logger
	closed       bool
}

func (s *session) ID() string { return s.id }
func (s *session) Counterparty() domain.Party { return s.counterparty }
func (s *session) subject() string { return SessionSubject(s.counterparty.OwningKey) }
func (s *session) envelope(m flows.Message) Envelope { return Envelope{Session: s.id, From: s.self, Message: m} }

func (s *session) SendAndReceive(ctx context.Context, kind flows.MessageKind, body any) (flows.Message, error) {
	if s.closed {
		return flows.Message{}, fmt.Errorf("session %s is closed", s.id)
	}
	msg, err := flows.NewMessage(kind, body)
	if err != nil {
		return flows.Message{}, err
	}
	var reply Envelope
	if err := Request(ctx, s.conn, s.subject(), s.envelope(msg), &reply); err != nil {
		return flows.Message{}, err
	}
	if reply.Session != s.id {
		return flows.Message{}, fmt.Errorf("reply for session %q on session %s", reply.Session, s.id)
	}
	s.logger.Debug("session exchange", "session", s.id, "sent", kind, "received", reply.Message.Kind)
	return reply.Message, nil
}

// Close tells the counterparty to abandon the session. It does not wait for
// an answer.
func (s *session) Close(_ context.Context, reason string) error {
	if s.closed {
		return nil
	}
	s.closed = true
	msg, err := flows.NewMessage(flows.KindClose, reason)
	if err != nil {
		return err
	}
	data, err := cbor.Marshal(s.envelope(msg))
	if err != nil {
		return fmt.Errorf("encode close: %w", err)
	}
	if err := s.conn.Publish(s.subject(), data); err != nil {
		return fmt.Errorf("publish close: %w", err)
	}
	return nil
}

// Host delivers inbound session messages addressed to this node to a
// responder.
type Host struct {
	conn      Conn
	self      domain.Party
	responder flows.Responder
	logger    *slog.Logger
}

// NewHost creates the responding side of the transport.
func NewHost(conn Conn, self domain.Party, responder flows.Responder, logger *slog.Logger) *Host {
	return &Host{conn: conn, self: self, responder: responder, logger: logger}
}

// Start subscribes to this node's session subject.
func (h *Host) Start(ctx context.Context) (*nats.Subscription, error) {
	return Serve(ctx, h.conn, SessionSubject(h.self.OwningKey), h.handle, h.logger)
}

func (h *Host) handle(ctx context.Context, data []byte) []byte {
	var env Envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		h.logger.Warn("Error unmarshalling envelope", "error", err)
		return h.encode(Envelope{From: h.self, Message: flows.DeclineMessage(
			domain.Wrap(domain.CodeProtocolAbort, "malformed envelope", err))})
	}

	reply, err := h.responder.Handle(ctx, flows.Inbound{Session: env.Session, From: env.From, Message: env.Message})
	if err != nil {
		h.logger.Info("declining session message", "session", env.Session, "kind", env.Message.Kind, "error", err)
		reply = flows.DeclineMessage(err)
	}
	if reply.Kind == 0 {
		return nil
	}
	return h.encode(Envelope{Session: env.Session, From: h.self, Message: reply})
}

func (h *Host) encode(env Envelope) []byte {
	data, err := cbor.Marshal(env)
	if err != nil {
		h.logger.Error("Error marshalling envelope", "session", env.Session, "error", err)
		return nil
	}
	return data
}
