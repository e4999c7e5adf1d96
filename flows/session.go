package flows

import (
	"context"
	"fmt"

	"solarsystem/domain"

	"github.com/fxamacker/cbor/v2"
)

// MessageKind tags a message exchanged within a session.
type MessageKind uint8

const (
	KindProposal  MessageKind = iota + 1 // initiator → responder: partially signed transaction
	KindSignature                        // responder → initiator: counter signature
	KindDecline                          // either way: domain.Failure
	KindFinalized                        // initiator → responder: notarised transaction
	KindRecorded                         // responder → initiator: finalized transaction recorded
	KindClose                            // initiator → responder: session abandoned, body is the reason
)

func (k MessageKind) String() string {
	switch k {
	case KindProposal:
		return "proposal"
	case KindSignature:
		return "signature"
	case KindDecline:
		return "decline"
	case KindFinalized:
		return "finalized"
	case KindRecorded:
		return "recorded"
	case KindClose:
		return "close"
	default:
		return fmt.Sprintf("MessageKind(%d)", uint8(k))
	}
}

// Message is a single session message. The zero Message means "no reply".
type Message struct {
	Kind MessageKind     `cbor:"1,keyasint"`
	Body cbor.RawMessage `cbor:"2,keyasint,omitempty"`
}

// NewMessage encodes body into a message of the given kind.
func NewMessage(kind MessageKind, body any) (Message, error) {
	data, err := cbor.Marshal(body)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s: %w", kind, err)
	}
	return Message{Kind: kind, Body: data}, nil
}

// Decode decodes the body into v.
func (m Message) Decode(v any) error {
	if err := cbor.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("decode %s: %w", m.Kind, err)
	}
	return nil
}

// DeclineMessage carries err to the other side of a session.
func DeclineMessage(err error) Message {
	msg, encErr := NewMessage(KindDecline, domain.FailureOf(err))
	if encErr != nil {
		return Message{Kind: KindDecline}
	}
	return msg
}

// declined turns a decline message back into a domain error.
func declined(m Message) *domain.Error {
	var f domain.Failure
	if err := m.Decode(&f); err != nil {
		return domain.Wrap(domain.CodeProtocolAbort, "counterparty declined", err)
	}
	return f.Err()
}

// Session is an ordered, reliable, point-to-point channel to one
// counterparty. SendAndReceive blocks until the counterparty replies.
type Session interface {
	ID() string
	Counterparty() domain.Party
	SendAndReceive(ctx context.Context, kind MessageKind, body any) (Message, error)
	Close(ctx context.Context, reason string) error
}

// Messaging opens sessions to counterparties.
type Messaging interface {
	InitiateFlow(ctx context.Context, counterparty domain.Party) (Session, error)
}

// Inbound is a message received by a responder.
type Inbound struct {
	Session string
	From    domain.Party
	Message Message
}

// Responder handles the inbound side of sessions. A returned error is sent
// back to the initiator as a decline.
type Responder interface {
	Handle(ctx context.Context, in Inbound) (Message, error)
}
