package notary

import (
	"context"
	"log/slog"

	"solarsystem/domain"
	"solarsystem/transport"

	"github.com/fxamacker/cbor/v2"
	"github.com/nats-io/nats.go"
)

type request struct {
	Tx domain.SignedTransaction `cbor:"1,keyasint"`
}

type response struct {
	Signature *domain.Signature `cbor:"1,keyasint,omitempty"`
	Failure   *domain.Failure   `cbor:"2,keyasint,omitempty"`
}

// Client reaches the notary named by a transaction over NATS.
type Client struct {
	conn transport.Conn
}

func NewClient(conn transport.Conn) *Client {
	return &Client{conn: conn}
}

// Notarise sends stx to stx.Tx.Notary and returns its signature.
func (c *Client) Notarise(ctx context.Context, stx *domain.SignedTransaction) (domain.Signature, error) {
	var resp response
	subj := transport.NotarySubject(stx.Tx.Notary.OwningKey)
	if err := transport.Request(ctx, c.conn, subj, request{Tx: *stx}, &resp); err != nil {
		return domain.Signature{}, domain.Wrap(domain.CodeProtocolAbort, "reach notary "+stx.Tx.Notary.Name.String(), err)
	}
	if resp.Failure != nil {
		return domain.Signature{}, resp.Failure.Err()
	}
	if resp.Signature == nil {
		return domain.Signature{}, domain.New(domain.CodeNotaryRejection, "notary returned no signature")
	}
	return *resp.Signature, nil
}

// Server answers notarisation requests for a Service.
type Server struct {
	conn    transport.Conn
	service *Service
	logger  *slog.Logger
}

func NewServer(conn transport.Conn, service *Service, logger *slog.Logger) *Server {
	return &Server{conn: conn, service: service, logger: logger}
}

// Start subscribes to the notary subject of the service's key.
func (s *Server) Start(ctx context.Context) (*nats.Subscription, error) {
	return transport.Serve(ctx, s.conn, transport.NotarySubject(s.service.signer.Public()), s.handle, s.logger)
}

func (s *Server) handle(ctx context.Context, data []byte) []byte {
	var req request
	var resp response
	if err := cbor.Unmarshal(data, &req); err != nil {
		s.logger.Warn("Error unmarshalling notarisation request", "error", err)
		f := domain.FailureOf(domain.Wrap(domain.CodeNotaryRejection, "malformed request", err))
		resp.Failure = &f
	} else if sig, err := s.service.Notarise(ctx, &req.Tx); err != nil {
		f := domain.FailureOf(err)
		resp.Failure = &f
	} else {
		resp.Signature = &sig
	}

	out, err := cbor.Marshal(resp)
	if err != nil {
		s.logger.Error("Error marshalling notarisation response", "error", err)
		return nil
	}
	return out
}
