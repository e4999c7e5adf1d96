package flows

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"solarsystem/domain"
	"solarsystem/identity"
	"solarsystem/vault"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type peer struct {
	key   *identity.KeyPair
	party domain.Party
}

func newPeer(t *testing.T, name string) peer {
	t.Helper()
	k, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	return peer{key: k, party: domain.Party{Name: domain.MustParseName(name), OwningKey: k.Public()}}
}

type acceptorFixture struct {
	earth, mars, notary peer
	vault               *vault.SQLiteStore
	checkpoints         *MemoryCheckpoints
	acceptor            *Acceptor
	logs                *bytes.Buffer
	proposal            *domain.SignedTransaction
}

func newAcceptorFixture(t *testing.T, opts ...AcceptorOption) *acceptorFixture {
	t.Helper()
	f := &acceptorFixture{
		earth:       newPeer(t, "OU=Planet, O=Earth, L=Solar System, C=GB"),
		mars:        newPeer(t, "OU=Planet, O=Mars, L=Solar System, C=GB"),
		notary:      newPeer(t, "O=Notary, L=Solar System, C=GB"),
		checkpoints: NewMemoryCheckpoints(),
		logs:        &bytes.Buffer{},
	}
	store, err := vault.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	f.vault = store
	f.acceptor = NewAcceptor(f.mars.key, store, f.checkpoints, slog.New(slog.NewTextHandler(f.logs, nil)), opts...)

	tx, err := Build("Hey Mars", true, f.earth.party, f.mars.party, f.notary.party)
	require.NoError(t, err)
	f.proposal, err = sign(tx, f.earth.key)
	require.NoError(t, err)
	return f
}

func (f *acceptorFixture) send(t *testing.T, session string, from domain.Party, kind MessageKind, body any) (Message, error) {
	t.Helper()
	msg, err := NewMessage(kind, body)
	require.NoError(t, err)
	return f.acceptor.Handle(context.Background(), Inbound{Session: session, From: from, Message: msg})
}

// finalized returns the proposal with the responder and notary signatures.
func (f *acceptorFixture) finalized(t *testing.T, counter Message) *domain.SignedTransaction {
	t.Helper()
	var sig domain.Signature
	require.NoError(t, counter.Decode(&sig))
	out := f.proposal.Clone()
	out.AddSignature(sig)
	digest, err := out.Tx.Digest()
	require.NoError(t, err)
	out.AddSignature(f.notary.key.Sign(digest))
	return out
}

func TestAcceptorHappyPath(t *testing.T) {
	f := newAcceptorFixture(t)
	ctx := context.Background()

	reply, err := f.send(t, "s1", f.earth.party, KindProposal, f.proposal)
	require.NoError(t, err)
	require.Equal(t, KindSignature, reply.Kind)

	cp, found, err := f.checkpoints.Load(ctx, "s1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StepSent, cp.Step)
	assert.Equal(t, RoleResponder, cp.Role)
	assert.True(t, cp.Counterparty.Equal(f.earth.party))

	stx := f.finalized(t, reply)
	reply, err = f.send(t, "s1", f.earth.party, KindFinalized, stx)
	require.NoError(t, err)
	require.Equal(t, KindRecorded, reply.Kind)

	txID, err := stx.ID()
	require.NoError(t, err)
	var ack string
	require.NoError(t, reply.Decode(&ack))
	assert.Equal(t, txID, ack)

	r, found, err := f.vault.FindByLinearID(ctx, stx.Tx.Outputs[0].LinearID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, txID, r.TxID)

	_, found, err = f.checkpoints.Load(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Contains(t, f.logs.String(), "probe recorded")
}

func TestAcceptorDeclines(t *testing.T) {
	testCases := []struct {
		name   string
		from   func(f *acceptorFixture) domain.Party
		body   func(t *testing.T, f *acceptorFixture) any
		want   *domain.Error
		reason string
	}{
		{
			name:   "sender is not the launcher",
			from:   func(f *acceptorFixture) domain.Party { return f.notary.party },
			body:   func(t *testing.T, f *acceptorFixture) any { return f.proposal },
			want:   domain.ErrProtocolAbort,
			reason: "not the launcher of this probe",
		},
		{
			name: "not signed by the sender",
			from: func(f *acceptorFixture) domain.Party { return f.earth.party },
			body: func(t *testing.T, f *acceptorFixture) any {
				out := f.proposal.Clone()
				out.Sigs = nil
				return out
			},
			want:   domain.ErrProtocolAbort,
			reason: "not signed by the initiating party",
		},
		{
			name: "contract violation",
			from: func(f *acceptorFixture) domain.Party { return f.earth.party },
			body: func(t *testing.T, f *acceptorFixture) any {
				out := f.proposal.Clone()
				out.Tx.Outputs = []domain.ProbeState{out.Tx.Outputs[0]}
				out.Tx.Outputs[0].Message = ""
				return out
			},
			want:   domain.ErrRuleViolation,
			reason: "The message's value must be non-empty.",
		},
		{
			name: "probe targets another party",
			from: func(f *acceptorFixture) domain.Party { return f.earth.party },
			body: func(t *testing.T, f *acceptorFixture) any {
				venus := newPeer(t, "OU=Planet, O=Venus, L=Solar System, C=GB")
				tx, err := Build("Hey Venus", true, f.earth.party, venus.party, f.notary.party)
				require.NoError(t, err)
				stx, err := sign(tx, f.earth.key)
				require.NoError(t, err)
				return stx
			},
			want:   domain.ErrRuleViolation,
			reason: "we are not the target of this probe",
		},
		{
			name: "extra signer",
			from: func(f *acceptorFixture) domain.Party { return f.earth.party },
			body: func(t *testing.T, f *acceptorFixture) any {
				venus := newPeer(t, "OU=Planet, O=Venus, L=Solar System, C=GB")
				tx := f.proposal.Tx
				tx.Commands = []domain.Command{{
					Kind:    domain.CommandLaunch,
					Signers: append(append([]domain.PublicKey(nil), tx.Commands[0].Signers...), venus.party.OwningKey),
				}}
				stx, err := sign(&tx, f.earth.key)
				require.NoError(t, err)
				return stx
			},
			want:   domain.ErrRuleViolation,
			reason: "Only the participants may be signers.",
		},
		{
			name: "forged launcher signature",
			from: func(f *acceptorFixture) domain.Party { return f.earth.party },
			body: func(t *testing.T, f *acceptorFixture) any {
				out := f.proposal.Clone()
				out.Sigs[0].Bytes = bytes.Repeat([]byte{7}, 64)
				return out
			},
			want:   domain.ErrProtocolAbort,
			reason: "invalid signature",
		},
		{
			name: "garbage body",
			from: func(f *acceptorFixture) domain.Party { return f.earth.party },
			body: func(t *testing.T, f *acceptorFixture) any { return "not a transaction" },
			want: domain.ErrProtocolAbort,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newAcceptorFixture(t)
			_, err := f.send(t, "s1", tc.from(f), KindProposal, tc.body(t, f))
			require.ErrorIs(t, err, tc.want)
			assert.Contains(t, err.Error(), tc.reason)

			cps, err := f.checkpoints.List(context.Background())
			require.NoError(t, err)
			assert.Empty(t, cps)
			assert.Contains(t, f.logs.String(), "proposal declined")
		})
	}
}

func TestAcceptorIgnoresProbesBetweenOtherParties(t *testing.T) {
	f := newAcceptorFixture(t)
	venus := newPeer(t, "OU=Planet, O=Venus, L=Solar System, C=GB")
	bystander := NewAcceptor(venus.key, f.vault, f.checkpoints, slog.New(slog.NewTextHandler(f.logs, nil)))

	tx := f.proposal.Tx
	tx.Commands = []domain.Command{{
		Kind:    domain.CommandLaunch,
		Signers: append(append([]domain.PublicKey(nil), tx.Commands[0].Signers...), venus.party.OwningKey),
	}}
	stx, err := sign(&tx, f.earth.key)
	require.NoError(t, err)
	digest, err := tx.Digest()
	require.NoError(t, err)
	stx.AddSignature(f.mars.key.Sign(digest))

	msg, err := NewMessage(KindProposal, stx)
	require.NoError(t, err)
	reply, err := bystander.Handle(context.Background(), Inbound{Session: "s1", From: f.earth.party, Message: msg})
	require.ErrorIs(t, err, domain.ErrRuleViolation)
	assert.Zero(t, reply.Kind)
	assert.Empty(t, recordedStates(t, f.vault))
}

func TestAcceptorOutOfOrder(t *testing.T) {
	t.Run("finalized without proposal", func(t *testing.T) {
		f := newAcceptorFixture(t)
		_, err := f.send(t, "s1", f.earth.party, KindFinalized, f.proposal)
		assert.ErrorIs(t, err, domain.ErrProtocolAbort)
		assert.Contains(t, err.Error(), "step AwaitingProposal")
	})

	t.Run("second proposal on a session", func(t *testing.T) {
		f := newAcceptorFixture(t)
		_, err := f.send(t, "s1", f.earth.party, KindProposal, f.proposal)
		require.NoError(t, err)
		_, err = f.send(t, "s1", f.earth.party, KindProposal, f.proposal)
		assert.ErrorIs(t, err, domain.ErrProtocolAbort)

		cp, found, err := f.checkpoints.Load(context.Background(), "s1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, StepSent, cp.Step)
	})

	t.Run("finalized transaction differs", func(t *testing.T) {
		f := newAcceptorFixture(t)
		_, err := f.send(t, "s1", f.earth.party, KindProposal, f.proposal)
		require.NoError(t, err)

		tx, err := Build("Other", true, f.earth.party, f.mars.party, f.notary.party)
		require.NoError(t, err)
		other, err := sign(tx, f.earth.key)
		require.NoError(t, err)
		_, err = f.send(t, "s1", f.earth.party, KindFinalized, other)
		assert.ErrorIs(t, err, domain.ErrProtocolAbort)
		assert.Contains(t, err.Error(), "expected transaction")
	})

	t.Run("finalized without notary signature", func(t *testing.T) {
		f := newAcceptorFixture(t)
		reply, err := f.send(t, "s1", f.earth.party, KindProposal, f.proposal)
		require.NoError(t, err)
		var sig domain.Signature
		require.NoError(t, reply.Decode(&sig))
		stx := f.proposal.Clone()
		stx.AddSignature(sig)

		_, err = f.send(t, "s1", f.earth.party, KindFinalized, stx)
		assert.ErrorIs(t, err, domain.ErrProtocolAbort)
		assert.Contains(t, err.Error(), "not notarised")
		assert.Empty(t, recordedStates(t, f.vault))
	})

	t.Run("session hijack", func(t *testing.T) {
		f := newAcceptorFixture(t)
		_, err := f.send(t, "s1", f.earth.party, KindProposal, f.proposal)
		require.NoError(t, err)
		_, err = f.send(t, "s1", f.notary.party, KindClose, "bye")
		assert.ErrorIs(t, err, domain.ErrProtocolAbort)

		_, found, err := f.checkpoints.Load(context.Background(), "s1")
		require.NoError(t, err)
		assert.True(t, found)
	})
}

func recordedStates(t *testing.T, store *vault.SQLiteStore) []domain.ProbeState {
	t.Helper()
	c, err := store.Query(context.Background(), vault.QueryFindAll, nil)
	require.NoError(t, err)
	res, err := c.Poll(context.Background(), 100, time.Second)
	require.NoError(t, err)
	return res.Values
}

func TestAcceptorRateLimit(t *testing.T) {
	f := newAcceptorFixture(t, WithLimiter(NewAcceptorLimiter(1, 1, time.Minute)))
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.acceptor.now = func() time.Time { return now }

	_, err := f.send(t, "s1", f.earth.party, KindProposal, f.proposal)
	require.NoError(t, err)
	_, err = f.send(t, "s2", f.earth.party, KindProposal, f.proposal)
	require.ErrorIs(t, err, domain.ErrProtocolAbort)
	assert.Contains(t, err.Error(), "too many proposals")

	now = now.Add(time.Second)
	_, err = f.send(t, "s3", f.earth.party, KindProposal, f.proposal)
	assert.NoError(t, err)
}

func TestAcceptorExpire(t *testing.T) {
	f := newAcceptorFixture(t)
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.acceptor.now = func() time.Time { return start }

	_, err := f.send(t, "old", f.earth.party, KindProposal, f.proposal)
	require.NoError(t, err)

	f.acceptor.now = func() time.Time { return start.Add(time.Minute) }
	_, err = f.send(t, "fresh", f.earth.party, KindProposal, f.proposal)
	require.NoError(t, err)

	n, err := f.acceptor.Expire(ctx, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, found, err := f.checkpoints.Load(ctx, "old")
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = f.checkpoints.Load(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Contains(t, f.logs.String(), "session expired")
}

func TestAcceptorLimiterNil(t *testing.T) {
	assert.Nil(t, NewAcceptorLimiter(0, 5, time.Minute))
	var l *AcceptorLimiter
	assert.True(t, l.Allow("anyone", time.Now()))
}
