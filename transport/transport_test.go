package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Edgardem/PBL-2-redes/txn"
)

// stubParticipant counts invocations so the tests can prove the phase cache
// short-circuits duplicates before they reach the engine.
type stubParticipant struct {
	prepareCalls atomic.Int64
	decideCalls  atomic.Int64
	statusCalls  atomic.Int64
	delay        time.Duration
}

func (s *stubParticipant) HandlePrepare(ctx context.Context, req *txn.PrepareRequest) (*txn.VoteResponse, error) {
	s.prepareCalls.Add(1)
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	return &txn.VoteResponse{TxID: req.TxID, Vote: txn.VoteCommit}, nil
}

func (s *stubParticipant) HandleDecide(ctx context.Context, req *txn.DecideRequest) (*txn.AckResponse, error) {
	s.decideCalls.Add(1)
	return &txn.AckResponse{TxID: req.TxID, Ack: true}, nil
}

func (s *stubParticipant) HandleStatus(ctx context.Context, req *txn.StatusRequest) (*txn.StatusResponse, error) {
	s.statusCalls.Add(1)
	return &txn.StatusResponse{TxID: req.TxID, Status: txn.StatusCompleted, Decision: txn.DecisionCommit}, nil
}

func newTestTransport(t *testing.T, p Participant) (*Client, string) {
	t.Helper()
	mux := http.NewServeMux()
	NewServer(p, zap.NewNop()).Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return NewClient(), strings.TrimPrefix(ts.URL, "http://")
}

func TestPrepareRoundTrip(t *testing.T) {
	stub := &stubParticipant{}
	client, addr := newTestTransport(t, stub)

	resp, err := client.Prepare(context.Background(), addr, &txn.PrepareRequest{
		Sender: "norte", Seq: 1, TxID: "tx-1", Kind: txn.OpenPack,
	})
	require.NoError(t, err)
	assert.Equal(t, txn.VoteCommit, resp.Vote)
	assert.Equal(t, int64(1), stub.prepareCalls.Load())
}

func TestDuplicatePhaseIsAnsweredFromCache(t *testing.T) {
	stub := &stubParticipant{}
	client, addr := newTestTransport(t, stub)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		resp, err := client.Prepare(ctx, addr, &txn.PrepareRequest{
			Sender: "norte", Seq: uint64(i), TxID: "tx-1", Kind: txn.OpenPack,
		})
		require.NoError(t, err)
		assert.Equal(t, txn.VoteCommit, resp.Vote)
	}
	assert.Equal(t, int64(1), stub.prepareCalls.Load())

	for i := 0; i < 4; i++ {
		ack, err := client.Decide(ctx, addr, &txn.DecideRequest{
			Sender: "norte", Seq: uint64(i), TxID: "tx-1", Decision: txn.DecisionCommit,
		})
		require.NoError(t, err)
		assert.True(t, ack.Ack)
	}
	assert.Equal(t, int64(1), stub.decideCalls.Load())

	// a different transaction id is not a duplicate
	_, err := client.Prepare(ctx, addr, &txn.PrepareRequest{
		Sender: "norte", Seq: 9, TxID: "tx-2", Kind: txn.OpenPack,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), stub.prepareCalls.Load())
}

func TestStatusIsNeverCached(t *testing.T) {
	stub := &stubParticipant{}
	client, addr := newTestTransport(t, stub)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		resp, err := client.Status(ctx, addr, &txn.StatusRequest{Sender: "norte", TxID: "tx-1"})
		require.NoError(t, err)
		assert.Equal(t, txn.StatusCompleted, resp.Status)
	}
	assert.Equal(t, int64(3), stub.statusCalls.Load())
}

func TestDeadlineMapsToPeerUnavailable(t *testing.T) {
	stub := &stubParticipant{delay: time.Second}
	client, addr := newTestTransport(t, stub)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := client.Prepare(ctx, addr, &txn.PrepareRequest{
		Sender: "norte", TxID: "tx-slow", Kind: txn.OpenPack,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, txn.ErrPeerUnavailable)
}

func TestUnreachablePeer(t *testing.T) {
	client := NewClient()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := client.Decide(ctx, "127.0.0.1:1", &txn.DecideRequest{
		Sender: "norte", TxID: "tx-1", Decision: txn.DecisionAbort,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, txn.ErrPeerUnavailable)
}
