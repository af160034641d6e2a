package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Edgardem/PBL-2-redes/txn"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := NewWithClient(rdb, Options{CASRetries: 50, Retention: time.Hour}, zap.NewNop())
	t.Cleanup(func() { st.Close() })
	return st, mr
}

func TestInitStockIsCreateOnly(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.InitStock(ctx, 50))
	require.NoError(t, st.ReservePack(ctx, "tx-1", "p1", "standard"))

	// a restarting peer must not reset live stock
	require.NoError(t, st.InitStock(ctx, 50))
	n, err := st.Stock(ctx)
	require.NoError(t, err)
	assert.Equal(t, 49, n)
}

func TestReservePack(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.InitStock(ctx, 2))

	require.NoError(t, st.ReservePack(ctx, "tx-1", "p1", "standard"))
	// second participant of the same transaction: no further decrement
	require.NoError(t, st.ReservePack(ctx, "tx-1", "p1", "standard"))
	n, err := st.Stock(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, st.ReservePack(ctx, "tx-2", "p2", "standard"))

	err = st.ReservePack(ctx, "tx-3", "p3", "standard")
	require.ErrorIs(t, err, txn.ErrOutOfStock)

	n, err = st.Stock(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReleasePackIsIdempotent(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.InitStock(ctx, 1))
	require.NoError(t, st.ReservePack(ctx, "tx-1", "p1", "standard"))

	require.NoError(t, st.ReleasePack(ctx, "tx-1"))
	require.NoError(t, st.ReleasePack(ctx, "tx-1"))
	// releasing a transaction whose CAS never won is a no-op
	require.NoError(t, st.ReleasePack(ctx, "tx-never-reserved"))

	n, err := st.Stock(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMaterializePack(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.InitStock(ctx, 1))
	require.NoError(t, st.ReservePack(ctx, "tx-1", "p1", "standard"))

	drawn := []string{"c1", "c2", "c3"}
	require.NoError(t, st.MaterializePack(ctx, "tx-1", "p1", drawn))

	held, err := st.Inventory(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, drawn, held)

	// replayed COMMIT: marker short-circuits, inventory unchanged
	require.NoError(t, st.MaterializePack(ctx, "tx-1", "p1", drawn))
	held, err = st.Inventory(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, held, 3)

	// no reservation and no marker is a conflict
	err = st.MaterializePack(ctx, "tx-unknown", "p1", drawn)
	assert.ErrorIs(t, err, txn.ErrConflict)
}

func tradePayload() txn.TradePayload {
	return txn.TradePayload{
		PlayerA:   "alice",
		CardsAOut: []string{"c1"},
		PlayerB:   "bob",
		CardsBOut: []string{"c2"},
	}
}

func seedTradeInventories(t *testing.T, st *Store, mr *miniredis.Miniredis) {
	t.Helper()
	_, err := mr.Push(keyInventory("alice"), "c1")
	require.NoError(t, err)
	_, err = mr.Push(keyInventory("bob"), "c2")
	require.NoError(t, err)
}

func TestVerifyAndApplySwap(t *testing.T) {
	st, mr := newTestStore(t)
	ctx := context.Background()
	seedTradeInventories(t, st, mr)

	require.NoError(t, st.VerifySwap(ctx, "tx-1", tradePayload()))
	// duplicate prepare of the same transaction is a cached success
	require.NoError(t, st.VerifySwap(ctx, "tx-1", tradePayload()))

	// verify does not mutate inventories
	held, err := st.Inventory(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, held)

	require.NoError(t, st.ApplySwap(ctx, "tx-1"))
	require.NoError(t, st.ApplySwap(ctx, "tx-1"))

	aliceHeld, err := st.Inventory(ctx, "alice")
	require.NoError(t, err)
	bobHeld, err := st.Inventory(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"c2"}, aliceHeld)
	assert.Equal(t, []string{"c1"}, bobHeld)
}

func TestVerifySwapMissingCard(t *testing.T) {
	st, mr := newTestStore(t)
	ctx := context.Background()
	_, err := mr.Push(keyInventory("alice"), "c1")
	require.NoError(t, err)

	err = st.VerifySwap(ctx, "tx-1", tradePayload())
	assert.ErrorIs(t, err, txn.ErrMissingCards)
}

func TestVerifySwapContention(t *testing.T) {
	st, mr := newTestStore(t)
	ctx := context.Background()
	seedTradeInventories(t, st, mr)
	_, err := mr.Push(keyInventory("carol"), "c9")
	require.NoError(t, err)

	require.NoError(t, st.VerifySwap(ctx, "tx-1", tradePayload()))

	// a second transaction contending on c1 loses to the intent of the first
	other := txn.TradePayload{
		PlayerA:   "alice",
		CardsAOut: []string{"c1"},
		PlayerB:   "carol",
		CardsBOut: []string{"c9"},
	}
	err = st.VerifySwap(ctx, "tx-2", other)
	assert.ErrorIs(t, err, txn.ErrMissingCards)
}

func TestCancelSwapReleasesCards(t *testing.T) {
	st, mr := newTestStore(t)
	ctx := context.Background()
	seedTradeInventories(t, st, mr)

	require.NoError(t, st.VerifySwap(ctx, "tx-1", tradePayload()))
	require.NoError(t, st.CancelSwap(ctx, "tx-1"))
	require.NoError(t, st.CancelSwap(ctx, "tx-1"))

	// the cards are free again
	require.NoError(t, st.VerifySwap(ctx, "tx-2", tradePayload()))

	// inventories were never touched
	held, err := st.Inventory(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, held)
}

func newRecord(t *testing.T, id string) *txn.Record {
	t.Helper()
	rec, err := txn.NewRecord(id, txn.OpenPack, "norte", []string{"norte", "sul"}, txn.OpenPackPayload{
		PlayerID:       "p1",
		PackTemplateID: "standard",
	})
	require.NoError(t, err)
	return rec
}

func TestLogAndLoadTxn(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	rec := newRecord(t, "tx-1")
	require.NoError(t, st.LogTxn(ctx, rec))

	loaded, err := st.LoadTxn(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, txn.StatusPreparing, loaded.Status)
	assert.Equal(t, "norte", loaded.Coordinator)

	// create-only: a duplicate write does not clobber recorded votes
	_, err = st.RecordVote(ctx, "tx-1", "sul", txn.VoteCommit, "")
	require.NoError(t, err)
	require.NoError(t, st.LogTxn(ctx, newRecord(t, "tx-1")))
	loaded, err = st.LoadTxn(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, txn.VoteCommit, loaded.Votes["sul"])

	_, err = st.LoadTxn(ctx, "tx-missing")
	assert.ErrorIs(t, err, txn.ErrUnknownTxn)

	ids, err := st.NonTerminal(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"tx-1"}, ids)
}

func TestUpdateTxnStatusEnforcesMonotonicity(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.LogTxn(ctx, newRecord(t, "tx-1")))

	rec, err := st.UpdateTxnStatus(ctx, "tx-1", txn.StatusGlobalCommit, "")
	require.NoError(t, err)
	assert.Equal(t, txn.DecisionCommit, rec.Outcome)

	// re-deciding differently is a protocol violation and changes nothing
	_, err = st.UpdateTxnStatus(ctx, "tx-1", txn.StatusGlobalAbort, "late abort")
	require.ErrorIs(t, err, txn.ErrProtocolViolation)

	loaded, err := st.LoadTxn(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, txn.StatusGlobalCommit, loaded.Status)
	assert.Empty(t, loaded.Reason)

	// same-status update is an idempotent no-op
	_, err = st.UpdateTxnStatus(ctx, "tx-1", txn.StatusGlobalCommit, "")
	require.NoError(t, err)
}

func TestRecordVoteIsBinding(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.LogTxn(ctx, newRecord(t, "tx-1")))

	rec, err := st.RecordVote(ctx, "tx-1", "sul", txn.VoteCommit, "")
	require.NoError(t, err)
	assert.Equal(t, txn.StatusVotedCommit, rec.Status)

	// the first vote per participant is binding
	rec, err = st.RecordVote(ctx, "tx-1", "sul", txn.VoteAbort, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, txn.VoteCommit, rec.Votes["sul"])

	rec, err = st.RecordVote(ctx, "tx-1", "norte", txn.VoteAbort, "no stock")
	require.NoError(t, err)
	assert.Equal(t, txn.StatusVotedAbort, rec.Status)
	assert.Equal(t, "no stock", rec.VoteReasons["norte"])
}

func TestRecordAckAndComplete(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.LogTxn(ctx, newRecord(t, "tx-1")))

	// completing an undecided record is refused
	err := st.CompleteTxn(ctx, "tx-1")
	require.ErrorIs(t, err, txn.ErrProtocolViolation)

	_, err = st.UpdateTxnStatus(ctx, "tx-1", txn.StatusGlobalCommit, "")
	require.NoError(t, err)

	all, err := st.RecordAck(ctx, "tx-1", "norte")
	require.NoError(t, err)
	assert.False(t, all)
	all, err = st.RecordAck(ctx, "tx-1", "sul")
	require.NoError(t, err)
	assert.True(t, all)

	require.NoError(t, st.CompleteTxn(ctx, "tx-1"))

	ids, err := st.NonTerminal(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	loaded, err := st.LoadTxn(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, txn.StatusCompleted, loaded.Status)
	d, decided := loaded.Decision()
	assert.True(t, decided)
	assert.Equal(t, txn.DecisionCommit, d)
}

func TestClaimCoordinator(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.LogTxn(ctx, newRecord(t, "tx-1")))

	rec, err := st.ClaimCoordinator(ctx, "tx-1", "sul")
	require.NoError(t, err)
	assert.Equal(t, "sul", rec.Coordinator)

	// claiming again from the same peer is a no-op
	rec, err = st.ClaimCoordinator(ctx, "tx-1", "sul")
	require.NoError(t, err)
	assert.Equal(t, "sul", rec.Coordinator)

	// decided records cannot be re-claimed
	_, err = st.UpdateTxnStatus(ctx, "tx-1", txn.StatusGlobalAbort, "timeout")
	require.NoError(t, err)
	_, err = st.ClaimCoordinator(ctx, "tx-1", "leste")
	assert.ErrorIs(t, err, txn.ErrProtocolViolation)
}
