package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Edgardem/PBL-2-redes/client"
	"github.com/Edgardem/PBL-2-redes/config"
	"github.com/Edgardem/PBL-2-redes/twopc"
	"github.com/Edgardem/PBL-2-redes/txn"
)

type stubEngine struct {
	result *twopc.Result
	begun  []txn.Kind
}

func (s *stubEngine) Begin(ctx context.Context, kind txn.Kind, payload any) (*twopc.Result, error) {
	s.begun = append(s.begun, kind)
	return s.result, nil
}

func (s *stubEngine) HandleStatus(ctx context.Context, req *txn.StatusRequest) (*txn.StatusResponse, error) {
	return &txn.StatusResponse{TxID: req.TxID, Status: txn.StatusUnknown}, nil
}

type stubInventories struct {
	cards map[string][]string
	stock int
}

func (s *stubInventories) Inventory(ctx context.Context, playerID string) ([]string, error) {
	return s.cards[playerID], nil
}

func (s *stubInventories) Stock(ctx context.Context) (int, error) {
	return s.stock, nil
}

func testConfig() *config.Config {
	return &config.Config{
		SelfID: "norte",
		Peers: []config.Peer{
			{ID: "norte", Address: "localhost:8001"},
			{ID: "sul", Address: "localhost:8002"},
		},
	}
}

func newTestAPI(t *testing.T, engine Engine, inv Inventories) *client.Client {
	t.Helper()
	mux := http.NewServeMux()
	NewServer(testConfig(), engine, inv, zap.NewNop()).Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return client.New(ts.URL)
}

func TestJoinMintsPlayerIDs(t *testing.T) {
	api := newTestAPI(t, &stubEngine{}, &stubInventories{})

	p1, err := api.Join(context.Background(), "ana")
	require.NoError(t, err)
	p2, err := api.Join(context.Background(), "bruno")
	require.NoError(t, err)

	assert.Equal(t, "ana", p1.Name)
	assert.Equal(t, "norte", p1.Peer)
	assert.NotEmpty(t, p1.PlayerID)
	assert.NotEqual(t, p1.PlayerID, p2.PlayerID)
}

func TestOpenPackSurfacesOutcome(t *testing.T) {
	engine := &stubEngine{result: &twopc.Result{TxID: "tx-1", Committed: true}}
	api := newTestAPI(t, engine, &stubInventories{})

	out, err := api.OpenPack(context.Background(), "alice", "")
	require.NoError(t, err)
	assert.Equal(t, "COMMITTED", out.Status)
	assert.Equal(t, []txn.Kind{txn.OpenPack}, engine.begun)
}

func TestOpenPackAbortKeepsReason(t *testing.T) {
	engine := &stubEngine{result: &twopc.Result{TxID: "tx-2", Committed: false, Reason: "OUT_OF_STOCK"}}
	api := newTestAPI(t, engine, &stubInventories{})

	out, err := api.OpenPack(context.Background(), "alice", "")
	require.NoError(t, err)
	assert.Equal(t, "ABORTED", out.Status)
	assert.Equal(t, "OUT_OF_STOCK", out.Reason)
}

func TestTradeValidatesBody(t *testing.T) {
	engine := &stubEngine{result: &twopc.Result{TxID: "tx-3", Committed: true}}
	api := newTestAPI(t, engine, &stubInventories{})
	ctx := context.Background()

	_, err := api.Trade(ctx, "alice", []string{"c1"}, "bob", []string{"c2"})
	require.NoError(t, err)

	_, err = api.Trade(ctx, "alice", nil, "bob", []string{"c2"})
	require.Error(t, err)
	// the malformed request never reached the engine
	assert.Len(t, engine.begun, 1)
}

func TestInventoryEndpoint(t *testing.T) {
	inv := &stubInventories{cards: map[string][]string{"alice": {"c1", "c2"}}}
	api := newTestAPI(t, &stubEngine{}, inv)

	got, err := api.GetInventory(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, got.Cards)

	empty, err := api.GetInventory(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty.Cards)
}

func TestTxnStatusEndpoint(t *testing.T) {
	api := newTestAPI(t, &stubEngine{}, &stubInventories{})

	out, err := api.TxnStatus(context.Background(), "tx-unseen")
	require.NoError(t, err)
	assert.Equal(t, "UNKNOWN", out["status"])
}
