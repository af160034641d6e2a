// Package api is the client-facing HTTP surface of one peer: joining,
// inventory queries, and the two business operations that run on the
// distributed transaction core. Clients only ever observe COMMITTED or
// ABORTED(reason).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Edgardem/PBL-2-redes/cards"
	"github.com/Edgardem/PBL-2-redes/config"
	"github.com/Edgardem/PBL-2-redes/twopc"
	"github.com/Edgardem/PBL-2-redes/txn"
)

// Engine is the transaction-core surface the API consumes.
type Engine interface {
	Begin(ctx context.Context, kind txn.Kind, payload any) (*twopc.Result, error)
	HandleStatus(ctx context.Context, req *txn.StatusRequest) (*txn.StatusResponse, error)
}

// Inventories is the read-side store surface.
type Inventories interface {
	Inventory(ctx context.Context, playerID string) ([]string, error)
	Stock(ctx context.Context) (int, error)
}

// Server holds the API handlers.
type Server struct {
	cfg    *config.Config
	engine Engine
	store  Inventories
	log    *zap.Logger
}

// NewServer wires the API over the engine and store.
func NewServer(cfg *config.Config, engine Engine, store Inventories, log *zap.Logger) *Server {
	return &Server{cfg: cfg, engine: engine, store: store, log: log.Named("api")}
}

// Register mounts the client endpoints on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /", s.handleRoot)
	mux.HandleFunc("GET /servers", s.handleServers)
	mux.HandleFunc("POST /player/join", s.handleJoin)
	mux.HandleFunc("GET /inventory/{player_id}", s.handleInventory)
	mux.HandleFunc("POST /pack/open/{player_id}", s.handleOpenPack)
	mux.HandleFunc("POST /trade", s.handleTrade)
	mux.HandleFunc("GET /txn/{tx_id}", s.handleTxnStatus)
	mux.Handle("GET /metrics", promhttp.Handler())
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	stock, err := s.store.Stock(r.Context())
	if err != nil {
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "online",
		"peer":   s.cfg.SelfID,
		"stock":  stock,
	})
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"peers": s.cfg.Peers})
}

type joinRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "a player name is required"})
		return
	}
	// Inventories are created lazily on first committed transaction; joining
	// only mints the identity.
	playerID := uuid.NewString()
	s.log.Info("player joined", zap.String("player", playerID), zap.String("name", req.Name))
	writeJSON(w, http.StatusOK, map[string]string{
		"player_id": playerID,
		"name":      req.Name,
		"peer":      s.cfg.SelfID,
	})
}

func (s *Server) handleInventory(w http.ResponseWriter, r *http.Request) {
	playerID := r.PathValue("player_id")
	held, err := s.store.Inventory(r.Context(), playerID)
	if err != nil {
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"player_id": playerID,
		"cards":     held,
	})
}

type openPackRequest struct {
	PackTemplateID string `json:"pack_template_id"`
}

func (s *Server) handleOpenPack(w http.ResponseWriter, r *http.Request) {
	playerID := r.PathValue("player_id")

	var req openPackRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
			return
		}
	}
	if req.PackTemplateID == "" {
		req.PackTemplateID = cards.DefaultTemplate
	}

	res, err := s.engine.Begin(r.Context(), txn.OpenPack, txn.OpenPackPayload{
		PlayerID:       playerID,
		PackTemplateID: req.PackTemplateID,
	})
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.respondResult(w, res)
}

func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request) {
	var p txn.TradePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	if p.PlayerA == "" || p.PlayerB == "" || len(p.CardsAOut) == 0 || len(p.CardsBOut) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "both players and both card lists are required",
		})
		return
	}

	res, err := s.engine.Begin(r.Context(), txn.TradeCards, p)
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.respondResult(w, res)
}

func (s *Server) handleTxnStatus(w http.ResponseWriter, r *http.Request) {
	txID := r.PathValue("tx_id")
	resp, err := s.engine.HandleStatus(r.Context(), &txn.StatusRequest{
		Sender: s.cfg.SelfID,
		TxID:   txID,
	})
	if err != nil {
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) respondResult(w http.ResponseWriter, res *twopc.Result) {
	if res.Committed {
		writeJSON(w, http.StatusOK, map[string]any{
			"tx_id":  res.TxID,
			"status": "COMMITTED",
			"cards":  res.Cards,
		})
		return
	}
	writeJSON(w, http.StatusConflict, map[string]any{
		"tx_id":  res.TxID,
		"status": "ABORTED",
		"reason": res.Reason,
	})
}

func (s *Server) serverError(w http.ResponseWriter, err error) {
	s.log.Warn("request failed", zap.Error(err))
	status := http.StatusInternalServerError
	if errors.Is(err, txn.ErrStoreUnavailable) {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
