package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/Edgardem/PBL-2-redes/txn"
)

// Participant is the engine surface the inbound transport serves.
type Participant interface {
	HandlePrepare(ctx context.Context, req *txn.PrepareRequest) (*txn.VoteResponse, error)
	HandleDecide(ctx context.Context, req *txn.DecideRequest) (*txn.AckResponse, error)
	HandleStatus(ctx context.Context, req *txn.StatusRequest) (*txn.StatusResponse, error)
}

// Server exposes the participant over HTTP. Answered phases are cached by
// (tx_id, phase) so a duplicate delivery gets the original response back
// without re-entering the engine.
type Server struct {
	participant Participant
	log         *zap.Logger

	mu    sync.Mutex
	cache map[string][]byte
}

const cacheHighWater = 16384

// NewServer wraps a participant.
func NewServer(p Participant, log *zap.Logger) *Server {
	return &Server{
		participant: p,
		log:         log.Named("transport"),
		cache:       make(map[string][]byte),
	}
}

// Register mounts the peer endpoints on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc(pathPrepare, s.handlePrepare)
	mux.HandleFunc(pathDecide, s.handleDecide)
	mux.HandleFunc(pathStatus, s.handleStatus)
}

func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	var req txn.PrepareRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cacheKey := req.TxID + "/prepare"
	if s.replayCached(w, cacheKey) {
		return
	}

	resp, err := s.participant.HandlePrepare(r.Context(), &req)
	if err != nil {
		s.fail(w, r, "prepare", req.TxID, err)
		return
	}
	s.respondCached(w, cacheKey, resp)
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req txn.DecideRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cacheKey := req.TxID + "/decide"
	if s.replayCached(w, cacheKey) {
		return
	}

	resp, err := s.participant.HandleDecide(r.Context(), &req)
	if err != nil {
		// No ack: the sender retries and recovery backstops it.
		s.fail(w, r, "decide", req.TxID, err)
		return
	}
	s.respondCached(w, cacheKey, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req txn.StatusRequest
	if !decodeBody(w, r, &req) {
		return
	}

	// Status is an idempotent read; never cached, always current.
	resp, err := s.participant.HandleStatus(r.Context(), &req)
	if err != nil {
		s.fail(w, r, "status", req.TxID, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) replayCached(w http.ResponseWriter, key string) bool {
	s.mu.Lock()
	cached, ok := s.cache[key]
	s.mu.Unlock()
	if !ok {
		return false
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(cached)
	return true
}

func (s *Server) respondCached(w http.ResponseWriter, key string, resp any) {
	data, err := json.Marshal(resp)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	s.mu.Lock()
	if len(s.cache) >= cacheHighWater {
		s.cache = make(map[string][]byte)
	}
	s.cache[key] = data
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, phase, txID string, err error) {
	s.log.Warn("peer request failed",
		zap.String("phase", phase), zap.String("tx_id", txID), zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
