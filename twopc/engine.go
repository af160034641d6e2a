// Package twopc drives two-phase commit across the peer set: it plays
// coordinator for transactions that originate here, participant for every
// transaction in the registry, and runs the recovery sweeper that finishes
// what a failed coordinator left behind.
package twopc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Edgardem/PBL-2-redes/config"
	"github.com/Edgardem/PBL-2-redes/txn"
)

// Store is the coordination-service surface the engine depends on. The store
// package provides the Redis-backed implementation.
type Store interface {
	ReservePack(ctx context.Context, txID, playerID, templateID string) error
	ReleasePack(ctx context.Context, txID string) error
	MaterializePack(ctx context.Context, txID, playerID string, cardIDs []string) error
	VerifySwap(ctx context.Context, txID string, p txn.TradePayload) error
	ApplySwap(ctx context.Context, txID string) error
	CancelSwap(ctx context.Context, txID string) error

	LogTxn(ctx context.Context, rec *txn.Record) error
	LoadTxn(ctx context.Context, txID string) (*txn.Record, error)
	UpdateTxnStatus(ctx context.Context, txID string, status txn.Status, reason string) (*txn.Record, error)
	RecordVote(ctx context.Context, txID, peerID string, vote txn.Vote, reason string) (*txn.Record, error)
	RecordAck(ctx context.Context, txID, peerID string) (bool, error)
	CompleteTxn(ctx context.Context, txID string) error
	ClaimCoordinator(ctx context.Context, txID, claimant string) (*txn.Record, error)
	NonTerminal(ctx context.Context) ([]string, error)
	DropFromIndex(ctx context.Context, txID string) error
}

// Transport sends the three 2PC phases to a remote peer address.
type Transport interface {
	Prepare(ctx context.Context, addr string, req *txn.PrepareRequest) (*txn.VoteResponse, error)
	Decide(ctx context.Context, addr string, req *txn.DecideRequest) (*txn.AckResponse, error)
	Status(ctx context.Context, addr string, req *txn.StatusRequest) (*txn.StatusResponse, error)
}

// Publisher fans transaction-decided events out to the notification
// substrate. The events package publishes each event once, without retry,
// deliberately decoupled from transaction completion; a lost event is not a
// correctness violation.
type Publisher interface {
	Decided(rec *txn.Record)
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Decided(*txn.Record) {}

// Engine is one peer's transaction engine.
type Engine struct {
	cfg       *config.Config
	store     Store
	transport Transport
	events    Publisher
	log       *zap.Logger

	locks    *txLocks
	seq      atomic.Uint64
	inflight sync.Map

	stopCh   chan struct{}
	stopOnce sync.Once
	decideWG sync.WaitGroup
	sweepWG  sync.WaitGroup
}

// New wires an engine. A nil publisher disables event fan-out.
func New(cfg *config.Config, st Store, tr Transport, ev Publisher, log *zap.Logger) *Engine {
	if ev == nil {
		ev = NopPublisher{}
	}
	return &Engine{
		cfg:       cfg,
		store:     st,
		transport: tr,
		events:    ev,
		log:       log.Named("twopc"),
		locks:     newTxLocks(),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the recovery sweeper.
func (e *Engine) Start() {
	e.sweepWG.Add(1)
	go func() {
		defer e.sweepWG.Done()
		e.runSweeper()
	}()
	e.log.Info("transaction engine started",
		zap.Strings("participants", e.cfg.PeerIDs()),
		zap.Duration("recovery_after", e.cfg.RecoveryAfter))
}

// Shutdown drains in-flight DECIDE deliveries for up to the decide deadline,
// then stops. Anything still undelivered is finished by recovery on a
// surviving peer.
func (e *Engine) Shutdown() {
	e.stopOnce.Do(func() { close(e.stopCh) })

	done := make(chan struct{})
	go func() {
		e.decideWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.log.Info("decide deliveries drained")
	case <-time.After(e.cfg.DecideTimeout):
		e.log.Warn("shutdown with undelivered decisions, recovery will finish them")
	}
	e.sweepWG.Wait()
}

func (e *Engine) stopping() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

func (e *Engine) nextSeq() uint64 {
	return e.seq.Add(1)
}

// abortReason compresses an error into the reason string carried in votes and
// surfaced to the client.
func abortReason(err error) string {
	switch {
	case errors.Is(err, txn.ErrOutOfStock):
		return "OUT_OF_STOCK"
	case errors.Is(err, txn.ErrMissingCards):
		return "MISSING_CARDS"
	case errors.Is(err, txn.ErrConflict):
		return "CONFLICT"
	case errors.Is(err, txn.ErrStoreUnavailable):
		return "STORE_UNAVAILABLE"
	case errors.Is(err, txn.ErrPeerUnavailable):
		return "PEER_UNAVAILABLE"
	case errors.Is(err, context.DeadlineExceeded):
		return "TIMEOUT"
	default:
		return "PREPARE_FAILED"
	}
}

// txLocks serializes per-transaction work inside one peer so duplicate RPCs
// cannot double-apply. The store CAS is the cross-peer serialization point;
// this is only the in-process one.
type txLocks struct {
	mu      sync.Mutex
	entries map[string]*txLockEntry
}

type txLockEntry struct {
	mu   sync.Mutex
	refs int
}

func newTxLocks() *txLocks {
	return &txLocks{entries: make(map[string]*txLockEntry)}
}

func (l *txLocks) lock(txID string) func() {
	l.mu.Lock()
	entry, ok := l.entries[txID]
	if !ok {
		entry = &txLockEntry{}
		l.entries[txID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.entries, txID)
		}
		l.mu.Unlock()
	}
}
