package twopc

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Edgardem/PBL-2-redes/txn"
)

// runSweeper periodically scans the non-terminal index and pushes every
// stalled transaction toward a terminal state. Any peer can finish any
// transaction; the store CAS keeps concurrent sweepers from deciding twice.
func (e *Engine) runSweeper() {
	interval := e.cfg.RecoveryAfter / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			e.Sweep(ctx)
			cancel()
		}
	}
}

// Sweep runs one recovery pass.
func (e *Engine) Sweep(ctx context.Context) {
	ids, err := e.store.NonTerminal(ctx)
	if err != nil {
		e.log.Warn("recovery scan failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		if e.stopping() {
			return
		}
		e.sweepOne(ctx, id)
	}
}

func (e *Engine) sweepOne(ctx context.Context, txID string) {
	rec, err := e.store.LoadTxn(ctx, txID)
	if errors.Is(err, txn.ErrUnknownTxn) {
		// The record expired past retention but the index entry survived.
		if dropErr := e.store.DropFromIndex(ctx, txID); dropErr != nil {
			e.log.Warn("dropping stale index entry failed", zap.String("tx_id", txID), zap.Error(dropErr))
		}
		return
	}
	if err != nil {
		e.log.Warn("recovery load failed", zap.String("tx_id", txID), zap.Error(err))
		return
	}

	if rec.Status == txn.StatusCompleted {
		if err := e.store.CompleteTxn(ctx, txID); err != nil {
			e.log.Warn("re-completing indexed terminal record failed",
				zap.String("tx_id", txID), zap.Error(err))
		}
		return
	}

	if _, decided := rec.Decision(); decided {
		// The decision is durable; only delivery is missing.
		e.log.Info("recovery re-delivering decision",
			zap.String("tx_id", txID), zap.String("status", string(rec.Status)))
		e.deliverDecision(rec)
		return
	}

	age := time.Since(time.Unix(0, rec.UpdatedAt))
	if age < e.cfg.RecoveryAfter {
		return
	}

	if rec.Status == txn.StatusVotedCommit && age > e.cfg.BlockMax {
		e.resolveBlocked(ctx, rec)
		return
	}

	e.adoptAndResume(ctx, rec)
}

// adoptAndResume takes over a transaction whose coordinator is presumed
// failed mid-voting: claim the coordinator field by CAS (a later claimant
// overwrites an earlier one), then resume from the prepare fan-out. Participants that already voted answer
// with their recorded votes, so adoption converges quickly.
func (e *Engine) adoptAndResume(ctx context.Context, rec *txn.Record) {
	claimed, err := e.store.ClaimCoordinator(ctx, rec.ID, e.cfg.SelfID)
	if err != nil {
		if errors.Is(err, txn.ErrProtocolViolation) {
			// Decided while we were looking; push delivery instead.
			if fresh, loadErr := e.store.LoadTxn(ctx, rec.ID); loadErr == nil {
				e.deliverDecision(fresh)
			}
			return
		}
		e.log.Warn("coordinator claim failed", zap.String("tx_id", rec.ID), zap.Error(err))
		return
	}
	recoveryAdoptions.Inc()
	e.log.Warn("adopted orphaned transaction",
		zap.String("tx_id", rec.ID), zap.String("previous_coordinator", rec.Coordinator))

	decision, reason := e.runPreparePhase(ctx, claimed)
	decided, err := e.decide(ctx, rec.ID, decision, reason)
	if err != nil {
		e.log.Warn("recovery decision failed", zap.String("tx_id", rec.ID), zap.Error(err))
		return
	}
	e.deliverDecision(decided)
}

// resolveBlocked handles the blocking window intrinsic to 2PC: a commit vote
// exists but no decision has surfaced for longer than the block deadline.
// Only the lowest peer id among reachable peers may force GLOBAL_ABORT, and
// only after polling every peer proves nobody has locally committed.
func (e *Engine) resolveBlocked(ctx context.Context, rec *txn.Record) {
	views := make(map[string]*txn.StatusResponse)
	reachable := []string{e.cfg.SelfID}

	for _, peer := range e.cfg.Others() {
		req := &txn.StatusRequest{Sender: e.cfg.SelfID, Seq: e.nextSeq(), TxID: rec.ID}
		statusCtx, cancel := context.WithTimeout(ctx, e.cfg.PrepareTimeout)
		resp, err := e.transport.Status(statusCtx, peer.Address, req)
		cancel()
		if err != nil {
			e.log.Warn("peer unreachable during blocked resolution",
				zap.String("tx_id", rec.ID), zap.String("peer", peer.ID), zap.Error(err))
			continue
		}
		views[peer.ID] = resp
		reachable = append(reachable, peer.ID)
	}

	for _, id := range reachable {
		if id < e.cfg.SelfID {
			// Not the designated recoverer; keep polling.
			return
		}
	}

	if len(reachable) < len(e.cfg.Peers) {
		// Cannot prove every participant's state; stay blocked rather than
		// risk violating atomicity.
		e.log.Warn("blocked transaction left unresolved, peers unreachable",
			zap.String("tx_id", rec.ID), zap.Int("reachable", len(reachable)))
		return
	}

	for peer, view := range views {
		if view.Decision == txn.DecisionCommit || view.Status == txn.StatusGlobalCommit {
			e.log.Warn("peer already observed commit, delivering instead of aborting",
				zap.String("tx_id", rec.ID), zap.String("peer", peer))
			if fresh, err := e.store.LoadTxn(ctx, rec.ID); err == nil {
				e.deliverDecision(fresh)
			}
			return
		}
	}

	e.log.Warn("forcing abort of blocked transaction", zap.String("tx_id", rec.ID))
	blockedAborts.Inc()
	decided, err := e.decide(ctx, rec.ID, txn.DecisionAbort, "RECOVERY_TIMEOUT")
	if err != nil {
		e.log.Warn("forced abort failed", zap.String("tx_id", rec.ID), zap.Error(err))
		return
	}
	e.deliverDecision(decided)
}
