package twopc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Edgardem/PBL-2-redes/txn"
)

// HandlePrepare is the participant side of the voting phase. The vote is
// durable in the transaction log before it is returned: once COMMIT leaves
// this function the peer is bound to commit until it observes a global abort.
func (e *Engine) HandlePrepare(ctx context.Context, req *txn.PrepareRequest) (*txn.VoteResponse, error) {
	unlock := e.locks.lock(req.TxID)
	defer unlock()

	rec, err := e.store.LoadTxn(ctx, req.TxID)
	if errors.Is(err, txn.ErrUnknownTxn) {
		// The coordinator logs before contacting peers, but a participant may
		// still observe the request first under store retention races; build
		// the record from the request.
		rec, err = txn.NewRecord(req.TxID, req.Kind, req.Sender, e.cfg.PeerIDs(), nil)
		if err != nil {
			return nil, err
		}
		rec.Payload = req.Payload
		if logErr := e.store.LogTxn(ctx, rec); logErr != nil {
			return e.voteAbort(ctx, req.TxID, abortReason(logErr), false), nil
		}
		rec, err = e.store.LoadTxn(ctx, req.TxID)
	}
	if err != nil {
		return e.voteAbort(ctx, req.TxID, abortReason(err), false), nil
	}

	// Idempotence: an answered phase returns the recorded answer.
	if vote, voted := rec.Votes[e.cfg.SelfID]; voted {
		return &txn.VoteResponse{TxID: req.TxID, Vote: vote, Reason: rec.VoteReasons[e.cfg.SelfID]}, nil
	}
	if decision, decided := rec.Decision(); decided {
		vote := txn.VoteCommit
		if decision == txn.DecisionAbort {
			vote = txn.VoteAbort
		}
		return &txn.VoteResponse{TxID: req.TxID, Vote: vote, Reason: rec.Reason}, nil
	}

	handler, err := e.handlerFor(rec.Kind)
	if err != nil {
		return e.voteAbort(ctx, req.TxID, "PREPARE_FAILED", true), nil
	}

	if err := e.prepareWithRetry(ctx, handler, rec); err != nil {
		e.log.Info("voting abort",
			zap.String("tx_id", req.TxID), zap.String("reason", abortReason(err)), zap.Error(err))
		return e.voteAbort(ctx, req.TxID, abortReason(err), true), nil
	}

	// Durability boundary of the promise: the COMMIT vote is persisted before
	// the coordinator may observe it.
	if _, err := e.store.RecordVote(ctx, req.TxID, e.cfg.SelfID, txn.VoteCommit, ""); err != nil {
		e.log.Warn("commit vote not durable, voting abort instead",
			zap.String("tx_id", req.TxID), zap.Error(err))
		rollbackCtx, cancel := context.WithTimeout(context.Background(), e.cfg.DecideTimeout)
		defer cancel()
		if rbErr := handler.rollback(rollbackCtx, rec); rbErr != nil {
			e.log.Warn("rollback after failed vote persist failed, recovery will release",
				zap.String("tx_id", req.TxID), zap.Error(rbErr))
		}
		return &txn.VoteResponse{TxID: req.TxID, Vote: txn.VoteAbort, Reason: "STORE_UNAVAILABLE"}, nil
	}

	e.log.Info("voted commit", zap.String("tx_id", req.TxID))
	return &txn.VoteResponse{TxID: req.TxID, Vote: txn.VoteCommit}, nil
}

// prepareWithRetry retries transient store loss while the prepare deadline
// allows; every other failure aborts immediately.
func (e *Engine) prepareWithRetry(ctx context.Context, handler kindHandler, rec *txn.Record) error {
	for {
		err := handler.prepare(ctx, rec)
		if err == nil || !errors.Is(err, txn.ErrStoreUnavailable) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// voteAbort records the abort vote when it can and answers ABORT regardless;
// an abort vote that fails to persist still aborts the transaction at the
// coordinator.
func (e *Engine) voteAbort(ctx context.Context, txID, reason string, persist bool) *txn.VoteResponse {
	if persist {
		if _, err := e.store.RecordVote(ctx, txID, e.cfg.SelfID, txn.VoteAbort, reason); err != nil {
			e.log.Warn("abort vote not persisted",
				zap.String("tx_id", txID), zap.Error(err))
		}
	}
	return &txn.VoteResponse{TxID: txID, Vote: txn.VoteAbort, Reason: reason}
}

// HandleDecide is the participant side of the decision phase. The
// acknowledgment is only returned once the local effect is durable in the
// state store; a failure keeps the request unacknowledged so the sender (or
// recovery) retries.
func (e *Engine) HandleDecide(ctx context.Context, req *txn.DecideRequest) (*txn.AckResponse, error) {
	unlock := e.locks.lock(req.TxID)
	defer unlock()

	rec, err := e.store.LoadTxn(ctx, req.TxID)
	if errors.Is(err, txn.ErrUnknownTxn) {
		// Late joiner after a restart past retention: the decision is
		// accepted and acknowledged, and no record is written for it. There
		// is no payload to apply, but the shared-store effects of this
		// transaction were already applied or rolled back by the peers that
		// saw it through.
		e.log.Warn("decide for unseen transaction, accepting decision",
			zap.String("tx_id", req.TxID), zap.String("decision", string(req.Decision)))
		if req.Decision == txn.DecisionAbort {
			// Both rollbacks are idempotent no-ops when nothing was reserved.
			rollbackCtx, cancel := context.WithTimeout(ctx, e.cfg.DecideTimeout)
			defer cancel()
			_ = e.store.ReleasePack(rollbackCtx, req.TxID)
			_ = e.store.CancelSwap(rollbackCtx, req.TxID)
		}
		return &txn.AckResponse{TxID: req.TxID, Ack: true}, nil
	}
	if err != nil {
		return nil, err
	}

	decision := req.Decision
	if stored, decided := rec.Decision(); decided && stored != decision {
		// A conflicting decide can only come from a confused former
		// coordinator; the stored decision is authoritative.
		e.log.Error("conflicting decision ignored",
			zap.String("tx_id", req.TxID),
			zap.String("stored", string(stored)), zap.String("received", string(decision)))
		decision = stored
	}

	if _, err := e.store.UpdateTxnStatus(ctx, req.TxID, txn.StatusFor(decision), ""); err != nil &&
		!errors.Is(err, txn.ErrProtocolViolation) {
		return nil, err
	}

	handler, err := e.handlerFor(rec.Kind)
	if err != nil {
		return nil, err
	}

	if err := e.applyDecision(ctx, handler, rec, decision); err != nil {
		e.log.Warn("applying decision failed, withholding ack",
			zap.String("tx_id", req.TxID), zap.String("decision", string(decision)), zap.Error(err))
		return nil, err
	}

	e.log.Info("decision applied",
		zap.String("tx_id", req.TxID), zap.String("decision", string(decision)))
	return &txn.AckResponse{TxID: req.TxID, Ack: true}, nil
}

func (e *Engine) applyDecision(ctx context.Context, handler kindHandler, rec *txn.Record, decision txn.Decision) error {
	if decision == txn.DecisionCommit {
		if rec.Votes[e.cfg.SelfID] == txn.VoteAbort {
			// Unanimity was violated upstream; never apply on top of a local
			// abort vote. The stored state is safe either way.
			return fmt.Errorf("commit received over local abort vote on %s: %w", rec.ID, txn.ErrProtocolViolation)
		}
		return e.retryStoreLoss(ctx, func() error { return handler.apply(ctx, rec) })
	}
	// Rollback runs regardless of the local vote: a participant whose CAS
	// lost made no reservation, and release is a no-op then.
	return e.retryStoreLoss(ctx, func() error { return handler.rollback(ctx, rec) })
}

// retryStoreLoss keeps re-applying a decision effect across transient store
// loss for as long as the caller's deadline allows.
func (e *Engine) retryStoreLoss(ctx context.Context, fn func() error) error {
	for {
		err := fn()
		if err == nil || !errors.Is(err, txn.ErrStoreUnavailable) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// HandleStatus answers recovery queries from the authoritative log.
func (e *Engine) HandleStatus(ctx context.Context, req *txn.StatusRequest) (*txn.StatusResponse, error) {
	rec, err := e.store.LoadTxn(ctx, req.TxID)
	if errors.Is(err, txn.ErrUnknownTxn) {
		return &txn.StatusResponse{TxID: req.TxID, Status: txn.StatusUnknown}, nil
	}
	if err != nil {
		return nil, err
	}

	resp := &txn.StatusResponse{
		TxID:   req.TxID,
		Status: rec.Status,
		Vote:   rec.Votes[e.cfg.SelfID],
	}
	if decision, decided := rec.Decision(); decided {
		resp.Decision = decision
	}
	return resp, nil
}
