package twopc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Edgardem/PBL-2-redes/cards"
	"github.com/Edgardem/PBL-2-redes/txn"
)

// Result is what the originating client observes: COMMITTED or
// ABORTED(reason), never partial success.
type Result struct {
	TxID      string       `json:"tx_id"`
	Committed bool         `json:"committed"`
	Reason    string       `json:"reason,omitempty"`
	Cards     []cards.Card `json:"cards,omitempty"`
}

// Begin runs one transaction with this peer as coordinator. The participant
// set is always the full registry, self included.
func (e *Engine) Begin(ctx context.Context, kind txn.Kind, payload any) (*Result, error) {
	txID := txn.NewID(e.cfg.SelfID)
	rec, err := txn.NewRecord(txID, kind, e.cfg.SelfID, e.cfg.PeerIDs(), payload)
	if err != nil {
		return nil, err
	}

	// The record must be durable before any peer is contacted; recovery can
	// only finish transactions it can see.
	if err := e.store.LogTxn(ctx, rec); err != nil {
		return nil, fmt.Errorf("logging transaction %s: %w", txID, err)
	}
	txnsBegun.WithLabelValues(string(kind)).Inc()
	e.log.Info("transaction started",
		zap.String("tx_id", txID), zap.String("kind", string(kind)))

	decision, reason := e.runPreparePhase(ctx, rec)

	// A client that gives up does not cancel the transaction: once votes are
	// in, the decision write proceeds on its own deadline.
	decideCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.DecideTimeout)
	defer cancel()
	decided, err := e.decide(decideCtx, txID, decision, reason)
	if err != nil {
		return nil, err
	}

	e.deliverDecision(decided)

	return e.resultFor(decided)
}

func (e *Engine) resultFor(rec *txn.Record) (*Result, error) {
	decision, ok := rec.Decision()
	if !ok {
		return nil, fmt.Errorf("transaction %s has no decision: %w", rec.ID, txn.ErrProtocolViolation)
	}
	res := &Result{TxID: rec.ID, Committed: decision == txn.DecisionCommit, Reason: rec.Reason}
	if res.Committed && rec.Kind == txn.OpenPack {
		if p, err := rec.OpenPack(); err == nil {
			res.Cards = cards.Materialize(rec.ID, p.PackTemplateID)
		}
	}
	return res, nil
}

type voteResult struct {
	peer   string
	vote   txn.Vote
	reason string
	err    error
}

// runPreparePhase fans PREPARE out to every participant in parallel and
// collects votes under the prepare deadline. Unanimous COMMIT is the only
// path to GLOBAL_COMMIT; any abort vote, timeout, or transport error decides
// GLOBAL_ABORT. The remaining fan-out is cancelled as soon as one abort vote
// makes the outcome certain.
func (e *Engine) runPreparePhase(ctx context.Context, rec *txn.Record) (txn.Decision, string) {
	prepareCtx, cancel := context.WithTimeout(ctx, e.cfg.PrepareTimeout)
	defer cancel()

	participants := rec.Participants
	votes := make(chan voteResult, len(participants))

	for _, peer := range participants {
		go func(peer string) {
			votes <- e.sendPrepare(prepareCtx, peer, rec)
		}(peer)
	}

	for range participants {
		select {
		case v := <-votes:
			if v.err != nil {
				e.log.Warn("prepare failed, deciding abort",
					zap.String("tx_id", rec.ID), zap.String("peer", v.peer), zap.Error(v.err))
				return txn.DecisionAbort, abortReason(v.err)
			}
			if v.vote != txn.VoteCommit {
				e.log.Info("abort vote received",
					zap.String("tx_id", rec.ID), zap.String("peer", v.peer), zap.String("reason", v.reason))
				reason := v.reason
				if reason == "" {
					reason = "VOTED_ABORT"
				}
				return txn.DecisionAbort, reason
			}
		case <-prepareCtx.Done():
			e.log.Warn("prepare deadline passed, deciding abort", zap.String("tx_id", rec.ID))
			return txn.DecisionAbort, "TIMEOUT"
		}
	}

	e.log.Info("unanimous commit votes", zap.String("tx_id", rec.ID))
	return txn.DecisionCommit, ""
}

func (e *Engine) sendPrepare(ctx context.Context, peer string, rec *txn.Record) voteResult {
	req := &txn.PrepareRequest{
		Sender:  e.cfg.SelfID,
		Seq:     e.nextSeq(),
		TxID:    rec.ID,
		Kind:    rec.Kind,
		Payload: rec.Payload,
	}

	// Self-participation uses the in-process participant path; the log
	// updates are identical either way.
	if peer == e.cfg.SelfID {
		resp, err := e.HandlePrepare(ctx, req)
		if err != nil {
			return voteResult{peer: peer, err: err}
		}
		return voteResult{peer: peer, vote: resp.Vote, reason: resp.Reason}
	}

	addr, ok := e.cfg.AddressOf(peer)
	if !ok {
		return voteResult{peer: peer, err: fmt.Errorf("peer %s not in registry: %w", peer, txn.ErrPeerUnavailable)}
	}
	resp, err := e.transport.Prepare(ctx, addr, req)
	if err != nil {
		return voteResult{peer: peer, err: fmt.Errorf("%w: %v", txn.ErrPeerUnavailable, err)}
	}
	return voteResult{peer: peer, vote: resp.Vote, reason: resp.Reason}
}

// decide records the global outcome with a CAS from the voting states. Losing
// the CAS means another actor (recovery) already decided; that decision is
// adopted instead.
func (e *Engine) decide(ctx context.Context, txID string, decision txn.Decision, reason string) (*txn.Record, error) {
	rec, err := e.store.UpdateTxnStatus(ctx, txID, txn.StatusFor(decision), reason)
	if err == nil {
		switch decision {
		case txn.DecisionCommit:
			txnsCommitted.WithLabelValues(string(rec.Kind)).Inc()
		case txn.DecisionAbort:
			txnsAborted.WithLabelValues(string(rec.Kind), reason).Inc()
		}
		e.events.Decided(rec)
		return rec, nil
	}

	if errors.Is(err, txn.ErrProtocolViolation) {
		existing, loadErr := e.store.LoadTxn(ctx, txID)
		if loadErr == nil {
			if _, decided := existing.Decision(); decided {
				e.log.Warn("decision already recorded elsewhere, adopting it",
					zap.String("tx_id", txID), zap.String("status", string(existing.Status)))
				return existing, nil
			}
		}
	}
	return nil, fmt.Errorf("deciding %s: %w", txID, err)
}

// deliverDecision pushes DECIDE to every participant that has not yet
// acknowledged. Failed deliveries retry in the background with at-least-once
// semantics; a participant that stays unreachable is left to recovery.
func (e *Engine) deliverDecision(rec *txn.Record) {
	decision, ok := rec.Decision()
	if !ok {
		return
	}
	for _, peer := range rec.Participants {
		if rec.Acks[peer] {
			continue
		}
		// One in-flight delivery per (transaction, peer); later sweeps must
		// not stack retry loops on top of a live one.
		key := rec.ID + "/" + peer
		if _, loaded := e.inflight.LoadOrStore(key, struct{}{}); loaded {
			continue
		}
		e.decideWG.Add(1)
		go func(peer, key string) {
			defer e.decideWG.Done()
			defer e.inflight.Delete(key)
			e.deliverWithRetry(peer, rec.ID, decision)
		}(peer, key)
	}
}

func (e *Engine) deliverWithRetry(peer, txID string, decision txn.Decision) {
	backoff := time.Second
	for {
		err := e.deliverOnce(peer, txID, decision)
		if err == nil {
			return
		}
		e.log.Warn("decide delivery failed, will retry",
			zap.String("tx_id", txID), zap.String("peer", peer), zap.Error(err))
		decideRetries.Inc()

		select {
		case <-e.stopCh:
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (e *Engine) deliverOnce(peer, txID string, decision txn.Decision) error {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DecideTimeout)
	defer cancel()

	req := &txn.DecideRequest{
		Sender:   e.cfg.SelfID,
		Seq:      e.nextSeq(),
		TxID:     txID,
		Decision: decision,
	}

	var (
		resp *txn.AckResponse
		err  error
	)
	if peer == e.cfg.SelfID {
		resp, err = e.HandleDecide(ctx, req)
	} else {
		addr, ok := e.cfg.AddressOf(peer)
		if !ok {
			return fmt.Errorf("peer %s not in registry: %w", peer, txn.ErrPeerUnavailable)
		}
		resp, err = e.transport.Decide(ctx, addr, req)
	}
	if err != nil {
		return err
	}
	if !resp.Ack {
		return fmt.Errorf("peer %s rejected decide for %s", peer, txID)
	}

	allAcked, err := e.store.RecordAck(ctx, txID, peer)
	if err != nil {
		return err
	}
	if allAcked {
		if err := e.store.CompleteTxn(ctx, txID); err != nil && !errors.Is(err, txn.ErrUnknownTxn) {
			e.log.Warn("completing fully acked transaction failed",
				zap.String("tx_id", txID), zap.Error(err))
		}
	}
	return nil
}
