package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Edgardem/PBL-2-redes/txn"
)

// LogTxn writes a fresh transaction record and indexes it for recovery scans.
// Create-only: if the record already exists (a participant raced the
// coordinator, or a duplicate begin), the stored copy wins and no error is
// returned.
func (s *Store) LogTxn(ctx context.Context, rec *txn.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling record %s: %w", rec.ID, err)
	}
	created, err := s.rdb.SetNX(ctx, keyTxn(rec.ID), data, 0).Result()
	if err != nil {
		return asStoreErr(err)
	}
	if created {
		if err := s.rdb.SAdd(ctx, keyNonTerminal, rec.ID).Err(); err != nil {
			return asStoreErr(err)
		}
		s.log.Info("transaction logged",
			zap.String("tx_id", rec.ID), zap.String("kind", string(rec.Kind)),
			zap.String("coordinator", rec.Coordinator))
	}
	return nil
}

// LoadTxn reads the authoritative record for txID.
func (s *Store) LoadTxn(ctx context.Context, txID string) (*txn.Record, error) {
	raw, err := s.rdb.Get(ctx, keyTxn(txID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s: %w", txID, txn.ErrUnknownTxn)
	}
	if err != nil {
		return nil, asStoreErr(err)
	}
	var rec txn.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decoding record %s: %w", txID, err)
	}
	return &rec, nil
}

// mutateTxn applies fn to the record under CAS and writes it back with a
// fresh timestamp. fn returning false skips the write (the mutation was
// already applied).
func (s *Store) mutateTxn(ctx context.Context, op, txID string, fn func(rec *txn.Record) (bool, error)) (*txn.Record, error) {
	var out *txn.Record
	err := s.withCAS(ctx, op, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, keyTxn(txID)).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%s: %w", txID, txn.ErrUnknownTxn)
		}
		if err != nil {
			return err
		}
		var rec txn.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return fmt.Errorf("decoding record %s: %w", txID, err)
		}

		write, err := fn(&rec)
		if err != nil {
			return err
		}
		out = &rec
		if !write {
			return nil
		}

		rec.UpdatedAt = time.Now().UnixNano()
		data, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, keyTxn(txID), data, 0)
			return nil
		})
		return err
	}, keyTxn(txID))
	if err != nil {
		return nil, asStoreErr(err)
	}
	return out, nil
}

// UpdateTxnStatus advances the record along the status machine. Any move the
// machine does not allow is a protocol violation and leaves the record
// untouched. Deciding transitions also pin the outcome and, optionally, the
// abort reason.
func (s *Store) UpdateTxnStatus(ctx context.Context, txID string, status txn.Status, reason string) (*txn.Record, error) {
	rec, err := s.mutateTxn(ctx, "update_tx_status", txID, func(rec *txn.Record) (bool, error) {
		if rec.Status == status {
			return false, nil
		}
		if !txn.CanTransition(rec.Status, status) {
			return false, fmt.Errorf("%s -> %s on %s: %w", rec.Status, status, txID, txn.ErrProtocolViolation)
		}
		rec.Status = status
		switch status {
		case txn.StatusGlobalCommit:
			rec.Outcome = txn.DecisionCommit
		case txn.StatusGlobalAbort:
			rec.Outcome = txn.DecisionAbort
		}
		if reason != "" && rec.Reason == "" {
			rec.Reason = reason
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("transaction status updated",
		zap.String("tx_id", txID), zap.String("status", string(rec.Status)))
	return rec, nil
}

// RecordVote persists one participant's vote before the coordinator may
// observe it. The first recorded vote per participant is binding; duplicates
// are ignored. The shared status tracks the vote phase until a decision
// lands.
func (s *Store) RecordVote(ctx context.Context, txID, peerID string, vote txn.Vote, reason string) (*txn.Record, error) {
	return s.mutateTxn(ctx, "record_vote", txID, func(rec *txn.Record) (bool, error) {
		if _, voted := rec.Votes[peerID]; voted {
			return false, nil
		}
		if rec.Votes == nil {
			rec.Votes = make(map[string]txn.Vote)
		}
		if rec.VoteReasons == nil {
			rec.VoteReasons = make(map[string]string)
		}
		rec.Votes[peerID] = vote
		if reason != "" {
			rec.VoteReasons[peerID] = reason
		}
		if !rec.Status.Decided() {
			voteStatus := txn.StatusVotedCommit
			if vote == txn.VoteAbort || rec.AnyVotedAbort() {
				voteStatus = txn.StatusVotedAbort
			}
			if txn.CanTransition(rec.Status, voteStatus) {
				rec.Status = voteStatus
			}
		}
		return true, nil
	})
}

// RecordAck marks a participant's DECIDE acknowledgment and reports whether
// every participant has now acknowledged.
func (s *Store) RecordAck(ctx context.Context, txID, peerID string) (bool, error) {
	rec, err := s.mutateTxn(ctx, "record_ack", txID, func(rec *txn.Record) (bool, error) {
		if rec.Acks[peerID] {
			return false, nil
		}
		if rec.Acks == nil {
			rec.Acks = make(map[string]bool)
		}
		rec.Acks[peerID] = true
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return rec.AllAcked(), nil
}

// CompleteTxn moves a decided record to its terminal state, drops it from the
// recovery index, and starts the retention clock.
func (s *Store) CompleteTxn(ctx context.Context, txID string) error {
	err := s.withCAS(ctx, "complete_tx", func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, keyTxn(txID)).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%s: %w", txID, txn.ErrUnknownTxn)
		}
		if err != nil {
			return err
		}
		var rec txn.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return fmt.Errorf("decoding record %s: %w", txID, err)
		}
		if rec.Status != txn.StatusCompleted {
			if !rec.Status.Decided() {
				return fmt.Errorf("completing undecided %s (%s): %w", txID, rec.Status, txn.ErrProtocolViolation)
			}
			rec.Status = txn.StatusCompleted
			rec.UpdatedAt = time.Now().UnixNano()
		}
		data, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, keyTxn(txID), data, s.retention)
			pipe.SRem(ctx, keyNonTerminal, txID)
			return nil
		})
		return err
	}, keyTxn(txID))
	if err != nil {
		return asStoreErr(err)
	}
	s.log.Info("transaction completed", zap.String("tx_id", txID))
	return nil
}

// ClaimCoordinator CAS-updates the record's coordinator field to claimant.
// The CAS serializes concurrent claims but does not reject them: every claim
// on an undecided record succeeds and the field holds the latest claimant, so
// several sweepers can each resume the same transaction. A record that is
// already decided cannot be re-claimed.
func (s *Store) ClaimCoordinator(ctx context.Context, txID, claimant string) (*txn.Record, error) {
	rec, err := s.mutateTxn(ctx, "claim_coordinator", txID, func(rec *txn.Record) (bool, error) {
		if rec.Status.Decided() {
			return false, fmt.Errorf("claiming decided %s: %w", txID, txn.ErrProtocolViolation)
		}
		if rec.Coordinator == claimant {
			return false, nil
		}
		rec.Coordinator = claimant
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Warn("coordinator claimed by recovery",
		zap.String("tx_id", txID), zap.String("claimant", claimant))
	return rec, nil
}

// NonTerminal lists the transaction ids the recovery sweeper must inspect.
func (s *Store) NonTerminal(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, keyNonTerminal).Result()
	if err != nil {
		return nil, asStoreErr(err)
	}
	return ids, nil
}

// DropFromIndex removes a stale id from the recovery index, used when the
// record itself has already expired past retention.
func (s *Store) DropFromIndex(ctx context.Context, txID string) error {
	if err := s.rdb.SRem(ctx, keyNonTerminal, txID).Err(); err != nil {
		return asStoreErr(err)
	}
	return nil
}
