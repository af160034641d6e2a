package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Edgardem/PBL-2-redes/txn"
)

// VerifySwap confirms both players hold the cards they are giving away and
// places a swap intent keyed by txID. Inventories are not mutated here; the
// intent plus the per-card locks are what binds the cards to this transaction
// until DECIDE. A card already locked by another transaction counts as
// missing: that transaction's CAS won the contention.
func (s *Store) VerifySwap(ctx context.Context, txID string, p txn.TradePayload) error {
	watched := []string{
		keySwapIntent(txID),
		keySwapApplied(txID),
		keyInventory(p.PlayerA),
		keyInventory(p.PlayerB),
	}
	allCards := append(append([]string(nil), p.CardsAOut...), p.CardsBOut...)
	for _, card := range allCards {
		watched = append(watched, keyCardLock(card))
	}

	err := s.withCAS(ctx, "verify_swap", func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, keySwapIntent(txID)).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return nil
		}
		applied, err := tx.Exists(ctx, keySwapApplied(txID)).Result()
		if err != nil {
			return err
		}
		if applied > 0 {
			return nil
		}

		if err := checkOwnership(ctx, tx, p.PlayerA, p.CardsAOut); err != nil {
			return err
		}
		if err := checkOwnership(ctx, tx, p.PlayerB, p.CardsBOut); err != nil {
			return err
		}

		for _, card := range allCards {
			owner, err := tx.Get(ctx, keyCardLock(card)).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return err
			}
			if owner != txID {
				return fmt.Errorf("card %s is bound to transaction %s: %w", card, owner, txn.ErrMissingCards)
			}
		}

		intent, err := json.Marshal(p)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, keySwapIntent(txID), intent, 0)
			for _, card := range allCards {
				pipe.Set(ctx, keyCardLock(card), txID, 0)
			}
			return nil
		})
		return err
	}, watched...)
	if err != nil {
		return asStoreErr(err)
	}
	s.log.Debug("swap intent placed",
		zap.String("tx_id", txID), zap.String("player_a", p.PlayerA), zap.String("player_b", p.PlayerB))
	return nil
}

func checkOwnership(ctx context.Context, tx *redis.Tx, playerID string, cardIDs []string) error {
	held, err := tx.LRange(ctx, keyInventory(playerID), 0, -1).Result()
	if err != nil {
		return err
	}
	owned := make(map[string]int, len(held))
	for _, c := range held {
		owned[c]++
	}
	for _, want := range cardIDs {
		if owned[want] == 0 {
			return fmt.Errorf("player %s does not hold card %s: %w", playerID, want, txn.ErrMissingCards)
		}
		owned[want]--
	}
	return nil
}

// ApplySwap consumes the swap intent for txID: the named cards move between
// the two inventories and the intent becomes an applied marker. Replayed
// COMMIT deliveries find the marker and return immediately.
func (s *Store) ApplySwap(ctx context.Context, txID string) error {
	intent, p, err := s.loadIntent(ctx, txID)
	if err != nil {
		return err
	}
	if !intent {
		return nil
	}

	watched := []string{
		keySwapIntent(txID),
		keySwapApplied(txID),
		keyInventory(p.PlayerA),
		keyInventory(p.PlayerB),
	}
	err = s.withCAS(ctx, "apply_swap", func(tx *redis.Tx) error {
		applied, err := tx.Exists(ctx, keySwapApplied(txID)).Result()
		if err != nil {
			return err
		}
		if applied > 0 {
			return nil
		}
		exists, err := tx.Exists(ctx, keySwapIntent(txID)).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, card := range p.CardsAOut {
				pipe.LRem(ctx, keyInventory(p.PlayerA), 1, card)
				pipe.RPush(ctx, keyInventory(p.PlayerB), card)
			}
			for _, card := range p.CardsBOut {
				pipe.LRem(ctx, keyInventory(p.PlayerB), 1, card)
				pipe.RPush(ctx, keyInventory(p.PlayerA), card)
			}
			for _, card := range append(append([]string(nil), p.CardsAOut...), p.CardsBOut...) {
				pipe.Del(ctx, keyCardLock(card))
			}
			pipe.Del(ctx, keySwapIntent(txID))
			pipe.Set(ctx, keySwapApplied(txID), 1, s.retention)
			return nil
		})
		return err
	}, watched...)
	if err != nil {
		return asStoreErr(err)
	}
	s.log.Info("swap applied", zap.String("tx_id", txID))
	return nil
}

// CancelSwap drops the swap intent without touching inventories. Idempotent;
// card locks owned by other transactions are left alone.
func (s *Store) CancelSwap(ctx context.Context, txID string) error {
	intent, p, err := s.loadIntent(ctx, txID)
	if err != nil {
		return err
	}
	if !intent {
		return nil
	}

	allCards := append(append([]string(nil), p.CardsAOut...), p.CardsBOut...)
	watched := append([]string{keySwapIntent(txID)}, lockKeys(allCards)...)

	err = s.withCAS(ctx, "cancel_swap", func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, keySwapIntent(txID)).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return nil
		}

		var mine []string
		for _, card := range allCards {
			owner, err := tx.Get(ctx, keyCardLock(card)).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return err
			}
			if owner == txID {
				mine = append(mine, card)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, card := range mine {
				pipe.Del(ctx, keyCardLock(card))
			}
			pipe.Del(ctx, keySwapIntent(txID))
			return nil
		})
		return err
	}, watched...)
	if err != nil {
		return asStoreErr(err)
	}
	s.log.Debug("swap cancelled", zap.String("tx_id", txID))
	return nil
}

func (s *Store) loadIntent(ctx context.Context, txID string) (bool, txn.TradePayload, error) {
	var p txn.TradePayload
	raw, err := s.rdb.Get(ctx, keySwapIntent(txID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, p, nil
	}
	if err != nil {
		return false, p, asStoreErr(err)
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return false, p, fmt.Errorf("decoding swap intent %s: %w", txID, err)
	}
	return true, p, nil
}

func lockKeys(cardIDs []string) []string {
	keys := make([]string, 0, len(cardIDs))
	for _, c := range cardIDs {
		keys = append(keys, keyCardLock(c))
	}
	return keys
}
