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

// Reservation binds one pack of stock to a transaction id between PREPARE and
// the terminal decision.
type Reservation struct {
	PlayerID       string `json:"player_id"`
	PackTemplateID string `json:"pack_template_id"`
}

// ReservePack atomically decrements the stock and records a reservation for
// txID. A reservation that already exists (another participant of the same
// transaction got here first) counts as success, which is what keeps the
// N-participant prepare from draining N packs for one transaction.
func (s *Store) ReservePack(ctx context.Context, txID, playerID, templateID string) error {
	err := s.withCAS(ctx, "reserve_pack", func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, keyReservation(txID)).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return nil
		}
		applied, err := tx.Exists(ctx, keyMaterialized(txID)).Result()
		if err != nil {
			return err
		}
		if applied > 0 {
			return nil
		}

		remaining, err := tx.Get(ctx, keyStock).Int()
		if errors.Is(err, redis.Nil) {
			remaining = 0
		} else if err != nil {
			return err
		}
		if remaining <= 0 {
			return txn.ErrOutOfStock
		}

		res, err := json.Marshal(Reservation{PlayerID: playerID, PackTemplateID: templateID})
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, keyStock, remaining-1, 0)
			pipe.Set(ctx, keyReservation(txID), res, 0)
			return nil
		})
		return err
	}, keyStock, keyReservation(txID))
	if err != nil {
		return asStoreErr(err)
	}
	s.log.Debug("pack reserved", zap.String("tx_id", txID), zap.String("player", playerID))
	return nil
}

// ReleasePack returns a reserved pack to stock. Idempotent: releasing a
// transaction that holds no reservation (its CAS never won, or a duplicate
// ABORT already released it) is a no-op.
func (s *Store) ReleasePack(ctx context.Context, txID string) error {
	err := s.withCAS(ctx, "release_pack", func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, keyReservation(txID)).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return nil
		}
		remaining, err := tx.Get(ctx, keyStock).Int()
		if errors.Is(err, redis.Nil) {
			remaining = 0
		} else if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, keyStock, remaining+1, 0)
			pipe.Del(ctx, keyReservation(txID))
			return nil
		})
		return err
	}, keyStock, keyReservation(txID))
	if err != nil {
		return asStoreErr(err)
	}
	s.log.Debug("pack released", zap.String("tx_id", txID))
	return nil
}

// MaterializePack consumes the reservation for txID: the cards land in the
// player's inventory and the reservation is replaced by an applied marker so
// replayed COMMIT deliveries stay no-ops.
func (s *Store) MaterializePack(ctx context.Context, txID, playerID string, cardIDs []string) error {
	err := s.withCAS(ctx, "materialize_pack", func(tx *redis.Tx) error {
		done, err := tx.Exists(ctx, keyMaterialized(txID)).Result()
		if err != nil {
			return err
		}
		if done > 0 {
			return nil
		}
		exists, err := tx.Exists(ctx, keyReservation(txID)).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("materialize %s: no reservation and no applied marker: %w", txID, txn.ErrConflict)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, id := range cardIDs {
				pipe.RPush(ctx, keyInventory(playerID), id)
			}
			pipe.Del(ctx, keyReservation(txID))
			pipe.Set(ctx, keyMaterialized(txID), 1, s.retention)
			return nil
		})
		return err
	}, keyReservation(txID), keyMaterialized(txID), keyInventory(playerID))
	if err != nil {
		return asStoreErr(err)
	}
	s.log.Info("pack materialized",
		zap.String("tx_id", txID), zap.String("player", playerID), zap.Int("cards", len(cardIDs)))
	return nil
}
