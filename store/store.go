// Package store is the coordination service: the single path every peer uses
// to reach the shared state store. It exposes the composite atomic operations
// the transaction engine needs (stock reservation, inventory mutation, swap
// intents, and the transaction log), all guarded by optimistic WATCH/MULTI/
// EXEC transactions so concurrent peers serialize on the store, not on each
// other.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Edgardem/PBL-2-redes/txn"
)

const (
	keyStock       = "stock:packs"
	keyNonTerminal = "tx_index:nonterminal"

	prefixReservation  = "stock:reservations:"
	prefixMaterialized = "stock:materialized:"
	prefixInventory    = "inventory:"
	prefixSwapIntent   = "inventory:swap_intent:"
	prefixSwapApplied  = "inventory:swap_applied:"
	prefixCardLock     = "inventory:card_lock:"
	prefixTxn          = "tx:"
)

func keyReservation(txID string) string  { return prefixReservation + txID }
func keyMaterialized(txID string) string { return prefixMaterialized + txID }
func keyInventory(playerID string) string {
	return prefixInventory + playerID
}
func keySwapIntent(txID string) string  { return prefixSwapIntent + txID }
func keySwapApplied(txID string) string { return prefixSwapApplied + txID }
func keyCardLock(cardID string) string  { return prefixCardLock + cardID }
func keyTxn(txID string) string         { return prefixTxn + txID }

// Store wraps the Redis client behind the typed operations of the
// coordination service.
type Store struct {
	rdb        *redis.Client
	log        *zap.Logger
	casRetries int
	retention  time.Duration
}

// Options tune the store independently of the Redis connection itself.
type Options struct {
	// CASRetries bounds the retry budget of one optimistic transaction.
	CASRetries int
	// Retention keeps completed transaction records and applied markers
	// readable for late status queries before they expire.
	Retention time.Duration
}

// New connects to the state store at addr.
func New(addr, password string, opts Options, log *zap.Logger) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	return NewWithClient(rdb, opts, log)
}

// NewWithClient wraps an existing client; tests inject miniredis this way.
func NewWithClient(rdb *redis.Client, opts Options, log *zap.Logger) *Store {
	if opts.CASRetries <= 0 {
		opts.CASRetries = 5
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	return &Store{
		rdb:        rdb,
		log:        log.Named("store"),
		casRetries: opts.CASRetries,
		retention:  opts.Retention,
	}
}

// Ping verifies connectivity at startup.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", txn.ErrStoreUnavailable, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Client exposes the underlying connection for the Pub/Sub publisher, which
// shares the store's link to Redis.
func (s *Store) Client() *redis.Client {
	return s.rdb
}

// withCAS runs fn inside a WATCH on keys, retrying the bounded number of
// times when the optimistic transaction loses the race. Business errors
// surface immediately; only WATCH failures burn retries.
func (s *Store) withCAS(ctx context.Context, op string, fn func(tx *redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < s.casRetries; attempt++ {
		err := s.rdb.Watch(ctx, fn, keys...)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			casConflicts.WithLabelValues(op).Inc()
			s.log.Debug("optimistic transaction conflict, retrying",
				zap.String("op", op), zap.Int("attempt", attempt+1))
			continue
		}
		return err
	}
	return fmt.Errorf("%s: %w after %d attempts", op, txn.ErrConflict, s.casRetries)
}

// asStoreErr maps raw client failures onto ErrStoreUnavailable, leaving the
// txn sentinel errors untouched.
func asStoreErr(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{
		txn.ErrConflict, txn.ErrOutOfStock, txn.ErrMissingCards,
		txn.ErrUnknownTxn, txn.ErrProtocolViolation,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", txn.ErrStoreUnavailable, err)
}

// InitStock seeds the global pack stock exactly once; a restarting peer never
// resets live stock.
func (s *Store) InitStock(ctx context.Context, packs int) error {
	set, err := s.rdb.SetNX(ctx, keyStock, packs, 0).Result()
	if err != nil {
		return asStoreErr(err)
	}
	if set {
		s.log.Info("bootstrapped global pack stock", zap.Int("packs", packs))
	}
	return nil
}

// Stock reads the remaining pack count.
func (s *Store) Stock(ctx context.Context) (int, error) {
	n, err := s.rdb.Get(ctx, keyStock).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, asStoreErr(err)
	}
	return n, nil
}

// Inventory returns the card ids a player currently holds. Inventories are
// created lazily; an unknown player simply holds nothing.
func (s *Store) Inventory(ctx context.Context, playerID string) ([]string, error) {
	cards, err := s.rdb.LRange(ctx, keyInventory(playerID), 0, -1).Result()
	if err != nil {
		return nil, asStoreErr(err)
	}
	return cards, nil
}
