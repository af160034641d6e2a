package twopc

import (
	"context"
	"fmt"

	"github.com/Edgardem/PBL-2-redes/cards"
	"github.com/Edgardem/PBL-2-redes/txn"
)

// kindHandler is the per-kind behavior behind the uniform 2PC phases:
// prepare checks-and-reserves, apply makes the committed effect durable,
// rollback releases whatever prepare bound. All three are idempotent by
// transaction id, so duplicate deliveries and recovery replays are safe.
type kindHandler interface {
	prepare(ctx context.Context, rec *txn.Record) error
	apply(ctx context.Context, rec *txn.Record) error
	rollback(ctx context.Context, rec *txn.Record) error
}

func (e *Engine) handlerFor(kind txn.Kind) (kindHandler, error) {
	switch kind {
	case txn.OpenPack:
		return openPackHandler{store: e.store}, nil
	case txn.TradeCards:
		return tradeHandler{store: e.store}, nil
	default:
		return nil, fmt.Errorf("unsupported transaction kind %q", kind)
	}
}

// openPackHandler maps OPEN_PACK onto the stock operations: reserve on
// prepare, materialize on commit, release on abort.
type openPackHandler struct {
	store Store
}

func (h openPackHandler) prepare(ctx context.Context, rec *txn.Record) error {
	p, err := rec.OpenPack()
	if err != nil {
		return err
	}
	return h.store.ReservePack(ctx, rec.ID, p.PlayerID, p.PackTemplateID)
}

func (h openPackHandler) apply(ctx context.Context, rec *txn.Record) error {
	p, err := rec.OpenPack()
	if err != nil {
		return err
	}
	drawn := cards.Materialize(rec.ID, p.PackTemplateID)
	return h.store.MaterializePack(ctx, rec.ID, p.PlayerID, cards.IDs(drawn))
}

func (h openPackHandler) rollback(ctx context.Context, rec *txn.Record) error {
	return h.store.ReleasePack(ctx, rec.ID)
}

// tradeHandler maps TRADE_CARDS onto the swap-intent operations.
type tradeHandler struct {
	store Store
}

func (h tradeHandler) prepare(ctx context.Context, rec *txn.Record) error {
	p, err := rec.Trade()
	if err != nil {
		return err
	}
	return h.store.VerifySwap(ctx, rec.ID, p)
}

func (h tradeHandler) apply(ctx context.Context, rec *txn.Record) error {
	return h.store.ApplySwap(ctx, rec.ID)
}

func (h tradeHandler) rollback(ctx context.Context, rec *txn.Record) error {
	return h.store.CancelSwap(ctx, rec.ID)
}
