// Package events fans transaction outcomes out over the store's Pub/Sub
// substrate. Each event is published once and a failed publish is not retried.
// Publishing is fully decoupled from transaction completion: a dropped event
// never blocks or corrupts a transaction, it only loses a user-facing
// notification.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Edgardem/PBL-2-redes/txn"
)

const (
	// ChannelTransactions carries every decided transaction.
	ChannelTransactions = "events:transactions"
	// channelPlayerPrefix scopes notifications to one player.
	channelPlayerPrefix = "events:player:"
)

// Event is the wire form of a transaction-decided notification.
type Event struct {
	Type     string       `json:"type"`
	TxID     string       `json:"tx_id"`
	Kind     txn.Kind     `json:"kind"`
	Decision txn.Decision `json:"decision"`
	Reason   string       `json:"reason,omitempty"`
	Players  []string     `json:"players,omitempty"`
}

// Publisher pushes events through Redis Pub/Sub.
type Publisher struct {
	rdb *redis.Client
	log *zap.Logger
}

// New builds a publisher over an existing Redis client.
func New(rdb *redis.Client, log *zap.Logger) *Publisher {
	return &Publisher{rdb: rdb, log: log.Named("events")}
}

// Decided publishes a transaction-decided event to the global channel and to
// each affected player's channel. Runs in the background; failures are logged
// and dropped.
func (p *Publisher) Decided(rec *txn.Record) {
	decision, ok := rec.Decision()
	if !ok {
		return
	}
	ev := Event{
		Type:     "transaction_decided",
		TxID:     rec.ID,
		Kind:     rec.Kind,
		Decision: decision,
		Reason:   rec.Reason,
		Players:  affectedPlayers(rec),
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		payload, err := json.Marshal(ev)
		if err != nil {
			p.log.Warn("encoding event failed", zap.String("tx_id", ev.TxID), zap.Error(err))
			return
		}
		if err := p.rdb.Publish(ctx, ChannelTransactions, payload).Err(); err != nil {
			p.log.Warn("publishing event failed",
				zap.String("tx_id", ev.TxID), zap.Error(err))
		}
		for _, player := range ev.Players {
			if err := p.rdb.Publish(ctx, channelPlayerPrefix+player, payload).Err(); err != nil {
				p.log.Warn("publishing player event failed",
					zap.String("tx_id", ev.TxID), zap.String("player", player), zap.Error(err))
			}
		}
	}()
}

func affectedPlayers(rec *txn.Record) []string {
	switch rec.Kind {
	case txn.OpenPack:
		if p, err := rec.OpenPack(); err == nil {
			return []string{p.PlayerID}
		}
	case txn.TradeCards:
		if p, err := rec.Trade(); err == nil {
			return []string{p.PlayerA, p.PlayerB}
		}
	}
	return nil
}
