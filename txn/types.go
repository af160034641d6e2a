// Package txn defines the transaction model shared by the coordination
// service, the transaction engine, and the peer transport: transaction kinds,
// payloads, the durable record, and the status machine.
package txn

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind selects one of the two supported transaction types.
type Kind string

const (
	OpenPack   Kind = "OPEN_PACK"
	TradeCards Kind = "TRADE_CARDS"
)

// Status is the durable state of a transaction record. It advances
// monotonically; UpdateTxnStatus rejects every other move.
type Status string

const (
	StatusPreparing    Status = "PREPARING"
	StatusVotedCommit  Status = "VOTED_COMMIT"
	StatusVotedAbort   Status = "VOTED_ABORT"
	StatusGlobalCommit Status = "GLOBAL_COMMIT"
	StatusGlobalAbort  Status = "GLOBAL_ABORT"
	StatusCompleted    Status = "COMPLETED"
	StatusUnknown      Status = "UNKNOWN"
)

// Vote is a participant's answer to PREPARE.
type Vote string

const (
	VoteCommit Vote = "COMMIT"
	VoteAbort  Vote = "ABORT"
)

// Decision is the coordinator's global outcome.
type Decision string

const (
	DecisionCommit Decision = "COMMIT"
	DecisionAbort  Decision = "ABORT"
)

var statusRank = map[Status]int{
	StatusPreparing:    0,
	StatusVotedCommit:  1,
	StatusVotedAbort:   1,
	StatusGlobalCommit: 2,
	StatusGlobalAbort:  2,
	StatusCompleted:    3,
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == StatusCompleted }

// Decided reports whether a global outcome has been recorded.
func (s Status) Decided() bool {
	return s == StatusGlobalCommit || s == StatusGlobalAbort || s == StatusCompleted
}

// CanTransition reports whether from -> to is an edge of the status machine.
// A same-status write counts as an allowed no-op so duplicate deliveries stay
// idempotent.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	fr, ok := statusRank[from]
	if !ok {
		return false
	}
	tr, ok := statusRank[to]
	if !ok {
		return false
	}
	if from == StatusVotedCommit && to == StatusVotedAbort {
		// shared record: a later abort vote overrides earlier commit votes
		return true
	}
	if tr <= fr {
		return false
	}
	if from == StatusVotedAbort && to == StatusGlobalCommit {
		// an abort vote forbids a global commit
		return false
	}
	if to == StatusCompleted && !from.Decided() {
		return false
	}
	return true
}

// OpenPackPayload is the payload of an OPEN_PACK transaction.
type OpenPackPayload struct {
	PlayerID       string `json:"player_id"`
	PackTemplateID string `json:"pack_template_id"`
}

// TradePayload is the payload of a TRADE_CARDS transaction. CardsAOut move
// from player A to player B, CardsBOut the other way.
type TradePayload struct {
	PlayerA   string   `json:"player_a"`
	CardsAOut []string `json:"cards_a_out"`
	PlayerB   string   `json:"player_b"`
	CardsBOut []string `json:"cards_b_out"`
}

// Record is the durable transaction log entry. The copy in the state store is
// authoritative; peer memory only caches it.
type Record struct {
	ID           string            `json:"id"`
	Kind         Kind              `json:"kind"`
	Coordinator  string            `json:"coordinator"`
	Participants []string          `json:"participants"`
	Payload      json.RawMessage   `json:"payload"`
	Status       Status            `json:"status"`
	Votes        map[string]Vote   `json:"votes"`
	VoteReasons  map[string]string `json:"vote_reasons,omitempty"`
	Acks         map[string]bool   `json:"acks"`
	Outcome      Decision          `json:"outcome,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	UpdatedAt    int64             `json:"updated_at"`
}

// NewID builds a unique, time-ordered, sender-qualified transaction id.
func NewID(peerID string) string {
	return fmt.Sprintf("%d-%s-%s", time.Now().UnixNano(), peerID, uuid.NewString())
}

// NewRecord builds a fresh PREPARING record owned by coordinator.
func NewRecord(id string, kind Kind, coordinator string, participants []string, payload any) (*Record, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", kind, err)
	}
	return &Record{
		ID:           id,
		Kind:         kind,
		Coordinator:  coordinator,
		Participants: append([]string(nil), participants...),
		Payload:      raw,
		Status:       StatusPreparing,
		Votes:        make(map[string]Vote),
		VoteReasons:  make(map[string]string),
		Acks:         make(map[string]bool),
		UpdatedAt:    time.Now().UnixNano(),
	}, nil
}

// OpenPack decodes the payload of an OPEN_PACK record.
func (r *Record) OpenPack() (OpenPackPayload, error) {
	var p OpenPackPayload
	if r.Kind != OpenPack {
		return p, fmt.Errorf("record %s has kind %s, not %s", r.ID, r.Kind, OpenPack)
	}
	if err := json.Unmarshal(r.Payload, &p); err != nil {
		return p, fmt.Errorf("decoding OPEN_PACK payload of %s: %w", r.ID, err)
	}
	return p, nil
}

// Trade decodes the payload of a TRADE_CARDS record.
func (r *Record) Trade() (TradePayload, error) {
	var p TradePayload
	if r.Kind != TradeCards {
		return p, fmt.Errorf("record %s has kind %s, not %s", r.ID, r.Kind, TradeCards)
	}
	if err := json.Unmarshal(r.Payload, &p); err != nil {
		return p, fmt.Errorf("decoding TRADE_CARDS payload of %s: %w", r.ID, err)
	}
	return p, nil
}

// AllVotedCommit reports whether every participant's COMMIT vote is recorded.
func (r *Record) AllVotedCommit() bool {
	for _, p := range r.Participants {
		if r.Votes[p] != VoteCommit {
			return false
		}
	}
	return true
}

// AnyVotedAbort reports whether at least one ABORT vote is recorded.
func (r *Record) AnyVotedAbort() bool {
	for _, v := range r.Votes {
		if v == VoteAbort {
			return true
		}
	}
	return false
}

// AllAcked reports whether every participant acknowledged the decision.
func (r *Record) AllAcked() bool {
	for _, p := range r.Participants {
		if !r.Acks[p] {
			return false
		}
	}
	return true
}

// Decision maps a decided record onto the DECIDE verb.
func (r *Record) Decision() (Decision, bool) {
	if r.Outcome != "" {
		return r.Outcome, true
	}
	switch r.Status {
	case StatusGlobalCommit:
		return DecisionCommit, true
	case StatusGlobalAbort:
		return DecisionAbort, true
	}
	return "", false
}

// StatusFor maps a decision onto the global status it records.
func StatusFor(d Decision) Status {
	if d == DecisionCommit {
		return StatusGlobalCommit
	}
	return StatusGlobalAbort
}
