package txn

import "encoding/json"

// Wire messages of the peer transport. Every request carries the sender's id
// and a monotonically assigned sequence number; handlers answer duplicates by
// (tx_id, phase) with the cached response.

// PrepareRequest asks a participant to check-and-reserve and vote.
type PrepareRequest struct {
	Sender  string          `json:"sender"`
	Seq     uint64          `json:"seq"`
	TxID    string          `json:"tx_id"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// VoteResponse is the participant's answer to PREPARE.
type VoteResponse struct {
	TxID   string `json:"tx_id"`
	Vote   Vote   `json:"vote"`
	Reason string `json:"reason,omitempty"`
}

// DecideRequest delivers the global decision.
type DecideRequest struct {
	Sender   string   `json:"sender"`
	Seq      uint64   `json:"seq"`
	TxID     string   `json:"tx_id"`
	Decision Decision `json:"decision"`
}

// AckResponse acknowledges a DECIDE after the local effect is durable.
type AckResponse struct {
	TxID string `json:"tx_id"`
	Ack  bool   `json:"ack"`
}

// StatusRequest queries a peer's view of a transaction; used by recovery.
type StatusRequest struct {
	Sender string `json:"sender"`
	Seq    uint64 `json:"seq"`
	TxID   string `json:"tx_id"`
}

// StatusResponse reports the queried peer's view. Status is UNKNOWN for ids
// the peer has never seen.
type StatusResponse struct {
	TxID     string   `json:"tx_id"`
	Status   Status   `json:"status"`
	Vote     Vote     `json:"vote,omitempty"`
	Decision Decision `json:"decision,omitempty"`
}
