package txn

import "errors"

// The error kinds the core distinguishes. Everything else is wrapped into one
// of these before crossing a package boundary; the client only ever observes
// COMMITTED or ABORTED(reason).
var (
	// ErrStoreUnavailable marks transport loss to the state store. Retryable
	// during PREPARE; during COMMIT/ABORT application the participant keeps
	// retrying its own side until recovery takes over.
	ErrStoreUnavailable = errors.New("state store unavailable")

	// ErrConflict is a CAS conflict that survived the bounded retry budget.
	ErrConflict = errors.New("optimistic transaction conflict")

	// ErrOutOfStock aborts an OPEN_PACK prepare: no packs remain.
	ErrOutOfStock = errors.New("out of stock")

	// ErrMissingCards aborts a TRADE_CARDS prepare: a named card is not in
	// the owner's inventory, or is already bound to another transaction.
	ErrMissingCards = errors.New("missing cards")

	// ErrUnknownTxn marks a lookup for a transaction id the store has never
	// seen (or has already expired past the retention window).
	ErrUnknownTxn = errors.New("unknown transaction")

	// ErrProtocolViolation marks an attempt to move a record against the
	// status machine, e.g. re-deciding a terminal record differently. The
	// stored state is never corrupted; the attempting operation fails.
	ErrProtocolViolation = errors.New("transaction protocol violation")

	// ErrPeerUnavailable marks a transport failure to a peer. During PREPARE
	// it counts as an implicit ABORT vote; during DECIDE it is retried.
	ErrPeerUnavailable = errors.New("peer unavailable")
)
