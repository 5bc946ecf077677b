package swap

import "errors"

var (
	// ErrProtocolViolation marks an event that is not valid for the
	// session's current state. Callers log and drop it; the session
	// keeps running.
	ErrProtocolViolation = errors.New("unexpected event for current state")

	// ErrInsufficientAmount means fee targeting cannot produce a
	// dust-free output from the lockup amount. Fatal for the claim
	// attempt; the session falls back to refund.
	ErrInsufficientAmount = errors.New("not enough funds to cover network fees")

	// ErrQuoteRejected means the renegotiated amount falls outside the
	// configured acceptance bound.
	ErrQuoteRejected = errors.New("quote outside acceptable bounds")

	// ErrKeyAggregationMismatch means the locally derived aggregate
	// output key does not match the one published by the service.
	// Signing against it would produce an unspendable claim.
	ErrKeyAggregationMismatch = errors.New("aggregate key does not match published lockup key")

	// ErrNonceReused is returned when a signing session is asked to
	// sign a second message with an already-consumed nonce.
	ErrNonceReused = errors.New("signing nonce already consumed")

	// ErrSignerState is returned for out-of-order calls on a signing
	// session (e.g. partial-signing before nonces are aggregated).
	ErrSignerState = errors.New("signing step called out of order")

	// ErrPartialSigInvalid means the counterparty's partial signature
	// does not verify against its nonce and key.
	ErrPartialSigInvalid = errors.New("counterparty partial signature invalid")

	// ErrSignatureInvalid means the combined signature failed final
	// verification against the tweaked output key.
	ErrSignatureInvalid = errors.New("aggregate signature verification failed")
)
