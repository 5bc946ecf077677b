package swap

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/tideswap/swapd/pkg/boltz"
)

// QuoteNegotiator runs the renegotiation sub-protocol after a failed
// lockup: fetch the amount the service is now willing to accept and
// submit acceptance of exactly that amount. Both calls are idempotent
// per the service's contract, so a retried negotiation is safe.
type QuoteNegotiator struct {
	api *boltz.Api

	// MaxDeviationPPM bounds how far (parts per million, either
	// direction) the renegotiated amount may drift from the original
	// before it is rejected. 0 accepts any quote.
	MaxDeviationPPM uint64
}

func NewQuoteNegotiator(api *boltz.Api, maxDeviationPPM uint64) *QuoteNegotiator {
	return &QuoteNegotiator{api: api, MaxDeviationPPM: maxDeviationPPM}
}

// Negotiate returns the accepted amount, or ErrQuoteRejected if the
// quote falls outside the configured bound.
func (q *QuoteNegotiator) Negotiate(swapId string, originalAmount uint64) (uint64, error) {
	quote, err := q.api.GetChainSwapQuote(swapId)
	if err != nil {
		return 0, fmt.Errorf("failed to get quote: %w", err)
	}

	log.Infof("Quote for swap %s: amount=%d (original %d)", swapId, quote.Amount, originalAmount)

	if q.MaxDeviationPPM > 0 {
		deviation := quote.Amount
		if deviation > originalAmount {
			deviation -= originalAmount
		} else {
			deviation = originalAmount - deviation
		}
		if deviation*1_000_000 > originalAmount*q.MaxDeviationPPM {
			return 0, fmt.Errorf("%w: quoted %d, original %d, max deviation %d ppm",
				ErrQuoteRejected, quote.Amount, originalAmount, q.MaxDeviationPPM)
		}
	}

	if err := q.api.AcceptChainSwapQuote(swapId, *quote); err != nil {
		return 0, fmt.Errorf("failed to accept quote: %w", err)
	}

	log.Infof("Quote accepted for swap %s", swapId)
	return quote.Amount, nil
}
