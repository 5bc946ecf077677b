package boltz

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseEvent(t *testing.T) {
	cases := map[string]Event{
		"swap.created":                 SwapCreated,
		"transaction.lockupFailed":     TransactionLockupFailed,
		"transaction.mempool":          TransactionMempool,
		"transaction.confirmed":        TransactionConfirmed,
		"transaction.server.mempool":   TransactionServerMempool,
		"transaction.server.confirmed": TransactionServerConfirmed,
		"transaction.claim.pending":    TransactionClaimPending,
		"transaction.claimed":          TransactionClaimed,
		"transaction.refunded":         TransactionRefunded,
		"transaction.failed":           TransactionFailed,
		"swap.expired":                 SwapExpired,
		"invoice.set":                  EventUnknown,
		"":                             EventUnknown,
	}

	for status, want := range cases {
		require.Equal(t, want, ParseEvent(status), "status %q", status)
	}
}

func TestGetRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		// nolint:all
		json.NewEncoder(w).Encode(QuoteResponse{Amount: 1234})
	}))
	defer srv.Close()

	api := &Api{URL: srv.URL}
	quote, err := api.GetChainSwapQuote("sw1")
	require.NoError(t, err)
	require.Equal(t, uint64(1234), quote.Amount)
	require.Equal(t, int32(3), calls.Load())
}

func TestGetDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such swap", http.StatusNotFound)
	}))
	defer srv.Close()

	api := &Api{URL: srv.URL}
	_, err := api.GetChainSwapQuote("missing")
	require.Error(t, err)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, http.StatusNotFound, httpErr.StatusCode)
	require.Equal(t, int32(1), calls.Load())
}

func TestCreateChainSwapSurfacesServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// nolint:all
		json.NewEncoder(w).Encode(CreateChainSwapResponse{Error: "amount too low"})
	}))
	defer srv.Close()

	api := &Api{URL: srv.URL}
	_, err := api.CreateChainSwap(CreateChainSwapRequest{})
	require.ErrorContains(t, err, "amount too low")
}
