package boltz

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Api struct {
	URL    string
	WSURL  string
	Client http.Client
}

func (boltz *Api) CreateChainSwap(request CreateChainSwapRequest) (*CreateChainSwapResponse, error) {
	resp, err := sendPostRequest[CreateChainSwapResponse](boltz, "/swap/chain", request)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%s", resp.Error)
	}

	return resp, nil
}

func (boltz *Api) GetChainSwapQuote(swapId string) (*QuoteResponse, error) {
	url := fmt.Sprintf("/swap/chain/%s/quote", swapId)
	return sendGetRequest[QuoteResponse](boltz, url)
}

func (boltz *Api) AcceptChainSwapQuote(swapId string, quote QuoteResponse) error {
	url := fmt.Sprintf("/swap/chain/%s/quote", swapId)
	_, err := sendPostRequest[QuoteResponse](boltz, url, quote)
	return err
}

func (boltz *Api) GetChainSwapClaimDetails(swapId string) (*ChainSwapClaimDetailsResponse, error) {
	url := fmt.Sprintf("/swap/chain/%s/claim", swapId)
	return sendGetRequest[ChainSwapClaimDetailsResponse](boltz, url)
}

func (boltz *Api) SubmitChainSwapClaim(swapId string, request ChainSwapClaimRequest) (*PartialSignatureResponse, error) {
	url := fmt.Sprintf("/swap/chain/%s/claim", swapId)
	resp, err := sendPostRequest[PartialSignatureResponse](boltz, url, request)
	if err != nil {
		return nil, err
	}

	return resp, nil
}

func (boltz *Api) GetChainSwapTransactions(swapId string) (*ChainSwapTransactionsResponse, error) {
	url := fmt.Sprintf("/swap/chain/%s/transactions", swapId)
	return sendGetRequest[ChainSwapTransactionsResponse](boltz, url)
}

func (boltz *Api) BroadcastTransaction(currency Currency, txHex string) (string, error) {
	url := fmt.Sprintf("/chain/%s/transaction", currency)
	request := struct {
		Hex string `json:"hex"`
	}{
		Hex: txHex,
	}
	resp, err := sendPostRequest[BroadcastResponse](boltz, url, request)
	if err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", fmt.Errorf("%s", resp.Error)
	}

	return resp.Id, nil
}

const (
	defaultHTTPTimeout = 15 * time.Second
	maxGetRetries      = 3
)

func withTimeoutCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), defaultHTTPTimeout)
}

// sendGetRequest retries transient failures with exponential backoff.
// GETs are idempotent so retrying is always safe; POSTs are one-shot
// submissions and are never retried here.
func sendGetRequest[T any](boltz *Api, endpoint string) (*T, error) {
	url := boltz.URL + "/v2" + endpoint

	var out *T
	op := func() error {
		ctx, cancel := withTimeoutCtx()
		defer cancel()

		res, err := callApi[T](ctx, &boltz.Client, http.MethodGet, url, nil)
		if err != nil {
			var httpErr *HTTPError
			if errors.As(err, &httpErr) && httpErr.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		out = res
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxGetRetries)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return out, nil
}

func sendPostRequest[T any](boltz *Api, endpoint string, requestBody any) (*T, error) {
	ctx, cancel := withTimeoutCtx()
	defer cancel()

	url := boltz.URL + "/v2" + endpoint
	return callApi[T](ctx, &boltz.Client, http.MethodPost, url, requestBody)
}

func callApi[T any](ctx context.Context, c *http.Client, method, url string, reqBody any) (*T, error) {
	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("new %s %s: %w", method, url, err)
	}
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > 2000 {
			msg = msg[:2000] + "...(truncated)"
		}
		return nil, &HTTPError{
			Method:     method,
			URL:        url,
			StatusCode: res.StatusCode,
			Body:       msg,
		}
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		var zero T
		return &zero, nil
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		snip := strings.TrimSpace(string(raw))
		if len(snip) > 300 {
			snip = snip[:300] + "...(truncated)"
		}
		return nil, fmt.Errorf("unmarshal JSON: %w (body: %q)", err, snip)
	}

	return &out, nil
}

type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}
