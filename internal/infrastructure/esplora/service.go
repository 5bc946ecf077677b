package esplora

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Service exposes the chain queries the swap engine needs from an
// Esplora-compatible HTTP backend.
type Service interface {
	GetBlockHeight(ctx context.Context) (int64, error)
	FeeRate(ctx context.Context) (float64, error)
	Close() error
}

const feeTargetBlocks = "2"

type httpService struct {
	baseURL string
	client  *http.Client
}

func NewService(url string) Service {
	return &httpService{
		baseURL: url,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *httpService) GetBlockHeight(ctx context.Context) (int64, error) {
	url := strings.TrimRight(s.baseURL, "/") + "/blocks/tip/height"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("get height: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return 0, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	n, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse height: %w", err)
	}
	return n, nil
}

// FeeRate returns the estimated sat/vbyte rate for a 2-block
// confirmation target, never below the 1 sat/vbyte relay floor.
func (s *httpService) FeeRate(ctx context.Context) (float64, error) {
	url := strings.TrimRight(s.baseURL, "/") + "/fee-estimates"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("get fee estimates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var estimates map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&estimates); err != nil {
		return 0, fmt.Errorf("failed to parse fee estimates: %w", err)
	}

	rate, ok := estimates[feeTargetBlocks]
	if !ok {
		rate = estimates["1"]
	}
	if rate < 1 {
		rate = 1
	}
	return rate, nil
}

func (s *httpService) Close() error {
	return nil
}
