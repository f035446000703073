// Package pool предоставляет срезы рыночных данных пулов ликвидности.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/poolyield/internal/model"
)

// ErrRateLimited возвращается, если сервис данных пулов ограничил частоту запросов.
var ErrRateLimited = errors.New("pool data rate limited")

// Client инкапсулирует HTTP-взаимодействие с сервисом рыночных данных пулов.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// SnapshotResponse описывает ответ сервиса данных по одному пулу.
type SnapshotResponse struct {
	Pool    string          `json:"pool"`
	TVL     decimal.Decimal `json:"tvl"`
	Fees24h decimal.Decimal `json:"fees_24h"`
}

// NewClient создаёт HTTP-клиент для обращения к сервису данных пулов по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// GetSnapshot запрашивает срез пула. Возвращает nil без ошибки, если данных по пулу нет.
// При ответе 429 возвращает ErrRateLimited и время ожидания из Retry-After.
func (c *Client) GetSnapshot(ctx context.Context, poolAddress string) (*model.PoolSnapshot, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return nil, 0, fmt.Errorf("pool data client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	endpoint := fmt.Sprintf("%s/api/pools/%s", base, url.PathEscape(poolAddress))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, retryAfter, ErrRateLimited
	case http.StatusNoContent, http.StatusNotFound:
		return nil, 0, nil
	case http.StatusOK:
	default:
		return nil, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result SnapshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, 0, fmt.Errorf("decode response: %w", err)
	}

	return &model.PoolSnapshot{
		PoolAddress:      poolAddress,
		TotalValueLocked: result.TVL,
		Fees24h:          result.Fees24h,
		FetchedAt:        time.Now().UTC(),
	}, 0, nil
}
