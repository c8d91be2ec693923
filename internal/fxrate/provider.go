package fxrate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"opstracker/backend/internal/domain"
	"opstracker/backend/internal/metrics"
)

const breakerName = "rate-provider"

// HTTPProvider queries a frankfurter-style endpoint:
// GET {base}/{YYYY-MM-DD}?from=USD&to=EUR -> {"rates":{"EUR":0.91}}.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewHTTPProvider(baseURL string, timeout time.Duration, logger logrus.FieldLogger, m *metrics.Metrics) *HTTPProvider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	settings := gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"name": name,
				"from": from.String(),
				"to":   to.String(),
			}).Warn("circuit breaker state changed")
			m.SetCircuitBreakerState(name, int(to))
		},
	}
	return &HTTPProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

type ratesResponse struct {
	Rates map[string]decimal.Decimal `json:"rates"`
}

func (p *HTTPProvider) Fetch(ctx context.Context, date time.Time, from, to string) (decimal.Decimal, error) {
	result, err := p.breaker.Execute(func() (interface{}, error) {
		return p.fetch(ctx, date, from, to)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return decimal.Zero, fmt.Errorf("rate provider unavailable: %w", err)
	}
	if err != nil {
		return decimal.Zero, err
	}
	return result.(decimal.Decimal), nil
}

func (p *HTTPProvider) State() gobreaker.State {
	return p.breaker.State()
}

func (p *HTTPProvider) fetch(ctx context.Context, date time.Time, from, to string) (decimal.Decimal, error) {
	query := url.Values{}
	query.Set("from", from)
	query.Set("to", to)
	endpoint := fmt.Sprintf("%s/%s?%s", p.baseURL, date.UTC().Format(domain.DateLayout), query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("rate provider returned status %d", resp.StatusCode)
	}

	var payload ratesResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return decimal.Zero, fmt.Errorf("decode rate response: %w", err)
	}
	rate, ok := payload.Rates[to]
	if !ok {
		return decimal.Zero, fmt.Errorf("rate response has no %s entry", to)
	}
	return rate, nil
}
