package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/ricirt/karnak/internal/domain"
	"github.com/ricirt/karnak/internal/fetcher"
)

// Error types reported by HTTPFetcher.
const (
	ErrorNotFound    = "not_found"
	ErrorClient      = "client_error"
	ErrorServer      = "server_error"
	ErrorTransport   = "transport"
	ErrorTimeout     = "timeout"
	ErrorBadResponse = "bad_response"
)

const maxResponseBytes = 8 << 20

type HTTPConfig struct {
	BaseURL string
	Timeout time.Duration
	Keys    KeySource
	Policy  RetryPolicy
	// TableExtractors routes every key of a table to an extractor at
	// kickoff; unlisted tables get the controller default.
	TableExtractors map[string]string
	Logger          *zap.Logger
}

// HTTPFetcher fetches one key per request from
// GET {BaseURL}/{extractor}?key=..&key_property=..&table=..
// The base URL is injected from config so tests can point to a local mock.
type HTTPFetcher struct {
	baseURL    string
	httpClient *http.Client
	keys       KeySource
	policy     RetryPolicy
	routes     map[string]string
	logger     *zap.Logger
}

func NewHTTPFetcher(cfg HTTPConfig) *HTTPFetcher {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &HTTPFetcher{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		keys:   cfg.Keys,
		policy: cfg.Policy,
		routes: cfg.TableExtractors,
		logger: cfg.Logger,
	}
}

func (f *HTTPFetcher) KeysToFetch(ctx context.Context, q fetcher.KeyQuery) ([]domain.QueueItem, error) {
	if f.keys == nil {
		return nil, domain.ErrNoKeys
	}
	return f.keys.Keys(ctx, q)
}

func (f *HTTPFetcher) SetInitialExtractor(items []domain.QueueItem) []domain.QueueItem {
	for i, it := range items {
		if e, ok := f.routes[it.Table]; ok && it.Extractor == "" {
			items[i] = it.WithExtractor(e)
		}
	}
	return items
}

// Fetch never returns an error: every failure becomes a FetchResult whose
// ErrorType says what happened.
func (f *HTTPFetcher) Fetch(ctx context.Context, item domain.QueueItem) domain.FetchResult {
	start := time.Now()
	fail := func(errType, msg string, canRetry bool) domain.FetchResult {
		return domain.NewFailure(item, errType, msg, canRetry, time.Since(start))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url(item), nil)
	if err != nil {
		return fail(ErrorClient, err.Error(), false)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		var netErr interface{ Timeout() bool }
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return fail(ErrorTimeout, err.Error(), true)
		}
		return fail(ErrorTransport, err.Error(), true)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return fail(ErrorTransport, fmt.Sprintf("read response: %v", err), true)
	}
	if len(body) > maxResponseBytes {
		return fail(ErrorBadResponse, fmt.Sprintf("response exceeds %d bytes", maxResponseBytes), false)
	}

	switch code := resp.StatusCode; {
	case code == http.StatusOK:
	case code == http.StatusNotFound:
		return fail(ErrorNotFound, "upstream has no data for key", false)
	case code == http.StatusTooManyRequests:
		return fail(ErrorThrottled, "upstream throttled the request", true)
	case code >= 500:
		return fail(ErrorServer, fmt.Sprintf("unexpected upstream status: %d", code), true)
	default:
		return fail(ErrorClient, fmt.Sprintf("unexpected upstream status: %d", code), false)
	}

	var payload any = string(body)
	if json.Valid(body) {
		payload = json.RawMessage(body)
	}
	result, err := domain.NewSuccess(item, payload, time.Since(start))
	if err != nil {
		return fail(ErrorBadResponse, err.Error(), false)
	}
	return result
}

func (f *HTTPFetcher) DecideFailureAction(r domain.FetchResult) domain.FailureDecision {
	d := f.policy.Decide(r)
	f.logger.Debug("failure decision",
		zap.String("key", r.Item.Key),
		zap.String("extractor", r.Item.Extractor),
		zap.String("error", r.ErrorText()),
		zap.String("action", string(d.Action)),
	)
	return d
}

func (f *HTTPFetcher) url(item domain.QueueItem) string {
	v := url.Values{}
	v.Set("key", item.Key)
	v.Set("key_property", item.KeyProperty)
	v.Set("table", item.Table)
	return f.baseURL + "/" + url.PathEscape(item.Extractor) + "?" + v.Encode()
}

// compile-time checks that HTTPFetcher implements the fetcher interfaces
var (
	_ fetcher.Fetcher                = (*HTTPFetcher)(nil)
	_ fetcher.InitialExtractorSetter = (*HTTPFetcher)(nil)
)
