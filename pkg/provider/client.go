package provider

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/flowlytics/platform/pkg/common/config"
)

// HTTPClient talks to provider REST APIs. One underlying resty client per
// integration (each has its own base URL and credential), one shared
// client-side rate limiter so concurrent workers do not stampede a provider.
type HTTPClient struct {
	mu      sync.Mutex
	clients map[int]*resty.Client
	limiter *rate.Limiter
	timeout time.Duration
}

func NewHTTPClient(cfg *config.Config) *HTTPClient {
	return &HTTPClient{
		clients: make(map[int]*resty.Client),
		limiter: rate.NewLimiter(rate.Limit(cfg.ProviderRateRPS), cfg.ProviderRateBurst),
		timeout: cfg.ProviderTimeout,
	}
}

func (c *HTTPClient) clientFor(integ *config.Integration) *resty.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[integ.ID]; ok {
		return client
	}

	httpClient := http.DefaultClient
	if token := integ.Token(); token != "" {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(context.Background(), src)
	}

	client := resty.NewWithClient(httpClient)
	client.SetBaseURL(integ.BaseURL)
	client.SetTimeout(c.timeout)
	client.SetHeader("Accept", "application/json")

	c.clients[integ.ID] = client
	return client
}

// Wire shapes of the provider pagination envelope.
type nestedPageWire struct {
	Items      []map[string]interface{} `json:"items"`
	NextCursor string                   `json:"next_cursor"`
}

type primaryItemWire struct {
	ID        string                    `json:"id"`
	UpdatedAt time.Time                 `json:"updated_at"`
	Fields    map[string]interface{}    `json:"fields"`
	Nested    map[string]nestedPageWire `json:"nested,omitempty"`
}

type primaryPageWire struct {
	Items      []primaryItemWire `json:"items"`
	NextCursor string            `json:"next_cursor"`
}

func (c *HTTPClient) FetchPrimaryPage(ctx context.Context, integ *config.Integration, step *config.StepSpec, cursor string, since time.Time) (*PrimaryPage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req := c.clientFor(integ).R().
		SetContext(ctx).
		SetResult(&primaryPageWire{}).
		SetQueryParam("updated_since", since.UTC().Format(time.RFC3339))
	if cursor != "" {
		req.SetQueryParam("cursor", cursor)
	}
	if step.PageSize > 0 {
		req.SetQueryParam("page_size", strconv.Itoa(step.PageSize))
	}

	resp, err := req.Get(fmt.Sprintf("/api/v1/%s", step.Name))
	if err != nil {
		return nil, fmt.Errorf("fetching %s page: %w", step.Name, err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	wire := resp.Result().(*primaryPageWire)
	page := &PrimaryPage{NextCursor: wire.NextCursor}
	for _, item := range wire.Items {
		converted := PrimaryItem{
			ExternalID:    item.ID,
			UpdatedAt:     item.UpdatedAt,
			Fields:        item.Fields,
			Embedded:      make(map[string][]map[string]interface{}),
			NestedCursors: make(map[string]string),
		}
		for name, nested := range item.Nested {
			converted.Embedded[name] = nested.Items
			if nested.NextCursor != "" {
				converted.NestedCursors[name] = nested.NextCursor
			}
		}
		page.Items = append(page.Items, converted)
	}
	return page, nil
}

func (c *HTTPClient) FetchNestedPage(ctx context.Context, integ *config.Integration, step *config.StepSpec, parentExternalID, nestedType, cursor string) (*NestedPage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.clientFor(integ).R().
		SetContext(ctx).
		SetResult(&nestedPageWire{}).
		SetQueryParam("cursor", cursor).
		Get(fmt.Sprintf("/api/v1/%s/%s/%s", step.Name, parentExternalID, nestedType))
	if err != nil {
		return nil, fmt.Errorf("fetching %s/%s for %s: %w", step.Name, nestedType, parentExternalID, err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	wire := resp.Result().(*nestedPageWire)
	return &NestedPage{Items: wire.Items, NextCursor: wire.NextCursor}, nil
}

func checkStatus(resp *resty.Response) error {
	if resp.StatusCode() == http.StatusTooManyRequests {
		retryAfter := 60 * time.Second
		if header := resp.Header().Get("Retry-After"); header != "" {
			if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return &RateLimitError{RetryAfter: retryAfter}
	}
	if resp.IsError() {
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
