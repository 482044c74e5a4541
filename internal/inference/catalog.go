package inference

import (
	"context"
	"net/http"
	"time"

	"github.com/gregjones/httpcache"
)

// Model is one entry of the backend model catalog.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object,omitempty"`
	Created int64  `json:"created,omitempty"`
	OwnedBy string `json:"owned_by,omitempty"`
}

type modelList struct {
	Data []Model `json:"data"`
}

// newCachingClient wraps the admin transport with an in-memory HTTP cache so the model
// catalog honours the backend's Cache-Control headers instead of being fetched on
// every page load.
func newCachingClient(transport http.RoundTripper, timeout time.Duration) *http.Client {
	cached := httpcache.NewTransport(httpcache.NewMemoryCache())
	cached.Transport = transport
	cached.MarkCachedResponses = true

	return &http.Client{
		Transport: cached,
		Timeout:   timeout,
	}
}

// Models lists the models the master key can reach.
func (c *Client) Models(ctx context.Context) ([]Model, error) {
	var list modelList
	if err := c.doJSON(ctx, c.catalog, http.MethodGet, "/v1/models", nil, &list); err != nil {
		return nil, err
	}
	return list.Data, nil
}
