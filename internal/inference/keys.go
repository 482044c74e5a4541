package inference

import (
	"context"
	"fmt"
	"net/http"
)

// KeyRequest describes a virtual key to mint.
type KeyRequest struct {
	UserID   string   `json:"user_id"`
	Models   []string `json:"models"`
	RPMLimit int      `json:"rpm_limit"`
	TPMLimit int      `json:"tpm_limit"`
}

type keyResponse struct {
	Key    string `json:"key"`
	UserID string `json:"user_id,omitempty"`
}

type deleteKeysRequest struct {
	Keys []string `json:"keys"`
}

// GenerateKey mints a new virtual key.
func (c *Client) GenerateKey(ctx context.Context, req KeyRequest) (string, error) {
	var resp keyResponse
	if err := c.doJSON(ctx, c.admin, http.MethodPost, "/key/generate", req, &resp); err != nil {
		return "", err
	}

	if resp.Key == "" {
		return "", fmt.Errorf("inference /key/generate returned no key: %w", ErrUpstreamUnavailable)
	}

	return resp.Key, nil
}

// DeleteKey revokes a virtual key.
func (c *Client) DeleteKey(ctx context.Context, key string) error {
	return c.doJSON(ctx, c.admin, http.MethodPost, "/key/delete", deleteKeysRequest{Keys: []string{key}}, nil)
}
