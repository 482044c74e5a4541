package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const chatCompletionsPath = "/v1/chat/completions"

// Message is a chat message with flattened text content.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is the subset of the OpenAI request the proxy forwards.
type ChatCompletionRequest struct {
	Model    string    `json:"model,omitempty"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// Stream is an open completion response. The caller must close Body.
type Stream struct {
	Body        io.ReadCloser
	ContentType string
}

// StreamChatCompletion opens a streaming completion authenticated with the downstream
// key. The request is bound to ctx, cancelling ctx aborts the upstream request.
func (c *Client) StreamChatCompletion(ctx context.Context, key string, req ChatCompletionRequest) (*Stream, error) {
	req.Stream = true

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(chatCompletionsPath), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+key)

	resp, err := c.stream.Do(httpReq)
	if err != nil {
		return nil, wrapTransportError(chatCompletionsPath, err)
	}

	if err := checkResponse(chatCompletionsPath, resp); err != nil {
		resp.Body.Close()
		return nil, err
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/event-stream"
	}

	return &Stream{Body: resp.Body, ContentType: contentType}, nil
}
