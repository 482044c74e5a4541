package proxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfeidau/chatgate/internal/inference"
)

// ErrValidationFailed is returned for malformed chat requests.
var ErrValidationFailed = errors.New("validation failed")

const (
	// MinMessages and MaxMessages bound the conversation length of one request.
	MinMessages = 1
	MaxMessages = 100
)

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
	ModelID  string        `json:"modelId,omitempty"`

	// SelectedModelID is accepted from older clients.
	SelectedModelID string `json:"selectedModelId,omitempty"`
}

// ChatMessage holds a message whose content is either a string or a list of parts.
type ChatMessage struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// ContentPart is one element of structured message content.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Content is message content decoded from either a JSON string or an array of parts.
type Content struct {
	Text  string
	Parts []ContentPart
}

// UnmarshalJSON accepts a string, an array of parts or null.
func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*c = Content{}
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Content{Text: s}
		return nil
	case data[0] == '[':
		var parts []ContentPart
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		*c = Content{Parts: parts}
		return nil
	default:
		return fmt.Errorf("content must be a string or an array of parts")
	}
}

// Flatten joins the text parts, ignoring non-text parts.
func (c Content) Flatten() string {
	if c.Parts == nil {
		return c.Text
	}

	texts := make([]string, 0, len(c.Parts))
	for _, part := range c.Parts {
		if part.Type != "" && part.Type != "text" {
			continue
		}
		if part.Text != "" {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// Model returns the requested model id.
func (r *ChatRequest) Model() string {
	if r.ModelID != "" {
		return r.ModelID
	}
	return r.SelectedModelID
}

// Validate checks message count and that every message has a role and content.
func (r *ChatRequest) Validate() error {
	switch n := len(r.Messages); {
	case n < MinMessages:
		return fmt.Errorf("%w: at least %d message is required", ErrValidationFailed, MinMessages)
	case n > MaxMessages:
		return fmt.Errorf("%w: at most %d messages are allowed, got %d", ErrValidationFailed, MaxMessages, n)
	}

	for i, msg := range r.Messages {
		if strings.TrimSpace(msg.Role) == "" {
			return fmt.Errorf("%w: message %d has no role", ErrValidationFailed, i)
		}
		if strings.TrimSpace(msg.Content.Flatten()) == "" {
			return fmt.Errorf("%w: message %d has no content", ErrValidationFailed, i)
		}
	}

	return nil
}

// upstreamMessages keeps user and assistant turns, flattens their content and prepends
// the system prompt. Client supplied system messages are dropped.
func upstreamMessages(messages []ChatMessage, systemPrompt string) []inference.Message {
	out := make([]inference.Message, 0, len(messages)+1)
	if systemPrompt != "" {
		out = append(out, inference.Message{Role: "system", Content: systemPrompt})
	}

	for _, msg := range messages {
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		if role != "user" && role != "assistant" {
			continue
		}
		out = append(out, inference.Message{Role: role, Content: msg.Content.Flatten()})
	}

	return out
}

// hasConversation reports whether any non-system message survived filtering.
func hasConversation(messages []inference.Message) bool {
	for _, msg := range messages {
		if msg.Role != "system" {
			return true
		}
	}
	return false
}
