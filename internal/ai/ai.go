// Package ai drafts replies to outreach contacts with the Claude Messages
// API.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/daviddao/outreach/internal/types"
)

const (
	defaultModel     = "claude-sonnet-4-5-20250929"
	defaultMaxTokens = 1024
	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"

	replyTool = "draft_reply"
)

// Config holds the API credentials and model settings.
type Config struct {
	APIKey    string        `mapstructure:"api_key"`
	Model     string        `mapstructure:"model"`
	MaxTokens int           `mapstructure:"max_tokens"`
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// Client implements reply generation over the Messages API.
type Client struct {
	apiKey    string
	model     string
	maxTokens int
	baseURL   string
	client    *http.Client
}

// New creates a Client. Zero config values fall back to defaults.
func New(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	return &Client{
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		client:    &http.Client{Timeout: cfg.Timeout},
	}
}

// GenerateReply asks the model for a reply to the contact's message. The
// model answers through a forced tool call so the output is structured.
func (c *Client) GenerateReply(ctx context.Context,
	req types.ReplyRequest) (*types.ReplySuggestion, error) {

	if c.apiKey == "" {
		return nil, fmt.Errorf("%w: no API key configured", types.ErrGenerationFailed)
	}

	resp, err := c.callAPI(ctx, apiRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    systemPrompt(req),
		Messages: []apiMessage{{
			Role:    "user",
			Content: []apiContentBlock{{Type: "text", Text: userPrompt(req)}},
		}},
		Tools:      []apiTool{replyToolDefinition()},
		ToolChoice: &apiToolChoice{Type: "tool", Name: replyTool},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrGenerationFailed, err)
	}

	sugg, err := parseSuggestion(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrGenerationFailed, err)
	}
	return sugg, nil
}

// callAPI makes a single request to the Messages API.
func (c *Client) callAPI(ctx context.Context, reqBody apiRequest) (*apiResponse, error) {
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(bodyBytes),
	)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling Claude API: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Error.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	var result apiResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &result, nil
}

// parseSuggestion takes the forced tool call input, or a JSON text block
// when the model answered in prose.
func parseSuggestion(resp *apiResponse) (*types.ReplySuggestion, error) {
	var text []string
	for _, block := range resp.Content {
		switch block.Type {
		case "tool_use":
			if block.Name != replyTool {
				continue
			}
			var s types.ReplySuggestion
			if err := json.Unmarshal(block.Input, &s); err != nil {
				return nil, fmt.Errorf("decoding tool input: %w", err)
			}
			return &s, nil
		case "text":
			text = append(text, block.Text)
		}
	}

	raw := stripFence(strings.Join(text, ""))
	if raw == "" {
		return nil, fmt.Errorf("empty response (stop reason %q)", resp.StopReason)
	}
	var s types.ReplySuggestion
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("decoding text answer: %w", err)
	}
	return &s, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func systemPrompt(req types.ReplyRequest) string {
	var sb strings.Builder

	sb.WriteString("You write short, warm email replies for someone doing ")
	sb.WriteString("professional networking outreach. ")
	sb.WriteString("The reply goes into the existing thread as a draft the ")
	sb.WriteString("user will review before sending.\n\n")

	sb.WriteString("Classify the contact's message as one of: ")
	sb.WriteString(strings.Join(types.ValidReplyTypes, ", "))
	sb.WriteString(".\n")
	sb.WriteString("Keep the reply under 120 words, plain text with light ")
	sb.WriteString("markdown at most, no subject line and no signature.")

	if req.UserEmail != "" {
		fmt.Fprintf(&sb, "\n\nYou are writing as %s.", req.UserEmail)
	}
	return sb.String()
}

func userPrompt(req types.ReplyRequest) string {
	name := req.ContactName
	if name == "" {
		name = req.ContactEmail
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Contact: %s <%s>\n", name, req.ContactEmail)
	if req.Subject != "" {
		fmt.Fprintf(&sb, "Subject: %s\n", req.Subject)
	}
	sb.WriteString("\nTheir latest message:\n")
	sb.WriteString(req.ContactMessage)
	sb.WriteString("\n\nDraft my reply with the draft_reply tool.")
	return sb.String()
}

func replyToolDefinition() apiTool {
	enum, _ := json.Marshal(types.ValidReplyTypes)
	return apiTool{
		Name:        replyTool,
		Description: "Record the drafted reply and its classification.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"body": {"type": "string", "description": "The reply text."},
				"replyType": {"type": "string", "enum": ` + string(enum) + `}
			},
			"required": ["body", "replyType"]
		}`),
	}
}

type apiRequest struct {
	Model      string         `json:"model"`
	MaxTokens  int            `json:"max_tokens"`
	System     string         `json:"system"`
	Messages   []apiMessage   `json:"messages"`
	Tools      []apiTool      `json:"tools,omitempty"`
	ToolChoice *apiToolChoice `json:"tool_choice,omitempty"`
}

type apiMessage struct {
	Role    string            `json:"role"`
	Content []apiContentBlock `json:"content"`
}

type apiContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For tool_use blocks
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type apiToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type apiResponse struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Role       string            `json:"role"`
	Content    []apiContentBlock `json:"content"`
	Model      string            `json:"model"`
	StopReason string            `json:"stop_reason"`
}

type apiErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type apiTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}
