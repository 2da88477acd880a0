package aiproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jo-hoe/markdrop/internal/common"
	"github.com/jo-hoe/markdrop/internal/config"
	"github.com/jo-hoe/markdrop/internal/document"
	"github.com/jo-hoe/markdrop/internal/llm"
)

var _ llm.Client = (*Client)(nil)

const (
	// Headers
	headerContentType   = "Content-Type"
	headerAuthorization = "Authorization"

	// Auth
	authSchemeBearer = "Bearer"

	// Endpoints
	endpointChatCompletions = "v1/chat/completions"

	// Timeouts and limits
	defaultTimeout    = 60 * time.Second
	errorSnippetLimit = 400

	// Defaults
	defaultSystemPrompt = "You are an expert document understanding assistant that converts files into clean Markdown."

	// Data URL constants
	dataURLPrefix    = "data:"
	dataURLBase64Sep = ";base64,"
)

// Role represents the sender role for a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType represents the type for a multimodal message part.
type PartType string

const (
	PartText     PartType = "text"
	PartImageURL PartType = "image_url"
)

// Client implements llm.Client by calling an OpenAI-compatible AI Proxy.
// The file is sent as an image_url part, so the proxy must accept the media type.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	model       string
	system      string
	temperature *float32
	maxTokens   *int
}

// New creates a new AI Proxy LLM client.
func New(cfg config.AIProxySettings) *Client {
	return &Client{
		httpClient:  newHTTPClient(cfg.Timeout),
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		system:      cfg.SystemPrompt,
		temperature: optionalFloat32(cfg.Temperature),
		maxTokens:   optionalInt(cfg.MaxTokens),
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// Convert sends a chat completion request carrying the payload as a data URL part
// and the fixed conversion instructions.
func (c *Client) Convert(ctx context.Context, payload document.Payload) (string, error) {
	dataURL := buildDataURL(payload.MediaType, payload.Data)
	reqBody := c.buildRequestBody(dataURL)

	u, err := url.JoinPath(c.baseURL, endpointChatCompletions)
	if err != nil {
		return "", fmt.Errorf("join url: %w", err)
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set(headerContentType, common.ContentTypeJSON)
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set(headerAuthorization, authSchemeBearer+" "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", &llm.RemoteError{Message: ctx.Err().Error(), Err: ctx.Err()}
		}
		return "", &llm.RemoteError{Message: err.Error(), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", &llm.RemoteError{StatusCode: resp.StatusCode, Message: remoteMessage(respBytes)}
	}

	var comp chatCompletionResponse
	if err := json.Unmarshal(respBytes, &comp); err != nil {
		return "", &llm.RemoteError{StatusCode: resp.StatusCode, Message: "parse response: " + err.Error(), Err: err}
	}
	if len(comp.Choices) == 0 || strings.TrimSpace(comp.Choices[0].Message.Content) == "" {
		return "", llm.ErrEmptyResponse
	}
	return comp.Choices[0].Message.Content, nil
}

func (c *Client) buildRequestBody(imageDataURL string) chatCompletionRequest {
	sys := strings.TrimSpace(c.system)
	if sys == "" {
		sys = defaultSystemPrompt
	}
	instructions := llm.Instructions

	msgs := []chatMessage{
		{
			Role:    RoleSystem,
			Content: sys,
		},
		{
			Role: RoleUser,
			Content: []messagePart{
				{Type: PartText, Text: &instructions},
				{Type: PartImageURL, ImageURL: &imageURL{URL: imageDataURL}},
			},
		},
	}

	req := chatCompletionRequest{
		Model:    c.model,
		Messages: msgs,
		Stream:   false,
	}
	if c.temperature != nil {
		req.Temperature = c.temperature
	}
	if c.maxTokens != nil {
		req.MaxTokens = c.maxTokens
	}
	return req
}

// buildDataURL wraps already base64-encoded data into a data URL.
func buildDataURL(mime string, b64 string) string {
	mt := strings.TrimSpace(mime)
	if mt == "" {
		mt = common.ContentTypeOctet
	}
	return dataURLPrefix + mt + dataURLBase64Sep + b64
}

// remoteMessage extracts the OpenAI-style error message, falling back to a body snippet.
func remoteMessage(body []byte) string {
	var e errorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return truncate(strings.TrimSpace(string(body)), errorSnippetLimit)
}

func optionalFloat32(v float32) *float32 {
	if v == 0 {
		return nil
	}
	return &v
}

func optionalInt(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// OpenAI-compatible Chat Completions request/response types

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float32      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	Tools       any           `json:"tools,omitempty"`
	ResponseFmt any           `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    Role   `json:"role"`
	Content any    `json:"content"` // string or []messagePart
	Name    string `json:"name,omitempty"`
}

type messagePart struct {
	Type     PartType  `json:"type"`                // "text" | "image_url"
	Text     *string   `json:"text,omitempty"`      // when Type == "text"
	ImageURL *imageURL `json:"image_url,omitempty"` // when Type == "image_url"
}

type imageURL struct {
	URL    string  `json:"url"`
	Detail *string `json:"detail,omitempty"`
}

type chatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Choices []chatCompletionChoice `json:"choices"`
	Usage   *chatCompletionUsage   `json:"usage,omitempty"`
}

type chatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      responseMsg `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type responseMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
