package gemini

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
	headerContentType = "Content-Type"
	headerAPIKey      = "x-goog-api-key" // #nosec G101 - header name constant, not a credential

	// Endpoints
	apiVersion     = "v1beta"
	methodGenerate = ":generateContent"

	// Timeouts and limits
	defaultTimeout    = 60 * time.Second
	errorSnippetLimit = 400

	roleUser = "user"
)

// Client implements llm.Client against the Gemini generateContent REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

// New creates a Gemini client. An empty API key is accepted; the remote
// service rejects the first call in that case.
func New(cfg config.GeminiSettings) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = llm.DefaultModel
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      model,
	}
}

// Convert sends the payload as an inline part followed by the fixed instructions.
func (c *Client) Convert(ctx context.Context, payload document.Payload) (string, error) {
	u, err := url.JoinPath(c.baseURL, apiVersion, "models", c.model+methodGenerate)
	if err != nil {
		return "", fmt.Errorf("join url: %w", err)
	}

	bodyBytes, err := json.Marshal(buildRequest(payload))
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set(headerContentType, common.ContentTypeJSON)
	if c.apiKey != "" {
		req.Header.Set(headerAPIKey, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", &llm.RemoteError{Message: ctx.Err().Error(), Err: ctx.Err()}
		}
		return "", &llm.RemoteError{Message: err.Error(), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &llm.RemoteError{StatusCode: resp.StatusCode, Message: err.Error(), Err: err}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", &llm.RemoteError{StatusCode: resp.StatusCode, Message: remoteMessage(respBytes)}
	}

	var out generateContentResponse
	if err := json.Unmarshal(respBytes, &out); err != nil {
		return "", &llm.RemoteError{StatusCode: resp.StatusCode, Message: "parse response: " + err.Error(), Err: err}
	}
	text := out.text()
	if strings.TrimSpace(text) == "" {
		return "", llm.ErrEmptyResponse
	}
	return text, nil
}

func buildRequest(payload document.Payload) generateContentRequest {
	mt := strings.TrimSpace(payload.MediaType)
	if mt == "" {
		mt = common.ContentTypeOctet
	}
	instructions := llm.Instructions
	return generateContentRequest{
		Contents: []content{
			{
				Role: roleUser,
				Parts: []part{
					{InlineData: &blob{MimeType: mt, Data: payload.Data}},
					{Text: &instructions},
				},
			},
		},
	}
}

// remoteMessage prefers the structured error message and falls back to a body snippet.
func remoteMessage(body []byte) string {
	var e errorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return truncate(strings.TrimSpace(string(body)), errorSnippetLimit)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// generateContent request/response types

type generateContentRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       *string `json:"text,omitempty"`
	InlineData *blob   `json:"inlineData,omitempty"`
	Thought    bool    `json:"thought,omitempty"`
}

type blob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generateContentResponse struct {
	Candidates     []candidate     `json:"candidates"`
	PromptFeedback *promptFeedback `json:"promptFeedback,omitempty"`
	ModelVersion   string          `json:"modelVersion,omitempty"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

type promptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

// text joins the text parts of the first candidate, skipping thought summaries.
func (r generateContentResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		if p.Thought || p.Text == nil {
			continue
		}
		sb.WriteString(*p.Text)
	}
	return sb.String()
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}
