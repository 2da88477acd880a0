package mock

import (
	"context"
	"fmt"
	"time"

	"github.com/jo-hoe/markdrop/internal/config"
	"github.com/jo-hoe/markdrop/internal/document"
	"github.com/jo-hoe/markdrop/internal/llm"
)

var _ llm.Client = (*Client)(nil)

// Client is an offline llm.Client that produces predictable Markdown.
type Client struct {
	delay  time.Duration
	prefix string
	fail   string
}

func New(cfg config.MockSettings) *Client {
	return &Client{delay: cfg.Delay, prefix: cfg.Prefix, fail: cfg.Error}
}

// Convert waits for the configured delay and describes the payload in Markdown.
func (c *Client) Convert(ctx context.Context, payload document.Payload) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if c.delay > 0 {
		timer := time.NewTimer(c.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	if c.fail != "" {
		return "", &llm.RemoteError{Message: c.fail}
	}
	raw, err := payload.Decode()
	if err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}
	return fmt.Sprintf("# %s\n\n- media type: `%s`\n- size: %d bytes\n", c.prefix, payload.MediaType, len(raw)), nil
}
