package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/jo-hoe/markdrop/internal/document"
)

// DefaultModel is used for every file type unless configured otherwise.
const DefaultModel = "gemini-2.5-flash"

// Client defines the capability to convert an encoded file into Markdown.
type Client interface {
	// Convert sends payload together with Instructions to the remote model
	// and returns the generated text verbatim.
	Convert(ctx context.Context, payload document.Payload) (string, error)
}

// ErrEmptyResponse is returned when the remote call succeeds without producing text.
var ErrEmptyResponse = errors.New("empty response from model")

// RemoteError reports a failed remote call: transport, auth, quota or rejection.
// Message carries the diagnostic supplied by the remote side, if any.
type RemoteError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *RemoteError) Error() string {
	switch {
	case e.Message != "" && e.StatusCode != 0:
		return fmt.Sprintf("remote status %d: %s", e.StatusCode, e.Message)
	case e.Message != "":
		return e.Message
	case e.StatusCode != 0:
		return fmt.Sprintf("remote status %d", e.StatusCode)
	case e.Err != nil:
		return e.Err.Error()
	default:
		return "remote call failed"
	}
}

func (e *RemoteError) Unwrap() error { return e.Err }
