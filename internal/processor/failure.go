package processor

import (
	"errors"

	"github.com/jo-hoe/markdrop/internal/app"
	"github.com/jo-hoe/markdrop/internal/common"
	"github.com/jo-hoe/markdrop/internal/document"
	"github.com/jo-hoe/markdrop/internal/llm"
)

// FailureFor maps a conversion error onto the message shown to the user.
// Remote diagnostics are forwarded as-is; anything without one gets the fallback.
func FailureFor(err error) app.Failure {
	var (
		readErr   *document.ReadError
		remoteErr *llm.RemoteError
	)
	switch {
	case err == nil:
		return app.NewFailure("")
	case errors.Is(err, llm.ErrEmptyResponse):
		return app.NewFailure(common.EmptyResponseFailure)
	case errors.As(err, &readErr):
		return app.NewFailure(readErr.Error())
	case errors.As(err, &remoteErr):
		return app.NewFailure(remoteErr.Message)
	default:
		return app.NewFailure(err.Error())
	}
}
