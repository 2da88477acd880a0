package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jo-hoe/markdrop/internal/app"
	"github.com/jo-hoe/markdrop/internal/document"
	"github.com/jo-hoe/markdrop/internal/jobs"
	"github.com/jo-hoe/markdrop/internal/llm"
)

// Worker implements jobs.Processor: encode, convert, settle.
type Worker struct {
	Log            *slog.Logger
	LLM            llm.Client
	StripCodeFence bool
}

// Ensure Worker implements jobs.Processor
var _ jobs.Processor = (*Worker)(nil)

func New(log *slog.Logger, c llm.Client, stripCodeFence bool) *Worker {
	return &Worker{
		Log:            log,
		LLM:            c,
		StripCodeFence: stripCodeFence,
	}
}

// Process runs one conversion and always settles item.Machine, unless the
// conversion was superseded. The returned error is for logging only.
func (w *Worker) Process(ctx context.Context, item jobs.WorkItem) error {
	job := item.Job
	if item.Machine == nil {
		return fmt.Errorf("job %s has no machine", job.ID)
	}

	payload, err := document.EncodeFile(job.File)
	if err != nil {
		w.finishWithError(item, err)
		return fmt.Errorf("encode file: %w", err)
	}

	md, err := w.LLM.Convert(ctx, payload)
	if err != nil {
		w.finishWithError(item, err)
		return fmt.Errorf("llm convert: %w", err)
	}

	if w.StripCodeFence {
		md = document.StripCodeFence(md)
	}

	if err := item.Machine.Complete(job.ID, md); err != nil {
		return w.settleError(job, err)
	}
	return nil
}

func (w *Worker) finishWithError(item jobs.WorkItem, cause error) {
	if err := item.Machine.Fail(item.Job.ID, FailureFor(cause)); err != nil {
		_ = w.settleError(item.Job, err)
	}
}

// settleError logs a settlement that lost against a reset or delete.
func (w *Worker) settleError(job jobs.Job, err error) error {
	if errors.Is(err, app.ErrNotProcessing) || errors.Is(err, app.ErrStaleConversion) {
		w.Log.Warn("discarding result of superseded conversion", "job_id", job.ID, "session_id", job.SessionID)
		return nil
	}
	return fmt.Errorf("settle conversion: %w", err)
}
