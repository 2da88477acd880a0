package jobs

import (
	"time"

	"github.com/jo-hoe/markdrop/internal/app"
	"github.com/jo-hoe/markdrop/internal/document"
)

// Job describes a single file-to-Markdown conversion.
type Job struct {
	ID        string              // conversion id issued by the session's machine
	SessionID string              // owning session
	File      document.SourceFile // the file to convert
	CreatedAt time.Time           // enqueue time
}

// WorkItem pairs a Job with the machine that must be settled once it finishes.
type WorkItem struct {
	Job     Job
	Machine *app.Machine
}
