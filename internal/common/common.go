package common

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderPrefer       = "Prefer"
	PreferRespondAsync = "respond-async"
	ContentTypeJSON    = "application/json"
	ContentTypeHTML    = "text/html; charset=utf-8"
	ContentTypeOctet   = "application/octet-stream"
)

// API paths
const (
	PathIndex    = "/"
	PathHealthz  = "/healthz"
	PathSessions = "/v1/sessions"
)

// Defaults and limits
const (
	DefaultQueueCapacity = 128
	DefaultWorkerCount   = 4
)

// MIME types
const (
	MimePDF       = "application/pdf"
	MimeImagePNG  = "image/png"
	MimeImageJPEG = "image/jpeg"
	MimeImageWebP = "image/webp"
	MimeTextPlain = "text/plain"
	MimeTextCSV   = "text/csv"
	MimeJSON      = "application/json"
	MimeMarkdown  = "text/markdown"
)

// AcceptedExtensions is what the front-end file picker offers. It is a hint for
// the picker, the server forwards files with other extensions unchanged.
var AcceptedExtensions = map[string]string{
	".pdf":  MimePDF,
	".png":  MimeImagePNG,
	".jpg":  MimeImageJPEG,
	".jpeg": MimeImageJPEG,
	".webp": MimeImageWebP,
	".txt":  MimeTextPlain,
	".csv":  MimeTextCSV,
	".json": MimeJSON,
	".md":   MimeMarkdown,
}

// Subdirectory names
const (
	UploadsDirName = "uploads"
)

// User-facing failure texts
const (
	FailureTitle         = "Conversion Failed"
	FallbackFailure      = "Failed to convert file."
	EmptyResponseFailure = "No text generated from the model."
)
