package history

import "time"

// Entry is one recorded relay invocation.
type Entry struct {
	ID         string    `json:"id"`
	Handler    string    `json:"handler"`
	Input      string    `json:"input"`
	Output     string    `json:"output,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}
