package relay

import (
	"context"
	"encoding/json"
)

const (
	ContentTypeText = "text/plain"
	ContentTypeJSON = "application/json"
)

// Request is the input of one invocation. A nil Text means the caller sent
// no text; an empty string is a present, empty prompt.
type Request struct {
	Text        *string
	ContentType string
}

// TextRequest builds a plain-text request carrying s.
func TextRequest(s string) Request {
	return Request{Text: &s, ContentType: ContentTypeText}
}

// Summary is the structured response shape.
type Summary struct {
	OriginalText *string `json:"originalText,omitempty"`
	Summary      string  `json:"summary"`
}

// Response is either plain text or a Summary, never both.
type Response struct {
	Text    string
	Summary *Summary
}

// IsStructured reports whether r carries a Summary record.
func (r Response) IsStructured() bool { return r.Summary != nil }

// ContentType is the media type of Body.
func (r Response) ContentType() string {
	if r.IsStructured() {
		return ContentTypeJSON
	}
	return ContentTypeText
}

// Body renders the response payload: the JSON record for summaries, the text otherwise.
func (r Response) Body() ([]byte, error) {
	if r.IsStructured() {
		return json.Marshal(r.Summary)
	}
	return []byte(r.Text), nil
}

// Handler is anything that can serve a relay request: a local Relay, a remote
// peer, or a test double.
type Handler interface {
	Handle(ctx context.Context, req Request) (Response, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req Request) (Response, error)

func (f HandlerFunc) Handle(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Generator is the text generation capability a Relay calls.
type Generator interface {
	Generate(ctx context.Context, model, system, prompt string) (string, error)
}

// Resolver looks up peer handlers by logical name.
type Resolver interface {
	Resolve(name string) (Handler, error)
}
