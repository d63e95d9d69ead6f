package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/relay-go/internal/history"
)

type genCall struct {
	model, system, prompt string
}

type mockGenerator struct {
	GenerateFunc func(ctx context.Context, model, system, prompt string) (string, error)

	mu    sync.Mutex
	calls []genCall
}

func (m *mockGenerator) Generate(ctx context.Context, model, system, prompt string) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, genCall{model, system, prompt})
	m.mu.Unlock()
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, model, system, prompt)
	}
	return "", errors.New("mockGenerator: no GenerateFunc configured")
}

func (m *mockGenerator) Calls() []genCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]genCall(nil), m.calls...)
}

func returns(text string) *mockGenerator {
	return &mockGenerator{GenerateFunc: func(context.Context, string, string, string) (string, error) {
		return text, nil
	}}
}

type mockRecorder struct {
	mu      sync.Mutex
	entries []history.Entry
}

func (m *mockRecorder) Save(e history.Entry) {
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
}

func assistantConfig() Config {
	return Config{
		Name:              "assistant",
		SystemInstruction: "You are a friendly assistant!",
		Model:             "gpt-4o",
		DefaultPrompt:     "Why is the sky blue?",
		Response:          ResponseText,
	}
}

func summarizerConfig() Config {
	return Config{
		Name:              "summarizer",
		SystemInstruction: "You are a helpful assistant that summarizes text.",
		Model:             "gpt-4o",
		DefaultPrompt:     "No text provided",
		Response:          ResponseSummary,
	}
}

func strPtr(s string) *string { return &s }

func newRelay(t *testing.T, cfg Config, gen Generator, peers Resolver, opts ...Option) *Relay {
	t.Helper()
	r, err := New(cfg, gen, peers, opts...)
	require.NoError(t, err)
	return r
}

func TestRelay_TextResponse(t *testing.T) {
	gen := returns("Rayleigh scattering.")
	r := newRelay(t, assistantConfig(), gen, nil)

	resp, err := r.Handle(context.Background(), TextRequest("Why is the sky blue?"))
	require.NoError(t, err)
	require.False(t, resp.IsStructured())
	require.Equal(t, "Rayleigh scattering.", resp.Text)

	body, err := resp.Body()
	require.NoError(t, err)
	require.Equal(t, "Rayleigh scattering.", string(body))
	require.Equal(t, ContentTypeText, resp.ContentType())

	require.Equal(t, []genCall{{"gpt-4o", "You are a friendly assistant!", "Why is the sky blue?"}}, gen.Calls())
}

func TestRelay_SummaryResponse(t *testing.T) {
	r := newRelay(t, summarizerConfig(), returns("Short summary."), nil)

	resp, err := r.Handle(context.Background(), TextRequest("Long article..."))
	require.NoError(t, err)
	require.True(t, resp.IsStructured())
	require.Equal(t, &Summary{OriginalText: strPtr("Long article..."), Summary: "Short summary."}, resp.Summary)

	body, err := resp.Body()
	require.NoError(t, err)
	require.JSONEq(t, `{"originalText":"Long article...","summary":"Short summary."}`, string(body))
	require.Equal(t, ContentTypeJSON, resp.ContentType())
}

func TestRelay_DefaultPrompt(t *testing.T) {
	gen := returns("ok")
	r := newRelay(t, summarizerConfig(), gen, nil)

	resp, err := r.Handle(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, "No text provided", gen.Calls()[0].prompt)

	body, err := resp.Body()
	require.NoError(t, err)
	require.JSONEq(t, `{"summary":"ok"}`, string(body), "absent original text is omitted")
}

func TestRelay_EmptyTextIsNotAbsent(t *testing.T) {
	gen := returns("ok")
	r := newRelay(t, assistantConfig(), gen, nil)

	_, err := r.Handle(context.Background(), TextRequest(""))
	require.NoError(t, err)
	require.Equal(t, "", gen.Calls()[0].prompt)
}

func TestRelay_GenerationFailure(t *testing.T) {
	cause := errors.New("quota exceeded")
	gen := &mockGenerator{GenerateFunc: func(context.Context, string, string, string) (string, error) {
		return "", cause
	}}
	rec := &mockRecorder{}
	r := newRelay(t, assistantConfig(), gen, nil, WithRecorder(rec))

	resp, err := r.Handle(context.Background(), TextRequest("hi"))
	require.Error(t, err)
	require.Equal(t, Response{}, resp)
	require.ErrorIs(t, err, ErrGenerationFailure)
	require.ErrorIs(t, err, cause)
	require.NotErrorIs(t, err, ErrCancelled)

	var relayErr *Error
	require.ErrorAs(t, err, &relayErr)
	require.Equal(t, "assistant", relayErr.Handler)
	require.Equal(t, StepGenerate, relayErr.Step)

	require.Len(t, rec.entries, 1)
	require.Equal(t, "generation_failure", rec.entries[0].ErrorKind)
	require.Empty(t, rec.entries[0].Output)
}

func delegatingConfig(target string) Config {
	cfg := assistantConfig()
	cfg.Delegate = &Delegation{Target: target, ContentType: "text/plain"}
	return cfg
}

func TestRelay_DelegationPassesGeneratedText(t *testing.T) {
	var got []Request
	peer := HandlerFunc(func(ctx context.Context, req Request) (Response, error) {
		got = append(got, req)
		return Response{Text: "Blue light scatters more."}, nil
	})
	reg := NewRegistry()
	require.NoError(t, reg.Register("summarizer", peer))

	r := newRelay(t, delegatingConfig("summarizer"), returns("Rayleigh scattering explained at length."), reg)
	require.NoError(t, reg.Register("assistant", r))
	require.NoError(t, reg.Validate())

	resp, err := r.Handle(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, "Blue light scatters more.", resp.Text)

	require.Len(t, got, 1)
	require.Equal(t, "Rayleigh scattering explained at length.", *got[0].Text)
	require.Equal(t, "text/plain", got[0].ContentType)
}

func TestRelay_DelegationReturnsPeerBodyUnchanged(t *testing.T) {
	reg := NewRegistry()
	summarizer := newRelay(t, summarizerConfig(), returns("Short summary."), nil)
	require.NoError(t, reg.Register("summarizer", summarizer))
	assistant := newRelay(t, delegatingConfig("summarizer"), returns("Long answer."), reg)
	require.NoError(t, reg.Register("assistant", assistant))

	resp, err := assistant.Handle(context.Background(), TextRequest("Why is the sky blue?"))
	require.NoError(t, err)
	require.False(t, resp.IsStructured())
	require.JSONEq(t, `{"originalText":"Long answer.","summary":"Short summary."}`, resp.Text)
}

func TestRelay_DelegationSummaryMode(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("shorten", HandlerFunc(func(ctx context.Context, req Request) (Response, error) {
		return Response{Text: "tl;dr"}, nil
	})))
	cfg := summarizerConfig()
	cfg.Delegate = &Delegation{Target: "shorten"}
	r := newRelay(t, cfg, returns("draft"), reg)

	resp, err := r.Handle(context.Background(), TextRequest("Long article..."))
	require.NoError(t, err)
	require.Equal(t, &Summary{OriginalText: strPtr("Long article..."), Summary: "tl;dr"}, resp.Summary)
}

func TestRelay_HandlerNotFound(t *testing.T) {
	gen := returns("generated")
	r := newRelay(t, delegatingConfig("ghost"), gen, NewRegistry())

	resp, err := r.Handle(context.Background(), TextRequest("hi"))
	require.ErrorIs(t, err, ErrHandlerNotFound)
	require.NotErrorIs(t, err, ErrDelegationFailure)
	require.Equal(t, Response{}, resp)
	require.NotContains(t, err.Error(), "generated")

	var relayErr *Error
	require.ErrorAs(t, err, &relayErr)
	require.Equal(t, StepResolve, relayErr.Step)
}

func TestRelay_CancelledBeforeResolve(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gen := &mockGenerator{GenerateFunc: func(context.Context, string, string, string) (string, error) {
		cancel()
		return "generated", nil
	}}
	r := newRelay(t, delegatingConfig("ghost"), gen, NewRegistry())

	_, err := r.Handle(ctx, TextRequest("hi"))
	require.ErrorIs(t, err, ErrCancelled)
	require.NotErrorIs(t, err, ErrHandlerNotFound)
	require.Equal(t, ErrCancelled, KindOf(err))
}

func TestRelay_DelegationFailure(t *testing.T) {
	peerErr := errors.New("peer exploded")
	reg := NewRegistry()
	require.NoError(t, reg.Register("summarizer", HandlerFunc(func(context.Context, Request) (Response, error) {
		return Response{}, peerErr
	})))
	r := newRelay(t, delegatingConfig("summarizer"), returns("generated"), reg)

	_, err := r.Handle(context.Background(), TextRequest("hi"))
	require.ErrorIs(t, err, ErrDelegationFailure)
	require.ErrorIs(t, err, peerErr)
	require.Equal(t, ErrDelegationFailure, KindOf(err))
}

func TestRelay_PeerGenerationFailureSurfacesAsDelegation(t *testing.T) {
	reg := NewRegistry()
	failing := &mockGenerator{GenerateFunc: func(context.Context, string, string, string) (string, error) {
		return "", errors.New("timeout")
	}}
	require.NoError(t, reg.Register("summarizer", newRelay(t, summarizerConfig(), failing, nil)))
	r := newRelay(t, delegatingConfig("summarizer"), returns("generated"), reg)

	_, err := r.Handle(context.Background(), TextRequest("hi"))
	require.Equal(t, ErrDelegationFailure, KindOf(err))
	require.ErrorIs(t, err, ErrGenerationFailure, "peer cause stays reachable")
}

func TestRelay_CancelledBeforeGeneration(t *testing.T) {
	gen := returns("never")
	r := newRelay(t, assistantConfig(), gen, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Handle(ctx, TextRequest("hi"))
	require.ErrorIs(t, err, ErrCancelled)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, gen.Calls())
}

func TestRelay_CancelledDuringGeneration(t *testing.T) {
	gen := &mockGenerator{GenerateFunc: func(ctx context.Context, _, _, _ string) (string, error) {
		<-ctx.Done()
		return "", fmt.Errorf("http request: %w", ctx.Err())
	}}
	r := newRelay(t, assistantConfig(), gen, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Handle(ctx, TextRequest("hi"))
	require.ErrorIs(t, err, ErrCancelled)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotErrorIs(t, err, ErrGenerationFailure)
}

// A generator error that wraps context.Canceled while the caller is still
// waiting is the generator's failure, not a cancellation.
func TestRelay_GeneratorCanceledWithLiveContext(t *testing.T) {
	gen := &mockGenerator{GenerateFunc: func(context.Context, string, string, string) (string, error) {
		return "", fmt.Errorf("upstream stream aborted: %w", context.Canceled)
	}}
	r := newRelay(t, assistantConfig(), gen, nil)

	_, err := r.Handle(context.Background(), TextRequest("hi"))
	require.ErrorIs(t, err, ErrGenerationFailure)
	require.NotErrorIs(t, err, ErrCancelled)
	require.Equal(t, ErrGenerationFailure, KindOf(err))
}

func TestRelay_CancelPropagatesToPeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peerSawCancel := make(chan struct{})
	reg := NewRegistry()
	require.NoError(t, reg.Register("summarizer", HandlerFunc(func(ctx context.Context, _ Request) (Response, error) {
		cancel()
		<-ctx.Done()
		close(peerSawCancel)
		return Response{}, ctx.Err()
	})))
	r := newRelay(t, delegatingConfig("summarizer"), returns("generated"), reg)

	_, err := r.Handle(ctx, TextRequest("hi"))
	require.ErrorIs(t, err, ErrCancelled)
	require.NotErrorIs(t, err, ErrDelegationFailure)
	<-peerSawCancel
}

func TestRelay_StatelessAcrossInvocations(t *testing.T) {
	gen := &mockGenerator{GenerateFunc: func(_ context.Context, _, _, prompt string) (string, error) {
		return "echo:" + prompt, nil
	}}
	rec := &mockRecorder{}
	r := newRelay(t, summarizerConfig(), gen, nil, WithRecorder(rec))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			in := fmt.Sprintf("text-%d", i)
			resp, err := r.Handle(context.Background(), TextRequest(in))
			if err != nil {
				t.Errorf("invocation %d: %v", i, err)
				return
			}
			if resp.Summary.Summary != "echo:"+in || *resp.Summary.OriginalText != in {
				t.Errorf("invocation %d: unexpected response %+v", i, resp.Summary)
			}
		}(i)
	}
	wg.Wait()

	first, err := r.Handle(context.Background(), TextRequest("same"))
	require.NoError(t, err)
	second, err := r.Handle(context.Background(), TextRequest("same"))
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Len(t, rec.entries, 34)
}

func TestRelay_RecordsSuccess(t *testing.T) {
	rec := &mockRecorder{}
	r := newRelay(t, summarizerConfig(), returns("Short summary."), nil, WithRecorder(rec))

	_, err := r.Handle(context.Background(), TextRequest("Long article..."))
	require.NoError(t, err)

	require.Len(t, rec.entries, 1)
	e := rec.entries[0]
	require.NotEmpty(t, e.ID)
	require.Equal(t, "summarizer", e.Handler)
	require.Equal(t, "Long article...", e.Input)
	require.JSONEq(t, `{"originalText":"Long article...","summary":"Short summary."}`, e.Output)
	require.Empty(t, e.ErrorKind)
}

func TestNew_Validation(t *testing.T) {
	gen := returns("x")

	_, err := New(Config{}, gen, nil)
	require.ErrorContains(t, err, "name is required")

	_, err = New(assistantConfig(), nil, nil)
	require.ErrorContains(t, err, "generator is required")

	_, err = New(delegatingConfig("summarizer"), gen, nil)
	require.ErrorContains(t, err, "requires a resolver")

	cfg := assistantConfig()
	cfg.Response = "xml"
	_, err = New(cfg, gen, nil)
	require.ErrorContains(t, err, "unsupported response mode")

	cfg = assistantConfig()
	cfg.Response = ""
	cfg.Delegate = &Delegation{Target: "summarizer"}
	r, err := New(cfg, gen, NewRegistry())
	require.NoError(t, err)
	require.Equal(t, ResponseText, r.Config().Response)
	require.Equal(t, ContentTypeText, r.Config().Delegate.ContentType)
}
