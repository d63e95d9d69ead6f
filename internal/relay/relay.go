package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qmuntal/stateless"

	"github.com/comigor/relay-go/internal/history"
	"github.com/comigor/relay-go/internal/logger"
)

// ResponseMode selects the shape of a Relay's response.
type ResponseMode string

const (
	// ResponseText returns the derived text as is.
	ResponseText ResponseMode = "text"
	// ResponseSummary pairs the original request text with the derived text.
	ResponseSummary ResponseMode = "summary"
)

// Delegation names the peer a Relay hands its generated text to, and the
// content type declared on that hand-off.
type Delegation struct {
	Target      string
	ContentType string
}

// Config is the explicit, per-instance configuration of a Relay.
type Config struct {
	Name              string
	SystemInstruction string
	Model             string
	// DefaultPrompt replaces the request text when the request carries none.
	DefaultPrompt string
	Delegate      *Delegation
	Response      ResponseMode
}

// Recorder receives one entry per finished invocation.
type Recorder interface {
	Save(e history.Entry)
}

type Option func(*Relay)

// WithRecorder makes the Relay record every invocation, successful or not.
func WithRecorder(rec Recorder) Option {
	return func(r *Relay) {
		r.recorder = rec
	}
}

// Relay forwards a request to a Generator and optionally to a peer handler.
// It holds configuration only; every call to Handle is independent.
type Relay struct {
	cfg      Config
	gen      Generator
	peers    Resolver
	recorder Recorder
}

// New creates a Relay. peers may be nil when cfg has no delegation.
func New(cfg Config, gen Generator, peers Resolver, opts ...Option) (*Relay, error) {
	if cfg.Name == "" {
		return nil, errors.New("relay: name is required")
	}
	if gen == nil {
		return nil, fmt.Errorf("relay %s: generator is required", cfg.Name)
	}
	if cfg.Delegate != nil {
		d := *cfg.Delegate
		cfg.Delegate = &d
		if cfg.Delegate.Target == "" {
			return nil, fmt.Errorf("relay %s: delegation without target", cfg.Name)
		}
		if peers == nil {
			return nil, fmt.Errorf("relay %s: delegation requires a resolver", cfg.Name)
		}
		if cfg.Delegate.ContentType == "" {
			cfg.Delegate.ContentType = ContentTypeText
		}
	}
	switch cfg.Response {
	case "":
		cfg.Response = ResponseText
	case ResponseText, ResponseSummary:
	default:
		return nil, fmt.Errorf("relay %s: unsupported response mode %q", cfg.Name, cfg.Response)
	}

	r := &Relay{cfg: cfg, gen: gen, peers: peers}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Relay) Name() string { return r.cfg.Name }

// Config returns a copy of the Relay's configuration.
func (r *Relay) Config() Config {
	cfg := r.cfg
	if cfg.Delegate != nil {
		d := *cfg.Delegate
		cfg.Delegate = &d
	}
	return cfg
}

// Pipeline states
type pipelineState string

const (
	stateReceived   pipelineState = "Received"
	stateGenerating pipelineState = "Generating"
	stateDelegating pipelineState = "Delegating"
	stateResponded  pipelineState = "Responded" // Terminal: response built
	stateFailed     pipelineState = "Failed"    // Terminal: invocation failed
)

// Pipeline triggers
type pipelineTrigger string

const (
	triggerStart     pipelineTrigger = "Start"
	triggerGenerated pipelineTrigger = "Generated"
	triggerDelegated pipelineTrigger = "Delegated"
	triggerFail      pipelineTrigger = "Fail"
)

// invocation is the state of a single Handle call.
type invocation struct {
	req       Request
	prompt    string
	generated string
	derived   string
	resp      Response
}

// prompt applies the default-prompt policy: absent text becomes DefaultPrompt.
func (r *Relay) prompt(req Request) string {
	if req.Text == nil {
		return r.cfg.DefaultPrompt
	}
	return *req.Text
}

// pipeline builds the state machine of one invocation:
//
//	Received -> Generating -> [Delegating ->] Responded
//
// with every non-terminal state able to move to Failed.
func (r *Relay) pipeline(inv *invocation) *stateless.StateMachine {
	fsm := stateless.NewStateMachine(stateReceived)
	delegates := func(_ context.Context, _ ...any) bool { return r.cfg.Delegate != nil }
	responds := func(_ context.Context, _ ...any) bool { return r.cfg.Delegate == nil }

	fsm.Configure(stateReceived).
		Permit(triggerStart, stateGenerating).
		Permit(triggerFail, stateFailed)

	fsm.Configure(stateGenerating).
		OnEntry(func(ctx context.Context, _ ...any) error {
			return r.generate(ctx, inv)
		}).
		Permit(triggerGenerated, stateDelegating, delegates).
		Permit(triggerGenerated, stateResponded, responds).
		Permit(triggerFail, stateFailed)

	fsm.Configure(stateDelegating).
		OnEntry(func(ctx context.Context, _ ...any) error {
			return r.delegate(ctx, inv)
		}).
		Permit(triggerDelegated, stateResponded).
		Permit(triggerFail, stateFailed)

	fsm.Configure(stateResponded).
		OnEntry(func(_ context.Context, _ ...any) error {
			r.respond(inv)
			return nil
		})

	fsm.Configure(stateFailed).
		OnEntry(func(_ context.Context, args ...any) error {
			if len(args) > 0 {
				if err, ok := args[0].(error); ok {
					logger.L.Error("relay invocation failed", "handler", r.cfg.Name, "kind", KindName(KindOf(err)), "error", err)
				}
			}
			return nil
		})

	return fsm
}

func (r *Relay) generate(ctx context.Context, inv *invocation) error {
	if err := ctx.Err(); err != nil {
		return fail(ctx, r.cfg.Name, StepGenerate, ErrCancelled, err)
	}
	logger.L.Debug("relay generating", "handler", r.cfg.Name, "model", r.cfg.Model)
	text, err := r.gen.Generate(ctx, r.cfg.Model, r.cfg.SystemInstruction, inv.prompt)
	if err != nil {
		return fail(ctx, r.cfg.Name, StepGenerate, ErrGenerationFailure, err)
	}
	inv.generated = text
	inv.derived = text
	return nil
}

func (r *Relay) delegate(ctx context.Context, inv *invocation) error {
	target := r.cfg.Delegate.Target
	peer, err := r.peers.Resolve(target)
	if err != nil {
		return fail(ctx, r.cfg.Name, StepResolve, ErrHandlerNotFound, err)
	}
	if err := ctx.Err(); err != nil {
		return fail(ctx, r.cfg.Name, StepDelegate, ErrCancelled, err)
	}

	logger.L.Debug("relay delegating", "handler", r.cfg.Name, "peer", target)
	text := inv.generated
	resp, err := peer.Handle(ctx, Request{Text: &text, ContentType: r.cfg.Delegate.ContentType})
	if err != nil {
		return fail(ctx, r.cfg.Name, StepDelegate, ErrDelegationFailure, fmt.Errorf("peer %s: %w", target, err))
	}
	body, err := resp.Body()
	if err != nil {
		return &Error{Kind: ErrDelegationFailure, Handler: r.cfg.Name, Step: StepDelegate, Err: err}
	}
	inv.derived = string(body)
	return nil
}

func (r *Relay) respond(inv *invocation) {
	if r.cfg.Response == ResponseSummary {
		inv.resp = Response{Summary: &Summary{OriginalText: inv.req.Text, Summary: inv.derived}}
		return
	}
	inv.resp = Response{Text: inv.derived}
}

// Handle runs one invocation. On failure it returns a *Error and no response.
func (r *Relay) Handle(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	inv := &invocation{req: req, prompt: r.prompt(req)}

	err := r.run(ctx, inv)
	r.record(inv, start, err)
	if err != nil {
		return Response{}, err
	}
	logger.L.Info("relay invocation done", "handler", r.cfg.Name, "duration", time.Since(start))
	return inv.resp, nil
}

func (r *Relay) run(ctx context.Context, inv *invocation) error {
	fsm := r.pipeline(inv)

	fireErr := fsm.FireCtx(ctx, triggerStart)
	if fireErr == nil {
		fireErr = fsm.FireCtx(ctx, triggerGenerated)
	}
	if fireErr == nil && fsm.MustState() == stateDelegating {
		fireErr = fsm.FireCtx(ctx, triggerDelegated)
	}
	if fireErr != nil {
		var relayErr *Error
		if !errors.As(fireErr, &relayErr) {
			// A transition the machine refused: a bug, not a step failure.
			relayErr = &Error{Kind: ErrGenerationFailure, Handler: r.cfg.Name, Step: "pipeline", Err: fireErr}
		}
		if err := fsm.FireCtx(context.WithoutCancel(ctx), triggerFail, relayErr); err != nil {
			logger.L.Warn("relay FSM fail transition error", "handler", r.cfg.Name, "error", err)
		}
		return relayErr
	}
	if state := fsm.MustState(); state != stateResponded {
		return &Error{Kind: ErrGenerationFailure, Handler: r.cfg.Name, Step: "pipeline", Err: fmt.Errorf("ended in state %v", state)}
	}
	return nil
}

func (r *Relay) record(inv *invocation, start time.Time, err error) {
	if r.recorder == nil {
		return
	}
	e := history.Entry{
		ID:         uuid.NewString(),
		Handler:    r.cfg.Name,
		Input:      inv.prompt,
		DurationMS: time.Since(start).Milliseconds(),
		CreatedAt:  start.UTC(),
	}
	if err != nil {
		e.ErrorKind = KindName(KindOf(err))
		e.Error = err.Error()
	} else if body, bodyErr := inv.resp.Body(); bodyErr == nil {
		e.Output = string(body)
	}
	r.recorder.Save(e)
}
