// Package agent turns configuration into a validated registry of relay
// handlers: local relays backed by the generator, and remote MCP peers.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/comigor/relay-go/internal/config"
	"github.com/comigor/relay-go/internal/logger"
	"github.com/comigor/relay-go/internal/peer"
	"github.com/comigor/relay-go/internal/relay"
)

// RemoteHandler is a remote peer that must be closed on shutdown.
type RemoteHandler interface {
	relay.Handler
	Close() error
}

// Dialer connects to a configured peer.
type Dialer func(ctx context.Context, cfg config.PeerConfig) (RemoteHandler, error)

// Agents owns the registry and the remote peers behind it.
type Agents struct {
	Registry *relay.Registry
	remotes  []RemoteHandler
}

type options struct {
	recorder relay.Recorder
	dialer   Dialer
}

type Option func(*options)

// WithRecorder records every local relay invocation.
func WithRecorder(rec relay.Recorder) Option {
	return func(o *options) { o.recorder = rec }
}

// WithDialer replaces the MCP dialer used for peers.
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// DefaultDialer dials peers over MCP.
func DefaultDialer(version string) Dialer {
	return func(ctx context.Context, cfg config.PeerConfig) (RemoteHandler, error) {
		return peer.Dial(ctx, cfg, version)
	}
}

// RelayConfig converts a handler entry into the relay's explicit
// configuration. An empty model falls back to defaultModel.
func RelayConfig(h config.HandlerConfig, defaultModel string) relay.Config {
	cfg := relay.Config{
		Name:              h.Name,
		SystemInstruction: h.SystemInstruction,
		Model:             h.Model,
		DefaultPrompt:     h.DefaultPrompt,
		Response:          relay.ResponseMode(h.Response),
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if h.DelegateTo != "" {
		cfg.Delegate = &relay.Delegation{Target: h.DelegateTo, ContentType: h.DelegateContentType}
	}
	return cfg
}

// New creates the registry from appCfg. Peers that fail to connect are
// skipped with a warning; New still fails if a handler delegates to one.
func New(ctx context.Context, gen relay.Generator, appCfg config.Config, opts ...Option) (*Agents, error) {
	o := &options{dialer: DefaultDialer("dev")}
	for _, opt := range opts {
		opt(o)
	}

	a := &Agents{Registry: relay.NewRegistry()}

	for _, peerCfg := range appCfg.Peers {
		remote, err := o.dialer(ctx, peerCfg)
		if err != nil {
			logger.L.Error("Failed to connect remote peer. Skipping.", "name", peerCfg.Name, "error", err)
			continue
		}
		a.remotes = append(a.remotes, remote)
		if err := a.Registry.Register(peerCfg.Name, remote); err != nil {
			return nil, errors.Join(err, a.Close())
		}
		logger.L.Info("Registered remote peer", "name", peerCfg.Name, "tool", peerCfg.Tool)
	}

	var relayOpts []relay.Option
	if o.recorder != nil {
		relayOpts = append(relayOpts, relay.WithRecorder(o.recorder))
	}
	for _, h := range appCfg.Handlers {
		r, err := relay.New(RelayConfig(h, appCfg.LLM.Model), gen, a.Registry, relayOpts...)
		if err != nil {
			return nil, errors.Join(err, a.Close())
		}
		if err := a.Registry.Register(h.Name, r); err != nil {
			return nil, errors.Join(err, a.Close())
		}
		logger.L.Info("Registered relay handler", "name", h.Name, "delegate_to", h.DelegateTo, "response", h.Response)
	}

	if len(a.remotes) == 0 && len(appCfg.Peers) > 0 {
		logger.L.Warn("No remote peers were connected despite peers configured.", "length", len(appCfg.Peers))
	}

	if err := a.Registry.Validate(); err != nil {
		return nil, errors.Join(fmt.Errorf("validate handlers: %w", err), a.Close())
	}
	return a, nil
}

// Close closes every remote peer.
func (a *Agents) Close() error {
	var errs []error
	for _, r := range a.remotes {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.remotes = nil
	return errors.Join(errs...)
}
