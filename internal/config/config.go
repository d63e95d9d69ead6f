package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ClientType selects the MCP transport used to reach a remote peer.
type ClientType string

const (
	ClientTypeSSE            ClientType = "sse"
	ClientTypeStreamableHTTP ClientType = "streamable_http"
	ClientTypeStdio          ClientType = "stdio"
)

// Response modes a handler can emit.
const (
	ResponseText    = "text"
	ResponseSummary = "summary"
)

// Config holds the application configuration
type Config struct {
	LLM      LLMConfig
	Server   ServerConfig
	Log      LogConfig
	History  HistoryConfig
	Handlers []HandlerConfig `mapstructure:"handlers"`
	Peers    []PeerConfig    `mapstructure:"peers"`
}

// LLMConfig holds the LLM configuration
type LLMConfig struct {
	Provider string        `mapstructure:"provider"`
	BaseURL  string        `mapstructure:"base_url"`
	APIKey   string        `mapstructure:"api_key"`
	Model    string        `mapstructure:"model"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           string        `mapstructure:"port"`
	Transport      string        `mapstructure:"transport"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"`
}

// HandlerConfig describes one relay handler. DefaultPrompt is substituted when
// a request carries no text; DelegateTo names a handler or peer.
type HandlerConfig struct {
	Name                string `mapstructure:"name"`
	SystemInstruction   string `mapstructure:"system_instruction"`
	Model               string `mapstructure:"model"`
	DefaultPrompt       string `mapstructure:"default_prompt"`
	DelegateTo          string `mapstructure:"delegate_to"`
	DelegateContentType string `mapstructure:"delegate_content_type"`
	Response            string `mapstructure:"response"`
}

// PeerConfig describes a handler served by a remote MCP server.
type PeerConfig struct {
	Name    string            `mapstructure:"name"`
	Type    ClientType        `mapstructure:"type"`
	URL     string            `mapstructure:"url"`
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
	Headers map[string]string `mapstructure:"headers"`
	Tool    string            `mapstructure:"tool"`
}

// DefaultHandlers returns the two built-in handlers: an assistant that hands
// its answer to the summarizer, and the summarizer itself.
func DefaultHandlers() []HandlerConfig {
	return []HandlerConfig{
		{
			Name:                "assistant",
			SystemInstruction:   "You are a friendly assistant!",
			Model:               "gpt-4o",
			DefaultPrompt:       "Why is the sky blue?",
			DelegateTo:          "summarizer",
			DelegateContentType: "text/plain",
			Response:            ResponseText,
		},
		{
			Name:              "summarizer",
			SystemInstruction: "You are a helpful assistant that summarizes text.",
			Model:             "gpt-4o",
			DefaultPrompt:     "No text provided",
			Response:          ResponseSummary,
		},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.transport", "http")
	v.SetDefault("server.request_timeout", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("history.enabled", true)
	v.SetDefault("history.db_path", "history.db")
}

// Load loads the configuration from config.yaml in the working directory, or
// from the file named by CONFIG_PATH. A missing config.yaml is not an error
// when CONFIG_PATH is unset: defaults and environment variables apply.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("llm.api_key", "RELAY_LLM_API_KEY", "OPENAI_API_KEY"); err != nil {
		return nil, err
	}

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	if len(config.Handlers) == 0 {
		config.Handlers = DefaultHandlers()
	}
	for i := range config.Handlers {
		if config.Handlers[i].Response == "" {
			config.Handlers[i].Response = ResponseText
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

// Validate checks provider, transport, handler and peer settings, including
// that delegation targets exist and never form a cycle.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "openai", "ollama":
	default:
		return fmt.Errorf("unsupported llm provider %q (supported: openai, ollama)", c.LLM.Provider)
	}
	switch c.Server.Transport {
	case "http", "mcp":
	default:
		return fmt.Errorf("unsupported server transport %q (supported: http, mcp)", c.Server.Transport)
	}

	names := make(map[string]bool, len(c.Handlers)+len(c.Peers))
	delegates := make(map[string]string, len(c.Handlers))
	for _, h := range c.Handlers {
		if h.Name == "" {
			return errors.New("handler without name")
		}
		if names[h.Name] {
			return fmt.Errorf("duplicate handler name %q", h.Name)
		}
		names[h.Name] = true
		switch h.Response {
		case ResponseText, ResponseSummary:
		default:
			return fmt.Errorf("handler %q: unsupported response mode %q", h.Name, h.Response)
		}
		if h.DelegateTo != "" {
			delegates[h.Name] = h.DelegateTo
		}
	}
	for _, p := range c.Peers {
		if p.Name == "" {
			return errors.New("peer without name")
		}
		if names[p.Name] {
			return fmt.Errorf("duplicate handler name %q", p.Name)
		}
		names[p.Name] = true
		switch p.Type {
		case ClientTypeSSE, ClientTypeStreamableHTTP:
			if p.URL == "" {
				return fmt.Errorf("peer %q: url is required for %s", p.Name, p.Type)
			}
		case ClientTypeStdio:
			if p.Command == "" {
				return fmt.Errorf("peer %q: command is required for stdio", p.Name)
			}
		default:
			return fmt.Errorf("peer %q: unsupported type %q (supported: sse, streamable_http, stdio)", p.Name, p.Type)
		}
	}

	for name, target := range delegates {
		if !names[target] {
			return fmt.Errorf("handler %q delegates to unknown handler %q", name, target)
		}
		seen := map[string]bool{name: true}
		for next, ok := target, true; ok; next, ok = delegates[next] {
			if seen[next] {
				return fmt.Errorf("handler %q: delegation cycle through %q", name, next)
			}
			seen[next] = true
		}
	}
	return nil
}
