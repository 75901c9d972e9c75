package realtime

import (
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"go-chat-realtime/internal/config"
	"go-chat-realtime/internal/protocol"
)

// Options configure a Manager. Zero durations and counts take the defaults
// below; set ReconnectionAttempts to a negative value to disable
// reconnection.
type Options struct {
	URL        string
	Path       string
	Token      string
	Transports []string

	// DisableUpgrade keeps a polling session on polling.
	DisableUpgrade bool

	ReconnectionAttempts int
	ReconnectionDelay    time.Duration
	ReconnectionDelayMax time.Duration
	BackoffFactor        float64
	Timeout              time.Duration
	ProbeInterval        time.Duration

	Logger *slog.Logger
}

const (
	defaultPath                 = "/api/socket/io"
	defaultReconnectionAttempts = 10
	defaultReconnectionDelay    = time.Second
	defaultReconnectionDelayMax = 5 * time.Second
	defaultBackoffFactor        = 2
	defaultTimeout              = 20 * time.Second
	defaultProbeInterval        = 5 * time.Second
)

// OptionsFromConfig maps the client YAML config onto Options.
func OptionsFromConfig(cfg *config.ClientConfig, logger *slog.Logger) Options {
	upgrade := true
	if cfg.Connection.Upgrade != nil {
		upgrade = *cfg.Connection.Upgrade
	}
	return Options{
		URL:                  cfg.BaseURL,
		Path:                 cfg.SocketPath,
		Token:                cfg.Token,
		Transports:           cfg.Connection.Transports,
		DisableUpgrade:       !upgrade,
		ReconnectionAttempts: cfg.Connection.ReconnectionAttempts,
		ReconnectionDelay:    cfg.Connection.ReconnectionDelay,
		ReconnectionDelayMax: cfg.Connection.ReconnectionDelayMax,
		BackoffFactor:        cfg.Connection.BackoffFactor,
		Timeout:              cfg.Connection.Timeout,
		ProbeInterval:        cfg.Connection.ProbeInterval,
		Logger:               logger,
	}
}

func (o Options) withDefaults() Options {
	if o.Path == "" {
		o.Path = defaultPath
	}
	if len(o.Transports) == 0 {
		o.Transports = []string{protocol.TransportPolling, protocol.TransportWebsocket}
	}
	if o.ReconnectionAttempts == 0 {
		o.ReconnectionAttempts = defaultReconnectionAttempts
	}
	if o.ReconnectionAttempts < 0 {
		o.ReconnectionAttempts = 0
	}
	if o.ReconnectionDelay <= 0 {
		o.ReconnectionDelay = defaultReconnectionDelay
	}
	if o.ReconnectionDelayMax <= 0 {
		o.ReconnectionDelayMax = defaultReconnectionDelayMax
	}
	if o.BackoffFactor < 1 {
		o.BackoffFactor = defaultBackoffFactor
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = defaultProbeInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// newBackOff yields min(delay * factor^n, max) for n = 0, 1, ... without
// jitter and without giving up.
func (o Options) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.ReconnectionDelay
	b.MaxInterval = o.ReconnectionDelayMax
	b.Multiplier = o.BackoffFactor
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (o Options) wants(transport string) bool {
	for _, t := range o.Transports {
		if t == transport {
			return true
		}
	}
	return false
}
