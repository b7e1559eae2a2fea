package chain

import (
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ftrueblood1015/skillchain/chain/emit"
	"github.com/ftrueblood1015/skillchain/chain/model"
	"github.com/ftrueblood1015/skillchain/chain/session"
)

// Option is a functional option for configuring an Engine.
//
// Example:
//
//	engine, err := chain.New(st,
//	    chain.WithLogger(logger),
//	    chain.WithMetrics(chain.NewMetrics(registry)),
//	    chain.WithSessionStore(sessions),
//	)
type Option func(*engineConfig) error

// engineConfig collects options before they are applied to an Engine.
type engineConfig struct {
	emitter         emit.Emitter
	logger          *slog.Logger
	metrics         *Metrics
	policy          Policy
	observers       []Observer
	loader          ContextLoader
	now             func() time.Time
	newID           func() string
	registry        SkillRegistry
	tickets         TicketLookup
	sessions        session.Store
	sessionDefaults model.SessionOptions
}

func defaultConfig() engineConfig {
	return engineConfig{
		emitter: emit.NewNullEmitter(),
		logger:  slog.Default(),
		policy:  DefaultPolicy{},
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// WithEmitter sets the observability event sink. Default: NullEmitter.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *engineConfig) error {
		if e == nil {
			return errors.New("emitter must not be nil")
		}
		cfg.emitter = e
		return nil
	}
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(cfg *engineConfig) error {
		if l == nil {
			return errors.New("logger must not be nil")
		}
		cfg.logger = l
		return nil
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(cfg *engineConfig) error {
		cfg.metrics = m
		return nil
	}
}

// WithPolicy replaces DefaultPolicy.
func WithPolicy(p Policy) Option {
	return func(cfg *engineConfig) error {
		if p == nil {
			return errors.New("policy must not be nil")
		}
		cfg.policy = p
		return nil
	}
}

// WithObserver registers an observer. Observers are notified in
// registration order after the session bridge.
func WithObserver(o Observer) Option {
	return func(cfg *engineConfig) error {
		if o == nil {
			return errors.New("observer must not be nil")
		}
		cfg.observers = append(cfg.observers, o)
		return nil
	}
}

// WithContextLoader sets the source of auto-loaded context on Start. When a
// session store is configured its bridge is used unless this overrides it.
func WithContextLoader(l ContextLoader) Option {
	return func(cfg *engineConfig) error {
		cfg.loader = l
		return nil
	}
}

// WithClock replaces time.Now. Useful for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(cfg *engineConfig) error {
		if now == nil {
			return errors.New("clock must not be nil")
		}
		cfg.now = now
		return nil
	}
}

// WithIDGenerator replaces the UUID generator used for record ids.
func WithIDGenerator(newID func() string) Option {
	return func(cfg *engineConfig) error {
		if newID == nil {
			return errors.New("id generator must not be nil")
		}
		cfg.newID = newID
		return nil
	}
}

// WithSkillRegistry validates skill and agent references on publish.
func WithSkillRegistry(r SkillRegistry) Option {
	return func(cfg *engineConfig) error {
		cfg.registry = r
		return nil
	}
}

// WithTicketLookup records ticket keys on Start. Lookup failures are logged
// and never block a start.
func WithTicketLookup(t TicketLookup) Option {
	return func(cfg *engineConfig) error {
		cfg.tickets = t
		return nil
	}
}

// WithSessionStore enables the checkpoint/session bridge over s.
func WithSessionStore(s session.Store) Option {
	return func(cfg *engineConfig) error {
		cfg.sessions = s
		return nil
	}
}

// WithSessionDefaults fills unset fields of the session options passed to
// Start. When Start receives no options at all the defaults apply as-is.
func WithSessionDefaults(opts model.SessionOptions) Option {
	return func(cfg *engineConfig) error {
		if opts.TTLHours < 0 {
			return errors.New("session ttl hours must be >= 0")
		}
		cfg.sessionDefaults = opts
		return nil
	}
}
