package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/ftrueblood1015/skillchain/chain"
	"github.com/ftrueblood1015/skillchain/chain/emit"
	"github.com/ftrueblood1015/skillchain/chain/session"
	"github.com/ftrueblood1015/skillchain/chain/store"
	"github.com/ftrueblood1015/skillchain/internal/config"
)

// runtime holds everything opened from a Config. close releases it in
// reverse order.
type runtime struct {
	engine   *chain.Engine
	store    store.Store
	sessions session.Store
	registry *prometheus.Registry
	buffer   *emit.BufferedEmitter
	logger   *slog.Logger
	closers  []func() error
}

func (r *runtime) close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	return errors.Join(errs...)
}

func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// openRuntime opens the configured backends and builds an engine over them.
func openRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger, events io.Writer) (*runtime, error) {
	rt := &runtime{logger: logger, buffer: emit.NewBufferedEmitter()}

	st, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	rt.store = st
	rt.closers = append(rt.closers, st.Close)

	sessions, closeSessions, err := openSessions(ctx, cfg.Session, logger)
	if err != nil {
		_ = rt.close()
		return nil, err
	}
	rt.sessions = sessions
	if closeSessions != nil {
		rt.closers = append(rt.closers, closeSessions)
	}

	emitter, shutdown, err := newEmitter(cfg.Telemetry, logger, events)
	if err != nil {
		_ = rt.close()
		return nil, err
	}
	if shutdown != nil {
		rt.closers = append(rt.closers, shutdown)
	}

	opts := []chain.Option{
		chain.WithLogger(logger),
		chain.WithEmitter(emit.NewMultiEmitter(rt.buffer, emitter)),
		chain.WithSessionDefaults(cfg.Session.Defaults),
	}
	if sessions != nil {
		opts = append(opts, chain.WithSessionStore(sessions))
	}
	if cfg.Telemetry.Metrics {
		rt.registry = prometheus.NewRegistry()
		opts = append(opts, chain.WithMetrics(chain.NewMetrics(rt.registry)))
	}

	rt.engine, err = chain.New(st, opts...)
	if err != nil {
		_ = rt.close()
		return nil, err
	}
	return rt, nil
}

// pinger is implemented by the database-backed stores.
type pinger interface {
	Ping(ctx context.Context) error
}

// storePingTimeout bounds the liveness check run right after opening a
// database-backed store.
const storePingTimeout = 5 * time.Second

func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (store.Store, error) {
	st, err := newStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if p, ok := st.(pinger); ok {
		pingCtx, cancel := context.WithTimeout(ctx, storePingTimeout)
		defer cancel()
		if err := p.Ping(pingCtx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("%s store unreachable: %w", cfg.Backend, err)
		}
	}
	return st, nil
}

func newStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (store.Store, error) {
	backend := strings.ToLower(cfg.Backend)
	logger.Debug("opening store", "backend", backend)

	switch backend {
	case config.StoreMemory:
		return store.NewMemStore(), nil
	case config.StoreSQLite:
		return store.NewSQLiteStore(cfg.SQLitePath)
	case config.StoreMySQL:
		return store.NewMySQLStore(cfg.MySQLDSN)
	case config.StorePostgres:
		return store.NewPostgresStore(ctx, cfg.PostgresStoreConfig())
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// openSessions returns a nil store for the "none" backend.
func openSessions(ctx context.Context, cfg config.SessionConfig, logger *slog.Logger) (session.Store, func() error, error) {
	switch strings.ToLower(cfg.Backend) {
	case config.SessionNone, "":
		return nil, nil, nil
	case config.SessionMemory:
		return session.NewMemoryStore(nil), nil, nil
	case config.SessionBadger:
		bs, err := session.OpenBadgerStore(cfg.BadgerDir, logger)
		if err != nil {
			return nil, nil, err
		}
		return bs, bs.Close, nil
	case config.SessionObject:
		obj, err := session.NewObjectStore(ctx, cfg.ObjectStoreConfig(), logger)
		if err != nil {
			return nil, nil, err
		}
		return obj, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
}

// newEmitter combines the configured event sinks. The returned shutdown
// flushes the tracer provider when otel is enabled.
func newEmitter(cfg config.TelemetryConfig, logger *slog.Logger, w io.Writer) (emit.Emitter, func() error, error) {
	var (
		emitters []emit.Emitter
		shutdown func() error
	)
	for _, name := range cfg.Emitters {
		switch strings.ToLower(name) {
		case config.EmitterNull:
			emitters = append(emitters, emit.NewNullEmitter())
		case config.EmitterLog:
			emitters = append(emitters, emit.NewLogEmitter(w, cfg.JSONEvents))
		case config.EmitterSlog:
			emitters = append(emitters, emit.NewSlogEmitter(logger))
		case config.EmitterOTel:
			tp := sdktrace.NewTracerProvider(
				sdktrace.WithBatcher(&slogSpanExporter{logger: logger.With("component", "tracing")}),
			)
			otelEmitter := emit.NewOTelEmitterFromProvider(tp, "skillchain")
			emitters = append(emitters, otelEmitter)
			shutdown = func() error {
				ctx := context.Background()
				return errors.Join(otelEmitter.Flush(ctx), tp.Shutdown(ctx))
			}
		default:
			return nil, nil, fmt.Errorf("unknown emitter %q", name)
		}
	}
	return emit.NewMultiEmitter(emitters...), shutdown, nil
}

// slogSpanExporter writes finished spans to a logger.
type slogSpanExporter struct {
	logger *slog.Logger
}

func (e *slogSpanExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		attrs := []any{
			"trace_id", span.SpanContext().TraceID().String(),
			"duration", span.EndTime().Sub(span.StartTime()),
		}
		for _, kv := range span.Attributes() {
			attrs = append(attrs, string(kv.Key), attributeValue(kv.Value))
		}
		e.logger.InfoContext(ctx, "span "+span.Name(), attrs...)
	}
	return nil
}

func (e *slogSpanExporter) Shutdown(context.Context) error { return nil }

func attributeValue(v attribute.Value) any {
	switch v.Type() {
	case attribute.BOOL:
		return v.AsBool()
	case attribute.INT64:
		return v.AsInt64()
	case attribute.FLOAT64:
		return v.AsFloat64()
	default:
		return v.Emit()
	}
}
