package emit

import (
	"context"
	"log/slog"
	"sort"
)

// SlogEmitter forwards events to a structured logger. Events carrying an
// "error" meta key are logged at Warn, everything else at Info.
type SlogEmitter struct {
	logger *slog.Logger
}

// NewSlogEmitter creates a SlogEmitter. A nil logger means slog.Default().
func NewSlogEmitter(logger *slog.Logger) *SlogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogEmitter{logger: logger.With("component", "skillchain")}
}

// Emit logs the event.
func (s *SlogEmitter) Emit(event Event) {
	level := slog.LevelInfo
	if _, ok := event.Meta["error"]; ok {
		level = slog.LevelWarn
	}

	attrs := []slog.Attr{
		slog.String("execution_id", event.ExecutionID),
		slog.String("chain_id", event.ChainID),
	}
	if event.LinkID != "" {
		attrs = append(attrs, slog.String("link_id", event.LinkID), slog.Int("attempt", event.Attempt))
	}

	keys := make([]string, 0, len(event.Meta))
	for k := range event.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, event.Meta[k]))
	}

	s.logger.LogAttrs(context.Background(), level, event.Msg, attrs...)
}
