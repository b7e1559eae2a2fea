package emit

import (
	"fmt"
	"io"
	"os"
	"sync"

	json "github.com/goccy/go-json"
)

// LogEmitter writes one line per event to a writer.
//
// Supports two output modes:
//   - Text mode (default): human-readable key=value pairs
//   - JSON mode: one JSON object per line
//
// Example text output:
//
//	[link_outcome] execution=exec-1 chain=review link=lint attempt=2 meta={"decision":"RetrySameLink"}
//
// Example JSON output:
//
//	{"executionID":"exec-1","chainID":"review","linkID":"lint","attempt":2,"msg":"link_outcome","meta":{"decision":"RetrySameLink"}}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter. A nil writer means os.Stdout.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{
		writer:   writer,
		jsonMode: jsonMode,
	}
}

// Emit writes the event in the configured format.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		ExecutionID string                 `json:"executionID"`
		ChainID     string                 `json:"chainID"`
		LinkID      string                 `json:"linkID,omitempty"`
		Attempt     int                    `json:"attempt,omitempty"`
		Msg         string                 `json:"msg"`
		Meta        map[string]interface{} `json:"meta"`
	}{
		ExecutionID: event.ExecutionID,
		ChainID:     event.ChainID,
		LinkID:      event.LinkID,
		Attempt:     event.Attempt,
		Msg:         event.Msg,
		Meta:        event.Meta,
	})
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] execution=%s chain=%s", event.Msg, event.ExecutionID, event.ChainID)
	if event.LinkID != "" {
		fmt.Fprintf(l.writer, " link=%s attempt=%d", event.LinkID, event.Attempt)
	}

	if len(event.Meta) > 0 {
		metaJSON, err := json.Marshal(event.Meta)
		if err == nil {
			fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}

	fmt.Fprint(l.writer, "\n")
}
