package session

import (
	"bytes"
	"context"
	"strings"
	"sync"

	"github.com/basket/featureloop/internal/bus"
	"github.com/basket/featureloop/internal/persistence"
	"github.com/basket/featureloop/internal/shared"
)

// maxLineBytes bounds a single buffered line; longer lines are split.
const maxLineBytes = 1 << 20

// OutputSink receives worker output one line at a time.
type OutputSink interface {
	Line(ctx context.Context, sessionID, slotID, stream, line string)
}

type DiscardSink struct{}

func (DiscardSink) Line(context.Context, string, string, string, string) {}

// StoreSink persists redacted lines to session_output and republishes them as
// log events prefixed with the slot id.
type StoreSink struct {
	Store *persistence.Store
	Bus   *bus.Bus
}

func (s StoreSink) Line(ctx context.Context, sessionID, slotID, stream, line string) {
	line = shared.Redact(line)
	if s.Store != nil {
		_ = s.Store.AppendOutput(context.WithoutCancel(ctx), sessionID, stream, line)
	}
	if s.Bus != nil && s.Store != nil {
		project := s.Store.Project()
		s.Bus.Publish(bus.Topic(project, bus.KindLog), bus.LogEvent{
			Project:   project,
			SlotID:    slotID,
			SessionID: sessionID,
			Stream:    stream,
			Line:      "[" + slotID + "] " + line,
		})
	}
}

// lineWriter splits a byte stream into lines for emit.
type lineWriter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	emit func(string)
}

func newLineWriter(emit func(string)) *lineWriter {
	return &lineWriter{emit: emit}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		data := w.buf.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			if len(data) >= maxLineBytes {
				w.emit(string(data))
				w.buf.Reset()
			}
			return len(p), nil
		}
		line := strings.TrimRight(string(data[:i]), "\r")
		w.buf.Next(i + 1)
		w.emit(line)
	}
}

// Flush emits any trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(strings.TrimRight(w.buf.String(), "\r"))
		w.buf.Reset()
	}
}
