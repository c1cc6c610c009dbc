package transcode

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
)

const stderrTailLines = 20

// logWriter forwards engine output to the logger line by line and keeps the
// last few lines so a failure can report why the engine gave up.
type logWriter struct {
	logger  *slog.Logger
	stream  string
	mu      sync.Mutex
	partial []byte
	tail    []string
}

func newLogWriter(logger *slog.Logger, stream string) *logWriter {
	return &logWriter{logger: logger, stream: stream}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := len(p)
	data := append(w.partial, p...)
	for {
		idx := bytes.IndexAny(data, "\r\n")
		if idx == -1 {
			break
		}
		w.emit(data[:idx])
		data = data[idx+1:]
	}
	w.partial = append([]byte(nil), data...)
	return total, nil
}

// Flush emits any buffered partial line.
func (w *logWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.emit(w.partial)
	w.partial = nil
}

func (w *logWriter) emit(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	text := string(line)
	if w.logger != nil {
		w.logger.Debug("ffmpeg", "stream", w.stream, "line", text)
	}
	w.tail = append(w.tail, text)
	if len(w.tail) > stderrTailLines {
		w.tail = w.tail[len(w.tail)-stderrTailLines:]
	}
}

// Tail returns the most recent output lines joined by newlines.
func (w *logWriter) Tail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.Join(w.tail, "\n")
}
