package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// dailyWriter appends to docpipe-YYYY-MM-DD.log, switching files when the
// date changes.
type dailyWriter struct {
	mu              sync.Mutex
	logDir          string
	currentFile     *os.File
	currentFileName string
}

func (w *dailyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	fileName := fmt.Sprintf("docpipe-%s.log", time.Now().Format("2006-01-02"))
	if fileName != w.currentFileName {
		if w.currentFile != nil {
			w.currentFile.Close()
		}
		f, err := os.OpenFile(filepath.Join(w.logDir, fileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return 0, fmt.Errorf("failed to open log file: %w", err)
		}
		w.currentFile = f
		w.currentFileName = fileName
	}
	return w.currentFile.Write(p)
}

func (w *dailyWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentFile != nil {
		return w.currentFile.Close()
	}
	return nil
}

// DailyFileHandler writes records both to stdout (text) and to a per-day
// JSON log file.
type DailyFileHandler struct {
	stdout slog.Handler
	file   slog.Handler
	writer *dailyWriter
}

func NewDailyFileHandler(logDir string, opts *slog.HandlerOptions) (*DailyFileHandler, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	writer := &dailyWriter{logDir: logDir}
	return &DailyFileHandler{
		stdout: slog.NewTextHandler(os.Stdout, opts),
		file:   slog.NewJSONHandler(writer, opts),
		writer: writer,
	}, nil
}

func (h *DailyFileHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.stdout.Enabled(ctx, level)
}

func (h *DailyFileHandler) Handle(ctx context.Context, record slog.Record) error {
	if err := h.stdout.Handle(ctx, record.Clone()); err != nil {
		return err
	}
	return h.file.Handle(ctx, record)
}

func (h *DailyFileHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &DailyFileHandler{
		stdout: h.stdout.WithAttrs(attrs),
		file:   h.file.WithAttrs(attrs),
		writer: h.writer,
	}
}

func (h *DailyFileHandler) WithGroup(name string) slog.Handler {
	return &DailyFileHandler{
		stdout: h.stdout.WithGroup(name),
		file:   h.file.WithGroup(name),
		writer: h.writer,
	}
}

// Close releases the active log file.
func (h *DailyFileHandler) Close() error {
	return h.writer.Close()
}
