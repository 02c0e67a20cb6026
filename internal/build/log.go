// Package build assembles the process logger and carries build metadata.
package build

import (
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btclog"
	btclogv2 "github.com/btcsuite/btclog/v2"
	"github.com/jrick/logrotate/rotator"
)

// Version is set at link time.
var Version = "dev"

const (
	DefaultMaxLogFiles    = 10
	DefaultMaxLogFileSize = 20
	DefaultLogFilename    = "outreach.log"
)

// LogConfig configures the process logger. An empty Dir logs to the
// console only.
type LogConfig struct {
	Level         string `mapstructure:"level"`
	Dir           string `mapstructure:"dir"`
	MaxFiles      int    `mapstructure:"max_files"`
	MaxFileSizeMB int    `mapstructure:"max_file_size_mb"`
	Filename      string `mapstructure:"filename"`
}

// Logging owns the process logger and its file rotator.
type Logging struct {
	Logger *slog.Logger

	handlers *HandlerSet
	file     io.WriteCloser
}

// NewLogging builds a logger writing to console and, when cfg.Dir is set,
// to a rotating gzip-compressed log file.
func NewLogging(cfg LogConfig, console io.Writer) (*Logging, error) {
	handlers := []btclogv2.Handler{btclogv2.NewDefaultHandler(console)}

	l := &Logging{}
	if cfg.Dir != "" {
		w, err := openRotator(cfg)
		if err != nil {
			return nil, err
		}
		l.file = w
		handlers = append(handlers, btclogv2.NewDefaultHandler(w))
	}

	l.handlers = NewHandlerSet(handlers...)
	if err := l.SetLevel(cfg.Level); err != nil {
		l.Close()
		return nil, err
	}
	l.Logger = slog.New(l.handlers)
	return l, nil
}

// SetLevel changes the level of every destination. An empty name means
// info.
func (l *Logging) SetLevel(name string) error {
	if name == "" {
		name = "info"
	}
	level, ok := btclog.LevelFromString(strings.ToLower(name))
	if !ok {
		return fmt.Errorf("unknown log level %q", name)
	}
	l.handlers.SetLevel(level)
	return nil
}

// Level returns the current level name.
func (l *Logging) Level() string {
	return l.handlers.Level().String()
}

// Close flushes and stops the file rotator.
func (l *Logging) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// rotatingWriter feeds a logrotate rotator through a pipe.
type rotatingWriter struct {
	pipe *io.PipeWriter
	done chan struct{}
}

func openRotator(cfg LogConfig) (*rotatingWriter, error) {
	name := cfg.Filename
	if name == "" {
		name = DefaultLogFilename
	}
	maxFiles := cfg.MaxFiles
	if maxFiles <= 0 {
		maxFiles = DefaultMaxLogFiles
	}
	maxSize := cfg.MaxFileSizeMB
	if maxSize <= 0 {
		maxSize = DefaultMaxLogFileSize
	}

	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	// Threshold is in kilobytes.
	r, err := rotator.New(filepath.Join(cfg.Dir, name), int64(maxSize*1024), false, maxFiles)
	if err != nil {
		return nil, fmt.Errorf("create log rotator: %w", err)
	}
	r.SetCompressor(gzip.NewWriter(nil), ".gz")

	pr, pw := io.Pipe()
	w := &rotatingWriter{pipe: pw, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		// The rotator is the log destination, so its own failure can
		// only go to stderr.
		if err := r.Run(pr); err != nil {
			fmt.Fprintf(os.Stderr, "log rotator: %v\n", err)
		}
		r.Close()
	}()
	return w, nil
}

func (w *rotatingWriter) Write(b []byte) (int, error) {
	return w.pipe.Write(b)
}

// Close ends the pipe and waits for the rotator to flush.
func (w *rotatingWriter) Close() error {
	err := w.pipe.Close()
	<-w.done
	return err
}
