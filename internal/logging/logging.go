package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"golang.org/x/term"
)

type ctxKey string

const (
	requestIDKey ctxKey = "logging_request_id"

	bytesPerMB       int64 = 1024 * 1024
	defaultMaxSizeMB       = 50
	logFilePerm            = 0o600
	logDirPerm             = 0o700
)

// Config controls logger initialization.
type Config struct {
	Format    string // "json", "console", or "auto"
	Level     string // "debug", "info", "warn", "error"
	Component string // optional component name
	FilePath  string // optional log file path
	MaxSizeMB int    // rotate the file after this size
}

var (
	mu            sync.RWMutex
	baseLogger    zerolog.Logger
	baseWriter    io.Writer = os.Stderr
	baseComponent string
	fileCloser    io.Closer

	defaultTimeFmt = time.RFC3339
)

var (
	nowFn        = time.Now
	isTerminalFn = term.IsTerminal
	stderr       io.Writer = os.Stderr
)

func init() {
	baseLogger = zerolog.New(baseWriter).With().Timestamp().Logger()
	log.Logger = baseLogger
}

// Init configures zerolog globals and the package baseline logger.
func Init(cfg Config) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()

	previousFileCloser := fileCloser
	fileCloser = nil

	zerolog.TimeFieldFormat = defaultTimeFmt
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	writer := selectWriter(cfg.Format)

	if fw, err := newSizeRotatingWriter(cfg.FilePath, cfg.MaxSizeMB); err != nil {
		fmt.Fprintf(stderr, "logging: unable to configure file output: %v\n", err)
	} else if fw != nil {
		writer = io.MultiWriter(writer, fw)
		fileCloser = fw
	}

	component := strings.TrimSpace(cfg.Component)
	builder := zerolog.New(writer).With().Timestamp()
	if component != "" {
		builder = builder.Str("component", component)
	}

	baseLogger = builder.Logger()
	baseWriter = writer
	baseComponent = component
	log.Logger = baseLogger

	if previousFileCloser != nil {
		if err := previousFileCloser.Close(); err != nil {
			fmt.Fprintf(stderr, "logging: unable to close previous log file writer: %v\n", err)
		}
	}

	return baseLogger
}

// Shutdown closes the log file, if any.
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()

	if fileCloser != nil {
		if err := fileCloser.Close(); err != nil {
			fmt.Fprintf(stderr, "logging: unable to close log file writer: %v\n", err)
		}
		fileCloser = nil
	}
}

// Component returns a child of the base logger tagged with name.
func Component(name string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return baseLogger.With().Str("component", name).Logger()
}

// WithRequestID stores (or generates) a request ID on the context.
func WithRequestID(ctx context.Context, requestID string) (context.Context, string) {
	if ctx == nil {
		ctx = context.Background()
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return context.WithValue(ctx, requestIDKey, requestID), requestID
}

// RequestID returns the request ID stored on ctx, or "".
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// FromContext returns the global logger tagged with ctx's request ID.
func FromContext(ctx context.Context) zerolog.Logger {
	logger := log.Logger
	if id := RequestID(ctx); id != "" {
		logger = logger.With().Str("request_id", id).Logger()
	}
	return logger
}

func parseLevel(level string) zerolog.Level {
	normalized := strings.ToLower(strings.TrimSpace(level))
	switch normalized {
	case "", "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	case "trace":
		return zerolog.TraceLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled":
		return zerolog.Disabled
	default:
		fmt.Fprintf(stderr, "logging: invalid level %q; using %q\n", normalized, "info")
		return zerolog.InfoLevel
	}
}

func selectWriter(format string) io.Writer {
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case "console":
		return newConsoleWriter(os.Stderr)
	case "json":
		return os.Stderr
	case "auto", "":
		if isTerminalFn(int(os.Stderr.Fd())) {
			return newConsoleWriter(os.Stderr)
		}
		return os.Stderr
	default:
		fmt.Fprintf(stderr, "logging: invalid format %q; using %q\n", format, "json")
		return os.Stderr
	}
}

func newConsoleWriter(out io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: defaultTimeFmt,
	}
}

// sizeRotatingWriter appends to path and, once maxBytes would be exceeded,
// renames the file to path.<timestamp> and starts a new one.
type sizeRotatingWriter struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	size     int64
	maxBytes int64
}

func newSizeRotatingWriter(path string, maxSizeMB int) (*sizeRotatingWriter, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), logDirPerm); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if maxSizeMB <= 0 {
		maxSizeMB = defaultMaxSizeMB
	}
	w := &sizeRotatingWriter{path: path, maxBytes: int64(maxSizeMB) * bytesPerMB}
	if err := w.openLocked(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *sizeRotatingWriter) openLocked() error {
	if w.file != nil {
		return nil
	}
	info, err := os.Lstat(w.path)
	switch {
	case err == nil && !info.Mode().IsRegular():
		return fmt.Errorf("refusing non-regular log file path %q", w.path)
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("stat log file: %w", err)
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, logFilePerm)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	w.file = file
	w.size = 0
	if st, err := file.Stat(); err == nil {
		w.size = st.Size()
	}
	return nil
}

func (w *sizeRotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.openLocked(); err != nil {
		return 0, err
	}
	if w.size > 0 && w.size+int64(len(p)) > w.maxBytes {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	if err != nil {
		return n, fmt.Errorf("write log file %s: %w", w.path, err)
	}
	return n, nil
}

func (w *sizeRotatingWriter) rotateLocked() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close log file before rotation: %w", err)
	}
	w.file = nil
	rotated := fmt.Sprintf("%s.%s", w.path, nowFn().Format("20060102-150405"))
	if err := os.Rename(w.path, rotated); err != nil {
		fmt.Fprintf(stderr, "logging: rename %s -> %s failed: %v\n", w.path, rotated, err)
	}
	return w.openLocked()
}

func (w *sizeRotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
