package logx

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Config selects the sinks. With no sink enabled, lines go to the console.
type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Alert   AlertConfig
}

// FileConfig appends JSON lines to Path, ./signupassist.log when empty.
type FileConfig struct {
	Enabled bool
	Path    string
}

const (
	timeFormat     = "2006-01-02T15:04:05.000Z07:00"
	defaultLogPath = "./signupassist.log"
	alertQueueSize = 256
)

// Service owns the sinks and swaps them on Apply.
type Service struct {
	root   atomic.Pointer[zerolog.Logger]
	client *http.Client

	mu   sync.Mutex
	file *os.File

	alertQueue  chan []byte
	alertURL    string
	limiter     *rate.Limiter
	minLevel    zerolog.Level
	alertCancel context.CancelFunc
	alertWG     sync.WaitGroup
}

// New builds the service from cfg and returns it with a root Logger. A nil
// client gets a 5s timeout.
func New(cfg Config, client *http.Client) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	s := &Service{client: client, alertQueue: make(chan []byte, alertQueueSize)}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Apply rebuilds the sinks from cfg. Loggers already handed out follow the
// change. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.minLevel = parseLevel(cfg.Alert.MinLevel, zerolog.WarnLevel)
	rps := max(1, cfg.Alert.RatePerSec)
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	s.alertURL = strings.TrimSpace(cfg.Alert.URL)

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if cfg.Alert.Enabled {
		s.startAlerts()
		sinks = append(sinks, &alertWriter{svc: s})
		if s.alertURL == "" {
			fmt.Fprintln(os.Stderr, "logx: alert sink enabled without logging.alert.url")
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

// startAlerts runs the webhook worker once. Callers hold s.mu.
func (s *Service) startAlerts() {
	if s.alertCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.alertCancel = cancel
	s.alertWG.Add(1)
	go func() {
		defer s.alertWG.Done()
		s.alertWorker(ctx)
	}()
}

// Close stops the alert worker and closes the log file. Queued alerts that
// were not yet posted are dropped.
func (s *Service) Close() error {
	s.mu.Lock()
	f, cancel := s.file, s.alertCancel
	s.file, s.alertCancel = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.alertWG.Wait()
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogPath
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	}
	return def
}
