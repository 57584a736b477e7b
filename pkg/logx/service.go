package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Operator OperatorConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// OperatorConfig controls forwarding of log events to an operator chat.
type OperatorConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// Notifier delivers a rendered log line to the operator channel.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Service owns the writers behind every Logger it hands out and can swap
// them at runtime.
type Service struct {
	mu  sync.Mutex
	cfg Config
	out io.Writer

	root atomic.Value // zerolog.Logger
	file *os.File

	notifier Notifier
	limiter  *rate.Limiter
	minLevel zerolog.Level

	queue    chan string
	startOne sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type Option func(*Service)

// WithOutput replaces stdout as the console destination.
func WithOutput(w io.Writer) Option { return func(s *Service) { s.out = w } }

// New builds the service, applies cfg and returns the root logger.
func New(cfg Config, opts ...Option) (*Service, Logger) {
	setGlobals()
	s := &Service{out: Stdout(), queue: make(chan string, 128)}
	for _, o := range opts {
		o(s)
	}
	s.root.Store(zerolog.New(newConsoleWriter(s.out)).Level(ParseLevel(cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger())
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() zerolog.Logger {
	zl, ok := s.root.Load().(zerolog.Logger)
	if !ok {
		return zerolog.Nop()
	}
	return zl
}

// SetNotifier attaches the operator sink once the transport exists.
func (s *Service) SetNotifier(n Notifier) {
	s.mu.Lock()
	s.notifier = n
	s.mu.Unlock()
}

// Apply swaps outputs and levels. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg

	s.minLevel = ParseLevel(cfg.Operator.MinLevel, zerolog.WarnLevel)
	rps := cfg.Operator.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, newConsoleWriter(s.out))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./factbot.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(Stderr(), "logx: open log file %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if cfg.Operator.Enabled {
		s.startOne.Do(s.startForwarder)
		writers = append(writers, operatorWriter{svc: s})
	}
	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(s.out))
	}

	lvl := ParseLevel(cfg.Level, zerolog.InfoLevel)
	s.root.Store(zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(lvl).With().Timestamp().Logger())
}

// Close stops the forwarder and releases the log file.
func (s *Service) Close() error {
	s.mu.Lock()
	f, cancel := s.file, s.cancel
	s.file, s.cancel = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

func (s *Service) startForwarder() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-s.queue:
				s.mu.Lock()
				n := s.notifier
				s.mu.Unlock()
				if n != nil {
					_ = n.Notify(ctx, msg)
				}
			}
		}
	}()
}

// offer never blocks the logging call site; overflow is dropped.
func (s *Service) offer(msg string) {
	select {
	case s.queue <- msg:
	default:
	}
}

type operatorWriter struct{ svc *Service }

func (w operatorWriter) Write(p []byte) (int, error) { return w.WriteLevel(zerolog.InfoLevel, p) }

func (w operatorWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	s.mu.Lock()
	n, lim, min := s.notifier, s.limiter, s.minLevel
	s.mu.Unlock()

	if n == nil || level < min || lim == nil || !lim.Allow() {
		return len(p), nil
	}
	if msg := renderOperatorLine(p); msg != "" {
		s.offer(msg)
	}
	return len(p), nil
}

// renderOperatorLine turns a zerolog JSON line into a compact chat message.
func renderOperatorLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return clip(strings.TrimSpace(string(p)), 3500)
	}
	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n- " + k + "=")
		b.WriteString(clip(fmt.Sprint(m[k]), 600))
	}
	return clip(b.String(), 3500)
}

func clip(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func newConsoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat, NoColor: w != os.Stdout}
}

// Stdout returns the default console sink.
func Stdout() io.Writer { return os.Stdout }

// Stderr returns the default error sink.
func Stderr() io.Writer { return os.Stderr }
