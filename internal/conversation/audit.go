package conversation

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/polya-classroom/internal/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// AuditEvent is one NDJSON line in the conversation audit trail.
type AuditEvent struct {
	SessionID  string
	EventID    string
	Seq        int64
	Type       string
	Source     string
	SenderName string
	Content    string
	PhaseID    string
	Timestamp  time.Time
}

// AuditEventFrom converts a stored event.
func AuditEventFrom(e domain.Event) AuditEvent {
	return AuditEvent{
		SessionID:  e.SessionID,
		EventID:    e.ID,
		Seq:        e.Seq,
		Type:       string(e.Type),
		Source:     e.Source,
		SenderName: e.SenderName,
		Content:    e.Content,
		PhaseID:    e.Meta.PhaseID,
		Timestamp:  e.Timestamp,
	}
}

// AuditLogger receives every appended event. Log must not block.
type AuditLogger interface {
	Log(event AuditEvent)
	Close() error
}

// NoopAuditLogger discards events.
type NoopAuditLogger struct{}

func (NoopAuditLogger) Log(AuditEvent) {}
func (NoopAuditLogger) Close() error   { return nil }

// AuditConfig controls the NDJSON audit trail.
type AuditConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// FileAuditLogger writes per-session NDJSON files through zap encoders.
// Events are queued and written by a single goroutine; when the queue is
// full the event is dropped with a warning.
type FileAuditLogger struct {
	cfg     AuditConfig
	queue   chan AuditEvent
	done    chan struct{}
	logger  *slog.Logger
	mu      sync.Mutex
	files   map[string]*zap.Logger
	global  *zap.Logger
	closers []func() error
	once    sync.Once
}

// NewAuditLogger returns a FileAuditLogger, or a no-op when disabled.
func NewAuditLogger(cfg AuditConfig, logger *slog.Logger) (AuditLogger, error) {
	if !cfg.Enabled {
		return NoopAuditLogger{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	a := &FileAuditLogger{
		cfg:    cfg,
		queue:  make(chan AuditEvent, cfg.QueueSize),
		done:   make(chan struct{}),
		logger: logger,
		files:  make(map[string]*zap.Logger),
	}
	if cfg.GlobalEnabled {
		global, err := a.open(cfg.GlobalPath)
		if err != nil {
			return nil, err
		}
		a.global = global
	}
	go a.run()
	return a, nil
}

// Log queues an event for writing.
func (a *FileAuditLogger) Log(event AuditEvent) {
	select {
	case a.queue <- event:
	default:
		a.logger.Warn("[AUDIT] Queue full, dropping event", "session_id", event.SessionID, "seq", event.Seq)
	}
}

// Close drains the queue and closes all files.
func (a *FileAuditLogger) Close() error {
	var firstErr error
	a.once.Do(func() {
		close(a.queue)
		<-a.done
		a.mu.Lock()
		defer a.mu.Unlock()
		for _, closeFn := range a.closers {
			if err := closeFn(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

func (a *FileAuditLogger) run() {
	defer close(a.done)
	for event := range a.queue {
		a.write(event)
	}
}

func (a *FileAuditLogger) write(event AuditEvent) {
	fields := []zap.Field{
		zap.String("session_id", event.SessionID),
		zap.String("event_id", event.EventID),
		zap.Int64("seq", event.Seq),
		zap.Time("event_ts", event.Timestamp),
		zap.String("source", event.Source),
		zap.String("sender_name", event.SenderName),
		zap.String("content_raw", event.Content),
		zap.String("content", cleanForReadability(event.Content)),
		zap.String("phase_id", event.PhaseID),
	}

	l, err := a.sessionLogger(event.SessionID)
	if err != nil {
		a.logger.Warn("[AUDIT] Cannot open session log", "session_id", event.SessionID, "error", err)
	} else {
		l.Info(event.Type, fields...)
	}
	if a.global != nil {
		a.global.Info(event.Type, fields...)
	}
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func (a *FileAuditLogger) sessionLogger(sessionID string) (*zap.Logger, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if l, ok := a.files[sessionID]; ok {
		return l, nil
	}
	name := unsafeName.ReplaceAllString(sessionID, "_")
	if name == "" {
		name = "unknown"
	}
	l, err := a.openLocked(filepath.Join(a.cfg.Dir, name+".ndjson"))
	if err != nil {
		return nil, err
	}
	a.files[sessionID] = l
	return l, nil
}

func (a *FileAuditLogger) open(path string) (*zap.Logger, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.openLocked(path)
}

func (a *FileAuditLogger) openLocked(path string) (*zap.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.MessageKey = "event_type"
	encCfg.LevelKey = ""
	encCfg.CallerKey = ""
	encCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), zapcore.InfoLevel)
	l := zap.New(core)
	a.closers = append(a.closers, func() error {
		_ = l.Sync()
		return f.Close()
	})
	return l, nil
}

var (
	ansiPattern       = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// cleanForReadability strips escape sequences and collapses whitespace.
func cleanForReadability(s string) string {
	s = ansiPattern.ReplaceAllString(s, "")
	s = strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(s, " "))
}
