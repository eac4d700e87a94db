// Package security gatekeeps code execution: static code validation
// against a denylist, per-caller rate limiting, result sanitization, and
// immutable audit records fanned out to pluggable sinks.
package security

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/neverinfamous/postgresql-mcp/internal/sandbox"
)

const (
	// rateWindow is the fixed window length for the per-caller limiter.
	rateWindow = time.Minute

	// codePreviewLength bounds the code excerpt stored in audit records.
	codePreviewLength = 200

	// sanitizePreviewLength bounds the excerpt kept of oversized results.
	sanitizePreviewLength = 1024

	// anonymousCaller marks executions with no caller identity.
	anonymousCaller = "anonymous"
)

// Config is the process-wide security configuration, loaded once and
// read-only thereafter.
type Config struct {
	MaxCodeLength          int `mapstructure:"max_code_length"`
	MaxExecutionsPerMinute int `mapstructure:"max_executions_per_minute"`
	MaxResultSize          int `mapstructure:"max_result_size"`

	// RulesFile optionally points at a YAML file with additional blocked
	// patterns, appended to the built-in set.
	RulesFile string `mapstructure:"rules_file"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxCodeLength:          10000,
		MaxExecutionsPerMinute: 60,
		MaxResultSize:          1024 * 1024,
	}
}

// ValidationResult reports the outcome of one validation call. All
// violations are accumulated, not just the first.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// ExecutionRecord is the immutable audit record for one execution. The
// core writes records and never reads them back.
type ExecutionRecord struct {
	ID          string         `json:"id" bson:"id"`
	CallerID    string         `json:"callerId" bson:"caller_id"`
	Timestamp   time.Time      `json:"timestamp" bson:"timestamp"`
	CodePreview string         `json:"codePreview" bson:"code_preview"`
	Result      sandbox.Result `json:"result" bson:"result"`
	ReadOnly    bool           `json:"readonly" bson:"readonly"`
}

// rateEntry tracks one caller's executions inside the current window.
type rateEntry struct {
	count         int
	windowResetAt time.Time
}

// Manager enforces the security policy. Safe for concurrent use.
type Manager struct {
	cfg    Config
	rules  []Rule
	logger zerolog.Logger
	sinks  []Sink

	mu      sync.Mutex
	rates   map[string]*rateEntry
	stopped bool

	janitorStop chan struct{}
	janitorDone chan struct{}
}

// NewManager builds a manager with the built-in denylist plus any rules
// from cfg.RulesFile, and starts the rate-entry janitor.
func NewManager(cfg Config, logger zerolog.Logger, sinks ...Sink) (*Manager, error) {
	if cfg.MaxCodeLength <= 0 {
		cfg.MaxCodeLength = DefaultConfig().MaxCodeLength
	}
	if cfg.MaxExecutionsPerMinute <= 0 {
		cfg.MaxExecutionsPerMinute = DefaultConfig().MaxExecutionsPerMinute
	}
	if cfg.MaxResultSize <= 0 {
		cfg.MaxResultSize = DefaultConfig().MaxResultSize
	}

	rules := DefaultRules()
	if cfg.RulesFile != "" {
		extra, err := LoadRules(cfg.RulesFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load security rules: %w", err)
		}
		rules = append(rules, extra...)
	}

	m := &Manager{
		cfg:         cfg,
		rules:       rules,
		logger:      logger.With().Str("component", "security").Logger(),
		sinks:       sinks,
		rates:       make(map[string]*rateEntry),
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	go m.janitor()
	return m, nil
}

// ValidateCode checks code against the length limit and every blocked
// pattern. Violations accumulate so callers see the full list at once.
func (m *Manager) ValidateCode(code string) ValidationResult {
	var errs []string

	if code == "" {
		errs = append(errs, "code must be a non-empty string")
		return ValidationResult{Valid: false, Errors: errs}
	}
	if len(code) > m.cfg.MaxCodeLength {
		errs = append(errs, fmt.Sprintf("code exceeds maximum length of %d characters (got %d)",
			m.cfg.MaxCodeLength, len(code)))
	}
	for _, rule := range m.rules {
		if rule.pattern.MatchString(code) {
			errs = append(errs, rule.Message)
		}
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// CheckRateLimit applies a fixed 60-second window per caller. The first
// call in a window opens it with count 1; subsequent calls are allowed
// while the count stays below the configured threshold.
func (m *Manager) CheckRateLimit(callerID string) bool {
	if callerID == "" {
		callerID = anonymousCaller
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	e, ok := m.rates[callerID]
	if !ok || now.After(e.windowResetAt) {
		m.rates[callerID] = &rateEntry{count: 1, windowResetAt: now.Add(rateWindow)}
		return true
	}
	if e.count >= m.cfg.MaxExecutionsPerMinute {
		return false
	}
	e.count++
	return true
}

// janitor periodically drops rate entries whose window has elapsed, so no
// entry survives indefinitely without activity.
func (m *Manager) janitor() {
	defer close(m.janitorDone)
	ticker := time.NewTicker(rateWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for id, e := range m.rates {
				if now.After(e.windowResetAt) {
					delete(m.rates, id)
				}
			}
			m.mu.Unlock()
		case <-m.janitorStop:
			return
		}
	}
}

// SanitizeResult bounds a result value for transport. Unserializable
// values become a tagged stand-in describing the type; oversized values
// become a truncation stand-in with a bounded preview, never the full
// payload.
func (m *Manager) SanitizeResult(v interface{}) interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]interface{}{
			"error": "result serialization failed",
			"type":  fmt.Sprintf("%T", v),
		}
	}
	if len(data) <= m.cfg.MaxResultSize {
		return v
	}

	preview := data
	if len(preview) > sanitizePreviewLength {
		preview = preview[:sanitizePreviewLength]
	}
	return map[string]interface{}{
		"truncated":    true,
		"originalSize": len(data),
		"maxSize":      m.cfg.MaxResultSize,
		"preview":      string(preview),
	}
}

// NewExecutionRecord creates an immutable audit record with a fresh id
// and a bounded code preview. The result is wrapped as-is for audit
// fidelity; sanitization happens before transport, not here.
func (m *Manager) NewExecutionRecord(code string, result sandbox.Result, readonly bool, callerID string) ExecutionRecord {
	preview := code
	if len(preview) > codePreviewLength {
		preview = preview[:codePreviewLength] + "..."
	}
	if callerID == "" {
		callerID = anonymousCaller
	}
	return ExecutionRecord{
		ID:          uuid.NewString(),
		CallerID:    callerID,
		Timestamp:   time.Now().UTC(),
		CodePreview: preview,
		Result:      result,
		ReadOnly:    readonly,
	}
}

// AuditLog emits the record as a structured log line and fans it out to
// the configured sinks. Sink failures are swallowed: audit emission never
// propagates back into the execution path.
func (m *Manager) AuditLog(rec ExecutionRecord) {
	evt := m.logger.Info()
	if !rec.Result.Success {
		evt = m.logger.Warn()
	}
	evt.
		Str("execution_id", rec.ID).
		Str("caller_id", rec.CallerID).
		Bool("success", rec.Result.Success).
		Bool("readonly", rec.ReadOnly).
		Int64("wall_time_ms", rec.Result.Metrics.WallTimeMS).
		Int64("cpu_time_ms", rec.Result.Metrics.CPUTimeMS).
		Float64("memory_used_mb", rec.Result.Metrics.MemoryUsedMB)
	if !rec.Result.Success {
		evt = evt.Str("error", rec.Result.Error)
		if rec.Result.Stack != "" {
			evt = evt.Str("stack", rec.Result.Stack)
		}
	}
	evt.Msg("code execution")

	for _, sink := range m.sinks {
		m.writeSink(sink, rec)
	}
}

func (m *Manager) writeSink(sink Sink, rec ExecutionRecord) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Debug().Interface("panic", r).Msg("audit sink panicked")
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sink.Write(ctx, rec); err != nil {
		m.logger.Debug().Err(err).Msg("audit sink write failed")
	}
}

// Close stops the janitor and closes the audit sinks. Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.janitorStop)
	<-m.janitorDone
	for _, sink := range m.sinks {
		sink.Close()
	}
}
