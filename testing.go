package bfenv

import (
	"fmt"
	"sync"
)

// RecordingLogger is a mock Logger that tracks call counts and the most
// recent formatted message at each level, for tests that need to assert on
// what the reactor or worker logged rather than just whether it crashed.
type RecordingLogger struct {
	mu sync.RWMutex

	debugCalls int
	infoCalls  int
	warnCalls  int
	errorCalls int

	lastDebug string
	lastInfo  string
	lastWarn  string
	lastError string
}

// NewRecordingLogger creates an empty RecordingLogger.
func NewRecordingLogger() *RecordingLogger {
	return &RecordingLogger{}
}

func (r *RecordingLogger) Debugf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.debugCalls++
	r.lastDebug = fmt.Sprintf(format, args...)
}

func (r *RecordingLogger) Infof(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infoCalls++
	r.lastInfo = fmt.Sprintf(format, args...)
}

func (r *RecordingLogger) Warnf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnCalls++
	r.lastWarn = fmt.Sprintf(format, args...)
}

func (r *RecordingLogger) Errorf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errorCalls++
	r.lastError = fmt.Sprintf(format, args...)
}

// CallCounts returns the number of times each level was logged.
func (r *RecordingLogger) CallCounts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]int{
		"debug": r.debugCalls,
		"info":  r.infoCalls,
		"warn":  r.warnCalls,
		"error": r.errorCalls,
	}
}

// LastError returns the most recently formatted Errorf message.
func (r *RecordingLogger) LastError() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastError
}

// Reset clears all counters and recorded messages.
func (r *RecordingLogger) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.debugCalls, r.infoCalls, r.warnCalls, r.errorCalls = 0, 0, 0, 0
	r.lastDebug, r.lastInfo, r.lastWarn, r.lastError = "", "", "", ""
}

var _ Logger = (*RecordingLogger)(nil)
