// Package alertlog keeps a bounded in-memory history of operational log
// records and fans alert-class messages out to optional sinks (notification
// channel, journal). The ring holds the last N records (default 10) so the
// notification bot can answer "what happened recently" without a datastore.
package alertlog

import (
	"log"
	"sync"
	"time"
)

// DefaultCapacity bounds the record history.
const DefaultCapacity = 10

// Record is one retained log entry.
type Record struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
	Alert   bool      `json:"alert"`
}

// Logger records messages in a bounded ring and forwards alerts.
// Safe for concurrent use by the scheduler loop and the bot goroutine.
type Logger struct {
	mu       sync.Mutex
	records  []Record
	capacity int

	logs   bool // plain log suppression switch
	alerts bool // alert suppression switch

	// Notify, when set, receives alert messages (fire-and-forget).
	Notify func(message string)
	// Persist, when set, receives every record for durable audit.
	Persist func(rec Record)
}

// New creates a Logger with the given ring capacity (<=0 means default).
func New(capacity int) *Logger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Logger{
		records:  make([]Record, 0, capacity),
		capacity: capacity,
		logs:     true,
		alerts:   true,
	}
}

// SetEnabled toggles plain logs and alerts independently.
func (l *Logger) SetEnabled(logs, alerts bool) {
	l.mu.Lock()
	l.logs = logs
	l.alerts = alerts
	l.mu.Unlock()
}

// Log records an informational message.
func (l *Logger) Log(message string) { l.emit(message, false) }

// Alert records an alert and forwards it to the notification sink.
func (l *Logger) Alert(message string) { l.emit(message, true) }

func (l *Logger) emit(message string, alert bool) {
	l.mu.Lock()
	if (alert && !l.alerts) || (!alert && !l.logs) {
		l.mu.Unlock()
		return
	}
	rec := Record{Time: time.Now(), Message: message, Alert: alert}
	l.records = append(l.records, rec)
	if len(l.records) > l.capacity {
		l.records = l.records[1:]
	}
	notify := l.Notify
	persist := l.Persist
	l.mu.Unlock()

	log.Printf("[alertlog] %s", message)
	if persist != nil {
		persist(rec)
	}
	if alert && notify != nil {
		notify(message)
	}
}

// History returns the retained records, newest first.
func (l *Logger) History() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.records))
	for i, rec := range l.records {
		out[len(l.records)-1-i] = rec
	}
	return out
}
