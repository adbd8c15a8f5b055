package errors

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Entry is one line of the error report written for a task.
type Entry struct {
	Category    Category `json:"category"`
	Code        string   `json:"code"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
	Component   string   `json:"component"`
}

// Collector accumulates error entries. It is safe for concurrent use.
type Collector struct {
	mu      sync.Mutex
	entries []Entry
}

var defaultCollector = NewCollector()

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Default returns the process-wide collector.
func Default() *Collector {
	return defaultCollector
}

// Add records an entry. An unknown category or severity is itself recorded as a SYS
// entry and reported back to the caller.
func (c *Collector) Add(category Category, code, description string, severity Severity, component string) error {
	var rejected *Error
	switch {
	case !ValidCategory(category):
		rejected = New(CodeUnknownCategory, fmt.Sprintf("unrecognised error category %q", category))
	case !ValidSeverity(severity):
		rejected = New(CodeUnknownSeverity, fmt.Sprintf("unrecognised error severity %q", severity))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if rejected != nil {
		c.entries = append(c.entries, Entry{
			Category:    CategorySystem,
			Code:        string(rejected.Code()),
			Description: rejected.Message(),
			Severity:    rejected.Severity(),
			Component:   component,
		})
		return rejected
	}
	c.entries = append(c.entries, Entry{
		Category:    category,
		Code:        code,
		Description: description,
		Severity:    severity,
		Component:   component,
	})
	return nil
}

// Record adds err using its category, code and severity. Plain errors are recorded
// as SYS/UNKNOWN.
func (c *Collector) Record(err error, component string) {
	if err == nil {
		return
	}
	e, ok := From(err)
	if !ok {
		_ = c.Add(CategorySystem, string(CodeUnknown), err.Error(), SeverityCritical, component)
		return
	}
	_ = c.Add(e.Category(), string(e.Code()), err.Error(), e.Severity(), component)
}

// Entries returns a snapshot of the recorded entries.
func (c *Collector) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Len returns the number of entries.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Count returns the number of entries in category.
func (c *Collector) Count(category Category) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if e.Category == category {
			n++
		}
	}
	return n
}

// Reset drops every entry.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.entries = nil
	c.mu.Unlock()
}

// JSON serialises the entries as a JSON array.
func (c *Collector) JSON() ([]byte, error) {
	entries := c.Entries()
	if entries == nil {
		entries = []Entry{}
	}
	return json.MarshalIndent(entries, "", "  ")
}

// WriteFile writes the JSON array to path, creating parent directories.
func (c *Collector) WriteFile(path string) error {
	raw, err := c.JSON()
	if err != nil {
		return fmt.Errorf("encode error entries: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create error file directory: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write error file %s: %w", path, err)
	}
	return nil
}
