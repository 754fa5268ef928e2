package extractor

import (
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/zap"
)

// Extractor is the write-once-then-read-only registry binding named
// fields to per-state transfer functions. The Collector owns no fields
// directly — it is the Extractor's exclusive job.
type Extractor struct {
	logger *zap.Logger

	mu     sync.RWMutex
	fields map[string]*Field
}

// New returns an empty Extractor.
func New(logger *zap.Logger) *Extractor {
	return &Extractor{logger: logger, fields: make(map[string]*Field)}
}

// AddField registers (or overwrites, with a warning) a field of element
// type T under name, returning the Field for further configuration
// (AddExtents, AddStateToMem, AddMemToState).
func AddField[T any](e *Extractor, name string) *Field {
	t := reflect.TypeOf((*T)(nil)).Elem()
	f := newField(name, t, int(t.Size()))

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.fields[name]; exists && e.logger != nil {
		e.logger.Warn("extractor: field overwritten", zap.String("name", name))
	}
	e.fields[name] = f
	return f
}

// GetField returns the registered field by name, or nil.
func (e *Extractor) GetField(name string) *Field {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fields[name]
}

// GetAnyP produces unbound AnyP views for the listed field names; missing
// keys are logged and skipped, matching the source system's behaviour.
func (e *Extractor) GetAnyP(keys []string) map[string]*AnyP {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string]*AnyP, len(keys))
	for _, k := range keys {
		f, ok := e.fields[k]
		if !ok {
			if e.logger != nil {
				e.logger.Warn("extractor: missing field requested", zap.String("name", k))
			}
			continue
		}
		out[k] = NewAnyP(f)
	}
	return out
}

// Info returns a one-line-per-field human-readable dump, for diagnostics.
func (e *Extractor) Info() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := ""
	for k, f := range e.fields {
		s += fmt.Sprintf("%q: %s\n", k, f)
	}
	return s
}
