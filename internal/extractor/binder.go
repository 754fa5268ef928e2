package extractor

import (
	"reflect"

	"go.uber.org/zap"
)

// FuncsWithState is the pair of bound transfer-closure maps produced by
// BindStateToFunctions: a field name maps to a closure already bound to
// one state instance, taking only the AnyP view and the batch index.
type FuncsWithState struct {
	StateToMem map[string]func(p *AnyP, batchIdx int)
	MemToState map[string]func(p *AnyP, batchIdx int)
}

// NewFuncsWithState returns an empty pair, ready for Add.
func NewFuncsWithState() FuncsWithState {
	return FuncsWithState{
		StateToMem: make(map[string]func(p *AnyP, batchIdx int)),
		MemToState: make(map[string]func(p *AnyP, batchIdx int)),
	}
}

// Add merges other's entries into fs, favoring fs's own on key collision.
func (fs FuncsWithState) Add(other FuncsWithState) {
	for k, f := range other.StateToMem {
		if _, exists := fs.StateToMem[k]; !exists {
			fs.StateToMem[k] = f
		}
	}
	for k, f := range other.MemToState {
		if _, exists := fs.MemToState[k]; !exists {
			fs.MemToState[k] = f
		}
	}
}

// BindStateToFunctions walks each label's registered field list and, for
// each field, looks up the state<->mem closures registered for the
// state type S (the type parameter, not the dynamic type held in s),
// binding them to this particular state instance.
// Duplicate field-name keys across labels are dropped with a warning.
func BindStateToFunctions[S any](e *Extractor, labelFields map[string][]string, labels []string, s S, logger *zap.Logger) FuncsWithState {
	t := reflect.TypeOf((*S)(nil)).Elem()
	out := NewFuncsWithState()

	for _, label := range labels {
		for _, name := range labelFields[label] {
			f := e.GetField(name)
			if f == nil {
				continue
			}
			if fn, ok := f.bindStateToMem(t, s); ok {
				if _, dup := out.StateToMem[name]; dup {
					if logger != nil {
						logger.Warn("extractor: duplicate state->mem binding dropped", zap.String("field", name))
					}
				} else {
					out.StateToMem[name] = fn
				}
			}
			if fn, ok := f.bindMemToState(t, s); ok {
				if _, dup := out.MemToState[name]; dup {
					if logger != nil {
						logger.Warn("extractor: duplicate mem->state binding dropped", zap.String("field", name))
					}
				} else {
					out.MemToState[name] = fn
				}
			}
		}
	}

	return out
}
