package calculator

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	cerrors "construction-cost/pkg/errors"
)

// LoadReport summarizes a partial-success load.
type LoadReport struct {
	Registered []string                   `json:"registered"`
	Rejected   []*cerrors.DefinitionError `json:"rejected,omitempty"`
}

// Registry holds the registered calculators. Reads are lock-free against an
// immutable map; every write builds a new map and swaps it in.
type Registry struct {
	calcs  atomic.Pointer[map[string]*Calculator]
	mu     sync.Mutex // serializes writers
	logger zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	r := &Registry{logger: logger}
	empty := make(map[string]*Calculator)
	r.calcs.Store(&empty)
	return r
}

// Register validates def and adds it. The definition is either registered whole or
// not at all.
func (r *Registry) Register(def Definition) error {
	calc, err := Compile(def)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.calcs.Load()
	if _, exists := current[calc.ID()]; exists {
		return &cerrors.DefinitionError{
			CalculatorID: calc.ID(),
			Problems:     []cerrors.Problem{{Field: "id", Message: fmt.Sprintf("calculator %q is already registered", calc.ID())}},
		}
	}
	next := make(map[string]*Calculator, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[calc.ID()] = calc
	r.calcs.Store(&next)
	return nil
}

// Load parses a definition document and registers every valid entry. Rejected
// entries are logged and reported; valid ones are still registered. An error is
// returned only when the document itself cannot be parsed.
func (r *Registry) Load(data []byte) (LoadReport, error) {
	defs, rejected, err := ParseDocument(data)
	if err != nil {
		return LoadReport{}, err
	}

	report := LoadReport{Rejected: rejected}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			var defErr *cerrors.DefinitionError
			if !errors.As(err, &defErr) {
				return report, err
			}
			report.Rejected = append(report.Rejected, defErr)
			continue
		}
		report.Registered = append(report.Registered, def.ID)
	}
	r.logRejections(report)
	return report, nil
}

// LoadFile loads a JSON or YAML definition document from disk.
func (r *Registry) LoadFile(path string) (LoadReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return LoadReport{}, fmt.Errorf("failed to read definitions: %w", err)
	}
	return r.Load(data)
}

// Replace swaps the whole registry for the valid entries of defs. In-flight
// evaluations keep the calculators they already looked up.
func (r *Registry) Replace(defs []Definition) LoadReport {
	next := make(map[string]*Calculator, len(defs))
	var report LoadReport
	for _, def := range defs {
		calc, err := Compile(def)
		if err == nil {
			if _, dup := next[calc.ID()]; dup {
				err = &cerrors.DefinitionError{
					CalculatorID: calc.ID(),
					Problems:     []cerrors.Problem{{Field: "id", Message: fmt.Sprintf("duplicate calculator id %q", calc.ID())}},
				}
			}
		}
		if err != nil {
			var defErr *cerrors.DefinitionError
			if errors.As(err, &defErr) {
				report.Rejected = append(report.Rejected, defErr)
			}
			continue
		}
		next[calc.ID()] = calc
		report.Registered = append(report.Registered, calc.ID())
	}

	r.mu.Lock()
	r.calcs.Store(&next)
	r.mu.Unlock()

	r.logRejections(report)
	r.logger.Info().Int("calculators", len(next)).Msg("calculator registry replaced")
	return report
}

// Get returns the calculator registered under id.
func (r *Registry) Get(id string) (*Calculator, error) {
	calc, ok := (*r.calcs.Load())[id]
	if !ok {
		return nil, cerrors.NewNotFoundError(id)
	}
	return calc, nil
}

// List returns every calculator sorted by id.
func (r *Registry) List() []*Calculator {
	current := *r.calcs.Load()
	out := make([]*Calculator, 0, len(current))
	for _, c := range current {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len returns the number of registered calculators.
func (r *Registry) Len() int {
	return len(*r.calcs.Load())
}

func (r *Registry) logRejections(report LoadReport) {
	for _, rej := range report.Rejected {
		r.logger.Warn().
			Str("calculator", rej.CalculatorID).
			Strs("problems", rej.Messages()).
			Msg("calculator definition rejected")
	}
}
