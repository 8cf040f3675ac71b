package enforcer

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Simulator records intent in-memory and signals success, as spec.md §4.1
// requires of the SIMULATION backend: no host state changes occur, and
// every outcome is OK unless explicitly faulted for testing.
type Simulator struct {
	mu        sync.Mutex
	installed map[string]Handle

	// faults lets tests make a specific (Kind) fail its next N
	// applications without touching production code paths.
	faults map[Kind]int
}

func NewSimulator() *Simulator {
	return &Simulator{
		installed: make(map[string]Handle),
		faults:    make(map[Kind]int),
	}
}

// FaultNext arms the simulator to fail the next n Apply calls that install
// a rule of the given kind. Test-only knob, mirrors spec.md §8 scenario 5.
func (s *Simulator) FaultNext(kind Kind, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[kind] = n
}

func (s *Simulator) Apply(ctx context.Context, rs RuleSet) (ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := ApplyResult{Result: OK}
	for _, rule := range rs.Rules {
		if n := s.faults[rule.Kind]; n > 0 {
			s.faults[rule.Kind] = n - 1
			if len(result.Handles) > 0 {
				result.Result = Partial
			} else {
				result.Result = Failed
			}
			result.Diagnostics = fmt.Sprintf("simulated fault on %s", rule.Kind)
			return result, nil
		}

		h := Handle{Rule: rule, Token: uuid.NewString()}
		s.installed[h.Token] = h
		result.Handles = append(result.Handles, h)
	}
	return result, nil
}

func (s *Simulator) Retract(ctx context.Context, handles []Handle) (RetractResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out RetractResult
	for _, h := range handles {
		if _, ok := s.installed[h.Token]; ok {
			delete(s.installed, h.Token)
			out.Retracted = append(out.Retracted, h)
		} else {
			out.Missing = append(out.Missing, h)
		}
	}
	return out, nil
}

func (s *Simulator) Snapshot(ctx context.Context, backend Backend) ([]InstalledRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []InstalledRule
	for _, h := range s.installed {
		if h.Rule.Kind.Backend() != backend {
			continue
		}
		out = append(out, InstalledRule{Handle: h, Kind: h.Rule.Kind})
	}
	return out, nil
}

var _ Enforcer = (*Simulator)(nil)
