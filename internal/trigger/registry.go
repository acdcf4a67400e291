// Package trigger decides when agents run: one cron job per distinct
// expression fanning out to its agents, and debounced CRM event
// subscriptions keyed by agent, event and entity.
package trigger

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/expr-lang/expr/vm"
	"github.com/robfig/cron/v3"

	"github.com/agentoven/crm-agents/pkg/models"
)

// Spec is a typed trigger specification.
type Spec interface {
	Key() string
}

// Cron fires on a 5-field cron expression.
type Cron struct {
	Expr string
}

func (c Cron) Key() string { return "cron:" + c.Expr }

// Event fires on a named CRM event after DebounceMs of quiet. A non-empty
// Condition filters events before they are debounced.
type Event struct {
	Name       string
	DebounceMs int
	Condition  string
}

func (e Event) Key() string { return fmt.Sprintf("event:%s:%d:%s", e.Name, e.DebounceMs, e.Condition) }

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateCron reports whether expr is a valid 5-field expression.
func ValidateCron(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Registry maps trigger specs to the set of agents using them.
type Registry struct {
	mu       sync.RWMutex
	specs    map[string]Spec
	agents   map[string]map[string]struct{}
	programs map[string]*vm.Program // compiled Event conditions by spec key
}

func NewRegistry() *Registry {
	return &Registry{
		specs:    make(map[string]Spec),
		agents:   make(map[string]map[string]struct{}),
		programs: make(map[string]*vm.Program),
	}
}

// Add subscribes agentID to spec. An Event whose condition does not
// compile is rejected.
func (r *Registry) Add(spec Spec, agentID string) error {
	var prog *vm.Program
	if e, ok := spec.(Event); ok && strings.TrimSpace(e.Condition) != "" {
		var err error
		if prog, err = CompileCondition(e.Condition); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := spec.Key()
	r.specs[key] = spec
	if prog != nil {
		r.programs[key] = prog
	}
	set, ok := r.agents[key]
	if !ok {
		set = make(map[string]struct{})
		r.agents[key] = set
	}
	set[agentID] = struct{}{}
	return nil
}

// Remove drops agentID from every spec, deleting specs left without agents.
func (r *Registry) Remove(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, set := range r.agents {
		delete(set, agentID)
		if len(set) == 0 {
			delete(r.agents, key)
			delete(r.specs, key)
			delete(r.programs, key)
		}
	}
}

// Agents returns the sorted agent ids subscribed to spec.
func (r *Registry) Agents(spec Spec) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.agents[spec.Key()]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CronSpecs returns every distinct cron expression in use.
func (r *Registry) CronSpecs() []Cron {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Cron
	for _, s := range r.specs {
		if c, ok := s.(Cron); ok {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Expr < out[j].Expr })
	return out
}

// Subscription is one agent's interest in an event.
type Subscription struct {
	AgentID    string
	DebounceMs int
	Condition  *vm.Program // nil matches every event
}

// Subscribers returns every agent subscribed to the named event.
func (r *Registry) Subscribers(event string) []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Subscription
	for key, s := range r.specs {
		e, ok := s.(Event)
		if !ok || !strings.EqualFold(e.Name, event) {
			continue
		}
		for id := range r.agents[key] {
			out = append(out, Subscription{AgentID: id, DebounceMs: e.DebounceMs, Condition: r.programs[key]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Build creates a registry from agent definitions. Agents that cannot run
// are left out. Invalid cron expressions and conditions are skipped and
// reported.
func Build(agents []models.AgentDefinition) (*Registry, []error) {
	r := NewRegistry()
	var errs []error
	for i := range agents {
		a := &agents[i]
		if !a.IsRunnable() {
			continue
		}
		if expr := strings.TrimSpace(a.Trigger.Cron); expr != "" {
			if err := ValidateCron(expr); err != nil {
				errs = append(errs, fmt.Errorf("agent %s: %w", a.ID, err))
			} else {
				_ = r.Add(Cron{Expr: expr}, a.ID)
			}
		}
		for _, sub := range a.Trigger.Events {
			if sub.Event == "" {
				continue
			}
			if err := r.Add(Event{Name: sub.Event, DebounceMs: sub.DebounceMs, Condition: sub.Condition}, a.ID); err != nil {
				errs = append(errs, fmt.Errorf("agent %s: %w", a.ID, err))
			}
		}
	}
	return r, errs
}
