package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rendis/stateflow/pkg/schema"
)

// MemoryStore is an in-memory Store implementation backed by mutex-guarded
// maps. It is intended for tests and single-process loopback deployments;
// schedule entries do not survive a restart.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]*schema.WorkflowDefinition
	instances   map[string]*schema.WorkflowInstance
	events      []*Event
	schedules   map[string]*ScheduleEvent
	eventSeq    int64
	seqByInst   map[string]int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]*schema.WorkflowDefinition),
		instances:   make(map[string]*schema.WorkflowInstance),
		schedules:   make(map[string]*ScheduleEvent),
		seqByInst:   make(map[string]int64),
	}
}

// --- Definitions ---

func (s *MemoryStore) CreateDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.definitions[def.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow definition %q already registered", def.ID)
	}
	s.definitions[def.ID] = cloneDefinition(def)
	return nil
}

func (s *MemoryStore) GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.definitions[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow definition %q not found", id)
	}
	return cloneDefinition(def), nil
}

func (s *MemoryStore) UpdateDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.definitions[def.ID]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow definition %q not found", def.ID)
	}
	s.definitions[def.ID] = cloneDefinition(def)
	return nil
}

func (s *MemoryStore) ListEventDrivenDefinitions(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var defs []*schema.WorkflowDefinition
	for _, def := range s.definitions {
		if def.IsEventDriven {
			defs = append(defs, cloneDefinition(def))
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}

// --- Instances ---

func (s *MemoryStore) CreateInstance(ctx context.Context, inst *schema.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow instance %q already exists", inst.ID)
	}
	s.instances[inst.ID] = cloneInstance(inst)
	return nil
}

func (s *MemoryStore) GetInstance(ctx context.Context, id string) (*schema.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow instance %q not found", id)
	}
	return cloneInstance(inst), nil
}

func (s *MemoryStore) UpdateInstance(ctx context.Context, inst *schema.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow instance %q not found", inst.ID)
	}
	s.instances[inst.ID] = cloneInstance(inst)
	return nil
}

func (s *MemoryStore) ListInstancesByDefinition(ctx context.Context, definitionID string) ([]*schema.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var insts []*schema.WorkflowInstance
	for _, inst := range s.instances {
		if inst.DefinitionID == definitionID {
			insts = append(insts, cloneInstance(inst))
		}
	}
	sort.Slice(insts, func(i, j int) bool { return insts[i].ID < insts[j].ID })
	return insts, nil
}

// --- Audit events ---

func (s *MemoryStore) AppendEvent(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.eventSeq++
	s.seqByInst[event.InstanceID]++

	cp := *event
	cp.ID = s.eventSeq
	cp.Sequence = s.seqByInst[event.InstanceID]
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	cp.ActiveStates = append([]string(nil), event.ActiveStates...)
	s.events = append(s.events, &cp)

	event.ID = cp.ID
	event.Sequence = cp.Sequence
	return nil
}

func (s *MemoryStore) GetEvents(ctx context.Context, instanceID string, filter EventFilter) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Event
	for _, ev := range s.events {
		if ev.InstanceID != instanceID {
			continue
		}
		if filter.Type != "" && ev.Type != filter.Type {
			continue
		}
		cp := *ev
		cp.ActiveStates = append([]string(nil), ev.ActiveStates...)
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// --- Schedule entries ---

func (s *MemoryStore) CreateScheduleEvent(ctx context.Context, ev *ScheduleEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[ev.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "schedule event %q already exists", ev.ID)
	}
	cp := *ev
	s.schedules[ev.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteScheduleEvent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "schedule event %q not found", id)
	}
	delete(s.schedules, id)
	return nil
}

func (s *MemoryStore) ListScheduleEvents(ctx context.Context) ([]*ScheduleEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ScheduleEvent, 0, len(s.schedules))
	for _, ev := range s.schedules {
		cp := *ev
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResumeTime.Before(out[j].ResumeTime) })
	return out, nil
}

// Migrate is a no-op for the in-memory store.
func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// --- Copy helpers ---

// Stored values are cloned on every read and write so callers can never
// mutate the store's view of an instance without going through UpdateInstance.

func cloneDefinition(def *schema.WorkflowDefinition) *schema.WorkflowDefinition {
	cp := *def
	cp.States = make([]schema.StateDefinition, len(def.States))
	for i, st := range def.States {
		sc := st
		sc.OnEnter = append([]schema.Action(nil), st.OnEnter...)
		sc.OnExit = append([]schema.Action(nil), st.OnExit...)
		sc.Transitions = append([]schema.Transition(nil), st.Transitions...)
		sc.DependsOn = append([]string(nil), st.DependsOn...)
		if st.Assignments != nil {
			sc.Assignments = &schema.AssignmentRules{
				Users:  append([]string(nil), st.Assignments.Users...),
				Groups: append([]string(nil), st.Assignments.Groups...),
			}
		}
		cp.States[i] = sc
	}
	return &cp
}

func cloneInstance(inst *schema.WorkflowInstance) *schema.WorkflowInstance {
	cp := *inst
	cp.ActiveStates = append([]string(nil), inst.ActiveStates...)
	cp.StateData = cloneMap(inst.StateData)
	cp.WorkflowData = cloneMap(inst.WorkflowData)
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

var _ Store = (*MemoryStore)(nil)
