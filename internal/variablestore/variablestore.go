// Package variablestore implements the namespaced typed variable table
// (spec.md §4.G) that the Rule Engine's condition evaluator reads and that
// SSH-backed actions write exit codes back into.
package variablestore

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/tianshan-edge/sentryd/internal/coreerr"
	"github.com/tianshan-edge/sentryd/internal/value"
	"github.com/tianshan-edge/sentryd/lib/stringset"
)

// MaxNameLen bounds a variable name, per spec.md §6 ("~63 chars").
const MaxNameLen = 63

// ChangeEvent is delivered synchronously to the setter before Set returns,
// per spec.md §5's ordering guarantee.
type ChangeEvent struct {
	Name string
	Old  value.Value
	New  value.Value
}

// Listener observes change events. Listeners run on the setter's
// goroutine after the store's mutex has been released, so a listener may
// call back into the store.
type Listener func(ChangeEvent)

type variable struct {
	name     string
	typ      value.Type
	current  value.Value
	sourceID string
	readOnly bool
	persist  bool
}

// Store is a mutex-guarded map of registered Variables.
type Store struct {
	mu        sync.Mutex
	vars      map[string]*variable
	bySource  map[string]stringset.StringSet
	listeners []Listener
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		vars:     make(map[string]*variable),
		bySource: make(map[string]stringset.StringSet),
	}
}

// Subscribe registers a Listener invoked on every Set that changes a
// stored Value. The Rule Engine does not subscribe: its changed/changed_to
// conditions keep their own last-sampled values.
func (s *Store) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Register adds a new variable. Re-registering an existing name replaces
// its metadata but keeps the current value.
func (s *Store) Register(name string, typ value.Type, initial value.Value, sourceID string, readOnly, persist bool) error {
	if len(name) == 0 || len(name) > MaxNameLen {
		return coreerr.New(coreerr.InvalidArgument, "variable name %q exceeds bounded length", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	v := &variable{name: name, typ: typ, current: initial, sourceID: sourceID, readOnly: readOnly, persist: persist}
	if prev, ok := s.vars[name]; ok {
		v.current = prev.current
	}
	s.vars[name] = v
	if sourceID != "" {
		set, ok := s.bySource[sourceID]
		if !ok {
			set = stringset.New()
			s.bySource[sourceID] = set
		}
		set.Add(name)
	}
	return nil
}

// Unregister removes a single variable.
func (s *Store) Unregister(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vars[name]
	if !ok {
		return coreerr.New(coreerr.NotFound, "variable %q not registered", name)
	}
	delete(s.vars, name)
	if v.sourceID != "" {
		if set, ok := s.bySource[v.sourceID]; ok {
			set.Del(name)
		}
	}
	return nil
}

// UnregisterBySource removes every variable owned by sourceID, used when a
// producer (e.g. a disconnected host) is torn down. It returns the names
// removed so the caller can log which variables went away.
func (s *Store) UnregisterBySource(sourceID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.bySource[sourceID]
	if !ok {
		return nil
	}
	names := set.ToSlice()
	for _, name := range names {
		delete(s.vars, name)
	}
	delete(s.bySource, sourceID)
	return names
}

// Exists reports whether name is registered.
func (s *Store) Exists(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.vars[name]
	return ok
}

// Get returns the current Value of name.
func (s *Store) Get(name string) (value.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vars[name]
	if !ok {
		return value.Value{}, coreerr.New(coreerr.NotFound, "variable %q not registered", name)
	}
	return v.current, nil
}

// GetBool, GetInt, GetFloat, GetString are typed convenience getters.
func (s *Store) GetBool(name string) (bool, error) {
	v, err := s.Get(name)
	if err != nil {
		return false, err
	}
	return v.Bool(), nil
}

func (s *Store) GetInt(name string) (int32, error) {
	v, err := s.Get(name)
	if err != nil {
		return 0, err
	}
	return v.Int(), nil
}

func (s *Store) GetFloat(name string) (float64, error) {
	v, err := s.Get(name)
	if err != nil {
		return 0, err
	}
	return v.Float(), nil
}

func (s *Store) GetString(name string) (string, error) {
	v, err := s.Get(name)
	if err != nil {
		return "", err
	}
	return v.String(), nil
}

// Set writes a new value, honoring the read-only flag. A change that
// actually alters the stored Value fires all subscribed listeners
// synchronously before returning, per spec.md §5.
func (s *Store) Set(name string, v value.Value) error {
	return s.set(name, v, false)
}

// SetInternal bypasses the read-only flag, for internal owners of the
// variable (e.g. the Action Dispatcher writing back an SSH exit code).
func (s *Store) SetInternal(name string, v value.Value) error {
	return s.set(name, v, true)
}

func (s *Store) set(name string, v value.Value, internal bool) error {
	s.mu.Lock()
	existing, ok := s.vars[name]
	if !ok {
		s.mu.Unlock()
		return coreerr.New(coreerr.NotFound, "variable %q not registered", name)
	}
	if existing.readOnly && !internal {
		s.mu.Unlock()
		return coreerr.New(coreerr.InvalidState, "variable %q is read-only", name)
	}

	old := existing.current
	changed := !value.Equal(old, v)
	existing.current = v
	listeners := s.listeners
	s.mu.Unlock()

	if changed {
		evt := ChangeEvent{Name: name, Old: old, New: v}
		for _, l := range listeners {
			l(evt)
		}
	}
	return nil
}

// Iterate calls fn for every registered variable in unspecified order.
func (s *Store) Iterate(fn func(name string, v value.Value)) {
	s.mu.Lock()
	snapshot := make(map[string]value.Value, len(s.vars))
	for name, v := range s.vars {
		snapshot[name] = v.current
	}
	s.mu.Unlock()
	for name, v := range snapshot {
		fn(name, v)
	}
}

// Enumerate calls fn for every variable whose dotted name starts with
// prefix (e.g. "hosts.agx.").
func (s *Store) Enumerate(prefix string, fn func(name string, v value.Value)) {
	s.Iterate(func(name string, v value.Value) {
		if strings.HasPrefix(name, prefix) {
			fn(name, v)
		}
	})
}

// persistedVariable is the JSON shape used by SaveAll/LoadAll.
type persistedVariable struct {
	Name     string      `json:"name"`
	Type     value.Type  `json:"type"`
	Value    value.Value `json:"value"`
	SourceID string      `json:"source_id,omitempty"`
	ReadOnly bool        `json:"read_only"`
	Persist  bool        `json:"persist"`
}

// ExportJSON serializes every persist-flagged variable.
func (s *Store) ExportJSON() ([]byte, error) {
	s.mu.Lock()
	var out []persistedVariable
	for _, v := range s.vars {
		if !v.persist {
			continue
		}
		out = append(out, persistedVariable{
			Name: v.name, Type: v.typ, Value: v.current,
			SourceID: v.sourceID, ReadOnly: v.readOnly, Persist: v.persist,
		})
	}
	s.mu.Unlock()
	data, err := json.Marshal(out)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, err)
	}
	return data, nil
}

// ImportJSON restores variables previously exported with ExportJSON,
// registering them if not already present.
func (s *Store) ImportJSON(data []byte) error {
	var in []persistedVariable
	if err := json.Unmarshal(data, &in); err != nil {
		return coreerr.Wrap(coreerr.ParseError, err)
	}
	for _, pv := range in {
		if s.Exists(pv.Name) {
			continue
		}
		if err := s.Register(pv.Name, pv.Type, pv.Value, pv.SourceID, pv.ReadOnly, pv.Persist); err != nil {
			return err
		}
	}
	return nil
}

// SaveAll is an alias for ExportJSON, kept distinct per spec.md §4.G's
// naming so callers that persist via a KV writer (rather than returning
// the blob to an HTTP caller) have a symmetrically named entrypoint.
func (s *Store) SaveAll() ([]byte, error) { return s.ExportJSON() }

// LoadAll is an alias for ImportJSON.
func (s *Store) LoadAll(data []byte) error { return s.ImportJSON(data) }
