package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// fakeStore is an in-memory StateStore for executor and orchestrator tests.
type fakeStore struct {
	mu     sync.Mutex
	envs   map[string]*Environment
	states map[string]map[string]StoredState
	events []RunEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		envs:   make(map[string]*Environment),
		states: make(map[string]map[string]StoredState),
	}
}

func (s *fakeStore) CreateEnvironment(_ context.Context, env *Environment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.envs[env.Name]; exists {
		return fmt.Errorf("environment already exists: %s", env.Name)
	}
	cp := *env
	s.envs[env.Name] = &cp
	return nil
}

func (s *fakeStore) GetEnvironment(_ context.Context, name string) (*Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, ok := s.envs[name]
	if !ok {
		return nil, NewNotFoundError("environment not found: " + name)
	}
	cp := *env
	return &cp, nil
}

func (s *fakeStore) ListEnvironments(_ context.Context) ([]Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var envs []Environment
	for _, env := range s.envs {
		envs = append(envs, *env)
	}
	return envs, nil
}

func (s *fakeStore) TouchEnvironment(_ context.Context, name string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, ok := s.envs[name]
	if !ok {
		return NewNotFoundError("environment not found: " + name)
	}
	env.ExpiresAt = expiresAt
	env.DestroyFailed = false
	return nil
}

func (s *fakeStore) MarkDestroyFailed(_ context.Context, name string, failed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, ok := s.envs[name]
	if !ok {
		return NewNotFoundError("environment not found: " + name)
	}
	env.DestroyFailed = failed
	return nil
}

func (s *fakeStore) DeleteEnvironment(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.envs, name)
	delete(s.states, name)
	return nil
}

func (s *fakeStore) GetEnvironmentState(_ context.Context, env string) (map[string]StoredState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]StoredState, len(s.states[env]))
	for id, st := range s.states[env] {
		out[id] = st
	}
	return out, nil
}

func (s *fakeStore) CommitResource(ctx context.Context, env string, state StoredState, expectedVersion int64) error {
	// Writes honor cancellation like the SQLite store does.
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states[env] == nil {
		s.states[env] = make(map[string]StoredState)
	}
	current, exists := s.states[env][state.ID]
	if expectedVersion == 0 {
		if exists {
			return NewConflictError(state.ID, 0, current.Version)
		}
	} else if !exists || current.Version != expectedVersion {
		actual := int64(0)
		if exists {
			actual = current.Version
		}
		return NewConflictError(state.ID, expectedVersion, actual)
	}
	state.Version = expectedVersion + 1
	s.states[env][state.ID] = state
	return nil
}

func (s *fakeStore) DeleteResource(ctx context.Context, env, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states[env], id)
	return nil
}

func (s *fakeStore) AppendEvent(ctx context.Context, event *RunEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	event.ID = int64(len(s.events) + 1)
	s.events = append(s.events, *event)
	return nil
}

func (s *fakeStore) ListEvents(_ context.Context, runID string) ([]RunEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RunEvent
	for _, ev := range s.events {
		if ev.RunID == runID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *fakeStore) HealthCheck(context.Context) error { return nil }

// seed installs an applied resource record directly.
func (s *fakeStore) seed(env string, d ResourceDescriptor, version int64, status ResourceStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states[env] == nil {
		s.states[env] = make(map[string]StoredState)
	}
	s.states[env][d.ID] = StoredState{
		ID:         d.ID,
		Kind:       d.Kind,
		DependsOn:  d.DependsOn,
		Snapshot:   d.Snapshot(),
		ExternalID: "ext-" + d.ID,
		Version:    version,
		Status:     status,
	}
}

// fakeLocks is an in-memory LockManager. renewErr, when set, makes every
// Renew fail to simulate a lost lease.
type fakeLocks struct {
	mu       sync.Mutex
	held     map[string]string
	tokenSeq int
	renewErr error
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{held: make(map[string]string)}
}

func (l *fakeLocks) Acquire(_ context.Context, env string, _ time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.held[env]; held {
		return "", NewLockHeldError(env)
	}
	l.tokenSeq++
	token := fmt.Sprintf("token-%d", l.tokenSeq)
	l.held[env] = token
	return token, nil
}

func (l *fakeLocks) Renew(_ context.Context, env, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.renewErr != nil {
		return l.renewErr
	}
	held, ok := l.held[env]
	if !ok {
		return NewLockLostError(env, nil)
	}
	if held != token {
		return NewTokenMismatchError(env)
	}
	return nil
}

func (l *fakeLocks) Release(_ context.Context, env, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	held, ok := l.held[env]
	if !ok {
		return nil
	}
	if held != token {
		return NewTokenMismatchError(env)
	}
	delete(l.held, env)
	return nil
}

func (l *fakeLocks) Inspect(_ context.Context, env string) (*LockRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	token, ok := l.held[env]
	if !ok {
		return nil, nil
	}
	return &LockRecord{Environment: env, Token: token}, nil
}

func (l *fakeLocks) failRenewals(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.renewErr = err
}

// fakeProvider records call order and fails on demand. Failures are keyed
// by the resource name carried in params["name"]. createHook, when set,
// runs inside Create before it returns.
type fakeProvider struct {
	mu         sync.Mutex
	calls      []string
	fails      map[string]error
	seq        int
	createHook func(name string)
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{fails: make(map[string]error)}
}

func (p *fakeProvider) failOn(name string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fails[name] = err
}

func (p *fakeProvider) callOrder() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}

func (p *fakeProvider) record(op, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, op+":"+name)
	if err, ok := p.fails[name]; ok {
		return err
	}
	return nil
}

func (p *fakeProvider) Create(_ context.Context, _ ResourceKind, params map[string]any) (string, json.RawMessage, error) {
	name, _ := params["name"].(string)
	if err := p.record("create", name); err != nil {
		return "", nil, err
	}
	p.mu.Lock()
	p.seq++
	id := fmt.Sprintf("ext-%s-%d", name, p.seq)
	hook := p.createHook
	p.mu.Unlock()
	if hook != nil {
		hook(name)
	}
	return id, json.RawMessage(`{"ready":true}`), nil
}

func (p *fakeProvider) Update(_ context.Context, externalID string, params map[string]any) (json.RawMessage, error) {
	name, _ := params["name"].(string)
	if err := p.record("update", name); err != nil {
		return nil, err
	}
	return json.RawMessage(`{"ready":true}`), nil
}

func (p *fakeProvider) Delete(_ context.Context, externalID string) error {
	return p.record("delete", externalID)
}

// fakeRegistry resolves every kind to one provider.
type fakeRegistry struct {
	provider Provider
}

func (r *fakeRegistry) Resolve(ResourceKind) (Provider, error) { return r.provider, nil }
func (r *fakeRegistry) Kinds() []ResourceKind                  { return nil }
