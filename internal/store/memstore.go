package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/toolbroker/broker/internal/apierr"
	"github.com/toolbroker/broker/pkg/types"
)

type txKey struct{}

func withTx(ctx context.Context) context.Context {
	return context.WithValue(ctx, txKey{}, true)
}

func inTx(ctx context.Context) bool {
	v, _ := ctx.Value(txKey{}).(bool)
	return v
}

// MemStore is an in-process, map-backed Store. It is used in tests and
// in single-instance deployments that don't need a shared Postgres
// backend. A single mutex serializes every operation; WithTransaction
// holds that same mutex for its whole body so nested calls made from
// within fn observe a consistent snapshot without deadlocking.
type MemStore struct {
	mu sync.Mutex

	tools           map[string]*types.Tool
	agents          map[string]*types.Agent
	policies        map[string]*types.Policy
	accessRequests  map[string]*types.AccessRequest
	credentials     map[string]*types.Credential // keyed by credential_id
	byFingerprint   map[string]string            // fingerprint -> credential_id
	accessLogs      []*types.AccessLog

	now func() time.Time
}

// NewMemStore creates an empty in-process Store.
func NewMemStore() *MemStore {
	return &MemStore{
		tools:         make(map[string]*types.Tool),
		agents:        make(map[string]*types.Agent),
		policies:      make(map[string]*types.Policy),
		accessRequests: make(map[string]*types.AccessRequest),
		credentials:   make(map[string]*types.Credential),
		byFingerprint: make(map[string]string),
		now:           time.Now,
	}
}

func (s *MemStore) lock(ctx context.Context) func() {
	if inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// --- Tools ---

func (s *MemStore) CreateTool(ctx context.Context, tool *types.Tool) error {
	defer s.lock(ctx)()

	folded := strings.ToLower(tool.Name)
	for _, t := range s.tools {
		if t.IsActive && strings.ToLower(t.Name) == folded {
			return fmt.Errorf("store: %w: tool name %q", apierr.AlreadyExists, tool.Name)
		}
	}
	tool.CreatedAt = s.now()
	tool.UpdatedAt = tool.CreatedAt
	cp := *tool
	s.tools[tool.ToolID] = &cp
	return nil
}

func (s *MemStore) GetTool(ctx context.Context, toolID string) (*types.Tool, error) {
	defer s.lock(ctx)()

	t, ok := s.tools[toolID]
	if !ok {
		return nil, fmt.Errorf("store: %w: tool %q", apierr.NotFound, toolID)
	}
	cp := *t
	return &cp, nil
}

func (s *MemStore) GetToolByName(ctx context.Context, name string) (*types.Tool, error) {
	defer s.lock(ctx)()

	folded := strings.ToLower(name)
	for _, t := range s.tools {
		if strings.ToLower(t.Name) == folded {
			cp := *t
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("store: %w: tool %q", apierr.NotFound, name)
}

func (s *MemStore) UpdateTool(ctx context.Context, tool *types.Tool) error {
	defer s.lock(ctx)()

	existing, ok := s.tools[tool.ToolID]
	if !ok {
		return fmt.Errorf("store: %w: tool %q", apierr.NotFound, tool.ToolID)
	}
	if !existing.UpdatedAt.Equal(tool.UpdatedAt) {
		return fmt.Errorf("store: %w: tool %q", apierr.ConflictingUpdate, tool.ToolID)
	}
	tool.UpdatedAt = s.now()
	cp := *tool
	s.tools[tool.ToolID] = &cp
	return nil
}

func (s *MemStore) ListTools(ctx context.Context, filter ToolFilter) ([]*types.Tool, error) {
	defer s.lock(ctx)()

	var out []*types.Tool
	for _, t := range s.tools {
		if filter.OwnerID != "" && t.OwnerID != filter.OwnerID {
			continue
		}
		if filter.ActiveOnly && !t.IsActive {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) DeactivateTool(ctx context.Context, toolID string) error {
	defer s.lock(ctx)()

	t, ok := s.tools[toolID]
	if !ok {
		return fmt.Errorf("store: %w: tool %q", apierr.NotFound, toolID)
	}
	t.IsActive = false
	t.UpdatedAt = s.now()
	return nil
}

// --- Agents ---

func (s *MemStore) CreateAgent(ctx context.Context, agent *types.Agent) error {
	defer s.lock(ctx)()

	if _, exists := s.agents[agent.AgentID]; exists {
		return fmt.Errorf("store: %w: agent %q", apierr.AlreadyExists, agent.AgentID)
	}
	agent.CreatedAt = s.now()
	cp := *agent
	s.agents[agent.AgentID] = &cp
	return nil
}

func (s *MemStore) GetAgent(ctx context.Context, agentID string) (*types.Agent, error) {
	defer s.lock(ctx)()

	a, ok := s.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("store: %w: agent %q", apierr.NotFound, agentID)
	}
	cp := *a
	return &cp, nil
}

func (s *MemStore) UpdateAgent(ctx context.Context, agent *types.Agent) error {
	defer s.lock(ctx)()

	if _, ok := s.agents[agent.AgentID]; !ok {
		return fmt.Errorf("store: %w: agent %q", apierr.NotFound, agent.AgentID)
	}
	cp := *agent
	s.agents[agent.AgentID] = &cp
	return nil
}

func (s *MemStore) ListAgents(ctx context.Context, filter AgentFilter) ([]*types.Agent, error) {
	defer s.lock(ctx)()

	var out []*types.Agent
	for _, a := range s.agents {
		if filter.ActiveOnly && !a.IsActive {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) DeactivateAgent(ctx context.Context, agentID string) error {
	defer s.lock(ctx)()

	a, ok := s.agents[agentID]
	if !ok {
		return fmt.Errorf("store: %w: agent %q", apierr.NotFound, agentID)
	}
	a.IsActive = false
	return nil
}

// --- Policies ---

func (s *MemStore) CreatePolicy(ctx context.Context, policy *types.Policy) error {
	defer s.lock(ctx)()

	if _, exists := s.policies[policy.PolicyID]; exists {
		return fmt.Errorf("store: %w: policy %q", apierr.AlreadyExists, policy.PolicyID)
	}
	policy.CreatedAt = s.now()
	policy.UpdatedAt = policy.CreatedAt
	cp := *policy
	s.policies[policy.PolicyID] = &cp
	return nil
}

func (s *MemStore) GetPolicy(ctx context.Context, policyID string) (*types.Policy, error) {
	defer s.lock(ctx)()

	p, ok := s.policies[policyID]
	if !ok {
		return nil, fmt.Errorf("store: %w: policy %q", apierr.NotFound, policyID)
	}
	cp := *p
	return &cp, nil
}

func (s *MemStore) UpdatePolicy(ctx context.Context, policy *types.Policy) error {
	defer s.lock(ctx)()

	existing, ok := s.policies[policy.PolicyID]
	if !ok {
		return fmt.Errorf("store: %w: policy %q", apierr.NotFound, policy.PolicyID)
	}
	if !existing.UpdatedAt.Equal(policy.UpdatedAt) {
		return fmt.Errorf("store: %w: policy %q", apierr.ConflictingUpdate, policy.PolicyID)
	}
	policy.UpdatedAt = s.now()
	cp := *policy
	s.policies[policy.PolicyID] = &cp
	return nil
}

func (s *MemStore) ListPolicies(ctx context.Context, filter PolicyFilter) ([]*types.Policy, error) {
	defer s.lock(ctx)()

	var out []*types.Policy
	for _, p := range s.policies {
		if filter.ToolID != "" {
			if p.ToolID == nil || *p.ToolID != filter.ToolID {
				continue
			}
		}
		if filter.ActiveOnly && !p.IsActive {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) ListPoliciesForTool(ctx context.Context, toolID string) ([]*types.Policy, error) {
	defer s.lock(ctx)()

	var out []*types.Policy
	for _, p := range s.policies {
		if !p.IsActive {
			continue
		}
		if !p.AppliesToTool(toolID) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemStore) DeactivatePolicy(ctx context.Context, policyID string) error {
	defer s.lock(ctx)()

	p, ok := s.policies[policyID]
	if !ok {
		return fmt.Errorf("store: %w: policy %q", apierr.NotFound, policyID)
	}
	p.IsActive = false
	p.UpdatedAt = s.now()
	return nil
}

// --- Access Requests ---

func (s *MemStore) CreateAccessRequest(ctx context.Context, req *types.AccessRequest) error {
	defer s.lock(ctx)()

	if _, exists := s.accessRequests[req.RequestID]; exists {
		return fmt.Errorf("store: %w: access request %q", apierr.AlreadyExists, req.RequestID)
	}
	req.CreatedAt = s.now()
	cp := *req
	s.accessRequests[req.RequestID] = &cp
	return nil
}

func (s *MemStore) GetAccessRequest(ctx context.Context, requestID string) (*types.AccessRequest, error) {
	defer s.lock(ctx)()

	r, ok := s.accessRequests[requestID]
	if !ok {
		return nil, fmt.Errorf("store: %w: access request %q", apierr.NotFound, requestID)
	}
	cp := *r
	return &cp, nil
}

func (s *MemStore) ResolveAccessRequest(ctx context.Context, requestID string, status types.AccessRequestStatus, resolverID string, at time.Time) error {
	defer s.lock(ctx)()

	r, ok := s.accessRequests[requestID]
	if !ok {
		return fmt.Errorf("store: %w: access request %q", apierr.NotFound, requestID)
	}
	r.Status = status
	r.ResolverID = &resolverID
	r.ResolvedAt = &at
	return nil
}

func (s *MemStore) ExpireStaleAccessRequests(ctx context.Context, olderThan time.Time) (int, error) {
	defer s.lock(ctx)()

	count := 0
	for _, r := range s.accessRequests {
		if r.Status == types.RequestPending && r.CreatedAt.Before(olderThan) {
			r.Status = types.RequestExpired
			at := s.now()
			r.ResolvedAt = &at
			count++
		}
	}
	return count, nil
}

// --- Credentials ---

func (s *MemStore) InsertCredential(ctx context.Context, cred *types.Credential) error {
	defer s.lock(ctx)()

	if _, exists := s.credentials[cred.CredentialID]; exists {
		return fmt.Errorf("store: %w: credential %q", apierr.AlreadyExists, cred.CredentialID)
	}
	if _, exists := s.byFingerprint[cred.TokenFingerprint]; exists {
		return fmt.Errorf("store: %w: credential fingerprint collision", apierr.AlreadyExists)
	}
	cp := *cred
	s.credentials[cred.CredentialID] = &cp
	s.byFingerprint[cred.TokenFingerprint] = cred.CredentialID
	return nil
}

func (s *MemStore) GetCredential(ctx context.Context, credentialID string) (*types.Credential, error) {
	defer s.lock(ctx)()

	c, ok := s.credentials[credentialID]
	if !ok {
		return nil, fmt.Errorf("store: %w: credential %q", apierr.NotFound, credentialID)
	}
	cp := *c
	return &cp, nil
}

func (s *MemStore) GetCredentialByFingerprint(ctx context.Context, fingerprint string) (*types.Credential, error) {
	defer s.lock(ctx)()

	id, ok := s.byFingerprint[fingerprint]
	if !ok {
		return nil, fmt.Errorf("store: %w: credential fingerprint", apierr.NotFound)
	}
	cred := s.credentials[id]
	cp := *cred
	return &cp, nil
}

func (s *MemStore) RevokeCredential(ctx context.Context, credentialID string, at time.Time) error {
	defer s.lock(ctx)()

	c, ok := s.credentials[credentialID]
	if !ok {
		return fmt.Errorf("store: %w: credential %q", apierr.NotFound, credentialID)
	}
	c.RevokedAt = &at
	return nil
}

func (s *MemStore) DeleteExpiredCredentials(ctx context.Context, cutoff time.Time) (int, error) {
	defer s.lock(ctx)()

	count := 0
	for id, c := range s.credentials {
		if c.ExpiresAt.Before(cutoff) {
			delete(s.byFingerprint, c.TokenFingerprint)
			delete(s.credentials, id)
			count++
		}
	}
	return count, nil
}

// --- Access log ---

func (s *MemStore) AppendAccessLog(ctx context.Context, entry *types.AccessLog) error {
	defer s.lock(ctx)()

	entry.Timestamp = s.now()
	cp := *entry
	s.accessLogs = append(s.accessLogs, &cp)
	return nil
}

func (s *MemStore) QueryAccessLogs(ctx context.Context, filter AccessLogFilter) ([]*types.AccessLog, error) {
	defer s.lock(ctx)()

	var out []*types.AccessLog
	for _, l := range s.accessLogs {
		if filter.AgentID != "" && l.AgentID != filter.AgentID {
			continue
		}
		if filter.ToolID != "" && l.ToolID != filter.ToolID {
			continue
		}
		if filter.Event != "" && l.Event != filter.Event {
			continue
		}
		if filter.Decision != "" && l.Decision != filter.Decision {
			continue
		}
		if !filter.Since.IsZero() && l.Timestamp.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && l.Timestamp.After(filter.Until) {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []*types.AccessLog{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// WithTransaction holds the store's single mutex for the whole of fn, so
// nested Store calls made from within fn see a consistent view without
// deadlocking (they detect the ambient transaction via context and skip
// re-locking).
func (s *MemStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(withTx(ctx))
}
