// Package store defines the broker's persistence boundary: transactional
// CRUD over agents, tools and policies, an append-only access log, and
// atomic credential lifecycle transitions. Store is the only component
// allowed to hold entity records; every other component holds identifiers
// and fetches through it.
package store

import (
	"context"
	"time"

	"github.com/toolbroker/broker/pkg/types"
)

// ToolFilter narrows ListTools. Zero values mean "no constraint" on
// that axis.
type ToolFilter struct {
	OwnerID    string
	ActiveOnly bool
}

// AgentFilter narrows ListAgents.
type AgentFilter struct {
	ActiveOnly bool
}

// PolicyFilter narrows ListPolicies.
type PolicyFilter struct {
	ToolID     string
	ActiveOnly bool
}

// AccessLogFilter narrows Query against the access log.
type AccessLogFilter struct {
	AgentID  string
	ToolID   string
	Event    types.AccessEvent
	Decision types.Outcome
	Since    time.Time
	Until    time.Time
	Limit    int
	Offset   int
}

// Store is the broker's transactional repository abstraction. Every
// method is atomic; failures other than the sentinel errors in
// internal/apierr are fatal to the enclosing operation.
type Store interface {
	CreateTool(ctx context.Context, tool *types.Tool) error
	GetTool(ctx context.Context, toolID string) (*types.Tool, error)
	GetToolByName(ctx context.Context, name string) (*types.Tool, error)
	UpdateTool(ctx context.Context, tool *types.Tool) error
	ListTools(ctx context.Context, filter ToolFilter) ([]*types.Tool, error)
	DeactivateTool(ctx context.Context, toolID string) error

	CreateAgent(ctx context.Context, agent *types.Agent) error
	GetAgent(ctx context.Context, agentID string) (*types.Agent, error)
	UpdateAgent(ctx context.Context, agent *types.Agent) error
	ListAgents(ctx context.Context, filter AgentFilter) ([]*types.Agent, error)
	DeactivateAgent(ctx context.Context, agentID string) error

	CreatePolicy(ctx context.Context, policy *types.Policy) error
	GetPolicy(ctx context.Context, policyID string) (*types.Policy, error)
	UpdatePolicy(ctx context.Context, policy *types.Policy) error
	ListPolicies(ctx context.Context, filter PolicyFilter) ([]*types.Policy, error)
	// ListPoliciesForTool returns active policies whose tool_id matches
	// toolID or is null (applies to all tools), ordered by
	// priority DESC, created_at ASC.
	ListPoliciesForTool(ctx context.Context, toolID string) ([]*types.Policy, error)
	DeactivatePolicy(ctx context.Context, policyID string) error

	CreateAccessRequest(ctx context.Context, req *types.AccessRequest) error
	GetAccessRequest(ctx context.Context, requestID string) (*types.AccessRequest, error)
	ResolveAccessRequest(ctx context.Context, requestID string, status types.AccessRequestStatus, resolverID string, at time.Time) error
	ExpireStaleAccessRequests(ctx context.Context, olderThan time.Time) (int, error)

	// InsertCredential and AppendAccessLog for CREDENTIAL_ISSUED are
	// always called inside the same WithTransaction invocation so that
	// either both commit or neither does.
	InsertCredential(ctx context.Context, cred *types.Credential) error
	GetCredential(ctx context.Context, credentialID string) (*types.Credential, error)
	GetCredentialByFingerprint(ctx context.Context, fingerprint string) (*types.Credential, error)
	RevokeCredential(ctx context.Context, credentialID string, at time.Time) error
	// DeleteExpiredCredentials removes credential rows whose expires_at
	// is before cutoff. Access logs are retained independently.
	DeleteExpiredCredentials(ctx context.Context, cutoff time.Time) (int, error)

	AppendAccessLog(ctx context.Context, entry *types.AccessLog) error
	QueryAccessLogs(ctx context.Context, filter AccessLogFilter) ([]*types.AccessLog, error)

	// WithTransaction runs fn within a single transaction; any error fn
	// returns rolls the transaction back. Implementations that cannot
	// express transactions (e.g. an in-process map store) run fn
	// directly, since the invariants it protects are naturally atomic
	// under its own mutex.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
