package policyengine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolbroker/broker/internal/cel"
	"github.com/toolbroker/broker/internal/ratelimit"
	"github.com/toolbroker/broker/internal/store"
	"github.com/toolbroker/broker/pkg/types"
)

func newTestEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	st := store.NewMemStore()
	limiter := ratelimit.NewMemoryLimiter(0)
	t.Cleanup(func() { _ = limiter.Close() })
	celEngine, err := cel.NewEngine()
	require.NoError(t, err)
	return New(st, limiter, celEngine, DefaultConfig(), nil), st
}

func seedTool(t *testing.T, st store.Store, scopes []string) *types.Tool {
	t.Helper()
	ctx := context.Background()
	owner := &types.Agent{AgentID: uuid.NewString(), Name: "owner", IsActive: true}
	require.NoError(t, st.CreateAgent(ctx, owner))
	tool := &types.Tool{
		ToolID:        uuid.NewString(),
		Name:          "tool-" + uuid.NewString(),
		OwnerID:       owner.AgentID,
		AllowedScopes: scopes,
		IsActive:      true,
	}
	require.NoError(t, st.CreateTool(ctx, tool))
	return tool
}

func seedPolicy(t *testing.T, st store.Store, tool *types.Tool, mutate func(*types.Policy)) *types.Policy {
	t.Helper()
	toolID := tool.ToolID
	p := &types.Policy{
		PolicyID:      uuid.NewString(),
		Name:          "policy-" + uuid.NewString(),
		ToolID:        &toolID,
		CreatedBy:     tool.OwnerID,
		AllowedScopes: tool.AllowedScopes,
		Priority:      1,
		IsActive:      true,
	}
	if mutate != nil {
		mutate(p)
	}
	require.NoError(t, st.CreatePolicy(context.Background(), p))
	return p
}

func TestEvaluate_HappyPath(t *testing.T) {
	engine, st := newTestEngine(t)
	tool := seedTool(t, st, []string{"read", "write"})
	policy := seedPolicy(t, st, tool, func(p *types.Policy) {
		p.Priority = 10
		p.Conditions.RequiredRoles = []string{"tool_user"}
		p.Rules.MaxCredentialLifetimeSeconds = 3600
	})
	agent := &types.Agent{AgentID: uuid.NewString(), Name: "a1", Roles: []string{"tool_user"}, IsActive: true}

	decision := engine.Evaluate(context.Background(), agent, tool, []string{"read"}, RequestContext{RequestedTTL: 2 * time.Hour})

	assert.Equal(t, types.OutcomeAllow, decision.Outcome)
	assert.Equal(t, policy.PolicyID, decision.MatchedPolicyID)
	assert.Equal(t, []string{"read"}, decision.GrantedScopes)
	assert.Equal(t, time.Hour, decision.CredentialLifetime)
}

func TestEvaluate_DenyByRole(t *testing.T) {
	engine, st := newTestEngine(t)
	tool := seedTool(t, st, []string{"read", "write"})
	seedPolicy(t, st, tool, func(p *types.Policy) {
		p.Conditions.RequiredRoles = []string{"tool_user"}
	})
	agent := &types.Agent{AgentID: uuid.NewString(), Name: "a2", Roles: []string{"guest"}, IsActive: true}

	decision := engine.Evaluate(context.Background(), agent, tool, []string{"read"}, RequestContext{})

	assert.Equal(t, types.OutcomeDeny, decision.Outcome)
	assert.Equal(t, types.ReasonNoPolicyMatch, decision.ReasonCode)
}

func TestEvaluate_ScopeNarrowing(t *testing.T) {
	engine, st := newTestEngine(t)
	tool := seedTool(t, st, []string{"read", "write"})
	seedPolicy(t, st, tool, func(p *types.Policy) {
		p.AllowedScopes = []string{"read"}
	})
	agent := &types.Agent{AgentID: uuid.NewString(), Name: "a1", IsActive: true}

	decision := engine.Evaluate(context.Background(), agent, tool, []string{"read", "write"}, RequestContext{})

	assert.Equal(t, types.OutcomeAllow, decision.Outcome)
	assert.Equal(t, []string{"read"}, decision.GrantedScopes)
}

func TestEvaluate_ApprovalRequired(t *testing.T) {
	engine, st := newTestEngine(t)
	tool := seedTool(t, st, []string{"read"})
	policy := seedPolicy(t, st, tool, func(p *types.Policy) {
		p.Rules.RequireApproval = true
	})
	agent := &types.Agent{AgentID: uuid.NewString(), Name: "a1", IsActive: true}

	decision := engine.Evaluate(context.Background(), agent, tool, []string{"read"}, RequestContext{})

	assert.Equal(t, types.OutcomePendingApproval, decision.Outcome)
	assert.Equal(t, policy.PolicyID, decision.MatchedPolicyID)
}

func TestEvaluate_FirstMatchWinsByPriority(t *testing.T) {
	engine, st := newTestEngine(t)
	tool := seedTool(t, st, []string{"read"})
	seedPolicy(t, st, tool, func(p *types.Policy) { p.Priority = 1 })
	high := seedPolicy(t, st, tool, func(p *types.Policy) { p.Priority = 10 })
	agent := &types.Agent{AgentID: uuid.NewString(), Name: "a1", IsActive: true}

	decision := engine.Evaluate(context.Background(), agent, tool, []string{"read"}, RequestContext{})

	assert.Equal(t, high.PolicyID, decision.MatchedPolicyID)
}

func TestEvaluate_SkipsCandidateWhenScopeIntersectionEmpty(t *testing.T) {
	engine, st := newTestEngine(t)
	tool := seedTool(t, st, []string{"read", "write"})
	empty := seedPolicy(t, st, tool, func(p *types.Policy) {
		p.Priority = 10
		p.AllowedScopes = []string{"admin"}
	})
	fallback := seedPolicy(t, st, tool, func(p *types.Policy) { p.Priority = 1 })
	agent := &types.Agent{AgentID: uuid.NewString(), Name: "a1", IsActive: true}

	decision := engine.Evaluate(context.Background(), agent, tool, []string{"read"}, RequestContext{})

	assert.Equal(t, types.OutcomeAllow, decision.Outcome)
	assert.Equal(t, fallback.PolicyID, decision.MatchedPolicyID)
	assert.NotEqual(t, empty.PolicyID, decision.MatchedPolicyID)
}

func TestEvaluate_AllowedHoursWrapsPastMidnight(t *testing.T) {
	engine, st := newTestEngine(t)
	tool := seedTool(t, st, []string{"read"})
	seedPolicy(t, st, tool, func(p *types.Policy) {
		p.Conditions.AllowedHours = &types.AllowedHours{Start: "22:00", End: "06:00", TZ: "UTC"}
	})
	agent := &types.Agent{AgentID: uuid.NewString(), Name: "a1", IsActive: true}

	inside := time.Date(2026, 1, 1, 23, 30, 0, 0, time.UTC)
	decision := engine.Evaluate(context.Background(), agent, tool, []string{"read"}, RequestContext{Now: inside})
	assert.Equal(t, types.OutcomeAllow, decision.Outcome)

	outside := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	decision = engine.Evaluate(context.Background(), agent, tool, []string{"read"}, RequestContext{Now: outside})
	assert.Equal(t, types.OutcomeDeny, decision.Outcome)
}

func TestEvaluate_IPCIDRRestriction(t *testing.T) {
	engine, st := newTestEngine(t)
	tool := seedTool(t, st, []string{"read"})
	seedPolicy(t, st, tool, func(p *types.Policy) {
		p.Conditions.IPCIDRs = []string{"10.0.0.0/8"}
	})
	agent := &types.Agent{AgentID: uuid.NewString(), Name: "a1", IsActive: true}

	decision := engine.Evaluate(context.Background(), agent, tool, []string{"read"}, RequestContext{RemoteIP: "10.1.2.3"})
	assert.Equal(t, types.OutcomeAllow, decision.Outcome)

	decision = engine.Evaluate(context.Background(), agent, tool, []string{"read"}, RequestContext{RemoteIP: "192.168.1.1"})
	assert.Equal(t, types.OutcomeDeny, decision.Outcome)
}

func TestEvaluate_MaxRequestsPerDayUsesPeekNotCheck(t *testing.T) {
	engine, st := newTestEngine(t)
	tool := seedTool(t, st, []string{"read"})
	seedPolicy(t, st, tool, func(p *types.Policy) {
		p.Conditions.MaxRequestsPerDay = 1
	})
	agent := &types.Agent{AgentID: uuid.NewString(), Name: "a1", IsActive: true}

	for i := 0; i < 5; i++ {
		decision := engine.Evaluate(context.Background(), agent, tool, []string{"read"}, RequestContext{})
		assert.Equal(t, types.OutcomeAllow, decision.Outcome, "Evaluate must not consume the quota itself")
	}
}

func TestEvaluate_CELExpressionCondition(t *testing.T) {
	engine, st := newTestEngine(t)
	tool := seedTool(t, st, []string{"read"})
	seedPolicy(t, st, tool, func(p *types.Policy) {
		p.Conditions.Expr = `inRole(agent, "on_call")`
	})

	onCall := &types.Agent{AgentID: uuid.NewString(), Name: "a1", Roles: []string{"on_call"}, IsActive: true}
	decision := engine.Evaluate(context.Background(), onCall, tool, []string{"read"}, RequestContext{})
	assert.Equal(t, types.OutcomeAllow, decision.Outcome)

	offCall := &types.Agent{AgentID: uuid.NewString(), Name: "a2", IsActive: true}
	decision = engine.Evaluate(context.Background(), offCall, tool, []string{"read"}, RequestContext{})
	assert.Equal(t, types.OutcomeDeny, decision.Outcome)
}

func TestEvaluate_CredentialLifetimeBoundedByPolicyAndGlobalMax(t *testing.T) {
	engine, st := newTestEngine(t)
	tool := seedTool(t, st, []string{"read"})
	seedPolicy(t, st, tool, func(p *types.Policy) {
		p.Rules.MaxCredentialLifetimeSeconds = int64((48 * time.Hour).Seconds())
	})
	agent := &types.Agent{AgentID: uuid.NewString(), Name: "a1", IsActive: true}

	decision := engine.Evaluate(context.Background(), agent, tool, []string{"read"}, RequestContext{})

	assert.Equal(t, GlobalMaxCredentialLifetime, decision.CredentialLifetime)
}

func TestEvaluate_Deterministic(t *testing.T) {
	engine, st := newTestEngine(t)
	tool := seedTool(t, st, []string{"read"})
	seedPolicy(t, st, tool, nil)
	agent := &types.Agent{AgentID: uuid.NewString(), Name: "a1", IsActive: true}
	rc := RequestContext{Now: time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)}

	first := engine.Evaluate(context.Background(), agent, tool, []string{"read"}, rc)
	second := engine.Evaluate(context.Background(), agent, tool, []string{"read"}, rc)

	assert.Equal(t, first, second)
}
