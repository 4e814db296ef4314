// Package policyengine implements the broker's central decision function:
// given an agent, a tool, and a set of requested scopes, it selects the
// highest-priority matching policy and returns a Decision. Evaluate never
// mutates persistent state; every side effect (issuing a credential,
// creating an AccessRequest row, writing an access log) happens in the
// AccessBroker that calls it.
package policyengine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/toolbroker/broker/internal/apierr"
	"github.com/toolbroker/broker/internal/cel"
	"github.com/toolbroker/broker/internal/ratelimit"
	"github.com/toolbroker/broker/internal/store"
	"github.com/toolbroker/broker/pkg/types"
)

// GlobalMaxCredentialLifetime caps every issued credential regardless of
// what an individual policy allows. Overridden by Config.GlobalMaxLifetime.
const GlobalMaxCredentialLifetime = 24 * time.Hour

// RequestContext carries the request-scoped attributes condition checks
// may consult beyond the agent and tool records themselves.
type RequestContext struct {
	Now             time.Time
	RemoteIP        string
	RequestedTTL    time.Duration
	// Extra holds additional attributes exposed to a policy's CEL
	// expression under the "ctx" variable, beyond Now/RemoteIP.
	Extra map[string]interface{}
}

// Decision is the PolicyEngine's return value.
type Decision struct {
	Outcome           types.Outcome
	MatchedPolicyID   string
	GrantedScopes     []string
	CredentialLifetime time.Duration
	ReasonCode        types.ReasonCode

	// DailyQuota is the matched policy's max_requests_per_day, or 0 if
	// it declared none. Set on ALLOW/PENDING_APPROVAL so AccessBroker
	// can consume the same (agent_id, tool_id, policy_id) counter this
	// decision only peeked.
	DailyQuota int
}

// Config bounds the credential lifetimes PolicyEngine may grant.
type Config struct {
	GlobalMaxLifetime time.Duration
}

// DefaultConfig matches spec.md §6's GLOBAL_MAX_CREDENTIAL_LIFETIME_SECONDS default.
func DefaultConfig() Config {
	return Config{GlobalMaxLifetime: GlobalMaxCredentialLifetime}
}

// Engine evaluates layered policies against an (agent, tool, scopes, ctx) tuple.
type Engine struct {
	store   store.Store
	limiter ratelimit.Limiter
	cel     *cel.Engine
	cfg     Config
	log     *zap.Logger
}

// New builds a PolicyEngine. celEngine may be nil when no policy in the
// deployment uses conditions.expr; Evaluate then rejects any policy that
// declares one, logging a warning on each such evaluation, rather than
// panicking.
func New(st store.Store, limiter ratelimit.Limiter, celEngine *cel.Engine, cfg Config, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.GlobalMaxLifetime <= 0 {
		cfg.GlobalMaxLifetime = GlobalMaxCredentialLifetime
	}
	return &Engine{store: st, limiter: limiter, cel: celEngine, cfg: cfg, log: log}
}

// Evaluate selects and evaluates policies for (agent, tool, requestedScopes)
// per spec.md §4.4. It performs no writes: besides the Store read of
// candidate policies, RateLimiter.Peek is the only downstream call, and
// it never increments state.
func (e *Engine) Evaluate(ctx context.Context, agent *types.Agent, tool *types.Tool, requestedScopes []string, rc RequestContext) Decision {
	if rc.Now.IsZero() {
		rc.Now = time.Now()
	}

	policies, err := e.store.ListPoliciesForTool(ctx, tool.ToolID)
	if err != nil {
		if errors.Is(err, apierr.Unavailable) {
			return Decision{Outcome: types.OutcomeDeny, ReasonCode: types.ReasonStoreUnavailable}
		}
		e.log.Error("policyengine: load candidate policies", zap.Error(err))
		return Decision{Outcome: types.OutcomeDeny, ReasonCode: types.ReasonInternal}
	}

	for _, policy := range policies {
		ok, err := e.conditionsSatisfied(ctx, policy, agent, tool, rc)
		if err != nil {
			if errors.Is(err, apierr.Unavailable) {
				return Decision{Outcome: types.OutcomeDeny, ReasonCode: types.ReasonStoreUnavailable}
			}
			e.log.Warn("policyengine: condition evaluation failed, treating as unsatisfied",
				zap.String("policy_id", policy.PolicyID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		granted := intersectScopes(policy.AllowedScopes, tool.AllowedScopes, requestedScopes)
		if len(granted) == 0 {
			continue
		}

		if policy.Rules.RequireApproval {
			return Decision{
				Outcome:         types.OutcomePendingApproval,
				MatchedPolicyID: policy.PolicyID,
				GrantedScopes:   granted,
				ReasonCode:      types.ReasonApproved,
				DailyQuota:      policy.Conditions.MaxRequestsPerDay,
			}
		}

		lifetime := e.creditLifetime(policy, rc.RequestedTTL)
		return Decision{
			Outcome:            types.OutcomeAllow,
			MatchedPolicyID:    policy.PolicyID,
			GrantedScopes:      granted,
			CredentialLifetime: lifetime,
			DailyQuota:         policy.Conditions.MaxRequestsPerDay,
		}
	}

	return Decision{Outcome: types.OutcomeDeny, ReasonCode: types.ReasonNoPolicyMatch}
}

// creditLifetime applies the min(requested, policy max, global max) rule
// from spec.md §4.4 step 6. A zero requestedTTL means "no preference" and
// defers entirely to the policy/global bounds.
func (e *Engine) creditLifetime(policy *types.Policy, requestedTTL time.Duration) time.Duration {
	lifetime := e.cfg.GlobalMaxLifetime

	if policyMax := time.Duration(policy.Rules.MaxCredentialLifetimeSeconds) * time.Second; policyMax > 0 && policyMax < lifetime {
		lifetime = policyMax
	}
	if requestedTTL > 0 && requestedTTL < lifetime {
		lifetime = requestedTTL
	}
	return lifetime
}

// conditionsSatisfied implements spec.md §4.4 step 2: every declared
// condition must hold; a missing key imposes no constraint on that axis.
func (e *Engine) conditionsSatisfied(ctx context.Context, policy *types.Policy, agent *types.Agent, tool *types.Tool, rc RequestContext) (bool, error) {
	c := policy.Conditions

	if len(c.RequiredRoles) > 0 && !agent.HasAllRoles(c.RequiredRoles) {
		return false, nil
	}
	if len(c.AnyRoles) > 0 && !agent.HasAnyRole(c.AnyRoles) {
		return false, nil
	}
	if len(c.IPCIDRs) > 0 && !ipInAnyCIDR(rc.RemoteIP, c.IPCIDRs) {
		return false, nil
	}
	if c.AllowedHours != nil {
		ok, err := allowedHoursSatisfied(*c.AllowedHours, rc.Now)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	if len(c.AllowedDays) > 0 && !allowedDaySatisfied(c.AllowedDays, rc.Now, c.AllowedHours) {
		return false, nil
	}
	if c.MaxRequestsPerDay > 0 {
		ok, err := e.withinDailyQuota(ctx, policy, agent, tool, c.MaxRequestsPerDay, rc.Now)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	if c.Expr != "" {
		if e.cel == nil {
			e.log.Warn("policyengine: policy has conditions.expr but no CEL engine configured",
				zap.String("policy_id", policy.PolicyID))
			return false, nil
		}
		ok, err := e.cel.EvaluateExpression(c.Expr, &cel.EvalContext{
			Agent:   agentVars(agent),
			Tool:    toolVars(tool),
			Context: contextVars(rc),
		})
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}

	return true, nil
}

// withinDailyQuota peeks (never increments) a 24h window keyed on
// (agent_id, tool_id, policy_id), per spec.md §4.4 step 2.
func (e *Engine) withinDailyQuota(ctx context.Context, policy *types.Policy, agent *types.Agent, tool *types.Tool, max int, now time.Time) (bool, error) {
	if e.limiter == nil {
		return true, nil
	}
	identity := fmt.Sprintf("policy-quota:%s:%s:%s", agent.AgentID, tool.ToolID, policy.PolicyID)
	count, _, err := e.limiter.Peek(ctx, identity, 24*time.Hour)
	if err != nil {
		return false, fmt.Errorf("policyengine: peek daily quota: %w", err)
	}
	return count < max, nil
}

func ipInAnyCIDR(ip string, cidrs []string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, c := range cidrs {
		_, network, err := net.ParseCIDR(c)
		if err != nil {
			continue
		}
		if network.Contains(parsed) {
			return true
		}
	}
	return false
}

// allowedHoursSatisfied evaluates a daily window in its declared IANA
// zone at minute granularity. start is inclusive, end is exclusive; when
// end <= start the window wraps past midnight (spec.md §9).
func allowedHoursSatisfied(h types.AllowedHours, now time.Time) (bool, error) {
	loc, err := time.LoadLocation(h.TZ)
	if err != nil {
		return false, fmt.Errorf("policyengine: load timezone %q: %w", h.TZ, err)
	}
	local := now.In(loc)
	nowMinutes := local.Hour()*60 + local.Minute()

	startMinutes, err := parseHHMM(h.Start)
	if err != nil {
		return false, err
	}
	endMinutes, err := parseHHMM(h.End)
	if err != nil {
		return false, err
	}

	if endMinutes > startMinutes {
		return nowMinutes >= startMinutes && nowMinutes < endMinutes, nil
	}
	// Wrapping window: e.g. 22:00-06:00.
	return nowMinutes >= startMinutes || nowMinutes < endMinutes, nil
}

func parseHHMM(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("policyengine: parse time %q: %w", s, err)
	}
	return h*60 + m, nil
}

// allowedDaySatisfied checks the weekday (0=Mon..6=Sun) of now in the
// same zone as allowed_hours, if one was declared; otherwise UTC.
func allowedDaySatisfied(days []int, now time.Time, hours *types.AllowedHours) bool {
	local := now
	if hours != nil {
		if loc, err := time.LoadLocation(hours.TZ); err == nil {
			local = now.In(loc)
		}
	}
	weekday := int(local.Weekday()+6) % 7 // time.Sunday=0 -> Mon=0..Sun=6
	for _, d := range days {
		if d == weekday {
			return true
		}
	}
	return false
}

// intersectScopes computes policy.allowed_scopes ∩ tool.allowed_scopes ∩
// requested_scopes, per spec.md §4.4 step 3 and §3's Credential invariant.
func intersectScopes(policyScopes, toolScopes, requestedScopes []string) []string {
	toolSet := toSet(toolScopes)
	policySet := toSet(policyScopes)

	var granted []string
	for _, s := range requestedScopes {
		if toolSet[s] && policySet[s] {
			granted = append(granted, s)
		}
	}
	return granted
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, i := range items {
		set[i] = true
	}
	return set
}

func agentVars(a *types.Agent) map[string]interface{} {
	return map[string]interface{}{
		"agent_id": a.AgentID,
		"name":     a.Name,
		"roles":    a.Roles,
	}
}

func toolVars(t *types.Tool) map[string]interface{} {
	return map[string]interface{}{
		"tool_id":        t.ToolID,
		"name":           t.Name,
		"allowed_scopes": t.AllowedScopes,
	}
}

func contextVars(rc RequestContext) map[string]interface{} {
	vars := map[string]interface{}{
		"remote_ip": rc.RemoteIP,
		"now":       rc.Now.Unix(),
	}
	for k, v := range rc.Extra {
		vars[k] = v
	}
	return vars
}
