// Package broker implements AccessBroker, the orchestration point for
// every access decision: RateLimiter, PolicyEngine, CredentialVendor and
// AuditLogger are each constructor-injected collaborators, never
// reached through package-level state.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/toolbroker/broker/internal/audit"
	"github.com/toolbroker/broker/internal/credentialvendor"
	"github.com/toolbroker/broker/internal/policyengine"
	"github.com/toolbroker/broker/internal/ratelimit"
	"github.com/toolbroker/broker/internal/store"
	"github.com/toolbroker/broker/pkg/types"
)

// Request carries everything RequestAccess needs from the caller.
type Request struct {
	AgentID           string
	ToolID            string
	RequestedScopes   []string
	RequestedLifetime time.Duration
	Justification     string
	IdempotencyKey    string
	RemoteIP          string
	UserAgent         string
}

// Credential is the bearer material returned on an ALLOW decision.
type Credential struct {
	Token         string
	ExpiresAt     time.Time
	GrantedScopes []string
	CredentialID  string
}

// Result is RequestAccess's outcome, shaped directly after spec.md §6's
// POST /access/request response body.
type Result struct {
	Status          types.Outcome
	Credential      *Credential
	RequestID       string
	MatchedPolicyID string
	ReasonCode      types.ReasonCode
	RetryAfter      time.Duration
}

// Config bounds what RequestAccess will do when the caller omits optional
// fields.
type Config struct {
	RateLimit       int
	RateLimitWindow time.Duration
	DefaultLifetime time.Duration
}

// DefaultConfig matches spec.md §6's RATE_LIMIT/RATE_LIMIT_WINDOW_SECONDS
// defaults and a 30-minute default requested lifetime
// (ACCESS_TOKEN_EXPIRE_SECONDS=1800).
func DefaultConfig() Config {
	return Config{RateLimit: 100, RateLimitWindow: 60 * time.Second, DefaultLifetime: 30 * time.Minute}
}

// Broker implements spec.md §4.7's RequestAccess orchestration.
type Broker struct {
	store   store.Store
	limiter ratelimit.Limiter
	engine  *policyengine.Engine
	vendor  *credentialvendor.Vendor
	audit   *audit.AuditLogger
	cfg     Config
	log     *zap.Logger
	now     func() time.Time
	idem    *idempotencyCache
}

// New builds an AccessBroker over its four collaborators.
func New(st store.Store, limiter ratelimit.Limiter, engine *policyengine.Engine, vendor *credentialvendor.Vendor, cfg Config, log *zap.Logger) *Broker {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultConfig().RateLimit
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = DefaultConfig().RateLimitWindow
	}
	if cfg.DefaultLifetime <= 0 {
		cfg.DefaultLifetime = DefaultConfig().DefaultLifetime
	}
	return &Broker{
		store:   st,
		limiter: limiter,
		engine:  engine,
		vendor:  vendor,
		audit:   audit.New(st),
		cfg:     cfg,
		log:     log,
		now:     time.Now,
		idem:    newIdempotencyCache(),
	}
}

// RequestAccess runs the full decision pipeline per spec.md §4.7:
// load target → rate limit → evaluate policy → branch on outcome →
// audit. Any panic raised by a collaborator is recovered and mapped to
// DENY/INTERNAL rather than propagating, since a crashed goroutine must
// never leave the caller without a decision.
func (b *Broker) RequestAccess(ctx context.Context, req Request) (result *Result, err error) {
	if cached, ok := b.idem.lookup(req.IdempotencyKey, b.now()); ok {
		return cached, nil
	}

	defer func() {
		if r := recover(); r != nil {
			b.log.Error("broker: recovered panic in RequestAccess", zap.Any("panic", r))
			result = &Result{Status: types.OutcomeDeny, ReasonCode: types.ReasonInternal}
			err = nil
		}
	}()

	result, err = b.requestAccess(ctx, req)
	if err != nil {
		b.log.Error("broker: RequestAccess failed", zap.Error(err))
		result = &Result{Status: types.OutcomeDeny, ReasonCode: types.ReasonInternal}
		err = nil
	}

	if req.IdempotencyKey != "" {
		b.idem.store(req.IdempotencyKey, result, b.now())
	}
	return result, nil
}

func (b *Broker) requestAccess(ctx context.Context, req Request) (*Result, error) {
	requestID := uuid.NewString()

	tool, agent, denyResult := b.loadTarget(ctx, req)
	if denyResult != nil {
		if logErr := b.logEvaluated(ctx, requestID, req, "", types.OutcomeDeny, denyResult.ReasonCode, nil); logErr != nil {
			return nil, logErr
		}
		denyResult.RequestID = requestID
		return denyResult, nil
	}

	identity := req.AgentID
	rlResult, err := b.limiter.Check(ctx, identity, effectiveLimit(tool, b.cfg), b.cfg.RateLimitWindow)
	if err != nil {
		return nil, fmt.Errorf("broker: rate limit check: %w", err)
	}
	if !rlResult.Allowed {
		if logErr := b.audit.LogSync(ctx, &types.AccessLog{
			RequestID:       requestID,
			AgentID:         req.AgentID,
			ToolID:          req.ToolID,
			Event:           types.EventRateLimited,
			Decision:        types.OutcomeDeny,
			ReasonCode:      types.ReasonRateLimited,
			RequestIP:       req.RemoteIP,
			UserAgent:       req.UserAgent,
			RequestedScopes: req.RequestedScopes,
		}); logErr != nil {
			return nil, logErr
		}
		return &Result{
			Status:     types.OutcomeDeny,
			RequestID:  requestID,
			ReasonCode: types.ReasonRateLimited,
			RetryAfter: time.Until(rlResult.ResetAt),
		}, nil
	}

	if ctx.Err() != nil {
		if logErr := b.logEvaluated(ctx, requestID, req, "", types.OutcomeDeny, types.ReasonCancelled, nil); logErr != nil {
			return nil, logErr
		}
		return &Result{Status: types.OutcomeDeny, RequestID: requestID, ReasonCode: types.ReasonCancelled}, nil
	}

	lifetime := req.RequestedLifetime
	if lifetime <= 0 {
		lifetime = b.cfg.DefaultLifetime
	}
	decision := b.engine.Evaluate(ctx, agent, tool, req.RequestedScopes, policyengine.RequestContext{
		Now:          b.now(),
		RemoteIP:     req.RemoteIP,
		RequestedTTL: lifetime,
	})

	switch decision.Outcome {
	case types.OutcomeAllow:
		return b.issue(ctx, requestID, req, decision)
	case types.OutcomePendingApproval:
		return b.persistPending(ctx, requestID, req, decision)
	default:
		if logErr := b.logEvaluated(ctx, requestID, req, decision.MatchedPolicyID, types.OutcomeDeny, decision.ReasonCode, nil); logErr != nil {
			return nil, logErr
		}
		return &Result{Status: types.OutcomeDeny, RequestID: requestID, MatchedPolicyID: decision.MatchedPolicyID, ReasonCode: decision.ReasonCode}, nil
	}
}

// loadTarget fetches and validates the agent/tool named by req. A
// non-nil *Result return means the caller should deny immediately.
func (b *Broker) loadTarget(ctx context.Context, req Request) (*types.Tool, *types.Agent, *Result) {
	tool, err := b.store.GetTool(ctx, req.ToolID)
	if err != nil || !tool.IsActive {
		return nil, nil, &Result{Status: types.OutcomeDeny, ReasonCode: types.ReasonUnknownTarget}
	}
	agent, err := b.store.GetAgent(ctx, req.AgentID)
	if err != nil || !agent.IsActive {
		return nil, nil, &Result{Status: types.OutcomeDeny, ReasonCode: types.ReasonUnknownTarget}
	}
	return tool, agent, nil
}

// consumeDailyQuota increments the same (agent_id, tool_id, policy_id)
// 24h counter PolicyEngine.Evaluate only peeked, per spec.md §4.4 step
// 2's "actual decrement happens in AccessBroker after provisional
// approval." A no-op when the matched policy declared no
// max_requests_per_day. Counter-increment failure never fails the
// request it's attached to: the decision is already made, so this can
// only log and move on.
func (b *Broker) consumeDailyQuota(ctx context.Context, req Request, decision policyengine.Decision) {
	if decision.DailyQuota <= 0 || b.limiter == nil {
		return
	}
	identity := fmt.Sprintf("policy-quota:%s:%s:%s", req.AgentID, req.ToolID, decision.MatchedPolicyID)
	if _, err := b.limiter.Check(ctx, identity, decision.DailyQuota, 24*time.Hour); err != nil {
		b.log.Warn("broker: consume daily quota failed", zap.String("idempotency_key", req.IdempotencyKey), zap.Error(err))
	}
}

// issue mints the credential an ALLOW decision authorizes. The
// CREDENTIAL_ISSUED log entry commits inside CredentialVendor.Issue's
// own transaction; REQUEST_EVALUATED is written as a second, separate
// entry sharing the same request_id, per spec.md §5's "access logs for
// a single RequestAccess call share one request_id" ordering guarantee.
func (b *Broker) issue(ctx context.Context, requestID string, req Request, decision policyengine.Decision) (*Result, error) {
	b.consumeDailyQuota(ctx, req, decision)

	issued, err := b.vendor.Issue(ctx, credentialvendor.IssueRequest{
		AgentID:         req.AgentID,
		ToolID:          req.ToolID,
		Scopes:          decision.GrantedScopes,
		Lifetime:        decision.CredentialLifetime,
		SourcePolicyID:  decision.MatchedPolicyID,
		SourceRequestID: &requestID,
		SourceIP:        req.RemoteIP,
		UserAgent:       req.UserAgent,
	})
	if err != nil {
		return nil, fmt.Errorf("broker: issue credential: %w", err)
	}

	if logErr := b.logEvaluated(ctx, requestID, req, decision.MatchedPolicyID, types.OutcomeAllow, types.ReasonNone, decision.GrantedScopes); logErr != nil {
		return nil, logErr
	}

	return &Result{
		Status:          types.OutcomeAllow,
		RequestID:       requestID,
		MatchedPolicyID: decision.MatchedPolicyID,
		Credential: &Credential{
			Token:         issued.Token,
			ExpiresAt:     issued.ExpiresAt,
			GrantedScopes: decision.GrantedScopes,
			CredentialID:  issued.CredentialID,
		},
	}, nil
}

// persistPending records the AccessRequest a require_approval policy
// raised and logs the evaluation against it.
func (b *Broker) persistPending(ctx context.Context, requestID string, req Request, decision policyengine.Decision) (*Result, error) {
	b.consumeDailyQuota(ctx, req, decision)

	policyID := decision.MatchedPolicyID
	accessReq := &types.AccessRequest{
		RequestID:       requestID,
		AgentID:         req.AgentID,
		ToolID:          req.ToolID,
		RequestedScopes: req.RequestedScopes,
		Justification:   req.Justification,
		Status:          types.RequestPending,
		MatchedPolicyID: &policyID,
		CreatedAt:       b.now(),
	}
	if err := b.store.CreateAccessRequest(ctx, accessReq); err != nil {
		return nil, fmt.Errorf("broker: persist access request: %w", err)
	}
	if err := b.logEvaluated(ctx, requestID, req, policyID, types.OutcomePendingApproval, types.ReasonNone, nil); err != nil {
		return nil, err
	}
	return &Result{
		Status:          types.OutcomePendingApproval,
		RequestID:       requestID,
		MatchedPolicyID: policyID,
	}, nil
}

func (b *Broker) logEvaluated(ctx context.Context, requestID string, req Request, policyID string, outcome types.Outcome, reason types.ReasonCode, grantedScopes []string) error {
	entry := &types.AccessLog{
		RequestID:       requestID,
		AgentID:         req.AgentID,
		ToolID:          req.ToolID,
		Event:           types.EventRequestEvaluated,
		Decision:        outcome,
		ReasonCode:      reason,
		RequestIP:       req.RemoteIP,
		UserAgent:       req.UserAgent,
		RequestedScopes: req.RequestedScopes,
		GrantedScopes:   grantedScopes,
	}
	if policyID != "" {
		entry.PolicyID = &policyID
	}
	return b.audit.LogSync(ctx, entry)
}

// effectiveLimit lets a tool override the broker-wide rate limit, per
// Tool.RateLimitOverride.
func effectiveLimit(tool *types.Tool, cfg Config) int {
	if tool != nil && tool.RateLimitOverride > 0 {
		return tool.RateLimitOverride
	}
	return cfg.RateLimit
}
