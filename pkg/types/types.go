// Package types provides the shared entity and decision types for the
// tool access broker.
package types

import (
	"strings"
	"time"
)

// Effect mirrors the two terminal outcomes a policy decision can produce
// before approval/pending branching is applied.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Outcome is the PolicyEngine's decision classification.
type Outcome string

const (
	OutcomeAllow           Outcome = "ALLOW"
	OutcomeDeny            Outcome = "DENY"
	OutcomePendingApproval Outcome = "PENDING_APPROVAL"
)

// ReasonCode is a machine-readable explanation attached to a Decision or
// AccessLog entry.
type ReasonCode string

const (
	ReasonNone                ReasonCode = ""
	ReasonNoPolicyMatch       ReasonCode = "NO_POLICY_MATCH"
	ReasonStoreUnavailable    ReasonCode = "STORE_UNAVAILABLE"
	ReasonKeystoreUnavailable ReasonCode = "KEYSTORE_UNAVAILABLE"
	ReasonUnknownTarget       ReasonCode = "UNKNOWN_TARGET"
	ReasonRateLimited         ReasonCode = "RATE_LIMITED"
	ReasonCancelled           ReasonCode = "CANCELLED"
	ReasonInternal            ReasonCode = "INTERNAL"
	ReasonRevoked             ReasonCode = "REVOKED"
	ReasonExpired             ReasonCode = "EXPIRED"
	ReasonNotFound            ReasonCode = "NOT_FOUND"
	ReasonInsufficientScope   ReasonCode = "INSUFFICIENT_SCOPE"
	ReasonBadSignature        ReasonCode = "BAD_SIGNATURE"
	ReasonApproved            ReasonCode = "APPROVED"
)

// AgentStatus tracks whether an Agent may currently be used in decisions.
type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentInactive AgentStatus = "inactive"
)

// Agent is a non-human caller identity known to the broker.
type Agent struct {
	AgentID     string    `db:"agent_id" json:"agent_id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description"`
	Roles       []string  `db:"roles" json:"roles"`
	IsActive    bool      `db:"is_active" json:"is_active"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// HasRole reports whether the agent carries the given role.
func (a *Agent) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAllRoles reports whether the agent carries every role in required.
func (a *Agent) HasAllRoles(required []string) bool {
	for _, r := range required {
		if !a.HasRole(r) {
			return false
		}
	}
	return true
}

// HasAnyRole reports whether the agent carries at least one role in the set.
func (a *Agent) HasAnyRole(set []string) bool {
	for _, r := range set {
		if a.HasRole(r) {
			return true
		}
	}
	return false
}

// Tool is a registered remote capability with a declared universe of scopes.
type Tool struct {
	ToolID            string    `db:"tool_id" json:"tool_id"`
	Name              string    `db:"name" json:"name"`
	Description       string    `db:"description" json:"description"`
	Version           string    `db:"version" json:"version"`
	OwnerID           string    `db:"owner_id" json:"owner_id"`
	AllowedScopes     []string  `db:"allowed_scopes" json:"allowed_scopes"`
	IsActive          bool      `db:"is_active" json:"is_active"`
	RateLimitOverride int       `db:"rate_limit_override" json:"rate_limit_override,omitempty"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// HasScope reports whether scope is part of the tool's advertised universe.
func (t *Tool) HasScope(scope string) bool {
	for _, s := range t.AllowedScopes {
		if s == scope {
			return true
		}
	}
	return false
}

// NormalizedName is the case-folded form used for uniqueness checks.
func (t *Tool) NormalizedName() string {
	return strings.ToLower(t.Name)
}

// AllowedHours describes an inclusive-start/exclusive-end daily window in
// a named IANA zone. Wrapping windows (End <= Start) span past midnight.
type AllowedHours struct {
	Start string `json:"start"` // "HH:MM"
	End   string `json:"end"`   // "HH:MM"
	TZ    string `json:"tz"`    // IANA zone name
}

// Conditions is the closed, tagged-struct representation of a policy's
// eligibility predicates. Every key is optional; a missing key imposes no
// constraint on that axis.
type Conditions struct {
	MaxRequestsPerDay int           `json:"max_requests_per_day,omitempty"`
	AllowedHours      *AllowedHours `json:"allowed_hours,omitempty"`
	AllowedDays       []int         `json:"allowed_days,omitempty"` // 0=Mon .. 6=Sun
	RequiredRoles     []string      `json:"required_roles,omitempty"`
	AnyRoles          []string      `json:"any_roles,omitempty"`
	IPCIDRs           []string      `json:"ip_cidrs,omitempty"`
	// Expr is an optional CEL boolean expression evaluated against
	// {agent, tool, ctx} for predicates the struct above can't express.
	// An Expr that fails to compile or evaluate is logged on each
	// evaluation and treated as unsatisfied, never as satisfied.
	Expr string `json:"expr,omitempty"`
}

// RateLimitKey selects the identity axis a policy's own rate accounting
// keys on, distinct from the broker-level RateLimiter identity.
type RateLimitKey string

const (
	RateLimitKeyAgent     RateLimitKey = "agent"
	RateLimitKeyIP        RateLimitKey = "ip"
	RateLimitKeyAgentTool RateLimitKey = "agent_tool"
)

// Rules is the closed, tagged-struct representation of a policy's
// post-match behavior.
type Rules struct {
	RequireApproval              bool         `json:"require_approval,omitempty"`
	LogUsage                     *bool        `json:"log_usage,omitempty"` // nil => default true
	MaxCredentialLifetimeSeconds int64        `json:"max_credential_lifetime_seconds,omitempty"`
	RateLimitKey                 RateLimitKey `json:"rate_limit_key,omitempty"`
}

// LogUsageEnabled applies the documented default of true when unset.
func (r Rules) LogUsageEnabled() bool {
	if r.LogUsage == nil {
		return true
	}
	return *r.LogUsage
}

// Policy is a rule set deciding whether an agent may obtain scopes for a
// tool (or for all tools, when ToolID is nil).
type Policy struct {
	PolicyID      string     `db:"policy_id" json:"policy_id"`
	Name          string     `db:"name" json:"name"`
	ToolID        *string    `db:"tool_id" json:"tool_id"`
	CreatedBy     string     `db:"created_by" json:"created_by"`
	AllowedScopes []string   `db:"allowed_scopes" json:"allowed_scopes"`
	Conditions    Conditions `db:"conditions" json:"conditions"`
	Rules         Rules      `db:"rules" json:"rules"`
	Priority      int        `db:"priority" json:"priority"`
	IsActive      bool       `db:"is_active" json:"is_active"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// AppliesToTool reports whether the policy is global or names toolID.
func (p *Policy) AppliesToTool(toolID string) bool {
	return p.ToolID == nil || *p.ToolID == toolID
}

// AccessRequestStatus tracks the lifecycle of a pending-approval request.
type AccessRequestStatus string

const (
	RequestPending  AccessRequestStatus = "PENDING"
	RequestApproved AccessRequestStatus = "APPROVED"
	RequestRejected AccessRequestStatus = "REJECTED"
	RequestExpired  AccessRequestStatus = "EXPIRED"
)

// PendingRequestTTL is the lifetime of an unresolved AccessRequest, per
// spec: pending requests expire after 7 days.
const PendingRequestTTL = 7 * 24 * time.Hour

// AccessRequest records a human-in-the-loop approval requirement raised by
// a policy with rules.require_approval.
type AccessRequest struct {
	RequestID       string              `db:"request_id" json:"request_id"`
	AgentID         string              `db:"agent_id" json:"agent_id"`
	ToolID          string              `db:"tool_id" json:"tool_id"`
	RequestedScopes []string            `db:"requested_scopes" json:"requested_scopes"`
	Justification   string              `db:"justification" json:"justification,omitempty"`
	Status          AccessRequestStatus `db:"status" json:"status"`
	MatchedPolicyID *string             `db:"matched_policy_id" json:"matched_policy_id"`
	CreatedAt       time.Time           `db:"created_at" json:"created_at"`
	ResolvedAt      *time.Time          `db:"resolved_at" json:"resolved_at,omitempty"`
	ResolverID      *string             `db:"resolver_id" json:"resolver_id,omitempty"`
}

// Credential is a short-lived bearer credential minted after a successful
// policy decision. The plaintext token is never stored; only its
// fingerprint is kept for lookup.
type Credential struct {
	CredentialID     string     `db:"credential_id" json:"credential_id"`
	AgentID          string     `db:"agent_id" json:"agent_id"`
	ToolID           string     `db:"tool_id" json:"tool_id"`
	GrantedScopes    []string   `db:"granted_scopes" json:"granted_scopes"`
	TokenFingerprint string     `db:"token_fingerprint" json:"-"`
	IssuedAt         time.Time  `db:"issued_at" json:"issued_at"`
	ExpiresAt        time.Time  `db:"expires_at" json:"expires_at"`
	RevokedAt        *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
	SourcePolicyID   string     `db:"source_policy_id" json:"source_policy_id"`
	SourceRequestID  *string    `db:"source_request_id" json:"source_request_id,omitempty"`
	SourceIP         string     `db:"source_ip" json:"source_ip,omitempty"`
	UserAgent        string     `db:"user_agent" json:"user_agent,omitempty"`
}

// ValidAt reports whether the credential is usable at instant now.
func (c *Credential) ValidAt(now time.Time) bool {
	if c.RevokedAt != nil {
		return false
	}
	return !now.Before(c.IssuedAt) && now.Before(c.ExpiresAt)
}

// AccessEvent enumerates the kinds of events the AuditLogger records.
type AccessEvent string

const (
	EventRequestEvaluated    AccessEvent = "REQUEST_EVALUATED"
	EventCredentialIssued    AccessEvent = "CREDENTIAL_ISSUED"
	EventCredentialValidated AccessEvent = "CREDENTIAL_VALIDATED"
	EventCredentialRevoked   AccessEvent = "CREDENTIAL_REVOKED"
	EventRateLimited         AccessEvent = "RATE_LIMITED"
)

// AccessLog is an append-only audit record. No updates, no deletes.
type AccessLog struct {
	LogID           string      `db:"log_id" json:"log_id"`
	Timestamp       time.Time   `db:"timestamp" json:"timestamp"`
	RequestID       string      `db:"request_id" json:"request_id"`
	AgentID         string      `db:"agent_id" json:"agent_id"`
	ToolID          string      `db:"tool_id" json:"tool_id"`
	PolicyID        *string     `db:"policy_id" json:"policy_id,omitempty"`
	CredentialID    *string     `db:"credential_id" json:"credential_id,omitempty"`
	Event           AccessEvent `db:"event" json:"event"`
	Decision        Outcome     `db:"decision" json:"decision"`
	ReasonCode      ReasonCode  `db:"reason_code" json:"reason_code,omitempty"`
	RequestIP       string      `db:"request_ip" json:"request_ip,omitempty"`
	UserAgent       string      `db:"user_agent" json:"user_agent,omitempty"`
	RequestedScopes []string    `db:"requested_scopes" json:"requested_scopes,omitempty"`
	GrantedScopes   []string    `db:"granted_scopes" json:"granted_scopes,omitempty"`
}
