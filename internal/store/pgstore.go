package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/toolbroker/broker/internal/apierr"
	"github.com/toolbroker/broker/pkg/types"
)

// PGStore is a Postgres-backed Store using pgx's connection pool. It
// issues raw SQL matching the db tags on pkg/types, following the
// teacher's convention of direct statements over an ORM.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wraps an already-configured pgx pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

type txKeyPG struct{}

func (s *PGStore) querier(ctx context.Context) interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
} {
	if tx, ok := ctx.Value(txKeyPG{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

func wrapPGErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("store: %w: %s", apierr.NotFound, op)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("store: %w: %s", apierr.AlreadyExists, op)
		}
	}
	return fmt.Errorf("store: %w: %s: %v", apierr.Unavailable, op, err)
}

// --- Tools ---

func (s *PGStore) CreateTool(ctx context.Context, tool *types.Tool) error {
	q := s.querier(ctx)
	_, err := q.Exec(ctx, `
		INSERT INTO tools (tool_id, name, description, version, owner_id, allowed_scopes, is_active, rate_limit_override, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())`,
		tool.ToolID, tool.Name, tool.Description, tool.Version, tool.OwnerID, tool.AllowedScopes, tool.IsActive, tool.RateLimitOverride)
	return wrapPGErr("create tool", err)
}

func (s *PGStore) scanTool(row pgx.Row) (*types.Tool, error) {
	var t types.Tool
	err := row.Scan(&t.ToolID, &t.Name, &t.Description, &t.Version, &t.OwnerID, &t.AllowedScopes, &t.IsActive, &t.RateLimitOverride, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, wrapPGErr("scan tool", err)
	}
	return &t, nil
}

const toolColumns = `tool_id, name, description, version, owner_id, allowed_scopes, is_active, rate_limit_override, created_at, updated_at`

func (s *PGStore) GetTool(ctx context.Context, toolID string) (*types.Tool, error) {
	row := s.querier(ctx).QueryRow(ctx, `SELECT `+toolColumns+` FROM tools WHERE tool_id = $1`, toolID)
	return s.scanTool(row)
}

func (s *PGStore) GetToolByName(ctx context.Context, name string) (*types.Tool, error) {
	row := s.querier(ctx).QueryRow(ctx, `SELECT `+toolColumns+` FROM tools WHERE lower(name) = lower($1)`, name)
	return s.scanTool(row)
}

func (s *PGStore) UpdateTool(ctx context.Context, tool *types.Tool) error {
	tag, err := s.querier(ctx).Exec(ctx, `
		UPDATE tools SET name = $1, description = $2, version = $3, allowed_scopes = $4,
			is_active = $5, rate_limit_override = $6, updated_at = now()
		WHERE tool_id = $7 AND updated_at = $8`,
		tool.Name, tool.Description, tool.Version, tool.AllowedScopes, tool.IsActive, tool.RateLimitOverride,
		tool.ToolID, tool.UpdatedAt)
	if err != nil {
		return wrapPGErr("update tool", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetTool(ctx, tool.ToolID); errors.Is(getErr, apierr.NotFound) {
			return fmt.Errorf("store: %w: tool %q", apierr.NotFound, tool.ToolID)
		}
		return fmt.Errorf("store: %w: tool %q", apierr.ConflictingUpdate, tool.ToolID)
	}
	return nil
}

func (s *PGStore) ListTools(ctx context.Context, filter ToolFilter) ([]*types.Tool, error) {
	query := `SELECT ` + toolColumns + ` FROM tools WHERE 1=1`
	var args []interface{}
	if filter.OwnerID != "" {
		args = append(args, filter.OwnerID)
		query += fmt.Sprintf(" AND owner_id = $%d", len(args))
	}
	if filter.ActiveOnly {
		query += " AND is_active"
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.querier(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, wrapPGErr("list tools", err)
	}
	defer rows.Close()

	var out []*types.Tool
	for rows.Next() {
		t, err := s.scanTool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, wrapPGErr("list tools", rows.Err())
}

func (s *PGStore) DeactivateTool(ctx context.Context, toolID string) error {
	tag, err := s.querier(ctx).Exec(ctx, `UPDATE tools SET is_active = false, updated_at = now() WHERE tool_id = $1`, toolID)
	if err != nil {
		return wrapPGErr("deactivate tool", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: %w: tool %q", apierr.NotFound, toolID)
	}
	return nil
}

// --- Agents ---

func (s *PGStore) CreateAgent(ctx context.Context, agent *types.Agent) error {
	_, err := s.querier(ctx).Exec(ctx, `
		INSERT INTO agents (agent_id, name, description, roles, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, now())`,
		agent.AgentID, agent.Name, agent.Description, agent.Roles, agent.IsActive)
	return wrapPGErr("create agent", err)
}

func (s *PGStore) scanAgent(row pgx.Row) (*types.Agent, error) {
	var a types.Agent
	err := row.Scan(&a.AgentID, &a.Name, &a.Description, &a.Roles, &a.IsActive, &a.CreatedAt)
	if err != nil {
		return nil, wrapPGErr("scan agent", err)
	}
	return &a, nil
}

const agentColumns = `agent_id, name, description, roles, is_active, created_at`

func (s *PGStore) GetAgent(ctx context.Context, agentID string) (*types.Agent, error) {
	row := s.querier(ctx).QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id = $1`, agentID)
	return s.scanAgent(row)
}

func (s *PGStore) UpdateAgent(ctx context.Context, agent *types.Agent) error {
	tag, err := s.querier(ctx).Exec(ctx, `
		UPDATE agents SET name = $1, description = $2, roles = $3, is_active = $4 WHERE agent_id = $5`,
		agent.Name, agent.Description, agent.Roles, agent.IsActive, agent.AgentID)
	if err != nil {
		return wrapPGErr("update agent", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: %w: agent %q", apierr.NotFound, agent.AgentID)
	}
	return nil
}

func (s *PGStore) ListAgents(ctx context.Context, filter AgentFilter) ([]*types.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE 1=1`
	if filter.ActiveOnly {
		query += " AND is_active"
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.querier(ctx).Query(ctx, query)
	if err != nil {
		return nil, wrapPGErr("list agents", err)
	}
	defer rows.Close()

	var out []*types.Agent
	for rows.Next() {
		a, err := s.scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, wrapPGErr("list agents", rows.Err())
}

func (s *PGStore) DeactivateAgent(ctx context.Context, agentID string) error {
	tag, err := s.querier(ctx).Exec(ctx, `UPDATE agents SET is_active = false WHERE agent_id = $1`, agentID)
	if err != nil {
		return wrapPGErr("deactivate agent", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: %w: agent %q", apierr.NotFound, agentID)
	}
	return nil
}

// --- Policies ---

const policyColumns = `policy_id, name, tool_id, created_by, allowed_scopes, conditions, rules, priority, is_active, created_at, updated_at`

func (s *PGStore) CreatePolicy(ctx context.Context, policy *types.Policy) error {
	conditions, rules, err := marshalPolicyJSON(policy)
	if err != nil {
		return err
	}
	_, err = s.querier(ctx).Exec(ctx, `
		INSERT INTO policies (policy_id, name, tool_id, created_by, allowed_scopes, conditions, rules, priority, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())`,
		policy.PolicyID, policy.Name, policy.ToolID, policy.CreatedBy, policy.AllowedScopes, conditions, rules, policy.Priority, policy.IsActive)
	return wrapPGErr("create policy", err)
}

func (s *PGStore) scanPolicy(row pgx.Row) (*types.Policy, error) {
	var p types.Policy
	var conditions, rules []byte
	err := row.Scan(&p.PolicyID, &p.Name, &p.ToolID, &p.CreatedBy, &p.AllowedScopes, &conditions, &rules,
		&p.Priority, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, wrapPGErr("scan policy", err)
	}
	if err := unmarshalPolicyJSON(&p, conditions, rules); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PGStore) GetPolicy(ctx context.Context, policyID string) (*types.Policy, error) {
	row := s.querier(ctx).QueryRow(ctx, `SELECT `+policyColumns+` FROM policies WHERE policy_id = $1`, policyID)
	return s.scanPolicy(row)
}

func (s *PGStore) UpdatePolicy(ctx context.Context, policy *types.Policy) error {
	conditions, rules, err := marshalPolicyJSON(policy)
	if err != nil {
		return err
	}
	tag, err := s.querier(ctx).Exec(ctx, `
		UPDATE policies SET name = $1, tool_id = $2, allowed_scopes = $3, conditions = $4, rules = $5,
			priority = $6, is_active = $7, updated_at = now()
		WHERE policy_id = $8 AND updated_at = $9`,
		policy.Name, policy.ToolID, policy.AllowedScopes, conditions, rules, policy.Priority, policy.IsActive,
		policy.PolicyID, policy.UpdatedAt)
	if err != nil {
		return wrapPGErr("update policy", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetPolicy(ctx, policy.PolicyID); errors.Is(getErr, apierr.NotFound) {
			return fmt.Errorf("store: %w: policy %q", apierr.NotFound, policy.PolicyID)
		}
		return fmt.Errorf("store: %w: policy %q", apierr.ConflictingUpdate, policy.PolicyID)
	}
	return nil
}

func (s *PGStore) ListPolicies(ctx context.Context, filter PolicyFilter) ([]*types.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies WHERE 1=1`
	var args []interface{}
	if filter.ToolID != "" {
		args = append(args, filter.ToolID)
		query += fmt.Sprintf(" AND tool_id = $%d", len(args))
	}
	if filter.ActiveOnly {
		query += " AND is_active"
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.querier(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, wrapPGErr("list policies", err)
	}
	defer rows.Close()

	var out []*types.Policy
	for rows.Next() {
		p, err := s.scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, wrapPGErr("list policies", rows.Err())
}

func (s *PGStore) ListPoliciesForTool(ctx context.Context, toolID string) ([]*types.Policy, error) {
	rows, err := s.querier(ctx).Query(ctx, `
		SELECT `+policyColumns+` FROM policies
		WHERE is_active AND (tool_id = $1 OR tool_id IS NULL)
		ORDER BY priority DESC, created_at ASC`, toolID)
	if err != nil {
		return nil, wrapPGErr("list policies for tool", err)
	}
	defer rows.Close()

	var out []*types.Policy
	for rows.Next() {
		p, err := s.scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, wrapPGErr("list policies for tool", rows.Err())
}

func (s *PGStore) DeactivatePolicy(ctx context.Context, policyID string) error {
	tag, err := s.querier(ctx).Exec(ctx, `UPDATE policies SET is_active = false, updated_at = now() WHERE policy_id = $1`, policyID)
	if err != nil {
		return wrapPGErr("deactivate policy", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: %w: policy %q", apierr.NotFound, policyID)
	}
	return nil
}

// --- Access Requests ---

func (s *PGStore) CreateAccessRequest(ctx context.Context, req *types.AccessRequest) error {
	_, err := s.querier(ctx).Exec(ctx, `
		INSERT INTO access_requests (request_id, agent_id, tool_id, requested_scopes, justification, status, matched_policy_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		req.RequestID, req.AgentID, req.ToolID, req.RequestedScopes, req.Justification, req.Status, req.MatchedPolicyID)
	return wrapPGErr("create access request", err)
}

func (s *PGStore) GetAccessRequest(ctx context.Context, requestID string) (*types.AccessRequest, error) {
	row := s.querier(ctx).QueryRow(ctx, `
		SELECT request_id, agent_id, tool_id, requested_scopes, justification, status, matched_policy_id, created_at, resolved_at, resolver_id
		FROM access_requests WHERE request_id = $1`, requestID)

	var r types.AccessRequest
	err := row.Scan(&r.RequestID, &r.AgentID, &r.ToolID, &r.RequestedScopes, &r.Justification, &r.Status,
		&r.MatchedPolicyID, &r.CreatedAt, &r.ResolvedAt, &r.ResolverID)
	if err != nil {
		return nil, wrapPGErr("get access request", err)
	}
	return &r, nil
}

func (s *PGStore) ResolveAccessRequest(ctx context.Context, requestID string, status types.AccessRequestStatus, resolverID string, at time.Time) error {
	tag, err := s.querier(ctx).Exec(ctx, `
		UPDATE access_requests SET status = $1, resolver_id = $2, resolved_at = $3 WHERE request_id = $4`,
		status, resolverID, at, requestID)
	if err != nil {
		return wrapPGErr("resolve access request", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: %w: access request %q", apierr.NotFound, requestID)
	}
	return nil
}

func (s *PGStore) ExpireStaleAccessRequests(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.querier(ctx).Exec(ctx, `
		UPDATE access_requests SET status = $1, resolved_at = now()
		WHERE status = $2 AND created_at < $3`,
		types.RequestExpired, types.RequestPending, olderThan)
	if err != nil {
		return 0, wrapPGErr("expire stale access requests", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- Credentials ---

func (s *PGStore) InsertCredential(ctx context.Context, cred *types.Credential) error {
	_, err := s.querier(ctx).Exec(ctx, `
		INSERT INTO credentials (credential_id, agent_id, tool_id, granted_scopes, token_fingerprint, issued_at, expires_at, source_policy_id, source_request_id, source_ip, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		cred.CredentialID, cred.AgentID, cred.ToolID, cred.GrantedScopes, cred.TokenFingerprint,
		cred.IssuedAt, cred.ExpiresAt, cred.SourcePolicyID, cred.SourceRequestID, cred.SourceIP, cred.UserAgent)
	return wrapPGErr("insert credential", err)
}

func (s *PGStore) scanCredential(row pgx.Row) (*types.Credential, error) {
	var c types.Credential
	err := row.Scan(&c.CredentialID, &c.AgentID, &c.ToolID, &c.GrantedScopes, &c.TokenFingerprint,
		&c.IssuedAt, &c.ExpiresAt, &c.RevokedAt, &c.SourcePolicyID, &c.SourceRequestID, &c.SourceIP, &c.UserAgent)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

const credentialColumns = `credential_id, agent_id, tool_id, granted_scopes, token_fingerprint, issued_at, expires_at,
			revoked_at, source_policy_id, source_request_id, source_ip, user_agent`

func (s *PGStore) GetCredential(ctx context.Context, credentialID string) (*types.Credential, error) {
	row := s.querier(ctx).QueryRow(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE credential_id = $1`, credentialID)
	c, err := s.scanCredential(row)
	if err != nil {
		return nil, wrapPGErr("get credential", err)
	}
	return c, nil
}

func (s *PGStore) GetCredentialByFingerprint(ctx context.Context, fingerprint string) (*types.Credential, error) {
	row := s.querier(ctx).QueryRow(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE token_fingerprint = $1`, fingerprint)
	c, err := s.scanCredential(row)
	if err != nil {
		return nil, wrapPGErr("get credential by fingerprint", err)
	}
	return c, nil
}

func (s *PGStore) RevokeCredential(ctx context.Context, credentialID string, at time.Time) error {
	tag, err := s.querier(ctx).Exec(ctx, `UPDATE credentials SET revoked_at = $1 WHERE credential_id = $2`, at, credentialID)
	if err != nil {
		return wrapPGErr("revoke credential", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: %w: credential %q", apierr.NotFound, credentialID)
	}
	return nil
}

func (s *PGStore) DeleteExpiredCredentials(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.querier(ctx).Exec(ctx, `DELETE FROM credentials WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, wrapPGErr("delete expired credentials", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- Access log ---

func (s *PGStore) AppendAccessLog(ctx context.Context, entry *types.AccessLog) error {
	_, err := s.querier(ctx).Exec(ctx, `
		INSERT INTO access_logs (log_id, timestamp, request_id, agent_id, tool_id, policy_id, credential_id,
			event, decision, reason_code, request_ip, user_agent, requested_scopes, granted_scopes)
		VALUES ($1, now(), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		entry.LogID, entry.RequestID, entry.AgentID, entry.ToolID, entry.PolicyID, entry.CredentialID,
		entry.Event, entry.Decision, entry.ReasonCode, entry.RequestIP, entry.UserAgent,
		entry.RequestedScopes, entry.GrantedScopes)
	return wrapPGErr("append access log", err)
}

func (s *PGStore) QueryAccessLogs(ctx context.Context, filter AccessLogFilter) ([]*types.AccessLog, error) {
	query := `SELECT log_id, timestamp, request_id, agent_id, tool_id, policy_id, credential_id,
		event, decision, reason_code, request_ip, user_agent, requested_scopes, granted_scopes
		FROM access_logs WHERE 1=1`
	var args []interface{}
	if filter.AgentID != "" {
		args = append(args, filter.AgentID)
		query += fmt.Sprintf(" AND agent_id = $%d", len(args))
	}
	if filter.ToolID != "" {
		args = append(args, filter.ToolID)
		query += fmt.Sprintf(" AND tool_id = $%d", len(args))
	}
	if filter.Event != "" {
		args = append(args, filter.Event)
		query += fmt.Sprintf(" AND event = $%d", len(args))
	}
	if filter.Decision != "" {
		args = append(args, filter.Decision)
		query += fmt.Sprintf(" AND decision = $%d", len(args))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		query += fmt.Sprintf(" AND timestamp >= $%d", len(args))
	}
	if !filter.Until.IsZero() {
		args = append(args, filter.Until)
		query += fmt.Sprintf(" AND timestamp <= $%d", len(args))
	}
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.querier(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, wrapPGErr("query access logs", err)
	}
	defer rows.Close()

	var out []*types.AccessLog
	for rows.Next() {
		var l types.AccessLog
		if err := rows.Scan(&l.LogID, &l.Timestamp, &l.RequestID, &l.AgentID, &l.ToolID, &l.PolicyID, &l.CredentialID,
			&l.Event, &l.Decision, &l.ReasonCode, &l.RequestIP, &l.UserAgent, &l.RequestedScopes, &l.GrantedScopes); err != nil {
			return nil, wrapPGErr("scan access log", err)
		}
		out = append(out, &l)
	}
	return out, wrapPGErr("query access logs", rows.Err())
}

// WithTransaction runs fn inside a single pgx transaction. Every call
// made through ctx inside fn is routed to that transaction via
// s.querier, so InsertCredential and the CREDENTIAL_ISSUED AppendAccessLog
// commit or roll back together.
func (s *PGStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: %w: begin tx: %v", apierr.Unavailable, err)
	}

	txCtx := context.WithValue(ctx, txKeyPG{}, tx)
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: %w: commit tx: %v", apierr.Unavailable, err)
	}
	return nil
}
