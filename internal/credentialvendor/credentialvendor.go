// Package credentialvendor issues, validates and revokes the short-lived
// bearer credentials a PolicyEngine ALLOW decision authorizes. It never
// decides whether an agent may have a scope — that is the PolicyEngine's
// job — it only mints, verifies and retires the signed token that carries
// an already-granted decision.
package credentialvendor

import (
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/toolbroker/broker/internal/apierr"
	"github.com/toolbroker/broker/internal/audit"
	"github.com/toolbroker/broker/internal/secretstore"
	"github.com/toolbroker/broker/internal/store"
	"github.com/toolbroker/broker/pkg/types"
)

// Algorithm selects the JWS signing algorithm used for issued credentials.
type Algorithm string

const (
	AlgorithmHS256 Algorithm = "HS256"
	AlgorithmEdDSA Algorithm = "EdDSA"
)

// Claims is the JWS payload of an issued credential, per spec.md §6:
// sub, aud, scopes, jti, iat, exp are required; kid travels in the header.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes"`
}

// IssueResult is returned once by Issue; the plaintext bearer token is
// never retrievable again afterward.
type IssueResult struct {
	CredentialID string
	Token        string
	ExpiresAt    time.Time
}

// ValidateResult is CredentialVendor.Validate's outcome.
type ValidateResult struct {
	Valid        bool
	CredentialID string
	AgentID      string
	ToolID       string
	Scopes       []string
	ReasonCode   types.ReasonCode
}

// Config selects the algorithm Issue signs bearer tokens with. It sets no
// bound on what Issue grants: the request's Lifetime is applied as given.
type Config struct {
	Algorithm Algorithm
}

// DefaultConfig signs with HS256, the algorithm every SecretStore-issued
// key in this repo generates symmetric key material for.
func DefaultConfig() Config {
	return Config{Algorithm: AlgorithmHS256}
}

// Vendor implements spec.md §4.5's Issue/Validate/Revoke/Cleanup contract.
type Vendor struct {
	store   store.Store
	audit   *audit.AuditLogger
	secrets secretstore.SecretStore
	cfg     Config
	log     *zap.Logger
	now     func() time.Time
}

// New builds a CredentialVendor.
func New(st store.Store, secrets secretstore.SecretStore, cfg Config, log *zap.Logger) *Vendor {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = AlgorithmHS256
	}
	return &Vendor{store: st, audit: audit.New(st), secrets: secrets, cfg: cfg, log: log, now: time.Now}
}

// IssueRequest carries everything Issue needs beyond the key material it
// fetches from SecretStore itself.
type IssueRequest struct {
	AgentID         string
	ToolID          string
	Scopes          []string
	Lifetime        time.Duration
	SourcePolicyID  string
	SourceRequestID *string
	SourceIP        string
	UserAgent       string
}

// Issue mints a random bearer token, signs it as a compact JWS carrying
// the granted scopes, and atomically records the credential plus a
// CREDENTIAL_ISSUED access log entry. The returned token is never
// recoverable again; only its fingerprint is kept.
func (v *Vendor) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	kid, key, err := v.secrets.GetActiveSigningKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("credentialvendor: %w: %v", apierr.Unavailable, err)
	}

	credentialID := uuid.NewString()
	issuedAt := v.now()
	expiresAt := issuedAt.Add(req.Lifetime)

	token, err := v.sign(kid, key, credentialID, req, issuedAt, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("credentialvendor: sign token: %w", err)
	}

	cred := &types.Credential{
		CredentialID:     credentialID,
		AgentID:          req.AgentID,
		ToolID:           req.ToolID,
		GrantedScopes:    req.Scopes,
		TokenFingerprint: fingerprint(key, token),
		IssuedAt:         issuedAt,
		ExpiresAt:        expiresAt,
		SourcePolicyID:   req.SourcePolicyID,
		SourceRequestID:  req.SourceRequestID,
		SourceIP:         req.SourceIP,
		UserAgent:        req.UserAgent,
	}

	err = v.store.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := v.store.InsertCredential(txCtx, cred); err != nil {
			return err
		}
		entry := &types.AccessLog{
			AgentID:       req.AgentID,
			ToolID:        req.ToolID,
			PolicyID:      &req.SourcePolicyID,
			CredentialID:  &credentialID,
			Event:         types.EventCredentialIssued,
			Decision:      types.OutcomeAllow,
			GrantedScopes: req.Scopes,
		}
		if req.SourceRequestID != nil {
			entry.RequestID = *req.SourceRequestID
		}
		return v.audit.LogSync(txCtx, entry)
	})
	if err != nil {
		return nil, fmt.Errorf("credentialvendor: persist issued credential: %w", err)
	}

	return &IssueResult{CredentialID: credentialID, Token: token, ExpiresAt: expiresAt}, nil
}

func (v *Vendor) sign(kid string, key []byte, credentialID string, req IssueRequest, issuedAt, expiresAt time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   req.AgentID,
			Audience:  jwt.ClaimStrings{req.ToolID},
			ID:        credentialID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Scopes: req.Scopes,
	}

	var method jwt.SigningMethod
	var signingKey interface{}
	switch v.cfg.Algorithm {
	case AlgorithmEdDSA:
		method = jwt.SigningMethodEdDSA
		signingKey = ed25519.NewKeyFromSeed(derive32(key))
	default:
		method = jwt.SigningMethodHS256
		signingKey = key
	}

	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = kid
	return token.SignedString(signingKey)
}

// Validate verifies a presented bearer token and, when requiredScope is
// non-empty, that it was granted that scope. A rejection of a token that
// resolves to a stored credential logs CREDENTIAL_VALIDATED with
// decision=DENY; a token that fails to parse or does not resolve to a
// stored credential is recorded only in the service log, not in the
// access log. Every rejection returns a terse ReasonCode (for example
// BAD_SIGNATURE, EXPIRED or REVOKED), never a parse error message.
func (v *Vendor) Validate(ctx context.Context, token string, requiredScope string) (*ValidateResult, error) {
	result, logEntry := v.validate(ctx, token, requiredScope)

	// A token that fails to parse or resolve to a known credential has
	// no agent_id/tool_id to attribute an access_logs row to (both
	// columns are NOT NULL) — those rejections are traced via the
	// normal service log instead. Every rejection past that point
	// identifies a real credential and is logged in full.
	if logEntry == nil {
		v.log.Warn("credentialvendor: rejected unidentifiable token", zap.String("reason", string(result.ReasonCode)))
		return result, nil
	}

	if err := v.audit.LogSync(ctx, logEntry); err != nil {
		// A failure to log fails the decision closed, per spec.md §4.6.
		return &ValidateResult{Valid: false, ReasonCode: types.ReasonInternal}, fmt.Errorf("credentialvendor: append validation log: %w", err)
	}
	return result, nil
}

func (v *Vendor) validate(ctx context.Context, token string, requiredScope string) (*ValidateResult, *types.AccessLog) {
	unidentified := func(reason types.ReasonCode) (*ValidateResult, *types.AccessLog) {
		return &ValidateResult{Valid: false, ReasonCode: reason}, nil
	}
	deny := func(cred *types.Credential, reason types.ReasonCode) (*ValidateResult, *types.AccessLog) {
		return &ValidateResult{Valid: false, ReasonCode: reason}, &types.AccessLog{
			AgentID:      cred.AgentID,
			ToolID:       cred.ToolID,
			CredentialID: &cred.CredentialID,
			Event:        types.EventCredentialValidated,
			Decision:     types.OutcomeDeny,
			ReasonCode:   reason,
		}
	}

	var kid string
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		k, ok := t.Header["kid"].(string)
		if !ok || k == "" {
			return nil, fmt.Errorf("missing kid header")
		}
		kid = k

		switch t.Method.Alg() {
		case jwt.SigningMethodHS256.Alg():
			key, err := v.secrets.GetSigningKey(ctx, kid)
			if err != nil {
				return nil, err
			}
			return key, nil
		case jwt.SigningMethodEdDSA.Alg():
			key, err := v.secrets.GetSigningKey(ctx, kid)
			if err != nil {
				return nil, err
			}
			return ed25519.NewKeyFromSeed(derive32(key)).Public(), nil
		default:
			// Rejects alg=none unconditionally along with any other
			// unsupported algorithm, per spec.md §6.
			return nil, fmt.Errorf("unsupported algorithm %q", t.Method.Alg())
		}
	})
	if err != nil || !parsed.Valid {
		return unidentified(types.ReasonBadSignature)
	}

	key, err := v.secrets.GetSigningKey(ctx, kid)
	if err != nil {
		return unidentified(types.ReasonBadSignature)
	}
	fp := fingerprint(key, token)

	cred, err := v.store.GetCredentialByFingerprint(ctx, fp)
	if err != nil {
		if errors.Is(err, apierr.NotFound) {
			return unidentified(types.ReasonNotFound)
		}
		return unidentified(types.ReasonInternal)
	}

	if cred.RevokedAt != nil {
		return deny(cred, types.ReasonRevoked)
	}
	if !cred.ValidAt(v.now()) {
		return deny(cred, types.ReasonExpired)
	}
	if requiredScope != "" && !hasScope(cred.GrantedScopes, requiredScope) {
		return deny(cred, types.ReasonInsufficientScope)
	}

	result := &ValidateResult{
		Valid:        true,
		CredentialID: cred.CredentialID,
		AgentID:      cred.AgentID,
		ToolID:       cred.ToolID,
		Scopes:       cred.GrantedScopes,
	}
	entry := &types.AccessLog{
		AgentID:       cred.AgentID,
		ToolID:        cred.ToolID,
		CredentialID:  &cred.CredentialID,
		Event:         types.EventCredentialValidated,
		Decision:      types.OutcomeAllow,
		GrantedScopes: cred.GrantedScopes,
	}
	return result, entry
}

// Revoke sets revoked_at and logs CREDENTIAL_REVOKED. Idempotent: revoking
// an already-revoked credential succeeds without writing a second log
// entry for the same transition.
func (v *Vendor) Revoke(ctx context.Context, credentialID string, actor string) error {
	cred, err := v.store.GetCredential(ctx, credentialID)
	if err != nil {
		return fmt.Errorf("credentialvendor: %w", err)
	}
	if cred.RevokedAt != nil {
		return nil
	}

	now := v.now()
	if err := v.store.RevokeCredential(ctx, credentialID, now); err != nil {
		return fmt.Errorf("credentialvendor: revoke: %w", err)
	}
	return v.audit.LogSync(ctx, &types.AccessLog{
		AgentID:      cred.AgentID,
		ToolID:       cred.ToolID,
		CredentialID: &credentialID,
		Event:        types.EventCredentialRevoked,
		Decision:     types.OutcomeAllow,
	})
}

// Cleanup removes credential rows expired for longer than retention.
// Access logs referencing the deleted credential_id are untouched — the
// access log is append-only and independent of credential retention.
func (v *Vendor) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := v.now().Add(-retention)
	count, err := v.store.DeleteExpiredCredentials(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("credentialvendor: cleanup: %w", err)
	}
	if count > 0 {
		v.log.Info("credentialvendor: swept expired credentials", zap.Int("count", count))
	}
	return count, nil
}

// fingerprint derives the lookup key for a presented bearer token from
// the same key material used to sign it, domain-separated from signing
// so the same secret serves two purposes safely.
func fingerprint(key []byte, token string) string {
	mac := hmac.New(sha256.New, append([]byte("credential-fingerprint:"), key...))
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

func hasScope(granted []string, scope string) bool {
	for _, s := range granted {
		if subtle.ConstantTimeCompare([]byte(s), []byte(scope)) == 1 {
			return true
		}
	}
	return false
}

// derive32 folds arbitrary-length key material down to the 32 bytes an
// Ed25519 seed requires, via SHA-256. SecretStore's generated keys are
// already 32 random bytes, so this is a no-op in the common case and a
// safety net for any other length.
func derive32(key []byte) []byte {
	if len(key) == ed25519.SeedSize {
		return key
	}
	sum := sha256.Sum256(key)
	return sum[:]
}

