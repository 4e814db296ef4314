package policysim

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/toolbroker/broker/internal/metrics"
	"github.com/toolbroker/broker/internal/store"
	"github.com/toolbroker/broker/pkg/types"
	"github.com/toolbroker/broker/pkg/vector"
)

// EmbeddingFunction turns policy text into a fixed-dimension vector.
type EmbeddingFunction func(text string) ([]float32, error)

// Job is one policy queued for (re-)embedding.
type Job struct {
	PolicyID   string
	PolicyText string
	Priority   int
}

// Config configures a Worker.
type Config struct {
	NumWorkers    int
	QueueSize     int
	Dimension     int
	ModelVersion  string
	EmbeddingFunc EmbeddingFunction
	Cache         *CacheConfig
	Metrics       metrics.Metrics
}

// DefaultConfig matches pkg/vector.DefaultConfig's dimension and runs a
// small fixed pool, since this tool is explicitly off the hot path.
func DefaultConfig() Config {
	return Config{
		NumWorkers:   2,
		QueueSize:    500,
		Dimension:    vector.DefaultConfig().Dimension,
		ModelVersion: "v1",
	}
}

// Worker embeds policies in the background and indexes them into a
// vector.VectorStore for nearest-neighbor "similar policy" lookups.
// Nothing on RequestAccess's decision path depends on it: a Worker that
// falls behind or stops only degrades the diagnostic, never a decision.
type Worker struct {
	st          store.Store
	vectorStore vector.VectorStore
	embed       EmbeddingFunction
	cache       *EmbeddingCache
	modelVersion string
	metrics     metrics.Metrics
	log         *zap.Logger

	jobs     chan Job
	shutdown chan struct{}
	wg       sync.WaitGroup

	mu        sync.Mutex
	processed int64
	failed    int64
}

// New builds a Worker and starts cfg.NumWorkers background goroutines.
// Call Shutdown to stop them.
func New(cfg Config, st store.Store, vectorStore vector.VectorStore, log *zap.Logger) (*Worker, error) {
	if st == nil {
		return nil, fmt.Errorf("policysim: store is required")
	}
	if vectorStore == nil {
		return nil, fmt.Errorf("policysim: vector store is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 500
	}
	if cfg.ModelVersion == "" {
		cfg.ModelVersion = "v1"
	}
	if cfg.EmbeddingFunc == nil {
		cfg.EmbeddingFunc = HashEmbeddingFunction(cfg.Dimension)
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.NewNoOp()
	}

	w := &Worker{
		st:           st,
		vectorStore:  vectorStore,
		embed:        cfg.EmbeddingFunc,
		modelVersion: cfg.ModelVersion,
		metrics:      m,
		log:          log,
		jobs:         make(chan Job, cfg.QueueSize),
		shutdown:     make(chan struct{}),
	}
	if cfg.Cache != nil {
		w.cache = NewEmbeddingCache(*cfg.Cache)
	}

	for i := 0; i < cfg.NumWorkers; i++ {
		w.wg.Add(1)
		go w.run(i)
	}
	return w, nil
}

func (w *Worker) run(id int) {
	defer w.wg.Done()
	for {
		select {
		case <-w.shutdown:
			return
		case job := <-w.jobs:
			start := time.Now()
			err := w.process(job)
			duration := time.Since(start)
			if err != nil {
				w.log.Warn("policysim: embedding job failed",
					zap.Int("worker", id), zap.String("policy_id", job.PolicyID), zap.Error(err))
				w.mu.Lock()
				w.failed++
				w.mu.Unlock()
				w.metrics.RecordVectorError("embed_failed")
				continue
			}
			w.mu.Lock()
			w.processed++
			w.mu.Unlock()
			w.metrics.RecordVectorOp("insert", duration)
		}
	}
}

func (w *Worker) process(job Job) error {
	hash := ComputePolicyHash(job.PolicyText)

	var embedding []float32
	if w.cache != nil {
		embedding = w.cache.Get(job.PolicyID, hash, w.modelVersion)
	}
	if embedding == nil {
		var err error
		embedding, err = w.embed(job.PolicyText)
		if err != nil {
			return fmt.Errorf("embed: %w", err)
		}
		if w.cache != nil {
			if err := w.cache.Put(job.PolicyID, hash, w.modelVersion, embedding); err != nil {
				w.log.Warn("policysim: embedding cache put failed", zap.Error(err))
			}
		}
	}

	metadata := map[string]interface{}{
		"policy_id":     job.PolicyID,
		"policy_hash":   hash,
		"model_version": w.modelVersion,
		"embedded_at":   time.Now().Unix(),
	}
	return w.vectorStore.Insert(context.Background(), job.PolicyID, embedding, metadata)
}

// Submit queues policyID for (re-)embedding. Returns false if the queue
// is full; the caller drops the update rather than blocking, since this
// tool is a diagnostic, not a write path any other component waits on.
func (w *Worker) Submit(policyID, policyText string, priority int) bool {
	select {
	case w.jobs <- Job{PolicyID: policyID, PolicyText: policyText, Priority: priority}:
		return true
	default:
		return false
	}
}

// SubmitPolicy serializes pol and queues it.
func (w *Worker) SubmitPolicy(pol *types.Policy, priority int) bool {
	return w.Submit(pol.PolicyID, SerializePolicyToText(pol), priority)
}

// SubmitAll queues every policy in policies, returning how many were
// accepted.
func (w *Worker) SubmitAll(policies []*types.Policy, priority int) int {
	submitted := 0
	for _, pol := range policies {
		if w.SubmitPolicy(pol, priority) {
			submitted++
		}
	}
	return submitted
}

// RebuildFromStore re-queues every active policy in the store. Intended
// to run once at startup and periodically thereafter, never inline with
// a decision.
func (w *Worker) RebuildFromStore(ctx context.Context) (int, error) {
	policies, err := w.st.ListPolicies(ctx, store.PolicyFilter{ActiveOnly: true})
	if err != nil {
		return 0, fmt.Errorf("policysim: list policies: %w", err)
	}
	return w.SubmitAll(policies, 0), nil
}

// Similar returns the k policies whose embeddings are nearest to
// policyID's, excluding policyID itself, hydrated from the store.
func (w *Worker) Similar(ctx context.Context, policyID string, k int) ([]*types.Policy, error) {
	start := time.Now()
	stored, err := w.vectorStore.Get(ctx, policyID)
	if err != nil {
		w.metrics.RecordVectorError("similar_lookup_missing")
		return nil, fmt.Errorf("policysim: policy %q has no embedding: %w", policyID, err)
	}

	results, err := w.vectorStore.Search(ctx, stored.Vector, k+1)
	if err != nil {
		w.metrics.RecordVectorError("similar_search_failed")
		return nil, fmt.Errorf("policysim: search: %w", err)
	}
	w.metrics.RecordVectorOp("search", time.Since(start))

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	out := make([]*types.Policy, 0, k)
	for _, r := range results {
		if r.ID == policyID || len(out) >= k {
			continue
		}
		pol, err := w.st.GetPolicy(ctx, r.ID)
		if err != nil {
			continue // embedding outlived its policy row; skip rather than fail the whole lookup
		}
		out = append(out, pol)
	}
	return out, nil
}

// Shutdown stops every worker goroutine, waiting up to ctx's deadline.
func (w *Worker) Shutdown(ctx context.Context) error {
	close(w.shutdown)
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("policysim: shutdown: %w", ctx.Err())
	}
}

// SerializePolicyToText renders a policy's matching surface as text for
// embedding: name, target tool, granted scopes, and the condition/rule
// fields that distinguish it from a superficially similar policy.
func SerializePolicyToText(pol *types.Policy) string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Policy: %s", pol.Name))

	if pol.ToolID != nil {
		parts = append(parts, fmt.Sprintf("Tool: %s", *pol.ToolID))
	} else {
		parts = append(parts, "Tool: any")
	}

	if len(pol.AllowedScopes) > 0 {
		parts = append(parts, fmt.Sprintf("Scopes: %s", strings.Join(pol.AllowedScopes, ", ")))
	}

	var cond []string
	if pol.Conditions.MaxRequestsPerDay > 0 {
		cond = append(cond, fmt.Sprintf("max %d requests/day", pol.Conditions.MaxRequestsPerDay))
	}
	if pol.Conditions.AllowedHours != nil {
		cond = append(cond, fmt.Sprintf("hours %s-%s %s", pol.Conditions.AllowedHours.Start, pol.Conditions.AllowedHours.End, pol.Conditions.AllowedHours.TZ))
	}
	if len(pol.Conditions.RequiredRoles) > 0 {
		cond = append(cond, fmt.Sprintf("requires roles %s", strings.Join(pol.Conditions.RequiredRoles, ", ")))
	}
	if len(pol.Conditions.AnyRoles) > 0 {
		cond = append(cond, fmt.Sprintf("any of roles %s", strings.Join(pol.Conditions.AnyRoles, ", ")))
	}
	if pol.Conditions.Expr != "" {
		cond = append(cond, fmt.Sprintf("expr %s", pol.Conditions.Expr))
	}
	if len(cond) > 0 {
		parts = append(parts, fmt.Sprintf("Conditions: %s", strings.Join(cond, "; ")))
	}

	if pol.Rules.RequireApproval {
		parts = append(parts, "Rules: requires approval")
	}
	if pol.Rules.MaxCredentialLifetimeSeconds > 0 {
		parts = append(parts, fmt.Sprintf("Rules: max lifetime %s seconds", strconv.FormatInt(pol.Rules.MaxCredentialLifetimeSeconds, 10)))
	}

	return strings.Join(parts, ". ")
}

// HashEmbeddingFunction returns a deterministic feature-hashing
// embedder: it has no notion of semantic similarity, only of text
// overlap, but needs no external model to run. A real deployment swaps
// this for a call to a sentence-embedding model; the rest of this
// package is agnostic to which.
func HashEmbeddingFunction(dimension int) EmbeddingFunction {
	if dimension <= 0 {
		dimension = vector.DefaultConfig().Dimension
	}
	return func(text string) ([]float32, error) {
		embedding := make([]float32, dimension)
		for _, token := range strings.Fields(strings.ToLower(text)) {
			h := fnv32a(token)
			embedding[int(h)%dimension] += 1
		}
		normalize(embedding)
		return embedding, nil
	}
}

func fnv32a(s string) uint32 {
	const offset32 = 2166136261
	const prime32 = 16777619
	hash := uint32(offset32)
	for i := 0; i < len(s); i++ {
		hash ^= uint32(s[i])
		hash *= prime32
	}
	return hash
}

func normalize(vec []float32) {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm <= 0 {
		return
	}
	inv := float32(1.0 / (math.Sqrt(float64(norm)) + 1e-9))
	for i := range vec {
		vec[i] *= inv
	}
}
