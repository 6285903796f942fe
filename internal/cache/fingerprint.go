package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/latticeai/gateway/internal/catalog"
)

// KeyStrategy selects how a request is normalized before hashing.
type KeyStrategy string

const (
	KeyExact    KeyStrategy = "exact"
	KeySemantic KeyStrategy = "semantic"
)

// Policy configures fingerprinting for a ResponseCache.
type Policy struct {
	Strategy          KeyStrategy
	IgnoreTemperature bool
	IgnoreTopP        bool
	TTL               time.Duration
}

func (p Policy) strategy() KeyStrategy {
	if p.Strategy == "" {
		return KeyExact
	}
	return p.Strategy
}

func (p Policy) ttl() time.Duration {
	if p.TTL > 0 {
		return p.TTL
	}
	return time.Hour
}

// Entry is the stored shape of one cached response.
type Entry struct {
	ModelID   string                `json:"model_id"`
	Response  catalog.ModelResponse `json:"response"`
	Usage     catalog.ResponseUsage `json:"token_usage"`
	CreatedAt time.Time             `json:"created_at"`
	ExpiresAt time.Time             `json:"expires_at"`
}

// ResponseCache layers request fingerprinting, policy knobs, and
// model-scoped invalidation over a byte-oriented Cache backend. Both
// MemoryCache and ExactCache already enforce TTL on their own, so
// ResponseCache does not run a second sweeper — it only adds the
// fingerprinting and invalidation-by-model index on top.
type ResponseCache struct {
	backend Cache
	policy  Policy

	// mu protects byModel, the invalidation index. This index is local to
	// the process: with a Redis backend shared across replicas, Invalidate
	// only clears entries fingerprinted by *this* replica. Acceptable
	// because invalidation is an administrative operation, not part of the
	// request hot path, and entries still expire on their own via TTL.
	mu      sync.Mutex
	byModel map[string]map[string]struct{}
}

// NewResponseCache wraps backend with fingerprint-keyed Get/Set/Invalidate.
func NewResponseCache(backend Cache, policy Policy) *ResponseCache {
	return &ResponseCache{
		backend: backend,
		policy:  policy,
		byModel: make(map[string]map[string]struct{}),
	}
}

// Fingerprint computes the deterministic cache key for req.
func (c *ResponseCache) Fingerprint(req *catalog.ModelRequest) string {
	return fingerprint(req, c.policy)
}

// Get returns the stored entry for req iff it exists and has not expired.
// An expired entry is removed from the invalidation index on access; the
// backend itself is responsible for not returning expired bytes.
func (c *ResponseCache) Get(ctx context.Context, req *catalog.ModelRequest) (*Entry, bool) {
	if req.Stream {
		return nil, false // streaming responses are never cached
	}
	key := c.Fingerprint(req)
	raw, ok := c.backend.Get(ctx, key)
	if !ok {
		return nil, false
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// Store corruption on a single key: evict and treat as a miss.
		_ = c.backend.Delete(ctx, key)
		return nil, false
	}
	if !time.Now().Before(entry.ExpiresAt) {
		_ = c.backend.Delete(ctx, key)
		c.unindex(entry.ModelID, key)
		return nil, false
	}
	return &entry, true
}

// Set stores resp under req's fingerprint with the configured TTL.
func (c *ResponseCache) Set(ctx context.Context, req *catalog.ModelRequest, modelID string, resp catalog.ModelResponse, usage catalog.ResponseUsage) error {
	if req.Stream {
		return nil // no-op for streaming requests
	}
	now := time.Now()
	entry := Entry{
		ModelID:   modelID,
		Response:  resp,
		Usage:     usage,
		CreatedAt: now,
		ExpiresAt: now.Add(c.policy.ttl()),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: marshal entry: %w", err)
	}
	key := c.Fingerprint(req)
	if err := c.backend.Set(ctx, key, raw, c.policy.ttl()); err != nil {
		return err
	}
	c.index(modelID, key)
	return nil
}

// Invalidate removes every indexed entry whose stored model_id equals
// modelID. An empty modelID clears the whole index. Returns the number of
// entries removed.
func (c *ResponseCache) Invalidate(ctx context.Context, modelID string) (int, error) {
	c.mu.Lock()
	var keys []string
	if modelID == "" {
		for _, set := range c.byModel {
			for k := range set {
				keys = append(keys, k)
			}
		}
		c.byModel = make(map[string]map[string]struct{})
	} else {
		for k := range c.byModel[modelID] {
			keys = append(keys, k)
		}
		delete(c.byModel, modelID)
	}
	c.mu.Unlock()

	for _, k := range keys {
		if err := c.backend.Delete(ctx, k); err != nil {
			return len(keys), err
		}
	}
	return len(keys), nil
}

func (c *ResponseCache) index(modelID, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byModel[modelID] == nil {
		c.byModel[modelID] = make(map[string]struct{})
	}
	c.byModel[modelID][key] = struct{}{}
}

func (c *ResponseCache) unindex(modelID, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.byModel[modelID]; ok {
		delete(set, key)
	}
}

// canonicalMessage is the JSON-stable projection of a message used for
// exact-strategy key hashing. Name and tool_call_id participate so two
// requests differing only in those fields do not share a fingerprint.
type canonicalMessage struct {
	Content    string `json:"content"`
	Name       string `json:"name,omitempty"`
	Role       string `json:"role"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// fingerprint builds the deterministic cache key for req under policy.
// stream is always dropped; temperature/top_p are dropped per policy;
// messages are normalized per the key strategy; the resulting struct is
// marshaled with sorted keys (encoding/json emits struct fields in
// declaration order, so the fields below are declared in lexical key
// order) and hashed with SHA-256.
func fingerprint(req *catalog.ModelRequest, policy Policy) string {
	type canonical struct {
		Messages    []canonicalMessage `json:"messages"`
		Model       string             `json:"model"`
		Temperature string             `json:"temperature,omitempty"`
		TopP        string             `json:"top_p,omitempty"`
	}

	c := canonical{Model: req.Model}
	if !policy.IgnoreTemperature && req.Temperature != nil {
		c.Temperature = fmt.Sprintf("%.4f", *req.Temperature)
	}
	if !policy.IgnoreTopP && req.TopP != nil {
		c.TopP = fmt.Sprintf("%.4f", *req.TopP)
	}

	switch policy.strategy() {
	case KeySemantic:
		for _, m := range req.Messages {
			if m.Role != "user" {
				continue
			}
			text := strings.ToLower(strings.TrimSpace(m.PlainText()))
			c.Messages = append(c.Messages, canonicalMessage{Role: m.Role, Content: text})
		}
	default: // KeyExact
		for _, m := range req.Messages {
			c.Messages = append(c.Messages, canonicalMessage{
				Role:       m.Role,
				Content:    m.PlainText(),
				Name:       m.Name,
				ToolCallID: m.ToolCallID,
			})
		}
		sort.SliceStable(c.Messages, func(i, j int) bool {
			if c.Messages[i].Role != c.Messages[j].Role {
				return c.Messages[i].Role < c.Messages[j].Role
			}
			ji, _ := json.Marshal(c.Messages[i])
			jj, _ := json.Marshal(c.Messages[j])
			return string(ji) < string(jj)
		})
	}

	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return "resp:" + hex.EncodeToString(h[:])
}
