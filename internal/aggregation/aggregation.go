// Package aggregation implements C5: collapsing a batch into equivalence
// classes over a configured field tuple. Grounded on original
// aggregation_manager.py's aggregate_batch / _extract_aggregation_key.
package aggregation

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"logcollector/internal/metrics"
	"logcollector/internal/registry"
	"logcollector/internal/types"
	"logcollector/pkg/collectorerrors"
)

// nonAggregatedBucket is the reserved key original aggregation_manager.py
// uses for records whose group key cannot be computed.
const nonAggregatedBucket = "non_aggregated"

// Engine owns per-source aggregation policies and performs batch collapse.
type Engine struct {
	mu       sync.RWMutex
	store    *registry.Store
	policies map[string]types.AggregationPolicy
	hasTmpl  func(sourceID string) bool
}

// New loads persisted policies from the policy file and returns a ready
// engine. hasTemplate reports whether a source currently has a captured
// template - a policy may only exist when a template exists (spec.md §3).
func New(store *registry.Store, hasTemplate func(sourceID string) bool) (*Engine, error) {
	pf, err := store.LoadPolicyFile()
	if err != nil {
		return nil, err
	}
	return &Engine{store: store, policies: pf.Policies, hasTmpl: hasTemplate}, nil
}

// SetPolicy creates or replaces the aggregation policy for a source. Fails
// if the source has no template yet.
func (e *Engine) SetPolicy(sourceID string, fields []string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(fields) == 0 {
		return collectorerrors.Validation("aggregation", "set_policy", "fields must be non-empty")
	}
	if e.hasTmpl != nil && !e.hasTmpl(sourceID) {
		return collectorerrors.Validation("aggregation", "set_policy", "no template captured for source").WithMetadata("source_id", sourceID)
	}
	e.policies[sourceID] = types.AggregationPolicy{Fields: fields, Enabled: enabled, CreatedAt: time.Now()}
	return e.persist()
}

// DeletePolicy removes the policy for a source, e.g. when its template is deleted.
func (e *Engine) DeletePolicy(sourceID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.policies, sourceID)
	return e.persist()
}

func (e *Engine) persist() error {
	pf, err := e.store.LoadPolicyFile()
	if err != nil {
		return err
	}
	pf.Policies = e.policies
	if err := e.store.SavePolicyFile(pf); err != nil {
		return collectorerrors.ConfigPersistence("aggregation", "persist", "failed to persist policy.json").Wrap(err)
	}
	return nil
}

type group struct {
	firstSeen, lastSeen time.Time
	count               int
	representative      string
	repData             interface{}
	firstIndex           int
}

// Aggregate implements spec.md §4.4. If no enabled policy exists for
// sourceID, batch is returned unchanged.
func (e *Engine) Aggregate(batch []string, sourceID string) []string {
	e.mu.RLock()
	policy, ok := e.policies[sourceID]
	e.mu.RUnlock()
	if !ok || !policy.Enabled {
		return batch
	}

	groups := make(map[string]*group)
	order := make([]string, 0)
	var nonAggregated []string

	for i, rec := range batch {
		data, ok := parseRecord(rec)
		if !ok {
			nonAggregated = append(nonAggregated, rec)
			continue
		}
		key := aggregationKey(data, policy.Fields)
		now := time.Now()
		g, exists := groups[key]
		if !exists {
			g = &group{firstSeen: now, lastSeen: now, count: 1, representative: rec, repData: data, firstIndex: i}
			groups[key] = g
			order = append(order, key)
			continue
		}
		g.lastSeen = now
		g.count++
	}

	out := make([]string, 0, len(order)+len(nonAggregated))
	for _, key := range order {
		g := groups[key]
		if key == nonAggregatedBucket {
			continue
		}
		if g.count == 1 {
			out = append(out, g.representative)
			metrics.AggregatedGroupsTotal.WithLabelValues(sourceID, "false").Inc()
			continue
		}
		out = append(out, augment(g))
		metrics.AggregatedGroupsTotal.WithLabelValues(sourceID, "true").Inc()
	}
	out = append(out, nonAggregated...)
	return out
}

// aggregationKey resolves each policy field by dotted path (missing ->
// literal "None") and returns the MD5 hex digest of the pipe-joined values,
// exactly as original aggregation_manager.py:_extract_aggregation_key.
func aggregationKey(data map[string]interface{}, fields []string) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		v, ok := resolveDotted(data, f)
		if !ok {
			parts[i] = "None"
			continue
		}
		parts[i] = stringify(v)
	}
	sum := md5.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// augment attaches is_aggregated/first_log_time/last_log_time/
// total_logs_aggregated to a mapping representative, or appends the
// string-suffix analog to a non-mapping representative.
func augment(g *group) string {
	if m, ok := g.repData.(map[string]interface{}); ok {
		m["is_aggregated"] = "yes"
		m["first_log_time"] = g.firstSeen.Unix()
		m["last_log_time"] = g.lastSeen.Unix()
		m["total_logs_aggregated"] = g.count
		b, err := json.Marshal(m)
		if err == nil {
			return string(b)
		}
	}
	return fmt.Sprintf("%s [Aggregated: %d logs]", g.representative, g.count)
}

// parseRecord attempts JSON first, then whitespace-separated key=value
// tokens. Free-form text is not parsed: a record that is neither a JSON
// object nor contains any key=value token returns ok=false, which routes it
// to the non_aggregated bucket.
func parseRecord(record string) (map[string]interface{}, bool) {
	trimmed := strings.TrimSpace(record)
	if strings.HasPrefix(trimmed, "{") {
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(trimmed), &m); err == nil {
			return m, true
		}
	}
	out := make(map[string]interface{})
	found := false
	for _, tok := range strings.Fields(record) {
		if kv := strings.SplitN(tok, "=", 2); len(kv) == 2 {
			out[kv[0]] = kv[1]
			found = true
		}
	}
	if !found {
		return nil, false
	}
	return out, true
}

func resolveDotted(data map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = data
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case nil:
		return "None"
	default:
		return fmt.Sprintf("%v", val)
	}
}
