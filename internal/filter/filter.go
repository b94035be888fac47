// Package filter implements C4: per-source equality filters that drop
// matching records. Grounded on original filter_manager.py.
package filter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"logcollector/internal/registry"
	"logcollector/internal/types"
	"logcollector/pkg/collectorerrors"
)

// Engine owns the per-source filter rule sets and evaluates records against
// them. Side-effect free on Passes; mutation only through Add/Update/Delete.
type Engine struct {
	mu      sync.RWMutex
	store   *registry.Store
	filters map[string][]types.FilterRule
}

// New loads persisted filters and returns a ready engine.
func New(store *registry.Store) (*Engine, error) {
	filters, err := store.LoadFilters()
	if err != nil {
		return nil, err
	}
	return &Engine{store: store, filters: filters}, nil
}

// AddRule adds or, if a rule already exists for (sourceID, field), updates it
// in place - enforcing the at-most-one-rule-per-field invariant from
// spec.md §3.
func (e *Engine) AddRule(sourceID, field, value string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rules := e.filters[sourceID]
	for i := range rules {
		if rules[i].Field == field {
			rules[i].Value = value
			rules[i].Enabled = enabled
			e.filters[sourceID] = rules
			return e.persist()
		}
	}
	rules = append(rules, types.FilterRule{Field: field, Value: value, Enabled: enabled, CreatedAt: time.Now()})
	e.filters[sourceID] = rules
	return e.persist()
}

// DeleteRule removes the rule for (sourceID, field) if present.
func (e *Engine) DeleteRule(sourceID, field string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rules := e.filters[sourceID]
	out := rules[:0]
	for _, r := range rules {
		if r.Field != field {
			out = append(out, r)
		}
	}
	e.filters[sourceID] = out
	return e.persist()
}

// Rules returns a copy of the rule list for a source.
func (e *Engine) Rules(sourceID string) []types.FilterRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rules := e.filters[sourceID]
	out := make([]types.FilterRule, len(rules))
	copy(out, rules)
	return out
}

func (e *Engine) persist() error {
	if err := e.store.SaveFilters(e.filters); err != nil {
		return collectorerrors.ConfigPersistence("filter", "persist", "failed to persist filters.json").Wrap(err)
	}
	return nil
}

// Passes reports whether record survives every enabled rule for sourceID.
// Returns false (dropped) iff some enabled rule's field resolves to exactly
// its configured value. Deterministic and idempotent: applying it twice to
// the same record yields the same verdict (P5).
func (e *Engine) Passes(record string, sourceID string) bool {
	e.mu.RLock()
	rules := e.filters[sourceID]
	e.mu.RUnlock()

	if len(rules) == 0 {
		return true
	}

	data := extractLogData(record)
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		val, ok := resolveDotted(data, rule.Field)
		if !ok {
			continue
		}
		if stringify(val) == rule.Value {
			return false
		}
	}
	return true
}

// extractLogData mirrors original filter_manager.py's simpler (compared to
// aggregation's) extraction: JSON parse if it looks like an object, else a
// naive whitespace key=value split.
func extractLogData(record string) map[string]interface{} {
	trimmed := strings.TrimSpace(record)
	if strings.HasPrefix(trimmed, "{") {
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(trimmed), &m); err == nil {
			return m
		}
	}
	out := make(map[string]interface{})
	for _, tok := range strings.Fields(record) {
		if kv := strings.SplitN(tok, "=", 2); len(kv) == 2 {
			out[kv[0]] = kv[1]
		}
	}
	return out
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
