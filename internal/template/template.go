// Package template implements C3: inferring a descriptive field schema from
// the first log observed on a source. Grounded on original
// aggregation_manager.py's _extract_fields / _extract_key_value_pairs /
// _add_key_value_field family of methods.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"logcollector/internal/registry"
	"logcollector/internal/types"
)

var (
	timestampPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:?\d{2})?`),
		regexp.MustCompile(`\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}(\.\d+)?`),
		regexp.MustCompile(`\d{2}/\d{2}/\d{4} \d{2}:\d{2}:\d{2}`),
		regexp.MustCompile(`[A-Z][a-z]{2}\s+\d{1,2} \d{2}:\d{2}:\d{2}`),
		regexp.MustCompile(`\d{2}-[A-Z][a-z]{2}-\d{4} \d{2}:\d{2}:\d{2}(\.\d+)?`),
	}
	logLevelPattern = regexp.MustCompile(`(?i)\b(DEBUG|INFO|WARNING|WARN|ERROR|CRITICAL|FATAL|TRACE)\b`)
	ipPattern       = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	kvPairPattern   = regexp.MustCompile(`(\S+?)=("[^"]*"|\S+)`)
	colonLinePattern = regexp.MustCompile(`(?m)^\s*([A-Za-z0-9_\-\.]+)\s*[:=]\s*(.+)$`)
)

// Engine extracts descriptive field maps from records. It is deterministic
// and side-effect free: it never mutates the record it is given.
type Engine struct{}

// New returns a ready template engine.
func New() *Engine {
	return &Engine{}
}

// Extract applies this detection order: structured (JSON) first, then
// synthetic-field capture, then key=value pairs and delimiter-split
// segments, then multi-line key:value, then whitespace tokenize. There is no
// header-row table mode: delimited segments without a key are named field_N.
func (e *Engine) Extract(record string) map[string]types.FieldInfo {
	fields := make(map[string]types.FieldInfo)

	trimmed := strings.TrimSpace(record)
	var parsed interface{}
	if trimmed != "" && (trimmed[0] == '{' || trimmed[0] == '[') {
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			flatten("", parsed, fields)
			return fields
		}
	}

	captureSyntheticFields(record, fields)

	if extractDelimited(record, fields) {
		return fields
	}
	if extractColonSeparated(record, fields) {
		return fields
	}
	extractWhitespaceTokens(record, fields)
	return fields
}

// flatten recursively walks a parsed JSON value, emitting one FieldInfo per
// leaf under its dotted path.
func flatten(prefix string, v interface{}, out map[string]types.FieldInfo) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			path := k
			if prefix != "" {
				path = prefix + "." + k
			}
			flatten(path, val[k], out)
		}
	case []interface{}:
		info := types.FieldInfo{Type: "list", Example: fmt.Sprintf("%d items", len(val))}
		if len(val) > 0 {
			if m, ok := val[0].(map[string]interface{}); ok {
				keys := make([]string, 0, len(m))
				for k := range m {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				info.Example = "[" + strings.Join(keys, ", ") + "]"
			}
		}
		out[prefix] = info
	case string:
		out[prefix] = types.FieldInfo{Type: "string", Example: val, Length: len(val)}
	case float64:
		if val == float64(int64(val)) {
			out[prefix] = types.FieldInfo{Type: "int", Example: strconv.FormatInt(int64(val), 10), Formatted: formatThousands(int64(val))}
		} else {
			out[prefix] = types.FieldInfo{Type: "float", Example: strconv.FormatFloat(val, 'f', -1, 64), Formatted: strconv.FormatFloat(val, 'f', 2, 64)}
		}
	case bool:
		out[prefix] = types.FieldInfo{Type: "bool", Example: strconv.FormatBool(val)}
	case nil:
		out[prefix] = types.FieldInfo{Type: "null", Example: ""}
	}
}

func formatThousands(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var parts []string
	for len(s) > 3 {
		parts = append([]string{s[len(s)-3:]}, parts...)
		s = s[:len(s)-3]
	}
	parts = append([]string{s}, parts...)
	out := strings.Join(parts, ",")
	if neg {
		out = "-" + out
	}
	return out
}

// captureSyntheticFields pulls the well-known fields spec.md §4.2 step 2
// names, before the line is handed to delimiter-based extraction.
func captureSyntheticFields(record string, out map[string]types.FieldInfo) {
	for _, p := range timestampPatterns {
		if m := p.FindString(record); m != "" {
			out["timestamp"] = types.FieldInfo{Type: "timestamp", Example: m}
			break
		}
	}
	if m := logLevelPattern.FindString(record); m != "" {
		out["log_level"] = types.FieldInfo{Type: "string", Example: strings.ToUpper(m), Length: len(m)}
	}
	if m := ipPattern.FindString(record); m != "" {
		out["ip_address"] = types.FieldInfo{Type: "string", Example: m, Length: len(m)}
	}
	if idx := strings.Index(record, ":"); idx >= 0 && idx+1 < len(record) {
		msg := strings.TrimSpace(record[idx+1:])
		if msg != "" {
			out["message"] = types.FieldInfo{Type: "string", Example: truncate(msg, 100), Length: len(msg)}
		}
	}
}

// extractDelimited tries the delimiter-priority chain from spec.md §4.2
// step 3 in a fixed order, without counting delimiters: key=value pairs
// first, then segments split on tab, ";", ",", "|" (first delimiter present
// whose segments contain a "key:value"). Lines that are only "key: value"
// are left to extractColonSeparated.
func extractDelimited(record string, out map[string]types.FieldInfo) bool {
	if matches := kvPairPattern.FindAllStringSubmatch(record, -1); len(matches) > 0 {
		for _, m := range matches {
			addField(out, m[1], strings.Trim(m[2], `"`))
		}
		return true
	}

	for _, delim := range []string{"\t", ";", ",", "|"} {
		if strings.Contains(record, delim) {
			segments := strings.Split(record, delim)
			found := false
			for i, seg := range segments {
				seg = strings.TrimSpace(seg)
				if seg == "" {
					continue
				}
				if kv := strings.SplitN(seg, ":", 2); len(kv) == 2 {
					addField(out, strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1]))
					found = true
				} else {
					addField(out, fmt.Sprintf("field_%d", i+1), seg)
				}
			}
			if found {
				return true
			}
		}
	}
	return false
}

// extractColonSeparated handles multi-line `^key[:=] value$` records.
func extractColonSeparated(record string, out map[string]types.FieldInfo) bool {
	matches := colonLinePattern.FindAllStringSubmatch(record, -1)
	if len(matches) == 0 {
		return false
	}
	for _, m := range matches {
		addField(out, m[1], strings.TrimSpace(m[2]))
	}
	return true
}

// extractWhitespaceTokens is the final fallback: tokenize by whitespace and
// emit field_N for every token.
func extractWhitespaceTokens(record string, out map[string]types.FieldInfo) {
	tokens := strings.Fields(record)
	for i, tok := range tokens {
		addField(out, fmt.Sprintf("field_%d", i+1), tok)
	}
}

// addField infers the value's type per spec.md §4.2 step 3 and writes a
// FieldInfo, truncating formatted values to 40 characters.
func addField(out map[string]types.FieldInfo, key, value string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	lowerKey := strings.ToLower(key)

	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		out[key] = types.FieldInfo{Type: "int", Example: value, Formatted: truncate(formatThousands(n), 40)}
		return
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		out[key] = types.FieldInfo{Type: "float", Example: value, Formatted: truncate(strconv.FormatFloat(f, 'f', 2, 64), 40)}
		return
	}
	switch strings.ToLower(value) {
	case "true", "yes":
		out[key] = types.FieldInfo{Type: "bool", Example: "true"}
		return
	case "false", "no":
		out[key] = types.FieldInfo{Type: "bool", Example: "false"}
		return
	}
	if strings.Contains(lowerKey, "time") || strings.Contains(lowerKey, "date") {
		out[key] = types.FieldInfo{Type: "timestamp", Example: truncate(value, 40)}
		return
	}
	if strings.Contains(lowerKey, "level") || strings.Contains(lowerKey, "severity") {
		out[key] = types.FieldInfo{Type: "string", Example: truncate(value, 40), Length: len(value)}
		return
	}
	out[key] = types.FieldInfo{Type: "string", Example: truncate(value, 40), Length: len(value)}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

// Store is a per-source template cache with capture-once bookkeeping
// (spec.md §4.2/§4.6: the first record enqueued while a source has no
// template creates one; it is immutable until explicit delete, which also
// deletes that source's aggregation policy per spec.md §3).
type Store struct {
	mu        sync.Mutex
	engine    *Engine
	persister *registry.Store
	templates map[string]types.Template
	onDelete  func(sourceID string)
}

// NewStore loads persisted templates and returns a ready store. onDelete is
// invoked after a template is deleted so the aggregation engine can drop the
// dependent policy.
func NewStore(engine *Engine, persister *registry.Store, onDelete func(sourceID string)) (*Store, error) {
	pf, err := persister.LoadPolicyFile()
	if err != nil {
		return nil, err
	}
	return &Store{engine: engine, persister: persister, templates: pf.Templates, onDelete: onDelete}, nil
}

// SetOnDelete (re)assigns the delete callback, letting callers break the
// template/aggregation constructor cycle by wiring it after both stores exist.
func (s *Store) SetOnDelete(onDelete func(sourceID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDelete = onDelete
}

// Get returns the template for sourceID, if one has been captured.
func (s *Store) Get(sourceID string) (types.Template, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[sourceID]
	return t, ok
}

// Has reports whether sourceID currently has a captured template.
func (s *Store) Has(sourceID string) bool {
	_, ok := s.Get(sourceID)
	return ok
}

// CaptureIfAbsent captures a template for sourceID from record if none
// exists yet, persists it, and returns whether a new capture happened. Safe
// for concurrent workers of the same source - capture happens exactly once.
func (s *Store) CaptureIfAbsent(sourceID, record string) bool {
	s.mu.Lock()
	if _, ok := s.templates[sourceID]; ok {
		s.mu.Unlock()
		return false
	}
	t := types.Template{
		LogSample:  truncate(record, 2000),
		Fields:     s.engine.Extract(record),
		CapturedAt: time.Now(),
	}
	s.templates[sourceID] = t
	s.mu.Unlock()
	_ = s.persist()
	return true
}

// Delete removes the template for sourceID and notifies onDelete so the
// dependent aggregation policy is also removed.
func (s *Store) Delete(sourceID string) error {
	s.mu.Lock()
	delete(s.templates, sourceID)
	s.mu.Unlock()
	if err := s.persist(); err != nil {
		return err
	}
	if s.onDelete != nil {
		s.onDelete(sourceID)
	}
	return nil
}

func (s *Store) persist() error {
	pf, err := s.persister.LoadPolicyFile()
	if err != nil {
		return err
	}
	s.mu.Lock()
	pf.Templates = s.templates
	s.mu.Unlock()
	return s.persister.SavePolicyFile(pf)
}
