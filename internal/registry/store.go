// Package registry implements C1 (config store) and C2 (source registry):
// persistence of sources, templates, aggregation policies and filters as
// on-disk JSON objects (no version field is stored), and validated CRUD
// over sources.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"

	"logcollector/internal/types"
	"logcollector/pkg/collectorerrors"
)

// PolicyFile is the on-disk shape of policy.json: templates and aggregation
// policies keyed by source id, per spec.md §6.
type PolicyFile struct {
	Policies  map[string]types.AggregationPolicy `json:"policies"`
	Templates map[string]types.Template          `json:"templates"`
}

// Store persists sources.json, policy.json and filters.json atomically via
// write-to-temp-then-rename, grounded on original source_manager.py's
// _save_sources. A failed write leaves the previous file in place, which is
// the rollback-to-last-persisted-value behavior spec.md §7 requires for
// configuration persistence failures.
type Store struct {
	sourcesPath string
	policyPath  string
	filtersPath string
	healthPath  string
}

// NewStore creates a store rooted at the given file paths.
func NewStore(sourcesPath, policyPath, filtersPath string) *Store {
	return &Store{sourcesPath: sourcesPath, policyPath: policyPath, filtersPath: filtersPath}
}

// WithHealthPath attaches the health.json path to an existing store.
func (s *Store) WithHealthPath(path string) *Store {
	s.healthPath = path
	return s
}

// LoadHealth reads health.json, returning nil if none has ever been persisted.
func (s *Store) LoadHealth() (*types.HealthConfig, error) {
	if s.healthPath == "" {
		return nil, nil
	}
	var cfg types.HealthConfig
	data, err := os.ReadFile(s.healthPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, collectorerrors.ConfigPersistence("registry", "load_health", "failed to read health.json").Wrap(err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, collectorerrors.ConfigPersistence("registry", "load_health", "health.json is corrupt").Wrap(err)
	}
	return &cfg, nil
}

// SaveHealth writes health.json atomically.
func (s *Store) SaveHealth(cfg *types.HealthConfig) error {
	if err := saveJSONAtomic(s.healthPath, cfg); err != nil {
		return collectorerrors.ConfigPersistence("registry", "save_health", "failed to persist health.json").Wrap(err)
	}
	return nil
}

// LoadSources reads sources.json, returning an empty map if it does not exist yet.
func (s *Store) LoadSources() (map[string]*types.Source, error) {
	out := make(map[string]*types.Source)
	if err := loadJSON(s.sourcesPath, &out); err != nil {
		return nil, collectorerrors.ConfigPersistence("registry", "load_sources", "failed to read sources.json").Wrap(err)
	}
	return out, nil
}

// SaveSources writes the full source set atomically.
func (s *Store) SaveSources(sources map[string]*types.Source) error {
	if err := saveJSONAtomic(s.sourcesPath, sources); err != nil {
		return collectorerrors.ConfigPersistence("registry", "save_sources", "failed to persist sources.json").Wrap(err)
	}
	return nil
}

// LoadPolicyFile reads policy.json, returning empty maps if it does not exist yet.
func (s *Store) LoadPolicyFile() (*PolicyFile, error) {
	pf := &PolicyFile{Policies: map[string]types.AggregationPolicy{}, Templates: map[string]types.Template{}}
	if err := loadJSON(s.policyPath, pf); err != nil {
		return nil, collectorerrors.ConfigPersistence("registry", "load_policy", "failed to read policy.json").Wrap(err)
	}
	if pf.Policies == nil {
		pf.Policies = map[string]types.AggregationPolicy{}
	}
	if pf.Templates == nil {
		pf.Templates = map[string]types.Template{}
	}
	return pf, nil
}

// SavePolicyFile writes policy.json atomically.
func (s *Store) SavePolicyFile(pf *PolicyFile) error {
	if err := saveJSONAtomic(s.policyPath, pf); err != nil {
		return collectorerrors.ConfigPersistence("registry", "save_policy", "failed to persist policy.json").Wrap(err)
	}
	return nil
}

// LoadFilters reads filters.json, returning an empty map if it does not exist yet.
func (s *Store) LoadFilters() (map[string][]types.FilterRule, error) {
	out := make(map[string][]types.FilterRule)
	if err := loadJSON(s.filtersPath, &out); err != nil {
		return nil, collectorerrors.ConfigPersistence("registry", "load_filters", "failed to read filters.json").Wrap(err)
	}
	return out, nil
}

// SaveFilters writes filters.json atomically.
func (s *Store) SaveFilters(filters map[string][]types.FilterRule) error {
	if err := saveJSONAtomic(s.filtersPath, filters); err != nil {
		return collectorerrors.ConfigPersistence("registry", "save_filters", "failed to persist filters.json").Wrap(err)
	}
	return nil
}

func loadJSON(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func saveJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
