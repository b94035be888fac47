package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"logcollector/internal/types"
	"logcollector/pkg/collectorerrors"
)

// Registry validates and persists sources, enforcing the unique-peer_ip and
// port-sharing invariants from spec.md §3. Grounded on original
// source_manager.py's SourceManager class.
type Registry struct {
	mu      sync.RWMutex
	store   *Store
	sources map[string]*types.Source
	logger  *logrus.Logger
	httpc   *http.Client
}

// NewRegistry loads persisted sources (if any) and returns a ready registry.
func NewRegistry(store *Store, logger *logrus.Logger) (*Registry, error) {
	sources, err := store.LoadSources()
	if err != nil {
		return nil, err
	}
	return &Registry{
		store:   store,
		sources: sources,
		logger:  logger,
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// List returns a snapshot of all sources.
func (r *Registry) List() []*types.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Source, 0, len(r.sources))
	for _, s := range r.sources {
		cp := *s
		out = append(out, &cp)
	}
	return out
}

// Get returns the source with the given id.
func (r *Registry) Get(id string) (*types.Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[id]
	if !ok {
		return nil, false
	}
	cp := *s
	return &cp, true
}

// Add validates and persists a new source, returning its assigned id.
func (r *Registry) Add(s *types.Source) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s.ID = uuid.NewString()
	now := time.Now()
	s.CreatedAt = now
	s.UpdatedAt = now
	applySourceDefaults(s)

	if err := r.validate(s, ""); err != nil {
		return "", err
	}

	next := r.cloneSources()
	next[s.ID] = s
	if err := r.store.SaveSources(next); err != nil {
		return "", err
	}
	r.sources = next
	return s.ID, nil
}

// Update applies patch to the source with the given id, re-validates the
// full resulting record, and persists atomically. Never partially applies.
func (r *Registry) Update(id string, patch types.SourcePatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.sources[id]
	if !ok {
		return collectorerrors.Validation("registry", "update", "source not found").WithMetadata("id", id)
	}

	updated := *existing
	applyPatch(&updated, patch)
	updated.UpdatedAt = time.Now()

	if err := r.validate(&updated, id); err != nil {
		return err
	}

	next := r.cloneSources()
	next[id] = &updated
	if err := r.store.SaveSources(next); err != nil {
		return err
	}
	r.sources = next
	return nil
}

// Delete removes a source by id.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sources[id]; !ok {
		return collectorerrors.Validation("registry", "delete", "source not found").WithMetadata("id", id)
	}
	next := r.cloneSources()
	delete(next, id)
	if err := r.store.SaveSources(next); err != nil {
		return err
	}
	r.sources = next
	return nil
}

func (r *Registry) cloneSources() map[string]*types.Source {
	next := make(map[string]*types.Source, len(r.sources))
	for k, v := range r.sources {
		next[k] = v
	}
	return next
}

func applySourceDefaults(s *types.Source) {
	if s.BatchSize <= 0 {
		if s.Target == types.TargetHEC {
			s.BatchSize = types.DefaultHECBatchSize
		} else {
			s.BatchSize = types.DefaultFolderBatchSize
		}
	}
	if s.Target == types.TargetFolder && s.CompressionEnabled && s.CompressionLevel == 0 {
		s.CompressionLevel = 6
	}
}

func applyPatch(s *types.Source, p types.SourcePatch) {
	if p.Name != nil {
		s.Name = *p.Name
	}
	if p.PeerIP != nil {
		s.PeerIP = *p.PeerIP
	}
	if p.Port != nil {
		s.Port = *p.Port
	}
	if p.Protocol != nil {
		s.Protocol = *p.Protocol
	}
	if p.Target != nil {
		s.Target = *p.Target
	}
	if p.FolderPath != nil {
		s.FolderPath = *p.FolderPath
	}
	if p.HECURL != nil {
		s.HECURL = *p.HECURL
	}
	if p.HECToken != nil {
		s.HECToken = *p.HECToken
	}
	if p.BatchSize != nil {
		s.BatchSize = *p.BatchSize
	}
	if p.CompressionEnabled != nil {
		s.CompressionEnabled = *p.CompressionEnabled
	}
	if p.CompressionLevel != nil {
		s.CompressionLevel = *p.CompressionLevel
	}
}

// validate enforces every rule from spec.md §4.1. selfID is the id of the
// source being updated (excluded from the IP-uniqueness scan), or "" for add.
func (r *Registry) validate(s *types.Source, selfID string) error {
	if s.Name == "" {
		return collectorerrors.Validation("registry", "validate", "MissingName")
	}
	if s.PeerIP == "" {
		return collectorerrors.Validation("registry", "validate", "MissingPeerIP")
	}
	if net.ParseIP(s.PeerIP) == nil || net.ParseIP(s.PeerIP).To4() == nil {
		return collectorerrors.Validation("registry", "validate", "InvalidPeerIP").WithMetadata("peer_ip", s.PeerIP)
	}
	if s.Port < 1 || s.Port > 65535 {
		return collectorerrors.Validation("registry", "validate", "InvalidPort").WithMetadata("port", s.Port)
	}
	if s.Protocol != types.ProtocolUDP && s.Protocol != types.ProtocolTCP {
		return collectorerrors.Validation("registry", "validate", "InvalidProtocol").WithMetadata("protocol", s.Protocol)
	}

	for id, other := range r.sources {
		if id == selfID {
			continue
		}
		if other.PeerIP == s.PeerIP {
			return collectorerrors.Validation("registry", "validate", "DuplicateIP").WithMetadata("peer_ip", s.PeerIP)
		}
	}

	switch s.Target {
	case types.TargetFolder:
		if s.FolderPath == "" {
			return collectorerrors.Validation("registry", "validate", "MissingFolderPath")
		}
		if err := probeFolderWritable(s.FolderPath); err != nil {
			return collectorerrors.Validation("registry", "validate", "PathUnwritable").Wrap(err).WithMetadata("folder_path", s.FolderPath)
		}
	case types.TargetHEC:
		if s.HECURL == "" {
			return collectorerrors.Validation("registry", "validate", "MissingHECURL")
		}
		if s.HECToken == "" {
			return collectorerrors.Validation("registry", "validate", "MissingHECToken")
		}
		if err := r.probeHEC(s); err != nil {
			return collectorerrors.Validation("registry", "validate", "TargetUnreachable").Wrap(err).WithMetadata("hec_url", s.HECURL)
		}
	default:
		return collectorerrors.Validation("registry", "validate", "MissingTarget")
	}

	if s.BatchSize <= 0 {
		return collectorerrors.Validation("registry", "validate", "InvalidBatchSize")
	}
	if s.Target == types.TargetFolder && s.CompressionEnabled {
		if s.CompressionLevel < 1 || s.CompressionLevel > 9 {
			return collectorerrors.Validation("registry", "validate", "InvalidCompressionLevel")
		}
	}
	return nil
}

// probeFolderWritable mirrors the original's write-and-delete probe: create
// the directory if absent, write a marker file, then remove it.
func probeFolderWritable(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(path, ".test_write_access")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return err
	}
	return os.Remove(probe)
}

// probeHEC POSTs a synchronous test event, per spec.md §4.1.
func (r *Registry) probeHEC(s *types.Source) error {
	event := types.HECEvent{
		Time:   time.Now().Unix(),
		Event:  map[string]string{"message": "Source Check - OK"},
		Source: s.Name,
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, s.HECURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.HECToken)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := r.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("hec probe returned status %d", resp.StatusCode)
	}
	return nil
}
