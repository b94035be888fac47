// Package types holds the persisted and in-memory data model shared across
// the registry, template, filter, aggregation, processor and sink packages.
package types

import "time"

// Protocol is the transport a source listens on.
type Protocol string

const (
	ProtocolUDP Protocol = "UDP"
	ProtocolTCP Protocol = "TCP"
)

// TargetType is the delivery sink for a source.
type TargetType string

const (
	TargetFolder TargetType = "FOLDER"
	TargetHEC    TargetType = "HEC"
)

const (
	DefaultFolderBatchSize = 5000
	DefaultHECBatchSize    = 500
)

// Source is a configured (peer_ip, port, protocol) ingestion endpoint bound
// to one delivery target. Mutated only through the registry.
type Source struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	PeerIP             string     `json:"peer_ip"`
	Port               int        `json:"port"`
	Protocol           Protocol   `json:"protocol"`
	Target             TargetType `json:"target"`
	FolderPath         string     `json:"folder_path,omitempty"`
	HECURL             string     `json:"hec_url,omitempty"`
	HECToken           string     `json:"hec_token,omitempty"`
	BatchSize          int        `json:"batch_size"`
	CompressionEnabled bool       `json:"compression_enabled,omitempty"`
	CompressionLevel   int        `json:"compression_level,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// SourcePatch carries only the fields an update operation intends to change.
// Nil pointers mean "leave unchanged".
type SourcePatch struct {
	Name               *string
	PeerIP             *string
	Port               *int
	Protocol           *Protocol
	Target             *TargetType
	FolderPath         *string
	HECURL             *string
	HECToken           *string
	BatchSize          *int
	CompressionEnabled *bool
	CompressionLevel   *int
}

// FieldInfo describes one leaf of an extracted template.
type FieldInfo struct {
	Type      string `json:"type"`
	Example   string `json:"example"`
	Formatted string `json:"formatted,omitempty"`
	Length    int    `json:"length,omitempty"`
}

// Template is the descriptive field map captured once per source from its
// first observed record.
type Template struct {
	LogSample  string               `json:"log"`
	Fields     map[string]FieldInfo `json:"fields"`
	CapturedAt time.Time            `json:"timestamp"`
}

// FilterRule is a per-source (field, value) predicate that drops
// equal-valued records.
type FilterRule struct {
	Field     string    `json:"field"`
	Value     string    `json:"value"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created"`
}

// AggregationPolicy is a per-source tuple of field paths used to collapse
// equivalent records within a batch.
type AggregationPolicy struct {
	Fields    []string  `json:"fields"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created"`
}

// HealthConfig is the singleton configuration for the health reporter.
type HealthConfig struct {
	HECURL          string `json:"hec_url"`
	HECToken        string `json:"hec_token"`
	IntervalSeconds int    `json:"interval_seconds"`
}

// HECEvent is the envelope shared by the HEC sink, the folder sink and the
// health reporter: {time, event, source}.
type HECEvent struct {
	Time   int64       `json:"time"`
	Event  interface{} `json:"event"`
	Source string      `json:"source"`
}

// SourceStats is the in-memory per-source runtime snapshot exposed over the
// introspection surface and the health reporter.
type SourceStats struct {
	QueueSize       int       `json:"queue_size"`
	ActiveWorkers   int       `json:"active_workers"`
	Port            int       `json:"port"`
	Protocol        Protocol  `json:"protocol"`
	Target          TargetType `json:"target"`
	ProcessedCount  int64     `json:"processed_count"`
	LastProcessedAt time.Time `json:"last_processed_at"`
}
