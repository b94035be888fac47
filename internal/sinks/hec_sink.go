package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"logcollector/internal/types"
	"logcollector/pkg/collectorerrors"
)

// HECSink implements C9: POSTs a batch as newline-delimited JSON to an HTTP
// Event Collector endpoint with a bearer token. Grounded on teacher
// splunk_sink.go's structure (custom transport, defaulting, instrumented
// Send), with the teacher's "Splunk " auth prefix replaced by spec.md's
// exact "Bearer " scheme.
type HECSink struct {
	client *http.Client
}

// NewHECSink returns a ready HEC sink with the spec-mandated 30s timeout.
func NewHECSink() *HECSink {
	return &HECSink{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Deliver POSTs events as NDJSON to source.HECURL. Success iff the response
// status is exactly 200; any other status or transport failure is returned
// as a TransientIO error and the batch is dropped without retry, per
// spec.md §4.8.
func (h *HECSink) Deliver(ctx context.Context, events []types.HECEvent, source *types.Source) error {
	body, err := encodeNDJSON(events)
	if err != nil {
		return collectorerrors.TransientIO("hec_sink", "deliver", "failed to encode batch").Wrap(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, source.HECURL, bytes.NewReader(body))
	if err != nil {
		return collectorerrors.TransientIO("hec_sink", "deliver", "failed to build request").Wrap(err)
	}
	req.Header.Set("Authorization", "Bearer "+source.HECToken)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := h.client.Do(req)
	if err != nil {
		return collectorerrors.TransientIO("hec_sink", "deliver", "request failed").Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return collectorerrors.TransientIO("hec_sink", "deliver", "non-200 response").
			WithMetadata("status", resp.StatusCode).
			WithMetadata("body", string(respBody)).
			Wrap(fmt.Errorf("hec returned status %d", resp.StatusCode))
	}
	return nil
}

func encodeNDJSON(events []types.HECEvent) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
