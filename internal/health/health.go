// Package health implements C10: periodic host and pipeline telemetry posted
// to an HEC endpoint. Grounded on original health_check.py's HealthCheck
// (configure/test-connection/monitor-loop shape) and the teacher's
// pkg/monitoring.ResourceMonitor ticker-loop idiom, with metric collection
// moved from psutil to github.com/shirou/gopsutil/v3's cpu/mem/disk/net/process
// sub-packages.
package health

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	gopsnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"

	"logcollector/internal/types"
)

// SourceLister returns a current, read-only snapshot of sources and their
// runtime stats for inclusion in a health payload.
type SourceLister interface {
	Snapshot() map[string]types.SourceStats
}

// Reporter drives the test-connection-then-loop lifecycle of C10.
type Reporter struct {
	logger  *logrus.Logger
	client  *http.Client
	sources SourceLister

	mu          sync.Mutex
	cfg         *types.HealthConfig
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewReporter returns an idle health reporter.
func NewReporter(logger *logrus.Logger, sources SourceLister) *Reporter {
	return &Reporter{
		logger:  logger,
		sources: sources,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Configure validates interval_seconds > 0 and performs the spec.md §4.9
// test POST. On any status other than 200 the reporter remains unconfigured.
func (r *Reporter) Configure(ctx context.Context, cfg types.HealthConfig) error {
	if cfg.IntervalSeconds <= 0 {
		return fmt.Errorf("interval_seconds must be > 0")
	}
	event := types.HECEvent{
		Time:   time.Now().Unix(),
		Event:  map[string]string{"message": "Health Check Connector - OK"},
		Source: "Heartbeat",
	}
	if err := r.post(ctx, &cfg, event); err != nil {
		return fmt.Errorf("health check configuration failed: %w", err)
	}

	r.mu.Lock()
	r.cfg = &cfg
	r.mu.Unlock()
	r.logger.Info("health check configured successfully")
	return nil
}

// Start begins the interval loop. No-op if unconfigured or already running.
func (r *Reporter) Start(parent context.Context) {
	r.mu.Lock()
	if r.cfg == nil {
		r.mu.Unlock()
		r.logger.Error("cannot start health check: not configured")
		return
	}
	if r.running {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel
	r.running = true
	cfg := *r.cfg
	r.mu.Unlock()

	r.wg.Add(1)
	go r.loop(ctx, cfg)
}

// Stop signals the loop to exit and waits for it.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
}

func (r *Reporter) loop(ctx context.Context, cfg types.HealthConfig) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Duration(cfg.IntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			event := r.collect(ctx)
			if err := r.post(ctx, &cfg, event); err != nil {
				r.logger.WithError(err).Error("error sending health data")
			}
		}
	}
}

// collect samples host and pipeline metrics into the payload shape named by
// spec.md §4.9, matching original health_check.py's _collect_health_data
// field-for-field.
func (r *Reporter) collect(ctx context.Context) types.HECEvent {
	payload := map[string]interface{}{}

	cpuPercent, err := cpu.PercentWithContext(ctx, time.Second, false)
	cpuCount, _ := cpu.CountsWithContext(ctx, true)
	var loadAvg interface{}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		if cpuCount > 0 {
			loadAvg = []float64{avg.Load1 / float64(cpuCount) * 100, avg.Load5 / float64(cpuCount) * 100, avg.Load15 / float64(cpuCount) * 100}
		}
	}
	cpuInfo := map[string]interface{}{"count": cpuCount, "load": loadAvg}
	if err == nil && len(cpuPercent) > 0 {
		cpuInfo["percent"] = cpuPercent[0]
	} else {
		cpuInfo["percent"] = 0.0
	}
	payload["cpu"] = cpuInfo

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		payload["memory"] = map[string]interface{}{
			"total":     vm.Total,
			"available": vm.Available,
			"percent":   vm.UsedPercent,
			"used":      vm.Used,
		}
	}

	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		payload["disk"] = map[string]interface{}{
			"total":   du.Total,
			"used":    du.Used,
			"free":    du.Free,
			"percent": du.UsedPercent,
		}
	}

	if counters, err := gopsnet.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		c := counters[0]
		payload["network"] = map[string]interface{}{
			"bytes_sent":   c.BytesSent,
			"bytes_recv":   c.BytesRecv,
			"packets_sent": c.PacketsSent,
			"packets_recv": c.PacketsRecv,
		}
	}

	sourceStats := map[string]types.SourceStats{}
	if r.sources != nil {
		sourceStats = r.sources.Snapshot()
	}
	payload["sources"] = sourceStats

	pid := os.Getpid()
	payload["pid"] = pid
	if proc, err := process.NewProcess(int32(pid)); err == nil {
		if mi, err := proc.MemoryInfo(); err == nil {
			payload["process_memory"] = mi.RSS
		}
	}

	return types.HECEvent{Time: time.Now().Unix(), Event: payload, Source: "Heartbeat"}
}

// post mirrors hec_sink.go's transport mechanics exactly (same headers,
// timeout, single-object body rather than NDJSON).
func (r *Reporter) post(ctx context.Context, cfg *types.HealthConfig, event types.HECEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.HECURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+cfg.HECToken)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}
