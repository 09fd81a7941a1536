// Package collector turns the panel's inventory and per-VM stats payloads
// into a models.Snapshot. One call to Snapshot is one scrape.
package collector

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Guliveer/racknerd-exporter/internal/models"
	"github.com/Guliveer/racknerd-exporter/internal/panel"
)

const (
	defaultStatsConcurrency = 1
	defaultScrapeTimeout    = 60 * time.Second
)

// Source is the part of the panel client a scrape needs.
type Source interface {
	// ListVMs returns the VM inventory in page order.
	ListVMs(ctx context.Context) ([]models.VMSummary, error)

	// VMStats returns the raw stats payload of one VM. Errors are expected
	// and are recorded as unavailable stats.
	VMStats(ctx context.Context, id string) (panel.RawStats, error)
}

// Options tunes an InventoryCollector. Zero values select the defaults.
type Options struct {
	// StatsConcurrency caps parallel stats requests. 1 fetches sequentially.
	StatsConcurrency int

	// ScrapeTimeout bounds a whole Snapshot call.
	ScrapeTimeout time.Duration
}

// InventoryCollector builds snapshots from a Source.
type InventoryCollector struct {
	source        Source
	concurrency   int
	scrapeTimeout time.Duration
	logger        *zap.Logger
}

// New creates a collector reading from source.
func New(source Source, opts Options, logger *zap.Logger) *InventoryCollector {
	if opts.StatsConcurrency <= 0 {
		opts.StatsConcurrency = defaultStatsConcurrency
	}
	if opts.ScrapeTimeout <= 0 {
		opts.ScrapeTimeout = defaultScrapeTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InventoryCollector{
		source:        source,
		concurrency:   opts.StatsConcurrency,
		scrapeTimeout: opts.ScrapeTimeout,
		logger:        logger.Named("collector"),
	}
}

// Snapshot runs one scrape. Only a failed inventory fetch is returned as an
// error; a failed stats fetch is recorded on that VM's entry and the scrape
// moves on to the next VM.
func (c *InventoryCollector) Snapshot(ctx context.Context) (models.Snapshot, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.scrapeTimeout)
	defer cancel()

	snap := models.Snapshot{Timestamp: start.UTC()}

	vms, err := c.source.ListVMs(ctx)
	if err != nil {
		snap.Duration = time.Since(start)
		return snap, fmt.Errorf("list vms: %w", err)
	}

	// Each goroutine writes only its own slot, so inventory order is kept.
	snap.Entries = make([]models.VMEntry, len(vms))
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, vm := range vms {
		g.Go(func() error {
			snap.Entries[i] = models.VMEntry{Summary: vm, Stats: c.collectStats(ctx, vm)}
			return nil
		})
	}
	_ = g.Wait()

	snap.Duration = time.Since(start)
	c.logger.Debug("Snapshot complete",
		zap.Int("vms", len(snap.Entries)),
		zap.Int("available", snap.Available()),
		zap.Duration("duration", snap.Duration))
	return snap, nil
}

func (c *InventoryCollector) collectStats(ctx context.Context, vm models.VMSummary) models.VMStats {
	raw, err := c.source.VMStats(ctx, vm.ID)
	if err != nil {
		c.logger.Warn("Stats unavailable",
			zap.String("vm_id", vm.ID),
			zap.String("hostname", vm.Hostname),
			zap.Error(err))
		return models.UnavailableStats()
	}
	stats := c.parseStats(vm, raw)
	c.logger.Debug("Collected VM stats",
		zap.String("hostname", vm.Hostname),
		zap.Stringer("state", stats.State))
	return stats
}

// parseStats maps a stats payload onto VMStats. Bandwidth and disk are read
// whenever their total is present; memory and vswap are only reported by
// some virtualization types and stay nil otherwise.
func (c *InventoryCollector) parseStats(vm models.VMSummary, raw panel.RawStats) models.VMStats {
	stats := models.VMStats{
		State:     ParseState(raw.String("state")),
		Available: true,
	}
	if raw.String("totalbw") != "" {
		stats.Bandwidth = c.usage(vm, raw, "bw")
	}
	if raw.String("totalhdd") != "" {
		stats.Disk = c.usage(vm, raw, "hdd")
	}
	if raw.Has("totalmem") {
		mem := c.usage(vm, raw, "mem")
		stats.Memory = &mem
	}
	if raw.Has("totalvswap") {
		vswap := c.usage(vm, raw, "vswap")
		stats.VSwap = &vswap
	}
	return stats
}

// usage reads the total<suffix>, used<suffix> and percent<suffix> fields.
func (c *InventoryCollector) usage(vm models.VMSummary, raw panel.RawStats, suffix string) models.UsageTriple {
	key := "percent" + suffix
	pct, ok := ParsePercent(raw.String(key))
	if !ok && raw.Has(key) {
		c.logger.Warn("Unexpected percentage format",
			zap.String("hostname", vm.Hostname),
			zap.String("field", key),
			zap.String("value", raw.String(key)))
	}
	return models.UsageTriple{
		TotalBytes: SizeToBytes(raw.String("total" + suffix)),
		UsedBytes:  SizeToBytes(raw.String("used" + suffix)),
		Percent:    pct,
	}
}
