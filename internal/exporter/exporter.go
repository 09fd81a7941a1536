// Package exporter renders panel snapshots as Prometheus metrics. Every pull
// of the metrics endpoint runs one fresh scrape; nothing is cached between
// pulls.
package exporter

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Guliveer/racknerd-exporter/internal/collector"
	"github.com/Guliveer/racknerd-exporter/internal/models"
)

const namespace = "racknerd"

// Snapshotter runs one scrape of the panel.
type Snapshotter interface {
	Snapshot(ctx context.Context) (models.Snapshot, error)
}

// usageDescs are the three series of one resource.
type usageDescs struct {
	total   *prometheus.Desc
	used    *prometheus.Desc
	percent *prometheus.Desc
}

func newUsageDescs(resource, label string) usageDescs {
	return usageDescs{
		total: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, resource, "total_bytes"),
			"Total "+label+" in bytes",
			[]string{"hostname"}, nil,
		),
		used: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, resource, "used_bytes"),
			"Used "+label+" in bytes",
			[]string{"hostname"}, nil,
		),
		percent: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, resource, "usage_percent"),
			label+" usage percentage",
			[]string{"hostname"}, nil,
		),
	}
}

func (d usageDescs) describe(ch chan<- *prometheus.Desc) {
	ch <- d.total
	ch <- d.used
	ch <- d.percent
}

func (d usageDescs) collect(ch chan<- prometheus.Metric, u models.UsageTriple, hostname string) {
	ch <- prometheus.MustNewConstMetric(d.total, prometheus.GaugeValue, u.TotalBytes, hostname)
	ch <- prometheus.MustNewConstMetric(d.used, prometheus.GaugeValue, u.UsedBytes, hostname)
	ch <- prometheus.MustNewConstMetric(d.percent, prometheus.GaugeValue, u.Percent, hostname)
}

// Exporter is a prometheus.Collector backed by a Snapshotter.
type Exporter struct {
	source Snapshotter
	self   *selfStats
	logger *zap.Logger

	// Scrape health
	up             *prometheus.Desc
	vms            *prometheus.Desc
	scrapeDuration *prometheus.Desc

	// Per-VM metrics
	vmInfo           *prometheus.Desc
	vmState          *prometheus.Desc
	vmStatsAvailable *prometheus.Desc
	vmPlanMemory     *prometheus.Desc
	vmPlanDisk       *prometheus.Desc

	bandwidth usageDescs
	disk      usageDescs
	memory    usageDescs
	vswap     usageDescs
}

// New creates an exporter that scrapes source on every collection.
func New(source Snapshotter, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{
		source: source,
		self:   newSelfStats(logger),
		logger: logger.Named("exporter"),

		up: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "up"),
			"Whether the last scrape of the panel inventory succeeded",
			nil, nil,
		),
		vms: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "vms"),
			"Number of VMs listed by the panel",
			nil, nil,
		),
		scrapeDuration: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "scrape_duration_seconds"),
			"Duration of the panel scrape in seconds",
			nil, nil,
		),

		vmInfo: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "vm", "info"),
			"Information about the VM",
			[]string{"hostname", "ip_address", "os", "vm_type", "vm_id"}, nil,
		),
		vmState: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "vm", "state"),
			"VM power state (1=online, 0=offline)",
			[]string{"hostname"}, nil,
		),
		vmStatsAvailable: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "vm", "stats_available"),
			"Whether VM stats are available (1=available, 0=unavailable)",
			[]string{"hostname"}, nil,
		),
		vmPlanMemory: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "vm", "plan_memory_bytes"),
			"Memory of the VM plan in bytes",
			[]string{"hostname"}, nil,
		),
		vmPlanDisk: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "vm", "plan_disk_bytes"),
			"Disk of the VM plan in bytes",
			[]string{"hostname"}, nil,
		),

		bandwidth: newUsageDescs("bandwidth", "Bandwidth"),
		disk:      newUsageDescs("disk", "Disk"),
		memory:    newUsageDescs("memory", "Memory"),
		vswap:     newUsageDescs("vswap", "VSwap"),
	}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.up
	ch <- e.vms
	ch <- e.scrapeDuration
	ch <- e.vmInfo
	ch <- e.vmState
	ch <- e.vmStatsAvailable
	ch <- e.vmPlanMemory
	ch <- e.vmPlanDisk
	e.bandwidth.describe(ch)
	e.disk.describe(ch)
	e.memory.describe(ch)
	e.vswap.describe(ch)
	e.self.describe(ch)
}

// Collect implements prometheus.Collector. It runs one scrape and never
// fails: a failed inventory fetch is reported through racknerd_up.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	e.self.collect(ch)

	snap, err := e.source.Snapshot(context.Background())
	ch <- prometheus.MustNewConstMetric(e.scrapeDuration, prometheus.GaugeValue, snap.Duration.Seconds())
	if err != nil {
		e.logger.Error("Scrape failed", zap.Error(err))
		ch <- prometheus.MustNewConstMetric(e.up, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(e.vms, prometheus.GaugeValue, 0)
		return
	}

	ch <- prometheus.MustNewConstMetric(e.up, prometheus.GaugeValue, 1)
	ch <- prometheus.MustNewConstMetric(e.vms, prometheus.GaugeValue, float64(len(snap.Entries)))
	if len(snap.Entries) == 0 {
		e.logger.Warn("No VMs found")
		return
	}

	// Series are keyed by hostname; a repeated hostname would make the whole
	// gather fail, so only its first VM is exported.
	seen := make(map[string]bool, len(snap.Entries))
	for _, entry := range snap.Entries {
		hostname := entry.Summary.Hostname
		if seen[hostname] {
			e.logger.Warn("Duplicate hostname, skipping VM",
				zap.String("hostname", hostname),
				zap.String("vm_id", entry.Summary.ID))
			continue
		}
		seen[hostname] = true
		e.collectEntry(ch, entry)
	}
}

func (e *Exporter) collectEntry(ch chan<- prometheus.Metric, entry models.VMEntry) {
	vm, stats := entry.Summary, entry.Stats
	hostname := vm.Hostname

	ch <- prometheus.MustNewConstMetric(e.vmInfo, prometheus.GaugeValue, 1,
		hostname, vm.IPAddress, vm.OS, string(vm.Type), vm.ID)
	ch <- prometheus.MustNewConstMetric(e.vmPlanMemory, prometheus.GaugeValue, collector.SizeToBytes(vm.PlanMemory), hostname)
	ch <- prometheus.MustNewConstMetric(e.vmPlanDisk, prometheus.GaugeValue, collector.SizeToBytes(vm.PlanDisk), hostname)

	state := 0.0
	if stats.State == models.StateOnline {
		state = 1
	}
	ch <- prometheus.MustNewConstMetric(e.vmState, prometheus.GaugeValue, state, hostname)

	if !stats.Available {
		ch <- prometheus.MustNewConstMetric(e.vmStatsAvailable, prometheus.GaugeValue, 0, hostname)
		return
	}
	ch <- prometheus.MustNewConstMetric(e.vmStatsAvailable, prometheus.GaugeValue, 1, hostname)

	e.bandwidth.collect(ch, stats.Bandwidth, hostname)
	e.disk.collect(ch, stats.Disk, hostname)
	if stats.Memory != nil {
		e.memory.collect(ch, *stats.Memory, hostname)
	}
	if stats.VSwap != nil {
		e.vswap.collect(ch, *stats.VSwap, hostname)
	}
}
