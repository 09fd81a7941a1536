package exporter

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"go.uber.org/zap"
)

// selfStatsTimeout bounds the gopsutil calls made per pull.
const selfStatsTimeout = 2 * time.Second

// selfStats reports the host the exporter runs on through gopsutil. Process
// memory and CPU come from the client_golang process collector.
type selfStats struct {
	logger *zap.Logger

	hostUptime *prometheus.Desc
	hostLoad1  *prometheus.Desc
}

func newSelfStats(logger *zap.Logger) *selfStats {
	return &selfStats{
		logger: logger.Named("self"),
		hostUptime: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "exporter", "host_uptime_seconds"),
			"Uptime of the host running the exporter in seconds",
			nil, nil,
		),
		hostLoad1: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "exporter", "host_load1"),
			"One minute load average of the host running the exporter",
			nil, nil,
		),
	}
}

func (s *selfStats) describe(ch chan<- *prometheus.Desc) {
	ch <- s.hostUptime
	ch <- s.hostLoad1
}

// collect emits whatever gopsutil can read on this platform. Failed reads
// are skipped.
func (s *selfStats) collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), selfStatsTimeout)
	defer cancel()

	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		ch <- prometheus.MustNewConstMetric(s.hostUptime, prometheus.GaugeValue, float64(uptime))
	} else {
		s.logger.Debug("Read host uptime", zap.Error(err))
	}

	// Windows has no load average.
	if avg, err := load.AvgWithContext(ctx); err == nil {
		ch <- prometheus.MustNewConstMetric(s.hostLoad1, prometheus.GaugeValue, avg.Load1)
	} else {
		s.logger.Debug("Read load average", zap.Error(err))
	}
}
