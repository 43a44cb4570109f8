// Package metrics exposes device counters to Prometheus. The collector
// reads lock-free snapshots, so scrapes never contend with readers and
// writers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/chardev/pkg/chardev"
)

// DeviceCollector implements prometheus.Collector over a device snapshot.
type DeviceCollector struct {
	dev *chardev.Device

	capacity *prometheus.Desc
	length   *prometheus.Desc
	opens    *prometheus.Desc
	reads    *prometheus.Desc
	writes   *prometheus.Desc
}

// NewDeviceCollector creates a collector for dev. Register it on a
// prometheus.Registerer to expose the metrics.
func NewDeviceCollector(dev *chardev.Device) *DeviceCollector {
	labels := prometheus.Labels{"device": dev.Name()}
	return &DeviceCollector{
		dev: dev,
		capacity: prometheus.NewDesc("chardev_buffer_capacity_bytes",
			"Fixed capacity of the device buffer.", nil, labels),
		length: prometheus.NewDesc("chardev_buffer_length_bytes",
			"Current valid data length of the device buffer.", nil, labels),
		opens: prometheus.NewDesc("chardev_open_count",
			"Number of concurrent openers.", nil, labels),
		reads: prometheus.NewDesc("chardev_read_ops_total",
			"Successful read operations.", nil, labels),
		writes: prometheus.NewDesc("chardev_write_ops_total",
			"Successful write operations.", nil, labels),
	}
}

// Describe implements prometheus.Collector.
func (c *DeviceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.capacity
	ch <- c.length
	ch <- c.opens
	ch <- c.reads
	ch <- c.writes
}

// Collect implements prometheus.Collector.
func (c *DeviceCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.dev.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(snap.Capacity))
	ch <- prometheus.MustNewConstMetric(c.length, prometheus.GaugeValue, float64(snap.Length))
	ch <- prometheus.MustNewConstMetric(c.opens, prometheus.GaugeValue, float64(snap.OpenCount))
	ch <- prometheus.MustNewConstMetric(c.reads, prometheus.CounterValue, float64(snap.ReadOps))
	ch <- prometheus.MustNewConstMetric(c.writes, prometheus.CounterValue, float64(snap.WriteOps))
}
