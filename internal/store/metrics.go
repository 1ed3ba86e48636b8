package store

import "github.com/prometheus/client_golang/prometheus"

var recordsDesc = prometheus.NewDesc(
	"oauth_store_records",
	"Number of live records in the OAuth state store, per entity kind.",
	[]string{"kind"}, nil,
)

type statsCollector struct {
	storage Storage
}

// NewStatsCollector returns a prometheus collector exposing the store's
// per-entity record counts.
func NewStatsCollector(storage Storage) prometheus.Collector {
	return &statsCollector{storage: storage}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- recordsDesc
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.storage.Stats()
	for kind, count := range map[string]int{
		"sessions":             stats.Sessions,
		"device_flows":         stats.DeviceFlows,
		"auth_code_flows":      stats.AuthCodeFlows,
		"auth_codes":           stats.AuthCodes,
		"mcp_session_mappings": stats.SessionMappings,
	} {
		ch <- prometheus.MustNewConstMetric(recordsDesc, prometheus.GaugeValue, float64(count), kind)
	}
}
