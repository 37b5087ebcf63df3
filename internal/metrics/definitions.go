package metrics

// Definition describes a known series: unit plus the warning/critical
// levels the default alert rules are derived from.
type Definition struct {
	Name        string  `json:"name"`
	Unit        string  `json:"unit"`
	Warning     float64 `json:"warning"`
	Critical    float64 `json:"critical"`
	Description string  `json:"description"`
}

// Series recorded by the daemon itself. Operators can alert on any
// series name, including ones produced by their own actions; these are
// just the ones taskmill emits out of the box.
const (
	SeriesCPU          = "system_cpu"
	SeriesMemory       = "system_memory"
	SeriesTaskDuration = "task_duration_seconds"
	SeriesErrorRate    = "error_rate"
	SeriesHTTPLatency  = "http_latency_ms"
	SeriesNetDownload  = "net_download_mbps"
	SeriesNetUpload    = "net_upload_mbps"
	SeriesNetPing      = "net_ping_ms"
)

// DefaultDefinitions is the built-in catalogue with its alerting levels.
func DefaultDefinitions() []Definition {
	return []Definition{
		{Name: SeriesCPU, Unit: "percent", Warning: 70, Critical: 90, Description: "host CPU utilization"},
		{Name: SeriesMemory, Unit: "percent", Warning: 80, Critical: 95, Description: "host memory utilization"},
		{Name: SeriesTaskDuration, Unit: "seconds", Warning: 30, Critical: 60, Description: "wall time of finished executions"},
		{Name: SeriesErrorRate, Unit: "percent", Warning: 1, Critical: 5, Description: "share of failed executions"},
		{Name: SeriesHTTPLatency, Unit: "ms", Warning: 500, Critical: 1000, Description: "httpcheck round-trip latency"},
		{Name: SeriesNetPing, Unit: "ms", Warning: 100, Critical: 250, Description: "netprobe ping latency"},
	}
}

// DefinitionFor looks a series up in the built-in catalogue.
func DefinitionFor(name string) (Definition, bool) {
	for _, d := range DefaultDefinitions() {
		if d.Name == name {
			return d, true
		}
	}
	return Definition{}, false
}
