package model

import "time"

// RunReport is the per-execution aggregate persisted under the run's
// id. Counters are updated incrementally as jobs terminate and the
// latency percentiles are computed when the run is finalised.
type RunReport struct {
	RunID          string    `json:"runId"`
	StartedAt      time.Time `json:"startedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	Dispatched     int64     `json:"dispatched"`
	TotalProcessed int64     `json:"totalProcessed"`
	TotalSuccess   int64     `json:"totalSuccess"`
	TotalErrors    int64     `json:"totalErrors"`
	TotalSkipped   int64     `json:"totalSkipped"`

	ErrorsByKind             map[string]int64 `json:"errorsByKind,omitempty"`
	ProcessingByOrganisation map[string]int64 `json:"processingByOrganisation,omitempty"`

	// LatencySamplesMillis is a bounded reservoir of per-job latencies,
	// kept until the run is finalised into the percentiles below.
	LatencySamplesMillis []int64 `json:"latencySamplesMillis,omitempty"`

	LatencyP50Millis int64 `json:"latencyP50Millis,omitempty"`
	LatencyP95Millis int64 `json:"latencyP95Millis,omitempty"`
	LatencyP99Millis int64 `json:"latencyP99Millis,omitempty"`

	Version int64 `json:"version"`
}
