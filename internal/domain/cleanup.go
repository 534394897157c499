package domain

import "time"

// CleanupRun summarizes one sweeper pass
type CleanupRun struct {
	StartedAt     time.Time     `json:"startedAt"`
	Duration      time.Duration `json:"duration"`
	KeysScanned   int64         `json:"keysScanned"`
	KeysDeleted   int64         `json:"keysDeleted"`
	KeysRepaired  int64         `json:"keysRepaired"`
	FailedBatches int           `json:"failedBatches"`
	Succeeded     bool          `json:"succeeded"`
}

// CleanupStatus is the sweeper state exposed to operators
type CleanupStatus struct {
	Scheduled bool          `json:"scheduled"`
	Running   bool          `json:"running"`
	Interval  time.Duration `json:"interval"`
	LastRun   *CleanupRun   `json:"lastRun,omitempty"`
	History   []CleanupRun  `json:"history"`
}

// HealthReport is the result of a non-blocking store health probe
type HealthReport struct {
	Healthy        bool        `json:"healthy"`
	StoreReachable bool        `json:"storeReachable"`
	SampledKeys    int         `json:"sampledKeys"`
	KeysWithoutTTL int         `json:"keysWithoutTtl"`
	LastRun        *CleanupRun `json:"lastRun,omitempty"`
	Error          string      `json:"error,omitempty"`
}
