package archive

import "time"

// Summary counts per-item outcomes for one run.
type Summary struct {
	PagesSucceeded    int `json:"pages_succeeded"`
	PagesFailed       int `json:"pages_failed"`
	PagesSkipped      int `json:"pages_skipped"`
	DroppedScope      int `json:"dropped_scope"`
	DroppedDepth      int `json:"dropped_depth"`
	DroppedBudget     int `json:"dropped_budget"`
	DroppedRobots     int `json:"dropped_robots"`
	Duplicates        int `json:"duplicates"`
	DatasetsExtracted int `json:"datasets_extracted"`
	ParseErrors       int `json:"parse_errors"`
	MediaStored       int `json:"media_stored"`
	MediaDeduplicated int `json:"media_deduplicated"`
	MediaFailed       int `json:"media_failed"`
	MediaSkipped      int `json:"media_skipped"`
	StorageErrors     int `json:"storage_errors"`
}

// Failure records one per-item failure for the run report.
type Failure struct {
	URL    string `json:"url"`
	Stage  string `json:"stage"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// RunReport is written to runs/<run-id>.json. Run metadata lives here rather
// than in the manifest.
type RunReport struct {
	RunID      string    `json:"run_id"`
	Seeds      []string  `json:"seeds"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Canceled   bool      `json:"canceled"`
	Summary    Summary   `json:"summary"`
	Failures   []Failure `json:"failures,omitempty"`
}
