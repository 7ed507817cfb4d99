package domain

import "time"

type ManifestEntry struct {
	Fingerprint string    `json:"fingerprint"`
	Entries     int       `json:"entries"`
	Origin      Origin    `json:"origin"`
	IndexedAt   time.Time `json:"indexed_at"`
}

// Manifest maps a source identity to the fingerprint of its last fully indexed version.
type Manifest struct {
	Model     string                   `json:"model,omitempty"`
	Dimension int                      `json:"dimension,omitempty"`
	Sources   map[string]ManifestEntry `json:"sources"`
}

func NewManifest() Manifest {
	return Manifest{Sources: make(map[string]ManifestEntry)}
}

func (m Manifest) Unchanged(source, fingerprint string) bool {
	entry, ok := m.Sources[source]
	return ok && entry.Fingerprint == fingerprint
}

type ReindexRequest struct {
	Origin       Origin     `json:"origin"`
	Documents    []Document `json:"-"`
	PruneMissing bool       `json:"prune_missing"`
	// Scope limits which manifest sources of Origin can be reported missing.
	// Nil covers every source of that origin.
	Scope func(source string) bool `json:"-"`
}

type IndexReport struct {
	State             JobState `json:"state"`
	SourcesTotal      int      `json:"sources_total"`
	SourcesSkipped    int      `json:"sources_skipped"`
	SourcesIndexed    int      `json:"sources_indexed"`
	SourcesFailed     int      `json:"sources_failed"`
	SourcesMissing    []string `json:"sources_missing,omitempty"`
	FragmentsEmbedded int      `json:"fragments_embedded"`
	FragmentsReused   int      `json:"fragments_reused"`
	BatchesFailed     int      `json:"batches_failed"`
	EntriesPruned     int      `json:"entries_pruned"`
	Errors            []string `json:"errors,omitempty"`
}

func (r *IndexReport) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
}

type JobKind string

const (
	JobReindex JobKind = "reindex"
	JobRebuild JobKind = "rebuild"
	JobCrawl   JobKind = "crawl"
)

type JobState string

const (
	StateIdle      JobState = "idle"
	StateScanning  JobState = "scanning"
	StateCrawling  JobState = "crawling"
	StateEmbedding JobState = "embedding"
	StatePaused    JobState = "paused"
	StateDone      JobState = "done"
	StateError     JobState = "error"
	StateStopped   JobState = "stopped"
)

func (s JobState) Terminal() bool {
	return s == StateDone || s == StateError || s == StateStopped
}

type JobProgress struct {
	ID         string       `json:"id"`
	Kind       JobKind      `json:"kind"`
	State      JobState     `json:"state"`
	Processed  int          `json:"processed"`
	Total      int          `json:"total"`
	Message    string       `json:"message,omitempty"`
	Error      string       `json:"error,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
	Report     *IndexReport `json:"report,omitempty"`
}

// Percent is the completed share of the job in the range 0..100.
func (p JobProgress) Percent() int {
	if p.Total <= 0 {
		if p.State == StateDone {
			return 100
		}
		return 0
	}
	pct := p.Processed * 100 / p.Total
	return min(max(pct, 0), 100)
}

// JobEvent is published on job lifecycle transitions.
type JobEvent struct {
	JobID string      `json:"job_id"`
	Kind  JobKind     `json:"kind"`
	State JobState    `json:"state"`
	Job   JobProgress `json:"job"`
}

// JobRequest is a remote request to start a background job.
type JobRequest struct {
	Kind     JobKind `json:"kind"`
	Seed     string  `json:"seed,omitempty"`
	MaxPages int     `json:"max_pages,omitempty"`
	// MaxDepth is nil when the request leaves the depth to configuration; 0 crawls the seed only.
	MaxDepth     *int `json:"max_depth,omitempty"`
	PruneMissing bool `json:"prune_missing,omitempty"`
}
