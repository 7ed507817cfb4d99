package domain

import "strconv"

// IndexEntry is the persisted metadata of one vector row.
type IndexEntry struct {
	ID          string `json:"id"`
	Source      string `json:"source"`
	Location    string `json:"location,omitempty"`
	Text        string `json:"text"`
	Fingerprint string `json:"fingerprint"`
	Ordinal     int    `json:"ordinal"`
}

type ScoredEntry struct {
	Entry IndexEntry `json:"entry"`
	Score float32    `json:"score"`
}

type RetrievalResult struct {
	Query       string        `json:"query"`
	Hits        []ScoredEntry `json:"hits"`
	NoKnowledge bool          `json:"no_knowledge"`
}

// Citation renders "source (p. N)" for page locations, "source (Sheet)" for
// other locations and the bare source otherwise.
func (e IndexEntry) Citation() string {
	if e.Location == "" {
		return e.Source
	}
	if _, err := strconv.Atoi(e.Location); err == nil {
		return e.Source + " (p. " + e.Location + ")"
	}
	return e.Source + " (" + e.Location + ")"
}
