package model

// ArtifactMeta describes a downloadable report.
type ArtifactMeta struct {
	JobID       string `json:"job_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"` // -1 when the backend did not announce it
}

// Artifact is a fully buffered report. Data is never re-encoded.
type Artifact struct {
	ArtifactMeta
	Data []byte `json:"-"`
}
