package models

// Snapshot is one persisted capture of a job's canonical artifact.
// Data holds text or raw bytes (Go strings carry either losslessly).
type Snapshot struct {
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"` // seconds since epoch
	Tries     int    `json:"tries"`
	ETag      string `json:"etag"`
	MIME      string `json:"mime"`
}

// IsEmpty reports whether the snapshot is the zero value, i.e. no history
// exists for the fingerprint.
func (s Snapshot) IsEmpty() bool {
	return s.Data == "" && s.Timestamp == 0 && s.Tries == 0 && s.ETag == "" && s.MIME == ""
}
