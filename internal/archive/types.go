package archive

import "time"

const recordVersion = "1"

// Record is the archived form of one closed conversation.
type Record struct {
	Version         string    `json:"version"`
	KeyHash         string    `json:"key_hash"`
	ClosedReason    string    `json:"closed_reason"`
	StartedAt       time.Time `json:"started_at"`
	ClosedAt        time.Time `json:"closed_at"`
	ArchivedAt      time.Time `json:"archived_at"`
	DurationSeconds int       `json:"duration_seconds"`
	TurnCount       int       `json:"turn_count"`
	LastSeq         int64     `json:"last_seq"`
	Outcome         string    `json:"outcome"` // booked|rescheduled|cancelled|inquiry|empty
	Turns           []Turn    `json:"turns"`
}

// Turn is a single archived turn with contact details scrubbed.
type Turn struct {
	Seq       int64     `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	ToolName  string    `json:"tool_name,omitempty"`
	ToolError bool      `json:"tool_error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ManifestEntry is one JSONL line in the monthly manifest file.
type ManifestEntry struct {
	KeyHash      string `json:"key_hash"`
	S3Key        string `json:"s3_key"`
	ClosedReason string `json:"closed_reason"`
	Outcome      string `json:"outcome"`
	ArchivedAt   string `json:"archived_at"`
	TurnCount    int    `json:"turn_count"`
}
