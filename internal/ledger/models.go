package ledger

import "time"

// FileRecord is the last committed pass over a conversation file.
type FileRecord struct {
	Path           string
	Project        string
	ConversationID string
	Offset         int64
	Lines          int64
	LastIndexedAt  time.Time
}

// ChunkRecord is one stored chunk. PointID is its vector store id.
type ChunkRecord struct {
	Key            string // conversation#seq
	ConversationID string
	Project        string
	FilePath       string
	Seq            int
	Tokens         int
	Collection     string
	PointID        string
	IndexedAt      time.Time
}

// Anomaly is a unit of input that was skipped, dropped or reset.
type Anomaly struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Path      string    `json:"path"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Anomaly kinds.
const (
	AnomalyMalformedLine = "malformed_line"
	AnomalyOversizedLine = "oversized_line"
	AnomalyTruncated     = "truncated"
	AnomalyEmbedFailed   = "embed_failed"
	AnomalyStoreFailed   = "store_failed"
	AnomalyCorruptState  = "corrupt_state"
	AnomalyMemoryStop    = "memory_stop"
)
