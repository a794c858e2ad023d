package protocol

import "time"

// GenerateRequest asks the generation service to build one lecture.
type GenerateRequest struct {
	RequestID   string  `json:"request_id"`
	LectureID   string  `json:"lecture_id,omitempty"`
	Title       string  `json:"title"`
	Script      string  `json:"script"`
	Voice       string  `json:"voice,omitempty"`
	Speed       float64 `json:"speed,omitempty"`
	Theme       string  `json:"theme,omitempty"`
	AccentColor string  `json:"accent_color,omitempty"`
}

// GenerateResponse is the reply to a GenerateRequest. Error and Stage are set
// only on failure.
type GenerateResponse struct {
	RequestID    string `json:"request_id"`
	LectureID    string `json:"lecture_id"`
	ManifestPath string `json:"manifest_path,omitempty"`
	TotalSlides  int    `json:"total_slides"`
	Error        string `json:"error,omitempty"`
	Stage        string `json:"stage,omitempty"`
}

// LectureGenerated is broadcast after a lecture is published.
type LectureGenerated struct {
	LectureID    string    `json:"lecture_id"`
	Title        string    `json:"title"`
	ManifestPath string    `json:"manifest_path"`
	TotalSlides  int       `json:"total_slides"`
	Voice        string    `json:"voice"`
	Timestamp    time.Time `json:"timestamp"`
}

const (
	SubjectGenerateRequest  = "lecture.generate.request"
	SubjectLectureGenerated = "lecture.generated"
	QueueGenerators         = "lecture-generators"
)

// NodeAnnouncement advertises what a generator node can synthesize.
type NodeAnnouncement struct {
	NodeID        string    `json:"node_id"`
	EngineMode    string    `json:"engine_mode"`
	Voices        []string  `json:"voices"`
	Language      string    `json:"language"`
	MaxConcurrent int       `json:"max_concurrent"`
	Timestamp     time.Time `json:"timestamp"`
}

// NodeHeartbeat keeps a node marked healthy between announcements.
type NodeHeartbeat struct {
	NodeID    string    `json:"node_id"`
	Active    int       `json:"active"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectNodeAnnounce        = "lecture.node.announce"
	SubjectNodeHeartbeatPrefix = "lecture.node.heartbeat"
)
