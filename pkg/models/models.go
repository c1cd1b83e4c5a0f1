package models

import (
	"encoding/json"
	"time"
)

// MessageRecord is one ingested channel message as stored in the raw store
type MessageRecord struct {
	Channel        string          `json:"channel"`
	MessageID      int64           `json:"message_id"`
	Date           time.Time       `json:"date"`
	Text           *string         `json:"text"`
	HasMedia       bool            `json:"has_media"`
	MediaReference *string         `json:"media_reference"`
	Views          *int            `json:"views"`
	Forwards       *int            `json:"forwards"`
	Media          *MediaInfo      `json:"media"`
	IngestedAt     time.Time       `json:"ingested_at"`
	Raw            json.RawMessage `json:"raw,omitempty"`
}

// Media kinds recorded in MediaInfo.Kind
const (
	MediaPhoto    = "photo"
	MediaVideo    = "video"
	MediaVoice    = "voice"
	MediaDocument = "document"
	MediaOther    = "other"
)

// MediaInfo summarizes the attached media without its payload
type MediaInfo struct {
	Kind     string   `json:"kind"`
	Type     string   `json:"type,omitempty"`
	MimeType string   `json:"mime_type,omitempty"`
	Size     int64    `json:"size,omitempty"`
	Duration *float64 `json:"duration,omitempty"`
}

// MediaRef locates a downloadable asset upstream. Only photos are materialized.
type MediaRef struct {
	Channel       string
	MessageID     int64
	ID            int64
	AccessHash    int64
	FileReference []byte
	ThumbSize     string
	Size          int64
}

// PageRequest asks for messages strictly newer than AfterID. NotBefore applies
// only when there is no cursor yet (AfterID == 0).
type PageRequest struct {
	AfterID   int64
	NotBefore time.Time
	Limit     int
}

// PageItem is one upstream message. Err is set for a message that could not be
// normalized; Record then carries at least MessageID.
type PageItem struct {
	Record MessageRecord
	Media  *MediaRef
	Err    error
}

// Page is one upstream fetch, ascending by message id
type Page struct {
	Items []PageItem
}

// Len returns the number of upstream messages in the page, malformed ones included
func (p *Page) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Items)
}

// State is a channel loop state
type State string

const (
	StateInit      State = "INIT"
	StateFetching  State = "FETCHING"
	StateFlushing  State = "FLUSHING"
	StateAdvancing State = "ADVANCING"
	StateDone      State = "DONE"
	StateFailed    State = "FAILED"
)

// ChannelResult is the outcome of one channel loop
type ChannelResult struct {
	Channel     string        `json:"channel"`
	State       State         `json:"state"`
	Count       int           `json:"count"`
	Assets      int           `json:"assets"`
	Pages       int           `json:"pages"`
	Skipped     int           `json:"skipped"`
	StartCursor int64         `json:"start_cursor"`
	EndCursor   int64         `json:"end_cursor"`
	ErrorType   string        `json:"error_type,omitempty"`
	Cause       string        `json:"cause,omitempty"`
	Duration    time.Duration `json:"duration"`
	Err         error         `json:"-"`
}

// Run statuses
const (
	RunSuccess = "success"
	RunPartial = "partial"
)

// RunReport summarizes one orchestrator run
type RunReport struct {
	RunID      string          `json:"run_id"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Status     string          `json:"status"`
	Channels   []ChannelResult `json:"channels"`
	Messages   int             `json:"messages"`
	Assets     int             `json:"assets"`
	// FetchLatencyMS holds p50/p95/p99 page fetch latency in milliseconds
	FetchLatencyMS map[string]float64 `json:"fetch_latency_ms,omitempty"`
}

// Failed returns the channels that ended FAILED
func (r *RunReport) Failed() []ChannelResult {
	var out []ChannelResult
	for _, c := range r.Channels {
		if c.State == StateFailed {
			out = append(out, c)
		}
	}
	return out
}
