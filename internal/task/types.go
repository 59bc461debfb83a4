package task

// Mode selects how the acquired file is delivered.
type Mode string

const (
	ModeMedia    Mode = "media"
	ModeDocument Mode = "doc"
)

// Request is the immutable job record dispatched into the pipeline once the
// requester has finalized filename, format and mode.
type Request struct {
	RequesterID string `json:"requester_id"`
	URL         string `json:"url"`
	Filename    string `json:"filename,omitempty"`
	FormatID    string `json:"format_id,omitempty"`
	Mode        Mode   `json:"mode"`
}

// ForceDocument reports whether the requester opted out of media-type
// delivery.
func (r Request) ForceDocument() bool { return r.Mode == ModeDocument }
