package protocol

import "time"

// HotkeyEvent is published by the hotkey listener on key down and key up.
type HotkeyEvent struct {
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RecordingStatus is broadcast to the widget for every recording outcome.
// Text is set on success and partial, Error on error.
type RecordingStatus struct {
	AttemptID string    `json:"attempt_id,omitempty"`
	Mode      string    `json:"mode,omitempty"`
	Text      string    `json:"text,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ModeChange tells the widget which pipeline the next recording will use.
type ModeChange struct {
	Mode      string    `json:"mode"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectHotkeyDown      = "sayflow.hotkey.down"
	SubjectHotkeyUp        = "sayflow.hotkey.up"
	SubjectRecordingCancel = "sayflow.recording.cancel"

	SubjectRecordingProcessing = "sayflow.recording.processing"
	SubjectRecordingSuccess    = "sayflow.recording.success"
	SubjectRecordingError      = "sayflow.recording.error"
	SubjectRecordingPartial    = "sayflow.recording.partial"

	SubjectModeChanged = "sayflow.mode.changed"
)
