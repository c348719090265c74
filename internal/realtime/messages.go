package realtime

// Client -> server envelope types.
const (
	msgAudioChunk = "audio_chunk"
	msgCommit     = "commit"
	msgCancel     = "cancel"
)

// EventType is the type tag of a server message.
type EventType string

const (
	EventSessionReady        EventType = "session_ready"
	EventTranscriptDelta     EventType = "transcript_delta"
	EventTranscriptCompleted EventType = "transcript_completed"
	EventTranscriptFinal     EventType = "transcript_final"
	EventSpeechStarted       EventType = "speech_started"
	EventSpeechStopped       EventType = "speech_stopped"
	EventError               EventType = "error"
)

// Event is a server message forwarded to the session owner.
type Event struct {
	Type       EventType `json:"type"`
	Delta      string    `json:"delta,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
	Error      string    `json:"error,omitempty"`
}

type outbound struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
}
