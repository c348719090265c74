package notify

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gen2brain/beeep"

	"github.com/yatharthsameer/Say-Flow/internal/protocol"
)

type Kind string

const (
	KindProcessing Kind = "recording:processing"
	KindSuccess    Kind = "recording:success"
	KindError      Kind = "recording:error"
	KindPartial    Kind = "recording:partial"
)

// Event is one UI notification about a recording attempt.
type Event struct {
	Kind      Kind
	AttemptID string
	Mode      string
	Text      string
	Error     string
}

// Notifier delivers UI notifications. Delivery is fire-and-forget.
type Notifier interface {
	Notify(Event)
}

// Publisher is the subset of the bus client used for notifications.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// BusPublisher forwards notifications to the widget over NATS.
type BusPublisher struct {
	pub Publisher
	log *slog.Logger
	now func() time.Time
}

func NewBusPublisher(pub Publisher, log *slog.Logger) *BusPublisher {
	return &BusPublisher{pub: pub, log: log.With(slog.String("component", "notify")), now: time.Now}
}

func (b *BusPublisher) Notify(ev Event) {
	subject, ok := subjectFor(ev.Kind)
	if !ok {
		b.log.Warn("unknown notification kind", slog.String("kind", string(ev.Kind)))
		return
	}
	payload := protocol.RecordingStatus{
		AttemptID: ev.AttemptID,
		Mode:      ev.Mode,
		Text:      ev.Text,
		Error:     ev.Error,
		Timestamp: b.now().UTC(),
	}
	if err := b.pub.PublishJSON(subject, payload); err != nil {
		b.log.Warn("failed to publish notification", slog.String("subject", subject), slogError(err))
	}
}

// ModeChanged announces a new transcription mode to the widget.
func (b *BusPublisher) ModeChanged(mode string) {
	payload := protocol.ModeChange{Mode: mode, Timestamp: b.now().UTC()}
	if err := b.pub.PublishJSON(protocol.SubjectModeChanged, payload); err != nil {
		b.log.Warn("failed to publish mode change", slogError(err))
		return
	}
	b.log.Info("mode change announced", slog.String("mode", mode))
}

func subjectFor(kind Kind) (string, bool) {
	switch kind {
	case KindProcessing:
		return protocol.SubjectRecordingProcessing, true
	case KindSuccess:
		return protocol.SubjectRecordingSuccess, true
	case KindError:
		return protocol.SubjectRecordingError, true
	case KindPartial:
		return protocol.SubjectRecordingPartial, true
	default:
		return "", false
	}
}

// Desktop shows OS notifications for terminal outcomes.
type Desktop struct {
	title string
	log   *slog.Logger
	show  func(title, message string) error
}

func NewDesktop(title string, log *slog.Logger) *Desktop {
	return &Desktop{title: title, log: log.With(slog.String("component", "notify")), show: desktopNotify}
}

func (d *Desktop) Notify(ev Event) {
	var msg string
	switch ev.Kind {
	case KindSuccess:
		if ev.Text == "" {
			msg = "No speech detected"
		} else {
			msg = ev.Text
		}
	case KindError:
		msg = fmt.Sprintf("Transcription failed: %s", ev.Error)
	default:
		return
	}
	if err := d.show(d.title, msg); err != nil {
		d.log.Debug("desktop notification failed", slogError(err))
	}
}

func desktopNotify(title, message string) error {
	return beeep.Notify(title, message, "")
}

// Multi fans an event out to every notifier.
type Multi []Notifier

func (m Multi) Notify(ev Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ev)
		}
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Notify(Event) {}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
