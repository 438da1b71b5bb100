package call

import (
	"sync"

	"github.com/rs/zerolog"

	"teleconsult/native/internal/domain"
)

// NoticeKind classifies a Notice.
type NoticeKind string

const (
	NoticeState          NoticeKind = "state"
	NoticeDuration       NoticeKind = "duration"
	NoticeSignalSent     NoticeKind = "signal-sent"
	NoticeSignalReceived NoticeKind = "signal-received"
	NoticeSignalIgnored  NoticeKind = "signal-ignored"
	NoticeCandidateQueue NoticeKind = "candidate-queued"
	NoticeCandidateFlush NoticeKind = "candidates-flushed"
	NoticeMediaAcquired  NoticeKind = "media-acquired"
	NoticeMediaReleased  NoticeKind = "media-released"
	NoticeRemoteTrack    NoticeKind = "remote-track"
	NoticeError          NoticeKind = "error"
)

// Notice is one diagnostic or state-change report from a Controller.
type Notice struct {
	Kind           NoticeKind
	ConversationID string
	Snapshot       Snapshot
	Signal         domain.SignalType
	Count          int
	Detail         string
	Err            error
}

// Observer receives Notices. Implementations must not block; they are
// invoked outside the controller lock and may call Snapshot.
type Observer interface {
	Notify(n Notice)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Notice)

func (f ObserverFunc) Notify(n Notice) { f(n) }

// LogObserver writes notices to a zerolog logger.
type LogObserver struct {
	log zerolog.Logger
}

// NewLogObserver returns an Observer logging through l.
func NewLogObserver(l zerolog.Logger) *LogObserver {
	return &LogObserver{log: l.With().Str("component", "call").Logger()}
}

func (o *LogObserver) Notify(n Notice) {
	var ev *zerolog.Event
	switch n.Kind {
	case NoticeError:
		ev = o.log.Error().Err(n.Err)
	case NoticeState, NoticeMediaAcquired, NoticeMediaReleased, NoticeRemoteTrack:
		ev = o.log.Info()
	case NoticeSignalIgnored:
		ev = o.log.Warn()
	default:
		ev = o.log.Debug()
	}
	if n.Kind == NoticeDuration {
		ev.Str("conversation", n.ConversationID).Int("duration", n.Snapshot.Duration).Msg("tick")
		return
	}

	ev = ev.Str("conversation", n.ConversationID).Str("kind", string(n.Kind))
	if n.Kind == NoticeState {
		s := n.Snapshot
		ev = ev.Str("status", string(s.Status)).
			Str("call_type", string(s.CallType)).
			Str("ice", string(s.ConnectionState)).
			Int("duration", s.Duration).
			Bool("incoming", s.Incoming != nil)
	}
	if n.Signal != "" {
		ev = ev.Str("signal", string(n.Signal))
	}
	if n.Count > 0 {
		ev = ev.Int("count", n.Count)
	}
	ev.Msg(n.Detail)
}

// Recorder keeps every Notice in memory. It is used by the CLI transcript
// and by tests.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *Recorder) Notify(n Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

// Notices returns a copy of everything recorded so far.
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

// Statuses returns the sequence of distinct statuses seen in state notices.
func (r *Recorder) Statuses() []domain.CallStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.CallStatus
	for _, n := range r.notices {
		if n.Kind != NoticeState {
			continue
		}
		if len(out) > 0 && out[len(out)-1] == n.Snapshot.Status {
			continue
		}
		out = append(out, n.Snapshot.Status)
	}
	return out
}

type multiObserver []Observer

func (m multiObserver) Notify(n Notice) {
	for _, o := range m {
		o.Notify(n)
	}
}

// Observers fans a Notice out to each non-nil observer.
func Observers(obs ...Observer) Observer {
	var m multiObserver
	for _, o := range obs {
		if o != nil {
			m = append(m, o)
		}
	}
	return m
}
