// Package session tracks per-connection state: the invocation table, the
// elicitation correlation table, channel subscriptions, and the outbound
// event queue that the broker feeds and the transport drains.
//
// A Session lives exactly as long as its transport connection. On close all
// pending invocations are cancelled and all pending elicitations are
// rejected; the next connection starts with no memory of either.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"

	"github.com/photonmcp/photon/internal/broker"
	"github.com/photonmcp/photon/pkg/photon"
)

// eventQueueSize bounds the per-session outbound queue. When full, the
// oldest event is dropped: channel delivery is best-effort.
const eventQueueSize = 128

// DefaultElicitDeadline bounds how long a method waits for a client reply.
// The deadline is per elicitation call, not per session.
const DefaultElicitDeadline = 2 * time.Minute

// Notifier is the transport-facing side of a session, implemented by the
// protocol core around the SDK server session.
type Notifier interface {
	// SendChannelEvent ships one broker event to the client.
	SendChannelEvent(ctx context.Context, ev broker.Event) error

	// Elicit performs one elicitation round-trip and returns the client's
	// action ("accept", "decline", "cancel") and content.
	Elicit(ctx context.Context, message string, schema *jsonschema.Schema) (action string, content map[string]any, err error)
}

// InvocationInfo is the session-visible record of one in-flight invocation.
type InvocationInfo struct {
	ID        string
	ToolName  string
	StartedAt time.Time
}

// invocation pairs the info with the cancel hook owned by the engine.
type invocation struct {
	info   InvocationInfo
	cancel context.CancelCauseFunc
}

type elicitReply struct {
	action  string
	content map[string]any
	err     error
}

// elicitation is one pending client-input request. Its reply slot is
// fulfilled at most once.
type elicitation struct {
	id       string
	deadline time.Time
	once     sync.Once
	reply    chan elicitReply
}

func (e *elicitation) fulfil(r elicitReply) bool {
	done := false
	e.once.Do(func() {
		e.reply <- r
		done = true
	})
	return done
}

// Session is the per-connection state record.
// All exported methods are safe for concurrent use.
type Session struct {
	id       string
	notifier Notifier

	mu            sync.Mutex
	closed        bool
	elicitationOK bool
	invocations   map[string]*invocation
	elicitations  map[string]*elicitation

	queue chan broker.Event
	done  chan struct{}
}

func newSession(id string, n Notifier) *Session {
	s := &Session{
		id:           id,
		notifier:     n,
		invocations:  map[string]*invocation{},
		elicitations: map[string]*elicitation{},
		queue:        make(chan broker.Event, eventQueueSize),
		done:         make(chan struct{}),
	}
	go s.drain()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// SetElicitationSupported records the client capability from initialize.
func (s *Session) SetElicitationSupported(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elicitationOK = ok
}

// ElicitationSupported reports whether the client can answer elicitations.
func (s *Session) ElicitationSupported() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elicitationOK
}

// OpenInvocation registers an accepted invocation. The id must be unique
// within the session.
func (s *Session) OpenInvocation(id, toolName string, cancel context.CancelCauseFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return photon.Errorf(photon.KindCancelled, "session %s is closed", s.id)
	}
	if _, dup := s.invocations[id]; dup {
		return photon.Errorf(photon.KindInternal, "duplicate invocation id %s", id)
	}
	s.invocations[id] = &invocation{
		info:   InvocationInfo{ID: id, ToolName: toolName, StartedAt: time.Now()},
		cancel: cancel,
	}
	return nil
}

// CloseInvocation removes a terminal invocation from the table.
func (s *Session) CloseInvocation(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.invocations, id)
}

// CancelInvocation cancels one in-flight invocation. It reports whether the
// id was known.
func (s *Session) CancelInvocation(id string, cause error) bool {
	s.mu.Lock()
	inv, ok := s.invocations[id]
	s.mu.Unlock()
	if ok {
		inv.cancel(cause)
	}
	return ok
}

// Invocations snapshots the in-flight invocation table.
func (s *Session) Invocations() []InvocationInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]InvocationInfo, 0, len(s.invocations))
	for _, inv := range s.invocations {
		out = append(out, inv.info)
	}
	return out
}

// Elicit runs one elicitation round-trip on behalf of an invocation. It
// blocks until the client replies, the per-call deadline passes, the
// invocation is cancelled, or the session closes; the last three all yield
// KindCancelled.
func (s *Session) Elicit(ctx context.Context, message string, schema *jsonschema.Schema) (map[string]any, error) {
	if !s.ElicitationSupported() {
		return nil, photon.Errorf(photon.KindElicitationNotSupported,
			"client did not advertise the elicitation capability")
	}

	e := &elicitation{
		id:       uuid.NewString(),
		deadline: time.Now().Add(DefaultElicitDeadline),
		reply:    make(chan elicitReply, 1),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, photon.Errorf(photon.KindCancelled, "session %s is closed", s.id)
	}
	s.elicitations[e.id] = e
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.elicitations, e.id)
		s.mu.Unlock()
	}()

	// The round-trip itself runs aside so that cancellation and the
	// deadline stay observable even when the client never answers.
	go func() {
		action, content, err := s.notifier.Elicit(ctx, message, schema)
		if err != nil {
			e.fulfil(elicitReply{err: err})
			return
		}
		e.fulfil(elicitReply{action: action, content: content})
	}()

	timer := time.NewTimer(time.Until(e.deadline))
	defer timer.Stop()

	select {
	case r := <-e.reply:
		if r.err != nil {
			return nil, r.err
		}
		switch r.action {
		case "accept":
			return r.content, nil
		case "cancel":
			return nil, photon.Errorf(photon.KindCancelled, "client cancelled the elicitation")
		default:
			return nil, photon.Errorf(photon.KindCancelled, "client declined the elicitation")
		}
	case <-ctx.Done():
		return nil, photon.Errorf(photon.KindCancelled, "invocation cancelled while awaiting input")
	case <-s.done:
		return nil, photon.Errorf(photon.KindCancelled, "session closed while awaiting input")
	case <-timer.C:
		return nil, photon.Errorf(photon.KindCancelled, "elicitation deadline exceeded")
	}
}

// CompleteElicitation fulfils a pending elicitation by id. It reports
// whether this call won the slot; at most one completion ever does.
func (s *Session) CompleteElicitation(id, action string, content map[string]any) bool {
	s.mu.Lock()
	e, ok := s.elicitations[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return e.fulfil(elicitReply{action: action, content: content})
}

// PendingElicitations returns the ids of elicitations awaiting a reply.
func (s *Session) PendingElicitations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.elicitations))
	for id := range s.elicitations {
		out = append(out, id)
	}
	return out
}

// Deliver implements [broker.Sink]. A full queue drops the oldest event.
func (s *Session) Deliver(ev broker.Event) {
	select {
	case <-s.done:
		return
	default:
	}
	for {
		select {
		case s.queue <- ev:
			return
		default:
			select {
			case <-s.queue:
			default:
			}
		}
	}
}

// drain ships queued channel events to the client in order.
func (s *Session) drain() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.queue:
			if err := s.notifier.SendChannelEvent(context.Background(), ev); err != nil {
				slog.Debug("channel event delivery failed",
					"session", s.id, "channel", ev.Channel, "err", err)
			}
		}
	}
}

// close tears the session down: every in-flight invocation is cancelled and
// every pending elicitation rejected with Cancelled.
func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	invs := make([]*invocation, 0, len(s.invocations))
	for _, inv := range s.invocations {
		invs = append(invs, inv)
	}
	els := make([]*elicitation, 0, len(s.elicitations))
	for _, e := range s.elicitations {
		els = append(els, e)
	}
	s.mu.Unlock()

	close(s.done)
	cause := photon.Errorf(photon.KindCancelled, "session %s disconnected", s.id)
	for _, inv := range invs {
		inv.cancel(cause)
	}
	for _, e := range els {
		e.fulfil(elicitReply{err: cause})
	}
}
