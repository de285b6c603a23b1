// Package chat owns the visible conversation state for one gateway session:
// the transcript, the bounded run-task list, and the streaming reassembly of
// assistant output from chat events.
package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/moltbook/mcc/internal/gateway"
	"github.com/moltbook/mcc/internal/wire"
)

// maxTasks bounds the run-task list; the least recently updated task is
// evicted first.
const maxTasks = 10

// maxToolEvents bounds the tool invocation log; oldest entries are dropped.
const maxToolEvents = 50

// Roles for transcript messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Task statuses.
const (
	TaskActive = "active"
	TaskDone   = "done"
	TaskError  = "error"
)

// Message is one turn in the transcript. Assistant messages are mutated in
// place as streaming deltas arrive; all others are append-only.
type Message struct {
	ID        string
	Role      string
	Content   string
	RunID     string
	State     string
	Timestamp time.Time
}

// Task tracks one in-flight or completed run. RunID starts as the client's
// idempotency key and is rekeyed to the server's canonical run id once the
// send is acknowledged.
type Task struct {
	RunID     string
	Title     string
	Subtitle  string
	Status    string
	UpdatedAt time.Time
}

// ToolEvent records one tool invocation observed in a run's stream.
type ToolEvent struct {
	RunID string
	Name  string
	At    time.Time
}

// Transport is the slice of the gateway client the session needs. Satisfied
// by *gateway.Client.
type Transport interface {
	Connected() bool
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// Recorder persists transcript turns. Satisfied by *history.Store; nil
// disables persistence.
type Recorder interface {
	Record(sessionKey, role, content, runID string, at time.Time) error
}

// Session is the top-level conversation orchestrator. Wire its HandleEvent
// to the gateway client's OnChatEvent before starting the client.
type Session struct {
	Key       string
	Transport Transport
	Recorder  Recorder
	Log       *slog.Logger

	// Limiter throttles outbound sends when set. A send over the limit is
	// rejected locally like an offline send, never queued.
	Limiter *rate.Limiter

	// OnUpdate fires after any transcript or task change, outside the lock.
	OnUpdate func()

	mu         sync.Mutex
	messages   []Message
	tasks      []*Task
	toolEvents []ToolEvent
}

// SendUserMessage appends the user's turn to the transcript and submits it
// to the gateway. The local append always happens, connected or not; false
// means the message was not delivered. Blocks until the gateway
// acknowledges the send, so bound ctx for a deadline.
func (s *Session) SendUserMessage(ctx context.Context, text string) bool {
	s.appendMessage(Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   text,
		Timestamp: time.Now(),
	})

	if !s.Transport.Connected() {
		return false
	}
	if s.Limiter != nil && !s.Limiter.Allow() {
		s.log().Warn("send rate limit exceeded")
		return false
	}

	title, subtitle := DeriveTitle(text)
	key := uuid.NewString()
	s.upsertTask(key, TaskActive, title, subtitle)
	s.notify()

	raw, err := s.Transport.Call(ctx, wire.MethodChatSend, wire.ChatSendParams{
		SessionKey:     s.Key,
		Message:        text,
		IdempotencyKey: key,
	})
	if err != nil {
		s.log().Warn("chat send failed", "error", err)
		s.failTask(key)
		s.appendMessage(Message{
			ID:        uuid.NewString(),
			Role:      RoleSystem,
			Content:   "send failed: " + err.Error(),
			Timestamp: time.Now(),
		})
		s.notify()
		return false
	}

	var res wire.ChatSendResult
	if uerr := json.Unmarshal(raw, &res); uerr != nil || res.RunID == "" {
		// The task stays under the idempotency key; nothing will ever
		// rekey it, so make the stuck state diagnosable.
		s.log().Warn("chat.send response carried no runId", "idempotency_key", key, "error", uerr)
	} else {
		s.rekeyTask(key, res.RunID)
	}
	s.notify()
	return true
}

// Request is a generic awaitable passthrough for methods the session does
// not model, e.g. sessions.list. Fails fast while disconnected.
func (s *Session) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !s.Transport.Connected() {
		return nil, gateway.ErrNotConnected
	}
	return s.Transport.Call(ctx, method, params)
}

// HandleEvent applies one inbound chat event: the matching task's status
// first, then the transcript. Events for other sessions are dropped.
func (s *Session) HandleEvent(evt wire.ChatEvent) {
	if evt.SessionKey != "" && s.Key != "" && evt.SessionKey != s.Key {
		return
	}

	s.mu.Lock()
	s.applyTaskLocked(evt)

	if evt.State == wire.StateError {
		s.mu.Unlock()
		msg := evt.ErrorMessage
		if msg == "" {
			msg = "run failed"
		}
		s.appendMessage(Message{
			ID:        uuid.NewString(),
			Role:      RoleSystem,
			Content:   msg,
			RunID:     evt.RunID,
			Timestamp: time.Now(),
		})
		return
	}

	s.recordToolUseLocked(evt)

	text := evt.Message.Text()
	idx := -1
	for i := range s.messages {
		if s.messages[i].Role == RoleAssistant && s.messages[i].RunID == evt.RunID {
			idx = i
			break
		}
	}
	switch {
	case idx >= 0:
		// Empty deltas carry state changes only; never wipe partial text.
		if text != "" {
			s.messages[idx].Content = text
		}
		s.messages[idx].State = evt.State
		s.messages[idx].Timestamp = time.Now()
	case text != "":
		s.messages = append(s.messages, Message{
			ID:        uuid.NewString(),
			Role:      RoleAssistant,
			Content:   text,
			RunID:     evt.RunID,
			State:     evt.State,
			Timestamp: time.Now(),
		})
		idx = len(s.messages) - 1
	}

	var persist *Message
	if evt.State == wire.StateFinal && idx >= 0 {
		m := s.messages[idx]
		persist = &m
	}
	s.mu.Unlock()

	if persist != nil && s.Recorder != nil {
		if err := s.Recorder.Record(s.Key, persist.Role, persist.Content, persist.RunID, persist.Timestamp); err != nil {
			s.log().Warn("persist assistant message failed", "error", err)
		}
	}
	s.notify()
}

// ClearLocalHistory resets the transcript, tool-event log, and task list.
// Server-side session state and the persistent store are untouched.
func (s *Session) ClearLocalHistory() {
	s.mu.Lock()
	s.messages = nil
	s.tasks = nil
	s.toolEvents = nil
	s.mu.Unlock()
	s.notify()
}

// Preload seeds the transcript, typically from the persistent store when
// resuming a session.
func (s *Session) Preload(msgs []Message) {
	s.mu.Lock()
	s.messages = append(s.messages, msgs...)
	s.mu.Unlock()
}

// Messages returns a snapshot of the transcript.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Tasks returns a snapshot of the run-task list, most recently updated
// first.
func (s *Session) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, len(s.tasks))
	for i, t := range s.tasks {
		out[i] = *t
	}
	return out
}

// ToolEvents returns a snapshot of observed tool invocations.
func (s *Session) ToolEvents() []ToolEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ToolEvent, len(s.toolEvents))
	copy(out, s.toolEvents)
	return out
}

func (s *Session) appendMessage(m Message) {
	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.mu.Unlock()
	if s.Recorder != nil {
		if err := s.Recorder.Record(s.Key, m.Role, m.Content, m.RunID, m.Timestamp); err != nil {
			s.log().Warn("persist message failed", "error", err)
		}
	}
	s.notify()
}

// upsertTask inserts or refreshes a task and moves it to the front. The
// list never exceeds maxTasks; the tail is evicted.
func (s *Session) upsertTask(runID, status, title, subtitle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertTaskLocked(runID, status, title, subtitle)
}

func (s *Session) upsertTaskLocked(runID, status, title, subtitle string) {
	for i, t := range s.tasks {
		if t.RunID == runID {
			t.Status = status
			t.UpdatedAt = time.Now()
			if title != "" {
				t.Title = title
			}
			if subtitle != "" {
				t.Subtitle = subtitle
			}
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			s.tasks = append([]*Task{t}, s.tasks...)
			return
		}
	}
	t := &Task{RunID: runID, Title: title, Subtitle: subtitle, Status: status, UpdatedAt: time.Now()}
	s.tasks = append([]*Task{t}, s.tasks...)
	if len(s.tasks) > maxTasks {
		s.tasks = s.tasks[:maxTasks]
	}
}

func (s *Session) applyTaskLocked(evt wire.ChatEvent) {
	status := TaskActive
	switch evt.State {
	case wire.StateFinal:
		status = TaskDone
	case wire.StateAborted, wire.StateError:
		status = TaskError
	}
	s.upsertTaskLocked(evt.RunID, status, "", "")
}

// rekeyTask swaps the optimistic idempotency key for the server's canonical
// run id, keeping the derived title and subtitle. The first stream event
// can land before the send response resolves; the run then already has a
// task under the canonical id, and the optimistic one merges into it
// instead of surviving as a duplicate.
func (s *Session) rekeyTask(oldID, newID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldIdx := -1
	for i, t := range s.tasks {
		if t.RunID == oldID {
			oldIdx = i
			break
		}
	}
	if oldIdx < 0 {
		return
	}
	old := s.tasks[oldIdx]

	for _, t := range s.tasks {
		if t.RunID == newID {
			if t.Title == "" {
				t.Title = old.Title
			}
			if t.Subtitle == "" {
				t.Subtitle = old.Subtitle
			}
			s.tasks = append(s.tasks[:oldIdx], s.tasks[oldIdx+1:]...)
			return
		}
	}

	old.RunID = newID
	old.UpdatedAt = time.Now()
}

func (s *Session) failTask(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.RunID == runID {
			t.Status = TaskError
			t.UpdatedAt = time.Now()
			return
		}
	}
}

func (s *Session) recordToolUseLocked(evt wire.ChatEvent) {
	if evt.Message == nil {
		return
	}
	for _, b := range evt.Message.Content {
		if b.Type == wire.BlockToolUse {
			s.toolEvents = append(s.toolEvents, ToolEvent{
				RunID: evt.RunID,
				Name:  b.Name,
				At:    time.Now(),
			})
		}
	}
	if n := len(s.toolEvents); n > maxToolEvents {
		s.toolEvents = append([]ToolEvent(nil), s.toolEvents[n-maxToolEvents:]...)
	}
}

func (s *Session) notify() {
	if s.OnUpdate != nil {
		s.OnUpdate()
	}
}

func (s *Session) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}
