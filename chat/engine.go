package chat

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/immutablenpc/npc/content"
	"github.com/immutablenpc/npc/contentstore"
	"github.com/immutablenpc/npc/errs"
	"github.com/immutablenpc/npc/ledger"
	"github.com/immutablenpc/npc/logging"
	"github.com/immutablenpc/npc/persona"
)

// Ledger is the table-query side of the ledger client.
type Ledger interface {
	GetTableRows(ctx context.Context, q ledger.TableQuery) (*ledger.TableRows, error)
}

// TrackMode selects how pending messages are polled.
type TrackMode int

const (
	// TrackEach polls every pending message independently.
	TrackEach TrackMode = iota
	// TrackLatest polls only the most recent send. Earlier messages still
	// pending when a new send starts are never finalized by this engine.
	TrackLatest
)

func (m TrackMode) String() string {
	if m == TrackLatest {
		return "latest"
	}
	return "each"
}

// ParseTrackMode accepts "each" or "latest".
func ParseTrackMode(s string) (TrackMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "each":
		return TrackEach, nil
	case "latest":
		return TrackLatest, nil
	}
	return 0, errs.Newf(errs.KindValidation, "chat.config", "unknown track mode %q", s)
}

type Config struct {
	Persona ledger.Name
	User    ledger.Name
	Ledger  Ledger
	// Builder signs submitmsg with the persona's active key.
	Builder *ledger.Builder
	Store   *contentstore.Store

	Mode TrackMode
	// Poll defaults to DefaultPollPolicy.
	Poll     *PollPolicy
	Observer Observer

	// NewID defaults to uuid.NewV7.
	NewID  func() (uuid.UUID, error)
	Now    func() time.Time
	Logger *slog.Logger
}

// Engine owns the message list of one (persona, user) conversation. It is
// safe for concurrent use.
type Engine struct {
	persona  ledger.Name
	user     ledger.Name
	ledger   Ledger
	builder  *ledger.Builder
	store    *contentstore.Store
	mode     TrackMode
	poll     PollPolicy
	observer Observer
	newID    func() (uuid.UUID, error)
	now      func() time.Time
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	order  []uuid.UUID
	byID   map[uuid.UUID]*Message
	tasks  map[uuid.UUID]*pollTask
	closed bool
}

type pollTask struct {
	cancel context.CancelFunc
}

func New(cfg Config) (*Engine, error) {
	const op = "chat.new"
	switch {
	case cfg.Persona == 0:
		return nil, errs.New(errs.KindValidation, op, "persona is required")
	case cfg.User == 0:
		return nil, errs.New(errs.KindValidation, op, "user is required")
	case cfg.Ledger == nil:
		return nil, errs.New(errs.KindValidation, op, "ledger is required")
	case cfg.Builder == nil:
		return nil, errs.New(errs.KindValidation, op, "builder is required")
	case cfg.Store == nil:
		return nil, errs.New(errs.KindValidation, op, "content store is required")
	}
	e := &Engine{
		persona:  cfg.Persona,
		user:     cfg.User,
		ledger:   cfg.Ledger,
		builder:  cfg.Builder,
		store:    cfg.Store,
		mode:     cfg.Mode,
		poll:     DefaultPollPolicy(),
		observer: cfg.Observer,
		newID:    cfg.NewID,
		now:      cfg.Now,
		log:      logging.OrDiscard(cfg.Logger).With("persona", cfg.Persona.String(), "user", cfg.User.String()),
		byID:     map[uuid.UUID]*Message{},
		tasks:    map[uuid.UUID]*pollTask{},
	}
	if cfg.Poll != nil {
		e.poll = cfg.Poll.withDefaults()
	}
	if e.newID == nil {
		e.newID = uuid.NewV7
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// Send uploads text, submits it to the persona and starts tracking the
// response. It returns once the message is Pending. On failure the
// optimistic entry is retracted and the error returned.
func (e *Engine) Send(ctx context.Context, text string) (Message, error) {
	const op = "chat.send"
	if strings.TrimSpace(text) == "" {
		return Message{}, errs.New(errs.KindValidation, op, "message text is empty")
	}
	id, err := e.newID()
	if err != nil {
		return Message{}, errs.Wrap(errs.KindValidation, op, err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Message{}, errs.New(errs.KindValidation, op, "engine closed")
	}
	if e.mode == TrackLatest {
		e.stopAllLocked()
	}
	m := &Message{
		ID:        id,
		Persona:   e.persona,
		User:      e.user,
		Text:      text,
		State:     StateComposed,
		CreatedAt: e.now().UTC().Truncate(time.Millisecond),
	}
	e.order = append(e.order, id)
	e.byID[id] = m
	history := e.historyLocked(id)
	snap := *m
	e.mu.Unlock()
	e.emit(EventAdded, snap)

	pre, err := e.preState(ctx)
	if err != nil {
		return e.retract(id, err)
	}
	msgCID, historyCID, err := e.upload(ctx, snap, history)
	if err != nil {
		return e.retract(id, err)
	}
	e.transition(id, StateUploaded, func(m *Message) {
		m.CID = msgCID
		m.HistoryCID = historyCID
		m.PreStateCID = pre
	})

	_, err = e.builder.Submit(ctx, persona.SubmitMsg{
		AccountName:         e.user,
		PreStateCID:         pre,
		MsgCID:              msgCID,
		FullConvoHistoryCID: historyCID,
	}.Request(e.persona))
	if err != nil {
		return e.retract(id, err)
	}
	e.transition(id, StateSubmitted, nil)

	snap, _ = e.transition(id, StatePending, nil)
	e.track(id, msgCID)
	e.log.Info("message submitted", "id", id.String(), "cid", msgCID)
	return snap, nil
}

// preState returns the persona's initial state CID from personainfo.
func (e *Engine) preState(ctx context.Context) (string, error) {
	rows, err := e.ledger.GetTableRows(ctx, ledger.TableQuery{
		Code:       e.persona,
		Scope:      e.persona.String(),
		Table:      persona.TablePersonaInfo,
		LowerBound: "1",
		UpperBound: "1",
		Limit:      1,
	})
	if err != nil {
		return "", err
	}
	var info []persona.PersonaInfoRow
	if err := rows.Decode(&info); err != nil {
		return "", errs.Wrap(errs.KindValidation, "chat.pre_state", err)
	}
	if len(info) == 0 || info[0].InitialStateCID == "" {
		return "", errs.New(errs.KindValidation, "chat.send", "persona state not initialized")
	}
	return info[0].InitialStateCID, nil
}

func (e *Engine) upload(ctx context.Context, m Message, history []content.HistoryEntry) (string, string, error) {
	raw, err := content.Encode(content.MessageDoc{
		Text:      m.Text,
		Timestamp: m.CreatedAt,
		Persona:   persona.BaseName(e.persona),
		User:      e.user.String(),
		Traits:    []string{},
	})
	if err != nil {
		return "", "", err
	}
	msgCID, err := e.store.Put(ctx, raw)
	if err != nil {
		return "", "", err
	}
	history = append(history, content.HistoryEntry{
		MessageCID: msgCID.String(),
		Text:       m.Text,
		Timestamp:  m.CreatedAt,
		User:       e.user.String(),
	})
	raw, err = content.Encode(content.HistoryDoc{
		Persona:   persona.BaseName(e.persona),
		User:      e.user.String(),
		Timestamp: m.CreatedAt,
		Messages:  history,
	})
	if err != nil {
		return "", "", err
	}
	historyCID, err := e.store.Put(ctx, raw)
	if err != nil {
		return "", "", err
	}
	return msgCID.String(), historyCID.String(), nil
}

// historyLocked lists the uploaded messages before id.
func (e *Engine) historyLocked(id uuid.UUID) []content.HistoryEntry {
	var out []content.HistoryEntry
	for _, mid := range e.order {
		if mid == id {
			break
		}
		m := e.byID[mid]
		if m.CID == "" || m.State == StateFailed {
			continue
		}
		out = append(out, content.HistoryEntry{
			Key:          m.Key,
			MessageCID:   m.CID,
			Text:         m.Text,
			Timestamp:    m.CreatedAt,
			User:         m.User.String(),
			Reply:        m.Response,
			PreStateCID:  m.PreStateCID,
			PostStateCID: m.PostStateCID,
		})
	}
	return out
}

// transition moves id to state unless it is already terminal.
func (e *Engine) transition(id uuid.UUID, to State, mutate func(*Message)) (Message, bool) {
	e.mu.Lock()
	m, ok := e.byID[id]
	if !ok || m.State.Terminal() || to < m.State {
		e.mu.Unlock()
		return Message{}, false
	}
	if mutate != nil {
		mutate(m)
	}
	m.State = to
	m.Finalized = to == StateFinalized
	snap := *m
	e.mu.Unlock()
	e.emit(EventUpdated, snap)
	return snap, true
}

// retract marks id Failed and removes it from the visible list.
func (e *Engine) retract(id uuid.UUID, cause error) (Message, error) {
	e.mu.Lock()
	m, ok := e.byID[id]
	if !ok {
		e.mu.Unlock()
		return Message{}, cause
	}
	m.State = StateFailed
	m.Err = cause
	snap := *m
	delete(e.byID, id)
	for i, mid := range e.order {
		if mid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
	e.log.Warn("message retracted", "id", id.String(), "err", cause)
	e.emit(EventRetracted, snap)
	return snap, cause
}

// fail marks a visible message Failed.
func (e *Engine) fail(id uuid.UUID, cause error) {
	if _, ok := e.transition(id, StateFailed, func(m *Message) { m.Err = cause }); ok {
		e.log.Warn("message failed", "id", id.String(), "err", cause)
	}
}

func (e *Engine) emit(kind EventKind, m Message) {
	if e.observer != nil {
		e.observer(Event{Kind: kind, Message: m})
	}
}

// Messages returns the visible messages in send order.
func (e *Engine) Messages() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Message, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, *e.byID[id])
	}
	return out
}

// Message returns a snapshot of id.
func (e *Engine) Message(id uuid.UUID) (Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.byID[id]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// Tracked returns the ids that currently have a poll task.
func (e *Engine) Tracked() []uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]uuid.UUID, 0, len(e.tasks))
	for id := range e.tasks {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Cancel stops polling for id. The message stays Pending.
func (e *Engine) Cancel(id uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	if !ok {
		return false
	}
	t.cancel()
	delete(e.tasks, id)
	return true
}

// Close stops every poll task and waits for them to exit.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.stopAllLocked()
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
	return nil
}

func (e *Engine) stopAllLocked() {
	for id, t := range e.tasks {
		t.cancel()
		delete(e.tasks, id)
	}
}

// track starts a poll task for id.
func (e *Engine) track(id uuid.UUID, msgCID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if e.mode == TrackLatest {
		e.stopAllLocked()
	}
	ctx, cancel := context.WithCancel(e.ctx)
	t := &pollTask{cancel: cancel}
	e.tasks[id] = t
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.pollMessage(ctx, id, msgCID)
		e.mu.Lock()
		if e.tasks[id] == t {
			delete(e.tasks, id)
		}
		e.mu.Unlock()
	}()
}
