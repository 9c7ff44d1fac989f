package chat

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ipfs/go-cid"

	"github.com/immutablenpc/npc/content"
	"github.com/immutablenpc/npc/errs"
	"github.com/immutablenpc/npc/ledger"
	"github.com/immutablenpc/npc/persona"
)

// PollPolicy bounds the poll task of one message.
type PollPolicy struct {
	// Interval is the delay before the second attempt.
	Interval time.Duration
	// Multiplier grows the delay after every attempt; 1 keeps it fixed.
	Multiplier float64
	// MaxInterval caps the delay.
	MaxInterval time.Duration
	// MaxAttempts is the number of queries before giving up; 0 polls until
	// cancelled.
	MaxAttempts int
	// MaxErrors is the number of consecutive failed queries that fails the
	// message.
	MaxErrors int
}

// DefaultPollPolicy starts at the 3s cadence and backs off to 30s, giving
// up after roughly half an hour.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		Interval:    3 * time.Second,
		Multiplier:  1.5,
		MaxInterval: 30 * time.Second,
		MaxAttempts: 75,
		MaxErrors:   5,
	}
}

// FixedPollPolicy polls every 3s until cancelled.
func FixedPollPolicy() PollPolicy {
	return PollPolicy{Interval: 3 * time.Second, Multiplier: 1, MaxErrors: 5}
}

func (p PollPolicy) withDefaults() PollPolicy {
	if p.Interval <= 0 {
		p.Interval = 3 * time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxInterval < p.Interval {
		p.MaxInterval = p.Interval
	}
	if p.MaxErrors <= 0 {
		p.MaxErrors = 1
	}
	return p
}

func (p PollPolicy) next(d time.Duration) time.Duration {
	n := time.Duration(float64(d) * p.Multiplier)
	if n > p.MaxInterval {
		n = p.MaxInterval
	}
	return n
}

// ErrNoResponse fails a message whose poll attempts ran out.
var ErrNoResponse = errs.New(errs.KindNotFound, "chat.poll", "no response before the poll limit")

// pollMessage queries immediately and then on the policy's schedule until
// the message is finalized, fails, or ctx ends.
func (e *Engine) pollMessage(ctx context.Context, id uuid.UUID, msgCID string) {
	log := e.log.With("id", id.String(), "cid", msgCID)
	interval := e.poll.Interval
	failures := 0
	for attempt := 1; e.poll.MaxAttempts == 0 || attempt <= e.poll.MaxAttempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			interval = e.poll.next(interval)
		}
		if ctx.Err() != nil {
			return
		}

		done, err := e.checkMessage(ctx, id, msgCID)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			failures++
			log.Debug("poll failed", "attempt", attempt, "failures", failures, "err", err)
			if failures >= e.poll.MaxErrors {
				e.fail(id, errs.Wrapf(errs.KindOf(err), "chat.poll", err, "%d consecutive poll failures", failures))
				return
			}
			continue
		}
		failures = 0
		if done {
			return
		}
	}
	e.fail(id, ErrNoResponse)
}

// checkMessage looks for msgCID in the conversation and finalizes id when
// the row carries a response.
func (e *Engine) checkMessage(ctx context.Context, id uuid.UUID, msgCID string) (bool, error) {
	var found *persona.MessageRow
	err := e.scanMessages(ctx, func(row persona.MessageRow) bool {
		if row.MsgCID == msgCID {
			found = &row
			return false
		}
		return true
	})
	if err != nil {
		return false, err
	}
	if found == nil {
		return false, nil
	}
	key := uint64(found.Key)
	if !found.Finalized() {
		e.mu.Lock()
		if m, ok := e.byID[id]; ok && m.Key == nil {
			m.Key = &key
		}
		e.mu.Unlock()
		return false, nil
	}
	text, post, err := e.resolveResponse(ctx, *found)
	if err != nil {
		return false, err
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if _, ok := e.transition(id, StateFinalized, func(m *Message) {
		m.Key = &key
		m.Response = text
		m.PostStateCID = post
	}); ok {
		e.log.Info("message finalized", "id", id.String(), "key", key)
	}
	return true, nil
}

// resolveResponse returns the response text, following it through the
// store when the persona wrote a reply document instead of inline text.
func (e *Engine) resolveResponse(ctx context.Context, row persona.MessageRow) (string, string, error) {
	text, post := row.Response, row.PostStateCID
	id, err := cid.Decode(strings.TrimSpace(row.Response))
	if err != nil {
		return text, post, nil
	}
	raw, err := e.store.Get(ctx, id)
	if errs.IsKind(err, errs.KindNotFound) {
		e.log.Warn("response cid not in store, keeping it as text", "cid", id.String())
		return text, post, nil
	}
	if err != nil {
		return "", "", err
	}
	reply, err := content.DecodeReply(raw)
	if err != nil {
		e.log.Warn("response cid is not a reply document", "cid", id.String(), "err", err)
		return text, post, nil
	}
	if post == "" {
		post = reply.PostStateCID
	}
	return reply.Text, post, nil
}

// scanMessages visits the conversation's message rows in key order until
// visit returns false.
func (e *Engine) scanMessages(ctx context.Context, visit func(persona.MessageRow) bool) error {
	return scanTable(ctx, e.ledger, ledger.TableQuery{
		Code:  e.persona,
		Scope: e.user.String(),
		Table: persona.TableMessages,
	}, visit)
}

// scanTable pages through a table query following next_key.
func scanTable[T any](ctx context.Context, l Ledger, q ledger.TableQuery, visit func(T) bool) error {
	for {
		page, err := l.GetTableRows(ctx, q)
		if err != nil {
			return err
		}
		var rows []T
		if err := page.Decode(&rows); err != nil {
			return errs.Wrapf(errs.KindValidation, "chat.rows", err, "decode %s rows", q.Table)
		}
		for _, r := range rows {
			if !visit(r) {
				return nil
			}
		}
		if !page.More || page.NextKey == "" || page.NextKey == q.LowerBound {
			return nil
		}
		q.LowerBound = page.NextKey
	}
}

// Load rebuilds the conversation from the ledger and the store. Rows that
// match a local message update it in place; others are appended. Rows
// still waiting for a response are tracked.
func (e *Engine) Load(ctx context.Context) ([]Message, error) {
	var rows []persona.MessageRow
	if err := e.scanMessages(ctx, func(r persona.MessageRow) bool {
		rows = append(rows, r)
		return true
	}); err != nil {
		return nil, err
	}

	for _, row := range rows {
		key := uint64(row.Key)
		id, known := e.lookupCID(row.MsgCID)
		if !known {
			m, err := e.loadRow(ctx, row)
			if err != nil {
				return nil, err
			}
			e.mu.Lock()
			e.order = append(e.order, m.ID)
			e.byID[m.ID] = &m
			e.mu.Unlock()
			e.emit(EventAdded, m)
			id = m.ID
		}
		if row.Finalized() {
			text, post, err := e.resolveResponse(ctx, row)
			if err != nil {
				e.log.Warn("resolve response", "key", key, "err", err)
				text, post = row.Response, row.PostStateCID
			}
			e.transition(id, StateFinalized, func(m *Message) {
				m.Key = &key
				m.Response = text
				m.PostStateCID = post
			})
			continue
		}
		e.mu.Lock()
		_, tracked := e.tasks[id]
		m := e.byID[id]
		pending := m != nil && m.State == StatePending
		if m != nil && m.Key == nil {
			m.Key = &key
		}
		e.mu.Unlock()
		if pending && !tracked {
			e.track(id, row.MsgCID)
		}
	}
	return e.Messages(), nil
}

func (e *Engine) lookupCID(msgCID string) (uuid.UUID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range e.order {
		if e.byID[id].CID == msgCID {
			return id, true
		}
	}
	return uuid.UUID{}, false
}

// loadRow builds a Pending message from a ledger row and its message
// document. A document that cannot be fetched leaves Text empty.
func (e *Engine) loadRow(ctx context.Context, row persona.MessageRow) (Message, error) {
	id, err := e.newID()
	if err != nil {
		return Message{}, errs.Wrap(errs.KindValidation, "chat.load", err)
	}
	key := uint64(row.Key)
	m := Message{
		ID:          id,
		Persona:     e.persona,
		User:        e.user,
		CID:         row.MsgCID,
		PreStateCID: row.PreStateCID,
		State:       StatePending,
		Key:         &key,
	}
	raw, err := e.store.GetString(ctx, row.MsgCID)
	if err == nil {
		var doc content.MessageDoc
		if doc, err = content.DecodeMessage(raw); err == nil {
			m.Text = doc.Text
			m.CreatedAt = doc.Timestamp
		}
	}
	if err != nil {
		e.log.Warn("message document unavailable", "key", key, "cid", row.MsgCID, "err", err)
	}
	return m, nil
}
