package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/immutablenpc/npc/content"
	"github.com/immutablenpc/npc/contentstore"
	"github.com/immutablenpc/npc/errs"
	"github.com/immutablenpc/npc/ledger"
	"github.com/immutablenpc/npc/logging"
	"github.com/immutablenpc/npc/persona"
)

// Prompt is an unanswered message handed to a ReplyFunc.
type Prompt struct {
	User        ledger.Name
	Key         uint64
	Message     content.MessageDoc
	PreStateCID string
	HistoryCID  string
}

// Reply is a persona's answer. An empty PostStateCID keeps the pre-state.
type Reply struct {
	Text         string
	PostStateCID string
}

// ReplyFunc produces a persona's answer. It is the hook for the persona's
// content generator.
type ReplyFunc func(ctx context.Context, p Prompt) (Reply, error)

type ResponderConfig struct {
	Persona ledger.Name
	Ledger  Ledger
	// Builder signs finalizemsg with the persona's active key.
	Builder *ledger.Builder
	Store   *contentstore.Store
	Reply   ReplyFunc
	// StoreReplies writes every reply to the store as a reply document and
	// records its CID as the response.
	StoreReplies bool
	Now          func() time.Time
	Logger       *slog.Logger
}

// Responder answers pending messages on behalf of a persona.
type Responder struct {
	cfg ResponderConfig
	log *slog.Logger
}

func NewResponder(cfg ResponderConfig) (*Responder, error) {
	const op = "chat.responder"
	switch {
	case cfg.Persona == 0:
		return nil, errs.New(errs.KindValidation, op, "persona is required")
	case cfg.Ledger == nil || cfg.Builder == nil || cfg.Store == nil:
		return nil, errs.New(errs.KindValidation, op, "ledger, builder and store are required")
	case cfg.Reply == nil:
		return nil, errs.New(errs.KindValidation, op, "reply function is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Responder{cfg: cfg, log: logging.OrDiscard(cfg.Logger).With("persona", cfg.Persona.String())}, nil
}

// RespondOnce answers every unanswered message across all conversations
// and returns how many it finalized. A message that cannot be answered does
// not block the others; its error is joined into the returned error.
func (r *Responder) RespondOnce(ctx context.Context) (int, error) {
	var convos []persona.ConvoRow
	err := scanTable(ctx, r.cfg.Ledger, ledger.TableQuery{
		Code:  r.cfg.Persona,
		Scope: r.cfg.Persona.String(),
		Table: persona.TableConvos,
	}, func(c persona.ConvoRow) bool {
		convos = append(convos, c)
		return true
	})
	if err != nil {
		return 0, err
	}

	var failed []error
	answered := 0
	for _, convo := range convos {
		var open []persona.MessageRow
		err := scanTable(ctx, r.cfg.Ledger, ledger.TableQuery{
			Code:  r.cfg.Persona,
			Scope: convo.AccountName.String(),
			Table: persona.TableMessages,
		}, func(m persona.MessageRow) bool {
			if !m.Finalized() {
				open = append(open, m)
			}
			return true
		})
		if err != nil {
			if ctx.Err() != nil {
				return answered, err
			}
			r.log.Warn("scan messages", "user", convo.AccountName.String(), "err", err)
			failed = append(failed, err)
			continue
		}
		for _, row := range open {
			if err := r.answer(ctx, convo, row); err != nil {
				if ctx.Err() != nil {
					return answered, err
				}
				r.log.Warn("message not answered", "user", convo.AccountName.String(), "key", uint64(row.Key), "err", err)
				failed = append(failed, err)
				continue
			}
			answered++
		}
	}
	return answered, errors.Join(failed...)
}

func (r *Responder) answer(ctx context.Context, convo persona.ConvoRow, row persona.MessageRow) error {
	raw, err := r.cfg.Store.GetString(ctx, row.MsgCID)
	if err != nil {
		return err
	}
	doc, err := content.DecodeMessage(raw)
	if err != nil {
		return err
	}
	reply, err := r.cfg.Reply(ctx, Prompt{
		User:        convo.AccountName,
		Key:         uint64(row.Key),
		Message:     doc,
		PreStateCID: row.PreStateCID,
		HistoryCID:  convo.FullConvoHistoryCID,
	})
	if err != nil {
		return errs.Wrapf(errs.KindOf(err), "chat.reply", err, "reply to %s #%d", convo.AccountName, row.Key)
	}
	if reply.Text == "" {
		return errs.Newf(errs.KindValidation, "chat.reply", "empty reply to %s #%d", convo.AccountName, row.Key)
	}
	post := reply.PostStateCID
	if post == "" {
		post = row.PreStateCID
	}
	response := reply.Text
	if r.cfg.StoreReplies {
		raw, err := content.Encode(content.ReplyDoc{
			Text:         reply.Text,
			Timestamp:    r.cfg.Now(),
			Persona:      persona.BaseName(r.cfg.Persona),
			PostStateCID: post,
		})
		if err != nil {
			return err
		}
		id, err := r.cfg.Store.Put(ctx, raw)
		if err != nil {
			return err
		}
		response = id.String()
	}
	_, err = r.cfg.Builder.Submit(ctx, persona.FinalizeMsg{
		AccountName:         convo.AccountName,
		Key:                 uint64(row.Key),
		PostStateCID:        post,
		Response:            response,
		FullConvoHistoryCID: convo.FullConvoHistoryCID,
	}.Request(r.cfg.Persona))
	if err != nil {
		return err
	}
	r.log.Info("message answered", "user", convo.AccountName.String(), "key", uint64(row.Key))
	return nil
}

// Run answers messages every interval until ctx ends. Errors are logged
// and retried on the next round.
func (r *Responder) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errs.Newf(errs.KindValidation, "chat.responder", "interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.RespondOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("respond", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
