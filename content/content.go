// Package content defines the JSON documents persona chat keeps in the
// content-addressable store and their canonical encoding.
//
// Text fields are NFC-normalized before encoding, so canonically equal text
// always produces the same bytes and therefore the same CID. Decoding
// validates against the embedded JSON Schemas.
package content

import (
	"bytes"
	"encoding/json"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/immutablenpc/npc/errs"
)

// ContentType is recorded in envelopes written by older clients.
const ContentType = "application/json"

// MessageDoc is one user utterance.
type MessageDoc struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Persona   string    `json:"persona"`
	User      string    `json:"user"`
	Traits    []string  `json:"traits"`
}

// PersonaState is a persona's backstory snapshot. The initial state is
// anchored on the ledger by initpersona.
type PersonaState struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Persona   string    `json:"persona"`
	Traits    []string  `json:"traits"`
	AvatarCID string    `json:"avatar_cid,omitempty"`
}

// AvatarDoc wraps a generated image.
type AvatarDoc struct {
	ImageData string         `json:"imageData"`
	Metadata  AvatarMetadata `json:"metadata"`
}

type AvatarMetadata struct {
	Version     int       `json:"version"`
	PersonaName string    `json:"personaName"`
	Timestamp   time.Time `json:"timestamp"`
}

// HistoryDoc is the full conversation between one user and one persona,
// re-uploaded with every message so the persona sees the whole exchange.
type HistoryDoc struct {
	Persona   string         `json:"persona"`
	User      string         `json:"user"`
	Timestamp time.Time      `json:"timestamp"`
	History   bool           `json:"history"`
	Messages  []HistoryEntry `json:"messages"`
}

type HistoryEntry struct {
	Key          *uint64   `json:"key,omitempty"`
	MessageCID   string    `json:"message_cid"`
	Text         string    `json:"text"`
	Timestamp    time.Time `json:"timestamp"`
	User         string    `json:"user,omitempty"`
	Reply        string    `json:"aiReply,omitempty"`
	PreStateCID  string    `json:"pre_state_cid,omitempty"`
	PostStateCID string    `json:"post_state_cid,omitempty"`
}

// ReplyDoc is what a persona may write to the store instead of inlining its
// response in the messages table.
type ReplyDoc struct {
	Text         string    `json:"text"`
	Timestamp    time.Time `json:"timestamp,omitempty"`
	Persona      string    `json:"persona,omitempty"`
	PostStateCID string    `json:"post_state_cid,omitempty"`
}

// Normalize returns s in Unicode Normalization Form C.
func Normalize(s string) string { return norm.NFC.String(s) }

func normalizeAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, Normalize(s))
	}
	return out
}

// Encode returns the canonical bytes of a document. Timestamps are truncated
// to milliseconds and stored in UTC.
func Encode(doc any) ([]byte, error) {
	switch d := doc.(type) {
	case MessageDoc:
		d.Text, d.Persona, d.User = Normalize(d.Text), Normalize(d.Persona), Normalize(d.User)
		d.Traits = normalizeAll(d.Traits)
		d.Timestamp = canonicalTime(d.Timestamp)
		doc = d
	case PersonaState:
		d.Text, d.Persona = Normalize(d.Text), Normalize(d.Persona)
		d.Traits = normalizeAll(d.Traits)
		d.Timestamp = canonicalTime(d.Timestamp)
		doc = d
	case AvatarDoc:
		d.Metadata.PersonaName = Normalize(d.Metadata.PersonaName)
		d.Metadata.Timestamp = canonicalTime(d.Metadata.Timestamp)
		doc = d
	case HistoryDoc:
		d.History = true
		d.Persona, d.User = Normalize(d.Persona), Normalize(d.User)
		d.Timestamp = canonicalTime(d.Timestamp)
		msgs := make([]HistoryEntry, len(d.Messages))
		for i, m := range d.Messages {
			m.Text, m.Reply, m.User = Normalize(m.Text), Normalize(m.Reply), Normalize(m.User)
			m.Timestamp = canonicalTime(m.Timestamp)
			msgs[i] = m
		}
		d.Messages = msgs
		doc = d
	case ReplyDoc:
		d.Text = Normalize(d.Text)
		d.Timestamp = canonicalTime(d.Timestamp)
		doc = d
	default:
		return nil, errs.Newf(errs.KindValidation, "content.encode", "unsupported document %T", doc)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "content.encode", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func canonicalTime(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Millisecond)
}

// envelope is the {"data": ..., "contentType": ...} wrapper some writers use.
type envelope struct {
	Data        json.RawMessage `json:"data"`
	ContentType string          `json:"contentType"`
}

func unwrap(raw []byte) []byte {
	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Data) > 0 && env.Data[0] == '{' && env.ContentType != "" {
		return env.Data
	}
	return raw
}

func decode(kind schemaKind, raw []byte, out any) error {
	raw = unwrap(raw)
	if err := validate(kind, raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errs.Wrapf(errs.KindValidation, "content.decode", err, "%s document", kind)
	}
	return nil
}

func DecodeMessage(raw []byte) (MessageDoc, error) {
	var d MessageDoc
	return d, decode(schemaMessage, raw, &d)
}

func DecodePersonaState(raw []byte) (PersonaState, error) {
	var d PersonaState
	return d, decode(schemaPersonaState, raw, &d)
}

func DecodeAvatar(raw []byte) (AvatarDoc, error) {
	var d AvatarDoc
	return d, decode(schemaAvatar, raw, &d)
}

func DecodeHistory(raw []byte) (HistoryDoc, error) {
	var d HistoryDoc
	return d, decode(schemaHistory, raw, &d)
}

func DecodeReply(raw []byte) (ReplyDoc, error) {
	var d ReplyDoc
	return d, decode(schemaReply, raw, &d)
}
