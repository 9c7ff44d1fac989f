package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/immutablenpc/npc/chat"
	"github.com/immutablenpc/npc/ledger"
	"github.com/immutablenpc/npc/logging"
	"github.com/immutablenpc/npc/signer"
)

// ValidationError is one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors collects every invalid field.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for i := range e {
		msgs = append(msgs, e[i].Error())
	}
	return strings.Join(msgs, "; ")
}

// Has reports whether field is among the errors.
func (e ValidationErrors) Has(field string) bool {
	for _, v := range e {
		if v.Field == field {
			return true
		}
	}
	return false
}

func (e *ValidationErrors) add(field, format string, args ...any) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks every section. The error is a ValidationErrors.
func (c *Config) Validate() error {
	var errs ValidationErrors
	if c.Version < 1 || c.Version > Version {
		errs.add("version", "unsupported version %d (current: %d)", c.Version, Version)
	}
	c.validateLedger(&errs)
	c.validateSigner(&errs)
	c.validateStore(&errs)
	c.validateChat(&errs)
	c.validateProvision(&errs)
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs.add("log.level", "%v", err)
	}
	if _, err := logging.ParseFormat(c.Log.Format); err != nil {
		errs.add("log.format", "%v", err)
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (c *Config) validateLedger(errs *ValidationErrors) {
	l := c.Ledger
	if u, err := url.Parse(l.Endpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs.add("ledger.endpoint", "must be an http(s) URL, got %q", l.Endpoint)
	}
	if l.Timeout.Duration < 0 {
		errs.add("ledger.timeout", "must not be negative")
	}
	if l.Expiration.Duration < 0 || l.Expiration.Duration > time.Hour {
		errs.add("ledger.expiration", "must be between 0 and 1h, got %s", l.Expiration)
	}
	if _, err := l.RegistryName(); err != nil {
		errs.add("ledger.registry", "%v", err)
	}
}

func (c *Config) validateSigner(errs *ValidationErrors) {
	s := c.Signer
	switch s.Mode {
	case SignerLocal:
		if s.Key != "" {
			if err := signer.CheckKeyName(s.Key); err != nil {
				errs.add("signer.key", "%v", err)
			}
		}
	case SignerAgent:
		if s.Agent == "" {
			errs.add("signer.agent", "required when mode is %q", SignerAgent)
		}
	default:
		errs.add("signer.mode", "must be %q or %q, got %q", SignerLocal, SignerAgent, s.Mode)
	}
	if _, err := signer.ParseKeyType(s.KeyType); err != nil {
		errs.add("signer.key_type", "%v", err)
	}
}

func (c *Config) validateStore(errs *ValidationErrors) {
	s := c.Store
	if s.RetryDelay.Duration < 0 {
		errs.add("store.retry_delay", "must not be negative")
	}
	if s.ProbeTimeout.Duration < 0 {
		errs.add("store.probe_timeout", "must not be negative")
	}
	if err := s.CAS().Validate(); err != nil {
		errs.add("store.backends", "%v", err)
	}
}

func (c *Config) validateChat(errs *ValidationErrors) {
	ch := c.Chat
	if ch.User != "" {
		if _, err := ledger.ParseName(ch.User); err != nil {
			errs.add("chat.user", "%v", err)
		}
	}
	if _, err := chat.ParseTrackMode(ch.Track); err != nil {
		errs.add("chat.track", "must be \"each\" or \"latest\", got %q", ch.Track)
	}
	if ch.PollInterval.Duration < 0 || ch.PollMaxInterval.Duration < 0 {
		errs.add("chat.poll_interval", "must not be negative")
	}
	if ch.PollMultiplier != 0 && ch.PollMultiplier < 1 {
		errs.add("chat.poll_multiplier", "must be at least 1, got %v", ch.PollMultiplier)
	}
	if ch.PollMaxAttempts < 0 {
		errs.add("chat.poll_max_attempts", "must not be negative")
	}
	if ch.PollMaxErrors < 0 {
		errs.add("chat.poll_max_errors", "must not be negative")
	}
}

func (c *Config) validateProvision(errs *ValidationErrors) {
	p := c.Provision
	if _, err := p.CreatorName(); err != nil {
		errs.add("provision.creator", "%v", err)
	}
	if _, err := p.Policy(); err != nil {
		errs.add("provision.policy", "%v", err)
	}
}
