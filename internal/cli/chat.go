package cli

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/immutablenpc/npc/chat"
	"github.com/immutablenpc/npc/ledger"
	"github.com/immutablenpc/npc/persona"
)

// ChatOptions holds flags shared by the chat subcommands.
type ChatOptions struct {
	*RootOptions
	User  string
	Key   string
	Track string
}

// NewChatCommand creates the chat command group.
func NewChatCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ChatOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Send messages to a persona and read the conversation",
	}
	cmd.PersistentFlags().StringVar(&opts.User, "user", "", "user account (default chat.user)")
	cmd.PersistentFlags().StringVar(&opts.Key, "key", "", "keystore key holding the persona's active permission (default: configured signer)")

	cmd.AddCommand(newChatSendCommand(opts))
	cmd.AddCommand(newChatHistoryCommand(opts))
	cmd.AddCommand(newChatRespondCommand(opts))
	return cmd
}

// session is an engine plus what has to be released with it.
type session struct {
	engine  *chat.Engine
	changed chan struct{}
	release func()
}

func (o *ChatOptions) open(ctx context.Context, personaArg string) (*session, error) {
	account, err := persona.Account(personaArg)
	if err != nil {
		return nil, err
	}
	user := o.cfg.Chat.User
	if o.User != "" {
		user = o.User
	}
	if user == "" {
		return nil, NewExitError(ExitCommandError, "no user: pass --user or set chat.user")
	}
	userName, err := ledger.ParseName(user)
	if err != nil {
		return nil, err
	}
	track := o.cfg.Chat.Track
	if o.Track != "" {
		track = o.Track
	}
	mode, err := chat.ParseTrackMode(track)
	if err != nil {
		return nil, err
	}

	s, closeSigner, err := o.loadSigner(ctx, o.Key)
	if err != nil {
		return nil, err
	}
	store, closeStore, err := o.openStore()
	if err != nil {
		_ = closeSigner()
		return nil, err
	}
	client := o.ledgerClient()
	b, err := o.builder(client, s)
	if err != nil {
		_ = closeStore()
		_ = closeSigner()
		return nil, err
	}

	sess := &session{changed: make(chan struct{}, 1)}
	poll := o.cfg.Chat.PollPolicy()
	engine, err := chat.New(chat.Config{
		Persona: account,
		User:    userName,
		Ledger:  client,
		Builder: b,
		Store:   store,
		Mode:    mode,
		Poll:    &poll,
		Observer: func(ev chat.Event) {
			o.log.Debug("message event", "kind", ev.Kind.String(), "id", ev.Message.ID.String(), "state", ev.Message.State.String())
			select {
			case sess.changed <- struct{}{}:
			default:
			}
		},
		Logger: o.log,
	})
	if err != nil {
		_ = closeStore()
		_ = closeSigner()
		return nil, err
	}
	sess.engine = engine
	sess.release = func() {
		_ = engine.Close()
		_ = closeStore()
		_ = closeSigner()
	}
	return sess, nil
}

func printMessages(w io.Writer, msgs []chat.Message) {
	for _, m := range msgs {
		key := "-"
		if m.Key != nil {
			key = fmt.Sprintf("#%d", *m.Key)
		}
		fmt.Fprintf(w, "%-4s [%s] %s: %s\n", key, m.State, m.User, m.Text)
		switch {
		case m.Response != "":
			fmt.Fprintf(w, "     %s: %s\n", persona.BaseName(m.Persona), m.Response)
		case m.Err != nil:
			fmt.Fprintf(w, "     error: %v\n", m.Err)
		}
	}
}

func newChatSendCommand(opts *ChatOptions) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "send <persona> <text>",
		Short: "Send a message and wait for the persona's response",
		Long: `Send a message to a persona. The message is uploaded to the store,
submitted to the ledger, and tracked until the persona responds, the poll
limit is reached, or --wait expires.

Example:
  personactl chat send zeta12345 "Where does the ferry go?" --user alice --key zeta`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := opts.open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer sess.release()

			m, err := sess.engine.Send(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			if wait > 0 {
				m = awaitMessage(cmd.Context(), sess, m, wait)
			}
			if err := opts.emit(cmd, m, func(w io.Writer) { printMessages(w, []chat.Message{m}) }); err != nil {
				return err
			}
			if m.State == chat.StateFailed {
				return WrapExitError(ExitFailure, "message failed", m.Err)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Minute, "how long to wait for a response (0 returns once submitted)")
	cmd.Flags().StringVar(&opts.Track, "track", "", "poll tracking mode each|latest (default chat.track)")
	return cmd
}

// awaitMessage blocks until m is terminal, wait elapses or ctx ends, and
// returns the latest snapshot.
func awaitMessage(ctx context.Context, sess *session, m chat.Message, wait time.Duration) chat.Message {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		if cur, ok := sess.engine.Message(m.ID); ok {
			m = cur
		}
		if m.State.Terminal() {
			return m
		}
		select {
		case <-ctx.Done():
			return m
		case <-timer.C:
			return m
		case <-sess.changed:
		}
	}
}

func newChatHistoryCommand(opts *ChatOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <persona>",
		Short: "Rebuild the conversation from the ledger and the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := opts.open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer sess.release()

			msgs, err := sess.engine.Load(cmd.Context())
			if err != nil {
				return err
			}
			if msgs == nil {
				msgs = []chat.Message{}
			}
			return opts.emit(cmd, msgs, func(w io.Writer) { printMessages(w, msgs) })
		},
	}
	return cmd
}

func newChatRespondCommand(opts *ChatOptions) *cobra.Command {
	var (
		once         bool
		interval     time.Duration
		storeReplies bool
		prefix       string
	)
	cmd := &cobra.Command{
		Use:   "respond <persona>",
		Short: "Answer pending messages as the persona with an echo reply",
		Long: `Answer pending messages on behalf of a persona. Every reply echoes the
user's text; this is a stand-in for a real content generator during
development.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !once && interval <= 0 {
				return NewExitError(ExitCommandError, fmt.Sprintf("--interval must be positive, got %s", interval))
			}
			account, err := persona.Account(args[0])
			if err != nil {
				return err
			}
			s, closeSigner, err := opts.loadSigner(cmd.Context(), opts.Key)
			if err != nil {
				return err
			}
			defer closeSigner()
			store, closeStore, err := opts.openStore()
			if err != nil {
				return err
			}
			defer closeStore()
			client := opts.ledgerClient()
			b, err := opts.builder(client, s)
			if err != nil {
				return err
			}

			r, err := chat.NewResponder(chat.ResponderConfig{
				Persona:      account,
				Ledger:       client,
				Builder:      b,
				Store:        store,
				StoreReplies: storeReplies,
				Reply: func(_ context.Context, p chat.Prompt) (chat.Reply, error) {
					return chat.Reply{Text: prefix + p.Message.Text}, nil
				},
				Logger: opts.log,
			})
			if err != nil {
				return err
			}

			if once {
				n, err := r.RespondOnce(cmd.Context())
				if err != nil {
					return err
				}
				view := struct {
					Answered int `json:"answered" yaml:"answered"`
				}{n}
				return opts.emit(cmd, view, func(w io.Writer) { fmt.Fprintf(w, "answered %d message(s)\n", n) })
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := r.Run(ctx, interval); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "answer what is pending and exit")
	cmd.Flags().DurationVar(&interval, "interval", 3*time.Second, "polling interval")
	cmd.Flags().BoolVar(&storeReplies, "store-replies", false, "write replies to the store and record their CID")
	cmd.Flags().StringVar(&prefix, "prefix", "you said: ", "text prepended to every echoed reply")
	return cmd
}
