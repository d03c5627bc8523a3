package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/math12studio/assistant/internal/client"
	"github.com/math12studio/assistant/internal/middleware"
	"github.com/math12studio/assistant/internal/model/chat"
	"github.com/math12studio/assistant/internal/service/engine"
	"github.com/math12studio/assistant/internal/service/quota"
	"github.com/math12studio/assistant/internal/storage"
)

// session is the terminal front end of one engine.
type session struct {
	engine *engine.Engine
	out    io.Writer
	pr     *printer
}

// withSession builds the engine from configuration, runs fn and releases
// the local quota store.
func withSession(ctx context.Context, fn func(*session) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	kv, closeKV, err := openState(cfg.Client.StatePath)
	if err != nil {
		return err
	}
	defer closeKV()

	key := quota.RecordKey
	if cfg.Client.Token != "" {
		key = quota.Key(middleware.IdentityOf(cfg.Client.Token))
	}
	policy := quota.Policy{Cap: cfg.Quota.Cap, Window: cfg.Quota.Window}
	ledger, err := quota.Open(ctx, kv, key, policy, quota.WithLogger(logger))
	if err != nil {
		return err
	}

	remote := client.New(cfg.Client.BaseURL, client.WithToken(cfg.Client.Token), client.WithTimeout(cfg.Client.Timeout))
	s := &session{out: os.Stdout, pr: newPrinter(stdoutIsTerminal())}

	s.engine, err = engine.New(ctx,
		engine.Deps{Transport: remote, Quota: ledger, History: remote},
		engine.WithStreaming(cfg.Client.Stream),
		engine.WithLogger(logger),
		engine.WithObserver(s.observe),
	)
	if err != nil {
		return err
	}
	defer s.engine.Close()

	return fn(s)
}

func openState(path string) (storage.KV, func(), error) {
	if path == "" {
		return storage.NewMemoryKV(), func() {}, nil
	}
	db, err := storage.OpenSQLite(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open state %s: %w", path, err)
	}
	return db, func() { db.Close() }, nil
}

// observe prints answers as they stream in.
func (s *session) observe(ev engine.Event) {
	switch ev.Kind {
	case engine.EventFragment:
		fmt.Fprint(s.out, ev.Raw)
	case engine.EventTurnFinished:
		fmt.Fprintln(s.out)
	case engine.EventTurnFailed:
		fmt.Fprintf(s.out, "\n%s\n", s.pr.failure(ev.Message.Content))
	}
}

func (s *session) ask(ctx context.Context, prompt string) error {
	_, err := s.engine.Send(ctx, prompt)
	return s.explain(err)
}

func (s *session) regenerate(ctx context.Context, id string) error {
	_, err := s.engine.Regenerate(ctx, id)
	return s.explain(err)
}

// explain turns expected send errors into messages; only unexpected ones
// are returned.
func (s *session) explain(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, quota.ErrQuotaExceeded):
		state := s.engine.Quota()
		fmt.Fprintln(s.out, s.pr.failure(fmt.Sprintf("Request limit reached. Resets at %s.", state.ResetAt().Local().Format(time.Kitchen))))
		return nil
	case errors.Is(err, client.ErrUnauthorized):
		return err
	case errors.Is(err, engine.ErrTransient), errors.Is(err, engine.ErrAborted), errors.Is(err, engine.ErrEmptyPrompt):
		logger.Debug("send ended", "error", err)
		return nil
	default:
		return err
	}
}

func (s *session) newChat(ctx context.Context) error {
	if err := s.engine.NewChat(ctx); err != nil {
		fmt.Fprintln(s.out, s.pr.failure(fmt.Sprintf("Started a new chat locally, but the server did not confirm: %v", err)))
		return nil
	}
	fmt.Fprintln(s.out, s.pr.notice("Started a new chat."))
	return nil
}

func (s *session) printHistory() {
	for _, msg := range s.engine.Messages() {
		s.printMessage(msg)
	}
}

func (s *session) printQuota() {
	state := s.engine.Quota()
	fmt.Fprintln(s.out, s.pr.notice(fmt.Sprintf("%d of %d requests left, window resets at %s.",
		state.Remaining, state.WindowCap, state.ResetAt().Local().Format(time.RFC1123))))
}

func (s *session) printMessage(msg chat.Message) {
	who, body := "you", msg.Content
	if msg.Role == chat.RoleAssistant {
		who, body = "tutor", s.pr.answer(msg.Content)
	}
	fmt.Fprintf(s.out, "%s %s %s\n%s\n\n",
		s.pr.muted("["+msg.CreatedAt.Local().Format("15:04")+"]"), s.pr.label(who), s.pr.muted("("+msg.ID+")"), body)
}

// repl reads prompts line by line until EOF or /quit.
func (s *session) repl(ctx context.Context, in io.Reader) error {
	s.printHistory()
	s.printQuota()

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(s.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(s.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())

		var err error
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/new":
			err = s.newChat(ctx)
		case line == "/quota":
			s.printQuota()
		case line == "/history":
			s.printHistory()
		case strings.HasPrefix(line, "/regen "):
			err = s.regenerate(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/regen ")))
		case strings.HasPrefix(line, "/"):
			fmt.Fprintln(s.out, s.pr.muted("commands: /new, /quota, /history, /regen <id>, /quit"))
		default:
			err = s.ask(ctx, line)
		}
		if err != nil {
			return err
		}
	}
}

func joinArgs(args []string) string {
	return strings.Join(args, " ")
}
