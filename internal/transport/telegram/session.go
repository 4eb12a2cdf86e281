// Package telegram delivers documents through a Telegram bot.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "docudrop/internal/runtime/supervisor"
	"docudrop/internal/transport"
	logx "docudrop/pkg/logx"
)

const (
	// AddressSuffix marks chat-id addresses handled by this transport.
	AddressSuffix = "@telegram"
	// LockMarker is held in the session directory while a poller runs.
	// Telegram rejects two pollers on one token.
	LockMarker = "session.lock"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	SessionDir  string

	// URL overrides the Bot API endpoint (tests).
	URL string
}

// Session is a single bot poller. It is not reusable after Destroy.
type Session struct {
	cfg Config
	log logx.Logger

	mu       sync.Mutex
	bot      *tele.Bot
	sup      *rtsup.Supervisor
	lockPath string
	stopOnce sync.Once
	events   chan<- transport.Event
}

func New(cfg Config, log logx.Logger) (*Session, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Session{cfg: cfg, log: log}, nil
}

// Factory returns a transport.Factory producing fresh sessions.
func Factory(cfg Config, log logx.Logger) transport.Factory {
	return func() (transport.Session, error) { return New(cfg, log) }
}

func (s *Session) Connect(ctx context.Context, events chan<- transport.Event) error {
	lockPath, err := acquireLock(s.cfg.SessionDir)
	if err != nil {
		return err
	}

	b, err := tele.NewBot(tele.Settings{
		URL:     s.cfg.URL,
		Token:   s.cfg.Token,
		Poller:  &tele.LongPoller{Timeout: s.cfg.PollTimeout},
		OnError: s.onError,
	})
	if err != nil {
		_ = os.Remove(lockPath)
		return fmt.Errorf("telegram init: %w", err)
	}
	s.log.Info("bot authenticated", logx.String("username", b.Me.Username))

	sup := rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "telegram.session"))),
		rtsup.WithCancelOnError(false),
	)

	s.mu.Lock()
	s.bot = b
	s.sup = sup
	s.lockPath = lockPath
	s.events = events
	s.mu.Unlock()

	s.emit(transport.Event{Kind: transport.EventAuthenticated})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		s.stopBot()
	})
	sup.Go0("telebot.poll", func(c context.Context) {
		s.log.Info("polling started")
		b.Start()
		s.log.Info("polling stopped")
		if c.Err() == nil {
			s.emit(transport.Event{Kind: transport.EventDisconnected, Reason: "poller stopped"})
		}
	})

	s.emit(transport.Event{Kind: transport.EventReady})
	return nil
}

// onError receives poller failures with a nil context. Any of them ends
// the session so the connection state machine can rebuild it.
func (s *Session) onError(err error, c tele.Context) {
	if c != nil {
		s.log.Warn("telegram handler error", logx.Err(err))
		return
	}
	s.log.Warn("telegram poll error", logx.Err(err))
	s.emit(transport.Event{Kind: transport.EventDisconnected, Reason: err.Error()})
	s.stopBot()
}

func (s *Session) emit(ev transport.Event) {
	s.mu.Lock()
	out := s.events
	s.mu.Unlock()
	if out == nil {
		return
	}
	select {
	case out <- ev:
	default:
		s.log.Warn("session event dropped", logx.String("kind", string(ev.Kind)))
	}
}

// stopBot stops the poller once. telebot's Stop waits for the poll loop to
// acknowledge, so it never runs on the poller goroutine itself.
func (s *Session) stopBot() {
	s.mu.Lock()
	b := s.bot
	s.mu.Unlock()
	if b == nil {
		return
	}
	s.stopOnce.Do(func() { go b.Stop() })
}

func (s *Session) chat(address string) (tele.Recipient, *tele.Bot, error) {
	digits, err := transport.SplitAddress(address, AddressSuffix)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %q", err, address)
	}
	id, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %q", transport.ErrBadAddress, address)
	}
	s.mu.Lock()
	b := s.bot
	s.mu.Unlock()
	if b == nil {
		return nil, nil, errors.New("telegram session not connected")
	}
	return tele.ChatID(id), b, nil
}

// SendDocument sends path as a file attachment so Telegram does not
// re-encode it as media.
func (s *Session) SendDocument(ctx context.Context, address, path, caption string) error {
	to, b, err := s.chat(address)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	doc := &tele.Document{
		File:     tele.FromDisk(path),
		FileName: filepath.Base(path),
		Caption:  caption,
	}
	_, err = b.Send(to, doc)
	return err
}

const telegramTextLimit = 4000

// SendText sends text, split on line boundaries when it exceeds the
// Telegram message limit.
func (s *Session) SendText(ctx context.Context, address, text string) error {
	to, b, err := s.chat(address)
	if err != nil {
		return err
	}
	for _, chunk := range splitText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := b.Send(to, chunk, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			return err
		}
	}
	return nil
}

// Destroy stops polling and releases the session lock.
func (s *Session) Destroy(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	lockPath := s.lockPath
	s.events = nil
	s.mu.Unlock()

	s.stopBot()
	if sup != nil {
		sup.Cancel()
		grace := 2 * time.Second
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem > 0 && rem < grace {
				grace = rem
			}
		}
		wctx, cancel := context.WithTimeout(ctx, grace)
		defer cancel()
		if err := sup.Wait(wctx); err != nil && errors.Is(err, context.DeadlineExceeded) {
			s.log.Warn("telegram stop timed out", logx.Err(err))
		}
	}
	if lockPath != "" {
		if err := os.Remove(lockPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// acquireLock creates the exclusive lock marker. An existing marker means
// another poller owns the token.
func acquireLock(dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	path := filepath.Join(dir, LockMarker)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if errors.Is(err, fs.ErrExist) {
		return "", fmt.Errorf("%w: %s", transport.ErrSessionLocked, path)
	}
	if err != nil {
		return "", err
	}
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	return path, f.Close()
}

// splitText splits long messages, preferring newline boundaries.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid extremely small chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
