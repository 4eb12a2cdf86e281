// Package twilio delivers documents over WhatsApp through the Twilio API.
package twilio

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"docudrop/internal/transport"
	logx "docudrop/pkg/logx"
)

// AddressSuffix is the WhatsApp personal-chat suffix.
const AddressSuffix = "@c.us"

type Config struct {
	AccountSID string
	AuthToken  string
	// From is the WhatsApp sender number, with or without the whatsapp: prefix.
	From string
	// MediaBaseURL is the public URL under which artifact files are served.
	MediaBaseURL string
}

// messageAPI is the subset of the Twilio REST API the session uses.
type messageAPI interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
	FetchAccount(sid string) (*twilioApi.ApiV2010Account, error)
}

type Session struct {
	cfg Config
	log logx.Logger

	mu        sync.Mutex
	api       messageAPI
	connected bool
}

func New(cfg Config, log logx.Logger) (*Session, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("twilio credentials are empty")
	}
	if _, err := url.Parse(cfg.MediaBaseURL); err != nil || cfg.MediaBaseURL == "" {
		return nil, fmt.Errorf("twilio media base url: invalid %q", cfg.MediaBaseURL)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Session{cfg: cfg, log: log, api: client.Api}, nil
}

func Factory(cfg Config, log logx.Logger) transport.Factory {
	return func() (transport.Session, error) { return New(cfg, log) }
}

// Connect verifies the account. Twilio has no long-lived session, so the
// session is ready as soon as the credentials check out.
func (s *Session) Connect(ctx context.Context, events chan<- transport.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	acct, err := s.api.FetchAccount(s.cfg.AccountSID)
	if err != nil {
		return fmt.Errorf("twilio account check: %w", err)
	}
	if acct != nil && acct.Status != nil && *acct.Status != "active" {
		return fmt.Errorf("twilio account status %q", *acct.Status)
	}
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()

	for _, k := range []transport.EventKind{transport.EventAuthenticated, transport.EventReady} {
		select {
		case events <- transport.Event{Kind: k}:
		default:
			s.log.Warn("session event dropped", logx.String("kind", string(k)))
		}
	}
	return nil
}

func whatsappAddr(number string) string {
	number = strings.TrimPrefix(number, "whatsapp:")
	if !strings.HasPrefix(number, "+") {
		number = "+" + transport.NormalizeDigits(number)
	}
	return "whatsapp:" + number
}

// mediaURL maps an artifact path to its public URL.
func (s *Session) mediaURL(path string) string {
	return strings.TrimRight(s.cfg.MediaBaseURL, "/") + "/" + url.PathEscape(filepath.Base(path))
}

func (s *Session) params(address string) (*twilioApi.CreateMessageParams, error) {
	digits, err := transport.SplitAddress(address, AddressSuffix)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", err, address)
	}
	s.mu.Lock()
	ok := s.connected
	s.mu.Unlock()
	if !ok {
		return nil, errors.New("twilio session not connected")
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:+" + digits)
	params.SetFrom(whatsappAddr(s.cfg.From))
	return params, nil
}

func (s *Session) SendDocument(ctx context.Context, address, path, caption string) error {
	params, err := s.params(address)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	params.SetMediaUrl([]string{s.mediaURL(path)})
	if caption != "" {
		params.SetBody(caption)
	}
	resp, err := s.api.CreateMessage(params)
	if err != nil {
		return err
	}
	if resp != nil && resp.Sid != nil {
		s.log.Debug("twilio message queued", logx.String("sid", *resp.Sid))
	}
	return nil
}

func (s *Session) SendText(ctx context.Context, address, text string) error {
	params, err := s.params(address)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	params.SetBody(text)
	_, err = s.api.CreateMessage(params)
	return err
}

func (s *Session) Destroy(context.Context) error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return nil
}
