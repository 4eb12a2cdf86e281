package twilio

import (
	"context"
	"errors"
	"testing"

	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"docudrop/internal/transport"
	logx "docudrop/pkg/logx"
)

type fakeAPI struct {
	status  string
	sent    []*twilioApi.CreateMessageParams
	sendErr error
}

func (f *fakeAPI) CreateMessage(p *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, p)
	sid := "SM1"
	return &twilioApi.ApiV2010Message{Sid: &sid}, nil
}

func (f *fakeAPI) FetchAccount(string) (*twilioApi.ApiV2010Account, error) {
	st := f.status
	return &twilioApi.ApiV2010Account{Status: &st}, nil
}

func newSession(t *testing.T, api *fakeAPI) *Session {
	t.Helper()
	s, err := New(Config{
		AccountSID:   "AC123",
		AuthToken:    "secret",
		From:         "+15550009999",
		MediaBaseURL: "https://media.example.com/files/",
	}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	s.api = api
	return s
}

func TestConnectEmitsReady(t *testing.T) {
	s := newSession(t, &fakeAPI{status: "active"})
	events := make(chan transport.Event, 2)
	if err := s.Connect(context.Background(), events); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if ev := <-events; ev.Kind != transport.EventAuthenticated {
		t.Fatalf("first event = %v", ev.Kind)
	}
	if ev := <-events; ev.Kind != transport.EventReady {
		t.Fatalf("second event = %v", ev.Kind)
	}
}

func TestConnectRejectsSuspendedAccount(t *testing.T) {
	s := newSession(t, &fakeAPI{status: "suspended"})
	if err := s.Connect(context.Background(), make(chan transport.Event, 2)); err == nil {
		t.Fatal("Connect should fail for a suspended account")
	}
}

func TestSendDocumentBuildsWhatsAppMessage(t *testing.T) {
	api := &fakeAPI{status: "active"}
	s := newSession(t, api)
	ctx := context.Background()

	if err := s.SendDocument(ctx, "15550001234@c.us", "/srv/uploads/a.mp4", "cap"); err == nil {
		t.Fatal("send before Connect should fail")
	}
	if err := s.Connect(ctx, make(chan transport.Event, 2)); err != nil {
		t.Fatal(err)
	}
	if err := s.SendDocument(ctx, "15550001234@c.us", "/srv/uploads/Ana Lopez.mp4", "Hello!"); err != nil {
		t.Fatalf("SendDocument: %v", err)
	}
	if len(api.sent) != 1 {
		t.Fatalf("sent = %d", len(api.sent))
	}
	p := api.sent[0]
	if *p.To != "whatsapp:+15550001234" || *p.From != "whatsapp:+15550009999" || *p.Body != "Hello!" {
		t.Fatalf("unexpected params: to=%s from=%s body=%s", *p.To, *p.From, *p.Body)
	}
	if got := (*p.MediaUrl)[0]; got != "https://media.example.com/files/Ana%20Lopez.mp4" {
		t.Fatalf("media url = %s", got)
	}

	api.sendErr = errors.New("21211: invalid 'To' number")
	if err := s.SendDocument(ctx, "1@c.us", "/srv/uploads/a.mp4", ""); err == nil || err.Error() != "21211: invalid 'To' number" {
		t.Fatalf("SendDocument error = %v, want transport text verbatim", err)
	}
}
