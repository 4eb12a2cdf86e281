// Package transporttest provides a scriptable transport.Session for tests.
package transporttest

import (
	"context"
	"errors"
	"sync"

	"docudrop/internal/transport"
)

// Send records one SendDocument call.
type Send struct {
	Address string
	Path    string
	Caption string
}

// Session is a fake transport session. Zero value is usable.
type Session struct {
	// ConnectErr is returned by Connect when set.
	ConnectErr error
	// OnConnect is emitted in order on Connect (default: authenticated, ready).
	OnConnect []transport.Event
	// SendHook, when set, runs inside SendDocument and provides its result.
	SendHook func(ctx context.Context, s Send) error

	mu        sync.Mutex
	events    chan<- transport.Event
	sends     []Send
	texts     []Send
	connects  int
	destroyed bool
}

func (f *Session) Connect(ctx context.Context, events chan<- transport.Event) error {
	f.mu.Lock()
	f.connects++
	err := f.ConnectErr
	f.events = events
	script := f.OnConnect
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if script == nil {
		script = []transport.Event{{Kind: transport.EventAuthenticated}, {Kind: transport.EventReady}}
	}
	for _, ev := range script {
		f.Emit(ev)
	}
	return nil
}

// Emit delivers ev as if the transport produced it.
func (f *Session) Emit(ev transport.Event) {
	f.mu.Lock()
	out := f.events
	f.mu.Unlock()
	if out != nil {
		out <- ev
	}
}

func (f *Session) SendDocument(ctx context.Context, address, path, caption string) error {
	s := Send{Address: address, Path: path, Caption: caption}
	f.mu.Lock()
	hook := f.SendHook
	destroyed := f.destroyed
	f.mu.Unlock()
	if destroyed {
		return errors.New("session destroyed")
	}
	var err error
	if hook != nil {
		err = hook(ctx, s)
	}
	f.mu.Lock()
	f.sends = append(f.sends, s)
	f.mu.Unlock()
	return err
}

func (f *Session) SendText(_ context.Context, address, text string) error {
	f.mu.Lock()
	f.texts = append(f.texts, Send{Address: address, Caption: text})
	f.mu.Unlock()
	return nil
}

func (f *Session) Destroy(context.Context) error {
	f.mu.Lock()
	f.destroyed = true
	f.events = nil
	f.mu.Unlock()
	return nil
}

func (f *Session) Sends() []Send {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Send(nil), f.sends...)
}

func (f *Session) Texts() []Send {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Send(nil), f.texts...)
}

func (f *Session) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *Session) Destroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

// Factory hands out the given sessions in order, then keeps returning the
// last one.
type Factory struct {
	mu       sync.Mutex
	sessions []*Session
	next     int
}

func NewFactory(sessions ...*Session) *Factory {
	return &Factory{sessions: sessions}
}

func (f *Factory) New() (transport.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil, errors.New("no fake sessions configured")
	}
	s := f.sessions[min(f.next, len(f.sessions)-1)]
	f.next++
	return s, nil
}

// Calls reports how many sessions were requested.
func (f *Factory) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next
}
