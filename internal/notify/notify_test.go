package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "chronod/pkg/logx"
)

type senderStub struct {
	mu    sync.Mutex
	sent  []string
	fails int // fail the first N calls
}

func (s *senderStub) SendText(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails > 0 {
		s.fails--
		return errors.New("transport down")
	}
	s.sent = append(s.sent, text)
	return nil
}

func (s *senderStub) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestSendDisabled(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: false}, &senderStub{}, logx.Nop())
	if err := s.Send(context.Background(), "hi"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Send on disabled service = %v, want ErrDisabled", err)
	}
}

func TestSendBeforeStart(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, &senderStub{}, logx.Nop())
	if err := s.Send(context.Background(), "hi"); !errors.Is(err, ErrStopped) {
		t.Fatalf("Send before Start = %v, want ErrStopped", err)
	}
}

func TestDelivery(t *testing.T) {
	t.Parallel()
	stub := &senderStub{}
	s := New(Config{Enabled: true, RatePerSec: 100}, stub, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Send(context.Background(), "one"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := s.Send(context.Background(), "two"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, func() bool { return len(stub.messages()) == 2 })

	got := stub.messages()
	if got[0] != "one" || got[1] != "two" {
		t.Fatalf("delivery order = %v", got)
	}
}

func TestRetryThenDeliver(t *testing.T) {
	t.Parallel()
	stub := &senderStub{fails: 2}
	s := New(Config{
		Enabled: true, RatePerSec: 100,
		RetryMax: 3, RetryBase: 5 * time.Millisecond,
	}, stub, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Send(context.Background(), "eventually"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, func() bool { return len(stub.messages()) == 1 })
}

func TestEmptyTextIsNoop(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, &senderStub{}, logx.Nop())
	if err := s.Send(context.Background(), ""); err != nil {
		t.Fatalf("empty Send = %v, want nil", err)
	}
}

func TestAlertNeverBlocks(t *testing.T) {
	t.Parallel()
	// Not started: Alert drops the message instead of blocking or erroring.
	s := New(Config{Enabled: true}, &senderStub{}, logx.Nop())
	done := make(chan struct{})
	go func() {
		s.Alert("line")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Alert blocked")
	}
}
