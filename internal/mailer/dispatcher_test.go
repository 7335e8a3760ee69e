package mailer

import (
	"context"
	"errors"
	"net/smtp"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type flakySender struct {
	mu        sync.Mutex
	failures  int
	calls     int
	delivered []Message
}

func (s *flakySender) Send(_ context.Context, message Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return errors.New("relay unavailable")
	}
	s.delivered = append(s.delivered, message)
	return nil
}

func (s *flakySender) snapshot() (int, []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, append([]Message(nil), s.delivered...)
}

type blockingSender struct {
	release chan struct{}
}

func (s blockingSender) Send(ctx context.Context, _ Message) error {
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func mustDispatcher(t *testing.T, cfg DispatcherConfig) *Dispatcher {
	t.Helper()
	dispatcher, err := NewDispatcher(cfg)
	if err != nil {
		t.Fatalf("failed to build dispatcher: %v", err)
	}
	return dispatcher
}

func stopDispatcher(t *testing.T, dispatcher *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := dispatcher.Stop(ctx); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
}

func TestDispatcherRetriesUntilDelivered(t *testing.T) {
	core, observed := observer.New(zap.WarnLevel)
	sender := &flakySender{failures: 2}
	dispatcher := mustDispatcher(t, DispatcherConfig{
		Sender:      sender,
		Workers:     1,
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
		Logger:      zap.New(core),
	})
	dispatcher.Start()

	if !dispatcher.TryEnqueue(Message{To: []string{"a@example.com"}, Subject: "hi", Kind: "invitation"}) {
		t.Fatalf("expected message to be accepted")
	}
	stopDispatcher(t, dispatcher)

	calls, delivered := sender.snapshot()
	if calls != 3 || len(delivered) != 1 {
		t.Fatalf("expected 3 calls and 1 delivery, got %d calls and %d deliveries", calls, len(delivered))
	}
	if got := observed.FilterMessage("email delivery attempt failed").Len(); got != 2 {
		t.Fatalf("expected 2 logged failures, got %d", got)
	}
	if len(dispatcher.DeadLetters()) != 0 {
		t.Fatalf("expected no dead letters")
	}
}

func TestDispatcherDeadLettersExhaustedMessages(t *testing.T) {
	core, observed := observer.New(zap.WarnLevel)
	sender := &flakySender{failures: 100}
	dispatcher := mustDispatcher(t, DispatcherConfig{
		Sender:      sender,
		Workers:     2,
		MaxAttempts: 2,
		RetryDelay:  time.Millisecond,
		Logger:      zap.New(core),
	})
	dispatcher.Start()

	for _, recipient := range []string{"a@example.com", "b@example.com"} {
		if !dispatcher.Enqueue(context.Background(), Message{To: []string{recipient}, Kind: "invitation"}) {
			t.Fatalf("expected %s to be accepted", recipient)
		}
	}
	stopDispatcher(t, dispatcher)

	deadLetters := dispatcher.DeadLetters()
	if len(deadLetters) != 2 {
		t.Fatalf("expected 2 dead letters, got %d", len(deadLetters))
	}
	for _, deadLetter := range deadLetters {
		if deadLetter.Attempts != 2 || deadLetter.LastError != "relay unavailable" {
			t.Fatalf("unexpected dead letter %+v", deadLetter)
		}
	}
	if got := observed.FilterMessage("email dead-lettered").Len(); got != 2 {
		t.Fatalf("expected 2 dead-letter logs, got %d", got)
	}
}

func TestDispatcherDeadLetterListIsBounded(t *testing.T) {
	dispatcher := mustDispatcher(t, DispatcherConfig{
		Sender:          &flakySender{failures: 100},
		Workers:         1,
		MaxAttempts:     1,
		DeadLetterLimit: 2,
	})
	dispatcher.Start()
	for _, subject := range []string{"one", "two", "three"} {
		dispatcher.Enqueue(context.Background(), Message{To: []string{"a@example.com"}, Subject: subject})
	}
	stopDispatcher(t, dispatcher)

	deadLetters := dispatcher.DeadLetters()
	if len(deadLetters) != 2 {
		t.Fatalf("expected 2 retained dead letters, got %d", len(deadLetters))
	}
	if deadLetters[0].Message.Subject != "two" || deadLetters[1].Message.Subject != "three" {
		t.Fatalf("expected oldest dead letter to be evicted, got %+v", deadLetters)
	}
}

func TestTryEnqueueRejectsWhenFullOrStopped(t *testing.T) {
	sender := blockingSender{release: make(chan struct{})}
	dispatcher := mustDispatcher(t, DispatcherConfig{Sender: sender, Workers: 1, Capacity: 1})

	if !dispatcher.TryEnqueue(Message{Subject: "first"}) {
		t.Fatalf("expected first message to fit")
	}
	if dispatcher.TryEnqueue(Message{Subject: "second"}) {
		t.Fatalf("expected full queue to reject")
	}
	if dispatcher.Depth() != 1 {
		t.Fatalf("expected depth 1, got %d", dispatcher.Depth())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if dispatcher.Enqueue(ctx, Message{Subject: "blocked"}) {
		t.Fatalf("expected blocking enqueue to give up with its context")
	}

	close(sender.release)
	stopDispatcher(t, dispatcher)
	if dispatcher.TryEnqueue(Message{Subject: "late"}) {
		t.Fatalf("expected stopped dispatcher to reject")
	}
}

func TestNewDispatcherRequiresSender(t *testing.T) {
	if _, err := NewDispatcher(DispatcherConfig{}); err == nil {
		t.Fatalf("expected missing sender error")
	}
}

func TestSMTPSenderRendersHeaders(t *testing.T) {
	sender := NewSMTPSender(SMTPConfig{Host: "smtp.example.com", Port: "587", From: "noreply@example.com", FromName: "MD Reader"})
	var captured []byte
	var capturedAddr string
	sender.send = func(addr string, _ smtp.Auth, _ string, _ []string, msg []byte) error {
		capturedAddr = addr
		captured = msg
		return nil
	}
	err := sender.Send(context.Background(), Message{To: []string{"a@example.com"}, Subject: "Invite", Body: "hello"})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if capturedAddr != "smtp.example.com:587" {
		t.Fatalf("unexpected address %q", capturedAddr)
	}
	want := "To: a@example.com\r\nFrom: MD Reader <noreply@example.com>\r\nSubject: Invite\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\nhello"
	if string(captured) != want {
		t.Fatalf("unexpected message:\n%q", captured)
	}
}

func TestSMTPSenderRequiresConfiguration(t *testing.T) {
	sender := NewSMTPSender(SMTPConfig{})
	if err := sender.Send(context.Background(), Message{To: []string{"a@example.com"}}); err == nil {
		t.Fatalf("expected unconfigured sender to fail")
	}
	if _, ok := NewSender(SMTPConfig{}, nil).(LogSender); !ok {
		t.Fatalf("expected log sender when smtp is not configured")
	}
}
