package email

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"
	"gopkg.in/gomail.v2"

	"PulseQueue/internal/models"
)

type recordedMail struct {
	from string
	to   []string
	body string
}

type fakeConn struct {
	sent    *[]recordedMail
	sendErr error
	closed  bool
}

func (c *fakeConn) Send(from string, to []string, msg io.WriterTo) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	var buf bytes.Buffer
	if _, err := msg.WriteTo(&buf); err != nil {
		return err
	}
	*c.sent = append(*c.sent, recordedMail{from: from, to: to, body: buf.String()})
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

type fakeDialer struct {
	conn    *fakeConn
	dialErr error
}

func (d *fakeDialer) Dial() (gomail.SendCloser, error) {
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	return d.conn, nil
}

func TestSender_Send(t *testing.T) {
	var sent []recordedMail
	conn := &fakeConn{sent: &sent}
	s := &Sender{Dialer: &fakeDialer{conn: conn}, From: "noreply@pulsequeue.dev", Log: zaptest.NewLogger(t)}

	job := &models.EmailJob{ID: "j1", Recipient: "to@example.com", Subject: "Hello", Content: "body text"}
	if err := s.Send(context.Background(), job); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	m := sent[0]
	if m.from != "noreply@pulsequeue.dev" || len(m.to) != 1 || m.to[0] != "to@example.com" {
		t.Errorf("envelope = %s -> %v", m.from, m.to)
	}
	for _, want := range []string{"Subject: Hello", "X-Job-ID: j1", "body text"} {
		if !strings.Contains(m.body, want) {
			t.Errorf("message missing %q:\n%s", want, m.body)
		}
	}
	if !conn.closed {
		t.Error("connection not closed")
	}
}

func TestSender_Errors(t *testing.T) {
	var sent []recordedMail
	tests := []struct {
		name   string
		dialer *fakeDialer
	}{
		{"dial", &fakeDialer{dialErr: errors.New("connection refused")}},
		{"send", &fakeDialer{conn: &fakeConn{sent: &sent, sendErr: errors.New("550 mailbox unavailable")}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Sender{Dialer: tt.dialer, From: "a@b.c", Log: zaptest.NewLogger(t)}
			err := s.Send(context.Background(), &models.EmailJob{ID: "j", Recipient: "x@y.z"})
			if err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestSender_ThrottleHonoursContext(t *testing.T) {
	var sent []recordedMail
	s := NewSender("localhost", 25, "", "", "a@b.c", 1, zaptest.NewLogger(t))
	s.Dialer = &fakeDialer{conn: &fakeConn{sent: &sent}}

	if err := s.Send(context.Background(), &models.EmailJob{ID: "1", Recipient: "x@y.z"}); err != nil {
		t.Fatalf("first send: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Send(ctx, &models.EmailJob{ID: "2", Recipient: "x@y.z"}); err == nil {
		t.Error("expected throttle error on cancelled context")
	}
}

func TestReceiver(t *testing.T) {
	r := &Receiver{Log: zaptest.NewLogger(t)}
	if err := r.Receive(context.Background(), &models.EmailJob{ID: "r1", Type: models.JobReceive}); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	boom := errors.New("imap timeout")
	r.Poll = func(context.Context, *models.EmailJob) error { return boom }
	if err := r.Receive(context.Background(), &models.EmailJob{ID: "r2"}); !errors.Is(err, boom) {
		t.Errorf("Receive err = %v, want %v", err, boom)
	}
}
