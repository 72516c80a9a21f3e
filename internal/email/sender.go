package email

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/gomail.v2"

	"PulseQueue/internal/models"
)

// Dialer opens an SMTP session; *gomail.Dialer satisfies it.
type Dialer interface {
	Dial() (gomail.SendCloser, error)
}

type Sender struct {
	Dialer  Dialer
	From    string
	Limiter *rate.Limiter
	Log     *zap.Logger
}

func NewSender(host string, port int, user, password, from string, perSecond int, log *zap.Logger) *Sender {
	s := &Sender{
		Dialer: gomail.NewDialer(host, port, user, password),
		From:   from,
		Log:    log,
	}
	if perSecond > 0 {
		s.Limiter = rate.NewLimiter(rate.Limit(perSecond), perSecond)
	}
	return s
}

// Send makes one delivery attempt. Retrying is the caller's business.
func (s *Sender) Send(ctx context.Context, job *models.EmailJob) error {

	// ----------------------------
	// Throttle outbound SMTP
	// ----------------------------
	if s.Limiter != nil {
		if err := s.Limiter.Wait(ctx); err != nil {
			return fmt.Errorf("smtp throttle: %w", err)
		}
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.From)
	m.SetHeader("To", job.Recipient)
	m.SetHeader("Subject", job.Subject)
	m.SetHeader("X-Job-ID", job.ID)
	m.SetBody("text/plain", job.Content)

	conn, err := s.Dialer.Dial()
	if err != nil {
		return fmt.Errorf("smtp dial error: %w", err)
	}
	defer conn.Close()

	if err := gomail.Send(conn, m); err != nil {
		return fmt.Errorf("smtp send error: %w", err)
	}

	s.Log.Debug("smtp accepted message",
		zap.String("job_id", job.ID),
		zap.String("to", job.Recipient),
	)
	return nil
}
