package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"gopkg.in/gomail.v2"

	"notifyd/internal/notification"
	logx "notifyd/pkg/logx"
)

// EmailConfig configures the SMTP transport.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	// RatePerMinute throttles outbound mail. 0 disables throttling.
	RatePerMinute int
	// SendTimeout bounds one SMTP conversation. 0 means 10s.
	SendTimeout time.Duration
}

func (c EmailConfig) validate() error {
	if c.Host == "" {
		return errors.New("smtp host is required")
	}
	if c.Port <= 0 {
		return errors.New("smtp port is required")
	}
	if c.From == "" {
		return errors.New("smtp from address is required")
	}
	return nil
}

// EmailSender delivers notifications over SMTP.
type EmailSender struct {
	cfg     EmailConfig
	dialer  *gomail.Dialer
	limiter *rate.Limiter
	log     logx.Logger
}

func NewEmailSender(cfg EmailConfig, log logx.Logger) (*EmailSender, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	var limiter *rate.Limiter
	if cfg.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), cfg.RatePerMinute)
	}
	return &EmailSender{
		cfg:     cfg,
		dialer:  gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		limiter: limiter,
		log:     log,
	}, nil
}

func (s *EmailSender) Channel() notification.Channel { return notification.ChannelEmail }

func (s *EmailSender) Send(ctx context.Context, item *notification.QueueItem) (string, error) {
	if item.RecipientEmail == "" {
		return "", errors.New("queue item has no recipient email")
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	messageID := fmt.Sprintf("<%s@notifyd>", uuid.NewString())
	m := gomail.NewMessage()
	if s.cfg.FromName != "" {
		m.SetHeader("From", m.FormatAddress(s.cfg.From, s.cfg.FromName))
	} else {
		m.SetHeader("From", s.cfg.From)
	}
	m.SetHeader("To", item.RecipientEmail)
	m.SetHeader("Subject", item.Subject)
	m.SetHeader("Message-ID", messageID)
	m.SetBody("text/plain", item.Body)
	if item.HTMLBody != "" {
		m.AddAlternative("text/html", item.HTMLBody)
	}

	// gomail has no context support, so run the dial in a goroutine and
	// race it against the deadline.
	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.dialer.DialAndSend(m) }()

	select {
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("smtp send: %w", err)
		}
	case <-sendCtx.Done():
		return "", fmt.Errorf("smtp send: %w", sendCtx.Err())
	}

	s.log.Debug("email sent",
		logx.String("to", item.RecipientEmail),
		logx.String("message_id", messageID))
	return messageID, nil
}
