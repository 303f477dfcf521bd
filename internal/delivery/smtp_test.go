package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/email-dispatch-service/internal/config"
	"github.com/example/email-dispatch-service/internal/models"
)

func smtpConfig() config.SMTPConfig {
	return config.SMTPConfig{
		Host: "smtp.example.com",
		Port: 587,
		User: "worker",
		Pass: "secret",
		From: "noreply@example.com",
	}
}

func TestNewSMTPSenderValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.SMTPConfig)
	}{
		{"missing host", func(c *config.SMTPConfig) { c.Host = "" }},
		{"zero port", func(c *config.SMTPConfig) { c.Port = 0 }},
		{"port out of range", func(c *config.SMTPConfig) { c.Port = 70000 }},
		{"missing from", func(c *config.SMTPConfig) { c.From = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := smtpConfig()
			tc.mutate(&cfg)
			if _, err := NewSMTPSender(cfg, zerolog.Nop()); err == nil {
				t.Error("expected constructor error")
			}
		})
	}

	if _, err := NewSMTPSender(smtpConfig(), zerolog.Nop()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestSendRejectsInvalidRecipientWithoutDialing(t *testing.T) {
	sender, err := NewSMTPSender(smtpConfig(), zerolog.Nop(),
		WithClock(func() time.Time { return testDate }))
	if err != nil {
		t.Fatalf("NewSMTPSender: %v", err)
	}

	rec := &models.EmailRecord{Address: "not an address", Subject: "s", Message: "m"}
	sendErr := sender.Send(context.Background(), rec)
	if !errors.Is(sendErr, ErrPermanent) {
		t.Fatalf("Send error = %v, want permanent", sendErr)
	}
}

func TestSendNilRecordIsPermanent(t *testing.T) {
	sender, err := NewSMTPSender(smtpConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSMTPSender: %v", err)
	}
	if sendErr := sender.Send(context.Background(), nil); !errors.Is(sendErr, ErrPermanent) {
		t.Fatalf("Send(nil) = %v, want permanent", sendErr)
	}
}

func TestSendPropagatesCancelledContext(t *testing.T) {
	sender, err := NewSMTPSender(smtpConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSMTPSender: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := &models.EmailRecord{Address: "user@example.com", Subject: "s", Message: "m"}
	sendErr := sender.Send(ctx, rec)
	if !errors.Is(sendErr, context.Canceled) {
		t.Fatalf("Send = %v, want context.Canceled", sendErr)
	}
}
