package mail

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewSMTPMailerValidation(t *testing.T) {
	_, err := NewSMTPMailer(SMTPSettings{Enabled: true})
	require.Error(t, err)

	_, err = NewSMTPMailer(SMTPSettings{Enabled: true, Host: "mail.example.com"})
	require.Error(t, err)

	_, err = NewSMTPMailer(SMTPSettings{Enabled: true, Host: "mail.example.com", Port: 587, From: "not an address"})
	require.Error(t, err)

	m, err := NewSMTPMailer(SMTPSettings{Enabled: true, Host: "mail.example.com", Port: 587, From: "noreply@example.com"})
	require.NoError(t, err)
	require.NotNil(t, m)
}

func TestDisabledMailerReturnsSentinel(t *testing.T) {
	m, err := NewSMTPMailer(SMTPSettings{})
	require.NoError(t, err)

	err = m.Send(context.Background(), Message{To: "alice@example.com", Subject: "hi", Body: "hello"})
	require.ErrorIs(t, err, ErrSMTPDisabled)
}

func TestFormatMessage(t *testing.T) {
	raw := FormatMessage("noreply@example.com", "alice@example.com", "Reset your password\r\nBcc: evil@example.com", "body")

	require.Contains(t, raw, "From: noreply@example.com\r\n")
	require.Contains(t, raw, "Subject: Reset your password  Bcc: evil@example.com\r\n")
	require.NotContains(t, raw, "\nBcc:")
	require.Contains(t, raw, "charset=UTF-8")
}
