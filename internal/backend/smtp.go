package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"

	"lottonotify/internal/model"
)

// SMTPBackend is the fallback provider: a plain authenticated SMTP
// submission. It is unmetered by the daily quota.
type SMTPBackend struct {
	host       string
	port       int
	username   string
	password   string
	sender     string
	senderName string
	timeout    time.Duration
	logger     *zap.Logger

	// sendMail is swapped in tests
	sendMail func(addr string, a smtp.Auth, from string, to []string, body []byte) error
}

type SMTPConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	SenderEmail string
	SenderName  string
	SendTimeout time.Duration
}

func NewSMTPBackend(cfg SMTPConfig, logger *zap.Logger) *SMTPBackend {
	timeout := cfg.SendTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &SMTPBackend{
		host:       cfg.Host,
		port:       cfg.Port,
		username:   cfg.Username,
		password:   cfg.Password,
		sender:     cfg.SenderEmail,
		senderName: cfg.SenderName,
		timeout:    timeout,
		logger:     logger,
		sendMail:   smtp.SendMail,
	}
}

func (b *SMTPBackend) Name() string { return "fallback" }

func (b *SMTPBackend) Send(ctx context.Context, msg *model.Message) error {
	addr := fmt.Sprintf("%s:%d", b.host, b.port)
	auth := smtp.PlainAuth("", b.username, b.password, b.host)

	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s <%s>\r\n", b.senderName, b.sender)
	fmt.Fprintf(&sb, "To: %s\r\n", msg.Recipient)
	fmt.Fprintf(&sb, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&sb, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(msg.Body)

	done := make(chan error, 1)
	go func() {
		done <- b.sendMail(addr, auth, b.sender, []string{msg.Recipient}, []byte(sb.String()))
	}()

	// smtp.SendMail has no context support; bound it ourselves
	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-done:
	case <-timer.C:
		return RetriableError("smtp_timeout", fmt.Errorf("smtp send to %s timed out after %s", addr, b.timeout))
	case <-ctx.Done():
		return RetriableError("smtp_timeout", ctx.Err())
	}

	if err == nil {
		return nil
	}

	b.logger.Warn("SMTP send failed",
		zap.String("message_id", msg.ID),
		zap.String("smtp_addr", addr),
		zap.Error(err),
	)
	return classifySMTPError(err)
}

func classifySMTPError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return RetriableError("smtp_timeout", err)
	}

	errStr := err.Error()
	switch {
	case strings.HasPrefix(errStr, "535") || strings.Contains(errStr, "authentication failed"):
		return FatalError("smtp_auth_failed", err)
	case strings.HasPrefix(errStr, "550") || strings.HasPrefix(errStr, "553"):
		// mailbox unavailable / bad recipient — permanent for this message
		return PermanentError("recipient_rejected", err)
	case strings.HasPrefix(errStr, "4"):
		// 4xx SMTP codes are transient by definition
		return RetriableError("smtp_transient", err)
	default:
		return RetriableError("smtp_error", err)
	}
}
