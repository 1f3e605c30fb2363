package services

import (
	"context"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"

	"natforward/internal/models"

	"github.com/rs/zerolog"
)

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPNotifier mails connection details to the service owner.
type SMTPNotifier struct {
	addr     string
	host     string
	auth     smtp.Auth
	from     string
	sendMail sendMailFunc
	log      zerolog.Logger
}

func NewSMTPNotifier(host string, port int, username, password, from string, log zerolog.Logger) *SMTPNotifier {
	n := &SMTPNotifier{
		addr:     net.JoinHostPort(host, strconv.Itoa(port)),
		host:     host,
		from:     from,
		sendMail: smtp.SendMail,
		log:      log,
	}
	if username != "" {
		n.auth = smtp.PlainAuth("", username, password, host)
	}
	return n
}

func (n *SMTPNotifier) SendConnectionDetails(ctx context.Context, ownerID uint, d models.ConnectionDetails) error {
	if d.OwnerEmail == "" {
		return fmt.Errorf("owner %d has no email address", ownerID)
	}
	if _, err := mail.ParseAddress(d.OwnerEmail); err != nil || strings.ContainsAny(d.OwnerEmail, "\r\n") {
		return fmt.Errorf("owner %d: invalid email address %q", ownerID, d.OwnerEmail)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := connectionMessage(n.from, d)
	if err := n.sendMail(n.addr, n.auth, n.from, []string{d.OwnerEmail}, msg); err != nil {
		return fmt.Errorf("send mail to %s: %w", d.OwnerEmail, err)
	}
	n.log.Info().Uint("service_id", d.ServiceID).Str("to", d.OwnerEmail).Msg("Connection details mailed")
	return nil
}

func connectionMessage(from string, d models.ConnectionDetails) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", headerValue(from))
	fmt.Fprintf(&b, "To: %s\r\n", headerValue(d.OwnerEmail))
	fmt.Fprintf(&b, "Subject: NAT VPS connection details - %s\r\n", headerValue(d.Domain))
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&b, "Your NAT VPS %s is reachable through port forwarding.\r\n\r\n", d.Domain)
	fmt.Fprintf(&b, "Public IP: %s\r\n", d.PublicIP)
	fmt.Fprintf(&b, "Public port: %d\r\n", d.PublicPort)
	fmt.Fprintf(&b, "Internal address: %s:%d\r\n", d.PrivateIP, d.PrivatePort)
	fmt.Fprintf(&b, "Username: %s\r\n", d.Username)
	if d.Password != "" {
		fmt.Fprintf(&b, "Password: %s\r\n", d.Password)
	}
	fmt.Fprintf(&b, "\r\nConnect with: ssh %s@%s -p %d\r\n", d.Username, d.PublicIP, d.PublicPort)
	return []byte(b.String())
}

// headerValue keeps a value on a single header line.
func headerValue(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return -1
		}
		return r
	}, s)
}

// LogNotifier only logs; used when no mail server is configured.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) SendConnectionDetails(_ context.Context, ownerID uint, d models.ConnectionDetails) error {
	n.log.Info().
		Uint("owner_id", ownerID).
		Uint("service_id", d.ServiceID).
		Str("public_ip", d.PublicIP).
		Int("public_port", d.PublicPort).
		Msg("Connection details ready, mail delivery disabled")
	return nil
}
