package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/oauth2"

	"github.com/viva-health/screening/pkg/common/config"
)

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig is the relay used for outbound patient email.
type SMTPConfig struct {
	Host     string        `validate:"required,hostname_rfc1123"`
	Port     int           `validate:"required,min=1,max=65535"`
	From     string        `validate:"required,email"`
	FromName string        `validate:"omitempty,max=128"`
	UseTLS   bool
	Timeout  time.Duration `validate:"gte=0"`
}

// SMTPConfigFrom maps the service configuration to relay settings.
func SMTPConfigFrom(cfg *config.Config) SMTPConfig {
	return SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
		UseTLS:   cfg.SMTPUseTLS,
		Timeout:  cfg.SMTPTimeout,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// SMTPSender delivers messages over SMTP with optional STARTTLS.
type SMTPSender struct {
	cfg  SMTPConfig
	auth smtp.Auth
	now  func() time.Time
}

// NewSMTPSender checks the relay settings. auth may be nil for relays that
// accept unauthenticated mail.
func NewSMTPSender(cfg SMTPConfig, auth smtp.Auth) (*SMTPSender, error) {
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid smtp config: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPSender{cfg: cfg, auth: auth, now: time.Now}, nil
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return errors.New("message has no recipient")
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	dialer := &net.Dialer{Timeout: s.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.Timeout))
	}

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	if s.cfg.UseTLS {
		tlsConfig := &tls.Config{
			ServerName: s.cfg.Host,
			MinVersion: tls.VersionTLS12,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	}
	if s.auth != nil {
		if err := client.Auth(s.auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	if err := client.Mail(s.cfg.From); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	if err := client.Rcpt(msg.To); err != nil {
		return fmt.Errorf("failed to set recipient: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to start message: %w", err)
	}
	if _, err := w.Write(msg.Encode(s.cfg.From, s.cfg.FromName, s.now())); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close message: %w", err)
	}
	// The message is accepted once DATA closes.
	_ = client.Quit()
	return nil
}

// xoauth2Auth implements the XOAUTH2 SASL mechanism used by Gmail and
// Outlook relays.
type xoauth2Auth struct {
	user   string
	tokens oauth2.TokenSource
}

// XOAuth2Auth authenticates user with access tokens from ts.
func XOAuth2Auth(user string, ts oauth2.TokenSource) smtp.Auth {
	return &xoauth2Auth{user: user, tokens: ts}
}

func (a *xoauth2Auth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	if !server.TLS {
		return "", nil, errors.New("xoauth2 requires an encrypted connection")
	}
	token, err := a.tokens.Token()
	if err != nil {
		return "", nil, fmt.Errorf("fetch oauth2 token: %w", err)
	}
	return "XOAUTH2", []byte("user=" + a.user + "\x01auth=Bearer " + token.AccessToken + "\x01\x01"), nil
}

// Next answers the server's JSON error challenge with an empty response so
// the server can finish with its failure status.
func (a *xoauth2Auth) Next(fromServer []byte, more bool) ([]byte, error) {
	if more {
		return []byte{}, nil
	}
	return nil, nil
}

// RefreshTokenSource exchanges a long-lived refresh token for access tokens.
func RefreshTokenSource(ctx context.Context, clientID, clientSecret, refreshToken, tokenURL string) oauth2.TokenSource {
	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
	}
	return conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
}

// AuthFrom picks XOAUTH2 when a refresh token is configured, PLAIN when a
// password is, and no authentication otherwise.
func AuthFrom(ctx context.Context, cfg *config.Config) smtp.Auth {
	switch {
	case cfg.OAuthRefresh != "":
		ts := RefreshTokenSource(ctx, cfg.OAuthClientID, cfg.OAuthSecret, cfg.OAuthRefresh, cfg.OAuthTokenURL)
		return XOAuth2Auth(cfg.SMTPUser, ts)
	case cfg.SMTPUser != "" && cfg.SMTPPassword != "":
		return smtp.PlainAuth("", cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPHost)
	default:
		return nil
	}
}
