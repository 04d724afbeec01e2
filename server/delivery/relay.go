package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/allgood/pigeonhole/config"
	"github.com/allgood/pigeonhole/consts"
	"github.com/allgood/pigeonhole/logger"
	"github.com/allgood/pigeonhole/pkg/circuitbreaker"
	"github.com/allgood/pigeonhole/pkg/metrics"
)

// RelayError wraps an error with information about whether it's permanent or temporary.
// Permanent errors (5xx SMTP codes) should not be retried.
// Temporary errors (4xx SMTP codes, network errors) can be retried.
type RelayError struct {
	Err       error
	Permanent bool
}

func (e *RelayError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// IsPermanentError reports whether err is a permanent relay failure.
// Network and connection errors are temporary.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Permanent
	}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}
	return false
}

// RelayHandler sends a message to one recipient through the outbound relay.
// An empty from is sent as the null reverse-path.
type RelayHandler interface {
	SendToExternalRelay(ctx context.Context, from string, to string, messageBytes []byte) error
}

// SMTPRelayHandler relays over SMTP with implicit TLS, STARTTLS or plain text.
type SMTPRelayHandler struct {
	SMTPHost    string
	UseTLS      bool
	TLSVerify   bool
	UseStartTLS bool
	Hostname    string
	Timeout     time.Duration

	// breaker, when set, fails sends fast after repeated temporary
	// failures. Permanent rejections do not count against it.
	breaker *circuitbreaker.Breaker
}

func newRelayBreaker(host string) *circuitbreaker.Breaker {
	metrics.RelayCircuitState.Set(float64(circuitbreaker.StateClosed))
	return circuitbreaker.New(circuitbreaker.Settings{
		Name:             "smtp-relay",
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanentError(err)
		},
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			metrics.RelayCircuitState.Set(float64(to))
			logger.Warn("Relay: circuit breaker changed state", "breaker", name, "host", host, "from", from.String(), "to", to.String())
		},
	})
}

// NewRelayHandlerFromConfig returns nil when no relay is configured.
func NewRelayHandlerFromConfig(cfg config.RelayConfig) (RelayHandler, error) {
	if !cfg.IsConfigured() {
		return nil, nil
	}
	if !cfg.IsSMTP() {
		return nil, fmt.Errorf("unsupported relay type %q", cfg.Type)
	}
	if cfg.SMTPHost == "" {
		return nil, fmt.Errorf("relay smtp_host is required")
	}
	timeout, err := cfg.GetTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid relay timeout: %w", err)
	}
	return &SMTPRelayHandler{
		SMTPHost:    cfg.SMTPHost,
		UseTLS:      cfg.SMTPTLS || cfg.SMTPUseStartTLS,
		TLSVerify:   cfg.SMTPTLSVerify,
		UseStartTLS: cfg.SMTPUseStartTLS,
		Hostname:    cfg.Hostname,
		Timeout:     timeout,
		breaker:     newRelayBreaker(cfg.SMTPHost),
	}, nil
}

func (r *SMTPRelayHandler) dial(ctx context.Context) (*smtp.Client, error) {
	host, _, err := net.SplitHostPort(r.SMTPHost)
	if err != nil {
		return nil, &RelayError{Err: fmt.Errorf("invalid relay address %q: %w", r.SMTPHost, err), Permanent: true}
	}
	tlsConfig := &tls.Config{
		ServerName:         host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !r.TLSVerify,
	}

	d := &net.Dialer{Timeout: r.Timeout}
	conn, err := d.DialContext(ctx, "tcp", r.SMTPHost)
	if err != nil {
		return nil, &RelayError{Err: fmt.Errorf("failed to connect to SMTP relay: %w", err)}
	}

	var c *smtp.Client
	switch {
	case r.UseStartTLS:
		c, err = smtp.NewClientStartTLS(conn, tlsConfig)
	case r.UseTLS:
		c = smtp.NewClient(tls.Client(conn, tlsConfig))
	default:
		c = smtp.NewClient(conn)
	}
	if err != nil {
		conn.Close()
		return nil, &RelayError{Err: fmt.Errorf("failed to start TLS with SMTP relay: %w", err)}
	}
	if r.Timeout > 0 {
		c.CommandTimeout = r.Timeout
		c.SubmissionTimeout = r.Timeout
	}
	if r.Hostname != "" {
		if err := c.Hello(r.Hostname); err != nil {
			c.Close()
			return nil, &RelayError{Err: fmt.Errorf("HELO rejected: %w", err), Permanent: IsPermanentError(err)}
		}
	}
	return c, nil
}

func (r *SMTPRelayHandler) SendToExternalRelay(ctx context.Context, from string, to string, messageBytes []byte) error {
	if r.SMTPHost == "" {
		return consts.ErrRelayNotConfigured
	}
	if r.breaker == nil {
		return r.send(ctx, from, to, messageBytes)
	}
	err := r.breaker.Do(func() error {
		return r.send(ctx, from, to, messageBytes)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return &RelayError{Err: err}
	}
	return err
}

func (r *SMTPRelayHandler) send(ctx context.Context, from string, to string, messageBytes []byte) error {
	c, err := r.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Mail(from, nil); err != nil {
		return &RelayError{Err: fmt.Errorf("failed to set sender: %w", err), Permanent: IsPermanentError(err)}
	}
	if err := c.Rcpt(to, nil); err != nil {
		return &RelayError{Err: fmt.Errorf("failed to set recipient: %w", err), Permanent: IsPermanentError(err)}
	}
	wc, err := c.Data()
	if err != nil {
		return &RelayError{Err: fmt.Errorf("failed to start data: %w", err), Permanent: IsPermanentError(err)}
	}
	if _, err := wc.Write(messageBytes); err != nil {
		_ = wc.Close()
		return &RelayError{Err: fmt.Errorf("failed to write message: %w", err)}
	}
	if err := wc.Close(); err != nil {
		return &RelayError{Err: fmt.Errorf("failed to close data writer: %w", err), Permanent: IsPermanentError(err)}
	}

	// The message is accepted at this point.
	if err := c.Quit(); err != nil {
		logger.Warn("Relay: failed to send QUIT", "host", r.SMTPHost, "error", err)
	}
	return nil
}
