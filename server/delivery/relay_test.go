package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allgood/pigeonhole/config"
	"github.com/allgood/pigeonhole/consts"
	"github.com/allgood/pigeonhole/pkg/circuitbreaker"
)

type capturedMessage struct {
	from string
	to   []string
	data []byte
}

type captureBackend struct {
	mu      sync.Mutex
	msgs    []capturedMessage
	rcptErr error
}

func (b *captureBackend) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &captureSession{b: b}, nil
}

func (b *captureBackend) rejectRcpt(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rcptErr = err
}

func (b *captureBackend) messages() []capturedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]capturedMessage(nil), b.msgs...)
}

type captureSession struct {
	b    *captureBackend
	from string
	to   []string
}

func (s *captureSession) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *captureSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.b.mu.Lock()
	err := s.b.rcptErr
	s.b.mu.Unlock()
	if err != nil {
		return err
	}
	s.to = append(s.to, to)
	return nil
}

func (s *captureSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.msgs = append(s.b.msgs, capturedMessage{from: s.from, to: s.to, data: data})
	return nil
}

func (s *captureSession) Reset()        { s.from, s.to = "", nil }
func (s *captureSession) Logout() error { return nil }

func startSMTPServer(t *testing.T) (*captureBackend, string) {
	t.Helper()
	be := &captureBackend{}
	srv := smtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return be, ln.Addr().String()
}

func TestNewRelayHandlerFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.RelayConfig
		wantNil bool
		wantErr bool
	}{
		{name: "unconfigured", cfg: config.RelayConfig{}, wantNil: true},
		{name: "smtp", cfg: config.RelayConfig{Type: "smtp", SMTPHost: "smtp.example.com:587", SMTPUseStartTLS: true, Timeout: "10s"}},
		{name: "missing host", cfg: config.RelayConfig{Type: "smtp"}, wantErr: true},
		{name: "unsupported type", cfg: config.RelayConfig{Type: "http"}, wantErr: true},
		{name: "bad timeout", cfg: config.RelayConfig{Type: "smtp", SMTPHost: "h:25", Timeout: "soon"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := NewRelayHandlerFromConfig(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, h)
				return
			}
			smtpHandler, ok := h.(*SMTPRelayHandler)
			require.True(t, ok)
			assert.Equal(t, tt.cfg.SMTPHost, smtpHandler.SMTPHost)
			assert.True(t, smtpHandler.UseStartTLS)
			assert.Equal(t, 10*time.Second, smtpHandler.Timeout)
		})
	}
}

func TestIsPermanentError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"5xx", &smtp.SMTPError{Code: 550, Message: "no such user"}, true},
		{"4xx", &smtp.SMTPError{Code: 451, Message: "try later"}, false},
		{"wrapped 5xx", fmt.Errorf("rcpt: %w", &smtp.SMTPError{Code: 554}), true},
		{"relay error", &RelayError{Err: errors.New("cert"), Permanent: true}, true},
		{"network", errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPermanentError(tt.err))
		})
	}
}

func TestRelayErrorMessage(t *testing.T) {
	inner := errors.New("boom")
	perm := &RelayError{Err: inner, Permanent: true}
	assert.Equal(t, "permanent failure: boom", perm.Error())
	assert.ErrorIs(t, perm, inner)
	assert.Equal(t, "temporary failure: boom", (&RelayError{Err: inner}).Error())
}

func TestSMTPRelayHandlerDelivers(t *testing.T) {
	be, addr := startSMTPServer(t)
	h := &SMTPRelayHandler{SMTPHost: addr, Hostname: "mx.example.com", Timeout: 5 * time.Second}

	msg := []byte("Subject: hi\r\n\r\nbody\r\n")
	require.NoError(t, h.SendToExternalRelay(context.Background(), "sender@example.com", "target@example.net", msg))
	require.NoError(t, h.SendToExternalRelay(context.Background(), "", "bounce@example.net", msg))

	msgs := be.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "sender@example.com", msgs[0].from)
	assert.Equal(t, []string{"target@example.net"}, msgs[0].to)
	assert.Equal(t, string(msg), string(msgs[0].data))
	assert.Equal(t, "", msgs[1].from)
}

func TestSMTPRelayHandlerClassifiesRejections(t *testing.T) {
	be, addr := startSMTPServer(t)
	h := &SMTPRelayHandler{SMTPHost: addr, Timeout: 5 * time.Second}

	be.rejectRcpt(&smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no such user"})
	err := h.SendToExternalRelay(context.Background(), "a@example.com", "nobody@example.net", []byte("x\r\n"))
	require.Error(t, err)
	assert.True(t, IsPermanentError(err))

	be.rejectRcpt(&smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "later"})
	err = h.SendToExternalRelay(context.Background(), "a@example.com", "busy@example.net", []byte("x\r\n"))
	require.Error(t, err)
	assert.False(t, IsPermanentError(err))
}

func TestSMTPRelayHandlerConnectionFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	h := &SMTPRelayHandler{SMTPHost: addr, Timeout: time.Second}
	err = h.SendToExternalRelay(context.Background(), "a@example.com", "b@example.net", []byte("x"))
	require.Error(t, err)
	assert.False(t, IsPermanentError(err))

	err = (&SMTPRelayHandler{}).SendToExternalRelay(context.Background(), "a", "b", nil)
	assert.ErrorIs(t, err, consts.ErrRelayNotConfigured)

	err = (&SMTPRelayHandler{SMTPHost: "no-port"}).SendToExternalRelay(context.Background(), "a", "b", nil)
	assert.True(t, IsPermanentError(err))
}

func TestSMTPRelayHandlerBreaker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	h, err := NewRelayHandlerFromConfig(config.RelayConfig{Type: "smtp", SMTPHost: addr, Timeout: "1s"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		err := h.SendToExternalRelay(context.Background(), "a@example.com", "b@example.net", []byte("x"))
		require.Error(t, err)
		assert.NotErrorIs(t, err, circuitbreaker.ErrOpen)
	}

	err = h.SendToExternalRelay(context.Background(), "a@example.com", "b@example.net", []byte("x"))
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.False(t, IsPermanentError(err))
}

func TestSMTPRelayHandlerBreakerIgnoresRejections(t *testing.T) {
	be, addr := startSMTPServer(t)
	h, err := NewRelayHandlerFromConfig(config.RelayConfig{Type: "smtp", SMTPHost: addr, Timeout: "5s"})
	require.NoError(t, err)

	be.rejectRcpt(&smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no such user"})
	for i := 0; i < 6; i++ {
		err := h.SendToExternalRelay(context.Background(), "a@example.com", "nobody@example.net", []byte("x\r\n"))
		require.Error(t, err)
		assert.True(t, IsPermanentError(err))
	}

	be.rejectRcpt(nil)
	require.NoError(t, h.SendToExternalRelay(context.Background(), "a@example.com", "ok@example.net", []byte("x\r\n")))
}
