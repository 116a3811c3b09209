package imapsmtp

import (
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/require"
)

type capturedMail struct {
	from string
	to   []string
	raw  []byte
}

// loopbackSMTP is an in-process SMTP server that records what it receives.
type loopbackSMTP struct {
	username string
	password string

	mu   sync.Mutex
	mail []capturedMail
	// rejectRcpt is refused with a permanent 550 at RCPT TO.
	rejectRcpt string

	host string
	port int
}

func startLoopbackSMTP(t *testing.T, username, password string) *loopbackSMTP {
	t.Helper()
	l := &loopbackSMTP{username: username, password: password}

	server := smtp.NewServer(l)
	server.Domain = "loopback.test"
	server.AllowInsecureAuth = true
	server.ReadTimeout = 10 * time.Second
	server.WriteTimeout = 10 * time.Second
	server.MaxMessageBytes = 30 << 20

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = server.Serve(ln) }()
	t.Cleanup(func() { _ = server.Close() })

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	l.host = host
	l.port, err = strconv.Atoi(port)
	require.NoError(t, err)
	return l
}

func (l *loopbackSMTP) refuse(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rejectRcpt = addr
}

func (l *loopbackSMTP) refuses(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rejectRcpt != "" && addr == l.rejectRcpt
}

func (l *loopbackSMTP) received() []capturedMail {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]capturedMail(nil), l.mail...)
}

func (l *loopbackSMTP) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &loopbackSession{server: l}, nil
}

type loopbackSession struct {
	server        *loopbackSMTP
	authenticated bool
	from          string
	to            []string
}

func (s *loopbackSession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *loopbackSession) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, errors.New("unsupported mechanism")
	}
	return sasl.NewPlainServer(func(_, username, password string) error {
		if username != s.server.username || password != s.server.password {
			return &smtp.SMTPError{Code: 535, EnhancedCode: smtp.EnhancedCode{5, 7, 8}, Message: "invalid credentials"}
		}
		s.authenticated = true
		return nil
	}), nil
}

func (s *loopbackSession) Mail(from string, _ *smtp.MailOptions) error {
	if !s.authenticated {
		return smtp.ErrAuthRequired
	}
	s.from = from
	return nil
}

func (s *loopbackSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.server.refuses(to) {
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no such user"}
	}
	s.to = append(s.to, to)
	return nil
}

func (s *loopbackSession) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	s.server.mail = append(s.server.mail, capturedMail{from: s.from, to: s.to, raw: raw})
	return nil
}

func (s *loopbackSession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *loopbackSession) Logout() error { return nil }
