// Package modem drives a cellular modem over its AT-command serial port.
package modem

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"
)

// ErrCommandFailed is returned when the modem answers with an ERROR token.
var ErrCommandFailed = errors.New("modem command failed")

const (
	ctrlZ = "\x1a"

	defaultBaud      = 115200
	defaultSettle    = time.Second
	defaultReadLimit = time.Second
)

// initSequence brings up the SIM, signal, registration and the data context.
var initSequence = []string{
	"AT",
	"AT+CPIN?",
	"AT+CSQ",
	"AT+CREG?",
	"AT+CGACT=1,1",
}

// Port is the subset of serial.Port the modem needs.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

type Option func(*Modem)

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Modem) {
		m.logger = logger
	}
}

// WithSettle sets how long to wait after a write before reading the reply.
func WithSettle(d time.Duration) Option {
	return func(m *Modem) {
		m.settle = d
	}
}

// Modem serialises AT sessions on one port; notifications from the ingest
// loop and the health supervisor may race for it.
type Modem struct {
	mu     sync.Mutex
	port   Port
	settle time.Duration
	sleep  func(time.Duration)
	logger zerolog.Logger
}

// Open opens the serial device at the given baud rate (0 means 115200).
func Open(device string, baud int, opts ...Option) (*Modem, error) {
	if baud <= 0 {
		baud = defaultBaud
	}
	p, err := serial.Open(device, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", device, err)
	}
	if err := p.SetReadTimeout(defaultReadLimit); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	return New(p, opts...), nil
}

func New(port Port, opts ...Option) *Modem {
	m := &Modem{
		port:   port,
		settle: defaultSettle,
		sleep:  time.Sleep,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Init runs the bring-up sequence. Responses are logged; the first ERROR aborts.
func (m *Modem) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cmd := range initSequence {
		resp, err := m.exchange(cmd + "\r\n")
		m.logger.Info().Str("cmd", cmd).Str("response", strings.TrimSpace(resp)).Msg("modem response")
		if err != nil {
			return fmt.Errorf("%s: %w", cmd, err)
		}
	}
	return nil
}

// SendSMS sends message to recipient in text mode: mode set, address, then the
// payload terminated by Ctrl-Z.
func (m *Modem) SendSMS(recipient, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmds := []string{
		"AT+CMGF=1\r",
		fmt.Sprintf("AT+CMGS=\"%s\"\r", recipient),
		message + ctrlZ,
	}
	for i, cmd := range cmds {
		if _, err := m.exchange(cmd); err != nil {
			return fmt.Errorf("sms step %d: %w", i+1, err)
		}
	}
	return nil
}

func (m *Modem) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.port.Close()
}

// exchange writes raw and returns whatever the modem sent back within the
// read timeout.
func (m *Modem) exchange(raw string) (string, error) {
	if _, err := m.port.Write([]byte(raw)); err != nil {
		return "", fmt.Errorf("write: %w", err)
	}
	m.sleep(m.settle)

	resp, err := m.drain()
	if err != nil {
		return resp, fmt.Errorf("read: %w", err)
	}
	if strings.Contains(resp, "ERROR") {
		return resp, fmt.Errorf("%w: %s", ErrCommandFailed, strings.TrimSpace(resp))
	}
	return resp, nil
}

func (m *Modem) drain() (string, error) {
	var sb strings.Builder
	buf := make([]byte, 256)
	for {
		n, err := m.port.Read(buf)
		sb.Write(buf[:n])
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), err
		}
		// serial reads return 0 once the read timeout passes with no data
		if n == 0 {
			return sb.String(), nil
		}
	}
}
