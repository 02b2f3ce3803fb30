package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/lsaristo/WmiConnector/pkg/log"
)

// A completion report received by the listener.
type Report struct {
	// The parsed message. Only valid if Err is nil.
	Message Message

	// Decoded text as received, for diagnostics.
	Payload string

	// Remote address of the reporting connection.
	Remote string

	// ErrMalformed or ErrTooLarge if the message could not be parsed.
	Err error
}

type ListenerConfig struct {
	// Address to listen on, e.g. ":8172".
	Address string

	// Maximum number of bytes read from one connection, sentinel included.
	MaxMessageSize int

	// Deadline for reading one message after the connection is accepted.
	ReadTimeout time.Duration
}

func (c *ListenerConfig) SetDefaults() {
	if c.Address == "" {
		c.Address = fmt.Sprintf(":%d", DefaultPort)
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 20 * time.Second
	}
}

// Listener accepts completion reports over TCP, one connection per report.
// Parsed reports are delivered on the Reports channel.
type Listener struct {
	sync.Mutex
	config   ListenerConfig
	listener net.Listener
	address  string
	closed   bool
	reports  chan Report
	listen   func(network, address string) (net.Listener, error)
}

func NewListener(config ListenerConfig) *Listener {
	config.SetDefaults()

	return &Listener{
		config:  config,
		reports: make(chan Report, 64),
		listen:  net.Listen,
	}
}

// Listen binds the listener socket.
func (l *Listener) Listen() error {
	l.Lock()
	defer l.Unlock()
	return l.bindNoLock(l.config.Address)
}

func (l *Listener) bindNoLock(address string) error {
	if l.closed {
		return net.ErrClosed
	}

	listener, err := l.listen("tcp", address)
	if err != nil {
		return err
	}

	l.listener = listener
	l.address = listener.Addr().String()
	log.Info("Listening for completion reports on", l.address)
	return nil
}

// Addr returns the bound address, or nil if the listener is not bound.
func (l *Listener) Addr() net.Addr {
	l.Lock()
	defer l.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Reports returns the channel on which received reports are delivered.
// The channel is closed when Serve returns.
func (l *Listener) Reports() <-chan Report {
	return l.reports
}

// Close stops the listener. Serve returns nil once the listener is closed.
func (l *Listener) Close() error {
	l.Lock()
	defer l.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}

func (l *Listener) isClosed() bool {
	l.Lock()
	defer l.Unlock()
	return l.closed
}

// Rebinds the listener on the address it was first bound to.
func (l *Listener) rebind() error {
	l.Lock()
	defer l.Unlock()

	if l.listener != nil {
		l.listener.Close()
	}

	address := l.address
	if address == "" {
		address = l.config.Address
	}
	return l.bindNoLock(address)
}

// Serve accepts connections until the listener is closed or the context
// is cancelled. An accept error triggers one attempt to rebind the socket.
// If the rebind fails, or accepting fails again before a connection has been
// handled, the error is returned.
func (l *Listener) Serve(ctx context.Context) error {
	defer close(l.reports)

	l.Lock()
	listener := l.listener
	l.Unlock()

	if listener == nil {
		return errors.New("listener not bound")
	}

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	rebound := false

	for {
		conn, err := listener.Accept()
		if err != nil {
			if l.isClosed() {
				return nil
			}

			if rebound {
				log.Error("accept - listener - err:", err)
				return fmt.Errorf("accept: %w", err)
			}

			log.Warn("accept - listener - err:", err, "(rebinding)")
			if err := l.rebind(); err != nil {
				if l.isClosed() {
					return nil
				}
				log.Error("rebind - listener - err:", err)
				return fmt.Errorf("rebind: %w", err)
			}

			l.Lock()
			listener = l.listener
			l.Unlock()

			rebound = true
			continue
		}

		rebound = false
		report, ok := l.handle(conn)
		if !ok {
			continue
		}

		select {
		case l.reports <- report:
		case <-ctx.Done():
			return nil
		}
	}
}

// Reads and parses one message. Returns false if the connection
// yielded nothing worth reporting.
func (l *Listener) handle(conn net.Conn) (Report, bool) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	report := Report{Remote: remote}

	payload, err := l.read(conn)
	switch {
	case errors.Is(err, ErrTooLarge):
		report.Err = err
		report.Payload, _ = Decode(payload)
		return report, true
	case errors.Is(err, ErrEmpty):
		log.Debug("read - report - remote:", remote, "empty message")
		return report, false
	case err != nil:
		log.Warn("read - report - remote:", remote, "err:", err)
		return report, false
	}

	text, err := Decode(payload)
	if err != nil {
		report.Err = err
		return report, true
	}

	report.Payload = text
	report.Message, err = Parse(text)
	if errors.Is(err, ErrEmpty) {
		log.Debug("read - report - remote:", remote, "empty message")
		return report, false
	}

	report.Err = err
	log.Debug("read - report - remote:", remote, "payload:", text)
	return report, true
}

// Reads until the sentinel has been received or the size limit is reached.
func (l *Listener) read(conn net.Conn) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(l.config.ReadTimeout)); err != nil {
		return nil, err
	}

	limit := l.config.MaxMessageSize
	payload := make([]byte, 0, limit)
	chunk := make([]byte, 256)

	for {
		n, err := conn.Read(chunk)
		payload = append(payload, chunk[:n]...)

		if end := sentinelEnd(payload); end >= 0 {
			if end > limit {
				return payload[:limit], ErrTooLarge
			}
			return payload[:end], nil
		}

		if len(payload) >= limit {
			return payload[:limit], ErrTooLarge
		}

		if err != nil {
			if errors.Is(err, io.EOF) && len(payload) == 0 {
				return nil, ErrEmpty
			}
			if errors.Is(err, io.EOF) {
				return payload, fmt.Errorf("partial message (%d bytes)", len(payload))
			}
			return payload, err
		}
	}
}
