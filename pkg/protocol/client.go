package protocol

import (
	"context"
	"net"
	"time"

	"github.com/lsaristo/WmiConnector/pkg/log"
)

// Reporter sends completion messages to a listener.
type Reporter struct {
	// Address of the listener, host:port.
	Address string

	// Bound on connecting and writing the message.
	Timeout time.Duration

	// Encode messages as UTF-16LE.
	UTF16 bool
}

// Send delivers one message. No acknowledgment is expected.
func (r *Reporter) Send(ctx context.Context, msg Message) error {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := Encode(msg, r.UTF16)
	if err != nil {
		return err
	}

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", r.Address)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}

	if _, err := conn.Write(payload); err != nil {
		return err
	}

	log.Debug("send - report - host:", msg.Host, "address:", r.Address)
	return nil
}
