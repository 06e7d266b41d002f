package serial

import (
	"net"
	"time"

	"github.com/pkg/errors"
)

// TCPPort is a bridge reached over the network, for example a controller
// served with "nrfboot serve --listen".
type TCPPort struct {
	conn net.Conn
	addr string
}

// DialTCP connects to addr.
func DialTCP(addr string, timeout time.Duration) (*TCPPort, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to %s", addr)
	}
	return &TCPPort{conn: conn, addr: addr}, nil
}

// Close closes the connection.
func (p *TCPPort) Close() error {
	return p.conn.Close()
}

// Write writes data to the connection.
func (p *TCPPort) Write(data []byte) (int, error) {
	return p.conn.Write(data)
}

// ReadWithTimeout reads what arrives within timeout. An expired timeout
// returns 0, nil like a serial port.
func (p *TCPPort) ReadWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	if err := p.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	n, err := p.conn.Read(buf)
	if isTimeout(err) {
		return n, nil
	}
	return n, err
}

// Flush discards input that is already waiting.
func (p *TCPPort) Flush() error {
	buf := make([]byte, 256)
	for {
		n, err := p.ReadWithTimeout(buf, time.Millisecond)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// PortName returns the remote address.
func (p *TCPPort) PortName() string {
	return p.addr
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
