package channel

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/1ureka/roverlink/internal/config"
)

// readBufferSize is large enough to see (and reject) oversized datagrams
// instead of silently truncating them.
const readBufferSize = 64 * 1024

type ioKind int

const (
	ioDatagram ioKind = iota
	ioStreamData
	ioStreamClosed
	ioAccepted
	ioDialed
)

// ioEvent is posted by socket goroutines to the Channel goroutine. gen ties
// it to the socket generation that produced it; events from a torn-down
// generation are discarded.
type ioEvent struct {
	kind ioKind
	gen  uint64
	data []byte
	from net.Addr
	conn net.Conn
	err  error
}

// post hands ev to the Channel goroutine, giving up once the generation
// that produced it is torn down.
func (c *Channel) post(done <-chan struct{}, ev ioEvent) bool {
	select {
	case c.events <- ev:
		return true
	case <-done:
		return false
	}
}

// readDatagrams pumps a UDP socket until it is closed.
func (c *Channel) readDatagrams(conn *net.UDPConn, gen uint64, done <-chan struct{}) {
	buf := make([]byte, readBufferSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-done:
				return
			default:
				// ICMP-induced errors on some platforms; the socket is still usable.
				continue
			}
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		if !c.post(done, ioEvent{kind: ioDatagram, gen: gen, data: data, from: from}) {
			return
		}
	}
}

// readStream pumps a TCP connection. It uses a blocking Read; teardown closes
// the connection to unblock it.
func (c *Channel) readStream(conn net.Conn, gen uint64, done <-chan struct{}) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !c.post(done, ioEvent{kind: ioStreamData, gen: gen, data: data}) {
				return
			}
		}
		if err != nil {
			c.post(done, ioEvent{kind: ioStreamClosed, gen: gen, err: err})
			return
		}
	}
}

// acceptStreams hands every inbound TCP connection to the Channel goroutine,
// which decides whether to keep it.
func (c *Channel) acceptStreams(l *net.TCPListener, gen uint64, done <-chan struct{}) {
	for {
		conn, err := l.AcceptTCP()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-done:
				return
			case <-time.After(c.cfg.Watchdog()):
				continue
			}
		}
		if !c.post(done, ioEvent{kind: ioAccepted, gen: gen, conn: conn}) {
			conn.Close()
			return
		}
	}
}

// dialStream connects to the server in the background and reports the result.
func (c *Channel) dialStream(d *net.Dialer, addr string, gen uint64, done <-chan struct{}) {
	conn, err := d.Dial("tcp", addr)
	if !c.post(done, ioEvent{kind: ioDialed, gen: gen, conn: conn, err: err}) && conn != nil {
		conn.Close()
	}
}

func (c *Channel) listenConfig() *net.ListenConfig {
	return &net.ListenConfig{Control: socketControl(c.cfg.LowDelay)}
}

func (c *Channel) dialer() *net.Dialer {
	local, _ := net.ResolveTCPAddr("tcp", c.cfg.BindHostPort())
	return &net.Dialer{
		Timeout:   c.cfg.TCPVerify(),
		LocalAddr: local,
		Control:   socketControl(c.cfg.LowDelay),
	}
}

// bind opens the sockets of a new generation: the UDP socket, or the TCP
// listener for a server. A TCP client dials from the watchdog instead.
func (c *Channel) bind() error {
	c.ioDone = make(chan struct{})
	gen, done := c.gen, c.ioDone
	addr := c.cfg.BindHostPort()

	switch c.cfg.Protocol {
	case config.ProtocolUDP:
		pc, err := c.listenConfig().ListenPacket(context.Background(), "udp", addr)
		if err != nil {
			return err
		}
		c.udp = pc.(*net.UDPConn)
		go c.readDatagrams(c.udp, gen, done)

	case config.ProtocolTCP:
		if c.cfg.Endpoint != config.EndpointServer {
			return nil
		}
		l, err := c.listenConfig().Listen(context.Background(), "tcp", addr)
		if err != nil {
			return err
		}
		c.listener = l.(*net.TCPListener)
		go c.acceptStreams(c.listener, gen, done)
	}
	return nil
}

// fatalBindError reports whether a bind failure cannot be fixed by retrying:
// the address is taken, not on this host, or not ours to use.
func fatalBindError(err error) bool {
	var addrErr *net.AddrError
	return errors.Is(err, syscall.EADDRINUSE) ||
		errors.Is(err, syscall.EADDRNOTAVAIL) ||
		errors.Is(err, syscall.EACCES) ||
		errors.As(err, &addrErr)
}

// teardown closes every socket of the current generation and invalidates
// its pending events.
func (c *Channel) teardown() {
	c.gen++
	if c.ioDone != nil {
		close(c.ioDone)
		c.ioDone = nil
	}

	var errs []error
	if c.stream != nil {
		errs = append(errs, c.stream.Close())
		c.stream = nil
	}
	if c.listener != nil {
		errs = append(errs, c.listener.Close())
		c.listener = nil
	}
	if c.udp != nil {
		errs = append(errs, c.udp.Close())
		c.udp = nil
	}
	c.dialing = false
	c.verified = false
	c.frames.Reset()

	if err := errors.Join(errs...); err != nil {
		c.log.Debugf("teardown: %v", err)
	}
}

func sameUDPAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
