package ssdp

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/net/ipv4"

	"github.com/mash-protocol/upnp-go/pkg/log"
)

// Listener errors.
var (
	ErrAlreadyRunning     = errors.New("ssdp: listener already running")
	ErrNotRunning         = errors.New("ssdp: listener not running")
	ErrNoMulticastIface   = errors.New("ssdp: no interface joined the multicast group")
	ErrInvalidListenerCfg = errors.New("ssdp: invalid listener configuration")
)

// Handler receives every well-formed header, in arrival order per socket.
type Handler func(from net.Addr, h *Header)

// Config configures a Listener.
type Config struct {
	// ListenAddress is the local address of the multicast socket.
	ListenAddress string

	// JoinMulticast joins the SSDP group on the multicast socket.
	// Disable it to receive plain unicast datagrams (tests, bridges).
	JoinMulticast bool

	// Interfaces restricts group membership. Nil means every interface
	// that is up and multicast capable.
	Interfaces []net.Interface

	// SearchAddress is the local address of the socket M-SEARCH requests
	// are sent from; responses arrive there.
	SearchAddress string

	// SearchDestination is where M-SEARCH requests are sent.
	SearchDestination string

	// MulticastTTL limits how far M-SEARCH requests travel.
	MulticastTTL int

	// ReadBufferSize is the largest datagram accepted.
	ReadBufferSize int

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger

	// ProtocolLogger receives a trace event per datagram.
	ProtocolLogger log.Logger
}

// DefaultConfig returns the standard SSDP listener configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddress:     fmt.Sprintf("0.0.0.0:%d", Port),
		JoinMulticast:     true,
		SearchAddress:     "0.0.0.0:0",
		SearchDestination: MulticastHostPort,
		MulticastTTL:      2,
		ReadBufferSize:    8192,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ListenAddress == "" || c.SearchAddress == "" || c.SearchDestination == "" {
		return fmt.Errorf("%w: addresses must be set", ErrInvalidListenerCfg)
	}
	if c.ReadBufferSize < 512 {
		return fmt.Errorf("%w: read buffer %d too small", ErrInvalidListenerCfg, c.ReadBufferSize)
	}
	return nil
}

// Listener receives SSDP datagrams and sends searches.
type Listener struct {
	config Config
	logger *slog.Logger
	trace  log.Logger

	mu         sync.Mutex
	conn       net.PacketConn
	searchConn net.PacketConn

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewListener creates a stopped listener.
func NewListener(config Config) *Listener {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Listener{
		config: config,
		logger: logger,
		trace:  log.Or(config.ProtocolLogger),
	}
}

// Start opens the sockets and begins delivering headers to handler.
// A stopped listener can be started again.
func (l *Listener) Start(handler Handler) error {
	if err := l.config.Validate(); err != nil {
		return err
	}
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	conn, err := l.openMulticast()
	if err != nil {
		l.running.Store(false)
		return err
	}
	searchConn, err := l.openSearch()
	if err != nil {
		conn.Close()
		l.running.Store(false)
		return err
	}

	l.mu.Lock()
	l.conn = conn
	l.searchConn = searchConn
	l.mu.Unlock()

	l.wg.Add(2)
	go l.readLoop(conn, handler)
	go l.readLoop(searchConn, handler)

	l.logger.Debug("ssdp listener started",
		"listen", conn.LocalAddr().String(),
		"search", searchConn.LocalAddr().String())
	return nil
}

// Stop closes the sockets and waits for the receive loops to exit.
func (l *Listener) Stop() error {
	if !l.running.CompareAndSwap(true, false) {
		return ErrNotRunning
	}

	l.mu.Lock()
	conn, searchConn := l.conn, l.searchConn
	l.conn, l.searchConn = nil, nil
	l.mu.Unlock()

	err := errors.Join(conn.Close(), searchConn.Close())
	l.wg.Wait()
	l.logger.Debug("ssdp listener stopped")
	return err
}

// IsRunning reports whether the listener is started.
func (l *Listener) IsRunning() bool {
	return l.running.Load()
}

// LocalAddr returns the multicast socket address, or nil when stopped.
func (l *Listener) LocalAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// SearchAddr returns the search socket address, or nil when stopped.
func (l *Listener) SearchAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.searchConn == nil {
		return nil
	}
	return l.searchConn.LocalAddr()
}

// Search sends an M-SEARCH for st. Responses reach the handler given to
// Start.
func (l *Listener) Search(st string, mx int) error {
	l.mu.Lock()
	conn := l.searchConn
	l.mu.Unlock()
	if conn == nil {
		return ErrNotRunning
	}

	dst, err := net.ResolveUDPAddr("udp4", l.config.SearchDestination)
	if err != nil {
		return fmt.Errorf("ssdp: resolve search destination: %w", err)
	}

	msg := NewSearchRequest(st, mx).Bytes()
	if _, err := conn.WriteTo(msg, dst); err != nil {
		return fmt.Errorf("ssdp: send m-search: %w", err)
	}
	l.trace.Log(log.NewDatagramEvent(log.DirectionOut, dst.String(), msg))
	return nil
}

func (l *Listener) openMulticast() (net.PacketConn, error) {
	conn, err := net.ListenPacket("udp4", l.config.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("ssdp: listen %s: %w", l.config.ListenAddress, err)
	}
	if !l.config.JoinMulticast {
		return conn, nil
	}

	ifaces := l.config.Interfaces
	if ifaces == nil {
		all, err := net.Interfaces()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("ssdp: list interfaces: %w", err)
		}
		for _, ifi := range all {
			if ifi.Flags&net.FlagUp != 0 && ifi.Flags&net.FlagMulticast != 0 {
				ifaces = append(ifaces, ifi)
			}
		}
	}

	p := ipv4.NewPacketConn(conn)
	group := &net.UDPAddr{IP: net.ParseIP(MulticastAddress)}
	joined := 0
	for i := range ifaces {
		if err := p.JoinGroup(&ifaces[i], group); err != nil {
			l.logger.Debug("join group failed", "iface", ifaces[i].Name, "error", err)
			continue
		}
		joined++
	}
	if joined == 0 {
		conn.Close()
		return nil, ErrNoMulticastIface
	}
	_ = p.SetMulticastLoopback(true)
	return conn, nil
}

func (l *Listener) openSearch() (net.PacketConn, error) {
	conn, err := net.ListenPacket("udp4", l.config.SearchAddress)
	if err != nil {
		return nil, fmt.Errorf("ssdp: listen %s: %w", l.config.SearchAddress, err)
	}
	if l.config.MulticastTTL > 0 {
		_ = ipv4.NewPacketConn(conn).SetMulticastTTL(l.config.MulticastTTL)
	}
	return conn, nil
}

func (l *Listener) readLoop(conn net.PacketConn, handler Handler) {
	defer l.wg.Done()

	buf := make([]byte, l.config.ReadBufferSize)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !l.running.Load() {
				return
			}
			l.logger.Debug("ssdp read failed", "error", err)
			continue
		}

		data := append([]byte(nil), buf[:n]...)
		ev := log.NewDatagramEvent(log.DirectionIn, from.String(), data)

		h, err := Parse(data)
		if err != nil {
			l.trace.Log(ev)
			l.logger.Debug("dropping malformed datagram", "from", from.String(), "size", n)
			continue
		}
		ev.Datagram.NTS = h.Get("NTS")
		ev.Datagram.USN = h.Get("USN")
		l.trace.Log(ev)

		handler(from, h)
	}
}
