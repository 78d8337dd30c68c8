// Package aprsis maintains a filtered APRS-IS feed connection: telnet dial,
// login, line framing, server comment handling, reconnects with backoff, and
// the send path used for courtesy messages.
package aprsis

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ziutek/telnet"

	"aprsgw/internal/ratelimit"
)

// ErrNotConnected is returned by Send while the feed is down.
var ErrNotConnected = errors.New("aprsis: not connected")

// Defaults for Config.
const (
	DefaultHost   = "rotate.aprs2.net"
	DefaultPort   = 14580
	DefaultFilter = "t/p"
)

// Config describes one APRS-IS connection.
type Config struct {
	Host        string
	Port        int
	Callsign    string
	Passcode    int
	Filter      string
	Software    string
	Version     string
	DialTimeout time.Duration
	ReadTimeout time.Duration
	Buffer      int
}

// conn is the part of *telnet.Conn the client uses.
type conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

type dialFunc func(addr string, timeout time.Duration) (conn, error)

func dialTelnet(addr string, timeout time.Duration) (conn, error) {
	c, err := telnet.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Client is an APRS-IS feed. Received packet lines are delivered on Lines();
// server comments (lines starting with '#') are consumed by the client.
type Client struct {
	cfg  Config
	dial dialFunc

	writeMu sync.Mutex
	current conn

	connected  atomic.Bool
	lastLineAt atomic.Int64 // unix nanoseconds
	lines      chan string
	shutdown   chan struct{}
	reconnect  chan struct{}
	stopOnce   sync.Once
	dropped    ratelimit.Counter
}

// NewClient creates a client; call Connect to start it.
func NewClient(cfg Config) *Client {
	return newClient(cfg, dialTelnet)
}

func newClient(cfg Config, dial dialFunc) *Client {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Filter == "" {
		cfg.Filter = DefaultFilter
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Minute
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1000
	}
	return &Client{
		cfg:       cfg,
		dial:      dial,
		lines:     make(chan string, cfg.Buffer),
		shutdown:  make(chan struct{}),
		reconnect: make(chan struct{}, 1),
		dropped:   ratelimit.NewCounter(time.Minute),
	}
}

// LoginLine returns the APRS-IS login command for cfg.
func LoginLine(cfg Config) string {
	line := fmt.Sprintf("user %s pass %d vers %s %s", cfg.Callsign, cfg.Passcode, cfg.Software, cfg.Version)
	if cfg.Filter != "" {
		line += " filter " + cfg.Filter
	}
	return line
}

// Connect dials the first connection synchronously so configuration and
// network errors reach the caller; later disconnects are handled by the
// background reconnect loop.
func (c *Client) Connect() error {
	if err := c.establishConnection(); err != nil {
		return err
	}
	go c.connectionSupervisor()
	return nil
}

// Lines returns the channel of received packet lines.
func (c *Client) Lines() <-chan string {
	return c.lines
}

// IsConnected reports whether a feed connection is currently up.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// HealthSnapshot is a point-in-time view of the feed for health logging.
type HealthSnapshot struct {
	Connected    bool
	LastLineAt   time.Time // zero until the first line arrives
	LineQueueLen int
	LineQueueCap int
	LineDrops    uint64
}

// HealthSnapshot reports connection state, the last received line time and
// line buffer pressure.
func (c *Client) HealthSnapshot() HealthSnapshot {
	snap := HealthSnapshot{
		Connected:    c.connected.Load(),
		LineQueueLen: len(c.lines),
		LineQueueCap: cap(c.lines),
		LineDrops:    c.dropped.Total(),
	}
	if ns := c.lastLineAt.Load(); ns > 0 {
		snap.LastLineAt = time.Unix(0, ns).UTC()
	}
	return snap
}

// Send writes one line to the feed.
func (c *Client) Send(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.current == nil || !c.connected.Load() {
		return ErrNotConnected
	}
	if _, err := io.WriteString(c.current, line+"\r\n"); err != nil {
		return fmt.Errorf("aprsis send: %w", err)
	}
	log.Debug("aprs-is sent", "line", line)
	return nil
}

// Stop closes the connection and ends the reconnect loop. Lines() is not
// closed; consumers should select on their own shutdown signal.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		log.Info("stopping aprs-is client")
		close(c.shutdown)
	})
	c.writeMu.Lock()
	if c.current != nil {
		c.current.Close()
	}
	c.writeMu.Unlock()
}

func (c *Client) addr() string {
	return net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
}

func (c *Client) establishConnection() error {
	addr := c.addr()
	log.Info("connecting to aprs-is", "addr", addr)
	cn, err := c.dial(addr, c.cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect to aprs-is %s: %w", addr, err)
	}

	c.writeMu.Lock()
	_, err = io.WriteString(cn, LoginLine(c.cfg)+"\r\n")
	if err == nil {
		c.current = cn
		c.connected.Store(true)
	}
	c.writeMu.Unlock()
	if err != nil {
		cn.Close()
		return fmt.Errorf("aprs-is login: %w", err)
	}
	log.Info("aprs-is login sent", "callsign", c.cfg.Callsign, "filter", c.cfg.Filter)

	go c.readLoop(cn)
	return nil
}

// connectionSupervisor waits for disconnect notifications and retries with
// exponential backoff while honoring shutdown.
func (c *Client) connectionSupervisor() {
	const (
		initialDelay = 5 * time.Second
		maxDelay     = 60 * time.Second
	)

	for {
		select {
		case <-c.shutdown:
			return
		case <-c.reconnect:
			delay := initialDelay
			for {
				if c.isShutdown() {
					return
				}
				log.Info("attempting aprs-is reconnect")
				err := c.establishConnection()
				if err == nil {
					break
				}
				log.Warn("aprs-is reconnect failed", "err", err, "retry_in", delay)
				timer := time.NewTimer(delay)
				select {
				case <-timer.C:
				case <-c.shutdown:
					timer.Stop()
					return
				}
				delay *= 2
				if delay > maxDelay {
					delay = maxDelay
				}
			}
		}
	}
}

func (c *Client) readLoop(cn conn) {
	defer c.dropConn(cn)

	reader := bufio.NewReader(cn)
	for {
		if c.isShutdown() {
			return
		}
		cn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		line, err := reader.ReadString('\n')
		if err != nil {
			if c.isShutdown() {
				return
			}
			log.Warn("aprs-is read error", "err", err)
			c.dropConn(cn)
			c.requestReconnect()
			return
		}
		c.lastLineAt.Store(time.Now().UnixNano())
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			c.serverComment(line)
			continue
		}
		select {
		case c.lines <- line:
		default:
			if count, ok := c.dropped.Inc(); ok {
				log.Warn("aprs-is line buffer full, dropping packet", "dropped_total", count)
			}
		}
	}
}

// dropConn closes cn and, if it is still the active connection, marks the
// client disconnected.
func (c *Client) dropConn(cn conn) {
	c.writeMu.Lock()
	if c.current == cn {
		c.current = nil
		c.connected.Store(false)
	}
	c.writeMu.Unlock()
	cn.Close()
}

func (c *Client) serverComment(line string) {
	if strings.HasPrefix(line, "# logresp") {
		if strings.Contains(line, "unverified") {
			log.Warn("aprs-is login unverified, sending is disabled", "resp", line)
		} else {
			log.Info("aprs-is login response", "resp", line)
		}
		return
	}
	log.Debug("aprs-is server", "line", line)
}

func (c *Client) isShutdown() bool {
	select {
	case <-c.shutdown:
		return true
	default:
		return false
	}
}

func (c *Client) requestReconnect() {
	if c.isShutdown() {
		return
	}
	select {
	case c.reconnect <- struct{}{}:
	default:
	}
}
