package cobot_us

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

// DefaultImageStreamAddress is where the ultrasound image server listens.
const DefaultImageStreamAddress = "localhost:18944"

// ImageSource is the image stream connector the coordinator waits on.
type ImageSource interface {
	// Start (re)starts the connector. It returns once the connector is
	// running, not once images arrive.
	Start(ctx context.Context) error
	// HasImage reports whether an image with this device name has arrived.
	HasImage(name string) bool
}

// OpenIGTLink message header layout.
const (
	igtlHeaderSize     = 58
	igtlTypeSize       = 12
	igtlDeviceNameSize = 20
	igtlMaxBodySize    = 64 << 20
)

type igtlHeader struct {
	Version    uint16
	Type       string
	DeviceName string
	Timestamp  uint64
	BodySize   uint64
	CRC        uint64
}

func trimNul(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func parseIGTLHeader(b []byte) (igtlHeader, error) {
	if len(b) < igtlHeaderSize {
		return igtlHeader{}, fmt.Errorf("short OpenIGTLink header: %d bytes", len(b))
	}
	off := 2
	h := igtlHeader{Version: binary.BigEndian.Uint16(b[0:2])}
	h.Type = trimNul(b[off : off+igtlTypeSize])
	off += igtlTypeSize
	h.DeviceName = trimNul(b[off : off+igtlDeviceNameSize])
	off += igtlDeviceNameSize
	h.Timestamp = binary.BigEndian.Uint64(b[off:])
	h.BodySize = binary.BigEndian.Uint64(b[off+8:])
	h.CRC = binary.BigEndian.Uint64(b[off+16:])
	return h, nil
}

// IGTLinkClient is an OpenIGTLink client that only tracks which devices have
// sent messages. Message bodies are skipped.
type IGTLinkClient struct {
	addr        string
	logger      logging.Logger
	retryDelay  time.Duration
	dialTimeout time.Duration

	mu     sync.RWMutex
	seen   map[string]time.Time
	types  map[string]string
	cancel context.CancelFunc
	done   chan struct{}
}

func NewIGTLinkClient(addr string, logger logging.Logger) *IGTLinkClient {
	if addr == "" {
		addr = DefaultImageStreamAddress
	}
	return &IGTLinkClient{
		addr:        addr,
		logger:      logger,
		retryDelay:  500 * time.Millisecond,
		dialTimeout: 2 * time.Second,
		seen:        make(map[string]time.Time),
		types:       make(map[string]string),
	}
}

// Start stops a running connection and starts a new one. Devices already
// seen stay known across restarts.
func (c *IGTLinkClient) Start(ctx context.Context) error {
	c.Stop()

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	c.logger.Infof("Starting image stream client for %s", c.addr)
	utils.PanicCapturingGo(func() {
		defer close(done)
		c.run(runCtx)
	})
	return ctx.Err()
}

// Stop closes the connection and waits for the reader to exit.
func (c *IGTLinkClient) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Close implements io.Closer.
func (c *IGTLinkClient) Close() error {
	c.Stop()
	return nil
}

func (c *IGTLinkClient) HasImage(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.seen[name]
	return ok
}

// Devices lists every device name seen so far with its message type.
func (c *IGTLinkClient) Devices() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.types))
	for k, v := range c.types {
		out[k] = v
	}
	return out
}

func (c *IGTLinkClient) run(ctx context.Context) {
	dialer := net.Dialer{Timeout: c.dialTimeout}
	for ctx.Err() == nil {
		conn, err := dialer.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			c.logger.Debugf("image stream dial %s failed: %v", c.addr, err)
			if !utils.SelectContextOrWait(ctx, c.retryDelay) {
				return
			}
			continue
		}
		c.logger.Infof("Connected to image stream at %s", c.addr)
		err = c.readLoop(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warnf("Image stream connection lost: %v", err)
		if !utils.SelectContextOrWait(ctx, c.retryDelay) {
			return
		}
	}
}

func (c *IGTLinkClient) readLoop(ctx context.Context, conn net.Conn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	header := make([]byte, igtlHeaderSize)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return err
		}
		h, err := parseIGTLHeader(header)
		if err != nil {
			return err
		}
		if h.BodySize > igtlMaxBodySize {
			return fmt.Errorf("message %s/%s body too large: %d bytes", h.Type, h.DeviceName, h.BodySize)
		}
		if _, err := io.CopyN(io.Discard, conn, int64(h.BodySize)); err != nil {
			return err
		}
		c.observe(h)
	}
}

func (c *IGTLinkClient) observe(h igtlHeader) {
	c.mu.Lock()
	_, known := c.seen[h.DeviceName]
	c.seen[h.DeviceName] = time.Now()
	c.types[h.DeviceName] = h.Type
	c.mu.Unlock()

	if !known {
		c.logger.Infof("Image stream: new %s device %q", h.Type, h.DeviceName)
	}
}
