package adb

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultBaseWidth    = 720
	DefaultBaseHeight   = 1600
	DefaultShellTimeout = 60 * time.Second
)

var ErrCommandFailed = errors.New("adb command failed")

// Transport is the adb host-protocol surface the client drives. The goadb-backed
// implementation talks to the adb server on its TCP port.
type Transport interface {
	Devices() ([]Device, error)
	Shell(serial, cmd string) (string, error)
	Connect(host string, port int) error
}

type Device struct {
	Serial string `json:"serial"`
	State  string `json:"state"`
}

type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type Client struct {
	transport  Transport
	baseWidth  int
	baseHeight int
	timeout    time.Duration

	mu          sync.RWMutex
	resolutions map[string]Resolution
}

type Option func(*Client)

// WithBaseResolution sets the reference screen that action coordinates are written for.
func WithBaseResolution(w, h int) Option {
	return func(c *Client) {
		if w > 0 && h > 0 {
			c.baseWidth, c.baseHeight = w, h
		}
	}
}

func WithShellTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func NewClient(transport Transport, opts ...Option) *Client {
	c := &Client{
		transport:   transport,
		baseWidth:   DefaultBaseWidth,
		baseHeight:  DefaultBaseHeight,
		timeout:     DefaultShellTimeout,
		resolutions: make(map[string]Resolution),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial builds a client on the adb server described by cfg.
func Dial(cfg ServerConfig, opts ...Option) (*Client, error) {
	transport, err := NewHostTransport(cfg)
	if err != nil {
		return nil, err
	}
	return NewClient(transport, opts...), nil
}

// call runs fn under the shell timeout. The host protocol has no cancellation, so a call that
// outlives ctx keeps running in the background and its result is dropped.
func (c *Client) call(ctx context.Context, op string, fn func() (string, error)) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	type reply struct {
		out string
		err error
	}
	done := make(chan reply, 1)
	go func() {
		out, err := fn()
		done <- reply{out: strings.TrimSpace(out), err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return r.out, fmt.Errorf("%w: %s: %w", ErrCommandFailed, op, r.err)
		}
		return r.out, nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %s: %w", ErrCommandFailed, op, ctx.Err())
	}
}

// Devices lists every device known to the adb server, in any state.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	var devices []Device
	_, err := c.call(ctx, "devices", func() (string, error) {
		var err error
		devices, err = c.transport.Devices()
		return "", err
	})
	if err != nil {
		return nil, err
	}
	return devices, nil
}

func (c *Client) Shell(ctx context.Context, serial, cmd string) (string, error) {
	return c.call(ctx, fmt.Sprintf("shell %s %q", serial, cmd), func() (string, error) {
		return c.transport.Shell(serial, cmd)
	})
}

// Connect (re)attaches a network device. USB serials have nothing to connect to.
func (c *Client) Connect(ctx context.Context, serial string) error {
	if !strings.Contains(serial, ":") {
		return nil
	}
	host, rawPort, err := net.SplitHostPort(serial)
	if err != nil {
		return fmt.Errorf("%w: connect %s: %w", ErrCommandFailed, serial, err)
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil {
		return fmt.Errorf("%w: connect %s: bad port %q", ErrCommandFailed, serial, rawPort)
	}
	_, err = c.call(ctx, "connect "+serial, func() (string, error) {
		return "", c.transport.Connect(host, port)
	})
	return err
}

// Ping runs a trivial shell command.
func (c *Client) Ping(ctx context.Context, serial string) error {
	out, err := c.Shell(ctx, serial, `echo "ping"`)
	if err != nil {
		return err
	}
	if !strings.Contains(out, "ping") {
		return fmt.Errorf("%w: unexpected ping reply %q", ErrCommandFailed, out)
	}
	return nil
}

func (c *Client) Model(ctx context.Context, serial string) (string, error) {
	return c.Shell(ctx, serial, "getprop ro.product.model")
}

// Resolution returns the cached screen size, probing `wm size` on first use. A failed probe
// yields the base resolution and is not cached.
func (c *Client) Resolution(ctx context.Context, serial string) Resolution {
	c.mu.RLock()
	res, ok := c.resolutions[serial]
	c.mu.RUnlock()
	if ok {
		return res
	}

	out, err := c.Shell(ctx, serial, "wm size")
	if err == nil {
		if res, ok := parseSize(out); ok {
			c.SetResolution(serial, res)
			return res
		}
	}
	return Resolution{Width: c.baseWidth, Height: c.baseHeight}
}

func (c *Client) SetResolution(serial string, res Resolution) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolutions[serial] = res
}

// parseSize reads "Physical size: 1080x2400".
func parseSize(out string) (Resolution, bool) {
	line := strings.SplitN(out, "\n", 2)[0]
	_, dims, ok := strings.Cut(line, ": ")
	if !ok {
		return Resolution{}, false
	}
	ws, hs, ok := strings.Cut(strings.TrimSpace(dims), "x")
	if !ok {
		return Resolution{}, false
	}
	w, errW := strconv.Atoi(ws)
	h, errH := strconv.Atoi(strings.TrimSpace(hs))
	if errW != nil || errH != nil || w <= 0 || h <= 0 {
		return Resolution{}, false
	}
	return Resolution{Width: w, Height: h}, true
}

// Scale maps a point on the base resolution to the given screen.
func (c *Client) Scale(res Resolution, x, y int) (int, int) {
	if res.Width <= 0 || res.Height <= 0 {
		return x, y
	}
	sx := math.Round(float64(x) * float64(res.Width) / float64(c.baseWidth))
	sy := math.Round(float64(y) * float64(res.Height) / float64(c.baseHeight))
	return int(sx), int(sy)
}

func (c *Client) Tap(ctx context.Context, serial string, x, y int) error {
	_, err := c.Shell(ctx, serial, fmt.Sprintf("input tap %d %d", x, y))
	return err
}

func (c *Client) KeyEvent(ctx context.Context, serial string, code int) error {
	_, err := c.Shell(ctx, serial, "input keyevent "+strconv.Itoa(code))
	return err
}
