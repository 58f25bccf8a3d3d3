package toc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tocclient/internal/flap"
)

// Client is a TOC session plus the buddy list and capabilities that
// outlive it. A Client may sign on again after a signoff or a lost
// connection.
type Client struct {
	cfg      Config
	logger   *slog.Logger
	handlers Handlers

	roster       *Roster
	capabilities *Capabilities
	throttle     *Throttle

	// opMu serializes SignOn, SignOff and the listener controls.
	opMu     sync.Mutex
	listener *listener

	mu         sync.RWMutex
	conn       *conn
	state      State
	screenName string
}

// NewClient returns a disconnected client.
func NewClient(cfg Config, handlers Handlers) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:          cfg,
		logger:       cfg.Logger,
		handlers:     handlers,
		roster:       NewRoster(),
		capabilities: &Capabilities{},
		throttle:     NewThrottle(cfg.Throttle),
	}
	c.roster.syncer = c
	return c
}

// Roster returns the buddy list. Adding or removing buddies while
// connected updates the server as well.
func (c *Client) Roster() *Roster {
	return c.roster
}

// Capabilities returns the set announced at the next signon.
func (c *Client) Capabilities() *Capabilities {
	return c.capabilities
}

func (c *Client) Protocol() ProtocolVersion {
	return c.cfg.Protocol
}

func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) Connected() bool {
	return c.State() == Connected
}

// ScreenName is the screen name of the current session, or "".
func (c *Client) ScreenName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.screenName
}

// SignOn connects and signs on. On failure the connection is closed and
// the client stays disconnected.
func (c *Client) SignOn(ctx context.Context, screenName, password string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.State() != Disconnected {
		return ErrAlreadyConnected
	}
	if Normalize(screenName) == "" {
		return errors.New("toc: screen name is required")
	}
	if password == "" {
		return errors.New("toc: password is required")
	}

	ctx, span := c.cfg.Tracer.Start(ctx, "toc.SignOn",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("toc.host", c.cfg.TocHost),
			attribute.Int("toc.port", c.cfg.TocPort),
			attribute.Int("toc.protocol", int(c.cfg.Protocol)),
		),
	)
	defer span.End()

	h := &handshake{
		cfg:        c.cfg,
		caps:       c.capabilities,
		logger:     c.logger.With("screen_name", screenName),
		onFrame:    c.handlers.Frame,
		screenName: screenName,
		password:   password,
	}
	cn, err := h.run(ctx)
	if err != nil {
		c.cfg.Metrics.SignOn(signonResult(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("signon failed", "screen_name", screenName, "state", h.state.String(), "err", err)
		return err
	}

	c.mu.Lock()
	c.conn = cn
	c.state = Connected
	c.screenName = screenName
	c.mu.Unlock()

	c.cfg.Metrics.SignOn("ok")
	c.cfg.Metrics.SetConnected(true)
	c.logger.Info("signed on", "screen_name", screenName)
	return nil
}

func signonResult(err error) string {
	var signon *SignonError
	var record *ErrorRecord
	var protocol *ProtocolError
	switch {
	case errors.As(err, &signon):
		return "rejected"
	case errors.As(err, &record):
		return "warning"
	case errors.As(err, &protocol):
		return "protocol"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "network"
	}
}

// SignOff stops the listener, lets the last message clear the throttle
// window and closes the connection. It is a no-op when disconnected.
func (c *Client) SignOff() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	cn := c.conn
	if cn == nil {
		c.mu.Unlock()
		return nil
	}
	c.state = ShuttingDown
	c.mu.Unlock()

	c.stopListening()
	c.throttle.Wait(context.Background())

	c.mu.Lock()
	c.conn = nil
	c.state = Disconnected
	c.screenName = ""
	c.mu.Unlock()

	c.cfg.Metrics.SetConnected(false)
	c.logger.Info("signed off")
	return cn.close()
}

// StartListening starts the goroutine that reads and dispatches server
// events. Calling it while the listener runs does nothing.
func (c *Client) StartListening() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.listener != nil && c.listener.running() {
		return nil
	}
	cn := c.current()
	if cn == nil {
		return ErrNotConnected
	}
	c.listener = newListener(c, cn)
	go c.listener.run()
	return nil
}

// StopListening stops the listener and waits for it to exit. It must not
// be called from a handler.
func (c *Client) StopListening() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.stopListening()
}

func (c *Client) stopListening() {
	if c.listener == nil {
		return
	}
	if c.listener.running() {
		c.listener.stop()
	}
	c.listener = nil
}

// Listening reports whether the listener goroutine is running.
func (c *Client) Listening() bool {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.listener != nil && c.listener.running()
}

func (c *Client) current() *conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != Connected {
		return nil
	}
	return c.conn
}

// detach closes cn and marks the client disconnected if cn is still the
// active connection.
func (c *Client) detach(cn *conn) {
	c.mu.Lock()
	if c.conn != cn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = Disconnected
	c.screenName = ""
	c.mu.Unlock()

	cn.close()
	c.cfg.Metrics.SetConnected(false)
}

func (c *Client) notifyDisconnect(err error) {
	c.logger.Error("connection lost", "err", err)
	c.cfg.Metrics.Event("disconnect")
	if c.handlers.Disconnect != nil {
		c.handlers.Disconnect(err)
	}
}

// established, protocol and send let the roster mirror changes to the
// server.
func (c *Client) established() bool {
	return c.Connected()
}

func (c *Client) protocol() ProtocolVersion {
	return c.cfg.Protocol
}

func (c *Client) send(payload string) error {
	cn := c.current()
	if cn == nil {
		return ErrNotConnected
	}
	if err := cn.writeData(payload); err != nil {
		if errors.Is(err, flap.ErrFrameTooLarge) {
			return err
		}
		c.logger.Error("write failed", "err", err)
		c.detach(cn)
		return err
	}
	return nil
}

// Send delivers an instant message, waiting first if the previous message
// went out less than the throttle window ago. autoResponse marks automated
// replies such as away messages.
func (c *Client) Send(ctx context.Context, screenName, message string, autoResponse bool) error {
	ctx, span := c.cfg.Tracer.Start(ctx, "toc.Send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Bool("toc.auto_response", autoResponse)),
	)
	defer span.End()

	command := "toc_send_im"
	if c.cfg.Protocol != TOCv2 {
		command = "toc_send_im2"
	}
	payload := command + " " + Normalize(screenName) + " " + quoted(message)
	if autoResponse {
		payload += " auto"
	}

	waited, err := c.throttle.Do(ctx, func() error {
		return c.send(payload)
	})
	c.cfg.Metrics.ThrottleWait(waited)
	span.SetAttributes(attribute.Int64("toc.throttle_wait_ms", waited.Milliseconds()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("toc: send to %s: %w", screenName, err)
	}
	return nil
}

// Warn warns (evils) a user who recently messaged us.
func (c *Client) Warn(screenName string, anonymous bool) error {
	mode := "norm"
	if anonymous {
		mode = "anon"
	}
	return c.send("toc_evil " + Normalize(screenName) + " " + mode)
}

// SetAway sets an away message; the text is sent unquoted.
func (c *Client) SetAway(message string) error {
	return c.send("toc_set_away " + message)
}

// SetBack clears the away message.
func (c *Client) SetBack() error {
	return c.send("toc_set_away")
}

// SetIdle reports how long the user has been idle; zero means not idle.
// The server keeps counting from there, so it should not be called
// repeatedly.
func (c *Client) SetIdle(idle time.Duration) error {
	return c.send("toc_set_idle " + strconv.Itoa(int(idle/time.Second)))
}

// SetConfig stores the whole roster on the server account. Names and
// groups are escaped like message text.
func (c *Client) SetConfig() error {
	return c.send("toc_set_config " + quoted(c.roster.ConfigText()))
}

// Permit adds screen names to the permit list, switching to permit mode.
func (c *Client) Permit(screenNames ...string) error {
	return c.send("toc_add_permit" + buildList(screenNames))
}

// Deny adds screen names to the deny list, switching to deny mode.
func (c *Client) Deny(screenNames ...string) error {
	return c.send("toc_add_deny" + buildList(screenNames))
}

// ChangePassword asks the server to change the account password. The
// result arrives as a server event.
func (c *Client) ChangePassword(oldPassword, newPassword string) error {
	return c.send("toc_change_passwd " + oldPassword + " " + newPassword)
}
