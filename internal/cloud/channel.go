package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	channelDialTimeout = 30 * time.Second
	channelWriteWait   = 10 * time.Second

	// Server-side idle timeout is 60s; heartbeat well inside that
	heartbeatInterval = 20 * time.Second

	channelReconnectDelay = 5 * time.Second
)

// ChannelState is the persistent channel's connection state
type ChannelState string

const (
	ChannelConnecting   ChannelState = "connecting"
	ChannelConnected    ChannelState = "connected"
	ChannelReconnecting ChannelState = "reconnecting"
	ChannelDisconnected ChannelState = "disconnected"

	// ChannelError is terminal: the engine refused the handshake (bad token)
	ChannelError ChannelState = "error"
)

// ErrChannelAuth means the engine rejected the channel handshake. The channel
// enters its terminal error state and will not retry.
var ErrChannelAuth = errors.New("engine rejected channel authentication")

// Channel is the persistent websocket to the engine. It reconnects forever
// after the first successful connect, owns the heartbeat ticker, and
// dispatches commands and directives to registered handlers.
type Channel struct {
	url             string
	certFingerprint string
	log             zerolog.Logger

	mu         sync.RWMutex
	conn       *websocket.Conn
	connCtx    context.Context
	cancelFunc context.CancelFunc
	state      ChannelState
	token      string
	closed     bool
	stopChan   chan struct{}

	heartbeatStop chan struct{}

	onCommand     func(cmd Command)
	onDirective   func(d Directive)
	onStateChange func(state ChannelState)
}

// NewChannel creates a command channel client. Connect actually opens it.
func NewChannel(url, certFingerprint string, log zerolog.Logger) *Channel {
	return &Channel{
		url:             url,
		certFingerprint: certFingerprint,
		state:           ChannelDisconnected,
		stopChan:        make(chan struct{}),
		log:             log.With().Str("component", "cloud_channel").Logger(),
	}
}

// SetCommandHandler registers the handler for inbound commands. The channel
// acks every command itself; the handler only acts on it.
func (c *Channel) SetCommandHandler(fn func(cmd Command)) {
	c.mu.Lock()
	c.onCommand = fn
	c.mu.Unlock()
}

// SetDirectiveHandler registers the handler for inbound trade directives.
// The handler is responsible for calling AckDirective once execution settles.
func (c *Channel) SetDirectiveHandler(fn func(d Directive)) {
	c.mu.Lock()
	c.onDirective = fn
	c.mu.Unlock()
}

// SetStateHandler registers the connection-state callback
func (c *Channel) SetStateHandler(fn func(state ChannelState)) {
	c.mu.Lock()
	c.onStateChange = fn
	c.mu.Unlock()
}

// State returns the current channel state
func (c *Channel) State() ChannelState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connect opens the channel with the given access token. Before the first
// successful connect, failure is surfaced to the caller and nothing retries;
// afterwards drops recover automatically.
func (c *Channel) Connect(ctx context.Context, token string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("channel is closed")
	}
	c.token = token
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		return err
	}

	c.mu.RLock()
	connCtx := c.connCtx
	c.mu.RUnlock()
	go c.readMessages(connCtx)
	c.startHeartbeat()
	return nil
}

// Close tears the channel down for good, heartbeat included
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stopChan)
	c.stopHeartbeat()
	c.disconnect(ChannelDisconnected)
	c.log.Info().Msg("Command channel closed")
}

// AckDirective reports execution latency for a handled directive
func (c *Channel) AckDirective(directiveID string, latencyMs int64) error {
	return c.send(directiveAck{
		Type:             "directive_ack",
		DirectiveID:      directiveID,
		TopstepLatencyMs: latencyMs,
	})
}

// dial performs one connection attempt
func (c *Channel) dial(ctx context.Context) error {
	c.setState(ChannelConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, channelDialTimeout)
	defer cancel()

	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()

	opts := &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + token}},
	}
	if cfg := newTLSConfig(c.certFingerprint); cfg != nil {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: cfg},
		}
	}

	conn, resp, err := websocket.Dial(dialCtx, c.url, opts)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			c.setState(ChannelError)
			return fmt.Errorf("%w: status %d", ErrChannelAuth, resp.StatusCode)
		}
		c.setState(ChannelDisconnected)
		return fmt.Errorf("failed to dial engine channel: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.connCtx = connCtx
	c.cancelFunc = connCancel
	c.mu.Unlock()

	c.setState(ChannelConnected)
	c.log.Info().Msg("Command channel connected")
	return nil
}

// disconnect closes the current connection, leaving the channel in the given
// state
func (c *Channel) disconnect(state ChannelState) {
	c.mu.Lock()
	conn := c.conn
	if c.cancelFunc != nil {
		c.cancelFunc()
		c.cancelFunc = nil
	}
	c.conn = nil
	c.connCtx = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "")
	}
	c.setState(state)
}

// readMessages consumes frames until the connection drops, then hands off to
// the reconnect loop
func (c *Channel) readMessages(ctx context.Context) {
	for {
		select {
		case <-c.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn().Err(err).Msg("Command channel read failed")
			c.stopHeartbeat()
			c.disconnect(ChannelReconnecting)
			go c.reconnectLoop()
			return
		}

		if msgType != websocket.MessageText {
			continue
		}

		if err := c.handleFrame(message); err != nil {
			c.log.Error().Err(err).Msg("Failed to handle channel frame")
		}
	}
}

// handleFrame parses one inbound frame and dispatches it
func (c *Channel) handleFrame(message []byte) error {
	var frame channelFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		return fmt.Errorf("failed to parse frame: %w", err)
	}

	c.mu.RLock()
	onCommand, onDirective := c.onCommand, c.onDirective
	c.mu.RUnlock()

	switch frame.Type {
	case "command":
		var cmd Command
		if err := json.Unmarshal(frame.Data, &cmd); err != nil {
			return fmt.Errorf("failed to parse command: %w", err)
		}
		// Ack first: the engine cares that we received it, not that we
		// finished acting on it
		if err := c.send(commandAck{Type: "command_ack", CommandID: cmd.CommandID, Timestamp: time.Now().UnixMilli()}); err != nil {
			c.log.Warn().Err(err).Str("command_id", cmd.CommandID).Msg("Failed to ack command")
		}
		if onCommand != nil {
			onCommand(cmd)
		}

	case "trade_directive":
		var d Directive
		if err := json.Unmarshal(frame.Data, &d); err != nil {
			return fmt.Errorf("failed to parse directive: %w", err)
		}
		if onDirective != nil {
			onDirective(d)
		} else {
			c.log.Warn().Str("directive_id", d.DirectiveID).Msg("Directive received with no handler registered")
		}

	case "heartbeat_ack":
		// Keepalive confirmation, nothing to do

	default:
		c.log.Debug().Str("type", frame.Type).Msg("Ignoring unknown channel frame")
	}

	return nil
}

// reconnectLoop retries forever at a fixed delay. Only reachable after the
// first successful connect.
func (c *Channel) reconnectLoop() {
	for {
		select {
		case <-c.stopChan:
			return
		case <-time.After(channelReconnectDelay):
		}

		c.mu.RLock()
		closed := c.closed
		c.mu.RUnlock()
		if closed {
			return
		}

		if err := c.dial(context.Background()); err != nil {
			if errors.Is(err, ErrChannelAuth) {
				c.log.Error().Err(err).Msg("Engine rejected reconnection, giving up")
				return
			}
			c.setState(ChannelReconnecting)
			c.log.Warn().Err(err).Msg("Channel reconnection failed, retrying")
			continue
		}

		c.mu.RLock()
		connCtx := c.connCtx
		c.mu.RUnlock()
		go c.readMessages(connCtx)
		c.startHeartbeat()
		return
	}
}

// startHeartbeat launches the keepalive ticker for the current connection
func (c *Channel) startHeartbeat() {
	c.mu.Lock()
	if c.heartbeatStop != nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.heartbeatStop = stop
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-c.stopChan:
				return
			case <-ticker.C:
				if err := c.send(heartbeatFrame{Type: "heartbeat", Timestamp: time.Now().UnixMilli()}); err != nil {
					c.log.Warn().Err(err).Msg("Heartbeat send failed")
				}
			}
		}
	}()
}

// stopHeartbeat halts the keepalive ticker
func (c *Channel) stopHeartbeat() {
	c.mu.Lock()
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	c.mu.Unlock()
}

// send marshals and writes one frame on the current connection
func (c *Channel) send(v interface{}) error {
	c.mu.RLock()
	conn := c.conn
	ctx := c.connCtx
	c.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("channel is not connected")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, channelWriteWait)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// setState records a transition and notifies the listener
func (c *Channel) setState(state ChannelState) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	fn := c.onStateChange
	c.mu.Unlock()

	c.log.Debug().Str("state", string(state)).Msg("Channel state changed")
	if fn != nil {
		fn(state)
	}
}
