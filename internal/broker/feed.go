package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	feedWriteWait   = 10 * time.Second
	feedDialTimeout = 30 * time.Second

	// Fixed retry delay; the feed retries indefinitely until stopped
	feedReconnectDelay = 5 * time.Second
)

// FeedState is the realtime feed connection state
type FeedState string

const (
	FeedDisconnected FeedState = "disconnected"
	FeedConnecting   FeedState = "connecting"
	FeedConnected    FeedState = "connected"
)

// Feed maintains the push subscription for fills, account updates, position
// updates and order updates, tied to a single gateway token. When the auth
// session rotates the token, Rebuild swaps it in and reconnects in place.
type Feed struct {
	url string
	log zerolog.Logger

	mu         sync.RWMutex
	token      string
	conn       *websocket.Conn
	connCtx    context.Context
	cancelFunc context.CancelFunc
	state      FeedState
	stopChan   chan struct{}
	stopped    bool

	// gen increments on every intentional teardown (Rebuild). Readers and
	// retry loops carry the gen they were spawned under and exit quietly
	// once superseded, so a rebuild never leaves a stray reconnect behind.
	gen int

	reconnectDelay time.Duration

	// Optional callbacks; events arriving before registration are dropped
	onFill        func(accountID int64, fill FeedFill)
	onAccount     func(accountID int64, update FeedAccountUpdate)
	onPositions   func(accountID int64, positions []FeedPosition)
	onOrder       func(accountID int64, update FeedOrderUpdate)
	onStateChange func(state FeedState)
}

// NewFeed creates a realtime feed client for one token
func NewFeed(url, token string, log zerolog.Logger) *Feed {
	return &Feed{
		url:            url,
		token:          token,
		state:          FeedDisconnected,
		stopChan:       make(chan struct{}),
		reconnectDelay: feedReconnectDelay,
		log:            log.With().Str("component", "broker_feed").Logger(),
	}
}

// OnFill registers the fill callback
func (f *Feed) OnFill(fn func(accountID int64, fill FeedFill)) {
	f.mu.Lock()
	f.onFill = fn
	f.mu.Unlock()
}

// OnAccountUpdate registers the account-update callback
func (f *Feed) OnAccountUpdate(fn func(accountID int64, update FeedAccountUpdate)) {
	f.mu.Lock()
	f.onAccount = fn
	f.mu.Unlock()
}

// OnPositionUpdate registers the position-update callback
func (f *Feed) OnPositionUpdate(fn func(accountID int64, positions []FeedPosition)) {
	f.mu.Lock()
	f.onPositions = fn
	f.mu.Unlock()
}

// OnOrderUpdate registers the order-update callback
func (f *Feed) OnOrderUpdate(fn func(accountID int64, update FeedOrderUpdate)) {
	f.mu.Lock()
	f.onOrder = fn
	f.mu.Unlock()
}

// OnStateChange registers the connection-state callback. The callback runs
// outside the feed's lock, so it may read feed state.
func (f *Feed) OnStateChange(fn func(state FeedState)) {
	f.mu.Lock()
	f.onStateChange = fn
	f.mu.Unlock()
}

// State returns the current connection state
func (f *Feed) State() FeedState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

// Token returns the gateway token the feed currently dials with
func (f *Feed) Token() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.token
}

// Start connects and launches the read loop. A failed initial connection
// moves to the background retry loop; Start itself still returns the error.
func (f *Feed) Start() error {
	f.log.Info().Msg("Starting broker realtime feed")

	if err := f.Connect(); err != nil {
		f.mu.RLock()
		gen := f.gen
		f.mu.RUnlock()
		f.log.Warn().Err(err).Msg("Initial feed connection failed, will retry in background")
		go f.reconnectLoop(gen)
		return err
	}

	f.mu.RLock()
	ctx, gen := f.connCtx, f.gen
	f.mu.RUnlock()
	go f.readMessages(ctx, gen)

	return nil
}

// Rebuild swaps in a fresh token and reconnects in place. The generation
// bump supersedes the old reader and any pending retry loop before the old
// connection is torn down.
func (f *Feed) Rebuild(token string) error {
	f.mu.Lock()
	f.token = token
	f.gen++
	f.mu.Unlock()

	if err := f.disconnect(); err != nil {
		f.log.Warn().Err(err).Msg("Error closing feed during rebuild")
	}

	if err := f.Connect(); err != nil {
		return err
	}

	f.mu.RLock()
	ctx, gen := f.connCtx, f.gen
	f.mu.RUnlock()
	go f.readMessages(ctx, gen)
	return nil
}

// Stop shuts the feed down for good
func (f *Feed) Stop() error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil
	}
	f.stopped = true
	f.mu.Unlock()

	f.log.Info().Msg("Stopping broker realtime feed")
	close(f.stopChan)
	return f.disconnect()
}

// Connect establishes the subscription. It resolves once the transport-level
// handshake completes; subscription-level readiness follows asynchronously.
func (f *Feed) Connect() error {
	var notify []func()
	defer func() {
		for _, fn := range notify {
			fn()
		}
	}()

	f.mu.Lock()
	defer f.mu.Unlock()

	notify = appendNotify(notify, f.setStateLocked(FeedConnecting))

	dialCtx, dialCancel := context.WithTimeout(context.Background(), feedDialTimeout)
	defer dialCancel()

	wsURL := f.url + "?access_token=" + f.token
	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		notify = appendNotify(notify, f.setStateLocked(FeedDisconnected))
		return fmt.Errorf("failed to dial feed: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	f.conn = conn
	f.connCtx = connCtx
	f.cancelFunc = connCancel

	if err := f.subscribe(connCtx); err != nil {
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "subscribe failed")
		f.conn = nil
		f.connCtx = nil
		f.cancelFunc = nil
		notify = appendNotify(notify, f.setStateLocked(FeedDisconnected))
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	notify = appendNotify(notify, f.setStateLocked(FeedConnected))
	f.log.Info().Msg("Broker realtime feed connected")
	return nil
}

// disconnect closes the connection without stopping the feed
func (f *Feed) disconnect() error {
	f.mu.Lock()

	if f.conn == nil {
		f.mu.Unlock()
		return nil
	}

	if f.cancelFunc != nil {
		f.cancelFunc()
		f.cancelFunc = nil
	}

	err := f.conn.Close(websocket.StatusNormalClosure, "")
	f.conn = nil
	f.connCtx = nil
	fn := f.setStateLocked(FeedDisconnected)
	f.mu.Unlock()

	if fn != nil {
		fn()
	}
	if err != nil {
		return fmt.Errorf("error closing feed: %w", err)
	}
	return nil
}

// subscribe requests the user event channels. Caller holds the lock.
func (f *Feed) subscribe(ctx context.Context) error {
	msg := feedSubscribeMessage{
		Subscribe: []string{"AccountUpdate", "Fill", "PositionUpdate", "OrderUpdate"},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, feedWriteWait)
	defer cancel()

	if err := f.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send subscription: %w", err)
	}
	return nil
}

// readMessages continuously reads frames until the connection drops. A reader
// superseded by Rebuild exits without scheduling a reconnect.
func (f *Feed) readMessages(ctx context.Context, gen int) {
	defer func() {
		f.mu.RLock()
		stopped := f.stopped || gen != f.gen
		f.mu.RUnlock()
		if !stopped {
			go f.reconnectLoop(gen)
		}
	}()

	for {
		select {
		case <-f.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()
		if conn == nil {
			return
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				f.log.Info().Int("status", int(closeStatus)).Msg("Feed closed normally")
			} else if ctx.Err() == nil {
				f.log.Error().Err(err).Msg("Unexpected feed read error")
			}
			f.markDisconnected()
			return
		}

		if msgType != websocket.MessageText {
			continue
		}

		if err := f.handleFrame(message); err != nil {
			f.log.Error().Err(err).Str("frame", truncate(string(message), 200)).Msg("Failed to handle feed frame")
			// Keep reading despite parse errors
		}
	}
}

// handleFrame parses one feed frame and dispatches to the matching callback.
// Frames for unregistered callbacks are dropped without buffering.
func (f *Feed) handleFrame(message []byte) error {
	var frame feedFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		return fmt.Errorf("failed to parse frame: %w", err)
	}

	f.mu.RLock()
	onFill, onAccount, onPositions, onOrder := f.onFill, f.onAccount, f.onPositions, f.onOrder
	f.mu.RUnlock()

	switch frame.Event {
	case "Fill":
		if onFill == nil {
			return nil
		}
		var data wsFill
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return fmt.Errorf("failed to parse fill: %w", err)
		}
		onFill(data.AccountID, transformFill(data))

	case "AccountUpdate":
		if onAccount == nil {
			return nil
		}
		var data wsAccountUpdate
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return fmt.Errorf("failed to parse account update: %w", err)
		}
		onAccount(data.AccountID, transformAccountUpdate(data))

	case "PositionUpdate":
		if onPositions == nil {
			return nil
		}
		var data wsPositionUpdate
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return fmt.Errorf("failed to parse position update: %w", err)
		}
		onPositions(data.AccountID, transformPositions(data.Positions))

	case "OrderUpdate":
		if onOrder == nil {
			return nil
		}
		var data wsOrderUpdate
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return fmt.Errorf("failed to parse order update: %w", err)
		}
		onOrder(data.AccountID, transformOrderUpdate(data))

	default:
		f.log.Debug().Str("event", frame.Event).Msg("Ignoring unknown feed event")
	}

	return nil
}

// reconnectLoop retries the connection at a fixed delay until stopped or
// superseded by a newer generation
func (f *Feed) reconnectLoop(gen int) {
	for {
		select {
		case <-f.stopChan:
			return
		case <-time.After(f.reconnectDelay):
		}

		f.mu.RLock()
		done := f.stopped || gen != f.gen || f.conn != nil
		f.mu.RUnlock()
		if done {
			return
		}

		if err := f.Connect(); err != nil {
			f.log.Warn().Err(err).Msg("Feed reconnection failed, retrying")
			continue
		}

		f.mu.RLock()
		ctx := f.connCtx
		f.mu.RUnlock()
		go f.readMessages(ctx, gen)
		return
	}
}

// markDisconnected tears down the connection after a read failure so the
// retry loop sees a clean slate
func (f *Feed) markDisconnected() {
	f.mu.Lock()
	if f.cancelFunc != nil {
		f.cancelFunc()
		f.cancelFunc = nil
	}
	if f.conn != nil {
		f.conn.Close(websocket.StatusNormalClosure, "")
		f.conn = nil
	}
	f.connCtx = nil
	fn := f.setStateLocked(FeedDisconnected)
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// setStateLocked updates state and returns the notification to run once the
// lock is released. Caller holds the lock and must invoke the returned
// function (if any) after unlocking.
func (f *Feed) setStateLocked(state FeedState) func() {
	if f.state == state {
		return nil
	}
	f.state = state
	fn := f.onStateChange
	if fn == nil {
		return nil
	}
	return func() { fn(state) }
}

func appendNotify(notify []func(), fn func()) []func() {
	if fn == nil {
		return notify
	}
	return append(notify, fn)
}
