package cloud

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func TestChannel_DirectiveRoundTrip(t *testing.T) {
	acks := make(chan directiveAck, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))

		conn, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		frame := `{"type":"trade_directive","data":{"directiveId":"d-1","accountId":234567,"symbol":"ES","action":"ENTRY_LONG","contracts":2}}`
		require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(frame)))

		_, message, err := conn.Read(ctx)
		require.NoError(t, err)
		var ack directiveAck
		require.NoError(t, json.Unmarshal(message, &ack))
		acks <- ack
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	channel := NewChannel(wsURL, "", zerolog.Nop())
	defer channel.Close()

	directives := make(chan Directive, 1)
	channel.SetDirectiveHandler(func(d Directive) {
		directives <- d
	})

	require.NoError(t, channel.Connect(context.Background(), "at-1"))
	assert.Equal(t, ChannelConnected, channel.State())

	var directive Directive
	select {
	case directive = <-directives:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for directive")
	}
	assert.Equal(t, "d-1", directive.DirectiveID)
	assert.Equal(t, int64(234567), directive.AccountID)
	assert.Equal(t, "ENTRY_LONG", directive.Action)

	require.NoError(t, channel.AckDirective(directive.DirectiveID, 42))

	select {
	case ack := <-acks:
		assert.Equal(t, "directive_ack", ack.Type)
		assert.Equal(t, "d-1", ack.DirectiveID)
		assert.Equal(t, int64(42), ack.TopstepLatencyMs)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ack")
	}
}

func TestChannel_CommandAckedAutomatically(t *testing.T) {
	acks := make(chan commandAck, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		frame := `{"type":"command","data":{"commandId":"c-1","command":"kill_switch","payload":{"enabled":false}}}`
		require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(frame)))

		_, message, err := conn.Read(ctx)
		require.NoError(t, err)
		var ack commandAck
		require.NoError(t, json.Unmarshal(message, &ack))
		acks <- ack
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	channel := NewChannel(wsURL, "", zerolog.Nop())
	defer channel.Close()

	commands := make(chan Command, 1)
	channel.SetCommandHandler(func(cmd Command) {
		commands <- cmd
	})

	require.NoError(t, channel.Connect(context.Background(), "at-1"))

	select {
	case cmd := <-commands:
		assert.Equal(t, "kill_switch", cmd.Command)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for command")
	}

	select {
	case ack := <-acks:
		assert.Equal(t, "command_ack", ack.Type)
		assert.Equal(t, "c-1", ack.CommandID)
		assert.NotZero(t, ack.Timestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for command ack")
	}
}

func TestChannel_AuthRejectionIsTerminal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	channel := NewChannel(wsURL, "", zerolog.Nop())

	err := channel.Connect(context.Background(), "bad-token")
	assert.ErrorIs(t, err, ErrChannelAuth)
	assert.Equal(t, ChannelError, channel.State())
}

func TestChannel_InitialConnectFailureDoesNotRetry(t *testing.T) {
	channel := NewChannel("ws://127.0.0.1:1", "", zerolog.Nop())

	err := channel.Connect(context.Background(), "at-1")
	require.Error(t, err)
	assert.Equal(t, ChannelDisconnected, channel.State())

	// No background retry before first success: state stays put
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, ChannelDisconnected, channel.State())
}

func TestChannel_SendWithoutConnection(t *testing.T) {
	channel := NewChannel("ws://unused", "", zerolog.Nop())
	assert.Error(t, channel.AckDirective("d-1", 10))
}

func TestChannel_HandleFrame_Malformed(t *testing.T) {
	channel := NewChannel("ws://unused", "", zerolog.Nop())
	assert.Error(t, channel.handleFrame([]byte(`not json`)))
	assert.NoError(t, channel.handleFrame([]byte(`{"type":"heartbeat_ack"}`)))
	assert.NoError(t, channel.handleFrame([]byte(`{"type":"something_new","data":{}}`)))
}
