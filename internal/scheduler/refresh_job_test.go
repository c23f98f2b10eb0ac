package scheduler

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/relay/internal/cloud"
)

func TestRefreshJob_SkipsWhenNotActivated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}))
	defer server.Close()

	session := cloud.NewSession(server.URL, "ws://unused", "fp-test", "", zerolog.Nop())
	job := NewTokenRefreshJob(session, zerolog.Nop())

	assert.NoError(t, job.Run())
}

func TestRefreshJob_RotatesToken(t *testing.T) {
	var refreshes atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/refresh", r.URL.Path)
		refreshes.Add(1)
		w.Write([]byte(`{"accessToken":"at-2","refreshToken":"rt-2"}`))
	}))
	defer server.Close()

	session := cloud.NewSession(server.URL, "ws://unused", "fp-test", "", zerolog.Nop())
	session.Restore(cloud.Credentials{BotID: "bot-42", AccessToken: "at-1", RefreshToken: "rt-1"})

	var rotations atomic.Int32
	session.OnCredentialsRotated(func(cloud.Credentials) { rotations.Add(1) })

	job := NewTokenRefreshJob(session, zerolog.Nop())
	require.NoError(t, job.Run())

	assert.Equal(t, int32(1), refreshes.Load())
	assert.Equal(t, int32(1), rotations.Load())
	assert.Equal(t, "at-2", session.Credentials().AccessToken)
	assert.Equal(t, "rt-2", session.Credentials().RefreshToken)
}

func TestRefreshJob_RateLimitSkipsTick(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"accessToken":"at-2"}`))
	}))
	defer server.Close()

	session := cloud.NewSession(server.URL, "ws://unused", "fp-test", "", zerolog.Nop())
	session.Restore(cloud.Credentials{BotID: "bot-42", AccessToken: "at-1", RefreshToken: "rt-1"})
	job := NewTokenRefreshJob(session, zerolog.Nop())

	// Exhaust the refresh window; the next run must not surface an error
	for i := 0; i < 20; i++ {
		require.NoError(t, job.Run())
	}
	assert.NoError(t, job.Run())
}