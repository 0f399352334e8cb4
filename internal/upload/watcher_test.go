package upload

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/educast/studio/internal/media"
)

func fastWatcherConfig() WatcherConfig {
	return WatcherConfig{
		InitialBackoff:  5 * time.Millisecond,
		MaxBackoff:      20 * time.Millisecond,
		MaxPollAttempts: 10,
	}
}

func TestWatchOverWebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/videos/lesson-42", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		conn.WriteJSON(ProcessingStatus{State: StatusProcessing, Percent: 50})
		conn.WriteJSON(ProcessingStatus{State: StatusReady, Percent: 100})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient(hclog.NewNullLogger(), srv.URL)
	w := NewStatusWatcher(hclog.NewNullLogger(), client, fastWatcherConfig())

	var seen []ProcessingStatus
	status, err := w.Watch(context.Background(), "lesson-42", func(s ProcessingStatus) {
		seen = append(seen, s)
	})
	require.NoError(t, err)
	assert.Equal(t, StatusReady, status.State)

	require.Len(t, seen, 2)
	assert.Equal(t, StatusProcessing, seen[0].State)
	// The lesson id is filled in when frames omit it.
	assert.Equal(t, "lesson-42", seen[0].LessonID)
}

func TestWatchFallsBackToPolling(t *testing.T) {
	// No WebSocket endpoint at all: the watcher must poll.
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/videos/status/lesson-42", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 3 {
			w.Write([]byte(`{"state":"processing","percent":30}`))
			return
		}
		w.Write([]byte(`{"state":"ready","percent":100}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient(hclog.NewNullLogger(), srv.URL)
	w := NewStatusWatcher(hclog.NewNullLogger(), client, fastWatcherConfig())

	status, err := w.Watch(context.Background(), "lesson-42", func(ProcessingStatus) {})
	require.NoError(t, err)
	assert.Equal(t, StatusReady, status.State)
	assert.Equal(t, int32(3), polls.Load())
}

func TestWatchSocketDropHandsOverToPolling(t *testing.T) {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/videos/lesson-42", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		// One non-terminal frame, then drop the socket.
		conn.WriteJSON(ProcessingStatus{State: StatusProcessing, Percent: 10})
		conn.Close()
	})
	mux.HandleFunc("/videos/status/lesson-42", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"state":"ready","percent":100}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient(hclog.NewNullLogger(), srv.URL)
	w := NewStatusWatcher(hclog.NewNullLogger(), client, fastWatcherConfig())

	status, err := w.Watch(context.Background(), "lesson-42", func(ProcessingStatus) {})
	require.NoError(t, err)
	assert.Equal(t, StatusReady, status.State)
}

func TestWatchPollBudgetExhausted(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/videos/status/lesson-42", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"state":"processing","percent":10}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := fastWatcherConfig()
	cfg.MaxPollAttempts = 3
	client := NewClient(hclog.NewNullLogger(), srv.URL)
	w := NewStatusWatcher(hclog.NewNullLogger(), client, cfg)

	_, err := w.Watch(context.Background(), "lesson-42", func(ProcessingStatus) {})
	assert.ErrorIs(t, err, media.ErrServerProcessingFailed)
}

func TestWatchCancelled(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/videos/status/lesson-42", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"state":"processing","percent":10}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient(hclog.NewNullLogger(), srv.URL)
	w := NewStatusWatcher(hclog.NewNullLogger(), client, fastWatcherConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	_, err := w.Watch(ctx, "lesson-42", func(ProcessingStatus) {})
	assert.ErrorIs(t, err, media.ErrUploadCancelled)
}

func TestProgressURL(t *testing.T) {
	u, err := progressURL("http://platform.local/api", "l1")
	require.NoError(t, err)
	assert.Equal(t, "ws://platform.local/api/ws/videos/l1", u)

	u, err = progressURL("https://platform.local", "l2")
	require.NoError(t, err)
	assert.Equal(t, "wss://platform.local/ws/videos/l2", u)
}

func TestWatcherConfigDefaults(t *testing.T) {
	client := NewClient(hclog.NewNullLogger(), "http://localhost:0")
	w := NewStatusWatcher(hclog.NewNullLogger(), client, WatcherConfig{})
	assert.Equal(t, time.Second, w.cfg.InitialBackoff)
	assert.Equal(t, time.Second, w.cfg.MaxBackoff)
	assert.Equal(t, 10, w.cfg.MaxPollAttempts)
}
