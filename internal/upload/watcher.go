package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"

	"github.com/educast/studio/internal/media"
)

// WatcherConfig tunes the processing status watch
type WatcherConfig struct {
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	MaxPollAttempts int
}

// DefaultWatcherConfig returns the standard watch tuning
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		InitialBackoff:  time.Second,
		MaxBackoff:      30 * time.Second,
		MaxPollAttempts: 10,
	}
}

// StatusWatcher follows a lesson's server-side processing. It prefers
// the platform's WebSocket progress channel and falls back to polling
// the status endpoint when the socket cannot be established or drops
// before processing finishes. Both paths deliver the same status
// updates.
type StatusWatcher struct {
	logger hclog.Logger
	client *Client
	dialer *websocket.Dialer
	cfg    WatcherConfig
}

// NewStatusWatcher creates a watcher over the given platform client
func NewStatusWatcher(logger hclog.Logger, client *Client, cfg WatcherConfig) *StatusWatcher {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.MaxPollAttempts <= 0 {
		cfg.MaxPollAttempts = 10
	}
	return &StatusWatcher{
		logger: logger.Named("status-watcher"),
		client: client,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		cfg:    cfg,
	}
}

// Watch blocks until processing reaches a terminal state, reporting
// every intermediate status through onStatus.
func (w *StatusWatcher) Watch(ctx context.Context, lessonID string, onStatus func(ProcessingStatus)) (ProcessingStatus, error) {
	status, err := w.watchSocket(ctx, lessonID, onStatus)
	if err == nil {
		return status, nil
	}
	if ctx.Err() != nil {
		return ProcessingStatus{}, media.ErrUploadCancelled
	}
	w.logger.Warn("progress channel unavailable, polling status", "lesson_id", lessonID, "error", err)
	return w.poll(ctx, lessonID, onStatus)
}

// watchSocket streams status frames until a terminal state. Any
// failure before a terminal frame hands over to the polling fallback.
func (w *StatusWatcher) watchSocket(ctx context.Context, lessonID string, onStatus func(ProcessingStatus)) (ProcessingStatus, error) {
	wsURL, err := progressURL(w.client.BaseURL(), lessonID)
	if err != nil {
		return ProcessingStatus{}, err
	}
	conn, _, err := w.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return ProcessingStatus{}, fmt.Errorf("dial progress channel: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var status ProcessingStatus
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return ProcessingStatus{}, fmt.Errorf("progress channel closed: %w", err)
		}
		if err := json.Unmarshal(msg, &status); err != nil {
			w.logger.Warn("malformed progress frame", "lesson_id", lessonID, "error", err)
			continue
		}
		if status.LessonID == "" {
			status.LessonID = lessonID
		}
		onStatus(status)
		if status.Terminal() {
			return status, nil
		}
	}
}

// poll queries the status endpoint with exponential backoff. The
// attempt budget bounds how long a silent server can hold the upload
// in server-processing.
func (w *StatusWatcher) poll(ctx context.Context, lessonID string, onStatus func(ProcessingStatus)) (ProcessingStatus, error) {
	backoff := w.cfg.InitialBackoff
	for attempt := 0; attempt < w.cfg.MaxPollAttempts; attempt++ {
		status, err := w.client.VideoStatus(ctx, lessonID)
		if err != nil {
			if ctx.Err() != nil {
				return ProcessingStatus{}, media.ErrUploadCancelled
			}
			w.logger.Warn("status poll failed", "lesson_id", lessonID, "attempt", attempt+1, "error", err)
		} else {
			onStatus(status)
			if status.Terminal() {
				return status, nil
			}
			backoff = w.cfg.InitialBackoff
		}

		select {
		case <-ctx.Done():
			return ProcessingStatus{}, media.ErrUploadCancelled
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > w.cfg.MaxBackoff {
			backoff = w.cfg.MaxBackoff
		}
	}
	return ProcessingStatus{}, fmt.Errorf("%w: status polling exhausted after %d attempts",
		media.ErrServerProcessingFailed, w.cfg.MaxPollAttempts)
}

// progressURL derives the WebSocket progress endpoint from the REST
// base URL.
func progressURL(baseURL, lessonID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/videos/" + lessonID
	return u.String(), nil
}
