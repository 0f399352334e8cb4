package upload

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/educast/studio/internal/events"
	"github.com/educast/studio/internal/media"
)

// Phase is a stage of the upload state machine
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseCreatingLesson   Phase = "creating-lesson"
	PhaseTransferring     Phase = "transferring"
	PhaseServerProcessing Phase = "server-processing"
	PhaseComplete         Phase = "complete"
	PhaseFailed           Phase = "failed"
)

// Overall progress spans per phase. Creating the lesson covers the
// first 30%, the byte transfer the next 40%, and server processing
// the rest.
const (
	progressLessonDone   = 30
	progressTransferDone = 70
	progressComplete     = 100
)

// Request describes one upload of a finalized recording
type Request struct {
	SessionID   string
	CourseID    string
	Title       string
	Description string
	Blob        *media.Blob
	SlideCues   []media.SlideCue
}

// Progress is a point-in-time view of a running upload
type Progress struct {
	Phase      Phase  `json:"phase"`
	Percent    int    `json:"percent"`
	LessonID   string `json:"lesson_id,omitempty"`
	BytesSent  int64  `json:"bytes_sent,omitempty"`
	BytesTotal int64  `json:"bytes_total,omitempty"`
	Attempt    int    `json:"attempt"`
	Error      string `json:"error,omitempty"`
}

// RetryPolicy bounds retries of transient transfer failures. The wait
// before each retry doubles from InitialBackoff, capped at MaxBackoff.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Coordinator drives an upload through its phases, retrying transient
// failures and reporting progress on the event bus. One upload runs at
// a time.
type Coordinator struct {
	logger  hclog.Logger
	client  *Client
	watcher *StatusWatcher
	bus     *events.Bus
	policy  RetryPolicy

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	progress Progress
}

// NewCoordinator creates an upload coordinator. bus may be nil in
// tests. Zero policy fields fall back to defaults.
func NewCoordinator(logger hclog.Logger, client *Client, watcher *StatusWatcher, bus *events.Bus, policy RetryPolicy) *Coordinator {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = time.Second
	}
	if policy.MaxBackoff < policy.InitialBackoff {
		policy.MaxBackoff = policy.InitialBackoff
	}
	return &Coordinator{
		logger:   logger.Named("upload-coordinator"),
		client:   client,
		watcher:  watcher,
		bus:      bus,
		policy:   policy,
		progress: Progress{Phase: PhaseIdle},
	}
}

// Validate checks an artifact against the platform's acceptance rules
// before any network traffic.
func Validate(blob *media.Blob) error {
	if blob == nil || blob.SizeBytes() == 0 {
		return fmt.Errorf("%w: empty artifact", media.ErrTransferFailed)
	}
	if blob.SizeBytes() < media.MinimumViableBlobBytes {
		return fmt.Errorf("%w: artifact is %d bytes, below the %d byte minimum",
			media.ErrRecordingTooShort, blob.SizeBytes(), media.MinimumViableBlobBytes)
	}
	if blob.SizeBytes() > media.MaximumUploadBytes {
		return fmt.Errorf("%w: artifact is %d bytes, above the %d byte limit",
			media.ErrTransferFailed, blob.SizeBytes(), int64(media.MaximumUploadBytes))
	}
	if !strings.HasPrefix(blob.Container.MimeType(), "video/") {
		return fmt.Errorf("%w: artifact is not a video", media.ErrTransferFailed)
	}
	if blob.ApproxDurationMs < media.MinimumRecordingDuration.Milliseconds() {
		return fmt.Errorf("%w: artifact plays for %dms", media.ErrRecordingTooShort, blob.ApproxDurationMs)
	}
	return nil
}

// Upload runs the full state machine and blocks until the lesson is
// processed, the upload fails permanently, or the context is
// cancelled. It returns the lesson id on success.
func (c *Coordinator) Upload(ctx context.Context, req Request) (string, error) {
	if err := Validate(req.Blob); err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return "", fmt.Errorf("an upload is already in progress")
	}
	ctx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.mu.Unlock()
	}()

	lessonID, err := c.run(ctx, req)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, media.ErrUploadCancelled) {
			err = media.ErrUploadCancelled
		}
		c.fail(req.SessionID, lessonID, err)
		return lessonID, err
	}

	c.setProgress(req.SessionID, Progress{
		Phase:    PhaseComplete,
		Percent:  progressComplete,
		LessonID: lessonID,
	})
	c.publish(events.EventUploadCompleted, req.SessionID, "upload completed", map[string]interface{}{
		"lesson_id": lessonID,
	})
	return lessonID, nil
}

// Cancel aborts the running upload, if any
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Progress returns the latest reported progress
func (c *Coordinator) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// run walks the phases. A transient failure re-enters the transfer
// once a lesson exists; the lesson itself is never created twice.
func (c *Coordinator) run(ctx context.Context, req Request) (string, error) {
	c.setProgress(req.SessionID, Progress{Phase: PhaseCreatingLesson, Percent: 0})

	var lessonID string
	var lastErr error
	for attempt := 0; attempt <= c.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Info("retrying upload", "session_id", req.SessionID, "attempt", attempt)
			select {
			case <-ctx.Done():
				return lessonID, media.ErrUploadCancelled
			case <-time.After(c.backoff(attempt)):
			}
		}

		if lessonID == "" {
			id, err := c.client.CreateLesson(ctx, LessonRequest{
				CourseID:    req.CourseID,
				Title:       req.Title,
				Description: req.Description,
				DurationMs:  req.Blob.ApproxDurationMs,
				SlideCues:   req.SlideCues,
			})
			if err != nil {
				lastErr = err
				if !errors.Is(err, media.ErrTransientNetwork) {
					return "", err
				}
				continue
			}
			lessonID = id
			c.setProgress(req.SessionID, Progress{
				Phase:    PhaseTransferring,
				Percent:  progressLessonDone,
				LessonID: lessonID,
				Attempt:  attempt,
			})
		}

		err := c.client.UploadVideo(ctx, lessonID, req.Blob, func(sent, total int64) {
			c.setProgress(req.SessionID, Progress{
				Phase:      PhaseTransferring,
				Percent:    transferPercent(sent, total),
				LessonID:   lessonID,
				BytesSent:  sent,
				BytesTotal: total,
				Attempt:    attempt,
			})
		})
		if err != nil {
			lastErr = err
			if !errors.Is(err, media.ErrTransientNetwork) {
				return lessonID, err
			}
			c.setProgress(req.SessionID, Progress{
				Phase:    PhaseTransferring,
				Percent:  progressLessonDone,
				LessonID: lessonID,
				Attempt:  attempt + 1,
				Error:    err.Error(),
			})
			continue
		}

		return lessonID, c.awaitProcessing(ctx, req.SessionID, lessonID)
	}
	// Exhausting the retry budget is a terminal transfer failure even
	// though every individual attempt failed transiently.
	return lessonID, fmt.Errorf("%w: %d retries exhausted: %v", media.ErrTransferFailed, c.policy.MaxRetries, lastErr)
}

// backoff doubles per retry from the initial backoff, capped
func (c *Coordinator) backoff(attempt int) time.Duration {
	d := c.policy.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.policy.MaxBackoff {
			return c.policy.MaxBackoff
		}
	}
	return d
}

// awaitProcessing follows server-side processing to a terminal state
func (c *Coordinator) awaitProcessing(ctx context.Context, sessionID, lessonID string) error {
	c.setProgress(sessionID, Progress{
		Phase:    PhaseServerProcessing,
		Percent:  progressTransferDone,
		LessonID: lessonID,
	})

	status, err := c.watcher.Watch(ctx, lessonID, func(s ProcessingStatus) {
		c.setProgress(sessionID, Progress{
			Phase:    PhaseServerProcessing,
			Percent:  processingPercent(s.Percent),
			LessonID: lessonID,
		})
	})
	if err != nil {
		return err
	}
	if status.State == StatusFailed {
		return fmt.Errorf("%w: %s", media.ErrServerProcessingFailed, status.Error)
	}
	return nil
}

func (c *Coordinator) fail(sessionID, lessonID string, err error) {
	c.setProgress(sessionID, Progress{
		Phase:    PhaseFailed,
		Percent:  c.Progress().Percent,
		LessonID: lessonID,
		Error:    err.Error(),
	})
	c.publish(events.EventUploadFailed, sessionID, "upload failed", map[string]interface{}{
		"lesson_id": lessonID,
		"error":     err.Error(),
	})
}

// setProgress records progress and mirrors it onto the event bus,
// emitting a phase change event when the phase moves.
func (c *Coordinator) setProgress(sessionID string, p Progress) {
	c.mu.Lock()
	prev := c.progress
	c.progress = p
	c.mu.Unlock()

	if prev.Phase != p.Phase {
		c.logger.Info("upload phase changed", "session_id", sessionID, "from", string(prev.Phase), "to", string(p.Phase))
		c.publish(events.EventUploadPhaseChanged, sessionID, fmt.Sprintf("upload entered %s", p.Phase), map[string]interface{}{
			"phase":     string(p.Phase),
			"lesson_id": p.LessonID,
		})
	}
	c.publish(events.EventUploadProgress, sessionID, "", map[string]interface{}{
		"phase":       string(p.Phase),
		"percent":     p.Percent,
		"lesson_id":   p.LessonID,
		"bytes_sent":  p.BytesSent,
		"bytes_total": p.BytesTotal,
	})
}

func (c *Coordinator) publish(eventType events.EventType, sessionID, message string, data map[string]interface{}) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Event{
		Type:      eventType,
		Source:    "upload-coordinator",
		SessionID: sessionID,
		Message:   message,
		Data:      data,
	})
}

// transferPercent maps transferred bytes onto the 30-70 span
func transferPercent(sent, total int64) int {
	if total <= 0 {
		return progressLessonDone
	}
	span := int64(progressTransferDone - progressLessonDone)
	return progressLessonDone + int(sent*span/total)
}

// processingPercent maps the server's 0-100 onto the 70-100 span
func processingPercent(server int) int {
	if server < 0 {
		server = 0
	}
	if server > 100 {
		server = 100
	}
	span := progressComplete - progressTransferDone
	return progressTransferDone + server*span/100
}
