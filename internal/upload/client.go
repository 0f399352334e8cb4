// Package upload publishes finalized recordings to the lesson
// platform: lesson creation, artifact transfer, and the server-side
// processing watch, driven by a phase state machine.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/educast/studio/internal/media"
)

// Lesson processing states reported by the platform
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusReady      = "ready"
	StatusFailed     = "failed"
)

// LessonRequest describes the lesson to create for a recording
type LessonRequest struct {
	CourseID    string           `json:"course_id"`
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	DurationMs  int64            `json:"duration_ms"`
	SlideCues   []media.SlideCue `json:"slide_cues,omitempty"`
}

// ProcessingStatus is the platform's view of a transferred video
type ProcessingStatus struct {
	LessonID string `json:"lesson_id"`
	State    string `json:"state"`
	Percent  int    `json:"percent"`
	Error    string `json:"error,omitempty"`
}

// Terminal reports whether processing has finished, either way
func (s ProcessingStatus) Terminal() bool {
	return s.State == StatusReady || s.State == StatusFailed
}

// Client talks to the lesson platform's REST API
type Client struct {
	logger  hclog.Logger
	baseURL string
	http    *http.Client
}

// NewClient creates a platform client for the given base URL
func NewClient(logger hclog.Logger, baseURL string) *Client {
	return &Client{
		logger:  logger.Named("upload-client"),
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

// BaseURL returns the configured platform base URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CreateLesson registers a new lesson under a course and returns the
// lesson id the platform assigned.
func (c *Client) CreateLesson(ctx context.Context, req LessonRequest) (string, error) {
	if req.CourseID == "" {
		return "", fmt.Errorf("%w: course id required", media.ErrTransferFailed)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode lesson: %w", err)
	}
	url := fmt.Sprintf("%s/courses/%s/lessons", c.baseURL, req.CourseID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", classifyNetErr(err)
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp); err != nil {
		return "", err
	}

	var lesson struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&lesson); err != nil {
		return "", fmt.Errorf("decode lesson response: %w", err)
	}
	if lesson.ID == "" {
		return "", fmt.Errorf("%w: platform returned empty lesson id", media.ErrTransferFailed)
	}
	return lesson.ID, nil
}

// UploadVideo transfers the blob as a multipart form. onBytes, when
// non-nil, is called as the body is consumed so callers can map byte
// counts onto progress.
func (c *Client) UploadVideo(ctx context.Context, lessonID string, blob *media.Blob, onBytes func(sent, total int64)) error {
	var form bytes.Buffer
	writer := multipart.NewWriter(&form)
	if err := writer.WriteField("lesson_id", lessonID); err != nil {
		return fmt.Errorf("write form field: %w", err)
	}
	part, err := writer.CreateFormFile("video", lessonID+"."+string(blob.Container))
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(blob.Data); err != nil {
		return fmt.Errorf("write form file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close form: %w", err)
	}

	total := int64(form.Len())
	body := io.Reader(&form)
	if onBytes != nil {
		body = &countingReader{r: &form, total: total, onBytes: onBytes}
	}

	url := c.baseURL + "/videos/upload"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	httpReq.ContentLength = total

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return classifyNetErr(err)
	}
	defer resp.Body.Close()
	return classifyStatus(resp)
}

// VideoStatus fetches the processing state for a lesson's video
func (c *Client) VideoStatus(ctx context.Context, lessonID string) (ProcessingStatus, error) {
	url := c.baseURL + "/videos/status/" + lessonID
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ProcessingStatus{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return ProcessingStatus{}, classifyNetErr(err)
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp); err != nil {
		return ProcessingStatus{}, err
	}
	var status ProcessingStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return ProcessingStatus{}, fmt.Errorf("decode status: %w", err)
	}
	if status.LessonID == "" {
		status.LessonID = lessonID
	}
	return status, nil
}

// countingReader reports consumed bytes to an observer
type countingReader struct {
	r       io.Reader
	sent    int64
	total   int64
	onBytes func(sent, total int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.sent += int64(n)
		c.onBytes(c.sent, c.total)
	}
	return n, err
}

// classifyNetErr maps transport failures. Context cancellation stays
// a cancellation; everything else at this layer is retryable.
func classifyNetErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return media.ErrUploadCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: request timed out", media.ErrTransientNetwork)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", media.ErrTransientNetwork, err)
	}
	return fmt.Errorf("%w: %v", media.ErrTransientNetwork, err)
}

// classifyStatus maps HTTP status codes onto upload errors. 5xx and
// 408/429 are retryable; other 4xx are permanent.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: server returned %d", media.ErrTransientNetwork, resp.StatusCode)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: server returned %d: %s", media.ErrTransferFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}
}
