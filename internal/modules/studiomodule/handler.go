package studiomodule

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"

	"github.com/educast/studio/internal/engine"
	"github.com/educast/studio/internal/media"
	"github.com/educast/studio/internal/media/source"
	"github.com/educast/studio/internal/sessionstore"
	"github.com/educast/studio/internal/upload"
)

// Handler carries the studio API endpoints
type Handler struct {
	logger   hclog.Logger
	engine   *engine.Engine
	store    *sessionstore.Store
	uploader *upload.Coordinator
}

// NewHandler creates the studio API handler
func NewHandler(logger hclog.Logger, eng *engine.Engine, store *sessionstore.Store, uploader *upload.Coordinator) *Handler {
	return &Handler{
		logger:   logger.Named("studio-api"),
		engine:   eng,
		store:    store,
		uploader: uploader,
	}
}

func parseKind(raw string) (media.SourceKind, bool) {
	switch media.SourceKind(raw) {
	case media.SourceCamera, media.SourceScreen, media.SourceMicrophone:
		return media.SourceKind(raw), true
	}
	return "", false
}

// acquireStatus maps typed acquisition failures onto HTTP statuses
func acquireStatus(err error) int {
	switch {
	case errors.Is(err, media.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, media.ErrDeviceUnavailable):
		return http.StatusNotFound
	case errors.Is(err, media.ErrConstraintsUnsatisfiable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, media.ErrUserCancelled):
		return http.StatusConflict
	case errors.Is(err, media.ErrUnsupported):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// ListSources reports the kinds currently held
func (h *Handler) ListSources(c *gin.Context) {
	held := h.engine.Sources().HeldKinds()
	c.JSON(http.StatusOK, gin.H{"held": held})
}

// AcquireSource acquires a capture of the kind in the path
func (h *Handler) AcquireSource(c *gin.Context) {
	kind, ok := parseKind(c.Param("kind"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown source kind"})
		return
	}
	var constraints source.Constraints
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&constraints); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	handle, err := h.engine.AcquireSource(kind, constraints)
	if err != nil {
		c.JSON(acquireStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"handle_id": handle.ID,
		"kind":      handle.Kind,
		"device_id": handle.DeviceID,
	})
}

// ReleaseSource releases the held capture of a kind
func (h *Handler) ReleaseSource(c *gin.Context) {
	kind, ok := parseKind(c.Param("kind"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown source kind"})
		return
	}
	h.engine.ReleaseSource(kind)
	c.JSON(http.StatusOK, gin.H{"released": kind})
}

// StartRecording starts a recording on the held sources
func (h *Handler) StartRecording(c *gin.Context) {
	var opts engine.StartOptions
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&opts); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	session, err := h.engine.StartRecording(opts)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, session)
}

// PauseRecording freezes the recording timeline
func (h *Handler) PauseRecording(c *gin.Context) {
	if err := h.engine.PauseRecording(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": "paused"})
}

// ResumeRecording continues after a pause
func (h *Handler) ResumeRecording(c *gin.Context) {
	if err := h.engine.ResumeRecording(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": "recording"})
}

// StopRecording finalizes and persists the recording
func (h *Handler) StopRecording(c *gin.Context) {
	session, err := h.engine.StopRecording()
	if err != nil {
		if errors.Is(err, media.ErrRecordingTooShort) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "session": session})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "session": session})
		return
	}
	c.JSON(http.StatusOK, session)
}

// SetLayout stages a layout switch for the next frame
func (h *Handler) SetLayout(c *gin.Context) {
	var req struct {
		Variant media.LayoutVariant `json:"variant"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.engine.SetLayout(req.Variant); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"variant": req.Variant})
}

// MarkSlide records a slide transition at the current pts
func (h *Handler) MarkSlide(c *gin.Context) {
	var req struct {
		SlideIndex int `json:"slide_index"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cueMark, err := h.engine.MarkSlide(req.SlideIndex)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cueMark)
}

// SetGain adjusts one source's level in the mix
func (h *Handler) SetGain(c *gin.Context) {
	var req struct {
		Kind media.SourceKind `json:"kind"`
		Gain float64          `json:"gain"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.engine.SetGain(req.Kind, req.Gain); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"kind": req.Kind, "gain": req.Gain})
}

// SetMuted mutes or unmutes one source in the mix
func (h *Handler) SetMuted(c *gin.Context) {
	var req struct {
		Kind  media.SourceKind `json:"kind"`
		Muted bool             `json:"muted"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.engine.SetMuted(req.Kind, req.Muted); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"kind": req.Kind, "muted": req.Muted})
}

// Stats returns live recording statistics
func (h *Handler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Stats())
}

// ListSessions lists stored sessions, newest first
func (h *Handler) ListSessions(c *gin.Context) {
	records, err := h.store.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": records, "total": len(records)})
}

// GetSession returns one stored session descriptor
func (h *Handler) GetSession(c *gin.Context) {
	session, blob, err := h.store.Load(c.Param("id"))
	if err != nil {
		c.JSON(sessionStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session":     session,
		"size_bytes":  blob.SizeBytes(),
		"duration_ms": blob.ApproxDurationMs,
		"container":   blob.Container,
	})
}

// DeleteSession removes a stored session and its artifact
func (h *Handler) DeleteSession(c *gin.Context) {
	if err := h.store.Delete(c.Param("id")); err != nil {
		c.JSON(sessionStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id")})
}

// ExportSession serves the artifact bytes for download
func (h *Handler) ExportSession(c *gin.Context) {
	_, blob, err := h.store.Load(c.Param("id"))
	if err != nil {
		c.JSON(sessionStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.Header("Content-Disposition", "attachment; filename="+c.Param("id")+"."+string(blob.Container))
	c.Data(http.StatusOK, blob.Container.MimeType(), blob.Data)
}

// TrimSession cuts a stored recording to an interval
func (h *Handler) TrimSession(c *gin.Context) {
	var req struct {
		StartMs int64 `json:"start_ms"`
		EndMs   int64 `json:"end_ms"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := h.engine.Trim(c.Param("id"), req.StartMs, req.EndMs)
	if err != nil {
		if errors.Is(err, media.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"size_bytes":      result.Blob.SizeBytes(),
		"duration_ms":     result.Blob.ApproxDurationMs,
		"seek_inaccurate": result.SeekInaccurate,
		"drift_ms":        result.DriftMs,
		"no_op":           result.NoOp,
	})
}

// UploadSession starts an upload in the background. Progress streams
// over the event feed; the progress endpoint serves the latest state.
func (h *Handler) UploadSession(c *gin.Context) {
	var req struct {
		CourseID    string `json:"course_id"`
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.CourseID == "" || req.Title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "course_id and title are required"})
		return
	}

	sessionID := c.Param("id")
	// Validate before accepting so an unusable artifact fails fast.
	_, blob, err := h.store.Load(sessionID)
	if err != nil {
		c.JSON(sessionStatus(err), gin.H{"error": err.Error()})
		return
	}
	if err := upload.Validate(blob); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	go func() {
		if _, err := h.engine.Upload(context.Background(), sessionID, req.CourseID, req.Title, req.Description); err != nil {
			h.logger.Error("upload failed", "session_id", sessionID, "error", err)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"session_id": sessionID, "status": "upload started"})
}

// UploadProgress returns the latest upload progress snapshot
func (h *Handler) UploadProgress(c *gin.Context) {
	c.JSON(http.StatusOK, h.uploader.Progress())
}

// CancelUpload aborts the running upload, if any
func (h *Handler) CancelUpload(c *gin.Context) {
	h.uploader.Cancel()
	c.JSON(http.StatusOK, gin.H{"status": "cancel requested"})
}

func sessionStatus(err error) int {
	if errors.Is(err, media.ErrSessionNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
