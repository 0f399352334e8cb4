// Package sessionstore persists recording sessions locally so a user
// can reload, re-trim, re-upload, or export a recording later.
package sessionstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/educast/studio/internal/media"
)

// posterWidth is the stored poster thumbnail width; height follows
// the recording's aspect ratio.
const posterWidth = 480

// Store persists session descriptors through gorm and blob bytes on
// the local filesystem.
type Store struct {
	logger  hclog.Logger
	db      *gorm.DB
	dataDir string
}

// NewStore creates a session store rooted at dataDir and migrates its
// schema.
func NewStore(logger hclog.Logger, db *gorm.DB, dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create session data dir: %w", err)
	}
	if err := db.AutoMigrate(&SessionRecord{}); err != nil {
		return nil, fmt.Errorf("migrate session store: %w", err)
	}
	return &Store{logger: logger.Named("session-store"), db: db, dataDir: dataDir}, nil
}

// Save persists a finalized session and its blob. poster may be nil
// when no frame is available for a thumbnail.
func (s *Store) Save(session *media.RecordingSession, blob *media.Blob, poster image.Image) (string, error) {
	if session.ID == "" {
		return "", fmt.Errorf("session has no id")
	}

	blobPath := filepath.Join(s.dataDir, session.ID+".webm")
	if err := os.WriteFile(blobPath, blob.Data, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}

	posterPath := ""
	if poster != nil {
		posterPath = filepath.Join(s.dataDir, session.ID+".webp")
		if err := s.writePoster(posterPath, poster); err != nil {
			s.logger.Warn("poster write failed", "session_id", session.ID, "error", err)
			posterPath = ""
		}
	}

	record, err := toRecord(session, blob, blobPath, posterPath)
	if err != nil {
		return "", err
	}
	if err := s.db.Save(record).Error; err != nil {
		return "", fmt.Errorf("persist session: %w", err)
	}
	s.logger.Info("session saved", "session_id", session.ID, "bytes", blob.SizeBytes())
	return session.ID, nil
}

// Load reads a session descriptor and its blob
func (s *Store) Load(id string) (*media.RecordingSession, *media.Blob, error) {
	var record SessionRecord
	if err := s.db.First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, media.ErrSessionNotFound
		}
		return nil, nil, fmt.Errorf("load session: %w", err)
	}
	session, err := fromRecord(&record)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(record.BlobPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read blob: %w", err)
	}
	blob := &media.Blob{
		Data:             data,
		Container:        media.Container(record.Container),
		VideoCodec:       record.VideoCodec,
		AudioCodec:       record.AudioCodec,
		ApproxDurationMs: record.ApproxDurationMs,
	}
	return session, blob, nil
}

// List returns all stored session descriptors, newest first
func (s *Store) List() ([]SessionRecord, error) {
	var records []SessionRecord
	if err := s.db.Order("started_at desc").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return records, nil
}

// UpdateBlob replaces a stored session's artifact, used after a trim.
// The poster is kept; it still shows a frame from the recording.
func (s *Store) UpdateBlob(id string, blob *media.Blob) error {
	var record SessionRecord
	if err := s.db.First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return media.ErrSessionNotFound
		}
		return fmt.Errorf("load session: %w", err)
	}
	if err := os.WriteFile(record.BlobPath, blob.Data, 0o644); err != nil {
		return fmt.Errorf("write blob: %w", err)
	}
	updates := map[string]interface{}{
		"size_bytes":         blob.SizeBytes(),
		"approx_duration_ms": blob.ApproxDurationMs,
	}
	if err := s.db.Model(&SessionRecord{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// Delete removes a session, its blob, and its poster. Unknown ids
// return ErrSessionNotFound.
func (s *Store) Delete(id string) error {
	var record SessionRecord
	if err := s.db.First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return media.ErrSessionNotFound
		}
		return fmt.Errorf("load session: %w", err)
	}
	if err := s.db.Delete(&SessionRecord{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if record.BlobPath != "" {
		os.Remove(record.BlobPath)
	}
	if record.PosterPath != "" {
		os.Remove(record.PosterPath)
	}
	s.logger.Info("session deleted", "session_id", id)
	return nil
}

// writePoster stores a webp thumbnail of the given frame
func (s *Store) writePoster(path string, frame image.Image) error {
	thumb := imaging.Resize(frame, posterWidth, 0, imaging.Lanczos)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return webp.Encode(f, thumb, &webp.Options{Quality: 80})
}

func toRecord(session *media.RecordingSession, blob *media.Blob, blobPath, posterPath string) (*SessionRecord, error) {
	sources, err := json.Marshal(session.SourcesUsed)
	if err != nil {
		return nil, fmt.Errorf("encode sources: %w", err)
	}
	layouts, err := json.Marshal(session.LayoutHistory)
	if err != nil {
		return nil, fmt.Errorf("encode layout history: %w", err)
	}
	cues, err := json.Marshal(session.SlideCues)
	if err != nil {
		return nil, fmt.Errorf("encode slide cues: %w", err)
	}
	return &SessionRecord{
		ID:               session.ID,
		StartedAt:        session.StartedAt,
		EndedAt:          session.EndedAt,
		SourcesUsed:      string(sources),
		LayoutHistory:    string(layouts),
		SlideCues:        string(cues),
		AudioEnabled:     session.AudioEnabled,
		QualityProfile:   string(session.QualityProfile),
		BlobPath:         blobPath,
		PosterPath:       posterPath,
		Container:        string(blob.Container),
		VideoCodec:       blob.VideoCodec,
		AudioCodec:       blob.AudioCodec,
		SizeBytes:        blob.SizeBytes(),
		ApproxDurationMs: blob.ApproxDurationMs,
	}, nil
}

func fromRecord(record *SessionRecord) (*media.RecordingSession, error) {
	session := &media.RecordingSession{
		ID:             record.ID,
		StartedAt:      record.StartedAt,
		EndedAt:        record.EndedAt,
		AudioEnabled:   record.AudioEnabled,
		QualityProfile: media.QualityProfile(record.QualityProfile),
		BlobRef:        record.BlobPath,
	}
	if err := json.Unmarshal([]byte(record.SourcesUsed), &session.SourcesUsed); err != nil {
		return nil, fmt.Errorf("decode sources: %w", err)
	}
	if err := json.Unmarshal([]byte(record.LayoutHistory), &session.LayoutHistory); err != nil {
		return nil, fmt.Errorf("decode layout history: %w", err)
	}
	if err := json.Unmarshal([]byte(record.SlideCues), &session.SlideCues); err != nil {
		return nil, fmt.Errorf("decode slide cues: %w", err)
	}
	return session, nil
}
