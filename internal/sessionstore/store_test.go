package sessionstore

import (
	"bytes"
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/educast/studio/internal/media"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	store, err := NewStore(hclog.NewNullLogger(), db, t.TempDir())
	require.NoError(t, err)
	return store
}

func testSession(startedAt time.Time) *media.RecordingSession {
	ended := startedAt.Add(90 * time.Second)
	return &media.RecordingSession{
		ID:        uuid.New().String(),
		StartedAt: startedAt,
		EndedAt:   &ended,
		SourcesUsed: []media.SourceKind{
			media.SourceCamera, media.SourceScreen, media.SourceMicrophone,
		},
		LayoutHistory: []media.LayoutEntry{
			{PTS: 0, Layout: media.NewLayout(media.LayoutPictureInPicture)},
			{PTS: 30000, Layout: media.NewLayout(media.LayoutSideBySide)},
		},
		SlideCues:      []media.SlideCue{{PTS: 5000, SlideIndex: 1}, {PTS: 45000, SlideIndex: 2}},
		AudioEnabled:   true,
		QualityProfile: media.QualityHD720,
	}
}

func sessionBlob() *media.Blob {
	return &media.Blob{
		Data:             bytes.Repeat([]byte{0xCD}, 10<<10),
		Container:        media.ContainerWebM,
		VideoCodec:       media.CodecVP8,
		AudioCodec:       "A_PCM/INT/LIT",
		ApproxDurationMs: 90000,
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	session := testSession(time.Now().UTC().Truncate(time.Second))
	blob := sessionBlob()
	poster := image.NewRGBA(image.Rect(0, 0, 640, 360))

	id, err := store.Save(session, blob, poster)
	require.NoError(t, err)
	assert.Equal(t, session.ID, id)

	loaded, loadedBlob, err := store.Load(id)
	require.NoError(t, err)

	assert.Equal(t, session.ID, loaded.ID)
	assert.Equal(t, session.SourcesUsed, loaded.SourcesUsed)
	assert.Equal(t, session.SlideCues, loaded.SlideCues)
	require.Len(t, loaded.LayoutHistory, 2)
	assert.Equal(t, media.LayoutSideBySide, loaded.LayoutHistory[1].Layout.Variant)
	assert.True(t, loaded.AudioEnabled)
	assert.Equal(t, media.QualityHD720, loaded.QualityProfile)
	assert.NotEmpty(t, loaded.BlobRef)

	assert.Equal(t, blob.Data, loadedBlob.Data)
	assert.Equal(t, media.ContainerWebM, loadedBlob.Container)
	assert.Equal(t, media.CodecVP8, loadedBlob.VideoCodec)
	assert.Equal(t, int64(90000), loadedBlob.ApproxDurationMs)
}

func TestSaveWritesPoster(t *testing.T) {
	store := newTestStore(t)
	session := testSession(time.Now())

	_, err := store.Save(session, sessionBlob(), image.NewRGBA(image.Rect(0, 0, 1280, 720)))
	require.NoError(t, err)

	posterPath := filepath.Join(store.dataDir, session.ID+".webp")
	info, err := os.Stat(posterPath)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestSaveWithoutPoster(t *testing.T) {
	store := newTestStore(t)
	session := testSession(time.Now())

	_, err := store.Save(session, sessionBlob(), nil)
	require.NoError(t, err)

	records, err := store.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Empty(t, records[0].PosterPath)
}

func TestSaveRequiresID(t *testing.T) {
	store := newTestStore(t)
	session := testSession(time.Now())
	session.ID = ""
	_, err := store.Save(session, sessionBlob(), nil)
	assert.Error(t, err)
}

func TestListNewestFirst(t *testing.T) {
	store := newTestStore(t)
	base := time.Now().UTC()

	older := testSession(base.Add(-time.Hour))
	newer := testSession(base)
	_, err := store.Save(older, sessionBlob(), nil)
	require.NoError(t, err)
	_, err = store.Save(newer, sessionBlob(), nil)
	require.NoError(t, err)

	records, err := store.List()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, newer.ID, records[0].ID)
	assert.Equal(t, older.ID, records[1].ID)
}

func TestUpdateBlob(t *testing.T) {
	store := newTestStore(t)
	session := testSession(time.Now())
	_, err := store.Save(session, sessionBlob(), nil)
	require.NoError(t, err)

	trimmed := &media.Blob{
		Data:             bytes.Repeat([]byte{0xEE}, 6<<10),
		Container:        media.ContainerWebM,
		VideoCodec:       media.CodecVP8,
		ApproxDurationMs: 30000,
	}
	require.NoError(t, store.UpdateBlob(session.ID, trimmed))

	_, blob, err := store.Load(session.ID)
	require.NoError(t, err)
	assert.Equal(t, trimmed.Data, blob.Data)

	records, err := store.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(len(trimmed.Data)), records[0].SizeBytes)
	assert.Equal(t, int64(30000), records[0].ApproxDurationMs)

	assert.ErrorIs(t, store.UpdateBlob("missing", trimmed), media.ErrSessionNotFound)
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	session := testSession(time.Now())
	_, err := store.Save(session, sessionBlob(), image.NewRGBA(image.Rect(0, 0, 64, 36)))
	require.NoError(t, err)

	blobPath := filepath.Join(store.dataDir, session.ID+".webm")
	require.FileExists(t, blobPath)

	require.NoError(t, store.Delete(session.ID))

	_, _, err = store.Load(session.ID)
	assert.ErrorIs(t, err, media.ErrSessionNotFound)
	assert.NoFileExists(t, blobPath)
	assert.NoFileExists(t, filepath.Join(store.dataDir, session.ID+".webp"))

	assert.ErrorIs(t, store.Delete(session.ID), media.ErrSessionNotFound)
}

func TestLoadUnknownSession(t *testing.T) {
	store := newTestStore(t)
	_, _, err := store.Load("nope")
	assert.ErrorIs(t, err, media.ErrSessionNotFound)
}

func TestSaveOverwritesExisting(t *testing.T) {
	store := newTestStore(t)
	session := testSession(time.Now())
	_, err := store.Save(session, sessionBlob(), nil)
	require.NoError(t, err)

	// Re-saving the same session after a re-finalize replaces it.
	session.SlideCues = append(session.SlideCues, media.SlideCue{PTS: 60000, SlideIndex: 3})
	_, err = store.Save(session, sessionBlob(), nil)
	require.NoError(t, err)

	loaded, _, err := store.Load(session.ID)
	require.NoError(t, err)
	assert.Len(t, loaded.SlideCues, 3)

	records, err := store.List()
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
