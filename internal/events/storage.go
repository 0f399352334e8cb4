package events

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// EventRecord is the persisted form of an event
type EventRecord struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Type      string    `gorm:"index" json:"type"`
	Source    string    `gorm:"index" json:"source"`
	SessionID string    `gorm:"index" json:"session_id"`
	Message   string    `json:"message"`
	Data      string    `json:"data"` // JSON-encoded payload
	Priority  int       `json:"priority"`
	Timestamp time.Time `gorm:"index" json:"timestamp"`
}

// TableName sets the table name for event records
func (EventRecord) TableName() string {
	return "engine_events"
}

// Storage persists events through gorm
type Storage struct {
	db *gorm.DB
}

// NewStorage creates event storage and migrates its schema
func NewStorage(db *gorm.DB) (*Storage, error) {
	if err := db.AutoMigrate(&EventRecord{}); err != nil {
		return nil, fmt.Errorf("migrate event storage: %w", err)
	}
	return &Storage{db: db}, nil
}

// Store persists one event
func (s *Storage) Store(event Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		data = []byte("{}")
	}
	record := EventRecord{
		ID:        event.ID,
		Type:      string(event.Type),
		Source:    event.Source,
		SessionID: event.SessionID,
		Message:   event.Message,
		Data:      string(data),
		Priority:  int(event.Priority),
		Timestamp: event.Timestamp,
	}
	return s.db.Create(&record).Error
}

// ForSession returns the persisted events of one recording session in
// timestamp order.
func (s *Storage) ForSession(sessionID string, limit int) ([]EventRecord, error) {
	var records []EventRecord
	q := s.db.Where("session_id = ?", sessionID).Order("timestamp asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("load session events: %w", err)
	}
	return records, nil
}

// Prune deletes events older than maxAge
func (s *Storage) Prune(maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge)
	return s.db.Where("timestamp < ?", cutoff).Delete(&EventRecord{}).Error
}
