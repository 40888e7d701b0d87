package cobot_us

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.viam.com/rdk/logging"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// SessionHistory records the lifecycle of reconstruction sessions.
type SessionHistory interface {
	Record(ctx context.Context, s *ReconstructionSession) error
	Recent(ctx context.Context, limit int) ([]SessionRecord, error)
}

// SessionRecord is the persisted form of a ReconstructionSession.
type SessionRecord struct {
	ID                 string        `gorm:"primaryKey;size:36" json:"id"`
	State              string        `gorm:"size:32;index" json:"state"`
	LiveUpdates        bool          `json:"live_updates"`
	Spacing            float64       `json:"spacing"`
	LiveUpdateInterval time.Duration `json:"live_update_interval"`
	ROICenterX         float64       `json:"roi_center_x"`
	ROICenterY         float64       `json:"roi_center_y"`
	ROICenterZ         float64       `json:"roi_center_z"`
	ROISizeX           float64       `json:"roi_size_x"`
	ROISizeY           float64       `json:"roi_size_y"`
	ROISizeZ           float64       `json:"roi_size_z"`
	RenderingPreset    string        `gorm:"size:64" json:"rendering_preset"`
	Error              string        `json:"error,omitempty"`
	StartedAt          *time.Time    `json:"started_at,omitempty"`
	EndedAt            *time.Time    `json:"ended_at,omitempty"`
	CreatedAt          time.Time     `gorm:"index" json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

func (SessionRecord) TableName() string {
	return "reconstruction_sessions"
}

func newSessionRecord(s *ReconstructionSession) SessionRecord {
	return SessionRecord{
		ID:                 s.ID.String(),
		State:              s.State,
		LiveUpdates:        s.LiveUpdates,
		Spacing:            s.Spacing,
		LiveUpdateInterval: s.LiveUpdateInterval,
		ROICenterX:         s.ROI.Center.X,
		ROICenterY:         s.ROI.Center.Y,
		ROICenterZ:         s.ROI.Center.Z,
		ROISizeX:           s.ROI.Size.X,
		ROISizeY:           s.ROI.Size.Y,
		ROISizeZ:           s.ROI.Size.Z,
		RenderingPreset:    s.RenderingPreset,
		Error:              s.Error,
		StartedAt:          s.StartedAt,
		EndedAt:            s.EndedAt,
		CreatedAt:          s.CreatedAt,
	}
}

// gormLogger adapts the rdk logger to GORM.
type gormLogger struct {
	logger logging.Logger
}

func (l *gormLogger) LogMode(gormlogger.LogLevel) gormlogger.Interface {
	return l
}

func (l *gormLogger) Info(_ context.Context, msg string, data ...interface{}) {
	l.logger.Infof(msg, data...)
}

func (l *gormLogger) Warn(_ context.Context, msg string, data ...interface{}) {
	l.logger.Warnf(msg, data...)
}

func (l *gormLogger) Error(_ context.Context, msg string, data ...interface{}) {
	l.logger.Errorf(msg, data...)
}

func (l *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	sql, rows := fc()
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		l.logger.Errorf("sql failed after %s (%d rows): %s: %v", time.Since(begin), rows, sql, err)
		return
	}
	l.logger.Debugf("sql %s (%d rows): %s", time.Since(begin), rows, sql)
}

type gormHistory struct {
	db *gorm.DB
}

// OpenPostgresHistory connects to Postgres and migrates the session table.
func OpenPostgresHistory(dsn string, logger logging.Logger) (SessionHistory, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: &gormLogger{logger: logger}})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session database: %w", err)
	}
	return NewGormHistory(db)
}

// NewGormHistory uses an existing GORM handle.
func NewGormHistory(db *gorm.DB) (SessionHistory, error) {
	if err := db.AutoMigrate(&SessionRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate session table: %w", err)
	}
	return &gormHistory{db: db}, nil
}

func (h *gormHistory) Record(ctx context.Context, s *ReconstructionSession) error {
	rec := newSessionRecord(s)
	if err := h.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("failed to record session %s: %w", rec.ID, err)
	}
	return nil
}

func (h *gormHistory) Recent(ctx context.Context, limit int) ([]SessionRecord, error) {
	var out []SessionRecord
	err := h.db.WithContext(ctx).Order("created_at desc").Limit(limit).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return out, nil
}

const memoryHistorySize = 100

// memoryHistory keeps the most recent sessions in process.
type memoryHistory struct {
	mu      sync.Mutex
	records []SessionRecord
}

// NewMemoryHistory returns a history that forgets everything on restart.
func NewMemoryHistory() SessionHistory {
	return &memoryHistory{}
}

func (h *memoryHistory) Record(_ context.Context, s *ReconstructionSession) error {
	rec := newSessionRecord(s)
	rec.UpdatedAt = time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.records {
		if h.records[i].ID == rec.ID {
			h.records[i] = rec
			return nil
		}
	}
	h.records = append(h.records, rec)
	if len(h.records) > memoryHistorySize {
		h.records = h.records[len(h.records)-memoryHistorySize:]
	}
	return nil
}

func (h *memoryHistory) Recent(_ context.Context, limit int) ([]SessionRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if limit <= 0 || limit > len(h.records) {
		limit = len(h.records)
	}
	out := make([]SessionRecord, 0, limit)
	for i := len(h.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, h.records[i])
	}
	return out, nil
}
