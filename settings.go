package cobot_us

import (
	"context"
	"math"
	"sync"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// Bounds for user-tunable settings.
const (
	MinImageThreshold = -100
	MaxImageThreshold = 500
	MinAngleRange     = 0
	MaxAngleRange     = 90
)

// SettingsSnapshot is the full set of user-tunable parameters.
type SettingsSnapshot struct {
	ImageThreshold float64     `json:"image_threshold"`
	Speed          int         `json:"speed"`
	AngleRange     float64     `json:"angle_range"`
	CenterAngles   JointAngles `json:"center_angles"`
	LiveUpdates    bool        `json:"live_updates"`
}

// DefaultSettings returns the factory settings.
func DefaultSettings() SettingsSnapshot {
	return SettingsSnapshot{
		ImageThreshold: 100,
		Speed:          5,
		AngleRange:     30,
		CenterAngles:   DefaultCenterAngles,
		LiveUpdates:    true,
	}
}

func validateImageThreshold(v float64) error {
	if math.IsNaN(v) || v < MinImageThreshold || v > MaxImageThreshold {
		return errors.Wrapf(ErrOutOfRange, "image threshold %v outside [%d, %d]", v, MinImageThreshold, MaxImageThreshold)
	}
	return nil
}

func validateAngleRange(v float64) error {
	if math.IsNaN(v) || v < MinAngleRange || v > MaxAngleRange {
		return errors.Wrapf(ErrOutOfRange, "angle range %v outside [%d, %d]", v, MinAngleRange, MaxAngleRange)
	}
	return nil
}

// Validate checks every field against its bounds.
func (s SettingsSnapshot) Validate() error {
	if err := validateImageThreshold(s.ImageThreshold); err != nil {
		return err
	}
	if err := ValidateSpeed(s.Speed); err != nil {
		return err
	}
	if err := validateAngleRange(s.AngleRange); err != nil {
		return err
	}
	return s.CenterAngles.Validate()
}

// SettingsPatch carries a partial update. Nil fields are left alone.
type SettingsPatch struct {
	ImageThreshold *float64  `json:"image_threshold,omitempty"`
	Speed          *int      `json:"speed,omitempty"`
	AngleRange     *float64  `json:"angle_range,omitempty"`
	CenterAngles   []float64 `json:"center_angles,omitempty"`
	LiveUpdates    *bool     `json:"live_updates,omitempty"`
}

func (p SettingsPatch) apply(s SettingsSnapshot) (SettingsSnapshot, error) {
	if p.ImageThreshold != nil {
		s.ImageThreshold = *p.ImageThreshold
	}
	if p.Speed != nil {
		s.Speed = *p.Speed
	}
	if p.AngleRange != nil {
		s.AngleRange = *p.AngleRange
	}
	if p.CenterAngles != nil {
		center, err := NewJointAngles(p.CenterAngles)
		if err != nil {
			return s, err
		}
		s.CenterAngles = center
	}
	if p.LiveUpdates != nil {
		s.LiveUpdates = *p.LiveUpdates
	}
	return s, s.Validate()
}

// Settings holds the process-wide configuration shared by the sweep
// controller and the reconstruction coordinator. Every setter validates
// first; a rejected value leaves the state unchanged. Accepted changes are
// written to the store when one is configured.
type Settings struct {
	logger logging.Logger
	store  SettingsStore

	saveMu sync.Mutex
	mu     sync.RWMutex
	cur    SettingsSnapshot
}

// NewSettings returns settings seeded with initial, which must be valid.
func NewSettings(initial SettingsSnapshot, store SettingsStore, logger logging.Logger) (*Settings, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	return &Settings{logger: logger, store: store, cur: initial}, nil
}

// LoadSettings reads saved settings from store, falling back to the factory
// defaults when nothing usable is stored.
func LoadSettings(ctx context.Context, store SettingsStore, logger logging.Logger) *Settings {
	initial := DefaultSettings()
	if store != nil {
		saved, err := store.Load(ctx)
		switch {
		case errors.Is(err, ErrNoSettings):
			logger.Debug("No saved settings, using defaults")
		case err != nil:
			logger.Warnf("Failed to load settings: %v, using defaults", err)
		case saved.Validate() != nil:
			logger.Warnf("Saved settings are invalid (%v), using defaults", saved.Validate())
		default:
			initial = saved
			logger.Info("Loaded saved settings")
		}
	}
	return &Settings{logger: logger, store: store, cur: initial}
}

// Snapshot returns a copy of the current settings.
func (s *Settings) Snapshot() SettingsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

func (s *Settings) CenterAngles() JointAngles {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.CenterAngles
}

func (s *Settings) Speed() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.Speed
}

func (s *Settings) AngleRange() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.AngleRange
}

func (s *Settings) LiveUpdates() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.LiveUpdates
}

func (s *Settings) SetImageThreshold(ctx context.Context, v float64) error {
	return s.Update(ctx, SettingsPatch{ImageThreshold: &v})
}

func (s *Settings) SetSpeed(ctx context.Context, v int) error {
	return s.Update(ctx, SettingsPatch{Speed: &v})
}

func (s *Settings) SetAngleRange(ctx context.Context, v float64) error {
	return s.Update(ctx, SettingsPatch{AngleRange: &v})
}

func (s *Settings) SetLiveUpdates(ctx context.Context, v bool) error {
	return s.Update(ctx, SettingsPatch{LiveUpdates: &v})
}

func (s *Settings) SetCenterAngles(ctx context.Context, center JointAngles) error {
	return s.Update(ctx, SettingsPatch{CenterAngles: center.Slice()})
}

// ResetCenterAngles restores the factory center.
func (s *Settings) ResetCenterAngles(ctx context.Context) error {
	return s.SetCenterAngles(ctx, DefaultCenterAngles)
}

// Update applies a patch atomically: either every field is accepted or none is.
func (s *Settings) Update(ctx context.Context, patch SettingsPatch) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	next, err := patch.apply(s.cur)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.cur = next
	s.mu.Unlock()

	s.persist(ctx, next)
	return nil
}

func (s *Settings) persist(ctx context.Context, snap SettingsSnapshot) {
	if s.store == nil {
		return
	}
	if err := s.store.Save(ctx, snap); err != nil {
		s.logger.Warnf("Failed to save settings: %v", err)
	}
}
