package cobot_us

import (
	"context"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"go.viam.com/rdk/logging"
)

// Reslice driver settings used for PLUS-style ultrasound: transverse mode,
// flipped, rotated 180 degrees.
const (
	ResliceModeTransverse = 6
	resliceFlip           = true
	resliceRotationDeg    = 180
)

// Reconstruction output settings keyed by live updates.
const (
	liveSpacingMM      = 0.5
	staticSpacingMM    = 1.0
	liveUpdateInterval = time.Second
	// An interval this long means the volume is only updated when the
	// session stops.
	pausedUpdateInterval = 1000 * time.Second

	// DefaultRenderingPreset is the volume rendering transfer function
	// applied to the output volume.
	DefaultRenderingPreset = "MR-Default"
)

// ROI is an axis-aligned box in the robot base frame, in millimetres.
type ROI struct {
	Center r3.Vector `json:"center"`
	Size   r3.Vector `json:"size"`
}

// Radius returns the half extents.
func (r ROI) Radius() r3.Vector {
	return r.Size.Mul(0.5)
}

// SliceViewConfig controls how the live image is shown.
type SliceViewConfig struct {
	Image           string `json:"image"`
	Visible         bool   `json:"visible"`
	FitToBackground bool   `json:"fit_to_background"`
}

// ResliceConfig drives a slice view from the image pose.
type ResliceConfig struct {
	Driver      string  `json:"driver"`
	Mode        int     `json:"mode"`
	Flip        bool    `json:"flip"`
	RotationDeg float64 `json:"rotation_deg"`
}

// ReconstructionSession is one live reconstruction run.
type ReconstructionSession struct {
	ID                 uuid.UUID     `json:"id"`
	InputImage         string        `json:"input_image"`
	OutputVolume       string        `json:"output_volume"`
	ROINode            string        `json:"roi_node"`
	ROI                ROI           `json:"roi"`
	LiveUpdates        bool          `json:"live_updates"`
	Spacing            float64       `json:"spacing"`
	LiveUpdateInterval time.Duration `json:"live_update_interval"`
	FillHoles          bool          `json:"fill_holes"`
	RenderingPreset    string        `json:"rendering_preset"`
	State              string        `json:"state"`
	Error              string        `json:"error,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	StartedAt          *time.Time    `json:"started_at,omitempty"`
	EndedAt            *time.Time    `json:"ended_at,omitempty"`
}

// NewReconstructionSession builds a session whose output spacing and update
// interval follow liveUpdates.
func NewReconstructionSession(liveUpdates bool) *ReconstructionSession {
	s := &ReconstructionSession{
		ID:              uuid.New(),
		InputImage:      ImageReferenceName,
		OutputVolume:    VolumeReferenceName,
		ROINode:         VolumeReconstructionROIName,
		LiveUpdates:     liveUpdates,
		FillHoles:       true,
		RenderingPreset: DefaultRenderingPreset,
		CreatedAt:       time.Now(),
	}
	if liveUpdates {
		s.Spacing = liveSpacingMM
		s.LiveUpdateInterval = liveUpdateInterval
	} else {
		s.Spacing = staticSpacingMM
		s.LiveUpdateInterval = pausedUpdateInterval
	}
	return s
}

// ReconstructionEngine is the external volume reconstruction and rendering
// service the coordinator drives.
type ReconstructionEngine interface {
	ConfigureSliceView(ctx context.Context, cfg SliceViewConfig) error
	ConfigureReslice(ctx context.Context, cfg ResliceConfig) error
	Configure(ctx context.Context, session *ReconstructionSession) error
	SetROI(ctx context.Context, session uuid.UUID, roi ROI) error
	Reset(ctx context.Context, session uuid.UUID) error
	Start(ctx context.Context, session uuid.UUID) error
	Stop(ctx context.Context, session uuid.UUID) error
	SetVolumeVisible(ctx context.Context, volume string, visible bool) error
}

// loggingEngine stands in when no reconstruction host is configured. It only
// logs what it would have done.
type loggingEngine struct {
	logger logging.Logger
}

// NewLoggingEngine returns an engine that accepts every request and logs it.
func NewLoggingEngine(logger logging.Logger) ReconstructionEngine {
	return &loggingEngine{logger: logger}
}

func (e *loggingEngine) ConfigureSliceView(_ context.Context, cfg SliceViewConfig) error {
	e.logger.Debugf("slice view: %+v", cfg)
	return nil
}

func (e *loggingEngine) ConfigureReslice(_ context.Context, cfg ResliceConfig) error {
	e.logger.Debugf("reslice driver: %+v", cfg)
	return nil
}

func (e *loggingEngine) Configure(_ context.Context, s *ReconstructionSession) error {
	e.logger.Infof("reconstruction %s: spacing %.1f mm, update interval %s, preset %s",
		s.ID, s.Spacing, s.LiveUpdateInterval, s.RenderingPreset)
	return nil
}

func (e *loggingEngine) SetROI(_ context.Context, id uuid.UUID, roi ROI) error {
	e.logger.Debugf("reconstruction %s: ROI center %v size %v", id, roi.Center, roi.Size)
	return nil
}

func (e *loggingEngine) Reset(_ context.Context, id uuid.UUID) error {
	e.logger.Debugf("reconstruction %s: reset", id)
	return nil
}

func (e *loggingEngine) Start(_ context.Context, id uuid.UUID) error {
	e.logger.Infof("reconstruction %s: start", id)
	return nil
}

func (e *loggingEngine) Stop(_ context.Context, id uuid.UUID) error {
	e.logger.Infof("reconstruction %s: stop", id)
	return nil
}

func (e *loggingEngine) SetVolumeVisible(_ context.Context, volume string, visible bool) error {
	e.logger.Debugf("volume %s visible=%v", volume, visible)
	return nil
}
