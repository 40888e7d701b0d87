package cobot_us

import (
	"context"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

// CoordinatorState is the reconstruction workflow state.
type CoordinatorState int

const (
	StateIdle CoordinatorState = iota
	StateAwaitingImage
	StateConfiguringGeometry
	StateReconstructing
	StateStopped
)

func (s CoordinatorState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingImage:
		return "awaiting_image"
	case StateConfiguringGeometry:
		return "configuring_geometry"
	case StateReconstructing:
		return "reconstructing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (s CoordinatorState) active() bool {
	return s == StateAwaitingImage || s == StateConfiguringGeometry || s == StateReconstructing
}

// CoordinatorOptions tunes the coordinator. Zero values pick defaults.
type CoordinatorOptions struct {
	TransformName     string
	ImagePollAttempts int
	ImagePollInterval time.Duration
	SweepStartSpeed   int
	// ImageToProbeHolder is the probe calibration. Defaults to a 90 degree
	// rotation about x with 0.64 mm pixels.
	ImageToProbeHolder *Matrix4
	ROISize            r3.Vector
	// ROIOffset is added to the flange position at all-zero joint angles.
	ROIOffset r3.Vector
}

func (o CoordinatorOptions) withDefaults() CoordinatorOptions {
	if o.TransformName == "" {
		o.TransformName = ProbeHolderToRobotBaseName
	}
	if o.ImagePollAttempts == 0 {
		o.ImagePollAttempts = 30
	}
	if o.ImagePollInterval == 0 {
		o.ImagePollInterval = 100 * time.Millisecond
	}
	if o.SweepStartSpeed == 0 {
		o.SweepStartSpeed = 15
	}
	if o.ImageToProbeHolder == nil {
		m := RotationXMatrix(90).Mul(ScaleMatrix(0.64))
		o.ImageToProbeHolder = &m
	}
	if o.ROISize == (r3.Vector{}) {
		o.ROISize = r3.Vector{X: 80, Y: 120, Z: 60}
	}
	if o.ROIOffset == (r3.Vector{}) {
		o.ROIOffset = r3.Vector{X: 50, Y: 50, Z: 40}
	}
	return o
}

// CoordinatorStatus is a snapshot for reporting.
type CoordinatorStatus struct {
	State     string                 `json:"state"`
	Session   *ReconstructionSession `json:"session,omitempty"`
	LastError string                 `json:"last_error,omitempty"`
}

// Coordinator runs the reconstruction workflow in lockstep with the arm: it
// waits for the image stream, wires the transform chain, configures the
// engine, moves to the sweep start and then starts reconstructing.
type Coordinator struct {
	logger   logging.Logger
	arm      *ArmLink
	sweep    *SweepController
	settings *Settings
	scene    *Scene
	images   ImageSource
	engine   ReconstructionEngine
	kin      Kinematics
	history  SessionHistory
	opts     CoordinatorOptions

	mu      sync.Mutex
	state   CoordinatorState
	session *ReconstructionSession
	cancel  context.CancelFunc
	release func()
	lastErr error
}

// CoordinatorDeps are the collaborators of a Coordinator.
type CoordinatorDeps struct {
	Arm        *ArmLink
	Sweep      *SweepController
	Settings   *Settings
	Scene      *Scene
	Images     ImageSource
	Engine     ReconstructionEngine
	Kinematics Kinematics
	History    SessionHistory
}

func NewCoordinator(deps CoordinatorDeps, opts CoordinatorOptions, logger logging.Logger) *Coordinator {
	if deps.Engine == nil {
		deps.Engine = NewLoggingEngine(logger)
	}
	if deps.History == nil {
		deps.History = NewMemoryHistory()
	}
	return &Coordinator{
		logger:   logger,
		arm:      deps.Arm,
		sweep:    deps.Sweep,
		settings: deps.Settings,
		scene:    deps.Scene,
		images:   deps.Images,
		engine:   deps.Engine,
		kin:      deps.Kinematics,
		history:  deps.History,
		opts:     opts.withDefaults(),
		state:    StateIdle,
	}
}

// State returns the current workflow state.
func (c *Coordinator) State() CoordinatorState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a snapshot of the coordinator.
func (c *Coordinator) Status() CoordinatorStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := CoordinatorStatus{State: c.state.String()}
	if c.session != nil {
		cp := *c.session
		st.Session = &cp
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

// History returns recently recorded sessions, newest first.
func (c *Coordinator) History(ctx context.Context, limit int) ([]SessionRecord, error) {
	return c.history.Recent(ctx, limit)
}

// ResetAndStart prepares a new reconstruction and starts it once the arm has
// reached the sweep start. It returns ErrBusy if a session is already being
// prepared or running, ErrImageStreamUnavailable if no image arrives in time
// and ErrRobotNotConnected if the robot base transform was never published.
// Any failure leaves the coordinator Stopped.
func (c *Coordinator) ResetAndStart(ctx context.Context) (*ReconstructionSession, error) {
	c.mu.Lock()
	if c.state.active() {
		state := c.state
		c.mu.Unlock()
		return nil, errors.Wrapf(ErrBusy, "reconstruction is %s", state)
	}
	// A cancelled session keeps its hold until its preparation has returned,
	// which keeps the next session from starting under it.
	release, err := c.arm.TryHold("reconstruction")
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	session := NewReconstructionSession(c.settings.LiveUpdates())
	session.State = StateAwaitingImage.String()
	c.state = StateAwaitingImage
	c.session = session
	c.cancel = cancel
	c.release = release
	c.lastErr = nil
	c.mu.Unlock()

	c.logger.Infof("Preparing reconstruction %s (live updates: %v)", session.ID, session.LiveUpdates)
	c.record(ctx, session)

	if err := c.prepareAndStart(runCtx, session); err != nil {
		c.fail(ctx, session, release, err)
		return nil, err
	}
	return c.snapshot(session), nil
}

func (c *Coordinator) snapshot(session *ReconstructionSession) *ReconstructionSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *session
	return &cp
}

// advance moves session to next unless Stop has intervened.
func (c *Coordinator) advance(ctx context.Context, session *ReconstructionSession, next CoordinatorState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != session || !c.state.active() {
		return errors.Wrap(context.Canceled, "reconstruction was stopped")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.state = next
	session.State = next.String()
	if next == StateReconstructing {
		now := time.Now()
		session.StartedAt = &now
	}
	return nil
}

func (c *Coordinator) prepareAndStart(ctx context.Context, session *ReconstructionSession) error {
	if err := c.awaitImage(ctx); err != nil {
		return err
	}

	if err := c.advance(ctx, session, StateConfiguringGeometry); err != nil {
		return err
	}
	if err := c.configureGeometry(ctx, session); err != nil {
		return err
	}

	if _, err := c.sweep.Start(ctx, MoveOptions{Speed: c.opts.SweepStartSpeed, Blocking: true}); err != nil {
		return errors.Wrap(err, "failed to reach sweep start")
	}

	roi, err := c.regionOfInterest()
	if err != nil {
		return err
	}
	c.mu.Lock()
	session.ROI = roi
	c.mu.Unlock()
	c.scene.SetMatrix(ctx, session.ROINode, TranslationMatrix(roi.Center))
	if err := c.engine.SetROI(ctx, session.ID, roi); err != nil {
		return errors.Wrap(err, "failed to position ROI")
	}
	if err := c.engine.Reset(ctx, session.ID); err != nil {
		return errors.Wrap(err, "failed to reset reconstruction")
	}
	if err := c.engine.SetVolumeVisible(ctx, session.OutputVolume, session.LiveUpdates); err != nil {
		return errors.Wrap(err, "failed to set volume visibility")
	}

	if err := c.advance(ctx, session, StateReconstructing); err != nil {
		return err
	}
	if err := c.engine.Start(ctx, session.ID); err != nil {
		return errors.Wrap(err, "failed to start reconstruction")
	}
	c.logger.Infof("Reconstruction %s running", session.ID)
	c.record(ctx, session)
	return nil
}

func (c *Coordinator) awaitImage(ctx context.Context) error {
	if err := c.images.Start(ctx); err != nil {
		return errors.Wrapf(ErrImageStreamUnavailable, "connector failed to start: %v", err)
	}
	for i := 0; i < c.opts.ImagePollAttempts; i++ {
		if c.images.HasImage(ImageReferenceName) {
			return nil
		}
		if !utils.SelectContextOrWait(ctx, c.opts.ImagePollInterval) {
			return ctx.Err()
		}
	}
	if c.images.HasImage(ImageReferenceName) {
		return nil
	}
	return errors.Wrapf(ErrImageStreamUnavailable, "no %s after %d attempts", ImageReferenceName, c.opts.ImagePollAttempts)
}

func (c *Coordinator) configureGeometry(ctx context.Context, session *ReconstructionSession) error {
	live := session.LiveUpdates

	if err := c.engine.ConfigureSliceView(ctx, SliceViewConfig{
		Image:           session.InputImage,
		Visible:         live,
		FitToBackground: live,
	}); err != nil {
		return errors.Wrap(err, "failed to configure slice view")
	}
	if err := c.engine.ConfigureReslice(ctx, ResliceConfig{
		Driver:      session.InputImage,
		Mode:        ResliceModeTransverse,
		Flip:        resliceFlip,
		RotationDeg: resliceRotationDeg,
	}); err != nil {
		return errors.Wrap(err, "failed to configure reslice driver")
	}

	c.scene.SetMatrix(ctx, ImageToProbeHolderName, *c.opts.ImageToProbeHolder)
	if !c.scene.HasTransform(c.opts.TransformName) {
		return errors.Wrapf(ErrRobotNotConnected, "%s not found, connect to the robot first", c.opts.TransformName)
	}

	c.scene.EnsureNode(session.InputImage)
	if err := c.scene.SetParent(session.InputImage, ImageToProbeHolderName); err != nil {
		return err
	}
	if err := c.scene.SetParent(ImageToProbeHolderName, c.opts.TransformName); err != nil {
		return err
	}
	c.scene.EnsureNode(VolumeReconstructionName)
	c.scene.EnsureNode(session.ROINode)
	c.scene.EnsureNode(session.OutputVolume)

	if err := c.engine.Configure(ctx, session); err != nil {
		return errors.Wrap(err, "failed to configure reconstruction")
	}
	return nil
}

// regionOfInterest places the ROI relative to the flange position with every
// joint at zero, which does not depend on where the arm is now.
func (c *Coordinator) regionOfInterest() (ROI, error) {
	neutral, err := c.kin.Transform(JointAngles{})
	if err != nil {
		return ROI{}, errors.Wrap(err, "failed to compute neutral position")
	}
	return ROI{
		Center: neutral.Point().Add(c.opts.ROIOffset),
		Size:   c.opts.ROISize,
	}, nil
}

// fail ends session and drops its own hold, even when a later session has
// replaced it.
func (c *Coordinator) fail(ctx context.Context, session *ReconstructionSession, release func(), err error) {
	c.mu.Lock()
	if c.session == session {
		c.state = StateStopped
		c.lastErr = err
		c.release = nil
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
	}
	now := time.Now()
	session.State = StateStopped.String()
	session.Error = err.Error()
	session.EndedAt = &now
	c.mu.Unlock()

	release()
	c.logger.Warnf("Reconstruction %s did not start: %v", session.ID, err)
	c.record(context.WithoutCancel(ctx), session)
}

// StartSweep moves to the far end of the sweep while reconstructing.
func (c *Coordinator) StartSweep(ctx context.Context, opts MoveOptions) (JointAngles, error) {
	if state := c.State(); state != StateReconstructing {
		return JointAngles{}, errors.Wrapf(ErrNotReconstructing, "reconstruction is %s", state)
	}
	return c.sweep.End(ctx, opts)
}

// Stop ends the session. A session still being prepared is cancelled. When
// live updates were off the output volume is made visible afterwards so the
// final result can be inspected.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	session := c.session
	switch state {
	case StateAwaitingImage, StateConfiguringGeometry:
		c.state = StateStopped
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
		c.mu.Unlock()
		c.logger.Infof("Cancelled reconstruction %s while %s", session.ID, state)
		return nil
	case StateReconstructing:
		c.state = StateStopped
		release := c.release
		c.release = nil
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
		now := time.Now()
		session.State = StateStopped.String()
		session.EndedAt = &now
		c.mu.Unlock()

		if release != nil {
			defer release()
		}
		return c.stopEngine(ctx, session)
	default:
		c.mu.Unlock()
		return errors.Wrapf(ErrNotReconstructing, "reconstruction is %s", state)
	}
}

func (c *Coordinator) stopEngine(ctx context.Context, session *ReconstructionSession) error {
	defer c.record(ctx, session)

	if err := c.engine.Stop(ctx, session.ID); err != nil {
		c.mu.Lock()
		c.lastErr = err
		session.Error = err.Error()
		c.mu.Unlock()
		return errors.Wrap(err, "failed to stop reconstruction")
	}
	if !session.LiveUpdates {
		if err := c.engine.SetVolumeVisible(ctx, session.OutputVolume, true); err != nil {
			c.logger.Warnf("Failed to show reconstructed volume: %v", err)
		}
	}
	c.logger.Infof("Reconstruction %s stopped", session.ID)
	return nil
}

func (c *Coordinator) record(ctx context.Context, session *ReconstructionSession) {
	cp := c.snapshot(session)
	if err := c.history.Record(ctx, cp); err != nil {
		c.logger.Warnf("Failed to record session %s: %v", session.ID, err)
	}
}
