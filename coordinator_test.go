package cobot_us

import (
	"context"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
)

type coordinatorHarness struct {
	coord    *Coordinator
	driver   *fakeDriver
	arm      *ArmLink
	settings *Settings
	scene    *Scene
	images   *fakeImages
	engine   *recordingEngine
}

func newCoordinatorHarness(t *testing.T, robotPublished bool) *coordinatorHarness {
	t.Helper()
	logger := logging.NewTestLogger(t)

	h := &coordinatorHarness{
		driver: newFakeDriver(),
		scene:  NewScene(logger),
		images: &fakeImages{},
		engine: newRecordingEngine(),
	}
	h.images.hasImage.Store(true)
	h.arm = newConnectedLink(t, h.driver)

	var err error
	h.settings, err = NewSettings(DefaultSettings(), nil, logger)
	require.NoError(t, err)

	if robotPublished {
		h.scene.SetPose(context.Background(), ProbeHolderToRobotBaseName,
			spatialmath.NewPoseFromPoint(r3.Vector{X: 150, Z: 200}))
	}

	h.coord = NewCoordinator(CoordinatorDeps{
		Arm:        h.arm,
		Sweep:      NewSweepController(h.arm, h.settings, logger),
		Settings:   h.settings,
		Scene:      h.scene,
		Images:     h.images,
		Engine:     h.engine,
		Kinematics: NewMyCobot280Kinematics(),
	}, CoordinatorOptions{
		ImagePollAttempts: 3,
		ImagePollInterval: time.Millisecond,
	}, logger)
	return h
}

func TestCoordinatorResetAndStart(t *testing.T) {
	ctx := context.Background()
	h := newCoordinatorHarness(t, true)
	assert.Equal(t, StateIdle, h.coord.State())

	session, err := h.coord.ResetAndStart(ctx)
	require.NoError(t, err)

	assert.Equal(t, StateReconstructing, h.coord.State())
	assert.Equal(t, "reconstructing", session.State)
	assert.NotNil(t, session.StartedAt)
	assert.True(t, session.LiveUpdates)
	assert.Equal(t, 0.5, session.Spacing)
	assert.Equal(t, time.Second, session.LiveUpdateInterval)

	assert.Equal(t,
		[]string{"slice_view", "reslice", "configure", "roi", "reset", "volume_visibility", "start"},
		h.engine.Calls())
	assert.True(t, h.engine.slice.Visible)
	assert.Equal(t, ResliceConfig{Driver: ImageReferenceName, Mode: 6, Flip: true, RotationDeg: 180}, h.engine.reslice)
	visible, _ := h.engine.isVisible(VolumeReferenceName)
	assert.True(t, visible)

	angles, speed, sent := h.driver.lastAngles()
	require.True(t, sent)
	assert.Equal(t, JointAngles{-15, -28, -135, 76, 5, 30}, angles, "arm waits at sweep start")
	assert.Equal(t, 15, speed)

	calib, ok := h.scene.Transform(ImageToProbeHolderName)
	require.True(t, ok)
	assertMatrixNear(t, RotationXMatrix(90).Mul(ScaleMatrix(0.64)), calib.Matrix)
	assert.Equal(t, ProbeHolderToRobotBaseName, calib.Parent)
	holder, ok := h.scene.Transform(ProbeHolderToRobotBaseName)
	require.True(t, ok)
	image, err := h.scene.WorldTransform(ImageReferenceName)
	require.NoError(t, err)
	assert.Equal(t, ProbeHolderToRobotBaseName, image.Parent)
	assertMatrixNear(t, holder.Matrix.Mul(calib.Matrix), image.Matrix)
	for _, name := range []string{VolumeReconstructionName, VolumeReconstructionROIName, VolumeReferenceName} {
		assert.Contains(t, h.scene.Names(), name)
	}

	neutral, err := NewMyCobot280Kinematics().Transform(JointAngles{})
	require.NoError(t, err)
	wantCenter := neutral.Point().Add(r3.Vector{X: 50, Y: 50, Z: 40})
	assert.InDelta(t, wantCenter.X, h.engine.roi.Center.X, 1e-9)
	assert.InDelta(t, wantCenter.Y, h.engine.roi.Center.Y, 1e-9)
	assert.InDelta(t, wantCenter.Z, h.engine.roi.Center.Z, 1e-9)
	assert.Equal(t, r3.Vector{X: 80, Y: 120, Z: 60}, h.engine.roi.Size)
	require.NotNil(t, h.engine.session)
	assert.Equal(t, "MR-Default", h.engine.session.RenderingPreset)
	roiNode, ok := h.scene.Transform(VolumeReconstructionROIName)
	require.True(t, ok, "ROI node carries the box center")
	assert.InDelta(t, wantCenter.Z, roiNode.Matrix.Translation().Z, 1e-9)

	assert.True(t, h.arm.Busy(), "arm is held while reconstructing")
	assert.ErrorIs(t, h.arm.ReleaseServos(ctx), ErrBusy)

	records, err := h.coord.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, session.ID.String(), records[0].ID)
	assert.Equal(t, "reconstructing", records[0].State)
}

func TestCoordinatorSweepAndStop(t *testing.T) {
	ctx := context.Background()

	t.Run("live updates", func(t *testing.T) {
		h := newCoordinatorHarness(t, true)
		_, err := h.coord.ResetAndStart(ctx)
		require.NoError(t, err)

		end, err := h.coord.StartSweep(ctx, MoveOptions{})
		require.NoError(t, err)
		assert.Equal(t, JointAngles{15, -28, -135, 76, 5, 60}, end)

		require.NoError(t, h.coord.Stop(ctx))
		assert.Equal(t, StateStopped, h.coord.State())
		calls := h.engine.Calls()
		assert.Equal(t, "stop", calls[len(calls)-1], "volume visibility is left alone when live")
		assert.False(t, h.arm.Busy())

		st := h.coord.Status()
		assert.Equal(t, "stopped", st.State)
		require.NotNil(t, st.Session)
		assert.NotNil(t, st.Session.EndedAt)

		_, err = h.coord.StartSweep(ctx, MoveOptions{})
		assert.ErrorIs(t, err, ErrNotReconstructing)
	})

	t.Run("static volume is shown after stop", func(t *testing.T) {
		h := newCoordinatorHarness(t, true)
		require.NoError(t, h.settings.SetLiveUpdates(ctx, false))

		session, err := h.coord.ResetAndStart(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1.0, session.Spacing)
		assert.Equal(t, 1000*time.Second, session.LiveUpdateInterval)
		assert.False(t, h.engine.slice.Visible)
		visible, _ := h.engine.isVisible(VolumeReferenceName)
		assert.False(t, visible)

		require.NoError(t, h.coord.Stop(ctx))
		visible, _ = h.engine.isVisible(VolumeReferenceName)
		assert.True(t, visible)
	})

	t.Run("engine stop failure is reported", func(t *testing.T) {
		h := newCoordinatorHarness(t, true)
		h.engine.failOn = "stop"
		_, err := h.coord.ResetAndStart(ctx)
		require.NoError(t, err)

		assert.ErrorIs(t, h.coord.Stop(ctx), errEngine)
		assert.Equal(t, StateStopped, h.coord.State())
		assert.False(t, h.arm.Busy())
	})
}

func TestCoordinatorNotReconstructing(t *testing.T) {
	ctx := context.Background()
	h := newCoordinatorHarness(t, true)

	_, err := h.coord.StartSweep(ctx, MoveOptions{})
	assert.ErrorIs(t, err, ErrNotReconstructing)
	assert.ErrorIs(t, h.coord.Stop(ctx), ErrNotReconstructing)

	_, _, sent := h.driver.lastAngles()
	assert.False(t, sent)
}

func TestCoordinatorImageStreamUnavailable(t *testing.T) {
	ctx := context.Background()

	t.Run("no image arrives", func(t *testing.T) {
		h := newCoordinatorHarness(t, true)
		h.images.hasImage.Store(false)

		_, err := h.coord.ResetAndStart(ctx)
		assert.ErrorIs(t, err, ErrImageStreamUnavailable)
		assert.Equal(t, StateStopped, h.coord.State())
		assert.Equal(t, int32(1), h.images.starts.Load())
		assert.Equal(t, int32(4), h.images.polls.Load())
		assert.Empty(t, h.engine.Calls())
		assert.False(t, h.arm.Busy())
		assert.NotEmpty(t, h.coord.Status().LastError)

		_, _, sent := h.driver.lastAngles()
		assert.False(t, sent, "arm must not move")
	})

	t.Run("image arrives after a few polls", func(t *testing.T) {
		h := newCoordinatorHarness(t, true)
		h.images.hasImage.Store(false)
		h.images.appearAfter = 3

		_, err := h.coord.ResetAndStart(ctx)
		require.NoError(t, err)
		assert.Equal(t, StateReconstructing, h.coord.State())
	})

	t.Run("connector fails to start", func(t *testing.T) {
		h := newCoordinatorHarness(t, true)
		h.images.startErr = assert.AnError

		_, err := h.coord.ResetAndStart(ctx)
		assert.ErrorIs(t, err, ErrImageStreamUnavailable)
		assert.Equal(t, StateStopped, h.coord.State())
	})
}

func TestCoordinatorRobotNotConnected(t *testing.T) {
	ctx := context.Background()
	h := newCoordinatorHarness(t, false)

	_, err := h.coord.ResetAndStart(ctx)
	assert.ErrorIs(t, err, ErrRobotNotConnected)
	assert.Equal(t, StateStopped, h.coord.State())
	assert.NotContains(t, h.engine.Calls(), "start")
	_, _, sent := h.driver.lastAngles()
	assert.False(t, sent)

	records, err := h.coord.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "stopped", records[0].State)
	assert.Contains(t, records[0].Error, "robot not connected")
}

func TestCoordinatorEngineFailure(t *testing.T) {
	h := newCoordinatorHarness(t, true)
	h.engine.failOn = "start"

	_, err := h.coord.ResetAndStart(context.Background())
	assert.ErrorIs(t, err, errEngine)
	assert.Equal(t, StateStopped, h.coord.State())
	assert.False(t, h.arm.Busy())
}

func TestCoordinatorArmFailure(t *testing.T) {
	h := newCoordinatorHarness(t, true)
	h.driver.stuck = true

	_, err := h.coord.ResetAndStart(context.Background())
	assert.ErrorIs(t, err, ErrMoveTimeout)
	assert.Equal(t, StateStopped, h.coord.State())
	assert.NotContains(t, h.engine.Calls(), "start")
}

func TestCoordinatorBusyWhilePreparing(t *testing.T) {
	ctx := context.Background()
	h := newCoordinatorHarness(t, true)
	h.images.hasImage.Store(false)
	h.coord.opts.ImagePollAttempts = 100000

	errCh := make(chan error, 1)
	go func() {
		_, err := h.coord.ResetAndStart(ctx)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return h.coord.State() == StateAwaitingImage }, time.Second, time.Millisecond)

	_, err := h.coord.ResetAndStart(ctx)
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, h.coord.Stop(ctx))
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("preparation did not stop")
	}
	assert.Equal(t, StateStopped, h.coord.State())
	assert.False(t, h.arm.Busy())
	assert.Empty(t, h.engine.Calls())
}

func TestCoordinatorStopWhileEngineBlocked(t *testing.T) {
	ctx := context.Background()
	h := newCoordinatorHarness(t, true)
	h.engine.gate = make(chan struct{})
	h.engine.entered = make(chan struct{}, 1)

	errCh := make(chan error, 1)
	go func() {
		_, err := h.coord.ResetAndStart(ctx)
		errCh <- err
	}()
	select {
	case <-h.engine.entered:
	case <-time.After(time.Second):
		t.Fatal("engine was never configured")
	}

	require.NoError(t, h.coord.Stop(ctx))
	assert.Equal(t, StateStopped, h.coord.State())

	_, err := h.coord.ResetAndStart(ctx)
	assert.ErrorIs(t, err, ErrBusy, "the cancelled session still owns the arm")

	close(h.engine.gate)
	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("first session never returned")
	}
	assert.False(t, h.arm.Busy())

	second, err := h.coord.ResetAndStart(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateReconstructing, h.coord.State())
	require.NoError(t, h.coord.Stop(ctx))

	assert.False(t, h.arm.Busy(), "both sessions dropped their holds")
	assert.NoError(t, h.arm.ReleaseServos(ctx))

	records, err := h.coord.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, second.ID.String(), records[0].ID)
}

func TestCoordinatorRefusedDuringManualPosition(t *testing.T) {
	ctx := context.Background()
	h := newCoordinatorHarness(t, true)
	release := h.arm.Hold(holdManualPosition)

	_, err := h.coord.ResetAndStart(ctx)
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, StateIdle, h.coord.State())
	assert.Empty(t, h.engine.Calls())

	release()
	_, err = h.coord.ResetAndStart(ctx)
	assert.NoError(t, err)
}

func TestCoordinatorRestart(t *testing.T) {
	ctx := context.Background()
	h := newCoordinatorHarness(t, true)

	first, err := h.coord.ResetAndStart(ctx)
	require.NoError(t, err)
	_, err = h.coord.ResetAndStart(ctx)
	assert.ErrorIs(t, err, ErrBusy)
	require.NoError(t, h.coord.Stop(ctx))

	second, err := h.coord.ResetAndStart(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	records, err := h.coord.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, second.ID.String(), records[0].ID)
	assert.Equal(t, "stopped", records[1].State)
}
