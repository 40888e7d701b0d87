package cobot_us

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

const (
	heightNudgeMM = 5.0
	homeSpeed     = 15
)

// MoveOptions controls a sweep move. A zero Speed uses the configured speed.
type MoveOptions struct {
	Speed    int
	Blocking bool
}

// SweepController turns the saved center pose into arm commands. It keeps no
// state of its own: every target is computed from the current settings.
type SweepController struct {
	arm      *ArmLink
	settings *Settings
	logger   logging.Logger
}

func NewSweepController(arm *ArmLink, settings *Settings, logger logging.Logger) *SweepController {
	return &SweepController{arm: arm, settings: settings, logger: logger}
}

func (s *SweepController) speed(opts MoveOptions) int {
	if opts.Speed != 0 {
		return opts.Speed
	}
	return s.settings.Speed()
}

// Target is the center pose with the base and flange axes offset by offset
// degrees.
func (s *SweepController) Target(offset float64) JointAngles {
	return s.settings.CenterAngles().WithSweepOffset(offset)
}

func (s *SweepController) moveByAngle(ctx context.Context, offset float64, opts MoveOptions) (JointAngles, error) {
	target := s.Target(offset)
	if opts.Blocking {
		release := s.arm.Hold("sweep")
		defer release()
	}
	return target, s.arm.CommandAngles(ctx, target, s.speed(opts), opts.Blocking)
}

// Start moves to the negative end of the sweep.
func (s *SweepController) Start(ctx context.Context, opts MoveOptions) (JointAngles, error) {
	return s.moveByAngle(ctx, -s.settings.AngleRange()/2, opts)
}

// Center moves to the center pose.
func (s *SweepController) Center(ctx context.Context, opts MoveOptions) (JointAngles, error) {
	return s.moveByAngle(ctx, 0, opts)
}

// End moves to the positive end of the sweep.
func (s *SweepController) End(ctx context.Context, opts MoveOptions) (JointAngles, error) {
	return s.moveByAngle(ctx, s.settings.AngleRange()/2, opts)
}

// Fly raises the probe by 5 mm from where the arm is now. Unlike the sweep
// moves it is relative to the live pose, not the saved center.
func (s *SweepController) Fly(ctx context.Context, opts MoveOptions) (Coords, error) {
	return s.nudgeHeight(ctx, heightNudgeMM, opts)
}

// Land lowers the probe by 5 mm from where the arm is now.
func (s *SweepController) Land(ctx context.Context, opts MoveOptions) (Coords, error) {
	return s.nudgeHeight(ctx, -heightNudgeMM, opts)
}

func (s *SweepController) nudgeHeight(ctx context.Context, dz float64, opts MoveOptions) (Coords, error) {
	coords, err := s.arm.ReadCoords(ctx)
	if err != nil {
		return Coords{}, err
	}
	coords.Z += dz
	if err := s.arm.CommandCoords(ctx, coords, s.speed(opts), MoveModeAngular, opts.Blocking); err != nil {
		return coords, err
	}
	return coords, nil
}

// SetCenterFromCurrentPose stores the live joint angles as the center pose.
func (s *SweepController) SetCenterFromCurrentPose(ctx context.Context) (JointAngles, error) {
	angles, err := s.arm.ReadAngles(ctx)
	if err != nil {
		return JointAngles{}, err
	}
	if err := s.settings.SetCenterAngles(ctx, angles); err != nil {
		return JointAngles{}, errors.Wrap(err, "current pose cannot be used as center")
	}
	s.logger.Infof("Center pose set to %s", angles)
	return angles, nil
}

// ResetCenterToDefault restores the factory center and moves there.
func (s *SweepController) ResetCenterToDefault(ctx context.Context, opts MoveOptions) (JointAngles, error) {
	if err := s.settings.ResetCenterAngles(ctx); err != nil {
		return JointAngles{}, err
	}
	return s.Center(ctx, opts)
}

// Home moves every axis to zero.
func (s *SweepController) Home(ctx context.Context, opts MoveOptions) error {
	if opts.Speed == 0 {
		opts.Speed = homeSpeed
	}
	return s.arm.CommandAngles(ctx, JointAngles{}, opts.Speed, opts.Blocking)
}

// ManualPosition releases the servos after relaxDelay so the arm can be
// placed by hand, then locks them again once positionWindow has passed. The
// arm is held for the whole window, so motion and reconstructions are refused
// until the servos are locked again.
func (s *SweepController) ManualPosition(ctx context.Context, relaxDelay, positionWindow time.Duration) error {
	release, err := s.arm.TryHold(holdManualPosition)
	if err != nil {
		return errors.Wrap(err, "cannot release servos")
	}
	defer release()

	s.logger.Infof("Releasing servos in %s", relaxDelay)
	if !utils.SelectContextOrWait(ctx, relaxDelay) {
		return ctx.Err()
	}
	if err := s.arm.releaseServos(ctx, holdManualPosition); err != nil {
		return err
	}

	s.logger.Infof("Position the arm within %s", positionWindow)
	waited := utils.SelectContextOrWait(ctx, positionWindow)

	// The servos are locked even when the wait was cancelled so the arm is
	// never left limp.
	lockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := s.arm.lockServos(lockCtx, holdManualPosition); err != nil {
		return err
	}
	s.logger.Info("Arm position is locked")
	if !waited {
		return ctx.Err()
	}
	return nil
}

// PlayWaypoints moves through each waypoint in order, waiting for arrival and
// then dwelling before the next one.
func (s *SweepController) PlayWaypoints(ctx context.Context, waypoints []JointAngles, speed int, dwell time.Duration) error {
	if len(waypoints) == 0 {
		return errors.New("no waypoints given")
	}
	if speed == 0 {
		speed = s.settings.Speed()
	}
	if err := ValidateSpeed(speed); err != nil {
		return err
	}
	for i, wp := range waypoints {
		if err := wp.Validate(); err != nil {
			return errors.Wrapf(err, "waypoint %d", i)
		}
	}

	release := s.arm.Hold("waypoints")
	defer release()

	for i, wp := range waypoints {
		s.logger.Debugf("Waypoint %d/%d: %s", i+1, len(waypoints), wp)
		if err := s.arm.CommandAngles(ctx, wp, speed, true); err != nil {
			return errors.Wrapf(err, "waypoint %d", i)
		}
		if i < len(waypoints)-1 && dwell > 0 {
			if !utils.SelectContextOrWait(ctx, dwell) {
				return ctx.Err()
			}
		}
	}
	return nil
}
