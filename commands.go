package cobot_us

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/pkg/errors"
)

const (
	defaultRelaxDelay     = 3 * time.Second
	defaultPositionWindow = 5 * time.Second
	defaultHistoryLimit   = 20
)

// Execute runs one named command. cmd["command"] selects the operation; the
// remaining keys are its arguments. Every result carries "success".
func (s *System) Execute(ctx context.Context, cmd map[string]any) (map[string]any, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, errors.Wrap(ErrUnknownCommand, "command must be a string")
	}

	switch command {
	// Arm link
	case "connect":
		return s.connectCommand(ctx, cmd)
	case "disconnect":
		force, _ := cmd["force"].(bool)
		return result(nil, s.Disconnect(force))
	case "status":
		return s.statusCommand()
	case "read_angles":
		angles, err := s.Arm.ReadAngles(ctx)
		if err != nil {
			return failed(), err
		}
		return succeeded(map[string]any{"angles": anglesValue(angles)}), nil
	case "read_pose":
		return s.readPoseCommand(ctx)
	case "release_servos":
		return result(nil, s.Arm.ReleaseServos(ctx))
	case "lock_servos":
		return result(nil, s.Arm.LockServos(ctx))
	case "stop":
		s.Arm.Stop()
		return succeeded(nil), nil

	// Sweep
	case "start", "center", "end":
		return s.sweepCommand(ctx, command, cmd)
	case "fly", "land":
		return s.heightCommand(ctx, command, cmd)
	case "set_center":
		center, err := s.Sweep.SetCenterFromCurrentPose(ctx)
		if err != nil {
			return failed(), err
		}
		return succeeded(map[string]any{"center_angles": anglesValue(center)}), nil
	case "reset_center":
		opts, err := moveOptionsArg(cmd)
		if err != nil {
			return failed(), err
		}
		center, err := s.Sweep.ResetCenterToDefault(ctx, opts)
		return result(map[string]any{"center_angles": anglesValue(center)}, err)
	case "home":
		opts, err := moveOptionsArg(cmd)
		if err != nil {
			return failed(), err
		}
		return result(nil, s.Sweep.Home(ctx, opts))
	case "manual_position":
		return s.manualPositionCommand(ctx, cmd)
	case "play_waypoints":
		return s.playWaypointsCommand(ctx, cmd)

	// Settings
	case "get_settings":
		return succeeded(map[string]any{"settings": s.settingsValue()}), nil
	case "set_settings":
		return s.setSettingsCommand(ctx, cmd)

	// Pose publisher
	case "publisher_start":
		s.Publisher.Start()
		return succeeded(nil), nil
	case "publisher_stop":
		s.Publisher.Stop()
		return succeeded(nil), nil
	case "get_transform":
		return s.transformCommand(cmd)

	// Reconstruction
	case "reset_and_start":
		session, err := s.Coordinator.ResetAndStart(ctx)
		if err != nil {
			return failed(), err
		}
		v, err := toValue(session)
		return result(map[string]any{"session": v}, err)
	case "start_sweep":
		return s.startSweepCommand(ctx, cmd)
	case "stop_reconstruction":
		return result(map[string]any{"state": s.Coordinator.State().String()}, s.Coordinator.Stop(ctx))
	case "history":
		return s.historyCommand(ctx, cmd)

	case "discover_ports":
		baud, err := baudrateArg(cmd, s.cfg.Baudrate)
		if err != nil {
			return failed(), err
		}
		ports, err := DiscoverPorts(ctx, baud, s.probeOpener(cmd), s.logger)
		if err != nil {
			return failed(), err
		}
		v, err := toValue(ports)
		return result(map[string]any{"ports": v}, err)

	default:
		return nil, errors.Wrap(ErrUnknownCommand, command)
	}
}

func succeeded(fields map[string]any) map[string]any {
	out := map[string]any{"success": true}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func failed() map[string]any {
	return map[string]any{"success": false}
}

func result(fields map[string]any, err error) (map[string]any, error) {
	if err != nil {
		return failed(), err
	}
	return succeeded(fields), nil
}

func (s *System) connectCommand(ctx context.Context, cmd map[string]any) (map[string]any, error) {
	port, _ := cmd["port"].(string)
	baud, err := baudrateArg(cmd, 0)
	if err != nil {
		return failed(), err
	}
	version, err := s.Connect(ctx, Endpoint{Port: port, Baudrate: baud})
	if err != nil {
		return failed(), err
	}
	return succeeded(map[string]any{"version": version, "state": s.Arm.State().String()}), nil
}

func (s *System) statusCommand() (map[string]any, error) {
	status := map[string]any{
		"arm":            s.Arm.Status(),
		"publisher":      s.Publisher.Status(),
		"reconstruction": s.Coordinator.Status(),
		"settings":       s.Settings.Snapshot(),
		"image_devices":  s.Images.Devices(),
		"scene_nodes":    s.Scene.Names(),
		"ws_clients":     s.Hub.ConnectedCount(),
	}
	v, err := toValue(status)
	if err != nil {
		return failed(), err
	}
	return succeeded(v.(map[string]any)), nil
}

func (s *System) readPoseCommand(ctx context.Context) (map[string]any, error) {
	out := map[string]any{}
	coords, err := s.Arm.ReadCoords(ctx)
	if err != nil {
		return failed(), err
	}
	out["coords"] = []any{coords.X, coords.Y, coords.Z, coords.RX, coords.RY, coords.RZ}

	angles, err := s.Arm.ReadAngles(ctx)
	if err != nil {
		return failed(), err
	}
	pose, err := s.Kinematics.Transform(angles)
	if err != nil {
		return failed(), err
	}
	pt := pose.Point()
	ov := pose.Orientation().OrientationVectorDegrees()
	out["angles"] = anglesValue(angles)
	mc := CoordsFromPose(pose)
	out["model_coords"] = []any{mc.X, mc.Y, mc.Z, mc.RX, mc.RY, mc.RZ}
	out["pose"] = map[string]any{
		"x": pt.X, "y": pt.Y, "z": pt.Z,
		"o_x": ov.OX, "o_y": ov.OY, "o_z": ov.OZ, "theta": ov.Theta,
	}
	return succeeded(out), nil
}

func (s *System) sweepCommand(ctx context.Context, command string, cmd map[string]any) (map[string]any, error) {
	opts, err := moveOptionsArg(cmd)
	if err != nil {
		return failed(), err
	}
	var target JointAngles
	switch command {
	case "start":
		target, err = s.Sweep.Start(ctx, opts)
	case "center":
		target, err = s.Sweep.Center(ctx, opts)
	default:
		target, err = s.Sweep.End(ctx, opts)
	}
	return result(map[string]any{"target": anglesValue(target)}, err)
}

func (s *System) heightCommand(ctx context.Context, command string, cmd map[string]any) (map[string]any, error) {
	opts, err := moveOptionsArg(cmd)
	if err != nil {
		return failed(), err
	}
	var coords Coords
	if command == "fly" {
		coords, err = s.Sweep.Fly(ctx, opts)
	} else {
		coords, err = s.Sweep.Land(ctx, opts)
	}
	return result(map[string]any{
		"target": []any{coords.X, coords.Y, coords.Z, coords.RX, coords.RY, coords.RZ},
	}, err)
}

func (s *System) manualPositionCommand(ctx context.Context, cmd map[string]any) (map[string]any, error) {
	relax, err := durationArg(cmd, "relax_delay_ms", defaultRelaxDelay)
	if err != nil {
		return failed(), err
	}
	window, err := durationArg(cmd, "position_window_ms", defaultPositionWindow)
	if err != nil {
		return failed(), err
	}
	if err := s.Sweep.ManualPosition(ctx, relax, window); err != nil {
		return failed(), err
	}
	angles, err := s.Arm.ReadAngles(ctx)
	if err != nil {
		return succeeded(nil), nil
	}
	return succeeded(map[string]any{"angles": anglesValue(angles)}), nil
}

func (s *System) playWaypointsCommand(ctx context.Context, cmd map[string]any) (map[string]any, error) {
	raw, ok := cmd["waypoints"].([]any)
	if !ok {
		return failed(), errors.Wrap(ErrInvalidArgument, "waypoints must be a list of joint angle lists")
	}
	if s.Coordinator.State().active() {
		return failed(), errors.Wrap(ErrBusy, "reconstruction in progress")
	}
	waypoints := make([]JointAngles, 0, len(raw))
	for i, item := range raw {
		values, err := floatList(item)
		if err != nil {
			return failed(), errors.Wrapf(err, "waypoint %d", i)
		}
		angles, err := NewJointAngles(values)
		if err != nil {
			return failed(), errors.Wrapf(err, "waypoint %d", i)
		}
		waypoints = append(waypoints, angles)
	}
	speed, err := speedArg(cmd)
	if err != nil {
		return failed(), err
	}
	dwell, err := durationArg(cmd, "dwell_ms", 0)
	if err != nil {
		return failed(), err
	}
	err = s.Sweep.PlayWaypoints(ctx, waypoints, speed, dwell)
	return result(map[string]any{"waypoints": len(waypoints)}, err)
}

func (s *System) settingsValue() map[string]any {
	snap := s.Settings.Snapshot()
	return map[string]any{
		"image_threshold": snap.ImageThreshold,
		"speed":           snap.Speed,
		"angle_range":     snap.AngleRange,
		"center_angles":   anglesValue(snap.CenterAngles),
		"live_updates":    snap.LiveUpdates,
	}
}

// settingsPatchArg reads the settings keys present in cmd.
func settingsPatchArg(cmd map[string]any) (SettingsPatch, error) {
	var p SettingsPatch
	if v, ok := cmd["image_threshold"]; ok {
		f, err := toFloat(v)
		if err != nil {
			return p, errors.Wrap(err, "image_threshold")
		}
		p.ImageThreshold = &f
	}
	if v, ok := cmd["speed"]; ok {
		f, err := toFloat(v)
		if err != nil {
			return p, errors.Wrap(err, "speed")
		}
		speed := int(f)
		if float64(speed) != f {
			return p, errors.Wrapf(ErrInvalidSpeed, "speed must be a whole number, got %v", f)
		}
		p.Speed = &speed
	}
	if v, ok := cmd["angle_range"]; ok {
		f, err := toFloat(v)
		if err != nil {
			return p, errors.Wrap(err, "angle_range")
		}
		p.AngleRange = &f
	}
	if v, ok := cmd["center_angles"]; ok {
		values, err := floatList(v)
		if err != nil {
			return p, errors.Wrap(err, "center_angles")
		}
		p.CenterAngles = values
	}
	if v, ok := cmd["live_updates"]; ok {
		b, ok := v.(bool)
		if !ok {
			return p, errors.Wrap(ErrInvalidArgument, "live_updates must be a bool")
		}
		p.LiveUpdates = &b
	}
	return p, nil
}

func (s *System) setSettingsCommand(ctx context.Context, cmd map[string]any) (map[string]any, error) {
	patch, err := settingsPatchArg(cmd)
	if err != nil {
		return failed(), err
	}
	if err := s.Settings.Update(ctx, patch); err != nil {
		return failed(), err
	}
	return succeeded(map[string]any{"settings": s.settingsValue()}), nil
}

func (s *System) transformCommand(cmd map[string]any) (map[string]any, error) {
	name, _ := cmd["name"].(string)
	if name == "" {
		name = s.Publisher.TransformName()
	}
	lookup := s.Transform
	if world, _ := cmd["world"].(bool); world {
		lookup = s.WorldTransform
	}
	u, err := lookup(name)
	if err != nil {
		return failed(), err
	}
	msg, err := NewTransformMessage(u)
	if err != nil {
		return failed(), err
	}
	v, err := toValue(msg)
	return result(map[string]any{"transform": v}, err)
}

func (s *System) startSweepCommand(ctx context.Context, cmd map[string]any) (map[string]any, error) {
	opts, err := moveOptionsArg(cmd)
	if err != nil {
		return failed(), err
	}
	target, err := s.Coordinator.StartSweep(ctx, opts)
	return result(map[string]any{"target": anglesValue(target)}, err)
}

func (s *System) historyCommand(ctx context.Context, cmd map[string]any) (map[string]any, error) {
	limit, err := intArg(cmd, "limit", defaultHistoryLimit)
	if err != nil {
		return failed(), err
	}
	if limit <= 0 {
		return failed(), errors.Wrapf(ErrInvalidArgument, "limit must be positive, got %d", limit)
	}
	records, err := s.Coordinator.History(ctx, limit)
	if err != nil {
		return failed(), err
	}
	v, err := toValue(records)
	return result(map[string]any{"sessions": v}, err)
}

// probeOpener skips the version handshake unless "probe" is set, since
// probing a port resets most USB serial boards.
func (s *System) probeOpener(cmd map[string]any) DriverOpener {
	if probe, _ := cmd["probe"].(bool); probe {
		return OpenMyCobotDriver
	}
	return nil
}

// moveOptionsArg leaves Speed zero when the command names none, so the
// configured default applies.
func moveOptionsArg(cmd map[string]any) (MoveOptions, error) {
	var opts MoveOptions
	speed, err := speedArg(cmd)
	if err != nil {
		return opts, err
	}
	opts.Speed = speed
	if v, ok := cmd["blocking"]; ok {
		b, ok := v.(bool)
		if !ok {
			return opts, errors.Wrap(ErrInvalidArgument, "blocking must be a bool")
		}
		opts.Blocking = b
	}
	return opts, nil
}

// speedArg returns 0 if "speed" is absent; a present speed must be a whole
// number within [MinSpeed, MaxSpeed].
func speedArg(cmd map[string]any) (int, error) {
	v, ok := cmd["speed"]
	if !ok {
		return 0, nil
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, errors.Wrap(err, "speed")
	}
	speed := int(f)
	if float64(speed) != f {
		return 0, errors.Wrapf(ErrInvalidSpeed, "speed must be a whole number, got %v", f)
	}
	if err := ValidateSpeed(speed); err != nil {
		return 0, err
	}
	return speed, nil
}

func baudrateArg(cmd map[string]any, def int) (int, error) {
	baud, err := intArg(cmd, "baudrate", def)
	if err != nil {
		return 0, err
	}
	if _, ok := cmd["baudrate"]; ok && baud <= 0 {
		return 0, errors.Wrapf(ErrInvalidArgument, "baudrate must be positive, got %d", baud)
	}
	return baud, nil
}

func anglesValue(a JointAngles) []any {
	out := make([]any, len(a))
	for i, v := range a {
		out[i] = v
	}
	return out
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	default:
		return 0, errors.Wrapf(ErrInvalidArgument, "expected a number, got %T", v)
	}
}

func floatList(v any) ([]float64, error) {
	switch list := v.(type) {
	case []float64:
		return list, nil
	case []any:
		out := make([]float64, len(list))
		for i, item := range list {
			f, err := toFloat(item)
			if err != nil {
				return nil, errors.Wrapf(err, "element %d", i)
			}
			out[i] = f
		}
		return out, nil
	default:
		return nil, errors.Wrapf(ErrInvalidArgument, "expected a list of numbers, got %T", v)
	}
}

func intArg(cmd map[string]any, key string, def int) (int, error) {
	v, ok := cmd[key]
	if !ok {
		return def, nil
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, errors.Wrap(err, key)
	}
	n := int(f)
	if float64(n) != f {
		return 0, errors.Wrapf(ErrInvalidArgument, "%s must be a whole number, got %v", key, f)
	}
	return n, nil
}

// durationArg reads a millisecond count.
func durationArg(cmd map[string]any, key string, def time.Duration) (time.Duration, error) {
	v, ok := cmd[key]
	if !ok {
		return def, nil
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, errors.Wrap(err, key)
	}
	if f < 0 || math.IsNaN(f) {
		return 0, errors.Wrapf(ErrInvalidArgument, "%s must not be negative, got %v", key, f)
	}
	return time.Duration(f * float64(time.Millisecond)), nil
}

// toValue converts v to the plain maps and lists DoCommand results need.
func toValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
