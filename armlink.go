package cobot_us

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

// ConnectionState is the lifecycle of the arm connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Failed
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	defaultMoveTimeout  = 15 * time.Second
	defaultArrivalPoll  = 100 * time.Millisecond
	emergencyStopWindow = time.Second
)

// ArmLinkOptions tunes an ArmLink. Zero values pick defaults.
type ArmLinkOptions struct {
	// Registry shares drivers between links on the same port. Defaults to
	// the process-wide registry of myCobot serial drivers, or to a private
	// registry around Open when Open is set.
	Registry    *DriverRegistry
	Open        DriverOpener
	MoveTimeout time.Duration
	ArrivalPoll time.Duration
}

// LinkStatus is a snapshot of the link for status reporting.
type LinkStatus struct {
	State     string   `json:"state"`
	Port      string   `json:"port,omitempty"`
	Baudrate  int      `json:"baudrate,omitempty"`
	Version   string   `json:"version,omitempty"`
	LastError string   `json:"last_error,omitempty"`
	Holds     []string `json:"holds,omitempty"`

	// PortUsers counts the links sharing the open port.
	PortUsers int64  `json:"port_users"`
	PortOpen  bool   `json:"port_open"`
	Transport string `json:"transport,omitempty"`
}

// ArmLink owns the connection to the arm. It is the only place connection
// state changes, and every motion or readout command goes through it.
type ArmLink struct {
	logger      logging.Logger
	registry    *DriverRegistry
	moveTimeout time.Duration
	arrivalPoll time.Duration

	mu       sync.RWMutex
	state    ConnectionState
	driver   Driver
	endpoint Endpoint
	version  string
	lastErr  error
	holds    map[string]int
}

func NewArmLink(opts ArmLinkOptions, logger logging.Logger) *ArmLink {
	if opts.Registry == nil {
		opts.Registry = defaultRegistry
		if opts.Open != nil {
			opts.Registry = NewDriverRegistry(opts.Open)
		}
	}
	if opts.MoveTimeout == 0 {
		opts.MoveTimeout = defaultMoveTimeout
	}
	if opts.ArrivalPoll == 0 {
		opts.ArrivalPoll = defaultArrivalPoll
	}
	return &ArmLink{
		logger:      logger,
		registry:    opts.Registry,
		moveTimeout: opts.MoveTimeout,
		arrivalPoll: opts.ArrivalPoll,
		state:       Disconnected,
		holds:       make(map[string]int),
	}
}

// Connect opens the endpoint and asks the controller for its version. On
// failure the state is Failed and the cause is returned.
func (l *ArmLink) Connect(ctx context.Context, ep Endpoint) (string, error) {
	if ep.Port == "" {
		return "", errors.New("must specify port for serial communication")
	}

	l.mu.Lock()
	if l.state == Connecting {
		l.mu.Unlock()
		return "", errors.Wrap(ErrBusy, "connection attempt already in progress")
	}
	previous := l.driver
	l.driver = nil
	l.state = Connecting
	l.endpoint = ep
	l.mu.Unlock()

	if previous != nil {
		if err := previous.Close(); err != nil {
			l.logger.Warnf("error closing previous arm connection: %v", err)
		}
	}

	l.logger.Infof("Connecting to arm on %s@%d", ep.Port, ep.withDefaults().Baudrate)

	driver, err := l.registry.Acquire(ep, l.logger)
	if err != nil {
		return "", l.fail(errors.Wrap(err, "failed to open arm connection"))
	}

	version, err := driver.Version(ctx)
	if err != nil {
		if cerr := driver.Close(); cerr != nil {
			l.logger.Debugf("error closing driver after failed handshake: %v", cerr)
		}
		return "", l.fail(errors.Wrap(err, "arm did not answer version request"))
	}

	l.mu.Lock()
	l.state = Connected
	l.driver = driver
	l.version = version
	l.lastErr = nil
	l.mu.Unlock()

	l.logger.Infof("Connected to %s on %s", version, ep.Port)
	return version, nil
}

func (l *ArmLink) fail(err error) error {
	l.mu.Lock()
	l.state = Failed
	l.lastErr = err
	l.mu.Unlock()
	l.logger.Warnf("Arm connection failed: %v", err)
	return err
}

// Disconnect releases the connection. It always leaves the link Disconnected.
func (l *ArmLink) Disconnect() error {
	l.mu.Lock()
	driver := l.driver
	l.driver = nil
	l.state = Disconnected
	l.version = ""
	l.mu.Unlock()

	if driver == nil {
		return nil
	}
	l.logger.Info("Disconnecting from arm")
	return driver.Close()
}

// ForceDisconnect disconnects and closes the serial port even when other
// links still share it. It recovers a port left in a bad state.
func (l *ArmLink) ForceDisconnect() error {
	l.mu.RLock()
	port := l.endpoint.Port
	l.mu.RUnlock()

	err := l.Disconnect()
	if port == "" {
		return err
	}
	l.logger.Warnf("Force closing serial port %s", port)
	if cerr := l.registry.ForceClose(port); cerr != nil {
		return errors.Wrapf(cerr, "failed to close %s", port)
	}
	return err
}

// State returns the current connection state.
func (l *ArmLink) State() ConnectionState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Status returns a snapshot suitable for reporting.
func (l *ArmLink) Status() LinkStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st := LinkStatus{
		State:    l.state.String(),
		Port:     l.endpoint.Port,
		Baudrate: l.endpoint.Baudrate,
		Version:  l.version,
		Holds:    l.holdNames(),
	}
	if l.lastErr != nil {
		st.LastError = l.lastErr.Error()
	}
	if st.Port != "" {
		st.PortUsers, st.PortOpen, st.Transport = l.registry.Status(st.Port)
	}
	return st
}

func (l *ArmLink) connected() (Driver, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.state != Connected || l.driver == nil {
		return nil, errors.Wrapf(ErrNotConnected, "link is %s", l.state)
	}
	return l.driver, nil
}

func (l *ArmLink) ReadAngles(ctx context.Context) (JointAngles, error) {
	d, err := l.connected()
	if err != nil {
		return JointAngles{}, err
	}
	angles, err := d.GetAngles(ctx)
	if err != nil {
		return JointAngles{}, errors.Wrap(err, "failed to read joint angles")
	}
	return angles, nil
}

func (l *ArmLink) ReadCoords(ctx context.Context) (Coords, error) {
	d, err := l.connected()
	if err != nil {
		return Coords{}, err
	}
	coords, err := d.GetCoords(ctx)
	if err != nil {
		return Coords{}, errors.Wrap(err, "failed to read coordinates")
	}
	return coords, nil
}

// CommandAngles moves to the given joint angles. With blocking set it returns
// once the controller reports arrival, or ErrMoveTimeout.
func (l *ArmLink) CommandAngles(ctx context.Context, angles JointAngles, speed int, blocking bool) error {
	if err := ValidateSpeed(speed); err != nil {
		return err
	}
	if err := angles.Validate(); err != nil {
		return err
	}
	d, err := l.motionDriver()
	if err != nil {
		return err
	}

	l.logger.Debugf("Sending angles %s at speed %d (blocking=%v)", angles, speed, blocking)
	if err := d.SendAngles(ctx, angles, speed); err != nil {
		return errors.Wrap(err, "failed to send joint angles")
	}
	if !blocking {
		return nil
	}
	return l.waitArrival(ctx, func(ctx context.Context) (bool, error) {
		return d.AnglesReached(ctx, angles)
	})
}

// CommandCoords moves the flange to a Cartesian target.
func (l *ArmLink) CommandCoords(ctx context.Context, coords Coords, speed int, mode MoveMode, blocking bool) error {
	if err := ValidateSpeed(speed); err != nil {
		return err
	}
	if err := coords.validate(); err != nil {
		return err
	}
	if mode != MoveModeAngular && mode != MoveModeLinear {
		return fmt.Errorf("unknown move mode %d", mode)
	}
	d, err := l.motionDriver()
	if err != nil {
		return err
	}

	l.logger.Debugf("Sending coords %+v at speed %d mode %d", coords, speed, mode)
	if err := d.SendCoords(ctx, coords, speed, mode); err != nil {
		return errors.Wrap(err, "failed to send coordinates")
	}
	if !blocking {
		return nil
	}
	return l.waitArrival(ctx, func(ctx context.Context) (bool, error) {
		return d.CoordsReached(ctx, coords)
	})
}

func (l *ArmLink) waitArrival(ctx context.Context, reached func(context.Context) (bool, error)) error {
	deadline := time.Now().Add(l.moveTimeout)
	for time.Now().Before(deadline) {
		if !utils.SelectContextOrWait(ctx, l.arrivalPoll) {
			return ctx.Err()
		}
		ok, err := reached(ctx)
		if err != nil {
			l.logger.Debugf("arrival check failed: %v", err)
			continue
		}
		if ok {
			return nil
		}
	}
	return errors.Wrapf(ErrMoveTimeout, "after %s", l.moveTimeout)
}

// holdManualPosition is taken while the servos are released for positioning
// by hand. Motion commands are refused while it is outstanding.
const holdManualPosition = "manual_position"

// Hold marks the arm as in use by a sweep or reconstruction. Servo release and
// lock are refused while any hold is outstanding. The returned func drops it.
func (l *ArmLink) Hold(reason string) func() {
	l.mu.Lock()
	l.holds[reason]++
	l.mu.Unlock()
	return l.releaser(reason)
}

// TryHold takes a hold only if no other hold is outstanding.
func (l *ArmLink) TryHold(reason string) (func(), error) {
	l.mu.Lock()
	if names := l.holdNames(); len(names) > 0 {
		l.mu.Unlock()
		return nil, errors.Wrapf(ErrBusy, "arm in use by %s", strings.Join(names, ", "))
	}
	l.holds[reason]++
	l.mu.Unlock()
	return l.releaser(reason), nil
}

func (l *ArmLink) releaser(reason string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.holds[reason] <= 1 {
				delete(l.holds, reason)
				return
			}
			l.holds[reason]--
		})
	}
}

// Busy reports whether any hold is outstanding.
func (l *ArmLink) Busy() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.holds) > 0
}

func (l *ArmLink) holdNames() []string {
	names := make([]string, 0, len(l.holds))
	for name := range l.holds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// servoDriver refuses while any hold other than owner's is outstanding.
func (l *ArmLink) servoDriver(owner string) (Driver, error) {
	l.mu.RLock()
	var names []string
	for _, name := range l.holdNames() {
		if name != owner || l.holds[name] > 1 {
			names = append(names, name)
		}
	}
	l.mu.RUnlock()
	if len(names) > 0 {
		return nil, errors.Wrapf(ErrBusy, "arm in use by %s", strings.Join(names, ", "))
	}
	return l.connected()
}

// motionDriver refuses while the arm is being positioned by hand.
func (l *ArmLink) motionDriver() (Driver, error) {
	l.mu.RLock()
	manual := l.holds[holdManualPosition] > 0
	l.mu.RUnlock()
	if manual {
		return nil, errors.Wrap(ErrBusy, "arm is being positioned by hand")
	}
	return l.connected()
}

// ReleaseServos lets the arm be positioned by hand.
func (l *ArmLink) ReleaseServos(ctx context.Context) error {
	return l.releaseServos(ctx, "")
}

func (l *ArmLink) releaseServos(ctx context.Context, owner string) error {
	d, err := l.servoDriver(owner)
	if err != nil {
		return err
	}
	l.logger.Info("Releasing all servos")
	return d.ReleaseServos(ctx)
}

// LockServos powers the servos so the arm holds its pose.
func (l *ArmLink) LockServos(ctx context.Context) error {
	return l.lockServos(ctx, "")
}

func (l *ArmLink) lockServos(ctx context.Context, owner string) error {
	d, err := l.servoDriver(owner)
	if err != nil {
		return err
	}
	l.logger.Info("Locking all servos")
	return d.LockServos(ctx)
}

// Stop sends an emergency halt without waiting for it to be delivered.
// Failures are logged, never returned.
func (l *ArmLink) Stop() {
	l.mu.RLock()
	d := l.driver
	state := l.state
	l.mu.RUnlock()

	if d == nil {
		l.logger.Errorf("Emergency stop not delivered: arm is %s", state)
		return
	}

	utils.PanicCapturingGo(func() {
		ctx, cancel := context.WithTimeout(context.Background(), emergencyStopWindow)
		defer cancel()
		if err := d.Stop(ctx); err != nil {
			l.logger.Errorf("Emergency stop failed: %v", err)
			return
		}
		l.logger.Warn("Emergency stop sent")
	})
}
