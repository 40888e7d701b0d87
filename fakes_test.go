package cobot_us

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
)

// fakeDriver is an in-memory arm controller. Moves land instantly unless
// stuck is set.
type fakeDriver struct {
	mu sync.Mutex

	version    string
	versionErr error
	readErr    error
	stuck      bool

	angles JointAngles
	coords Coords

	sentAngles []JointAngles
	sentSpeeds []int
	sentCoords []Coords
	sentModes  []MoveMode

	released int
	locked   int
	stopped  atomic.Int32
	closed   int
	closeErr error
	reads    atomic.Int32
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{version: "myCobot 280 firmware 2.0"}
}

func (d *fakeDriver) Version(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version, d.versionErr
}

func (d *fakeDriver) GetAngles(context.Context) (JointAngles, error) {
	d.reads.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.angles, d.readErr
}

func (d *fakeDriver) SendAngles(_ context.Context, angles JointAngles, speed int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sentAngles = append(d.sentAngles, angles)
	d.sentSpeeds = append(d.sentSpeeds, speed)
	if !d.stuck {
		d.angles = angles
	}
	return nil
}

func (d *fakeDriver) GetCoords(context.Context) (Coords, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.coords, d.readErr
}

func (d *fakeDriver) SendCoords(_ context.Context, coords Coords, speed int, mode MoveMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sentCoords = append(d.sentCoords, coords)
	d.sentSpeeds = append(d.sentSpeeds, speed)
	d.sentModes = append(d.sentModes, mode)
	if !d.stuck {
		d.coords = coords
	}
	return nil
}

func (d *fakeDriver) AnglesReached(_ context.Context, target JointAngles) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.angles == target, nil
}

func (d *fakeDriver) CoordsReached(_ context.Context, target Coords) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.coords == target, nil
}

func (d *fakeDriver) ReleaseServos(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released++
	return nil
}

func (d *fakeDriver) LockServos(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.locked++
	return nil
}

func (d *fakeDriver) Stop(context.Context) error {
	d.stopped.Add(1)
	return nil
}

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed++
	return d.closeErr
}

func (d *fakeDriver) lastAngles() (JointAngles, int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sentAngles) == 0 {
		return JointAngles{}, 0, false
	}
	return d.sentAngles[len(d.sentAngles)-1], d.sentSpeeds[len(d.sentSpeeds)-1], true
}

// commandCount counts every motion or servo command received.
func (d *fakeDriver) commandCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sentAngles) + len(d.sentCoords) + d.released + d.locked
}

func (d *fakeDriver) setAngles(a JointAngles) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.angles = a
}

func openerFor(d Driver) DriverOpener {
	return func(Endpoint, logging.Logger) (Driver, error) {
		return d, nil
	}
}

func failingOpener(err error) DriverOpener {
	return func(Endpoint, logging.Logger) (Driver, error) {
		return nil, err
	}
}

func testLinkOptions(d Driver) ArmLinkOptions {
	return ArmLinkOptions{
		Open:        openerFor(d),
		MoveTimeout: 200 * time.Millisecond,
		ArrivalPoll: 5 * time.Millisecond,
	}
}

func newConnectedLink(t *testing.T, d *fakeDriver) *ArmLink {
	t.Helper()
	link := NewArmLink(testLinkOptions(d), logging.NewTestLogger(t))
	_, err := link.Connect(context.Background(), Endpoint{Port: "/dev/ttyUSB0"})
	require.NoError(t, err)
	return link
}

// memoryStore is a SettingsStore backed by a variable.
type memoryStore struct {
	mu      sync.Mutex
	saved   *SettingsSnapshot
	saves   int
	loadErr error
	saveErr error
}

func (m *memoryStore) Load(context.Context) (SettingsSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return SettingsSnapshot{}, m.loadErr
	}
	if m.saved == nil {
		return SettingsSnapshot{}, ErrNoSettings
	}
	return *m.saved, nil
}

func (m *memoryStore) Save(_ context.Context, s SettingsSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved = &s
	m.saves++
	return nil
}

// fakeImages is an ImageSource whose image appears on demand.
type fakeImages struct {
	hasImage atomic.Bool
	startErr error
	starts   atomic.Int32
	// appearAfter makes the image show up on the nth HasImage call.
	appearAfter int32
	polls       atomic.Int32
}

func (f *fakeImages) Start(context.Context) error {
	f.starts.Add(1)
	return f.startErr
}

func (f *fakeImages) HasImage(name string) bool {
	n := f.polls.Add(1)
	if f.appearAfter > 0 && n >= f.appearAfter {
		f.hasImage.Store(true)
	}
	return name == ImageReferenceName && f.hasImage.Load()
}

// recordingEngine logs every call it receives.
type recordingEngine struct {
	mu      sync.Mutex
	calls   []string
	visible map[string]bool
	failOn  string
	session *ReconstructionSession
	roi     ROI
	reslice ResliceConfig
	slice   SliceViewConfig

	// When gate is set, Configure signals entered and then blocks until gate
	// is closed, whatever its context says. entered needs room for one
	// signal per Configure call the test does not read.
	gate    chan struct{}
	entered chan struct{}
}

func newRecordingEngine() *recordingEngine {
	return &recordingEngine{visible: make(map[string]bool)}
}

var errEngine = errors.New("engine failure")

func (e *recordingEngine) record(call string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, call)
	if call == e.failOn {
		return errEngine
	}
	return nil
}

func (e *recordingEngine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *recordingEngine) ConfigureSliceView(_ context.Context, cfg SliceViewConfig) error {
	e.mu.Lock()
	e.slice = cfg
	e.mu.Unlock()
	return e.record("slice_view")
}

func (e *recordingEngine) ConfigureReslice(_ context.Context, cfg ResliceConfig) error {
	e.mu.Lock()
	e.reslice = cfg
	e.mu.Unlock()
	return e.record("reslice")
}

func (e *recordingEngine) Configure(_ context.Context, s *ReconstructionSession) error {
	e.mu.Lock()
	cp := *s
	e.session = &cp
	gate, entered := e.gate, e.entered
	e.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		<-gate
	}
	return e.record("configure")
}

func (e *recordingEngine) SetROI(_ context.Context, _ uuid.UUID, roi ROI) error {
	e.mu.Lock()
	e.roi = roi
	e.mu.Unlock()
	return e.record("roi")
}

func (e *recordingEngine) Reset(context.Context, uuid.UUID) error {
	return e.record("reset")
}

func (e *recordingEngine) Start(context.Context, uuid.UUID) error {
	return e.record("start")
}

func (e *recordingEngine) Stop(context.Context, uuid.UUID) error {
	return e.record("stop")
}

func (e *recordingEngine) SetVolumeVisible(_ context.Context, volume string, visible bool) error {
	e.mu.Lock()
	e.visible[volume] = visible
	e.mu.Unlock()
	return e.record("volume_visibility")
}

func (e *recordingEngine) isVisible(volume string) (bool, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.visible[volume]
	return v, ok
}

// sinkRecorder is a TransformSink that keeps every update.
type sinkRecorder struct {
	mu      sync.Mutex
	updates []TransformUpdate
	err     error
}

func (s *sinkRecorder) PublishTransform(_ context.Context, u TransformUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
	return s.err
}

func (s *sinkRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}
