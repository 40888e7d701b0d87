package cobot_us

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/utils"
)

const defaultPublishBackoff = time.Second

// angleReader is the part of the arm link the publisher needs.
type angleReader interface {
	State() ConnectionState
	ReadAngles(ctx context.Context) (JointAngles, error)
}

// PublisherOptions configures a PosePublisher.
type PublisherOptions struct {
	TransformName   string
	TranslationOnly bool
	Backoff         time.Duration
	// MinInterval spaces out publishes. Zero reschedules immediately.
	MinInterval time.Duration
}

// PublisherStatus reports publisher counters.
type PublisherStatus struct {
	Active        bool      `json:"active"`
	Running       bool      `json:"running"`
	TransformName string    `json:"transform_name"`
	Published     uint64    `json:"published"`
	Backoffs      uint64    `json:"backoffs"`
	ReadErrors    uint64    `json:"read_errors"`
	LastPublished time.Time `json:"last_published,omitempty"`
}

// PosePublisher keeps the probe holder transform in the scene in step with
// the arm. A single goroutine runs iterations back to back, so reads and
// emits never overlap. Clearing the active flag lets the in-flight
// iteration finish and stops any further rescheduling.
type PosePublisher struct {
	arm    angleReader
	kin    Kinematics
	scene  *Scene
	logger logging.Logger
	opts   PublisherOptions

	mu      sync.Mutex
	active  bool
	running bool
	wake    chan struct{}
	done    chan struct{}

	closeCtx    context.Context
	closeCancel context.CancelFunc

	published  atomic.Uint64
	backoffs   atomic.Uint64
	readErrors atomic.Uint64
	lastPub    atomic.Int64
}

func NewPosePublisher(arm angleReader, kin Kinematics, scene *Scene, opts PublisherOptions, logger logging.Logger) *PosePublisher {
	if opts.TransformName == "" {
		opts.TransformName = ProbeHolderToRobotBaseName
	}
	if opts.Backoff == 0 {
		opts.Backoff = defaultPublishBackoff
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PosePublisher{
		arm:         arm,
		kin:         kin,
		scene:       scene,
		logger:      logger,
		opts:        opts,
		wake:        make(chan struct{}, 1),
		closeCtx:    ctx,
		closeCancel: cancel,
	}
}

// TransformName is the scene resource the publisher writes.
func (p *PosePublisher) TransformName() string {
	return p.opts.TransformName
}

// Start sets the publisher active and launches the loop if it is not running.
func (p *PosePublisher) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.active = true
	select {
	case <-p.wake:
	default:
	}
	if p.running || p.closeCtx.Err() != nil {
		return
	}
	p.running = true
	done := make(chan struct{})
	p.done = done
	p.logger.Infof("Starting pose publisher for %s", p.opts.TransformName)
	utils.PanicCapturingGo(func() { p.run(done) })
}

// Stop clears the active flag. An iteration already underway completes; no
// further iteration is scheduled.
func (p *PosePublisher) Stop() {
	p.mu.Lock()
	wasActive := p.active
	p.active = false
	p.mu.Unlock()

	if wasActive {
		p.logger.Info("Stopping pose publisher")
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Close stops the publisher and waits for the loop to exit.
func (p *PosePublisher) Close(ctx context.Context) error {
	p.Stop()
	p.closeCancel()

	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the publisher counters.
func (p *PosePublisher) Status() PublisherStatus {
	p.mu.Lock()
	st := PublisherStatus{
		Active:        p.active,
		Running:       p.running,
		TransformName: p.opts.TransformName,
	}
	p.mu.Unlock()

	st.Published = p.published.Load()
	st.Backoffs = p.backoffs.Load()
	st.ReadErrors = p.readErrors.Load()
	if ns := p.lastPub.Load(); ns != 0 {
		st.LastPublished = time.Unix(0, ns)
	}
	return st
}

// keepGoing decides under the lock whether the loop continues, so a Start
// racing with the loop's exit never leaves the publisher active but idle.
func (p *PosePublisher) keepGoing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active || p.closeCtx.Err() != nil {
		p.running = false
		return false
	}
	return true
}

func (p *PosePublisher) run(done chan struct{}) {
	defer close(done)
	for p.keepGoing() {
		delay := p.iterate()
		if delay <= 0 {
			continue
		}
		if !p.keepGoing() {
			return
		}
		select {
		case <-p.closeCtx.Done():
		case <-p.wake:
		case <-time.After(delay):
		}
	}
}

// iterate runs one read-convert-emit cycle and returns how long to wait
// before the next one. The iteration is not cut short by Stop or Close.
func (p *PosePublisher) iterate() time.Duration {
	ctx := context.WithoutCancel(p.closeCtx)

	if p.arm.State() != Connected {
		p.backoffs.Add(1)
		return p.opts.Backoff
	}

	angles, err := p.arm.ReadAngles(ctx)
	if err != nil {
		p.readErrors.Add(1)
		p.logger.Debugf("pose publisher read failed: %v", err)
		return p.opts.Backoff
	}

	pose, err := p.kin.Transform(angles)
	if err != nil {
		p.readErrors.Add(1)
		p.logger.Warnf("forward kinematics failed for %s: %v", angles, err)
		return p.opts.Backoff
	}
	if p.opts.TranslationOnly {
		pose = spatialmath.NewPoseFromPoint(pose.Point())
	}

	p.scene.SetPose(ctx, p.opts.TransformName, pose)
	p.published.Add(1)
	p.lastPub.Store(time.Now().UnixNano())
	return p.opts.MinInterval
}
