package cobot_us

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
)

// Well-known scene resource names.
const (
	ImageReferenceName          = "Image_Reference"
	ProbeHolderToRobotBaseName  = "ProbeHolderToRobotBase"
	ProbeToRobotBaseName        = "ProbeToRobotBase"
	ImageToProbeHolderName      = "ImageToProbeHolder"
	VolumeReconstructionName    = "VolumeReconstruction"
	VolumeReconstructionROIName = "VolumeReconstructionROI"
	VolumeReferenceName         = "Volume_Reference"
)

// TransformUpdate is one version of a named transform.
type TransformUpdate struct {
	Name   string
	Parent string
	Matrix Matrix4
	// Pose is set when the transform is rigid.
	Pose    spatialmath.Pose
	Seq     uint64
	Updated time.Time
}

// TransformSink receives every transform written to the scene.
type TransformSink interface {
	PublishTransform(ctx context.Context, u TransformUpdate) error
}

type sceneNode struct {
	matrix   Matrix4
	pose     spatialmath.Pose
	seq      uint64
	updated  time.Time
	isMatrix bool
}

// Scene is the named transform store shared by the pose publisher and the
// reconstruction coordinator. Nodes without a matrix (images, volumes) may
// still be parented so their world transform can be resolved.
type Scene struct {
	logger logging.Logger

	mu      sync.RWMutex
	nodes   map[string]*sceneNode
	parents map[string]string
	sinks   []TransformSink
}

func NewScene(logger logging.Logger) *Scene {
	return &Scene{
		logger:  logger,
		nodes:   make(map[string]*sceneNode),
		parents: make(map[string]string),
	}
}

// AddSink registers a sink for all later updates.
func (s *Scene) AddSink(sink TransformSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// SetPose writes a rigid transform, creating the node if needed.
func (s *Scene) SetPose(ctx context.Context, name string, pose spatialmath.Pose) (created bool) {
	return s.set(ctx, name, MatrixFromPose(pose), pose)
}

// SetMatrix writes a general transform, creating the node if needed.
func (s *Scene) SetMatrix(ctx context.Context, name string, m Matrix4) (created bool) {
	return s.set(ctx, name, m, nil)
}

func (s *Scene) set(ctx context.Context, name string, m Matrix4, pose spatialmath.Pose) bool {
	s.mu.Lock()
	node, exists := s.nodes[name]
	if !exists {
		node = &sceneNode{}
		s.nodes[name] = node
	}
	node.matrix = m
	node.pose = pose
	node.isMatrix = true
	node.seq++
	node.updated = time.Now()
	update := TransformUpdate{
		Name:    name,
		Parent:  s.parents[name],
		Matrix:  m,
		Pose:    pose,
		Seq:     node.seq,
		Updated: node.updated,
	}
	sinks := append([]TransformSink(nil), s.sinks...)
	s.mu.Unlock()

	if !exists {
		s.logger.Debugf("Created transform %s", name)
	}
	for _, sink := range sinks {
		if err := sink.PublishTransform(ctx, update); err != nil {
			s.logger.Debugf("transform sink rejected %s: %v", name, err)
		}
	}
	return !exists
}

// EnsureNode creates a node with no matrix if it does not exist yet.
func (s *Scene) EnsureNode(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[name]; !ok {
		s.nodes[name] = &sceneNode{matrix: IdentityMatrix()}
	}
}

// HasTransform reports whether name exists and has been given a matrix.
func (s *Scene) HasTransform(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[name]
	return ok && node.isMatrix
}

// Transform returns the latest version of a named transform.
func (s *Scene) Transform(name string) (TransformUpdate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[name]
	if !ok || !node.isMatrix {
		return TransformUpdate{}, false
	}
	return TransformUpdate{
		Name:    name,
		Parent:  s.parents[name],
		Matrix:  node.matrix,
		Pose:    node.pose,
		Seq:     node.seq,
		Updated: node.updated,
	}, true
}

// SetParent makes child observe parent. Both nodes must exist and the link
// must not create a cycle. An empty parent detaches the child.
func (s *Scene) SetParent(child, parent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[child]; !ok {
		return fmt.Errorf("scene node %q not found", child)
	}
	if parent == "" {
		delete(s.parents, child)
		return nil
	}
	if _, ok := s.nodes[parent]; !ok {
		return fmt.Errorf("scene node %q not found", parent)
	}
	for p := parent; p != ""; p = s.parents[p] {
		if p == child {
			return fmt.Errorf("parenting %s to %s would create a cycle", child, parent)
		}
	}
	s.parents[child] = parent
	return nil
}

// WorldTransform composes name with every parent up to the root of its
// chain, so Image_Reference resolves through the calibration to the robot
// base. Parent is the root's name and Seq changes whenever any link does.
// Nodes without a matrix count as identity.
func (s *Scene) WorldTransform(name string) (TransformUpdate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.nodes[name]; !ok {
		return TransformUpdate{}, fmt.Errorf("scene node %q not found", name)
	}
	u := TransformUpdate{Name: name, Matrix: IdentityMatrix()}
	for n := name; n != ""; n = s.parents[n] {
		node := s.nodes[n]
		if n != name {
			u.Parent = n
		}
		if !node.isMatrix {
			continue
		}
		u.Matrix = node.matrix.Mul(u.Matrix)
		u.Seq += node.seq
		if node.updated.After(u.Updated) {
			u.Updated = node.updated
		}
	}
	return u, nil
}

// Names returns all node names, sorted.
func (s *Scene) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.nodes))
	for n := range s.nodes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
