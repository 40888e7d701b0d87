package cobot_us

import (
	"context"
	"errors"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
)

func TestSceneSetAndGet(t *testing.T) {
	ctx := context.Background()
	scene := NewScene(logging.NewTestLogger(t))
	sink := &sinkRecorder{}
	scene.AddSink(sink)

	_, ok := scene.Transform(ProbeToRobotBaseName)
	assert.False(t, ok)

	pose := spatialmath.NewPoseFromPoint(r3.Vector{X: 1, Y: 2, Z: 3})
	assert.True(t, scene.SetPose(ctx, ProbeToRobotBaseName, pose), "first write creates the node")
	assert.False(t, scene.SetPose(ctx, ProbeToRobotBaseName, pose))

	u, ok := scene.Transform(ProbeToRobotBaseName)
	require.True(t, ok)
	assert.Equal(t, uint64(2), u.Seq)
	assert.Equal(t, r3.Vector{X: 1, Y: 2, Z: 3}, u.Matrix.Translation())
	assert.NotNil(t, u.Pose)
	assert.Equal(t, 2, sink.count())

	scene.SetMatrix(ctx, VolumeReconstructionROIName, ScaleMatrix(2))
	u, ok = scene.Transform(VolumeReconstructionROIName)
	require.True(t, ok)
	assert.Nil(t, u.Pose)
	assert.Equal(t, 3, sink.count())
}

func TestSceneSinkErrorsAreIgnored(t *testing.T) {
	scene := NewScene(logging.NewTestLogger(t))
	scene.AddSink(&sinkRecorder{err: errors.New("broker down")})
	ok := &sinkRecorder{}
	scene.AddSink(ok)

	scene.SetMatrix(context.Background(), "a", IdentityMatrix())
	assert.Equal(t, 1, ok.count())
	assert.True(t, scene.HasTransform("a"))
}

func TestSceneNodesWithoutTransform(t *testing.T) {
	scene := NewScene(logging.NewTestLogger(t))

	scene.EnsureNode(ImageReferenceName)
	assert.Equal(t, []string{ImageReferenceName}, scene.Names())
	assert.False(t, scene.HasTransform(ImageReferenceName))
	_, ok := scene.Transform(ImageReferenceName)
	assert.False(t, ok)

	scene.SetMatrix(context.Background(), ImageReferenceName, ScaleMatrix(3))
	scene.EnsureNode(ImageReferenceName)
	assert.True(t, scene.HasTransform(ImageReferenceName), "EnsureNode must not clobber an existing node")
}

func TestSceneParenting(t *testing.T) {
	ctx := context.Background()
	scene := NewScene(logging.NewTestLogger(t))

	scene.SetMatrix(ctx, "base", TranslationMatrix(r3.Vector{Z: 100}))
	scene.SetMatrix(ctx, "holder", TranslationMatrix(r3.Vector{X: 10}))
	scene.EnsureNode("image")

	require.NoError(t, scene.SetParent("holder", "base"))
	require.NoError(t, scene.SetParent("image", "holder"))

	world, err := scene.WorldTransform("image")
	require.NoError(t, err)
	assert.Equal(t, "image", world.Name)
	assert.Equal(t, "base", world.Parent, "parent names the root of the chain")
	assert.Equal(t, r3.Vector{X: 10, Z: 100}, world.Matrix.Translation())
	assert.Equal(t, uint64(2), world.Seq)

	scene.SetMatrix(ctx, "holder", TranslationMatrix(r3.Vector{X: 20}))
	moved, err := scene.WorldTransform("image")
	require.NoError(t, err)
	assert.Equal(t, r3.Vector{X: 20, Z: 100}, moved.Matrix.Translation())
	assert.Greater(t, moved.Seq, world.Seq)

	assert.ErrorContains(t, scene.SetParent("base", "image"), "cycle")
	assert.ErrorContains(t, scene.SetParent("image", "missing"), "not found")
	assert.ErrorContains(t, scene.SetParent("missing", "base"), "not found")
	_, err = scene.WorldTransform("missing")
	assert.Error(t, err)

	require.NoError(t, scene.SetParent("holder", ""))
	world, err = scene.WorldTransform("image")
	require.NoError(t, err)
	assert.Equal(t, "holder", world.Parent)
	assert.Equal(t, r3.Vector{X: 20}, world.Matrix.Translation())

	u, _ := scene.Transform("holder")
	assert.Empty(t, u.Parent)
	assert.Equal(t, []string{"base", "holder", "image"}, scene.Names())
}
