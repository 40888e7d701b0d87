package cobot_us

import (
	"encoding/json"
	"fmt"
	"time"

	commonpb "go.viam.com/api/common/v1"
	"go.viam.com/rdk/spatialmath"
	"google.golang.org/protobuf/encoding/protojson"
)

// TransformMessage is the JSON form of a transform sent to MQTT, Redis and
// WebSocket consumers. Pose uses the Viam common.v1.Pose JSON mapping.
type TransformMessage struct {
	Name      string          `json:"name"`
	Parent    string          `json:"parent,omitempty"`
	Matrix    [16]float64     `json:"matrix"`
	Pose      json.RawMessage `json:"pose,omitempty"`
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewTransformMessage converts a scene update to its wire form.
func NewTransformMessage(u TransformUpdate) (TransformMessage, error) {
	msg := TransformMessage{
		Name:      u.Name,
		Parent:    u.Parent,
		Matrix:    u.Matrix,
		Seq:       u.Seq,
		Timestamp: u.Updated,
	}
	if u.Pose != nil {
		raw, err := protojson.Marshal(spatialmath.PoseToProtobuf(u.Pose))
		if err != nil {
			return TransformMessage{}, fmt.Errorf("failed to encode pose: %w", err)
		}
		msg.Pose = raw
	}
	return msg, nil
}

// EncodeTransform returns the JSON encoding of u.
func EncodeTransform(u TransformUpdate) ([]byte, error) {
	msg, err := NewTransformMessage(u)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// DecodePose parses the pose carried by a TransformMessage.
func (m TransformMessage) DecodePose() (spatialmath.Pose, error) {
	if len(m.Pose) == 0 {
		return nil, fmt.Errorf("transform %s carries no pose", m.Name)
	}
	var pb commonpb.Pose
	if err := protojson.Unmarshal(m.Pose, &pb); err != nil {
		return nil, fmt.Errorf("failed to decode pose: %w", err)
	}
	return spatialmath.NewPoseFromProtobuf(&pb), nil
}
