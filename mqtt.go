package cobot_us

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.viam.com/rdk/logging"
)

// MQTTConfig describes the broker used for transform fan-out and
// reconstruction commands.
type MQTTConfig struct {
	Broker      string `json:"broker,omitempty"`
	ClientID    string `json:"client_id,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	TopicPrefix string `json:"topic_prefix,omitempty"`
	QoS         byte   `json:"qos,omitempty"`
}

const (
	defaultTopicPrefix    = "cobot_us"
	mqttPublishTimeout    = 2 * time.Second
	mqttDisconnectQuiesce = 250
)

func (c MQTTConfig) prefix() string {
	if c.TopicPrefix == "" {
		return defaultTopicPrefix
	}
	return strings.TrimSuffix(c.TopicPrefix, "/")
}

// NewMQTTClient connects to the broker with auto-reconnect enabled.
func NewMQTTClient(cfg MQTTConfig, logger logging.Logger) (mqtt.Client, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "cobot-us-" + uuid.NewString()[:8]
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(1 * time.Second).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(10 * time.Second).
		SetCleanSession(true)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Infof("Connected to MQTT broker %s", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warnf("MQTT connection lost, reconnecting: %v", err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return client, nil
}

// DisconnectMQTT disconnects the client if it is connected.
func DisconnectMQTT(client mqtt.Client) {
	if client.IsConnected() {
		client.Disconnect(mqttDisconnectQuiesce)
	}
}

// mqttPublisher is the part of mqtt.Client used here.
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

func publishWait(client mqttPublisher, topic string, qos byte, retained bool, payload []byte) error {
	token := client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s failed: %w", topic, err)
	}
	return nil
}

// MQTTTransformSink publishes every transform, retained, on
// <prefix>/transforms/<name>.
type MQTTTransformSink struct {
	client mqttPublisher
	prefix string
	qos    byte
}

func NewMQTTTransformSink(client mqttPublisher, cfg MQTTConfig) *MQTTTransformSink {
	return &MQTTTransformSink{client: client, prefix: cfg.prefix(), qos: cfg.QoS}
}

func (s *MQTTTransformSink) Topic(name string) string {
	return s.prefix + "/transforms/" + name
}

func (s *MQTTTransformSink) PublishTransform(_ context.Context, u TransformUpdate) error {
	payload, err := EncodeTransform(u)
	if err != nil {
		return err
	}
	return publishWait(s.client, s.Topic(u.Name), s.qos, true, payload)
}

// ReconstructionCommand is the message the imaging host receives on
// <prefix>/reconstruction/<verb>.
type ReconstructionCommand struct {
	Verb      string      `json:"verb"`
	Session   string      `json:"session,omitempty"`
	Args      interface{} `json:"args,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// MQTTReconstructionEngine forwards reconstruction requests to the imaging
// host as JSON commands.
type MQTTReconstructionEngine struct {
	client mqttPublisher
	prefix string
	qos    byte
	logger logging.Logger
}

func NewMQTTReconstructionEngine(client mqttPublisher, cfg MQTTConfig, logger logging.Logger) *MQTTReconstructionEngine {
	qos := cfg.QoS
	if qos == 0 {
		qos = 1
	}
	return &MQTTReconstructionEngine{client: client, prefix: cfg.prefix(), qos: qos, logger: logger}
}

func (e *MQTTReconstructionEngine) Topic(verb string) string {
	return e.prefix + "/reconstruction/" + verb
}

func (e *MQTTReconstructionEngine) send(verb string, session uuid.UUID, args interface{}) error {
	cmd := ReconstructionCommand{Verb: verb, Args: args, Timestamp: time.Now()}
	if session != uuid.Nil {
		cmd.Session = session.String()
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal %s command: %w", verb, err)
	}
	e.logger.Debugf("-> %s %s", e.Topic(verb), payload)
	return publishWait(e.client, e.Topic(verb), e.qos, false, payload)
}

func (e *MQTTReconstructionEngine) ConfigureSliceView(_ context.Context, cfg SliceViewConfig) error {
	return e.send("slice_view", uuid.Nil, cfg)
}

func (e *MQTTReconstructionEngine) ConfigureReslice(_ context.Context, cfg ResliceConfig) error {
	return e.send("reslice", uuid.Nil, cfg)
}

func (e *MQTTReconstructionEngine) Configure(_ context.Context, s *ReconstructionSession) error {
	return e.send("configure", s.ID, map[string]interface{}{
		"input_volume":         s.InputImage,
		"output_volume":        s.OutputVolume,
		"roi_node":             s.ROINode,
		"spacing":              s.Spacing,
		"live_update_interval": s.LiveUpdateInterval.Seconds(),
		"fill_holes":           s.FillHoles,
		"rendering_preset":     s.RenderingPreset,
		"live":                 true,
	})
}

func (e *MQTTReconstructionEngine) SetROI(_ context.Context, id uuid.UUID, roi ROI) error {
	radius := roi.Radius()
	return e.send("roi", id, map[string]interface{}{
		"center": []float64{roi.Center.X, roi.Center.Y, roi.Center.Z},
		"radius": []float64{radius.X, radius.Y, radius.Z},
	})
}

func (e *MQTTReconstructionEngine) Reset(_ context.Context, id uuid.UUID) error {
	return e.send("reset", id, nil)
}

func (e *MQTTReconstructionEngine) Start(_ context.Context, id uuid.UUID) error {
	return e.send("start", id, nil)
}

func (e *MQTTReconstructionEngine) Stop(_ context.Context, id uuid.UUID) error {
	return e.send("stop", id, nil)
}

func (e *MQTTReconstructionEngine) SetVolumeVisible(_ context.Context, volume string, visible bool) error {
	return e.send("volume_visibility", uuid.Nil, map[string]interface{}{
		"volume":  volume,
		"visible": visible,
	})
}
