package cobot_us

import (
	"context"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

const closeTimeout = 5 * time.Second

// System wires the arm link, scene, pose publisher, sweep controller and
// reconstruction coordinator around one set of settings. It backs both the
// Viam service and the standalone HTTP server.
type System struct {
	cfg    *Config
	logger logging.Logger

	Settings    *Settings
	Arm         *ArmLink
	Scene       *Scene
	Kinematics  Kinematics
	Publisher   *PosePublisher
	Sweep       *SweepController
	Images      *IGTLinkClient
	Coordinator *Coordinator
	Hub         *TransformHub

	mqttClient  mqtt.Client
	redisClient *redis.Client
	natsConn    *nats.Conn
}

// SystemOptions replaces collaborators, mostly for tests.
type SystemOptions struct {
	Open    DriverOpener
	Store   SettingsStore
	Engine  ReconstructionEngine
	History SessionHistory
}

// NewSystem builds every component from cfg. Optional backends (MQTT, Redis,
// NATS, Postgres) are only dialled when configured.
func NewSystem(ctx context.Context, cfg *Config, opts SystemOptions, logger logging.Logger) (*System, error) {
	s := &System{
		cfg:        cfg,
		logger:     logger,
		Scene:      NewScene(logger.Sublogger("scene")),
		Kinematics: NewMyCobot280Kinematics(),
		Hub:        NewTransformHub(logger.Sublogger("ws")),
	}
	s.Scene.AddSink(s.Hub)

	if cfg.Redis != nil {
		rdb, err := NewRedisClient(ctx, *cfg.Redis)
		if err != nil {
			return nil, err
		}
		s.redisClient = rdb
		s.Scene.AddSink(NewRedisTransformSink(rdb, *cfg.Redis))
	}

	if cfg.NATS != nil {
		nc, err := NewNATSConnection(*cfg.NATS, logger.Sublogger("nats"))
		if err != nil {
			s.closeBackends()
			return nil, err
		}
		s.natsConn = nc
		s.Scene.AddSink(NewNATSTransformSink(nc, *cfg.NATS))
	}

	engine := opts.Engine
	if cfg.MQTT != nil {
		client, err := NewMQTTClient(*cfg.MQTT, logger.Sublogger("mqtt"))
		if err != nil {
			s.closeBackends()
			return nil, err
		}
		s.mqttClient = client
		s.Scene.AddSink(NewMQTTTransformSink(client, *cfg.MQTT))
		if engine == nil {
			engine = NewMQTTReconstructionEngine(client, *cfg.MQTT, logger.Sublogger("engine"))
		}
	}

	history := opts.History
	if history == nil && cfg.PostgresDSN != "" {
		h, err := OpenPostgresHistory(cfg.PostgresDSN, logger.Sublogger("history"))
		if err != nil {
			s.closeBackends()
			return nil, err
		}
		history = h
	}

	store := opts.Store
	if store == nil {
		if s.redisClient != nil && cfg.Redis.StoreSettings {
			store = NewRedisSettingsStore(s.redisClient, cfg.Redis.prefix()+":settings")
		} else {
			store = NewFileSettingsStore(cfg.SettingsFile)
		}
	}
	s.Settings = LoadSettings(ctx, store, logger.Sublogger("settings"))

	linkOpts := cfg.armLinkOptions()
	linkOpts.Open = opts.Open
	s.Arm = NewArmLink(linkOpts, logger.Sublogger("arm"))
	s.Publisher = NewPosePublisher(s.Arm, s.Kinematics, s.Scene, cfg.publisherOptions(), logger.Sublogger("publisher"))
	s.Sweep = NewSweepController(s.Arm, s.Settings, logger.Sublogger("sweep"))
	s.Images = NewIGTLinkClient(cfg.ImageStreamAddress, logger.Sublogger("images"))
	s.Coordinator = NewCoordinator(CoordinatorDeps{
		Arm:        s.Arm,
		Sweep:      s.Sweep,
		Settings:   s.Settings,
		Scene:      s.Scene,
		Images:     s.Images,
		Engine:     engine,
		Kinematics: s.Kinematics,
		History:    history,
	}, cfg.coordinatorOptions(), logger.Sublogger("reconstruction"))

	if cfg.AutoConnect && cfg.Port != "" {
		if _, err := s.Connect(ctx, cfg.Endpoint()); err != nil {
			logger.Warnf("Auto-connect to %s failed: %v", cfg.Port, err)
		}
	}
	return s, nil
}

// Connect opens the arm and starts publishing its pose. Fields missing from
// ep fall back to the configured endpoint.
func (s *System) Connect(ctx context.Context, ep Endpoint) (string, error) {
	if ep.Port == "" {
		ep.Port = s.cfg.Port
	}
	if ep.Baudrate == 0 {
		ep.Baudrate = s.cfg.Baudrate
	}
	if ep.Timeout == 0 {
		ep.Timeout = s.cfg.Timeout
	}
	version, err := s.Arm.Connect(ctx, ep)
	if err != nil {
		return "", err
	}
	s.Publisher.Start()
	return version, nil
}

// Disconnect stops the publisher and closes the arm.
// Disconnect stops publishing and releases the arm. With force the serial
// port is closed even if another link shares it.
func (s *System) Disconnect(force bool) error {
	s.Publisher.Stop()
	if force {
		return s.Arm.ForceDisconnect()
	}
	return s.Arm.Disconnect()
}

// Transform returns the current value of a scene transform.
func (s *System) Transform(name string) (TransformUpdate, error) {
	u, ok := s.Scene.Transform(name)
	if !ok {
		return TransformUpdate{}, errors.Errorf("transform %q not found", name)
	}
	return u, nil
}

// WorldTransform resolves name through its parents to the root of its chain.
func (s *System) WorldTransform(name string) (TransformUpdate, error) {
	return s.Scene.WorldTransform(name)
}

func (s *System) closeBackends() {
	if s.mqttClient != nil {
		DisconnectMQTT(s.mqttClient)
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Debugf("Failed to close Redis client: %v", err)
		}
	}
	if s.natsConn != nil {
		s.natsConn.Close()
	}
}

// Close stops any reconstruction, the publisher and the image stream, then
// releases the arm and backends.
func (s *System) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, closeTimeout)
	defer cancel()

	if s.Coordinator.State().active() {
		if err := s.Coordinator.Stop(ctx); err != nil {
			s.logger.Warnf("Failed to stop reconstruction: %v", err)
		}
	}
	if err := s.Publisher.Close(ctx); err != nil {
		s.logger.Warnf("Pose publisher did not stop: %v", err)
	}
	s.Images.Stop()
	s.Hub.Close()

	var err error
	if s.Arm.State() != Disconnected {
		err = s.Arm.Disconnect()
	}
	s.closeBackends()
	return err
}
