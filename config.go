package cobot_us

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.viam.com/rdk/logging"
)

// Config is the sweep service configuration. The same struct is filled from
// the Viam resource attributes or, for the standalone server, from the
// environment.
type Config struct {
	Port     string `json:"port,omitempty"`
	Baudrate int    `json:"baudrate,omitempty"`

	Timeout       time.Duration `json:"timeout,omitempty"`
	MoveTimeoutMS int           `json:"move_timeout_ms,omitempty"`

	// AutoConnect connects when the resource is built and starts the pose
	// publisher once connected.
	AutoConnect bool `json:"auto_connect,omitempty"`

	TransformName     string `json:"transform_name,omitempty"`
	TranslationOnly   bool   `json:"translation_only,omitempty"`
	PublishIntervalMS int    `json:"publish_interval_ms,omitempty"`

	ImageStreamAddress  string `json:"image_stream_address,omitempty"`
	ImagePollAttempts   int    `json:"image_poll_attempts,omitempty"`
	ImagePollIntervalMS int    `json:"image_poll_interval_ms,omitempty"`

	SettingsFile string `json:"settings_file,omitempty"`

	MQTT        *MQTTConfig  `json:"mqtt,omitempty"`
	Redis       *RedisConfig `json:"redis,omitempty"`
	NATS        *NATSConfig  `json:"nats,omitempty"`
	PostgresDSN string       `json:"postgres_dsn,omitempty"`

	// HTTPAddr is only used by the standalone server.
	HTTPAddr string `json:"http_addr,omitempty"`
}

const (
	defaultSettingsFile = "cobot_us_settings.json"
	defaultHTTPAddr     = ":8080"
)

// Validate ensures all parts of the config are valid
func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.Port == "" {
		return nil, nil, fmt.Errorf("must specify port for serial communication")
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, nil, err
	}
	return nil, nil, nil
}

func (cfg *Config) applyDefaults() error {
	if cfg.Baudrate == 0 {
		cfg.Baudrate = DefaultBaudrate
	}
	if cfg.Baudrate < 0 {
		return fmt.Errorf("baudrate must be positive, got %d", cfg.Baudrate)
	}
	if cfg.MoveTimeoutMS < 0 || cfg.PublishIntervalMS < 0 || cfg.ImagePollAttempts < 0 || cfg.ImagePollIntervalMS < 0 {
		return fmt.Errorf("timeouts, intervals and attempts must not be negative")
	}
	if cfg.TransformName == "" {
		cfg.TransformName = ProbeHolderToRobotBaseName
	}
	if cfg.ImageStreamAddress == "" {
		cfg.ImageStreamAddress = DefaultImageStreamAddress
	}
	if cfg.SettingsFile == "" {
		cfg.SettingsFile = defaultSettingsFile
	}
	if cfg.MQTT != nil && cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is configured")
	}
	if cfg.MQTT != nil && cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", cfg.MQTT.QoS)
	}
	if cfg.Redis != nil && cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is configured")
	}
	if cfg.NATS != nil && cfg.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is configured")
	}
	return nil
}

// Endpoint returns the serial endpoint of the arm.
func (cfg *Config) Endpoint() Endpoint {
	return Endpoint{Port: cfg.Port, Baudrate: cfg.Baudrate, Timeout: cfg.Timeout}
}

func (cfg *Config) armLinkOptions() ArmLinkOptions {
	return ArmLinkOptions{MoveTimeout: time.Duration(cfg.MoveTimeoutMS) * time.Millisecond}
}

func (cfg *Config) publisherOptions() PublisherOptions {
	return PublisherOptions{
		TransformName:   cfg.TransformName,
		TranslationOnly: cfg.TranslationOnly,
		MinInterval:     time.Duration(cfg.PublishIntervalMS) * time.Millisecond,
	}
}

func (cfg *Config) coordinatorOptions() CoordinatorOptions {
	return CoordinatorOptions{
		TransformName:     cfg.TransformName,
		ImagePollAttempts: cfg.ImagePollAttempts,
		ImagePollInterval: time.Duration(cfg.ImagePollIntervalMS) * time.Millisecond,
	}
}

// LoadEnvConfig reads .env if present and builds a Config from environment
// variables. The port may be left empty and supplied later with a connect
// command.
func LoadEnvConfig(logger logging.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug(".env file not found, using environment variables")
	}

	cfg := &Config{
		Port:               getEnv("COBOT_PORT", ""),
		Baudrate:           getEnvInt("COBOT_BAUDRATE", DefaultBaudrate),
		MoveTimeoutMS:      getEnvInt("COBOT_MOVE_TIMEOUT_MS", 0),
		AutoConnect:        getEnvBool("COBOT_AUTO_CONNECT", false),
		TransformName:      getEnv("COBOT_TRANSFORM_NAME", ProbeHolderToRobotBaseName),
		TranslationOnly:    getEnvBool("COBOT_TRANSLATION_ONLY", false),
		PublishIntervalMS:  getEnvInt("COBOT_PUBLISH_INTERVAL_MS", 0),
		ImageStreamAddress: getEnv("IMAGE_STREAM_ADDRESS", DefaultImageStreamAddress),
		SettingsFile:       getEnv("SETTINGS_FILE", defaultSettingsFile),
		PostgresDSN:        getEnv("POSTGRES_DSN", ""),
		HTTPAddr:           getEnv("HTTP_ADDR", defaultHTTPAddr),
	}

	if broker := getEnv("MQTT_BROKER", ""); broker != "" {
		cfg.MQTT = &MQTTConfig{
			Broker:      broker,
			ClientID:    getEnv("MQTT_CLIENT_ID", ""),
			Username:    getEnv("MQTT_USERNAME", ""),
			Password:    getEnv("MQTT_PASSWORD", ""),
			TopicPrefix: getEnv("MQTT_TOPIC_PREFIX", defaultTopicPrefix),
			QoS:         byte(getEnvInt("MQTT_QOS", 0)),
		}
	}
	if addr := getEnv("REDIS_ADDR", ""); addr != "" {
		cfg.Redis = &RedisConfig{
			Addr:          addr,
			Password:      getEnv("REDIS_PASSWORD", ""),
			DB:            getEnvInt("REDIS_DB", 0),
			KeyPrefix:     getEnv("REDIS_KEY_PREFIX", defaultTopicPrefix),
			StoreSettings: getEnvBool("REDIS_STORE_SETTINGS", false),
		}
	}
	if url := getEnv("NATS_URL", ""); url != "" {
		cfg.NATS = &NATSConfig{URL: url, SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", defaultTopicPrefix)}
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvBool(key string, defaultValue bool) bool {
	v, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return v
}
