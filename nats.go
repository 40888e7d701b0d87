package cobot_us

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.viam.com/rdk/logging"
)

// NATSConfig describes the NATS server transforms are fanned out to.
type NATSConfig struct {
	URL           string `json:"url,omitempty"`
	SubjectPrefix string `json:"subject_prefix,omitempty"`
}

func (c NATSConfig) prefix() string {
	if c.SubjectPrefix == "" {
		return defaultTopicPrefix
	}
	return c.SubjectPrefix
}

// NewNATSConnection connects with unlimited reconnects so a broker restart
// never needs a service restart.
func NewNATSConnection(cfg NATSConfig, logger logging.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("cobot-us-transforms"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	logger.Infof("Connected to NATS at %s", cfg.URL)
	return nc, nil
}

type natsPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSTransformSink publishes each transform on <prefix>.transforms.<name>.
type NATSTransformSink struct {
	conn   natsPublisher
	prefix string
}

func NewNATSTransformSink(conn natsPublisher, cfg NATSConfig) *NATSTransformSink {
	return &NATSTransformSink{conn: conn, prefix: cfg.prefix()}
}

func (s *NATSTransformSink) Subject(name string) string {
	return s.prefix + ".transforms." + name
}

func (s *NATSTransformSink) PublishTransform(_ context.Context, u TransformUpdate) error {
	payload, err := EncodeTransform(u)
	if err != nil {
		return err
	}
	if err := s.conn.Publish(s.Subject(u.Name), payload); err != nil {
		return fmt.Errorf("failed to publish %s to NATS: %w", u.Name, err)
	}
	return nil
}
