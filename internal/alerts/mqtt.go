package alerts

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// MQTTConfig configures the optional MQTT alert sink.
type MQTTConfig struct {
	Broker    string `yaml:"broker"` // mqtt://, mqtts://
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	TopicBase string `yaml:"topic_base"` // default "meshline"
	ClientID  string `yaml:"client_id"`  // default "meshline-alerts"
}

// MQTTSink publishes alert lifecycle events to an MQTT broker. An
// availability topic with a retained will message lets consumers see
// when the runtime itself goes away.
type MQTTSink struct {
	cfg    MQTTConfig
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// NewMQTTSink creates a sink but does not connect; call Start.
func NewMQTTSink(cfg MQTTConfig, logger *slog.Logger) *MQTTSink {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopicBase == "" {
		cfg.TopicBase = "meshline"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "meshline-alerts"
	}
	return &MQTTSink{cfg: cfg, logger: logger}
}

// Start connects to the broker. autopaho reconnects in the background
// for the lifetime of ctx.
func (s *MQTTSink) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(s.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := s.cfg.TopicBase + "/availability"

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: s.cfg.Username,
		ConnectPassword: []byte(s.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			s.logger.Info("mqtt alert sink connected", "broker", s.cfg.Broker)
			if _, err := cm.Publish(ctx, &paho.Publish{
				Topic:   availTopic,
				Payload: []byte("online"),
				QoS:     1,
				Retain:  true,
			}); err != nil {
				s.logger.Warn("mqtt availability publish failed", "error", err)
			}
		},
		OnConnectError: func(err error) {
			s.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: s.cfg.ClientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	s.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background; publishing is
		// best-effort until then.
		s.logger.Warn("mqtt initial connection timed out, retrying in background", "error", err)
	}
	return nil
}

// Stop publishes an offline availability message and disconnects.
func (s *MQTTSink) Stop(ctx context.Context) error {
	if s.cm == nil {
		return nil
	}
	if _, err := s.cm.Publish(ctx, &paho.Publish{
		Topic:   s.cfg.TopicBase + "/availability",
		Payload: []byte("offline"),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		s.logger.Warn("mqtt offline publish failed", "error", err)
	}
	return s.cm.Disconnect(ctx)
}

// alertTopic builds the per-rule publish topic.
func alertTopic(base string, evt Event) string {
	return fmt.Sprintf("%s/alerts/%s/%s", base, evt.Platform, evt.RuleID)
}

// Publish sends one alert event to
// <base>/alerts/<platform>/<ruleID>. Suitable for registration as a
// Manager listener via a closure carrying a context.
func (s *MQTTSink) Publish(ctx context.Context, evt Event) {
	if s.cm == nil {
		return
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		s.logger.Error("mqtt marshal alert event", "rule", evt.RuleID, "error", err)
		return
	}

	topic := alertTopic(s.cfg.TopicBase, evt)
	if _, err := s.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
	}); err != nil {
		s.logger.Warn("mqtt alert publish failed",
			"rule", evt.RuleID,
			"platform", evt.Platform,
			"error", err,
		)
	}
}
