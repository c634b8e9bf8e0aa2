package alerts

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/meshline/meshline/internal/chat"
)

func TestNewMQTTSinkDefaults(t *testing.T) {
	s := NewMQTTSink(MQTTConfig{Broker: "mqtt://broker.local:1883"}, nil)
	if s.cfg.TopicBase != "meshline" {
		t.Errorf("topic base = %q", s.cfg.TopicBase)
	}
	if s.cfg.ClientID != "meshline-alerts" {
		t.Errorf("client id = %q", s.cfg.ClientID)
	}
}

func TestAlertTopic(t *testing.T) {
	evt := Event{RuleID: "tg-failures", Platform: chat.PlatformTelegram}
	if got := alertTopic("meshline", evt); got != "meshline/alerts/telegram/tg-failures" {
		t.Errorf("topic = %q", got)
	}
}

func TestMQTTSinkStartRejectsBadURL(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewMQTTSink(MQTTConfig{Broker: "://not-a-url"}, logger)
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("bad broker URL accepted")
	}
}

func TestMQTTSinkSafeBeforeStart(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewMQTTSink(MQTTConfig{Broker: "mqtt://broker.local:1883"}, logger)

	// Publish and Stop before Start must not panic.
	s.Publish(context.Background(), Event{RuleID: "r1"})
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop before Start: %v", err)
	}
}
