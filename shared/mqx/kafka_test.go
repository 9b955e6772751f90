package mqx

import (
	"context"
	"testing"

	"kaapeh-copiloto/shared/config"
)

func TestNewProducerRequiresBrokers(t *testing.T) {
	if _, err := NewProducer(config.Defaults("test", 8000)); err == nil {
		t.Fatalf("expected error without brokers")
	}
}

func TestNilProducer(t *testing.T) {
	var p *Producer
	if err := p.Publish(context.Background(), "t", nil, nil, nil); err == nil {
		t.Fatalf("expected error for nil producer")
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close nil producer: %v", err)
	}
}

func TestMessageHeaders(t *testing.T) {
	msg := Message("diagnosis.synced", []byte("k"), []byte("v"), map[string]string{"event_type": "diagnosis.synced"})
	if msg.Topic != "diagnosis.synced" || len(msg.Headers) != 1 {
		t.Fatalf("unexpected message: %#v", msg)
	}
	if msg.Headers[0].Key != "event_type" || string(msg.Headers[0].Value) != "diagnosis.synced" {
		t.Fatalf("unexpected header: %#v", msg.Headers[0])
	}
}
