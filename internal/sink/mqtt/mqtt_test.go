package mqtt

import "testing"

func TestTopic(t *testing.T) {
	tests := []struct {
		prefix, token, want string
	}{
		{"logsnarf/metrics", "d.acme", "logsnarf/metrics/d.acme"},
		{"logsnarf/metrics/", "d.acme", "logsnarf/metrics/d.acme"},
		{"", "d.acme", "d.acme"},
		{"m", "a/b+c#", "m/a_b_c_"},
	}
	for _, tt := range tests {
		s, err := New(Config{Broker: "tcp://localhost:1883", TopicPrefix: tt.prefix})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if got := s.Topic(tt.token); got != tt.want {
			t.Errorf("Topic(%q, %q) = %q, want %q", tt.prefix, tt.token, got, tt.want)
		}
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error without broker")
	}
	if _, err := New(Config{Broker: "tcp://localhost:1883", QoS: 3}); err == nil {
		t.Error("expected error for qos 3")
	}
}
