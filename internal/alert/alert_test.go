package alert

import (
	"strings"
	"testing"

	"wabridge/internal/eventbus"
	logx "wabridge/pkg/logx"
)

func TestFormatKnownEvents(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		ev   eventbus.Event
		want string // substring; empty means "no alert"
	}{
		{name: "needs relink", ev: eventbus.Event{Type: eventbus.TypeSessionNeedsRelink, Data: "logged out"}, want: "manual relink"},
		{name: "pairing", ev: eventbus.Event{Type: eventbus.TypeSessionPairing}, want: "pairing challenge"},
		{name: "connected", ev: eventbus.Event{Type: eventbus.TypeSessionConnected}, want: "connected"},
		{name: "disconnected", ev: eventbus.Event{Type: eventbus.TypeSessionDisconnected, Data: "stream error"}, want: "stream error"},
		{name: "breaker open", ev: eventbus.Event{Type: eventbus.TypeBreakerOpened}, want: "breaker opened"},
		{name: "breaker closed", ev: eventbus.Event{Type: eventbus.TypeBreakerClosed}, want: "breaker closed"},
		{name: "unknown", ev: eventbus.Event{Type: "something.else"}, want: ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := format(tt.ev)
			if tt.want == "" {
				if got != "" {
					t.Fatalf("format = %q, want no alert", got)
				}
				return
			}
			if !strings.Contains(got, tt.want) {
				t.Fatalf("format = %q, want substring %q", got, tt.want)
			}
		})
	}
}

func TestFormatNeverIncludesChallengeValue(t *testing.T) {
	t.Parallel()
	// The pairing event intentionally carries no payload, but even a
	// mis-published one must not leak into the alert text.
	got := format(eventbus.Event{Type: eventbus.TypeSessionPairing, Data: "qr-secret-payload"})
	if strings.Contains(got, "qr-secret-payload") {
		t.Fatal("pairing alert leaked the challenge payload")
	}
}

func TestDisabledServiceDropsSilently(t *testing.T) {
	t.Parallel()
	s, err := New(Config{Enabled: false}, logx.Nop(), eventbus.New())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if s.Enabled() {
		t.Fatal("service should be disabled")
	}
	s.deliver("should be ignored")
	s.Announce("also ignored")
}

func TestEnabledRequiresTokenAndChat(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Enabled: true}, logx.Nop(), eventbus.New()); err == nil {
		t.Fatal("enabled alerts without token must error")
	}
	if _, err := New(Config{Enabled: true, Token: "t"}, logx.Nop(), eventbus.New()); err == nil {
		t.Fatal("enabled alerts without chat_id must error")
	}
}
