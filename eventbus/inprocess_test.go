package eventbus_test

import (
	"context"
	"errors"
	"testing"

	"github.com/pawmatch/gatekeeper/eventbus"
)

func TestInProcessBusRouting(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"subscription.created", "subscription.created", true},
		{"subscription.*", "subscription.canceled", true},
		{"subscription.*", "subscription", false},
		{"subscription.#", "subscription", true},
		{"#", "anything.at.all", true},
		{"*.refunded", "subscription.refunded", true},
		{"subscription.created", "subscription.canceled", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"->"+tt.key, func(t *testing.T) {
			bus := eventbus.NewInProcessBus(nil)
			got := false
			bus.Subscribe(tt.pattern, func(context.Context, string, []byte) error {
				got = true
				return nil
			})
			if err := bus.Publish(context.Background(), tt.key, []byte(`{}`)); err != nil {
				t.Fatalf("Publish: %v", err)
			}
			if got != tt.want {
				t.Errorf("delivered = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInProcessBusHandlerErrorDoesNotFailPublish(t *testing.T) {
	bus := eventbus.NewInProcessBus(nil)
	var second bool
	bus.Subscribe("#", func(context.Context, string, []byte) error { return errors.New("boom") })
	bus.Subscribe("#", func(context.Context, string, []byte) error {
		second = true
		return nil
	})

	if err := bus.Publish(context.Background(), "subscription.created", nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if !second {
		t.Error("later handler was skipped after an earlier failure")
	}
}

func TestNoopPublisher(t *testing.T) {
	var p eventbus.Publisher = eventbus.NewNoopPublisher(nil)
	if err := p.Publish(context.Background(), "k", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
}
