package sync

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/beaconhq/beacon/internal/bus"
	"github.com/beaconhq/beacon/internal/conn"
	"github.com/beaconhq/beacon/internal/status"
	"go.uber.org/zap"
)

func typingPush(chatID, userID string) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"chatId": chatID, "userId": userID})
	return data
}

func TestTypingStartStop(t *testing.T) {
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	tr := NewTypingTracker(b, logger)

	tr.handle(typingPush("77", "alice"), true)
	tr.handle(typingPush("77", "bob"), true)
	tr.handle(typingPush("88", "carol"), true)

	if got := tr.Typing("77"); !reflect.DeepEqual(got, []string{"alice", "bob"}) {
		t.Errorf("Typing(77) = %v, want [alice bob]", got)
	}
	if got := tr.Typing("88"); !reflect.DeepEqual(got, []string{"carol"}) {
		t.Errorf("Typing(88) = %v, want [carol]", got)
	}

	tr.handle(typingPush("77", "alice"), false)
	if got := tr.Typing("77"); !reflect.DeepEqual(got, []string{"bob"}) {
		t.Errorf("Typing(77) after stop = %v, want [bob]", got)
	}

	tr.handle(typingPush("77", "bob"), false)
	if got := tr.Typing("77"); got != nil {
		t.Errorf("Typing(77) after all stopped = %v, want nil", got)
	}
}

func TestTypingStopWithoutStartIsNoop(t *testing.T) {
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	tr := NewTypingTracker(b, logger)

	tr.handle(typingPush("77", "ghost"), false)
	if got := tr.Typing("77"); got != nil {
		t.Errorf("Typing(77) = %v, want nil", got)
	}
}

func TestTypingMalformedPushIgnored(t *testing.T) {
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	tr := NewTypingTracker(b, logger)

	changed, unsub := b.Subscribe("typing.changed", 10)
	defer unsub()

	tr.handle(json.RawMessage(`garbage`), true)
	tr.handle(json.RawMessage(`{"chatId":"77"}`), true)

	select {
	case <-changed:
		t.Error("malformed push published typing.changed")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTypingPublishesChange(t *testing.T) {
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	tr := NewTypingTracker(b, logger)

	changed, unsub := b.Subscribe("typing.changed", 10)
	defer unsub()

	tr.handle(typingPush("77", "alice"), true)

	select {
	case evt := <-changed:
		if evt.Kind != "typing.changed" {
			t.Errorf("kind = %q", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no typing.changed event")
	}
}

func TestTypingClearedOnDisconnect(t *testing.T) {
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	tr := NewTypingTracker(b, logger)
	defer tr.Stop()

	manager := conn.NewManager("http://unused", b, status.NewMachine(nil), logger)
	tr.Start(context.Background(), manager)

	tr.handle(typingPush("77", "alice"), true)
	b.Publish(bus.Event{Kind: "conn.disconnected", Timestamp: time.Now()})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tr.Typing("77") == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("typing state not cleared after disconnect")
}
