package sync

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/beaconhq/beacon/internal/bus"
	"github.com/beaconhq/beacon/internal/conn"
	"github.com/beaconhq/beacon/internal/rest"
	"github.com/beaconhq/beacon/internal/status"
	"github.com/beaconhq/beacon/internal/store"
	"go.uber.org/zap"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// mockLister counts ListConversations calls and returns a fixed list.
type mockLister struct {
	mu    sync.Mutex
	calls int
	list  []rest.ConversationSummary
	err   error
}

func (m *mockLister) ListConversations(_ context.Context, _ string) ([]rest.ConversationSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.list, m.err
}

func (m *mockLister) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func listPayload(ids ...string) json.RawMessage {
	var summaries []rest.ConversationSummary
	for i, id := range ids {
		summaries = append(summaries, rest.ConversationSummary{ID: id, UpdatedAt: int64(i)})
	}
	data, _ := json.Marshal(summaries)
	return data
}

func TestDebounceCoalescesToLastPush(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	r := NewReconciler(db, &mockLister{}, nil, b, logger, 80*time.Millisecond)
	defer r.Stop()

	updated, unsub := b.Subscribe("list.updated", 10)
	defer unsub()

	// Three pushes in quick succession: only the last snapshot may win.
	r.OnListPush(listPayload("a"))
	r.OnListPush(listPayload("a", "b"))
	r.OnListPush(listPayload("final"))

	select {
	case <-updated:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for merge")
	}

	convs, err := db.ListConversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].ID != "final" {
		t.Errorf("stored list = %+v, want single conversation 'final'", convs)
	}

	// Exactly one merge for the burst.
	select {
	case <-updated:
		t.Error("second merge observed, pushes were not coalesced")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSeparateWindowsMergeSeparately(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	r := NewReconciler(db, &mockLister{}, nil, b, logger, 40*time.Millisecond)
	defer r.Stop()

	updated, unsub := b.Subscribe("list.updated", 10)
	defer unsub()

	r.OnListPush(listPayload("first"))
	select {
	case <-updated:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for first merge")
	}

	r.OnListPush(listPayload("second"))
	select {
	case <-updated:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for second merge")
	}

	convs, err := db.ListConversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].ID != "second" {
		t.Errorf("stored list = %+v, want 'second'", convs)
	}
}

func TestMalformedPushKeepsLastGoodList(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	r := NewReconciler(db, &mockLister{}, nil, b, logger, 20*time.Millisecond)
	defer r.Stop()

	updated, unsub := b.Subscribe("list.updated", 10)
	defer unsub()

	r.OnListPush(listPayload("good"))
	select {
	case <-updated:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for merge")
	}

	// null unmarshals into a nil slice without error; it must not wipe the
	// stored list either.
	r.OnListPush(json.RawMessage(`null`))
	r.OnListPush(json.RawMessage(`{"not":"a list"}`))
	r.OnListPush(json.RawMessage(`garbage`))

	select {
	case <-updated:
		t.Error("malformed push produced a merge")
	case <-time.After(150 * time.Millisecond):
	}

	convs, err := db.ListConversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].ID != "good" {
		t.Errorf("stored list = %+v, want last good list ['good']", convs)
	}
}

func TestRefreshReplacesList(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	api := &mockLister{list: []rest.ConversationSummary{
		{ID: "c1", Title: "Shelter Zone A", IsGroup: true, UpdatedAt: 10},
		{ID: "c2", Title: "Bob", UpdatedAt: 20},
	}}
	r := NewReconciler(db, api, nil, b, logger, 0)
	defer r.Stop()

	if err := r.Refresh(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}

	convs, err := db.ListConversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
}

func TestReconnectTriggersFullRefresh(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	api := &mockLister{list: []rest.ConversationSummary{{ID: "c1"}}}
	manager := conn.NewManager("http://unused", b, status.NewMachine(nil), logger)
	r := NewReconciler(db, api, manager, b, logger, 0)
	defer r.Stop()

	r.Start(context.Background(), "u1")

	// However many push events were missed during the outage, a reconnect
	// forces a full refetch.
	b.Publish(bus.Event{Kind: "conn.reconnected", Timestamp: time.Now(), Payload: "u1"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if api.callCount() == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("refresh calls = %d, want 1", api.callCount())
}

func TestStopCancelsPendingMerge(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	r := NewReconciler(db, &mockLister{}, nil, b, logger, 50*time.Millisecond)

	updated, unsub := b.Subscribe("list.updated", 10)
	defer unsub()

	r.OnListPush(listPayload("never"))
	r.Stop()

	select {
	case <-updated:
		t.Error("merge applied after Stop")
	case <-time.After(200 * time.Millisecond):
	}

	convs, err := db.ListConversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 0 {
		t.Errorf("stored list = %+v, want empty", convs)
	}
}
