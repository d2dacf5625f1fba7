package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestListConversations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/list/u1" {
			t.Errorf("path = %s, want /chat/list/u1", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("auth header = %q", got)
		}
		_, _ = w.Write([]byte(`[
			{"id":"c1","is_group":true,"title":"Shelter Zone A","latitude":51.5079,"longitude":-0.12,"radius_km":2,"updated_at":1000},
			{"id":"c2","title":"Bob","updated_at":2000}
		]`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	convs, err := c.ListConversations(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	if convs[0].RadiusKm == nil || *convs[0].RadiusKm != 2 {
		t.Errorf("radius = %v, want 2", convs[0].RadiusKm)
	}
	if convs[1].Latitude != nil {
		t.Error("c2 latitude should be nil")
	}
}

func TestSendMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/chat/77/messages" {
			t.Errorf("%s %s, want POST /chat/77/messages", r.Method, r.URL.Path)
		}
		var req SendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.SenderID != "me" || req.Message != "hello" || req.MessageType != "text" {
			t.Errorf("req = %+v", req)
		}
		_, _ = w.Write([]byte(`{"message_id":"m1"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	id, err := c.SendMessage(context.Background(), "77", SendMessageRequest{
		SenderID: "me", Message: "hello", MessageType: "text",
	})
	if err != nil {
		t.Fatal(err)
	}
	if id != "m1" {
		t.Errorf("message id = %q, want m1", id)
	}
}

func TestSendMessageMissingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	if _, err := c.SendMessage(context.Background(), "77", SendMessageRequest{}); err == nil {
		t.Error("expected error for response without message_id")
	}
}

func TestAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "chat not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	_, err := c.ListConversations(context.Background(), "u1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", apiErr.StatusCode)
	}
}

func TestRemoveMember(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/chat/c1/remove-member" {
			t.Errorf("%s %s, want DELETE /chat/c1/remove-member", r.Method, r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body["user_id"] != "u2" || body["requested_by"] != "u1" {
			t.Errorf("body = %v", body)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	if err := c.RemoveMember(context.Background(), "c1", "u2", "u1"); err != nil {
		t.Fatal(err)
	}
}
