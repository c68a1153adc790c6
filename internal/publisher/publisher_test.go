package publisher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRegistryDispatch(t *testing.T) {
	reg := NewRegistry()
	reg.Register("facebook_page", Func(func(_ context.Context, c Content, _ Destination) (string, error) {
		return "fb-" + c.Caption, nil
	}))

	id, err := reg.Publish(context.Background(), "facebook_page", Content{Caption: "hello"}, Destination{})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if id != "fb-hello" {
		t.Fatalf("unexpected external id %q", id)
	}

	_, err = reg.Publish(context.Background(), "pigeon_post", Content{}, Destination{})
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
}

func TestGraphPublisherSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/acct-1/feed" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("unexpected auth header %q", got)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.PostForm.Get("message"); got != "caption" {
			t.Errorf("unexpected message %q", got)
		}
		_, _ = w.Write([]byte(`{"id":"ext-123"}`))
	}))
	defer srv.Close()

	g := NewGraphPublisher(srv.URL, "feed", 2*time.Second)
	id, err := g.Publish(context.Background(), Content{Caption: "caption"}, Destination{Token: "tok-1", ExternalAccountID: "acct-1"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if id != "ext-123" {
		t.Fatalf("unexpected external id %q", id)
	}
}

func TestGraphPublisherRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"duplicate submission"}}`))
	}))
	defer srv.Close()

	g := NewGraphPublisher(srv.URL, "feed", 2*time.Second)
	_, err := g.Publish(context.Background(), Content{Caption: "caption"}, Destination{ExternalAccountID: "acct-1"})

	var rejected *Rejected
	if !errors.As(err, &rejected) {
		t.Fatalf("expected Rejected, got %v", err)
	}
	if rejected.Message != "duplicate submission" {
		t.Fatalf("platform message not preserved verbatim: %q", rejected.Message)
	}
}

func TestGraphPublisherTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	g := NewGraphPublisher(srv.URL, "feed", time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := g.Publish(ctx, Content{Caption: "caption"}, Destination{ExternalAccountID: "acct-1"})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
