package webhooks_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/lherron/tfsync/internal/domain"
	"github.com/lherron/tfsync/internal/webhooks"
)

func TestNewNotifier_NormalizesURLs(t *testing.T) {
	n := webhooks.NewNotifier([]string{
		"http://example.com/hook/{session_id}",
		"ftp://invalid.example.com/hook",
		"http://example.com/hook/{session_id}/",
		"  http://example.com/other/ ",
		"",
	}, log.New(io.Discard))

	expected := []string{
		"http://example.com/hook/{session_id}",
		"http://example.com/other",
	}
	if !reflect.DeepEqual(n.URLs(), expected) {
		t.Fatalf("unexpected urls\nexpected: %v\nactual:   %v", expected, n.URLs())
	}
}

func TestNotifyUnresolved_PostsPayload(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
		got   []webhooks.Payload
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p webhooks.Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("failed to decode payload: %v", err)
		}
		mu.Lock()
		paths = append(paths, r.URL.Path)
		got = append(got, p)
		mu.Unlock()
	}))
	defer srv.Close()

	session := uuid.New()
	group := int64(12)
	n := webhooks.NewNotifier([]string{srv.URL + "/c/{session_id}", srv.URL + "/all"}, log.New(io.Discard))
	n.NotifyUnresolved(&domain.Conflict{
		ID:               3,
		SessionID:        session,
		SourceID:         uuid.New(),
		ConflictType:     uuid.New(),
		ConflictTypeName: "EditEdit",
		ChangeGroupID:    &group,
		ItemID:           "W1",
		Details:          "diff",
	})
	n.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("Expected 2 deliveries, got %d", len(got))
	}
	for _, p := range got {
		if p.ConflictID != 3 || p.TypeName != "EditEdit" || p.ChangeGroupID == nil || *p.ChangeGroupID != 12 {
			t.Errorf("Unexpected payload: %+v", p)
		}
	}
	foundTemplated := false
	for _, p := range paths {
		if p == "/c/"+session.String() {
			foundTemplated = true
		}
	}
	if !foundTemplated {
		t.Errorf("Expected templated path in %v", paths)
	}
}

func TestNotifyUnresolved_FailureIsSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	url := srv.URL
	srv.Close()

	n := webhooks.NewNotifier([]string{url}, log.New(io.Discard))
	n.NotifyUnresolved(&domain.Conflict{ID: 1})
	n.Wait()
}
