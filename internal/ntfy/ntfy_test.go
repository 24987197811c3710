package ntfy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/gwlsn/foldermerge/internal/jobs"
)

type received struct {
	path, title, tags, auth, body string
}

func newTestServer(t *testing.T, status int) (*httptest.Server, func() []received) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []received
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, received{
			path:  r.URL.Path,
			title: r.Header.Get("Title"),
			tags:  r.Header.Get("Tags"),
			auth:  r.Header.Get("Authorization"),
			body:  string(body),
		})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []received {
		mu.Lock()
		defer mu.Unlock()
		return append([]received(nil), reqs...)
	}
}

func TestSend(t *testing.T) {
	srv, got := newTestServer(t, http.StatusOK)
	c := NewClient(srv.URL+"/", "/merges", "tk_secret")

	if err := c.Send(context.Background(), "Title here", "hello", "tada", "video"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	reqs := got()
	if len(reqs) != 1 {
		t.Fatalf("server got %d requests", len(reqs))
	}
	r := reqs[0]
	if r.path != "/merges" || r.title != "Title here" || r.tags != "tada,video" || r.auth != "Bearer tk_secret" || r.body != "hello" {
		t.Errorf("request = %+v", r)
	}
}

func TestSendErrors(t *testing.T) {
	if err := NewClient("", "", "").Send(context.Background(), "t", "m"); err == nil {
		t.Error("expected an error without a topic")
	}

	srv, _ := newTestServer(t, http.StatusForbidden)
	err := NewClient(srv.URL, "topic", "").Send(context.Background(), "t", "m")
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Errorf("Send = %v, want status 403 error", err)
	}
}

func TestNewClientDefaultServer(t *testing.T) {
	c := NewClient("", "topic", "")
	if c.ServerURL != "https://ntfy.sh" {
		t.Errorf("ServerURL = %q", c.ServerURL)
	}
	if !c.IsConfigured() {
		t.Error("client with a topic should be configured")
	}
}

func TestNotifierSendsOneSummaryPerBatch(t *testing.T) {
	srv, got := newTestServer(t, http.StatusOK)
	n := NewNotifier(NewClient(srv.URL, "merges", ""), zerolog.Nop())

	bus := jobs.NewBus()
	events, _ := bus.Subscribe()
	done := make(chan struct{})
	go func() {
		n.Follow(events)
		close(done)
	}()

	bus.Publish(jobs.Event{Type: jobs.EventTerminal, Folder: "/m/a", Status: jobs.StatusCompleted})
	bus.Publish(jobs.Event{Type: jobs.EventTerminal, Folder: "/m/b", Status: jobs.StatusFailed})
	bus.Publish(jobs.Event{Type: jobs.EventTerminal, Folder: "/m/c", Status: jobs.StatusCancelled})
	bus.Publish(jobs.Event{Type: jobs.EventAllComplete})
	bus.Publish(jobs.Event{Type: jobs.EventTerminal, Folder: "/m/d", Status: jobs.StatusCompleted})
	bus.Publish(jobs.Event{Type: jobs.EventAllComplete})
	bus.Close()
	<-done

	reqs := got()
	if len(reqs) != 2 {
		t.Fatalf("sent %d notifications, want 2", len(reqs))
	}
	first := reqs[0]
	if first.title != "Merging finished with errors" || first.tags != "warning" {
		t.Errorf("first notification = %+v", first)
	}
	for _, want := range []string{"1 of 3 folders merged", "1 cancelled", "failed: b"} {
		if !strings.Contains(first.body, want) {
			t.Errorf("first body %q missing %q", first.body, want)
		}
	}
	if reqs[1].title != "All merges complete" || reqs[1].body != "1 of 1 folders merged" {
		t.Errorf("second notification = %+v", reqs[1])
	}
}

func TestNotifierWithoutTopicStaysQuiet(t *testing.T) {
	n := NewNotifier(NewClient("http://127.0.0.1:1", "", ""), zerolog.Nop())
	n.handle(jobs.Event{Type: jobs.EventTerminal, Status: jobs.StatusCompleted})
	n.handle(jobs.Event{Type: jobs.EventAllComplete})
	if n.completed != 0 {
		t.Error("counters should reset after all_complete")
	}
}
