package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/corpwell/campaigner/internal/domain"
	"github.com/corpwell/campaigner/internal/engine"
	"github.com/corpwell/campaigner/internal/history"
	"github.com/corpwell/campaigner/internal/render"
	"github.com/corpwell/campaigner/internal/resume"
)

type stubSender struct{}

func (stubSender) Send(_ context.Context, _ domain.SenderIdentity, _ domain.Recipient, _ render.RenderedMessage) domain.Outcome {
	return domain.DeliveredOutcome
}

func newTestServer(t *testing.T) (*httptest.Server, *Manager, history.Sink) {
	t.Helper()
	store, err := resume.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	renderer := render.NewRenderer(render.NewTrackingLinks("https://track.example.com", "https://unsub.example.com"), "Ops", "Corpwell")
	eng := engine.New(renderer, stubSender{}, store, engine.DefaultConfig())
	sink := history.NewMemorySink()
	manager := NewManager(eng, store, sink, nil)
	sender := domain.SenderIdentity{Address: "sender@example.com", Host: "relay.example.com", Port: 587}
	srv := httptest.NewServer(SetupRoutes(NewHandlers(manager, sink, sender)))
	t.Cleanup(srv.Close)
	return srv, manager, sink
}

func postRoster(t *testing.T, srv *httptest.Server, csv string, fields map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("roster", "roster.csv")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	fw.Write([]byte(csv))
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	mw.Close()

	resp, err := http.Post(srv.URL+"/api/runs", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func waitForStatus(t *testing.T, m *Manager, runID string, want domain.RunStatus) RunView {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		view, err := m.View(runID)
		if err == nil && view.Status == want {
			return view
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %s", runID, want)
	return RunView{}
}

func TestStartRunToCompletion(t *testing.T) {
	srv, manager, sink := newTestServer(t)

	resp := postRoster(t, srv, "email,full name\na@example.com,Ada\nb@example.com,Ben\n", map[string]string{
		"name":    "launch",
		"subject": "Big News",
		"body":    "Hello {name}",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var started struct {
		RunID string `json:"run_id"`
		Total int    `json:"total"`
	}
	decodeBody(t, resp, &started)
	if started.RunID == "" || started.Total != 2 {
		t.Fatalf("unexpected start response: %+v", started)
	}

	view := waitForStatus(t, manager, started.RunID, domain.RunCompleted)
	if view.Delivered != 2 || view.Failed != 0 {
		t.Errorf("unexpected final view: %+v", view)
	}

	// One history row per completed run; the row lands just after the
	// status flips, so poll briefly.
	deadline := time.Now().Add(5 * time.Second)
	var (
		entries []history.Entry
		err     error
	)
	for time.Now().Before(deadline) {
		entries, err = sink.Recent(context.Background(), 10)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(entries) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(entries) != 1 || entries[0].CampaignName != "launch" || entries[0].Delivered != 2 {
		t.Errorf("unexpected history: %+v", entries)
	}
}

func TestStartRunRejectsRosterWithoutEmailColumn(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := postRoster(t, srv, "full name\nAda\n", map[string]string{
		"name":    "launch",
		"subject": "Big News",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStartRunRequiresCampaignFields(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := postRoster(t, srv, "email\na@example.com\n", map[string]string{"subject": "no name"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStartRunRequiresRosterFile(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("name", "launch")
	mw.WriteField("subject", "s")
	mw.Close()
	resp, err := http.Post(srv.URL+"/api/runs", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetRunUnknown(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/runs/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCancelUnknownRun(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/runs/nope/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestResumeWithoutCheckpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/runs/nope/resume", "application/json",
		strings.NewReader(`{"name":"launch","subject":"s"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	srv, _, sink := newTestServer(t)

	sink.Append(context.Background(), history.Entry{
		SentAt:       time.Now().UTC(),
		CampaignName: "digest",
		Subject:      "Weekly",
		Total:        10,
		Delivered:    10,
	})

	resp, err := http.Get(srv.URL + "/api/history?limit=5")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var entries []history.Entry
	decodeBody(t, resp, &entries)
	if len(entries) != 1 || entries[0].CampaignName != "digest" {
		t.Errorf("unexpected history: %+v", entries)
	}

	bad, err := http.Get(srv.URL + "/api/history?limit=x")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", bad.StatusCode)
	}
}

func TestHealthCheck(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["status"] != "healthy" {
		t.Errorf("unexpected health body: %v", body)
	}
}
