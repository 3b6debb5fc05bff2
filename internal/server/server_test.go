package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"onboardline/internal/config"
	"onboardline/internal/db"
	"onboardline/internal/flow"
	"onboardline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := flow.New(conn, config.Default())
	e.Now = func() time.Time { return time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC) }
	handler, err := New(Config{Engine: e, BasePath: "/api"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func createClient(t *testing.T, ts *testServer) string {
	t.Helper()
	res, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/api/clients", map[string]any{
		"name":                  "Acme Health Systems",
		"primary_contact_name":  "Jordan Reyes",
		"primary_contact_email": "jordan@acme.example",
		"seed_milestones":       true,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create client: status %d body %s", res.StatusCode, data)
	}
	var c struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &c); err != nil || c.ID == "" {
		t.Fatalf("create response: %v %s", err, data)
	}
	return c.ID
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("error envelope: %v %s", err, data)
	}
	return envelope.Error.Code
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	res, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/api/health", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, data)
	}
}

func TestCreateClientValidation(t *testing.T) {
	ts := newTestServer(t)
	res, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/api/clients", map[string]any{
		"name": "no contact",
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing contact: %d %s", res.StatusCode, data)
	}
	if code := errorCode(t, data); code != "bad_request" {
		t.Fatalf("code: %s", code)
	}
}

func TestClientLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	id := createClient(t, ts)

	// out of order: survey before sign
	res, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/api/clients/"+id+"/complete-survey", map[string]any{})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("early survey: %d %s", res.StatusCode, data)
	}
	if code := errorCode(t, data); code != "precondition_failed" {
		t.Fatalf("code: %s", code)
	}

	res, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/api/clients/"+id+"/sign-contract", map[string]any{
		"contract_id": "CTR-1",
		"meeting_url": "https://meet.example/k",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sign: %d %s", res.StatusCode, data)
	}
	var c struct {
		CurrentStep string `json:"current_step"`
		StatusLabel string `json:"status_label"`
	}
	if err := json.Unmarshal(data, &c); err != nil {
		t.Fatalf("sign response: %v", err)
	}
	if c.CurrentStep != "2" || c.StatusLabel != "Contract Signed" {
		t.Fatalf("sign response: %+v", c)
	}

	// duplicate sign is a conflict
	res, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/api/clients/"+id+"/sign-contract", map[string]any{})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("re-sign: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/api/clients/"+id+"/complete-survey", map[string]any{
		"edition":    "Enterprise",
		"user_count": "51-200",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("survey: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/api/clients/"+id+"/schedule-kickoff", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("kickoff: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/api/clients/"+id+"/mark-resources-accessed", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resources: %d %s", res.StatusCode, data)
	}
	var done struct {
		Status      string `json:"status"`
		CurrentStep string `json:"current_step"`
	}
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatalf("final response: %v", err)
	}
	if done.Status != "resources_accessed" || done.CurrentStep != "4" {
		t.Fatalf("final state: %+v", done)
	}
}

func TestGetClientNotFound(t *testing.T) {
	ts := newTestServer(t)
	res, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/api/clients/nope", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing client: %d %s", res.StatusCode, data)
	}
	if code := errorCode(t, data); code != "not_found" {
		t.Fatalf("code: %s", code)
	}
}

func TestMilestonesOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	id := createClient(t, ts)

	res, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/api/clients/"+id+"/milestones", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, data)
	}
	var seeded []struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &seeded); err != nil {
		t.Fatalf("list response: %v", err)
	}
	if len(seeded) != 3 {
		t.Fatalf("seeded milestones: %d", len(seeded))
	}

	res, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/api/clients/"+id+"/milestones", map[string]any{
		"title": "Pen Test",
		"date":  "2025-07-04",
		"type":  "custom",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create milestone: %d %s", res.StatusCode, data)
	}
	var m struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("milestone response: %v", err)
	}

	res, data = doJSON(t, ts.client, http.MethodPatch, ts.URL+"/api/milestones/"+m.ID, map[string]any{"completed": true})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete milestone: %d %s", res.StatusCode, data)
	}
	var patched struct {
		Completed bool `json:"completed"`
	}
	if err := json.Unmarshal(data, &patched); err != nil || !patched.Completed {
		t.Fatalf("patched milestone: %v %s", err, data)
	}

	// bad date format
	res, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/api/clients/"+id+"/milestones", map[string]any{
		"title": "Broken",
		"date":  "July 4",
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad date: %d %s", res.StatusCode, data)
	}
}

func TestIntegrationsOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	id := createClient(t, ts)

	res, data := doJSON(t, ts.client, http.MethodPatch, ts.URL+"/api/clients/"+id+"/integrations", map[string]any{
		"slack_connected":   true,
		"slack_webhook_url": "https://hooks.slack.example/T1",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch integrations: %d %s", res.StatusCode, data)
	}
	var s struct {
		SlackConnected bool `json:"slack_connected"`
		Channels       []struct {
			Key    string `json:"key"`
			Status string `json:"status"`
		} `json:"channels"`
	}
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("integrations response: %v", err)
	}
	if !s.SlackConnected || len(s.Channels) != 3 {
		t.Fatalf("integrations: %+v", s)
	}
	for _, ch := range s.Channels {
		if ch.Key == "slack" && ch.Status != "Connected" {
			t.Fatalf("slack status: %s", ch.Status)
		}
		if ch.Key == "zoho" && ch.Status != "Not Ready" {
			t.Fatalf("zoho status: %s", ch.Status)
		}
	}
}

func TestCalendarOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	id := createClient(t, ts)

	url := fmt.Sprintf("%s/api/clients/%s/calendar?year=2025&month=6", ts.URL, id)
	res, data := doJSON(t, ts.client, http.MethodGet, url, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("calendar: %d %s", res.StatusCode, data)
	}
	var cal struct {
		Year  int `json:"year"`
		Month int `json:"month"`
		Weeks [][7]struct {
			Day        int `json:"day"`
			Milestones []struct {
				Title string `json:"title"`
			} `json:"milestones"`
		} `json:"weeks"`
	}
	if err := json.Unmarshal(data, &cal); err != nil {
		t.Fatalf("calendar response: %v", err)
	}
	if cal.Year != 2025 || cal.Month != 6 || len(cal.Weeks) == 0 {
		t.Fatalf("calendar shape: year=%d month=%d weeks=%d", cal.Year, cal.Month, len(cal.Weeks))
	}
	// seeded kickoff lands on Jun 8 (creation Jun 1 + 7 days)
	found := false
	for _, week := range cal.Weeks {
		for _, cell := range week {
			if cell.Day == 8 && len(cell.Milestones) > 0 {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("kickoff milestone missing from grid: %s", data)
	}
}

func TestInboundWebhookStub(t *testing.T) {
	ts := newTestServer(t)
	res, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/api/webhooks/slack", map[string]any{"event": "message"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("slack webhook: %d %s", res.StatusCode, data)
	}
	var ack struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(data, &ack); err != nil || !ack.Success {
		t.Fatalf("ack: %v %s", err, data)
	}
}

func TestEventsOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	id := createClient(t, ts)
	res, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/api/clients/"+id+"/events", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, data)
	}
	var events []struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("events response: %v", err)
	}
	if len(events) == 0 || events[0].Type != "client.created" {
		t.Fatalf("events: %+v", events)
	}
}
