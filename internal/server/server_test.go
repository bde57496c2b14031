package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"atelier/internal/config"
	"atelier/internal/db"
	"atelier/internal/engine"
	"atelier/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("atelier")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitProject(context.Background(), cfg.Project.ID, "", "lead-1"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
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
	for k, v := range headers {
		req.Header.Set(k, v)
	}
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

var (
	asLead   = map[string]string{"X-Actor-Id": "lead-1"}
	asWorker = map[string]string{"X-Actor-Id": "worker-1"}
)

func TestLifecycleFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/atelier"

	createRes, data := doJSON(t, client, http.MethodPost, base+"/tasks", map[string]any{
		"title":     "Ship feature",
		"assignees": []string{"worker-1"},
	}, asLead)
	if createRes.StatusCode != http.StatusOK {
		t.Fatalf("create task status %d: %s", createRes.StatusCode, string(data))
	}
	var created TaskResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	taskID := created.ID

	res, body := doJSON(t, client, http.MethodPost, base+"/tasks/"+taskID+"/start", map[string]any{}, asWorker)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodPost, base+"/tasks/"+taskID+"/submit", map[string]any{
		"comment": "done, please review",
	}, asWorker)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(body))
	}
	var submitted LifecycleResponse
	if err := json.Unmarshal(body, &submitted); err != nil {
		t.Fatalf("unmarshal submit: %v", err)
	}
	if submitted.Task.Status != "in_review" {
		t.Fatalf("status after submit: %s", submitted.Task.Status)
	}
	if submitted.Submission == nil || submitted.Submission.Type != "submission" {
		t.Fatalf("missing submission entry: %+v", submitted.Submission)
	}

	res, body = doJSON(t, client, http.MethodPost, base+"/tasks/"+taskID+"/validate", map[string]any{
		"rating": 4,
	}, asLead)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate status %d: %s", res.StatusCode, string(body))
	}
	var validated LifecycleResponse
	if err := json.Unmarshal(body, &validated); err != nil {
		t.Fatalf("unmarshal validate: %v", err)
	}
	if validated.Task.Status != "completed" {
		t.Fatalf("status after validate: %s", validated.Task.Status)
	}
	if validated.Task.CompletedAt == nil {
		t.Fatalf("completed_at not stamped")
	}
	if validated.Submission == nil || validated.Submission.RatingLabel != "Excellent" {
		t.Fatalf("rating label missing: %+v", validated.Submission)
	}

	res, body = doJSON(t, client, http.MethodGet, base+"/tasks/"+taskID+"/submissions", nil, asLead)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list submissions status %d: %s", res.StatusCode, string(body))
	}
	var ledger []SubmissionResponse
	if err := json.Unmarshal(body, &ledger); err != nil {
		t.Fatalf("unmarshal ledger: %v", err)
	}
	if len(ledger) != 2 || ledger[0].Type != "submission" || ledger[1].Type != "validation" {
		t.Fatalf("unexpected ledger: %+v", ledger)
	}
}

func TestLifecycleErrorCodes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/atelier"

	_, data := doJSON(t, client, http.MethodPost, base+"/tasks", map[string]any{
		"title":     "task",
		"assignees": []string{"worker-1"},
	}, asLead)
	var created TaskResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatal(err)
	}
	taskID := created.ID

	// Submit from todo is an illegal transition.
	res, body := doJSON(t, client, http.MethodPost, base+"/tasks/"+taskID+"/submit", map[string]any{}, asWorker)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("submit from todo status %d: %s", res.StatusCode, string(body))
	}
	assertErrorCode(t, body, "validation_failed")

	doJSON(t, client, http.MethodPost, base+"/tasks/"+taskID+"/start", map[string]any{}, asWorker)
	doJSON(t, client, http.MethodPost, base+"/tasks/"+taskID+"/submit", map[string]any{}, asWorker)

	// A non-lead cannot validate.
	res, body = doJSON(t, client, http.MethodPost, base+"/tasks/"+taskID+"/validate", map[string]any{
		"rating": 3,
	}, asWorker)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("worker validate status %d: %s", res.StatusCode, string(body))
	}
	assertErrorCode(t, body, "forbidden")

	// Rejection without a comment is refused.
	res, body = doJSON(t, client, http.MethodPost, base+"/tasks/"+taskID+"/reject", map[string]any{
		"comment": "   ",
	}, asLead)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("empty-comment reject status %d: %s", res.StatusCode, string(body))
	}
	assertErrorCode(t, body, "validation_failed")

	// Stale expected_version conflicts.
	res, body = doJSON(t, client, http.MethodPost, base+"/tasks/"+taskID+"/validate", map[string]any{
		"rating":           3,
		"expected_version": 1,
	}, asLead)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("stale version status %d: %s", res.StatusCode, string(body))
	}
	assertErrorCode(t, body, "conflict")
}

func TestUnauthenticatedRequestIsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/atelier/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", res.StatusCode, string(body))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should bypass auth, got %d", res.StatusCode)
	}
}

func TestActivityReorderOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/atelier"

	ids := map[string]string{}
	for _, name := range []string{"A", "B", "C"} {
		res, body := doJSON(t, client, http.MethodPost, base+"/activities", map[string]any{
			"name": name,
		}, asLead)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("create activity %s status %d: %s", name, res.StatusCode, string(body))
		}
		var a ActivityResponse
		if err := json.Unmarshal(body, &a); err != nil {
			t.Fatal(err)
		}
		ids[name] = a.ID
	}

	res, body := doJSON(t, client, http.MethodPost, base+"/activities/"+ids["C"]+"/reorder", map[string]any{
		"target_id": ids["A"],
	}, asLead)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reorder status %d: %s", res.StatusCode, string(body))
	}
	var siblings []ActivityResponse
	if err := json.Unmarshal(body, &siblings); err != nil {
		t.Fatal(err)
	}
	want := []string{"C", "A", "B"}
	if len(siblings) != len(want) {
		t.Fatalf("sibling count %d: %s", len(siblings), string(body))
	}
	for i, name := range want {
		if siblings[i].Name != name || siblings[i].OrderIndex != i {
			t.Fatalf("unexpected order at %d: %+v", i, siblings[i])
		}
	}

	// Tree projection nests children under parents.
	res, body = doJSON(t, client, http.MethodPost, base+"/activities", map[string]any{
		"name":      "A1",
		"parent_id": ids["A"],
	}, asLead)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create child status %d: %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodGet, base+"/activities/tree", nil, asLead)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("tree status %d: %s", res.StatusCode, string(body))
	}
	var tree []ActivityNode
	if err := json.Unmarshal(body, &tree); err != nil {
		t.Fatal(err)
	}
	if len(tree) != 3 || tree[1].Name != "A" || len(tree[1].Children) != 1 || tree[1].Children[0].Name != "A1" {
		t.Fatalf("unexpected tree: %s", string(body))
	}
}

func TestEventPaginationOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/atelier"

	for _, name := range []string{"A", "B", "C", "D", "E"} {
		res, body := doJSON(t, client, http.MethodPost, base+"/activities", map[string]any{"name": name}, asLead)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("create activity %s status %d: %s", name, res.StatusCode, string(body))
		}
	}

	res, body := doJSON(t, client, http.MethodGet, base+"/events?limit=100", nil, asLead)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list events status %d: %s", res.StatusCode, string(body))
	}
	var all paginatedEvents
	if err := json.Unmarshal(body, &all); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(all.Items) < 6 {
		t.Fatalf("expected at least 6 events, got %d", len(all.Items))
	}
	wantIDs := make([]int64, 0, len(all.Items))
	for _, evt := range all.Items {
		wantIDs = append(wantIDs, evt.ID)
	}

	// Walking next_cursor with a small page size must visit every event
	// exactly once, boundary events included.
	var gotIDs []int64
	cursor := ""
	for i := 0; i < 20; i++ {
		url := base + "/events?limit=2"
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		res, body = doJSON(t, client, http.MethodGet, url, nil, asLead)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("page %d status %d: %s", i, res.StatusCode, string(body))
		}
		var page paginatedEvents
		if err := json.Unmarshal(body, &page); err != nil {
			t.Fatalf("unmarshal page %d: %v", i, err)
		}
		for _, evt := range page.Items {
			gotIDs = append(gotIDs, evt.ID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if len(gotIDs) != len(wantIDs) {
		t.Fatalf("paged walk saw %d events, want %d (got %v, want %v)", len(gotIDs), len(wantIDs), gotIDs, wantIDs)
	}
	for i := range wantIDs {
		if gotIDs[i] != wantIDs[i] {
			t.Fatalf("paged walk diverged at %d: got %v, want %v", i, gotIDs, wantIDs)
		}
	}
}

func assertErrorCode(t *testing.T, body []byte, want string) {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal error body: %v (%s)", err, string(body))
	}
	if envelope.Error.Code != want {
		t.Fatalf("error code %q, want %q (%s)", envelope.Error.Code, want, string(body))
	}
}
