package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"classsync/internal/calendar"
	"classsync/internal/config"
	"classsync/internal/model"
	"classsync/internal/reconcile"
	"classsync/internal/scheduler"
	"classsync/internal/store"
)

type fakeStatus struct {
	report *reconcile.Report
}

func (f fakeStatus) Phase() reconcile.Phase { return reconcile.PhaseIdle }

func (f fakeStatus) LastReport() (reconcile.Report, bool) {
	if f.report == nil {
		return reconcile.Report{}, false
	}
	return *f.report, true
}

type fakeSyncer struct {
	err   error
	calls int
}

func (f *fakeSyncer) Trigger(context.Context) (reconcile.Report, error) {
	f.calls++
	return reconcile.Report{ClassesEmitted: 2, LocationsProcessed: []string{"downtown"}}, f.err
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	cfg.Locations = []model.Location{
		{ID: "downtown", ExternalID: "101", Name: "Downtown"},
		{ID: "uptown", ExternalID: "102", Name: "Uptown"},
	}
	return cfg
}

func seed(t *testing.T, st store.Store) {
	t.Helper()
	start := calendar.DateOf(time.Now().UTC()).AddDays(-14)
	def := model.ClassDefinition{
		ClassID:       "yoga",
		LocationID:    "downtown",
		Title:         "Yoga",
		Instructor:    "Jane",
		Recurrence:    model.RecurrenceWeekly,
		Pattern:       model.Pattern{Day: start.Weekday().String(), Start: calendar.Clock{Hour: 9}, End: calendar.Clock{Hour: 10}},
		StartDate:     start,
		ReservationID: "7",
	}
	if _, err := st.MaterializeSession(context.Background(), model.Session{LocationID: "downtown", Class: def}); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReport(t *testing.T) {
	s := NewServer(testConfig(), store.NewMemory(), fakeStatus{}, nil)
	h := s.Handler()

	if rec := do(t, h, http.MethodGet, "/health", ""); rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("health = %d %q", rec.Code, rec.Body.String())
	}

	rec := do(t, h, http.MethodGet, "/api/report", "")
	var resp struct {
		Phase  string          `json:"phase"`
		Report json.RawMessage `json:"report"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Phase != "idle" || string(resp.Report) != "null" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestSessionsAndCalendar(t *testing.T) {
	st := store.NewMemory()
	seed(t, st)
	h := NewServer(testConfig(), st, fakeStatus{}, nil).Handler()

	rec := do(t, h, http.MethodGet, "/api/sessions?location=downtown", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("sessions = %d", rec.Code)
	}
	var sessions []sessionDTO
	if err := json.Unmarshal(rec.Body.Bytes(), &sessions); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Recurrence != "weekly" || sessions[0].TimeRange != "9:00am-10:00am" {
		t.Fatalf("sessions = %+v", sessions)
	}
	if sessions[0].RegLink != model.RegistrationBaseURL+"7" {
		t.Fatalf("reg link = %q", sessions[0].RegLink)
	}

	rec = do(t, h, http.MethodGet, "/api/sessions?location=uptown", "")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("uptown sessions = %s", rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/calendar.ics?location=downtown&days=35", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("calendar = %d %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/calendar") {
		t.Fatalf("content type = %q", ct)
	}
	body := rec.Body.String()
	if n := strings.Count(body, "BEGIN:VEVENT"); n < 4 {
		t.Fatalf("expected at least 4 events, got %d", n)
	}
	if !strings.Contains(body, "SUMMARY:Yoga") {
		t.Fatalf("missing summary in feed")
	}

	if rec := do(t, h, http.MethodGet, "/calendar.ics?location=nowhere", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown location = %d", rec.Code)
	}
}

func TestLocations(t *testing.T) {
	st := store.NewMemory()
	h := NewServer(testConfig(), st, fakeStatus{}, nil).Handler()

	decode := func(rec *httptest.ResponseRecorder) map[string]bool {
		var out []locationDTO
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		m := map[string]bool{}
		for _, l := range out {
			m[l.ID] = l.Enabled
		}
		return m
	}

	got := decode(do(t, h, http.MethodGet, "/api/locations", ""))
	if !got["downtown"] || !got["uptown"] {
		t.Fatalf("empty selection should enable all: %v", got)
	}

	rec := do(t, h, http.MethodPut, "/api/locations", `{"enabled":["uptown"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put = %d %s", rec.Code, rec.Body.String())
	}
	got = decode(rec)
	if got["downtown"] || !got["uptown"] {
		t.Fatalf("after put: %v", got)
	}
	ids, _ := st.EnabledLocations(context.Background())
	if len(ids) != 1 || ids[0] != "uptown" {
		t.Fatalf("stored = %v", ids)
	}

	if rec := do(t, h, http.MethodPut, "/api/locations", `{"enabled":["atlantis"]}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown id = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPut, "/api/locations", `not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json = %d", rec.Code)
	}
}

func TestSync(t *testing.T) {
	syncer := &fakeSyncer{}
	h := NewServer(testConfig(), store.NewMemory(), fakeStatus{}, syncer).Handler()

	rec := do(t, h, http.MethodPost, "/api/sync", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"classes_emitted":2`) {
		t.Fatalf("sync = %d %s", rec.Code, rec.Body.String())
	}

	syncer.err = scheduler.ErrBusy
	if rec := do(t, h, http.MethodPost, "/api/sync", ""); rec.Code != http.StatusConflict {
		t.Fatalf("busy sync = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/sync", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET sync = %d", rec.Code)
	}
	if syncer.calls != 2 {
		t.Fatalf("calls = %d", syncer.calls)
	}
}

func TestBasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", PasswordHash: string(hash)}
	h := NewServer(cfg, store.NewMemory(), fakeStatus{}, nil).Handler()

	if rec := do(t, h, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("health must stay open: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/report", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no creds = %d", rec.Code)
	}

	for _, tc := range []struct {
		user, pass string
		want       int
	}{
		{"admin", "s3cret", http.StatusOK},
		{"admin", "wrong", http.StatusUnauthorized},
		{"root", "s3cret", http.StatusUnauthorized},
	} {
		req := httptest.NewRequest(http.MethodGet, "/api/report", nil)
		req.SetBasicAuth(tc.user, tc.pass)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%s/%s = %d, want %d", tc.user, tc.pass, rec.Code, tc.want)
		}
	}
}

func TestCORS(t *testing.T) {
	cfg := testConfig()
	cfg.CORSOrigins = []string{"https://schedules.example.com"}
	h := NewServer(cfg, store.NewMemory(), fakeStatus{}, nil).Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/report", nil)
	req.Header.Set("Origin", "https://schedules.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://schedules.example.com" {
		t.Fatalf("allow origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/report", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}
