package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/drfirst/go-enrollment/internal/domain/enrollment"
	"github.com/drfirst/go-enrollment/internal/infrastructure/sqlite"
	"github.com/drfirst/go-enrollment/internal/rules"
	"github.com/drfirst/go-enrollment/pkg/idgen"
)

type fixture struct {
	store   *sqlite.Store
	handler *EnrollmentHandler
	router  http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.Open(ctx, ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.SaveProgram(ctx, enrollment.Program{
		UID:                             "IpHINAT79UW",
		DisplayName:                     "Child Programme",
		TrackedEntityType:               "nEenWmSyUEp",
		UseFirstStageDuringRegistration: true,
	}))
	require.NoError(t, store.SaveProgramStage(ctx, enrollment.ProgramStage{
		UID: "A03MvHHogjR", Program: "IpHINAT79UW", SortOrder: 1,
		AutoGenerateEvent: true, GeneratedByEnrollmentDate: true,
	}))
	require.NoError(t, store.SaveProgramStage(ctx, enrollment.ProgramStage{
		UID: "ZzYYXq4fJie", Program: "IpHINAT79UW", SortOrder: 2,
		MinDaysFromStart: 14, AutoGenerateEvent: true,
	}))
	require.NoError(t, store.SaveEnrollment(ctx, enrollment.Enrollment{
		UID:                   "enr-1",
		Program:               "IpHINAT79UW",
		OrganisationUnit:      "DiszpKrYNg8",
		TrackedEntityInstance: "tei-1",
		EnrollmentDate:        "2024-01-10T00:00:00.000",
		IncidentDate:          "2024-01-01T00:00:00.000",
		Status:                enrollment.StatusActive,
		State:                 enrollment.StateSynced,
	}))
	require.NoError(t, store.SaveRule(ctx, "IpHINAT79UW", rules.Rule{UID: "r1", Condition: "true"}))
	require.NoError(t, store.SaveVariable(ctx, "IpHINAT79UW", rules.Variable{
		UID: "v1", Name: "age", SourceType: rules.SourceCalculatedValue,
	}))

	var n atomic.Int64
	ids := idgen.Func(func() string { return fmt.Sprintf("evt-%d", n.Add(1)) })
	logger := zaptest.NewLogger(t)
	h := NewEnrollmentHandler(store, func(uid string) *enrollment.Session {
		return enrollment.NewSession(store, store, rules.LiteralEvaluator{}, ids, uid,
			enrollment.WithLogger(logger))
	}, logger)
	t.Cleanup(h.Close)

	r := chi.NewRouter()
	r.Mount("/enrollments", h.Routes())
	return &fixture{store: store, handler: h, router: r}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestGetSnapshot(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/enrollments/enr-1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var snap Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "Child Programme", snap.Title)
	assert.Equal(t, "2024-01-10T00:00:00.000", snap.ReportDate)
	assert.Equal(t, enrollment.ReportActive, snap.ReportStatus)
	assert.True(t, snap.Program.UseFirstStageDuringRegistration)
	assert.Equal(t, []enrollment.FormSection{{Enrollment: "enr-1"}}, snap.Sections)
	assert.Equal(t, enrollment.StateSynced, snap.Enrollment.State)
}

func TestGetSnapshotNotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/enrollments/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "record not found")
}

func TestFieldWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{name: "report date", path: "/report-date", body: `{"date":"2024-02-01"}`, status: http.StatusNoContent},
		{name: "incident date", path: "/incident-date", body: `{"date":"2024-01-20"}`, status: http.StatusNoContent},
		{name: "coordinates", path: "/coordinates", body: `{"latitude":8.48,"longitude":-13.23}`, status: http.StatusNoContent},
		{name: "status", path: "/status", body: `{"status":"COMPLETED"}`, status: http.StatusNoContent},
		{name: "unknown status", path: "/status", body: `{"status":"PAUSED"}`, status: http.StatusUnprocessableEntity},
		{name: "malformed body", path: "/report-date", body: `{"date":`, status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPut, "/enrollments/enr-1"+tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	e, err := f.store.Enrollment(ctx, "enr-1")
	require.NoError(t, err)
	assert.Equal(t, "2024-02-01", e.EnrollmentDate)
	assert.Equal(t, "2024-01-20", e.IncidentDate)
	assert.Equal(t, enrollment.StatusCompleted, e.Status)
	assert.Equal(t, enrollment.StateToUpdate, e.State)
	require.NotNil(t, e.Coordinates)
	assert.InDelta(t, 8.48, e.Coordinates.Latitude, 1e-9)

	rec := f.do(t, http.MethodPut, "/enrollments/missing/status", `{"status":"ACTIVE"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAutoGenerateAndRegistration(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/enrollments/enr-1/events/auto-generate", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var gen GenerateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &gen))
	assert.Equal(t, []string{"evt-1", "evt-2"}, gen.EventUIDs)

	rec = f.do(t, http.MethodPost, "/enrollments/enr-1/registration", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var reg enrollment.Registration
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reg))
	assert.Equal(t, "tei-1", reg.SubjectUID)
	assert.Equal(t, "evt-3", reg.EventUID)

	events, err := f.store.Events(context.Background(), "enr-1")
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestRuleContextIsBuiltOncePerEnrollment(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		rec := f.do(t, http.MethodGet, "/enrollments/enr-1/rule-context", "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp RuleContextResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, RuleContextResponse{Program: "IpHINAT79UW", Rules: 1, Variables: 1}, resp)
	}
	session, release, err := f.handler.sessions.acquire(context.Background(), "enr-1")
	require.NoError(t, err)
	defer release()
	assert.Equal(t, int64(1), session.Rules.Builds())

	rec := f.do(t, http.MethodGet, "/enrollments/missing/rule-context", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 1, f.handler.sessions.len())
}

type sseEvent struct {
	name string
	data string
}

func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.name != "" {
				return ev
			}
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestStreamSendsInitialValuesAndChanges(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/enrollments/enr-1/stream", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body := bufio.NewReader(resp.Body)
	initial := map[string]string{}
	for len(initial) < 3 {
		ev := readEvent(t, body)
		initial[ev.name] = ev.data
	}
	assert.Equal(t, `"Child Programme"`, initial["title"])
	assert.Equal(t, `"2024-01-10T00:00:00.000"`, initial["report_date"])
	assert.Equal(t, `"ACTIVE"`, initial["report_status"])

	rec := f.do(t, http.MethodPut, "/enrollments/enr-1/report-date", `{"date":"2024-02-01"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// Title and status are de-duplicated, so the next event is the new date.
	ev := readEvent(t, body)
	assert.Equal(t, sseEvent{name: "report_date", data: `"2024-02-01"`}, ev)
}
