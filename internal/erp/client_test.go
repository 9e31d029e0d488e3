package erp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/punchsync/internal/oauth"
	"github.com/odyssey-erp/punchsync/internal/punch"
	"github.com/odyssey-erp/punchsync/internal/reconcile"
	"github.com/odyssey-erp/punchsync/internal/shared"
)

type staticTokens struct {
	err         error
	invalidated int
}

func (s *staticTokens) Obtain(context.Context) (oauth.Token, error) {
	if s.err != nil {
		return oauth.Token{}, s.err
	}
	return oauth.Token{AccessToken: "abc", TokenType: "Bearer"}, nil
}

func (s *staticTokens) Invalidate(context.Context) error {
	s.invalidated++
	return nil
}

type fakeERP struct {
	mu       sync.Mutex
	calls    map[string]int
	bodies   map[string][]map[string]any
	handlers map[string]http.HandlerFunc
}

func newFakeERP() *fakeERP {
	return &fakeERP{
		calls:    map[string]int{},
		bodies:   map[string][]map[string]any{},
		handlers: map[string]http.HandlerFunc{},
	}
}

func (f *fakeERP) on(path string, h http.HandlerFunc) {
	f.handlers[path] = h
}

func (f *fakeERP) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.calls[r.URL.Path]++
	if r.Body != nil && r.Method == http.MethodPost {
		var body map[string]any
		if json.NewDecoder(r.Body).Decode(&body) == nil {
			f.bodies[r.URL.Path] = append(f.bodies[r.URL.Path], body)
		}
	}
	h, ok := f.handlers[r.URL.Path]
	f.mu.Unlock()
	if r.Header.Get("Authorization") != "Bearer abc" || r.URL.Query().Get("business_id") != "7" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	h(w, r)
}

func jsonReply(status int, v any) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
}

func newTestClient(t *testing.T, erp *fakeERP, tokens TokenSource) *Client {
	t.Helper()
	srv := httptest.NewServer(erp)
	t.Cleanup(srv.Close)
	module, err := LookupModule("MilMall")
	require.NoError(t, err)
	if tokens == nil {
		tokens = &staticTokens{}
	}
	return NewClient(tokens, Config{
		BaseURL:    srv.URL + "/",
		BusinessID: "7",
		Module:     module,
		Location:   time.UTC,
		HTTPClient: srv.Client(),
	})
}

var punchAt = time.Date(2025, 4, 2, 17, 30, 0, 0, time.UTC)

func sample(subject string) punch.Record {
	return punch.NewRecord("10.0.0.5", subject, punchAt, punch.TypeOut, 1)
}

func TestGetAttendanceStripsRemoteID(t *testing.T) {
	erp := newFakeERP()
	erp.on("/connector/api/get-attendance/42", jsonReply(http.StatusOK, map[string]any{
		"data": map[string]any{
			"id":             991,
			"user_id":        42,
			"date":           "2025-04-02",
			"clock_in_time":  "08:01:00",
			"clock_out_time": nil,
		},
	}))
	client := newTestClient(t, erp, nil)

	state, err := client.GetAttendance(context.Background(), "42")
	require.NoError(t, err)
	require.NotNil(t, state.CheckIn)
	assert.Equal(t, time.Date(2025, 4, 2, 8, 1, 0, 0, time.UTC), *state.CheckIn)
	assert.Nil(t, state.CheckOut)
	assert.True(t, state.Open())
}

func TestGetAttendanceEmptyDataIsNoHistory(t *testing.T) {
	erp := newFakeERP()
	erp.on("/connector/api/get-attendance/42", jsonReply(http.StatusOK, map[string]any{"data": []any{}}))
	client := newTestClient(t, erp, nil)

	state, err := client.GetAttendance(context.Background(), "42")
	require.NoError(t, err)
	assert.Nil(t, state.CheckIn)
	assert.Nil(t, state.CheckOut)
}

func TestGetAttendanceErrorKinds(t *testing.T) {
	erp := newFakeERP()
	erp.on("/connector/api/get-attendance/42", jsonReply(http.StatusInternalServerError, map[string]any{"error": "down"}))
	client := newTestClient(t, erp, nil)

	_, err := client.GetAttendance(context.Background(), "42")
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrAttendanceFetch)
	var respErr *ResponseError
	require.True(t, errors.As(err, &respErr))
	assert.Equal(t, http.StatusInternalServerError, respErr.StatusCode)

	failing := newTestClient(t, newFakeERP(), &staticTokens{err: shared.ErrLogin})
	_, err = failing.GetAttendance(context.Background(), "42")
	assert.ErrorIs(t, err, shared.ErrAuthentication)
	assert.ErrorIs(t, err, shared.ErrLogin)
	assert.True(t, shared.IsAuthFailure(err))
}

func TestUnauthorizedInvalidatesToken(t *testing.T) {
	tokens := &staticTokens{}
	erp := newFakeERP()
	erp.on("/connector/api/clock-out", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "expired", http.StatusUnauthorized)
	})
	client := newTestClient(t, erp, tokens)

	err := client.ClockOut(context.Background(), sample("42"))
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrUnknownResponse)
	assert.False(t, shared.IsAuthFailure(err))
	assert.Equal(t, 1, tokens.invalidated)
}

func TestPunchRetriesConflictAsClockOutOnce(t *testing.T) {
	erp := newFakeERP()
	erp.on("/connector/api/clock-in", jsonReply(http.StatusBadRequest, map[string]any{"msg": "Already clocked in"}))
	erp.on("/connector/api/clock-out", jsonReply(http.StatusOK, map[string]any{"success": true}))
	client := newTestClient(t, erp, nil)

	applied, err := client.Punch(context.Background(), reconcile.ActionClockIn, sample("42"))
	require.NoError(t, err)
	assert.Equal(t, reconcile.ActionClockOut, applied)
	assert.Equal(t, 1, erp.calls["/connector/api/clock-in"])
	assert.Equal(t, 1, erp.calls["/connector/api/clock-out"])

	body := erp.bodies["/connector/api/clock-out"][0]
	assert.Equal(t, "2025-04-02 17:30:00", body["clock_out_time"])
	assert.Equal(t, "42", body["user_id"])
	assert.Equal(t, "10.0.0.5", body["ip_address"])
	assert.NotContains(t, body, "timestamp")
}

func TestClockInForwardsTerminalPunchCode(t *testing.T) {
	erp := newFakeERP()
	erp.on("/connector/api/clock-in", jsonReply(http.StatusOK, map[string]any{"success": true}))
	client := newTestClient(t, erp, nil)

	for _, code := range []int{0, 1, 4} {
		rec := sample("42")
		rec.Type = punch.TypeFromCode(code)
		rec.Status = 15
		result, err := client.ClockIn(context.Background(), rec)
		require.NoError(t, err)
		require.Equal(t, ClockInAccepted, result)
	}
	rec := sample("42")
	rec.Type = punch.TypeUnspecified
	_, err := client.ClockIn(context.Background(), rec)
	require.NoError(t, err)

	bodies := erp.bodies["/connector/api/clock-in"]
	require.Len(t, bodies, 4)
	for i, code := range []int{0, 1, 4} {
		assert.EqualValues(t, code, bodies[i]["punch"], "terminal code %d", code)
		assert.EqualValues(t, 15, bodies[i]["status"])
	}
	assert.NotContains(t, bodies[3], "punch", "no code, no punch field")
}

func TestPunchConflictThenClockOutFailureDoesNotLoop(t *testing.T) {
	erp := newFakeERP()
	erp.on("/connector/api/clock-in", jsonReply(http.StatusBadRequest, map[string]any{"msg": "Already clocked in"}))
	erp.on("/connector/api/clock-out", jsonReply(http.StatusBadRequest, map[string]any{"msg": "Already clocked in"}))
	client := newTestClient(t, erp, nil)

	_, err := client.Punch(context.Background(), reconcile.ActionClockIn, sample("42"))
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrUnknownResponse)
	assert.Equal(t, 1, erp.calls["/connector/api/clock-in"])
	assert.Equal(t, 1, erp.calls["/connector/api/clock-out"])
}

func TestClockInOtherBadRequestIsUnknown(t *testing.T) {
	erp := newFakeERP()
	erp.on("/connector/api/clock-in", jsonReply(http.StatusBadRequest, map[string]any{"msg": "shift missing"}))
	client := newTestClient(t, erp, nil)

	_, err := client.ClockIn(context.Background(), sample("42"))
	assert.ErrorIs(t, err, shared.ErrUnknownResponse)
	assert.Zero(t, erp.calls["/connector/api/clock-out"])
}

func TestClockInRequiresTimestamp(t *testing.T) {
	client := newTestClient(t, newFakeERP(), nil)
	_, err := client.ClockIn(context.Background(), punch.Record{SubjectID: "42"})
	assert.ErrorIs(t, err, shared.ErrValidation)
}

func TestGetUsersAcceptsListAndSingle(t *testing.T) {
	erp := newFakeERP()
	erp.on("/connector/api/user", jsonReply(http.StatusOK, map[string]any{
		"data": []any{
			map[string]any{"id": 1, "first_name": "Ada", "last_name": "Lovelace", "user_id": "11", "business_id": 7},
			map[string]any{"id": 2, "first_name": "Grace", "last_name": "Hopper", "user_id": "12"},
		},
	}))
	erp.on("/connector/api/user/2", jsonReply(http.StatusOK, map[string]any{
		"data": map[string]any{"id": 2, "first_name": "Grace", "last_name": "Hopper", "user_id": "12"},
	}))
	client := newTestClient(t, erp, nil)

	all, err := client.GetUsers(context.Background(), UserFilter{}, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "1", all[0].EmployeeID)
	assert.Equal(t, "Ada Lovelace", all[0].DisplayName)
	assert.Equal(t, "11", all[0].SubjectID)
	assert.Equal(t, "7", all[0].Company)

	one, err := client.GetUsers(context.Background(), UserFilter{User: "2"}, nil)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "Grace Hopper", one[0].DisplayName)
}

func TestGetUsersNonOKIsUnknownResponse(t *testing.T) {
	erp := newFakeERP()
	erp.on("/connector/api/user", jsonReply(http.StatusBadGateway, map[string]any{}))
	client := newTestClient(t, erp, nil)

	_, err := client.GetUsers(context.Background(), UserFilter{}, nil)
	assert.ErrorIs(t, err, shared.ErrUnknownResponse)
}

func TestGetBulkAttendanceAnchorsToDate(t *testing.T) {
	erp := newFakeERP()
	erp.on("/connector/api/attendance", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2025-04-02", r.URL.Query().Get("date"))
		jsonReply(http.StatusOK, map[string]any{"data": []any{
			map[string]any{"id": 1, "user_id": "11", "clock_in_time": "08:00:00", "clock_out_time": "12:00:00"},
			map[string]any{"id": 2, "user_id": "11", "clock_in_time": "13:00:00"},
			map[string]any{"id": 3, "user_id": "12", "clock_in_time": "2025-04-02 09:15:00"},
			map[string]any{"id": 4, "clock_in_time": "09:00:00"},
		}})(w, r)
	})
	client := newTestClient(t, erp, nil)

	snapshot, err := client.GetBulkAttendance(context.Background(), punchAt)
	require.NoError(t, err)
	require.Len(t, snapshot, 2)

	eleven := snapshot["11"]
	require.NotNil(t, eleven.CheckIn)
	assert.Equal(t, time.Date(2025, 4, 2, 13, 0, 0, 0, time.UTC), *eleven.CheckIn)
	assert.True(t, eleven.Open(), "the latest pair wins")
	assert.Equal(t, time.Date(2025, 4, 2, 9, 15, 0, 0, time.UTC), *snapshot["12"].CheckIn)
}

func TestBulkSubmitSendsDecisions(t *testing.T) {
	erp := newFakeERP()
	erp.on("/connector/api/attendance/bulk", jsonReply(http.StatusOK, map[string]any{"success": true}))
	client := newTestClient(t, erp, nil)

	in := punch.NewRecord("10.0.0.5", "42", punchAt.Add(-8*time.Hour), punch.TypeIn, 1)
	out := sample("42")
	require.NoError(t, client.BulkSubmit(context.Background(), []reconcile.Decision{
		{Record: in, Action: reconcile.ActionClockIn},
		{Record: out, Action: reconcile.ActionClockOut},
		{Record: out, Action: reconcile.ActionSkipStale},
	}))

	require.Len(t, erp.bodies["/connector/api/attendance/bulk"], 1)
	items, ok := erp.bodies["/connector/api/attendance/bulk"][0]["attendances"].([]any)
	require.True(t, ok)
	require.Len(t, items, 2)
	first := items[0].(map[string]any)
	assert.Equal(t, "2025-04-02 09:30:00", first["clock_in_time"])
	assert.Equal(t, "clock_in", first["type"])
	assert.EqualValues(t, 0, first["punch"])
	assert.EqualValues(t, 1, first["status"])
	second := items[1].(map[string]any)
	assert.Equal(t, "2025-04-02 17:30:00", second["clock_out_time"])
}

func TestBulkSubmitFailure(t *testing.T) {
	erp := newFakeERP()
	erp.on("/connector/api/attendance/bulk", jsonReply(http.StatusServiceUnavailable, map[string]any{}))
	client := newTestClient(t, erp, nil)

	err := client.BulkSubmit(context.Background(), []reconcile.Decision{{Record: sample("42"), Action: reconcile.ActionClockOut}})
	assert.ErrorIs(t, err, shared.ErrUnknownResponse)
}

func TestNetworkFailureIsTyped(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	module, err := LookupModule("milmall")
	require.NoError(t, err)
	client := NewClient(&staticTokens{}, Config{BaseURL: addr, Module: module, Timeout: time.Second})
	_, err = client.GetAttendance(context.Background(), "42")
	assert.ErrorIs(t, err, shared.ErrNetwork)
}

func TestLookupModule(t *testing.T) {
	_, err := LookupModule("erpnext")
	assert.ErrorIs(t, err, shared.ErrConfiguration)
	assert.Equal(t, []string{"milmall"}, SupportedModules())

	paths := modules["milmall"].Paths.WithOverrides(Paths{ClockIn: "/v2/in"})
	assert.Equal(t, "/v2/in", paths.ClockIn)
	assert.Equal(t, "/connector/api/clock-out", paths.ClockOut)
}

func TestParseInstant(t *testing.T) {
	anchor := time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC)

	got, err := parseInstant("2025-04-02 08:00:00", time.UTC, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, anchor.Add(8*time.Hour), *got)

	got, err = parseInstant("", time.UTC, anchor)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parseInstant("08:00:00", time.UTC, time.Time{})
	assert.ErrorIs(t, err, shared.ErrValidation)

	_, err = parseInstant("yesterday", time.UTC, anchor)
	assert.ErrorIs(t, err, shared.ErrValidation)
}

func TestResponseErrorTruncatesOnRuneBoundary(t *testing.T) {
	body := strings.Repeat("a", 255) + "é" + strings.Repeat("b", 10)
	err := &ResponseError{Op: "clock in", StatusCode: http.StatusBadGateway, Body: body, Kind: shared.ErrUnknownResponse}

	msg := err.Error()
	assert.True(t, utf8.ValidString(msg))
	assert.True(t, strings.HasSuffix(msg, strings.Repeat("a", 255)+"..."))
	assert.ErrorIs(t, err, shared.ErrUnknownResponse)

	assert.Equal(t, "short", truncate("short", maxErrorBody))
}
