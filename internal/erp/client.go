// Package erp wraps the remote HR/ERP attendance API.
package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/odyssey-erp/punchsync/internal/fieldmap"
	"github.com/odyssey-erp/punchsync/internal/oauth"
	"github.com/odyssey-erp/punchsync/internal/punch"
	"github.com/odyssey-erp/punchsync/internal/reconcile"
	"github.com/odyssey-erp/punchsync/internal/shared"
)

const (
	defaultTimeout   = 30 * time.Second
	maxResponseBytes = 4 << 20
	userAgent        = "punchsync/1.0"
	conflictMarker   = "Already clocked in"
)

// TokenSource hands out valid access tokens.
type TokenSource interface {
	Obtain(ctx context.Context) (oauth.Token, error)
	Invalidate(ctx context.Context) error
}

// Employee is one entry of the ERP directory.
type Employee struct {
	EmployeeID     string
	DisplayName    string
	DefaultShiftID string
	Company        string
	SubjectID      string
}

// UserFilter narrows GetUsers. An empty filter lists the whole directory.
type UserFilter struct {
	User string
}

// ClockInResult is the tagged outcome of a clock-in request.
type ClockInResult int

const (
	// ClockInAccepted means the ERP recorded the clock-in.
	ClockInAccepted ClockInResult = iota + 1
	// ClockInConflict means the ERP already holds an open clock-in.
	ClockInConflict
)

// Config collects the client dependencies.
type Config struct {
	BaseURL    string
	BusinessID string
	Module     Module
	Location   *time.Location
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the ERP attendance API.
type Client struct {
	baseURL    string
	businessID string
	paths      Paths
	table      *fieldmap.Table
	loc        *time.Location
	tokens     TokenSource
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient constructs a Client. Requests are always bounded by a timeout.
func NewClient(tokens TokenSource, cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	table := cfg.Module.Table
	if table == nil {
		table = fieldmap.MilMall
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		businessID: cfg.BusinessID,
		paths:      cfg.Module.Paths,
		table:      table,
		loc:        loc,
		tokens:     tokens,
		httpClient: httpClient,
		logger:     logger.With(slog.String("component", "erp"), slog.String("module", cfg.Module.Name)),
	}
}

type envelope struct {
	Data json.RawMessage `json:"data"`
}

// GetAttendance fetches the current attendance pair of one subject. The
// remote record id identifies the attendance row, not the subject, and is
// dropped.
func (c *Client) GetAttendance(ctx context.Context, subjectID string) (reconcile.State, error) {
	status, body, err := c.do(ctx, http.MethodGet, c.paths.Attendance+"/"+url.PathEscape(subjectID), nil, nil)
	if err != nil {
		return reconcile.State{}, fmt.Errorf("erp: get attendance %s: %w", subjectID, err)
	}
	if status != http.StatusOK {
		return reconcile.State{}, &ResponseError{Op: "get attendance " + subjectID, StatusCode: status, Body: string(body), Kind: shared.ErrAttendanceFetch}
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return reconcile.State{}, fmt.Errorf("erp: get attendance %s: decode: %w", subjectID, shared.ErrAttendanceFetch)
	}
	var raw fieldmap.Record
	if err := json.Unmarshal(env.Data, &raw); err != nil || raw == nil {
		return reconcile.State{}, nil
	}
	delete(raw, "id")
	return c.stateFrom(c.table.ToInternal(raw), time.Time{})
}

// GetUsers lists the employee directory projected onto fields.
func (c *Client) GetUsers(ctx context.Context, filter UserFilter, fields []string) ([]Employee, error) {
	path := c.paths.Employee
	if filter.User != "" {
		path += "/" + url.PathEscape(filter.User)
	}
	status, body, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("erp: get users: %w", err)
	}
	if status != http.StatusOK {
		return nil, &ResponseError{Op: "get users", StatusCode: status, Body: string(body), Kind: shared.ErrUnknownResponse}
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("erp: get users: decode: %w", shared.ErrUnknownResponse)
	}
	var rows []fieldmap.Record
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		var single fieldmap.Record
		if err := json.Unmarshal(env.Data, &single); err != nil || single == nil {
			return nil, fmt.Errorf("erp: get users: unexpected payload: %w", shared.ErrUnknownResponse)
		}
		rows = []fieldmap.Record{single}
	}
	employees := make([]Employee, 0, len(rows))
	for _, row := range rows {
		rec := c.table.ToInternal(row, fields...)
		employees = append(employees, Employee{
			EmployeeID:     asString(rec[fieldmap.FieldEmployee]),
			DisplayName:    asString(rec[fieldmap.FieldEmployeeName]),
			DefaultShiftID: asString(rec[fieldmap.FieldDefaultShift]),
			Company:        asString(rec[fieldmap.FieldCompany]),
			SubjectID:      asString(rec[fieldmap.FieldAttendanceDeviceID]),
		})
	}
	return employees, nil
}

// ClockIn submits a clock-in. An "already clocked in" rejection is reported
// as ClockInConflict rather than an error.
func (c *Client) ClockIn(ctx context.Context, rec punch.Record) (ClockInResult, error) {
	body, err := c.punchBody(rec, "clock_in_time")
	if err != nil {
		return 0, err
	}
	status, resp, err := c.do(ctx, http.MethodPost, c.paths.ClockIn, nil, body)
	if err != nil {
		return 0, fmt.Errorf("erp: clock in %s: %w", rec.SubjectID, err)
	}
	switch {
	case status == http.StatusOK:
		return ClockInAccepted, nil
	case status == http.StatusBadRequest && strings.Contains(string(resp), conflictMarker):
		return ClockInConflict, nil
	default:
		return 0, &ResponseError{Op: "clock in " + rec.SubjectID, StatusCode: status, Body: string(resp), Kind: shared.ErrUnknownResponse}
	}
}

// ClockOut submits a clock-out.
func (c *Client) ClockOut(ctx context.Context, rec punch.Record) error {
	body, err := c.punchBody(rec, "clock_out_time")
	if err != nil {
		return err
	}
	status, resp, err := c.do(ctx, http.MethodPost, c.paths.ClockOut, nil, body)
	if err != nil {
		return fmt.Errorf("erp: clock out %s: %w", rec.SubjectID, err)
	}
	if status != http.StatusOK {
		return &ResponseError{Op: "clock out " + rec.SubjectID, StatusCode: status, Body: string(resp), Kind: shared.ErrUnknownResponse}
	}
	return nil
}

// Punch submits one decision. A clock-in conflict is corrected into exactly
// one clock-out with the same timestamp.
func (c *Client) Punch(ctx context.Context, action reconcile.Action, rec punch.Record) (reconcile.Action, error) {
	switch action {
	case reconcile.ActionClockIn:
		result, err := c.ClockIn(ctx, rec)
		if err != nil {
			return action, err
		}
		if result == ClockInAccepted {
			return reconcile.ActionClockIn, nil
		}
		c.logger.Warn("already clocked in, clocking out instead",
			slog.String("run_id", shared.RunIDFromContext(ctx)), slog.String("subject_id", rec.SubjectID))
		return reconcile.ActionClockOut, c.ClockOut(ctx, rec)
	case reconcile.ActionClockOut:
		return action, c.ClockOut(ctx, rec)
	default:
		return action, fmt.Errorf("erp: punch %s: nothing to submit for %s: %w", rec.SubjectID, action, shared.ErrValidation)
	}
}

// GetBulkAttendance returns the attendance pair of every employee for the
// calendar day of date, keyed by subject id. Time-of-day values are anchored
// to that day.
func (c *Client) GetBulkAttendance(ctx context.Context, date time.Time) (map[string]reconcile.State, error) {
	day := date.In(c.loc).Format(DateLayout)
	status, body, err := c.do(ctx, http.MethodGet, c.paths.BulkAttendance, url.Values{"date": {day}}, nil)
	if err != nil {
		return nil, fmt.Errorf("erp: bulk attendance %s: %w", day, err)
	}
	if status != http.StatusOK {
		return nil, &ResponseError{Op: "bulk attendance " + day, StatusCode: status, Body: string(body), Kind: shared.ErrAttendanceFetch}
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("erp: bulk attendance %s: decode: %w", day, shared.ErrAttendanceFetch)
	}
	var rows []fieldmap.Record
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &rows); err != nil {
			return nil, fmt.Errorf("erp: bulk attendance %s: decode rows: %w", day, shared.ErrAttendanceFetch)
		}
	}

	anchor := date.In(c.loc)
	snapshot := make(map[string]reconcile.State, len(rows))
	for _, row := range rows {
		delete(row, "id")
		rec := c.table.ToInternal(row)
		subject := asString(rec[fieldmap.FieldAttendanceDeviceID])
		if subject == "" {
			continue
		}
		state, err := c.stateFrom(rec, anchor)
		if err != nil {
			c.logger.Warn("skipping unreadable attendance row", slog.String("subject_id", subject), slog.Any("error", err))
			continue
		}
		if prev, ok := snapshot[subject]; ok && !laterState(state, prev) {
			continue
		}
		snapshot[subject] = state
	}
	return snapshot, nil
}

// BulkSubmit posts already decided records in one request.
func (c *Client) BulkSubmit(ctx context.Context, decisions []reconcile.Decision) error {
	items := make([]fieldmap.Record, 0, len(decisions))
	for _, d := range decisions {
		var field string
		switch d.Action {
		case reconcile.ActionClockIn:
			field = "clock_in_time"
		case reconcile.ActionClockOut:
			field = "clock_out_time"
		default:
			continue
		}
		item, err := c.externalPunch(d.Record, field)
		if err != nil {
			return fmt.Errorf("erp: bulk submit: %w", err)
		}
		item["type"] = d.Action.String()
		items = append(items, item)
	}
	body, err := json.Marshal(map[string]any{"attendances": items})
	if err != nil {
		return err
	}
	status, resp, err := c.do(ctx, http.MethodPost, c.paths.BulkSubmit, nil, body)
	if err != nil {
		return fmt.Errorf("erp: bulk submit: %w", err)
	}
	if status != http.StatusOK {
		return &ResponseError{Op: "bulk submit", StatusCode: status, Body: string(resp), Kind: shared.ErrUnknownResponse}
	}
	return nil
}

func (c *Client) punchBody(rec punch.Record, timeField string) ([]byte, error) {
	item, err := c.externalPunch(rec, timeField)
	if err != nil {
		return nil, err
	}
	return json.Marshal(item)
}

// externalPunch renders a punch in wire shape with its timestamp renamed to
// timeField.
func (c *Client) externalPunch(rec punch.Record, timeField string) (fieldmap.Record, error) {
	if rec.Timestamp.IsZero() {
		return nil, fmt.Errorf("erp: %s: timestamp required: %w", timeField, shared.ErrValidation)
	}
	internal := fieldmap.Record{
		fieldmap.FieldAttendanceDeviceID: rec.SubjectID,
		fieldmap.FieldTimestamp:          rec.Timestamp.In(c.loc).Format(RemoteLayout),
		fieldmap.FieldStatus:             rec.Status,
		fieldmap.FieldDevice:             rec.DeviceID,
	}
	if code, ok := rec.Type.Code(); ok {
		internal[fieldmap.FieldPunch] = code
	}
	item := c.table.ToExternal(internal)
	item[timeField] = item[fieldmap.FieldTimestamp]
	delete(item, fieldmap.FieldTimestamp)
	return item, nil
}

func (c *Client) stateFrom(rec fieldmap.Record, anchor time.Time) (reconcile.State, error) {
	if anchor.IsZero() {
		if day, ok := rec[fieldmap.FieldAttendanceDate].(string); ok && day != "" {
			if t, err := time.ParseInLocation(DateLayout, day, c.loc); err == nil {
				anchor = t
			}
		}
	}
	checkIn, err := parseInstant(rec[fieldmap.FieldCheckIn], c.loc, anchor)
	if err != nil {
		return reconcile.State{}, err
	}
	checkOut, err := parseInstant(rec[fieldmap.FieldCheckOut], c.loc, anchor)
	if err != nil {
		return reconcile.State{}, err
	}
	return reconcile.State{CheckIn: checkIn, CheckOut: checkOut}, nil
}

// laterState reports whether a describes a later position than b.
func laterState(a, b reconcile.State) bool {
	latest := func(s reconcile.State) time.Time {
		if s.CheckOut != nil {
			return *s.CheckOut
		}
		if s.CheckIn != nil {
			return *s.CheckIn
		}
		return time.Time{}
	}
	return latest(a).After(latest(b))
}

// do performs an authenticated request. Token failures wrap
// shared.ErrAuthentication and transport failures shared.ErrNetwork. A 401
// drops the stored token so the next request logs in again.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte) (int, []byte, error) {
	tok, err := c.tokens.Obtain(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %w", shared.ErrAuthentication, err)
	}

	if query == nil {
		query = url.Values{}
	}
	if c.businessID != "" {
		query.Set("business_id", c.businessID)
	}
	target := c.baseURL + path
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", tok.Authorization())
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", shared.ErrNetwork, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("%w: read body: %v", shared.ErrNetwork, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		if err := c.tokens.Invalidate(ctx); err != nil {
			c.logger.Warn("invalidate token", slog.Any("error", err))
		}
	}
	return resp.StatusCode, raw, nil
}

var _ reconcile.Remote = (*Client)(nil)
