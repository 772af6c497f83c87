package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tphummel/building_energy/internal/building"
	"github.com/tphummel/building_energy/internal/db"
	"github.com/tphummel/building_energy/internal/events"
	"github.com/tphummel/building_energy/internal/handlers"
	"github.com/tphummel/building_energy/internal/middleware"
	"github.com/tphummel/building_energy/internal/models"
	"github.com/tphummel/building_energy/internal/registry"
	"github.com/tphummel/building_energy/internal/session"
	"github.com/tphummel/building_energy/internal/series"
)

var fixedNow = time.Date(2025, 11, 15, 10, 30, 0, 0, time.UTC)

// recordingPublisher captures published events and can be made to fail.
type recordingPublisher struct {
	mu     sync.Mutex
	events []models.Event
	err    error
	calls  []publishCall
}

// publishCall snapshots the context a publish ran under.
type publishCall struct {
	err      error
	deadline time.Time
	hasDL    bool
}

func (p *recordingPublisher) Publish(ctx context.Context, ev models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	dl, ok := ctx.Deadline()
	p.calls = append(p.calls, publishCall{err: ctx.Err(), deadline: dl, hasDL: ok})
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) actions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Action
	}
	return out
}

type testEnv struct {
	handler  http.Handler
	db       *db.DB
	sessions *session.Manager
	pub      *recordingPublisher
	session  *session.Session
}

// newTestEnv builds the same session-scoped mux as main.go, backed by an
// in-memory DB, and starts one session whose cookie do() sends.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	d, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	seed := uint64(42)
	sessions := session.NewManager(func() *registry.Registry {
		return registry.Generate(building.Default(), models.DefaultRates, registry.NewRand(&seed))
	}, time.Hour)
	pub := &recordingPublisher{}

	h := &handlers.Handler{
		DB:           d,
		Notifier:     pub,
		BuildingName: "FUB Building",
		Building:     building.Default(),
		Rates:        models.DefaultRates,
		Version:      "test",
		Commit:       "abc123",
		Now:          func() time.Time { return fixedNow },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.Health)
	for _, rt := range h.Routes() {
		mux.Handle(rt.Pattern, middleware.Session(sessions, rt.Handler))
	}

	return &testEnv{
		handler:  mux,
		db:       d,
		sessions: sessions,
		pub:      pub,
		session:  sessions.Create(),
	}
}

// do runs a request as the env's session. body is sent as JSON, or as a
// form when it is url.Values.
func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var r *http.Request
	switch b := body.(type) {
	case nil:
		r = httptest.NewRequest(method, path, nil)
	case url.Values:
		r = httptest.NewRequest(method, path, strings.NewReader(b.Encode()))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	case string:
		r = httptest.NewRequest(method, path, strings.NewReader(b))
		r.Header.Set("Content-Type", "application/json")
	default:
		raw, _ := json.Marshal(b)
		r = httptest.NewRequest(method, path, bytes.NewReader(raw))
		r.Header.Set("Content-Type", "application/json")
	}
	r.AddCookie(&http.Cookie{Name: middleware.SessionCookie, Value: e.session.ID})
	return serve(e.handler, r)
}

// serve is a small helper that runs a request through the mux and returns the recorder.
func serve(mux http.Handler, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

// decodeBody unmarshals a recorder's body into v.
func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response body: %v\nbody: %s", err, w.Body.String())
	}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

// --- Health ---

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(http.MethodGet, "/healthz", nil)

	if w.Code != http.StatusOK {
		t.Errorf("status: got %d, want 200", w.Code)
	}
	var body map[string]string
	decodeBody(t, w, &body)
	if body["status"] != "ok" || body["version"] != "test" || body["commit"] != "abc123" {
		t.Errorf("body: got %v", body)
	}
}

// --- Sessions ---

func TestSessions_AreIsolated(t *testing.T) {
	env := newTestEnv(t)

	// A visitor without a cookie gets a fresh session and registry.
	w := serve(env.handler, httptest.NewRequest(http.MethodDelete, "/api/v1/devices/Room101", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete in new session: got %d", w.Code)
	}
	if len(w.Result().Cookies()) == 0 {
		t.Error("expected a session cookie for a new visitor")
	}

	if _, ok := env.session.Registry.Get("Room101"); !ok {
		t.Error("delete in another session removed Room101 from this one")
	}
	if env.sessions.Len() != 2 {
		t.Errorf("sessions: got %d, want 2", env.sessions.Len())
	}
}

// --- Building ---

func TestGetBuilding(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(http.MethodGet, "/api/v1/building", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var body struct {
		Name   string             `json:"name"`
		Floors building.Structure `json:"floors"`
		Rates  models.Rates       `json:"rates"`
	}
	decodeBody(t, w, &body)
	if body.Name != "FUB Building" {
		t.Errorf("name: got %q", body.Name)
	}
	if len(body.Floors) != 6 || body.Floors[0].Name != "Ground" {
		t.Errorf("floors: got %+v", body.Floors)
	}
	if body.Rates != models.DefaultRates {
		t.Errorf("rates: got %+v", body.Rates)
	}
}

// --- Devices ---

func TestListDevices(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/v1/devices", nil)
	var all []models.Device
	decodeBody(t, w, &all)
	if len(all) != 19 {
		t.Errorf("devices: got %d, want 19", len(all))
	}
	if all[0].ID != "Room101" {
		t.Errorf("first device: got %q, want Room101", all[0].ID)
	}

	w = env.do(http.MethodGet, "/api/v1/devices?floor=Ground", nil)
	var ground []models.Device
	decodeBody(t, w, &ground)
	if len(ground) != 3 {
		t.Fatalf("ground floor: got %d devices, want 3", len(ground))
	}
	for _, d := range ground {
		if d.Floor != "Ground" {
			t.Errorf("device %s: floor %q", d.ID, d.Floor)
		}
	}

	w = env.do(http.MethodGet, "/api/v1/devices?floor=Basement", nil)
	if body := strings.TrimSpace(w.Body.String()); body != "[]" {
		t.Errorf("unknown floor: got %s, want []", body)
	}
}

func TestCreateDevice(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(http.MethodPost, "/api/v1/devices", map[string]any{
		"id": "LabA", "name": "Lab A", "floor": "2", "type": "Computer", "power_w": 1100, "on": true,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status: got %d, body %s", w.Code, w.Body.String())
	}
	var d models.Device
	decodeBody(t, w, &d)
	if d.ID != "LabA" || d.Name != "Lab A" || d.Floor != "2" || d.Type != "Computer" || !d.On {
		t.Errorf("device: got %+v", d)
	}
	if d.EnergyKWh != 0 || d.Cost != 0 || d.CarbonG != 0 {
		t.Errorf("new device should have no usage: %+v", d)
	}
	if d.Voltage != 220 || !approx(d.CurrentA, 1100.0/220) {
		t.Errorf("electrical: voltage=%v current=%v", d.Voltage, d.CurrentA)
	}

	if env.session.Registry.Len() != 20 {
		t.Errorf("registry size: got %d, want 20", env.session.Registry.Len())
	}
	if got := env.pub.actions(); len(got) != 1 || got[0] != models.ActionAdd {
		t.Errorf("published: got %v", got)
	}
	evs, _ := env.db.List(env.session.ID, 10)
	if len(evs) != 1 || evs[0].DeviceID != "LabA" || evs[0].Action != models.ActionAdd {
		t.Errorf("audit: got %+v", evs)
	}
}

func TestCreateDevice_DefaultsToAC(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(http.MethodPost, "/api/v1/devices", map[string]any{"id": "X1", "name": "X"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status: got %d, body %s", w.Code, w.Body.String())
	}
	var d models.Device
	decodeBody(t, w, &d)
	if d.Type != "AC" {
		t.Errorf("type: got %q, want AC", d.Type)
	}
}

func TestCreateDevice_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{"empty id", map[string]any{"id": "", "name": "X"}, http.StatusBadRequest},
		{"whitespace id", map[string]any{"id": "   ", "name": "X"}, http.StatusBadRequest},
		{"empty name", map[string]any{"id": "X1", "name": ""}, http.StatusBadRequest},
		{"duplicate id", map[string]any{"id": "Room101", "name": "Impostor"}, http.StatusConflict},
		{"invalid type", map[string]any{"id": "X1", "name": "X", "type": "Toaster"}, http.StatusBadRequest},
		{"negative power", map[string]any{"id": "X1", "name": "X", "power_w": -5}, http.StatusBadRequest},
		{"invalid JSON", "{not json", http.StatusBadRequest},
		{"body too large", `{"id":"` + strings.Repeat("a", 70*1024) + `"}`, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			before, _ := env.session.Registry.Get("Room101")

			w := env.do(http.MethodPost, "/api/v1/devices", tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("status: got %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			var body map[string]string
			decodeBody(t, w, &body)
			if body["error"] == "" {
				t.Error("expected an error message")
			}
			if env.session.Registry.Len() != 19 {
				t.Errorf("registry size changed: %d", env.session.Registry.Len())
			}
			if after, _ := env.session.Registry.Get("Room101"); after != before {
				t.Errorf("Room101 changed: %+v -> %+v", before, after)
			}
			if len(env.pub.actions()) != 0 {
				t.Error("rejected add should not publish")
			}
		})
	}
}

func TestGetDevice(t *testing.T) {
	env := newTestEnv(t)
	want, _ := env.session.Registry.Get("Room302")

	w := env.do(http.MethodGet, "/api/v1/devices/Room302", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var got models.Device
	decodeBody(t, w, &got)
	if got != want {
		t.Errorf("device: got %+v, want %+v", got, want)
	}

	if w := env.do(http.MethodGet, "/api/v1/devices/NoSuchRoom", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown id: got %d, want 404", w.Code)
	}
}

func TestSetDeviceStatus(t *testing.T) {
	env := newTestEnv(t)
	before, _ := env.session.Registry.Get("Room201")

	for _, on := range []bool{false, true, true} {
		w := env.do(http.MethodPut, "/api/v1/devices/Room201/status", map[string]bool{"on": on})
		if w.Code != http.StatusOK {
			t.Fatalf("on=%v: got %d", on, w.Code)
		}
		var d models.Device
		decodeBody(t, w, &d)
		if d.On != on {
			t.Errorf("on=%v: response has On=%v", on, d.On)
		}
		if got, _ := env.session.Registry.Get("Room201"); got.On != on {
			t.Errorf("on=%v: registry has On=%v", on, got.On)
		}
	}

	after, _ := env.session.Registry.Get("Room201")
	after.On = before.On
	if after != before {
		t.Errorf("only On may change: %+v -> %+v", before, after)
	}

	want := []string{models.ActionStatusOff, models.ActionStatusOn, models.ActionStatusOn}
	if got := env.pub.actions(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("published: got %v, want %v", got, want)
	}
}

func TestSetDeviceStatus_Errors(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name       string
		path       string
		body       any
		wantStatus int
	}{
		{"missing on", "/api/v1/devices/Room101/status", map[string]any{}, http.StatusBadRequest},
		{"invalid JSON", "/api/v1/devices/Room101/status", "nope", http.StatusBadRequest},
		{"unknown device", "/api/v1/devices/Ghost/status", map[string]bool{"on": true}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPut, tt.path, tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("status: got %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
	if _, ok := env.session.Registry.Get("Ghost"); ok {
		t.Error("set status on an unknown id must not create a device")
	}
}

func TestDeleteDevice(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodDelete, "/api/v1/devices/Room101", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status: got %d", w.Code)
	}
	if _, ok := env.session.Registry.Get("Room101"); ok {
		t.Error("Room101 still present after delete")
	}
	if env.session.Registry.Len() != 18 {
		t.Errorf("registry size: got %d, want 18", env.session.Registry.Len())
	}

	if w := env.do(http.MethodDelete, "/api/v1/devices/Room101", nil); w.Code != http.StatusNotFound {
		t.Errorf("second delete: got %d, want 404", w.Code)
	}
	if env.session.Registry.Len() != 18 {
		t.Errorf("registry size after second delete: got %d", env.session.Registry.Len())
	}
}

func TestScheduleDevice(t *testing.T) {
	env := newTestEnv(t)
	before := env.session.Registry.List()

	w := env.do(http.MethodPost, "/api/v1/devices/Room101/schedule", map[string]string{"on_at": "8:00", "off_at": "17:30"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status: got %d, body %s", w.Code, w.Body.String())
	}
	var res map[string]string
	decodeBody(t, w, &res)
	if res["on_at"] != "08:00" || res["off_at"] != "17:30" || res["status"] != "accepted" {
		t.Errorf("response: got %v", res)
	}

	after := env.session.Registry.List()
	if fmt.Sprint(after) != fmt.Sprint(before) {
		t.Error("schedule must not change the registry")
	}
	evs, _ := env.db.List(env.session.ID, 10)
	if len(evs) != 1 || evs[0].Action != models.ActionSchedule || evs[0].Detail != "on 08:00 off 17:30" {
		t.Errorf("audit: got %+v", evs)
	}
}

func TestScheduleDevice_Errors(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name       string
		path       string
		body       map[string]string
		wantStatus int
	}{
		{"bad on time", "/api/v1/devices/Room101/schedule", map[string]string{"on_at": "25:00", "off_at": "17:00"}, http.StatusBadRequest},
		{"missing off time", "/api/v1/devices/Room101/schedule", map[string]string{"on_at": "08:00"}, http.StatusBadRequest},
		{"unknown device", "/api/v1/devices/Ghost/schedule", map[string]string{"on_at": "08:00", "off_at": "17:00"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := env.do(http.MethodPost, tt.path, tt.body); w.Code != tt.wantStatus {
				t.Errorf("status: got %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

// --- Aggregates and series ---

func TestSummary(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/v1/summary", nil)
	var got models.Summary
	decodeBody(t, w, &got)
	want := env.session.Registry.Aggregate()
	if got.TotalCount != 19 || got.ActiveCount != want.ActiveCount || !approx(got.TotalEnergyKWh, want.TotalEnergyKWh) {
		t.Errorf("summary: got %+v, want %+v", got, want)
	}

	// Turning every device on is reflected immediately.
	for _, d := range env.session.Registry.List() {
		env.do(http.MethodPut, "/api/v1/devices/"+d.ID+"/status", map[string]bool{"on": true})
	}
	w = env.do(http.MethodGet, "/api/v1/summary?floor=4", nil)
	decodeBody(t, w, &got)
	if got.TotalCount != 2 || got.ActiveCount != 2 {
		t.Errorf("floor 4 summary: got %+v", got)
	}
}

func TestEnergyByRoom(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(http.MethodGet, "/api/v1/energy", nil)
	var bars []series.RoomEnergy
	decodeBody(t, w, &bars)
	if len(bars) != 19 {
		t.Fatalf("bars: got %d, want 19", len(bars))
	}
	d, _ := env.session.Registry.Get(bars[0].ID)
	if bars[0].EnergyKWh != d.EnergyKWh {
		t.Errorf("bar energy: got %v, want %v", bars[0].EnergyKWh, d.EnergyKWh)
	}
}

func TestHourlySeries(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/v1/devices/Room101/series/hourly?date=2025-11-03", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var s series.HourlySeries
	decodeBody(t, w, &s)
	if len(s.Power) != 24 || len(s.Voltage) != 24 || len(s.Current) != 24 {
		t.Fatalf("points: %d/%d/%d", len(s.Power), len(s.Voltage), len(s.Current))
	}
	if !s.Power[0].Time.Equal(time.Date(2025, 11, 3, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("first point: got %v", s.Power[0].Time)
	}

	// Without a date the series covers today.
	w = env.do(http.MethodGet, "/api/v1/devices/Room101/series/hourly", nil)
	decodeBody(t, w, &s)
	if !s.Power[0].Time.Equal(time.Date(2025, 11, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("default day: got %v", s.Power[0].Time)
	}

	if w := env.do(http.MethodGet, "/api/v1/devices/Room101/series/hourly?date=11/03/2025", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad date: got %d, want 400", w.Code)
	}
	if w := env.do(http.MethodGet, "/api/v1/devices/Ghost/series/hourly", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown device: got %d, want 404", w.Code)
	}
}

func TestDailySeries(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/v1/devices/Room101/series/daily?start=2025-11-01&days=7", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var pts []series.DailyPoint
	decodeBody(t, w, &pts)
	if len(pts) != 7 || pts[0].Label != "Nov 1" || pts[6].Label != "Nov 7" {
		t.Errorf("points: got %+v", pts)
	}

	// Default window is the fifteen days ending today.
	w = env.do(http.MethodGet, "/api/v1/devices/Room101/series/daily", nil)
	decodeBody(t, w, &pts)
	if len(pts) != 15 || pts[0].Label != "Nov 1" || pts[14].Label != "Nov 15" {
		t.Errorf("default window: got %d points from %q", len(pts), pts[0].Label)
	}

	for _, q := range []string{"days=0", "days=91", "days=x", "start=yesterday"} {
		if w := env.do(http.MethodGet, "/api/v1/devices/Room101/series/daily?"+q, nil); w.Code != http.StatusBadRequest {
			t.Errorf("%s: got %d, want 400", q, w.Code)
		}
	}
}

// --- Audit ---

func TestListAudit(t *testing.T) {
	env := newTestEnv(t)
	env.do(http.MethodPut, "/api/v1/devices/Room101/status", map[string]bool{"on": true})
	env.do(http.MethodDelete, "/api/v1/devices/Room102", nil)

	w := env.do(http.MethodGet, "/api/v1/audit", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var evs []models.Event
	decodeBody(t, w, &evs)
	if len(evs) != 2 {
		t.Fatalf("events: got %d, want 2", len(evs))
	}
	// Both events share fixedNow, so insertion order breaks the tie.
	if evs[0].Action != models.ActionDelete || evs[1].Action != models.ActionStatusOn {
		t.Errorf("order: got %s, %s", evs[0].Action, evs[1].Action)
	}
	if evs[0].Floor != "Ground" || evs[0].SessionID != env.session.ID {
		t.Errorf("event: got %+v", evs[0])
	}

	w = env.do(http.MethodGet, "/api/v1/audit?limit=1", nil)
	decodeBody(t, w, &evs)
	if len(evs) != 1 {
		t.Errorf("limit=1: got %d events", len(evs))
	}

	if w := env.do(http.MethodGet, "/api/v1/audit?limit=zero", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: got %d, want 400", w.Code)
	}

	// Another session sees an empty log.
	other := serve(env.handler, httptest.NewRequest(http.MethodGet, "/api/v1/audit", nil))
	if body := strings.TrimSpace(other.Body.String()); body != "[]" {
		t.Errorf("other session audit: got %s, want []", body)
	}
}

func TestPublishFailureDoesNotFailMutation(t *testing.T) {
	env := newTestEnv(t)
	env.pub.err = errors.New("broker unreachable")

	w := env.do(http.MethodPut, "/api/v1/devices/Room101/status", map[string]bool{"on": false})
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	if evs, _ := env.db.List(env.session.ID, 10); len(evs) != 1 {
		t.Errorf("audit should still record the action, got %d events", len(evs))
	}
}

func TestPublish_BoundedAndDetachedFromRequest(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := httptest.NewRequest(http.MethodDelete, "/api/v1/devices/Room101", nil).WithContext(ctx)
	r.AddCookie(&http.Cookie{Name: middleware.SessionCookie, Value: env.session.ID})
	if w := serve(env.handler, r); w.Code != http.StatusNoContent {
		t.Fatalf("delete: got %d", w.Code)
	}

	start := time.Now()
	if len(env.pub.calls) != 1 {
		t.Fatalf("publishes: got %d, want 1", len(env.pub.calls))
	}
	call := env.pub.calls[0]
	if call.err != nil {
		t.Errorf("publish context inherited the request cancellation: %v", call.err)
	}
	if !call.hasDL {
		t.Fatal("publish context has no deadline")
	}
	if left := call.deadline.Sub(start); left > 2*time.Second {
		t.Errorf("publish deadline: %v away, want within 2s", left)
	}
}

// --- Events ---

func TestEvents_WebSocket(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	header := http.Header{}
	header.Set("Cookie", middleware.SessionCookie+"="+env.session.ID)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/events", header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.session.Events.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("websocket client never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	env.do(http.MethodPut, "/api/v1/devices/Room203/status", map[string]bool{"on": true})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	var msg events.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != events.TypeEvent || msg.Payload.DeviceID != "Room203" || msg.Payload.Action != models.ActionStatusOn {
		t.Errorf("message: got %+v", msg)
	}
}

// --- Dashboard ---

func TestOverviewPage(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type: got %q", ct)
	}
	body := w.Body.String()
	for _, want := range []string{"Building Overview", "Floor Ground - Rooms", "Room101 - Room 101", "Energy Consumption by Room"} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q", want)
		}
	}

	w = env.do(http.MethodGet, "/?floor=3", nil)
	body = w.Body.String()
	if !strings.Contains(body, "Room401 - Room 401") || strings.Contains(body, "Room101 - Room 101") {
		t.Error("floor filter did not select floor 3 tiles")
	}
}

func TestOverviewPage_EscapesNotice(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(http.MethodGet, "/?notice="+url.QueryEscape("<script>x</script>"), nil)
	body := w.Body.String()
	if strings.Contains(body, "<script>x</script>") || !strings.Contains(body, "&lt;script&gt;") {
		t.Error("notice was not HTML-escaped")
	}
}

func TestRoomPages(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/rooms", nil)
	if w.Code != http.StatusSeeOther || w.Header().Get("Location") != "/rooms/Room101" {
		t.Errorf("room picker: got %d -> %q", w.Code, w.Header().Get("Location"))
	}
	w = env.do(http.MethodGet, "/rooms?id=Room502", nil)
	if w.Header().Get("Location") != "/rooms/Room502" {
		t.Errorf("room picker with id: got %q", w.Header().Get("Location"))
	}

	w = env.do(http.MethodGet, "/rooms/Room502", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("room page: got %d", w.Code)
	}
	for _, want := range []string{"Room502 - Room 502", "Set Schedule", "Hourly Readings", "Nov 15"} {
		if !strings.Contains(w.Body.String(), want) {
			t.Errorf("room page missing %q", want)
		}
	}

	if w := env.do(http.MethodGet, "/rooms/Ghost", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown room: got %d, want 404", w.Code)
	}
}

func TestDevicesPage(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(http.MethodGet, "/devices", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	for _, want := range []string{"Add New Device", "Manage Existing Devices", "Room603"} {
		if !strings.Contains(w.Body.String(), want) {
			t.Errorf("devices page missing %q", want)
		}
	}
}

func TestStatusForm(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/devices/Room101/status", url.Values{"on": {"false"}, "back": {"/?floor=Ground"}})
	if w.Code != http.StatusSeeOther {
		t.Fatalf("status: got %d", w.Code)
	}
	loc, _ := url.Parse(w.Header().Get("Location"))
	if loc.Path != "/" || loc.Query().Get("floor") != "Ground" || loc.Query().Get("notice") != "Room101 turned OFF" {
		t.Errorf("redirect: got %s", loc)
	}
	if d, _ := env.session.Registry.Get("Room101"); d.On {
		t.Error("Room101 still on")
	}

	// Off-site return targets fall back to the overview.
	w = env.do(http.MethodPost, "/devices/Room101/status", url.Values{"on": {"true"}, "back": {"//evil.example"}})
	if loc, _ := url.Parse(w.Header().Get("Location")); loc.Host != "" || loc.Path != "/" {
		t.Errorf("open redirect: got %s", loc)
	}

	w = env.do(http.MethodPost, "/devices/Ghost/status", url.Values{"on": {"true"}})
	if loc, _ := url.Parse(w.Header().Get("Location")); loc.Query().Get("error") == "" {
		t.Errorf("unknown device: expected error in redirect, got %s", loc)
	}
}

func TestAddDeviceForm(t *testing.T) {
	env := newTestEnv(t)
	form := url.Values{
		"id": {"Server1"}, "name": {"Server Room"}, "floor": {"5"},
		"type": {"Computer"}, "status": {"OFF"}, "power_w": {"1800"},
	}

	w := env.do(http.MethodPost, "/devices", form)
	loc, _ := url.Parse(w.Header().Get("Location"))
	if w.Code != http.StatusSeeOther || loc.Path != "/devices" || loc.Query().Get("notice") == "" {
		t.Fatalf("redirect: got %d %s", w.Code, loc)
	}
	d, ok := env.session.Registry.Get("Server1")
	if !ok || d.On || d.PowerW != 1800 || d.Floor != "5" {
		t.Errorf("device: got %+v, ok=%v", d, ok)
	}

	// Adding it again is rejected and reported.
	w = env.do(http.MethodPost, "/devices", form)
	loc, _ = url.Parse(w.Header().Get("Location"))
	if loc.Query().Get("error") == "" {
		t.Errorf("duplicate add: expected error, got %s", loc)
	}

	w = env.do(http.MethodPost, "/devices", url.Values{"id": {"Y"}, "name": {"Y"}, "power_w": {"lots"}})
	loc, _ = url.Parse(w.Header().Get("Location"))
	if loc.Query().Get("error") == "" {
		t.Errorf("bad power: expected error, got %s", loc)
	}
	for _, p := range []string{"NaN", "Inf", "-Inf", "-5"} {
		w = env.do(http.MethodPost, "/devices", url.Values{"id": {"Z"}, "name": {"Z"}, "power_w": {p}})
		loc, _ = url.Parse(w.Header().Get("Location"))
		if loc.Query().Get("error") == "" {
			t.Errorf("power %s: expected error, got %s", p, loc)
		}
	}
	if _, ok := env.session.Registry.Get("Z"); ok {
		t.Error("device with non-finite power was stored")
	}
	w = env.do(http.MethodGet, "/api/v1/devices", nil)
	if w.Code != http.StatusOK || w.Body.Len() == 0 {
		t.Errorf("list after rejected adds: got %d with %d bytes", w.Code, w.Body.Len())
	}
	if env.session.Registry.Len() != 20 {
		t.Errorf("registry size: got %d, want 20", env.session.Registry.Len())
	}
}

func TestDeleteForm(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(http.MethodPost, "/devices/Room404/delete", url.Values{"back": {"/devices"}})
	if w.Code != http.StatusSeeOther {
		t.Fatalf("status: got %d", w.Code)
	}
	if _, ok := env.session.Registry.Get("Room404"); ok {
		t.Error("Room404 still present")
	}
}

func TestScheduleForm(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(http.MethodPost, "/rooms/Room101/schedule", url.Values{"on_at": {"08:00"}, "off_at": {"17:00"}})
	loc, _ := url.Parse(w.Header().Get("Location"))
	if loc.Path != "/rooms/Room101" || loc.Query().Get("notice") != "Schedule set: ON at 08:00, OFF at 17:00" {
		t.Errorf("redirect: got %s", loc)
	}

	w = env.do(http.MethodPost, "/rooms/Room101/schedule", url.Values{"on_at": {"later"}, "off_at": {"17:00"}})
	loc, _ = url.Parse(w.Header().Get("Location"))
	if loc.Query().Get("error") == "" {
		t.Errorf("bad time: expected error, got %s", loc)
	}
}
