package handlers

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tphummel/building_energy/internal/models"
	"github.com/tphummel/building_energy/internal/series"
)

//go:embed templates/*.html
var templateFS embed.FS

var templateFuncs = template.FuncMap{
	"fixed2": func(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) },
	"fixed0": func(v float64) string { return strconv.FormatFloat(v, 'f', 0, 64) },
	"onoff":  onoff,
}

var pages = map[string]*template.Template{}

func init() {
	for _, name := range []string{"overview", "room", "devices"} {
		pages[name] = template.Must(template.New("layout.html").Funcs(templateFuncs).
			ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html"))
	}
}

// page carries what the layout needs on every screen.
type page struct {
	Title        string
	BuildingName string
	Path         string
	Notice       string
	Error        string
}

type bar struct {
	ID        string
	Name      string
	EnergyKWh float64
	Percent   float64
}

type overviewData struct {
	page
	Summary models.Summary
	Floors  []string
	Floor   string
	Rooms   []models.Device
	Bars    []bar
}

type roomData struct {
	page
	Devices []models.Device
	Device  models.Device
	Hourly  series.HourlySeries
	Daily   []series.DailyPoint
	OnAt    string
	OffAt   string
}

type devicesData struct {
	page
	Floors  []string
	Types   []string
	Devices []models.Device
}

func (h *Handler) newPage(r *http.Request, title string) page {
	q := r.URL.Query()
	return page{
		Title:        title,
		BuildingName: h.BuildingName,
		Path:         r.URL.RequestURI(),
		Notice:       q.Get("notice"),
		Error:        q.Get("error"),
	}
}

// render executes the named page into a buffer so a template error never
// leaves a half-written response.
func (h *Handler) render(w http.ResponseWriter, status int, name string, data any) {
	var buf bytes.Buffer
	if err := pages[name].ExecuteTemplate(&buf, "layout.html", data); err != nil {
		h.logger().Error("failed to render page", "page", name, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	buf.WriteTo(w) //nolint:errcheck
}

// OverviewPage handles GET /: building totals, the room tiles of one floor
// and the energy-by-room chart.
func (h *Handler) OverviewPage(w http.ResponseWriter, r *http.Request) {
	s, ok := currentSession(w, r)
	if !ok {
		return
	}
	floors := h.Building.FloorNames()
	floor := r.URL.Query().Get("floor")
	if floor == "" && len(floors) > 0 {
		floor = floors[0]
	}

	devices := s.Registry.List()
	data := overviewData{
		page:    h.newPage(r, "Building Overview"),
		Summary: models.Summarize(devices),
		Floors:  floors,
		Floor:   floor,
		Rooms:   s.Registry.ListByFloor(floor),
		Bars:    energyBars(devices),
	}
	h.render(w, http.StatusOK, "overview", data)
}

func energyBars(devices []models.Device) []bar {
	rooms := series.EnergyByRoom(devices)
	peak := 0.0
	for _, e := range rooms {
		peak = max(peak, e.EnergyKWh)
	}
	bars := make([]bar, len(rooms))
	for i, e := range rooms {
		pct := 0.0
		if peak > 0 {
			pct = 100 * e.EnergyKWh / peak
		}
		bars[i] = bar{ID: e.ID, Name: e.Name, EnergyKWh: e.EnergyKWh, Percent: pct}
	}
	return bars
}

// RoomPicker handles GET /rooms?id=, redirecting to the chosen room or the
// first one.
func (h *Handler) RoomPicker(w http.ResponseWriter, r *http.Request) {
	s, ok := currentSession(w, r)
	if !ok {
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		devices := s.Registry.List()
		if len(devices) == 0 {
			redirectWith(w, r, "/devices", "", "no devices to show")
			return
		}
		id = devices[0].ID
	}
	http.Redirect(w, r, "/rooms/"+url.PathEscape(id), http.StatusSeeOther)
}

// RoomPage handles GET /rooms/{id}: live readings, controls and charts of
// one device.
func (h *Handler) RoomPage(w http.ResponseWriter, r *http.Request) {
	s, ok := currentSession(w, r)
	if !ok {
		return
	}
	d, found := s.Registry.Get(r.PathValue("id"))
	if !found {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}
	now := h.now()
	data := roomData{
		page:    h.newPage(r, d.ID+" - "+d.Name),
		Devices: s.Registry.List(),
		Device:  d,
		Hourly:  series.Hourly(d, now),
		Daily:   series.Daily(d, h.Rates, now.AddDate(0, 0, 1-defaultTrendDays), defaultTrendDays),
		OnAt:    "08:00",
		OffAt:   "17:00",
	}
	h.render(w, http.StatusOK, "room", data)
}

// DevicesPage handles GET /devices: the add form and every device with its
// controls.
func (h *Handler) DevicesPage(w http.ResponseWriter, r *http.Request) {
	s, ok := currentSession(w, r)
	if !ok {
		return
	}
	data := devicesData{
		page:    h.newPage(r, "Device Management"),
		Floors:  h.Building.FloorNames(),
		Types:   []string{"AC", "Light", "Computer", "Other"},
		Devices: s.Registry.List(),
	}
	h.render(w, http.StatusOK, "devices", data)
}

// StatusForm handles POST /devices/{id}/status.
func (h *Handler) StatusForm(w http.ResponseWriter, r *http.Request) {
	s, ok := currentSession(w, r)
	if !ok || !parseForm(w, r) {
		return
	}
	back := backTarget(r, "/")
	on, err := strconv.ParseBool(r.PostFormValue("on"))
	if err != nil {
		redirectWith(w, r, back, "", "on must be true or false")
		return
	}
	d, err := h.setStatus(r.Context(), s, r.PathValue("id"), on)
	if err != nil {
		errorStatus(err)
		redirectWith(w, r, back, "", err.Error())
		return
	}
	redirectWith(w, r, back, d.ID+" turned "+onoff(d.On), "")
}

// DeleteForm handles POST /devices/{id}/delete.
func (h *Handler) DeleteForm(w http.ResponseWriter, r *http.Request) {
	s, ok := currentSession(w, r)
	if !ok || !parseForm(w, r) {
		return
	}
	back := backTarget(r, "/devices")
	id := r.PathValue("id")
	if err := h.deleteDevice(r.Context(), s, id); err != nil {
		errorStatus(err)
		redirectWith(w, r, back, "", err.Error())
		return
	}
	redirectWith(w, r, back, "Device "+id+" deleted", "")
}

// AddDeviceForm handles POST /devices.
func (h *Handler) AddDeviceForm(w http.ResponseWriter, r *http.Request) {
	s, ok := currentSession(w, r)
	if !ok || !parseForm(w, r) {
		return
	}
	req := addRequest{
		ID:    r.PostFormValue("id"),
		Name:  r.PostFormValue("name"),
		Floor: r.PostFormValue("floor"),
		Type:  r.PostFormValue("type"),
		On:    r.PostFormValue("status") == "ON",
	}
	if v := strings.TrimSpace(r.PostFormValue("power_w")); v != "" {
		p, err := strconv.ParseFloat(v, 64)
		if err != nil {
			redirectWith(w, r, "/devices", "", "power rating must be a number")
			return
		}
		req.PowerW = p
	}
	d, err := h.addDevice(r.Context(), s, req)
	if err != nil {
		errorStatus(err)
		redirectWith(w, r, "/devices", "", err.Error())
		return
	}
	redirectWith(w, r, "/devices", "Device "+d.ID+" added successfully", "")
}

// ScheduleForm handles POST /rooms/{id}/schedule.
func (h *Handler) ScheduleForm(w http.ResponseWriter, r *http.Request) {
	s, ok := currentSession(w, r)
	if !ok || !parseForm(w, r) {
		return
	}
	id := r.PathValue("id")
	back := "/rooms/" + url.PathEscape(id)
	res, err := h.schedule(r.Context(), s, id, scheduleRequest{
		OnAt:  r.PostFormValue("on_at"),
		OffAt: r.PostFormValue("off_at"),
	})
	if err != nil {
		errorStatus(err)
		redirectWith(w, r, back, "", err.Error())
		return
	}
	redirectWith(w, r, back, "Schedule set: ON at "+res.OnAt+", OFF at "+res.OffAt, "")
}

func parseForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return false
	}
	return true
}

// backTarget returns the form's local return path, or def when it is
// missing or points off site.
func backTarget(r *http.Request, def string) string {
	back := r.PostFormValue("back")
	if !strings.HasPrefix(back, "/") || strings.HasPrefix(back, "//") || strings.HasPrefix(back, "/\\") {
		return def
	}
	return back
}

// redirectWith sends a 303 to target carrying a one-shot notice or error
// message for the next page view.
func redirectWith(w http.ResponseWriter, r *http.Request, target, notice, errMsg string) {
	u, err := url.Parse(target)
	if err != nil {
		u = &url.URL{Path: "/"}
	}
	q := u.Query()
	q.Del("notice")
	q.Del("error")
	if notice != "" {
		q.Set("notice", notice)
	}
	if errMsg != "" {
		q.Set("error", errMsg)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusSeeOther)
}

func onoff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}
