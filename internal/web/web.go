package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/samber/mo"

	"progenycal/internal/calendar"
	"progenycal/internal/config"
	"progenycal/internal/ics"
	appLog "progenycal/internal/log"
	"progenycal/internal/model"
	"progenycal/internal/recurrence"
	"progenycal/internal/reminder"
)

// UserHeader carries the authenticated caller's email, set by the proxy in
// front of the service.
const UserHeader = "X-User-Email"

// Directory resolves callers and progeny.
type Directory interface {
	GetUserByEmail(ctx context.Context, email string) (model.User, error)
	GetProgeny(ctx context.Context, id int64) (model.Progeny, error)
	Ping(ctx context.Context) error
}

type ctxKey int

const callerKey ctxKey = iota

// Server provides the JSON and ICS API.
type Server struct {
	cfg       *config.Config
	dir       Directory
	calendar  *calendar.Service
	reminders *reminder.Service
	router    *mux.Router
	now       func() time.Time
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, dir Directory, cal *calendar.Service, reminders *reminder.Service) *Server {
	s := &Server{
		cfg:       cfg,
		dir:       dir,
		calendar:  cal,
		reminders: reminders,
		router:    mux.NewRouter(),
		now:       time.Now,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.router)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) registerRoutes() {
	s.router.Use(logRequests)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.identify)

	api.HandleFunc("/progeny/{id:[0-9]+}/events", s.handleListEvents).Methods(http.MethodGet)
	api.HandleFunc("/progeny/{id:[0-9]+}/events", s.handleCreateEvent).Methods(http.MethodPost)
	api.HandleFunc("/progeny/{id:[0-9]+}/calendar.ics", s.handleExportICS).Methods(http.MethodGet)
	api.HandleFunc("/events/{eventId:[0-9]+}", s.handleGetEvent).Methods(http.MethodGet)
	api.HandleFunc("/events/{eventId:[0-9]+}", s.handleUpdateEvent).Methods(http.MethodPut)
	api.HandleFunc("/events/{eventId:[0-9]+}", s.handleDeleteEvent).Methods(http.MethodDelete)

	api.HandleFunc("/reminders", s.handleListReminders).Methods(http.MethodGet)
	api.HandleFunc("/reminders", s.handleCreateReminder).Methods(http.MethodPost)
	api.HandleFunc("/reminders/{id:[0-9]+}", s.handleGetReminder).Methods(http.MethodGet)
	api.HandleFunc("/reminders/{id:[0-9]+}", s.handleUpdateReminder).Methods(http.MethodPut)
	api.HandleFunc("/reminders/{id:[0-9]+}", s.handleDeleteReminder).Methods(http.MethodDelete)
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="progenycal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// identify resolves the caller named by UserHeader and stores it in the
// request context.
func (s *Server) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		email := r.Header.Get(UserHeader)
		if email == "" {
			writeError(w, http.StatusUnauthorized, "missing "+UserHeader+" header")
			return
		}
		user, err := s.dir.GetUserByEmail(r.Context(), email)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				writeError(w, http.StatusUnauthorized, "unknown user")
				return
			}
			appLog.Error("api: resolve caller", err)
			writeError(w, http.StatusInternalServerError, "failed to resolve user")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, user)))
	})
}

func caller(r *http.Request) model.User {
	u, _ := r.Context().Value(callerKey).(model.User)
	return u
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.dir.Ping(r.Context()); err != nil {
		appLog.Error("health: database ping failed", err)
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// eventsResponse is the JSON response shape for the events listing.
type eventsResponse struct {
	Events          []eventDTO `json:"events"`
	RangeStart      time.Time  `json:"rangeStart"`
	RangeEnd        time.Time  `json:"rangeEnd"`
	DisplayTimeZone string     `json:"displayTimeZone"`
}

// eventDTO exposes the item's rule, which the model keeps out of JSON.
type eventDTO struct {
	model.CalendarItem
	Recurrence *model.RecurrenceRule `json:"recurrence,omitempty"`
}

func toDTO(item model.CalendarItem) eventDTO {
	dto := eventDTO{CalendarItem: item}
	if rule, ok := item.Rule().Get(); ok {
		dto.Recurrence = &rule
	}
	return dto
}

// eventRequest is the body of event create and update calls.
type eventRequest struct {
	Title       string                `json:"title"`
	Notes       string                `json:"notes"`
	Location    string                `json:"location"`
	Context     string                `json:"context"`
	AccessLevel int                   `json:"accessLevel"`
	AllDay      bool                  `json:"allDay"`
	StartTime   *time.Time            `json:"startTime"`
	EndTime     *time.Time            `json:"endTime"`
	Recurrence  *model.RecurrenceRule `json:"recurrence"`
}

// item converts the request. Times sent with only a numeric offset take the
// caller's timezone when the caller has one; otherwise the calendar service
// applies the configured zone.
func (req eventRequest) item(caller model.User) model.CalendarItem {
	item := model.CalendarItem{
		Title:       req.Title,
		Notes:       req.Notes,
		Location:    req.Location,
		Context:     req.Context,
		AccessLevel: req.AccessLevel,
		AllDay:      req.AllDay,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
	}
	if req.Recurrence != nil {
		item.Recurrence = mo.Some(*req.Recurrence)
	}
	if caller.TimeZone != "" {
		item = calendar.InZone(item, caller.Location())
	}
	return item
}

// handleListEvents returns the expanded events of a progeny.
//
// GET /api/progeny/{id}/events?start=2024-01-01&end=2024-01-31
//   - start/end: dates (or RFC 3339 times); end covers its whole day
//   - without them: days ahead (default 7) and backfill days back (default 1)
//
// Dates are read in the configured timezone.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	progenyID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	q := r.URL.Query()
	loc := s.cfg.Location()

	days := parseIntDefault(q.Get("days"), 7)
	if days <= 0 {
		days = 7
	}
	backfill := parseIntDefault(q.Get("backfill"), 1)
	if backfill < 0 {
		backfill = 0
	}
	today := s.now().In(loc)
	start, err := parseDate(q.Get("start"), recurrence.StartOfDay(today.AddDate(0, 0, -backfill)), loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start: "+err.Error())
		return
	}
	end, err := parseDate(q.Get("end"), today.AddDate(0, 0, days), loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end: "+err.Error())
		return
	}

	items, err := s.calendar.Events(r.Context(), progenyID, start, end)
	if err != nil {
		writeServiceError(w, "list events", err)
		return
	}
	resp := eventsResponse{
		Events:          make([]eventDTO, 0, len(items)),
		RangeStart:      start,
		RangeEnd:        end,
		DisplayTimeZone: loc.String(),
	}
	for _, it := range items {
		resp.Events = append(resp.Events, toDTO(it))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	progenyID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req eventRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user := caller(r)
	item := req.item(user)
	item.ProgenyID = progenyID
	item.Author = user.UserID

	created, err := s.calendar.AddEvent(r.Context(), item)
	if err != nil {
		writeServiceError(w, "create event", err)
		return
	}
	writeJSON(w, http.StatusCreated, toDTO(created))
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathID(w, r, "eventId")
	if !ok {
		return
	}
	item, err := s.calendar.Event(r.Context(), eventID)
	if err != nil {
		writeServiceError(w, "get event", err)
		return
	}
	writeJSON(w, http.StatusOK, toDTO(item))
}

func (s *Server) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathID(w, r, "eventId")
	if !ok {
		return
	}
	var req eventRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user := caller(r)
	item := req.item(user)
	item.EventID = eventID
	item.Author = user.UserID

	updated, err := s.calendar.UpdateEvent(r.Context(), item)
	if err != nil {
		writeServiceError(w, "update event", err)
		return
	}
	writeJSON(w, http.StatusOK, toDTO(updated))
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathID(w, r, "eventId")
	if !ok {
		return
	}
	if err := s.calendar.DeleteEvent(r.Context(), eventID); err != nil {
		writeServiceError(w, "delete event", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleExportICS serves the progeny's anchors as an iCalendar feed.
func (s *Server) handleExportICS(w http.ResponseWriter, r *http.Request) {
	progenyID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	progeny, err := s.dir.GetProgeny(r.Context(), progenyID)
	if err != nil {
		writeServiceError(w, "export ics", err)
		return
	}
	items, err := s.calendar.Items(r.Context(), progenyID)
	if err != nil {
		writeServiceError(w, "export ics", err)
		return
	}
	body := ics.Export(progeny.DisplayName(), items, s.now())

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename="progeny-%d.ics"`, progenyID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func (s *Server) handleListReminders(w http.ResponseWriter, r *http.Request) {
	list, err := s.reminders.List(r.Context(), caller(r), r.URL.Query().Get("userId"))
	if err != nil {
		writeServiceError(w, "list reminders", err)
		return
	}
	if list == nil {
		list = []model.CalendarReminder{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateReminder(w http.ResponseWriter, r *http.Request) {
	var in reminder.Input
	if !decodeJSON(w, r, &in) {
		return
	}
	created, err := s.reminders.Add(r.Context(), caller(r), in)
	if err != nil {
		writeServiceError(w, "create reminder", err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetReminder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	rem, err := s.reminders.Get(r.Context(), caller(r), id)
	if err != nil {
		writeServiceError(w, "get reminder", err)
		return
	}
	writeJSON(w, http.StatusOK, rem)
}

func (s *Server) handleUpdateReminder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var in reminder.Input
	if !decodeJSON(w, r, &in) {
		return
	}
	updated, err := s.reminders.Update(r.Context(), caller(r), id, in)
	if err != nil {
		writeServiceError(w, "update reminder", err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteReminder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.reminders.Delete(r.Context(), caller(r), id); err != nil {
		writeServiceError(w, "delete reminder", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusRecorder captures the status code for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		appLog.Debug("api request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"took", time.Since(started).String(),
		)
	})
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// parseDate accepts a date in loc or an RFC 3339 time; empty yields def.
func parseDate(s string, def time.Time, loc *time.Location) (time.Time, error) {
	if s == "" {
		return def, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, loc); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		appLog.Error("api: "+op, err)
		writeError(w, status, op+" failed")
		return
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
