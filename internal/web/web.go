package web

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/cors"
	"golang.org/x/crypto/bcrypt"

	"classsync/internal/config"
	"classsync/internal/export"
	appLog "classsync/internal/log"
	"classsync/internal/reconcile"
	"classsync/internal/scheduler"
	"classsync/internal/store"
)

const feedCacheTTL = 30 * time.Second

// Status exposes the reconciler's progress.
type Status interface {
	Phase() reconcile.Phase
	LastReport() (reconcile.Report, bool)
}

// Syncer starts an on-demand cycle. It returns scheduler.ErrBusy when one
// is already running.
type Syncer interface {
	Trigger(ctx context.Context) (reconcile.Report, error)
}

// Server provides the HTTP API over the session store and the reconciler.
type Server struct {
	cfg    *config.Config
	store  store.Store
	status Status
	syncer Syncer
	mux    *http.ServeMux

	// Rendered calendar feeds keyed by query string. Flushed after every
	// successful on-demand sync.
	feeds *gocache.Cache
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, st store.Store, status Status, syncer Syncer) *Server {
	s := &Server{
		cfg:    cfg,
		store:  st,
		status: status,
		syncer: syncer,
		mux:    http.NewServeMux(),
		feeds:  gocache.New(feedCacheTTL, 2*feedCacheTTL),
	}
	s.registerRoutes()
	return s
}

// Handler returns the mux wrapped with basic auth and CORS as configured.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "user", s.cfg.BasicAuth.Username)
		h = s.basicAuthMiddleware(h)
	}
	if len(s.cfg.CORSOrigins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins:   s.cfg.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
		}).Handler(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.PasswordHash != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth
// checked against a bcrypt hash.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	hash := []byte(s.cfg.BasicAuth.PasswordHash)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || bcrypt.CompareHashAndPassword(hash, []byte(p)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="classsync", charset="UTF-8"`)
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

// StartServer serves on cfg.Listen until ctx is canceled, then shuts down
// gracefully.
func StartServer(ctx context.Context, s *Server) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/report", s.handleReport)
	s.mux.HandleFunc("GET /api/sessions", s.handleSessions)
	s.mux.HandleFunc("GET /api/locations", s.handleLocations)
	s.mux.HandleFunc("PUT /api/locations", s.handleSetLocations)
	s.mux.HandleFunc("POST /api/sync", s.handleSync)
	s.mux.HandleFunc("GET /calendar.ics", s.handleCalendar)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type reportResponse struct {
	Phase  string            `json:"phase"`
	Report *reconcile.Report `json:"report"`
}

func (s *Server) handleReport(w http.ResponseWriter, _ *http.Request) {
	resp := reportResponse{Phase: s.status.Phase().String()}
	if r, ok := s.status.LastReport(); ok {
		resp.Report = &r
	}
	writeJSON(w, http.StatusOK, resp)
}

// sessionDTO is a JSON-friendly view of a stored session.
type sessionDTO struct {
	ID         string    `json:"id"`
	LocationID string    `json:"location_id"`
	ClassID    string    `json:"class_id"`
	Key        string    `json:"key,omitempty"`
	Derived    bool      `json:"derived"`
	Canceled   bool      `json:"canceled"`
	Title      string    `json:"title"`
	Instructor string    `json:"instructor"`
	Recurrence string    `json:"recurrence"`
	Day        string    `json:"day,omitempty"`
	TimeRange  string    `json:"time_range"`
	StartDate  string    `json:"start_date"`
	EndDate    string    `json:"end_date,omitempty"`
	Exclusions int       `json:"exclusions"`
	RegLink    string    `json:"reg_link,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// handleSessions lists stored sessions.
//
// GET /api/sessions?location=<id>&class=<id>
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	stored, err := s.store.ListSessions(r.Context(), store.Filter{LocationID: q.Get("location"), ClassID: q.Get("class")})
	if err != nil {
		appLog.Error("api sessions: list failed", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	out := make([]sessionDTO, 0, len(stored))
	for _, st := range stored {
		c := st.Session.Class
		out = append(out, sessionDTO{
			ID:         st.ID,
			LocationID: st.Session.LocationID,
			ClassID:    st.ClassID,
			Key:        st.Session.Key,
			Derived:    st.Session.Derived,
			Canceled:   st.Session.Canceled,
			Title:      c.Title,
			Instructor: c.Instructor,
			Recurrence: c.Recurrence.String(),
			Day:        c.Pattern.Day,
			TimeRange:  c.Pattern.TimeRange(),
			StartDate:  c.StartDate.String(),
			EndDate:    c.EndDate.String(),
			Exclusions: len(c.Exclusions),
			RegLink:    st.Session.RegLink(),
			CreatedAt:  st.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type locationDTO struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id"`
	Name       string `json:"name"`
	Enabled    bool   `json:"enabled"`
}

func (s *Server) handleLocations(w http.ResponseWriter, r *http.Request) {
	enabled, err := s.store.EnabledLocations(r.Context())
	if err != nil {
		appLog.Error("api locations: load failed", err)
		writeError(w, http.StatusInternalServerError, "failed to load enabled locations")
		return
	}
	out := make([]locationDTO, 0, len(s.cfg.Locations))
	for _, l := range s.cfg.Locations {
		out = append(out, locationDTO{
			ID:         l.ID,
			ExternalID: l.ExternalID,
			Name:       l.Name,
			Enabled:    len(enabled) == 0 || slices.Contains(enabled, l.ID),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type setLocationsRequest struct {
	Enabled []string `json:"enabled"`
}

// handleSetLocations replaces the enabled location set. Unknown ids are
// rejected so a typo does not silently disable every location.
func (s *Server) handleSetLocations(w http.ResponseWriter, r *http.Request) {
	var req setLocationsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ids := store.NormalizeIDs(req.Enabled)
	for _, id := range ids {
		if _, ok := s.cfg.Location(id); !ok {
			writeError(w, http.StatusBadRequest, "unknown location: "+id)
			return
		}
	}
	if err := s.store.SetEnabledLocations(r.Context(), ids); err != nil {
		appLog.Error("api locations: save failed", err)
		writeError(w, http.StatusInternalServerError, "failed to save enabled locations")
		return
	}
	appLog.Info("enabled locations updated", "ids", ids)
	s.handleLocations(w, r)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "sync not available")
		return
	}
	report, err := s.syncer.Trigger(r.Context())
	if errors.Is(err, scheduler.ErrBusy) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		appLog.Error("api sync failed", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.feeds.Flush()
	writeJSON(w, http.StatusOK, report)
}

// handleCalendar renders stored sessions as an iCalendar feed.
//
// GET /calendar.ics?location=<id>&days=28&backfill=1
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	key := r.URL.RawQuery
	if body, ok := s.feeds.Get(key); ok {
		writeCalendar(w, body.([]byte))
		return
	}

	q := r.URL.Query()
	days := parseIntDefault(q.Get("days"), s.cfg.Export.HorizonDays)
	if days <= 0 {
		days = s.cfg.Export.HorizonDays
	}
	backfill := parseIntDefault(q.Get("backfill"), 1)
	if backfill < 0 {
		backfill = 0
	}
	locationID := q.Get("location")
	name := "classsync"
	if locationID != "" {
		l, ok := s.cfg.Location(locationID)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown location")
			return
		}
		if l.Name != "" {
			name = l.Name
		}
	}

	loc := resolveLocationOrUTC(s.cfg.Timezone)
	now := time.Now().In(loc)
	stored, err := s.store.ListSessions(r.Context(), store.Filter{LocationID: locationID})
	if err != nil {
		appLog.Error("calendar: list failed", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	res, err := export.Expand(stored, export.ExpandConfig{
		Location:               loc,
		RangeStart:             now.AddDate(0, 0, -backfill),
		RangeEnd:               now.AddDate(0, 0, days),
		MaxInstancesPerSession: s.cfg.Export.MaxInstancesPerSession,
	})
	if err != nil {
		appLog.Error("calendar: expand failed", err)
		writeError(w, http.StatusInternalServerError, "failed to expand sessions")
		return
	}

	var buf bytes.Buffer
	if err := export.WriteICS(&buf, name, res.Instances, time.Now()); err != nil {
		appLog.Error("calendar: render failed", err)
		writeError(w, http.StatusInternalServerError, "failed to render calendar")
		return
	}
	s.feeds.SetDefault(key, buf.Bytes())
	appLog.Debug("calendar rendered", "location", locationID, "instances", len(res.Instances), "days", days)
	writeCalendar(w, buf.Bytes())
}

func writeCalendar(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
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

func resolveLocationOrUTC(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to UTC", err, "name", name)
		return time.UTC
	}
	return loc
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
