// Package status serves the read-only HTTP surface of a running scheduler:
// Prometheus metrics, liveness, the published tenant table and per-terminal
// records.
package status

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/signalsfoundry/scope-scheduler/core"
	"github.com/signalsfoundry/scope-scheduler/internal/logging"
	"github.com/signalsfoundry/scope-scheduler/internal/slicing"
	"github.com/signalsfoundry/scope-scheduler/internal/ue"
	"github.com/signalsfoundry/scope-scheduler/model"
)

// RequestIDHeader carries the identifier of each request in the response.
const RequestIDHeader = "X-Request-ID"

// Server routes the status endpoints. Any collaborator may be nil; its
// endpoint then answers 404.
type Server struct {
	router   chi.Router
	cell     core.Cell
	registry *slicing.Registry
	ues      *ue.Table
	metrics  http.Handler
	log      logging.Logger
}

// New wires the status routes.
func New(cell core.Cell, registry *slicing.Registry, ues *ue.Table, metrics http.Handler, log logging.Logger) *Server {
	if log == nil {
		log = logging.Noop()
	}
	s := &Server{
		router:   chi.NewRouter(),
		cell:     cell,
		registry: registry,
		ues:      ues,
		metrics:  metrics,
		log:      log,
	}
	s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.Recoverer)
	r.Use(requestID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	if s.registry != nil {
		r.Get("/slices", s.handleSlices)
	}
	if s.ues != nil {
		r.Get("/ues/{rnti}", s.handleUE)
	}
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = "req_" + uuid.New().String()[:8]
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// TenantView is the JSON form of one tenant.
type TenantView struct {
	ID     int    `json:"id"`
	Policy string `json:"policy"`
	PRBs   int    `json:"prbs"`
	DLMask string `json:"dl_mask"`
	ULMask string `json:"ul_mask"`
}

// SlicesView is the JSON form of the published tenant table.
type SlicesView struct {
	Version     int          `json:"version"`
	RefreshedAt time.Time    `json:"refreshed_at"`
	Tenants     []TenantView `json:"tenants"`
}

func (s *Server) handleSlices(w http.ResponseWriter, r *http.Request) {
	snap := s.registry.Snapshot()
	n := s.cell.NofRBG()
	view := SlicesView{
		Version:     snap.Version,
		RefreshedAt: snap.RefreshedAt,
		Tenants:     []TenantView{},
	}
	for _, t := range snap.ActiveTenants() {
		view.Tenants = append(view.Tenants, TenantView{
			ID:     t.ID,
			Policy: t.Policy.String(),
			PRBs:   t.PRBs,
			DLMask: t.DLMask.Format(n),
			ULMask: t.ULMask.Format(n),
		})
	}
	s.respond(w, r, http.StatusOK, view)
}

// UEView is the JSON form of a terminal record.
type UEView struct {
	RNTI            string  `json:"rnti"`
	Slice           int     `json:"slice"`
	SliceAcquired   bool    `json:"slice_acquired"`
	IMSI            uint64  `json:"imsi,omitempty"`
	TMSI            uint32  `json:"tmsi,omitempty"`
	PowerMultiplier float32 `json:"power_multiplier"`
	DLSINR          float64 `json:"dl_sinr"`
	ForcedDLMCS     int     `json:"forced_dl_mcs,omitempty"`
	ForcedULMCS     int     `json:"forced_ul_mcs,omitempty"`
}

func (s *Server) handleUE(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "rnti")
	v, err := strconv.ParseUint(raw, 0, 16)
	if err != nil {
		s.respond(w, r, http.StatusBadRequest, map[string]string{"error": "invalid rnti " + strconv.Quote(raw)})
		return
	}
	rnti := model.RNTI(v)
	rec, ok := s.ues.Get(rnti)
	if !ok {
		s.respond(w, r, http.StatusNotFound, map[string]string{"error": rnti.String() + " is not a terminal identifier"})
		return
	}
	s.respond(w, r, http.StatusOK, UEView{
		RNTI:            rnti.String(),
		Slice:           rec.SliceID,
		SliceAcquired:   rec.SliceAcquired,
		IMSI:            rec.IMSI,
		TMSI:            rec.TMSI,
		PowerMultiplier: rec.PowerMultiplier,
		DLSINR:          rec.DLSINR,
		ForcedDLMCS:     rec.ForcedDLMCS,
		ForcedULMCS:     rec.ForcedULMCS,
	})
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn(r.Context(), "status response not written",
			logging.String("path", r.URL.Path),
			logging.Err(err),
		)
	}
}
