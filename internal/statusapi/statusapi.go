// Package statusapi exposes a minimal, read-only HTTP introspection
// surface: current timer deadlines, the RTT table, and the loaded
// roster. It is a thin stand-in for the GTK UI panels that are out of
// scope, not a control surface — every handler here only reads state.
package statusapi

import (
	"encoding/json"
	"log"
	"net/http"
	"os"

	"github.com/hlcsync/labtime/internal/roster"
	"github.com/hlcsync/labtime/internal/rtt"
	"github.com/hlcsync/labtime/internal/timer"
)

// TimerStatus is the /status response body.
type TimerStatus struct {
	Active      bool   `json:"active"`
	StartTimeNs uint64 `json:"start_time_ns"`
	CurrentNs   uint64 `json:"current_ns"`
}

// RTTRow is one class key's entry in the /rtt response body.
type RTTRow struct {
	ClassKey       string  `json:"class_key"`
	CurrentBestNs  int64   `json:"current_best_ns"`
	CurrentWorstNs int64   `json:"current_worst_ns"`
	AllTimeWorstNs int64   `json:"all_time_worst_ns"`
	MissedFraction float64 `json:"missed_fraction"`
}

// Server is a net/http handler bundle wired to the running components.
type Server struct {
	tmr    timer.Timer
	agg    *rtt.Aggregator
	roster *roster.Roster
	log    *log.Logger
	mux    *http.ServeMux
}

// New builds a Server. agg and rosterCatalog may be nil if those
// subsystems aren't active in this process.
func New(tmr timer.Timer, agg *rtt.Aggregator, rosterCatalog *roster.Roster, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(os.Stderr, "[statusapi] ", log.LstdFlags)
	}
	s := &Server{tmr: tmr, agg: agg, roster: rosterCatalog, log: logger, mux: http.NewServeMux()}
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/rtt", s.handleRTT)
	s.mux.HandleFunc("/roster", s.handleRoster)
	return s
}

// ServeHTTP makes Server an http.Handler, usable directly with
// http.ListenAndServe or httptest.NewServer.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := TimerStatus{
		Active:      s.tmr.Active(),
		StartTimeNs: s.tmr.GetStartTime(),
		CurrentNs:   s.tmr.GetTime(),
	}
	s.writeJSON(w, status)
}

func (s *Server) handleRTT(w http.ResponseWriter, r *http.Request) {
	if s.agg == nil {
		http.Error(w, "rtt aggregator not active", http.StatusNotFound)
		return
	}
	classKey := r.URL.Query().Get("class")
	if classKey == "" {
		http.Error(w, "missing class query parameter", http.StatusBadRequest)
		return
	}
	snap, ok := s.agg.Get(classKey)
	if !ok {
		http.Error(w, "no entry for class "+classKey, http.StatusNotFound)
		return
	}
	s.writeJSON(w, RTTRow{
		ClassKey:       classKey,
		CurrentBestNs:  int64(snap.CurrentBest),
		CurrentWorstNs: int64(snap.CurrentWorst),
		AllTimeWorstNs: int64(snap.AllTimeWorst),
		MissedFraction: snap.MissedFraction,
	})
}

func (s *Server) handleRoster(w http.ResponseWriter, r *http.Request) {
	if s.roster == nil {
		http.Error(w, "roster not loaded", http.StatusNotFound)
		return
	}
	s.writeJSON(w, s.roster.Entries)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("encode response: %v", err)
	}
}
