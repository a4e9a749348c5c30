package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamware/relay/internal/balancer"
	"github.com/dreamware/relay/internal/cluster"
	"github.com/dreamware/relay/internal/coordinator"
	"github.com/dreamware/relay/internal/logging"
	"github.com/dreamware/relay/internal/storage"
)

// server exposes a running engine over the admin HTTP API.
type server struct {
	engine      *coordinator.Engine
	store       storage.Store // nil disables /snapshot
	snapshotKey string
	gatherer    prometheus.Gatherer
	log         *logging.Logger
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /accounts", s.handleAccounts)
	mux.HandleFunc("GET /workers", s.handleWorkers)
	mux.HandleFunc("GET /users", s.handleUsers)
	mux.HandleFunc("GET /jobs", s.handleJobs)
	mux.HandleFunc("GET /performance", s.handlePerformance)
	mux.HandleFunc("GET /job-types", s.handleJobTypes)
	mux.HandleFunc("GET /completed", s.handleCompleted)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /mailbox", s.handleMailbox)
	mux.HandleFunc("POST /snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /policy", s.handleGetPolicy)
	mux.HandleFunc("POST /policy", s.handleSetPolicy)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Response bodies of the admin API. The CLI decodes into the same types.
type (
	healthResponse struct {
		Status  string `json:"status"`
		Running bool   `json:"running"`
	}
	accountsResponse struct {
		Accounts []coordinator.Account `json:"accounts"`
	}
	jobsResponse struct {
		Jobs []coordinator.TaskMetadata `json:"jobs"`
	}
	performanceResponse struct {
		Performance map[int]*cluster.Performance `json:"performance"`
	}
	jobTypesResponse struct {
		Averages map[string]float64 `json:"averages"`
	}
	statsResponse struct {
		coordinator.AggregateStats
		Policy policyResponse `json:"policy"`
	}
	mailboxResponse struct {
		Parcels []coordinator.Parcel `json:"parcels"`
		Events  []cluster.Message    `json:"events"`
	}
	snapshotResponse struct {
		Key     string    `json:"key"`
		SavedAt time.Time `json:"saved_at"`
	}
	policyResponse struct {
		Index int    `json:"index"`
		Name  string `json:"name"`
	}
	policyRequest struct {
		Index *int `json:"index"`
	}
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{msg})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Running: s.engine.Running()})
}

func (s *server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, accountsResponse{Accounts: s.engine.Accounts()})
}

func (s *server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, accountsResponse{Accounts: s.engine.ActiveWorkers()})
}

func (s *server) handleUsers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, accountsResponse{Accounts: s.engine.Users()})
}

func (s *server) handleJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, jobsResponse{Jobs: s.engine.PendingJobs()})
}

func (s *server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, performanceResponse{Performance: s.engine.WorkerPerformance()})
}

func (s *server) handleJobTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, jobTypesResponse{Averages: s.engine.JobTypeAverages()})
}

func (s *server) handleCompleted(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, jobsResponse{Jobs: s.engine.CompletedJobs()})
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	idx, name := s.engine.Policy()
	writeJSON(w, http.StatusOK, statsResponse{
		AggregateStats: s.engine.AggregateStats(),
		Policy:         policyResponse{Index: idx, Name: name},
	})
}

func (s *server) handleMailbox(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, mailboxResponse{
		Parcels: s.engine.Parcels(),
		Events:  s.engine.QueuedEvents(),
	})
}

func (s *server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "snapshot store not configured")
		return
	}
	if err := s.engine.SaveSnapshot(s.store, s.snapshotKey); err != nil {
		s.log.Error("snapshot failed", "key", s.snapshotKey, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snapshotResponse{Key: s.snapshotKey, SavedAt: time.Now()})
}

func (s *server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	idx, name := s.engine.Policy()
	writeJSON(w, http.StatusOK, policyResponse{Index: idx, Name: name})
}

func (s *server) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	if req.Index == nil {
		writeError(w, http.StatusBadRequest, "missing index")
		return
	}
	if err := s.engine.SetPolicy(*req.Index); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, balancer.ErrUnknownPolicy) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	s.handleGetPolicy(w, r)
}
