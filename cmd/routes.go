package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/kong/db-cluster-pool/internal/store/repo"
	"github.com/kong/db-cluster-pool/pkg/model"
	"go.uber.org/zap"
)

// clusterStore is the part of *model.Store the handlers use.
type clusterStore interface {
	Health(ctx context.Context) model.Health
	GetConnectionPoolStats() []model.MemberPoolStats
	GetCanary(ctx context.Context) (*repo.Canary, error)
	UpdateCanary(ctx context.Context) (*repo.Canary, error)
	GetReplicaStatus(ctx context.Context) ([]model.ReplicaStatus, error)
	Reconnect(ctx context.Context) time.Duration
	Verify(ctx context.Context)
}

var _ clusterStore = (*model.Store)(nil)

func (ac *appContext) routes() http.Handler {
	return newRouter(ac, ac.Store)
}

func newRouter(ac *appContext, s clusterStore) http.Handler {
	h := &handlers{appContext: ac, store: s}
	r := mux.NewRouter()
	r.HandleFunc("/health", h.getHealth).Methods("GET")
	r.HandleFunc("/poolstats", h.getConnectionPoolStats).Methods("GET")
	r.HandleFunc("/replstatus", h.getReplicationStatus).Methods("GET")
	r.HandleFunc("/canary", h.getCanary).Methods("GET")
	r.HandleFunc("/canary", h.upsertCanary).Methods("POST")
	r.HandleFunc("/reconnect", h.reconnect).Methods("POST")
	r.HandleFunc("/loglevel", h.getLogLevel).Methods("GET")
	r.HandleFunc("/loglevel", h.setLogLevel).Methods("PUT").Queries("level", "{level}")
	return r
}

type handlers struct {
	*appContext
	store clusterStore
}

func (h *handlers) getHealth(w http.ResponseWriter, r *http.Request) {
	health := h.store.Health(r.Context())
	status, state := http.StatusOK, "ok"
	if !health.Healthy() {
		status, state = http.StatusServiceUnavailable, "unavailable"
	} else if health.AvailableReplicas < health.Replicas {
		state = "degraded"
	}
	h.respond(w, r, status, envelope{"status": state, "cluster": health})
}

func (h *handlers) getReplicationStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.store.GetReplicaStatus(r.Context())
	if err != nil {
		h.logError(r, err)
		h.errorResponse(w, r, http.StatusInternalServerError, "Failed to Query PG")
		return
	}
	h.respond(w, r, http.StatusOK, envelope{"replicaStatusList": status})
}

func (h *handlers) getConnectionPoolStats(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, http.StatusOK, envelope{"connectionPoolStats": h.store.GetConnectionPoolStats()})
}

func (h *handlers) getCanary(w http.ResponseWriter, r *http.Request) {
	h.canary(w, r, h.store.GetCanary)
}

func (h *handlers) upsertCanary(w http.ResponseWriter, r *http.Request) {
	h.canary(w, r, h.store.UpdateCanary)
}

func (h *handlers) canary(w http.ResponseWriter, r *http.Request, op func(context.Context) (*repo.Canary, error)) {
	canary, err := op(r.Context())
	if err != nil {
		h.logError(r, err)
		h.errorResponse(w, r, http.StatusInternalServerError, "Failed to Query PG")
		return
	}
	h.respond(w, r, http.StatusOK, envelope{"canary": canary})
}

// reconnect re-establishes every member, or with ?mode=verify only the ones
// that stopped answering.
func (h *handlers) reconnect(w http.ResponseWriter, r *http.Request) {
	payload := envelope{}
	switch r.URL.Query().Get("mode") {
	case "verify":
		h.store.Verify(r.Context())
		payload["mode"] = "verify"
	case "", "all":
		payload["mode"] = "all"
		payload["runtimeMS"] = float64(h.store.Reconnect(r.Context())) / float64(time.Millisecond)
	default:
		h.errorResponse(w, r, http.StatusBadRequest, "mode must be all or verify")
		return
	}
	h.Logger.Info("cluster reconnected", zap.Any("mode", payload["mode"]))
	h.respond(w, r, http.StatusOK, payload)
}

func (h *handlers) getLogLevel(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, http.StatusOK, envelope{"level": logLevel.String()})
}

func (h *handlers) setLogLevel(w http.ResponseWriter, r *http.Request) {
	level := mux.Vars(r)["level"]
	if err := SetLevel(level); err != nil {
		h.errorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}
	h.respond(w, r, http.StatusOK, envelope{"level": logLevel.String()})
}
