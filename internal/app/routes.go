package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"waveos/go-presence/internal/directory"
	"waveos/go-presence/internal/model"
)

const maxBodyBytes = 64 << 10

type callerKey struct{}

func (a *App) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", a.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.handleReadyz).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(a.requireCaller)
	v1.HandleFunc("/profiles", a.handleUpsertProfile).Methods(http.MethodPost)
	v1.HandleFunc("/profiles/{id}", a.handleGetProfile).Methods(http.MethodGet)
	v1.HandleFunc("/blocks", a.handleBlock).Methods(http.MethodPost)
	v1.HandleFunc("/beacons", a.handleRegisterBeacon).Methods(http.MethodPost)
	v1.HandleFunc("/beacons/resolve", a.handleResolveBeacon).Methods(http.MethodPost)
	v1.HandleFunc("/waves", a.handleCreateWave).Methods(http.MethodPost)
	v1.HandleFunc("/waves/{id}/decline", a.handleDeclineWave).Methods(http.MethodPost)
	v1.HandleFunc("/ghost-zones", a.handleGetGhostZones).Methods(http.MethodGet)
	v1.HandleFunc("/ghost-zones", a.handleCreateGhostZone).Methods(http.MethodPost)
	v1.HandleFunc("/chats", a.handleGetActiveChats).Methods(http.MethodGet)
	v1.HandleFunc("/chats/{id}/messages", a.handleGetChatMessages).Methods(http.MethodGet)
	v1.HandleFunc("/chats/{id}/messages", a.handleSendChatMessage).Methods(http.MethodPost)
	v1.HandleFunc("/admin/cleanup", a.handleCleanup).Methods(http.MethodPost)

	return r
}

// requireCaller rejects requests without an identity and stores it on the context.
func (a *App) requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := strings.TrimSpace(r.Header.Get(directory.UserHeader))
		if caller == "" {
			a.writeError(w, r, directory.ErrUnauthenticated)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller)))
	})
}

func callerFrom(r *http.Request) string {
	caller, _ := r.Context().Value(callerKey{}).(string)
	return caller
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if a.store == nil || a.broker == nil || a.registry == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		a.logger.Warn("readiness: store ping failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"degraded"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleUpsertProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username    string `json:"username"`
		DisplayName string `json:"display_name"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	p, err := a.registry.UpsertProfile(ctx, callerFrom(r), req.Username, req.DisplayName)
	a.respond(w, r, http.StatusOK, p, err)
}

func (a *App) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	p, err := a.registry.GetProfile(ctx, callerFrom(r), mux.Vars(r)["id"])
	a.respond(w, r, http.StatusOK, p, err)
}

func (a *App) handleBlock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.registry.Block(ctx, callerFrom(r), strings.TrimSpace(req.UserID)); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleRegisterBeacon(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	reg, err := a.registry.RegisterBeacon(ctx, callerFrom(r))
	a.respond(w, r, http.StatusCreated, reg, err)
}

func (a *App) handleResolveBeacon(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BeaconID string `json:"beacon_id"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	res, err := a.registry.ResolveBeacon(ctx, callerFrom(r), req.BeaconID)
	a.respond(w, r, http.StatusOK, res, err)
}

func (a *App) handleCreateWave(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReceiverID string `json:"receiver_id"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	res, err := a.registry.CreateWave(ctx, callerFrom(r), req.ReceiverID)
	a.respond(w, r, http.StatusOK, res, err)
}

func (a *App) handleDeclineWave(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	wave, err := a.registry.DeclineWave(ctx, callerFrom(r), mux.Vars(r)["id"])
	a.respond(w, r, http.StatusOK, wave, err)
}

func (a *App) handleGetGhostZones(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	zones, err := a.registry.GetGhostZones(ctx, callerFrom(r))
	a.respond(w, r, http.StatusOK, struct {
		Zones []model.GhostZone `json:"zones"`
	}{zones}, err)
}

func (a *App) handleCreateGhostZone(w http.ResponseWriter, r *http.Request) {
	var req model.GhostZoneRequest
	if !a.decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	zone, err := a.registry.CreateGhostZone(ctx, callerFrom(r), req)
	a.respond(w, r, http.StatusCreated, zone, err)
}

func (a *App) handleGetActiveChats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	chats, err := a.registry.GetActiveChats(ctx, callerFrom(r))
	a.respond(w, r, http.StatusOK, struct {
		Chats []model.ChatSession `json:"chats"`
	}{chats}, err)
}

func (a *App) handleGetChatMessages(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	msgs, err := a.registry.GetChatMessages(ctx, callerFrom(r), mux.Vars(r)["id"])
	a.respond(w, r, http.StatusOK, struct {
		Messages []model.ChatMessage `json:"messages"`
	}{msgs}, err)
}

func (a *App) handleSendChatMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	msg, err := a.registry.SendChatMessage(ctx, callerFrom(r), mux.Vars(r)["id"], req.Content)
	a.respond(w, r, http.StatusCreated, msg, err)
}

func (a *App) handleCleanup(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	report, err := a.registry.Cleanup(ctx)
	if err == nil {
		a.logger.Info("cleanup requested", "caller", callerFrom(r), "chats", report.ChatsExpired, "waves", report.WavesExpired)
	}
	a.respond(w, r, http.StatusOK, report, err)
}

// decode reads a JSON body into dst. An empty body leaves dst untouched.
func (a *App) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		a.writeError(w, r, fmt.Errorf("%w: invalid payload", directory.ErrInvalidRequest))
		return false
	}
	return true
}

func (a *App) respond(w http.ResponseWriter, r *http.Request, status int, body any, err error) {
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Error("failed to encode response", "path", r.URL.Path, "error", err)
	}
}

func (a *App) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := directory.StatusCode(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal error"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{msg})
}
