package main

import (
	"net/http"

	"github.com/example/quietora/internal/auth"
	"github.com/example/quietora/internal/telemetry"
	"github.com/gorilla/mux"
)

func (a *App) HandleHeartbeat(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	var in telemetry.HeartbeatInput
	if !a.decodeJSON(w, r, &in) {
		return
	}
	res, err := a.Ledger.Heartbeat(r.Context(), claims, in)
	a.Metrics.RecordHeartbeat(err)
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":    true,
		"app":   res.App,
		"usage": res.Usage,
	})
}

func (a *App) HandleListApps(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	apps, err := a.Queries.ListApps(r.Context(), claims)
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, apps)
}

func (a *App) HandleAppUsers(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	res, err := a.Queries.AppUsers(r.Context(), claims, mux.Vars(r)["code"])
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, res)
}

func (a *App) HandlePurgeOrphanedLinks(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	n, err := a.Ledger.PurgeOrphanedLinks(r.Context(), claims)
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}
