package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/example/quietora/internal/apperr"
	"github.com/example/quietora/internal/auth"
	"github.com/example/quietora/internal/models"
	"github.com/gorilla/mux"
	"github.com/samber/lo"
)

const (
	serviceName    = "quietora"
	serviceVersion = "0.1.0"
)

type ownerUserView struct {
	ID        int64       `json:"id"`
	Email     string      `json:"email"`
	Name      *string     `json:"name"`
	Role      models.Role `json:"role"`
	CreatedAt time.Time   `json:"createdAt"`
}

type updateRoleRequest struct {
	Role string `json:"role"`
}

func (a *App) userIDVar(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		a.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid user id")
		return 0, false
	}
	return id, true
}

func (a *App) HandleListUsers(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	users, err := a.Identity.ListUsers(r.Context(), claims)
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, lo.Map(users, func(u models.User, _ int) ownerUserView {
		return ownerUserView{
			ID:        u.ID,
			Email:     u.Email,
			Name:      lo.EmptyableToPtr(u.Name),
			Role:      u.Role,
			CreatedAt: u.CreatedAt,
		}
	}))
}

func (a *App) HandleUpdateUserRole(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	id, ok := a.userIDVar(w, r)
	if !ok {
		return
	}
	var in updateRoleRequest
	if !a.decodeJSON(w, r, &in) {
		return
	}
	u, err := a.Identity.UpdateRole(r.Context(), claims, id, in.Role)
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	a.writeMessage(w, http.StatusOK, "Role updated", map[string]interface{}{"user": u})
}

func (a *App) HandleDeleteUser(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	id, ok := a.userIDVar(w, r)
	if !ok {
		return
	}
	if err := a.Identity.DeleteUser(r.Context(), claims, id); err != nil {
		a.writeAppError(w, r, err)
		return
	}
	a.writeMessage(w, http.StatusOK, "User deleted", nil)
}

func (a *App) HandleSystemInfo(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	dbStatus := "ok"
	users, err := a.Identity.CountUsers(r.Context(), claims)
	if err != nil {
		if _, business := apperr.KindOf(err); business {
			a.writeAppError(w, r, err)
			return
		}
		a.Log.WithError(err).Warn("system-info: counting users failed")
		dbStatus = "error"
	}

	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"app":         serviceName,
		"version":     serviceVersion,
		"environment": a.Config.Environment,
		"uptime":      time.Since(a.started).Round(time.Second).String(),
		"database": map[string]interface{}{
			"adapter": a.Config.DBAdapter,
			"status":  dbStatus,
			"users":   users,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *App) HandleStatus(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"service":     serviceName,
		"version":     serviceVersion,
		"environment": a.Config.Environment,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *App) HandleHealth(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) HandleReady(w http.ResponseWriter, r *http.Request) {
	if err := a.Store.Ping(r.Context()); err != nil {
		a.Log.WithError(err).Warn("readiness check failed")
		a.writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}
