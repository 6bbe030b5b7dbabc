package main

import (
	"net/http"

	"github.com/example/quietora/internal/auth"
)

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type bootstrapRequest struct {
	Email  string `json:"email"`
	Secret string `json:"secret"`
}

type forceSetPasswordRequest struct {
	Email       string `json:"email"`
	NewPassword string `json:"newPassword"`
	Secret      string `json:"secret"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

func (a *App) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var in registerRequest
	if !a.decodeJSON(w, r, &in) {
		return
	}
	res, err := a.Identity.Register(r.Context(), in.Email, in.Password, in.Name)
	a.Metrics.RecordAuthAttempt("register", err)
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, res)
}

func (a *App) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var in loginRequest
	if !a.decodeJSON(w, r, &in) {
		return
	}
	res, err := a.Identity.Login(r.Context(), in.Email, in.Password)
	a.Metrics.RecordAuthAttempt("login", err)
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, res)
}

func (a *App) HandleBootstrapOwner(w http.ResponseWriter, r *http.Request) {
	var in bootstrapRequest
	if !a.decodeJSON(w, r, &in) {
		return
	}
	res, err := a.Identity.BootstrapOwner(r.Context(), in.Email, in.Secret)
	a.Metrics.RecordAuthAttempt("bootstrap_owner", err)
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	a.writeMessage(w, http.StatusOK, "Owner set successfully", map[string]interface{}{
		"user":  res.User,
		"token": res.Token,
	})
}

func (a *App) HandleForceSetPassword(w http.ResponseWriter, r *http.Request) {
	var in forceSetPasswordRequest
	if !a.decodeJSON(w, r, &in) {
		return
	}
	err := a.Identity.ForceSetPassword(r.Context(), in.Email, in.NewPassword, in.Secret)
	a.Metrics.RecordAuthAttempt("force_set_password", err)
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	a.writeMessage(w, http.StatusOK, "Password updated", nil)
}

func (a *App) HandleChangePassword(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	var in changePasswordRequest
	if !a.decodeJSON(w, r, &in) {
		return
	}
	if err := a.Identity.ChangePassword(r.Context(), claims, in.CurrentPassword, in.NewPassword); err != nil {
		a.writeAppError(w, r, err)
		return
	}
	a.writeMessage(w, http.StatusOK, "Password updated", nil)
}

func (a *App) HandleWhoAmI(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	c, err := a.Identity.WhoAmI(claims)
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{"user": c})
}
