package models

import "time"

// Role is the closed set of account roles.
type Role string

const (
	RoleOwner Role = "OWNER"
	RoleAdmin Role = "ADMIN"
	RoleUser  Role = "USER"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleOwner || r == RoleAdmin || r == RoleUser
}

// ParseRole returns the role named by s, or false when s is not a known role.
func ParseRole(s string) (Role, bool) {
	r := Role(s)
	return r, r.Valid()
}

// User represents an account in the system
type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name,omitempty"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
}

// AppStatus is the lifecycle state of a registered client application.
type AppStatus string

const (
	AppStatusActive   AppStatus = "ACTIVE"
	AppStatusDisabled AppStatus = "DISABLED"
)

// App represents a registered client application
type App struct {
	ID            int64     `json:"-"`
	Code          string    `json:"code"`
	Name          string    `json:"name"`
	LatestVersion *string   `json:"latestVersion"`
	Status        AppStatus `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
}

// UsageLink tracks how one user uses one app. There is at most one link
// per (UserID, AppID) pair.
type UsageLink struct {
	ID          int64     `json:"-"`
	UserID      int64     `json:"-"`
	AppID       int64     `json:"-"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
	LaunchCount int64     `json:"launchCount"`
}

// AppSummary is an app with usage aggregated over links whose user still exists.
type AppSummary struct {
	Code          string     `json:"code"`
	Name          string     `json:"name"`
	Status        AppStatus  `json:"status"`
	LatestVersion *string    `json:"latestVersion"`
	CreatedAt     time.Time  `json:"createdAt"`
	UserCount     int64      `json:"userCount"`
	TotalLaunches int64      `json:"totalLaunches"`
	LastSeenAt    *time.Time `json:"lastSeenAt"`
}

// AppUser is one user's usage of a given app.
type AppUser struct {
	UserID      int64     `json:"userId"`
	Email       string    `json:"email"`
	Name        string    `json:"name,omitempty"`
	Role        Role      `json:"role"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
	LaunchCount int64     `json:"launchCount"`
}
