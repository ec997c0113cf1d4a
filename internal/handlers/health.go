package handlers

import (
	"net/http"
	"time"

	"github.com/nkiryanov/authtoken/internal/handlers/render"
)

// Service name and version reported by health endpoints
type ServiceInfo struct {
	Name    string
	Version string
}

func handleHealth(info ServiceInfo) http.Handler {
	type response struct {
		Status    string    `json:"status"`
		Timestamp time.Time `json:"timestamp"`
		Service   string    `json:"service"`
		Version   string    `json:"version"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, response{
			Status:    "healthy",
			Timestamp: time.Now().UTC(),
			Service:   info.Name,
			Version:   info.Version,
		})
	})
}

func handleServiceInfo(info ServiceInfo) http.Handler {
	type response struct {
		Service   string            `json:"service"`
		Version   string            `json:"version"`
		Status    string            `json:"status"`
		Endpoints map[string]string `json:"endpoints"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, response{
			Service: info.Name,
			Version: info.Version,
			Status:  "running",
			Endpoints: map[string]string{
				"health":     "/health",
				"register":   "/api/auth/register",
				"login":      "/api/auth/login",
				"refresh":    "/api/auth/refresh",
				"logout":     "/api/auth/logout",
				"logout_all": "/api/auth/logout/all",
				"me":         "/api/auth/me",
				"introspect": "/api/auth/introspect",
			},
		})
	})
}
