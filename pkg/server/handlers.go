package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/nobletooth/memo/pkg/auth"
	"github.com/nobletooth/memo/pkg/cache"
	"github.com/nobletooth/memo/pkg/memo"
	"github.com/nobletooth/memo/pkg/storage"
	"github.com/nobletooth/memo/pkg/utils"
)

const (
	listDevicesQuery = "devices.list"
	getDeviceQuery   = "devices.get"
	devicesPattern   = "devices*"
	maxFibonacciN    = 93 // The largest n whose Fibonacci number fits in an uint64.
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("Failed to encode response.", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// readJSON decodes the request body into `out`, answering 400 itself when it can't.
func readJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: utils.Version,
		Uptime:  utils.Uptime().Round(time.Second).String(),
	})
}

type statsResponse struct {
	Cache    cache.Stats     `json:"cache"`
	HitRatio float64         `json:"hitRatio"`
	Queries  memo.QueryStats `json:"queries"`
	Routes   memo.RouteStats `json:"routes"`
	Hiload   memo.RouteStats `json:"hiload"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.cache.Stats()
	writeJSON(w, http.StatusOK, statsResponse{
		Cache:    stats,
		HitRatio: stats.HitRatio(),
		Queries:  s.queries.Stats(),
		Routes:   s.routes.Stats(),
		Hiload:   s.hiloadMemo.Stats(),
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var request loginRequest
	if !readJSON(w, r, &request) {
		return
	}
	session, err := s.auth.Login(r.Context(), request.Username, request.Password, memo.ClientIP(r))
	switch {
	case errors.Is(err, auth.ErrLockedOut):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case err != nil:
		slog.Error("Login failed.", "username", request.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
	default:
		writeJSON(w, http.StatusOK, loginResponse{Token: session.Token, ExpiresAt: session.ExpiresAt})
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, _ := bearerToken(r)
	err := s.auth.Logout(r.Context(), token)
	switch {
	case errors.Is(err, auth.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, err.Error())
	case err != nil:
		slog.Error("Logout failed.", "error", err)
		writeError(w, http.StatusInternalServerError, "logout failed")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

type userResponse struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r.Context())
	writeJSON(w, http.StatusOK, userResponse{Username: user.Username, Role: user.Role, CreatedAt: user.CreatedAt})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := memo.ExecCached(r.Context(), s.queries, listDevicesQuery, nil, memo.Read,
		func(context.Context) ([]storage.Device, error) { return s.devices.ListDevices() },
		s.queries.DefaultTTL())
	if err != nil {
		slog.Error("Failed to list devices.", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

// handleGetDevice memoizes misses too: a missing device is cached as a nil result until a write invalidates it.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	device, err := memo.ExecCached(r.Context(), s.queries, getDeviceQuery, []any{id}, memo.Read,
		func(context.Context) (*storage.Device, error) {
			device, err := s.devices.GetDevice(id)
			if errors.Is(err, storage.ErrKeyNotFound) {
				return nil, nil
			}
			if err != nil {
				return nil, err
			}
			return &device, nil
		}, s.queries.DefaultTTL())
	if err != nil {
		slog.Error("Failed to read device.", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read device")
		return
	}
	if device == nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, device)
}

type deviceRequest struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
}

func (s *Server) handlePutDevice(w http.ResponseWriter, r *http.Request) {
	var request deviceRequest
	if !readJSON(w, r, &request) {
		return
	}
	if request.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	id := r.PathValue("id")
	device, err := memo.ExecCached(r.Context(), s.queries, "devices.put", []any{id}, memo.Write,
		func(context.Context) (storage.Device, error) {
			return s.devices.PutDevice(storage.Device{ID: id, Name: request.Name, Kind: request.Kind,
				Status: request.Status})
		}, 0)
	if err != nil {
		slog.Error("Failed to store device.", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store device")
		return
	}
	s.invalidateDevices()
	writeJSON(w, http.StatusOK, device)
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	_, err := memo.ExecCached(r.Context(), s.queries, "devices.delete", []any{id}, memo.Write,
		func(context.Context) (struct{}, error) { return struct{}{}, s.devices.DeleteDevice(id) }, 0)
	if errors.Is(err, storage.ErrKeyNotFound) {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		slog.Error("Failed to delete device.", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete device")
		return
	}
	s.invalidateDevices()
	w.WriteHeader(http.StatusNoContent)
}

// invalidateDevices drops every memoized device query and device route response.
func (s *Server) invalidateDevices() {
	if _, err := s.queries.InvalidatePattern(devicesPattern); err != nil {
		utils.RaiseInvariant("server", "invalidate_queries", "Failed to invalidate device queries.", "error", err)
	}
	if _, err := s.routes.Invalidate(http.MethodGet, "/devices"); err != nil {
		utils.RaiseInvariant("server", "invalidate_routes", "Failed to invalidate device routes.", "error", err)
	}
}

type fibonacciResponse struct {
	N          int       `json:"n"`
	Result     uint64    `json:"result"`
	ComputedAt time.Time `json:"computedAt"`
}

func fibonacci(n int) uint64 {
	if n <= 1 {
		return uint64(n)
	}
	var a, b uint64 = 0, 1
	for range n - 1 {
		a, b = b, a+b
	}
	return b
}

func (s *Server) handleFibonacci(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.URL.Query().Get("n"))
	if err != nil || n < 0 || n > maxFibonacciN {
		writeError(w, http.StatusBadRequest, "n must be an integer between 0 and "+strconv.Itoa(maxFibonacciN))
		return
	}
	writeJSON(w, http.StatusOK, fibonacciResponse{N: n, Result: fibonacci(n), ComputedAt: time.Now().UTC()})
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	before := s.cache.Stats().Size
	s.cache.Clear()
	user, _ := userFrom(r.Context())
	slog.Warn("Cache cleared.", "by", user.Username, "entries", before)
	writeJSON(w, http.StatusOK, map[string]int{"cleared": before})
}

type invalidateRequest struct {
	Pattern string `json:"pattern"`
}

func (s *Server) handleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	var request invalidateRequest
	if !readJSON(w, r, &request) {
		return
	}
	removed, err := s.cache.DeleteMatching(request.Pattern)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user, _ := userFrom(r.Context())
	slog.Info("Cache entries invalidated.", "by", user.Username, "pattern", request.Pattern, "removed", removed)
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}
