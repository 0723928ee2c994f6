// Package web exposes the JSON API: sessions, task management, key
// management and booking history.
package web

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/example/slotwatch/internal/auth"
	"github.com/example/slotwatch/internal/booking"
	"github.com/example/slotwatch/internal/db"
	"github.com/example/slotwatch/internal/engine"
	"github.com/example/slotwatch/internal/tasks"
	"github.com/example/slotwatch/internal/vault"
)

type Server struct {
	Auth    *auth.Store
	Engine  *engine.Engine
	Tasks   *tasks.Repo
	Vault   *vault.Vault
	Results *booking.Repo
	DB      *db.DB
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.handleLogout)

	authed := func(h http.HandlerFunc) http.Handler { return s.Auth.RequireAuth(h) }
	mux.Handle("GET /api/tasks", authed(s.handleTaskList))
	mux.Handle("POST /api/tasks", authed(s.handleTaskCreate))
	mux.Handle("GET /api/tasks/{id}", authed(s.handleTaskStatus))
	mux.Handle("POST /api/tasks/{id}/pause", authed(s.handleTaskPause))
	mux.Handle("POST /api/tasks/{id}/resume", authed(s.handleTaskResume))
	mux.Handle("DELETE /api/tasks/{id}", authed(s.handleTaskDelete))

	mux.Handle("GET /api/keys", authed(s.handleKeyList))
	mux.Handle("POST /api/keys", authed(s.handleKeyAdd))
	mux.Handle("DELETE /api/keys/{id}", authed(s.handleKeyRemove))

	mux.Handle("GET /api/bookings", authed(s.handleBookingHistory))

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.DB.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	id, err := s.Auth.Authenticate(r.Context(), strings.TrimSpace(req.Username), req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	if err != nil {
		serverError(w, err)
		return
	}
	if err := s.Auth.SetSession(w, r, id); err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"user_id": id})
}

func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	s.Auth.ClearSession(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

type taskPayload struct {
	ID             int64   `json:"id,omitempty"`
	WarehouseID    int64   `json:"warehouse_id"`
	WarehouseName  string  `json:"warehouse_name"`
	DateFrom       string  `json:"date_from"`
	DateTo         string  `json:"date_to"`
	MaxCoefficient float64 `json:"max_coefficient"`
	SupplyType     string  `json:"supply_type"`
	DeliveryType   string  `json:"delivery_type"`
	Mode           string  `json:"mode"`
	CadenceSec     int     `json:"cadence_seconds"`
	Active         bool    `json:"active,omitempty"`
	Paused         bool    `json:"paused,omitempty"`
	SlotsFound     int64   `json:"slots_found,omitempty"`
}

func taskToPayload(t tasks.Task) taskPayload {
	return taskPayload{
		ID:             t.ID,
		WarehouseID:    t.WarehouseID,
		WarehouseName:  t.WarehouseName,
		DateFrom:       t.DateFrom.Format("2006-01-02"),
		DateTo:         t.DateTo.Format("2006-01-02"),
		MaxCoefficient: t.MaxCoefficient,
		SupplyType:     t.SupplyType,
		DeliveryType:   t.DeliveryType,
		Mode:           t.Mode,
		CadenceSec:     t.CadenceSec,
		Active:         t.Active,
		Paused:         t.Paused,
		SlotsFound:     t.SlotsFound,
	}
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	ts, err := s.Tasks.ListByUser(r.Context(), uid)
	if err != nil {
		serverError(w, err)
		return
	}
	out := make([]taskPayload, 0, len(ts))
	for _, t := range ts {
		out = append(out, taskToPayload(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	var req taskPayload
	if !readJSON(w, r, &req) {
		return
	}

	dateFrom, err := time.Parse("2006-01-02", req.DateFrom)
	if err != nil {
		writeError(w, http.StatusBadRequest, "date_from must be YYYY-MM-DD")
		return
	}
	dateTo, err := time.Parse("2006-01-02", req.DateTo)
	if err != nil {
		writeError(w, http.StatusBadRequest, "date_to must be YYYY-MM-DD")
		return
	}

	t := tasks.Task{
		UserID:         uid,
		WarehouseID:    req.WarehouseID,
		WarehouseName:  req.WarehouseName,
		DateFrom:       dateFrom,
		DateTo:         dateTo,
		MaxCoefficient: req.MaxCoefficient,
		SupplyType:     req.SupplyType,
		DeliveryType:   req.DeliveryType,
		Mode:           req.Mode,
		CadenceSec:     req.CadenceSec,
	}
	id, err := s.Engine.SubmitTask(r.Context(), t)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

// ownTask loads the task and enforces ownership, writing the error
// response itself on failure.
func (s *Server) ownTask(w http.ResponseWriter, r *http.Request) (tasks.Task, bool) {
	uid, _ := auth.UserIDFromContext(r.Context())
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return tasks.Task{}, false
	}
	t, err := s.Tasks.GetByIDForUser(r.Context(), id, uid)
	if db.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "task not found")
		return tasks.Task{}, false
	}
	if err != nil {
		serverError(w, err)
		return tasks.Task{}, false
	}
	return t, true
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	t, ok := s.ownTask(w, r)
	if !ok {
		return
	}
	st, err := s.Engine.Status(r.Context(), t.ID)
	if err != nil {
		serverError(w, err)
		return
	}

	resp := struct {
		Task         taskPayload     `json:"task"`
		LastPoll     *time.Time      `json:"last_poll"`
		LastResult   *bookingPayload `json:"last_result"`
		ActiveClaims int             `json:"active_claims"`
	}{
		Task:         taskToPayload(st.Task),
		LastPoll:     st.LastPoll,
		ActiveClaims: st.ActiveClaims,
	}
	if st.LastResult != nil {
		p := bookingToPayload(st.LastResult)
		resp.LastResult = &p
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTaskPause(w http.ResponseWriter, r *http.Request) {
	t, ok := s.ownTask(w, r)
	if !ok {
		return
	}
	if err := s.Engine.PauseTask(r.Context(), t.ID); err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleTaskResume(w http.ResponseWriter, r *http.Request) {
	t, ok := s.ownTask(w, r)
	if !ok {
		return
	}
	if err := s.Engine.ResumeTask(r.Context(), t.ID); err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleTaskDelete(w http.ResponseWriter, r *http.Request) {
	t, ok := s.ownTask(w, r)
	if !ok {
		return
	}
	if err := s.Engine.CancelTask(r.Context(), t.ID); err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleKeyList(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	keys, err := s.Vault.List(r.Context(), uid)
	if err != nil {
		serverError(w, err)
		return
	}
	type keyPayload struct {
		ID          int64      `json:"id"`
		Name        string     `json:"name"`
		Valid       bool       `json:"valid"`
		LastChecked *time.Time `json:"last_checked"`
	}
	out := make([]keyPayload, 0, len(keys))
	for _, k := range keys {
		out = append(out, keyPayload{ID: k.ID, Name: k.Name, Valid: k.Valid, LastChecked: k.LastChecked})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleKeyAdd(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	var req struct {
		Name   string `json:"name"`
		Secret string `json:"secret"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	id, err := s.Vault.Add(r.Context(), uid, strings.TrimSpace(req.Name), req.Secret)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.Engine.RefreshPool(uid)
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) handleKeyRemove(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid key id")
		return
	}
	if err := s.Vault.Remove(r.Context(), uid, id); err != nil {
		serverError(w, err)
		return
	}
	s.Engine.RefreshPool(uid)
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

type bookingPayload struct {
	ID          string     `json:"id"`
	TaskID      int64      `json:"task_id"`
	WarehouseID int64      `json:"warehouse_id"`
	Date        string     `json:"date"`
	Slot        string     `json:"slot"`
	Coefficient float64    `json:"coefficient"`
	Status      string     `json:"status"`
	ExternalID  string     `json:"external_id,omitempty"`
	Error       string     `json:"error,omitempty"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
}

func bookingToPayload(res *booking.Result) bookingPayload {
	return bookingPayload{
		ID:          res.ID,
		TaskID:      res.TaskID,
		WarehouseID: res.WarehouseID,
		Date:        res.Date.Format("2006-01-02"),
		Slot:        res.Slot,
		Coefficient: res.Coefficient,
		Status:      string(res.Status),
		ExternalID:  res.ExternalID,
		Error:       res.Error,
		ConfirmedAt: res.ConfirmedAt,
	}
}

func (s *Server) handleBookingHistory(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be 1-500")
			return
		}
		limit = n
	}
	results, err := s.Results.ListByUser(r.Context(), uid, limit)
	if err != nil {
		serverError(w, err)
		return
	}
	out := make([]bookingPayload, 0, len(results))
	for _, res := range results {
		out = append(out, bookingToPayload(res))
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[web] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func serverError(w http.ResponseWriter, err error) {
	log.Printf("[web] internal error: %v", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
