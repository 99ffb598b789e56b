package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/bzinkan/pass-pilot-sub000/internal/auth"
	"github.com/bzinkan/pass-pilot-sub000/internal/config"
	"github.com/bzinkan/pass-pilot-sub000/internal/pass"
	"github.com/bzinkan/pass-pilot-sub000/internal/scheduler"
)

type Server struct {
	cfg      config.Config
	svc      *pass.Service
	sched    *scheduler.Scheduler
	redis    *redis.Client
	cacheTTL time.Duration
}

func NewServer(cfg config.Config, svc *pass.Service, sched *scheduler.Scheduler, redisClient *redis.Client) *Server {
	return &Server{
		cfg:      cfg,
		svc:      svc,
		sched:    sched,
		redis:    redisClient,
		cacheTTL: cfg.ActiveCacheTTL,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/passes", s.handleIssuePass)
		r.Get("/passes", s.handleListHistory)
		r.Get("/passes/active", s.handleListActive)
		r.Get("/passes/{passId}", s.handleGetPass)
		r.Put("/passes/{passId}/return", s.handleReturnPass)
		r.Put("/passes/{passId}/revoke", s.handleRevokePass)
		r.Put("/passes/{passId}/expire", s.handleExpirePass)
		r.Delete("/passes/{passId}", s.handleDeletePass)
		r.Get("/reset/status", s.handleResetStatus)
		r.Post("/admin/reset", s.handleManualReset)
	})

	return r
}

// Auth

type claimsKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := auth.ParseToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		if !claims.Staff() || claims.SchoolID == "" {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

// Models

type issuePassRequest struct {
	StudentID         string `json:"studentId"`
	PassType          string `json:"passType"`
	Type              string `json:"type"` // legacy client field, same meaning
	CustomReason      string `json:"customReason"`
	CustomDestination string `json:"customDestination"` // legacy alias of customReason
	ExpiresInMinutes  int    `json:"expiresInMinutes"`
}

type passResponse struct {
	ID              string `json:"id"`
	SchoolID        string `json:"schoolId"`
	StudentID       string `json:"studentId"`
	TeacherID       string `json:"teacherId"`
	PassType        string `json:"passType"`
	CustomReason    string `json:"customReason,omitempty"`
	Status          string `json:"status"`
	IssuedAt        int64  `json:"issuedAt"`
	ReturnedAt      int64  `json:"returnedAt,omitempty"`
	DurationMinutes int    `json:"durationMinutes"`
	ExpiresAt       int64  `json:"expiresAt,omitempty"`
}

type activePassResponse struct {
	passResponse
	StudentFirstName string `json:"studentFirstName"`
	StudentLastName  string `json:"studentLastName"`
	GradeID          string `json:"gradeId,omitempty"`
}

type resetStatusResponse struct {
	Hours   int `json:"hours"`
	Minutes int `json:"minutes"`
}

// Handlers

func (s *Server) handleIssuePass(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	var req issuePassRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	typeValue := req.PassType
	if typeValue == "" {
		typeValue = req.Type
	}
	reason := req.CustomReason
	if reason == "" {
		reason = req.CustomDestination
	}
	if req.StudentID == "" || typeValue == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}
	if _, err := uuid.Parse(req.StudentID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_student_id")
		return
	}
	passType, err := pass.ParseType(typeValue)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_pass_type")
		return
	}

	created, err := s.svc.Issue(r.Context(), pass.IssueInput{
		SchoolID:         claims.SchoolID,
		StudentID:        req.StudentID,
		TeacherID:        claims.UserID,
		Type:             passType,
		CustomReason:     reason,
		ExpiresInMinutes: req.ExpiresInMinutes,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.InvalidateActiveCache(r.Context(), claims.SchoolID)
	writeJSON(w, http.StatusOK, mapPass(created))
}

func (s *Server) handleGetPass(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	passID, ok := passIDParam(w, r)
	if !ok {
		return
	}
	p, err := s.svc.Get(r.Context(), passID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if p.SchoolID != claims.SchoolID {
		writeError(w, http.StatusNotFound, "pass_not_found")
		return
	}
	writeJSON(w, http.StatusOK, mapPass(p))
}

func (s *Server) handleReturnPass(w http.ResponseWriter, r *http.Request) {
	s.transitionPass(w, r, false, s.svc.Return)
}

func (s *Server) handleRevokePass(w http.ResponseWriter, r *http.Request) {
	s.transitionPass(w, r, true, s.svc.Revoke)
}

func (s *Server) handleExpirePass(w http.ResponseWriter, r *http.Request) {
	s.transitionPass(w, r, true, s.svc.Expire)
}

func (s *Server) transitionPass(w http.ResponseWriter, r *http.Request, adminOnly bool, fn func(context.Context, string) (pass.Pass, error)) {
	claims := claimsFromContext(r.Context())
	if adminOnly && !claims.Admin() {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	passID, ok := passIDParam(w, r)
	if !ok {
		return
	}
	existing, err := s.svc.Get(r.Context(), passID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if existing.SchoolID != claims.SchoolID {
		writeError(w, http.StatusNotFound, "pass_not_found")
		return
	}
	updated, err := fn(r.Context(), passID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.InvalidateActiveCache(r.Context(), claims.SchoolID)
	writeJSON(w, http.StatusOK, mapPass(updated))
}

func (s *Server) handleDeletePass(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if !claims.Admin() {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	passID, ok := passIDParam(w, r)
	if !ok {
		return
	}
	existing, err := s.svc.Get(r.Context(), passID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if existing.SchoolID != claims.SchoolID {
		writeError(w, http.StatusNotFound, "pass_not_found")
		return
	}
	if err := s.svc.Delete(r.Context(), passID); err != nil {
		writeDomainError(w, err)
		return
	}
	s.InvalidateActiveCache(r.Context(), claims.SchoolID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListActive(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	filter := pass.ActiveFilter{
		TeacherID: r.URL.Query().Get("teacherId"),
		GradeID:   gradeParam(r),
	}
	unfiltered := filter.TeacherID == "" && filter.GradeID == ""

	if unfiltered {
		if cached, ok := s.loadActiveCache(r.Context(), claims.SchoolID); ok {
			writeJSON(w, http.StatusOK, mapActivePasses(cached, time.Now().UTC()))
			return
		}
	}

	rows, err := s.svc.ListActive(r.Context(), claims.SchoolID, filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if unfiltered {
		s.storeActiveCache(r.Context(), claims.SchoolID, rows)
	}
	writeJSON(w, http.StatusOK, mapActivePasses(rows, time.Now().UTC()))
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	filter := pass.HistoryFilter{
		GradeID:   gradeParam(r),
		TeacherID: r.URL.Query().Get("teacherId"),
	}
	if raw := r.URL.Query().Get("passType"); raw != "" {
		passType, err := pass.ParseType(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_pass_type")
			return
		}
		filter.PassType = passType
	}
	var err error
	if filter.DateStart, err = parseDateParam(r, "dateStart", false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date_start")
		return
	}
	if filter.DateEnd, err = parseDateParam(r, "dateEnd", true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date_end")
		return
	}

	rows, err := s.svc.ListHistory(r.Context(), claims.SchoolID, filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := make([]passResponse, 0, len(rows))
	for _, p := range rows {
		resp = append(resp, mapPass(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResetStatus(w http.ResponseWriter, r *http.Request) {
	hours, minutes := s.sched.TimeUntilNextReset()
	writeJSON(w, http.StatusOK, resetStatusResponse{Hours: hours, Minutes: minutes})
}

func (s *Server) handleManualReset(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if !claims.Admin() {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	count, err := s.sched.ManualReset(r.Context(), claims.SchoolID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.InvalidateActiveCache(r.Context(), claims.SchoolID)
	writeJSON(w, http.StatusOK, map[string]int{"returnedCount": count})
}

// Active-list cache. Redis only speeds up the unfiltered dashboard read;
// it is never authoritative and every mutation invalidates it. Durations
// are re-derived from issuedAt on render so cached entries stay live.

func (s *Server) loadActiveCache(ctx context.Context, schoolID string) ([]pass.ActivePass, bool) {
	if s.redis == nil {
		return nil, false
	}
	value, err := s.redis.Get(ctx, activeCacheKey(schoolID)).Result()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		log.Printf("active cache read failed: %v", err)
		return nil, false
	}
	var rows []pass.ActivePass
	if err := json.Unmarshal([]byte(value), &rows); err != nil {
		return nil, false
	}
	return rows, true
}

func (s *Server) storeActiveCache(ctx context.Context, schoolID string, rows []pass.ActivePass) {
	if s.redis == nil || s.cacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, activeCacheKey(schoolID), data, s.cacheTTL).Err(); err != nil {
		log.Printf("active cache write failed: %v", err)
	}
}

// InvalidateActiveCache drops the cached active list for one school. Every
// pass mutation calls it, including the nightly sweep via scheduler.OnReset.
func (s *Server) InvalidateActiveCache(ctx context.Context, schoolID string) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Del(ctx, activeCacheKey(schoolID)).Err(); err != nil {
		log.Printf("active cache invalidation failed: %v", err)
	}
}

func activeCacheKey(schoolID string) string {
	return fmt.Sprintf("active_passes:%s", schoolID)
}

// Mapping helpers

func mapPass(p pass.Pass) passResponse {
	resp := passResponse{
		ID:              p.ID,
		SchoolID:        p.SchoolID,
		StudentID:       p.StudentID,
		TeacherID:       p.TeacherID,
		PassType:        string(p.Type),
		CustomReason:    p.CustomReason,
		Status:          string(p.Status),
		IssuedAt:        p.IssuedAt.Unix(),
		DurationMinutes: p.DurationMinutes,
	}
	if p.ReturnedAt != nil {
		resp.ReturnedAt = p.ReturnedAt.Unix()
	}
	if p.ExpiresAt != nil {
		resp.ExpiresAt = p.ExpiresAt.Unix()
	}
	return resp
}

func mapActivePasses(rows []pass.ActivePass, now time.Time) []activePassResponse {
	resp := make([]activePassResponse, 0, len(rows))
	for _, row := range rows {
		entry := activePassResponse{
			passResponse:     mapPass(row.Pass),
			StudentFirstName: row.StudentFirstName,
			StudentLastName:  row.StudentLastName,
			GradeID:          row.GradeID,
		}
		entry.DurationMinutes = pass.DurationMinutes(row.IssuedAt, now)
		resp = append(resp, entry)
	}
	return resp
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pass.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_failed")
	case errors.Is(err, pass.ErrNotFound):
		writeError(w, http.StatusNotFound, "pass_not_found")
	case errors.Is(err, pass.ErrAlreadyOut):
		writeError(w, http.StatusConflict, "student_already_out")
	case errors.Is(err, pass.ErrAlreadyReturned):
		writeError(w, http.StatusConflict, "pass_already_returned")
	case errors.Is(err, pass.ErrNotOut):
		writeError(w, http.StatusConflict, "pass_not_active")
	default:
		writeError(w, http.StatusInternalServerError, "server_error")
	}
}

// Utilities

func passIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	passID := chi.URLParam(r, "passId")
	if _, err := uuid.Parse(passID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_pass_id")
		return "", false
	}
	return passID, true
}

func gradeParam(r *http.Request) string {
	if value := r.URL.Query().Get("grade"); value != "" {
		return value
	}
	return r.URL.Query().Get("gradeId")
}

// parseDateParam accepts RFC 3339 timestamps or bare dates. A bare
// dateEnd bounds the whole day, so it resolves to 23:59:59.
func parseDateParam(r *http.Request, key string, endOfDay bool) (*time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil, nil
	}
	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		utc := parsed.UTC()
		return &utc, nil
	}
	parsed, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		parsed = parsed.Add(24*time.Hour - time.Second)
	}
	return &parsed, nil
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// decodeJSON ignores unknown keys: older clients send fields this service
// never consumed and those requests must keep working.
func decodeJSON(r *http.Request, out interface{}) error {
	return json.NewDecoder(r.Body).Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
