package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"boilermate/api/internal/auth"
	"boilermate/api/internal/merge"
	"boilermate/api/internal/metrics"
	"boilermate/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	devLogin   bool
	log        *zap.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, devLogin bool, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, devLogin: devLogin, log: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found.")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed.")
	})

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Handle("/metrics", metrics.Handler())

	if s.devLogin {
		r.Post("/api/session/login", s.handleLogin)
	}

	r.Group(func(pr chi.Router) {
		pr.Use(s.requireSession)
		pr.Post("/api/session/logout", s.handleLogout)
		pr.Route("/api/merge-requests", func(mr chi.Router) {
			mr.Post("/", s.handleOpenMergeRequest)
			mr.Get("/sent", s.handleSentMergeRequests)
			mr.Get("/received", s.handleReceivedMergeRequests)
			mr.Get("/{mergeRequestID}", s.handleGetMergeRequest)
			mr.Post("/{mergeRequestID}/votes", s.handleVote)
			mr.Post("/{mergeRequestID}/finalize", s.handleFinalize)
		})
	})

	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, err := range s.service.Ping(ctx) {
		if err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"userId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	session, err := s.service.Login(r.Context(), body.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"token":     session.Token,
		"userId":    session.UserID,
		"expiresAt": session.ExpiresAt.Unix(),
	})
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Logout(r.Context(), sessionFrom(r.Context())); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleOpenMergeRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CounterpartUserID string `json:"counterpartUserId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	request, err := s.service.OpenMergeRequest(r.Context(), sessionFrom(r.Context()), body.CounterpartUserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"ok":             true,
		"mergeRequestId": request.ID,
		"status":         request.Status,
	})
}

func (s *HTTPServer) handleVote(w http.ResponseWriter, r *http.Request) {
	id, ok := mergeRequestID(w, r)
	if !ok {
		return
	}
	var body struct {
		Approved *bool `json:"approved"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Approved == nil {
		writeError(w, http.StatusBadRequest, "approved is required.")
		return
	}
	result, err := s.service.Vote(r.Context(), sessionFrom(r.Context()), id, *body.Approved)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, voteResultPayload(result))
}

func (s *HTTPServer) handleFinalize(w http.ResponseWriter, r *http.Request) {
	id, ok := mergeRequestID(w, r)
	if !ok {
		return
	}
	result, err := s.service.Finalize(r.Context(), sessionFrom(r.Context()), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, voteResultPayload(result))
}

func (s *HTTPServer) handleGetMergeRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := mergeRequestID(w, r)
	if !ok {
		return
	}
	detail, err := s.service.MergeRequest(r.Context(), sessionFrom(r.Context()), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":           true,
		"mergeRequest": detailPayload(detail),
	})
}

func (s *HTTPServer) handleSentMergeRequests(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.SentMergeRequests(r.Context(), sessionFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "mergeRequests": summariesPayload(items)})
}

func (s *HTTPServer) handleReceivedMergeRequests(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ReceivedMergeRequests(r.Context(), sessionFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "mergeRequests": summariesPayload(items)})
}

func voteResultPayload(result merge.VoteResult) map[string]any {
	payload := map[string]any{
		"ok":             true,
		"mergeRequestId": result.Request.ID,
		"status":         result.Status,
		"previousStatus": result.Previous,
	}
	if f := result.Finalization; f != nil {
		payload["finalization"] = map[string]any{
			"survivingGroupId": f.SurvivingGroupID,
			"absorbedGroupId":  f.AbsorbedGroupID,
			"movedMembers":     f.MovedMembers,
		}
	}
	return payload
}

func detailPayload(detail merge.Detail) map[string]any {
	request := detail.Request
	approvals := make(map[string]any, len(detail.Approvals))
	for side, votes := range detail.Approvals {
		items := make([]map[string]any, 0, len(votes))
		for _, vote := range votes {
			items = append(items, map[string]any{
				"userId":    vote.ApproverUserID,
				"approved":  vote.Approved,
				"createdAt": vote.CreatedAt,
			})
		}
		approvals[string(side)] = items
	}
	return map[string]any{
		"id":              request.ID,
		"initiatorUserId": request.InitiatorUserID,
		"receiverUserId":  request.ReceiverUserID,
		"sourceGroupId":   request.SourceGroupID,
		"targetGroupId":   request.TargetGroupID,
		"status":          request.Status,
		"sourceSnapshot":  request.SourceSnapshot,
		"targetSnapshot":  request.TargetSnapshot,
		"approvals":       approvals,
		"createdAt":       request.CreatedAt,
		"updatedAt":       request.UpdatedAt,
	}
}

func summariesPayload(items []store.MergeRequestSummary) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, map[string]any{
			"mergeRequestId": item.MergeRequestID,
			"status":         item.Status,
			"user": map[string]any{
				"id":          item.UserID,
				"name":        item.UserName,
				"countryCode": item.Profile.CountryCode,
				"schoolCode":  item.Profile.SchoolCode,
				"classYear":   item.Profile.ClassYear,
				"bio":         item.Profile.Bio,
			},
			"rating":    item.Rating,
			"groupName": item.GroupName,
			"createdAt": item.CreatedAt,
		})
	}
	return out
}

// fail reports err to the caller. Unexpected errors are logged with the
// request id and replaced by a generic message.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, message, internal := mapError(err)
	if internal {
		s.log.Error("request failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, message)
}

func mergeRequestID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "mergeRequestID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid merge request id.")
		return 0, false
	}
	return id, true
}

type sessionKey struct{}

func sessionFrom(ctx context.Context) Session {
	session, _ := ctx.Value(sessionKey{}).(Session)
	return session
}

func (s *HTTPServer) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			writeError(w, errUnauthenticated.Status, errUnauthenticated.Message)
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, session)))
	})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.log.Info("http request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	requestID, _ := ctx.Value(requestIDKey{}).(string)
	return requestID
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"ok":      false,
		"code":    status,
		"message": message,
	})
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}
