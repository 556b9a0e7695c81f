package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"workchain/crypto"
	nativeescrow "workchain/native/escrow"
	sdkescrow "workchain/sdk/escrow"
	"workchain/services/marketplace/auth"
	"workchain/services/marketplace/models"
)

// JobReader reads canonical job state from the ledger.
type JobReader interface {
	Job(ctx context.Context, jobID uint64) (*nativeescrow.Job, error)
}

// Config wires the server dependencies.
type Config struct {
	Store    *models.Store
	Reader   JobReader
	Verifier *auth.Verifier
	Logger   *slog.Logger
}

// Server is the marketplace HTTP API. It owns postings, users and
// applications; escrow state is always read from the ledger.
type Server struct {
	store    *models.Store
	reader   JobReader
	verifier *auth.Verifier
	logger   *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:    cfg.Store,
		reader:   cfg.Reader,
		verifier: cfg.Verifier,
		logger:   logger.With(slog.String("component", "marketplace")),
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.verifier.Middleware)
		api.Put("/users/me", s.PutMe)
		api.Get("/users/me", s.GetMe)
		api.Post("/postings", s.CreatePosting)
		api.Get("/postings", s.ListPostings)
		api.Get("/postings/{id}", s.GetPosting)
		api.Delete("/postings/{id}", s.DeletePosting)
		api.Post("/postings/{id}/applications", s.Apply)
		api.Get("/postings/{id}/applications", s.ListApplications)
		api.Post("/postings/{id}/applications/{appID}/accept", s.Accept)
		api.Post("/postings/{id}/job", s.LinkJob)
		api.Get("/postings/{id}/actions", s.Actions)
	})
	return r
}

// cleanText trims and NFC-normalizes user supplied text so visually equal
// strings compare and index equal.
func cleanText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

type meRequest struct {
	Handle string `json:"handle"`
}

// PutMe registers the caller or updates its handle. The ledger address
// always comes from the session.
func (s *Server) PutMe(w http.ResponseWriter, r *http.Request) {
	session := s.session(r)
	var req meRequest
	if !s.decode(w, r, &req) {
		return
	}
	handle := cleanText(req.Handle)
	if handle == "" || utf8.RuneCountInString(handle) > 64 || !utf8.ValidString(handle) {
		s.writeError(w, http.StatusBadRequest, "handle must be 1-64 characters")
		return
	}
	user := &models.User{ID: session.UserID, Handle: handle, Address: crypto.FormatAddress(session.Address)}
	if err := s.store.UpsertUser(r.Context(), user); err != nil {
		s.handleStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, user)
}

func (s *Server) GetMe(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.User(r.Context(), s.session(r).UserID)
	if err != nil {
		s.handleStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, user)
}

type postingRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Milestones  []string `json:"milestones"`
}

func (s *Server) CreatePosting(w http.ResponseWriter, r *http.Request) {
	session := s.session(r)
	var req postingRequest
	if !s.decode(w, r, &req) {
		return
	}
	title, description := cleanText(req.Title), cleanText(req.Description)
	if title == "" {
		s.writeError(w, http.StatusBadRequest, "title required")
		return
	}
	if !utf8.ValidString(title) || !utf8.ValidString(description) {
		s.writeError(w, http.StatusBadRequest, "title and description must be valid UTF-8")
		return
	}
	if len(req.Milestones) == 0 {
		s.writeError(w, http.StatusBadRequest, "at least one milestone required")
		return
	}
	for _, amount := range req.Milestones {
		v, ok := new(big.Int).SetString(strings.TrimSpace(amount), 10)
		if !ok || v.Sign() <= 0 {
			s.writeError(w, http.StatusBadRequest, "milestone amounts must be positive integers")
			return
		}
	}
	if _, err := s.store.User(r.Context(), session.UserID); err != nil {
		s.handleStoreError(w, err)
		return
	}
	posting := &models.Posting{
		ClientID:    session.UserID,
		Title:       title,
		Description: description,
		Milestones:  req.Milestones,
	}
	if err := s.store.CreatePosting(r.Context(), posting); err != nil {
		s.handleStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, posting)
}

func (s *Server) ListPostings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.PostingFilter{Status: models.PostingStatus(strings.ToUpper(q.Get("status")))}
	if raw := q.Get("client"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid client id")
			return
		}
		filter.ClientID = id
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	postings, err := s.store.ListPostings(r.Context(), filter)
	if err != nil {
		s.handleStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, postings)
}

func (s *Server) GetPosting(w http.ResponseWriter, r *http.Request) {
	posting, ok := s.loadPosting(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, posting)
}

func (s *Server) DeletePosting(w http.ResponseWriter, r *http.Request) {
	posting, ok := s.loadPosting(w, r)
	if !ok {
		return
	}
	if posting.ClientID != s.session(r).UserID {
		s.writeError(w, http.StatusForbidden, "only the posting owner may delete it")
		return
	}
	if err := s.store.DeletePosting(r.Context(), posting.ID); err != nil {
		s.handleStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type applyRequest struct {
	Pitch string `json:"pitch"`
}

func (s *Server) Apply(w http.ResponseWriter, r *http.Request) {
	session := s.session(r)
	postingID, ok := s.urlID(w, r, "id")
	if !ok {
		return
	}
	var req applyRequest
	if !s.decode(w, r, &req) {
		return
	}
	if _, err := s.store.User(r.Context(), session.UserID); err != nil {
		s.handleStoreError(w, err)
		return
	}
	app := &models.Application{PostingID: postingID, FreelancerID: session.UserID, Pitch: req.Pitch}
	if err := s.store.CreateApplication(r.Context(), app); err != nil {
		s.handleStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, app)
}

func (s *Server) ListApplications(w http.ResponseWriter, r *http.Request) {
	posting, ok := s.loadPosting(w, r)
	if !ok {
		return
	}
	apps, err := s.store.Applications(r.Context(), posting.ID)
	if err != nil {
		s.handleStoreError(w, err)
		return
	}
	caller := s.session(r).UserID
	if posting.ClientID != caller {
		// Freelancers only see their own application.
		own := apps[:0]
		for _, app := range apps {
			if app.FreelancerID == caller {
				own = append(own, app)
			}
		}
		apps = own
	}
	s.writeJSON(w, http.StatusOK, apps)
}

func (s *Server) Accept(w http.ResponseWriter, r *http.Request) {
	posting, ok := s.loadPosting(w, r)
	if !ok {
		return
	}
	appID, ok := s.urlID(w, r, "appID")
	if !ok {
		return
	}
	if posting.ClientID != s.session(r).UserID {
		s.writeError(w, http.StatusForbidden, "only the posting owner may accept applications")
		return
	}
	updated, err := s.store.AcceptApplication(r.Context(), posting.ID, appID)
	if err != nil {
		s.handleStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

type linkJobRequest struct {
	JobID uint64 `json:"jobId"`
}

// LinkJob attaches the ledger job the client funded for the posting. The
// job is checked against the ledger: parties and milestone amounts must match
// what the posting agreed.
func (s *Server) LinkJob(w http.ResponseWriter, r *http.Request) {
	session := s.session(r)
	posting, ok := s.loadPosting(w, r)
	if !ok {
		return
	}
	var req linkJobRequest
	if !s.decode(w, r, &req) {
		return
	}
	if posting.ClientID != session.UserID {
		s.writeError(w, http.StatusForbidden, "only the posting owner may link a job")
		return
	}
	if posting.FreelancerID == nil {
		s.writeError(w, http.StatusConflict, "no accepted application")
		return
	}
	freelancer, err := s.store.User(r.Context(), *posting.FreelancerID)
	if err != nil {
		s.handleStoreError(w, err)
		return
	}
	job, err := s.reader.Job(r.Context(), req.JobID)
	if err != nil {
		s.handleLedgerError(w, err)
		return
	}
	if msg := matchJob(job, posting, session.Address, freelancer.Address); msg != "" {
		s.writeError(w, http.StatusConflict, msg)
		return
	}
	updated, err := s.store.LinkJob(r.Context(), posting.ID, req.JobID)
	if err != nil {
		s.handleStoreError(w, err)
		return
	}
	s.logger.Info("posting funded", slog.String("posting", posting.ID.String()), slog.Uint64("jobId", req.JobID))
	s.writeJSON(w, http.StatusOK, updated)
}

func matchJob(job *nativeescrow.Job, posting *models.Posting, client [20]byte, freelancer string) string {
	if job.Client != client {
		return "job client does not match the caller"
	}
	if crypto.FormatAddress(job.Freelancer) != freelancer {
		return "job freelancer does not match the accepted application"
	}
	if !job.Active {
		return "job is not active"
	}
	if len(job.Milestones) != len(posting.Milestones) {
		return "job milestones do not match the posting"
	}
	for i, ms := range job.Milestones {
		want, _ := new(big.Int).SetString(strings.TrimSpace(posting.Milestones[i]), 10)
		if want == nil || ms.Amount == nil || ms.Amount.Cmp(want) != 0 {
			return "job milestones do not match the posting"
		}
	}
	return ""
}

type actionsResponse struct {
	JobID     uint64             `json:"jobId"`
	Role      sdkescrow.Role     `json:"role"`
	Milestone *uint64            `json:"milestone,omitempty"`
	Status    string             `json:"status"`
	Actions   []sdkescrow.Action `json:"actions"`
}

// Actions reports what the caller may do on the posting's ledger job.
func (s *Server) Actions(w http.ResponseWriter, r *http.Request) {
	session := s.session(r)
	posting, ok := s.loadPosting(w, r)
	if !ok {
		return
	}
	if posting.JobID == nil {
		s.writeError(w, http.StatusConflict, "posting has no ledger job")
		return
	}
	job, err := s.reader.Job(r.Context(), *posting.JobID)
	if err != nil {
		s.handleLedgerError(w, err)
		return
	}
	if !job.Active && posting.Status != models.PostingClosed {
		if err := s.store.ClosePosting(r.Context(), posting.ID); err != nil {
			s.logger.Warn("close posting failed", slog.String("posting", posting.ID.String()), slog.Any("error", err))
		}
	}
	current := job.Current()
	resp := actionsResponse{
		JobID:   job.ID,
		Role:    sdkescrow.RoleOf(session.Address, job),
		Status:  job.Status.String(),
		Actions: sdkescrow.PermittedActions(session.Address, job, current).Sorted(),
	}
	if current != nil {
		idx := current.Index
		resp.Milestone = &idx
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) session(r *http.Request) *auth.Session {
	session, _ := auth.SessionFrom(r.Context())
	return session
}

func (s *Server) urlID(w http.ResponseWriter, r *http.Request, key string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, key))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid "+key)
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) loadPosting(w http.ResponseWriter, r *http.Request) (*models.Posting, bool) {
	id, ok := s.urlID(w, r, "id")
	if !ok {
		return nil, false
	}
	posting, err := s.store.Posting(r.Context(), id)
	if err != nil {
		s.handleStoreError(w, err)
		return nil, false
	}
	return posting, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func (s *Server) handleStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, models.ErrConflict):
		s.writeError(w, http.StatusConflict, "conflicting state")
	default:
		s.logger.Error("store failure", slog.Any("error", err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleLedgerError(w http.ResponseWriter, err error) {
	if errors.Is(err, nativeescrow.ErrJobNotFound) {
		s.writeError(w, http.StatusNotFound, "ledger job not found")
		return
	}
	s.logger.Warn("ledger read failed", slog.Any("error", err))
	s.writeError(w, http.StatusBadGateway, "ledger unavailable")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response", slog.Any("error", err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
