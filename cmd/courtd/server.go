package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"courtbot/court"
	"courtbot/lawsuit"
	"courtbot/prison"
	"courtbot/scheduler"
)

const maxBodyBytes = 64 << 10

// maxWindowSeconds is the largest window that still fits a time.Duration.
const maxWindowSeconds = int64(math.MaxInt64 / int64(time.Second))

type caseService interface {
	FileCase(ctx context.Context, cmd scheduler.FileCaseCommand) (scheduler.FileResult, error)
	CastVote(ctx context.Context, cmd scheduler.CastVoteCommand) (scheduler.VoteResult, error)
	TimerFired(ctx context.Context, caseID string) error
	CancelCase(ctx context.Context, caseID string) (court.Case, error)
	CloseNow(ctx context.Context, caseID string) (court.Case, error)
	Case(ctx context.Context, caseID string) (scheduler.CaseView, error)
	Cases(ctx context.Context, filter lawsuit.Filter) ([]court.Case, error)
	Votes(ctx context.Context, caseID string) ([]court.Vote, error)
}

type prisonService interface {
	Arrest(ctx context.Context, guildID, userID, reason string) (prison.Entry, error)
	Release(ctx context.Context, guildID, userID string) error
	List(ctx context.Context, guildID string) ([]prison.Entry, error)
	IsImprisoned(ctx context.Context, guildID, userID string) (bool, error)
}

type Server struct {
	caseService   caseService
	prisonService prisonService
	limiter       *voteLimiter
	logger        *slog.Logger
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/cases", s.handleCases)
	mux.HandleFunc("/api/cases/", s.handleCase)
	mux.HandleFunc("/api/prison", s.handlePrison)
	mux.HandleFunc("/api/prison/", s.handlePrisoner)
	mux.HandleFunc("/api/prison/arrest", s.handleArrest)
	mux.HandleFunc("/api/prison/release", s.handleRelease)
	return mux
}

type policyRequest struct {
	Quorum             *int     `json:"quorum"`
	Threshold          *float64 `json:"threshold"`
	EarlyCloseOnQuorum *bool    `json:"earlyCloseOnQuorum"`
}

type fileCaseRequest struct {
	CaseID        string         `json:"caseId"`
	GuildID       string         `json:"guildId"`
	Subject       string         `json:"subject"`
	Filer         string         `json:"filer"`
	Reason        string         `json:"reason"`
	WindowSeconds int64          `json:"windowSeconds"`
	Policy        *policyRequest `json:"policy"`
}

type voteRequest struct {
	Voter  string `json:"voter"`
	Choice string `json:"choice"`
}

type prisonRequest struct {
	GuildID string `json:"guildId"`
	UserID  string `json:"userId"`
	Reason  string `json:"reason"`
}

type tallyResponse struct {
	Guilty    int `json:"guilty"`
	NotGuilty int `json:"notGuilty"`
	Abstain   int `json:"abstain"`
}

type caseResponse struct {
	ID            string         `json:"id"`
	GuildID       string         `json:"guildId,omitempty"`
	Subject       string         `json:"subject"`
	Filer         string         `json:"filer"`
	Reason        string         `json:"reason,omitempty"`
	State         string         `json:"state"`
	Verdict       string         `json:"verdict,omitempty"`
	Policy        court.Policy   `json:"policy"`
	WindowSeconds int64          `json:"windowSeconds"`
	CreatedAt     string         `json:"createdAt"`
	Deadline      string         `json:"deadline"`
	ClosedAt      string         `json:"closedAt,omitempty"`
	Tally         *tallyResponse `json:"tally,omitempty"`
	Replayed      bool           `json:"replayed,omitempty"`
}

type voteResponse struct {
	CaseID   string        `json:"caseId"`
	Voter    string        `json:"voter"`
	Choice   string        `json:"choice"`
	Previous string        `json:"previous,omitempty"`
	Tally    tallyResponse `json:"tally"`
	Closed   bool          `json:"closed"`
	Case     caseResponse  `json:"case"`
}

type ballotResponse struct {
	Voter  string `json:"voter"`
	Choice string `json:"choice"`
	CastAt string `json:"castAt"`
}

type prisonerResponse struct {
	GuildID    string `json:"guildId"`
	UserID     string `json:"userId"`
	Imprisoned bool   `json:"imprisoned"`
}

type prisonEntryResponse struct {
	GuildID    string `json:"guildId,omitempty"`
	UserID     string `json:"userId"`
	CaseID     string `json:"caseId,omitempty"`
	Reason     string `json:"reason,omitempty"`
	ArrestedAt string `json:"arrestedAt"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCases serves the collection: filing and listing.
func (s *Server) handleCases(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.fileCase(w, r)
	case http.MethodGet:
		s.listCases(w, r)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) fileCase(w http.ResponseWriter, r *http.Request) {
	var req fileCaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.WindowSeconds < 0 {
		writeError(w, http.StatusBadRequest, "windowSeconds must not be negative")
		return
	}
	if req.WindowSeconds > maxWindowSeconds {
		writeError(w, http.StatusBadRequest, "windowSeconds out of range")
		return
	}
	cmd := scheduler.FileCaseCommand{
		CaseID:  req.CaseID,
		GuildID: req.GuildID,
		Subject: req.Subject,
		Filer:   req.Filer,
		Reason:  req.Reason,
		Window:  time.Duration(req.WindowSeconds) * time.Second,
	}
	if req.Policy != nil {
		cmd.Policy = court.PolicyOverride{
			Quorum:             req.Policy.Quorum,
			Threshold:          req.Policy.Threshold,
			EarlyCloseOnQuorum: req.Policy.EarlyCloseOnQuorum,
		}
	}
	res, err := s.caseService.FileCase(r.Context(), cmd)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := toCaseResponse(res.Case, nil)
	resp.Replayed = res.Replayed
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (s *Server) listCases(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := lawsuit.Filter{GuildID: q.Get("guildId")}
	if raw := q.Get("state"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := court.State(strings.ToLower(strings.TrimSpace(part)))
			if !st.Valid() {
				writeError(w, http.StatusBadRequest, "unknown state "+part)
				return
			}
			filter.States = append(filter.States, st)
		}
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}
	cases, err := s.caseService.Cases(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]caseResponse, 0, len(cases))
	for _, c := range cases {
		out = append(out, toCaseResponse(c, nil))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "total": len(out)})
}

// handleCase serves /api/cases/{id} and its action sub-resources.
func (s *Server) handleCase(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/cases/"), "/")
	parts := strings.Split(rest, "/")
	if rest == "" || len(parts) > 2 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "invalid case path")
		return
	}
	caseID := parts[0]
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.getCase(w, r, caseID)
		return
	}
	if parts[1] == "votes" && r.Method == http.MethodGet {
		s.listVotes(w, r, caseID)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	switch parts[1] {
	case "votes":
		s.castVote(w, r, caseID)
	case "timer":
		if err := s.caseService.TimerFired(r.Context(), caseID); err != nil {
			s.fail(w, r, err)
			return
		}
		s.getCase(w, r, caseID)
	case "cancel":
		c, err := s.caseService.CancelCase(r.Context(), caseID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toCaseResponse(c, nil))
	case "close":
		c, err := s.caseService.CloseNow(r.Context(), caseID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toCaseResponse(c, nil))
	default:
		writeError(w, http.StatusNotFound, "unknown case action")
	}
}

func (s *Server) getCase(w http.ResponseWriter, r *http.Request, caseID string) {
	view, err := s.caseService.Case(r.Context(), caseID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(view.Case, &view.Tally))
}

func (s *Server) castVote(w http.ResponseWriter, r *http.Request, caseID string) {
	var req voteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	choice, err := court.ParseChoice(req.Choice)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.limiter.Allow(req.Voter) {
		writeError(w, http.StatusTooManyRequests, "too many votes, slow down")
		return
	}
	res, err := s.caseService.CastVote(r.Context(), scheduler.CastVoteCommand{
		CaseID: caseID,
		Voter:  req.Voter,
		Choice: choice,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, voteResponse{
		CaseID:   res.Vote.CaseID,
		Voter:    res.Vote.VoterID,
		Choice:   string(res.Vote.Choice),
		Previous: string(res.Previous),
		Tally:    toTallyResponse(res.Tally),
		Closed:   res.Closed,
		Case:     toCaseResponse(res.Case, &res.Tally),
	})
}

func (s *Server) handlePrison(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	entries, err := s.prisonService.List(r.Context(), r.URL.Query().Get("guildId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]prisonEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toPrisonResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "total": len(out)})
}

// handlePrisoner answers GET /api/prison/{guildId}/{userId} so the chat glue
// can re-apply the prison role when a member rejoins.
func (s *Server) handlePrisoner(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/prison/"), "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		writeError(w, http.StatusBadRequest, "invalid prisoner path")
		return
	}
	jailed, err := s.prisonService.IsImprisoned(r.Context(), parts[0], parts[1])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prisonerResponse{GuildID: parts[0], UserID: parts[1], Imprisoned: jailed})
}

func (s *Server) handleArrest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req prisonRequest
	if !decodeBody(w, r, &req) {
		return
	}
	entry, err := s.prisonService.Arrest(r.Context(), req.GuildID, req.UserID, req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPrisonResponse(entry))
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req prisonRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.prisonService.Release(r.Context(), req.GuildID, req.UserID); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listVotes(w http.ResponseWriter, r *http.Request, caseID string) {
	votes, err := s.caseService.Votes(r.Context(), caseID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]ballotResponse, 0, len(votes))
	for _, v := range votes {
		out = append(out, ballotResponse{
			Voter:  v.VoterID,
			Choice: string(v.Choice),
			CastAt: v.CastAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func toCaseResponse(c court.Case, tally *court.Tally) caseResponse {
	resp := caseResponse{
		ID:            c.ID,
		GuildID:       c.GuildID,
		Subject:       c.Subject,
		Filer:         c.Filer,
		Reason:        c.Reason,
		State:         string(c.State),
		Verdict:       string(c.Verdict),
		Policy:        c.Policy,
		WindowSeconds: int64(c.Window / time.Second),
		CreatedAt:     c.CreatedAt.UTC().Format(time.RFC3339),
		Deadline:      c.Deadline.UTC().Format(time.RFC3339),
	}
	if c.ClosedAt != nil {
		resp.ClosedAt = c.ClosedAt.UTC().Format(time.RFC3339)
	}
	if tally != nil {
		t := toTallyResponse(*tally)
		resp.Tally = &t
	}
	return resp
}

func toTallyResponse(t court.Tally) tallyResponse {
	return tallyResponse{Guilty: t.Guilty, NotGuilty: t.NotGuilty, Abstain: t.Abstain}
}

func toPrisonResponse(e prison.Entry) prisonEntryResponse {
	return prisonEntryResponse{
		GuildID:    e.GuildID,
		UserID:     e.UserID,
		CaseID:     e.CaseID,
		Reason:     e.Reason,
		ArrestedAt: e.ArrestedAt.UTC().Format(time.RFC3339),
	}
}

// fail maps domain errors to HTTP statuses. Anything unrecognised is logged
// and reported as 500 without leaking the cause.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, court.ErrNotFound), errors.Is(err, prison.ErrNotImprisoned):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, court.ErrDuplicateCase),
		errors.Is(err, court.ErrCaseClosed),
		errors.Is(err, court.ErrAlreadyVoting),
		errors.Is(err, court.ErrStaleState),
		errors.Is(err, prison.ErrAlreadyImprisoned):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, court.ErrSelfVote):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, court.ErrInvalidCommand),
		errors.Is(err, court.ErrInvalidPolicy),
		errors.Is(err, court.ErrInvalidTransition),
		errors.Is(err, prison.ErrInvalidEntry):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, court.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log().ErrorContext(r.Context(), "request failed",
			slog.String("event", "http_error"),
			slog.String("module", "courtd"),
			slog.String("layer", "http"),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) log() *slog.Logger {
	return court.ResolveLogger(s.logger)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
