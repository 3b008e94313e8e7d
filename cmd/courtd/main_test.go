package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"courtbot/clock"
	"courtbot/config"
	"courtbot/court"
	"courtbot/lawsuit"
	"courtbot/prison"
	"courtbot/scheduler"
)

type stubCaseService struct {
	fileResult scheduler.FileResult
	fileErr    error
	fileCmd    scheduler.FileCaseCommand
	voteResult scheduler.VoteResult
	voteErr    error
	voteCmd    scheduler.CastVoteCommand
	timerErr   error
	timerCalls int
	cancelCase court.Case
	cancelErr  error
	closeCase  court.Case
	closeErr   error
	view       scheduler.CaseView
	viewErr    error
	list       []court.Case
	listErr    error
	listFilter lawsuit.Filter
	votes      []court.Vote
	votesErr   error
}

func (s *stubCaseService) FileCase(_ context.Context, cmd scheduler.FileCaseCommand) (scheduler.FileResult, error) {
	s.fileCmd = cmd
	return s.fileResult, s.fileErr
}

func (s *stubCaseService) CastVote(_ context.Context, cmd scheduler.CastVoteCommand) (scheduler.VoteResult, error) {
	s.voteCmd = cmd
	return s.voteResult, s.voteErr
}

func (s *stubCaseService) TimerFired(_ context.Context, _ string) error {
	s.timerCalls++
	return s.timerErr
}

func (s *stubCaseService) CancelCase(_ context.Context, _ string) (court.Case, error) {
	return s.cancelCase, s.cancelErr
}

func (s *stubCaseService) CloseNow(_ context.Context, _ string) (court.Case, error) {
	return s.closeCase, s.closeErr
}

func (s *stubCaseService) Case(_ context.Context, _ string) (scheduler.CaseView, error) {
	return s.view, s.viewErr
}

func (s *stubCaseService) Cases(_ context.Context, f lawsuit.Filter) ([]court.Case, error) {
	s.listFilter = f
	return s.list, s.listErr
}

func (s *stubCaseService) Votes(_ context.Context, _ string) ([]court.Vote, error) {
	return s.votes, s.votesErr
}

type stubPrisonService struct {
	entry      prison.Entry
	arrestErr  error
	releaseErr error
	entries    []prison.Entry
	jailed     map[string]bool
}

func (s *stubPrisonService) Arrest(_ context.Context, guildID, userID, reason string) (prison.Entry, error) {
	if s.arrestErr != nil {
		return prison.Entry{}, s.arrestErr
	}
	e := s.entry
	e.GuildID, e.UserID, e.Reason = guildID, userID, reason
	return e, nil
}

func (s *stubPrisonService) Release(_ context.Context, _, _ string) error {
	return s.releaseErr
}

func (s *stubPrisonService) List(_ context.Context, _ string) ([]prison.Entry, error) {
	return s.entries, nil
}

func (s *stubPrisonService) IsImprisoned(_ context.Context, guildID, userID string) (bool, error) {
	return s.jailed[guildID+"/"+userID], nil
}

var now = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func votingCase() court.Case {
	return court.Case{
		ID:        "c1",
		GuildID:   "g1",
		Subject:   "accused",
		Filer:     "filer",
		Policy:    court.DefaultPolicy(),
		Window:    time.Hour,
		CreatedAt: now,
		Deadline:  now.Add(time.Hour),
		State:     court.StateVoting,
	}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Backend = config.BackendMemory
	return cfg
}

func newTestServer(cases *stubCaseService) *Server {
	return &Server{
		caseService:   cases,
		prisonService: &stubPrisonService{},
		limiter:       newVoteLimiter(0, 0, clock.NewFake(now)),
	}
}

func TestHandleCases_File(t *testing.T) {
	stub := &stubCaseService{fileResult: scheduler.FileResult{Case: votingCase()}}
	server := newTestServer(stub)

	body := `{"guildId":"g1","subject":"accused","filer":"filer","reason":"spam","windowSeconds":600,"policy":{"quorum":5}}`
	req := httptest.NewRequest(http.MethodPost, "/api/cases", strings.NewReader(body))
	rec := httptest.NewRecorder()

	server.handleCases(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if stub.fileCmd.Window != 10*time.Minute || stub.fileCmd.Policy.Quorum == nil || *stub.fileCmd.Policy.Quorum != 5 {
		t.Fatalf("command not mapped: %+v", stub.fileCmd)
	}
	if stub.fileCmd.Policy.Threshold != nil {
		t.Fatalf("unset threshold must stay nil")
	}

	var resp caseResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "c1" || resp.State != "voting" || resp.WindowSeconds != 3600 {
		t.Fatalf("unexpected response payload: %+v", resp)
	}
	if resp.Deadline != now.Add(time.Hour).Format(time.RFC3339) {
		t.Fatalf("expected deadline %s, got %s", now.Add(time.Hour).Format(time.RFC3339), resp.Deadline)
	}
}

func TestHandleCases_FileReplayReturns200(t *testing.T) {
	stub := &stubCaseService{fileResult: scheduler.FileResult{Case: votingCase(), Replayed: true}}
	server := newTestServer(stub)

	req := httptest.NewRequest(http.MethodPost, "/api/cases", strings.NewReader(`{"caseId":"c1","subject":"accused","filer":"filer"}`))
	rec := httptest.NewRecorder()
	server.handleCases(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleCases_FileInvalid(t *testing.T) {
	stub := &stubCaseService{fileErr: court.ErrInvalidCommand}
	server := newTestServer(stub)

	for _, body := range []string{`{"subject":`, `{"unknown":1}`, `{"subject":"a","filer":"b"}`} {
		req := httptest.NewRequest(http.MethodPost, "/api/cases", strings.NewReader(body))
		rec := httptest.NewRecorder()
		server.handleCases(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestHandleCases_FileRejectsOverflowingWindow(t *testing.T) {
	stub := &stubCaseService{fileResult: scheduler.FileResult{Case: votingCase()}}
	server := newTestServer(stub)

	body := `{"subject":"a","filer":"b","windowSeconds":18446744074}`
	rec := httptest.NewRecorder()
	server.handleCases(rec, httptest.NewRequest(http.MethodPost, "/api/cases", strings.NewReader(body)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if stub.fileCmd.Subject != "" {
		t.Fatalf("overflowing window reached the scheduler: %+v", stub.fileCmd)
	}
}

func TestHandleCases_ListFilters(t *testing.T) {
	stub := &stubCaseService{list: []court.Case{votingCase()}}
	server := newTestServer(stub)

	req := httptest.NewRequest(http.MethodGet, "/api/cases?guildId=g1&state=voting,FILED&limit=5", nil)
	rec := httptest.NewRecorder()
	server.handleCases(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if stub.listFilter.GuildID != "g1" || stub.listFilter.Limit != 5 || len(stub.listFilter.States) != 2 {
		t.Fatalf("filter not mapped: %+v", stub.listFilter)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/cases?state=pending", nil)
	rec = httptest.NewRecorder()
	server.handleCases(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown state, got %d", rec.Code)
	}
}

func TestHandleCase_GetIncludesTally(t *testing.T) {
	stub := &stubCaseService{view: scheduler.CaseView{Case: votingCase(), Tally: court.Tally{Guilty: 2, Abstain: 1}}}
	server := newTestServer(stub)

	req := httptest.NewRequest(http.MethodGet, "/api/cases/c1", nil)
	rec := httptest.NewRecorder()
	server.handleCase(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp caseResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Tally == nil || resp.Tally.Guilty != 2 || resp.Tally.Abstain != 1 {
		t.Fatalf("unexpected tally: %+v", resp.Tally)
	}
}

func TestHandleCase_ListVotes(t *testing.T) {
	stub := &stubCaseService{votes: []court.Vote{
		{CaseID: "c1", VoterID: "v1", Choice: court.ChoiceGuilty, CastAt: now},
		{CaseID: "c1", VoterID: "v2", Choice: court.ChoiceAbstain, CastAt: now.Add(time.Minute)},
	}}
	server := newTestServer(stub)

	rec := httptest.NewRecorder()
	server.handleCase(rec, httptest.NewRequest(http.MethodGet, "/api/cases/c1/votes", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp []ballotResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 2 || resp[0].Voter != "v1" || resp[1].Choice != string(court.ChoiceAbstain) {
		t.Fatalf("unexpected votes: %+v", resp)
	}

	stub.votesErr = court.ErrNotFound
	rec = httptest.NewRecorder()
	server.handleCase(rec, httptest.NewRequest(http.MethodGet, "/api/cases/missing/votes", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleCase_NotFoundAndBadPath(t *testing.T) {
	server := newTestServer(&stubCaseService{viewErr: court.ErrNotFound})

	rec := httptest.NewRecorder()
	server.handleCase(rec, httptest.NewRequest(http.MethodGet, "/api/cases/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	server.handleCase(rec, httptest.NewRequest(http.MethodGet, "/api/cases/", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	server.handleCase(rec, httptest.NewRequest(http.MethodPost, "/api/cases/c1/appeal", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown action, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	server.handleCase(rec, httptest.NewRequest(http.MethodDelete, "/api/cases/c1", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleCase_Vote(t *testing.T) {
	closed := votingCase()
	closed.State = court.StateClosed
	closed.Verdict = court.VerdictFail
	closedAt := now.Add(time.Minute)
	closed.ClosedAt = &closedAt

	stub := &stubCaseService{voteResult: scheduler.VoteResult{
		Vote:     court.Vote{CaseID: "c1", VoterID: "v1", Choice: court.ChoiceGuilty, CastAt: closedAt},
		Previous: court.ChoiceAbstain,
		Tally:    court.Tally{Guilty: 3},
		Case:     closed,
		Closed:   true,
	}}
	server := newTestServer(stub)

	req := httptest.NewRequest(http.MethodPost, "/api/cases/c1/votes", strings.NewReader(`{"voter":"v1","choice":"GUILTY"}`))
	rec := httptest.NewRecorder()
	server.handleCase(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if stub.voteCmd.Choice != court.ChoiceGuilty || stub.voteCmd.CaseID != "c1" {
		t.Fatalf("command not mapped: %+v", stub.voteCmd)
	}
	var resp voteResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Closed || resp.Case.Verdict != "fail" || resp.Previous != "abstain" || resp.Case.ClosedAt == "" {
		t.Fatalf("unexpected response payload: %+v", resp)
	}
}

func TestHandleCase_VoteErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"bad choice", `{"voter":"v1","choice":"maybe"}`, nil, http.StatusBadRequest},
		{"self vote", `{"voter":"accused","choice":"guilty"}`, court.ErrSelfVote, http.StatusForbidden},
		{"closed", `{"voter":"v1","choice":"guilty"}`, court.ErrCaseClosed, http.StatusConflict},
		{"shutting down", `{"voter":"v1","choice":"guilty"}`, court.ErrShuttingDown, http.StatusServiceUnavailable},
		{"unexpected", `{"voter":"v1","choice":"guilty"}`, errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newTestServer(&stubCaseService{voteErr: tt.err})
			req := httptest.NewRequest(http.MethodPost, "/api/cases/c1/votes", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			server.handleCase(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestHandleCase_VoteRateLimited(t *testing.T) {
	server := newTestServer(&stubCaseService{})
	server.limiter = newVoteLimiter(1, 1, clock.NewFake(now))

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/cases/c1/votes", strings.NewReader(`{"voter":"v1","choice":"guilty"}`))
		rec := httptest.NewRecorder()
		server.handleCase(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("expected 200 then 429, got %v", codes)
	}
}

func TestHandleCase_Actions(t *testing.T) {
	cancelled := votingCase()
	cancelled.State = court.StateCancelled
	stub := &stubCaseService{
		cancelCase: cancelled,
		closeErr:   court.ErrCaseClosed,
		view:       scheduler.CaseView{Case: votingCase()},
	}
	server := newTestServer(stub)

	rec := httptest.NewRecorder()
	server.handleCase(rec, httptest.NewRequest(http.MethodPost, "/api/cases/c1/cancel", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"cancelled"`) {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	server.handleCase(rec, httptest.NewRequest(http.MethodPost, "/api/cases/c1/close", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("close: expected 409, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	server.handleCase(rec, httptest.NewRequest(http.MethodPost, "/api/cases/c1/timer", nil))
	if rec.Code != http.StatusOK || stub.timerCalls != 1 {
		t.Fatalf("timer: %d, calls %d", rec.Code, stub.timerCalls)
	}

	stub.cancelErr = court.ErrAlreadyVoting
	rec = httptest.NewRecorder()
	server.handleCase(rec, httptest.NewRequest(http.MethodPost, "/api/cases/c1/cancel", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("cancel after votes: expected 409, got %d", rec.Code)
	}
}

func TestHandlePrison(t *testing.T) {
	stub := &stubPrisonService{
		entry:   prison.Entry{ArrestedAt: now},
		entries: []prison.Entry{{GuildID: "g1", UserID: "u1", ArrestedAt: now}},
	}
	server := &Server{caseService: &stubCaseService{}, prisonService: stub}

	rec := httptest.NewRecorder()
	server.handleArrest(rec, httptest.NewRequest(http.MethodPost, "/api/prison/arrest", strings.NewReader(`{"guildId":"g1","userId":"u2","reason":"raid"}`)))
	if rec.Code != http.StatusCreated || !strings.Contains(rec.Body.String(), `"userId":"u2"`) {
		t.Fatalf("arrest: %d %s", rec.Code, rec.Body.String())
	}

	stub.arrestErr = prison.ErrAlreadyImprisoned
	rec = httptest.NewRecorder()
	server.handleArrest(rec, httptest.NewRequest(http.MethodPost, "/api/prison/arrest", strings.NewReader(`{"guildId":"g1","userId":"u2"}`)))
	if rec.Code != http.StatusConflict {
		t.Fatalf("double arrest: expected 409, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	server.handlePrison(rec, httptest.NewRequest(http.MethodGet, "/api/prison?guildId=g1", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"total":1`) {
		t.Fatalf("list: %d %s", rec.Code, rec.Body.String())
	}

	stub.releaseErr = prison.ErrNotImprisoned
	rec = httptest.NewRecorder()
	server.handleRelease(rec, httptest.NewRequest(http.MethodPost, "/api/prison/release", strings.NewReader(`{"guildId":"g1","userId":"u9"}`)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("release: expected 404, got %d", rec.Code)
	}
}

func TestHandlePrisoner(t *testing.T) {
	stub := &stubPrisonService{jailed: map[string]bool{"g1/u1": true}}
	server := &Server{caseService: &stubCaseService{}, prisonService: stub}
	handler := server.routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/prison/g1/u1", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"imprisoned":true`) {
		t.Fatalf("jailed member: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/prison/g1/u2", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"imprisoned":false`) {
		t.Fatalf("free member: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/prison/g1", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("short path: expected 400, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/prison/arrest", strings.NewReader(`{"guildId":"g1","userId":"u3"}`)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("arrest route shadowed: got %d", rec.Code)
	}
}

func TestRoutesServeHealth(t *testing.T) {
	server := newTestServer(&stubCaseService{})
	srv := httptest.NewServer(server.routes())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestVoteLimiterSweepsIdleVoters(t *testing.T) {
	clk := clock.NewFake(now)
	l := newVoteLimiter(1, 1, clk)
	l.Allow("v1")
	l.Allow("v2")
	clk.Advance(voterIdle + time.Second)
	l.Allow("v2")
	if removed := l.sweep(); removed != 1 {
		t.Fatalf("expected one idle voter removed, got %d", removed)
	}
}

func TestEndToEndMemoryBackend(t *testing.T) {
	cfg := testConfig()
	a, err := buildApp(context.Background(), cfg, nil, false)
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	defer a.close(context.Background())

	srv := httptest.NewServer(a.server().routes())
	defer srv.Close()

	post := func(path, body string) *http.Response {
		t.Helper()
		resp, err := srv.Client().Post(srv.URL+path, "application/json", bytes.NewBufferString(body))
		if err != nil {
			t.Fatalf("post %s: %v", path, err)
		}
		return resp
	}

	resp := post("/api/cases", `{"caseId":"e2e","guildId":"g","subject":"troll","filer":"mod","policy":{"quorum":2,"earlyCloseOnQuorum":true}}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("file: %d", resp.StatusCode)
	}
	for _, voter := range []string{"a", "b"} {
		resp = post("/api/cases/e2e/votes", `{"voter":"`+voter+`","choice":"guilty"}`)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("vote %s: %d", voter, resp.StatusCode)
		}
	}

	view, err := a.sched.Case(context.Background(), "e2e")
	if err != nil {
		t.Fatalf("case: %v", err)
	}
	if view.Case.Verdict != court.VerdictFail {
		t.Fatalf("expected FAIL, got %s", view.Case.Verdict)
	}
	jailed, err := a.prison.IsImprisoned(context.Background(), "g", "troll")
	if err != nil || !jailed {
		t.Fatalf("expected subject imprisoned, got %v/%v", jailed, err)
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out.String()) != version {
		t.Fatalf("unexpected version output %q", out.String())
	}
}
