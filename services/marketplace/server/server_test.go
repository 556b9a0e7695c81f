package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"workchain/crypto"
	nativeescrow "workchain/native/escrow"
	sdkescrow "workchain/sdk/escrow"
	"workchain/services/marketplace/auth"
	"workchain/services/marketplace/models"
)

type fakeReader struct {
	jobs map[uint64]*nativeescrow.Job
}

func (f *fakeReader) Job(_ context.Context, jobID uint64) (*nativeescrow.Job, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, nativeescrow.ErrJobNotFound
	}
	return job.Clone(), nil
}

type party struct {
	session auth.Session
	token   string
}

type fixture struct {
	srv      *httptest.Server
	reader   *fakeReader
	verifier *auth.Verifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))

	verifier, err := auth.NewVerifier([]byte("0123456789abcdef0123"), "market-test", 0)
	require.NoError(t, err)
	reader := &fakeReader{jobs: map[uint64]*nativeescrow.Job{}}
	s := New(Config{Store: models.NewStore(db), Reader: reader, Verifier: verifier})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, reader: reader, verifier: verifier}
}

func (f *fixture) party(t *testing.T, seed byte) party {
	t.Helper()
	var addr [20]byte
	addr[19] = seed
	session := auth.Session{UserID: uuid.New(), Address: addr}
	token, err := f.verifier.Issue(session, time.Hour)
	require.NoError(t, err)
	return party{session: session, token: token}
}

func (f *fixture) do(t *testing.T, p *party, method, path string, body any, out any) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	if p != nil {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (f *fixture) register(t *testing.T, p *party, handle string) {
	t.Helper()
	require.Equal(t, http.StatusOK, f.do(t, p, http.MethodPut, "/api/v1/users/me", map[string]string{"handle": handle}, nil))
}

func ledgerJob(id uint64, client, freelancer [20]byte, amounts ...int64) *nativeescrow.Job {
	var platform [20]byte
	platform[0] = 0xaa
	job := &nativeescrow.Job{
		ID:         id,
		Client:     client,
		Freelancer: freelancer,
		Platform:   platform,
		Active:     true,
		MinVotes:   3,
		Status:     nativeescrow.ProjectActive,
	}
	for i, amount := range amounts {
		job.Milestones = append(job.Milestones, nativeescrow.Milestone{
			Index:  uint64(i),
			Amount: big.NewInt(amount),
			Status: nativeescrow.MilestonePending,
		})
	}
	return job
}

func TestRequiresSession(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusUnauthorized, f.do(t, nil, http.MethodGet, "/api/v1/postings", nil, nil))

	bad := party{token: "not-a-jwt"}
	require.Equal(t, http.StatusUnauthorized, f.do(t, &bad, http.MethodGet, "/api/v1/postings", nil, nil))
	require.Equal(t, http.StatusOK, f.do(t, nil, http.MethodGet, "/healthz", nil, nil))
}

func TestPostingToLedgerJob(t *testing.T) {
	f := newFixture(t)
	client := f.party(t, 1)
	freelancer := f.party(t, 2)
	other := f.party(t, 3)
	f.register(t, &client, "acme")
	f.register(t, &freelancer, "dev")
	f.register(t, &other, "rival")

	var me models.User
	require.Equal(t, http.StatusOK, f.do(t, &client, http.MethodGet, "/api/v1/users/me", nil, &me))
	require.Equal(t, crypto.FormatAddress(client.session.Address), me.Address)

	var posting models.Posting
	status := f.do(t, &client, http.MethodPost, "/api/v1/postings", map[string]any{
		"title":      "Landing page",
		"milestones": []string{"200", "300"},
	}, &posting)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, models.PostingOpen, posting.Status)
	base := "/api/v1/postings/" + posting.ID.String()

	// The client cannot bid on its own posting.
	require.Equal(t, http.StatusConflict, f.do(t, &client, http.MethodPost, base+"/applications", map[string]string{"pitch": "me"}, nil))

	var app models.Application
	require.Equal(t, http.StatusCreated, f.do(t, &freelancer, http.MethodPost, base+"/applications", map[string]string{"pitch": "hire me"}, &app))
	require.Equal(t, http.StatusCreated, f.do(t, &other, http.MethodPost, base+"/applications", map[string]string{"pitch": "no, me"}, nil))
	require.Equal(t, http.StatusConflict, f.do(t, &freelancer, http.MethodPost, base+"/applications", map[string]string{"pitch": "again"}, nil))

	var visible []models.Application
	require.Equal(t, http.StatusOK, f.do(t, &other, http.MethodGet, base+"/applications", nil, &visible))
	require.Len(t, visible, 1)
	require.Equal(t, http.StatusOK, f.do(t, &client, http.MethodGet, base+"/applications", nil, &visible))
	require.Len(t, visible, 2)

	accept := base + "/applications/" + app.ID.String() + "/accept"
	require.Equal(t, http.StatusForbidden, f.do(t, &freelancer, http.MethodPost, accept, nil, nil))
	require.Equal(t, http.StatusOK, f.do(t, &client, http.MethodPost, accept, nil, &posting))
	require.NotNil(t, posting.FreelancerID)
	require.Equal(t, freelancer.session.UserID, *posting.FreelancerID)

	// Jobs that do not match the agreed terms are refused.
	f.reader.jobs[7] = ledgerJob(7, client.session.Address, other.session.Address, 200, 300)
	f.reader.jobs[8] = ledgerJob(8, client.session.Address, freelancer.session.Address, 200, 250)
	f.reader.jobs[9] = ledgerJob(9, client.session.Address, freelancer.session.Address, 200, 300)
	require.Equal(t, http.StatusNotFound, f.do(t, &client, http.MethodPost, base+"/job", map[string]uint64{"jobId": 99}, nil))
	require.Equal(t, http.StatusConflict, f.do(t, &client, http.MethodPost, base+"/job", map[string]uint64{"jobId": 7}, nil))
	require.Equal(t, http.StatusConflict, f.do(t, &client, http.MethodPost, base+"/job", map[string]uint64{"jobId": 8}, nil))
	require.Equal(t, http.StatusForbidden, f.do(t, &freelancer, http.MethodPost, base+"/job", map[string]uint64{"jobId": 9}, nil))

	require.Equal(t, http.StatusOK, f.do(t, &client, http.MethodPost, base+"/job", map[string]uint64{"jobId": 9}, &posting))
	require.Equal(t, models.PostingFunded, posting.Status)
	require.Equal(t, uint64(9), *posting.JobID)

	var acts actionsResponse
	require.Equal(t, http.StatusOK, f.do(t, &freelancer, http.MethodGet, base+"/actions", nil, &acts))
	require.Equal(t, sdkescrow.RoleFreelancer, acts.Role)
	require.Equal(t, []sdkescrow.Action{sdkescrow.ActionSubmitWork}, acts.Actions)
	require.Equal(t, uint64(0), *acts.Milestone)

	require.Equal(t, http.StatusOK, f.do(t, &client, http.MethodGet, base+"/actions", nil, &acts))
	require.Equal(t, sdkescrow.RoleClient, acts.Role)
	require.Empty(t, acts.Actions)

	f.reader.jobs[9].Milestones[0].Status = nativeescrow.MilestoneSubmitted
	require.Equal(t, http.StatusOK, f.do(t, &client, http.MethodGet, base+"/actions", nil, &acts))
	require.Contains(t, acts.Actions, sdkescrow.ActionApprove)
	require.NotContains(t, acts.Actions, sdkescrow.ActionCancelProject)

	// A funded posting can no longer be deleted.
	require.Equal(t, http.StatusConflict, f.do(t, &client, http.MethodDelete, base, nil, nil))
}

func TestActionsClosesFinishedPosting(t *testing.T) {
	f := newFixture(t)
	client := f.party(t, 1)
	freelancer := f.party(t, 2)
	f.register(t, &client, "acme")
	f.register(t, &freelancer, "dev")

	var posting models.Posting
	require.Equal(t, http.StatusCreated, f.do(t, &client, http.MethodPost, "/api/v1/postings", map[string]any{
		"title": "Logo", "milestones": []string{"50"},
	}, &posting))
	base := "/api/v1/postings/" + posting.ID.String()
	var app models.Application
	require.Equal(t, http.StatusCreated, f.do(t, &freelancer, http.MethodPost, base+"/applications", map[string]string{}, &app))
	require.Equal(t, http.StatusOK, f.do(t, &client, http.MethodPost, base+"/applications/"+app.ID.String()+"/accept", nil, nil))

	job := ledgerJob(3, client.session.Address, freelancer.session.Address, 50)
	f.reader.jobs[3] = job
	require.Equal(t, http.StatusOK, f.do(t, &client, http.MethodPost, base+"/job", map[string]uint64{"jobId": 3}, nil))

	job.Active = false
	job.Status = nativeescrow.ProjectCompleted
	job.CurrentStep = 1
	job.Milestones[0].Status = nativeescrow.MilestoneApproved

	var acts actionsResponse
	require.Equal(t, http.StatusOK, f.do(t, &freelancer, http.MethodGet, base+"/actions", nil, &acts))
	require.Empty(t, acts.Actions)
	require.Nil(t, acts.Milestone)
	require.Equal(t, nativeescrow.ProjectCompleted.String(), acts.Status)

	require.Equal(t, http.StatusOK, f.do(t, &client, http.MethodGet, base, nil, &posting))
	require.Equal(t, models.PostingClosed, posting.Status)
}

func TestCreatePostingValidation(t *testing.T) {
	f := newFixture(t)
	client := f.party(t, 1)

	// Unregistered callers cannot post.
	require.Equal(t, http.StatusNotFound, f.do(t, &client, http.MethodPost, "/api/v1/postings", map[string]any{
		"title": "x", "milestones": []string{"1"},
	}, nil))
	f.register(t, &client, "acme")

	cases := []map[string]any{
		{"title": "", "milestones": []string{"1"}},
		{"title": "x"},
		{"title": "x", "milestones": []string{"0"}},
		{"title": "x", "milestones": []string{"ten"}},
	}
	for i, body := range cases {
		require.Equal(t, http.StatusBadRequest, f.do(t, &client, http.MethodPost, "/api/v1/postings", body, nil), "case %d", i)
	}

	var posting models.Posting
	require.Equal(t, http.StatusCreated, f.do(t, &client, http.MethodPost, "/api/v1/postings", map[string]any{
		"title": "x", "milestones": []string{"10"},
	}, &posting))
	var listed []models.Posting
	require.Equal(t, http.StatusOK, f.do(t, &client, http.MethodGet, "/api/v1/postings?status=open&client="+client.session.UserID.String(), nil, &listed))
	require.Len(t, listed, 1)
	require.Equal(t, http.StatusBadRequest, f.do(t, &client, http.MethodGet, "/api/v1/postings?client=nope", nil, nil))

	var accented models.Posting
	require.Equal(t, http.StatusCreated, f.do(t, &client, http.MethodPost, "/api/v1/postings", map[string]any{
		"title": "  Cafe\u0301 menu ", "milestones": []string{"10"},
	}, &accented))
	require.Equal(t, "Caf\u00e9 menu", accented.Title)

	require.Equal(t, http.StatusNoContent, f.do(t, &client, http.MethodDelete, "/api/v1/postings/"+posting.ID.String(), nil, nil))
	require.Equal(t, http.StatusNotFound, f.do(t, &client, http.MethodGet, "/api/v1/postings/"+posting.ID.String(), nil, nil))
}
