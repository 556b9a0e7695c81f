package escrow

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"workchain/config"
	"workchain/core"
	"workchain/core/genesis"
	"workchain/crypto"
	nativeescrow "workchain/native/escrow"
	"workchain/rpc"
	"workchain/sdk/rpcclient"
	"workchain/sdk/wallet"
	"workchain/storage"
)

const testChainID = 7707

type party struct {
	addr      [20]byte
	wallet    *wallet.KeyWallet
	submitter *Submitter
}

type harness struct {
	node       *core.Node
	client     *rpcclient.Client
	reader     *Reader
	builder    *Builder
	buyer      *party
	freelancer *party
	platform   *party
	outsider   *party
	reviewers  []*party
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	keys := make([]*crypto.PrivateKey, 9)
	for i := range keys {
		key, err := crypto.GeneratePrivateKey()
		require.NoError(t, err)
		keys[i] = key
	}
	spec, err := genesis.FromConfig(config.Genesis{
		Alloc: map[string]string{keys[0].PubKey().Address().String(): "1000"},
	}, testChainID)
	require.NoError(t, err)
	node, err := core.NewNode(storage.NewMemDB(), core.Config{ChainID: testChainID}, spec, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go node.Run(ctx, 10*time.Millisecond)

	srv := httptest.NewServer(rpc.NewServer(node, rpc.ServerConfig{}, nil).Handler())
	t.Cleanup(srv.Close)
	client, err := rpcclient.New(srv.URL)
	require.NoError(t, err)

	params, err := client.Params(context.Background())
	require.NoError(t, err)

	h := &harness{
		node:    node,
		client:  client,
		reader:  NewReader(client, nil),
		builder: NewBuilder(params),
	}
	newParty := func(key *crypto.PrivateKey) *party {
		w, err := wallet.NewKeyWallet(key, client, testChainID, wallet.WithPollInterval(5*time.Millisecond))
		require.NoError(t, err)
		return &party{
			addr:      w.Address(),
			wallet:    w,
			submitter: NewSubmitter(w, WithConfirmationTimeout(5*time.Second)),
		}
	}
	h.buyer = newParty(keys[0])
	h.freelancer = newParty(keys[1])
	h.platform = newParty(keys[2])
	h.outsider = newParty(keys[3])
	for _, key := range keys[4:] {
		h.reviewers = append(h.reviewers, newParty(key))
	}
	return h
}

func mustBuild(t *testing.T) func(wallet.Request, error) wallet.Request {
	return func(req wallet.Request, err error) wallet.Request {
		t.Helper()
		require.NoError(t, err)
		return req
	}
}

// run submits req as p and waits for the settled result.
func (h *harness) run(t *testing.T, p *party, req wallet.Request) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pending, err := p.submitter.Submit(ctx, req)
	require.NoError(t, err)
	res, err := pending.Wait(ctx)
	require.NoError(t, err)
	return res
}

func (h *harness) confirm(t *testing.T, p *party, req wallet.Request) Result {
	t.Helper()
	res := h.run(t, p, req)
	require.Equal(t, PhaseConfirmed, res.Phase, "%s: %v", req.Function, res.Err)
	return res
}

func (h *harness) createJob(t *testing.T, amounts ...int64) uint64 {
	t.Helper()
	res := h.confirm(t, h.buyer, mustBuild(t)(h.builder.CreateJob(nativeescrow.CreateJobRequest{
		Freelancer: h.freelancer.addr,
		Platform:   h.platform.addr,
		Amounts:    Amounts(amounts...),
		MinVotes:   3,
	})))
	id, err := CreatedJobID(res.Receipt)
	require.NoError(t, err)
	return id
}

func (h *harness) job(t *testing.T, id uint64) *nativeescrow.Job {
	t.Helper()
	job, err := h.reader.Job(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (h *harness) reviewerAddrs() [][20]byte {
	out := make([][20]byte, len(h.reviewers))
	for i, r := range h.reviewers {
		out[i] = r.addr
	}
	return out
}

// dispute drives the current milestone of job id into a staffed dispute.
func (h *harness) dispute(t *testing.T, id uint64) {
	t.Helper()
	h.confirm(t, h.freelancer, mustBuild(t)(h.builder.SubmitWork(id, []byte("https://example.com/pr/2"))))
	h.confirm(t, h.buyer, mustBuild(t)(h.builder.StartDispute(id)))
	h.confirm(t, h.platform, mustBuild(t)(h.builder.AssignReviewers(id, h.reviewerAddrs())))
}
