package core

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"workchain/config"
	ledgererrors "workchain/core/errors"
	"workchain/core/genesis"
	"workchain/core/types"
	"workchain/crypto"
	"workchain/native/escrow"
	"workchain/observability"
	"workchain/storage"
)

const testChainID = 7707

type testAccount struct {
	key  *crypto.PrivateKey
	addr [20]byte
	next uint64
}

func newTestAccount(t *testing.T) *testAccount {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &testAccount{key: key, addr: key.PubKey().Address().Raw()}
}

func (a *testAccount) sign(t *testing.T, function string, args []types.Arg) *types.Transaction {
	t.Helper()
	tx := &types.Transaction{ChainID: testChainID, Nonce: a.next, Function: function, Args: args}
	if err := tx.Sign(a.key.PrivateKey); err != nil {
		t.Fatalf("sign: %v", err)
	}
	a.next++
	return tx
}

type nodeFixture struct {
	node       *Node
	db         *storage.MemDB
	clock      time.Time
	client     *testAccount
	freelancer *testAccount
	platform   *testAccount
	reviewers  []*testAccount
}

func newNodeFixture(t *testing.T) *nodeFixture {
	t.Helper()
	f := &nodeFixture{
		db:         storage.NewMemDB(),
		clock:      time.Unix(1_700_000_000, 0),
		client:     newTestAccount(t),
		freelancer: newTestAccount(t),
		platform:   newTestAccount(t),
	}
	for i := 0; i < 5; i++ {
		f.reviewers = append(f.reviewers, newTestAccount(t))
	}
	spec, err := genesis.FromConfig(config.Genesis{
		Alloc: map[string]string{crypto.FormatAddress(f.client.addr): "1000"},
	}, testChainID)
	if err != nil {
		t.Fatalf("genesis spec: %v", err)
	}
	node, err := NewNode(f.db, Config{ChainID: testChainID, FutureNonceMaxAge: time.Minute}, spec, nil)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	node.SetNowFunc(func() time.Time { return f.clock })
	f.node = node
	return f
}

func (f *nodeFixture) submit(t *testing.T, tx *types.Transaction) string {
	t.Helper()
	hash, err := f.node.AddTransaction(tx)
	if err != nil {
		t.Fatalf("add transaction %s: %v", tx.Function, err)
	}
	return hash
}

func (f *nodeFixture) produce(t *testing.T) []*types.Receipt {
	t.Helper()
	f.clock = f.clock.Add(time.Second)
	block, receipts, err := f.node.ProduceBlock()
	if err != nil {
		t.Fatalf("produce block: %v", err)
	}
	if block == nil {
		t.Fatalf("expected a block")
	}
	return receipts
}

func (f *nodeFixture) balance(t *testing.T, addr [20]byte) int64 {
	t.Helper()
	bal, err := f.node.Balance(addr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal.Int64()
}

func (f *nodeFixture) createJob(t *testing.T, amounts ...int64) {
	t.Helper()
	req := escrow.CreateJobRequest{Freelancer: f.freelancer.addr, Platform: f.platform.addr, MinVotes: 3}
	for _, a := range amounts {
		req.Amounts = append(req.Amounts, big.NewInt(a))
	}
	f.submit(t, f.client.sign(t, escrow.FnCreateJob, escrow.EncodeCreateJob(req)))
	receipts := f.produce(t)
	if !receipts[0].Succeeded() {
		t.Fatalf("create job failed: %s", receipts[0].Error)
	}
}

func TestGenesisCreditsAllocations(t *testing.T) {
	f := newNodeFixture(t)
	if got := f.balance(t, f.client.addr); got != 1000 {
		t.Fatalf("expected genesis balance 1000, got %d", got)
	}
	if f.node.Height() != 0 {
		t.Fatalf("expected height 0, got %d", f.node.Height())
	}
	block, err := f.node.Chain().GetBlockByHeight(0)
	if err != nil {
		t.Fatalf("genesis block: %v", err)
	}
	if block.Header.Height != 0 {
		t.Fatalf("unexpected genesis height %d", block.Header.Height)
	}
}

func TestReopenKeepsChain(t *testing.T) {
	f := newNodeFixture(t)
	f.createJob(t, 100)
	reopened, err := NewNode(f.db, Config{ChainID: testChainID}, nil, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Height() != 1 {
		t.Fatalf("expected height 1 after reopen, got %d", reopened.Height())
	}
	status, err := escrow.GetProjectStatus(reopened.View(), 1)
	if err != nil || status != escrow.ProjectActive {
		t.Fatalf("expected active job after reopen, got %v %v", status, err)
	}
}

func TestGenesisChainIDMismatch(t *testing.T) {
	spec, err := genesis.FromConfig(config.Genesis{}, 1)
	if err != nil {
		t.Fatalf("spec: %v", err)
	}
	if _, err := NewNode(storage.NewMemDB(), Config{ChainID: 2}, spec, nil); err == nil {
		t.Fatalf("expected chain id mismatch")
	}
}

func TestAddTransactionRejections(t *testing.T) {
	f := newNodeFixture(t)

	wrongChain := &types.Transaction{ChainID: 1, Function: escrow.FnApproveMilestone, Args: escrow.EncodeJobID(1)}
	_ = wrongChain.Sign(f.client.key.PrivateKey)
	if _, err := f.node.AddTransaction(wrongChain); !errors.Is(err, ledgererrors.ErrInvalidChainID) {
		t.Fatalf("expected chain id error, got %v", err)
	}

	unsigned := &types.Transaction{ChainID: testChainID, Function: escrow.FnApproveMilestone, Args: escrow.EncodeJobID(1)}
	if _, err := f.node.AddTransaction(unsigned); !errors.Is(err, ledgererrors.ErrInvalidSignature) {
		t.Fatalf("expected signature error, got %v", err)
	}

	foreign := &types.Transaction{ChainID: testChainID, Function: "staking::delegate"}
	_ = foreign.Sign(f.client.key.PrivateKey)
	if _, err := f.node.AddTransaction(foreign); !errors.Is(err, ledgererrors.ErrUnknownModule) {
		t.Fatalf("expected unknown module, got %v", err)
	}

	malformed := &types.Transaction{ChainID: testChainID, Function: escrow.FnCastVote, Args: escrow.EncodeJobID(1)}
	_ = malformed.Sign(f.client.key.PrivateKey)
	if _, err := f.node.AddTransaction(malformed); !errors.Is(err, escrow.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	tx := f.client.sign(t, escrow.FnApproveMilestone, escrow.EncodeJobID(1))
	f.submit(t, tx)
	if _, err := f.node.AddTransaction(tx); !errors.Is(err, ledgererrors.ErrDuplicateTx) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	f.produce(t)
	if _, err := f.node.AddTransaction(tx); !errors.Is(err, ledgererrors.ErrDuplicateTx) {
		t.Fatalf("expected duplicate after inclusion, got %v", err)
	}

	stale := &types.Transaction{ChainID: testChainID, Nonce: 0, Function: escrow.FnStartDispute, Args: escrow.EncodeJobID(1)}
	_ = stale.Sign(f.client.key.PrivateKey)
	if _, err := f.node.AddTransaction(stale); !errors.Is(err, ledgererrors.ErrNonceTooLow) {
		t.Fatalf("expected nonce too low, got %v", err)
	}
}

func TestEmptyMempoolProducesNoBlock(t *testing.T) {
	f := newNodeFixture(t)
	block, receipts, err := f.node.ProduceBlock()
	if err != nil || block != nil || receipts != nil {
		t.Fatalf("expected no block, got %v %v %v", block, receipts, err)
	}
}

func TestFailedTransitionConsumesNonce(t *testing.T) {
	f := newNodeFixture(t)
	hash := f.submit(t, f.client.sign(t, escrow.FnApproveMilestone, escrow.EncodeJobID(9)))
	receipts := f.produce(t)
	if len(receipts) != 1 || receipts[0].Succeeded() {
		t.Fatalf("expected one failed receipt")
	}
	if receipts[0].ErrorKind != escrow.KindValidation.String() || receipts[0].ErrorReason != "job_not_found" {
		t.Fatalf("unexpected failure %q/%q", receipts[0].ErrorKind, receipts[0].ErrorReason)
	}
	nonce, _ := f.node.Nonce(f.client.addr)
	if nonce != 1 {
		t.Fatalf("expected nonce 1, got %d", nonce)
	}
	stored, err := f.node.Receipt(hash)
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	rebuilt := escrow.Rebuild(stored.ErrorKind, stored.ErrorReason, stored.Error)
	if !errors.Is(rebuilt, escrow.ErrJobNotFound) {
		t.Fatalf("receipt does not rebuild to job not found: %v", rebuilt)
	}
	if got := f.balance(t, f.client.addr); got != 1000 {
		t.Fatalf("failed transition moved funds: %d", got)
	}
}

func TestInsufficientFundsLeavesNoEffects(t *testing.T) {
	f := newNodeFixture(t)
	req := escrow.CreateJobRequest{Freelancer: f.freelancer.addr, Platform: f.platform.addr, Amounts: []*big.Int{big.NewInt(2000)}}
	f.submit(t, f.client.sign(t, escrow.FnCreateJob, escrow.EncodeCreateJob(req)))
	receipts := f.produce(t)
	if receipts[0].ErrorKind != escrow.KindStateConflict.String() {
		t.Fatalf("expected state conflict, got %q", receipts[0].ErrorKind)
	}
	if _, err := escrow.GetProjectStatus(f.node.View(), 1); !errors.Is(err, escrow.ErrJobNotFound) {
		t.Fatalf("expected no job, got %v", err)
	}
	if got := f.balance(t, f.client.addr); got != 1000 {
		t.Fatalf("expected untouched balance, got %d", got)
	}
}

func TestNonceGapDeferredThenFilled(t *testing.T) {
	f := newNodeFixture(t)
	first := f.client.sign(t, escrow.FnApproveMilestone, escrow.EncodeJobID(1))
	second := f.client.sign(t, escrow.FnStartDispute, escrow.EncodeJobID(1))
	f.submit(t, second)

	f.clock = f.clock.Add(time.Second)
	block, _, err := f.node.ProduceBlock()
	if err != nil || block != nil {
		t.Fatalf("expected gap to defer the block, got %v %v", block, err)
	}
	if f.node.MempoolSize() != 1 {
		t.Fatalf("expected deferred transaction to stay pending")
	}
	pending, _ := f.node.PendingNonce(f.client.addr)
	if pending != 2 {
		t.Fatalf("expected pending nonce 2, got %d", pending)
	}

	f.submit(t, first)
	receipts := f.produce(t)
	if len(receipts) != 2 {
		t.Fatalf("expected both transactions in one block, got %d", len(receipts))
	}
	secondHash, _ := second.HashHex()
	if receipts[1].TxHash != secondHash {
		t.Fatalf("expected nonce order within the block")
	}
}

func TestNonceGapDroppedAfterMaxAge(t *testing.T) {
	f := newNodeFixture(t)
	f.client.next = 3
	hash := f.submit(t, f.client.sign(t, escrow.FnApproveMilestone, escrow.EncodeJobID(1)))
	f.clock = f.clock.Add(2 * time.Minute)
	_, receipts, err := f.node.ProduceBlock()
	if err != nil {
		t.Fatalf("produce: %v", err)
	}
	if len(receipts) != 1 || receipts[0].ErrorReason != ledgererrors.ReasonNonceGap {
		t.Fatalf("expected nonce gap receipt, got %+v", receipts)
	}
	if f.node.IsPending(hash) {
		t.Fatalf("dropped transaction still pending")
	}
}

func TestDisputeResolvesThroughLedger(t *testing.T) {
	f := newNodeFixture(t)
	f.createJob(t, 200, 200, 200)
	custody := escrow.CustodyAddress(1)
	if got := f.balance(t, custody); got != 600 {
		t.Fatalf("expected custody 600, got %d", got)
	}

	f.submit(t, f.freelancer.sign(t, escrow.FnSubmitWork, escrow.EncodeSubmitWork(1, []byte("ipfs://m0"))))
	f.submit(t, f.client.sign(t, escrow.FnApproveMilestone, escrow.EncodeJobID(1)))
	f.produce(t)
	if got := f.balance(t, f.freelancer.addr); got != 180 {
		t.Fatalf("expected freelancer 180, got %d", got)
	}

	f.submit(t, f.freelancer.sign(t, escrow.FnSubmitWork, escrow.EncodeSubmitWork(1, []byte("ipfs://m1"))))
	f.submit(t, f.client.sign(t, escrow.FnStartDispute, escrow.EncodeJobID(1)))
	panel := make([][20]byte, len(f.reviewers))
	for i, r := range f.reviewers {
		panel[i] = r.addr
	}
	f.submit(t, f.platform.sign(t, escrow.FnAssignReviewers, escrow.EncodeAssignReviewers(1, panel)))
	f.produce(t)

	ch, cancel := f.node.Subscribe(32)
	defer cancel()
	approvedBefore := observability.Escrow().DisputeOutcomeCount("approved")
	rejectedBefore := observability.Escrow().DisputeOutcomeCount("rejected")

	f.submit(t, f.reviewers[0].sign(t, escrow.FnCastVote, escrow.EncodeCastVote(1, true)))
	f.submit(t, f.reviewers[1].sign(t, escrow.FnCastVote, escrow.EncodeCastVote(1, true)))
	f.submit(t, f.reviewers[2].sign(t, escrow.FnCastVote, escrow.EncodeCastVote(1, false)))
	receipts := f.produce(t)
	for i, r := range receipts {
		if !r.Succeeded() {
			t.Fatalf("vote %d failed: %s", i, r.Error)
		}
	}

	if got := f.balance(t, f.freelancer.addr); got != 360 {
		t.Fatalf("expected freelancer 360, got %d", got)
	}
	if got := observability.Escrow().DisputeOutcomeCount("approved") - approvedBefore; got != 1 {
		t.Fatalf("expected one approved dispute outcome, got %v", got)
	}
	if got := observability.Escrow().DisputeOutcomeCount("rejected") - rejectedBefore; got != 0 {
		t.Fatalf("expected no rejected dispute outcome, got %v", got)
	}
	if got := f.balance(t, f.platform.addr); got != 34 {
		t.Fatalf("expected platform 34, got %d", got)
	}
	for i := 0; i < 3; i++ {
		if got := f.balance(t, f.reviewers[i].addr); got != 2 {
			t.Fatalf("reviewer %d expected 2, got %d", i, got)
		}
	}
	ok, _ := escrow.IsReviewer(f.node.View(), f.reviewers[4].addr)
	if !ok {
		t.Fatalf("expected assigned reviewer to be recognised")
	}

	seen := make(map[string]bool)
	for len(ch) > 0 {
		rec := <-ch
		seen[rec.Event.Type] = true
	}
	if !seen[escrow.EventTypeVoteCast] || !seen[escrow.EventTypeMilestoneApproved] {
		t.Fatalf("subscriber missed events: %v", seen)
	}

	records, err := f.node.Events(0, 1000)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	for i := 1; i < len(records); i++ {
		if records[i].Seq != records[i-1].Seq+1 {
			t.Fatalf("event sequence not contiguous at %d", i)
		}
	}
	tail, _ := f.node.Events(records[len(records)-1].Seq, 10)
	if len(tail) != 1 {
		t.Fatalf("expected one event from the last sequence, got %d", len(tail))
	}
}

func TestRepeatVoteInSameBlockFails(t *testing.T) {
	f := newNodeFixture(t)
	f.createJob(t, 200, 200)
	f.submit(t, f.freelancer.sign(t, escrow.FnSubmitWork, escrow.EncodeSubmitWork(1, []byte("ipfs://m0"))))
	f.submit(t, f.client.sign(t, escrow.FnStartDispute, escrow.EncodeJobID(1)))
	panel := make([][20]byte, len(f.reviewers))
	for i, r := range f.reviewers {
		panel[i] = r.addr
	}
	f.submit(t, f.platform.sign(t, escrow.FnAssignReviewers, escrow.EncodeAssignReviewers(1, panel)))
	for i, r := range f.produce(t) {
		if !r.Succeeded() {
			t.Fatalf("setup tx %d failed: %s", i, r.Error)
		}
	}

	conflictsBefore := observability.Ledger().TxCount("failed", "state_conflict")
	f.submit(t, f.reviewers[0].sign(t, escrow.FnCastVote, escrow.EncodeCastVote(1, true)))
	f.submit(t, f.reviewers[0].sign(t, escrow.FnCastVote, escrow.EncodeCastVote(1, false)))
	receipts := f.produce(t)
	if len(receipts) != 2 {
		t.Fatalf("expected both votes in one block, got %d receipts", len(receipts))
	}
	if !receipts[0].Succeeded() {
		t.Fatalf("first vote failed: %s", receipts[0].Error)
	}
	if receipts[1].Succeeded() {
		t.Fatalf("expected repeat vote to fail")
	}
	if receipts[1].ErrorKind != "state_conflict" || receipts[1].ErrorReason != "already_voted" {
		t.Fatalf("unexpected repeat vote error %s/%s", receipts[1].ErrorKind, receipts[1].ErrorReason)
	}
	if got := observability.Ledger().TxCount("failed", "state_conflict") - conflictsBefore; got != 1 {
		t.Fatalf("expected one failed state_conflict tx, got %v", got)
	}

	voters, approvals, err := escrow.GetMilestoneVotes(f.node.View(), 1, 0)
	if err != nil {
		t.Fatalf("votes: %v", err)
	}
	if len(voters) != 1 || voters[0] != f.reviewers[0].addr {
		t.Fatalf("expected a single vote from the first reviewer, got %d", len(voters))
	}
	if !approvals[0] {
		t.Fatalf("repeat vote overwrote the original approval")
	}
	if got := f.balance(t, f.freelancer.addr); got != 0 {
		t.Fatalf("expected no payout before the threshold, got %d", got)
	}
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	f := newNodeFixture(t)
	ch, cancel := f.node.Subscribe(1)
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
}

func TestMempoolFull(t *testing.T) {
	pool := NewMempool(1)
	if err := pool.add(&pendingTx{hash: "a"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := pool.add(&pendingTx{hash: "b"}); !errors.Is(err, ledgererrors.ErrMempoolFull) {
		t.Fatalf("expected full, got %v", err)
	}
	pool.remove(map[string]struct{}{"a": {}})
	if pool.Len() != 0 || pool.Has("a") {
		t.Fatalf("expected empty pool after remove")
	}
}
