package core

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	ledgererrors "workchain/core/errors"
	"workchain/core/events"
	"workchain/core/genesis"
	"workchain/core/state"
	"workchain/core/types"
	"workchain/native/escrow"
	"workchain/observability"
	"workchain/storage"
)

var (
	receiptPrefix  = []byte("receipt/")
	eventPrefix    = []byte("event/")
	eventSeqKey    = []byte("chain/event-seq")
	defaultMaxPool = 10_000
)

func receiptKey(hash string) []byte {
	return append(append([]byte(nil), receiptPrefix...), hash...)
}

func eventKey(seq uint64) []byte {
	key := make([]byte, len(eventPrefix)+8)
	copy(key, eventPrefix)
	binary.BigEndian.PutUint64(key[len(eventPrefix):], seq)
	return key
}

// Config carries the node settings that affect transaction processing.
type Config struct {
	ChainID           uint64
	MaxMempool        int
	MaxPerBlock       int
	FutureNonceMaxAge time.Duration
	// Escrow falls back to escrow.DefaultParams when left zero.
	Escrow escrow.Params
}

// EventRecord is a ledger event with its global position.
type EventRecord struct {
	Seq    uint64      `json:"seq"`
	Height uint64      `json:"height"`
	TxHash string      `json:"txHash"`
	Event  types.Event `json:"event"`
}

// Node orders transactions into blocks and applies them serially. Each
// transaction runs against its own buffered state; a block's state changes,
// receipts and events are written to the database in one batch.
type Node struct {
	db      storage.Database
	cfg     Config
	chain   *Blockchain
	mempool *Mempool
	logger  *slog.Logger
	metrics *observability.LedgerMetrics
	now     func() time.Time

	produceMu sync.Mutex
	lastBlock time.Time

	subMu   sync.Mutex
	subs    map[uint64]chan EventRecord
	nextSub uint64
}

// NewNode opens the ledger stored in db, building genesis state from spec
// when db is empty.
func NewNode(db storage.Database, cfg Config, spec *genesis.GenesisSpec, logger *slog.Logger) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("node: database required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Escrow == (escrow.Params{}) {
		cfg.Escrow = escrow.DefaultParams()
	}
	cfg.Escrow = cfg.Escrow.WithDefaults()
	if err := cfg.Escrow.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxMempool <= 0 {
		cfg.MaxMempool = defaultMaxPool
	}
	if cfg.MaxPerBlock <= 0 || cfg.MaxPerBlock > cfg.MaxMempool {
		cfg.MaxPerBlock = cfg.MaxMempool
	}
	if cfg.FutureNonceMaxAge <= 0 {
		cfg.FutureNonceMaxAge = 30 * time.Second
	}

	chain, ok, err := OpenBlockchain(db)
	if err != nil {
		return nil, err
	}
	if !ok {
		if spec == nil {
			return nil, fmt.Errorf("node: empty database and no genesis spec")
		}
		if id, set := specChainID(spec); set && id != cfg.ChainID {
			return nil, fmt.Errorf("node: genesis chain id %d does not match configured %d", id, cfg.ChainID)
		}
		block, err := genesis.BuildGenesis(spec, db)
		if err != nil {
			return nil, err
		}
		overlay := storage.NewOverlay(db)
		hash, err := chain.stageBlock(overlay, block, true)
		if err != nil {
			return nil, err
		}
		if err := overlay.Flush(); err != nil {
			return nil, err
		}
		chain.advance(hash, 0)
		logger.Info("genesis initialised", slog.Int("allocations", len(spec.Allocations())))
	}

	return &Node{
		db:      db,
		cfg:     cfg,
		chain:   chain,
		mempool: NewMempool(cfg.MaxMempool),
		logger:  logger.With(slog.String("component", "ledger")),
		metrics: observability.Ledger(),
		now:     time.Now,
		subs:    make(map[uint64]chan EventRecord),
	}, nil
}

func specChainID(spec *genesis.GenesisSpec) (uint64, bool) {
	if spec.ChainID == nil {
		return 0, false
	}
	return *spec.ChainID, true
}

// SetNowFunc overrides the block clock. Tests use it.
func (n *Node) SetNowFunc(now func() time.Time) {
	if now != nil {
		n.now = now
	}
}

func (n *Node) ChainID() uint64       { return n.cfg.ChainID }
func (n *Node) Height() uint64        { return n.chain.GetHeight() }
func (n *Node) Params() escrow.Params { return n.cfg.Escrow }
func (n *Node) Chain() *Blockchain    { return n.chain }
func (n *Node) MempoolSize() int      { return n.mempool.Len() }

// View returns a read-only view of committed state. Writes made through it
// are never committed.
func (n *Node) View() *state.Manager { return state.NewManager(n.db) }

// AddTransaction admits tx into the mempool after the stateless checks and
// returns its hash. Transition preconditions are not checked here; they are
// evaluated when the transaction is applied.
func (n *Node) AddTransaction(tx *types.Transaction) (string, error) {
	if tx == nil {
		return "", fmt.Errorf("node: nil transaction")
	}
	if tx.ChainID != n.cfg.ChainID {
		return "", fmt.Errorf("%w: got %d, want %d", ledgererrors.ErrInvalidChainID, tx.ChainID, n.cfg.ChainID)
	}
	from, err := tx.From()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ledgererrors.ErrInvalidSignature, err)
	}
	if tx.Module() != escrow.ModuleName {
		return "", fmt.Errorf("%w: %q", ledgererrors.ErrUnknownModule, tx.Module())
	}
	if err := escrow.ValidateRequest(tx.Function, tx.Args); err != nil {
		return "", err
	}
	hash, err := tx.HashHex()
	if err != nil {
		return "", err
	}
	if ok, err := n.db.Has(receiptKey(hash)); err != nil {
		return "", err
	} else if ok {
		return "", ledgererrors.ErrDuplicateTx
	}
	account, err := n.View().GetAccount(from)
	if err != nil {
		return "", err
	}
	if tx.Nonce < account.Nonce {
		return "", fmt.Errorf("%w: nonce %d, next %d", ledgererrors.ErrNonceTooLow, tx.Nonce, account.Nonce)
	}
	if err := n.mempool.add(&pendingTx{tx: tx, hash: hash, from: from, added: n.now()}); err != nil {
		return "", err
	}
	n.metrics.SetMempool(n.mempool.Len())
	n.logger.Debug("transaction admitted",
		slog.String("txHash", hash),
		slog.String("function", tx.Function),
		slog.Uint64("nonce", tx.Nonce))
	return hash, nil
}

// Nonce returns the next nonce the ledger expects from addr.
func (n *Node) Nonce(addr [20]byte) (uint64, error) {
	account, err := n.View().GetAccount(addr)
	if err != nil {
		return 0, err
	}
	return account.Nonce, nil
}

// PendingNonce is Nonce advanced past the sender's pending transactions.
func (n *Node) PendingNonce(addr [20]byte) (uint64, error) {
	next, err := n.Nonce(addr)
	if err != nil {
		return 0, err
	}
	if highest, ok := n.mempool.highestNonce(addr); ok && highest+1 > next {
		next = highest + 1
	}
	return next, nil
}

// Balance returns the balance of addr.
func (n *Node) Balance(addr [20]byte) (*big.Int, error) {
	account, err := n.View().GetAccount(addr)
	if err != nil {
		return nil, err
	}
	return account.Balance, nil
}

// Receipt returns the receipt of an included transaction.
func (n *Node) Receipt(hash string) (*types.Receipt, error) {
	raw, err := n.db.Get(receiptKey(hash))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ledgererrors.ErrReceiptNotFound
	}
	if err != nil {
		return nil, err
	}
	receipt := new(types.Receipt)
	if err := json.Unmarshal(raw, receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}

// IsPending reports whether hash is waiting in the mempool.
func (n *Node) IsPending(hash string) bool { return n.mempool.Has(hash) }

// Events returns up to limit ledger events with sequence numbers at or
// above from.
func (n *Node) Events(from uint64, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	out := make([]EventRecord, 0)
	var decodeErr error
	err := n.db.Iterate(eventPrefix, func(key, value []byte) bool {
		if binary.BigEndian.Uint64(key[len(eventPrefix):]) < from {
			return true
		}
		var rec EventRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			decodeErr = err
			return false
		}
		out = append(out, rec)
		return len(out) < limit
	})
	if err != nil {
		return nil, err
	}
	return out, decodeErr
}

// Subscribe returns a channel receiving events of every block produced after
// the call. Slow subscribers miss events rather than stall block production;
// they can catch up through Events.
func (n *Node) Subscribe(buffer int) (<-chan EventRecord, func()) {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan EventRecord, buffer)
	n.subMu.Lock()
	id := n.nextSub
	n.nextSub++
	n.subs[id] = ch
	n.subMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.subMu.Lock()
			delete(n.subs, id)
			n.subMu.Unlock()
			close(ch)
		})
	}
}

func (n *Node) publish(records []EventRecord) {
	n.subMu.Lock()
	defer n.subMu.Unlock()
	for _, rec := range records {
		for _, ch := range n.subs {
			select {
			case ch <- rec:
			default:
			}
		}
	}
}

// Run produces a block every interval until ctx is cancelled.
func (n *Node) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, _, err := n.ProduceBlock(); err != nil {
				n.logger.Error("block production failed", slog.Any("error", err))
			}
		}
	}
}

type blockBuilder struct {
	node     *Node
	overlay  *storage.Overlay
	header   *types.BlockHeader
	txs      []*types.Transaction
	receipts []*types.Receipt
	records  []EventRecord
	done     map[string]struct{}
	seq      uint64
}

// ProduceBlock applies pending transactions and seals a block. It returns a
// nil block when there was nothing to include.
func (n *Node) ProduceBlock() (*types.Block, []*types.Receipt, error) {
	n.produceMu.Lock()
	defer n.produceMu.Unlock()

	pending := n.mempool.snapshot()
	if len(pending) == 0 {
		return nil, nil, nil
	}
	now := n.now()
	seq, err := n.loadEventSeq()
	if err != nil {
		return nil, nil, err
	}
	b := &blockBuilder{
		node:    n,
		overlay: storage.NewOverlay(n.db),
		header: &types.BlockHeader{
			Height:    n.chain.GetHeight() + 1,
			Timestamp: now.Unix(),
			PrevHash:  n.chain.Tip(),
		},
		done: make(map[string]struct{}),
		seq:  seq,
	}

	// Transactions are taken in arrival order. A nonce gap defers the
	// transaction; later passes pick it up once its predecessors applied.
	for progress := true; progress && len(b.txs) < n.cfg.MaxPerBlock; {
		progress = false
		for _, p := range pending {
			if len(b.txs) >= n.cfg.MaxPerBlock {
				break
			}
			if _, seen := b.done[p.hash]; seen {
				continue
			}
			applied, err := b.consider(p, now)
			if err != nil {
				return nil, nil, err
			}
			progress = progress || applied
		}
	}
	if len(b.txs) == 0 {
		n.mempool.remove(b.done)
		n.metrics.SetMempool(n.mempool.Len())
		return nil, nil, nil
	}

	block, err := b.seal()
	if err != nil {
		return nil, nil, err
	}
	n.mempool.remove(b.done)
	n.metrics.SetMempool(n.mempool.Len())
	interval := time.Duration(0)
	if !n.lastBlock.IsZero() {
		interval = now.Sub(n.lastBlock)
	}
	n.lastBlock = now
	n.metrics.RecordBlock(interval)
	n.logger.Info("block produced",
		slog.Uint64("height", block.Header.Height),
		slog.Int("txs", len(block.Transactions)),
		slog.Int("events", len(b.records)))
	n.publish(b.records)
	return block, b.receipts, nil
}

// consider decides the fate of one pending transaction. It reports whether
// the transaction was included.
func (b *blockBuilder) consider(p *pendingTx, now time.Time) (bool, error) {
	n := b.node
	mgr := state.NewManager(b.overlay)
	account, err := mgr.GetAccount(p.from)
	if err != nil {
		return false, err
	}
	switch {
	case p.tx.Nonce < account.Nonce:
		return true, b.include(p, &types.Receipt{
			Status:      types.ReceiptFailed,
			ErrorKind:   ledgererrors.ReceiptKindRejected,
			ErrorReason: ledgererrors.ReasonNonceTooLow,
			Error:       fmt.Sprintf("nonce %d already used, next %d", p.tx.Nonce, account.Nonce),
		}, nil)
	case p.tx.Nonce > account.Nonce:
		if now.Sub(p.added) < n.cfg.FutureNonceMaxAge {
			return false, nil
		}
		n.metrics.RecordDrop(ledgererrors.ReasonNonceGap)
		return true, b.include(p, &types.Receipt{
			Status:      types.ReceiptFailed,
			ErrorKind:   ledgererrors.ReceiptKindRejected,
			ErrorReason: ledgererrors.ReasonNonceGap,
			Error:       fmt.Sprintf("nonce %d never became current (next %d)", p.tx.Nonce, account.Nonce),
		}, nil)
	}

	recorder := &events.Recorder{}
	engine := escrow.NewEngine(n.cfg.Escrow)
	engine.SetState(mgr)
	engine.SetEmitter(recorder)
	engine.SetNowFunc(func() int64 { return b.header.Timestamp })

	receipt := &types.Receipt{Status: types.ReceiptSuccess}
	applyErr := engine.Apply(p.from, p.tx.Function, p.tx.Args)
	if applyErr != nil {
		mgr.Discard()
		receipt.Status = types.ReceiptFailed
		receipt.Error = applyErr.Error()
		receipt.ErrorReason = escrow.ReasonOf(applyErr)
		if kind, ok := escrow.KindOf(applyErr); ok {
			receipt.ErrorKind = kind.String()
		} else {
			receipt.ErrorKind = ledgererrors.ReceiptKindRejected
			receipt.ErrorReason = ledgererrors.ReasonInternalFailure
			n.logger.Error("transition failed unexpectedly",
				slog.String("txHash", p.hash),
				slog.Any("error", applyErr))
		}
	}
	// The transition may have moved the sender's balance; reload before
	// consuming the nonce.
	account, err = mgr.GetAccount(p.from)
	if err != nil {
		return false, err
	}
	account.Nonce++
	if err := mgr.PutAccount(p.from, account); err != nil {
		return false, err
	}
	if err := mgr.Commit(); err != nil {
		return false, err
	}

	var emitted []types.Event
	if applyErr == nil {
		emitted = recorder.Events()
	}
	return true, b.include(p, receipt, emitted)
}

func (b *blockBuilder) include(p *pendingTx, receipt *types.Receipt, emitted []types.Event) error {
	receipt.TxHash = p.hash
	receipt.Height = b.header.Height
	receipt.Index = len(b.txs)
	receipt.Events = emitted
	for _, evt := range emitted {
		b.seq++
		b.records = append(b.records, EventRecord{Seq: b.seq, Height: b.header.Height, TxHash: p.hash, Event: evt})
	}
	b.txs = append(b.txs, p.tx)
	b.receipts = append(b.receipts, receipt)
	b.done[p.hash] = struct{}{}

	status := "success"
	if !receipt.Succeeded() {
		status = "failed"
	}
	b.node.metrics.RecordTx(status, receipt.ErrorKind)
	recordEscrowMetrics(emitted)
	return nil
}

func (b *blockBuilder) seal() (*types.Block, error) {
	txRoot, err := types.ComputeTxRoot(b.txs)
	if err != nil {
		return nil, err
	}
	b.header.TxRoot = txRoot
	block := types.NewBlock(b.header, b.txs)
	hash, err := b.node.chain.stageBlock(b.overlay, block, false)
	if err != nil {
		return nil, err
	}
	for _, receipt := range b.receipts {
		raw, err := json.Marshal(receipt)
		if err != nil {
			return nil, err
		}
		if err := b.overlay.Put(receiptKey(receipt.TxHash), raw); err != nil {
			return nil, err
		}
	}
	for _, rec := range b.records {
		raw, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		if err := b.overlay.Put(eventKey(rec.Seq), raw); err != nil {
			return nil, err
		}
	}
	var seqRecord [8]byte
	binary.BigEndian.PutUint64(seqRecord[:], b.seq)
	if err := b.overlay.Put(eventSeqKey, seqRecord[:]); err != nil {
		return nil, err
	}
	if err := b.overlay.Flush(); err != nil {
		return nil, fmt.Errorf("node: write block %d: %w", b.header.Height, err)
	}
	b.node.chain.advance(hash, b.header.Height)
	return block, nil
}

func (n *Node) loadEventSeq() (uint64, error) {
	raw, err := n.db.Get(eventSeqKey)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("node: corrupt event sequence")
	}
	return binary.BigEndian.Uint64(raw), nil
}

func recordEscrowMetrics(emitted []types.Event) {
	if len(emitted) == 0 {
		return
	}
	m := observability.Escrow()
	for _, evt := range emitted {
		switch evt.Type {
		case events.TypeTransfer:
			amount, _ := new(big.Int).SetString(evt.Attributes["amount"], 10)
			m.RecordTransfer(evt.Attributes["reason"], amount, escrow.DisplayDecimals)
		case escrow.EventTypeMilestoneApproved:
			if evt.Attributes["disputed"] == "true" {
				m.RecordDisputeOutcome("approved")
			}
		case escrow.EventTypeMilestoneRejected:
			m.RecordDisputeOutcome("rejected")
		}
	}
}

// SortedEventTypes lists the event types a block may carry. The RPC layer
// exposes it for subscribers that filter by type.
func SortedEventTypes() []string {
	out := []string{
		events.TypeTransfer,
		escrow.EventTypeJobCreated,
		escrow.EventTypeWorkSubmitted,
		escrow.EventTypeMilestoneApproved,
		escrow.EventTypeDisputeStarted,
		escrow.EventTypeReviewersAssigned,
		escrow.EventTypeVoteCast,
		escrow.EventTypeMilestoneRejected,
		escrow.EventTypeJobCompleted,
		escrow.EventTypeJobCancelled,
		escrow.EventTypeJobRefunded,
		escrow.EventTypePayout,
	}
	sort.Strings(out)
	return out
}
