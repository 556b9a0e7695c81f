// Package wallet defines the signing capability used by escrow clients and a
// key-backed implementation of it.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"workchain/core/types"
	"workchain/crypto"
	"workchain/sdk/rpcclient"
)

// ErrRejected is returned when the wallet holder declines to sign.
var ErrRejected = errors.New("wallet: signing rejected")

// TxRef is the reference of a broadcast transaction: its hex hash.
type TxRef string

// Request is an unsigned transition request.
type Request struct {
	Function string
	Args     []types.Arg
}

// Wallet is the capability to sign, submit and await inclusion on behalf of
// one identity. Callers never see key material.
type Wallet interface {
	Address() [20]byte
	SignAndSubmit(ctx context.Context, req Request) (TxRef, error)
	WaitForInclusion(ctx context.Context, ref TxRef) (*rpcclient.Receipt, error)
}

// Approver decides whether a request may be signed. Returning false yields
// ErrRejected.
type Approver func(req Request) bool

// KeyWallet signs with an in-memory key and submits through a node client.
type KeyWallet struct {
	key      *crypto.PrivateKey
	addr     [20]byte
	client   *rpcclient.Client
	chainID  uint64
	approve  Approver
	interval time.Duration

	mu        sync.Mutex
	nextNonce uint64
	haveNonce bool
}

// KeyOption configures a KeyWallet.
type KeyOption func(*KeyWallet)

// WithApprover installs a signing approval hook.
func WithApprover(fn Approver) KeyOption {
	return func(w *KeyWallet) { w.approve = fn }
}

// WithPollInterval sets how often WaitForInclusion polls the node.
func WithPollInterval(d time.Duration) KeyOption {
	return func(w *KeyWallet) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewKeyWallet binds key to the node behind client.
func NewKeyWallet(key *crypto.PrivateKey, client *rpcclient.Client, chainID uint64, opts ...KeyOption) (*KeyWallet, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, fmt.Errorf("wallet: signing key required")
	}
	if client == nil {
		return nil, fmt.Errorf("wallet: rpc client required")
	}
	w := &KeyWallet{
		key:      key,
		addr:     key.PubKey().Address().Raw(),
		client:   client,
		chainID:  chainID,
		interval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w, nil
}

func (w *KeyWallet) Address() [20]byte { return w.addr }

func (w *KeyWallet) reserveNonce(ctx context.Context) (uint64, error) {
	remote, err := w.client.Nonce(ctx, w.addr, true)
	if err != nil {
		return 0, fmt.Errorf("wallet: fetch nonce: %w", err)
	}
	if !w.haveNonce || remote > w.nextNonce {
		w.nextNonce = remote
		w.haveNonce = true
	}
	nonce := w.nextNonce
	w.nextNonce++
	return nonce, nil
}

// SignAndSubmit signs req with the next nonce and broadcasts it. A nonce
// conflict with another client of the same key resets the local counter and
// retries once.
func (w *KeyWallet) SignAndSubmit(ctx context.Context, req Request) (TxRef, error) {
	if strings.TrimSpace(req.Function) == "" {
		return "", fmt.Errorf("wallet: function required")
	}
	if w.approve != nil && !w.approve(req) {
		return "", ErrRejected
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	for attempt := 0; ; attempt++ {
		nonce, err := w.reserveNonce(ctx)
		if err != nil {
			return "", err
		}
		tx := &types.Transaction{
			ChainID:  w.chainID,
			Nonce:    nonce,
			Function: req.Function,
			Args:     req.Args,
		}
		if err := tx.Sign(w.key.PrivateKey); err != nil {
			return "", fmt.Errorf("wallet: sign transaction: %w", err)
		}
		hash, err := w.client.SendTransaction(ctx, tx)
		if err == nil {
			return TxRef(hash), nil
		}
		if attempt == 0 && rpcclient.IsCode(err, rpcclient.CodeNonceTooLow) {
			w.haveNonce = false
			continue
		}
		w.haveNonce = false
		return "", err
	}
}

// WaitForInclusion polls the node until ref leaves the mempool. It returns
// the receipt of an included transaction, failed or not.
func (w *KeyWallet) WaitForInclusion(ctx context.Context, ref TxRef) (*rpcclient.Receipt, error) {
	return PollReceipt(ctx, w.client, ref, w.interval)
}

// PollReceipt polls client for the receipt of ref every interval.
func PollReceipt(ctx context.Context, client *rpcclient.Client, ref TxRef, interval time.Duration) (*rpcclient.Receipt, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		receipt, err := client.Receipt(ctx, string(ref))
		switch {
		case err == nil && !receipt.Pending():
			return receipt, nil
		case err != nil && !rpcclient.IsCode(err, rpcclient.CodeNotFound):
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Funcs adapts plain functions to the Wallet interface.
type Funcs struct {
	Addr   [20]byte
	Submit func(ctx context.Context, req Request) (TxRef, error)
	Wait   func(ctx context.Context, ref TxRef) (*rpcclient.Receipt, error)
}

func (f Funcs) Address() [20]byte { return f.Addr }

func (f Funcs) SignAndSubmit(ctx context.Context, req Request) (TxRef, error) {
	if f.Submit == nil {
		return "", ErrRejected
	}
	return f.Submit(ctx, req)
}

func (f Funcs) WaitForInclusion(ctx context.Context, ref TxRef) (*rpcclient.Receipt, error) {
	if f.Wait == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.Wait(ctx, ref)
}
