package rpc

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	ledgererrors "workchain/core/errors"
	"workchain/core/types"
	"workchain/crypto"
	"workchain/native/escrow"
	"workchain/observability"
)

const (
	codeEscrowInvalidParams = -32021
	codeEscrowNotFound      = -32022
	codeEscrowForbidden     = -32023
	codeEscrowConflict      = -32024
)

const maxEventsPage = 1000

type listEventsParams struct {
	From  uint64 `json:"from"`
	Limit int    `json:"limit"`
	Type  string `json:"type,omitempty"`
}

func parseUintParam(raw json.RawMessage) (uint64, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		var num json.Number
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&num); err != nil {
			return 0, fmt.Errorf("expected an unsigned integer")
		}
		text = num.String()
	}
	return strconv.ParseUint(strings.TrimSpace(text), 10, 64)
}

func parseAddressParam(raw json.RawMessage) ([20]byte, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return [20]byte{}, fmt.Errorf("address must be a string")
	}
	return crypto.ParseAddress(strings.TrimSpace(text))
}

func jobParams(req *RPCRequest, withIndex bool) (uint64, uint64, *RPCError) {
	want := 1
	if withIndex {
		want = 2
	}
	if len(req.Params) != want {
		return 0, 0, &RPCError{Code: codeEscrowInvalidParams, Message: "invalid_params", Data: fmt.Sprintf("expected %d parameters", want)}
	}
	jobID, err := parseUintParam(req.Params[0])
	if err != nil {
		return 0, 0, &RPCError{Code: codeEscrowInvalidParams, Message: "invalid_params", Data: "job id: " + err.Error()}
	}
	if !withIndex {
		return jobID, 0, nil
	}
	index, err := parseUintParam(req.Params[1])
	if err != nil {
		return 0, 0, &RPCError{Code: codeEscrowInvalidParams, Message: "invalid_params", Data: "milestone index: " + err.Error()}
	}
	return jobID, index, nil
}

// escrowFailure maps a typed escrow error to its JSON-RPC form.
func escrowFailure(err error) (interface{}, int, *RPCError) {
	kind, ok := escrow.KindOf(err)
	if !ok {
		return serverError("escrow query failed", err)
	}
	reason := escrow.ReasonOf(err)
	code := escrowErrorCode(kind, reason)
	status := http.StatusBadRequest
	switch code {
	case codeEscrowNotFound:
		status = http.StatusNotFound
	case codeEscrowForbidden:
		status = http.StatusForbidden
	case codeEscrowConflict:
		status = http.StatusConflict
	}
	return nil, status, &RPCError{Code: code, Message: err.Error(), Data: EscrowErrorData{Kind: kind.String(), Reason: reason}}
}

func admissionFailure(err error) (interface{}, int, *RPCError) {
	switch {
	case errors.Is(err, ledgererrors.ErrDuplicateTx):
		return nil, http.StatusConflict, &RPCError{Code: codeDuplicateTx, Message: err.Error()}
	case errors.Is(err, ledgererrors.ErrNonceTooLow):
		return nil, http.StatusConflict, &RPCError{Code: codeNonceTooLow, Message: err.Error()}
	case errors.Is(err, ledgererrors.ErrMempoolFull):
		return nil, http.StatusServiceUnavailable, &RPCError{Code: codeMempoolFull, Message: err.Error()}
	case errors.Is(err, ledgererrors.ErrInvalidChainID),
		errors.Is(err, ledgererrors.ErrInvalidSignature),
		errors.Is(err, ledgererrors.ErrUnknownModule):
		return invalidParams(err.Error(), nil)
	}
	if _, ok := escrow.KindOf(err); ok {
		return escrowFailure(err)
	}
	return serverError("failed to admit transaction", err)
}

func (s *Server) handleSendTransaction(r *http.Request, req *RPCRequest) (interface{}, int, *RPCError) {
	if authErr := s.requireAuth(r); authErr != nil {
		observability.ModuleMetrics().RecordThrottle(moduleName, "unauthorized")
		return nil, http.StatusUnauthorized, authErr
	}
	source := s.clientSource(r)
	if !s.limiter.allow(source, time.Now()) {
		observability.ModuleMetrics().RecordThrottle(moduleName, "rate_limit")
		return nil, http.StatusTooManyRequests, &RPCError{Code: codeRateLimited, Message: "transaction rate limit exceeded", Data: source}
	}
	if len(req.Params) != 1 {
		return invalidParams("transaction parameter required", nil)
	}
	var tx types.Transaction
	if err := json.Unmarshal(req.Params[0], &tx); err != nil {
		return invalidParams("invalid transaction format", err.Error())
	}
	hash, err := s.node.AddTransaction(&tx)
	if err != nil {
		return admissionFailure(err)
	}
	return SendTransactionResult{TxHash: hash}, http.StatusOK, nil
}

func (s *Server) handleGetReceipt(_ *http.Request, req *RPCRequest) (interface{}, int, *RPCError) {
	if len(req.Params) != 1 {
		return invalidParams("transaction hash required", nil)
	}
	var hash string
	if err := json.Unmarshal(req.Params[0], &hash); err != nil {
		return invalidParams("transaction hash must be a string", err.Error())
	}
	hash = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(hash), "0x"))
	if _, err := hex.DecodeString(hash); err != nil || hash == "" {
		return invalidParams("invalid transaction hash", hash)
	}
	receipt, err := s.node.Receipt(hash)
	switch {
	case err == nil:
		return receiptResult(receipt), http.StatusOK, nil
	case errors.Is(err, ledgererrors.ErrReceiptNotFound):
		if s.node.IsPending(hash) {
			return ReceiptResult{TxHash: hash, Status: ReceiptStatusPending}, http.StatusOK, nil
		}
		return nil, http.StatusNotFound, &RPCError{Code: codeNotFound, Message: "transaction not found", Data: hash}
	default:
		return serverError("failed to load receipt", err)
	}
}

func (s *Server) handleGetNonce(_ *http.Request, req *RPCRequest) (interface{}, int, *RPCError) {
	if len(req.Params) < 1 || len(req.Params) > 2 {
		return invalidParams("address required", nil)
	}
	addr, err := parseAddressParam(req.Params[0])
	if err != nil {
		return invalidParams("invalid address", err.Error())
	}
	pending := true
	if len(req.Params) == 2 {
		var tag string
		if err := json.Unmarshal(req.Params[1], &tag); err != nil {
			return invalidParams("block tag must be a string", err.Error())
		}
		switch tag {
		case "pending":
		case "latest":
			pending = false
		default:
			return invalidParams("block tag must be pending or latest", tag)
		}
	}
	var nonce uint64
	if pending {
		nonce, err = s.node.PendingNonce(addr)
	} else {
		nonce, err = s.node.Nonce(addr)
	}
	if err != nil {
		return serverError("failed to load nonce", err)
	}
	return nonce, http.StatusOK, nil
}

func (s *Server) handleGetBalance(_ *http.Request, req *RPCRequest) (interface{}, int, *RPCError) {
	if len(req.Params) != 1 {
		return invalidParams("address required", nil)
	}
	addr, err := parseAddressParam(req.Params[0])
	if err != nil {
		return invalidParams("invalid address", err.Error())
	}
	account, err := s.node.View().GetAccount(addr)
	if err != nil {
		return serverError("failed to load account", err)
	}
	return BalanceResult{
		Address:  crypto.FormatAddress(addr),
		Balance:  account.Balance.String(),
		Nonce:    account.Nonce,
		Currency: s.node.Params().Currency,
		Decimals: escrow.DisplayDecimals,
	}, http.StatusOK, nil
}

func (s *Server) handleChainInfo(_ *http.Request, _ *RPCRequest) (interface{}, int, *RPCError) {
	return ChainInfoResult{
		ChainID:  s.node.ChainID(),
		Height:   s.node.Height(),
		TipHash:  hex.EncodeToString(s.node.Chain().Tip()),
		Mempool:  s.node.MempoolSize(),
		Currency: s.node.Params().Currency,
		Decimals: escrow.DisplayDecimals,
	}, http.StatusOK, nil
}

func (s *Server) handleEscrowParams(_ *http.Request, _ *RPCRequest) (interface{}, int, *RPCError) {
	return s.node.Params(), http.StatusOK, nil
}

func (s *Server) handleEscrowGetJob(_ *http.Request, req *RPCRequest) (interface{}, int, *RPCError) {
	jobID, _, rpcErr := jobParams(req, false)
	if rpcErr != nil {
		return nil, http.StatusBadRequest, rpcErr
	}
	job, err := escrow.GetJob(s.node.View(), jobID)
	if err != nil {
		return escrowFailure(err)
	}
	return escrow.NewJobView(job), http.StatusOK, nil
}

func (s *Server) handleEscrowProjectStatus(_ *http.Request, req *RPCRequest) (interface{}, int, *RPCError) {
	jobID, _, rpcErr := jobParams(req, false)
	if rpcErr != nil {
		return nil, http.StatusBadRequest, rpcErr
	}
	status, err := escrow.GetProjectStatus(s.node.View(), jobID)
	if err != nil {
		return escrowFailure(err)
	}
	return StatusResult{Status: status.String(), StatusCode: uint8(status)}, http.StatusOK, nil
}

func (s *Server) handleEscrowMilestoneStatus(_ *http.Request, req *RPCRequest) (interface{}, int, *RPCError) {
	jobID, index, rpcErr := jobParams(req, true)
	if rpcErr != nil {
		return nil, http.StatusBadRequest, rpcErr
	}
	status, err := escrow.GetMilestoneStatus(s.node.View(), jobID, index)
	if err != nil {
		return escrowFailure(err)
	}
	return StatusResult{Status: status.String(), StatusCode: uint8(status)}, http.StatusOK, nil
}

func (s *Server) handleEscrowMilestoneReviewers(_ *http.Request, req *RPCRequest) (interface{}, int, *RPCError) {
	jobID, index, rpcErr := jobParams(req, true)
	if rpcErr != nil {
		return nil, http.StatusBadRequest, rpcErr
	}
	reviewers, err := escrow.GetMilestoneReviewers(s.node.View(), jobID, index)
	if err != nil {
		return escrowFailure(err)
	}
	out := make([]string, len(reviewers))
	for i, reviewer := range reviewers {
		out[i] = crypto.FormatAddress(reviewer)
	}
	return out, http.StatusOK, nil
}

func (s *Server) handleEscrowMilestoneVotes(_ *http.Request, req *RPCRequest) (interface{}, int, *RPCError) {
	jobID, index, rpcErr := jobParams(req, true)
	if rpcErr != nil {
		return nil, http.StatusBadRequest, rpcErr
	}
	voters, votes, err := escrow.GetMilestoneVotes(s.node.View(), jobID, index)
	if err != nil {
		return escrowFailure(err)
	}
	result := VotesResult{Voters: make([]string, len(voters)), Votes: make([]uint8, len(votes))}
	for i := range voters {
		result.Voters[i] = crypto.FormatAddress(voters[i])
		if votes[i] {
			result.Votes[i] = 1
		}
	}
	return result, http.StatusOK, nil
}

func (s *Server) handleEscrowIsReviewer(_ *http.Request, req *RPCRequest) (interface{}, int, *RPCError) {
	if len(req.Params) != 1 {
		return nil, http.StatusBadRequest, &RPCError{Code: codeEscrowInvalidParams, Message: "invalid_params", Data: "address required"}
	}
	addr, err := parseAddressParam(req.Params[0])
	if err != nil {
		return nil, http.StatusBadRequest, &RPCError{Code: codeEscrowInvalidParams, Message: "invalid_params", Data: err.Error()}
	}
	ok, err := escrow.IsReviewer(s.node.View(), addr)
	if err != nil {
		return serverError("failed to load reviewer index", err)
	}
	return ok, http.StatusOK, nil
}

func (s *Server) handleEscrowListEvents(_ *http.Request, req *RPCRequest) (interface{}, int, *RPCError) {
	params := listEventsParams{Limit: 100}
	if len(req.Params) > 1 {
		return nil, http.StatusBadRequest, &RPCError{Code: codeEscrowInvalidParams, Message: "invalid_params", Data: "at most one parameter object expected"}
	}
	if len(req.Params) == 1 {
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			return nil, http.StatusBadRequest, &RPCError{Code: codeEscrowInvalidParams, Message: "invalid_params", Data: err.Error()}
		}
	}
	if params.Limit <= 0 || params.Limit > maxEventsPage {
		params.Limit = maxEventsPage
	}
	records, err := s.node.Events(params.From, params.Limit)
	if err != nil {
		return serverError("failed to load events", err)
	}
	result := EventsResult{Events: records[:0], Next: params.From}
	for _, rec := range records {
		result.Next = rec.Seq + 1
		if params.Type != "" && rec.Event.Type != params.Type {
			continue
		}
		result.Events = append(result.Events, rec)
	}
	return result, http.StatusOK, nil
}
