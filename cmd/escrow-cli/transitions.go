package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"strings"

	"workchain/crypto"
	nativeescrow "workchain/native/escrow"
	sdkescrow "workchain/sdk/escrow"
	"workchain/sdk/wallet"
)

type buildFunc func(b *sdkescrow.Builder) (wallet.Request, error)

type submission struct {
	Action  string `json:"action"`
	TxHash  string `json:"txHash"`
	Phase   string `json:"phase"`
	JobID   string `json:"jobId,omitempty"`
	Warning string `json:"warning,omitempty"`
}

// transition builds, signs and broadcasts one request. Without wait it
// reports the optimistic Submitted phase and returns.
func (c *cli) transition(ctx context.Context, wait bool, build buildFunc) error {
	client, err := c.rpc()
	if err != nil {
		return err
	}
	reader := sdkescrow.NewReader(client, c.logger)
	params, err := reader.Params(ctx)
	if err != nil {
		return fmt.Errorf("read escrow params: %w", err)
	}
	req, err := build(sdkescrow.NewBuilder(params))
	if err != nil {
		return err
	}
	key, err := c.loadKey()
	if err != nil {
		return err
	}
	chainID, err := c.chainID(ctx, client)
	if err != nil {
		return err
	}
	w, err := wallet.NewKeyWallet(key, client, chainID)
	if err != nil {
		return err
	}
	submitter := sdkescrow.NewSubmitter(w,
		sdkescrow.WithConfirmationTimeout(c.profile.Timeout),
		sdkescrow.WithLogger(c.logger))

	pending, err := submitter.Submit(ctx, req)
	if err != nil {
		return err
	}
	out := submission{Action: req.Function, TxHash: string(pending.Ref), Phase: sdkescrow.PhaseSubmitted.String()}
	if !wait {
		return c.printJSON(out)
	}
	res, err := pending.Wait(ctx)
	if err != nil {
		return err
	}
	out.Phase = res.Phase.String()
	switch res.Phase {
	case sdkescrow.PhaseFailed:
		if err := c.printJSON(out); err != nil {
			return err
		}
		return res.Err
	case sdkescrow.PhaseSubmitted:
		if res.Err != nil {
			out.Warning = res.Err.Error()
		}
	case sdkescrow.PhaseConfirmed:
		if req.Function == nativeescrow.FnCreateJob {
			if id, err := sdkescrow.CreatedJobID(res.Receipt); err == nil {
				out.JobID = fmt.Sprint(id)
			}
		}
	}
	return c.printJSON(out)
}

func jobFlags(name string, c *cli) (*flag.FlagSet, *uint64, *bool) {
	fs := newFlagSet(name, c.stderr)
	job := fs.Uint64("job", 0, "job id")
	wait := fs.Bool("wait", false, "wait for confirmation")
	return fs, job, wait
}

func parseJobCommand(name string, c *cli, args []string) (uint64, bool, error) {
	fs, job, wait := jobFlags(name, c)
	if err := fs.Parse(args); err != nil {
		return 0, false, err
	}
	if *job == 0 {
		return 0, false, errors.New("--job is required")
	}
	return *job, *wait, nil
}

func runCreate(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet("create", c.stderr)
	freelancer := fs.String("freelancer", "", "freelancer address")
	platform := fs.String("platform", "", "platform address")
	amounts := fs.String("amounts", "", "comma separated milestone amounts in base units")
	minVotes := fs.Uint64("min-votes", 0, "votes needed to resolve a dispute (0 selects the ledger default)")
	descriptions := fs.String("descriptions", "", "comma separated milestone descriptions")
	currency := fs.String("currency", "", "currency tag")
	wait := fs.Bool("wait", false, "wait for confirmation")
	if err := fs.Parse(args); err != nil {
		return err
	}
	req := nativeescrow.CreateJobRequest{MinVotes: *minVotes, Currency: *currency}
	var err error
	if req.Freelancer, err = parseAddressFlag("freelancer", *freelancer); err != nil {
		return err
	}
	if req.Platform, err = parseAddressFlag("platform", *platform); err != nil {
		return err
	}
	if req.Amounts, err = parseAmounts(*amounts); err != nil {
		return err
	}
	if strings.TrimSpace(*descriptions) != "" {
		for _, d := range strings.Split(*descriptions, ",") {
			req.Descriptions = append(req.Descriptions, strings.TrimSpace(d))
		}
	}
	return c.transition(ctx, *wait, func(b *sdkescrow.Builder) (wallet.Request, error) {
		return b.CreateJob(req)
	})
}

func runSubmitWork(ctx context.Context, c *cli, args []string) error {
	fs, job, wait := jobFlags("submit", c)
	evidence := fs.String("evidence", "", "evidence, usually a URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *job == 0 {
		return errors.New("--job is required")
	}
	if strings.TrimSpace(*evidence) == "" {
		return errors.New("--evidence is required")
	}
	return c.transition(ctx, *wait, func(b *sdkescrow.Builder) (wallet.Request, error) {
		return b.SubmitWork(*job, []byte(*evidence))
	})
}

func runApprove(ctx context.Context, c *cli, args []string) error {
	job, wait, err := parseJobCommand("approve", c, args)
	if err != nil {
		return err
	}
	return c.transition(ctx, wait, func(b *sdkescrow.Builder) (wallet.Request, error) {
		return b.ApproveMilestone(job)
	})
}

func runDispute(ctx context.Context, c *cli, args []string) error {
	job, wait, err := parseJobCommand("dispute", c, args)
	if err != nil {
		return err
	}
	return c.transition(ctx, wait, func(b *sdkescrow.Builder) (wallet.Request, error) {
		return b.StartDispute(job)
	})
}

func runAssign(ctx context.Context, c *cli, args []string) error {
	fs, job, wait := jobFlags("assign", c)
	list := fs.String("reviewers", "", "comma separated reviewer addresses")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *job == 0 {
		return errors.New("--job is required")
	}
	var reviewers [][20]byte
	for _, raw := range strings.Split(*list, ",") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		addr, err := parseAddressFlag("reviewers", raw)
		if err != nil {
			return err
		}
		reviewers = append(reviewers, addr)
	}
	return c.transition(ctx, *wait, func(b *sdkescrow.Builder) (wallet.Request, error) {
		return b.AssignReviewers(*job, reviewers)
	})
}

func runVote(ctx context.Context, c *cli, args []string) error {
	fs, job, wait := jobFlags("vote", c)
	approve := fs.Bool("approve", false, "vote to approve")
	reject := fs.Bool("reject", false, "vote to reject")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *job == 0 {
		return errors.New("--job is required")
	}
	if *approve == *reject {
		return errors.New("exactly one of --approve or --reject is required")
	}
	return c.transition(ctx, *wait, func(b *sdkescrow.Builder) (wallet.Request, error) {
		return b.CastVote(*job, *approve)
	})
}

func runCancel(ctx context.Context, c *cli, args []string) error {
	job, wait, err := parseJobCommand("cancel", c, args)
	if err != nil {
		return err
	}
	return c.transition(ctx, wait, func(b *sdkescrow.Builder) (wallet.Request, error) {
		return b.CancelProject(job)
	})
}

func runRefund(ctx context.Context, c *cli, args []string) error {
	job, wait, err := parseJobCommand("refund", c, args)
	if err != nil {
		return err
	}
	return c.transition(ctx, wait, func(b *sdkescrow.Builder) (wallet.Request, error) {
		return b.RefundProject(job)
	})
}

func parseAddressFlag(name, value string) ([20]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return [20]byte{}, fmt.Errorf("--%s is required", name)
	}
	addr, err := crypto.ParseAddress(value)
	if err != nil {
		return [20]byte{}, fmt.Errorf("--%s: %w", name, err)
	}
	return addr, nil
}

func parseAmounts(value string) ([]*big.Int, error) {
	if strings.TrimSpace(value) == "" {
		return nil, errors.New("--amounts is required")
	}
	parts := strings.Split(value, ",")
	out := make([]*big.Int, 0, len(parts))
	for _, part := range parts {
		amount, ok := new(big.Int).SetString(strings.TrimSpace(part), 10)
		if !ok {
			return nil, fmt.Errorf("--amounts: %q is not an integer", part)
		}
		out = append(out, amount)
	}
	return out, nil
}
