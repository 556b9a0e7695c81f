package main

import (
	"context"
	"errors"
	"fmt"

	"workchain/crypto"
	nativeescrow "workchain/native/escrow"
	sdkescrow "workchain/sdk/escrow"
	"workchain/sdk/rpcclient"
)

func (c *cli) reader() (*sdkescrow.Reader, error) {
	client, err := c.rpc()
	if err != nil {
		return nil, err
	}
	return sdkescrow.NewReader(client, c.logger), nil
}

func runChain(ctx context.Context, c *cli, _ []string) error {
	client, err := c.rpc()
	if err != nil {
		return err
	}
	info, err := client.ChainInfo(ctx)
	if err != nil {
		return err
	}
	return c.printJSON(info)
}

func runParams(ctx context.Context, c *cli, _ []string) error {
	client, err := c.rpc()
	if err != nil {
		return err
	}
	params, err := client.Params(ctx)
	if err != nil {
		return err
	}
	return c.printJSON(params)
}

func runBalance(ctx context.Context, c *cli, args []string) error {
	client, err := c.rpc()
	if err != nil {
		return err
	}
	var addr [20]byte
	if len(args) > 0 {
		if addr, err = crypto.ParseAddress(args[0]); err != nil {
			return err
		}
	} else {
		key, err := c.loadKey()
		if err != nil {
			return err
		}
		addr = key.PubKey().Address().Raw()
	}
	balance, err := client.Balance(ctx, addr)
	if err != nil {
		return err
	}
	return c.printJSON(balance)
}

func runReceipt(ctx context.Context, c *cli, args []string) error {
	if len(args) == 0 {
		return errors.New("receipt requires a transaction hash")
	}
	client, err := c.rpc()
	if err != nil {
		return err
	}
	receipt, err := client.Receipt(ctx, args[0])
	if err != nil {
		return err
	}
	return c.printJSON(receipt)
}

func runJob(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet("job", c.stderr)
	job := fs.Uint64("job", 0, "job id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	client, err := c.rpc()
	if err != nil {
		return err
	}
	view, err := client.Job(ctx, *job)
	if err != nil {
		return err
	}
	return c.printJSON(view)
}

func runStatus(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet("status", c.stderr)
	job := fs.Uint64("job", 0, "job id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	r, err := c.reader()
	if err != nil {
		return err
	}
	status, err := r.GetProjectStatus(ctx, *job)
	if err != nil {
		return err
	}
	return c.printJSON(map[string]any{"jobId": *job, "status": status.String(), "statusCode": uint8(status)})
}

func milestoneFlags(name string, c *cli, args []string) (uint64, uint64, error) {
	fs := newFlagSet(name, c.stderr)
	job := fs.Uint64("job", 0, "job id")
	index := fs.Uint64("index", 0, "milestone index")
	if err := fs.Parse(args); err != nil {
		return 0, 0, err
	}
	return *job, *index, nil
}

func runMilestone(ctx context.Context, c *cli, args []string) error {
	job, index, err := milestoneFlags("milestone", c, args)
	if err != nil {
		return err
	}
	r, err := c.reader()
	if err != nil {
		return err
	}
	status, err := r.GetMilestoneStatus(ctx, job, index)
	if err != nil {
		return err
	}
	return c.printJSON(map[string]any{"jobId": job, "index": index, "status": status.String(), "statusCode": uint8(status)})
}

func runReviewers(ctx context.Context, c *cli, args []string) error {
	job, index, err := milestoneFlags("reviewers", c, args)
	if err != nil {
		return err
	}
	r, err := c.reader()
	if err != nil {
		return err
	}
	reviewers, err := r.GetMilestoneReviewers(ctx, job, index)
	if err != nil {
		return err
	}
	return c.printJSON(formatAddresses(reviewers))
}

type voteLine struct {
	Reviewer string `json:"reviewer"`
	Approve  bool   `json:"approve"`
}

func runVotes(ctx context.Context, c *cli, args []string) error {
	job, index, err := milestoneFlags("votes", c, args)
	if err != nil {
		return err
	}
	r, err := c.reader()
	if err != nil {
		return err
	}
	voters, votes, err := r.GetMilestoneVotes(ctx, job, index)
	if err != nil {
		return err
	}
	out := make([]voteLine, len(voters))
	for i := range voters {
		out[i] = voteLine{Reviewer: crypto.FormatAddress(voters[i]), Approve: votes[i]}
	}
	return c.printJSON(out)
}

func runIsReviewer(ctx context.Context, c *cli, args []string) error {
	if len(args) == 0 {
		return errors.New("is-reviewer requires an address")
	}
	addr, err := crypto.ParseAddress(args[0])
	if err != nil {
		return err
	}
	r, err := c.reader()
	if err != nil {
		return err
	}
	ok, err := r.IsReviewer(ctx, addr)
	if err != nil {
		return err
	}
	return c.printJSON(map[string]any{"address": args[0], "reviewer": ok})
}

type actionsView struct {
	JobID     uint64             `json:"jobId"`
	Identity  string             `json:"identity"`
	Role      sdkescrow.Role     `json:"role"`
	Milestone *uint64            `json:"milestone,omitempty"`
	Actions   []sdkescrow.Action `json:"actions"`
}

// runActions prints what an identity may do on a job. The identity is --as
// or the keystore address; the milestone is --index or the current one.
func runActions(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet("actions", c.stderr)
	jobID := fs.Uint64("job", 0, "job id")
	as := fs.String("as", "", "identity to evaluate (defaults to the keystore address)")
	index := fs.Int64("index", -1, "milestone index (defaults to the current milestone)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var identity [20]byte
	if *as != "" {
		addr, err := crypto.ParseAddress(*as)
		if err != nil {
			return fmt.Errorf("--as: %w", err)
		}
		identity = addr
	} else {
		key, err := c.loadKey()
		if err != nil {
			return err
		}
		identity = key.PubKey().Address().Raw()
	}
	r, err := c.reader()
	if err != nil {
		return err
	}
	job, err := r.Job(ctx, *jobID)
	if err != nil {
		return err
	}
	var ms *nativeescrow.Milestone
	if *index >= 0 {
		m, ok := job.Milestone(uint64(*index))
		if !ok {
			return nativeescrow.ErrMilestoneNotFound.With("job %d has no milestone %d", job.ID, *index)
		}
		ms = m
	} else {
		ms = job.Current()
	}
	out := actionsView{
		JobID:    job.ID,
		Identity: crypto.FormatAddress(identity),
		Role:     sdkescrow.RoleOf(identity, job),
		Actions:  sdkescrow.PermittedActions(identity, job, ms).Sorted(),
	}
	if ms != nil {
		idx := ms.Index
		out.Milestone = &idx
	}
	if out.Actions == nil {
		out.Actions = []sdkescrow.Action{}
	}
	return c.printJSON(out)
}

func runEvents(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet("events", c.stderr)
	from := fs.Uint64("from", 0, "first sequence number")
	limit := fs.Int("limit", 100, "page size")
	eventType := fs.String("type", "", "event type filter")
	follow := fs.Bool("follow", false, "stream new events until interrupted")
	if err := fs.Parse(args); err != nil {
		return err
	}
	client, err := c.rpc()
	if err != nil {
		return err
	}
	if *follow {
		sub := rpcclient.Subscription{From: *from, Replay: true, Type: *eventType}
		err := client.SubscribeEvents(ctx, sub, func(rec rpcclient.EventRecord) error {
			return c.printJSON(rec)
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	page, err := client.ListEvents(ctx, rpcclient.EventFilter{From: *from, Limit: *limit, Type: *eventType})
	if err != nil {
		return err
	}
	return c.printJSON(page)
}

func formatAddresses(addrs [][20]byte) []string {
	out := make([]string, len(addrs))
	for i, addr := range addrs {
		out[i] = crypto.FormatAddress(addr)
	}
	return out
}
