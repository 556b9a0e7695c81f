package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"workchain/cmd/internal/passphrase"
	"workchain/crypto"
	nativeescrow "workchain/native/escrow"
	"workchain/observability/logging"
	"workchain/sdk/rpcclient"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type cli struct {
	stdout  io.Writer
	stderr  io.Writer
	profile Profile
	pass    *passphrase.Source
	logger  *slog.Logger
	client  *rpcclient.Client
}

type command func(ctx context.Context, c *cli, args []string) error

var commands = map[string]command{
	"key":         runKey,
	"chain":       runChain,
	"balance":     runBalance,
	"params":      runParams,
	"receipt":     runReceipt,
	"create":      runCreate,
	"submit":      runSubmitWork,
	"approve":     runApprove,
	"dispute":     runDispute,
	"assign":      runAssign,
	"vote":        runVote,
	"cancel":      runCancel,
	"refund":      runRefund,
	"job":         runJob,
	"status":      runStatus,
	"milestone":   runMilestone,
	"reviewers":   runReviewers,
	"votes":       runVotes,
	"is-reviewer": runIsReviewer,
	"actions":     runActions,
	"events":      runEvents,
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	profile, rest, err := parseGlobal(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(rest) == 0 {
		fmt.Fprint(stderr, usage())
		return 1
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		fmt.Fprintf(stderr, "Unknown command: %s\n", rest[0])
		fmt.Fprint(stderr, usage())
		return 1
	}
	c := &cli{
		stdout:  stdout,
		stderr:  stderr,
		profile: profile,
		pass:    passphrase.NewSource(profile.PassEnv, "Enter keystore passphrase: "),
		logger:  slog.New(logging.NewHandler(stderr, slog.LevelWarn)),
	}
	if err := cmd(ctx, c, rest[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		printError(stderr, err)
		return 1
	}
	return 0
}

func printError(w io.Writer, err error) {
	var typed *nativeescrow.Error
	if errors.As(err, &typed) {
		fmt.Fprintf(w, "Error [%s/%s]: %v\n", typed.Kind, typed.Reason, err)
		return
	}
	fmt.Fprintf(w, "Error: %v\n", err)
}

func (c *cli) rpc() (*rpcclient.Client, error) {
	if c.client != nil {
		return c.client, nil
	}
	var opts []rpcclient.Option
	if c.profile.Token != "" {
		opts = append(opts, rpcclient.WithAuthToken(c.profile.Token))
	}
	client, err := rpcclient.New(c.profile.RPCURL, opts...)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

func (c *cli) loadKey() (*crypto.PrivateKey, error) {
	if _, err := os.Stat(c.profile.Keystore); err != nil {
		return nil, fmt.Errorf("keystore %s: %w", c.profile.Keystore, err)
	}
	pass, err := c.pass.Get()
	if err != nil {
		return nil, err
	}
	return crypto.LoadFromKeystore(c.profile.Keystore, pass)
}

func (c *cli) chainID(ctx context.Context, client *rpcclient.Client) (uint64, error) {
	if c.profile.ChainID != 0 {
		return c.profile.ChainID, nil
	}
	info, err := client.ChainInfo(ctx)
	if err != nil {
		return 0, fmt.Errorf("read chain id: %w", err)
	}
	return info.ChainID, nil
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func usage() string {
	return `Usage: escrow-cli [global flags] <command> [flags]

Global flags:
  --profile FILE     YAML profile (or WORKCHAIN_PROFILE)
  --rpc URL          node JSON-RPC URL
  --token TOKEN      bearer token for submission (or WORKCHAIN_RPC_TOKEN)
  --key FILE         keystore of the signing identity
  --chain-id N       chain id (read from the node when unset)
  --timeout DUR      confirmation timeout

Keys:
  key new --out FILE           create a keystore
  key address                  print the keystore address

Transitions (add --wait to block until confirmation):
  create --freelancer ADDR --platform ADDR --amounts A,B,... [--min-votes N] [--descriptions D1,D2] [--currency TAG]
  submit --job ID --evidence TEXT
  approve --job ID
  dispute --job ID
  assign --job ID --reviewers ADDR,ADDR,...
  vote --job ID (--approve | --reject)
  cancel --job ID
  refund --job ID

Views:
  chain | params | balance [ADDR] | receipt HASH
  job --job ID
  status --job ID
  milestone --job ID --index N
  reviewers --job ID --index N
  votes --job ID --index N
  is-reviewer ADDR
  actions --job ID [--as ADDR] [--index N]
  events [--from SEQ] [--limit N] [--type TYPE] [--follow]
`
}
