package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultRPC      = "http://127.0.0.1:8545"
	defaultPassEnv  = "WORKCHAIN_KEY_PASS"
	defaultTimeout  = 30 * time.Second
	profileEnv      = "WORKCHAIN_PROFILE"
	rpcTokenEnv     = "WORKCHAIN_RPC_TOKEN"
	defaultKeysPath = "~/.workchain/key.json"
)

// Profile holds the connection settings of one operator. Flags override
// every field.
type Profile struct {
	RPCURL   string        `yaml:"rpc_url"`
	Token    string        `yaml:"token"`
	ChainID  uint64        `yaml:"chain_id"`
	Keystore string        `yaml:"keystore"`
	PassEnv  string        `yaml:"passphrase_env"`
	Timeout  time.Duration `yaml:"confirmation_timeout"`
}

func loadProfile(path string) (Profile, error) {
	var p Profile
	if strings.TrimSpace(path) == "" {
		return p, nil
	}
	raw, err := os.ReadFile(expandHome(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return p, fmt.Errorf("profile %s not found", path)
		}
		return p, err
	}
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode profile %s: %w", path, err)
	}
	return p, nil
}

func (p *Profile) applyDefaults() {
	if strings.TrimSpace(p.RPCURL) == "" {
		p.RPCURL = defaultRPC
	}
	if strings.TrimSpace(p.PassEnv) == "" {
		p.PassEnv = defaultPassEnv
	}
	if p.Timeout <= 0 {
		p.Timeout = defaultTimeout
	}
	if strings.TrimSpace(p.Keystore) == "" {
		p.Keystore = defaultKeysPath
	}
	p.Keystore = expandHome(p.Keystore)
}

type globalFlags struct {
	profile  string
	rpc      string
	token    string
	keystore string
	chainID  uint64
	timeout  time.Duration
}

// parseGlobal consumes the global flags preceding the command name.
func parseGlobal(args []string, stderr io.Writer) (Profile, []string, error) {
	fs := flag.NewFlagSet("escrow-cli", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var g globalFlags
	fs.StringVar(&g.profile, "profile", os.Getenv(profileEnv), "YAML profile file")
	fs.StringVar(&g.rpc, "rpc", "", "node JSON-RPC URL")
	fs.StringVar(&g.token, "token", "", "bearer token for transaction submission")
	fs.StringVar(&g.keystore, "key", "", "keystore file of the signing identity")
	fs.Uint64Var(&g.chainID, "chain-id", 0, "chain id (read from the node when unset)")
	fs.DurationVar(&g.timeout, "timeout", 0, "confirmation timeout")
	fs.Usage = func() { fmt.Fprint(stderr, usage()) }
	if err := fs.Parse(args); err != nil {
		return Profile{}, nil, err
	}
	p, err := loadProfile(g.profile)
	if err != nil {
		return Profile{}, nil, err
	}
	if g.rpc != "" {
		p.RPCURL = g.rpc
	}
	if g.token != "" {
		p.Token = g.token
	} else if p.Token == "" {
		p.Token = os.Getenv(rpcTokenEnv)
	}
	if g.keystore != "" {
		p.Keystore = g.keystore
	}
	if g.chainID != 0 {
		p.ChainID = g.chainID
	}
	if g.timeout > 0 {
		p.Timeout = g.timeout
	}
	p.applyDefaults()
	return p, fs.Args(), nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
