package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"workchain/crypto"
)

func runKey(_ context.Context, c *cli, args []string) error {
	if len(args) == 0 {
		return errors.New("key requires a subcommand: new or address")
	}
	switch args[0] {
	case "new":
		fs := newFlagSet("key new", c.stderr)
		out := fs.String("out", c.profile.Keystore, "keystore file to write")
		light := fs.Bool("light", false, "use light scrypt parameters (local testing only)")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if _, err := os.Stat(*out); err == nil {
			return fmt.Errorf("%s already exists", *out)
		}
		pass, err := c.pass.Get()
		if err != nil {
			return err
		}
		key, err := crypto.GeneratePrivateKey()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(*out), 0o700); err != nil {
			return err
		}
		params := crypto.StandardScrypt
		if *light {
			params = crypto.LightScrypt
		}
		if err := crypto.SaveToKeystoreWithParams(*out, key, pass, params); err != nil {
			return err
		}
		return c.printJSON(map[string]string{"address": key.PubKey().Address().String(), "keystore": *out})
	case "address":
		key, err := c.loadKey()
		if err != nil {
			return err
		}
		return c.printJSON(map[string]string{"address": key.PubKey().Address().String()})
	default:
		return fmt.Errorf("unknown key subcommand %q", args[0])
	}
}
