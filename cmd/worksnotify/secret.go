package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"worksnotify/internal/config"
	"worksnotify/internal/credential"
	logx "worksnotify/pkg/logx"
)

// secretStore is the keyring surface the secret commands use.
type secretStore interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

// openSecrets is swapped in tests.
var openSecrets = func(cfgPath string) (secretStore, error) {
	opts := credential.KeyringOptions{}
	// The config file is optional here: secrets are often set before it exists.
	if cfg, err := config.NewManager(cfgPath, logx.Nop()).Parse(); err == nil {
		opts.Service = cfg.Credentials.KeyringService
		opts.Backend = cfg.Credentials.KeyringBackend
		opts.Dir = cfg.Credentials.KeyringDir
	}
	return credential.OpenKeyring(opts)
}

func secretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage platform credentials in the OS keyring",
		Long: "Manage platform credentials in the OS keyring.\n\nNames: " +
			strings.Join(secretNames(), ", "),
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "set <name>",
			Short: "Store a value read from stdin (e.g. a PEM file)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, name, err := secretTarget(cmd, args[0])
				if err != nil {
					return err
				}
				raw, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 64<<10))
				if err != nil {
					return err
				}
				val := strings.TrimSpace(string(raw))
				if val == "" {
					return errors.New("empty value on stdin")
				}
				if err := store.Set(name, val); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stored %s\n", name)
				return nil
			},
		},
		&cobra.Command{
			Use:   "get <name>",
			Short: "Print a stored value",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, name, err := secretTarget(cmd, args[0])
				if err != nil {
					return err
				}
				val, err := store.Get(name)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), val)
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <name>",
			Short: "Remove a stored value",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, name, err := secretTarget(cmd, args[0])
				if err != nil {
					return err
				}
				if err := store.Delete(name); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", name)
				return nil
			},
		},
	)
	return cmd
}

func secretTarget(cmd *cobra.Command, name string) (secretStore, string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if !credential.KnownKey(name) {
		return nil, "", fmt.Errorf("unknown secret %q (want one of %s)", name, strings.Join(secretNames(), ", "))
	}
	cfgPath, _ := cmd.Flags().GetString("config")
	store, err := openSecrets(cfgPath)
	if err != nil {
		return nil, "", fmt.Errorf("opening keyring: %w", err)
	}
	return store, name, nil
}

func secretNames() []string {
	out := make([]string, 0, len(credential.Fields))
	for _, f := range credential.Fields {
		out = append(out, f.Key)
	}
	sort.Strings(out)
	return out
}
