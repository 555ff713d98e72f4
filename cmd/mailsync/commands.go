package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/matta/mailsync/internal/message"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// single opens the one account named, or the only account configured.
func (g *globals) single(ctx context.Context, name string) (*runtime, error) {
	var names []string
	if name != "" {
		names = []string{name}
	}
	list, err := g.accounts(names)
	if err != nil {
		return nil, err
	}
	if len(list) > 1 {
		return nil, errors.New("more than one account configured, pick one with --account")
	}
	return g.open(ctx, list[0])
}

// withAccount runs fn on the selected account, then sends queued
// commands to the server unless offline is set.
func (g *globals) withAccount(ctx context.Context, name string, offline bool, fn func(*runtime) error) error {
	r, err := g.single(ctx, name)
	if err != nil {
		return err
	}
	defer r.Close()
	if err := fn(r); err != nil {
		return err
	}
	if offline {
		return nil
	}
	return r.controller.ProcessPendingCommands(ctx, r.acct, &progressListener{log: g.log})
}

func newPendingCmd(g *globals) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List queued offline commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withAccount(cmd.Context(), name, true, func(r *runtime) error {
				cmds, err := r.db.PendingCommands(cmd.Context())
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				for _, c := range cmds {
					fmt.Fprintf(w, "%d\t%s\t%s\n", c.ID, c.Command, strings.Join(c.Args, " "))
				}
				return nil
			})
		},
	}
	cmd.PersistentFlags().StringVarP(&name, "account", "a", "", "account")

	cmd.AddCommand(&cobra.Command{
		Use:   "process",
		Short: "Send queued offline commands to the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withAccount(cmd.Context(), name, false, func(*runtime) error { return nil })
		},
	})
	return cmd
}

func newFlagCmd(g *globals) *cobra.Command {
	var (
		name, folder string
		clear        bool
		offline      bool
	)
	cmd := &cobra.Command{
		Use:   "flag FLAG UID...",
		Short: "Set or clear a flag on messages",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			flag, err := message.ParseFlag(args[0])
			if err != nil {
				return err
			}
			return g.withAccount(cmd.Context(), name, offline, func(r *runtime) error {
				return r.controller.SetFlag(cmd.Context(), r.acct, folder, args[1:], flag, !clear)
			})
		},
	}
	cmd.Flags().StringVarP(&name, "account", "a", "", "account")
	cmd.Flags().StringVarP(&folder, "folder", "f", "INBOX", "folder")
	cmd.Flags().BoolVar(&clear, "clear", false, "clear the flag instead of setting it")
	cmd.Flags().BoolVar(&offline, "offline", false, "only queue the change")
	return cmd
}

func newMoveCmd(g *globals) *cobra.Command {
	var (
		name, from string
		offline    bool
	)
	cmd := &cobra.Command{
		Use:   "move DEST UID...",
		Short: "Move messages to another folder",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withAccount(cmd.Context(), name, offline, func(r *runtime) error {
				return r.controller.Move(cmd.Context(), r.acct, from, args[0], args[1:])
			})
		},
	}
	cmd.Flags().StringVarP(&name, "account", "a", "", "account")
	cmd.Flags().StringVarP(&from, "folder", "f", "INBOX", "source folder")
	cmd.Flags().BoolVar(&offline, "offline", false, "only queue the change")
	return cmd
}

func newExpungeCmd(g *globals) *cobra.Command {
	var (
		name, folder string
		offline      bool
	)
	cmd := &cobra.Command{
		Use:   "expunge",
		Short: "Remove messages flagged deleted from a folder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withAccount(cmd.Context(), name, offline, func(r *runtime) error {
				return r.controller.Expunge(cmd.Context(), r.acct, folder)
			})
		},
	}
	cmd.Flags().StringVarP(&name, "account", "a", "", "account")
	cmd.Flags().StringVarP(&folder, "folder", "f", "INBOX", "folder")
	cmd.Flags().BoolVar(&offline, "offline", false, "only queue the change")
	return cmd
}

func newAppendCmd(g *globals) *cobra.Command {
	var (
		name, folder string
		flags        []string
		offline      bool
	)
	cmd := &cobra.Command{
		Use:   "append FILE",
		Short: "Add a message to a folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var set message.FlagSet
			for _, s := range flags {
				f, err := message.ParseFlag(s)
				if err != nil {
					return err
				}
				set = set.With(f, true)
			}
			raw, err := readInput(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			return g.withAccount(cmd.Context(), name, offline, func(r *runtime) error {
				uid, err := r.controller.Append(cmd.Context(), r.acct, folder, raw, set)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), uid)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&name, "account", "a", "", "account")
	cmd.Flags().StringVarP(&folder, "folder", "f", "Drafts", "folder")
	cmd.Flags().StringSliceVar(&flags, "flag", nil, "flags to set on the message")
	cmd.Flags().BoolVar(&offline, "offline", false, "only queue the change")
	return cmd
}

// readInput reads path, or r when path is "-".
func readInput(path string, r io.Reader) ([]byte, error) {
	if path == "-" {
		b, err := io.ReadAll(r)
		return b, errors.Wrap(err, "unable to read message")
	}
	b, err := os.ReadFile(path)
	return b, errors.Wrap(err, "unable to read message")
}

func newPasswordCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "password",
		Short: "Manage account passwords in the keyring",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set ACCOUNT",
		Short: "Store the password of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.cfg.Account(args[0])
			if err != nil {
				return err
			}
			creds, err := g.credentials(a.IMAP.KeyringService)
			if err != nil {
				return err
			}
			pw, err := readPassword(cmd, a.Name)
			if err != nil {
				return err
			}
			return creds.SetPassword(a.Name, pw)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete ACCOUNT",
		Short: "Remove the stored password of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.cfg.Account(args[0])
			if err != nil {
				return err
			}
			creds, err := g.credentials(a.IMAP.KeyringService)
			if err != nil {
				return err
			}
			return creds.Delete(a.Name)
		},
	})
	return cmd
}

func readPassword(cmd *cobra.Command, name string) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprintf(cmd.ErrOrStderr(), "Password for %s: ", name)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		return string(b), errors.Wrap(err, "unable to read password")
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", errors.Wrap(err, "unable to read password")
	}
	return strings.TrimRight(line, "\r\n"), nil
}
