package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/shineum/bumsink/internal/archive"
	"github.com/shineum/bumsink/internal/email"
	"github.com/shineum/bumsink/internal/store"
)

// openStore loads the configuration and opens the mail directory.
func (o *options) openStore() (*store.Store, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	st, err := store.New(cfg.MailDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open mail directory: %w", err)
	}
	return st, nil
}

func newListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the messages in the mail directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.openStore()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SEQ\tUIDL\tSIZE\tFROM\tSUBJECT")
			for i, m := range st.Snapshot() {
				uidl, _ := m.UIDL()
				size, err := m.Size()
				if err != nil {
					fmt.Fprintf(w, "%d\t%s\t-\t\t(unreadable)\n", i+1, uidl)
					continue
				}
				top, _ := m.Top(headerLines)
				hdr := email.New(uidl, []byte(top))
				fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n", i+1, uidl, size, hdr.From, hdr.Subject)
			}
			return w.Flush()
		},
	}
}

// headerLines bounds how much of each message list reads to find headers.
const headerLines = 50

func newExportCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "export <file.mbox>",
		Short: "Write every stored message to an mbox file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.openStore()
			if err != nil {
				return err
			}

			f, err := os.Create(args[0])
			if err != nil {
				return fmt.Errorf("create mbox: %w", err)
			}

			n, err := archive.Export(f, st.Snapshot())
			if cerr := f.Close(); err == nil && cerr != nil {
				err = fmt.Errorf("close mbox: %w", cerr)
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "exported %d messages to %s\n", n, args[0])
			return nil
		},
	}
}

func newImportCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.mbox>",
		Short: "Store every message of an mbox file in the mail directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.openStore()
			if err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open mbox: %w", err)
			}
			defer f.Close()

			n, err := archive.Import(f, st)
			if err != nil {
				return fmt.Errorf("import %s after %d messages: %w", args[0], n, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "imported %d messages into %s\n", n, st.Dir())
			return nil
		},
	}
}
