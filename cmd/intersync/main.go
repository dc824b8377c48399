package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/intersync/internal/config"
	"github.com/mistakeknot/intersync/internal/storage"
	"github.com/mistakeknot/intersync/pkg/embedded"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "intersync",
		Short:         "Offline-first sync engine for a remote chat store",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./intersync.yaml or $"+config.EnvConfig+")")

	path := func() string { return config.ResolvePath(configPath) }
	root.AddCommand(runCmd(path), flushCmd(path), pullCmd(path), statusCmd(path), initCmd(path))
	return root
}

func loadConfig(path string, validate bool) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if validate {
		if err := cfg.Validate(); err != nil {
			return config.Config{}, err
		}
	}
	return cfg, nil
}

// open builds a node without starting its loops or the local API.
func open(path string, validate bool, logOut io.Writer) (*embedded.Server, error) {
	cfg, err := loadConfig(path, validate)
	if err != nil {
		return nil, err
	}
	return embedded.New(cfg, embedded.WithLogger(log.New(logOut, "[intersync] ", log.LstdFlags)))
}

func runCmd(path func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync loops and serve the local API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			node, err := open(path(), true, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer node.Close()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return node.Run(ctx)
		},
	}
}

func flushCmd(path func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Dispatch pending outbox entries once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			node, err := open(path(), true, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer node.Close()
			res, err := node.Engine().FlushOnce(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "dispatched=%d failed=%d reconciled=%d\n", res.Dispatched, res.Failed, res.Reconciled)
			return err
		},
	}
}

func pullCmd(path func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "pull [conversation-id...]",
		Short: "Pull remote changes once",
		Long:  "Pull the conversation list and every watched conversation, or only the named conversations.",
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := open(path(), true, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer node.Close()
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				res, err := node.Engine().PullOnce(cmd.Context())
				printPull(out, "all", res)
				return err
			}
			var errs []error
			for _, id := range args {
				scope := storage.MessagesScope(id)
				res, err := node.Engine().PullScope(cmd.Context(), scope)
				if err != nil {
					errs = append(errs, err)
				}
				printPull(out, scope, res)
			}
			return errors.Join(errs...)
		},
	}
}

func printPull(w io.Writer, scope string, res storage.PullResult) {
	fmt.Fprintf(w, "%s: inserted=%d updated=%d cursor=%d\n", scope, res.Inserted, res.Updated, res.Cursor)
}

func statusCmd(path func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queued outbox entries and pull cursors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			node, err := open(path(), false, io.Discard)
			if err != nil {
				return err
			}
			defer node.Close()
			st := node.Store()
			if err := printStatus(cmd.Context(), cmd.OutOrStdout(), st); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "store: breaker=%s slow_queries=%d\n", st.Breaker().State, st.SlowQueries())
			return nil
		},
	}
}

func printStatus(ctx context.Context, out io.Writer, st storage.Store) error {
	entries, err := st.ListOutbox(ctx)
	if err != nil {
		return err
	}
	cursors, err := st.ListCursors(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "outbox: %d entries\n", len(entries))
	if len(entries) > 0 {
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CLIENT ID\tKIND\tPARENT\tATTEMPTS\tLAST ERROR")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", e.ClientID, e.Kind, dash(e.ParentClientID), e.AttemptCount, dash(oneLine(e.LastError)))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "cursors: %d\n", len(cursors))
	if len(cursors) > 0 {
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SCOPE\tCURSOR\tSYNCED")
		for _, c := range cursors {
			fmt.Fprintf(tw, "%s\t%d\t%s\n", c.Key, c.LastCursor, c.LastSyncedAt.Format("2006-01-02 15:04:05"))
		}
		return tw.Flush()
	}
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func oneLine(s string) string {
	s, _, _ = strings.Cut(s, "\n")
	if len(s) > 60 {
		s = s[:57] + "..."
	}
	return s
}

func initCmd(path func() string) *cobra.Command {
	var remoteURL, userID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create or update the config file and generate a local API key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := path()
			key, err := config.Init(p, remoteURL, userID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\nlocal api key: %s\n", p, key)
			return nil
		},
	}
	cmd.Flags().StringVar(&remoteURL, "remote-url", "", "remote store base URL")
	cmd.Flags().StringVar(&userID, "user-id", "", "remote user id of the local user")
	return cmd
}
