package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/contextd/contextd/pkg/version"
	"github.com/spf13/cobra"
)

func init() {
	retrieveCmd := &cobra.Command{
		Use:   "retrieve <query>",
		Short: "Retrieve ranked knowledge passages for a query",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runRetrieve,
	}
	retrieveCmd.Flags().IntP("candidates", "k", 0, "Candidates recalled from the index (default from config)")
	retrieveCmd.Flags().IntP("passages", "n", 0, "Passages kept after reranking (default from config)")

	memoryCmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect user memory",
	}
	showCmd := &cobra.Command{
		Use:   "show <user>",
		Short: "Print a user's long-term memory and active summary",
		Args:  cobra.ExactArgs(1),
		RunE:  runMemoryShow,
	}
	showCmd.Flags().String("scope", "", "Active summary scope (default from config)")
	memoryCmd.AddCommand(showCmd)

	indexCmd := &cobra.Command{
		Use:   "index",
		Short: "Manage the knowledge index",
	}
	loadCmd := &cobra.Command{
		Use:   "load <chunks.jsonl>",
		Short: "Embed pre-chunked JSONL and upsert it into the index",
		Args:  cobra.ExactArgs(1),
		RunE:  runIndexLoad,
	}
	loadCmd.Flags().Bool("reset", false, "Clear the index before loading")
	indexCmd.AddCommand(loadCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd.OutOrStdout())
		},
	}

	rootCmd.AddCommand(retrieveCmd, memoryCmd, indexCmd, versionCmd)
}

// withApp loads configuration, wires the components without a model and
// runs fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, log, appOptions{})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if cerr := a.Close(closeCtx); cerr != nil {
			log.Error("Error during shutdown", "error", cerr)
		}
	}()
	return fn(ctx, a)
}

func runRetrieve(cmd *cobra.Command, args []string) error {
	k, _ := cmd.Flags().GetInt("candidates")
	n, _ := cmd.Flags().GetInt("passages")
	query := strings.Join(args, " ")

	return withApp(cmd, func(ctx context.Context, a *app) error {
		if err := seedIndex(ctx, a); err != nil {
			return err
		}
		res, err := a.svc.RetrieveContext(ctx, query, k, n, nil)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), res)
	})
}

func runMemoryShow(cmd *cobra.Command, args []string) error {
	scope, _ := cmd.Flags().GetString("scope")

	return withApp(cmd, func(ctx context.Context, a *app) error {
		mem, err := a.svc.LoadUserMemories(ctx, args[0], scope)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), mem)
	})
}

func runIndexLoad(cmd *cobra.Command, args []string) error {
	reset, _ := cmd.Flags().GetBool("reset")

	return withApp(cmd, func(ctx context.Context, a *app) error {
		if reset {
			if err := a.index.Reset(ctx); err != nil {
				return err
			}
		}
		loaded, err := loadChunks(ctx, a, args[0])
		if err != nil {
			return err
		}
		if err := saveSnapshot(a); err != nil {
			return err
		}
		total, err := a.index.Count(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "loaded %d chunks, index holds %d\n", loaded, total)
		return nil
	})
}

func writeJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func printVersion(w io.Writer) {
	fmt.Fprintln(w, version.String())
	fmt.Fprintf(w, "Version:    %s\n", version.Version)
	fmt.Fprintf(w, "Build Time: %s\n", version.BuildTime)
	fmt.Fprintf(w, "Git Commit: %s\n", version.GitCommit)
	fmt.Fprintf(w, "Go Version: %s\n", version.GoVersion)
}
