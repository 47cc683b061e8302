package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var dumpCmd = &cobra.Command{
	Use:   "dump [repo]",
	Short: "List cached copy points",
	Long: `Lists every cached copy point of the project, grouped by repository.
With a repository argument only that repository is listed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDump,
}

var forgetCmd = &cobra.Command{
	Use:   "forget <repo> [target-url]",
	Short: "Drop cached copy points of a repository",
	Long: `Drops every cached copy point of a repository. With a target URL only the
copy point recorded for exactly that branch root is dropped.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runForget,
}

func init() {
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(forgetCmd)
}

func runDump(cmd *cobra.Command, args []string) (err error) {
	s, err := openSession(nil)
	if err != nil {
		return err
	}
	defer closeAndReport(s, &err)

	ctx := context.Background()
	repos := args
	if len(repos) == 0 {
		if repos, err = s.bp.Repositories(ctx); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if len(repos) == 0 {
		fmt.Fprintln(out, "Cache is empty")
		return nil
	}
	for _, repo := range repos {
		entries, err := s.bp.Entries(ctx, repo)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s (%d)\n", repo, len(entries))
		for _, e := range entries {
			fmt.Fprintf(out, "  %s\n", e.Data)
		}
	}
	return nil
}

func runForget(cmd *cobra.Command, args []string) (err error) {
	s, err := openSession(nil)
	if err != nil {
		return err
	}
	defer closeAndReport(s, &err)

	ctx := context.Background()
	if len(args) == 2 {
		found, err := s.bp.ForgetTarget(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		if !found {
			fmt.Fprintf(cmd.OutOrStdout(), "No copy point recorded for %s\n", args[1])
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Forgot %s in %s\n", args[1], args[0])
		return nil
	}

	if err := s.bp.Forget(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Forgot %s\n", args[0])
	return nil
}
