package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"branchorigin/internal/copypoint"
	"branchorigin/internal/origin"
)

var recordCmd = &cobra.Command{
	Use:   "record <repo> <source-url> <source-rev> <target-url> <target-rev>",
	Short: "Record a known copy point in the cache",
	Long: `Records that target-url@target-rev was copied from source-url@source-rev.
An existing fact for the same target URL is replaced.`,
	Args: cobra.ExactArgs(5),
	RunE: runRecord,
}

var seedCmd = &cobra.Command{
	Use:   "seed <relations.yaml>",
	Short: "Record every relation of a YAML file in the cache",
	Long: `Reads a relations file and records each entry as a copy point.

File format:
  relations:
    - repo: 3f1c..
      source: svn://host/repo/trunk
      source_revision: 10
      target: svn://host/repo/branches/b1
      target_revision: 11`,
	Args: cobra.ExactArgs(1),
	RunE: runSeed,
}

func init() {
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(seedCmd)
}

func runRecord(cmd *cobra.Command, args []string) (err error) {
	sourceRev, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid source revision %q: %w", args[2], err)
	}
	targetRev, err := strconv.ParseInt(args[4], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid target revision %q: %w", args[4], err)
	}

	s, err := openSession(nil)
	if err != nil {
		return err
	}
	defer closeAndReport(s, &err)

	data := copypoint.New(args[1], sourceRev, args[3], targetRev)
	if err := s.bp.Persist(context.Background(), args[0], data); err != nil {
		return fmt.Errorf("failed to record copy point: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s\n", data)
	return nil
}

func runSeed(cmd *cobra.Command, args []string) (err error) {
	relations, err := origin.LoadRelations(args[0])
	if err != nil {
		return err
	}

	s, err := openSession(nil)
	if err != nil {
		return err
	}
	defer closeAndReport(s, &err)

	ctx := context.Background()
	for _, r := range relations {
		data := copypoint.New(r.Source, r.SourceRevision, r.Target, r.TargetRevision)
		if err := s.bp.Persist(ctx, r.Repo, data); err != nil {
			return fmt.Errorf("failed to record %s: %w", data, err)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Recorded %d copy points\n", len(relations))
	return nil
}
