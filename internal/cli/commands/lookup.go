package commands

import (
	"context"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"branchorigin/internal/copypoint"
	"branchorigin/internal/origin"
)

var lookupCmd = &cobra.Command{
	Use:   "lookup <repo> <source-url> <target-url>",
	Short: "Show the copy point between two branch URLs",
	Long: `Looks up where target-url was copied from source-url (or the other way round).

Without --relations only the cache is consulted. With --relations, a miss is
answered from the given relations file and the discovered copy point is cached.

Examples:
  branchorigin lookup 3f1c.. svn://host/repo/trunk svn://host/repo/branches/b1
  branchorigin lookup --relations known.yaml 3f1c.. /trunk /branches/b1/src`,
	Args: cobra.ExactArgs(3),
	RunE: runLookup,
}

var (
	lookupRelations string
	lookupStored    bool
)

func init() {
	lookupCmd.Flags().StringVar(&lookupRelations, "relations", "", "YAML file of known relations used on a cache miss")
	lookupCmd.Flags().BoolVar(&lookupStored, "stored", false, "Print the fact as stored instead of in the requested orientation")
	rootCmd.AddCommand(lookupCmd)
}

func runLookup(cmd *cobra.Command, args []string) (err error) {
	repo, source, target := args[0], args[1], args[2]
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var finder origin.Finder
	if lookupRelations != "" {
		relations, err := origin.LoadRelations(lookupRelations)
		if err != nil {
			return err
		}
		finder = origin.NewStatic(relations...)
	}

	s, err := openSession(finder)
	if err != nil {
		return err
	}
	defer closeAndReport(s, &err)

	var result *copypoint.Inversion
	if static, ok := finder.(*origin.Static); ok {
		result, err = s.bp.Lookup(ctx, repo, source, target)
		log.Debugf("[lookup] origin finder consulted %d times", static.Calls())
	} else {
		result, err = s.bp.GetBestHit(ctx, repo, source, target)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if result == nil {
		fmt.Fprintln(out, "No copy point found")
		return nil
	}
	printInversion(out, result, lookupStored)
	return nil
}

func printInversion(w io.Writer, inv *copypoint.Inversion, stored bool) {
	data := inv.True()
	if stored {
		data = inv.AsStored()
	}
	fmt.Fprintf(w, "Source: %s@%d\n", data.Source, data.SourceRevision)
	fmt.Fprintf(w, "Target: %s@%d\n", data.Target, data.TargetRevision)
	fmt.Fprintf(w, "Inverted: %t\n", inv.InvertedSense)
}
