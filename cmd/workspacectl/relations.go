package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/erdodo/notion-sub004/internal/relation"
	"github.com/spf13/cobra"
)

var relationsRepair bool

var relationsCmd = &cobra.Command{
	Use:   "relations",
	Short: "Inspect relation integrity",
}

var relationsVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Compare the back-reference index and bidirectional mirrors with relation cells",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		service, cleanup, err := openService(ctx)
		if err != nil {
			return err
		}
		defer cleanup()
		engine := service.Relations()

		if relationsRepair {
			report, err := engine.RepairIndex(ctx)
			if err != nil {
				return err
			}
			repaired, unresolved, err := engine.RepairSymmetry(ctx)
			if err != nil {
				return err
			}
			out := relationsOutput{Index: report, Repaired: repaired, Unresolved: unresolved}
			return writeRelations(cmd.OutOrStdout(), out)
		}

		report, err := engine.VerifyIndex(ctx)
		if err != nil {
			return err
		}
		asymmetries, err := engine.VerifySymmetry(ctx)
		if err != nil {
			return err
		}
		if err := writeRelations(cmd.OutOrStdout(), relationsOutput{Index: report, Asymmetries: asymmetries}); err != nil {
			return err
		}
		if !report.Clean() || len(asymmetries) > 0 {
			return fmt.Errorf("relation integrity check failed")
		}
		return nil
	},
}

type relationsOutput struct {
	Index       relation.IndexReport `json:"index"`
	Asymmetries []relation.Asymmetry `json:"asymmetries,omitempty"`
	Repaired    []relation.Asymmetry `json:"repaired,omitempty"`
	Unresolved  []relation.Asymmetry `json:"unresolved,omitempty"`
}

func writeRelations(w io.Writer, out relationsOutput) error {
	if flagJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	fmt.Fprintf(w, "index: %d missing, %d orphaned, %d stale ids\n", len(out.Index.Missing), len(out.Index.Orphaned), out.Index.StaleIDs)
	for _, ref := range out.Index.Missing {
		fmt.Fprintf(w, "  missing  %s -> %s via %s\n", ref.SourceRowID, ref.TargetRowID, ref.PropertyID)
	}
	for _, ref := range out.Index.Orphaned {
		fmt.Fprintf(w, "  orphaned %s -> %s via %s\n", ref.SourceRowID, ref.TargetRowID, ref.PropertyID)
	}
	for _, a := range out.Asymmetries {
		fmt.Fprintf(w, "asymmetric %s.%s -> %s (reverse %s)\n", a.RowID, a.PropertyID, a.TargetRowID, a.ReversePropertyID)
	}
	for _, a := range out.Repaired {
		fmt.Fprintf(w, "repaired   %s.%s -> %s\n", a.RowID, a.PropertyID, a.TargetRowID)
	}
	for _, a := range out.Unresolved {
		fmt.Fprintf(w, "unresolved %s.%s -> %s\n", a.RowID, a.PropertyID, a.TargetRowID)
	}
	return nil
}

func init() {
	relationsVerifyCmd.Flags().BoolVar(&relationsRepair, "repair", false, "rebuild the index and restore missing mirror entries")
	relationsCmd.AddCommand(relationsVerifyCmd)
}
