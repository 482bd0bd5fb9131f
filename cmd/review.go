package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chartwise-health/chartwise/internal/model"
)

var (
	reviewReviewer string
	reviewNotes    string
	reviewReason   string
	reviewDataFile string
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Human review actions on parsed records",
}

var reviewApproveCmd = &cobra.Command{
	Use:   "approve RECORD_ID",
	Short: "Mark a flagged record as reviewed and correct",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := env.Review.MarkCorrect(ctx, args[0], reviewReviewer, reviewNotes)
		if err != nil {
			return err
		}

		zap.L().Info("record approved",
			zap.String("record_id", rec.ID),
			zap.String("reviewer", reviewReviewer),
		)
		return printJSON(rec)
	},
}

var reviewCorrectCmd = &cobra.Command{
	Use:   "correct RECORD_ID",
	Short: "Replace a record's extracted data with reviewer-supplied data",
	Long:  "Reads a corrected extraction result from --data. If the record was already merged, its previous contribution is rolled back and the corrected data merged in its place.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		raw, err := os.ReadFile(reviewDataFile)
		if err != nil {
			return eris.Wrap(err, "read corrected data")
		}
		var replacement model.ExtractionResult
		if err := json.Unmarshal(raw, &replacement); err != nil {
			return eris.Wrap(err, "parse corrected data")
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := env.Review.CorrectData(ctx, args[0], reviewReviewer, replacement)
		if err != nil {
			return err
		}

		zap.L().Info("record corrected",
			zap.String("record_id", rec.ID),
			zap.Int("resources", rec.Result.ResourceCount()),
		)
		return printJSON(rec)
	},
}

var reviewRollbackCmd = &cobra.Command{
	Use:   "rollback RECORD_ID",
	Short: "Undo a record's merge and flag it for re-review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		removed, err := env.Review.RollbackMerge(ctx, args[0], reviewReviewer, reviewReason)
		if err != nil {
			return err
		}

		zap.L().Info("merge rolled back",
			zap.String("record_id", args[0]),
			zap.Int("resources_removed", removed),
		)
		return nil
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	reviewCmd.PersistentFlags().StringVar(&reviewReviewer, "reviewer", "", "reviewer identity (required)")
	_ = reviewCmd.MarkPersistentFlagRequired("reviewer")

	reviewApproveCmd.Flags().StringVar(&reviewNotes, "notes", "", "review notes")

	reviewCorrectCmd.Flags().StringVar(&reviewDataFile, "data", "", "path to corrected extraction result JSON (required)")
	_ = reviewCorrectCmd.MarkFlagRequired("data")

	reviewRollbackCmd.Flags().StringVar(&reviewReason, "reason", "manual rollback", "rollback reason")

	reviewCmd.AddCommand(reviewApproveCmd, reviewCorrectCmd, reviewRollbackCmd)
	rootCmd.AddCommand(reviewCmd)
}
