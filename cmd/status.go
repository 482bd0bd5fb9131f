package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/chartwise-health/chartwise/internal/model"
)

var statusCmd = &cobra.Command{
	Use:   "status DOCUMENT_ID",
	Short: "Show a document's processing state and parsed record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		doc, err := env.Store.GetDocument(ctx, args[0])
		if err != nil {
			return err
		}
		if doc == nil {
			return eris.Errorf("document not found: %s", args[0])
		}

		rec, err := env.Store.GetParsedRecordByDocument(ctx, args[0])
		if err != nil {
			return err
		}

		return printJSON(struct {
			Document *model.Document     `json:"document"`
			Record   *model.ParsedRecord `json:"record,omitempty"`
		}{Document: doc, Record: rec})
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
