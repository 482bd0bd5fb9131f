package main

import (
	"github.com/spf13/cobra"

	"github.com/chartwise-health/chartwise/internal/model"
)

var recordsWithAudits bool

var recordsCmd = &cobra.Command{
	Use:   "records PATIENT_ID",
	Short: "Show a patient's cumulative record and document history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		patientID := args[0]

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		chart, err := env.Store.GetCumulative(ctx, patientID)
		if err != nil {
			return err
		}

		docs, err := env.Store.ListDocumentsByPatient(ctx, patientID)
		if err != nil {
			return err
		}

		out := struct {
			Chart     *model.CumulativeRecord `json:"chart"`
			Documents []model.Document        `json:"documents"`
			Audits    []model.MergeAudit      `json:"audits,omitempty"`
		}{Chart: chart, Documents: docs}

		if recordsWithAudits {
			audits, err := env.Store.ListAudits(ctx, patientID)
			if err != nil {
				return err
			}
			out.Audits = audits
		}

		return printJSON(out)
	},
}

func init() {
	recordsCmd.Flags().BoolVar(&recordsWithAudits, "audits", false, "include the merge audit trail")
	rootCmd.AddCommand(recordsCmd)
}
