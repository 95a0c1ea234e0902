package main

import (
	"fmt"

	"github.com/StepTenInc/contentflow/internal/format"
	"github.com/StepTenInc/contentflow/pkg/stage"
	"github.com/spf13/cobra"
)

func pipelinesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "pipelines",
		Aliases: []string{"status"},
		Short:   "Inspect pipeline records",
	}

	cmd.AddCommand(pipelinesListCmd())
	cmd.AddCommand(pipelinesShowCmd())

	return cmd
}

func pipelinesListCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the most recent pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			recs, err := a.store.ListPipelines(cmd.Context(), limit)
			if err != nil {
				return err
			}

			tb := format.NewTable(format.ParseMode(outputFormat))
			tb.Header("ID", "Status", "Stage", "Words", "Silo", "Created", "Error")
			for _, p := range recs {
				tb.Row(p.ID, p.Status, stageLabel(p.CurrentStage), format.Count(p.WordCount),
					p.SelectedSilo, format.Age(p.CreatedAt), format.Truncate(p.ErrorMessage, 40))
			}
			tb.Columns(format.ColumnConfig{Number: 4, Align: format.AlignRight})
			fmt.Println(tb.String())
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of pipelines")

	return cmd
}

func pipelinesShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <pipeline-id>",
		Short: "Print a pipeline record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.orch.Pipeline(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(rec)
		},
	}
}

func redoCmd() *cobra.Command {
	var accept bool

	cmd := &cobra.Command{
		Use:   "redo <pipeline-id> <stage>",
		Short: "Regenerate one stage and show it next to the accepted output",
		Long: `Re-runs a completed stage with the context rebuilt from earlier stages and
	prints the accepted output next to the new candidate. The candidate replaces
	the stored output only with --accept.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := stage.Parse(args[1])
			if err != nil {
				return err
			}

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			draft, err := a.orch.Redo(cmd.Context(), args[0], n)
			if err != nil {
				return err
			}
			if err := printJSON(draft); err != nil {
				return err
			}

			if !accept {
				a.orch.Reject(cmd.Context(), draft)
				fmt.Println("Candidate discarded; rerun with --accept to keep it.")
				return nil
			}
			if err := a.orch.Accept(cmd.Context(), draft); err != nil {
				return err
			}
			fmt.Printf("Accepted new %s output for %s\n", n, args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&accept, "accept", false, "store the regenerated output")

	return cmd
}

// stageLabel names the last stage a record reached.
func stageLabel(idx int) string {
	for _, n := range stage.Sequence {
		if n.Index() == idx {
			return fmt.Sprintf("%d %s", idx, n)
		}
	}
	return fmt.Sprint(idx)
}
