package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/StepTenInc/contentflow/internal/format"
	"github.com/StepTenInc/contentflow/pkg/queue"
	"github.com/StepTenInc/contentflow/pkg/store"
	"github.com/spf13/cobra"
)

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage the production queue",
	}

	cmd.AddCommand(queueAddCmd())
	cmd.AddCommand(queueListCmd())
	cmd.AddCommand(queueActionCmd())
	cmd.AddCommand(queueStatsCmd())
	cmd.AddCommand(queueProcessCmd())

	return cmd
}

func queueAddCmd() *cobra.Command {
	var item store.QueueItem

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Queue a planned article",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := queue.Add(cmd.Context(), a.store, &item); err != nil {
				return err
			}
			fmt.Printf("Queued %s (%s) with priority %d\n", item.ID, item.Slug, item.Priority)
			return nil
		},
	}

	cmd.Flags().StringVar(&item.Title, "title", "", "article title (required)")
	cmd.Flags().StringVar(&item.Slug, "slug", "", "article slug (derived from the title when empty)")
	cmd.Flags().StringVar(&item.SiloName, "silo", "", "silo name")
	cmd.Flags().StringVar(&item.SiloID, "silo-id", "", "silo id")
	cmd.Flags().StringVar(&item.Level, "level", "", "article level (PILLAR, SUPPORTING)")
	cmd.Flags().StringVar(&item.TargetKeywords, "keywords", "", "comma-separated target keywords")
	cmd.Flags().StringVar(&item.ContentSummary, "summary", "", "content summary")
	cmd.Flags().StringVar(&item.ClusterName, "cluster", "", "cluster name")
	cmd.Flags().IntVar(&item.Priority, "priority", 0, "higher runs first")

	return cmd
}

func queueListCmd() *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue items in claim order",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			items, err := a.store.ListQueueItems(cmd.Context(), store.QueueFilter{
				Status: store.QueueStatus(status),
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			tb := format.NewTable(format.ParseMode(outputFormat))
			tb.Header("ID", "Title", "Silo", "Status", "Priority", "Retries", "Created", "Error")
			for _, it := range items {
				tb.Row(it.ID, format.Truncate(it.Title, 48), it.SiloName, it.Status, it.Priority,
					it.RetryCount, format.Age(it.CreatedAt), format.Truncate(it.ErrorMessage, 40))
			}
			tb.Columns(
				format.ColumnConfig{Number: 5, Align: format.AlignRight},
				format.ColumnConfig{Number: 6, Align: format.AlignRight},
			)
			tb.Footer("", "", "", "", "", "", "Total", format.Count(len(items)))
			fmt.Println(tb.String())
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only items with this status")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of items")

	return cmd
}

func queueActionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "action <item-id> <pause|resume|retry|skip|reset>",
		Short: "Apply an admin action to a queue item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, err := queue.ParseAction(args[1])
			if err != nil {
				return err
			}

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			item, err := queue.Apply(cmd.Context(), a.store, args[0], action)
			if err != nil {
				return err
			}
			fmt.Printf("%s is now %s\n", item.ID, item.Status)
			return nil
		},
	}
}

func queueStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count queue items by status and silo",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := queue.ComputeStats(cmd.Context(), a.store)
			if err != nil {
				return err
			}

			mode := format.ParseMode(outputFormat)
			byStatus := format.NewTable(mode)
			byStatus.Header("Status", "Items")
			for _, s := range store.QueueStatuses {
				byStatus.Row(s, format.Count(stats.ByStatus[string(s)]))
			}
			byStatus.Footer("Total", format.Count(stats.Total))
			fmt.Println(byStatus.String())

			silos := make([]string, 0, len(stats.Silos))
			for name := range stats.Silos {
				silos = append(silos, name)
			}
			sort.Strings(silos)

			bySilo := format.NewTable(mode)
			bySilo.Header("Silo", "Total", "Published", "Queued", "In progress", "Failed")
			for _, name := range silos {
				s := stats.Silos[name]
				label := name
				if label == "" {
					label = "(none)"
				}
				bySilo.Row(label, s.Total, s.Published, s.Queued, s.InProgress, s.Failed)
			}
			fmt.Println(bySilo.String())
			return nil
		},
	}
}

func queueProcessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process [item-id]",
		Short: "Process one item, or drain the queue once",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if len(args) == 1 {
				res, err := a.worker.Process(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Processed %s: pipeline %s in %s\n", args[0], res.PipelineID, format.Seconds(res.TotalDuration))
				return nil
			}

			n := a.worker.Drain(ctx)
			fmt.Printf("Processed %d item(s)\n", n)
			return nil
		},
	}
}
