package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/viva-health/screening/pkg/common/config"
	"github.com/viva-health/screening/pkg/common/database"
	"github.com/viva-health/screening/pkg/common/models"
	"github.com/viva-health/screening/pkg/storage"
	"github.com/viva-health/screening/pkg/terminology"
	"github.com/viva-health/screening/pkg/training"
)

var errDatabaseDisabled = errors.New("database is disabled; set DATABASE_ENABLED=true")

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs [id]",
		Short: "List recorded training runs, or show one run in full",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if !cfg.DatabaseEnabled {
				return errDatabaseDisabled
			}
			ctx, cancel := signalContext()
			defer cancel()

			db, err := database.GetPostgres(cfg)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer database.ClosePostgres()
			service, err := training.NewService(cfg.ModelDir, training.WithRepository(training.NewRepository(db)))
			if err != nil {
				return err
			}

			if len(args) == 1 {
				id, err := uuid.Parse(args[0])
				if err != nil {
					return fmt.Errorf("invalid job id %q: %w", args[0], err)
				}
				job, err := service.Get(ctx, id)
				if err != nil {
					return err
				}
				return printJob(cmd.OutOrStdout(), job)
			}

			limit, _ := cmd.Flags().GetInt("limit")
			jobs, err := service.List(ctx, limit)
			if err != nil {
				return err
			}
			return printJobs(cmd.OutOrStdout(), jobs)
		},
	}
	cmd.Flags().Int("limit", 20, "Number of runs to list")
	return cmd
}

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List screening status counts of recent batch runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if !cfg.DatabaseEnabled {
				return errDatabaseDisabled
			}
			ctx, cancel := signalContext()
			defer cancel()

			db, err := database.GetPostgres(cfg)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer database.ClosePostgres()

			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")
			rollups, err := storage.NewRollupWriter(db).Recent(ctx, status, limit)
			if err != nil {
				return err
			}
			return printRollups(cmd.OutOrStdout(), rollups)
		},
	}
	cmd.Flags().String("status", "", "Only show this screening status")
	cmd.Flags().Int("limit", 50, "Number of rows to list")
	return cmd
}

func codesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "codes",
		Short: "Print the SNOMED codes the encoder accepts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			catalog, err := terminology.Load(cfg.TerminologyPath)
			if err != nil {
				return fmt.Errorf("load terminology catalog: %w", err)
			}
			printCodes(cmd.OutOrStdout(), catalog)
			return nil
		},
	}
}

func printJobs(w io.Writer, jobs []models.TrainingJob) error {
	if len(jobs) == 0 {
		_, err := fmt.Fprintln(w, "No training runs recorded")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMODEL\tSTATUS\tCREATED\tMAE\tR2")
	for _, job := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			job.ID, job.ModelType, job.Status, job.CreatedAt.Format(time.RFC3339),
			metric(job.Metrics, "mae"), metric(job.Metrics, "r2"))
	}
	return tw.Flush()
}

func printJob(w io.Writer, job models.TrainingJob) error {
	out, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

func metric(values map[string]interface{}, key string) string {
	switch v := values[key].(type) {
	case float64:
		return fmt.Sprintf("%.4f", v)
	case nil:
		return "-"
	default:
		return fmt.Sprint(v)
	}
}

func printRollups(w io.Writer, rollups []storage.Rollup) error {
	if len(rollups) == 0 {
		_, err := fmt.Fprintln(w, "No screening runs recorded")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tRUN TIME\tSTATUS\tPATIENTS\tMAX RISK")
	for _, r := range rollups {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			r.RunID, r.RunTime.Format(time.RFC3339), r.Status, r.Patients, metric(r.Stats, "max_risk"))
	}
	return tw.Flush()
}

func printCodes(w io.Writer, catalog terminology.Catalog) {
	fmt.Fprintf(w, "genetics: %s\n", strings.Join(catalog.GeneticsCodes(), ", "))
	fmt.Fprintf(w, "smoking:  %s\n", strings.Join(catalog.SmokingCodes(), ", "))
}
