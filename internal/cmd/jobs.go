package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/3leaps/mash/internal/config"
	"github.com/3leaps/mash/pkg/broker"
	"github.com/3leaps/mash/pkg/jobdoc"
	"github.com/3leaps/mash/pkg/jobstore"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage persisted job state",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every job with a record on disk, across all stages",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the stage(s) holding a record for a job id",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Remove a job's on-disk record and publish job_delete to the pipeline",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsDelete,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsStatusCmd, jobsDeleteCmd)
}

// stageStore opens the jobstore.Store for stage under the configured
// job directory base, matching the "<base>/<stage>_jobs" layout
// internal/cmd/service.go uses when a stage service starts.
func stageStore(cfg *config.Config, stage string) *jobstore.Store {
	return jobstore.New(filepath.Join(cfg.Mash.JobDirectoryBase, stage+"_jobs"))
}

// jobRecord is one stage's persisted record for a job id, as surfaced
// by "mash jobs list"/"mash jobs status".
type jobRecord struct {
	Stage string
	Doc   jobdoc.Document
}

func scanAllStages(cfg *config.Config) ([]jobRecord, []error) {
	var records []jobRecord
	var errs []error
	for _, stage := range jobdoc.PipelineOrder {
		store := stageStore(cfg, stage)
		raw, readErrs := store.ListAll()
		errs = append(errs, readErrs...)
		for _, r := range raw {
			var doc jobdoc.Document
			if err := doc.UnmarshalJSON(r.Raw); err != nil {
				errs = append(errs, fmt.Errorf("%s: job %s: %w", stage, r.ID, err))
				continue
			}
			records = append(records, jobRecord{Stage: stage, Doc: doc})
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Doc.ID != records[j].Doc.ID {
			return records[i].Doc.ID < records[j].Doc.ID
		}
		return jobdoc.PipelineIndex(records[i].Stage) < jobdoc.PipelineIndex(records[j].Stage)
	})
	return records, errs
}

func runJobsList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	records, errs := scanAllStages(cfg)
	for _, e := range errs {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning:", e)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "JOB ID\tSTAGE\tCLOUD\tLAST SERVICE\tIMAGE")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Doc.ID, r.Stage, r.Doc.Cloud, r.Doc.LastService, r.Doc.Image)
	}
	return w.Flush()
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	records, errs := scanAllStages(cfg)
	for _, e := range errs {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning:", e)
	}

	var found bool
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tCLOUD\tLAST SERVICE\tIMAGE\tDOWNLOAD URL")
	for _, r := range records {
		if r.Doc.ID != jobID {
			continue
		}
		found = true
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Stage, r.Doc.Cloud, r.Doc.LastService, r.Doc.Image, r.Doc.DownloadURL)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no record found for job %q in any stage directory", jobID)
	}
	return nil
}

// runJobsDelete removes the job's record from every stage directory
// that holds one, then — if a broker is reachable — publishes a
// job_delete message to the Job Creator so any in-flight listener
// currently processing the job also sees it removed, matching the
// "<stage>_job_delete" marker convention pkg/listener's dispatch
// honors for stages further down the pipeline.
func runJobsDelete(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var deleted []string
	for _, stage := range jobdoc.PipelineOrder {
		store := stageStore(cfg, stage)
		if err := store.Get(jobID, &jobdoc.Document{}); err != nil {
			if err == jobstore.ErrNotFound {
				continue
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s: %v\n", stage, err)
			continue
		}
		if err := store.Delete(jobID); err != nil {
			return fmt.Errorf("%s: delete job %s: %w", stage, jobID, err)
		}
		deleted = append(deleted, stage)
	}

	if len(deleted) == 0 {
		return fmt.Errorf("no record found for job %q in any stage directory", jobID)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted job %s from: %v\n", jobID, deleted)

	if err := publishJobDelete(cmd.Context(), cfg, jobID); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: could not publish job_delete to the pipeline: %v\n", err)
	}
	return nil
}

func publishJobDelete(ctx context.Context, cfg *config.Config, jobID string) error {
	b, err := broker.Connect(broker.Config{
		Host:    cfg.Mash.AMQPHost,
		Port:    cfg.Mash.AMQPPort,
		User:    cfg.Mash.AMQPUser,
		Pass:    cfg.Mash.AMQPPass,
		VHost:   cfg.Mash.AMQPVHost,
		OnFatal: func(error) {},
	})
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	body := []byte(fmt.Sprintf(`{"job_delete":%q}`, jobID))
	return b.Publish(ctx, "mash.jobcreator", "job_document", body)
}
