package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/exam-importer/internal/importer"
	"github.com/JakeFAU/exam-importer/internal/importjob"
	"github.com/JakeFAU/exam-importer/internal/progress"
)

type jobsFlags struct {
	api    string
	owner  string
	apiKey string
}

func newJobsCmd() *cobra.Command {
	var f jobsFlags
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Submit and follow background import jobs on a running server",
	}
	cmd.PersistentFlags().StringVar(&f.api, "api", "", "import API base URL (default http://localhost:<server.port>)")
	cmd.PersistentFlags().StringVar(&f.owner, "owner", "", "owner id sent as X-User-ID")
	cmd.PersistentFlags().StringVar(&f.apiKey, "api-key", "", "API key (default auth.api_key)")
	_ = cmd.MarkPersistentFlagRequired("owner")

	cmd.AddCommand(newJobsSubmitCmd(&f), newJobsListCmd(&f), newJobsWatchCmd(&f))
	return cmd
}

func (f *jobsFlags) client(e *env) (*importjob.HTTPClient, error) {
	base := f.api
	if base == "" {
		base = fmt.Sprintf("http://localhost:%d", e.cfg.Server.Port)
	}
	key := f.apiKey
	if key == "" {
		key = e.cfg.Auth.APIKey
	}
	return importjob.NewHTTPClient(importjob.HTTPClientConfig{
		BaseURL: base,
		OwnerID: f.owner,
		APIKey:  key,
		Timeout: e.cfg.Server.RequestTimeout,
	}, nil)
}

func newJobsSubmitCmd(f *jobsFlags) *cobra.Command {
	var (
		login    string
		password string
		watch    bool
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Queue an import job",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := envFrom(cmd.Context())
			if err != nil {
				return err
			}
			client, err := f.client(e)
			if err != nil {
				return err
			}
			if password == "" {
				password = os.Getenv(passwordEnv)
			}
			id, err := client.Submit(cmd.Context(), importer.Credentials{Login: login, Password: password})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			if !watch {
				return nil
			}
			return watchJobs(cmd, e, client, []string{id})
		},
	}
	cmd.Flags().StringVar(&login, "login", "", "source-system login")
	cmd.Flags().StringVar(&password, "password", "", "source-system password (default $"+passwordEnv+")")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "follow the job until it finishes")
	return cmd
}

func newJobsListCmd(f *jobsFlags) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the owner's jobs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := envFrom(cmd.Context())
			if err != nil {
				return err
			}
			client, err := f.client(e)
			if err != nil {
				return err
			}
			jobs, err := client.List(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			for _, job := range jobs {
				printJob(cmd.OutOrStdout(), job)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func newJobsWatchCmd(f *jobsFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch JOB_ID...",
		Short: "Poll jobs until each one is COMPLETED or FAILED",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := envFrom(cmd.Context())
			if err != nil {
				return err
			}
			client, err := f.client(e)
			if err != nil {
				return err
			}
			return watchJobs(cmd, e, client, args)
		},
	}
}

func watchJobs(cmd *cobra.Command, e *env, client *importjob.HTTPClient, ids []string) error {
	poller := importjob.NewPoller(client, e.cfg.Jobs.PollInterval, e.logger)
	out := cmd.OutOrStdout()
	return poller.Watch(cmd.Context(), ids, func(job importer.ImportJob) {
		printJob(out, job)
	})
}

func printJob(w io.Writer, job importer.ImportJob) {
	line := fmt.Sprintf("%s %s | %s", job.ID, job.Status, progress.Summary(job.Metrics))
	if job.Error != "" {
		line += " | " + job.Error
	}
	fmt.Fprintln(w, line)
}
