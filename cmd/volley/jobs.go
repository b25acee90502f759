package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/foxzi/volley/internal/app"
	"github.com/foxzi/volley/internal/dispatch"
	"github.com/foxzi/volley/internal/model"
	"github.com/foxzi/volley/internal/store"
)

var (
	jobName        string
	jobMode        string
	jobMessage     string
	jobMessageFile string
	jobTargetsFile string
	jobAccounts    []string
	jobThreads     int
	jobMinDelay    time.Duration
	jobMaxDelay    time.Duration
	jobFailStreak  int
	jobMutualMax   int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Job management commands",
}

var jobsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a dispatch job",
	RunE:  runJobsCreate,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job_id>",
	Short: "Show job details",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsRunCmd = &cobra.Command{
	Use:   "run <job_id>",
	Short: "Run a pending job to completion",
	Long:  `Run a pending job in the foreground. Ctrl-C requests a graceful stop; in-flight attempts get a short grace period before being cancelled.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRun,
}

var jobsReportCmd = &cobra.Command{
	Use:   "report <job_id>",
	Short: "Show the final report of a finished job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsReport,
}

func init() {
	jobsCreateCmd.Flags().StringVar(&jobName, "name", "", "Job name")
	jobsCreateCmd.Flags().StringVar(&jobMode, "mode", "normal", "Dispatch mode (normal, repeat, force)")
	jobsCreateCmd.Flags().StringVar(&jobMessage, "message", "", "Message text")
	jobsCreateCmd.Flags().StringVar(&jobMessageFile, "message-file", "", "Read message text from file")
	jobsCreateCmd.Flags().StringVar(&jobTargetsFile, "targets-file", "", "File with one target address per line")
	jobsCreateCmd.Flags().StringSliceVar(&jobAccounts, "accounts", nil, "Account ids to use (default: all active)")
	jobsCreateCmd.Flags().IntVar(&jobThreads, "threads", 0, "Repeat-mode group size (default from config)")
	jobsCreateCmd.Flags().DurationVar(&jobMinDelay, "min-delay", 0, "Minimum inter-send delay (default from config)")
	jobsCreateCmd.Flags().DurationVar(&jobMaxDelay, "max-delay", 0, "Maximum inter-send delay (default from config)")
	jobsCreateCmd.Flags().IntVar(&jobFailStreak, "fail-streak", 0, "Force-mode rotation threshold (default from config)")
	jobsCreateCmd.Flags().IntVar(&jobMutualMax, "mutual-retries", 0, "Retries on mutual-contact failures (default from config)")

	jobsCmd.AddCommand(jobsCreateCmd, jobsListCmd, jobsShowCmd, jobsRunCmd, jobsReportCmd)
	rootCmd.AddCommand(jobsCmd)
}

func openStore() (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	s, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return s, nil
}

func runJobsCreate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	mode := model.Mode(jobMode)
	if !mode.Valid() {
		return fmt.Errorf("unknown mode %q (must be normal, repeat or force)", jobMode)
	}

	message := jobMessage
	if jobMessageFile != "" {
		data, err := os.ReadFile(jobMessageFile)
		if err != nil {
			return fmt.Errorf("failed to read message file: %w", err)
		}
		message = string(data)
	}
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("message is required (use --message or --message-file)")
	}

	if jobTargetsFile == "" {
		return fmt.Errorf("targets file is required (use --targets-file)")
	}
	addresses, err := readLines(jobTargetsFile)
	if err != nil {
		return fmt.Errorf("failed to read targets file: %w", err)
	}
	if len(addresses) == 0 {
		return fmt.Errorf("targets file contains no addresses")
	}

	s, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer s.Close()

	accountIDs := jobAccounts
	if len(accountIDs) == 0 {
		accounts, err := s.ListAccounts()
		if err != nil {
			return fmt.Errorf("failed to list accounts: %w", err)
		}
		for _, a := range accounts {
			if a.Usable() {
				accountIDs = append(accountIDs, a.ID)
			}
		}
		sort.Strings(accountIDs)
	}
	if len(accountIDs) == 0 {
		return fmt.Errorf("no active accounts available")
	}

	job := &model.Job{
		ID:              uuid.NewString(),
		Name:            jobName,
		Mode:            mode,
		Message:         message,
		AccountIDs:      accountIDs,
		Threads:         jobThreads,
		MinDelay:        jobMinDelay,
		MaxDelay:        jobMaxDelay,
		FailStreakLimit: jobFailStreak,
		MutualRetryMax:  jobMutualMax,
		Status:          model.JobPending,
		CreatedAt:       time.Now(),
	}
	cfg.ApplyJobDefaults(&job.Threads, &job.MinDelay, &job.MaxDelay, &job.FailStreakLimit, &job.MutualRetryMax)

	targets := make([]*model.Target, 0, len(addresses))
	for _, addr := range addresses {
		t := &model.Target{
			ID:      uuid.NewString(),
			JobID:   job.ID,
			Address: addr,
		}
		job.TargetIDs = append(job.TargetIDs, t.ID)
		targets = append(targets, t)
	}
	job.TotalCount = len(targets)
	if job.Mode == model.ModeRepeat {
		job.TotalCount = len(accountIDs) * len(targets)
	}

	if err := s.PutTargets(targets); err != nil {
		return fmt.Errorf("failed to store targets: %w", err)
	}
	if err := s.PutJob(job); err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}

	fmt.Printf("Job created: %s\n", job.ID)
	fmt.Printf("  Mode:     %s\n", job.Mode)
	fmt.Printf("  Targets:  %d\n", len(targets))
	fmt.Printf("  Accounts: %d\n", len(accountIDs))
	return nil
}

func runJobsList(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	jobs, err := s.ListJobs()
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs")
		return nil
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tMODE\tSTATUS\tSENT\tFAILED\tTOTAL\tCREATED")
	for _, job := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			truncateID(job.ID),
			job.Name,
			job.Mode,
			job.Status,
			job.SentCount,
			job.FailedCount,
			job.TotalCount,
			job.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	w.Flush()
	return nil
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	job, err := s.GetJob(args[0])
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}

	fmt.Printf("Job: %s\n\n", job.ID)
	if job.Name != "" {
		fmt.Printf("Name:      %s\n", job.Name)
	}
	fmt.Printf("Mode:      %s\n", job.Mode)
	fmt.Printf("Status:    %s\n", job.Status)
	fmt.Printf("Progress:  %d sent, %d failed of %d\n", job.SentCount, job.FailedCount, job.TotalCount)
	fmt.Printf("Accounts:  %d\n", len(job.AccountIDs))
	fmt.Printf("Threads:   %d\n", job.Threads)
	fmt.Printf("Delays:    %s - %s\n", job.MinDelay, job.MaxDelay)
	fmt.Printf("Created:   %s\n", job.CreatedAt.Format(time.RFC3339))
	if !job.StartedAt.IsZero() {
		fmt.Printf("Started:   %s\n", job.StartedAt.Format(time.RFC3339))
	}
	if !job.CompletedAt.IsZero() {
		fmt.Printf("Finished:  %s\n", job.CompletedAt.Format(time.RFC3339))
	}
	if job.StopReason != "" {
		fmt.Printf("\nStop reason:\n  %s\n", job.StopReason)
	}
	return nil
}

func runJobsRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	defer application.Shutdown(context.Background())

	jobID := args[0]
	manager := application.Manager()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := manager.StartJob(ctx, jobID); err != nil {
		return fmt.Errorf("failed to start job: %w", err)
	}

	done := make(chan struct{})
	go func() {
		manager.Wait(jobID)
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		fmt.Println("\nStopping job...")
		if err := manager.StopJob(jobID); err != nil {
			application.Logger().Error("failed to stop job", "job_id", jobID, "error", err)
		}
		<-done
	}

	return printReport(application.Store(), jobID)
}

func runJobsReport(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	return printReport(s, args[0])
}

func printReport(s *store.Store, jobID string) error {
	report, err := dispatch.BuildReport(s, jobID)
	if err != nil {
		return fmt.Errorf("failed to build report: %w", err)
	}

	fmt.Printf("\nJob %s: %s\n", truncateID(report.JobID), report.Status)
	fmt.Printf("  Sent:     %d\n", report.Sent)
	fmt.Printf("  Failed:   %d\n", report.Failed)
	fmt.Printf("  Total:    %d\n", report.Total)
	fmt.Printf("  Attempts: %d\n", report.Attempts)
	if report.StopReason != "" {
		fmt.Printf("  Reason:   %s\n", report.StopReason)
	}

	if len(report.Failures) > 0 {
		kinds := make([]string, 0, len(report.Failures))
		for kind := range report.Failures {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)

		fmt.Println("\nUndelivered targets by failure kind:")
		for _, kind := range kinds {
			group := report.Failures[kind]
			fmt.Printf("  %s (%d):\n", kind, len(group))
			for _, ft := range group {
				fmt.Printf("    %s (last account %s, %d attempts)\n", ft.Address, truncateID(ft.LastAccountID), ft.Retries)
			}
		}
	}
	return nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

func truncateID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12] + "..."
}
