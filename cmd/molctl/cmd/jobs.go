package cmd

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var (
	jobTask     string
	jobParams   []string
	jobProvider string
	jobCallback string
	jobWait     bool
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage analysis jobs",
}

var jobSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new job",
	Long:  `Submit an analysis job for a catalog task, for example: molctl job submit --task vina-dock@1.2.0 --param receptor=s3://bucket/rec.pdbqt`,
	RunE:  runJobSubmit,
}

var jobStatusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show job status",
	Long:  `Show the status of a job. Without an ID, lists all jobs.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runJobStatus,
}

var jobResultCmd = &cobra.Command{
	Use:   "result <job-id>",
	Short: "Fetch the outputs of a completed job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobResult,
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobCancel,
}

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(jobSubmitCmd)
	jobCmd.AddCommand(jobStatusCmd)
	jobCmd.AddCommand(jobResultCmd)
	jobCmd.AddCommand(jobCancelCmd)

	jobSubmitCmd.Flags().StringVar(&jobTask, "task", "", "task reference, name@version (required)")
	jobSubmitCmd.Flags().StringArrayVar(&jobParams, "param", nil, "task parameter as key=value (repeatable)")
	jobSubmitCmd.Flags().StringVar(&jobProvider, "provider", "", "pin a specific provider, disables fallback")
	jobSubmitCmd.Flags().StringVar(&jobCallback, "callback", "", "URL to receive lifecycle events")
	jobSubmitCmd.Flags().BoolVar(&jobWait, "wait", false, "poll until the job reaches a terminal state")
	jobSubmitCmd.MarkFlagRequired("task")

	jobStatusCmd.Flags().BoolVar(&jobWait, "wait", false, "poll until the job reaches a terminal state")
}

type jobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type job struct {
	ID            string         `json:"id"`
	TaskRef       string         `json:"taskRef"`
	ProviderID    string         `json:"providerId,omitempty"`
	State         string         `json:"state"`
	Outputs       map[string]any `json:"outputs,omitempty"`
	Error         *jobError      `json:"error,omitempty"`
	Progress      float64        `json:"progress,omitempty"`
	SupersededBy  string         `json:"supersededBy,omitempty"`
	Attempt       int            `json:"attempt"`
	PipelineRunID string         `json:"pipelineRunId,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	CompletedAt   time.Time      `json:"completedAt,omitzero"`
}

func (j *job) terminal() bool {
	switch j.State {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

func runJobSubmit(cmd *cobra.Command, args []string) error {
	params, err := parseKeyValues(jobParams)
	if err != nil {
		return err
	}

	payload := map[string]any{"task": jobTask}
	if params != nil {
		payload["parameters"] = params
	}
	if jobProvider != "" {
		payload["provider"] = jobProvider
	}
	if jobCallback != "" {
		payload["callback"] = jobCallback
	}

	var result job
	if err := doRequest("POST", "/v1/jobs", payload, &result); err != nil {
		return err
	}

	if jobWait {
		final, err := waitForJob(result.ID)
		if err != nil {
			return err
		}
		result = *final
	}

	if jsonOutput() {
		return printJSON(result)
	}
	displayJob(&result)
	if !jobWait {
		fmt.Printf("\nJob %s submitted\n", result.ID)
	}
	return nil
}

func runJobStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return listJobs()
	}

	jobID := args[0]
	var result *job
	var err error
	if jobWait {
		result, err = waitForJob(jobID)
	} else {
		result, err = fetchJob(jobID)
	}
	if err != nil {
		return err
	}

	if jsonOutput() {
		return printJSON(result)
	}
	displayJob(result)
	return nil
}

func runJobResult(cmd *cobra.Command, args []string) error {
	var result struct {
		Outputs map[string]any `json:"outputs"`
	}
	if err := doRequest("GET", "/v1/jobs/"+url.PathEscape(args[0])+"/result", nil, &result); err != nil {
		return err
	}
	return printJSON(result.Outputs)
}

func runJobCancel(cmd *cobra.Command, args []string) error {
	var result job
	if err := doRequest("DELETE", "/v1/jobs/"+url.PathEscape(args[0]), nil, &result); err != nil {
		return err
	}
	if jsonOutput() {
		return printJSON(result)
	}
	fmt.Printf("Job %s cancelled\n", result.ID)
	return nil
}

func listJobs() error {
	var result struct {
		Jobs []job `json:"jobs"`
	}
	if err := doRequest("GET", "/v1/jobs", nil, &result); err != nil {
		return err
	}

	if jsonOutput() {
		return printJSON(result)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Task", "State", "Provider", "Progress", "Created")
	for _, j := range result.Jobs {
		table.Append(j.ID, j.TaskRef, j.State, orDash(j.ProviderID), formatProgress(j.Progress), formatTime(j.CreatedAt))
	}
	table.Render()
	fmt.Printf("\nTotal jobs: %d\n", len(result.Jobs))
	return nil
}

func fetchJob(jobID string) (*job, error) {
	var result job
	if err := doRequest("GET", "/v1/jobs/"+url.PathEscape(jobID), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// waitForJob polls until the job is terminal, following fallback jobs when
// the current one is superseded.
func waitForJob(jobID string) (*job, error) {
	for {
		result, err := fetchJob(jobID)
		if err != nil {
			return nil, err
		}
		if result.SupersededBy != "" {
			jobID = result.SupersededBy
			continue
		}
		if result.terminal() {
			return result, nil
		}
		time.Sleep(2 * time.Second)
	}
}

func displayJob(j *job) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("ID", j.ID)
	table.Append("Task", j.TaskRef)
	table.Append("State", j.State)
	if j.ProviderID != "" {
		table.Append("Provider", j.ProviderID)
	}
	if j.Attempt > 1 {
		table.Append("Attempt", fmt.Sprintf("%d", j.Attempt))
	}
	if j.SupersededBy != "" {
		table.Append("Superseded By", j.SupersededBy)
	}
	if j.Progress > 0 {
		table.Append("Progress", formatProgress(j.Progress))
	}
	if j.PipelineRunID != "" {
		table.Append("Pipeline Run", j.PipelineRunID)
	}
	table.Append("Created At", formatTime(j.CreatedAt))
	if !j.CompletedAt.IsZero() {
		table.Append("Completed At", formatTime(j.CompletedAt))
	}
	if j.Error != nil {
		table.Append("Error", fmt.Sprintf("%s: %s", j.Error.Kind, j.Error.Message))
	}
	table.Render()
}

func formatProgress(p float64) string {
	if p <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.0f%%", p*100)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
