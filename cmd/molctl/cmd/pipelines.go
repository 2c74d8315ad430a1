package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	pipelineFile string
	runPipeline  string
	runInputs    []string
	runCallback  string
	runWait      bool
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Manage pipeline templates",
}

var pipelineCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a pipeline template",
	Long:  `Register a pipeline template from a YAML or JSON definition file.`,
	RunE:  runPipelineCreate,
}

var pipelineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered pipeline templates",
	RunE:  runPipelineList,
}

var pipelineShowCmd = &cobra.Command{
	Use:   "show <pipeline-id>",
	Short: "Show a pipeline template",
	Args:  cobra.ExactArgs(1),
	RunE:  runPipelineShow,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Manage pipeline runs",
}

var runStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a pipeline run",
	RunE:  runRunStart,
}

var runStatusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show pipeline run status",
	Long:  `Show the status of a pipeline run with per-node detail. Without an ID, lists all runs.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRunStatus,
}

var runCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a pipeline run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunCancel,
}

func init() {
	rootCmd.AddCommand(pipelineCmd)
	pipelineCmd.AddCommand(pipelineCreateCmd)
	pipelineCmd.AddCommand(pipelineListCmd)
	pipelineCmd.AddCommand(pipelineShowCmd)

	rootCmd.AddCommand(runCmd)
	runCmd.AddCommand(runStartCmd)
	runCmd.AddCommand(runStatusCmd)
	runCmd.AddCommand(runCancelCmd)

	pipelineCreateCmd.Flags().StringVarP(&pipelineFile, "file", "f", "", "template definition file, YAML or JSON (required)")
	pipelineCreateCmd.MarkFlagRequired("file")

	runStartCmd.Flags().StringVar(&runPipeline, "pipeline", "", "pipeline template ID (required)")
	runStartCmd.Flags().StringArrayVar(&runInputs, "input", nil, "pipeline input as key=value (repeatable)")
	runStartCmd.Flags().StringVar(&runCallback, "callback", "", "URL to receive terminal run events")
	runStartCmd.Flags().BoolVar(&runWait, "wait", false, "poll until the run reaches a terminal state")
	runStartCmd.MarkFlagRequired("pipeline")

	runStatusCmd.Flags().BoolVar(&runWait, "wait", false, "poll until the run reaches a terminal state")
}

type pipelineTemplate struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	Description string    `json:"description,omitempty"`
	Inputs      []string  `json:"inputs,omitempty"`
	Nodes       []any     `json:"nodes"`
	CreatedAt   time.Time `json:"createdAt,omitzero"`
}

type nodeRun struct {
	State   string         `json:"state"`
	JobID   string         `json:"jobId,omitempty"`
	Outputs map[string]any `json:"outputs,omitempty"`
	Error   string         `json:"error,omitempty"`
}

type pipelineRun struct {
	ID          string              `json:"id"`
	TemplateID  string              `json:"templateId"`
	State       string              `json:"state"`
	Nodes       map[string]*nodeRun `json:"nodes"`
	CreatedAt   time.Time           `json:"createdAt"`
	CompletedAt time.Time           `json:"completedAt,omitzero"`
}

func (r *pipelineRun) terminal() bool {
	switch r.State {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

func runPipelineCreate(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(pipelineFile)
	if err != nil {
		return err
	}

	// Accept YAML on disk, send JSON over the wire.
	var template map[string]any
	if err := yaml.Unmarshal(data, &template); err != nil {
		if jsonErr := json.Unmarshal(data, &template); jsonErr != nil {
			return fmt.Errorf("parse %s: %w", pipelineFile, err)
		}
	}

	var result pipelineTemplate
	if err := doRequest("POST", "/v1/pipelines", template, &result); err != nil {
		return err
	}

	if jsonOutput() {
		return printJSON(result)
	}
	fmt.Printf("Pipeline %s created\n", result.ID)
	return nil
}

func runPipelineList(cmd *cobra.Command, args []string) error {
	var result struct {
		Pipelines []pipelineTemplate `json:"pipelines"`
	}
	if err := doRequest("GET", "/v1/pipelines", nil, &result); err != nil {
		return err
	}

	if jsonOutput() {
		return printJSON(result)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Name", "Nodes", "Inputs", "Created")
	for _, p := range result.Pipelines {
		table.Append(p.ID, orDash(p.Name), fmt.Sprintf("%d", len(p.Nodes)), fmt.Sprintf("%d", len(p.Inputs)), formatTime(p.CreatedAt))
	}
	table.Render()
	return nil
}

func runPipelineShow(cmd *cobra.Command, args []string) error {
	var result pipelineTemplate
	if err := doRequest("GET", "/v1/pipelines/"+url.PathEscape(args[0]), nil, &result); err != nil {
		return err
	}
	return printJSON(result)
}

func runRunStart(cmd *cobra.Command, args []string) error {
	inputs, err := parseKeyValues(runInputs)
	if err != nil {
		return err
	}

	payload := map[string]any{"templateId": runPipeline}
	if inputs != nil {
		payload["inputs"] = inputs
	}
	if runCallback != "" {
		payload["callback"] = runCallback
	}

	var result pipelineRun
	if err := doRequest("POST", "/v1/pipeline-runs", payload, &result); err != nil {
		return err
	}

	if runWait {
		final, err := waitForRun(result.ID)
		if err != nil {
			return err
		}
		result = *final
	}

	if jsonOutput() {
		return printJSON(result)
	}
	displayRun(&result)
	if !runWait {
		fmt.Printf("\nRun %s started\n", result.ID)
	}
	return nil
}

func runRunStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return listRuns()
	}

	runID := args[0]
	var result *pipelineRun
	var err error
	if runWait {
		result, err = waitForRun(runID)
	} else {
		result, err = fetchRun(runID)
	}
	if err != nil {
		return err
	}

	if jsonOutput() {
		return printJSON(result)
	}
	displayRun(result)
	return nil
}

func runRunCancel(cmd *cobra.Command, args []string) error {
	if err := doRequest("DELETE", "/v1/pipeline-runs/"+url.PathEscape(args[0]), nil, nil); err != nil {
		return err
	}
	fmt.Printf("Run %s cancelled\n", args[0])
	return nil
}

func listRuns() error {
	var result struct {
		Runs []pipelineRun `json:"runs"`
	}
	if err := doRequest("GET", "/v1/pipeline-runs", nil, &result); err != nil {
		return err
	}

	if jsonOutput() {
		return printJSON(result)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Pipeline", "State", "Nodes", "Created")
	for _, r := range result.Runs {
		table.Append(r.ID, r.TemplateID, r.State, fmt.Sprintf("%d", len(r.Nodes)), formatTime(r.CreatedAt))
	}
	table.Render()
	fmt.Printf("\nTotal runs: %d\n", len(result.Runs))
	return nil
}

func fetchRun(runID string) (*pipelineRun, error) {
	var result pipelineRun
	if err := doRequest("GET", "/v1/pipeline-runs/"+url.PathEscape(runID), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func waitForRun(runID string) (*pipelineRun, error) {
	for {
		result, err := fetchRun(runID)
		if err != nil {
			return nil, err
		}
		if result.terminal() {
			return result, nil
		}
		time.Sleep(2 * time.Second)
	}
}

func displayRun(r *pipelineRun) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("ID", r.ID)
	table.Append("Pipeline", r.TemplateID)
	table.Append("State", r.State)
	table.Append("Created At", formatTime(r.CreatedAt))
	if !r.CompletedAt.IsZero() {
		table.Append("Completed At", formatTime(r.CompletedAt))
	}
	table.Render()

	if len(r.Nodes) == 0 {
		return
	}

	names := make([]string, 0, len(r.Nodes))
	for name := range r.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println()
	nodes := tablewriter.NewWriter(os.Stdout)
	nodes.Header("Node", "State", "Job", "Error")
	for _, name := range names {
		n := r.Nodes[name]
		nodes.Append(name, n.State, orDash(n.JobID), orDash(n.Error))
	}
	nodes.Render()
}
