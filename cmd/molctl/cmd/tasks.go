package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Browse the task catalog",
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog tasks",
	RunE:  runTaskList,
}

var taskFile string

var taskRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a task definition",
	Long:  `Register a task definition from a YAML or JSON file. Definitions are immutable once registered.`,
	RunE:  runTaskRegister,
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-ref>",
	Short: "Show a task definition",
	Long:  `Show a task definition by reference, either name@version or a bare name for the latest version.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var providerCmd = &cobra.Command{
	Use:   "provider",
	Short: "Inspect providers",
}

var providerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List providers with their runtime metrics",
	RunE:  runProviderList,
}

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskRegisterCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)

	taskRegisterCmd.Flags().StringVarP(&taskFile, "file", "f", "", "task definition file, YAML or JSON (required)")
	taskRegisterCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(providerCmd)
	providerCmd.AddCommand(providerListCmd)
}

type paramSpec struct {
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
}

type taskDef struct {
	ID          string               `json:"id"`
	Version     string               `json:"version"`
	Name        string               `json:"name,omitempty"`
	Category    string               `json:"category,omitempty"`
	Description string               `json:"description,omitempty"`
	Active      bool                 `json:"active"`
	Inputs      map[string]paramSpec `json:"inputs"`
	Bindings    []struct {
		Provider string `json:"provider"`
	} `json:"bindings"`
}

func runTaskRegister(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(taskFile)
	if err != nil {
		return err
	}

	var def map[string]any
	if err := yaml.Unmarshal(data, &def); err != nil {
		if jsonErr := json.Unmarshal(data, &def); jsonErr != nil {
			return fmt.Errorf("parse %s: %w", taskFile, err)
		}
	}

	var result taskDef
	if err := doRequest("POST", "/v1/tasks", def, &result); err != nil {
		return err
	}

	if jsonOutput() {
		return printJSON(result)
	}
	fmt.Printf("Task %s@%s registered\n", result.ID, result.Version)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	var result struct {
		Tasks []taskDef `json:"tasks"`
	}
	if err := doRequest("GET", "/v1/tasks", nil, &result); err != nil {
		return err
	}

	if jsonOutput() {
		return printJSON(result)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Task", "Version", "Category", "Active", "Providers")
	for _, t := range result.Tasks {
		providers := make([]string, 0, len(t.Bindings))
		for _, b := range t.Bindings {
			providers = append(providers, b.Provider)
		}
		table.Append(t.ID, t.Version, orDash(t.Category), fmt.Sprintf("%t", t.Active), orDash(joinComma(providers)))
	}
	table.Render()
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	var result taskDef
	if err := doRequest("GET", "/v1/tasks/"+url.PathEscape(args[0]), nil, &result); err != nil {
		return err
	}

	if jsonOutput() {
		return printJSON(result)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Task", result.ID+"@"+result.Version)
	if result.Name != "" {
		table.Append("Name", result.Name)
	}
	if result.Description != "" {
		table.Append("Description", result.Description)
	}
	table.Append("Category", orDash(result.Category))
	table.Append("Active", fmt.Sprintf("%t", result.Active))
	table.Render()

	if len(result.Inputs) == 0 {
		return nil
	}

	names := make([]string, 0, len(result.Inputs))
	for name := range result.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println()
	params := tablewriter.NewWriter(os.Stdout)
	params.Header("Parameter", "Type", "Required", "Default", "Description")
	for _, name := range names {
		p := result.Inputs[name]
		def := "-"
		if p.Default != nil {
			def = fmt.Sprintf("%v", p.Default)
		}
		params.Append(name, p.Type, fmt.Sprintf("%t", p.Required), def, orDash(p.Description))
	}
	params.Render()
	return nil
}

func runProviderList(cmd *cobra.Command, args []string) error {
	var result struct {
		Providers map[string]struct {
			Total       int64   `json:"total"`
			SuccessRate float64 `json:"successRate"`
			AvgLatency  int64   `json:"avgLatency"`
			InFlight    int64   `json:"inFlight"`
		} `json:"providers"`
	}
	if err := doRequest("GET", "/v1/providers", nil, &result); err != nil {
		return err
	}

	if jsonOutput() {
		return printJSON(result)
	}

	ids := make([]string, 0, len(result.Providers))
	for id := range result.Providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Provider", "Jobs", "Success Rate", "In Flight")
	for _, id := range ids {
		p := result.Providers[id]
		table.Append(id, fmt.Sprintf("%d", p.Total), fmt.Sprintf("%.0f%%", p.SuccessRate*100), fmt.Sprintf("%d", p.InFlight))
	}
	table.Render()
	return nil
}

func joinComma(items []string) string {
	out := ""
	for i, item := range items {
		if i > 0 {
			out += ", "
		}
		out += item
	}
	return out
}
