package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL    string
	apiToken     string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "molctl",
	Short: "CLI for the molecular orchestration service",
	Long:  `molctl manages analysis jobs, pipeline templates and pipeline runs against an orchestrator server.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "orchestrator API URL (default $MOLORCH_SERVER or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "API token (default $MOLORCH_TOKEN)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table or json")
}

func serverBase() string {
	url := serverURL
	if url == "" {
		url = os.Getenv("MOLORCH_SERVER")
	}
	if url == "" {
		url = "http://localhost:8080"
	}
	return strings.TrimRight(url, "/")
}

func token() string {
	if apiToken != "" {
		return apiToken
	}
	return os.Getenv("MOLORCH_TOKEN")
}

func jsonOutput() bool {
	return outputFormat == "json"
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

// apiError carries the server's error payload back to the caller.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server error (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("server error (status %d)", e.Status)
}

// doRequest issues an authenticated request and decodes the JSON response
// into out. A nil out discards the body.
func doRequest(method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, serverBase()+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t := token(); t != "" {
		req.Header.Set("Authorization", "Bearer "+t)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", serverBase(), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &apiError{Status: resp.StatusCode}
		var envelope struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &envelope) == nil {
			apiErr.Message = envelope.Error
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// parseKeyValues turns repeated key=value flags into a map. Values that look
// like JSON (numbers, booleans, arrays, objects) keep their type.
func parseKeyValues(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid key=value pair %q", pair)
		}
		var typed any
		if err := json.Unmarshal([]byte(value), &typed); err == nil {
			out[key] = typed
		} else {
			out[key] = value
		}
	}
	return out, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
