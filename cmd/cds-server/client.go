package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/spf13/cobra"
)

const defaultBaseURL = "http://localhost:3000"

func discoverCmd() *cobra.Command {
	var baseURL string
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Print the CDS Hooks discovery response",
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(cmd.OutOrStdout(), http.MethodGet, strings.TrimSuffix(baseURL, "/")+"/cds-services", nil)
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", defaultBaseURL, "Base URL of the CDS service")
	return cmd
}

func callCmd() *cobra.Command {
	var baseURL, hookID, file string
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Call a CDS Hook with a request read from a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read request: %w", err)
			}
			body, err := withHookInstance(data)
			if err != nil {
				return err
			}
			endpoint := strings.TrimSuffix(baseURL, "/") + "/cds-services/" + hookID
			return send(cmd.OutOrStdout(), http.MethodPost, endpoint, body)
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", defaultBaseURL, "Base URL of the CDS service")
	cmd.Flags().StringVar(&hookID, "hook", "", "Id of the hook to call")
	cmd.Flags().StringVar(&file, "file", "", "Path of the JSON hook request")
	_ = cmd.MarkFlagRequired("hook")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func execCmd() *cobra.Command {
	var baseURL, libraryID, version, file string
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Execute a CQL library against a Bundle read from a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read bundle: %w", err)
			}
			return send(cmd.OutOrStdout(), http.MethodPost, libraryEndpoint(baseURL, libraryID, version), data)
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", defaultBaseURL, "Base URL of the CDS service")
	cmd.Flags().StringVar(&libraryID, "library", "", "Id of the library to execute")
	cmd.Flags().StringVar(&version, "version", "", "Library version (latest when empty)")
	cmd.Flags().StringVar(&file, "file", "", "Path of the JSON Bundle")
	_ = cmd.MarkFlagRequired("library")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func libraryEndpoint(baseURL, id, version string) string {
	endpoint := strings.TrimSuffix(baseURL, "/") + "/api/library/" + id
	if version != "" {
		endpoint += "/version/" + version
	}
	return endpoint
}

// withHookInstance fills in a random hookInstance when the request has none.
func withHookInstance(data []byte) ([]byte, error) {
	var req map[string]interface{}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parse request: %w", err)
	}
	if s, _ := req["hookInstance"].(string); s != "" {
		return data, nil
	}
	req["hookInstance"] = uuid.New().String()
	return json.Marshal(req)
}

// send issues the request and prints the status, headers and body, pretty
// printing JSON bodies.
func send(out io.Writer, method, endpoint string, body []byte) error {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.Logger = nil
	client.HTTPClient.Timeout = 60 * time.Second

	var reqBody interface{}
	if body != nil {
		reqBody = body
	}
	req, err := retryablehttp.NewRequest(method, endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	printResponse(out, resp, respBody)
	return nil
}

func printResponse(out io.Writer, resp *http.Response, body []byte) {
	fmt.Fprintf(out, "STATUS: %s\n", resp.Status)
	fmt.Fprintln(out, "--------------- HEADERS ------------")
	keys := make([]string, 0, len(resp.Header))
	for k := range resp.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "%s: %s\n", k, strings.Join(resp.Header[k], ", "))
	}
	fmt.Fprintln(out, "--------------- BODY ---------------")
	if strings.Contains(resp.Header.Get("Content-Type"), "json") {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, body, "", "  "); err == nil {
			fmt.Fprintln(out, pretty.String())
			return
		}
	}
	fmt.Fprintln(out, string(body))
}
