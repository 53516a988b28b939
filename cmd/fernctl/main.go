// fernctl is the operator CLI for the ingestion pipeline. It talks to the
// fern HTTP API; every command exits 0 on success and 1 on failure.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "fernctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		usage()
		return fmt.Errorf("missing command")
	}

	command := args[0]
	args = args[1:]

	fs := flag.NewFlagSet(command, flag.ExitOnError)
	apiURL := fs.String("api", envOr("FERN_API_URL", "http://localhost:3000"), "base URL of the fern API")
	token := fs.String("token", os.Getenv("FERN_API_TOKEN"), "bearer token for authenticated APIs")
	tenant := fs.String("tenant", os.Getenv("FERN_TENANT_ID"), "tenant id header, used when auth is disabled")

	client := func() *apiClient {
		return &apiClient{
			baseURL: strings.TrimRight(*apiURL, "/"),
			token:   *token,
			tenant:  *tenant,
			http:    &http.Client{Timeout: defaultTimeout},
		}
	}

	switch command {
	case "reset-cursor":
		if err := fs.Parse(args); err != nil {
			return err
		}
		ids, err := requireArgs(fs, "integration id")
		if err != nil {
			return err
		}
		return forEach(ids, func(id string) error {
			return client().post(fmt.Sprintf("/api/v1/integrations/%s/reset-cursor", id), nil)
		})

	case "resync":
		full := fs.Bool("full", false, "discard existing data and re-ingest from scratch")
		if err := fs.Parse(args); err != nil {
			return err
		}
		ids, err := requireArgs(fs, "integration id")
		if err != nil {
			return err
		}
		return forEach(ids, func(id string) error {
			return client().post(fmt.Sprintf("/api/v1/integrations/%s/resync", id), map[string]any{
				"full": *full,
			})
		})

	case "trigger-webhook":
		if err := fs.Parse(args); err != nil {
			return err
		}
		ids, err := requireArgs(fs, "webhook id")
		if err != nil {
			return err
		}
		return forEach(ids, func(id string) error {
			return client().post(fmt.Sprintf("/api/v1/webhooks/%s/trigger", id), nil)
		})

	case "process-pending-webhooks":
		if err := fs.Parse(args); err != nil {
			return err
		}
		path := "/api/v1/webhooks/process-pending"
		if fs.NArg() > 0 {
			size, err := strconv.Atoi(fs.Arg(0))
			if err != nil || size < 1 {
				return fmt.Errorf("invalid batch size %q", fs.Arg(0))
			}
			path = fmt.Sprintf("%s?limit=%d", path, size)
		}
		return client().post(path, nil)

	case "help", "-h", "--help":
		usage()
		return nil

	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: fernctl <command> [flags] [args]

Commands:
  reset-cursor <integration-id>...       clear an integration's saved cursors
  resync [--full] <integration-id>...    start a new sync run for an integration
  trigger-webhook <webhook-id>...        re-queue a stored webhook for processing
  process-pending-webhooks [batch-size]  queue all pending webhooks

Flags (all commands):
  --api     base URL of the fern API (FERN_API_URL)
  --token   bearer token (FERN_API_TOKEN)
  --tenant  tenant id header for local use (FERN_TENANT_ID)
`)
}

func requireArgs(fs *flag.FlagSet, name string) ([]string, error) {
	if fs.NArg() < 1 {
		return nil, fmt.Errorf("missing %s argument", name)
	}
	return fs.Args(), nil
}

// forEach applies fn to every id, attempting all of them before failing
func forEach(ids []string, fn func(string) error) error {
	var errs []error
	for _, id := range ids {
		if err := fn(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type apiClient struct {
	baseURL string
	token   string
	tenant  string
	http    *http.Client
}

// post sends the request and prints the response body to stdout
func (c *apiClient) post(path string, body any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.tenant != "" {
		req.Header.Set("X-Tenant-ID", c.tenant)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s: %s", http.MethodPost, path, resp.Status, strings.TrimSpace(string(respBody)))
	}

	if len(respBody) > 0 {
		fmt.Println(strings.TrimSpace(string(respBody)))
	}
	return nil
}
