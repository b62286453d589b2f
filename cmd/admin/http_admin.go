package main

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

const defaultServerURL = "http://127.0.0.1:8080"

func newStateCmd(out io.Writer) *cobra.Command {
	var baseURL string
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Print the running server's store state",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, adminURL(baseURL, "state"), nil)
			if err != nil {
				return err
			}
			return doAdmin(out, req, 5*time.Second)
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", defaultServerURL, "server base url")
	return cmd
}

func newSnapshotCmd(out io.Writer) *cobra.Command {
	var baseURL string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Ask the running server to write a snapshot now",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, adminURL(baseURL, "snapshot"), nil)
			if err != nil {
				return err
			}
			return doAdmin(out, req, 10*time.Second)
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", defaultServerURL, "server base url")
	return cmd
}

func adminURL(base, path string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + "/admin/v1/" + path
}

func doAdmin(out io.Writer, req *http.Request, timeout time.Duration) error {
	cl := &http.Client{Timeout: timeout}
	resp, err := cl.Do(req)
	if err != nil {
		return errors.Wrap(err, "request")
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Fprintln(out, strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		return errors.Newf("%s %s: %s", req.Method, req.URL.Path, resp.Status)
	}
	return nil
}
