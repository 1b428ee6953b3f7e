package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/evermemory/ema/pkg/snapshot"
	"github.com/spf13/cobra"
)

var errAddrAndPort = errors.New("--addr and --port cannot be provided together")

var snapshotOpts struct {
	name string
	port string
	addr string
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Create or restore snapshots on a running server",
}

var snapshotCreateCmd = &cobra.Command{
	Use:     "create",
	Aliases: []string{"c"},
	Short:   "Create a snapshot of the server",
	Long: `Create a snapshot of the server's memories and sessions.
The snapshot is written to the server's data directory as <name>.json.`,
	Example: `  ema snapshot c
  ema snapshot c -n my-snapshot`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSnapshot(cmd, "/api/snapshot", "fileName", "Snapshot created", "Failed to create snapshot")
	},
}

var snapshotRestoreCmd = &cobra.Command{
	Use:     "restore",
	Aliases: []string{"r"},
	Short:   "Restore a snapshot of the server",
	Long:    `Request the server to restore a snapshot by name.`,
	Example: `  ema snapshot r
  ema snapshot r -n my-snapshot`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSnapshot(cmd, "/api/snapshot/restore", "message", "Snapshot restored", "Failed to restore snapshot")
	},
}

func init() {
	for _, c := range []*cobra.Command{snapshotCreateCmd, snapshotRestoreCmd} {
		c.Flags().StringVarP(&snapshotOpts.name, "name", "n", snapshot.DefaultName, "snapshot name")
		c.Flags().StringVarP(&snapshotOpts.port, "port", "p", "3000", "port of a local server")
		c.Flags().StringVarP(&snapshotOpts.addr, "addr", "a", "", "server address, e.g. http://host:3000")
		snapshotCmd.AddCommand(c)
	}
	rootCmd.AddCommand(snapshotCmd)
}

// serverURL resolves the base URL from --addr or --port.
func serverURL(cmd *cobra.Command) (string, error) {
	addrSet := cmd.Flags().Changed("addr")
	portSet := cmd.Flags().Changed("port")
	if addrSet && portSet {
		return "", errAddrAndPort
	}
	if addrSet && snapshotOpts.addr != "" {
		url := strings.TrimRight(snapshotOpts.addr, "/")
		if !strings.Contains(url, "://") {
			url = "http://" + url
		}
		return url, nil
	}
	return fmt.Sprintf("http://localhost:%s", snapshotOpts.port), nil
}

func runSnapshot(cmd *cobra.Command, path, field, success, failure string) error {
	base, err := serverURL(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	url := base + path
	body, _ := json.Marshal(map[string]string{"name": snapshotOpts.name})

	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		errOut := cmd.ErrOrStderr()
		fmt.Fprintf(errOut, "Failed to communicate with the server at %s: %v\n", url, err)
		fmt.Fprintln(errOut, `Hint: run "ema serve" to start a local server`)
		return fmt.Errorf("server unreachable: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&result)

	if v, ok := result[field].(string); ok && v != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", success, v)
		return nil
	}
	if msg, ok := result["error"].(string); ok && msg != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", failure, msg)
		return nil
	}
	fmt.Fprintln(cmd.ErrOrStderr(), failure)
	return nil
}
