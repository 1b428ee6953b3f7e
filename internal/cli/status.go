package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/evermemory/ema/internal/daemon"
	"github.com/evermemory/ema/pkg/scheduler"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show service status",
	Long:  `Show whether the ema service is running and, when it is, its scheduler and actor counts.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type healthResponse struct {
	Status    string          `json:"status"`
	Actors    int             `json:"actors"`
	Scheduler scheduler.Stats `json:"scheduler"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	pidFile := daemon.PIDFilePath(cfg.DataDir)

	pid, err := daemon.ReadPID(pidFile)
	if err != nil || !daemon.ProcessAlive(pid) {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	fmt.Fprintln(out, "Status: running")
	fmt.Fprintf(out, "PID: %d\n", pid)
	if fileInfo, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(fileInfo.ModTime())))
	}

	health, err := fetchHealth(fmt.Sprintf("http://%s/healthz", cfg.Addr()))
	if err != nil {
		fmt.Fprintf(out, "HTTP: unreachable (%v)\n", err)
		return nil
	}
	fmt.Fprintf(out, "HTTP: %s on %s\n", health.Status, cfg.Addr())
	fmt.Fprintf(out, "Actors: %d\n", health.Actors)
	fmt.Fprintf(out, "Scheduler: %d/%d slots in use, %d waiting, %d tasks\n",
		health.Scheduler.InUse, health.Scheduler.Capacity, health.Scheduler.Waiting, health.Scheduler.Tasks)
	return nil
}

func fetchHealth(url string) (*healthResponse, error) {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var h healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("invalid health response: %w", err)
	}
	return &h, nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
