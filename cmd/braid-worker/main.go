package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/braid/internal/backoff"
	"github.com/hochfrequenz/braid/internal/config"
	"github.com/hochfrequenz/braid/internal/worker"
)

var (
	configPath string
	workerID   string
	gatewayURL string
	command    string
	maxTasks   int
)

var rootCmd = &cobra.Command{
	Use:   "braid-worker",
	Short: "Braid worker agent",
	Long: `braid-worker connects to a braid gateway, pulls tasks under lease,
runs the configured command for each one, and submits the result for review.`,
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.Flags().StringVar(&workerID, "id", "", "worker id (default: hostname + pid)")
	rootCmd.Flags().StringVar(&gatewayURL, "gateway", "", "gateway websocket URL (overrides config)")
	rootCmd.Flags().StringVar(&command, "command", "", "command to run per task (overrides config)")
	rootCmd.Flags().IntVar(&maxTasks, "max-tasks", 0, "concurrent task slots (overrides config)")
}

func run(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	if gatewayURL == "" {
		gatewayURL = cfg.Worker.GatewayURL
	}
	if command == "" {
		command = cfg.Worker.Command
	}
	if command == "" {
		return fmt.Errorf("no command configured (set worker.command or --command)")
	}
	if maxTasks == 0 {
		maxTasks = cfg.Worker.MaxTasks
	}
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	poll := backoff.New(cfg.Worker.PollBase, cfg.Worker.PollCap)
	poll.Retries = cfg.Worker.PollRetries

	w, err := worker.New(worker.Config{
		GatewayURL:        gatewayURL,
		WorkerID:          workerID,
		WorkerType:        cfg.Worker.WorkerType,
		Lanes:             cfg.Worker.Lanes,
		MaxTasks:          maxTasks,
		RenewInterval:     cfg.Lease.RenewInterval,
		HeartbeatInterval: cfg.Lease.HeartbeatInterval,
		Poll:              poll,
	}, worker.NewCommandExecutor(command, ""))
	if err != nil {
		return err
	}

	fmt.Printf("worker %s connecting to %s\n", workerID, gatewayURL)
	return w.RunWithReconnect()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
