package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/braid/internal/config"
	"github.com/hochfrequenz/braid/internal/domain"
	"github.com/hochfrequenz/braid/internal/gateway"
	"github.com/hochfrequenz/braid/internal/notify"
	"github.com/hochfrequenz/braid/internal/plan"
	"github.com/hochfrequenz/braid/internal/review"
	"github.com/hochfrequenz/braid/internal/scheduler"
	"github.com/hochfrequenz/braid/internal/sweeper"
	"github.com/hochfrequenz/braid/internal/taskstore"
)

var (
	addLane     string
	addPriority int
	addClass    string
	addDepends  []int64
	listLane    string
	listStatus  string
	approveNote string
	answerNo    bool
	servePort   int
)

func init() {
	// accept command
	acceptCmd := &cobra.Command{
		Use:   "accept FILE",
		Short: "Accept a plan file into the queue",
		Args:  cobra.ExactArgs(1),
		RunE:  runAccept,
	}
	rootCmd.AddCommand(acceptCmd)

	// add command
	addCmd := &cobra.Command{
		Use:   "add GOAL",
		Short: "Add a single task",
		Args:  cobra.ExactArgs(1),
		RunE:  runAdd,
	}
	addCmd.Flags().StringVar(&addLane, "lane", "default", "lane the task belongs to")
	addCmd.Flags().IntVar(&addPriority, "priority", int(domain.PriorityNormal), "priority (lower = more urgent)")
	addCmd.Flags().StringVar(&addClass, "class", string(domain.ExecParallelSafe), "execution class")
	addCmd.Flags().Int64SliceVar(&addDepends, "depends", nil, "task IDs this task depends on")
	rootCmd.AddCommand(addCmd)

	// list command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listLane, "lane", "", "filter by lane")
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	rootCmd.AddCommand(listCmd)

	// show command
	showCmd := &cobra.Command{
		Use:   "show TASK",
		Short: "Show one task with its message history",
		Args:  cobra.ExactArgs(1),
		RunE:  runShow,
	}
	rootCmd.AddCommand(showCmd)

	// status command
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue and worker status",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	// approve command
	approveCmd := &cobra.Command{
		Use:   "approve TASK",
		Short: "Approve a task waiting for review",
		Args:  cobra.ExactArgs(1),
		RunE:  runApprove,
	}
	approveCmd.Flags().StringVar(&approveNote, "notes", "", "approval notes")
	rootCmd.AddCommand(approveCmd)

	// reject command
	rejectCmd := &cobra.Command{
		Use:   "reject TASK FEEDBACK",
		Short: "Reject a task waiting for review",
		Args:  cobra.ExactArgs(2),
		RunE:  runReject,
	}
	rootCmd.AddCommand(rejectCmd)

	// cancel command
	cancelCmd := &cobra.Command{
		Use:   "cancel TASK",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	}
	rootCmd.AddCommand(cancelCmd)

	// unblock command
	unblockCmd := &cobra.Command{
		Use:   "unblock TASK [FEEDBACK]",
		Short: "Return a blocked task to the queue",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runUnblock,
	}
	rootCmd.AddCommand(unblockCmd)

	// decisions command
	decisionsCmd := &cobra.Command{
		Use:   "decisions",
		Short: "List pending decisions",
		RunE:  runDecisions,
	}
	rootCmd.AddCommand(decisionsCmd)

	// answer command
	answerCmd := &cobra.Command{
		Use:   "answer DECISION ANSWER",
		Short: "Answer a pending decision",
		Args:  cobra.ExactArgs(2),
		RunE:  runAnswer,
	}
	answerCmd.Flags().BoolVar(&answerNo, "reject", false, "reject instead of approve; cancels the task")
	rootCmd.AddCommand(answerCmd)

	// messages command
	messagesCmd := &cobra.Command{
		Use:   "messages TASK",
		Short: "Show the message history of a task",
		Args:  cobra.ExactArgs(1),
		RunE:  runMessages,
	}
	rootCmd.AddCommand(messagesCmd)

	// sweep command
	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Reclaim stale leases once",
		RunE:  runSweep,
	}
	rootCmd.AddCommand(sweepCmd)

	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway, sweeper, and plan watcher",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "gateway port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func openStore(cfg *config.Config) (*taskstore.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.General.DatabasePath), 0o755); err != nil {
		return nil, err
	}
	return taskstore.New(cfg.General.DatabasePath)
}

func parseTaskID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid task id %q", arg)
	}
	return id, nil
}

func runAccept(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := plan.AcceptFile(store, args[0])
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Println("Plan already accepted, nothing to do")
		return nil
	}
	fmt.Printf("Accepted %d tasks from %s\n", n, args[0])
	return nil
}

func runAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	task := &domain.Task{
		Lane:           addLane,
		Goal:           args[0],
		Priority:       domain.Priority(addPriority),
		ExecutionClass: domain.ExecutionClass(addClass),
		Dependencies:   addDepends,
		Metadata:       domain.Metadata{Source: "cli"},
	}
	if err := store.InsertTask(task); err != nil {
		return err
	}
	fmt.Printf("Added task %d in lane %s\n", task.ID, task.Lane)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	tasks, err := store.ListTasks(taskstore.ListOptions{
		Lane:   listLane,
		Status: domain.TaskStatus(listStatus),
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLANE\tSTATUS\tPRIO\tATTEMPTS\tWORKER\tGOAL")
	for _, t := range tasks {
		worker := t.WorkerID
		if worker == "" {
			worker = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%s\t%s\n",
			t.ID, t.Lane, t.Status, t.Priority, t.AttemptCount, worker, truncate(t.Goal, 60))
	}
	w.Flush()
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func runShow(cmd *cobra.Command, args []string) error {
	id, err := parseTaskID(args[0])
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	t, err := store.GetTask(id)
	if err != nil {
		return err
	}

	fmt.Printf("Task %d (%s)\n", t.ID, t.Status)
	fmt.Printf("  Lane:     %s\n", t.Lane)
	fmt.Printf("  Goal:     %s\n", t.Goal)
	fmt.Printf("  Priority: %d  Class: %s  Attempts: %d\n", t.Priority, t.ExecutionClass, t.AttemptCount)
	if len(t.Dependencies) > 0 {
		fmt.Printf("  Depends:  %v\n", t.Dependencies)
	}
	if t.Leased() {
		fmt.Printf("  Lease:    %s held by %s, expires %s\n",
			t.LeaseID, t.WorkerID, humanize.Time(t.LeaseExpiresAt))
	}
	if t.BlockerMsg != "" {
		fmt.Printf("  Blocked:  %s\n", t.BlockerMsg)
	}
	if t.ManagerFeedback != "" {
		fmt.Printf("  Feedback: %s\n", t.ManagerFeedback)
	}
	fmt.Printf("  Created:  %s  Updated: %s\n", humanize.Time(t.CreatedAt), humanize.Time(t.UpdatedAt))

	messages, err := store.ListMessages(id)
	if err != nil {
		return err
	}
	if len(messages) > 0 {
		fmt.Println("\nMessages:")
		for _, m := range messages {
			fmt.Printf("  [%s] %s/%s: %s\n", humanize.Time(m.CreatedAt), m.Role, m.Type, truncate(m.Content, 100))
		}
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	counts, err := store.CountByStatus()
	if err != nil {
		return err
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	fmt.Printf("Tasks: %d total | %d pending | %d in progress | %d blocked | %d in review | %d completed | %d cancelled\n",
		total,
		counts[domain.StatusPending],
		counts[domain.StatusInProgress],
		counts[domain.StatusBlocked],
		counts[domain.StatusReviewNeeded],
		counts[domain.StatusCompleted],
		counts[domain.StatusCancelled])

	workers, err := store.ListWorkers()
	if err != nil {
		return err
	}
	if len(workers) == 0 {
		fmt.Println("Workers: none seen")
		return nil
	}
	fmt.Println("Workers:")
	for _, w := range workers {
		lanes := "all lanes"
		if len(w.AllowedLanes) > 0 {
			lanes = strings.Join(w.AllowedLanes, ",")
		}
		fmt.Printf("  %s (%s, %s) last seen %s\n", w.ID, w.WorkerType, lanes, humanize.Time(w.LastSeen))
	}

	decisions, err := store.ListDecisions(domain.DecisionPending)
	if err != nil {
		return err
	}
	if len(decisions) > 0 {
		fmt.Printf("Pending decisions: %d (see 'braid decisions')\n", len(decisions))
	}
	return nil
}

func newPipeline(cfg *config.Config, store *taskstore.Store) *review.Pipeline {
	var notifiers []notify.Notifier
	if cfg.Notify.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if cfg.Notify.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notify.SlackWebhook))
	}
	return review.New(store, notify.NewMultiNotifier(notifiers...), cfg.Review.EscalateAfter)
}

func runApprove(cmd *cobra.Command, args []string) error {
	id, err := parseTaskID(args[0])
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := newPipeline(cfg, store).Approve(id, approveNote); err != nil {
		return err
	}
	fmt.Printf("Task %d approved\n", id)
	return nil
}

func runReject(cmd *cobra.Command, args []string) error {
	id, err := parseTaskID(args[0])
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := newPipeline(cfg, store).Reject(id, args[1]); err != nil {
		return err
	}

	t, err := store.GetTask(id)
	if err != nil {
		return err
	}
	if t.Status == domain.StatusBlocked {
		fmt.Printf("Task %d rejected and escalated after %d attempts\n", id, t.AttemptCount)
	} else {
		fmt.Printf("Task %d rejected, returned to worker (attempt %d)\n", id, t.AttemptCount)
	}
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	id, err := parseTaskID(args[0])
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Cancel(id); err != nil {
		return err
	}
	fmt.Printf("Task %d cancelled\n", id)
	return nil
}

func runUnblock(cmd *cobra.Command, args []string) error {
	id, err := parseTaskID(args[0])
	if err != nil {
		return err
	}
	feedback := ""
	if len(args) > 1 {
		feedback = args[1]
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Unblock(id, feedback); err != nil {
		return err
	}
	fmt.Printf("Task %d returned to the queue\n", id)
	return nil
}

func runDecisions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	decisions, err := store.ListDecisions(domain.DecisionPending)
	if err != nil {
		return err
	}
	if len(decisions) == 0 {
		fmt.Println("No pending decisions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPRIO\tTASK\tAGE\tQUESTION")
	for _, d := range decisions {
		task := "-"
		if d.TaskID != 0 {
			task = strconv.FormatInt(d.TaskID, 10)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			d.ID, d.Priority, task, humanize.Time(d.CreatedAt), truncate(d.Question, 70))
	}
	w.Flush()
	return nil
}

func runAnswer(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid decision id %q", args[0])
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := newPipeline(cfg, store).Answer(id, !answerNo, args[1]); err != nil {
		return err
	}
	if answerNo {
		fmt.Printf("Decision %d rejected\n", id)
	} else {
		fmt.Printf("Decision %d approved\n", id)
	}
	return nil
}

func runMessages(cmd *cobra.Command, args []string) error {
	id, err := parseTaskID(args[0])
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	messages, err := store.ListMessages(id)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		fmt.Println("No messages")
		return nil
	}
	for _, m := range messages {
		fmt.Printf("[%s] %s/%s\n%s\n\n", m.CreatedAt.Format(time.RFC3339), m.Role, m.Type, m.Content)
	}
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	sw, err := sweeper.New(store, cfg.Lease.SweepCron, cfg.Lease.MaxStale)
	if err != nil {
		return err
	}
	n, err := sw.SweepOnce()
	if err != nil {
		return err
	}
	fmt.Printf("Reclaimed %d stale leases\n", n)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	sched := scheduler.New(store, cfg.Lease.Duration, domain.Priority(cfg.Scheduler.PreemptBelow))
	pipeline := newPipeline(cfg, store)

	port := cfg.Gateway.Port
	if servePort != 0 {
		port = servePort
	}
	server := gateway.NewServer(gateway.ServerConfig{
		Host:          cfg.Gateway.Host,
		Port:          port,
		LeaseDuration: cfg.Lease.Duration,
	}, store, sched, pipeline)

	sw, err := sweeper.New(store, cfg.Lease.SweepCron, cfg.Lease.MaxStale)
	if err != nil {
		return err
	}

	watcher, err := plan.NewWatcher(store, cfg.General.PlanDir)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(ctx) })
	g.Go(func() error { return sw.Run(ctx) })
	g.Go(func() error { return watcher.Run(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		return server.Stop()
	})

	fmt.Printf("Serving on %s:%d (plans from %s)\n", cfg.Gateway.Host, port, cfg.General.PlanDir)
	err = g.Wait()
	if err != nil && ctx.Err() != nil {
		return nil // clean shutdown
	}
	return err
}
