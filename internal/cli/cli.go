package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/Stefan/orka-ppm-sub005/internal/config"
	internal_http "github.com/Stefan/orka-ppm-sub005/internal/http"
	"github.com/Stefan/orka-ppm-sub005/internal/log"
	internal_storage "github.com/Stefan/orka-ppm-sub005/internal/storage"
	"github.com/Stefan/orka-ppm-sub005/pkg/models"
	"github.com/Stefan/orka-ppm-sub005/pkg/service"
	"github.com/spf13/cobra"
)

func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("db", "", "Database connection string (defaults to ORKA_DATABASE_URL)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the workflow HTTP server",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			store := initStore(connStr(cmd, cfg))
			defer store.Close()
			if err := internal_http.StartServer(cfg.Port, store); err != nil {
				log.GetLogger().Errorf("Server failed: %v", err)
				os.Exit(1)
			}
		},
	}

	createCmd := &cobra.Command{
		Use:   "create [definition.json]",
		Short: "Create a workflow definition from a JSON file",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				fail("reading definition file: %v", err)
			}
			var def models.WorkflowDefinition
			if err := json.Unmarshal(raw, &def); err != nil {
				fail("parsing definition file: %v", err)
			}
			store := initStore(connStr(cmd, loadConfig()))
			defer store.Close()
			wfSvc, _, _, _ := buildServices(store)
			id, err := wfSvc.CreateWorkflow(def)
			if err != nil {
				fail("creating workflow: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Created workflow '%s' with ID %d\n", def.Name, id)
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all workflow definitions",
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(connStr(cmd, loadConfig()))
			defer store.Close()
			wfSvc, _, _, _ := buildServices(store)
			workflows, err := wfSvc.ListWorkflows()
			if err != nil {
				fail("listing workflows: %v", err)
			}
			if len(workflows) == 0 {
				fmt.Fprintf(os.Stdout, "No workflows found.\n")
				return
			}
			for _, wf := range workflows {
				fmt.Fprintf(os.Stdout, "- ID: %d, Name: %s, Status: %s, Version: %d, Created: %s\n",
					wf.ID, wf.Name, wf.Status, wf.Version, wf.CreatedAt.Format(time.RFC3339))
			}
		},
	}

	activateCmd := &cobra.Command{
		Use:   "activate [workflow-id]",
		Short: "Activate a workflow definition",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			id := parseID(args[0])
			store := initStore(connStr(cmd, loadConfig()))
			defer store.Close()
			wfSvc, _, _, _ := buildServices(store)
			if err := wfSvc.ActivateWorkflow(id); err != nil {
				fail("activating workflow: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Activated workflow %d\n", id)
		},
	}

	startCmd := &cobra.Command{
		Use:   "start [workflow-id] [entity-type] [entity-id] [initiator]",
		Short: "Start a workflow instance",
		Args:  cobra.ExactArgs(4),
		Run: func(cmd *cobra.Command, args []string) {
			id := parseID(args[0])
			store := initStore(connStr(cmd, loadConfig()))
			defer store.Close()
			wfSvc, _, _, _ := buildServices(store)
			inst, err := wfSvc.StartInstance(id, args[1], args[2], args[3], nil)
			if err != nil {
				fail("starting instance: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Started instance %d of workflow %d (version %d)\n", inst.ID, inst.WorkflowID, inst.WorkflowVersion)
		},
	}

	decideCmd := &cobra.Command{
		Use:   "decide [approval-id] [approver-id] [approve|reject] [comments]",
		Short: "Record an approval decision",
		Args:  cobra.RangeArgs(3, 4),
		Run: func(cmd *cobra.Command, args []string) {
			decision := models.ApprovedApprovalStatus
			switch args[2] {
			case "approve":
			case "reject":
				decision = models.RejectedApprovalStatus
			default:
				fail("decision must be 'approve' or 'reject', got %q", args[2])
			}
			comments := ""
			if len(args) == 4 {
				comments = args[3]
			}
			store := initStore(connStr(cmd, loadConfig()))
			defer store.Close()
			wfSvc, _, _, _ := buildServices(store)
			inst, err := wfSvc.RecordDecision(args[0], args[1], decision, comments)
			if err != nil {
				fail("recording decision: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Instance %d is now %s (step %d)\n", inst.ID, inst.Status, inst.CurrentStep)
		},
	}

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Escalate pending approvals whose expiry has passed",
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(connStr(cmd, loadConfig()))
			defer store.Close()
			_, delSvc, _, _ := buildServices(store)
			n, err := delSvc.CheckAndEscalateTimeouts(time.Now())
			if err != nil {
				fail("timeout sweep: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Escalated %d timed-out approvals\n", n)
		},
	}

	reconcileCmd := &cobra.Command{
		Use:   "reconcile [instance-id]",
		Short: "Detect and repair data inconsistencies for an instance",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			id := parseID(args[0])
			store := initStore(connStr(cmd, loadConfig()))
			defer store.Close()
			_, _, _, recSvc := buildServices(store)
			report, err := recSvc.ReconcileWorkflowData(id)
			if err != nil {
				fail("reconciling instance: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Instance %d: consistent=%v, %d inconsistencies, %d repairs\n",
				id, report.IsConsistent, len(report.Inconsistencies), len(report.Repairs))
			for _, inc := range report.Inconsistencies {
				fmt.Fprintf(os.Stdout, "  [%s] %s: %s\n", inc.Severity, inc.Type, inc.Description)
			}
			for _, rep := range report.Repairs {
				fmt.Fprintf(os.Stdout, "  repaired %s: %s\n", rep.Type, rep.Description)
			}
		},
	}

	rootCmd.AddCommand(serveCmd, createCmd, listCmd, activateCmd, startCmd, decideCmd, sweepCmd, reconcileCmd)
}

// buildServices wires the engine services over one store with the configured
// policies.
func buildServices(store *internal_storage.PostgresStore) (*service.WorkflowService, *service.DelegationService, *service.AuditService, *service.ReconciliationService) {
	cfg := loadConfig()
	logger := log.GetLogger()
	audit := service.NewAuditService(store, logger, service.WithBatchSize(cfg.AuditBatchSize))
	wfSvc := service.NewWorkflowService(store, audit, logger)
	policy := service.FailOpenPolicy
	if !cfg.AvailabilityFailOpen {
		policy = service.FailClosedPolicy
	}
	delSvc := service.NewDelegationService(store, wfSvc, audit, logger,
		service.WithAvailabilityPolicy(policy),
		service.WithEscalationExpiry(time.Duration(cfg.EscalationExpiryHours)*time.Hour))
	recSvc := service.NewReconciliationService(store, audit, logger)
	return wfSvc, delSvc, audit, recSvc
}

func loadConfig() config.Config {
	cfg, err := config.Load()
	if err != nil {
		fail("loading config: %v", err)
	}
	return cfg
}

func connStr(cmd *cobra.Command, cfg config.Config) string {
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil {
		fail("retrieving db flag: %v", err)
	}
	if dbConnStr == "" {
		dbConnStr = cfg.DatabaseURL
	}
	if dbConnStr == "" {
		fail("no database configured: pass --db or set ORKA_DATABASE_URL")
	}
	return dbConnStr
}

func parseID(arg string) int64 {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		fail("parsing ID %q: %v", arg, err)
	}
	return id
}

func initStore(dbConnStr string) *internal_storage.PostgresStore {
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	return store
}

func fail(format string, args ...interface{}) {
	log.GetLogger().Errorf(format, args...)
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
