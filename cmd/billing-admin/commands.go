package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"skyfi-billing/internal/audit"
	"skyfi-billing/internal/catalog"
	"skyfi-billing/internal/common/camunda"
	"skyfi-billing/internal/common/config"
	"skyfi-billing/internal/common/database"
	"skyfi-billing/internal/common/logger"
	"skyfi-billing/internal/common/momo"
	"skyfi-billing/internal/models"
	"skyfi-billing/internal/payment"
	"skyfi-billing/internal/process"
	"skyfi-billing/internal/report"
	"skyfi-billing/internal/store"
)

const dateLayout = "2006-01-02"

// env is what a single command run connects to.
type env struct {
	cfg   *config.Config
	log   logger.Logger
	pg    *database.PostgresClient
	redis *database.RedisClient
	store *store.Store
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if path, _ := cmd.Flags().GetString("env-file"); path != "" {
		if err := godotenv.Overload(path); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}
	return config.Load()
}

func setup(cmd *cobra.Command) (*env, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, log: logger.NewStructured(cfg.Logging.Level, "console").Named("billing-admin")}

	if !cfg.Database.Postgres.IsConfigured() {
		return nil, fmt.Errorf("database.postgres is not configured")
	}
	if e.pg, err = database.NewPostgres(cfg.Database.Postgres); err != nil {
		return nil, err
	}
	if err := e.pg.Ping(cmd.Context()); err != nil {
		e.close()
		return nil, fmt.Errorf("postgres: %w", err)
	}
	e.store = store.New(e.pg.DB, e.log)

	if cfg.Database.Redis.Address != "" {
		rc, err := database.NewRedis(cfg.Database.Redis)
		if err == nil {
			if err = rc.Ping(cmd.Context()); err != nil {
				_ = rc.Close()
			}
		}
		if err == nil {
			e.redis = rc
		} else {
			e.log.Warn("redis unavailable, catalog cache is bypassed", map[string]interface{}{"address": cfg.Database.Redis.Address})
		}
	}
	return e, nil
}

func (e *env) rdb() redis.Cmdable {
	if e.redis == nil {
		return nil
	}
	return e.redis.Client
}

func (e *env) catalog() *catalog.Catalog {
	return catalog.New(e.store, e.rdb(), e.cfg.Workflow.CatalogCacheTTLDuration(), store.ErrNotFound, e.log)
}

func (e *env) close() {
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.pg != nil {
		_ = e.pg.Close()
	}
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the billing schema to the configured database",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			if err := e.store.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Settle stale pending payments against the gateway and expire subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			opts := []momo.Option{momo.WithLogger(e.log)}
			if rdb := e.rdb(); rdb != nil {
				opts = append(opts, momo.WithTokenCache(momo.NewRedisTokenCache(rdb)))
			}
			gateway := momo.NewClient(e.cfg.Gateway, opts...)
			if !gateway.Configured() {
				return fmt.Errorf("payment gateway is not configured: missing %v", e.cfg.Gateway.Missing())
			}

			wf := payment.New(gateway, e.catalog(), e.store, e.cfg.Workflow, e.cfg.Gateway.Currency,
				payment.Options{Logger: e.log})
			rep, err := payment.NewReconciler(wf, e.store, e.cfg.Workflow.ReconcileAfterDuration(), e.log).RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, rep)
		},
	}
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the package catalog",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List purchasable packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			pkgs, err := e.catalog().List(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tPRICE\tDAYS")
			for _, p := range pkgs {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%d\n", p.ID, p.Name, p.Price.String(), p.DurationDays)
			}
			return tw.Flush()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "invalidate",
		Short: "Drop the cached catalog so the next read hits the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			if e.redis == nil {
				return fmt.Errorf("redis is not configured, nothing is cached")
			}
			if err := e.catalog().Invalidate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "catalog cache cleared")
			return nil
		},
	})
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export-payments",
		Short: "Write payments created in a date range to an XLSX workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, to, err := dateRange(cmd)
			if err != nil {
				return err
			}
			status, _ := cmd.Flags().GetString("status")
			out, _ := cmd.Flags().GetString("out")

			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			payments, err := e.store.ListPaymentsBetween(cmd.Context(), from, to, models.PaymentStatus(status))
			if err != nil {
				return err
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := report.WritePayments(f, payments); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d payments to %s\n", len(payments), out)
			return nil
		},
	}
	cmd.Flags().String("since", "", "First day to include (YYYY-MM-DD, default 30 days ago)")
	cmd.Flags().String("until", "", "Last day to include (YYYY-MM-DD, default today)")
	cmd.Flags().String("status", "", "Only export payments in this status")
	cmd.Flags().StringP("out", "o", "payments.xlsx", "Output file")
	return cmd
}

// dateRange turns the inclusive --since/--until days into a half-open UTC range.
func dateRange(cmd *cobra.Command) (time.Time, time.Time, error) {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	from, to := today.AddDate(0, 0, -30), today

	if s, _ := cmd.Flags().GetString("since"); s != "" {
		t, err := time.Parse(dateLayout, s)
		if err != nil {
			return from, to, fmt.Errorf("--since: %w", err)
		}
		from = t
	}
	if s, _ := cmd.Flags().GetString("until"); s != "" {
		t, err := time.Parse(dateLayout, s)
		if err != nil {
			return from, to, fmt.Errorf("--until: %w", err)
		}
		to = t
	}
	if to.Before(from) {
		return from, to, fmt.Errorf("--until is before --since")
	}
	return from, to.AddDate(0, 0, 1), nil
}

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payment-events [reference]",
		Short: "Show the audited event history of one payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log := logger.NewStructured(cfg.Logging.Level, "console").Named("billing-admin")
			if cfg.Database.Elasticsearch.GetURL() == "" {
				return fmt.Errorf("database.elasticsearch is not configured")
			}
			es, err := database.NewElasticsearch(cfg.Database.Elasticsearch)
			if err != nil {
				return err
			}
			events, err := audit.NewRecorder(es.Client, cfg.Database.Elasticsearch.PaymentIndex, log).History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, events)
		},
	}
	return cmd
}

func deployCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deploy-process",
		Short: "Deploy the purchase process definition to the Zeebe broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if !cfg.Camunda.Enabled() {
				return fmt.Errorf("camunda.broker_address is not configured")
			}
			client, err := camunda.NewClientWithConfig(camunda.ConfigFrom(cfg.Camunda))
			if err != nil {
				return err
			}
			defer client.Close()

			deployments, err := client.DeployProcess(cmd.Context(), process.ResourceName, process.Definition)
			if err != nil {
				return err
			}
			for _, d := range deployments {
				fmt.Fprintf(cmd.OutOrStdout(), "deployed %s version %d (key %d)\n", d.ProcessID, d.Version, d.Key)
			}
			return nil
		},
	}
}
