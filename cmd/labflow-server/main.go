package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehr/labflow/internal/config"
	"github.com/ehr/labflow/internal/domain/testrequest"
	"github.com/ehr/labflow/internal/platform/db"
	"github.com/ehr/labflow/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "labflow-server",
		Short: "Diagnostic test request workflow server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(policyCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the workflow API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrate, _ := cmd.Flags().GetBool("migrate")
			return runServer(cmd.Context(), migrate)
		},
	}
	cmd.Flags().Bool("migrate", false, "Apply pending migrations before serving (postgres only)")
	return cmd
}

// openMigrator connects to the configured Postgres database. The returned
// func closes the pool.
func openMigrator(ctx context.Context) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.StoreDriver != config.StorePostgres {
		return nil, nil, fmt.Errorf("migrations only apply to STORE_DRIVER=%s (current %q)", config.StorePostgres, cfg.StoreDriver)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, migrations.FS), pool.Close, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, closePool, err := openMigrator(ctx)
			if err != nil {
				return err
			}
			defer closePool()

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, closePool, err := openMigrator(ctx)
			if err != nil {
				return err
			}
			defer closePool()

			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the review policy",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective per-center review policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if file, _ := cmd.Flags().GetString("file"); file != "" {
				cfg.ReviewPolicyFile = file
			}
			policy, err := loadPolicy(cfg)
			if err != nil {
				return err
			}
			printPolicy(cmd, cfg, policy)
			return nil
		},
	}
	showCmd.Flags().String("file", "", "Policy file to read instead of REVIEW_POLICY_FILE")
	cmd.AddCommand(showCmd)
	return cmd
}

func printPolicy(cmd *cobra.Command, cfg *config.Config, policy testrequest.ReviewPolicy) {
	out := cmd.OutOrStdout()
	source := "REVIEW_REQUIRED_DEFAULT"
	if cfg.ReviewPolicyFile != "" {
		source = cfg.ReviewPolicyFile
	}
	fmt.Fprintf(out, "Review policy from: %s\n", source)

	cp, ok := policy.(*testrequest.CenterPolicy)
	if !ok {
		fmt.Fprintf(out, "All centers: review required = %t\n", policy.ReviewRequired(""))
		return
	}
	fmt.Fprintf(out, "Default: review required = %t\n", cp.Default)
	fmt.Fprintf(out, "%-30s %s\n", "CENTER", "REVIEW REQUIRED")
	for _, id := range cp.CenterIDs() {
		fmt.Fprintf(out, "%-30s %t\n", id, cp.ReviewRequired(id))
	}
}

// loadPolicy returns the per-center policy file when configured, otherwise
// one setting for every center.
func loadPolicy(cfg *config.Config) (testrequest.ReviewPolicy, error) {
	if cfg.ReviewPolicyFile == "" {
		return testrequest.StaticPolicy(cfg.ReviewRequiredDefault), nil
	}
	return testrequest.LoadPolicyFile(cfg.ReviewPolicyFile, cfg.ReviewRequiredDefault)
}
