package main

import (
	"fmt"
	"os"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/spf13/cobra"

	"github.com/Temple-Stuart/temple-stuart-accounting-sub003/src/config"
	"github.com/Temple-Stuart/temple-stuart-accounting-sub003/src/database"
	"github.com/Temple-Stuart/temple-stuart-accounting-sub003/src/logger"
	chartparser "github.com/Temple-Stuart/temple-stuart-accounting-sub003/src/parsers/chart"
	"github.com/Temple-Stuart/temple-stuart-accounting-sub003/src/reporting"
	"github.com/Temple-Stuart/temple-stuart-accounting-sub003/src/services"
)

var rootCmd = &cobra.Command{
	Use:           "accounting",
	Short:         "Double-entry ledger and tax-lot accounting engine",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config.LoadConfig()
		logger.InitLogger(config.Cfg.LogLevel)

		logger.L.Info("Initializing database...", "path", config.Cfg.DatabasePath)
		database.InitDB(config.Cfg.DatabasePath)
		return database.RunMigrations(database.DB)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if database.DB != nil {
			database.DB.Close()
		}
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the chart of accounts from the YAML definition",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("file")
		if path == "" {
			path = config.Cfg.ChartOfAccountsPath
		}

		accounts, err := chartparser.ParseFile(path)
		if err != nil {
			return err
		}

		accountService := services.NewAccountService(database.DB)
		created, err := accountService.SeedChart(cmd.Context(), accounts)
		if err != nil {
			return err
		}
		fmt.Printf("chart seeded: %d account(s) defined, %d created\n", len(accounts), created)
		return nil
	},
}

var recomputeCmd = &cobra.Command{
	Use:   "recompute",
	Short: "Recompute every account balance for a user and repair drift",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetInt64("user")

		reconciliation := services.NewReconciliationService(
			database.DB, config.Cfg.ReconcileRateLimit, config.Cfg.DefaultOwnerUserID)
		results, err := reconciliation.RecomputeAll(cmd.Context(), userID)
		if err != nil {
			return err
		}
		reporting.WriteReconcileReport(os.Stdout, results)
		return nil
	},
}

var resolveOwnersCmd = &cobra.Command{
	Use:   "resolve-owners",
	Short: "Assign owners to unowned accounts by tracing ledger lineage",
	RunE: func(cmd *cobra.Command, args []string) error {
		reconciliation := services.NewReconciliationService(
			database.DB, config.Cfg.ReconcileRateLimit, config.Cfg.DefaultOwnerUserID)
		resolutions, err := reconciliation.ResolveUnownedAccounts(cmd.Context())
		if err != nil {
			return err
		}
		reporting.WriteOwnershipReport(os.Stdout, resolutions)
		return nil
	},
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Compare lot matching strategies for a prospective sale (read-only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetInt64("user")
		symbol, _ := cmd.Flags().GetString("symbol")
		quantity, _ := cmd.Flags().GetInt64("quantity")
		price, _ := cmd.Flags().GetInt64("price")
		dateStr, _ := cmd.Flags().GetString("date")

		saleDate := time.Now().UTC()
		if dateStr != "" {
			parsed, err := time.Parse("2006-01-02", dateStr)
			if err != nil {
				return fmt.Errorf("invalid --date %q, expected YYYY-MM-DD: %w", dateStr, err)
			}
			saleDate = parsed
		}

		planCache := cache.New(services.DefaultCacheExpiration, services.CacheCleanupInterval)
		planning := services.NewPlanningService(database.DB, planCache)
		plan, err := planning.PlanSale(cmd.Context(), services.PlanSaleInput{
			UserID:        userID,
			Symbol:        symbol,
			Quantity:      quantity,
			SalePrice:     price,
			SaleDate:      saleDate,
			ShortTermRate: config.Cfg.ShortTermTaxRate,
			LongTermRate:  config.Cfg.LongTermTaxRate,
		})
		if err != nil {
			return err
		}
		reporting.WriteSalePlan(os.Stdout, plan)
		return nil
	},
}

func init() {
	seedCmd.Flags().String("file", "", "chart of accounts YAML file (defaults to CHART_OF_ACCOUNTS_PATH)")

	recomputeCmd.Flags().Int64("user", 0, "owner user id")
	recomputeCmd.MarkFlagRequired("user")

	planCmd.Flags().Int64("user", 0, "owner user id")
	planCmd.Flags().String("symbol", "", "security symbol")
	planCmd.Flags().Int64("quantity", 0, "shares to sell")
	planCmd.Flags().Int64("price", 0, "sale price per share in minor units")
	planCmd.Flags().String("date", "", "sale date YYYY-MM-DD (defaults to today)")
	planCmd.MarkFlagRequired("user")
	planCmd.MarkFlagRequired("symbol")
	planCmd.MarkFlagRequired("quantity")
	planCmd.MarkFlagRequired("price")

	rootCmd.AddCommand(seedCmd, recomputeCmd, resolveOwnersCmd, planCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
