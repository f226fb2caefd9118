package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"ums-aaa/internal/config"
	"ums-aaa/internal/database"
	"ums-aaa/internal/services/billing"
	"ums-aaa/internal/services/report"
)

// Config is the part of config.yaml the processor reads
type Config struct {
	Database     database.Config            `yaml:"database"`
	Billing      billing.Config             `yaml:"billing"`
	Subscription billing.SubscriptionConfig `yaml:"subscription"`
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "process":
		processCommand()
	case "history":
		historyCommand()
	case "stats":
		statsCommand()
	case "help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`UMS Billing Processor

USAGE:
    billing-processor <COMMAND> [OPTIONS]

COMMANDS:
    process [date]           Charge monthly plan fees (YYYY-MM-DD or current date)
    history <account_id>     Show plan fee history for account
    stats                    Show plan billing statistics for this month
    help                     Show this help message

OPTIONS:
    --config <file>          Configuration file (default config.yaml)

EXAMPLES:
    billing-processor process                    # Charge the current month
    billing-processor process 2024-01-01         # Charge January 2024
    billing-processor history 6f1c...            # Show history for an account
    billing-processor stats                      # Show statistics`)
}

func processCommand() {
	logger := createLogger()
	defer logger.Sync()
	subscriptionService, closeDB := openService(logger)
	defer closeDB()

	targetDate := time.Now()
	if len(os.Args) >= 3 && os.Args[2] != "--config" {
		var err error
		targetDate, err = time.ParseInLocation("2006-01-02", os.Args[2], time.Local)
		if err != nil {
			log.Fatalf("Invalid date format. Use YYYY-MM-DD: %v", err)
		}
	}

	fmt.Printf("Processing monthly charges for %s...\n", targetDate.Format("2006-01"))

	processor := billing.NewScheduledProcessor(subscriptionService, logger)
	summary, err := processor.RunMonthlyCharges(context.Background(), &targetDate)
	if err != nil {
		log.Fatalf("Failed to process monthly charges: %v", err)
	}

	fmt.Printf("Accounts: %d  Charged: %d  Skipped: %d  Failed: %d  Suspended: %d\n",
		summary.Accounts, summary.Charged, summary.Skipped, summary.Failed, summary.Suspended)
	fmt.Printf("Revenue: %s\n", report.FormatAmount(summary.Revenue))
	if summary.Failed > 0 {
		os.Exit(2)
	}
}

func historyCommand() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: billing-processor history <account_id>")
		os.Exit(1)
	}

	accountID := os.Args[2]
	logger := createLogger()
	defer logger.Sync()
	subscriptionService, closeDB := openService(logger)
	defer closeDB()

	charges, err := subscriptionService.ChargeHistory(context.Background(), accountID, 20)
	if err != nil {
		log.Fatalf("Failed to get charge history: %v", err)
	}

	fmt.Printf("\nCharge history for account %s:\n", accountID)
	fmt.Println("=====================================")

	if len(charges) == 0 {
		fmt.Println("No charges found for this account")
		return
	}

	for _, charge := range charges {
		fmt.Printf("%s  %s  %s (%s)\n",
			charge.ChargeDate.Format("2006-01-02 15:04:05"),
			charge.PeriodStart.Format("2006-01"),
			report.FormatAmount(charge.Amount),
			charge.Status)
	}

	fmt.Printf("\nTotal charges: %d\n", len(charges))
}

func statsCommand() {
	logger := createLogger()
	defer logger.Sync()
	subscriptionService, closeDB := openService(logger)
	defer closeDB()

	stats, err := subscriptionService.Stats(context.Background(), time.Now())
	if err != nil {
		log.Fatalf("Failed to get statistics: %v", err)
	}

	fmt.Println("\nSubscription Billing Statistics:")
	fmt.Println("=================================")
	fmt.Printf("Total Accounts: %d\n", stats.TotalAccounts)
	fmt.Printf("Active Accounts: %d\n", stats.ActiveAccounts)
	fmt.Printf("Suspended Accounts: %d\n", stats.SuspendedAccounts)
	fmt.Printf("Charges This Month: %d\n", stats.ChargesThisMonth)
	fmt.Printf("Total Revenue: %s\n", report.FormatAmount(stats.TotalRevenue))
}

func openService(logger *zap.Logger) (*billing.SubscriptionService, func()) {
	cfg := loadConfig()

	db, err := database.NewPostgreSQL(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	billingService := billing.New(db.BillingStore(), logger, cfg.Billing)
	return billing.NewSubscriptionService(billingService, logger, cfg.Subscription), func() { db.Close() }
}

func createLogger() *zap.Logger {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	return logger
}

func loadConfig() *Config {
	configFile := "config.yaml"
	if len(os.Args) >= 3 && os.Args[len(os.Args)-2] == "--config" {
		configFile = os.Args[len(os.Args)-1]
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		log.Fatalf("Failed to read config file: %v", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		log.Fatalf("Failed to parse config file: %v", err)
	}
	if v := os.Getenv(config.EnvDBPassword); v != "" {
		cfg.Database.Password = v
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}

	return &cfg
}
