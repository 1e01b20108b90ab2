package main

import (
	"log"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ph2708/sync-apis/internal/config"
)

func main() {
	var err error
	var configFile string
	var cfg config.Config

	rootCmd := &cobra.Command{
		Use:   "syncd",
		Short: "Sync Auvo and eTrac data into the database and compute daily routes",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to configuration (falls back to CONFIG_FILE)")

	// Read Configuration Before Any Command
	cobra.OnInitialize(func() {
		cfg, err = config.Load(viper.GetViper(), configFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	})

	rootCmd.AddCommand(
		syncAuvoCmd(&cfg),
		fetchLatestCmd(&cfg),
		fetchHistoryCmd(&cfg),
		fetchTripsCmd(&cfg),
		fetchMonthCmd(&cfg),
		computeRouteCmd(&cfg),
		dailyCmd(&cfg),
		backfillCmd(&cfg),
		summarizeCmd(&cfg),
		runCmd(&cfg),
	)

	// Launch (cobra.OnInitialize -> command Run)
	err = rootCmd.Execute()
	if err != nil {
		log.Fatal(err)
	}
}
