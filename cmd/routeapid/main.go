package main

import (
	"log"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ph2708/sync-apis/internal/config"
	"github.com/ph2708/sync-apis/internal/database"
	"github.com/ph2708/sync-apis/internal/metrics"
	"github.com/ph2708/sync-apis/internal/routeapi"
	"github.com/ph2708/sync-apis/internal/telemetry"
)

func main() {
	var err error
	var configFile string
	var cfg config.Config

	rootCmd := &cobra.Command{
		Use:   "routeapid",
		Short: "API server for terminals, position pings and computed routes",
		// Main Entry Point
		Run: func(c *cobra.Command, args []string) {
			// Init
			db, err := database.ConnectWithRetry(cfg)
			if err != nil {
				log.Fatalf("Failed on init: %v", err)
			}

			store := telemetry.NewStore(db, cfg.Location())
			e := routeapi.New(cfg, store, metrics.NewRegistry())

			err = e.Run()
			if err != nil {
				log.Fatalf("Failed on start: %v", err)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to configuration (falls back to CONFIG_FILE)")

	// Read Configuration File Before Start
	cobra.OnInitialize(func() {
		cfg, err = config.Load(viper.GetViper(), configFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	})

	// Launch (cobra.OnInitialize -> rootCmd.Run)
	err = rootCmd.Execute()
	if err != nil {
		log.Fatal(err)
	}
}
