package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kjstillabower/bulletin-weather-service/internal/config"
	"github.com/kjstillabower/bulletin-weather-service/internal/observability"
	"github.com/kjstillabower/bulletin-weather-service/internal/validation"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot [city]",
	Short: "Print the current snapshot for a city as JSON",
	Long: "Refreshes the bulletin if the cached copy is older than the TTL, then prints the " +
		"snapshot for city (default: weather.city from config).",
	Args: cobra.MaximumNArgs(1),
	RunE: snapshotAction,
}

func snapshotAction(cmd *cobra.Command, args []string) error {
	logger, err := observability.NewLogger()
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = observability.FlushTelemetry(cmd.Context(), logger) }()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	city := cfg.City
	if len(args) == 1 {
		if city, err = validation.ValidateCity(args[0], 1, 0); err != nil {
			return fmt.Errorf("city %q: %w", args[0], err)
		}
	}

	ctx := cmd.Context()
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.Warn("cache close", zap.Error(err))
		}
	}()

	snap, err := a.weather.UpdateCity(ctx, city)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return err
}
