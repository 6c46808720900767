package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kilnlabs/kiln/pkg/adapter"
	"github.com/kilnlabs/kiln/pkg/config"
	"github.com/kilnlabs/kiln/pkg/storage"
	"github.com/kilnlabs/kiln/pkg/types"
)

// connectTimeout bounds each initial connection attempt at boot. A
// printer that is off stays registered as offline; the poller picks it
// up when it comes back.
const connectTimeout = 10 * time.Second

// restorePrinters re-registers every printer persisted by a previous
// run. Registration failures are logged and skipped so one bad record
// cannot keep the fleet down.
func restorePrinters(registry *adapter.Registry, store storage.Store, logger zerolog.Logger) {
	records, err := store.ListPrinters()
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to list persisted printers")
		return
	}
	for _, record := range records {
		if err := register(registry, record); err != nil {
			logger.Warn().Err(err).Str("printer_id", record.ID).Msg("Failed to restore printer")
			continue
		}
		logger.Info().Str("printer_id", record.ID).Str("type", string(record.AdapterType)).Msg("Printer restored")
	}
}

// applyFleet registers every printer in a YAML manifest. Printers
// already present (from a previous run) are updated in place on the
// store but keep their live adapter.
func applyFleet(path string, registry *adapter.Registry, store storage.Store, logger zerolog.Logger) error {
	fleetFile, err := config.LoadFleetFile(path)
	if err != nil {
		return err
	}

	for i := range fleetFile.Printers {
		p := &fleetFile.Printers[i]
		adapterType, err := config.ParseAdapterType(p.Type)
		if err != nil {
			return fmt.Errorf("printer %s: %w", p.Name, err)
		}
		record := &types.PrinterRecord{
			ID:            p.Name,
			AdapterType:   adapterType,
			Connection:    p.Connection(),
			SafetyProfile: p.Model,
			RegisteredAt:  time.Now().UTC(),
		}

		if _, err := registry.Get(p.Name); err == nil {
			if err := store.UpdatePrinter(record); err != nil {
				logger.Warn().Err(err).Str("printer_id", p.Name).Msg("Failed to update printer record")
			}
			continue
		}

		if err := register(registry, record); err != nil {
			return fmt.Errorf("printer %s: %w", p.Name, err)
		}
		if err := store.CreatePrinter(record); err != nil {
			logger.Warn().Err(err).Str("printer_id", p.Name).Msg("Failed to persist printer record")
		}
		logger.Info().Str("printer_id", p.Name).Str("type", p.Type).Msg("Printer registered from manifest")
	}
	return nil
}

// registerEnvPrinter registers the single PRINTER_* printer when one is
// configured and no printer of that name exists yet.
func registerEnvPrinter(cfg *config.Config, registry *adapter.Registry, store storage.Store, logger zerolog.Logger) {
	if cfg.Printer.Host == "" {
		return
	}
	if _, err := registry.Get(cfg.Printer.Name); err == nil {
		return
	}

	adapterType, err := config.ParseAdapterType(cfg.Printer.Type)
	if err != nil {
		logger.Warn().Err(err).Msg("Invalid PRINTER_TYPE, skipping default printer")
		return
	}
	record := &types.PrinterRecord{
		ID:            cfg.Printer.Name,
		AdapterType:   adapterType,
		Connection:    cfg.Printer.Connection(),
		SafetyProfile: cfg.Printer.Model,
		RegisteredAt:  time.Now().UTC(),
	}
	if err := register(registry, record); err != nil {
		logger.Warn().Err(err).Str("printer_id", record.ID).Msg("Failed to register default printer")
		return
	}
	if err := store.CreatePrinter(record); err != nil {
		logger.Warn().Err(err).Str("printer_id", record.ID).Msg("Failed to persist printer record")
	}
	logger.Info().Str("printer_id", record.ID).Str("type", cfg.Printer.Type).Msg("Default printer registered")
}

// register builds the adapter, adds it to the registry, and attempts an
// initial connection. Connection failures are not fatal.
func register(registry *adapter.Registry, record *types.PrinterRecord) error {
	a, err := adapter.New(record)
	if err != nil {
		return err
	}
	if err := registry.Register(a); err != nil {
		_ = a.Close()
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	// A failed connect leaves the printer offline until the poller sees
	// it answer.
	_ = a.Connect(ctx)
	return nil
}
