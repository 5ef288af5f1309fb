// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command fleetwatch runs the GPS tracker ingestion gateway, position
// processor, alert engine, and introspection HTTP surface as one process.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleetwatch/internal/alerting"
	"fleetwatch/internal/alerting/modules"
	"fleetwatch/internal/bus"
	"fleetwatch/internal/config"
	"fleetwatch/internal/devicelock"
	"fleetwatch/internal/gateway"
	"fleetwatch/internal/httpapi"
	"fleetwatch/internal/logging"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/model"
	"fleetwatch/internal/notification"
	"fleetwatch/internal/position"
	"fleetwatch/internal/protocol"
	"fleetwatch/internal/protocol/flespi"
	"fleetwatch/internal/protocol/gt06"
	"fleetwatch/internal/protocol/h02"
	"fleetwatch/internal/protocol/meitrack"
	"fleetwatch/internal/protocol/osmand"
	"fleetwatch/internal/protocol/queclink"
	"fleetwatch/internal/protocol/teltonika"
	"fleetwatch/internal/protocol/tk103"
	"fleetwatch/internal/store"
)

func main() {
	jsonLogs := flag.Bool("json-logs", false, "emit structured logs as JSON instead of text")
	flag.Parse()

	logger := logging.New(logging.Config{Level: logging.LevelInfo, JSON: *jsonLogs, Output: os.Stderr})
	logging.SetDefault(logger)

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("fleetwatch: load config: %v", err)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("fleetwatch exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *logging.Logger) error {
	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return err
	}
	defer st.Close()

	registry := protocol.NewRegistry()
	registry.Register(teltonika.New())
	registry.Register(gt06.New())
	registry.Register(h02.New())
	registry.Register(tk103.New())
	registry.Register(meitrack.New())
	registry.Register(queclink.New())
	registry.Register(flespi.New())
	registry.Register(osmand.New())

	realtime := bus.New()

	var dispatcher *notification.Dispatcher
	if cfg.EnableNotifications {
		dispatcher = notification.NewDispatcher(logger)
	}

	alertRegistry := alerting.NewRegistry()
	modules.RegisterAll(alertRegistry)

	publish := func(deviceID int64, alertType string, data alerting.AlertData) {
		realtime.Publish(deviceID, bus.Message{
			Type:      bus.MessageAlert,
			DeviceID:  deviceID,
			Payload:   data,
			Timestamp: time.Now().UTC(),
		})
		if dispatcher == nil {
			return
		}
		dispatchNotification(st, dispatcher, deviceID, alertType, data, logger)
	}

	engine := alerting.NewEngine(alertRegistry, st, logger, publish)

	// locks is shared between the live ingestion pipeline and the periodic
	// sweep so a device's state never has two concurrent
	// load-mutate-save spans, per spec.md section 5.
	locks := devicelock.NewRegistry()
	processor := position.NewProcessor(st, engine, realtime, logger, locks)

	var cmdStore gateway.CommandStore
	if cfg.EnableCommandQueue {
		cmdStore = st
	}
	gw := gateway.New(registry, processor, cmdStore, logger)

	var httpCmdStore httpapi.CommandStore
	if cfg.EnableCommandQueue {
		httpCmdStore = st
	}
	metricsReg := metrics.New()
	metricsReg.Register()
	api := httpapi.New(realtime, httpCmdStore, logger)

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 3)

	go func() {
		errCh <- gw.ListenAndServe(ctx)
	}()

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	go runSweep(ctx, st, engine, locks, cfg.SweepInterval, logger)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case <-stop:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			cancel()
			return err
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// dispatchNotification loads the alert's recipient users and fans the event
// out via the notification dispatcher, per spec.md section 4.8's
// channel-selection precedence.
func dispatchNotification(st *store.Store, dispatcher *notification.Dispatcher, deviceID int64, alertType string, data alerting.AlertData, logger *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	device, err := st.DeviceByID(ctx, deviceID)
	if err != nil {
		logger.Warn("notification: failed to load device", "device_id", deviceID, "error", err)
		return
	}
	users, err := st.UsersForDevice(ctx, deviceID)
	if err != nil {
		logger.Warn("notification: failed to load recipients", "device_id", deviceID, "error", err)
		return
	}

	n := notification.Notification{
		Title:    alertType,
		Message:  data.Message,
		Severity: data.Severity,
	}

	for _, user := range users {
		channels := notification.SelectChannels(user, data.SelectedChannels, data.ConfigKey, device.Config.AlertChannels)
		if len(channels) == 0 {
			continue
		}
		dispatcher.Send(channels, n)
	}
}

// runSweep drives the periodic, device-triggered alert modules (e.g.
// offline_detection) on a fixed interval, per spec.md section 4.4.
func runSweep(ctx context.Context, st *store.Store, engine *alerting.Engine, locks *devicelock.Registry, interval time.Duration, logger *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepOnce(ctx, st, engine, locks, logger)
		}
	}
}

func sweepOnce(ctx context.Context, st *store.Store, engine *alerting.Engine, locks *devicelock.Registry, logger *logging.Logger) {
	devices, err := st.AllDevices(ctx)
	if err != nil {
		logger.Error("sweep: failed to load devices", "error", err)
		return
	}
	for _, device := range devices {
		sweepDevice(ctx, st, engine, locks, device, logger)
	}
}

// sweepDevice holds device.ID's lock across its own load-mutate-save span,
// the same lock internal/position.Processor.Process holds, so the sweep can
// never race the live ingestion pipeline for the same device.
func sweepDevice(ctx context.Context, st *store.Store, engine *alerting.Engine, locks *devicelock.Registry, device model.Device, logger *logging.Logger) {
	unlock := locks.Lock(device.ID)
	defer unlock()

	state, err := st.LoadDeviceState(ctx, device.ID)
	if err != nil {
		logger.Error("sweep: failed to load device state", "device_id", device.ID, "error", err)
		return
	}
	if err := engine.Sweep(ctx, device, state); err != nil {
		logger.Error("sweep: evaluation failed", "device_id", device.ID, "error", err)
	}
}
