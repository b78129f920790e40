package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nck/internal/api"
	"nck/internal/config"
	"nck/internal/server"
	"nck/internal/sim"
	"nck/internal/telemetry"

	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables only")
	}

	configPath := flag.String("config", "", "path to a unit-type/physics YAML file (overrides embedded defaults)")
	httpAddr := flag.String("http", ":4601", "address for the admin HTTP API")
	eventLogPath := flag.String("event-log", "events.jsonl", "path for the structural-request audit log, empty to disable")
	statsDir := flag.String("stats-dir", "", "directory for periodic stats.csv export, empty to disable")
	flag.Parse()

	appCfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	log.Printf("nck server starting: %d unit types, domain %v", len(appCfg.UnitTypes), appCfg.Domain)

	integrator := sim.NewIntegrator(appCfg.UnitTypes, appCfg.Domain, appCfg.Physics, appCfg.Server.MaxUnitsHint)

	events := telemetry.NewEventLog()
	if err := events.Start(*eventLogPath); err != nil {
		log.Printf("event log disabled: %v", err)
	}
	defer events.Stop()

	statsWriter, err := telemetry.NewStatsWriter(*statsDir)
	if err != nil {
		log.Printf("stats export disabled: %v", err)
	}
	defer statsWriter.Close()

	netServer := server.New(integrator, events)

	apiServer := api.NewServer(integrator, func() api.ServerStats {
		st := netServer.Stats()
		return api.ServerStats{Clients: st.Clients, Broadcasts: st.Broadcasts}
	}, events)

	debugCfg := api.DefaultObservabilityConfig()
	if os.Getenv("DISABLE_DEBUG_SERVER") != "true" {
		if err := api.StartDebugServer(debugCfg); err != nil {
			log.Printf("debug server disabled: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		if err := netServer.ListenAndServe(ctx, appCfg.Server.ListenAddr); err != nil {
			log.Fatalf("tcp server: %v", err)
		}
	}()

	go func() {
		if err := apiServer.Start(*httpAddr); err != nil {
			log.Printf("api server stopped: %v", err)
		}
	}()

	tickInterval := time.Second / time.Duration(appCfg.Server.TickRateHz)
	go runTickLoop(ctx, integrator, netServer, statsWriter, tickInterval)

	log.Printf("tcp listener on %s, http api on %s, tick rate %dHz", appCfg.Server.ListenAddr, *httpAddr, appCfg.Server.TickRateHz)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down")
	cancel()
	apiServer.Stop()
	netServer.Stop()
}

// runTickLoop drives Integrator.Advance at a fixed cadence until ctx is
// done, recording per-tick metrics for observability and periodic stats.csv
// rows (every statsSampleEvery ticks, to keep the file a reasonable size).
const statsSampleEvery = 20

func runTickLoop(ctx context.Context, integrator *sim.Integrator, netServer *server.Server, stats *telemetry.StatsWriter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	dt := interval.Seconds()
	var lastDropped uint64
	var tick int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			integrator.Advance(dt)
			advanceDuration := time.Since(start)
			api.RecordAdvance(advanceDuration)

			snap := integrator.LatestSnapshot()
			bondCount := integrator.BondCount()
			api.UpdateUnitCount(len(snap.Units))
			api.UpdateBondCount(bondCount)

			qstats := integrator.QueueStats()
			if qstats.Dropped > lastDropped {
				api.RecordRequestQueueDropped(qstats.Dropped - lastDropped)
			}

			tick++
			if tick%statsSampleEvery == 0 {
				srvStats := netServer.Stats()
				if err := stats.Write(telemetry.TickStats{
					TimeStamp:       snap.TimeStamp,
					UnitCount:       len(snap.Units),
					BondCount:       bondCount,
					ClientsActive:   srvStats.Clients,
					Broadcasts:      srvStats.Broadcasts,
					RequestsDropped: qstats.Dropped - lastDropped,
					AdvanceSeconds:  advanceDuration.Seconds(),
				}); err != nil {
					log.Printf("stats export: %v", err)
				}
			}
			lastDropped = qstats.Dropped
		}
	}
}
