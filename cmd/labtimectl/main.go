// Command labtimectl runs either side of the lab's timing substrate:
// the LCC/middleware driver ("lcc") that negotiates a start instant
// and feeds per-tick vehicle state, or a per-vehicle HLC ("hlc") that
// waits for that negotiation and runs the planning-cancel protocol.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hlcsync/labtime/internal/bus"
	"github.com/hlcsync/labtime/internal/config"
	"github.com/hlcsync/labtime/internal/coordinator"
	"github.com/hlcsync/labtime/internal/model"
	"github.com/hlcsync/labtime/internal/roster"
	"github.com/hlcsync/labtime/internal/rtt"
	"github.com/hlcsync/labtime/internal/rttstats"
	"github.com/hlcsync/labtime/internal/statusapi"
	"github.com/hlcsync/labtime/internal/timer"
)

const usage = `labtimectl - lab timing substrate control

Usage:
  labtimectl lcc --config <path>
  labtimectl hlc --config <path>
  labtimectl rtt-respond --config <path>
  labtimectl status --addr <host:port> [--class <key>]
  labtimectl version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "lcc":
		err = runLCC(os.Args[2:])
	case "hlc":
		err = runHLC(os.Args[2:])
	case "rtt-respond":
		err = runRTTRespond(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "version":
		fmt.Println("labtimectl dev")
		return
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "labtimectl:", err)
		os.Exit(1)
	}
}

func loadConfig(args []string, name string) (config.Config, error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	path := fs.String("config", "", "path to YAML config file")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}
	if *path == "" {
		return config.Config{}, fmt.Errorf("--config is required")
	}
	cfg, err := config.Load(*path)
	if err != nil {
		return config.Config{}, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func buildBus(cfg *config.BusConfig, logger *log.Logger) (bus.Bus, func(), error) {
	if cfg == nil || cfg.Kind == "" || cfg.Kind == "memory" {
		return bus.NewMemoryBus(), func() {}, nil
	}
	b, err := bus.NewUDPBus(cfg.ListenAddr, cfg.PeerAddrs, cfg.STUNServers, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("build udp bus: %w", err)
	}
	return b, func() { _ = b.Close() }, nil
}

func buildTimer(cfg *config.TimerConfig, b bus.Bus, waitForStart bool, logger *log.Logger) (timer.Timer, error) {
	tc := timer.Config{
		NodeID:       cfg.NodeID,
		Period:       cfg.PeriodMs * uint64(time.Millisecond),
		Offset:       cfg.OffsetMs * uint64(time.Millisecond),
		WaitForStart: waitForStart,
		StopSignal:   model.StopSignal,
	}

	var tmr timer.Timer
	var err error
	if cfg.Kind == "simulated" {
		tmr, err = timer.NewSimTimer(tc, b, logger)
	} else {
		tmr, err = timer.NewRealTimeTimer(tc, b, logger)
	}
	if err != nil {
		return nil, err
	}

	if !cfg.ReactToStopSignal {
		// A no-op stop hook: the timer keeps running past a STOP
		// trigger instead of deactivating, for processes that must
		// ignore a shared stop signal meant for other participants.
		tmr.SetStopHook(func() {})
	}
	return tmr, nil
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}

func runHLC(args []string) error {
	cfg, err := loadConfig(args, "hlc")
	if err != nil {
		return err
	}
	if cfg.Timer == nil || cfg.Coordinator == nil {
		return fmt.Errorf("hlc requires both timer and coordinator config sections")
	}

	logger := log.New(os.Stderr, "[hlc] ", log.LstdFlags)
	b, closeBus, err := buildBus(cfg.Bus, logger)
	if err != nil {
		return err
	}
	defer closeBus()

	tmr, err := buildTimer(cfg.Timer, b, true, logger)
	if err != nil {
		return err
	}

	coord, err := coordinator.New(coordinator.Config{
		VehicleIDs: cfg.Coordinator.VehicleIDs,
		DomainID:   cfg.Coordinator.DomainID,
	}, tmr, b, logger)
	if err != nil {
		return err
	}

	var responder *rtt.Responder
	if cfg.RTT != nil && cfg.RTT.ProgramID != "" {
		responder, err = rtt.NewResponder(b, cfg.RTT.ProgramID, logger)
		if err != nil {
			return err
		}
		defer responder.Close()
	}

	var rosterCatalog *roster.Roster
	if cfg.Roster != nil && cfg.Roster.Path != "" {
		rosterCatalog, err = roster.Load(cfg.Roster.Path)
		if err != nil {
			logger.Printf("load roster: %v", err)
		}
	}

	status := statusapi.New(tmr, nil, rosterCatalog, logger)
	go func() {
		if err := http.ListenAndServe(":0", status); err != nil {
			logger.Printf("status api: %v", err)
		}
	}()

	go func() {
		waitForSignal()
		coord.Stop()
	}()

	return coord.Run(coordinator.Callbacks{
		OnFirstTimestep: func(v model.VehicleStateList) {
			logger.Printf("first snapshot t_now=%d", v.TNow)
		},
		OnEachTimestep: func(v model.VehicleStateList) {
			logger.Printf("tick t_now=%d states=%d", v.TNow, len(v.States))
		},
		OnCancelTimestep: func() {
			logger.Printf("planning step cancelled")
		},
		OnStop: func() {
			logger.Printf("stopped")
		},
	})
}

func runLCC(args []string) error {
	cfg, err := loadConfig(args, "lcc")
	if err != nil {
		return err
	}
	if cfg.Timer == nil {
		return fmt.Errorf("lcc requires a timer config section")
	}

	logger := log.New(os.Stderr, "[lcc] ", log.LstdFlags)
	b, closeBus, err := buildBus(cfg.Bus, logger)
	if err != nil {
		return err
	}
	defer closeBus()

	tmr, err := buildTimer(cfg.Timer, b, false, logger)
	if err != nil {
		return err
	}

	trigger := bus.NewWriter[model.SystemTrigger](b, model.TopicSystemTrigger, true)
	vsl := bus.NewWriter[model.VehicleStateList](b, model.TopicVehicleStateList, false)

	startAt := b.Now() + uint64(2*time.Second)
	if err := trigger.Publish(model.SystemTrigger{NextStart: startAt}); err != nil {
		logger.Printf("publish start trigger: %v", err)
	}

	var agg *rtt.Aggregator
	if cfg.RTT != nil && cfg.RTT.Aggregate {
		agg, err = rtt.New(b, logger)
		if err != nil {
			return err
		}

		if cfg.RTT.MetricsPath != "" {
			var samplesMu sync.Mutex
			var samples []model.RTTSample
			agg.OnSample(func(s model.RTTSample) {
				samplesMu.Lock()
				samples = append(samples, s)
				samplesMu.Unlock()
			})
			defer func() {
				samplesMu.Lock()
				defer samplesMu.Unlock()
				if len(samples) == 0 {
					return
				}
				if err := rttstats.WriteCSV(cfg.RTT.MetricsPath, samples); err != nil {
					logger.Printf("write rtt metrics csv: %v", err)
					return
				}
				for _, sum := range rttstats.Summarize(samples) {
					logger.Printf("rtt summary class=%s count=%d avg=%s p95=%s max=%s",
						sum.ClassKey, sum.Count, sum.Avg, sum.P95, sum.Max)
				}
			}()
		}

		agg.Start()
		defer agg.Close()
		defer agg.StopMeasurement()
	}

	var rosterCatalog *roster.Roster
	if cfg.Roster != nil && cfg.Roster.Path != "" {
		rosterCatalog, err = roster.Load(cfg.Roster.Path)
		if err != nil {
			logger.Printf("load roster: %v", err)
		}
	}

	status := statusapi.New(tmr, agg, rosterCatalog, logger)
	go func() {
		if err := http.ListenAndServe(":0", status); err != nil {
			logger.Printf("status api: %v", err)
		}
	}()

	stopped := make(chan struct{})
	go func() {
		waitForSignal()
		if err := trigger.Publish(model.SystemTrigger{NextStart: model.StopSignal}); err != nil {
			logger.Printf("publish stop trigger: %v", err)
		}
		tmr.Stop()
		close(stopped)
	}()

	err = tmr.Start(func(deadline uint64) {
		if err := vsl.Publish(model.VehicleStateList{TNow: deadline}); err != nil {
			logger.Printf("publish vehicle state list: %v", err)
		}
	})
	<-stopped
	return err
}

func runRTTRespond(args []string) error {
	cfg, err := loadConfig(args, "rtt-respond")
	if err != nil {
		return err
	}
	if cfg.RTT == nil || cfg.RTT.ProgramID == "" {
		return fmt.Errorf("rtt-respond requires rtt.program_id")
	}

	logger := log.New(os.Stderr, "[rtt-respond] ", log.LstdFlags)
	b, closeBus, err := buildBus(cfg.Bus, logger)
	if err != nil {
		return err
	}
	defer closeBus()

	responder, err := rtt.NewResponder(b, cfg.RTT.ProgramID, logger)
	if err != nil {
		return err
	}
	defer responder.Close()

	logger.Printf("responding as %q", cfg.RTT.ProgramID)
	waitForSignal()
	return nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	addr := fs.String("addr", "", "host:port of a running labtimectl status API")
	class := fs.String("class", "", "optional RTT class key to query /rtt with")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *addr == "" {
		return fmt.Errorf("--addr is required")
	}

	path := "/status"
	if *class != "" {
		path = "/rtt?class=" + *class
	}
	resp, err := http.Get("http://" + *addr + path)
	if err != nil {
		return fmt.Errorf("query %s: %w", *addr, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	fmt.Println(string(body))
	return nil
}
