package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/duskline/boardfleet/internal/boardlog"
	"github.com/duskline/boardfleet/internal/config"
	"github.com/duskline/boardfleet/internal/llmclient"
	"github.com/duskline/boardfleet/internal/memory"
	"github.com/duskline/boardfleet/internal/persona"
	"github.com/duskline/boardfleet/internal/pool"
	"github.com/duskline/boardfleet/internal/ratelimit"
	"github.com/duskline/boardfleet/internal/runner"
	"github.com/duskline/boardfleet/internal/scheduler"
	"github.com/duskline/boardfleet/internal/simclock"
)

const shutdownDrainTimeout = 30 * time.Second

func newOrchestrateCmd() *cobra.Command {
	var (
		personasRaw   string
		personaDir    string
		dataDir       string
		port          int
		maxConcurrent int
		speed         int
		simStartRaw   string
		rpm           int
		noTUI         bool
		maxTurns      int
		sessionMin    int
		idleTimeout   int
		keystrokeMin  int
		keystrokeMax  int
		model         string
	)

	cmd := &cobra.Command{
		Use:   "orchestrate <host>",
		Short: "Run a whole persona fleet against one board on a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host := args[0]

			var c config.RuntimeConfig
			if err := c.LoadEnv(); err != nil {
				return err
			}
			c.Host = host
			c.Port = port
			c.MaxTurns = maxTurns
			c.SessionMinutes = sessionMin
			c.IdleTimeoutMS = idleTimeout
			c.KeystrokeMinMS = keystrokeMin
			c.KeystrokeMaxMS = keystrokeMax
			c.Model = model
			c.MaxConcurrent = maxConcurrent
			c.SimSpeed = speed
			c.RPM = rpm
			c.NoTUI = noTUI
			if err := c.Validate(); err != nil {
				return fmt.Errorf("config: %w", err)
			}

			simStart, err := config.ParseSimStart(simStartRaw)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}

			handles := config.ParsePersonaList(personasRaw)
			personas, err := loadPersonas(personaDir, handles)
			if err != nil {
				return fmt.Errorf("load personas: %w", err)
			}
			if len(personas) == 0 {
				return fmt.Errorf("no personas matched %q in %s", personasRaw, personaDir)
			}

			log := boardlog.New(c.LogLevel)
			onEvent := boardlog.Subscribe(log)

			llm := llmclient.NewAnthropicClient(c.APIKey, log.WithField("component", "llmclient"))
			store := memory.NewStore(dataDir)
			limiter := ratelimit.New(rpm)
			defer limiter.Dispose()

			clock := simclock.New(simStart, float64(speed))
			sched := scheduler.New(clock, personas)

			opts := runner.Options{
				Host:           host,
				Port:           port,
				MaxTurns:       maxTurns,
				SessionMinutes: sessionMin,
				IdleTimeoutMS:  idleTimeout,
				KeystrokeMinMs: keystrokeMin,
				KeystrokeMaxMs: keystrokeMax,
				Model:          model,
			}
			run := runner.New(store, llm, limiter, log, opts, nil, onEvent)

			onInfo := func(info pool.Info) {
				log.WithFields(map[string]interface{}{
					"persona": info.Handle,
					"status":  string(info.Status),
					"turn":    info.TurnCount,
				}).Debug("session update")
			}
			p := pool.New(maxConcurrent, run, clock, onInfo)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			stopCh := make(chan struct{})
			go func() {
				<-ctx.Done()
				close(stopCh)
			}()

			go sched.Run(stopCh)
			go func() {
				for {
					select {
					case slot, ok := <-sched.Due():
						if !ok {
							return
						}
						p.Enqueue(slot)
					case <-stopCh:
						return
					}
				}
			}()

			<-ctx.Done()
			log.Info("orchestrate: shutting down, draining active sessions")
			p.Shutdown(shutdownDrainTimeout)
			return nil
		},
	}

	cmd.Flags().StringVar(&personasRaw, "personas", "all", `comma-separated persona handles, or "all"`)
	cmd.Flags().StringVar(&personaDir, "persona-dir", "personas", "directory containing persona YAML files")
	cmd.Flags().StringVar(&dataDir, "data-dir", "data", "directory for persisted memory")
	cmd.Flags().IntVar(&port, "port", config.DefaultPort, "board telnet port")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", config.DefaultMaxConcurrent, "maximum concurrently-connected sessions")
	cmd.Flags().IntVar(&speed, "speed", 1, "simulation clock speed multiplier (0 = turbo)")
	cmd.Flags().StringVar(&simStartRaw, "sim-start", "", "simulation start time, RFC3339 (default: now)")
	cmd.Flags().IntVar(&rpm, "rpm", config.DefaultRPM, "shared LLM rate limit, requests per minute")
	cmd.Flags().BoolVar(&noTUI, "no-tui", false, "accepted for compatibility; has no effect, orchestrate always logs plainly")
	cmd.Flags().IntVar(&maxTurns, "max-turns", config.DefaultMaxTurns, "maximum turns before a session ends")
	cmd.Flags().IntVar(&sessionMin, "session-minutes", config.DefaultSessionMinutes, "maximum session wall-clock minutes")
	cmd.Flags().IntVar(&idleTimeout, "idle-timeout", config.DefaultIdleTimeoutMS, "idle-detection timeout in milliseconds")
	cmd.Flags().IntVar(&keystrokeMin, "keystroke-min", config.DefaultKeystrokeMinMS, "minimum per-keystroke pacing delay in milliseconds")
	cmd.Flags().IntVar(&keystrokeMax, "keystroke-max", config.DefaultKeystrokeMaxMS, "maximum per-keystroke pacing delay in milliseconds")
	cmd.Flags().StringVar(&model, "model", config.DefaultModel, "LLM model identifier")

	return cmd
}

func loadPersonas(dir string, handles []string) ([]*persona.Persona, error) {
	all, err := persona.LoadDir(dir)
	if err != nil {
		return nil, err
	}
	if len(handles) == 1 && handles[0] == "all" {
		return all, nil
	}
	want := map[string]bool{}
	for _, h := range handles {
		want[h] = true
	}
	var out []*persona.Persona
	for _, p := range all {
		if want[p.Handle] {
			out = append(out, p)
		}
	}
	return out, nil
}
