package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/duskline/boardfleet/internal/boardlog"
	"github.com/duskline/boardfleet/internal/config"
	"github.com/duskline/boardfleet/internal/console"
	"github.com/duskline/boardfleet/internal/llmclient"
	"github.com/duskline/boardfleet/internal/memory"
	"github.com/duskline/boardfleet/internal/persona"
	"github.com/duskline/boardfleet/internal/pool"
	"github.com/duskline/boardfleet/internal/ratelimit"
	"github.com/duskline/boardfleet/internal/runner"
	"github.com/duskline/boardfleet/internal/scheduler"
	"github.com/duskline/boardfleet/internal/termbuf"
)

func newSingleCmd() *cobra.Command {
	var (
		personaHandle string
		personaDir    string
		dataDir       string
		port          int
		verbose       bool
		useConsole    bool
		maxTurns      int
		sessionMin    int
		idleTimeout   int
		keystrokeMin  int
		keystrokeMax  int
		model         string
	)

	cmd := &cobra.Command{
		Use:   "single <host>",
		Short: "Run one persona through one board session",
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
			c.MaxConcurrent = 1
			c.RPM = config.DefaultRPM
			if verbose {
				c.LogLevel = "debug"
			}
			if err := c.Validate(); err != nil {
				return fmt.Errorf("config: %w", err)
			}

			p, err := persona.Load(personaPath(personaDir, personaHandle))
			if err != nil {
				return fmt.Errorf("load persona %q: %w", personaHandle, err)
			}

			log := boardlog.New(c.LogLevel)
			onEvent := boardlog.Subscribe(log)

			llm := llmclient.NewAnthropicClient(c.APIKey, log.WithField("component", "llmclient"))
			store := memory.NewStore(dataDir)
			limiter := ratelimit.New(config.DefaultRPM)
			defer limiter.Dispose()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancelSession := context.WithCancel(ctx)
			defer cancelSession()

			var mirror func(*termbuf.Buffer)
			if useConsole {
				mirror = func(buf *termbuf.Buffer) {
					m := console.New(buf, os.Stdout, fmt.Sprintf("%s@%s", p.Handle, host))
					go m.Run(ctx, cancelSession)
				}
			}

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
			run := runner.New(store, llm, limiter, log, opts, mirror, onEvent)

			slot := scheduler.Slot{Handle: p.Handle, Persona: p}
			if err := run(ctx, slot, func() {}, func(pool.Event) {}); err != nil {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&personaHandle, "persona", "", "persona handle to load (required)")
	cmd.Flags().StringVar(&personaDir, "persona-dir", "personas", "directory containing persona YAML files")
	cmd.Flags().StringVar(&dataDir, "data-dir", "data", "directory for persisted memory")
	cmd.Flags().IntVar(&port, "port", config.DefaultPort, "board telnet port")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	cmd.Flags().BoolVar(&useConsole, "console", false, "mirror the session's screen to this terminal")
	cmd.Flags().IntVar(&maxTurns, "max-turns", config.DefaultMaxTurns, "maximum turns before the session ends")
	cmd.Flags().IntVar(&sessionMin, "session-minutes", config.DefaultSessionMinutes, "maximum session wall-clock minutes")
	cmd.Flags().IntVar(&idleTimeout, "idle-timeout", config.DefaultIdleTimeoutMS, "idle-detection timeout in milliseconds")
	cmd.Flags().IntVar(&keystrokeMin, "keystroke-min", config.DefaultKeystrokeMinMS, "minimum per-keystroke pacing delay in milliseconds")
	cmd.Flags().IntVar(&keystrokeMax, "keystroke-max", config.DefaultKeystrokeMaxMS, "maximum per-keystroke pacing delay in milliseconds")
	cmd.Flags().StringVar(&model, "model", config.DefaultModel, "LLM model identifier")
	cmd.MarkFlagRequired("persona")

	return cmd
}

func personaPath(dir, handle string) string {
	return filepath.Join(dir, handle+".yaml")
}
