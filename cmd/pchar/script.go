package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	pcharcli "github.com/srg/pchar"
	"github.com/srg/pchar/internal/script"
)

// bundledScripts are the scenarios selectable with --example.
var bundledScripts = map[string]string{
	"fifo_demo": pcharcli.DefaultScript,
	"resize":    pcharcli.ResizeScript,
}

// scriptCmd represents the script command
var scriptCmd = &cobra.Command{
	Use:   "script [file.lua]",
	Short: "Run a Lua scenario against the devices",
	Long: fmt.Sprintf(`Runs a Lua scenario with a global pchar table bound to the devices:

  pchar.devices()               number of devices
  pchar.open(index [, owner])   session handle, waits while the device is held
  pchar.write(h, data)          bytes written, waits while the device is full
  pchar.write_all(h, data)      writes everything, looping on short writes
  pchar.read(h [, n])           up to n bytes, waits while the device is empty
  pchar.try_read(h [, n])       up to n bytes, "" when empty
  pchar.info(index)             {capacity=, available=, length=}
  pchar.clear(index)            true
  pchar.resize(index, capacity) true
  pchar.close(h)                true

Failures come back as nil plus a message, so wrap calls in assert() to stop
on the first one. Without a file the bundled %q scenario runs.

Example:
  pchar script scenario.lua
  pchar script --example resize --capacity 16`, "fifo_demo"),
	Args: cobra.MaximumNArgs(1),
	RunE: runScript,
}

var scriptExample string

func init() {
	names := make([]string, 0, len(bundledScripts))
	for name := range bundledScripts {
		names = append(names, name)
	}
	sort.Strings(names)
	scriptCmd.Flags().StringVar(&scriptExample, "example", "fifo_demo",
		"Bundled scenario to run when no file is given ("+strings.Join(names, ", ")+")")
}

func runScript(cmd *cobra.Command, args []string) error {
	source, ok := bundledScripts[scriptExample]
	if len(args) == 0 && !ok {
		return fmt.Errorf("unknown example %q", scriptExample)
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.logger.WithError(err).Warn("teardown reported errors")
		}
	}()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := script.NewEngine(a.registry, &script.Options{
		Output:      cmd.OutOrStdout(),
		CallTimeout: a.cfg.CallTimeout,
		Logger:      a.logger,
	})
	defer func() {
		if left := engine.OpenSessions(); left > 0 {
			a.logger.Warnf("script left %d session(s) open, closing them", left)
		}
		if err := engine.Close(); err != nil {
			a.logger.WithError(err).Warn("failed to close script sessions")
		}
	}()

	if len(args) == 1 {
		return engine.RunFile(ctx, args[0])
	}
	return engine.Run(ctx, source, scriptExample+".lua")
}
