package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/pchar/internal/ptyio"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Expose every device as a pseudo-terminal and open a control console",
	Long: `Creates the devices and attaches each one to a new pseudo-terminal
(e.g., /dev/pts/5). Whatever a program writes to the terminal is queued in
the device and read back from it in FIFO order. While the device is full
the writer is held back, exactly like a blocking character device.

The console on stdin accepts control commands (info, clear, resize,
sessions, stats, dmesg); type help for the list. EOF, quit or Ctrl+C
detaches every node and exits.

Example:
  pchar serve --devices 2 --capacity 4096 --symlink-dir /tmp
  screen /tmp/pchar0`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveSymlinkDir string
	serveNoPTY      bool
)

func init() {
	serveCmd.Flags().StringVar(&serveSymlinkDir, "symlink-dir", "", "Directory for <device> symlinks to the PTY slaves (e.g., /tmp)")
	serveCmd.Flags().BoolVar(&serveNoPTY, "no-pty", false, "Run the console without attaching PTY nodes")
}

func runServe(cmd *cobra.Command, _ []string) error {
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

	nodes := make(map[string]ptyio.Node)
	var attached []ptyio.Node
	defer func() {
		for i := len(attached) - 1; i >= 0; i-- {
			if err := attached[i].Close(); err != nil {
				a.logger.WithError(err).WithField("device", attached[i].Device()).Warn("detach failed")
			}
		}
	}()

	if !serveNoPTY {
		for _, inst := range a.registry.Devices() {
			opts := &ptyio.NodeOptions{
				PollTimeoutMs: a.cfg.PollTimeoutMs,
				CloseTimeout:  a.cfg.CloseTimeout,
				Logger:        a.logger,
				Events:        a.events,
				OnError: func(err error) {
					a.logger.WithError(err).WithField("device", inst.Name()).Error("pty node degraded")
				},
			}
			if serveSymlinkDir != "" {
				opts.SymlinkPath = filepath.Join(serveSymlinkDir, inst.Name())
			}
			node, err := ptyio.Attach(ctx, a.registry, inst.Index(), opts)
			if err != nil {
				return fmt.Errorf("failed to attach %s: %w", inst.Name(), err)
			}
			attached = append(attached, node)
			nodes[inst.Name()] = node
		}
	}

	out := cmd.OutOrStdout()
	color.New(color.FgGreen, color.Bold).Fprintf(out, "pchar: %d device(s), %d pty node(s)\n", a.registry.Len(), len(nodes))

	c := &console{registry: a.registry, journal: a.journal, nodes: nodes, out: out}
	if err := c.devices(); err != nil {
		return err
	}
	return runConsole(ctx, cmd.InOrStdin(), c)
}
