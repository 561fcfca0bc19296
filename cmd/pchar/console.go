package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/srg/pchar/internal/ioctl"
	"github.com/srg/pchar/internal/journal"
	"github.com/srg/pchar/internal/pchar"
	"github.com/srg/pchar/internal/ptyio"
	"golang.org/x/term"
)

const consoleHelp = `commands:
  devices                  list devices and their nodes
  info [dev]               capacity, available and length of one or all devices
  clear <dev>              discard queued bytes
  resize <dev> <capacity>  reallocate, keeping the oldest bytes
  sessions                 list open sessions
  stats                    transfer counters
  dmesg                    print and clear the event journal
  quit                     detach everything and exit
<dev> is an index (0) or a name (pchar0).`

// console is the serve command's control prompt. Control commands are sent
// through the ioctl wire layer, via the PTY node when the device has one.
type console struct {
	registry *pchar.Registry
	journal  *journal.Journal
	nodes    map[string]ptyio.Node
	out      io.Writer
}

func (c *console) device(arg string) (*pchar.Instance, error) {
	if index, err := strconv.Atoi(arg); err == nil {
		return c.registry.Device(index)
	}
	return c.registry.Lookup(arg)
}

func (c *console) ioctl(inst *pchar.Instance, cmd ioctl.Cmd, arg, out []byte) error {
	if node, ok := c.nodes[inst.Name()]; ok {
		return node.Ioctl(cmd, arg, out)
	}
	return ioctl.Handle(inst.Control(), cmd, arg, out)
}

// exec runs one console line. quit reports whether the console should stop.
func (c *console) exec(line string) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	name, args := fields[0], fields[1:]

	need := func(n int, usage string) error {
		if len(args) != n {
			return fmt.Errorf("usage: %s", usage)
		}
		return nil
	}

	switch name {
	case "help", "?":
		fmt.Fprintln(c.out, consoleHelp)
	case "quit", "exit":
		return true, nil
	case "devices", "ls":
		return false, c.devices()
	case "info":
		return false, c.info(args)
	case "clear":
		if err := need(1, "clear <dev>"); err != nil {
			return false, err
		}
		return false, c.clear(args[0])
	case "resize":
		if err := need(2, "resize <dev> <capacity>"); err != nil {
			return false, err
		}
		return false, c.resize(args[0], args[1])
	case "sessions":
		return false, c.sessions()
	case "stats":
		return false, c.stats()
	case "dmesg":
		return false, c.dmesg()
	default:
		return false, fmt.Errorf("%w: %q (try help)", ErrUnknownCommand, name)
	}
	return false, nil
}

func (c *console) devices() error {
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tTTY\tLINK\tCAPACITY\tLENGTH")
	for _, inst := range c.registry.Devices() {
		tty, link := "-", "-"
		if node, ok := c.nodes[inst.Name()]; ok {
			tty = node.TTYName()
			if node.Symlink() != "" {
				link = node.Symlink()
			}
		}
		info := inst.Control().QueryInfo()
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", inst.Name(), tty, link, info.Capacity, info.Length)
	}
	return w.Flush()
}

func (c *console) info(args []string) error {
	targets := c.registry.Devices()
	if len(args) > 0 {
		inst, err := c.device(args[0])
		if err != nil {
			return err
		}
		targets = []*pchar.Instance{inst}
	}

	out := make([]byte, ioctl.InfoSize)
	for _, inst := range targets {
		if err := c.ioctl(inst, ioctl.FifoInfo, nil, out); err != nil {
			return fmt.Errorf("%s: %w", inst.Name(), err)
		}
		info, err := ioctl.ParseInfo(out)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s: capacity=%d available=%d length=%d\n",
			inst.Name(), info.Capacity, info.Available, info.Length)
	}
	return nil
}

func (c *console) clear(dev string) error {
	inst, err := c.device(dev)
	if err != nil {
		return err
	}
	if err := c.ioctl(inst, ioctl.FifoClear, nil, nil); err != nil {
		return fmt.Errorf("%s: %w", inst.Name(), err)
	}
	fmt.Fprintf(c.out, "%s: cleared\n", inst.Name())
	return nil
}

func (c *console) resize(dev, capacity string) error {
	inst, err := c.device(dev)
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(capacity)
	if err != nil {
		return fmt.Errorf("%w: capacity %q is not a number", pchar.ErrInvalidArgument, capacity)
	}
	cmd, arg, err := ioctl.Encode(pchar.ResizeRequest(n))
	if err != nil {
		return err
	}
	if err := c.ioctl(inst, cmd, arg, nil); err != nil {
		return fmt.Errorf("%s: %w", inst.Name(), err)
	}
	fmt.Fprintf(c.out, "%s: resized to %d\n", inst.Name(), n)
	return nil
}

func (c *console) sessions() error {
	sessions := c.registry.Sessions()
	if len(sessions) == 0 {
		fmt.Fprintln(c.out, "no open sessions")
		return nil
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Device < sessions[j].Device })

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tSESSION\tOWNER\tOPEN FOR")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", s.Device, s.ID, s.Owner, time.Since(s.Opened).Truncate(time.Second))
	}
	return w.Flush()
}

func (c *console) stats() error {
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tIN\tOUT\tCLEARS\tRESIZES\tDROPPED\tSTALLS")
	for _, inst := range c.registry.Devices() {
		qs := inst.Queue().Stats()
		stalls := "-"
		if node, ok := c.nodes[inst.Name()]; ok {
			stalls = strconv.FormatUint(node.Stats().Stalls, 10)
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			inst.Name(), qs.BytesIn, qs.BytesOut, qs.Clears, qs.Resizes, qs.DroppedOnResize, stalls)
	}
	return w.Flush()
}

func (c *console) dmesg() error {
	records, err := c.journal.Drain()
	if err != nil {
		return err
	}
	for _, rec := range records {
		fmt.Fprintln(c.out, rec.String())
	}
	if m := c.journal.Metrics(); m.Overwritten > 0 {
		fmt.Fprintf(c.out, "(%d older records were overwritten)\n", m.Overwritten)
	}
	return nil
}

// runConsole reads commands from in until quit, EOF or ctx is done.
// A prompt is shown only when in is a terminal.
func runConsole(ctx context.Context, in io.Reader, c *console) error {
	prompt := ""
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		prompt = color.New(color.FgCyan).Sprint("pchar> ")
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	errColor := color.New(color.FgRed)
	for {
		fmt.Fprint(c.out, prompt)
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := c.exec(line)
			if err != nil {
				errColor.Fprintf(c.out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}
