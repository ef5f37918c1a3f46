// Package cli implements the interactive console of tunecast: status and
// connection tables, manual track input and the plugin toggle.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/tunecast-project/tunecast/internal/events"
	"github.com/tunecast-project/tunecast/internal/network"
	"github.com/tunecast-project/tunecast/internal/playback"
	"github.com/tunecast-project/tunecast/internal/server"
)

// Backend is what the console reads from the broadcast server.
type Backend interface {
	Status() server.Status
	Connections() []network.ConnectionInfo
	Current() (playback.Info, bool)
}

// PluginToggler switches the broadcast server on and off.
type PluginToggler interface {
	SetEnabled(enabled bool) error
	Running() bool
}

// CLI provides an interactive command-line interface.
type CLI struct {
	eventBus *events.EventBus
	backend  Backend
	plugin   PluginToggler
	in       io.Reader
	out      io.Writer
}

// NewCLI creates a new CLI reading commands from in and printing to out.
func NewCLI(eventBus *events.EventBus, backend Backend, plugin PluginToggler, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		eventBus: eventBus,
		backend:  backend,
		plugin:   plugin,
		in:       in,
		out:      out,
	}
}

// Start runs the command loop until ctx is cancelled, the input ends or
// quit is entered.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\ntunecast CLI ready. Type 'help' for available commands.")
	fmt.Fprintln(c.out, "─────────────────────────────────────────────────────")

	lines := make(chan string)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Warn().Err(err).Msg("CLI: input error, console disabled")
		}
	}()

	for {
		fmt.Fprint(c.out, "tunecast> ")

		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return
		case line, ok = <-lines:
			if !ok {
				return
			}
		}

		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}

		quit, err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:])
		if err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
		}
		if quit {
			return
		}
	}
}

// execute processes a single CLI command. It reports whether the console
// should exit.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) (bool, error) {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "clients", "c":
		c.printClients()
	case "now", "np":
		c.printNowPlaying()
	case "track", "t":
		return false, c.cmdTrack(ctx, args)
	case "enable":
		return false, c.cmdToggle(true)
	case "disable":
		return false, c.cmdToggle(false)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down tunecast...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
		return true, nil
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return false, nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, "\n╔══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(c.out, "║                    tunecast CLI Commands                     ║")
	fmt.Fprintln(c.out, "╠══════════════════════════════════════════════════════════════╣")
	fmt.Fprintln(c.out, "║  status                 Show broadcast server status         ║")
	fmt.Fprintln(c.out, "║  clients                List connected clients               ║")
	fmt.Fprintln(c.out, "║  now                    Show the current track               ║")
	fmt.Fprintln(c.out, "║  track <artist> - <title>  Set the current track             ║")
	fmt.Fprintln(c.out, "║  enable / disable       Start or stop the broadcast server   ║")
	fmt.Fprintln(c.out, "║  quit                   Shutdown tunecast                    ║")
	fmt.Fprintln(c.out, "║  help                   Show this help message               ║")
	fmt.Fprintln(c.out, "╚══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(c.out)
}

func (c *CLI) printStatus() {
	st := c.backend.Status()

	addr := st.Addr
	if addr == "" {
		addr = "-"
	}

	fmt.Fprintln(c.out)
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"State", "Address", "Plain", "Upgraded", "Broadcasts"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	tw.Append([]string{
		strings.ToUpper(st.State),
		addr,
		fmt.Sprintf("%d", st.PlainConnections),
		fmt.Sprintf("%d", st.UpgradedConnections),
		fmt.Sprintf("%d", st.Broadcasts),
	})
	tw.Render()
	fmt.Fprintln(c.out)
}

func (c *CLI) printClients() {
	rows := c.backend.Connections()
	if len(rows) == 0 {
		fmt.Fprintln(c.out, "No clients connected")
		return
	}

	fmt.Fprintln(c.out)
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"ID", "Kind", "Remote", "Connected", "Idle"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	now := time.Now()
	for _, row := range rows {
		tw.Append([]string{
			fmt.Sprintf("%d", row.ID),
			row.Kind,
			row.Remote,
			row.ConnectedAt.Format("15:04:05"),
			now.Sub(row.LastActivity).Round(time.Second).String(),
		})
	}

	tw.Render()
	fmt.Fprintln(c.out)
}

func (c *CLI) printNowPlaying() {
	info, ok := c.backend.Current()
	if !ok {
		fmt.Fprintln(c.out, "Nothing playing")
		return
	}

	fmt.Fprintf(c.out, "\n  Title:    %s\n", info.Title)
	fmt.Fprintf(c.out, "  Artist:   %s\n", info.Artist)
	fmt.Fprintf(c.out, "  Elapsed:  %s\n", formatElapsed(info.ElapsedSeconds))
	for key, raw := range info.Extra {
		fmt.Fprintf(c.out, "  %-9s %s\n", key+":", string(raw))
	}
	fmt.Fprintln(c.out)
}

func (c *CLI) cmdTrack(ctx context.Context, args []string) error {
	artist, title, ok := strings.Cut(strings.Join(args, " "), " - ")
	artist, title = strings.TrimSpace(artist), strings.TrimSpace(title)
	if !ok || (artist == "" && title == "") {
		return fmt.Errorf("usage: track <artist> - <title>")
	}

	err := c.eventBus.EmitSync(ctx, events.Event{
		Type:    events.EventTrackChanged,
		Source:  "cli",
		Payload: playback.Info{Title: title, Artist: artist},
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Now playing: %s - %s\n", artist, title)
	return nil
}

func (c *CLI) cmdToggle(enabled bool) error {
	if err := c.plugin.SetEnabled(enabled); err != nil {
		return err
	}
	state := "disabled"
	if c.plugin.Running() {
		state = "running"
	}
	fmt.Fprintf(c.out, "Broadcast server %s\n", state)
	return nil
}

// formatElapsed renders seconds as m:ss.
func formatElapsed(seconds float64) string {
	total := int(seconds)
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}
