// Command relaychat is the terminal client: it joins one room as one identity, prints the recent
// history and every broadcast, and sends each input line. Backends are selected with the same
// RELAY_* variables as relayd, so a shared database and broker put it in the same rooms.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"roomrelay/cmd/identity"
	"roomrelay/cmd/internal/app"
	"roomrelay/cmd/internal/relay"
	"roomrelay/cmd/internal/terminal"

	"github.com/spf13/cobra"
)

type chatOptions struct {
	history  int
	color    bool
	utc      bool
	logLevel string
}

func newRootCmd() *cobra.Command {
	var opts chatOptions

	cmd := &cobra.Command{
		Use:   "relaychat <identity> <room>",
		Short: "Chat in a relay room from the terminal",
		Long: `Joins <room> as <identity>, prints the room's recent history and then every message and
join/leave announcement as it arrives. Each input line is sent to the room.

Commands:
  /join <room>  leave the current room and join another
  /quit         leave and exit (end of input does the same)`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runChat(ctx, cmd, args[0], args[1], opts)
		},
	}

	f := cmd.Flags()
	f.IntVar(&opts.history, "history", 0, "number of past messages to replay on join (0 uses RELAY_HISTORY_LIMIT)")
	f.BoolVar(&opts.color, "color", false, "colorize output")
	f.BoolVar(&opts.utc, "utc", false, "print timestamps in UTC instead of local time")
	f.StringVar(&opts.logLevel, "log-level", "warn", "diagnostics level on stderr (debug, info, warn, error)")
	return cmd
}

func runChat(ctx context.Context, cmd *cobra.Command, username, room string, opts chatOptions) error {
	if opts.history < 0 || opts.history > relay.MaxHistoryLimit {
		return fmt.Errorf("--history must be between 0 and %d", relay.MaxHistoryLimit)
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}
	log := app.NewStderrLogger(opts.logLevel, "pretty", opts.color)

	backends, err := app.OpenBackends(ctx, cfg, log, nil)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := backends.Close(); cerr != nil {
			log.Warn("relaychat.close.fail", "err", cerr)
		}
	}()
	if backends.BrokerKind == "memory" {
		log.Warn("relaychat.broker.in_process", "hint", "set RELAY_BROKER_URL to chat with other processes")
	}

	profile, err := resolveIdentity(ctx, backends.Directory, username)
	if err != nil {
		return fmt.Errorf("identity %q: %w", username, err)
	}

	sess, err := backends.Relay.NewSession(relay.Participant{
		Username:    profile.Username,
		DisplayName: profile.Label(),
	}, relay.SessionOptions{HistoryLimit: opts.history})
	if err != nil {
		return err
	}

	var loc *time.Location
	if opts.utc {
		loc = time.UTC
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Listening in [%s] as [%s]...\n", room, profile.Username)

	console := &terminal.Console{
		Session: sess,
		Room:    room,
		In:      cmd.InOrStdin(),
		Out:     cmd.OutOrStdout(),
		Renderer: terminal.Renderer{
			Self:     profile.Username,
			Color:    opts.color,
			Location: loc,
		},
		Log: log,
	}
	return console.Run(ctx)
}

// resolveIdentity takes the directory's profile when there is one. Any other well-formed username
// joins as a guest: the terminal client's identity is a plain launch parameter.
func resolveIdentity(ctx context.Context, dir identity.Directory, username string) (identity.Profile, error) {
	p, err := dir.Lookup(ctx, username)
	if identity.IsNotFound(err) {
		return identity.GuestProfile(username)
	}
	return p, err
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "relaychat:", err)
		os.Exit(1)
	}
}
