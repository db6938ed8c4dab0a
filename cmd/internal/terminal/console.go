// Package terminal is the synchronous delivery adapter: one relay session driven by a line-oriented
// input stream, with a background task rendering everything the bound channel delivers.
package terminal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"roomrelay/cmd/internal/relay"

	"golang.org/x/sync/errgroup"
)

const (
	maxLineBytes = 64 << 10
	leaveTimeout = 5 * time.Second
)

// Input commands. Everything else is sent as a message.
const (
	cmdQuit = "/quit"
	cmdJoin = "/join"
)

// Console runs a relay session against a terminal.
//
// Run joins Room, renders the replay batch and then runs two tasks until input ends or ctx is
// canceled: the receive task renders every delivery of the bound channel (own messages included,
// relabeled by Renderer) and the input task turns lines into sends. Neither blocks the other.
type Console struct {
	Session  *relay.Session
	Room     string
	In       io.Reader
	Out      io.Writer
	Renderer Renderer
	Log      *slog.Logger

	outMu sync.Mutex
}

// Run blocks until input reaches EOF, /quit is entered or ctx is canceled. The session is left on
// return. Cancellation is not an error.
//
// A blocked read on In cannot be interrupted; the reader goroutine ends with the next line or EOF.
func (c *Console) Run(ctx context.Context) error {
	if c.Session == nil {
		return errors.New("terminal: nil session")
	}
	if c.In == nil || c.Out == nil {
		return errors.New("terminal: input and output are required")
	}

	res, err := c.Session.Join(ctx, c.Room)
	if err != nil {
		return err
	}
	c.renderHistory(res.History)

	stop := make(chan struct{})
	defer close(stop)
	lines, readErr := c.readLines(stop)

	bindings := make(chan relay.JoinResult)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.receive(gctx, res, bindings) })
	g.Go(func() error { return c.input(gctx, lines, readErr, bindings) })
	err = g.Wait()

	leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaveTimeout)
	defer cancel()
	if cerr := c.Session.Close(leaveCtx); cerr != nil {
		c.logger().Warn("terminal.leave.fail", "room", c.Session.Room(), "err", cerr)
	}
	return err
}

// receive renders deliveries of the current binding. When the binding ends it waits for the input
// task to hand over the next one; a closed bindings channel means input is done.
func (c *Console) receive(ctx context.Context, cur relay.JoinResult, bindings <-chan relay.JoinResult) error {
	for {
		ev, err := cur.Channel.Next(ctx)
		if err == nil {
			if cur.Replayed(ev) {
				continue
			}
			if line, ok := c.Renderer.Event(ev); ok {
				c.println(line)
			}
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		if !errors.Is(err, relay.ErrChannelClosed) {
			c.logger().Warn("terminal.channel.lost", "room", cur.Room, "err", err)
			left, lerr := c.Session.LeaveChannel(ctx, cur.Channel)
			if lerr != nil {
				c.logger().Warn("terminal.leave.fail", "room", cur.Room, "err", lerr)
			}
			if left {
				c.println(c.Renderer.Notice(fmt.Sprintf("lost room %s (%s); use %s <room> to rejoin",
					cur.Room, relay.Code(err), cmdJoin)))
			}
		}

		select {
		case next, ok := <-bindings:
			if !ok {
				return nil
			}
			cur = next
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Console) input(ctx context.Context, lines <-chan string, readErr <-chan error, bindings chan<- relay.JoinResult) error {
	defer close(bindings)

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				c.leave(ctx)
				if err := <-readErr; err != nil {
					return fmt.Errorf("terminal: read input: %w", err)
				}
				return nil
			}
			line = strings.TrimRight(l, "\r")
		}

		if strings.TrimSpace(line) == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		switch cmd {
		case cmdQuit:
			c.leave(ctx)
			return nil

		case cmdJoin:
			if arg == "" {
				c.println(c.Renderer.Notice("usage: " + cmdJoin + " <room>"))
				continue
			}
			res, err := c.Session.Switch(ctx, arg)
			if err != nil {
				c.println(c.Renderer.Notice(fmt.Sprintf("join %s failed: %s", arg, relay.Code(err))))
				if res.Channel == nil {
					continue
				}
			}
			c.renderHistory(res.History)
			select {
			case bindings <- res:
			case <-ctx.Done():
				return nil
			}

		default:
			if _, err := c.Session.Send(ctx, line); err != nil {
				c.logger().Warn("terminal.send.fail", "room", c.Session.Room(), "err", err)
				c.println(c.Renderer.Notice("send failed: " + relay.Code(err)))
			}
		}
	}
}

func (c *Console) leave(ctx context.Context) {
	if err := c.Session.Leave(ctx); err != nil && !relay.IsNotJoined(err) {
		c.logger().Warn("terminal.leave.fail", "room", c.Room, "err", err)
	}
}

// readLines scans In on its own goroutine. The lines channel closes at EOF or on a read error,
// which is then available on the error channel.
func (c *Console) readLines(stop <-chan struct{}) (<-chan string, <-chan error) {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.In)
		sc.Buffer(make([]byte, 0, 4096), maxLineBytes)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-stop:
				return
			}
		}
		errc <- sc.Err()
	}()
	return lines, errc
}

func (c *Console) renderHistory(history []relay.Message) {
	for _, m := range history {
		c.println(c.Renderer.Message(m))
	}
}

func (c *Console) println(line string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, _ = io.WriteString(c.Out, line+"\n")
}

func (c *Console) logger() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

func parseCommand(line string) (cmd, arg string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return "", ""
	}
	cmd, arg, _ = strings.Cut(line, " ")
	switch cmd {
	case cmdQuit, cmdJoin:
		return cmd, strings.TrimSpace(arg)
	default:
		return "", ""
	}
}
