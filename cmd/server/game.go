package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/crystal-mush/mushcore/pkg/server"
	"github.com/crystal-mush/mushcore/pkg/world"
)

// demoGame is the built-in game layer for the standalone server: a handful
// of commands over the in-memory store, enough to drive every queue and
// connection operation from a telnet client. Real games replace this whole
// file with their own dispatch and login layers.
type demoGame struct {
	store *world.MemStore
	srv   *server.Server
}

// LoginCommand implements server.SessionHandler.
func (g *demoGame) LoginCommand(d *server.Descriptor, line string) server.LoginResult {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return server.LoginPending
	}
	switch strings.ToLower(fields[0]) {
	case "quit":
		return server.LoginBoot
	case "connect":
		if len(fields) < 3 {
			d.Send("Usage: connect <name> <password>")
			return server.LoginPending
		}
		p := g.store.FindPlayer(fields[1])
		if p == nil || p.Password != fields[2] {
			d.Send("Either that player does not exist, or has a different password.")
			d.Retries--
			if d.Retries <= 0 {
				return server.LoginBoot
			}
			return server.LoginPending
		}
		d.Player = p.Ref
		d.Send(fmt.Sprintf("Welcome, %s.", p.Name))
		return server.LoginOK
	default:
		d.Send("Type \"connect <name> <password>\" to connect, or QUIT to leave.")
		return server.LoginPending
	}
}

// Dispatch implements server.Dispatcher for the demo command set.
func (g *demoGame) Dispatch(player, cause world.DBRef, command string, args []string, rdata *server.RegisterData, entry *server.QueueEntry) error {
	d := entry.Desc
	say := func(msg string) {
		if d != nil {
			d.Send(msg)
		}
	}
	cmd, rest := command, ""
	if i := strings.IndexByte(command, ' '); i >= 0 {
		cmd, rest = command[:i], strings.TrimSpace(command[i+1:])
	}

	switch strings.ToLower(cmd) {
	case "quit":
		if d != nil {
			g.srv.Disconnect(d, server.ReasonQuit)
		}
	case "logout":
		if d != nil {
			g.srv.Disconnect(d, server.ReasonLogout)
		}
	case "who":
		say(g.who())
	case "say":
		g.srv.RawBroadcast(fmt.Sprintf("%s says, \"%s\"", g.store.Name(player), rest))
	case "@wait":
		g.doWait(player, cause, rest, say)
	case "@notify":
		g.doNotify(player, rest, say)
	case "@drain":
		g.doDrain(rest, say)
	case "@ps":
		say(g.ps())
	case "@halt":
		if pid, err := strconv.Atoi(rest); err == nil {
			if g.srv.Queue().HaltPID(pid) {
				say(fmt.Sprintf("Halted pid %d.", pid))
			} else {
				say("No such queue entry.")
			}
		} else {
			n := g.srv.Queue().Halt(player, world.Nothing)
			say(fmt.Sprintf("Halted %d queue entries.", n))
		}
	case "@kick":
		n, _ := strconv.Atoi(rest)
		if n <= 0 {
			n = 1
		}
		say(fmt.Sprintf("Ran %d queue entries.", g.srv.Queue().Kick(n)))
	case "outputprefix":
		if d != nil {
			d.OutputPrefix = rest
		}
	case "outputsuffix":
		if d != nil {
			d.OutputSuffix = rest
		}
	case "@dequeue":
		switch strings.ToLower(rest) {
		case "off":
			g.srv.Queue().SetDequeue(false)
			say("Automatic dequeueing disabled.")
		case "on":
			g.srv.Queue().SetDequeue(true)
			say("Automatic dequeueing enabled.")
		default:
			say("Usage: @dequeue on|off")
		}
	case "@warp":
		secs, err := strconv.Atoi(rest)
		if err != nil {
			say("Usage: @warp <seconds>")
			return nil
		}
		g.srv.Queue().Warp(time.Duration(secs) * time.Second)
		say("Time warped.")
	default:
		say(fmt.Sprintf("Huh? (Type \"say <text>\" to talk; unknown command %q)", cmd))
	}
	return nil
}

// doWait handles "@wait <secs>=<command>" and "@wait <obj>/<secs>=<command>"
// for semaphore waits on an object ref.
func (g *demoGame) doWait(player, cause world.DBRef, rest string, say func(string)) {
	target, command, ok := strings.Cut(rest, "=")
	if !ok {
		say("Usage: @wait <seconds>=<command>")
		return
	}
	target = strings.TrimSpace(target)
	sem := world.Nothing
	if obj, secs, hasSem := strings.Cut(target, "/"); hasSem {
		ref, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(obj), "#"))
		if err != nil {
			say("Bad object ref.")
			return
		}
		sem = world.DBRef(ref)
		target = strings.TrimSpace(secs)
	}
	secs, err := strconv.Atoi(target)
	if err != nil || secs < 0 {
		say("Bad wait time.")
		return
	}
	pid, err := g.srv.Queue().Wait(player, cause, time.Duration(secs)*time.Second, sem, 0, strings.TrimSpace(command), nil, nil)
	if err != nil {
		say(err.Error())
		return
	}
	say(fmt.Sprintf("Queued as pid %d.", pid))
}

func (g *demoGame) doNotify(player world.DBRef, rest string, say func(string)) {
	obj, countText, _ := strings.Cut(rest, "=")
	ref, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(obj), "#"))
	if err != nil {
		say("Usage: @notify #<obj>[=<count>]")
		return
	}
	count := 1
	if c, err := strconv.Atoi(strings.TrimSpace(countText)); err == nil && c > 0 {
		count = c
	}
	released := g.srv.Queue().NotifySemaphore(player, world.DBRef(ref), 0, count)
	say(fmt.Sprintf("Notified (%d released).", released))
}

func (g *demoGame) doDrain(rest string, say func(string)) {
	ref, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(rest), "#"))
	if err != nil {
		say("Usage: @drain #<obj>")
		return
	}
	say(fmt.Sprintf("Drained %d entries.", g.srv.Queue().DrainSemaphore(world.DBRef(ref), 0)))
}

func (g *demoGame) ps() string {
	var b strings.Builder
	listing := g.srv.Queue().List(world.Nothing)
	section := func(name string, entries []server.EntryInfo) {
		fmt.Fprintf(&b, "----- %s -----\r\n", name)
		for _, e := range entries {
			b.WriteString(e.Long() + "\r\n")
		}
	}
	section("Immediate", listing.Immediate)
	section("Object", listing.Object)
	section("Wait", listing.Wait)
	section("Semaphore", listing.Semaphore)
	s := g.srv.Queue().Stats()
	fmt.Fprintf(&b, "Totals: %d immediate, %d object, %d wait, %d semaphore (%d pids live)",
		s.Immediate, s.Object, s.Wait, s.Semaphore, s.PIDsLive)
	return b.String()
}

func (g *demoGame) who() string {
	var b strings.Builder
	b.WriteString("Player Name          On For   Idle\r\n")
	now := time.Now()
	g.srv.EachConn(func(d *server.Descriptor) {
		if d.State != server.ConnPlaying {
			return
		}
		fmt.Fprintf(&b, "%-20s %6s %6s\r\n",
			g.store.Name(d.Player),
			shortDur(now.Sub(d.ConnTime)),
			shortDur(now.Sub(d.LastCmd)))
	})
	return b.String()
}

func shortDur(d time.Duration) string {
	d = d.Round(time.Second)
	if d >= time.Hour {
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
	return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
}
