package server

import (
	"fmt"
	"log"
	"time"

	"github.com/crystal-mush/mushcore/pkg/events"
	"github.com/crystal-mush/mushcore/pkg/world"
)

// DisconnectReason says why a descriptor is going away. ReasonLogout is
// special: the socket survives and the descriptor recycles back to the
// login state.
type DisconnectReason int

const (
	ReasonUnspecified DisconnectReason = iota
	ReasonQuit
	ReasonTimeout
	ReasonBoot
	ReasonNetFailure
	ReasonShutdown
	ReasonLoginRetry
	ReasonLoginsDisabled
	ReasonLogout
	ReasonTooManyPlayers
	ReasonSiteForbidden
)

var reasonText = map[DisconnectReason]string{
	ReasonUnspecified:    "Unspecified",
	ReasonQuit:           "Quit",
	ReasonTimeout:        "Inactivity Timeout",
	ReasonBoot:           "Booted",
	ReasonNetFailure:     "Remote Close or Net Failure",
	ReasonShutdown:       "Game Shutdown",
	ReasonLoginRetry:     "Login Retry Limit",
	ReasonLoginsDisabled: "Logins Disabled",
	ReasonLogout:         "Logout (Connection Not Dropped)",
	ReasonTooManyPlayers: "Too Many Connected Players",
	ReasonSiteForbidden:  "Site Forbidden",
}

func (r DisconnectReason) String() string {
	if t, ok := reasonText[r]; ok {
		return t
	}
	return reasonText[ReasonUnspecified]
}

// accountingRecord formats the session accounting line for a bound
// descriptor. The layout is fixed and parsed positionally:
// Plyr# Flags Cmds ConnTime Loc Money [Site] <DiscRsn> Name
func accountingRecord(d *Descriptor, store world.Store, reason DisconnectReason, now time.Time) string {
	flags, location, money := "", -1, 0
	name := d.Addr
	if store.Good(d.Player) {
		flags = store.FlagDesc(d.Player)
		location = int(store.Location(d.Player))
		money = store.Pennies(d.Player)
		name = store.Name(d.Player)
	}
	return fmt.Sprintf("%d %s %d %d %d %d [%s] <%s> %s",
		int(d.Player), flags, d.CmdCount, d.connSecs(now), location, money,
		d.Addr, reason, name)
}

// disconnect ends a descriptor's session. A logout keeps the socket and
// recycles the descriptor to the login state; every other reason flushes
// whatever output fits, unlinks the descriptor and releases the socket.
func (s *Server) disconnect(d *Descriptor, reason DisconnectReason) {
	now := time.Now()
	if d.Player != world.Nothing {
		record := accountingRecord(d, s.store, reason, now)
		log.Printf("NET: [%d] disconnect: %s", d.ID, record)
		s.recordSiteHistory(d)
		s.bus.Emit(events.Event{
			Type:     events.EvDisconnect,
			Player:   d.Player,
			Desc:     d.ID,
			Addr:     d.Addr,
			Reason:   reason.String(),
			Text:     record,
			Cmds:     d.CmdCount,
			ConnSecs: d.connSecs(now),
			Lost:     d.lostOut,
		})
	} else {
		// Never-connected descriptors get a plain drop line, not an
		// accounting record.
		log.Printf("NET: [%d] dropped connection from [%s] <%s>", d.ID, d.Addr, reason)
	}
	s.metrics.disconnectsTotal.WithLabelValues(reason.String()).Inc()

	if reason == ReasonLogout {
		d.flushOutput()
		d.recycle(s.cfg.CmdQuotaMax)
		d.queueString(s.cfg.WelcomeText)
		return
	}

	d.flushOutput()
	s.conns.remove(d)
	d.Conn.Close()
	s.metrics.connections.Set(float64(s.conns.len()))
}

// closeSockets ends every session at shutdown. The graceful path queues
// the message and flushes; the emergency path writes the literal message
// straight to each socket, skipping all queued output, and force-closes.
func (s *Server) closeSockets(emergency bool, message string) {
	s.bus.Emit(events.Event{Type: events.EvShutdown, Player: world.Nothing, Text: message})
	var all []*Descriptor
	s.conns.each(func(d *Descriptor) { all = append(all, d) })
	for _, d := range all {
		if emergency {
			d.Conn.Write([]byte(message + "\r\n"))
			d.Conn.Close()
			s.conns.remove(d)
			continue
		}
		d.queueString(message)
		s.disconnect(d, ReasonShutdown)
	}
}
