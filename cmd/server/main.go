package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/crystal-mush/mushcore/pkg/histstore"
	"github.com/crystal-mush/mushcore/pkg/server"
	"github.com/crystal-mush/mushcore/pkg/world"
)

// envDefault returns the environment variable value if set, otherwise the fallback.
func envDefault(envVar, fallback string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return fallback
}

func main() {
	confFile := flag.String("conf", envDefault("MUSH_CONF", ""), "Path to config file (env: MUSH_CONF)")
	port := flag.Int("port", 0, "TCP port to listen on, overrides config (env: MUSH_PORT)")
	siteFile := flag.String("sites", envDefault("MUSH_SITES", ""), "Path to site access rules, overrides config (env: MUSH_SITES)")
	sessionDB := flag.String("sessiondb", envDefault("MUSH_SESSIONDB", ""), "Path to session accounting database, overrides config (env: MUSH_SESSIONDB)")
	historyDB := flag.String("historydb", envDefault("MUSH_HISTORYDB", ""), "Path to site history database, overrides config (env: MUSH_HISTORYDB)")
	flag.Parse()

	cfg := server.DefaultConfig()
	if *confFile != "" {
		var err error
		cfg, err = server.LoadConfig(*confFile)
		if err != nil {
			log.Fatalf("Config: %v", err)
		}
	}
	if *port == 0 {
		if envPort := os.Getenv("MUSH_PORT"); envPort != "" {
			if p, err := strconv.Atoi(envPort); err == nil {
				*port = p
			}
		}
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *siteFile != "" {
		cfg.SiteFile = *siteFile
	}
	if *sessionDB != "" {
		cfg.SessionDB = *sessionDB
	}
	if *historyDB != "" {
		cfg.HistoryDB = *historyDB
	}

	store := world.NewMemStore()
	store.Add(world.Object{Name: "Limbo"})
	store.Add(world.Object{Name: "Wizard", Player: true, Flags: "PW", Pennies: 10000, Password: envDefault("MUSH_WIZPASS", "potrzebie")})
	store.Add(world.Object{Name: "Guest", Player: true, Flags: "P", Pennies: 500, Password: "guest"})

	game := &demoGame{store: store}
	srv := server.NewServer(cfg, store, world.NopHooks{}, game, game)
	game.srv = srv

	if cfg.HistoryDB != "" {
		hist, err := histstore.Open(cfg.HistoryDB)
		if err != nil {
			log.Fatalf("History store: %v", err)
		}
		defer hist.Close()
		srv.SetHistory(hist)
	}
	if cfg.SessionDB != "" {
		sdb, err := server.OpenSessionDB(cfg.SessionDB)
		if err != nil {
			log.Fatalf("Session store: %v", err)
		}
		defer sdb.Close()
		server.NewSessionWriter(srv.Bus(), sdb)
	}

	// SIGINT/SIGTERM drain politely; SIGQUIT abandons queued output and
	// slams every socket shut.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGQUIT {
				log.Printf("Caught %v, emergency shutdown", sig)
				srv.EmergencyShutdown()
			} else {
				log.Printf("Caught %v, shutting down", sig)
				srv.Shutdown()
			}
		}
	}()

	log.Printf("%s starting on port %d", cfg.MudName, cfg.Port)
	if err := srv.Run(); err != nil {
		log.Fatalf("Server: %v", err)
	}
	log.Printf("Shutdown complete")
}
