package server

import (
	"bufio"
	"fmt"
	"log"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// SiteAccess is an admission decision for a peer address.
type SiteAccess int

const (
	SiteTrust    SiteAccess = iota // Normal access
	SiteSuspect                    // Admitted, flagged in the accept log
	SiteRegister                   // Admitted, new-character creation refused
	SiteForbid                     // Rejected before a descriptor is made
)

func (a SiteAccess) String() string {
	switch a {
	case SiteSuspect:
		return "suspect"
	case SiteRegister:
		return "register"
	case SiteForbid:
		return "forbid"
	default:
		return "trust"
	}
}

type siteRule struct {
	prefix netip.Prefix
	access SiteAccess
}

// SiteList holds the CIDR admission rules. First matching rule wins;
// no match means trust. The rules file is live-reloaded on change, so the
// lock covers the reload goroutine against the loop's lookups.
type SiteList struct {
	mu    sync.RWMutex
	rules []siteRule
}

// Check returns the admission decision for addr.
func (s *SiteList) Check(addr netip.Addr) SiteAccess {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rules {
		if r.prefix.Contains(addr.Unmap()) {
			return r.access
		}
	}
	return SiteTrust
}

// Load replaces the rule set from a file of "<access> <cidr>" lines.
// Blank lines and # comments are skipped; a bare address gets a full-length
// prefix.
func (s *SiteList) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open site file: %w", err)
	}
	defer f.Close()

	var rules []siteRule
	sc := bufio.NewScanner(f)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return fmt.Errorf("%s:%d: want \"<access> <cidr>\"", path, lineno)
		}
		var access SiteAccess
		switch strings.ToLower(fields[0]) {
		case "trust":
			access = SiteTrust
		case "suspect":
			access = SiteSuspect
		case "register":
			access = SiteRegister
		case "forbid":
			access = SiteForbid
		default:
			return fmt.Errorf("%s:%d: unknown access %q", path, lineno, fields[0])
		}
		prefix, err := parsePrefix(fields[1])
		if err != nil {
			return fmt.Errorf("%s:%d: %w", path, lineno, err)
		}
		rules = append(rules, siteRule{prefix, access})
	}
	if err := sc.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.rules = rules
	s.mu.Unlock()
	return nil
}

func parsePrefix(text string) (netip.Prefix, error) {
	if strings.Contains(text, "/") {
		return netip.ParsePrefix(text)
	}
	addr, err := netip.ParseAddr(text)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Watch starts an fsnotify watcher that reloads the rules file whenever it
// is rewritten. A reload that fails to parse keeps the previous rules.
func (s *SiteList) Watch(path string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("WARNING: Could not start site file watcher: %v", err)
		return
	}

	name := filepath.Base(path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if filepath.Base(event.Name) != name {
					continue
				}
				if err := s.Load(path); err != nil {
					log.Printf("NET: site file reload failed, keeping old rules: %v", err)
					continue
				}
				log.Printf("NET: site access rules reloaded from %s", path)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("NET: site file watcher error: %v", err)
			}
		}
	}()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		log.Printf("WARNING: Could not watch site file %s: %v", path, err)
		watcher.Close()
	}
}
