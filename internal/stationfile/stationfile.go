// Package stationfile loads station routes from a plain-text file and keeps
// a broker's registry in sync with it while the file changes.
package stationfile

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/r-smith/cd11connman/internal/config"
	"github.com/r-smith/cd11connman/internal/console"
	"github.com/r-smith/cd11connman/internal/registry"
)

// DefaultInterval is how often Run checks the file for changes.
const DefaultInterval = config.DefaultStationsInterval

// fileHeader is the default content written to a new station file.
const fileHeader = `# -=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-
#
# CD 1.1 connection manager: station routing table
#
# Each line routes one station to the data consumer that serves it.
# Changes are detected automatically while the connection manager runs.
#
# FORMAT:
#   NAME  PROVIDER_IP  CONSUMER_IP:PORT
#
# COMMENTS:
# - Use '#' for comments (can be at the start or middle of a line).
#
# PRECEDENCE:
# - Stations defined in the XML configuration file are never changed here.
# - A station changed or removed through the admin API is left alone by
#   this file until its line is removed and added again.
#
# -=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-


# Example entries:
# H04N     10.0.0.5     10.0.0.9:9000
# H04S     10.0.0.6     10.0.0.9:9001    # southern array
`

// Entry is one station route read from the file.
type Entry struct {
	Name            string
	ProviderAddress string
	ConsumerAddress string
	ConsumerPort    uint16
}

// Target receives the routes. *broker.Broker satisfies it.
type Target interface {
	RegisterStation(name, expectedProviderAddress, consumerAddress string, consumerPort uint16)
	UnregisterStation(name string)
	LookupStation(name string) (registry.Route, bool)
}

// Init creates the file at path with a commented header if it does not exist.
func Init(path string) error {
	if path == "" {
		return nil
	}

	_, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return os.WriteFile(path, []byte(fileHeader), 0644)
	}
	return err
}

// Parse reads station routes from the file at path. Any malformed line makes
// the whole file invalid; the returned error lists every bad line.
func Parse(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parse(f)
}

func parse(r io.Reader) ([]Entry, error) {
	var entries []Entry
	var errs []error
	seen := make(map[string]int)

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()

		// Remove comments and trim.
		if i := strings.IndexByte(line, '#'); i != -1 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		e, err := parseLine(line)
		if err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", lineNum, err))
			continue
		}
		if prev, ok := seen[e.Name]; ok {
			errs = append(errs, fmt.Errorf("line %d: station %q already defined on line %d", lineNum, e.Name, prev))
			continue
		}
		seen[e.Name] = lineNum
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return entries, nil
}

func parseLine(line string) (Entry, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return Entry{}, fmt.Errorf("expected 3 fields, got %d", len(fields))
	}

	if err := config.ValidateStationName(fields[0]); err != nil {
		return Entry{}, err
	}
	provider, err := netip.ParseAddr(fields[1])
	if err != nil || !provider.Is4() {
		return Entry{}, fmt.Errorf("provider %q is not an IPv4 address", fields[1])
	}
	consumer, err := netip.ParseAddrPort(fields[2])
	if err != nil || !consumer.Addr().Is4() {
		return Entry{}, fmt.Errorf("consumer %q is not an IPv4 address and port", fields[2])
	}
	if consumer.Port() == 0 {
		return Entry{}, fmt.Errorf("consumer %q has port 0", fields[2])
	}

	return Entry{
		Name:            fields[0],
		ProviderAddress: provider.String(),
		ConsumerAddress: consumer.Addr().String(),
		ConsumerPort:    consumer.Port(),
	}, nil
}

// Watcher polls a station file and mirrors it into Target. The watcher owns
// only the names it registered itself. A name listed in Static, one already
// present in Target before its line appeared, or one whose live route no
// longer matches what the file last set is owned elsewhere and left alone.
// Removing a line unregisters the station only while the watcher owns it.
type Watcher struct {
	Path     string
	Interval time.Duration
	Target   Target
	Static   map[string]bool
	Logger   *slog.Logger

	modTime time.Time
	loaded  map[string]Entry
}

// Result summarizes one applied reload.
type Result struct {
	Registered   int
	Unregistered int
	Skipped      int
}

// Reload applies the file if it changed since the last successful load. It
// reports whether anything was applied. On error the previous routes stay in
// place.
func (w *Watcher) Reload() (bool, Result, error) {
	info, err := os.Stat(w.Path)
	if err != nil {
		return false, Result{}, err
	}
	if !info.ModTime().After(w.modTime) {
		return false, Result{}, nil
	}

	entries, err := Parse(w.Path)
	if err != nil {
		// Don't retry the same broken file on every tick.
		w.modTime = info.ModTime()
		return false, Result{}, err
	}

	var res Result
	next := make(map[string]Entry, len(entries))
	for _, e := range entries {
		if w.Static[e.Name] {
			res.Skipped++
			continue
		}
		prev, owned := w.loaded[e.Name]
		switch {
		case owned && !w.current(prev):
			// Changed or removed through another source.
			res.Skipped++
			continue
		case !owned:
			if _, exists := w.Target.LookupStation(e.Name); exists {
				res.Skipped++
				continue
			}
		}
		if !owned || prev != e {
			w.Target.RegisterStation(e.Name, e.ProviderAddress, e.ConsumerAddress, e.ConsumerPort)
			res.Registered++
		}
		next[e.Name] = e
	}
	for name, prev := range w.loaded {
		if _, ok := next[name]; ok {
			continue
		}
		if w.current(prev) {
			w.Target.UnregisterStation(name)
			res.Unregistered++
		}
	}

	w.loaded = next
	w.modTime = info.ModTime()
	return true, res, nil
}

// current reports whether Target still holds the route the file set for e.
func (w *Watcher) current(e Entry) bool {
	r, ok := w.Target.LookupStation(e.Name)
	return ok &&
		r.ExpectedProviderAddress == e.ProviderAddress &&
		r.ConsumerAddress == e.ConsumerAddress &&
		r.ConsumerPort == e.ConsumerPort
}

// Run reloads the file immediately and then on every Interval until ctx is
// done. Reload errors are logged and do not stop the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	w.reload()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	first := w.modTime.IsZero()
	changed, res, err := w.Reload()
	if err != nil {
		console.Errors(console.Cfg, "Station file: ", err)
		if w.Logger != nil {
			w.Logger.Error("station file reload failed",
				slog.String("event_type", "error"),
				slog.String("path", w.Path),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	if !changed {
		return
	}

	if first {
		console.Info(console.Cfg, "Loaded %d stations from %s", res.Registered, w.Path)
	} else {
		console.Info(console.Cfg, "Station file updated: %d registered, %d removed", res.Registered, res.Unregistered)
	}
	if res.Skipped > 0 {
		console.Warning(console.Cfg, "Station file: %d entries ignored because another source owns them", res.Skipped)
	}
	if w.Logger != nil {
		w.Logger.Info("station file reloaded",
			slog.String("event_type", "stations"),
			slog.String("path", w.Path),
			slog.Int("registered", res.Registered),
			slog.Int("unregistered", res.Unregistered),
			slog.Int("skipped", res.Skipped),
		)
	}
}
