package config

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/FairForge/edgeproxy/internal/store"
)

// CountryMapFile is the on-disk override for the default country→region
// table (§6: "Country→region map ... Overridable."). Format:
//
//	sa: [BR, AR, CL]
//	us: [US, CA, MX]
//	eu: [...]
//	ap: [...]
type CountryMapFile struct {
	SA []string `yaml:"sa"`
	US []string `yaml:"us"`
	EU []string `yaml:"eu"`
	AP []string `yaml:"ap"`
}

// CountryMap is a live, hot-reloadable country→region table. Geo
// classification reads it through Lookup; an fsnotify watcher keeps it
// fresh whenever the backing file changes without requiring a restart.
type CountryMap struct {
	mu     sync.RWMutex
	lookup map[string]store.Region
	logger *zap.Logger
}

// NewCountryMap builds a CountryMap seeded with the canonical default from
// §6, optionally overridden by the file at path (if path is non-empty and
// exists).
func NewCountryMap(path string, logger *zap.Logger) (*CountryMap, error) {
	cm := &CountryMap{lookup: defaultCountryMap(), logger: logger}
	if path == "" {
		return cm, nil
	}
	if err := cm.loadFile(path); err != nil {
		return nil, err
	}
	return cm, nil
}

func defaultCountryMap() map[string]store.Region {
	m := map[string]store.Region{}
	assign := func(region store.Region, countries []string) {
		for _, c := range countries {
			m[c] = region
		}
	}
	assign(store.RegionSA, []string{"BR", "AR", "CL", "PE", "CO", "UY", "PY", "BO", "EC"})
	assign(store.RegionUS, []string{"US", "CA", "MX"})
	assign(store.RegionEU, []string{"PT", "ES", "FR", "DE", "NL", "IT", "GB", "IE", "BE", "CH", "AT", "PL", "CZ", "SE", "NO", "DK", "FI"})
	assign(store.RegionAP, []string{"JP", "KR", "TW", "HK", "SG", "MY", "TH", "VN", "ID", "PH", "AU", "NZ"})
	return m
}

func (cm *CountryMap) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read country map %s: %w", path, err)
	}
	var parsed CountryMapFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("config: parse country map %s: %w", path, err)
	}

	next := map[string]store.Region{}
	assign := func(region store.Region, countries []string) {
		for _, c := range countries {
			next[strings.ToUpper(c)] = region
		}
	}
	assign(store.RegionSA, parsed.SA)
	assign(store.RegionUS, parsed.US)
	assign(store.RegionEU, parsed.EU)
	assign(store.RegionAP, parsed.AP)
	if len(next) == 0 {
		return fmt.Errorf("config: country map %s defines no entries", path)
	}

	cm.mu.Lock()
	cm.lookup = next
	cm.mu.Unlock()
	return nil
}

// Lookup returns the region for an ISO 3166-1 alpha-2 country code, falling
// back to US per the canonical default's "everything else → US" rule.
func (cm *CountryMap) Lookup(country string) store.Region {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if r, ok := cm.lookup[strings.ToUpper(country)]; ok {
		return r
	}
	return store.RegionUS
}

// Watch starts an fsnotify watcher on path and reloads on every write,
// logging and keeping the last-good map on a parse failure. Watch blocks
// until ctx-like cancellation is signaled by closing stop.
func (cm *CountryMap) Watch(path string, stop <-chan struct{}) error {
	if path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("config: watch %s: %w", path, err)
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-stop:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := cm.loadFile(path); err != nil {
					cm.logger.Warn("config: country map reload failed, keeping previous map", zap.Error(err))
					continue
				}
				cm.logger.Info("config: country map reloaded", zap.String("path", path))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				cm.logger.Warn("config: country map watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
