// Package devicecache maintains the in-memory table mapping radio device
// EUIs to internal device identifiers. The table is refreshed wholesale from
// a pluggable Loader, either on demand or on a timer.
package devicecache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DeviceMapping is one provisioned device. Entries are keyed by the
// lower-cased device EUI; at most one live entry exists per EUI.
type DeviceMapping struct {
	DeviceID   string `json:"deviceId"   db:"device_id"   firestore:"deviceId"`
	DevEUI     string `json:"devEui"     db:"dev_eui"     firestore:"devEui"`
	TenantID   string `json:"tenantId"   db:"tenant_id"   firestore:"tenantId"`
	DeviceName string `json:"deviceName" db:"device_name" firestore:"deviceName"`
	Protocol   string `json:"protocol"   db:"protocol"    firestore:"protocol"`
}

// Loader supplies the full current set of device mappings, not a delta. It
// must be idempotent and side-effect-free from the cache's perspective.
type Loader interface {
	LoadAll(ctx context.Context) ([]DeviceMapping, error)
}

// Stats is a point-in-time view of cache health.
type Stats struct {
	Size         int
	LastRefresh  time.Time
	RefreshArmed bool
}

// Config controls cache refresh behaviour.
type Config struct {
	// RefreshInterval arms a periodic refresh when strictly positive.
	RefreshInterval time.Duration
	// RefreshTimeout bounds a single loader invocation.
	RefreshTimeout time.Duration
}

// Cache maps device EUIs to internal device identifiers. The backing map is
// treated as immutable: Refresh and the single-entry mutators build a
// replacement map off to the side and publish it with one store under the
// lock, so concurrent readers always see a fully-old or fully-new table.
type Cache struct {
	cfg    Config
	loader Loader
	logger zerolog.Logger

	mu          sync.RWMutex
	entries     map[string]DeviceMapping
	lastRefresh time.Time
	armed       bool

	done      chan struct{}
	tickerWg  sync.WaitGroup
	closeOnce sync.Once
}

// New creates a Cache. The cache is empty and must not be queried until
// Start has completed its first refresh.
func New(cfg Config, loader Loader, logger zerolog.Logger) (*Cache, error) {
	if loader == nil {
		return nil, fmt.Errorf("loader cannot be nil")
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 30 * time.Second
	}
	return &Cache{
		cfg:     cfg,
		loader:  loader,
		logger:  logger.With().Str("component", "DeviceCache").Logger(),
		entries: map[string]DeviceMapping{},
		done:    make(chan struct{}),
	}, nil
}

// Start performs the initial refresh and, when a refresh interval is
// configured, arms the periodic refresh. A failed initial refresh aborts
// startup. Start must be called at most once.
func (c *Cache) Start(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		return fmt.Errorf("initial device mapping refresh: %w", err)
	}

	if c.cfg.RefreshInterval > 0 {
		c.mu.Lock()
		c.armed = true
		c.mu.Unlock()
		c.tickerWg.Add(1)
		go c.refreshLoop(ctx)
		c.logger.Info().Dur("interval", c.cfg.RefreshInterval).Msg("Periodic device mapping refresh armed.")
	}
	return nil
}

func (c *Cache) refreshLoop(ctx context.Context) {
	defer c.tickerWg.Done()
	ticker := time.NewTicker(c.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A failed scheduled refresh keeps the previous table; the next
			// tick tries again.
			if err := c.Refresh(ctx); err != nil {
				c.logger.Error().Err(err).Msg("Scheduled device mapping refresh failed; keeping previous table.")
			}
		}
	}
}

// Refresh invokes the loader and replaces the table with the returned set.
// On loader failure the previous table is left untouched and the error is
// returned to the caller.
func (c *Cache) Refresh(ctx context.Context) error {
	loadCtx, cancel := context.WithTimeout(ctx, c.cfg.RefreshTimeout)
	defer cancel()

	mappings, err := c.loader.LoadAll(loadCtx)
	if err != nil {
		return fmt.Errorf("load device mappings: %w", err)
	}

	next := make(map[string]DeviceMapping, len(mappings))
	for _, m := range mappings {
		m.DevEUI = strings.ToLower(m.DevEUI)
		if m.DevEUI == "" || m.DeviceID == "" {
			c.logger.Warn().Str("device_id", m.DeviceID).Str("dev_eui", m.DevEUI).Msg("Skipping incomplete device mapping.")
			continue
		}
		next[m.DevEUI] = m
	}

	c.mu.Lock()
	c.entries = next
	c.lastRefresh = time.Now().UTC()
	c.mu.Unlock()

	c.logger.Info().Int("mappings", len(next)).Msg("Device mapping table refreshed.")
	return nil
}

// DeviceID resolves a device EUI to the internal device identifier. The
// lookup is case-insensitive and O(1).
func (c *Cache) DeviceID(devEUI string) (string, bool) {
	m, ok := c.Mapping(devEUI)
	return m.DeviceID, ok
}

// Mapping returns the full mapping entry for a device EUI.
func (c *Cache) Mapping(devEUI string) (DeviceMapping, bool) {
	c.mu.RLock()
	m, ok := c.entries[strings.ToLower(devEUI)]
	c.mu.RUnlock()
	return m, ok
}

// LookupView returns a devEUI -> deviceID projection of the committed table.
// The returned map is a copy and reflects only fully-committed refreshes.
func (c *Cache) LookupView() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	view := make(map[string]string, len(c.entries))
	for eui, m := range c.entries {
		view[eui] = m.DeviceID
	}
	return view
}

// Add inserts or replaces a single mapping, bypassing the bulk refresh path.
// Used for dynamic provisioning between refreshes.
func (c *Cache) Add(m DeviceMapping) {
	m.DevEUI = strings.ToLower(m.DevEUI)
	if m.DevEUI == "" || m.DeviceID == "" {
		return
	}
	c.mu.Lock()
	next := make(map[string]DeviceMapping, len(c.entries)+1)
	for k, v := range c.entries {
		next[k] = v
	}
	next[m.DevEUI] = m
	c.entries = next
	c.mu.Unlock()
	c.logger.Debug().Str("dev_eui", m.DevEUI).Str("device_id", m.DeviceID).Msg("Device mapping added.")
}

// Remove deletes a single mapping by EUI.
func (c *Cache) Remove(devEUI string) {
	devEUI = strings.ToLower(devEUI)
	c.mu.Lock()
	if _, ok := c.entries[devEUI]; ok {
		next := make(map[string]DeviceMapping, len(c.entries))
		for k, v := range c.entries {
			if k != devEUI {
				next[k] = v
			}
		}
		c.entries = next
	}
	c.mu.Unlock()
	c.logger.Debug().Str("dev_eui", devEUI).Msg("Device mapping removed.")
}

// Stats reports the current table size and refresh state.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Size:         len(c.entries),
		LastRefresh:  c.lastRefresh,
		RefreshArmed: c.armed,
	}
}

// Close cancels the periodic refresh and clears the table. Idempotent.
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.tickerWg.Wait()
		c.mu.Lock()
		c.entries = map[string]DeviceMapping{}
		c.armed = false
		c.mu.Unlock()
		c.logger.Info().Msg("Device cache closed.")
	})
}
