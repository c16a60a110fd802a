package spider

import (
	"errors"
	"sync"
	"time"

	"github.com/JakeFAU/galleryspider/internal/gallery"
)

const (
	minWorkers          = 1
	maxWorkers          = 10
	maxPreload          = 100
	maxDownloadAttempts = 2
	persistTimeout      = 30 * time.Second
)

// Config holds the per-engine tunables.
type Config struct {
	// MaxWorkers caps the elastic worker pool; clamped to [1,10].
	MaxWorkers int
	// Preload is the number of neighbours queued after a direct request; clamped to [0,100].
	Preload int
	// DownloadDelay is slept after every finished page.
	DownloadDelay time.Duration
	// Decoders is the size of the decoder pool; defaults to 1.
	Decoders int
	// DownloadOrigin prefers the original image over the resampled one.
	DownloadOrigin bool
}

func (c Config) normalized() Config {
	c.MaxWorkers = min(max(c.MaxWorkers, minWorkers), maxWorkers)
	c.Preload = min(max(c.Preload, 0), maxPreload)
	if c.Decoders <= 0 {
		c.Decoders = 1
	}
	if c.DownloadDelay < 0 {
		c.DownloadDelay = 0
	}
	return c
}

// Deps are the collaborators shared by every engine of a registry.
type Deps struct {
	Transport Transport
	Parser    Parser
	Stores    StoreFactory
	Decoder   Decoder
	Site      gallery.Site
	Cache     *gallery.Cache
	ShowKeys  *ShowKeyCache
	// Observe, when set, attaches a listener to every new engine.
	Observe ListenerFactory
}

func (d Deps) validate() error {
	switch {
	case d.Transport == nil:
		return errors.New("spider transport is required")
	case d.Parser == nil:
		return errors.New("spider parser is required")
	case d.Stores == nil:
		return errors.New("spider store factory is required")
	case d.Decoder == nil:
		return errors.New("spider decoder is required")
	case d.Site.BaseURL == "":
		return errors.New("spider site base url is required")
	}
	return nil
}

// ShowKeyCache holds the show key used by the lightweight image API. One key
// serves every gallery of the process; each engine serialises its own
// fetches that may refresh it.
type ShowKeyCache struct {
	mu  sync.Mutex
	key string
}

// Get returns the cached key or "".
func (c *ShowKeyCache) Get() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key
}

// Set replaces the cached key.
func (c *ShowKeyCache) Set(key string) {
	c.mu.Lock()
	c.key = key
	c.mu.Unlock()
}

// CompareAndClear drops the key if it still equals old.
func (c *ShowKeyCache) CompareAndClear(old string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key != old {
		return false
	}
	c.key = ""
	return true
}
