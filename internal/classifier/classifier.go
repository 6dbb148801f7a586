// Package classifier resolves the category of an item.
package classifier

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/taskcheck/internal/cache"
	"github.com/kalambet/taskcheck/internal/inspector"
	"github.com/kalambet/taskcheck/internal/storage"
	"github.com/kalambet/taskcheck/internal/task"
)

// ItemFinder looks items up by id. *storage.Store satisfies it.
type ItemFinder interface {
	FindByID(id string) (*task.Item, error)
}

// Inspector extracts hints from content associated with an item.
type Inspector interface {
	Inspect(ctx context.Context, itemID string) (inspector.Hints, error)
}

var prefixes = []struct {
	prefix   string
	category task.Category
}{
	{"social_", task.CategorySocial},
	{"limited_", task.CategoryLimited},
	{"partner_", task.CategoryPartner},
	{"generic_", task.CategoryGeneric},
}

// Classifier resolves categories: cache, item store, id heuristics, content
// inspection. Anything resolved past the cache is cached without expiry.
type Classifier struct {
	cache  *cache.Cache
	group  singleflight.Group
	logger *slog.Logger

	mu        sync.RWMutex
	items     ItemFinder
	inspector Inspector
}

// New creates a Classifier. Any collaborator may be nil.
func New(c *cache.Cache, items ItemFinder, insp Inspector) *Classifier {
	return &Classifier{cache: c, items: items, inspector: insp, logger: slog.Default()}
}

// SetItemFinder replaces the item store.
func (c *Classifier) SetItemFinder(items ItemFinder) {
	c.mu.Lock()
	c.items = items
	c.mu.Unlock()
}

// SetInspector replaces the content inspector.
func (c *Classifier) SetInspector(insp Inspector) {
	c.mu.Lock()
	c.inspector = insp
	c.mu.Unlock()
}

// Classify returns the category of itemID, or task.CategoryUnknown.
func (c *Classifier) Classify(ctx context.Context, itemID string) task.Category {
	if itemID == "" {
		return task.CategoryUnknown
	}
	v, _, _ := c.group.Do(itemID, func() (any, error) {
		return c.resolve(ctx, itemID), nil
	})
	return v.(task.Category)
}

func (c *Classifier) resolve(ctx context.Context, itemID string) task.Category {
	if c.cache != nil {
		var cached task.Category
		ok, err := c.cache.Get(cache.CategoryKey(itemID), &cached)
		if err != nil {
			c.logger.Warn("category cache read failed", "item_id", itemID, "error", err)
		}
		if ok && cached != "" {
			return cached
		}
	}

	cat, source := c.lookup(ctx, itemID)
	if cat == task.CategoryUnknown {
		c.logger.Debug("item category unresolved", "item_id", itemID)
		return cat
	}

	c.logger.Debug("item classified", "item_id", itemID, "category", cat, "source", source)
	if c.cache != nil {
		if err := c.cache.Set(cache.CategoryKey(itemID), cat, 0, cache.TagClassification); err != nil {
			c.logger.Warn("category cache write failed", "item_id", itemID, "error", err)
		}
	}
	return cat
}

func (c *Classifier) lookup(ctx context.Context, itemID string) (task.Category, string) {
	c.mu.RLock()
	items, insp := c.items, c.inspector
	c.mu.RUnlock()

	if items != nil {
		it, err := items.FindByID(itemID)
		switch {
		case err == nil && it != nil:
			if cat := task.ParseCategory(string(it.Category)); cat != task.CategoryUnknown {
				return cat, "store"
			}
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			c.logger.Warn("item store lookup failed", "item_id", itemID, "error", err)
		}
	}

	if cat := Heuristic(itemID); cat != task.CategoryUnknown {
		return cat, "heuristic"
	}

	if insp != nil {
		h, err := insp.Inspect(ctx, itemID)
		if err != nil {
			c.logger.Warn("content inspection failed", "item_id", itemID, "error", err)
		} else if h.Category != "" && h.Category != task.CategoryUnknown {
			return h.Category, "inspector"
		}
	}

	return task.CategoryUnknown, ""
}

// Heuristic guesses a category from the item id alone: known prefixes first,
// then embedded keywords.
func Heuristic(itemID string) task.Category {
	lower := strings.ToLower(itemID)
	for _, p := range prefixes {
		if strings.HasPrefix(lower, p.prefix) {
			return p.category
		}
	}
	return task.GuessCategory(lower)
}
