// Package statuscache holds the latest deployment snapshots and fans updates
// out to per-deployment listeners.
package statuscache

import (
	"sync"

	"github.com/WeedGo-Platform/ai-engine-service-sub001/pkg/models"
	"go.uber.org/zap"
)

// Cache maps deployment ids to their latest snapshot. Snapshots are replaced
// wholesale on update and must not be mutated by consumers; the orchestrator
// is the only writer.
type Cache struct {
	mu        sync.RWMutex
	snapshots map[string]*models.Deployment
	listeners map[string]map[int]func(*models.Deployment)
	nextID    int
	l         *zap.SugaredLogger
}

func New(logger *zap.SugaredLogger) *Cache {
	if logger == nil {
		logger = zap.S()
	}
	return &Cache{
		snapshots: make(map[string]*models.Deployment),
		listeners: make(map[string]map[int]func(*models.Deployment)),
		l:         logger,
	}
}

// Get returns the latest snapshot for a deployment id.
func (c *Cache) Get(id string) (*models.Deployment, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.snapshots[id]
	return d, ok
}

// List returns all current snapshots.
func (c *Cache) List() []*models.Deployment {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*models.Deployment, 0, len(c.snapshots))
	for _, d := range c.snapshots {
		out = append(out, d)
	}
	return out
}

// Put stores a new snapshot and synchronously notifies every listener
// registered for that id. Each listener sees every update in the order it was
// produced for the id; ordering across listeners is not guaranteed.
func (c *Cache) Put(d *models.Deployment) {
	c.mu.Lock()
	c.snapshots[d.ID] = d
	fns := make([]func(*models.Deployment), 0, len(c.listeners[d.ID]))
	for _, fn := range c.listeners[d.ID] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		c.safeNotify(fn, d)
	}
}

// Delete removes the snapshot for a deployment id. Listeners stay registered.
func (c *Cache) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snapshots, id)
}

// OnStatusUpdate registers a listener for one deployment id and returns its
// unsubscribe function. Unsubscribing is safe to call more than once.
func (c *Cache) OnStatusUpdate(id string, fn func(*models.Deployment)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	listenerID := c.nextID
	c.nextID++
	if c.listeners[id] == nil {
		c.listeners[id] = make(map[int]func(*models.Deployment))
	}
	c.listeners[id][listenerID] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners[id], listenerID)
	}
}

func (c *Cache) safeNotify(fn func(*models.Deployment), d *models.Deployment) {
	defer func() {
		if r := recover(); r != nil {
			c.l.Errorf("Status listener for deployment %s panicked: %v", d.ID, r)
		}
	}()
	fn(d)
}
