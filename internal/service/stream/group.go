package stream

import (
	"errors"
	"sort"
	"sync"

	"PolyPulse/internal/domain/models"
)

// Group tracks the clients of all live feeds so they can be resumed, inspected
// and closed together.
type Group struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewGroup() *Group {
	return &Group{clients: make(map[string]*Client)}
}

// Add registers c under its feed name, replacing any previous client.
func (g *Group) Add(c *Client) {
	g.mu.Lock()
	g.clients[c.Feed()] = c
	g.mu.Unlock()
}

// Get returns the client for feed.
func (g *Group) Get(feed string) (*Client, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.clients[feed]
	return c, ok
}

// Resume resumes one feed, or all feeds when feed is "" or "all".
func (g *Group) Resume(feed string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if feed == "" || feed == "all" {
		for _, c := range g.clients {
			c.Resume()
		}
		return len(g.clients) > 0
	}
	c, ok := g.clients[feed]
	if ok {
		c.Resume()
	}
	return ok
}

// ResumeAll resumes every feed.
func (g *Group) ResumeAll() { g.Resume("all") }

// Statuses returns one status per feed, sorted by feed name.
func (g *Group) Statuses() []models.FeedStatus {
	g.mu.RLock()
	out := make([]models.FeedStatus, 0, len(g.clients))
	for _, c := range g.clients {
		out = append(out, c.Status())
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Feed < out[j].Feed })
	return out
}

// CloseAll closes every client and returns the joined errors.
func (g *Group) CloseAll() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var errs []error
	for _, c := range g.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
