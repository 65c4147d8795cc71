package services

import (
	"context"
	"strings"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/tusharkarmokar24-ai/AeroView/internal/models"
)

// sessionSettleWindow is how long after midnight a day may still receive
// late appends or a summary from ingests that started before midnight.
const sessionSettleWindow = time.Hour

// SessionCache serves finished sessions from memory. Ingest only writes
// today's session, so a day that has settled never changes again until
// retention deletes it.
type SessionCache struct {
	store    SessionStore
	sessions *cache.Cache
	now      func() time.Time
}

// NewSessionCache wraps store with a read cache whose entries live for ttl
func NewSessionCache(store SessionStore, ttl time.Duration) *SessionCache {
	return &SessionCache{
		store:    store,
		sessions: cache.New(ttl, 2*ttl),
		now:      time.Now,
	}
}

// SetClock overrides the clock (tests)
func (c *SessionCache) SetClock(now func() time.Time) {
	c.now = now
}

// GetSession returns the session, from memory when its day has settled
func (c *SessionCache) GetSession(ctx context.Context, machineID, day string) (*models.Session, error) {
	key := models.SessionPath(machineID, day)
	if cached, found := c.sessions.Get(key); found {
		return cached.(*models.Session), nil
	}

	session, err := c.store.GetSession(ctx, machineID, day)
	if err != nil {
		return nil, err
	}

	if c.settled(day) {
		c.sessions.Set(key, session, cache.DefaultExpiration)
	}
	return session, nil
}

// DeleteSessionsBefore deletes from the store and evicts every cached session
// older than day
func (c *SessionCache) DeleteSessionsBefore(ctx context.Context, day string) (int, error) {
	deleted, err := c.store.DeleteSessionsBefore(ctx, day)

	// evict even on a partial failure; the next read goes back to the store
	for key := range c.sessions.Items() {
		if cachedDay := key[strings.LastIndex(key, "/")+1:]; cachedDay < day {
			c.sessions.Delete(key)
		}
	}

	return deleted, err
}

// ItemCount returns the number of cached sessions
func (c *SessionCache) ItemCount() int {
	return c.sessions.ItemCount()
}

func (c *SessionCache) settled(day string) bool {
	start, err := time.Parse(models.SessionDayLayout, day)
	if err != nil {
		return false
	}
	end := start.Add(24 * time.Hour)
	return c.now().UTC().Sub(end) >= sessionSettleWindow
}
