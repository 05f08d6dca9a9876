package reference

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// Cached memoizes a Lookup in an expiring LRU. Concurrent misses for the same
// id share one upstream call. Errors are not cached.
type Cached struct {
	next    Lookup
	texts   *expirable.LRU[string, *Text]
	dialogs *expirable.LRU[string, *Dialog]
	group   singleflight.Group
}

// NewCached wraps next with a cache of up to size entries per kind, each
// living for ttl.
func NewCached(next Lookup, size int, ttl time.Duration) *Cached {
	if size <= 0 {
		size = 256
	}
	return &Cached{
		next:    next,
		texts:   expirable.NewLRU[string, *Text](size, nil, ttl),
		dialogs: expirable.NewLRU[string, *Dialog](size, nil, ttl),
	}
}

func (c *Cached) GetText(ctx context.Context, id string) (*Text, error) {
	if t, ok := c.texts.Get(id); ok {
		return t.clone(), nil
	}
	v, err, _ := c.group.Do("text:"+id, func() (any, error) {
		t, err := c.next.GetText(ctx, id)
		if err != nil {
			return nil, err
		}
		c.texts.Add(id, t.clone())
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Text).clone(), nil
}

func (c *Cached) GetDialog(ctx context.Context, id string) (*Dialog, error) {
	if d, ok := c.dialogs.Get(id); ok {
		return d.clone(), nil
	}
	v, err, _ := c.group.Do("dialog:"+id, func() (any, error) {
		d, err := c.next.GetDialog(ctx, id)
		if err != nil {
			return nil, err
		}
		c.dialogs.Add(id, d.clone())
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Dialog).clone(), nil
}

// Purge drops every cached entry.
func (c *Cached) Purge() {
	c.texts.Purge()
	c.dialogs.Purge()
}
