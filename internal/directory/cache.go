package directory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// Cached memoizes lookups of the wrapped directory. Directory data changes
// rarely and every booking reads the doctor twice (availability + fee), so
// a short TTL takes most of the load off Postgres. Misses are not cached.
type Cached struct {
	next  Directory
	cache *cache.Cache
	group singleflight.Group
}

func NewCached(next Directory, ttl time.Duration) *Cached {
	return &Cached{
		next:  next,
		cache: cache.New(ttl, 2*ttl),
	}
}

func (c *Cached) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	v, err := c.load(ctx, "patient:"+id.String(), func(ctx context.Context) (any, error) {
		return c.next.GetPatient(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	p := *v.(*Patient)
	return &p, nil
}

func (c *Cached) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	v, err := c.load(ctx, "doctor:"+id.String(), func(ctx context.Context) (any, error) {
		return c.next.GetDoctor(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	d := *v.(*Doctor)
	d.Windows = append([]Window(nil), d.Windows...)
	return &d, nil
}

func (c *Cached) GetBranch(ctx context.Context, id uuid.UUID) (*Branch, error) {
	v, err := c.load(ctx, "branch:"+id.String(), func(ctx context.Context) (any, error) {
		return c.next.GetBranch(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	b := *v.(*Branch)
	return &b, nil
}

func (c *Cached) load(ctx context.Context, key string, fetch func(context.Context) (any, error)) (any, error) {
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.cache.SetDefault(key, v)
		return v, nil
	})
	return v, err
}
