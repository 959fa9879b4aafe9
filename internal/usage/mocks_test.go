package usage_test

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"stacktide.app/collector/internal/model"
	"stacktide.app/collector/internal/store"
)

// memCache is an in-process stand-in for the redis cache.
type memCache struct {
	values map[string]string
}

func newMemCache() *memCache {
	return &memCache{values: make(map[string]string)}
}

func (c *memCache) Get(_ context.Context, key string) (string, bool, error) {
	value, ok := c.values[key]
	return value, ok, nil
}

func (c *memCache) Set(_ context.Context, key, value string, _ time.Duration) error {
	c.values[key] = value
	return nil
}

func (c *memCache) Remove(_ context.Context, key string) error {
	delete(c.values, key)
	return nil
}

func (c *memCache) Increment(_ context.Context, key string, amount int64, _ time.Duration, seed int64) (int64, error) {
	current, ok := c.values[key]
	if !ok {
		next := seed + amount
		c.values[key] = strconv.FormatInt(next, 10)
		return next, nil
	}
	parsed, err := strconv.ParseInt(current, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("not a counter: %q", current)
	}
	next := parsed + amount
	c.values[key] = strconv.FormatInt(next, 10)
	return next, nil
}

func (c *memCache) SetIfHigher(_ context.Context, key string, value int64, _ time.Duration) error {
	current, err := strconv.ParseInt(c.values[key], 10, 64)
	if err != nil || value > current {
		c.values[key] = strconv.FormatInt(value, 10)
	}
	return nil
}

func (c *memCache) SetIfLower(_ context.Context, key string, value int64, _ time.Duration) error {
	current, err := strconv.ParseInt(c.values[key], 10, 64)
	if err != nil || value < current {
		c.values[key] = strconv.FormatInt(value, 10)
	}
	return nil
}

type mockOrgStore struct {
	saved       []model.UsageInfo
	saveUsageFn func(ctx context.Context, id int64, usage model.UsageInfo) error
}

func (m *mockOrgStore) GetByID(_ context.Context, _ int64) (*model.Organization, error) {
	return nil, store.ErrNotFound
}

func (m *mockOrgStore) SaveUsage(ctx context.Context, id int64, usage model.UsageInfo) error {
	if m.saveUsageFn != nil {
		return m.saveUsageFn(ctx, id, usage)
	}
	m.saved = append(m.saved, usage)
	return nil
}

type mockProjectStore struct {
	saved []model.UsageInfo
}

func (m *mockProjectStore) GetByID(_ context.Context, _ int64) (*model.Project, error) {
	return nil, store.ErrNotFound
}

func (m *mockProjectStore) SaveUsage(_ context.Context, _ int64, usage model.UsageInfo) error {
	m.saved = append(m.saved, usage)
	return nil
}
