package handler_test

import (
	"context"

	"stacktide.app/collector/internal/model"
	"stacktide.app/collector/internal/queue"
	"stacktide.app/collector/internal/store"
)

type mockOrgStore struct {
	getByIDFn func(ctx context.Context, id int64) (*model.Organization, error)
}

func (m *mockOrgStore) GetByID(ctx context.Context, id int64) (*model.Organization, error) {
	if m.getByIDFn != nil {
		return m.getByIDFn(ctx, id)
	}
	return nil, store.ErrNotFound
}

func (m *mockOrgStore) SaveUsage(_ context.Context, _ int64, _ model.UsageInfo) error {
	return nil
}

type mockProjectStore struct {
	getByIDFn func(ctx context.Context, id int64) (*model.Project, error)
}

func (m *mockProjectStore) GetByID(ctx context.Context, id int64) (*model.Project, error) {
	if m.getByIDFn != nil {
		return m.getByIDFn(ctx, id)
	}
	return nil, store.ErrNotFound
}

func (m *mockProjectStore) SaveUsage(_ context.Context, _ int64, _ model.UsageInfo) error {
	return nil
}

type mockLimiter struct {
	incrementFn func(ctx context.Context, org *model.Organization, project *model.Project, tooBig bool, count int) (bool, error)
	calls       []limiterCall
}

type limiterCall struct {
	tooBig bool
	count  int
}

func (m *mockLimiter) IncrementUsage(ctx context.Context, org *model.Organization, project *model.Project, tooBig bool, count int) (bool, error) {
	m.calls = append(m.calls, limiterCall{tooBig: tooBig, count: count})
	if m.incrementFn != nil {
		return m.incrementFn(ctx, org, project, tooBig, count)
	}
	return false, nil
}

type mockProducer struct {
	tasks     []queue.Task
	enqueueFn func(ctx context.Context, task queue.Task) error
}

func (p *mockProducer) Enqueue(ctx context.Context, task queue.Task) error {
	if p.enqueueFn != nil {
		return p.enqueueFn(ctx, task)
	}
	p.tasks = append(p.tasks, task)
	return nil
}

func (p *mockProducer) Close() error { return nil }
