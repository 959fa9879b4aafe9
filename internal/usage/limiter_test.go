package usage_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"stacktide.app/collector/internal/model"
	"stacktide.app/collector/internal/usage"
)

var _ = Describe("Limiter", func() {
	var (
		c        *memCache
		orgs     *mockOrgStore
		projects *mockProjectStore
		now      time.Time
		limiter  *usage.Limiter
	)

	const (
		saveInterval = 5 * time.Minute
		retryDelay   = 30 * time.Second
	)

	BeforeEach(func() {
		c = newMemCache()
		orgs = &mockOrgStore{}
		projects = &mockProjectStore{}
		now = time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
		limiter = usage.NewLimiterAt(c, orgs, projects, saveInterval, retryDelay, func() time.Time { return now })
	})

	newOrg := func(monthlyLimit int64) *model.Organization {
		return &model.Organization{ID: 1, MaxEventsPerMonth: monthlyLimit}
	}
	newProject := func(org *model.Organization) *model.Project {
		return &model.Project{ID: 2, OrganizationID: org.ID}
	}

	It("counts events without blocking while under the limit", func() {
		org := newOrg(10000)
		project := newProject(org)

		overLimit, err := limiter.IncrementUsage(context.Background(), org, project, false, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(overLimit).To(BeFalse())

		Expect(org.Usage.HourlyTotal).To(Equal(int64(10)))
		Expect(org.Usage.MonthlyTotal).To(Equal(int64(10)))
		Expect(org.Usage.MonthlyBlocked).To(BeZero())
		Expect(project.Usage.MonthlyTotal).To(Equal(int64(10)))
	})

	It("blocks only the overflow when the monthly limit is crossed", func() {
		org := newOrg(1000)
		savedAt := now
		org.Usage = model.UsageInfo{MonthlyTotal: 995, LastSavedAt: &savedAt}
		project := newProject(org)

		overLimit, err := limiter.IncrementUsage(context.Background(), org, project, false, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(overLimit).To(BeTrue())

		Expect(org.Usage.MonthlyTotal).To(Equal(int64(1005)))
		Expect(org.Usage.MonthlyBlocked).To(Equal(int64(5)))

		// Crossing a limit forces an immediate snapshot flush.
		Expect(orgs.saved).To(HaveLen(1))
		Expect(orgs.saved[0].MonthlyBlocked).To(Equal(int64(5)))
		Expect(projects.saved).To(HaveLen(1))
	})

	It("enforces the derived hourly burst limit before the monthly one", func() {
		org := newOrg(100000) // hourly limit: 100000/730 = 136
		savedAt := now
		org.Usage = model.UsageInfo{HourlyTotal: 130, MonthlyTotal: 130, LastSavedAt: &savedAt}
		project := newProject(org)

		overLimit, err := limiter.IncrementUsage(context.Background(), org, project, false, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(overLimit).To(BeTrue())

		Expect(org.Usage.HourlyTotal).To(Equal(int64(140)))
		Expect(org.Usage.HourlyBlocked).To(Equal(int64(4)))
	})

	It("blocks everything for a suspended organization", func() {
		org := newOrg(10000)
		org.IsSuspended = true
		project := newProject(org)

		overLimit, err := limiter.IncrementUsage(context.Background(), org, project, false, 7)
		Expect(err).NotTo(HaveOccurred())
		Expect(overLimit).To(BeTrue())
		Expect(org.Usage.HourlyBlocked).To(Equal(int64(7)))
		Expect(org.Usage.MonthlyBlocked).To(Equal(int64(7)))
	})

	It("never blocks an unlimited plan", func() {
		org := newOrg(0)
		project := newProject(org)

		overLimit, err := limiter.IncrementUsage(context.Background(), org, project, false, 1_000_000)
		Expect(err).NotTo(HaveOccurred())
		Expect(overLimit).To(BeFalse())
		Expect(org.Usage.MonthlyBlocked).To(BeZero())
	})

	It("tracks too-big submissions separately", func() {
		org := newOrg(10000)
		project := newProject(org)

		_, err := limiter.IncrementUsage(context.Background(), org, project, true, 2)
		Expect(err).NotTo(HaveOccurred())

		Expect(org.Usage.HourlyTooBig).To(Equal(int64(2)))
		Expect(org.Usage.MonthlyTooBig).To(Equal(int64(2)))
		Expect(org.Usage.MonthlyTotal).To(Equal(int64(2)))
	})

	It("ignores stale snapshots from a previous window", func() {
		org := newOrg(10000)
		savedAt := now.Add(-2 * time.Hour)
		org.Usage = model.UsageInfo{HourlyTotal: 999, MonthlyTotal: 50, LastSavedAt: &savedAt}
		project := newProject(org)

		_, err := limiter.IncrementUsage(context.Background(), org, project, false, 10)
		Expect(err).NotTo(HaveOccurred())

		// The hourly counter restarts; the monthly one carries over within
		// the same calendar month.
		Expect(org.Usage.HourlyTotal).To(Equal(int64(10)))
		Expect(org.Usage.MonthlyTotal).To(Equal(int64(60)))
	})

	Describe("lazy persistence", func() {
		It("flushes once, then waits out the save interval", func() {
			org := newOrg(10000)
			project := newProject(org)

			// First call has no recorded flush, so it persists.
			_, err := limiter.IncrementUsage(context.Background(), org, project, false, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(orgs.saved).To(HaveLen(1))

			// Within the interval nothing is persisted.
			now = now.Add(time.Minute)
			_, err = limiter.IncrementUsage(context.Background(), org, project, false, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(orgs.saved).To(HaveLen(1))

			// Past the interval the snapshot flushes again.
			now = now.Add(saveInterval)
			_, err = limiter.IncrementUsage(context.Background(), org, project, false, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(orgs.saved).To(HaveLen(2))
			Expect(orgs.saved[1].HourlyTotal).To(Equal(int64(3)))
		})

		It("retries after the retry delay when a flush fails", func() {
			org := newOrg(10000)
			project := newProject(org)

			failures := 0
			orgs.saveUsageFn = func(_ context.Context, _ int64, u model.UsageInfo) error {
				failures++
				if failures == 1 {
					return errors.New("db down")
				}
				orgs.saved = append(orgs.saved, u)
				return nil
			}

			_, err := limiter.IncrementUsage(context.Background(), org, project, false, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(orgs.saved).To(BeEmpty())

			// Before the retry delay elapses the failed flush isn't retried.
			now = now.Add(retryDelay / 2)
			_, err = limiter.IncrementUsage(context.Background(), org, project, false, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(failures).To(Equal(1))

			// After the delay it is.
			now = now.Add(retryDelay)
			_, err = limiter.IncrementUsage(context.Background(), org, project, false, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(orgs.saved).To(HaveLen(1))
		})
	})
})
