package pipeline_test

import (
	"context"
	"strconv"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"stacktide.app/collector/internal/model"
	"stacktide.app/collector/internal/pipeline"
)

var _ = Describe("SessionStage", func() {
	var (
		org     *model.Organization
		project *model.Project
		c       *memCache
		events  *memEventStore
		usage   *mockUsage
		stage   *pipeline.SessionStage
		base    time.Time
	)

	const timeout = 15 * time.Minute

	BeforeEach(func() {
		org = testOrg()
		project = testProject(org)
		c = newMemCache()
		events = newMemEventStore()
		usage = &mockUsage{}
		assigner := pipeline.NewStackStage(newMemStackStore(), nil, 100)
		stage = pipeline.NewSessionStage(c, events, assigner, usage, timeout)
		base = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	})

	sessionEvent := func(eventType, sessionID, identity string, offset time.Duration) *pipeline.Context {
		e := testEvent(eventType, base.Add(offset))
		e.SessionID = sessionID
		e.Identity = identity
		return pipeline.NewContext(e, org, project)
	}

	startKey := func(sessionID string) string {
		return "session:start:" + strconv.FormatInt(project.ID, 10) + ":" + sessionID
	}
	identityKey := func(identity string) string {
		return "session:identity:" + strconv.FormatInt(project.ID, 10) + ":" + identity
	}

	Describe("explicit sessions", func() {
		It("keeps first markers, cancels duplicates, and discards heartbeats", func() {
			start := sessionEvent(model.TypeSessionStart, "s1", "", 1*time.Minute)
			heartbeat := sessionEvent(model.TypeSessionHeartbeat, "s1", "", 2*time.Minute)
			failure := sessionEvent(model.TypeError, "s1", "", 3*time.Minute)
			dupStart := sessionEvent(model.TypeSessionStart, "s1", "", 4*time.Minute)
			end := sessionEvent(model.TypeSessionEnd, "s1", "", 5*time.Minute)
			dupEnd := sessionEvent(model.TypeSessionEnd, "s1", "", 6*time.Minute)

			batch := []*pipeline.Context{failure, dupEnd, start, end, heartbeat, dupStart}
			Expect(stage.ProcessBatch(context.Background(), batch)).To(Succeed())

			Expect(start.IsCancelled()).To(BeFalse())
			Expect(dupStart.IsCancelled()).To(BeTrue())
			Expect(dupEnd.IsCancelled()).To(BeTrue())
			Expect(heartbeat.IsDiscarded()).To(BeTrue())
			Expect(end.IsCancelled()).To(BeFalse())

			// Kept markers are synced to the group's time bounds, heartbeats
			// included.
			Expect(start.Event.Date).To(Equal(base.Add(1 * time.Minute)))
			Expect(end.Event.Date).To(Equal(base.Add(6 * time.Minute)))

			// The promoted start carries the session summary.
			Expect(start.Event.ID).NotTo(BeZero())
			Expect(start.Event.SessionIsClosed).To(BeTrue())
			Expect(start.Event.HasError).To(BeTrue())
			Expect(*start.Event.SessionLastActivity).To(Equal(base.Add(6 * time.Minute)))

			// A closed session leaves no continuity entry behind.
			_, found, err := c.Get(context.Background(), startKey("s1"))
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeFalse())
		})

		It("records the promoted start for open sessions", func() {
			start := sessionEvent(model.TypeSessionStart, "s2", "", 0)
			failure := sessionEvent(model.TypeError, "s2", "", time.Minute)

			Expect(stage.ProcessBatch(context.Background(), []*pipeline.Context{start, failure})).To(Succeed())

			value, found, err := c.Get(context.Background(), startKey("s2"))
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(value).To(Equal(strconv.FormatInt(start.Event.ID, 10)))
		})

		It("updates the persisted start on later batches of the same session", func() {
			Expect(c.Set(context.Background(), startKey("s3"), "555", timeout)).To(Succeed())

			lateStart := sessionEvent(model.TypeSessionStart, "s3", "", 0)
			failure := sessionEvent(model.TypeError, "s3", "", 2*time.Minute)
			end := sessionEvent(model.TypeSessionEnd, "s3", "", 3*time.Minute)

			Expect(stage.ProcessBatch(context.Background(), []*pipeline.Context{lateStart, failure, end})).To(Succeed())

			Expect(lateStart.IsCancelled()).To(BeTrue())
			Expect(events.startUpdates).To(HaveLen(1))
			update := events.startUpdates[0]
			Expect(update.eventID).To(Equal(int64(555)))
			Expect(update.lastActivity).To(Equal(base.Add(3 * time.Minute)))
			Expect(update.isClosed).To(BeTrue())
			Expect(update.hasError).To(BeTrue())
		})

		It("synthesizes a start when a session has none", func() {
			failure := sessionEvent(model.TypeError, "s4", "", 0)
			log := sessionEvent(model.TypeLog, "s4", "", 2*time.Minute)

			Expect(stage.ProcessBatch(context.Background(), []*pipeline.Context{failure, log})).To(Succeed())

			Expect(events.added).To(HaveLen(1))
			synth := events.added[0]
			Expect(synth.Type).To(Equal(model.TypeSessionStart))
			Expect(synth.SessionID).To(Equal("s4"))
			Expect(synth.Date).To(Equal(base))
			Expect(*synth.SessionLastActivity).To(Equal(base.Add(2 * time.Minute)))
			Expect(synth.SessionIsClosed).To(BeFalse())
			Expect(synth.HasError).To(BeTrue())
			Expect(synth.StackID).NotTo(BeNil())
			Expect(synth.IsFirstOccurrence).To(BeTrue())

			// The synthesized event is charged against usage.
			Expect(usage.counts).To(Equal([]int{1}))

			value, found, _ := c.Get(context.Background(), startKey("s4"))
			Expect(found).To(BeTrue())
			Expect(value).To(Equal(strconv.FormatInt(synth.ID, 10)))
		})

		It("cancels a lone end marker with no session history", func() {
			end := sessionEvent(model.TypeSessionEnd, "s5", "", 0)

			Expect(stage.ProcessBatch(context.Background(), []*pipeline.Context{end})).To(Succeed())

			Expect(end.IsCancelled()).To(BeTrue())
			Expect(end.CancelReason).To(Equal("orphaned session end"))
			Expect(events.added).To(BeEmpty())
		})

		It("treats cache unavailability as a new session", func() {
			c.failing = true
			start := sessionEvent(model.TypeSessionStart, "s6", "", 0)

			Expect(stage.ProcessBatch(context.Background(), []*pipeline.Context{start})).To(Succeed())
			Expect(start.IsCancelled()).To(BeFalse())
			Expect(start.Event.ID).NotTo(BeZero())
		})
	})

	Describe("implicit identity sessions", func() {
		It("assigns one new session to an identity's events", func() {
			a := sessionEvent(model.TypeError, "", "u1", 0)
			b := sessionEvent(model.TypeLog, "", "u1", time.Minute)

			Expect(stage.ProcessBatch(context.Background(), []*pipeline.Context{a, b})).To(Succeed())

			Expect(a.Event.SessionID).NotTo(BeEmpty())
			Expect(a.Event.SessionID).To(Equal(b.Event.SessionID))

			// Synthesized start plus cached identity mapping.
			Expect(events.added).To(HaveLen(1))
			value, found, _ := c.Get(context.Background(), identityKey("u1"))
			Expect(found).To(BeTrue())
			Expect(value).To(Equal(a.Event.SessionID))
		})

		It("resumes the cached open session for an identity", func() {
			Expect(c.Set(context.Background(), identityKey("u2"), "prior-session", timeout)).To(Succeed())
			Expect(c.Set(context.Background(), startKey("prior-session"), "777", timeout)).To(Succeed())

			ec := sessionEvent(model.TypeError, "", "u2", 0)
			Expect(stage.ProcessBatch(context.Background(), []*pipeline.Context{ec})).To(Succeed())

			Expect(ec.Event.SessionID).To(Equal("prior-session"))
			Expect(events.added).To(BeEmpty())
			Expect(events.startUpdates).To(HaveLen(1))
			Expect(events.startUpdates[0].eventID).To(Equal(int64(777)))
		})

		It("splits a new sub-session after each end marker", func() {
			a := sessionEvent(model.TypeError, "", "u3", 0)
			end := sessionEvent(model.TypeSessionEnd, "", "u3", time.Minute)
			b := sessionEvent(model.TypeError, "", "u3", 2*time.Minute)

			Expect(stage.ProcessBatch(context.Background(), []*pipeline.Context{a, end, b})).To(Succeed())

			Expect(a.Event.SessionID).To(Equal(end.Event.SessionID))
			Expect(b.Event.SessionID).NotTo(Equal(a.Event.SessionID))

			// The open second sub-session owns the identity mapping now.
			value, found, _ := c.Get(context.Background(), identityKey("u3"))
			Expect(found).To(BeTrue())
			Expect(value).To(Equal(b.Event.SessionID))

			// One synthesized start per sub-session: the first closed, the
			// second open.
			Expect(events.added).To(HaveLen(2))
			Expect(events.added[0].SessionIsClosed).To(BeTrue())
			Expect(events.added[1].SessionIsClosed).To(BeFalse())
		})

		It("promotes an in-batch start marker for a new identity session", func() {
			start := sessionEvent(model.TypeSessionStart, "", "u4", 0)
			failure := sessionEvent(model.TypeError, "", "u4", time.Minute)

			Expect(stage.ProcessBatch(context.Background(), []*pipeline.Context{start, failure})).To(Succeed())

			Expect(start.IsCancelled()).To(BeFalse())
			Expect(start.Event.ID).NotTo(BeZero())
			Expect(start.Event.SessionID).To(Equal(failure.Event.SessionID))
			Expect(events.added).To(BeEmpty())

			value, found, _ := c.Get(context.Background(), startKey(start.Event.SessionID))
			Expect(found).To(BeTrue())
			Expect(value).To(Equal(strconv.FormatInt(start.Event.ID, 10)))
		})

		It("removes the identity mapping when the session closes", func() {
			Expect(c.Set(context.Background(), identityKey("u5"), "closing-session", timeout)).To(Succeed())

			end := sessionEvent(model.TypeSessionEnd, "", "u5", 0)
			failure := sessionEvent(model.TypeError, "", "u5", -time.Minute)

			Expect(stage.ProcessBatch(context.Background(), []*pipeline.Context{end, failure})).To(Succeed())

			Expect(end.Event.SessionID).To(Equal("closing-session"))
			_, found, _ := c.Get(context.Background(), identityKey("u5"))
			Expect(found).To(BeFalse())
		})
	})

	It("leaves events without session id or identity alone", func() {
		ec := sessionEvent(model.TypeError, "", "", 0)
		Expect(stage.ProcessBatch(context.Background(), []*pipeline.Context{ec})).To(Succeed())
		Expect(ec.Event.SessionID).To(BeEmpty())
		Expect(events.added).To(BeEmpty())
	})

	Describe("duration markers", func() {
		startedKey := func(sessionID string) string {
			return "session:started:" + strconv.FormatInt(project.ID, 10) + ":" + sessionID
		}
		activityKey := func(sessionID string) string {
			return "session:activity:" + strconv.FormatInt(project.ID, 10) + ":" + sessionID
		}
		markerAt := func(key string) int64 {
			value, found, err := c.Get(context.Background(), key)
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			parsed, err := strconv.ParseInt(value, 10, 64)
			Expect(err).NotTo(HaveOccurred())
			return parsed
		}

		It("keeps first-seen and last-activity monotonic across out-of-order batches", func() {
			a := sessionEvent(model.TypeError, "s9", "", 5*time.Minute)
			b := sessionEvent(model.TypeError, "s9", "", 10*time.Minute)
			Expect(stage.ProcessBatch(context.Background(), []*pipeline.Context{a, b})).To(Succeed())

			Expect(markerAt(startedKey("s9"))).To(Equal(base.Add(5 * time.Minute).Unix()))
			Expect(markerAt(activityKey("s9"))).To(Equal(base.Add(10 * time.Minute).Unix()))

			// A delayed batch carrying an older event widens the start, never
			// the end.
			late := sessionEvent(model.TypeError, "s9", "", 2*time.Minute)
			Expect(stage.ProcessBatch(context.Background(), []*pipeline.Context{late})).To(Succeed())

			Expect(markerAt(startedKey("s9"))).To(Equal(base.Add(2 * time.Minute).Unix()))
			Expect(markerAt(activityKey("s9"))).To(Equal(base.Add(10 * time.Minute).Unix()))

			// And an in-between batch moves neither.
			mid := sessionEvent(model.TypeError, "s9", "", 7*time.Minute)
			Expect(stage.ProcessBatch(context.Background(), []*pipeline.Context{mid})).To(Succeed())

			Expect(markerAt(startedKey("s9"))).To(Equal(base.Add(2 * time.Minute).Unix()))
			Expect(markerAt(activityKey("s9"))).To(Equal(base.Add(10 * time.Minute).Unix()))
		})
	})
})
