package pipeline

import (
	"context"
	"errors"
	"fmt"

	"stacktide.app/collector/common/id"
	"stacktide.app/collector/internal/model"
	"stacktide.app/collector/internal/store"
)

// ErrInvalidStackID marks a context whose explicit stack id doesn't resolve
// or resolves to a different project's stack.
var ErrInvalidStackID = errors.New("invalid StackId")

// TitleFormatter derives a stack title from its first event. Supplied by the
// wiring code so deployments can customize presentation.
type TitleFormatter func(*model.Event) string

// DefaultTitleFormatter prefers the event message and falls back to the
// type/source pair.
func DefaultTitleFormatter(e *model.Event) string {
	if e.Message != "" {
		return e.Message
	}
	if e.Source != "" {
		return fmt.Sprintf("%s: %s", e.Type, e.Source)
	}
	return e.Type
}

// StackStage resolves each event's stack, existing or new, with intra-batch
// dedup by signature hash: duplicate signatures within one batch collapse
// onto one in-memory stack before any store round-trip. Newly created stacks
// are persisted in one batched add, mutated existing stacks in one batched
// save, and only then are stack ids assigned back onto the events.
type StackStage struct {
	stacks      store.StackStore
	formatTitle TitleFormatter
	maxTitleLen int
}

func NewStackStage(stacks store.StackStore, formatTitle TitleFormatter, maxTitleLen int) *StackStage {
	if formatTitle == nil {
		formatTitle = DefaultTitleFormatter
	}
	if maxTitleLen <= 0 {
		maxTitleLen = 1000
	}
	return &StackStage{
		stacks:      stacks,
		formatTitle: formatTitle,
		maxTitleLen: maxTitleLen,
	}
}

func (s *StackStage) Name() string   { return "stack" }
func (s *StackStage) Priority() int  { return 30 }
func (s *StackStage) Critical() bool { return true }

func (s *StackStage) Process(ctx context.Context, ec *Context) error {
	return s.ProcessBatch(ctx, []*Context{ec})
}

func (s *StackStage) ProcessBatch(ctx context.Context, ecs []*Context) error {
	byHash := make(map[string]*model.Stack)
	return s.AssignBatch(ctx, ecs, byHash)
}

// AssignBatch resolves stacks for the given contexts sharing the in-batch
// byHash map. Single-writer-per-batch discipline: the map is owned by the
// calling batch run and must not be shared across goroutines. Exported so
// the session reconstructor can push synthesized session-start events
// through stacking without re-entering Pipeline.Run.
func (s *StackStage) AssignBatch(ctx context.Context, ecs []*Context, byHash map[string]*model.Stack) error {
	var newStacks []*model.Stack
	dirty := make(map[int64]*model.Stack)

	for _, ec := range ecs {
		e := ec.Event

		if e.StackID != nil {
			stack, err := s.stacks.GetByID(ctx, *e.StackID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					ec.SetError(fmt.Errorf("%w: %d", ErrInvalidStackID, *e.StackID))
					continue
				}
				return fmt.Errorf("fetching stack %d: %w", *e.StackID, err)
			}
			if stack.ProjectID != e.ProjectID {
				ec.SetError(fmt.Errorf("%w: %d belongs to another project", ErrInvalidStackID, *e.StackID))
				continue
			}
			s.attach(ec, stack, dirty, false)
			continue
		}

		if ec.SignatureData.IsEmpty() {
			ec.SignatureData.Add("Type", e.Type)
			if e.Source != "" {
				ec.SignatureData.Add("Source", e.Source)
			}
		}
		hash := ec.SignatureData.Hash()

		stack, ok := byHash[hash]
		if !ok {
			var err error
			stack, err = s.stacks.GetBySignatureHash(ctx, e.ProjectID, hash)
			if err != nil {
				if !errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("fetching stack by hash: %w", err)
				}
				stack = s.newStack(ec, hash)
				newStacks = append(newStacks, stack)
				ec.IsNew = true
			}
			byHash[hash] = stack
		}
		s.attach(ec, stack, dirty, stackIsUnsaved(stack, newStacks))
	}

	if len(newStacks) > 0 {
		if err := s.addNewStacks(ctx, ecs, byHash, newStacks, dirty); err != nil {
			return err
		}
	}

	if len(dirty) > 0 {
		changed := make([]*model.Stack, 0, len(dirty))
		for _, stack := range dirty {
			changed = append(changed, stack)
		}
		if err := s.stacks.SaveBatch(ctx, changed); err != nil {
			return fmt.Errorf("saving stacks: %w", err)
		}
	}

	// Stacks are durable now; safe to point events at them.
	for _, ec := range ecs {
		if ec.Stack != nil && ec.IsLive() {
			stackID := ec.Stack.ID
			ec.Event.StackID = &stackID
		}
	}

	return nil
}

// addNewStacks persists the batch's new stacks. A duplicate-create race with
// a concurrent batch surfaces as ErrConflict: someone else won, so we
// re-fetch the winner and fold our in-memory counts into it.
func (s *StackStage) addNewStacks(ctx context.Context, ecs []*Context, byHash map[string]*model.Stack, newStacks []*model.Stack, dirty map[int64]*model.Stack) error {
	err := s.stacks.AddBatch(ctx, newStacks)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("adding stacks: %w", err)
	}

	// At least one insert lost the race. Retry each stack individually so
	// the losers can adopt their winners.
	for _, stack := range newStacks {
		addErr := s.stacks.Add(ctx, stack)
		if addErr == nil {
			continue
		}
		if !errors.Is(addErr, store.ErrConflict) {
			return fmt.Errorf("adding stack: %w", addErr)
		}

		winner, fetchErr := s.stacks.GetBySignatureHash(ctx, stack.ProjectID, stack.SignatureHash)
		if fetchErr != nil {
			return fmt.Errorf("fetching winning stack: %w", fetchErr)
		}
		if winner.ID == stack.ID {
			// Our own insert from the earlier batched attempt.
			continue
		}
		s.adoptWinner(ecs, byHash, stack, winner, dirty)
	}
	return nil
}

func (s *StackStage) adoptWinner(ecs []*Context, byHash map[string]*model.Stack, loser, winner *model.Stack, dirty map[int64]*model.Stack) {
	winner.TotalOccurrences += loser.TotalOccurrences
	if loser.FirstOccurrence.Before(winner.FirstOccurrence) {
		winner.FirstOccurrence = loser.FirstOccurrence
	}
	if loser.LastOccurrence.After(winner.LastOccurrence) {
		winner.LastOccurrence = loser.LastOccurrence
	}
	winner.AddTags(loser.Tags)
	dirty[winner.ID] = winner
	byHash[loser.SignatureHash] = winner

	for _, ec := range ecs {
		if ec.Stack == loser {
			ec.Stack = winner
			ec.IsNew = false
			ec.Event.IsFixed = winner.IsFixed()
			ec.Event.IsHidden = ec.Event.IsHidden || winner.IsHidden
		}
	}
}

func (s *StackStage) attach(ec *Context, stack *model.Stack, dirty map[int64]*model.Stack, unsaved bool) {
	e := ec.Event

	stack.TotalOccurrences++
	if e.Date.Before(stack.FirstOccurrence) {
		stack.FirstOccurrence = e.Date
	}
	if e.Date.After(stack.LastOccurrence) {
		stack.LastOccurrence = e.Date
	}
	stack.AddTags(e.Tags)

	if !unsaved {
		dirty[stack.ID] = stack
	}

	ec.Stack = stack
	e.IsFixed = stack.IsFixed()
	e.IsHidden = e.IsHidden || stack.IsHidden
}

func (s *StackStage) newStack(ec *Context, hash string) *model.Stack {
	e := ec.Event
	return &model.Stack{
		ID:              id.New(),
		OrganizationID:  e.OrganizationID,
		ProjectID:       e.ProjectID,
		SignatureHash:   hash,
		SignatureInfo:   ec.SignatureData,
		Title:           truncate(s.formatTitle(e), s.maxTitleLen),
		Type:            e.Type,
		Tags:            append([]string(nil), e.Tags...),
		FirstOccurrence: e.Date,
		LastOccurrence:  e.Date,
	}
}

func stackIsUnsaved(stack *model.Stack, newStacks []*model.Stack) bool {
	for _, s := range newStacks {
		if s == stack {
			return true
		}
	}
	return false
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen])
}
