package store

import "github.com/jackc/pgx/v5/pgxpool"

// Stores bundles all entity stores behind one constructor so wiring code
// doesn't need to know about individual implementations.
type Stores struct {
	stacks        StackStore
	events        EventStore
	organizations OrganizationStore
	projects      ProjectStore
}

func NewStores(pool *pgxpool.Pool) *Stores {
	return &Stores{
		stacks:        NewStackStore(pool),
		events:        NewEventStore(pool),
		organizations: NewOrganizationStore(pool),
		projects:      NewProjectStore(pool),
	}
}

func (s *Stores) Stacks() StackStore               { return s.stacks }
func (s *Stores) Events() EventStore               { return s.events }
func (s *Stores) Organizations() OrganizationStore { return s.organizations }
func (s *Stores) Projects() ProjectStore           { return s.projects }
