package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/typesense/typesense-go/v4/typesense"
	"github.com/typesense/typesense-go/v4/typesense/api"
	"github.com/typesense/typesense-go/v4/typesense/api/pointer"

	"stacktide.app/collector/core/config"
	"stacktide.app/collector/internal/model"
)

// Indexer pushes stack summaries into the full-text search index after each
// processed batch. Indexing is an enrichment: failures are reported to the
// caller for logging but never block event processing.
type Indexer interface {
	EnsureCollection(ctx context.Context) error
	IndexStacks(ctx context.Context, stacks []*model.Stack) error
}

// StackDocument is the search projection of a stack. Typesense requires
// string document ids, so the snowflake id is carried in decimal form.
type StackDocument struct {
	ID               string   `json:"id"`
	OrganizationID   int64    `json:"organization_id"`
	ProjectID        int64    `json:"project_id"`
	Title            string   `json:"title"`
	Type             string   `json:"type"`
	Tags             []string `json:"tags"`
	FirstOccurrence  int64    `json:"first_occurrence"`
	LastOccurrence   int64    `json:"last_occurrence"`
	TotalOccurrences int64    `json:"total_occurrences"`
	IsRegressed      bool     `json:"is_regressed"`
	IsHidden         bool     `json:"is_hidden"`
}

type typesenseIndexer struct {
	client     *typesense.Client
	collection string
}

func NewTypesenseIndexer(cfg config.TypesenseConfig) Indexer {
	client := typesense.NewClient(
		typesense.WithServer(cfg.URL),
		typesense.WithAPIKey(cfg.APIKey),
		typesense.WithConnectionTimeout(5*time.Second),
	)
	return &typesenseIndexer{client: client, collection: cfg.Collection}
}

// EnsureCollection creates the stack collection if it doesn't exist yet. An
// already-existing collection is not an error.
func (i *typesenseIndexer) EnsureCollection(ctx context.Context) error {
	schema := &api.CollectionSchema{
		Name: i.collection,
		Fields: []api.Field{
			{Name: "organization_id", Type: "int64"},
			{Name: "project_id", Type: "int64"},
			{Name: "title", Type: "string"},
			{Name: "type", Type: "string", Facet: pointer.True()},
			{Name: "tags", Type: "string[]", Facet: pointer.True()},
			{Name: "first_occurrence", Type: "int64"},
			{Name: "last_occurrence", Type: "int64"},
			{Name: "total_occurrences", Type: "int64"},
			{Name: "is_regressed", Type: "bool"},
			{Name: "is_hidden", Type: "bool"},
		},
		DefaultSortingField: pointer.String("last_occurrence"),
	}

	_, err := i.client.Collections().Create(ctx, schema)
	if err == nil {
		return nil
	}

	var httpErr *typesense.HTTPError
	if errors.As(err, &httpErr) && httpErr.Status == http.StatusConflict {
		return nil
	}
	return fmt.Errorf("creating collection %s: %w", i.collection, err)
}

func (i *typesenseIndexer) IndexStacks(ctx context.Context, stacks []*model.Stack) error {
	if len(stacks) == 0 {
		return nil
	}

	docs := make([]interface{}, 0, len(stacks))
	for _, stack := range stacks {
		docs = append(docs, stackDocument(stack))
	}

	params := &api.ImportDocumentsParams{Action: pointer.Any(api.Upsert)}
	if _, err := i.client.Collection(i.collection).Documents().Import(ctx, docs, params); err != nil {
		return fmt.Errorf("importing %d stack documents: %w", len(docs), err)
	}
	return nil
}

func stackDocument(stack *model.Stack) StackDocument {
	return StackDocument{
		ID:               strconv.FormatInt(stack.ID, 10),
		OrganizationID:   stack.OrganizationID,
		ProjectID:        stack.ProjectID,
		Title:            stack.Title,
		Type:             stack.Type,
		Tags:             stack.Tags,
		FirstOccurrence:  stack.FirstOccurrence.Unix(),
		LastOccurrence:   stack.LastOccurrence.Unix(),
		TotalOccurrences: stack.TotalOccurrences,
		IsRegressed:      stack.IsRegressed,
		IsHidden:         stack.IsHidden,
	}
}

// noopIndexer keeps the wiring uniform when search is disabled.
type noopIndexer struct{}

func NewNoopIndexer() Indexer { return noopIndexer{} }

func (noopIndexer) EnsureCollection(context.Context) error            { return nil }
func (noopIndexer) IndexStacks(context.Context, []*model.Stack) error { return nil }
