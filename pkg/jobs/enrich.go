package jobs

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/robomem/robomem/pkg/core"
	"github.com/robomem/robomem/pkg/extract"
)

// EnrichStore is the slice of the storage layer the enrichment jobs need.
type EnrichStore interface {
	// NodeByID loads a node without touching its access counters. Soft-deleted
	// nodes return a NOT_FOUND error.
	NodeByID(ctx context.Context, id core.NodeID) (*core.Node, error)

	// SetNodeEmbedding stores the vector for a node.
	SetNodeEmbedding(ctx context.Context, id core.NodeID, embedding []float32) error

	// AttachTags ensures the named tags (and their ancestors) exist and links
	// them to the node.
	AttachTags(ctx context.Context, id core.NodeID, tags []string) error

	// TagOntology returns the existing tag names offered to the extractor so
	// new tags converge on the established taxonomy.
	TagOntology(ctx context.Context) ([]string, error)

	// AddPropositionNodes stores extracted propositions as nodes linked to
	// the same robot as the parent, returning the created node ids.
	AddPropositionNodes(ctx context.Context, parent core.NodeID, robot core.RobotID, props []string) ([]core.NodeID, error)
}

// Enricher enqueues and runs the per-node enrichment jobs: embedding,
// tags, and (when enabled) proposition expansion. Each job is idempotent
// and tolerates the node having been deleted before it runs.
type Enricher struct {
	store        EnrichStore
	embeddings   *extract.EmbeddingService
	tags         *extract.TagService
	propositions *extract.PropositionService
	dispatcher   *Dispatcher
	propsEnabled bool
	log          zerolog.Logger
}

// NewEnricher wires the extractor services to the dispatcher. propositions
// may be nil when proposition extraction is disabled.
func NewEnricher(
	store EnrichStore,
	embeddings *extract.EmbeddingService,
	tags *extract.TagService,
	propositions *extract.PropositionService,
	dispatcher *Dispatcher,
	log zerolog.Logger,
) *Enricher {
	return &Enricher{
		store:        store,
		embeddings:   embeddings,
		tags:         tags,
		propositions: propositions,
		dispatcher:   dispatcher,
		propsEnabled: propositions != nil,
		log:          log.With().Str("component", "enricher").Logger(),
	}
}

// EnqueueNode schedules the enrichment jobs for a freshly stored node.
// Returns the dispatcher task ids in embed, tag, proposition order.
func (e *Enricher) EnqueueNode(id core.NodeID, robot core.RobotID) ([]string, error) {
	ids := make([]string, 0, 3)

	embedID, err := e.dispatcher.Enqueue("embed_node", func(ctx context.Context) error {
		return e.EmbedNode(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	ids = append(ids, embedID)

	tagID, err := e.dispatcher.Enqueue("tag_node", func(ctx context.Context) error {
		return e.TagNode(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	ids = append(ids, tagID)

	if e.propsEnabled {
		propID, err := e.dispatcher.Enqueue("extract_propositions", func(ctx context.Context) error {
			return e.ExpandPropositions(ctx, id, robot)
		})
		if err != nil {
			return nil, err
		}
		ids = append(ids, propID)
	}

	return ids, nil
}

// EmbedNode generates and stores the embedding for a node. A node that was
// deleted before the job ran, or that already carries an embedding, is a
// no-op success.
func (e *Enricher) EmbedNode(ctx context.Context, id core.NodeID) error {
	node, err := e.store.NodeByID(ctx, id)
	if err != nil {
		if core.IsKind(err, core.KindNotFound) {
			return nil
		}
		return err
	}
	if node.EmbeddingDim > 0 {
		return nil
	}

	vec, err := e.embeddings.Generate(ctx, node.Content)
	if err != nil {
		return err
	}
	return e.store.SetNodeEmbedding(ctx, id, vec)
}

// TagNode extracts hierarchical tags for a node and attaches them. The
// existing taxonomy is offered to the extractor as ontology hints.
func (e *Enricher) TagNode(ctx context.Context, id core.NodeID) error {
	node, err := e.store.NodeByID(ctx, id)
	if err != nil {
		if core.IsKind(err, core.KindNotFound) {
			return nil
		}
		return err
	}

	ontology, err := e.store.TagOntology(ctx)
	if err != nil {
		return err
	}

	tags, err := e.tags.Extract(ctx, node.Content, ontology)
	if err != nil {
		return err
	}
	if len(tags) == 0 {
		return nil
	}
	return e.store.AttachTags(ctx, id, tags)
}

// ExpandPropositions splits a node into atomic propositions stored as
// sibling nodes, each of which is enqueued for its own embedding and tags.
// Proposition nodes are never re-expanded.
func (e *Enricher) ExpandPropositions(ctx context.Context, id core.NodeID, robot core.RobotID) error {
	node, err := e.store.NodeByID(ctx, id)
	if err != nil {
		if core.IsKind(err, core.KindNotFound) {
			return nil
		}
		return err
	}

	props, err := e.propositions.Extract(ctx, node.Content)
	if err != nil {
		return err
	}
	if len(props) == 0 {
		return nil
	}

	created, err := e.store.AddPropositionNodes(ctx, id, robot, props)
	if err != nil {
		return err
	}

	for _, childID := range created {
		childID := childID
		if _, err := e.dispatcher.Enqueue("embed_node", func(ctx context.Context) error {
			return e.EmbedNode(ctx, childID)
		}); err != nil {
			return err
		}
		if _, err := e.dispatcher.Enqueue("tag_node", func(ctx context.Context) error {
			return e.TagNode(ctx, childID)
		}); err != nil {
			return err
		}
	}

	e.log.Debug().
		Int64("node", int64(id)).
		Int("propositions", len(created)).
		Msg("expanded node into propositions")
	return nil
}
