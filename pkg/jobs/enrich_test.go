package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/robomem/robomem/pkg/core"
	"github.com/robomem/robomem/pkg/extract"
)

type fakeStore struct {
	mu         sync.Mutex
	nodes      map[core.NodeID]*core.Node
	embeddings map[core.NodeID][]float32
	tags       map[core.NodeID][]string
	ontology   []string
	nextID     core.NodeID
	children   map[core.NodeID][]core.NodeID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nodes:      map[core.NodeID]*core.Node{},
		embeddings: map[core.NodeID][]float32{},
		tags:       map[core.NodeID][]string{},
		children:   map[core.NodeID][]core.NodeID{},
		nextID:     100,
	}
}

func (f *fakeStore) addNode(id core.NodeID, content string, embedded bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := &core.Node{ID: id, Content: content}
	if embedded {
		n.EmbeddingDim = 3
	}
	f.nodes[id] = n
}

func (f *fakeStore) NodeByID(ctx context.Context, id core.NodeID) (*core.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[id]
	if !ok {
		return nil, core.E(core.KindNotFound, "fake.NodeByID", "node %d", id)
	}
	cp := *n
	return &cp, nil
}

func (f *fakeStore) SetNodeEmbedding(ctx context.Context, id core.NodeID, embedding []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embeddings[id] = embedding
	f.nodes[id].EmbeddingDim = len(embedding)
	return nil
}

func (f *fakeStore) AttachTags(ctx context.Context, id core.NodeID, tags []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags[id] = tags
	return nil
}

func (f *fakeStore) TagOntology(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ontology, nil
}

func (f *fakeStore) AddPropositionNodes(ctx context.Context, parent core.NodeID, robot core.RobotID, props []string) ([]core.NodeID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []core.NodeID
	for _, p := range props {
		f.nextID++
		f.nodes[f.nextID] = &core.Node{ID: f.nextID, Content: p}
		ids = append(ids, f.nextID)
	}
	f.children[parent] = ids
	return ids, nil
}

func testEnricher(t *testing.T, store EnrichStore, withProps bool) *Enricher {
	t.Helper()

	brCfg := core.BreakerConfig{FailureThreshold: 5, ResetTimeout: time.Minute, HalfOpenMaxCalls: 3}

	embed := extract.NewEmbeddingService(
		func(ctx context.Context, text string) ([]float32, error) {
			return []float32{0.1, 0.2, 0.3}, nil
		},
		core.EmbeddingConfig{MaxDimension: 8, Timeout: time.Second, CacheSize: 16},
		brCfg, zerolog.Nop(), nil,
	)
	tags := extract.NewTagService(
		func(ctx context.Context, text string, ontology []string) ([]string, error) {
			return []string{"robotics:arm"}, nil
		},
		core.TagConfig{MaxDepth: 4, Timeout: time.Second},
		brCfg, zerolog.Nop(), nil,
	)
	var props *extract.PropositionService
	if withProps {
		props = extract.NewPropositionService(
			func(ctx context.Context, text string) ([]string, error) {
				return []string{
					"The arm supports payloads up to two kilograms",
					"The arm calibrates itself every morning cycle",
				}, nil
			},
			core.PropositionConfig{MinLength: 10, MaxLength: 1000, MinWords: 5, Timeout: time.Second},
			brCfg, zerolog.Nop(), nil,
		)
	}

	d, err := NewDispatcher(core.JobsConfig{Backend: BackendInline}, zerolog.Nop(), nil)
	require.NoError(t, err)
	return NewEnricher(store, embed, tags, props, d, zerolog.Nop())
}

func TestEmbedNodeStoresVector(t *testing.T) {
	store := newFakeStore()
	store.addNode(1, "the arm moves", false)
	e := testEnricher(t, store, false)

	require.NoError(t, e.EmbedNode(context.Background(), 1))
	require.Equal(t, []float32{0.1, 0.2, 0.3}, store.embeddings[1])
}

func TestEmbedNodeSkipsAlreadyEmbedded(t *testing.T) {
	store := newFakeStore()
	store.addNode(1, "the arm moves", true)
	e := testEnricher(t, store, false)

	require.NoError(t, e.EmbedNode(context.Background(), 1))
	require.Empty(t, store.embeddings)
}

func TestEnrichJobsTolerateDeletedNodes(t *testing.T) {
	store := newFakeStore()
	e := testEnricher(t, store, true)

	ctx := context.Background()
	require.NoError(t, e.EmbedNode(ctx, 99))
	require.NoError(t, e.TagNode(ctx, 99))
	require.NoError(t, e.ExpandPropositions(ctx, 99, 1))
}

func TestTagNodeAttachesExtractedTags(t *testing.T) {
	store := newFakeStore()
	store.addNode(1, "the arm moves", false)
	store.ontology = []string{"robotics"}
	e := testEnricher(t, store, false)

	require.NoError(t, e.TagNode(context.Background(), 1))
	require.Equal(t, []string{"robotics:arm"}, store.tags[1])
}

func TestExpandPropositionsCreatesAndEnrichesChildren(t *testing.T) {
	store := newFakeStore()
	store.addNode(1, "long compound memory about the arm", false)
	e := testEnricher(t, store, true)

	require.NoError(t, e.ExpandPropositions(context.Background(), 1, 7))

	children := store.children[1]
	require.Len(t, children, 2)
	// Inline backend means the follow-up embed and tag jobs already ran.
	for _, id := range children {
		require.NotEmpty(t, store.embeddings[id])
		require.NotEmpty(t, store.tags[id])
	}
}

func TestEnqueueNodeSchedulesJobs(t *testing.T) {
	store := newFakeStore()
	store.addNode(1, "fresh memory about the dock", false)
	e := testEnricher(t, store, true)

	ids, err := e.EnqueueNode(1, 7)
	require.NoError(t, err)
	require.Len(t, ids, 3)
	require.NotEmpty(t, store.embeddings[core.NodeID(1)])
	require.NotEmpty(t, store.tags[core.NodeID(1)])
	require.Len(t, store.children[1], 2)
}

func TestEnqueueNodeWithoutPropositions(t *testing.T) {
	store := newFakeStore()
	store.addNode(1, "fresh memory", false)
	e := testEnricher(t, store, false)

	ids, err := e.EnqueueNode(1, 7)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	require.Empty(t, store.children[1])
}
