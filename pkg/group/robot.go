package group

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/robomem/robomem/pkg/core"
	"github.com/robomem/robomem/pkg/store"
	"github.com/robomem/robomem/pkg/wm"
)

// Robot binds a registered robot row to its in-memory working set. The
// handle is what group coordination manipulates: long-term rows live in the
// store, the working-memory view lives here.
type Robot struct {
	ID     core.RobotID
	Name   string
	Memory *wm.WorkingMemory

	store  *store.Store
	tokens core.TokenCounter
	log    zerolog.Logger
}

// NewRobot upserts the robot row and attaches a fresh working memory
// bounded to maxTokens. A nil counter falls back to core.ApproxTokens.
func NewRobot(ctx context.Context, st *store.Store, name string, maxTokens int, tokens core.TokenCounter, log zerolog.Logger) (*Robot, error) {
	robot, err := st.EnsureRobot(ctx, name)
	if err != nil {
		return nil, err
	}
	if tokens == nil {
		tokens = core.ApproxTokens
	}
	return &Robot{
		ID:     robot.ID,
		Name:   robot.Name,
		Memory: wm.New(maxTokens),
		store:  st,
		tokens: tokens,
		log:    log.With().Str("robot", robot.Name).Logger(),
	}, nil
}

// RememberResult reports one remember call: the store outcome plus any
// records evicted from working memory to make room.
type RememberResult struct {
	*store.AddResult
	TokenCount int
	Evicted    []wm.Record
}

// Remember stores content (deduplicated by hash), links it to this robot,
// and places it in working memory, evicting lowest-scored residents first
// when the budget requires it. Evictions are persisted before the new
// record lands so the database flags never run ahead of memory.
func (r *Robot) Remember(ctx context.Context, content string, embedding []float32, metadata map[string]any) (*RememberResult, error) {
	tokenCount := r.tokens(content)

	res, err := r.store.Add(ctx, content, tokenCount, r.ID, embedding, metadata)
	if err != nil {
		return nil, err
	}

	evicted, err := r.makeRoom(ctx, tokenCount)
	if err != nil {
		return nil, err
	}
	r.Memory.Add(res.NodeID, content, tokenCount, wm.AddOptions{})

	r.log.Debug().
		Int64("node", int64(res.NodeID)).
		Bool("new", res.IsNew).
		Int("evicted", len(evicted)).
		Msg("remember")
	return &RememberResult{AddResult: res, TokenCount: tokenCount, Evicted: evicted}, nil
}

// Recall searches long-term memory and pulls hits into working memory.
// Resident hits are touched in place; new hits are admitted with their
// stored access history, evicting as needed. Hits larger than the whole
// budget are returned but never admitted.
func (r *Robot) Recall(ctx context.Context, query string, opts store.SearchOptions) ([]store.Result, error) {
	results, err := r.store.SearchWithRelevance(ctx, query, opts)
	if err != nil {
		return nil, err
	}

	for _, res := range results {
		if r.Memory.Touch(res.Node.ID) {
			continue
		}
		if res.Node.TokenCount > r.Memory.MaxTokens() {
			continue
		}
		if _, err := r.makeRoom(ctx, res.Node.TokenCount); err != nil {
			return nil, err
		}
		r.Memory.Add(res.Node.ID, res.Node.Content, res.Node.TokenCount, wm.AddOptions{
			AccessCount:  res.Node.AccessCount,
			LastAccessed: res.Node.LastAccessed,
			FromRecall:   true,
		})
	}
	return results, nil
}

// AssembleContext renders this robot's working memory for prompt use.
func (r *Robot) AssembleContext(strategy wm.Strategy, maxTokens int) (string, error) {
	return r.Memory.AssembleContext(strategy, maxTokens)
}

// makeRoom evicts until tokenCount fits the budget and persists the
// cleared working_memory flags. Returns the evicted records.
func (r *Robot) makeRoom(ctx context.Context, tokenCount int) ([]wm.Record, error) {
	free := r.Memory.MaxTokens() - r.Memory.CurrentTokens()
	if tokenCount <= free {
		return nil, nil
	}

	evicted := r.Memory.EvictToMakeSpace(tokenCount - free)
	if len(evicted) == 0 {
		return nil, nil
	}
	ids := make([]core.NodeID, len(evicted))
	for i, rec := range evicted {
		ids[i] = rec.Key
	}
	if err := r.store.MarkEvicted(ctx, r.ID, ids); err != nil {
		return nil, err
	}
	return evicted, nil
}

// admitFromSync places a node delivered by a peer into working memory,
// evicting for space. Oversized nodes are skipped.
func (r *Robot) admitFromSync(ctx context.Context, node *core.Node) error {
	if node.TokenCount > r.Memory.MaxTokens() {
		r.log.Warn().Int64("node", int64(node.ID)).Msg("synced node exceeds working-memory budget, skipping")
		return nil
	}
	if _, err := r.makeRoom(ctx, node.TokenCount); err != nil {
		return err
	}
	r.Memory.AddFromSync(node.ID, node.Content, node.TokenCount, wm.AddOptions{
		AccessCount:  node.AccessCount,
		LastAccessed: node.LastAccessed,
	})
	return nil
}
