package group

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/robomem/robomem/pkg/core"
	"github.com/robomem/robomem/pkg/store"
	"github.com/robomem/robomem/pkg/telemetry"
)

// RobotGroup coordinates a shared working-memory view across robots with
// active/passive roles. The group owns the membership maps but never the
// robots' state; removing a member only clears its working_memory flags.
//
// Database rows are updated synchronously on the mutating paths; the
// in-memory views of non-originating members converge through channel
// events, so groups split across processes stay in step too.
type RobotGroup struct {
	Name string

	store   *store.Store
	channel *PubSubChannel
	log     zerolog.Logger
	tel     *telemetry.Telemetry

	mu           sync.Mutex
	active       map[string]*Robot
	passive      map[string]*Robot
	activeOrder  []string
	passiveOrder []string
}

// NewRobotGroup builds an empty group. channel may be nil for a purely
// local group; when set, the group registers its sync handler but leaves
// StartListening to the caller.
func NewRobotGroup(name string, st *store.Store, channel *PubSubChannel, log zerolog.Logger, tel *telemetry.Telemetry) *RobotGroup {
	g := &RobotGroup{
		Name:    name,
		store:   st,
		channel: channel,
		log:     log.With().Str("group", name).Logger(),
		tel:     tel,
		active:  make(map[string]*Robot),
		passive: make(map[string]*Robot),
	}
	if channel != nil {
		channel.OnChange(g.handleChange)
	}
	return g
}

// AddActive registers a robot in the active set. If the group already has
// members the newcomer is synced to the union of their shared nodes.
func (g *RobotGroup) AddActive(ctx context.Context, r *Robot) error {
	return g.add(ctx, r, true)
}

// AddPassive registers a robot in the passive set, synced the same way.
func (g *RobotGroup) AddPassive(ctx context.Context, r *Robot) error {
	return g.add(ctx, r, false)
}

func (g *RobotGroup) add(ctx context.Context, r *Robot, active bool) error {
	const op = "group.RobotGroup.Add"

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.memberLocked(r.Name) != nil {
		return core.E(core.KindValidation, op, "robot %q is already a member of %q", r.Name, g.Name)
	}

	peers := g.memberIDsLocked()
	if active {
		g.active[r.Name] = r
		g.activeOrder = append(g.activeOrder, r.Name)
	} else {
		g.passive[r.Name] = r
		g.passiveOrder = append(g.passiveOrder, r.Name)
	}

	if len(peers) == 0 {
		return nil
	}
	return g.syncRobotLocked(ctx, r, peers)
}

// Remove drops a member and clears its working_memory flags; the nodes
// themselves are untouched.
func (g *RobotGroup) Remove(ctx context.Context, name string) error {
	const op = "group.RobotGroup.Remove"

	g.mu.Lock()
	defer g.mu.Unlock()

	r := g.memberLocked(name)
	if r == nil {
		return core.E(core.KindNotFound, op, "robot %q is not a member of %q", name, g.Name)
	}

	delete(g.active, name)
	delete(g.passive, name)
	g.activeOrder = removeName(g.activeOrder, name)
	g.passiveOrder = removeName(g.passiveOrder, name)

	if _, err := g.store.ClearWorkingMemory(ctx, []core.RobotID{r.ID}); err != nil {
		return err
	}
	r.Memory.Clear()
	return nil
}

// Promote moves a passive member into the active set.
func (g *RobotGroup) Promote(name string) error {
	const op = "group.RobotGroup.Promote"

	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.passive[name]
	if !ok {
		return core.E(core.KindNotFound, op, "robot %q is not a passive member of %q", name, g.Name)
	}
	delete(g.passive, name)
	g.passiveOrder = removeName(g.passiveOrder, name)
	g.active[name] = r
	g.activeOrder = append(g.activeOrder, name)
	return nil
}

// Demote moves an active member into the passive set. Demoting the last
// active member is an error.
func (g *RobotGroup) Demote(name string) error {
	const op = "group.RobotGroup.Demote"

	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.active[name]
	if !ok {
		return core.E(core.KindNotFound, op, "robot %q is not an active member of %q", name, g.Name)
	}
	if len(g.active) == 1 {
		return core.E(core.KindValidation, op, "cannot demote the last active robot of %q", g.Name)
	}
	delete(g.active, name)
	g.activeOrder = removeName(g.activeOrder, name)
	g.passive[name] = r
	g.passiveOrder = append(g.passiveOrder, name)
	return nil
}

// Failover promotes the first passive member, registered order.
func (g *RobotGroup) Failover() error {
	const op = "group.RobotGroup.Failover"

	g.mu.Lock()
	if len(g.passiveOrder) == 0 {
		g.mu.Unlock()
		return core.E(core.KindResourceExhausted, op, "group %q has no passive robot to promote", g.Name)
	}
	name := g.passiveOrder[0]
	g.mu.Unlock()

	g.log.Info().Str("robot", name).Msg("failover")
	return g.Promote(name)
}

// Remember stores content through the primary robot and fans the node out:
// every other member gets a working-memory link row, and added/evicted
// events are published so peers' in-memory views follow.
//
// The primary is the named originator when it is a member, otherwise the
// first active robot. At least one active member is required.
func (g *RobotGroup) Remember(ctx context.Context, content, originator string) (*RememberResult, error) {
	const op = "group.RobotGroup.Remember"

	g.mu.Lock()
	if len(g.activeOrder) == 0 {
		g.mu.Unlock()
		return nil, core.E(core.KindValidation, op, "group %q has no active robot", g.Name)
	}
	primary := g.memberLocked(originator)
	if primary == nil {
		primary = g.active[g.activeOrder[0]]
	}
	others := lo.Filter(g.membersLocked(), func(r *Robot, _ int) bool {
		return r.ID != primary.ID
	})
	g.mu.Unlock()

	res, err := primary.Remember(ctx, content, nil, nil)
	if err != nil {
		return nil, err
	}

	for _, peer := range others {
		if _, err := g.store.LinkNode(ctx, peer.ID, res.NodeID); err != nil {
			return nil, err
		}
	}

	for _, rec := range res.Evicted {
		g.notify(ctx, EventEvicted, rec.Key, primary.ID)
	}
	g.notify(ctx, EventAdded, res.NodeID, primary.ID)
	return res, nil
}

// ClearWorkingMemory flips every member's flags, clears the primary's
// in-memory map, and publishes a cleared event so the rest follow.
func (g *RobotGroup) ClearWorkingMemory(ctx context.Context) (int64, error) {
	g.mu.Lock()
	ids := g.memberIDsLocked()
	var primary *Robot
	if len(g.activeOrder) > 0 {
		primary = g.active[g.activeOrder[0]]
	} else if len(g.passiveOrder) > 0 {
		primary = g.passive[g.passiveOrder[0]]
	}
	g.mu.Unlock()

	n, err := g.store.ClearWorkingMemory(ctx, ids)
	if err != nil {
		return 0, err
	}
	if primary != nil {
		primary.Memory.Clear()
		g.notify(ctx, EventCleared, 0, primary.ID)
	}
	return n, nil
}

// TransferWorkingMemory moves one member's working set onto another, in the
// database and in the local views.
func (g *RobotGroup) TransferWorkingMemory(ctx context.Context, fromName, toName string, clearSource bool) (int, error) {
	const op = "group.RobotGroup.TransferWorkingMemory"

	g.mu.Lock()
	from := g.memberLocked(fromName)
	to := g.memberLocked(toName)
	g.mu.Unlock()
	if from == nil || to == nil {
		return 0, core.E(core.KindNotFound, op, "both robots must be members of %q", g.Name)
	}

	n, err := g.store.TransferWorkingMemory(ctx, from.ID, to.ID, clearSource)
	if err != nil {
		return 0, err
	}

	for _, key := range from.Memory.Keys() {
		rec, ok := from.Memory.Get(key)
		if !ok {
			continue
		}
		node := &core.Node{
			ID:          rec.Key,
			Content:     rec.Content,
			TokenCount:  rec.TokenCount,
			AccessCount: rec.AccessCount,
		}
		if err := to.admitFromSync(ctx, node); err != nil {
			return 0, err
		}
	}
	if clearSource {
		from.Memory.Clear()
	}
	return n, nil
}

// SyncRobot pulls every node flagged by any other member onto the named
// robot, database rows and in-memory view both. Idempotent; returns the
// number of newly flagged nodes.
func (g *RobotGroup) SyncRobot(ctx context.Context, name string) (int, error) {
	const op = "group.RobotGroup.SyncRobot"

	g.mu.Lock()
	defer g.mu.Unlock()

	r := g.memberLocked(name)
	if r == nil {
		return 0, core.E(core.KindNotFound, op, "robot %q is not a member of %q", name, g.Name)
	}
	peers := lo.Filter(g.memberIDsLocked(), func(id core.RobotID, _ int) bool {
		return id != r.ID
	})

	before := r.Memory.Len()
	if err := g.syncRobotLocked(ctx, r, peers); err != nil {
		return 0, err
	}
	return r.Memory.Len() - before, nil
}

// InSync reports whether every member holds the identical working set.
func (g *RobotGroup) InSync(ctx context.Context) (bool, error) {
	g.mu.Lock()
	ids := g.memberIDsLocked()
	g.mu.Unlock()
	return g.store.WorkingSetsEqual(ctx, ids)
}

// Member returns the named member handle, or nil.
func (g *RobotGroup) Member(name string) *Robot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.memberLocked(name)
}

// ActiveNames returns the active members in registration order.
func (g *RobotGroup) ActiveNames() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.activeOrder))
	copy(out, g.activeOrder)
	return out
}

// PassiveNames returns the passive members in registration order.
func (g *RobotGroup) PassiveNames() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.passiveOrder))
	copy(out, g.passiveOrder)
	return out
}

// Stats reports membership counts and per-robot working-memory stats.
func (g *RobotGroup) Stats() map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()

	robots := make(map[string]any, len(g.active)+len(g.passive))
	for _, r := range g.membersLocked() {
		robots[r.Name] = r.Memory.Stats()
	}
	return map[string]any{
		"active":  len(g.active),
		"passive": len(g.passive),
		"robots":  robots,
	}
}

// ---------------------------------------------------------------------------
// Channel event handling
// ---------------------------------------------------------------------------

// handleChange applies one channel event to every local member except the
// originator. Events from this process's own Remember calls arrive here
// too; re-applying them is harmless because the sync mutations are
// idempotent. The handler is serialized by the group lock and never calls
// into an extractor.
func (g *RobotGroup) handleChange(event Event, nodeID core.NodeID, robotID core.RobotID) {
	ctx := context.Background()

	g.mu.Lock()
	defer g.mu.Unlock()

	switch event {
	case EventAdded:
		node, err := g.store.NodeByID(ctx, nodeID)
		if err != nil {
			g.log.Warn().Err(err).Int64("node", int64(nodeID)).Msg("added event for unknown node")
			return
		}
		for _, r := range g.membersLocked() {
			if r.ID == robotID {
				continue
			}
			if err := r.admitFromSync(ctx, node); err != nil {
				g.log.Warn().Err(err).Str("robot", r.Name).Msg("applying added event")
				continue
			}
			g.tel.NodeSynced()
		}

	case EventEvicted:
		for _, r := range g.membersLocked() {
			if r.ID == robotID {
				continue
			}
			if r.Memory.RemoveFromSync(nodeID) {
				g.tel.EvictionSynced(1)
			}
		}

	case EventCleared:
		for _, r := range g.membersLocked() {
			if r.ID == robotID {
				continue
			}
			r.Memory.ClearFromSync()
		}
	}
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// notify publishes when a channel is attached; local-only groups skip it.
func (g *RobotGroup) notify(ctx context.Context, event Event, nodeID core.NodeID, robotID core.RobotID) {
	if g.channel == nil {
		return
	}
	if err := g.channel.Notify(ctx, event, nodeID, robotID); err != nil {
		g.log.Warn().Err(err).Str("event", string(event)).Msg("publishing group event")
	}
}

// syncRobotLocked flags peers' shared nodes onto r and loads the resulting
// working set into r's memory. Callers hold g.mu.
func (g *RobotGroup) syncRobotLocked(ctx context.Context, r *Robot, peers []core.RobotID) error {
	if len(peers) == 0 {
		return nil
	}
	n, err := g.store.SyncRobot(ctx, r.ID, peers)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}

	nodes, err := g.store.WorkingSetNodes(ctx, r.ID)
	if err != nil {
		return err
	}
	for i := range nodes {
		if r.Memory.Contains(nodes[i].ID) {
			continue
		}
		if err := r.admitFromSync(ctx, &nodes[i]); err != nil {
			return err
		}
	}
	return nil
}

func (g *RobotGroup) memberLocked(name string) *Robot {
	if r, ok := g.active[name]; ok {
		return r
	}
	if r, ok := g.passive[name]; ok {
		return r
	}
	return nil
}

// membersLocked lists members active-first, registration order.
func (g *RobotGroup) membersLocked() []*Robot {
	out := make([]*Robot, 0, len(g.active)+len(g.passive))
	for _, name := range g.activeOrder {
		out = append(out, g.active[name])
	}
	for _, name := range g.passiveOrder {
		out = append(out, g.passive[name])
	}
	return out
}

func (g *RobotGroup) memberIDsLocked() []core.RobotID {
	return lo.Map(g.membersLocked(), func(r *Robot, _ int) core.RobotID {
		return r.ID
	})
}

func removeName(names []string, name string) []string {
	return lo.Filter(names, func(n string, _ int) bool { return n != name })
}
