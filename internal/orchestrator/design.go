package orchestrator

import (
	"fmt"
	"sort"

	"conductor/internal/xerrors"
)

// BlockType identifies the coordination pattern a block runs.
type BlockType string

const (
	BlockSequential   BlockType = "sequential"
	BlockParallel     BlockType = "parallel"
	BlockHierarchical BlockType = "hierarchical"
	BlockDebate       BlockType = "debate"
	BlockRouting      BlockType = "routing"
	BlockReflection   BlockType = "reflection"
)

// Role describes an agent's function within its block.
type Role string

const (
	RoleWorker     Role = "worker"
	RoleManager    Role = "manager"
	RoleSpecialist Role = "specialist"
	RoleModerator  Role = "moderator"
	RoleRouter     Role = "router"
	RoleReflector  Role = "reflector"
)

// AgentDef declares one agent of a block.
type AgentDef struct {
	Name         string `json:"name"`
	Role         Role   `json:"role"`
	SystemPrompt string `json:"system_prompt"`
	UseTools     bool   `json:"use_tools"`
}

// Block is one node of a design.
type Block struct {
	ID     string     `json:"id"`
	Type   BlockType  `json:"type"`
	Agents []AgentDef `json:"agents"`
	Task   string     `json:"task"`

	// GitRepo, when set, makes the block workspace-bound.
	GitRepo                string `json:"git_repo,omitempty"`
	GitRef                 string `json:"git_ref,omitempty"`
	IsolateAgentWorkspaces bool   `json:"isolate_agent_workspaces,omitempty"`

	// Rounds applies to debate and reflection blocks.
	Rounds int `json:"rounds,omitempty"`
}

// ConnectionKind distinguishes whole-block data flow from agent-to-agent.
type ConnectionKind string

const (
	ConnBlock ConnectionKind = "block"
	ConnAgent ConnectionKind = "agent"
)

// Connection is one edge of a design.
type Connection struct {
	SourceBlock string         `json:"source_block"`
	TargetBlock string         `json:"target_block"`
	SourceAgent string         `json:"source_agent,omitempty"`
	TargetAgent string         `json:"target_agent,omitempty"`
	Kind        ConnectionKind `json:"kind"`
}

// Design is a DAG of blocks.
type Design struct {
	ID          string       `json:"id"`
	Blocks      []Block      `json:"blocks"`
	Connections []Connection `json:"connections"`
}

// block returns the block with the given id, or nil.
func (d *Design) block(id string) *Block {
	for i := range d.Blocks {
		if d.Blocks[i].ID == id {
			return &d.Blocks[i]
		}
	}
	return nil
}

func (b *Block) agent(name string) *AgentDef {
	for i := range b.Agents {
		if b.Agents[i].Name == name {
			return &b.Agents[i]
		}
	}
	return nil
}

func (b *Block) agentsWithRole(role Role) []AgentDef {
	out := make([]AgentDef, 0, len(b.Agents))
	for _, a := range b.Agents {
		if a.Role == role {
			out = append(out, a)
		}
	}
	return out
}

func (b *Block) agentsWithoutRole(role Role) []AgentDef {
	out := make([]AgentDef, 0, len(b.Agents))
	for _, a := range b.Agents {
		if a.Role != role {
			out = append(out, a)
		}
	}
	return out
}

// Validate checks the structural invariants of a design: unique agent names,
// acyclic block graph, valid connection endpoints and per-pattern role
// requirements. All violations are reported as InvalidDesign.
func (d *Design) Validate() error {
	const op = "design.validate"

	if len(d.Blocks) == 0 {
		return xerrors.E(xerrors.KindInvalidDesign, op, d.ID, "design has no blocks")
	}

	seenBlocks := make(map[string]bool, len(d.Blocks))
	for i := range d.Blocks {
		b := &d.Blocks[i]
		if b.ID == "" {
			return xerrors.E(xerrors.KindInvalidDesign, op, d.ID, "block without id")
		}
		if seenBlocks[b.ID] {
			return xerrors.E(xerrors.KindInvalidDesign, op, b.ID, "duplicate block id")
		}
		seenBlocks[b.ID] = true

		if err := b.validate(); err != nil {
			return err
		}
	}

	for _, c := range d.Connections {
		if c.SourceBlock == c.TargetBlock {
			return xerrors.E(xerrors.KindInvalidDesign, op, c.SourceBlock, "self-loop on block")
		}
		src := d.block(c.SourceBlock)
		dst := d.block(c.TargetBlock)
		if src == nil || dst == nil {
			return xerrors.E(xerrors.KindInvalidDesign, op,
				fmt.Sprintf("%s->%s", c.SourceBlock, c.TargetBlock), "connection references unknown block")
		}
		if c.Kind == ConnAgent {
			if c.SourceAgent != "" && src.agent(c.SourceAgent) == nil {
				return xerrors.E(xerrors.KindInvalidDesign, op, c.SourceAgent, "source agent not in source block")
			}
			if c.TargetAgent == "" || dst.agent(c.TargetAgent) == nil {
				return xerrors.E(xerrors.KindInvalidDesign, op, c.TargetAgent, "target agent not in target block")
			}
		}
	}

	if _, err := d.topoLevels(); err != nil {
		return err
	}
	return nil
}

func (b *Block) validate() error {
	const op = "design.validate"

	if len(b.Agents) == 0 {
		return xerrors.E(xerrors.KindInvalidDesign, op, b.ID, "block has no agents")
	}
	seen := make(map[string]bool, len(b.Agents))
	for _, a := range b.Agents {
		if a.Name == "" {
			return xerrors.E(xerrors.KindInvalidDesign, op, b.ID, "agent without name")
		}
		if seen[a.Name] {
			return xerrors.E(xerrors.KindInvalidDesign, op, a.Name, "duplicate agent name in block")
		}
		seen[a.Name] = true
	}

	switch b.Type {
	case BlockSequential, BlockParallel:
		// any role mix

	case BlockHierarchical:
		if len(b.agentsWithRole(RoleManager)) != 1 {
			return xerrors.E(xerrors.KindInvalidDesign, op, b.ID, "hierarchical block requires exactly one manager")
		}
		if len(b.agentsWithoutRole(RoleManager)) == 0 {
			return xerrors.E(xerrors.KindInvalidDesign, op, b.ID, "hierarchical block requires at least one worker")
		}

	case BlockRouting:
		if len(b.agentsWithRole(RoleRouter)) != 1 {
			return xerrors.E(xerrors.KindInvalidDesign, op, b.ID, "routing block requires exactly one router")
		}
		if len(b.agentsWithRole(RoleSpecialist)) == 0 {
			return xerrors.E(xerrors.KindInvalidDesign, op, b.ID, "routing block requires at least one specialist")
		}

	case BlockDebate:
		if len(b.participants()) < 2 {
			return xerrors.E(xerrors.KindInvalidDesign, op, b.ID, "debate block requires at least two participants")
		}

	case BlockReflection:
		if len(b.agentsWithRole(RoleReflector)) != 1 {
			return xerrors.E(xerrors.KindInvalidDesign, op, b.ID, "reflection block requires exactly one reflector")
		}
		if len(b.agentsWithoutRole(RoleReflector)) == 0 {
			return xerrors.E(xerrors.KindInvalidDesign, op, b.ID, "reflection block requires a worker")
		}

	default:
		return xerrors.E(xerrors.KindInvalidDesign, op, b.ID, fmt.Sprintf("unknown block type %q", b.Type))
	}
	return nil
}

// participants returns the debaters: moderators observe, everyone else speaks.
func (b *Block) participants() []AgentDef {
	return b.agentsWithoutRole(RoleModerator)
}

// topoLevels computes the stable topological order, grouped by level. Ties
// within a level break lexicographically by block id. Cycles are rejected.
func (d *Design) topoLevels() ([][]string, error) {
	const op = "design.topo"

	indegree := make(map[string]int, len(d.Blocks))
	adj := make(map[string][]string, len(d.Blocks))
	for _, b := range d.Blocks {
		indegree[b.ID] = 0
	}
	seenEdge := make(map[string]bool)
	for _, c := range d.Connections {
		key := c.SourceBlock + "\x00" + c.TargetBlock
		if seenEdge[key] {
			continue // parallel edges carry data, not ordering
		}
		seenEdge[key] = true
		adj[c.SourceBlock] = append(adj[c.SourceBlock], c.TargetBlock)
		indegree[c.TargetBlock]++
	}

	var levels [][]string
	remaining := len(d.Blocks)
	for remaining > 0 {
		level := make([]string, 0, remaining)
		for id, deg := range indegree {
			if deg == 0 {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			return nil, xerrors.E(xerrors.KindInvalidDesign, op, d.ID, "design contains a cycle")
		}
		sort.Strings(level)
		for _, id := range level {
			delete(indegree, id)
			for _, next := range adj[id] {
				if _, ok := indegree[next]; ok {
					indegree[next]--
				}
			}
		}
		remaining -= len(level)
		levels = append(levels, level)
	}
	return levels, nil
}

// upstream returns the connections terminating at blockID.
func (d *Design) upstream(blockID string) []Connection {
	out := make([]Connection, 0, 4)
	for _, c := range d.Connections {
		if c.TargetBlock == blockID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceBlock < out[j].SourceBlock })
	return out
}

// hasDownstream reports whether blockID has outgoing connections.
func (d *Design) hasDownstream(blockID string) bool {
	for _, c := range d.Connections {
		if c.SourceBlock == blockID {
			return true
		}
	}
	return false
}

// SingleBlockDesign wraps one block as a design, used by the per-pattern
// streaming endpoints.
func SingleBlockDesign(block Block) *Design {
	if block.ID == "" {
		block.ID = "block-1"
	}
	return &Design{
		ID:     "single-" + block.ID,
		Blocks: []Block{block},
	}
}
