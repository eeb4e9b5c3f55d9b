package coordinator

import (
	"strings"

	"golang.org/x/exp/slices"

	"github.com/dreamware/hacluster/internal/cluster"
)

// Plan maps agent IDs to their ordered failover list details.
type Plan map[int][]cluster.FailoverListDetails

// LevelLoads counts, per ordinal level, how many agents use each server at
// that level: loads[level][serverID].
type LevelLoads []map[int]int

func (l LevelLoads) at(level, serverID int) int {
	if level >= len(l) {
		return 0
	}
	return l[level][serverID]
}

func (l *LevelLoads) inc(level, serverID int) int {
	for len(*l) <= level {
		*l = append(*l, make(map[int]int))
	}
	(*l)[level][serverID]++
	return (*l)[level][serverID]
}

// LoadsOf sums the levels of every list in plan except the one of excludeAgent.
func LoadsOf(plan Plan, excludeAgent int) LevelLoads {
	var loads LevelLoads
	for agentID, details := range plan {
		if agentID == excludeAgent {
			continue
		}
		for _, d := range details {
			loads.inc(d.Ordinal, d.ServerID)
		}
	}
	return loads
}

// candidates returns the NORMAL servers ordered by name.
func candidates(servers []cluster.Server) []cluster.Server {
	out := make([]cluster.Server, 0, len(servers))
	for _, s := range servers {
		if s.OperationMode == cluster.ModeNormal {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b cluster.Server) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func power(s cluster.Server) int {
	if s.ComputePower < 1 {
		return 1
	}
	return s.ComputePower
}

func sameGroup(a, b *int) bool {
	return a != nil && b != nil && *a == *b
}

// PlanAll computes a failover list for every agent.
//
// Every list contains each NORMAL server exactly once. Agents in an
// affinity group are placed first so they get first pick of their group's
// servers; the rest follow by name. For each ordinal level the least
// loaded eligible server, relative to its compute power, is chosen, with
// ties going to the lower name. Servers sharing the agent's affinity group
// are always placed before any other server.
//
// Parameters:
//   - servers: all servers; only NORMAL ones are used
//   - agents: the agents to plan for
//
// Returns:
//   - Plan with an entry per agent (empty details when no server is NORMAL)
//
// The result depends only on the inputs, not on their order.
func PlanAll(servers []cluster.Server, agents []cluster.Agent) Plan {
	cands := candidates(servers)

	ordered := slices.Clone(agents)
	slices.SortFunc(ordered, func(a, b cluster.Agent) int {
		aGrouped, bGrouped := a.AffinityGroupID != nil, b.AffinityGroupID != nil
		if aGrouped != bGrouped {
			if aGrouped {
				return -1
			}
			return 1
		}
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return a.ID - b.ID
	})

	plan := make(Plan, len(ordered))
	var loads LevelLoads
	for _, agent := range ordered {
		plan[agent.ID] = planOne(cands, agent, &loads)
	}
	return plan
}

// PlanAgent computes the failover list of a single agent.
//
// If existing already names exactly the current NORMAL servers it is
// returned unchanged, so re-registration does not reshuffle an agent.
// Otherwise a fresh list is built against loads, the per-level loads of the
// other agents.
func PlanAgent(servers []cluster.Server, agent cluster.Agent, existing []cluster.FailoverListDetails, loads LevelLoads) []cluster.FailoverListDetails {
	cands := candidates(servers)

	if len(existing) == len(cands) && len(cands) > 0 {
		current := make(map[int]bool, len(cands))
		for _, s := range cands {
			current[s.ID] = true
		}
		same := true
		for _, d := range existing {
			if !current[d.ServerID] {
				same = false
				break
			}
			delete(current, d.ServerID)
		}
		if same && len(current) == 0 {
			return slices.Clone(existing)
		}
	}

	own := slices.Clone(loads)
	for i := range own {
		level := make(map[int]int, len(own[i]))
		for k, v := range own[i] {
			level[k] = v
		}
		own[i] = level
	}
	return planOne(cands, agent, &own)
}

func planOne(cands []cluster.Server, agent cluster.Agent, loads *LevelLoads) []cluster.FailoverListDetails {
	remaining := slices.Clone(cands)
	details := make([]cluster.FailoverListDetails, 0, len(cands))

	for level := 0; len(remaining) > 0; level++ {
		eligible := remaining
		if agent.AffinityGroupID != nil {
			var affine []cluster.Server
			for _, s := range remaining {
				if sameGroup(s.AffinityGroupID, agent.AffinityGroupID) {
					affine = append(affine, s)
				}
			}
			if len(affine) > 0 {
				eligible = affine
			}
		}

		best := eligible[0]
		for _, s := range eligible[1:] {
			if lessLoaded(s, best, *loads, level) {
				best = s
			}
		}

		load := loads.inc(level, best.ID)
		details = append(details, cluster.FailoverListDetails{
			AgentID:      agent.ID,
			ServerID:     best.ID,
			Ordinal:      level,
			AssignedLoad: load,
		})
		remaining = slices.DeleteFunc(remaining, func(s cluster.Server) bool { return s.ID == best.ID })
	}
	return details
}

// lessLoaded compares load/power of a and b by cross-multiplication,
// breaking ties by name.
func lessLoaded(a, b cluster.Server, loads LevelLoads, level int) bool {
	left := loads.at(level, a.ID) * power(b)
	right := loads.at(level, b.ID) * power(a)
	if left != right {
		return left < right
	}
	return a.Name < b.Name
}
