package project

import (
	"github.com/tenex-run/tenex/internal/agentstore"
	"github.com/tenex-run/tenex/internal/obs"
)

// roster is the Project Runtime's view of which locally-known agents
// participate in this project, built fresh on load/reload (spec.md §4.10
// step 2: "load agent set, local first"). An agent pubkey named by the
// project definition but with no locally-held signing key (never
// provisioned via the agent store) cannot be executed by this daemon — it
// is dropped from the roster with a warning rather than treated as a fatal
// load error, since a project referencing agents hosted elsewhere is an
// ordinary multi-daemon topology, not a misconfiguration.
type roster struct {
	byPubkey map[string]*agentstore.Agent
	bySlug   map[string]*agentstore.Agent
	pm       string
}

func buildRoster(def Definition, agents *agentstore.Store) *roster {
	r := &roster{
		byPubkey: make(map[string]*agentstore.Agent),
		bySlug:   make(map[string]*agentstore.Agent),
		pm:       def.PMPubkey,
	}

	for _, pubkey := range def.AgentPubkeys {
		a, ok := agents.ByPubkey(pubkey)
		if !ok {
			obs.Logger().Warn("project references agent with no local signing key, dropping from roster",
				"project", def.ID, "pubkey", pubkey)
			continue
		}
		r.byPubkey[pubkey] = a
		r.bySlug[a.Slug] = a
	}

	if _, ok := r.byPubkey[def.PMPubkey]; !ok {
		obs.Logger().Warn("project PM has no local signing key", "project", def.ID, "pm_pubkey", def.PMPubkey)
	}

	return r
}

// Pubkeys implements router.ProjectAgents.
func (r *roster) Pubkeys() map[string]struct{} {
	out := make(map[string]struct{}, len(r.byPubkey))
	for pk := range r.byPubkey {
		out[pk] = struct{}{}
	}
	return out
}

// PMPubkey implements router.ProjectAgents.
func (r *roster) PMPubkey() string { return r.pm }

// HasTool implements router.ProjectAgents.
func (r *roster) HasTool(pubkey, toolName string) bool {
	a, ok := r.byPubkey[pubkey]
	if !ok {
		return false
	}
	for _, t := range a.Tools {
		if t == toolName {
			return true
		}
	}
	return false
}

func (r *roster) agents() []*agentstore.Agent {
	out := make([]*agentstore.Agent, 0, len(r.byPubkey))
	for _, a := range r.byPubkey {
		out = append(out, a)
	}
	return out
}
