package project

import (
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/tenex-run/tenex/internal/nostrx"
)

// Definition is the parsed content of a PROJECT_DEF wire event (spec.md §3
// "Project", §6 PROJECT_DEF kind). spec.md leaves the content payload
// format to the transport configuration; this daemon encodes it as JSON.
// Definition is itself persisted verbatim as the daemon's on-disk project
// cache (internal/daemon), hence the json tags.
type Definition struct {
	ID           string   `json:"id"` // addressable id: "<kind>:<ownerPubkey>:<dTag>"
	DTag         string   `json:"d_tag"`
	OwnerPubkey  string   `json:"owner_pubkey"`
	Title        string   `json:"title"`
	AgentPubkeys []string `json:"agent_pubkeys"`
	PMPubkey     string   `json:"pm_pubkey"`
	MCPServers   []string `json:"mcp_servers"`
}

// definitionContent is the JSON shape of a PROJECT_DEF event's content.
type definitionContent struct {
	Title      string   `json:"title"`
	Agents     []string `json:"agents"`
	PM         string   `json:"pm"`
	MCPServers []string `json:"mcp_servers"`
}

// ParseDefinition decodes a PROJECT_DEF event into a Definition.
func ParseDefinition(evt *nostr.Event) (Definition, error) {
	if evt.Kind != nostrx.ProjectDef {
		return Definition{}, fmt.Errorf("event %s is kind %d, not PROJECT_DEF", evt.ID, evt.Kind)
	}

	var body definitionContent
	if err := json.Unmarshal([]byte(evt.Content), &body); err != nil {
		return Definition{}, fmt.Errorf("decode project definition %s: %w", evt.ID, err)
	}

	dTag := dTagValue(evt)
	if dTag == "" {
		return Definition{}, fmt.Errorf("project definition %s carries no d-tag", evt.ID)
	}
	if body.PM == "" {
		return Definition{}, fmt.Errorf("project definition %s names no PM agent", evt.ID)
	}

	return Definition{
		ID:           fmt.Sprintf("%d:%s:%s", nostrx.ProjectDef, evt.PubKey, dTag),
		DTag:         dTag,
		OwnerPubkey:  evt.PubKey,
		Title:        body.Title,
		AgentPubkeys: body.Agents,
		PMPubkey:     body.PM,
		MCPServers:   body.MCPServers,
	}, nil
}

func dTagValue(evt *nostr.Event) string {
	for _, t := range evt.Tags {
		if len(t) >= 2 && t[0] == "d" {
			return t[1]
		}
	}
	return ""
}

// agentConfigContent is the JSON shape of an AGENT_CONFIG_UPDATE event's
// content, mirroring the subset of agentstore.Agent a project-scoped config
// update is allowed to change: role, instructions, and tool allow-list. The
// signing identity (slug, pubkey, nsec) is never touched by a wire event.
type agentConfigContent struct {
	Role         string   `json:"role"`
	Instructions string   `json:"instructions"`
	Tools        []string `json:"tools"`
	LLMConfigRef string   `json:"llm_config_ref"`
}

func parseAgentConfig(evt *nostr.Event) (string, agentConfigContent, error) {
	if evt.Kind != nostrx.AgentConfigUpd {
		return "", agentConfigContent{}, fmt.Errorf("event %s is kind %d, not AGENT_CONFIG_UPDATE", evt.ID, evt.Kind)
	}
	slug := dTagValue(evt)
	if slug == "" {
		return "", agentConfigContent{}, fmt.Errorf("agent config update %s carries no d-tag slug", evt.ID)
	}
	var body agentConfigContent
	if err := json.Unmarshal([]byte(evt.Content), &body); err != nil {
		return "", agentConfigContent{}, fmt.Errorf("decode agent config update %s: %w", evt.ID, err)
	}
	return slug, body, nil
}
