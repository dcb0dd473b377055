package main

import (
	"fmt"

	"github.com/tenex-run/tenex/internal/agentstore"
)

// AgentCmd groups global Agent Store management commands.
type AgentCmd struct {
	List   AgentListCmd   `cmd:"" help:"List every registered agent."`
	Add    AgentAddCmd    `cmd:"" help:"Register a new agent, generating a fresh Nostr keypair."`
	Remove AgentRemoveCmd `cmd:"" help:"Remove a registered agent."`
}

func openAgentStore(cli *CLI) (*agentstore.Store, error) {
	cfg, err := loadConfig(cli)
	if err != nil {
		return nil, err
	}
	return agentstore.Open(cfg.GlobalDataDir)
}

// AgentListCmd lists every registered agent.
type AgentListCmd struct{}

func (c *AgentListCmd) Run(cli *CLI) error {
	agents, err := openAgentStore(cli)
	if err != nil {
		return fmt.Errorf("agent list: %w", err)
	}
	for _, a := range agents.List() {
		role := "agent"
		if a.IsPM {
			role = "pm"
		}
		fmt.Printf("%-20s %-6s %-40s %s\n", a.Slug, role, a.Pubkey, a.Role)
	}
	return nil
}

// AgentAddCmd registers a new agent.
type AgentAddCmd struct {
	Slug         string   `required:"" help:"Unique agent slug."`
	Role         string   `required:"" help:"Short role description, e.g. 'backend developer'."`
	Instructions string   `help:"System instructions for this agent."`
	Tools        []string `help:"Tool names this agent may call." placeholder:"TOOL"`
	LLMConfigRef string   `name:"llm" default:"default" help:"Name of the configured LLM provider to use."`
	PM           bool     `help:"Mark this agent as a project's PM (orchestrator)."`
}

func (c *AgentAddCmd) Run(cli *CLI) error {
	agents, err := openAgentStore(cli)
	if err != nil {
		return fmt.Errorf("agent add: %w", err)
	}
	a, err := agents.Create(c.Slug, c.Role, c.Instructions, c.Tools, c.LLMConfigRef, c.PM)
	if err != nil {
		return fmt.Errorf("agent add: %w", err)
	}
	fmt.Printf("created agent %s (pubkey %s)\n", a.Slug, a.Pubkey)
	fmt.Printf("nsec: %s\n", a.Nsec)
	return nil
}

// AgentRemoveCmd removes a registered agent.
type AgentRemoveCmd struct {
	Slug string `arg:"" help:"Slug of the agent to remove."`
}

func (c *AgentRemoveCmd) Run(cli *CLI) error {
	agents, err := openAgentStore(cli)
	if err != nil {
		return fmt.Errorf("agent remove: %w", err)
	}
	if err := agents.Remove(c.Slug); err != nil {
		return fmt.Errorf("agent remove: %w", err)
	}
	fmt.Printf("removed agent %s\n", c.Slug)
	return nil
}

