package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ftrueblood1015/skillchain/chain/model"
	"github.com/ftrueblood1015/skillchain/chain/store"
)

// SkillRef identifies a resolved skill.
type SkillRef struct {
	ID   string
	Name string
}

// AgentRef identifies a resolved agent.
type AgentRef struct {
	ID   string
	Name string
}

// SkillRegistry resolves the skills and agents links refer to. It is only
// consulted when a chain is published, never during execution.
type SkillRegistry interface {
	ResolveSkill(ctx context.Context, skillID string) (SkillRef, error)
	// ResolveAgent returns nil when the agent does not exist.
	ResolveAgent(ctx context.Context, agentID string) (*AgentRef, error)
}

// TicketLookup resolves a ticket's human-readable key for display and audit.
type TicketLookup interface {
	GetTicketKey(ctx context.Context, ticketID string) (string, error)
}

// Definitions is the chain definition store. Drafts are edited through
// SaveDraft, frozen by Publish and read by the engine through GetPublished
// and Resolve. Published chains are immutable and cached after first read.
type Definitions struct {
	store    store.ChainStore
	registry SkillRegistry
	now      func() time.Time
	logger   *slog.Logger

	mu        sync.RWMutex
	published map[string]*model.SkillChain
}

// NewDefinitions creates a definition store over st. registry may be nil, in
// which case skill and agent references are not resolved on publish.
func NewDefinitions(st store.ChainStore, registry SkillRegistry, logger *slog.Logger) *Definitions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Definitions{
		store:     st,
		registry:  registry,
		now:       time.Now,
		logger:    logger.With("component", "chain-definitions"),
		published: make(map[string]*model.SkillChain),
	}
}

// SaveDraft creates or replaces an unpublished chain. Structural checks run
// here; referential checks wait for Publish.
func (d *Definitions) SaveDraft(ctx context.Context, c *model.SkillChain) error {
	if c == nil || c.ID == "" {
		return invalidArgument("chain id is required")
	}
	for i, l := range c.Links {
		if l.ID == "" {
			return invalidArgument("link %d of chain %s has no id", i, c.ID)
		}
		if !l.OnSuccess.Valid() || !l.OnFailure.Valid() {
			return invalidArgument("link %s of chain %s has an unset or unknown transition", l.ID, c.ID)
		}
	}

	draft := c.Clone()
	draft.Published = false
	draft.PublishedAt = nil
	now := d.now().UTC()
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = now
	}
	draft.UpdatedAt = now

	err := d.store.SaveChain(ctx, draft)
	switch {
	case errors.Is(err, store.ErrPublished):
		return newError(CodeInvalidState, "", "", "chain %s is published and can no longer be edited", c.ID)
	case err != nil:
		return fmt.Errorf("save chain %s: %w", c.ID, err)
	}
	return nil
}

// Publish validates a draft and freezes it. Publishing an already published
// chain returns it unchanged.
func (d *Definitions) Publish(ctx context.Context, chainID string) (*model.SkillChain, error) {
	c, err := d.load(ctx, chainID)
	if err != nil {
		return nil, err
	}
	if c.Published {
		return c, nil
	}

	if err := d.Validate(ctx, c); err != nil {
		return nil, err
	}

	at := d.now().UTC()
	if err := d.store.MarkPublished(ctx, chainID, at); err != nil {
		return nil, fmt.Errorf("publish chain %s: %w", chainID, err)
	}
	c.Published = true
	c.PublishedAt = &at

	d.logger.Info("chain published", "chain_id", chainID, "links", len(c.Links))
	return c, nil
}

// Validate checks everything Publish requires and reports every problem at
// once as a CONFIGURATION_ERROR.
func (d *Definitions) Validate(ctx context.Context, c *model.SkillChain) error {
	problems := validateStructure(c)

	if d.registry != nil {
		for _, l := range c.Links {
			if l.SkillID != "" {
				if _, err := d.registry.ResolveSkill(ctx, l.SkillID); err != nil {
					problems = append(problems, fmt.Errorf("link %s: skill %s: %w", l.ID, l.SkillID, err))
				}
			}
			if l.AgentID != "" {
				agent, err := d.registry.ResolveAgent(ctx, l.AgentID)
				switch {
				case err != nil:
					problems = append(problems, fmt.Errorf("link %s: agent %s: %w", l.ID, l.AgentID, err))
				case agent == nil:
					problems = append(problems, fmt.Errorf("link %s: agent %s does not exist", l.ID, l.AgentID))
				}
			}
		}
	}

	if len(problems) > 0 {
		return configurationError(c.ID, problems)
	}
	return nil
}

// validateStructure checks the parts of a chain that need no collaborator.
func validateStructure(c *model.SkillChain) []error {
	var problems []error

	if c.MaxTotalFailures < 0 {
		problems = append(problems, fmt.Errorf("max total failures must be >= 0, got %d", c.MaxTotalFailures))
	}
	if len(c.Links) == 0 {
		problems = append(problems, errors.New("chain has no links"))
	}

	ids := make(map[string]bool, len(c.Links))
	positions := make(map[int]string, len(c.Links))
	for _, l := range c.Links {
		if ids[l.ID] {
			problems = append(problems, fmt.Errorf("duplicate link id %s", l.ID))
		}
		ids[l.ID] = true
		if other, ok := positions[l.Position]; ok {
			problems = append(problems, fmt.Errorf("links %s and %s share position %d", other, l.ID, l.Position))
		}
		positions[l.Position] = l.ID
	}

	for _, l := range c.Links {
		if l.SkillID == "" {
			problems = append(problems, fmt.Errorf("link %s: skill is required", l.ID))
		}
		if l.MaxRetries < 0 {
			problems = append(problems, fmt.Errorf("link %s: max retries must be >= 0, got %d", l.ID, l.MaxRetries))
		}

		switch {
		case !l.OnSuccess.Valid():
			problems = append(problems, fmt.Errorf("link %s: invalid on-success transition %s", l.ID, l.OnSuccess))
		case l.OnSuccess == model.SuccessGoToLink:
			problems = append(problems, checkTarget(l.ID, "on-success", l.OnSuccessTargetLinkID, ids)...)
		case l.OnSuccessTargetLinkID != "":
			problems = append(problems, fmt.Errorf("link %s: on-success target set without GoToLink", l.ID))
		}

		switch {
		case !l.OnFailure.Valid():
			problems = append(problems, fmt.Errorf("link %s: invalid on-failure transition %s", l.ID, l.OnFailure))
		case l.OnFailure == model.FailureGoToLink:
			problems = append(problems, checkTarget(l.ID, "on-failure", l.OnFailureTargetLinkID, ids)...)
		case l.OnFailureTargetLinkID != "":
			problems = append(problems, fmt.Errorf("link %s: on-failure target set without GoToLink", l.ID))
		}
	}
	return problems
}

func checkTarget(linkID, route, target string, ids map[string]bool) []error {
	if target == "" {
		return []error{fmt.Errorf("link %s: %s GoToLink has no target", linkID, route)}
	}
	if !ids[target] {
		return []error{fmt.Errorf("link %s: %s target %s is not a link of this chain", linkID, route, target)}
	}
	return nil
}

// GetPublished returns a published chain with its links ordered by
// position.
func (d *Definitions) GetPublished(ctx context.Context, chainID string) (*model.SkillChain, error) {
	d.mu.RLock()
	cached, ok := d.published[chainID]
	d.mu.RUnlock()
	if ok {
		return cached.Clone(), nil
	}

	c, err := d.load(ctx, chainID)
	if err != nil {
		return nil, err
	}
	if !c.Published {
		return nil, newError(CodeNotPublished, "", "", "chain %s is not published", chainID)
	}

	d.mu.Lock()
	d.published[chainID] = c.Clone()
	d.mu.Unlock()
	return c, nil
}

// Resolve returns one link of a published chain.
func (d *Definitions) Resolve(ctx context.Context, chainID, linkID string) (model.Link, error) {
	c, err := d.GetPublished(ctx, chainID)
	if err != nil {
		return model.Link{}, err
	}
	l, ok := c.Link(linkID)
	if !ok {
		return model.Link{}, newError(CodeNotFound, "", linkID, "link %s not found in chain %s", linkID, chainID)
	}
	return l, nil
}

func (d *Definitions) load(ctx context.Context, chainID string) (*model.SkillChain, error) {
	if chainID == "" {
		return nil, invalidArgument("chain id is required")
	}
	c, err := d.store.GetChain(ctx, chainID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(CodeNotFound, "", "", "chain %s not found", chainID)
	}
	if err != nil {
		return nil, fmt.Errorf("load chain %s: %w", chainID, err)
	}
	c.SortLinks()
	return c, nil
}
