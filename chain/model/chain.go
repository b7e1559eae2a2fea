package model

import (
	"encoding/json"
	"sort"
	"time"
)

// Scope places a chain under an organization or a single project. Exactly
// one of the two is expected to be set.
type Scope struct {
	OrganizationID string `json:"organization_id,omitempty" yaml:"organization_id,omitempty"`
	ProjectID      string `json:"project_id,omitempty" yaml:"project_id,omitempty"`
}

// SkillChain is a workflow definition. Once Published is true its links are
// immutable.
type SkillChain struct {
	ID               string     `json:"id" yaml:"id"`
	Key              string     `json:"key" yaml:"key"`
	Name             string     `json:"name" yaml:"name"`
	Description      string     `json:"description,omitempty" yaml:"description,omitempty"`
	Scope            Scope      `json:"scope" yaml:"scope"`
	MaxTotalFailures int        `json:"max_total_failures" yaml:"max_total_failures"`
	Published        bool       `json:"published" yaml:"-"`
	Links            []Link     `json:"links" yaml:"links"`
	CreatedAt        time.Time  `json:"created_at" yaml:"-"`
	UpdatedAt        time.Time  `json:"updated_at" yaml:"-"`
	PublishedAt      *time.Time `json:"published_at,omitempty" yaml:"-"`
}

// Link is one step of a chain. Links reference one another by ID, never by
// pointer, so loops through GoToLink need no special ownership handling.
type Link struct {
	ID          string `json:"id" yaml:"id"`
	ChainID     string `json:"chain_id" yaml:"-"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Position    int    `json:"position" yaml:"position"`
	SkillID     string `json:"skill_id" yaml:"skill_id"`
	AgentID     string `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	MaxRetries  int    `json:"max_retries" yaml:"max_retries"`

	OnSuccess             SuccessTransition `json:"on_success" yaml:"on_success"`
	OnSuccessTargetLinkID string            `json:"on_success_target_link_id,omitempty" yaml:"on_success_target,omitempty"`
	OnFailure             FailureTransition `json:"on_failure" yaml:"on_failure"`
	OnFailureTargetLinkID string            `json:"on_failure_target_link_id,omitempty" yaml:"on_failure_target,omitempty"`

	// Config is passed through untouched.
	Config json.RawMessage `json:"config,omitempty" yaml:"-"`
}

// SortLinks orders links by position in place.
func (c *SkillChain) SortLinks() {
	sort.SliceStable(c.Links, func(i, j int) bool {
		return c.Links[i].Position < c.Links[j].Position
	})
}

// First returns the link with the lowest position.
func (c *SkillChain) First() (Link, bool) {
	if len(c.Links) == 0 {
		return Link{}, false
	}
	first := c.Links[0]
	for _, l := range c.Links[1:] {
		if l.Position < first.Position {
			first = l
		}
	}
	return first, true
}

// Link looks up a link of this chain by ID.
func (c *SkillChain) Link(id string) (Link, bool) {
	for _, l := range c.Links {
		if l.ID == id {
			return l, true
		}
	}
	return Link{}, false
}

// NextByPosition returns the link with the smallest position strictly
// greater than the position of the link identified by id.
func (c *SkillChain) NextByPosition(id string) (Link, bool) {
	cur, ok := c.Link(id)
	if !ok {
		return Link{}, false
	}
	var (
		next  Link
		found bool
	)
	for _, l := range c.Links {
		if l.Position <= cur.Position {
			continue
		}
		if !found || l.Position < next.Position {
			next, found = l, true
		}
	}
	return next, found
}

// Clone returns a deep copy so callers can never mutate a cached definition.
func (c *SkillChain) Clone() *SkillChain {
	if c == nil {
		return nil
	}
	out := *c
	out.Links = make([]Link, len(c.Links))
	for i, l := range c.Links {
		if l.Config != nil {
			l.Config = append(json.RawMessage(nil), l.Config...)
		}
		out.Links[i] = l
	}
	if c.PublishedAt != nil {
		t := *c.PublishedAt
		out.PublishedAt = &t
	}
	return &out
}
