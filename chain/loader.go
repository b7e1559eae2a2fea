package chain

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/ftrueblood1015/skillchain/chain/model"
)

type definitionFile struct {
	ID               string      `yaml:"id"`
	Key              string      `yaml:"key"`
	Name             string      `yaml:"name"`
	Description      string      `yaml:"description"`
	Scope            model.Scope `yaml:"scope"`
	MaxTotalFailures int         `yaml:"max_total_failures"`
	Links            []linkFile  `yaml:"links"`
}

type linkFile struct {
	model.Link `yaml:",inline"`
	Config     map[string]any `yaml:"config"`
}

// LoadDefinition parses a chain definition from YAML.
//
//	id: triage
//	name: Ticket triage
//	max_total_failures: 3
//	links:
//	  - id: classify
//	    skill_id: classify-ticket
//	    max_retries: 2
//	    on_failure: Escalate
//	  - id: route
//	    skill_id: route-ticket
//	    on_success: Complete
//	    config:
//	      queue: support
//
// Unset transitions default to NextLink and Escalate. Unset positions follow
// file order. Unknown keys are rejected. The result is a draft; it still has
// to be saved and published.
func LoadDefinition(r io.Reader) (*model.SkillChain, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read chain definition: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file definitionFile
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, invalidArgument("chain definition is empty")
		}
		return nil, &EngineError{Code: CodeInvalidArgument, Message: "parse chain definition", Cause: err}
	}

	c := &model.SkillChain{
		ID:               file.ID,
		Key:              file.Key,
		Name:             file.Name,
		Description:      file.Description,
		Scope:            file.Scope,
		MaxTotalFailures: file.MaxTotalFailures,
		Links:            make([]model.Link, 0, len(file.Links)),
	}
	for i, lf := range file.Links {
		l := lf.Link
		l.ChainID = c.ID
		if l.Position == 0 {
			l.Position = i + 1
		}
		if l.OnSuccess == 0 {
			l.OnSuccess = model.SuccessNextLink
		}
		if l.OnFailure == 0 {
			l.OnFailure = model.FailureEscalate
		}
		if lf.Config != nil {
			raw, err := json.Marshal(lf.Config)
			if err != nil {
				return nil, &EngineError{Code: CodeInvalidArgument, Message: fmt.Sprintf("encode config of link %s", l.ID), Cause: err}
			}
			l.Config = raw
		}
		c.Links = append(c.Links, l)
	}
	c.SortLinks()
	return c, nil
}
