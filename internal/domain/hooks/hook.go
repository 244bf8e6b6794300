package hooks

import (
	"encoding/json"
	"fmt"

	"github.com/ehr/cdshooks/internal/domain/library"
)

// Hook is a CDS Hooks service descriptor plus the local _config that says
// how to execute it. Descriptor fields the service does not interpret are
// kept and returned unchanged by discovery.
type Hook struct {
	ID          string
	Hook        string
	Title       string
	Description string
	Prefetch    library.Prefetch
	// Config is nil on copies returned with the internal config stripped.
	Config *Config

	extra map[string]json.RawMessage
}

type Config struct {
	Disabled bool           `json:"disabled,omitempty"`
	CQL      *CQLConfig     `json:"cql,omitempty"`
	Cards    []CardTemplate `json:"cards,omitempty"`
	Apply    *ApplyConfig   `json:"apply,omitempty"`
}

type CQLConfig struct {
	Library LibraryRef `json:"library"`
}

type LibraryRef struct {
	ID      string `json:"id"`
	Version string `json:"version,omitempty"`
}

// ApplyConfig names an appliable module and the PlanDefinition in it.
type ApplyConfig struct {
	Key            string `json:"key"`
	PlanDefinition string `json:"planDefinition"`
}

// CardTemplate is rendered against one patient's CQL results. An empty
// ConditionExpression always emits the card.
type CardTemplate struct {
	ConditionExpression string                 `json:"conditionExpression,omitempty"`
	Card                map[string]interface{} `json:"card"`
}

// UsesCQL reports whether the hook executes a CQL library.
func (h *Hook) UsesCQL() bool {
	return h.Config != nil && h.Config.CQL != nil && h.Config.CQL.Library.ID != ""
}

// UsesApply reports whether the hook applies a PlanDefinition.
func (h *Hook) UsesApply() bool {
	return h.Config != nil && h.Config.Apply != nil && h.Config.Apply.PlanDefinition != ""
}

func (h *Hook) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	take := func(key string, dst interface{}) error {
		raw, ok := fields[key]
		if !ok {
			return nil
		}
		delete(fields, key)
		if string(raw) == "null" {
			return nil
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		return nil
	}
	*h = Hook{}
	for key, dst := range map[string]interface{}{
		"id":          &h.ID,
		"hook":        &h.Hook,
		"title":       &h.Title,
		"description": &h.Description,
		"prefetch":    &h.Prefetch,
	} {
		if err := take(key, dst); err != nil {
			return err
		}
	}
	var cfg Config
	if _, ok := fields["_config"]; ok {
		if err := take("_config", &cfg); err != nil {
			return err
		}
		h.Config = &cfg
	}
	h.extra = fields
	return nil
}

func (h Hook) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(h.extra)+6)
	for k, v := range h.extra {
		out[k] = v
	}
	out["id"] = h.ID
	out["hook"] = h.Hook
	out["description"] = h.Description
	if h.Title != "" {
		out["title"] = h.Title
	}
	if h.Prefetch.Len() > 0 {
		out["prefetch"] = h.Prefetch
	}
	if h.Config != nil {
		out["_config"] = h.Config
	}
	return json.Marshal(out)
}

// clone deep-copies h through its JSON form.
func (h *Hook) clone(stripConfig bool) *Hook {
	data, err := json.Marshal(h)
	if err != nil {
		return nil
	}
	var out Hook
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	if stripConfig {
		out.Config = nil
	}
	return &out
}
