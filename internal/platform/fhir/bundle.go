package fhir

import (
	"encoding/json"
	"fmt"
)

// Bundle is a FHIR Bundle whose entries hold decoded resources.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Entry        []BundleEntry `json:"entry"`
}

type BundleEntry struct {
	FullURL  string                 `json:"fullUrl,omitempty"`
	Resource map[string]interface{} `json:"resource,omitempty"`
}

// NewCollectionBundle returns an empty Bundle of type collection.
func NewCollectionBundle() *Bundle {
	return &Bundle{ResourceType: "Bundle", Type: "collection", Entry: []BundleEntry{}}
}

// Add appends a query or prefetch response. A list appends each resource, a
// searchset Bundle appends its entry resources and anything else is appended
// as a single resource. nil is ignored.
func (b *Bundle) Add(response interface{}) {
	switch v := response.(type) {
	case nil:
		return
	case []map[string]interface{}:
		for _, res := range v {
			b.append(res)
		}
	case []interface{}:
		for _, raw := range v {
			if res, ok := toMap(raw); ok {
				b.append(res)
			}
		}
	default:
		res, ok := toMap(v)
		if !ok || res == nil {
			return
		}
		rt, _ := res["resourceType"].(string)
		typ, _ := res["type"].(string)
		if rt == "Bundle" && typ == "searchset" {
			for _, entry := range EntryResources(res) {
				b.append(entry)
			}
			return
		}
		b.append(res)
	}
}

func (b *Bundle) append(res map[string]interface{}) {
	if res == nil {
		return
	}
	b.Entry = append(b.Entry, BundleEntry{Resource: res})
}

// Resources returns the entry resources in insertion order.
func (b *Bundle) Resources() []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(b.Entry))
	for _, e := range b.Entry {
		out = append(out, e.Resource)
	}
	return out
}

// SetResources replaces every entry.
func (b *Bundle) SetResources(resources []map[string]interface{}) {
	b.Entry = make([]BundleEntry, 0, len(resources))
	for _, res := range resources {
		b.append(res)
	}
}

// ResourcesOfType returns the entry resources with the given resourceType.
func (b *Bundle) ResourcesOfType(resourceType string) []map[string]interface{} {
	var out []map[string]interface{}
	for _, e := range b.Entry {
		if rt, _ := e.Resource["resourceType"].(string); rt == resourceType {
			out = append(out, e.Resource)
		}
	}
	return out
}

// Map returns the bundle in generic JSON form.
func (b *Bundle) Map() map[string]interface{} {
	entries := make([]interface{}, 0, len(b.Entry))
	for _, e := range b.Entry {
		entry := map[string]interface{}{"resource": e.Resource}
		if e.FullURL != "" {
			entry["fullUrl"] = e.FullURL
		}
		entries = append(entries, entry)
	}
	out := map[string]interface{}{
		"resourceType": b.ResourceType,
		"type":         b.Type,
		"entry":        entries,
	}
	if b.ID != "" {
		out["id"] = b.ID
	}
	return out
}

// EntryResources returns the non-empty entry resources of a generic Bundle.
func EntryResources(bundle map[string]interface{}) []map[string]interface{} {
	entries, _ := bundle["entry"].([]interface{})
	out := make([]map[string]interface{}, 0, len(entries))
	for _, raw := range entries {
		entry, _ := raw.(map[string]interface{})
		if res, ok := entry["resource"].(map[string]interface{}); ok && res != nil {
			out = append(out, res)
		}
	}
	return out
}

// toMap converts an interface{} to map[string]interface{} if possible.
func toMap(v interface{}) (map[string]interface{}, bool) {
	switch val := v.(type) {
	case map[string]interface{}:
		return val, true
	case json.RawMessage:
		var m map[string]interface{}
		if err := json.Unmarshal(val, &m); err != nil {
			return nil, false
		}
		return m, true
	default:
		// Try via JSON round-trip for struct types.
		data, err := json.Marshal(v)
		if err != nil {
			return nil, false
		}
		var m map[string]interface{}
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, false
		}
		return m, true
	}
}

// FormatReference builds a FHIR reference string like "Patient/123".
func FormatReference(resourceType, id string) string {
	return fmt.Sprintf("%s/%s", resourceType, id)
}
