package fhir

import "strings"

// Resolver looks up resources by reference, canonical url or type over a
// fixed list of knowledge artifacts and patient data.
type Resolver struct {
	resources []map[string]interface{}
}

func NewResolver(sets ...[]map[string]interface{}) *Resolver {
	r := &Resolver{}
	for _, set := range sets {
		for _, res := range set {
			if res != nil {
				r.resources = append(r.resources, res)
			}
		}
	}
	return r
}

// All returns every resource in load order.
func (r *Resolver) All() []map[string]interface{} {
	return r.resources
}

// Resolve accepts "Type/id", a bare resource type or a canonical url with an
// optional "|version" suffix. Matches are returned in load order.
func (r *Resolver) Resolve(ref string) []map[string]interface{} {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil
	}
	if strings.Contains(ref, "://") || strings.HasPrefix(ref, "urn:") {
		if out := r.byCanonical(ref); len(out) > 0 {
			return out
		}
		// Fall back to the trailing Type/id of a RESTful url.
		parts := strings.Split(strings.SplitN(ref, "|", 2)[0], "/")
		if len(parts) >= 2 {
			return r.byTypeAndID(parts[len(parts)-2], parts[len(parts)-1])
		}
		return nil
	}
	if rt, id, ok := strings.Cut(ref, "/"); ok {
		return r.byTypeAndID(rt, id)
	}
	var out []map[string]interface{}
	for _, res := range r.resources {
		if rt, _ := res["resourceType"].(string); rt == ref {
			out = append(out, res)
		}
	}
	return out
}

func (r *Resolver) byCanonical(canonical string) []map[string]interface{} {
	url, version, _ := strings.Cut(canonical, "|")
	var out []map[string]interface{}
	for _, res := range r.resources {
		if u, _ := res["url"].(string); u != url {
			continue
		}
		if v, _ := res["version"].(string); version != "" && v != version {
			continue
		}
		out = append(out, res)
	}
	return out
}

func (r *Resolver) byTypeAndID(resourceType, id string) []map[string]interface{} {
	var out []map[string]interface{}
	for _, res := range r.resources {
		rt, _ := res["resourceType"].(string)
		rid, _ := res["id"].(string)
		if rt == resourceType && rid == id {
			out = append(out, res)
		}
	}
	return out
}
