package terminology

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ehr/cdshooks/internal/platform/cql"
)

// ValueSetDB maps a value set OID to its expansions by version. The JSON form
// is the valueset-db.json layout used by VSAC-backed CQL services.
type ValueSetDB map[string]map[string][]cql.Code

// ParseValueSetDB decodes a valueset-db.json document.
func ParseValueSetDB(data []byte) (ValueSetDB, error) {
	db := ValueSetDB{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return db, nil
	}
	if err := json.Unmarshal(data, &db); err != nil {
		return nil, fmt.Errorf("decode value set db: %w", err)
	}
	normalized := ValueSetDB{}
	for id, versions := range db {
		normalized.Merge(ValueSetDB{NormalizeID(id): versions})
	}
	return normalized, nil
}

// NormalizeID reduces "urn:oid:X" and ".../ValueSet/X" identifiers to X.
func NormalizeID(id string) string {
	id = strings.TrimPrefix(id, "urn:oid:")
	if i := strings.LastIndex(id, "ValueSet/"); i >= 0 {
		id = id[i+len("ValueSet/"):]
	}
	return id
}

// FindValueSet implements cql.CodeService. An empty version selects the
// greatest known version.
func (db ValueSetDB) FindValueSet(id, version string) ([]cql.Code, bool) {
	versions, ok := db[NormalizeID(id)]
	if !ok || len(versions) == 0 {
		return nil, false
	}
	if version != "" {
		codes, ok := versions[version]
		return codes, ok
	}
	keys := make([]string, 0, len(versions))
	for k := range versions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return versions[keys[len(keys)-1]], true
}

// Merge copies every expansion of other into db, replacing existing ones.
func (db ValueSetDB) Merge(other ValueSetDB) {
	for id, versions := range other {
		if db[id] == nil {
			db[id] = map[string][]cql.Code{}
		}
		for v, codes := range versions {
			db[id][v] = codes
		}
	}
}

// FromFHIRValueSets builds a ValueSetDB from FHIR ValueSet resources,
// preferring the expansion and falling back to enumerated compose concepts.
// Each value set is indexed by its id, its url and any urn:oid identifier.
func FromFHIRValueSets(resources []map[string]interface{}) ValueSetDB {
	db := ValueSetDB{}
	for _, res := range resources {
		if rt, _ := res["resourceType"].(string); rt != "ValueSet" {
			continue
		}
		codes := expansionCodes(res)
		if codes == nil {
			codes = composeCodes(res)
		}
		version, _ := res["version"].(string)
		for _, key := range valueSetKeys(res) {
			db.Merge(ValueSetDB{key: {version: codes}})
		}
	}
	return db
}

func valueSetKeys(res map[string]interface{}) []string {
	var keys []string
	if id, _ := res["id"].(string); id != "" {
		keys = append(keys, NormalizeID(id))
	}
	if url, _ := res["url"].(string); url != "" {
		keys = append(keys, url, NormalizeID(url))
	}
	identifiers, _ := res["identifier"].([]interface{})
	for _, raw := range identifiers {
		ident, _ := raw.(map[string]interface{})
		if v, _ := ident["value"].(string); strings.HasPrefix(v, "urn:oid:") {
			keys = append(keys, NormalizeID(v))
		}
	}
	return keys
}

func expansionCodes(res map[string]interface{}) []cql.Code {
	expansion, _ := res["expansion"].(map[string]interface{})
	if expansion == nil {
		return nil
	}
	var out []cql.Code
	var walk func(items []interface{})
	walk = func(items []interface{}) {
		for _, raw := range items {
			m, _ := raw.(map[string]interface{})
			if m == nil {
				continue
			}
			if code, _ := m["code"].(string); code != "" {
				out = append(out, codingOf(m, ""))
			}
			nested, _ := m["contains"].([]interface{})
			walk(nested)
		}
	}
	contains, _ := expansion["contains"].([]interface{})
	walk(contains)
	if out == nil {
		out = []cql.Code{}
	}
	return out
}

func composeCodes(res map[string]interface{}) []cql.Code {
	compose, _ := res["compose"].(map[string]interface{})
	includes, _ := compose["include"].([]interface{})
	out := []cql.Code{}
	for _, raw := range includes {
		inc, _ := raw.(map[string]interface{})
		system, _ := inc["system"].(string)
		concepts, _ := inc["concept"].([]interface{})
		for _, c := range concepts {
			if m, ok := c.(map[string]interface{}); ok {
				out = append(out, codingOf(m, system))
			}
		}
	}
	return out
}

func codingOf(m map[string]interface{}, system string) cql.Code {
	c := cql.Code{System: system}
	c.Code, _ = m["code"].(string)
	if s, _ := m["system"].(string); s != "" {
		c.System = s
	}
	c.Version, _ = m["version"].(string)
	c.Display, _ = m["display"].(string)
	return c
}
