package fhir

import (
	"encoding/json"
	"testing"
)

func TestBundleAdd(t *testing.T) {
	b := NewCollectionBundle()
	b.Add(nil)
	b.Add(map[string]interface{}{"resourceType": "Patient", "id": "p1"})
	b.Add(map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "searchset",
		"entry": []interface{}{
			map[string]interface{}{"resource": map[string]interface{}{"resourceType": "Condition", "id": "c1"}},
			map[string]interface{}{},
		},
	})
	b.Add([]map[string]interface{}{{"resourceType": "Observation", "id": "o1"}})
	b.Add([]interface{}{map[string]interface{}{"resourceType": "Observation", "id": "o2"}})

	got := b.Resources()
	want := []string{"p1", "c1", "o1", "o2"}
	if len(got) != len(want) {
		t.Fatalf("expected %d resources, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i]["id"] != id {
			t.Errorf("entry %d: expected %s, got %v", i, id, got[i]["id"])
		}
	}
	if n := len(b.ResourcesOfType("Observation")); n != 2 {
		t.Errorf("expected 2 observations, got %d", n)
	}
}

func TestBundleAdd_NonSearchsetBundleIsResource(t *testing.T) {
	b := NewCollectionBundle()
	b.Add(map[string]interface{}{"resourceType": "Bundle", "type": "collection", "entry": []interface{}{}})
	if len(b.Entry) != 1 || b.Entry[0].Resource["resourceType"] != "Bundle" {
		t.Errorf("expected collection bundle to be added as a resource, got %+v", b.Entry)
	}
}

func TestBundleAdd_RawJSON(t *testing.T) {
	b := NewCollectionBundle()
	b.Add(json.RawMessage(`{"resourceType":"Patient","id":"raw"}`))
	if len(b.Entry) != 1 || b.Entry[0].Resource["id"] != "raw" {
		t.Errorf("expected raw JSON resource, got %+v", b.Entry)
	}
}

func TestBundleMap(t *testing.T) {
	b := NewCollectionBundle()
	b.Add(map[string]interface{}{"resourceType": "Patient", "id": "p1"})
	m := b.Map()
	if m["type"] != "collection" {
		t.Errorf("expected collection type, got %v", m["type"])
	}
	if got := EntryResources(m); len(got) != 1 || got[0]["id"] != "p1" {
		t.Errorf("expected p1 round trip, got %v", got)
	}

	data, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["resourceType"] != "Bundle" {
		t.Errorf("expected resourceType Bundle, got %v", decoded["resourceType"])
	}
}

func TestSetResources(t *testing.T) {
	b := NewCollectionBundle()
	b.Add(map[string]interface{}{"resourceType": "Patient", "id": "p1"})
	b.SetResources([]map[string]interface{}{{"resourceType": "Patient", "id": "p2"}, nil})
	if len(b.Entry) != 1 || b.Entry[0].Resource["id"] != "p2" {
		t.Errorf("expected p2 only, got %+v", b.Entry)
	}
}
