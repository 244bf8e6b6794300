package appliable

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ehr/cdshooks/internal/platform/fhir"
)

func appliedResources() []map[string]interface{} {
	return []map[string]interface{}{
		{
			"resourceType": "CommunicationRequest",
			"id":           "cr1",
			"payload":      []interface{}{map[string]interface{}{"contentString": "Screening is due"}},
		},
		{
			"resourceType": "ServiceRequest",
			"id":           "sr1",
			"status":       "draft",
			"code": map[string]interface{}{
				"coding": []interface{}{map[string]interface{}{"system": "http://loinc.org", "code": "10524-7", "display": "Pap smear"}},
			},
			"subject": map[string]interface{}{"reference": "Patient/p1"},
		},
	}
}

func TestFormatCards_InformationCard(t *testing.T) {
	actions := []interface{}{
		map[string]interface{}{
			"action": []interface{}{
				map[string]interface{}{
					"id":       "a1",
					"title":    "Screening",
					"priority": "urgent",
					"resource": map[string]interface{}{"reference": "CommunicationRequest/cr1"},
					"documentation": []interface{}{
						map[string]interface{}{"type": "citation", "display": "Guideline", "url": "http://example.org/g"},
						map[string]interface{}{"type": "documentation", "display": "More", "url": "http://example.org/m"},
						map[string]interface{}{"type": "predecessor", "display": "ignored"},
					},
				},
			},
		},
	}
	b, _ := Standard(nil)
	cards := b.FormatCards(actions, appliedResources())
	want := []fhir.CDSCard{{
		UUID:      "a1",
		Summary:   "Screening",
		Detail:    "Screening is due",
		Indicator: "warning",
		Source:    fhir.CDSSource{Label: "Guideline", URL: "http://example.org/g"},
		Links:     []fhir.CDSLink{{Label: "More", URL: "http://example.org/m", Type: "absolute"}},
	}}
	if diff := cmp.Diff(want, cards); diff != "" {
		t.Errorf("cards mismatch (-want +got):\n%s", diff)
	}
}

func TestFormatCards_SuggestionCard(t *testing.T) {
	actions := []interface{}{
		map[string]interface{}{
			"id":                "g1",
			"title":             "Order tests",
			"description":       "Pick one",
			"selectionBehavior": "at-most-one",
			"action": []interface{}{
				map[string]interface{}{
					"id":       "s1",
					"title":    "Order Pap",
					"resource": map[string]interface{}{"reference": "ServiceRequest/sr1"},
				},
				map[string]interface{}{"id": "skip", "title": "Not an order"},
			},
		},
	}
	cards := FormatCards(actions, fhir.NewResolver(appliedResources()), nil)
	if len(cards) != 1 {
		t.Fatalf("expected one card, got %d", len(cards))
	}
	card := cards[0]
	if card.SelectionBehavior != "any" || card.Source.Label != "No source listed" || card.Indicator != "info" {
		t.Errorf("unexpected card header: %+v", card)
	}
	if len(card.Suggestions) != 1 {
		t.Fatalf("expected one suggestion, got %d", len(card.Suggestions))
	}
	s := card.Suggestions[0]
	if s.Label != "Order Pap" || s.UUID != "s1" || s.Actions[0].Type != "create" || s.Actions[0].Description != "Order Pap" {
		t.Errorf("unexpected suggestion: %+v", s)
	}
	want := map[string]interface{}{
		"resourceType": "ServiceRequest",
		"status":       "draft",
		"intent":       "proposal",
		"category": []interface{}{map[string]interface{}{
			"coding": []interface{}{map[string]interface{}{
				"system":  "http://terminology.hl7.org/CodeSystem/medicationrequest-category",
				"code":    "outpatient",
				"display": "Outpatient",
			}},
		}},
		"code": map[string]interface{}{
			"coding": []interface{}{map[string]interface{}{"code": "10524-7", "system": "http://loinc.org"}},
			"text":   "Pap smear",
		},
		"subject": map[string]interface{}{"reference": "Patient/p1"},
	}
	if diff := cmp.Diff(want, s.Actions[0].Resource); diff != "" {
		t.Errorf("suggested resource mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeCards(t *testing.T) {
	cards := []fhir.CDSCard{
		{Summary: "First", Detail: "one", Indicator: "info", Links: []fhir.CDSLink{{Label: "a"}}},
		{Summary: "Second", Detail: "two", Indicator: "critical",
			Suggestions: []fhir.CDSSuggestion{{Label: "do it"}}},
	}
	got := MergeCards(cards)
	if len(got) != 1 {
		t.Fatalf("expected one card, got %d", len(got))
	}
	c := got[0]
	if c.Summary != "First" || c.Detail != "one\n\ntwo" || c.Indicator != "critical" {
		t.Errorf("unexpected merged card: %+v", c)
	}
	if len(c.Suggestions) != 1 || len(c.Links) != 1 || c.SelectionBehavior != "any" {
		t.Errorf("expected suggestions and links to be concatenated: %+v", c)
	}
}

func TestIndicator(t *testing.T) {
	cases := map[string]string{"routine": "info", "urgent": "warning", "asap": "critical", "stat": "critical", "": "info"}
	for in, want := range cases {
		if got := Indicator(in); got != want {
			t.Errorf("%q: expected %s, got %s", in, want, got)
		}
	}
}
