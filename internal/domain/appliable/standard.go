package appliable

import (
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/cdshooks/internal/platform/fhir"
)

// Standard formats CommunicationRequest actions as information cards and
// group actions with a selectionBehavior as suggestion cards.
func Standard(_ *Module) (Behavior, error) {
	return standard{}, nil
}

type standard struct{}

func (standard) FormatCards(actions []interface{}, resources []map[string]interface{}) []fhir.CDSCard {
	return FormatCards(actions, fhir.NewResolver(resources), nil)
}

func (standard) CollapseIntoOne(cards []fhir.CDSCard) []fhir.CDSCard {
	return MergeCards(cards)
}

// FormatCards walks actions depth first, appending one card per
// CommunicationRequest action or selection group to cards.
func FormatCards(actions []interface{}, resolver *fhir.Resolver, cards []fhir.CDSCard) []fhir.CDSCard {
	for _, raw := range actions {
		action, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		ref := resourceReference(action)
		switch {
		case ref != "" && strings.Contains(ref, "CommunicationRequest"):
			cards = append(cards, informationCard(action, resolver))
		case action["selectionBehavior"] != nil:
			cards = append(cards, suggestionCard(action, resolver))
		default:
			if sub, ok := action["action"].([]interface{}); ok {
				cards = FormatCards(sub, resolver, cards)
			}
		}
	}
	return cards
}

func informationCard(action map[string]interface{}, resolver *fhir.Resolver) fhir.CDSCard {
	sources := Sources(action["documentation"])
	if len(sources) == 0 {
		sources = []fhir.CDSSource{{Label: "no source listed"}}
	}
	card := fhir.CDSCard{
		UUID:      cardUUID(action),
		Summary:   str(action["title"]),
		Indicator: Indicator(str(action["priority"])),
		Source:    sources[0],
		Detail:    PayloadContent(resolver, resourceReference(action)),
	}
	for _, s := range sources[1:] {
		card.Links = append(card.Links, fhir.CDSLink{Label: s.Label, URL: s.URL, Type: "absolute"})
	}
	return card
}

func suggestionCard(action map[string]interface{}, resolver *fhir.Resolver) fhir.CDSCard {
	sources := Sources(action["documentation"])
	var suggestions []fhir.CDSSuggestion
	sub, _ := action["action"].([]interface{})
	for _, raw := range sub {
		subaction, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		ref := resourceReference(subaction)
		if !strings.Contains(ref, "ServiceRequest") {
			continue
		}
		sources = append(sources, Sources(subaction["documentation"])...)
		var request map[string]interface{}
		if found := resolver.Resolve(ref); len(found) > 0 {
			request = found[0]
		}
		actionType := str(subaction["type"])
		if code, ok := subaction["type"].(map[string]interface{}); ok {
			actionType = firstCode(code)
		}
		if actionType == "" {
			actionType = "create"
		}
		description := str(subaction["description"])
		if description == "" {
			description = str(subaction["title"])
		}
		suggestions = append(suggestions, fhir.CDSSuggestion{
			Label: str(subaction["title"]),
			UUID:  cardUUID(subaction),
			Actions: []fhir.CDSAction{{
				Type:        actionType,
				Description: description,
				Resource:    SuggestedServiceRequest(request),
			}},
		})
	}

	card := fhir.CDSCard{
		UUID:              cardUUID(action),
		Summary:           str(action["title"]),
		Detail:            str(action["description"]),
		Indicator:         Indicator(str(action["priority"])),
		Source:            fhir.CDSSource{Label: "No source listed"},
		SelectionBehavior: "any",
		Suggestions:       suggestions,
	}
	if len(sources) > 0 {
		card.Source = sources[0]
		card.Links = []fhir.CDSLink{{Label: sources[0].Label, URL: sources[0].URL, Type: "absolute"}}
	}
	return card
}

// SuggestedServiceRequest reduces a created ServiceRequest to the draft
// outpatient order carried in a suggestion. nil gives nil.
func SuggestedServiceRequest(req map[string]interface{}) map[string]interface{} {
	if req == nil {
		return nil
	}
	code := map[string]interface{}{}
	if c, ok := req["code"].(map[string]interface{}); ok {
		text := str(c["text"])
		codings, _ := c["coding"].([]interface{})
		if len(codings) > 0 {
			first, _ := codings[0].(map[string]interface{})
			code["coding"] = []interface{}{map[string]interface{}{
				"code":   first["code"],
				"system": first["system"],
			}}
			if text == "" {
				text = str(first["display"])
			}
		}
		if text == "" {
			text = str(c["display"])
		}
		if text != "" {
			code["text"] = text
		}
	}
	out := map[string]interface{}{
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
		"code": code,
	}
	if subject, ok := req["subject"]; ok {
		out["subject"] = subject
	}
	return out
}

// MergeCards folds cards into one: the first card's summary and indicator,
// every detail separated by a blank line, and all suggestions and links.
func MergeCards(cards []fhir.CDSCard) []fhir.CDSCard {
	if len(cards) <= 1 {
		return cards
	}
	merged := cards[0]
	merged.Suggestions = nil
	merged.Links = nil
	var details []string
	for _, c := range cards {
		if c.Detail != "" {
			details = append(details, c.Detail)
		}
		merged.Suggestions = append(merged.Suggestions, c.Suggestions...)
		merged.Links = append(merged.Links, c.Links...)
		if severity(c.Indicator) > severity(merged.Indicator) {
			merged.Indicator = c.Indicator
		}
	}
	merged.Detail = strings.Join(details, "\n\n")
	if len(merged.Suggestions) > 0 && merged.SelectionBehavior == "" {
		merged.SelectionBehavior = "any"
	}
	return []fhir.CDSCard{merged}
}

func severity(indicator string) int {
	switch indicator {
	case "critical":
		return 2
	case "warning":
		return 1
	}
	return 0
}

// Indicator maps an action priority to a card indicator.
func Indicator(priority string) string {
	switch priority {
	case "urgent":
		return "warning"
	case "asap", "stat":
		return "critical"
	}
	return "info"
}

// Sources converts relatedArtifact documentation into card sources.
func Sources(documentation interface{}) []fhir.CDSSource {
	artifacts, _ := documentation.([]interface{})
	var out []fhir.CDSSource
	for _, raw := range artifacts {
		ra, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		switch str(ra["type"]) {
		case "documentation", "justification", "citation", "derived-from":
			out = append(out, fhir.CDSSource{Label: str(ra["display"]), URL: str(ra["url"])})
		}
	}
	return out
}

// PayloadContent returns the first payload contentString of the
// CommunicationRequest at ref, or "".
func PayloadContent(resolver *fhir.Resolver, ref string) string {
	found := resolver.Resolve(ref)
	if len(found) == 0 {
		return ""
	}
	payload, _ := found[0]["payload"].([]interface{})
	if len(payload) == 0 {
		return ""
	}
	first, _ := payload[0].(map[string]interface{})
	return str(first["contentString"])
}

func resourceReference(action map[string]interface{}) string {
	res, _ := action["resource"].(map[string]interface{})
	return str(res["reference"])
}

func cardUUID(action map[string]interface{}) string {
	if id := str(action["id"]); id != "" {
		return id
	}
	return uuid.New().String()
}

func firstCode(concept map[string]interface{}) string {
	codings, _ := concept["coding"].([]interface{})
	for _, raw := range codings {
		if c, ok := raw.(map[string]interface{}); ok {
			if code := str(c["code"]); code != "" {
				return code
			}
		}
	}
	return ""
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}
