package fhir

// ---------------------------------------------------------------------------
// CDS Hooks wire types (HL7 CDS Hooks 1.0 / 2.0)
// ---------------------------------------------------------------------------

// CDSHookRequest is the payload POSTed to invoke a hook.
type CDSHookRequest struct {
	Hook         string                 `json:"hook"`
	HookInstance string                 `json:"hookInstance"`
	FHIRServer   string                 `json:"fhirServer,omitempty"`
	FHIRAuth     *CDSFHIRAuth           `json:"fhirAuthorization,omitempty"`
	Context      map[string]interface{} `json:"context"`
	Prefetch     map[string]interface{} `json:"prefetch,omitempty"`
}

// CDSFHIRAuth carries FHIR authorization details from the EHR.
type CDSFHIRAuth struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
	Subject     string `json:"subject"`
}

// CDSCard is a single card in the hook response.
type CDSCard struct {
	UUID              string                 `json:"uuid,omitempty"`
	Summary           string                 `json:"summary"`
	Detail            string                 `json:"detail,omitempty"`
	Indicator         string                 `json:"indicator"`
	Source            CDSSource              `json:"source"`
	Suggestions       []CDSSuggestion        `json:"suggestions,omitempty"`
	Links             []CDSLink              `json:"links,omitempty"`
	OverrideReasons   []CDSCoding            `json:"overrideReasons,omitempty"`
	SelectionBehavior string                 `json:"selectionBehavior,omitempty"`
	Extension         map[string]interface{} `json:"extension,omitempty"`
}

// CDSSource identifies the source of a card.
type CDSSource struct {
	Label string     `json:"label"`
	URL   string     `json:"url,omitempty"`
	Icon  string     `json:"icon,omitempty"`
	Topic *CDSCoding `json:"topic,omitempty"`
}

// CDSSuggestion is a suggested action within a card.
type CDSSuggestion struct {
	Label         string      `json:"label"`
	UUID          string      `json:"uuid,omitempty"`
	IsRecommended bool        `json:"isRecommended,omitempty"`
	Actions       []CDSAction `json:"actions,omitempty"`
}

// CDSAction is an individual action within a suggestion.
type CDSAction struct {
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Resource    interface{} `json:"resource,omitempty"`
}

// CDSLink is an external link within a card.
type CDSLink struct {
	Label      string `json:"label"`
	URL        string `json:"url"`
	Type       string `json:"type"`
	AppContext string `json:"appContext,omitempty"`
}

// CDSCoding is a code/system/display triple used in CDS Hooks.
type CDSCoding struct {
	Code    string `json:"code"`
	System  string `json:"system,omitempty"`
	Display string `json:"display,omitempty"`
}

// CDSHookResponse is returned from hook invocation. Cards configured as
// templates are interpolated generically, so entries are either CDSCard
// values or plain JSON objects.
type CDSHookResponse struct {
	Cards []interface{} `json:"cards"`
}

// CDSFeedbackRequest is the body of POST /cds-services/{id}/feedback.
type CDSFeedbackRequest struct {
	Feedback []CDSCardFeedback `json:"feedback"`
}

// CDSCardFeedback records what the user did with a card.
type CDSCardFeedback struct {
	Card                string        `json:"card"`
	Outcome             string        `json:"outcome"`
	AcceptedSuggestions []CDSAccepted `json:"acceptedSuggestions,omitempty"`
	OverrideReason      interface{}   `json:"overrideReason,omitempty"`
	OutcomeTimestamp    string        `json:"outcomeTimestamp,omitempty"`
}

// CDSAccepted names a suggestion the user accepted.
type CDSAccepted struct {
	ID string `json:"id"`
}
