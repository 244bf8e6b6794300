// Package cdsservice runs CDS Hooks calls against the loaded hooks, CQL
// libraries and appliable modules.
package cdsservice

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/ehr/cdshooks/internal/domain/appliable"
	"github.com/ehr/cdshooks/internal/domain/hooks"
	"github.com/ehr/cdshooks/internal/domain/library"
	"github.com/ehr/cdshooks/internal/platform/cql"
	"github.com/ehr/cdshooks/internal/platform/fhir"
	"github.com/ehr/cdshooks/internal/platform/fhirclient"
	"github.com/ehr/cdshooks/internal/platform/metrics"
)

// Terminology makes the value sets of a library available and answers
// membership questions during execution.
type Terminology interface {
	cql.CodeService
	EnsureValueSetsInLibrary(ctx context.Context, lib *cql.Library) error
}

// FHIRClient issues live queries against the caller's FHIR server.
type FHIRClient interface {
	Request(ctx context.Context, urlOrPath string, opts fhirclient.Options) (interface{}, error)
}

// ClientFactory returns a client for the request, or false when the request
// names no FHIR server.
type ClientFactory func(req *fhir.CDSHookRequest) (FHIRClient, bool)

// ClientsFromRequest builds live clients from the request's fhirServer and
// fhirAuthorization fields.
func ClientsFromRequest(timeout time.Duration) ClientFactory {
	return func(req *fhir.CDSHookRequest) (FHIRClient, bool) {
		c := fhirclient.NewFromRequest(req, timeout)
		if c == nil {
			return nil, false
		}
		return c, true
	}
}

// Options configures a Service. Hooks and Libraries are required.
type Options struct {
	Hooks       *hooks.Registry
	Libraries   *library.Registry
	Apply       *appliable.Registry
	Terminology Terminology
	Clients     ClientFactory

	// IgnoreVSACErrors continues a call whose value sets could not all be
	// downloaded.
	IgnoreVSACErrors bool
	// SmartIfNoPrefetch queries the FHIR server for prefetch keys the caller
	// did not supply.
	SmartIfNoPrefetch bool
	// AltFHIRQueries are extra query templates whose results are passed
	// through the appliable module's translator.
	AltFHIRQueries []string
	// CollapseCards merges $apply cards into one.
	CollapseCards bool

	Metrics *metrics.Metrics
	Logger  zerolog.Logger
	Now     func() time.Time
}

// Service executes hook calls. It only reads the registries, so one Service
// serves concurrent calls.
type Service struct {
	opts Options
	log  zerolog.Logger
}

func NewService(opts Options) *Service {
	if opts.Clients == nil {
		opts.Clients = ClientsFromRequest(0)
	}
	return &Service{opts: opts, log: opts.Logger}
}

// Discover lists every hook without its internal configuration.
func (s *Service) Discover() []*hooks.Hook {
	return s.opts.Hooks.All(true)
}

// target is the resolved work of one call: either a library to evaluate or
// an appliable module whose PlanDefinition is applied.
type target struct {
	hook    *hooks.Hook
	library *cql.Library
	module  *appliable.Module
}

// Call runs hook id for req and returns the resulting cards. Failures are
// returned as *StatusError.
func (s *Service) Call(ctx context.Context, id string, req *fhir.CDSHookRequest) (resp *fhir.CDSHookResponse, err error) {
	start := time.Now()
	defer func() {
		s.record(id, start, resp, err)
	}()

	t, err := s.resolve(id, req)
	if err != nil {
		return nil, err
	}
	if err := s.ensureValueSets(ctx, t); err != nil {
		return nil, err
	}

	s.log.Info().Str("hook", id).Str("title", t.hook.Title).Str("hook_instance", req.HookInstance).Msg("received hook call")

	bundle, err := s.assemble(ctx, t, req)
	if err != nil {
		return nil, err
	}
	if err := s.enrich(ctx, t, req, bundle); err != nil {
		return nil, err
	}
	s.logBundle(id, bundle)

	var cards []interface{}
	if t.module != nil {
		cards, err = s.apply(ctx, t, bundle)
	} else {
		cards, err = s.evaluate(ctx, t, bundle)
	}
	if err != nil {
		return nil, err
	}
	if cards == nil {
		cards = []interface{}{}
	}
	return &fhir.CDSHookResponse{Cards: cards}, nil
}

func (s *Service) resolve(id string, req *fhir.CDSHookRequest) (*target, error) {
	if req == nil || req.Hook == "" || req.HookInstance == "" || req.Context == nil {
		return nil, statusError(http.StatusBadRequest, "Invalid request. Missing at least one required field from: hook, hookInstance, context.")
	}

	h, ok := s.opts.Hooks.Find(id)
	if !ok {
		s.log.Error().Str("hook", id).Msg("hook not found")
		return nil, statusError(http.StatusNotFound, "")
	}
	t := &target{hook: h}

	switch {
	case h.UsesApply():
		var mod *appliable.Module
		if s.opts.Apply != nil {
			mod, _ = s.opts.Apply.Module(h.Config.Apply.Key)
		}
		if mod == nil {
			s.log.Error().Str("hook", id).Str("key", h.Config.Apply.Key).Msg("appliable module not found")
			return nil, statusError(http.StatusInternalServerError, "CDS Hook config specified a PlanDefinition to $apply, but the appliable module could not be located.")
		}
		t.module = mod
		// The module's prefetch always wins over anything in the hook file.
		t.hook.Prefetch = mod.Prefetch
	case h.UsesCQL():
		ref := h.Config.CQL.Library
		lib, ok := s.opts.Libraries.Resolve(ref.ID, ref.Version)
		if !ok {
			s.log.Error().Str("hook", id).Str("library", ref.ID).Str("version", ref.Version).Msg("library not found")
			return nil, statusError(http.StatusInternalServerError, "CDS Hook config specified a CQL library, but library could not be located.")
		}
		t.library = lib
	default:
		return nil, statusError(http.StatusInternalServerError, "CDS Hook config does not specificy a CQL library or a PlanDefinition to $apply.")
	}
	return t, nil
}

func (s *Service) ensureValueSets(ctx context.Context, t *target) error {
	if t.library == nil || s.opts.Terminology == nil {
		return nil
	}
	err := s.opts.Terminology.EnsureValueSetsInLibrary(ctx, t.library)
	if err == nil {
		return nil
	}
	for _, e := range flatten(err) {
		s.log.Error().Err(e).Str("hook", t.hook.ID).Str("library", t.library.Name()).Msg("value set unavailable")
	}
	if s.opts.IgnoreVSACErrors {
		return nil
	}
	return wrapStatus(http.StatusInternalServerError, err)
}

func (s *Service) codes(t *target) cql.CodeService {
	if t.module != nil {
		return t.module.ValueSets
	}
	return s.opts.Terminology
}

// apply runs the hook's PlanDefinition and converts the RequestGroup actions
// into cards.
func (s *Service) apply(ctx context.Context, t *target, bundle *fhir.Bundle) ([]interface{}, error) {
	patientData := bundle.Resources()
	resolver := fhir.NewResolver(t.module.Resources, patientData)

	planID := t.hook.Config.Apply.PlanDefinition
	found := resolver.Resolve("PlanDefinition/" + planID)
	if len(found) == 0 {
		s.log.Error().Str("hook", t.hook.ID).Str("plan_definition", planID).Msg("PlanDefinition not found")
		return nil, statusError(http.StatusInternalServerError, fmt.Sprintf("PlanDefinition %s was not found in appliable module %s", planID, t.module.Key))
	}

	patients := bundle.ResourcesOfType("Patient")
	if len(patients) == 0 {
		return nil, statusError(http.StatusBadRequest, "Insufficient data to provide results.")
	}
	patientID, _ := patients[0]["id"].(string)

	produced, err := fhir.ApplyAndMerge(ctx, found[0], fhir.FormatReference("Patient", patientID), resolver, fhir.ApplyOptions{
		ELM:       t.module.ELM,
		ValueSets: t.module.ValueSets,
		Logger:    s.log,
		Now:       s.opts.Now,
	})
	if err != nil {
		s.log.Error().Err(err).Str("hook", t.hook.ID).Msg("$apply failed")
		return nil, wrapStatus(executionStatus(err), err)
	}

	requestGroup, others := produced[0], produced[1:]
	var formatted []fhir.CDSCard
	if actions, ok := requestGroup["action"].([]interface{}); ok {
		formatted = t.module.FormatCards(actions, others)
	}
	if s.opts.CollapseCards {
		formatted = t.module.CollapseIntoOne(formatted)
	}

	cards := make([]interface{}, 0, len(formatted))
	for i := range formatted {
		s.log.Debug().Str("hook", t.hook.ID).Str("summary", formatted[i].Summary).Int("suggestions", len(formatted[i].Suggestions)).Msg("card returned")
		cards = append(cards, formatted[i])
	}
	return cards, nil
}

var supportedFHIRVersions = map[string]bool{
	"1.0.2": true,
	"3.0.0": true,
	"4.0.0": true,
	"4.0.1": true,
}

// evaluate runs the hook's CQL library and renders its card templates.
func (s *Service) evaluate(ctx context.Context, t *target, bundle *fhir.Bundle) ([]interface{}, error) {
	using, ok := t.library.FHIRUsing()
	if !ok || !supportedFHIRVersions[using.Version] {
		s.log.Error().Str("hook", t.hook.ID).Str("library", t.library.Name()).Str("fhir_version", using.Version).Msg("library does not use any supported data model")
		return nil, statusError(http.StatusNotImplemented, "Not Implemented: Unsupported data model (must be FHIR 1.0.2, 3.0.0, 4.0.0, or 4.0.1")
	}

	source := cql.NewPatientSource(using.Version, bundle.Map())
	exec := &cql.Executor{Codes: s.codes(t), Now: s.opts.Now}
	results, err := exec.Execute(ctx, t.library, source)
	if err != nil {
		s.log.Error().Err(err).Str("hook", t.hook.ID).Str("library", t.library.Name()).Msg("CQL execution failed")
		return nil, wrapStatus(executionStatus(err), err)
	}

	switch len(results.PatientResults) {
	case 0:
		return nil, statusError(http.StatusBadRequest, "Insufficient data to provide results.")
	case 1:
	default:
		return nil, statusError(http.StatusBadRequest, "Data contained information about more than one patient.")
	}
	var values map[string]interface{}
	for _, v := range results.PatientResults {
		values = v
	}
	rs, err := NewResultSet(values)
	if err != nil {
		return nil, wrapStatus(http.StatusInternalServerError, err)
	}
	return s.renderCards(t.hook, rs)
}

func (s *Service) renderCards(h *hooks.Hook, rs *ResultSet) ([]interface{}, error) {
	var cards []interface{}
	for _, tmpl := range h.Config.Cards {
		if tmpl.ConditionExpression != "" {
			if !rs.Has(tmpl.ConditionExpression) {
				s.log.Error().Str("hook", h.ID).Str("condition", tmpl.ConditionExpression).Msg("card condition names an unknown expression")
				return nil, statusError(http.StatusInternalServerError, "Hook configuration refers to non-existent conditionExpression")
			}
			if !rs.Truthy(tmpl.ConditionExpression) {
				continue
			}
		}
		card, _ := rs.Interpolate(tmpl.Card).(map[string]interface{})
		if card == nil {
			card = map[string]interface{}{}
		}
		report(card, "errors", rs.Lookup("Errors"))
		report(card, "warnings", rs.Lookup("Warnings"))
		cards = append(cards, card)
	}
	return cards, nil
}

// report attaches a non-empty Errors or Warnings result to the card's
// extension under label. A single value is wrapped in a list.
func report(card map[string]interface{}, label string, r gjson.Result) {
	if r.Type == gjson.Null {
		return
	}
	v := r.Value()
	if r.IsArray() {
		if len(r.Array()) == 0 {
			return
		}
	} else {
		v = []interface{}{v}
	}
	ext, _ := card["extension"].(map[string]interface{})
	if ext == nil {
		ext = map[string]interface{}{}
		card["extension"] = ext
	}
	ext[label] = v
}

func (s *Service) logBundle(id string, bundle *fhir.Bundle) {
	if !s.log.Debug().Enabled() {
		return
	}
	for _, res := range bundle.Resources() {
		s.log.Debug().Str("hook", id).Interface("resource_type", res["resourceType"]).Interface("id", res["id"]).Msg("bundle entry")
	}
}

func (s *Service) record(id string, start time.Time, resp *fhir.CDSHookResponse, err error) {
	if s.opts.Metrics == nil {
		return
	}
	status := http.StatusOK
	if err != nil {
		status = StatusCode(err)
	}
	s.opts.Metrics.HookCalls.WithLabelValues(id, strconv.Itoa(status)).Inc()
	s.opts.Metrics.HookDuration.WithLabelValues(id).Observe(time.Since(start).Seconds())
	if resp != nil {
		s.opts.Metrics.CardsReturned.WithLabelValues(id).Add(float64(len(resp.Cards)))
	}
}
