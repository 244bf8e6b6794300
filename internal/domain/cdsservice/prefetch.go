package cdsservice

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ehr/cdshooks/internal/domain/library"
	"github.com/ehr/cdshooks/internal/platform/fhir"
	"github.com/ehr/cdshooks/internal/platform/fhirclient"
)

var liveQuery = fhirclient.Options{PageLimit: 0, Flat: true}

// assemble builds the collection bundle the hook runs against. Supplied
// prefetch entries are used as they are. Missing keys are queried live when
// SmartIfNoPrefetch is set; the queries run concurrently and any failure
// fails the call with 412. Entries are added in prefetch key order.
func (s *Service) assemble(ctx context.Context, t *target, req *fhir.CDSHookRequest) (*fhir.Bundle, error) {
	bundle := fhir.NewCollectionBundle()
	keys := t.hook.Prefetch.Keys()
	if len(keys) == 0 {
		return bundle, nil
	}

	slots := make([]interface{}, len(keys))
	var missing []int
	for i, key := range keys {
		supplied, ok := req.Prefetch[key]
		if ok || !s.opts.SmartIfNoPrefetch {
			slots[i] = supplied
			continue
		}
		missing = append(missing, i)
	}
	if len(missing) > 0 {
		if err := s.fetchMissing(ctx, t, req, keys, missing, slots); err != nil {
			return nil, err
		}
	}

	for _, v := range slots {
		bundle.Add(v)
	}
	return bundle, nil
}

func (s *Service) fetchMissing(ctx context.Context, t *target, req *fhir.CDSHookRequest, keys []string, missing []int, slots []interface{}) error {
	client, ok := s.opts.Clients(req)
	if !ok {
		s.log.Error().Str("hook", t.hook.ID).Int("missing", len(missing)).Msg("prefetch missing and no FHIR server to query")
		return statusError(http.StatusPreconditionFailed, "")
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, i := range missing {
		template, _ := t.hook.Prefetch.Get(keys[i])
		query := library.Substitute(template, req.Context)
		i := i
		g.Go(func() error {
			result, err := s.query(gctx, client, query)
			if err != nil {
				return err
			}
			slots[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.log.Error().Err(err).Str("hook", t.hook.ID).Msg("prefetch query failed")
		return &StatusError{Code: http.StatusPreconditionFailed, Err: err}
	}
	return nil
}

// enrich issues the configured alternate queries and passes each result
// through the module translator. Without a module the results are added to
// the bundle as they are. The queries run concurrently. Translations are
// applied one after another in template order once every query has
// returned, and a failure of either step fails the call with 412.
func (s *Service) enrich(ctx context.Context, t *target, req *fhir.CDSHookRequest, bundle *fhir.Bundle) error {
	if len(s.opts.AltFHIRQueries) == 0 {
		return nil
	}
	client, ok := s.opts.Clients(req)
	if !ok {
		s.log.Error().Str("hook", t.hook.ID).Msg("alternate queries configured but no FHIR server to query")
		return statusError(http.StatusPreconditionFailed, "")
	}

	patientID := ""
	if patients := bundle.ResourcesOfType("Patient"); len(patients) > 0 {
		patientID, _ = patients[0]["id"].(string)
	}

	raw := make([]interface{}, len(s.opts.AltFHIRQueries))
	g, gctx := errgroup.WithContext(ctx)
	for i, template := range s.opts.AltFHIRQueries {
		query := library.Substitute(template, req.Context)
		if patientID != "" {
			query = strings.ReplaceAll(query, "{{context.patientId}}", patientID)
		}
		s.log.Debug().Str("hook", t.hook.ID).Str("template", template).Str("url", query).Msg("alternate query")
		i := i
		g.Go(func() error {
			result, err := s.query(gctx, client, query)
			if err != nil {
				return err
			}
			raw[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.log.Error().Err(err).Str("hook", t.hook.ID).Msg("alternate query failed")
		return &StatusError{Code: http.StatusPreconditionFailed, Err: err}
	}

	for _, result := range raw {
		if t.module == nil {
			bundle.Add(result)
			continue
		}
		translated, err := t.module.TranslateResponse(result, bundle.Resources())
		if err != nil {
			s.log.Error().Err(err).Str("hook", t.hook.ID).Msg("alternate query translation failed")
			return &StatusError{Code: http.StatusPreconditionFailed, Err: err}
		}
		bundle.SetResources(translated)
	}
	return nil
}

func (s *Service) query(ctx context.Context, client FHIRClient, query string) (interface{}, error) {
	result, err := client.Request(ctx, query, liveQuery)
	if s.opts.Metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		s.opts.Metrics.LiveQueries.WithLabelValues(outcome).Inc()
	}
	return result, err
}
