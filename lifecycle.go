package flowline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// PublishValidator is a publish-time hook letting callers inject stricter
// domain rules beyond structural validation. The default accepts everything.
type PublishValidator func(ctx context.Context, g *Graph, def *Definition) error

// DefinitionServiceOptions configures a definition lifecycle service.
type DefinitionServiceOptions struct {
	Store            Store
	Publisher        *Publisher
	Logger           *slog.Logger
	PublishValidator PublishValidator
}

// DefinitionService orchestrates the definition lifecycle: draft creation
// and update, publish/unpublish, versioning, and deletion. Each version
// moves Draft -> Published and may cycle Published <-> Unpublished, but
// published content is never mutated in place.
type DefinitionService struct {
	store            Store
	publisher        *Publisher
	logger           *slog.Logger
	publishValidator PublishValidator
}

// NewDefinitionService creates a definition lifecycle service.
func NewDefinitionService(opts DefinitionServiceOptions) (*DefinitionService, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.PublishValidator == nil {
		opts.PublishValidator = func(ctx context.Context, g *Graph, def *Definition) error {
			return nil
		}
	}
	return &DefinitionService{
		store:            opts.Store,
		publisher:        opts.Publisher,
		logger:           opts.Logger,
		publishValidator: opts.PublishValidator,
	}, nil
}

// CreateDraftInput carries the fields of a new draft definition.
type CreateDraftInput struct {
	Name           string
	Description    string
	JSONDefinition string
	Tags           []string
}

// CreateDraft parses and draft-validates the graph, then persists version 1
// of a new definition lineage as an unpublished draft.
func (s *DefinitionService) CreateDraft(ctx context.Context, input CreateDraftInput) (*Definition, error) {
	tenantID, err := requireTenant(ctx)
	if err != nil {
		return nil, err
	}
	text, _, err := s.normalizeGraph(input.JSONDefinition, false)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	def := &Definition{
		ID:             NewDefinitionID(),
		TenantID:       tenantID,
		Name:           input.Name,
		Description:    input.Description,
		JSONDefinition: text,
		Version:        1,
		Tags:           input.Tags,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.SaveDefinition(ctx, def); err != nil {
		s.logger.Error("failed to save draft definition",
			"tenant_id", tenantID, "definition_id", def.ID, "error", err)
		return nil, internalError("create draft", err)
	}
	s.logger.Info("draft definition created",
		"tenant_id", tenantID, "definition_id", def.ID, "name", def.Name)
	return def, nil
}

// UpdateDraftInput carries the fields of a draft update. Empty fields are
// left unchanged; JSONDefinition, when supplied, is re-parsed and
// draft-validated before anything persists.
type UpdateDraftInput struct {
	Name           string
	Description    string
	JSONDefinition string
	Tags           []string
}

// UpdateDraft mutates an unpublished draft. Published definitions are
// rejected with an immutability violation. Gateway label enrichment is
// applied opportunistically even when no new JSON is supplied, without
// bumping UpdatedAt unless content actually changed.
func (s *DefinitionService) UpdateDraft(ctx context.Context, id string, input UpdateDraftInput) (*Definition, error) {
	def, err := s.loadOwned(ctx, id)
	if err != nil {
		return nil, err
	}
	if def.IsPublished {
		return nil, NewError(ErrImmutabilityViolation,
			"published definition content cannot be modified, create a new version instead")
	}

	touched := false
	if input.JSONDefinition != "" {
		text, _, err := s.normalizeGraph(input.JSONDefinition, false)
		if err != nil {
			return nil, err
		}
		if text != def.JSONDefinition {
			def.JSONDefinition = text
			touched = true
		}
	} else {
		// Opportunistic enrichment of the stored graph.
		text, changed, err := s.normalizeGraph(def.JSONDefinition, true)
		if err == nil && changed {
			def.JSONDefinition = text
		}
	}
	if input.Name != "" && input.Name != def.Name {
		def.Name = input.Name
		touched = true
	}
	if input.Description != "" && input.Description != def.Description {
		def.Description = input.Description
		touched = true
	}
	if input.Tags != nil {
		def.Tags = input.Tags
		touched = true
	}
	if touched {
		def.UpdatedAt = time.Now()
	}
	if err := s.store.SaveDefinition(ctx, def); err != nil {
		s.logger.Error("failed to save draft update",
			"tenant_id", def.TenantID, "definition_id", def.ID, "error", err)
		return nil, internalError("update draft", err)
	}
	return def, nil
}

// Publish validates the graph strictly and flips the definition to
// published. Re-publishing an already-published version requires force, and
// even force is blocked when the stored text differs from the originally
// published snapshot: byte-identical content is the only thing force may
// re-publish.
func (s *DefinitionService) Publish(ctx context.Context, id string, force bool) (*Definition, error) {
	def, err := s.loadOwned(ctx, id)
	if err != nil {
		return nil, err
	}
	g, err := ParseGraph(def.JSONDefinition)
	if err != nil {
		return nil, err
	}
	result := ValidateGraph(g, true)
	if !result.IsValid {
		return nil, NewValidationError("workflow definition failed validation", result.Errors)
	}
	if err := s.publishValidator(ctx, g, def); err != nil {
		return nil, NewValidationError("publish validation failed", []string{err.Error()})
	}

	if def.IsPublished {
		if !force {
			return nil, NewError(ErrAlreadyPublished,
				fmt.Sprintf("definition %q version %d is already published", def.Name, def.Version))
		}
		if def.PublishedJSON() != "" && def.PublishedJSON() != def.JSONDefinition {
			return nil, NewError(ErrImmutabilityViolation,
				"published content changed, create a new version instead")
		}
	}

	def.MarkPublished(time.Now())
	if err := s.store.SaveDefinition(ctx, def); err != nil {
		s.logger.Error("failed to save published definition",
			"tenant_id", def.TenantID, "definition_id", def.ID, "error", err)
		return nil, internalError("publish", err)
	}
	if err := s.publisher.PublishDefinitionPublished(ctx, def); err != nil {
		s.logger.Error("failed to publish definition lifecycle event",
			"tenant_id", def.TenantID, "definition_id", def.ID, "error", err)
	}
	s.logger.Info("definition published",
		"tenant_id", def.TenantID, "definition_id", def.ID, "version", def.Version)
	return def, nil
}

// Unpublish flips a published definition back to unpublished. When active
// (running or suspended) instances reference this exact definition version
// the call fails unless forceTerminate is set, in which case every active
// instance of this tenant is cancelled inside one transaction before the
// flag flips. Instances of other tenants are never touched, even when they
// share the definition ID and version.
func (s *DefinitionService) Unpublish(ctx context.Context, id string, forceTerminate bool) (*Definition, error) {
	def, err := s.loadOwned(ctx, id)
	if err != nil {
		return nil, err
	}
	if !def.IsPublished {
		return nil, NewError(ErrInvalidStateTransition,
			fmt.Sprintf("definition %q version %d is not published", def.Name, def.Version))
	}

	instances, err := s.store.ListInstancesByDefinition(ctx, def.TenantID, def.ID, def.Version)
	if err != nil {
		s.logger.Error("failed to list instances for unpublish",
			"tenant_id", def.TenantID, "definition_id", def.ID, "error", err)
		return nil, internalError("unpublish", err)
	}
	var active []*Instance
	for _, instance := range instances {
		if instance.Status.IsActive() {
			active = append(active, instance)
		}
	}

	if len(active) > 0 && !forceTerminate {
		details := make([]string, 0, len(active))
		for _, instance := range active {
			details = append(details, instance.ID)
		}
		return nil, &Error{
			Code:    ErrActiveInstancesPresent,
			Message: fmt.Sprintf("cannot unpublish: %d active instance(s) reference this version", len(active)),
			Details: details,
		}
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context) error {
		now := time.Now()
		for _, instance := range active {
			instance.Status = InstanceStatusCancelled
			instance.CompletedAt = now
			if err := s.store.SaveInstance(ctx, instance); err != nil {
				return fmt.Errorf("failed to cancel instance %s: %w", instance.ID, err)
			}
			if err := s.publisher.PublishInstanceForceCancelled(ctx, instance); err != nil {
				return fmt.Errorf("failed to publish force-cancellation for instance %s: %w", instance.ID, err)
			}
		}
		def.IsPublished = false
		if err := s.store.SaveDefinition(ctx, def); err != nil {
			return fmt.Errorf("failed to save unpublished definition: %w", err)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("unpublish transaction failed",
			"tenant_id", def.TenantID, "definition_id", def.ID, "error", err)
		return nil, internalError("unpublish", err)
	}

	if err := s.publisher.PublishDefinitionUnpublished(ctx, def); err != nil {
		s.logger.Error("failed to publish definition lifecycle event",
			"tenant_id", def.TenantID, "definition_id", def.ID, "error", err)
	}
	s.logger.Info("definition unpublished",
		"tenant_id", def.TenantID, "definition_id", def.ID,
		"version", def.Version, "cancelled_instances", len(active))
	return def, nil
}

// CreateNewVersion validates the new graph strictly and persists it as the
// next version in the base definition's lineage, linked through
// ParentDefinitionID and left unpublished.
func (s *DefinitionService) CreateNewVersion(ctx context.Context, baseID, jsonDefinition string) (*Definition, error) {
	base, err := s.loadOwned(ctx, baseID)
	if err != nil {
		return nil, err
	}
	g, err := ParseGraph(jsonDefinition)
	if err != nil {
		return nil, NewValidationError(
			fmt.Sprintf("invalid workflow definition: %s", err.Error()), nil)
	}
	result := ValidateGraph(g, true)
	if !result.IsValid {
		return nil, NewValidationError(
			fmt.Sprintf("invalid workflow definition: %s", strings.Join(result.Errors, "; ")),
			result.Errors)
	}
	g.NormalizeGatewayLabels()
	text, err := g.Marshal()
	if err != nil {
		return nil, internalError("create new version", err)
	}

	now := time.Now()
	def := &Definition{
		ID:                 NewDefinitionID(),
		TenantID:           base.TenantID,
		Name:               base.Name,
		Description:        base.Description,
		JSONDefinition:     text,
		Version:            base.Version + 1,
		Tags:               append([]string(nil), base.Tags...),
		ParentDefinitionID: base.ID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.SaveDefinition(ctx, def); err != nil {
		s.logger.Error("failed to save new definition version",
			"tenant_id", base.TenantID, "definition_id", def.ID, "error", err)
		return nil, internalError("create new version", err)
	}
	s.logger.Info("definition version created",
		"tenant_id", base.TenantID, "definition_id", def.ID,
		"parent_id", base.ID, "version", def.Version)
	return def, nil
}

// DeleteDraft removes an unpublished draft that has never run. Published
// definitions and definitions with any instance rows, regardless of
// instance status, are protected.
func (s *DefinitionService) DeleteDraft(ctx context.Context, id string) error {
	def, err := s.loadOwned(ctx, id)
	if err != nil {
		return err
	}
	if def.IsPublished {
		return NewError(ErrImmutabilityViolation, "published definitions cannot be deleted")
	}
	instances, err := s.store.ListInstancesByDefinition(ctx, def.TenantID, def.ID, def.Version)
	if err != nil {
		s.logger.Error("failed to list instances for delete",
			"tenant_id", def.TenantID, "definition_id", def.ID, "error", err)
		return internalError("delete draft", err)
	}
	if len(instances) > 0 {
		return NewError(ErrHasInstances,
			fmt.Sprintf("definition has %d instance(s) and cannot be deleted", len(instances)))
	}
	if err := s.store.DeleteDefinition(ctx, def.ID); err != nil {
		s.logger.Error("failed to delete draft",
			"tenant_id", def.TenantID, "definition_id", def.ID, "error", err)
		return internalError("delete draft", err)
	}
	return nil
}

// GetByID returns one definition with gateway enrichment applied on read.
// The enriched text is not persisted.
func (s *DefinitionService) GetByID(ctx context.Context, id string) (*Definition, error) {
	def, err := s.loadOwned(ctx, id)
	if err != nil {
		return nil, err
	}
	s.enrichOnRead(def)
	return def, nil
}

// GetAll returns a tenant's definitions filtered and ordered by the query,
// with gateway enrichment applied on read.
func (s *DefinitionService) GetAll(ctx context.Context, query DefinitionQuery) ([]*Definition, error) {
	tenantID, err := requireTenant(ctx)
	if err != nil {
		return nil, err
	}
	defs, err := s.store.ListDefinitions(ctx, tenantID)
	if err != nil {
		s.logger.Error("failed to list definitions", "tenant_id", tenantID, "error", err)
		return nil, internalError("list definitions", err)
	}

	filtered := defs[:0]
	for _, def := range defs {
		if query.Search != "" {
			needle := strings.ToLower(query.Search)
			if !strings.Contains(strings.ToLower(def.Name), needle) &&
				!strings.Contains(strings.ToLower(def.Description), needle) {
				continue
			}
		}
		if query.Tag != "" && !strings.Contains(def.TagString(), query.Tag) {
			continue
		}
		if query.IsPublished != nil && def.IsPublished != *query.IsPublished {
			continue
		}
		s.enrichOnRead(def)
		filtered = append(filtered, def)
	}
	sortDefinitions(filtered, query.SortBy, query.Descending)
	return filtered, nil
}

// sortDefinitions orders by the requested key with a stable secondary sort
// by name.
func sortDefinitions(defs []*Definition, key DefinitionSortKey, descending bool) {
	less := func(a, b *Definition) bool {
		switch key {
		case SortByVersion:
			if a.Version != b.Version {
				return a.Version < b.Version
			}
		case SortByPublishedAt:
			if !a.PublishedAt.Equal(b.PublishedAt) {
				return a.PublishedAt.Before(b.PublishedAt)
			}
		case SortByCreatedAt:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
		default:
			if a.Name != b.Name {
				return strings.ToLower(a.Name) < strings.ToLower(b.Name)
			}
		}
		return strings.ToLower(a.Name) < strings.ToLower(b.Name)
	}
	sort.SliceStable(defs, func(i, j int) bool {
		if descending {
			return less(defs[j], defs[i])
		}
		return less(defs[i], defs[j])
	})
}

// loadOwned loads a definition and verifies it belongs to the context
// tenant. A definition of another tenant is indistinguishable from a
// missing one.
func (s *DefinitionService) loadOwned(ctx context.Context, id string) (*Definition, error) {
	tenantID, err := requireTenant(ctx)
	if err != nil {
		return nil, err
	}
	def, err := s.store.GetDefinition(ctx, id)
	if err != nil {
		s.logger.Error("failed to load definition",
			"tenant_id", tenantID, "definition_id", id, "error", err)
		return nil, internalError("load definition", err)
	}
	if def == nil || def.TenantID != tenantID {
		return nil, NewError(ErrNotFound, fmt.Sprintf("definition %s not found", id))
	}
	return def, nil
}

// normalizeGraph parses, optionally skips validation (for stored text that
// already passed), applies gateway enrichment, and re-marshals to canonical
// text. It reports whether enrichment changed anything.
func (s *DefinitionService) normalizeGraph(text string, skipValidation bool) (string, bool, error) {
	g, err := ParseGraph(text)
	if err != nil {
		return "", false, err
	}
	if !skipValidation {
		result := ValidateGraph(g, false)
		if !result.IsValid {
			return "", false, NewValidationError("workflow definition failed draft validation", result.Errors)
		}
	}
	changed := g.NormalizeGatewayLabels()
	normalized, err := g.Marshal()
	if err != nil {
		return "", false, internalError("normalize graph", err)
	}
	return normalized, changed || normalized != text, nil
}

// enrichOnRead applies gateway enrichment to the returned copy only.
func (s *DefinitionService) enrichOnRead(def *Definition) {
	g, err := ParseGraph(def.JSONDefinition)
	if err != nil {
		return
	}
	if g.NormalizeGatewayLabels() {
		if text, err := g.Marshal(); err == nil {
			def.JSONDefinition = text
		}
	}
}
