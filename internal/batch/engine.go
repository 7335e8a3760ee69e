package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/NaumSimi11/md-mindmap-sub000/internal/documents"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/domain"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/permissions"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opNewEngine = "batch.engine.new"
	opProcess   = "batch.process"
)

var errNoCommit = errors.New("batch: operation did not succeed")

type EngineConfig struct {
	Database *gorm.DB
	Store    *documents.Store
	Resolver *permissions.Resolver
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Engine reconciles offline batches against the document store.
type Engine struct {
	db       *gorm.DB
	store    *documents.Store
	resolver *permissions.Resolver
	clock    func() time.Time
	logger   *zap.Logger
}

// AbortError reports an atomic batch rolled back by a failing operation.
type AbortError struct {
	ClientID string
	Err      error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("Atomic batch failed: operation %s failed: %v", e.ClientID, e.Err)
}

func (e *AbortError) Unwrap() error {
	return e.Err
}

// StatusCode maps an aborted atomic batch to 409.
func (e *AbortError) StatusCode() int {
	return 409
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil || cfg.Store == nil || cfg.Resolver == nil {
		return nil, domain.NewServiceError(opNewEngine, "missing_dependency", errors.New("database, store and resolver are required"))
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{db: cfg.Database, store: cfg.Store, resolver: cfg.Resolver, clock: clock, logger: logger}, nil
}

// pending is an operation with its submission index.
type pending struct {
	index     int
	operation Operation
}

// plan is the state shared by the operations of one batch: client ids mapped
// to created document ids, and the update fields queued for each target.
type plan struct {
	mapping   map[string]string
	followUps map[string][]documents.Fields
}

func newPlan(ordered []pending) *plan {
	p := &plan{mapping: make(map[string]string), followUps: make(map[string][]documents.Fields)}
	for _, item := range ordered {
		operation := item.operation
		if operation.Operation == OperationUpdate && operation.Data != nil {
			p.followUps[operation.DocumentID] = append(p.followUps[operation.DocumentID], operation.Data.Fields)
		}
	}
	return p
}

// pendingUpdates returns the fields later updates of this batch will apply
// to the document created by operation.
func (p *plan) pendingUpdates(operation Operation, documentID string) []documents.Fields {
	queued := p.followUps[operation.ClientID]
	if documentID != operation.ClientID {
		queued = append(append([]documents.Fields(nil), queued...), p.followUps[documentID]...)
	}
	return queued
}

// scope binds the store and resolver to one database handle.
type scope struct {
	store    *documents.Store
	resolver *permissions.Resolver
}

// Process applies request for actorID. Creates run first, then updates, then
// deletes. In atomic mode everything runs in one transaction and an ERROR or
// an unexpected failure rolls it back and is returned; conflicts do not
// abort. Otherwise each operation commits on its own and, after an
// unexpected failure, the untried remainder is reported as skipped.
func (e *Engine) Process(ctx context.Context, actorID string, request Request) (Response, error) {
	if err := request.Validate(); err != nil {
		return Response{}, domain.Invalid("%v", err)
	}
	start := e.clock()
	ordered := reorder(request.Operations)
	results := make([]Result, len(request.Operations))
	var err error
	if request.Atomic {
		err = e.processAtomic(ctx, actorID, request.WorkspaceID, ordered, results)
	} else {
		e.processEach(ctx, actorID, request.WorkspaceID, ordered, results)
	}
	if err != nil {
		return Response{}, err
	}
	return summarize(results, e.clock().Sub(start)), nil
}

func (e *Engine) processAtomic(ctx context.Context, actorID, workspaceID string, ordered []pending, results []Result) error {
	state := newPlan(ordered)
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bound := scope{store: e.store.WithDB(tx), resolver: e.resolver.WithDB(tx)}
		for _, item := range ordered {
			result, fatal := e.apply(ctx, bound, actorID, workspaceID, item.operation, state)
			if fatal != nil {
				return fatal
			}
			if result.Status == StatusError {
				return &AbortError{ClientID: item.operation.ClientID, Err: errors.New(result.Error)}
			}
			results[item.index] = result
		}
		return nil
	})
	if err == nil {
		return nil
	}
	var abort *AbortError
	if errors.As(err, &abort) || domain.IsDomainError(err) {
		return err
	}
	var serviceErr *domain.ServiceError
	if errors.As(err, &serviceErr) {
		return err
	}
	e.logger.Error("atomic batch failed", zap.String("workspace_id", workspaceID), zap.Error(err))
	return domain.NewServiceError(opProcess, "transaction_failed", err)
}

func (e *Engine) processEach(ctx context.Context, actorID, workspaceID string, ordered []pending, results []Result) {
	state := newPlan(ordered)
	var fatal error
	for _, item := range ordered {
		if fatal != nil {
			results[item.index] = Result{
				ClientID: item.operation.ClientID,
				Status:   StatusSkipped,
				Error:    "Skipped due to previous error: " + describeFatal(fatal),
			}
			continue
		}
		var result Result
		err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			bound := scope{store: e.store.WithDB(tx), resolver: e.resolver.WithDB(tx)}
			var opFatal error
			result, opFatal = e.apply(ctx, bound, actorID, workspaceID, item.operation, state)
			if opFatal != nil {
				return opFatal
			}
			if result.Status != StatusSuccess {
				return errNoCommit
			}
			return nil
		})
		if err != nil && !errors.Is(err, errNoCommit) {
			fatal = err
			e.logger.Error("batch operation failed",
				zap.String("workspace_id", workspaceID),
				zap.String("client_id", item.operation.ClientID),
				zap.Error(err))
			result = Result{
				ClientID:   item.operation.ClientID,
				Status:     StatusError,
				DocumentID: item.operation.DocumentID,
				Error:      "Unexpected error: " + describeFatal(err),
			}
		}
		results[item.index] = result
	}
}

// apply runs one operation. Domain failures come back as results; the error
// return is reserved for unexpected failures.
func (e *Engine) apply(ctx context.Context, bound scope, actorID, workspaceID string, operation Operation, state *plan) (Result, error) {
	mapping := state.mapping
	var (
		document documents.Document
		err      error
	)
	switch operation.Operation {
	case OperationCreate:
		document, err = e.create(ctx, bound, actorID, workspaceID, operation, state)
		if err == nil {
			mapping[operation.ClientID] = document.ID
		}
	case OperationUpdate:
		document, err = e.update(ctx, bound, actorID, workspaceID, operation, resolveTarget(operation.DocumentID, mapping))
	case OperationDelete:
		document, err = e.remove(ctx, bound, actorID, workspaceID, operation, resolveTarget(operation.DocumentID, mapping))
	default:
		err = domain.Invalid("Unknown operation type: %s", operation.Operation)
	}
	if err == nil {
		version := document.Version
		return Result{ClientID: operation.ClientID, Status: StatusSuccess, DocumentID: document.ID, Version: &version}, nil
	}

	target := operation.DocumentID
	if operation.Operation != OperationCreate {
		target = resolveTarget(operation.DocumentID, mapping)
	}
	var conflict *domain.ConflictError
	if errors.As(err, &conflict) {
		return Result{
			ClientID:   operation.ClientID,
			Status:     StatusConflict,
			DocumentID: target,
			Error:      conflict.Error(),
			ConflictData: &ConflictData{
				ExpectedVersion: conflict.ExpectedVersion,
				CurrentVersion:  conflict.CurrentVersion,
			},
		}, nil
	}
	if domain.IsDomainError(err) {
		return Result{ClientID: operation.ClientID, Status: StatusError, DocumentID: target, Error: err.Error()}, nil
	}
	return Result{}, err
}

// create inserts a document or, when the client-supplied id names a live
// document, overwrites it so retried creates are safe. A replayed create whose
// fields, followed by this batch's updates to the same document, already match
// the stored state writes nothing.
func (e *Engine) create(ctx context.Context, bound scope, actorID, workspaceID string, operation Operation, state *plan) (documents.Document, error) {
	documentID := strings.TrimSpace(operation.Data.ID)
	if documentID == "" {
		documentID = strings.TrimSpace(operation.DocumentID)
	}
	if documentID != "" {
		existing, found, err := bound.store.Lookup(ctx, documentID)
		if err != nil {
			return documents.Document{}, err
		}
		if found && existing.IsDeleted {
			return documents.Document{}, domain.Invalid("Document %s was deleted and cannot be recreated", documentID)
		}
		if found {
			if existing.WorkspaceID != workspaceID {
				return documents.Document{}, domain.Invalid("Document %s belongs to another workspace", documentID)
			}
			if _, err := bound.resolver.AssertRole(ctx, documentID, actorID, permissions.RoleEditor); err != nil {
				return documents.Document{}, err
			}
			expected := operation.ExpectedVersion
			replayed := append([]documents.Fields{operation.Data.Fields}, state.pendingUpdates(operation, documentID)...)
			if (expected == nil || *expected == existing.Version) && documents.Unchanged(existing, replayed...) {
				return existing, nil
			}
			document, _, err := bound.store.Update(ctx, documentID, operation.Data.Fields, operation.ExpectedVersion)
			return document, err
		}
	}
	if _, err := bound.resolver.AssertWorkspaceRole(ctx, workspaceID, actorID, permissions.RoleEditor); err != nil {
		return documents.Document{}, err
	}
	return bound.store.Create(ctx, documents.NewDocument{
		ID:          documentID,
		WorkspaceID: workspaceID,
		CreatedBy:   actorID,
		Fields:      operation.Data.Fields,
	})
}

func (e *Engine) update(ctx context.Context, bound scope, actorID, workspaceID string, operation Operation, documentID string) (documents.Document, error) {
	if _, err := e.authorize(ctx, bound, actorID, workspaceID, documentID, permissions.RoleEditor); err != nil {
		return documents.Document{}, err
	}
	document, _, err := bound.store.Update(ctx, documentID, operation.Data.Fields, operation.ExpectedVersion)
	return document, err
}

// remove soft-deletes; editors may delete only documents they created.
func (e *Engine) remove(ctx context.Context, bound scope, actorID, workspaceID string, operation Operation, documentID string) (documents.Document, error) {
	grant, err := e.authorize(ctx, bound, actorID, workspaceID, documentID, permissions.RoleEditor)
	if err != nil {
		return documents.Document{}, err
	}
	if !grant.Role.AtLeast(permissions.RoleAdmin) && grant.Document.CreatedBy != actorID {
		return documents.Document{}, domain.Forbidden("Forbidden: only the creator or an admin may delete this document")
	}
	return bound.store.Delete(ctx, documentID, operation.ExpectedVersion)
}

func (e *Engine) authorize(ctx context.Context, bound scope, actorID, workspaceID, documentID string, minimum permissions.Role) (permissions.Grant, error) {
	grant, err := bound.resolver.AssertRole(ctx, documentID, actorID, minimum)
	if err != nil {
		return permissions.Grant{}, err
	}
	if grant.Document.WorkspaceID != workspaceID {
		return permissions.Grant{}, domain.NotFound("Document %s not found", documentID)
	}
	return grant, nil
}

func resolveTarget(documentID string, mapping map[string]string) string {
	if mapped, ok := mapping[documentID]; ok {
		return mapped
	}
	return documentID
}

// reorder groups operations as creates, updates, deletes, keeping the
// submitted order inside each group.
func reorder(operations []Operation) []pending {
	ordered := make([]pending, 0, len(operations))
	for _, kind := range []string{OperationCreate, OperationUpdate, OperationDelete} {
		for index, operation := range operations {
			if operation.Operation == kind {
				ordered = append(ordered, pending{index: index, operation: operation})
			}
		}
	}
	return ordered
}

func summarize(results []Result, elapsed time.Duration) Response {
	response := Response{Total: len(results), Results: results, ProcessingTimeMs: elapsed.Milliseconds()}
	for _, result := range results {
		if result.Status == StatusSuccess {
			response.Successful++
		} else {
			response.Failed++
		}
	}
	return response
}

// describeFatal names an unexpected failure without leaking driver detail.
func describeFatal(err error) string {
	var serviceErr *domain.ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return "internal error"
}
