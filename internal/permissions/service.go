package permissions

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/NaumSimi11/md-mindmap-sub000/internal/audit"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/domain"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/mailer"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew          = "permissions.service.new"
	defaultInvitationTTL  = 30 * 24 * time.Hour
	defaultLinkTTL        = 30 * 24 * time.Hour
	secureTokenBytes      = 32
	reasonIDFailed        = "id_generation_failed"
	reasonQueryFailed     = "query_failed"
	reasonWriteFailed     = "write_failed"
	reasonTokenFailed     = "token_generation_failed"
	reasonTransactionFail = "transaction_failed"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingResolver   = errors.New("resolver is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// MailQueue accepts outbound email without blocking the caller.
type MailQueue interface {
	TryEnqueue(message mailer.Message) bool
}

type ServiceConfig struct {
	Database      *gorm.DB
	Resolver      *Resolver
	Audit         *audit.Recorder
	Mail          MailQueue
	Clock         func() time.Time
	IDProvider    domain.IDProvider
	Logger        *zap.Logger
	InvitationTTL time.Duration
	LinkTTL       time.Duration
	PublicURL     string
}

// Service implements membership, share, invitation and share-link mutations.
type Service struct {
	db            *gorm.DB
	resolver      *Resolver
	audit         *audit.Recorder
	mail          MailQueue
	clock         func() time.Time
	idProvider    domain.IDProvider
	logger        *zap.Logger
	invitationTTL time.Duration
	linkTTL       time.Duration
	publicURL     string
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, domain.NewServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Resolver == nil {
		return nil, domain.NewServiceError(opServiceNew, "missing_resolver", errMissingResolver)
	}
	if cfg.IDProvider == nil {
		return nil, domain.NewServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	invitationTTL := cfg.InvitationTTL
	if invitationTTL <= 0 {
		invitationTTL = defaultInvitationTTL
	}
	linkTTL := cfg.LinkTTL
	if linkTTL <= 0 {
		linkTTL = defaultLinkTTL
	}
	return &Service{
		db:            cfg.Database,
		resolver:      cfg.Resolver,
		audit:         cfg.Audit,
		mail:          cfg.Mail,
		clock:         clock,
		idProvider:    cfg.IDProvider,
		logger:        logger,
		invitationTTL: invitationTTL,
		linkTTL:       linkTTL,
		publicURL:     cfg.PublicURL,
	}, nil
}

// Resolver exposes the resolver the service checks roles with.
func (s *Service) Resolver() *Resolver {
	return s.resolver
}

func (s *Service) nowSeconds() int64 {
	return s.clock().UTC().Unix()
}

func (s *Service) newID(operation string) (string, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(operation, reasonIDFailed, err)
		return "", domain.NewServiceError(operation, reasonIDFailed, err)
	}
	return id, nil
}

// serviceFailure logs and wraps an infrastructure error.
func (s *Service) serviceFailure(operation, reason string, err error, fields ...zap.Field) error {
	s.logError(operation, reason, err, fields...)
	return domain.NewServiceError(operation, reason, err)
}

// finishTransaction passes domain errors through and logs anything else.
func (s *Service) finishTransaction(operation string, err error) error {
	if err == nil || domain.IsDomainError(err) {
		return err
	}
	var serviceErr *domain.ServiceError
	if errors.As(err, &serviceErr) {
		return err
	}
	return s.serviceFailure(operation, reasonTransactionFail, err)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("permissions service error", attrs...)
}

// secureToken returns 32 random bytes as unpadded URL-safe base64.
func secureToken() (string, error) {
	buffer := make([]byte, secureTokenBytes)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}

func (s *Service) record(ctx context.Context, entry audit.Entry) {
	s.audit.Record(ctx, entry)
}
