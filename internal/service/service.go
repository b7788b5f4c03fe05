// Package service is the facade over the four memory tiers. It validates
// requests, routes them to one tier and maps tier failures into the apperr
// taxonomy. It holds no state of its own and never spans tiers in one call.
package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/felixgeelhaar/bolt/v3"
	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rcliao/agent-context/internal/apperr"
	"github.com/rcliao/agent-context/internal/cache"
	"github.com/rcliao/agent-context/internal/config"
	"github.com/rcliao/agent-context/internal/embedding"
	"github.com/rcliao/agent-context/internal/model"
	"github.com/rcliao/agent-context/internal/reduce"
	"github.com/rcliao/agent-context/internal/store"
	"github.com/rcliao/agent-context/internal/telemetry"
)

const (
	tierCache        = "cache"
	tierConversation = "conversation"
	tierEntity       = "entity"
	tierWorking      = "working"
)

// entityTier is the entity store as the facade and the reduction worker use it.
type entityTier interface {
	Upsert(ctx context.Context, p store.UpsertParams) (*model.Entity, error)
	Get(ctx context.Context, entityType, entityID, agentName string) (*model.Entity, error)
	Search(ctx context.Context, p store.EntitySearchParams) ([]model.Entity, error)
	reduce.EntityStore
}

// Service routes requests to the tiers.
type Service struct {
	cfg *config.Config

	db       *store.DB
	cache    cache.Cache
	log      *store.ConversationLog
	entities entityTier
	working  *store.WorkingStore
	runs     *store.RunLog
	reducer  *reduce.Worker
	embedder embedding.Embedder

	logger   *bolt.Logger
	metrics  *telemetry.Metrics
	validate *validator.Validate
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithEmbedder enables embedding re-ranking in search.
func WithEmbedder(e embedding.Embedder) Option {
	return func(s *Service) { s.embedder = e }
}

// WithMetrics records tier outcomes and reduction passes.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source used for relative windows and scoring.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New wires the tiers over an open database and cache.
func New(cfg *config.Config, db *store.DB, c cache.Cache, logger *bolt.Logger, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg,
		db:       db,
		cache:    c,
		log:      store.NewConversationLog(db),
		entities: store.NewEntityStore(db, cfg.Entity.MaxRetries),
		working:  store.NewWorkingStore(db),
		runs:     store.NewRunLog(db),
		logger:   logger,
		validate: newValidator(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.reducer = reduce.New(s.log, s.entities, cfg.Reduction, logger,
		reduce.WithMetrics(s.metrics), reduce.WithClock(s.now), reduce.WithRunLog(s.runs))
	return s
}

// Config returns the configuration the service was built with.
func (s *Service) Config() *config.Config {
	return s.cfg
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("notblank", validators.NotBlank)
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// check validates req against its struct tags and reports every failing
// field in one validation error.
func (s *Service) check(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Validation("invalid request: %v", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, describe(e))
	}
	return apperr.Validation("%s", strings.Join(msgs, "; "))
}

func describe(e validator.FieldError) string {
	field := e.Field()
	switch e.Tag() {
	case "required", "notblank":
		return field + " is required"
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, e.Param())
	default:
		return fmt.Sprintf("%s failed %q", field, e.Tag())
	}
}

// fail maps a tier error into the taxonomy, records it on the span and in
// metrics, and returns the classified error. what names the missing record
// for not_found.
func (s *Service) fail(span trace.Span, tier, op, what string, err error) error {
	var classified *apperr.Error
	switch {
	case errors.As(err, &classified):
	case errors.Is(err, store.ErrNotFound), errors.Is(err, cache.ErrMiss):
		classified = apperr.NotFound(what)
	case errors.Is(err, store.ErrConflict):
		classified = apperr.Conflict(fmt.Sprintf("%s %s did not converge", tier, op), err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		classified = apperr.Unavailable(fmt.Sprintf("%s %s timed out", tier, op), err)
	default:
		classified = apperr.Unavailable(fmt.Sprintf("%s %s failed", tier, op), err)
	}

	s.metrics.TierOp(tier, op, string(classified.Kind))
	if classified.Kind != apperr.KindNotFound && classified.Kind != apperr.KindValidation {
		span.RecordError(err)
		span.SetStatus(codes.Error, classified.Message)
	}
	return classified
}

func (s *Service) ok(tier, op string) {
	s.metrics.TierOp(tier, op, "ok")
}

// invalid records a rejected request against the tier.
func (s *Service) invalid(tier, op string, err error) error {
	s.metrics.TierOp(tier, op, string(apperr.KindValidation))
	return err
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		limit = def
	}
	if max > 0 && limit > max {
		limit = max
	}
	return limit
}
