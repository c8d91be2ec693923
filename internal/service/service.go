package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"opstracker/backend/internal/analytics"
	"opstracker/backend/internal/costing"
	"opstracker/backend/internal/currency"
	"opstracker/backend/internal/domain"
	"opstracker/backend/internal/inventory"
	"opstracker/backend/internal/logging"
	"opstracker/backend/internal/metrics"
	"opstracker/backend/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// RateService is the part of fxrate.Service the intake operations need.
type RateService interface {
	Base() string
	Rate(ctx context.Context, date time.Time, from, to string) (decimal.Decimal, error)
	Override(ctx context.Context, date time.Time, from, to string, rate decimal.Decimal) error
	Flush(ctx context.Context) error
}

type Options struct {
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

type Service struct {
	repo      store.Repository
	rates     RateService
	ledger    *inventory.Ledger
	costing   *costing.Engine
	analytics *analytics.Engine
	validate  *validator.Validate
	logger    logrus.FieldLogger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func New(repo store.Repository, rates RateService, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	validate := validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Service{
		repo:      repo,
		rates:     rates,
		ledger:    inventory.New(opts.Logger, opts.Metrics),
		costing:   costing.New(opts.Logger),
		analytics: analytics.New(repo),
		validate:  validate,
		logger:    opts.Logger.WithField("module", "service"),
		metrics:   opts.Metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// BaseCurrency is the reporting currency of every stored base amount.
func (s *Service) BaseCurrency() string {
	return s.rates.Base()
}

// resolveRate finds the rate from code into the reporting currency. When the
// rate service has no rate the manual rate is used; without one the
// recoverable not-found error is returned before anything is written.
func (s *Service) resolveRate(ctx context.Context, date time.Time, code string, manual *decimal.Decimal) (decimal.Decimal, error) {
	code, err := currency.Normalize(code)
	if err != nil {
		return decimal.Zero, err
	}
	if manual != nil && !manual.IsPositive() {
		return decimal.Zero, domain.NewValidationError("manual_rate", "must be positive")
	}
	base := s.rates.Base()
	if code == base {
		return decimal.NewFromInt(1), nil
	}

	rate, err := s.rates.Rate(ctx, date, code, base)
	switch {
	case err == nil:
		return rate, nil
	case errors.Is(err, domain.ErrRateNotFound) && manual != nil:
		s.logger.WithFields(logrus.Fields{
			"date": date.Format(domain.DateLayout),
			"from": code,
			"to":   base,
			"rate": manual.String(),
		}).Info("using manual rate")
		return *manual, nil
	default:
		return decimal.Zero, err
	}
}

// check runs the struct validator and reports the first failing field.
func (s *Service) check(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return domain.NewValidationError("", "%v", err)
	}
	fe := fieldErrs[0]
	field := fe.Namespace()
	if idx := strings.Index(field, "."); idx >= 0 {
		field = field[idx+1:]
	}
	return &domain.ValidationError{Field: field, Message: validationMessage(fe)}
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "min":
		return fmt.Sprintf("must have at least %s entries", fe.Param())
	case "len":
		return fmt.Sprintf("must be exactly %s characters", fe.Param())
	case "datetime":
		return fmt.Sprintf("must be a date in format %s", fe.Param())
	default:
		return "is invalid"
	}
}

func parseDate(field, value string) (time.Time, error) {
	t, err := time.Parse(domain.DateLayout, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, domain.NewValidationError(field, "must be a date in format %s", domain.DateLayout)
	}
	return t, nil
}

func requireNonNegative(field string, v decimal.Decimal) error {
	if v.IsNegative() {
		return domain.NewValidationError(field, "must not be negative")
	}
	return nil
}

// fault logs a failed operation. Consistency faults are counted too.
func (s *Service) fault(op string, entityID string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrConsistency) {
		s.metrics.RecordConsistencyFault(op)
		logging.LogError(s.logger, "service", op, entityID, nil, err)
	}
	return err
}

// redistribute recomputes expense shares for the purchases and for every
// purchase that shares an expense with them.
func (s *Service) redistribute(ctx context.Context, tx store.Tx, purchaseIDs []string) (domain.RedistributionResult, error) {
	affected := make(map[string]struct{}, len(purchaseIDs))
	for _, id := range purchaseIDs {
		affected[id] = struct{}{}
	}
	for _, id := range purchaseIDs {
		expenses, err := tx.ListExpenses(ctx, store.ExpenseFilter{PurchaseID: id})
		if err != nil {
			return domain.RedistributionResult{}, err
		}
		for _, e := range expenses {
			for _, pid := range e.PurchaseIDs {
				affected[pid] = struct{}{}
			}
		}
	}
	ids := make([]string, 0, len(affected))
	for id := range affected {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return s.costing.Recompute(ctx, tx, ids)
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}
	s.logger.WithFields(logrus.Fields{
		"action":      action,
		"entity_type": entityType,
		"entity_id":   entityID,
		"actor":       actor.Username,
		"actor_role":  actor.Role,
		"detail":      detail,
	}).Info("audit")
}

func defaultString(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
