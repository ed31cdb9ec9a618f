package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/knack-ai/knack/internal/domain"
	"github.com/knack-ai/knack/internal/store"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var ErrInvalidRule = errors.New("invalid time rule")

// TimeRule concept prop keys.
const (
	propRuleKind   = "kind"
	propExpression = "expression"
	propLastFired  = "lastFired"
)

// catchUpCap bounds how many missed firings a single tick replays for one
// rule, so a long outage does not flood the queue.
const catchUpCap = 100

// SchedulerService evaluates TimeRules against wall clock and enqueues the
// tasks they produce. Firing is driven entirely by (rule, lastFired, now), so
// a restarted scheduler catches up missed intervals instead of skipping them.
type SchedulerService struct {
	ksg    *KSGService
	graph  domain.GraphStore
	queue  *QueueService
	logger *zap.Logger

	clock     func() time.Time
	condition func(expression string) bool

	tick     time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSchedulerService creates a scheduler. tick controls the polling cadence
// of the background worker.
func NewSchedulerService(ksg *KSGService, queue *QueueService, tick time.Duration, logger *zap.Logger) *SchedulerService {
	if tick <= 0 {
		tick = time.Second
	}
	return &SchedulerService{
		ksg:    ksg,
		graph:  ksg.Graph(),
		queue:  queue,
		logger: logger,
		clock:  time.Now,
		tick:   tick,
		stopCh: make(chan struct{}),
	}
}

// SetClock overrides wall clock in tests.
func (s *SchedulerService) SetClock(clock func() time.Time) {
	s.clock = clock
}

// SetConditionEvaluator installs the predicate condition rules are checked
// against. Without one, condition rules never fire.
func (s *SchedulerService) SetConditionEvaluator(eval func(expression string) bool) {
	s.condition = eval
}

// CreateRule validates and stores a time rule.
func (s *SchedulerService) CreateRule(ctx context.Context, kind domain.TimeRuleKind, expression string, payload map[string]any, priority int) (uuid.UUID, error) {
	if err := validateRuleExpression(kind, expression); err != nil {
		return uuid.Nil, err
	}

	proto, err := s.ksg.GetPrototypeByName(ctx, domain.ProtoTimeRule)
	if err != nil {
		return uuid.Nil, err
	}
	props := map[string]any{
		domain.PropName: fmt.Sprintf("%s rule: %s", kind, expression),
		propRuleKind:    string(kind),
		propExpression:  expression,
		propPriority:    priority,
	}
	if payload != nil {
		props[propPayload] = payload
	}
	id, err := s.ksg.CreateConcept(ctx, proto.ID, props, []float32{}, nil)
	if err != nil {
		return uuid.Nil, err
	}
	s.logger.Info("created time rule",
		zap.String("id", id.String()),
		zap.String("kind", string(kind)),
		zap.String("expression", expression))
	return id, nil
}

func validateRuleExpression(kind domain.TimeRuleKind, expression string) error {
	switch kind {
	case domain.TimeRuleCron:
		if _, err := cron.ParseStandard(expression); err != nil {
			return fmt.Errorf("%w: cron %q: %v", ErrInvalidRule, expression, err)
		}
	case domain.TimeRuleInterval:
		d, err := time.ParseDuration(expression)
		if err != nil || d <= 0 {
			return fmt.Errorf("%w: interval %q", ErrInvalidRule, expression)
		}
	case domain.TimeRuleAt:
		if _, err := time.Parse(time.RFC3339, expression); err != nil {
			return fmt.Errorf("%w: at %q: %v", ErrInvalidRule, expression, err)
		}
	case domain.TimeRuleCondition:
		if expression == "" {
			return fmt.Errorf("%w: empty condition", ErrInvalidRule)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRule, kind)
	}
	return nil
}

// Rules lists all stored time rules.
func (s *SchedulerService) Rules(ctx context.Context) ([]domain.TimeRule, error) {
	results, err := s.graph.SearchNodes(ctx, domain.SearchFilter{
		Kind:      domain.KindConcept,
		Prototype: domain.ProtoTimeRule,
	}, nil, 1000, 0)
	if err != nil {
		return nil, err
	}
	rules := make([]domain.TimeRule, 0, len(results))
	for _, r := range results {
		rules = append(rules, decodeTimeRule(r.Node))
	}
	return rules, nil
}

// DeleteRule soft-deletes a rule; the scheduler stops evaluating it.
func (s *SchedulerService) DeleteRule(ctx context.Context, id uuid.UUID) error {
	node, err := s.graph.GetNode(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("time rule %s: %w", id, ErrNotFound)
		}
		return err
	}
	if node.PrototypeName() != domain.ProtoTimeRule {
		return fmt.Errorf("time rule %s: %w", id, ErrNotFound)
	}
	node.Status = domain.StatusDeleted
	return s.graph.UpsertNode(ctx, node)
}

// FireCount is the pure firing function: how many times a rule fires in
// (lastFired, now], and the timestamp lastFired advances to. lastFired nil
// means the rule has never fired; intervals then measure from CreatedAt.
func FireCount(rule domain.TimeRule, now time.Time) (int, time.Time) {
	switch rule.Kind {
	case domain.TimeRuleInterval:
		interval, err := time.ParseDuration(rule.Expression)
		if err != nil || interval <= 0 {
			return 0, now
		}
		base := rule.CreatedAt
		if rule.LastFired != nil {
			base = *rule.LastFired
		}
		if !now.After(base) {
			return 0, base
		}
		fires := int(now.Sub(base) / interval)
		if fires == 0 {
			return 0, base
		}
		return fires, base.Add(time.Duration(fires) * interval)

	case domain.TimeRuleCron:
		schedule, err := cron.ParseStandard(rule.Expression)
		if err != nil {
			return 0, now
		}
		base := rule.CreatedAt
		if rule.LastFired != nil {
			base = *rule.LastFired
		}
		fires := 0
		next := schedule.Next(base)
		for !next.After(now) && fires < catchUpCap {
			fires++
			base = next
			next = schedule.Next(base)
		}
		return fires, base

	case domain.TimeRuleAt:
		if rule.LastFired != nil {
			return 0, *rule.LastFired
		}
		at, err := time.Parse(time.RFC3339, rule.Expression)
		if err != nil || now.Before(at) {
			return 0, now
		}
		return 1, now
	}
	return 0, now
}

// Tick evaluates every rule once and enqueues what fired. Condition rules
// fire at most once per tick when their predicate holds.
func (s *SchedulerService) Tick(ctx context.Context) error {
	results, err := s.graph.SearchNodes(ctx, domain.SearchFilter{
		Kind:      domain.KindConcept,
		Prototype: domain.ProtoTimeRule,
	}, nil, 1000, 0)
	if err != nil {
		return err
	}

	now := s.clock().UTC()
	for _, r := range results {
		rule := decodeTimeRule(r.Node)

		fires := 0
		advanceTo := now
		if rule.Kind == domain.TimeRuleCondition {
			if s.condition != nil && s.condition(rule.Expression) {
				fires = 1
			}
		} else {
			fires, advanceTo = FireCount(rule, now)
		}
		if fires == 0 {
			continue
		}
		if fires > catchUpCap {
			fires = catchUpCap
		}

		for i := 0; i < fires; i++ {
			_, err := s.queue.Enqueue(ctx, EnqueueRequest{
				Priority:   rule.Priority,
				References: &rule.ID,
				Payload:    rule.Payload,
			})
			if err != nil {
				s.logger.Error("failed to enqueue scheduled task",
					zap.String("rule_id", rule.ID.String()),
					zap.Error(err))
				break
			}
		}

		node := r.Node
		node.SetProp(propLastFired, advanceTo.Format(time.RFC3339Nano))
		if err := s.graph.UpsertNode(ctx, node); err != nil {
			s.logger.Error("failed to advance rule clock",
				zap.String("rule_id", rule.ID.String()),
				zap.Error(err))
		}
		s.logger.Debug("time rule fired",
			zap.String("rule_id", rule.ID.String()),
			zap.Int("fires", fires))
	}
	return nil
}

// Start launches the background ticking loop.
func (s *SchedulerService) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		s.logger.Info("scheduler started", zap.Duration("tick", s.tick))
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				if err := s.Tick(ctx); err != nil {
					s.logger.Error("scheduler tick failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop halts the loop and waits for the in-flight tick.
func (s *SchedulerService) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func decodeTimeRule(node *domain.Node) domain.TimeRule {
	rule := domain.TimeRule{
		ID:         node.ID,
		Kind:       domain.TimeRuleKind(node.PropString(propRuleKind)),
		Expression: node.PropString(propExpression),
		Priority:   node.PropInt(propPriority),
		CreatedAt:  node.CreatedAt,
	}
	if payload, ok := node.Props[propPayload].(map[string]any); ok {
		rule.Payload = payload
	}
	if raw := node.PropString(propLastFired); raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			rule.LastFired = &t
		}
	}
	return rule
}
