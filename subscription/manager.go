package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/bitflowhq/bitflow-core/component"
	"github.com/bitflowhq/bitflow-core/errors"
	"github.com/bitflowhq/bitflow-core/events"
	"github.com/bitflowhq/bitflow-core/metric"
	"github.com/bitflowhq/bitflow-core/pkg/streammath"
	"github.com/bitflowhq/bitflow-core/store"
	"github.com/bitflowhq/bitflow-core/validation"
)

const componentName = "subscription"

// Streams is the slice of the stream manager a subscription drives. The
// subscriber is always the stream sender, so stream-level authorization
// carries over unchanged.
type Streams interface {
	CreateStream(ctx context.Context, sender, recipient string,
		amount, ratePerSecond uint64, duration time.Duration, yieldEnabled bool) (string, error)
	Cancel(ctx context.Context, streamID, caller string) error
}

// Manager owns subscription plans and the subscriptions sold off them.
// All money movement happens in the underlying streams; the manager holds
// no funds of its own.
type Manager struct {
	streams   Streams
	persist   store.Store
	publisher events.Publisher
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metric.Metrics

	mu           sync.RWMutex
	plans        map[string]*Plan
	subs         map[string]*Record
	bySubscriber map[string][]string
	byPlan       map[string][]string
	errorCount   int
	lastError    string
	started      time.Time
}

// NewManager creates a subscription manager. Call Initialize to load
// persisted plans and subscriptions before serving requests.
func NewManager(streams Streams, persist store.Store,
	publisher events.Publisher, deps component.Dependencies) *Manager {
	if publisher == nil {
		publisher = events.Nop{}
	}

	return &Manager{
		streams:      streams,
		persist:      persist,
		publisher:    publisher,
		clock:        deps.GetClock(),
		logger:       deps.GetLoggerWithComponent(componentName),
		metrics:      deps.Metrics.CoreMetrics(),
		plans:        make(map[string]*Plan),
		subs:         make(map[string]*Record),
		bySubscriber: make(map[string][]string),
		byPlan:       make(map[string][]string),
		started:      deps.GetClock().Now(),
	}
}

// Initialize loads persisted plans and subscriptions and rebuilds the
// indexes.
func (m *Manager) Initialize() error {
	if m.persist == nil {
		return nil
	}

	planDocs, err := m.persist.List(context.Background(), store.TablePlans)
	if err != nil {
		return errors.Wrap(err, errors.KindStorageError, componentName, "Initialize", "list plans")
	}
	subDocs, err := m.persist.List(context.Background(), store.TableSubscriptions)
	if err != nil {
		return errors.Wrap(err, errors.KindStorageError, componentName, "Initialize", "list subscriptions")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, doc := range planDocs {
		var plan Plan
		if err := json.Unmarshal(doc, &plan); err != nil {
			m.logger.Warn("Skipping undecodable plan record", "error", err)
			continue
		}
		m.plans[plan.ID] = &plan
	}
	for _, doc := range subDocs {
		var rec Record
		if err := json.Unmarshal(doc, &rec); err != nil {
			m.logger.Warn("Skipping undecodable subscription record", "error", err)
			continue
		}
		m.subs[rec.ID] = &rec
		m.bySubscriber[rec.Subscriber] = append(m.bySubscriber[rec.Subscriber], rec.ID)
		m.byPlan[rec.PlanID] = append(m.byPlan[rec.PlanID], rec.ID)
	}

	m.logger.Info("Loaded subscriptions", "plans", len(m.plans), "subscriptions", len(m.subs))
	return nil
}

// CreatePlan publishes a recurring offer. The price must stream at one
// unit per second or more over the interval, or no stream could carry it.
func (m *Manager) CreatePlan(ctx context.Context, provider, name, description string,
	price uint64, interval time.Duration, maxSubscribers int) (string, error) {
	const op = "CreatePlan"

	if err := validation.Address(componentName, op, provider); err != nil {
		return "", err
	}
	if err := validation.Amount(componentName, op, price); err != nil {
		return "", err
	}
	if err := validation.Duration(componentName, op, interval); err != nil {
		return "", err
	}
	if name == "" {
		return "", errors.E(errors.KindInvalidParameters, componentName, op,
			"plan name is required")
	}
	if maxSubscribers < 0 {
		return "", errors.E(errors.KindInvalidParameters, componentName, op,
			fmt.Sprintf("max subscribers must not be negative, got %d", maxSubscribers))
	}
	if price/streammath.WholeSeconds(interval) == 0 {
		return "", errors.E(errors.KindInvalidRate, componentName, op,
			fmt.Sprintf("price %d streams below one unit per second over interval %s", price, interval))
	}

	plan := &Plan{
		ID:             uuid.NewString(),
		Provider:       provider,
		Name:           name,
		Description:    description,
		Price:          price,
		Interval:       interval,
		MaxSubscribers: maxSubscribers,
		CreatedAt:      m.clock.Now(),
	}

	m.mu.Lock()
	m.plans[plan.ID] = plan
	m.mu.Unlock()

	m.persistPlan(*plan)
	m.metrics.RecordOperation(componentName, op, "ok")
	m.logger.Info("Subscription plan created",
		"plan_id", plan.ID,
		"provider", provider,
		"name", name,
		"price", price,
		"interval", interval)
	return plan.ID, nil
}

// GetPlan returns a copy of the plan.
func (m *Manager) GetPlan(planID string) (Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	plan, ok := m.plans[planID]
	if !ok {
		return Plan{}, errors.E(errors.KindContentNotFound, componentName, "GetPlan",
			"plan not found: "+planID)
	}
	return *plan, nil
}

// Plans lists published plans, optionally filtered to one provider.
func (m *Manager) Plans(provider string) []Plan {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Plan, 0, len(m.plans))
	for _, plan := range m.plans {
		if provider != "" && plan.Provider != provider {
			continue
		}
		out = append(out, *plan)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Subscribe funds a plan for a whole number of intervals and opens the
// carrying stream. Duration rounds down to whole intervals; at least one
// interval must fit.
func (m *Manager) Subscribe(ctx context.Context, subscriber, planID string,
	duration time.Duration, autoRenew bool) (string, error) {
	const op = "Subscribe"

	if err := validation.Address(componentName, op, subscriber); err != nil {
		return "", err
	}
	if err := validation.Duration(componentName, op, duration); err != nil {
		return "", err
	}

	m.mu.RLock()
	plan, ok := m.plans[planID]
	if !ok {
		m.mu.RUnlock()
		return "", errors.E(errors.KindContentNotFound, componentName, op,
			"plan not found: "+planID)
	}
	p := *plan
	now := m.clock.Now()
	active := m.activeCountLocked(planID, now)
	m.mu.RUnlock()

	if duration < p.Interval {
		return "", errors.E(errors.KindInvalidDuration, componentName, op,
			fmt.Sprintf("duration %s is shorter than one plan interval %s", duration, p.Interval))
	}
	if p.MaxSubscribers > 0 && active >= p.MaxSubscribers {
		return "", errors.E(errors.KindInvalidParameters, componentName, op,
			fmt.Sprintf("plan %s is at capacity (%d subscribers)", planID, p.MaxSubscribers))
	}

	periods := uint64(duration / p.Interval)
	amount, err := streammath.SafeMul(p.Price, periods)
	if err != nil {
		return "", errors.E(errors.KindInvalidParameters, componentName, op,
			"price and duration overflow")
	}
	streamDuration := time.Duration(periods) * p.Interval
	ratePerSecond := p.Price / streammath.WholeSeconds(p.Interval)

	streamID, err := m.streams.CreateStream(ctx, subscriber, p.Provider,
		amount, ratePerSecond, streamDuration, false)
	if err != nil {
		m.recordFailure(err)
		m.metrics.RecordOperation(componentName, op, errors.KindOf(err).String())
		return "", err
	}

	rec := &Record{
		ID:         uuid.NewString(),
		PlanID:     planID,
		Subscriber: subscriber,
		Provider:   p.Provider,
		StreamID:   streamID,
		StartTime:  now,
		EndTime:    now.Add(streamDuration),
		AutoRenew:  autoRenew,
		Status:     StatusActive,
	}

	m.mu.Lock()
	m.subs[rec.ID] = rec
	m.bySubscriber[subscriber] = append(m.bySubscriber[subscriber], rec.ID)
	m.byPlan[planID] = append(m.byPlan[planID], rec.ID)
	m.mu.Unlock()

	m.persistSub(*rec)
	m.metrics.RecordOperation(componentName, op, "ok")
	m.publish(ctx, events.SubscriptionCreated, map[string]any{
		"subscription_id": rec.ID,
		"plan_id":         planID,
		"subscriber":      subscriber,
		"provider":        p.Provider,
		"stream_id":       streamID,
		"end_time":        rec.EndTime,
	})

	m.logger.Info("Subscription created",
		"subscription_id", rec.ID,
		"plan_id", planID,
		"subscriber", subscriber,
		"stream_id", streamID,
		"periods", periods,
		"amount", amount)
	return rec.ID, nil
}

// Get returns a copy of the subscription with lazy expiry applied.
func (m *Manager) Get(subscriptionID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.subs[subscriptionID]
	if !ok {
		return Record{}, errors.E(errors.KindContentNotFound, componentName, "Get",
			"subscription not found: "+subscriptionID)
	}
	out := *rec
	out.Status = out.statusAt(m.clock.Now())
	return out, nil
}

// Subscriptions lists a subscriber's subscriptions, newest first.
func (m *Manager) Subscriptions(subscriber string) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.clock.Now()
	ids := m.bySubscriber[subscriber]
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec := *m.subs[id]
		rec.Status = rec.statusAt(now)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.After(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Cancel ends a subscription and cancels its carrying stream, refunding
// the unstreamed remainder to the subscriber. Only the subscriber may
// cancel; an expired subscription has nothing left to cancel.
func (m *Manager) Cancel(ctx context.Context, subscriptionID, caller string) error {
	const op = "Cancel"

	m.mu.RLock()
	rec, ok := m.subs[subscriptionID]
	m.mu.RUnlock()
	if !ok {
		return errors.E(errors.KindContentNotFound, componentName, op,
			"subscription not found: "+subscriptionID)
	}
	if caller != rec.Subscriber {
		return errors.E(errors.KindUnauthorizedAccess, componentName, op,
			"only the subscriber may cancel")
	}
	now := m.clock.Now()
	if status := rec.statusAt(now); status != StatusActive {
		return errors.E(errors.KindStreamNotActive, componentName, op,
			"subscription is "+status)
	}

	if err := m.streams.Cancel(ctx, rec.StreamID, caller); err != nil {
		m.recordFailure(err)
		m.metrics.RecordOperation(componentName, op, errors.KindOf(err).String())
		return err
	}

	m.mu.Lock()
	rec.Status = StatusCancelled
	snapshot := *rec
	m.mu.Unlock()

	m.persistSub(snapshot)
	m.metrics.RecordOperation(componentName, op, "ok")
	m.publish(ctx, events.SubscriptionCancelled, map[string]any{
		"subscription_id": subscriptionID,
		"plan_id":         snapshot.PlanID,
		"subscriber":      snapshot.Subscriber,
		"stream_id":       snapshot.StreamID,
	})

	m.logger.Info("Subscription cancelled",
		"subscription_id", subscriptionID,
		"stream_id", snapshot.StreamID)
	return nil
}

// Name implements component.HealthReporter.
func (m *Manager) Name() string { return componentName }

// Health implements component.HealthReporter.
func (m *Manager) Health() component.HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return component.HealthStatus{
		Healthy:    true,
		LastCheck:  m.clock.Now(),
		ErrorCount: m.errorCount,
		LastError:  m.lastError,
		Uptime:     m.clock.Now().Sub(m.started),
	}
}

func (m *Manager) activeCountLocked(planID string, now time.Time) int {
	n := 0
	for _, id := range m.byPlan[planID] {
		if m.subs[id].statusAt(now) == StatusActive {
			n++
		}
	}
	return n
}

func (m *Manager) recordFailure(err error) {
	m.mu.Lock()
	m.errorCount++
	m.lastError = err.Error()
	m.mu.Unlock()
}

func (m *Manager) persistPlan(plan Plan) {
	if m.persist == nil {
		return
	}
	doc, err := json.Marshal(plan)
	if err != nil {
		m.logger.Warn("Failed to encode plan record", "plan_id", plan.ID, "error", err)
		return
	}
	if err := m.persist.Put(context.Background(), store.TablePlans, plan.ID, doc); err != nil {
		m.logger.Warn("Failed to persist plan record", "plan_id", plan.ID, "error", err)
	}
}

func (m *Manager) persistSub(rec Record) {
	if m.persist == nil {
		return
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		m.logger.Warn("Failed to encode subscription record", "subscription_id", rec.ID, "error", err)
		return
	}
	if err := m.persist.Put(context.Background(), store.TableSubscriptions, rec.ID, doc); err != nil {
		m.logger.Warn("Failed to persist subscription record", "subscription_id", rec.ID, "error", err)
	}
}

func (m *Manager) publish(ctx context.Context, event string, data map[string]any) {
	if err := m.publisher.Publish(ctx, event, data); err != nil {
		m.logger.Warn("Failed to publish event", "event", event, "error", err)
	}
}
