package testing

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/amirphl/Mizuchi/models"
	"github.com/amirphl/Mizuchi/repository"
	"github.com/amirphl/Mizuchi/utils"
)

// table keeps rows by id and hands out copies, the way a database does
type table[T any] struct {
	rows  map[uint]*T
	next  uint
	setID func(*T, uint)
}

func newTable[T any](setID func(*T, uint)) *table[T] {
	return &table[T]{rows: make(map[uint]*T), setID: setID}
}

func (t *table[T]) insert(v *T) {
	t.next++
	t.setID(v, t.next)
	cp := *v
	t.rows[t.next] = &cp
}

func (t *table[T]) get(id uint) *T {
	row, ok := t.rows[id]
	if !ok {
		return nil
	}
	cp := *row
	return &cp
}

func (t *table[T]) put(id uint, v *T) bool {
	if _, ok := t.rows[id]; !ok {
		return false
	}
	cp := *v
	t.rows[id] = &cp
	return true
}

// ref returns the stored row itself for in-place updates
func (t *table[T]) ref(id uint) *T {
	return t.rows[id]
}

func (t *table[T]) filter(pred func(*T) bool) []*T {
	var out []*T
	for _, id := range slices.Sorted(maps.Keys(t.rows)) {
		row := t.rows[id]
		if pred == nil || pred(row) {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out
}

func (t *table[T]) clone() *table[T] {
	c := &table[T]{rows: make(map[uint]*T, len(t.rows)), next: t.next, setID: t.setID}
	for id, row := range t.rows {
		cp := *row
		c.rows[id] = &cp
	}
	return c
}

type memState struct {
	campaigns     *table[models.Campaign]
	queue         *table[models.MessageQueueItem]
	webhooks      *table[models.WebhookEvent]
	payments      *table[models.Payment]
	orders        *table[models.Order]
	timeline      *table[models.OrderTimelineEntry]
	audit         *table[models.AuditLog]
	subscriptions *table[models.Subscription]
	invoices      *table[models.Invoice]
	transactions  *table[models.Transaction]
	outbox        *table[models.OutboxEvent]
}

func newMemState() *memState {
	return &memState{
		campaigns:     newTable(func(v *models.Campaign, id uint) { v.ID = id }),
		queue:         newTable(func(v *models.MessageQueueItem, id uint) { v.ID = id }),
		webhooks:      newTable(func(v *models.WebhookEvent, id uint) { v.ID = id }),
		payments:      newTable(func(v *models.Payment, id uint) { v.ID = id }),
		orders:        newTable(func(v *models.Order, id uint) { v.ID = id }),
		timeline:      newTable(func(v *models.OrderTimelineEntry, id uint) { v.ID = id }),
		audit:         newTable(func(v *models.AuditLog, id uint) { v.ID = id }),
		subscriptions: newTable(func(v *models.Subscription, id uint) { v.ID = id }),
		invoices:      newTable(func(v *models.Invoice, id uint) { v.ID = id }),
		transactions:  newTable(func(v *models.Transaction, id uint) { v.ID = id }),
		outbox:        newTable(func(v *models.OutboxEvent, id uint) { v.ID = id }),
	}
}

func (s *memState) clone() *memState {
	return &memState{
		campaigns:     s.campaigns.clone(),
		queue:         s.queue.clone(),
		webhooks:      s.webhooks.clone(),
		payments:      s.payments.clone(),
		orders:        s.orders.clone(),
		timeline:      s.timeline.clone(),
		audit:         s.audit.clone(),
		subscriptions: s.subscriptions.clone(),
		invoices:      s.invoices.clone(),
		transactions:  s.transactions.clone(),
		outbox:        s.outbox.clone(),
	}
}

type memTxKey struct{}

// MemoryStore is an in-process replacement for Postgres behind every repository interface.
// Transactions are serialized and roll back to a snapshot when fn fails.
type MemoryStore struct {
	mu     sync.Mutex
	txMu   sync.Mutex
	state  *memState
	faults map[string][]error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState(), faults: make(map[string][]error)}
}

// FailNext makes the next call to op return err, where op is "<table>.<Method>", e.g. "outbox.Save"
func (s *MemoryStore) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], err)
}

// fault must be called with s.mu held
func (s *MemoryStore) fault(op string) error {
	queued := s.faults[op]
	if len(queued) == 0 {
		return nil
	}
	err := queued[0]
	s.faults[op] = queued[1:]
	return err
}

func (s *MemoryStore) WithTransaction(ctx context.Context, fn func(context.Context) error) (err error) {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.state.clone()
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in transaction: %v", r)
		}
		if err != nil {
			s.mu.Lock()
			s.state = snapshot
			s.mu.Unlock()
		}
	}()

	return fn(context.WithValue(ctx, memTxKey{}, true))
}

func (s *MemoryStore) Transactor() repository.Transactor { return s }

func (s *MemoryStore) Campaigns() repository.CampaignRepository { return &memCampaigns{s} }

func (s *MemoryStore) Queue() repository.MessageQueueRepository { return &memQueue{s} }

func (s *MemoryStore) Webhooks() repository.WebhookEventRepository { return &memWebhooks{s} }

func (s *MemoryStore) Payments() repository.PaymentRepository { return &memPayments{s} }

func (s *MemoryStore) Orders() repository.OrderRepository { return &memOrders{s} }

func (s *MemoryStore) Timeline() repository.OrderTimelineRepository { return &memTimeline{s} }

func (s *MemoryStore) AuditLogs() repository.AuditLogRepository { return &memAudit{s} }

func (s *MemoryStore) Subscriptions() repository.SubscriptionRepository { return &memSubscriptions{s} }

func (s *MemoryStore) Invoices() repository.InvoiceRepository { return &memInvoices{s} }

func (s *MemoryStore) Transactions() repository.TransactionRepository { return &memTransactions{s} }

func (s *MemoryStore) Outbox() repository.OutboxEventRepository { return &memOutbox{s} }

// Inspection helpers return copies of every row in id order

func (s *MemoryStore) AllQueueItems() []*models.MessageQueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.queue.filter(nil)
}

func (s *MemoryStore) AllAuditLogs() []*models.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.audit.filter(nil)
}

func (s *MemoryStore) AllOutboxEvents() []*models.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.outbox.filter(nil)
}

func (s *MemoryStore) AllWebhookEvents() []*models.WebhookEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.webhooks.filter(nil)
}

func (s *MemoryStore) AllTransactions() []*models.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.transactions.filter(nil)
}

func (s *MemoryStore) AllSubscriptions() []*models.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.subscriptions.filter(nil)
}

func (s *MemoryStore) AllInvoices() []*models.Invoice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.invoices.filter(nil)
}

// ExpireLease backdates an item's lease so the next claim can take it over
func (s *MemoryStore) ExpireLease(id uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row := s.state.queue.ref(id); row != nil {
		row.LeaseExpiresAt = utils.ToPtr(utils.UTCNow().Add(-time.Second))
	}
}

func stamp(created, updated *time.Time) {
	now := utils.UTCNow()
	if created != nil && created.IsZero() {
		*created = now
	}
	if updated != nil {
		*updated = now
	}
}

type memCampaigns struct{ s *MemoryStore }

func (r *memCampaigns) Save(ctx context.Context, c *models.Campaign) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("campaigns.Save"); err != nil {
		return err
	}
	_ = c.BeforeCreate(nil)
	stamp(&c.CreatedAt, &c.UpdatedAt)
	r.s.state.campaigns.insert(c)
	return nil
}

func (r *memCampaigns) ByID(ctx context.Context, id uint) (*models.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.state.campaigns.get(id), nil
}

func (r *memCampaigns) ByIDForUpdate(ctx context.Context, id uint) (*models.Campaign, error) {
	return r.ByID(ctx, id)
}

func (r *memCampaigns) Update(ctx context.Context, c *models.Campaign) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("campaigns.Update"); err != nil {
		return err
	}
	stamp(nil, &c.UpdatedAt)
	if !r.s.state.campaigns.put(c.ID, c) {
		return fmt.Errorf("campaign %d does not exist", c.ID)
	}
	return nil
}

func (r *memCampaigns) IncrementCounter(ctx context.Context, id uint, counter models.CampaignCounter, delta int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("campaigns.IncrementCounter"); err != nil {
		return err
	}
	c := r.s.state.campaigns.ref(id)
	if c == nil {
		return nil
	}
	switch counter {
	case models.CampaignCounterSent:
		c.SentCount += delta
	case models.CampaignCounterFailed:
		c.FailedCount += delta
	case models.CampaignCounterDelivered:
		c.DeliveredCount += delta
	case models.CampaignCounterRead:
		c.ReadCount += delta
	case models.CampaignCounterClicked:
		c.ClickedCount += delta
	default:
		return fmt.Errorf("unknown campaign counter %q", counter)
	}
	c.UpdatedAt = utils.UTCNow()
	return nil
}

func (r *memCampaigns) MarkCompletedIfDrained(ctx context.Context, id uint) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := r.s.state.campaigns.ref(id)
	if c == nil || c.Status != models.CampaignStatusRunning || c.Settled() < c.TargetCount {
		return false, nil
	}
	now := utils.UTCNow()
	c.Status = models.CampaignStatusCompleted
	c.CompletedAt = &now
	c.UpdatedAt = now
	return true, nil
}

func (r *memCampaigns) SetCounters(ctx context.Context, id uint, counters models.CampaignCounters) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := r.s.state.campaigns.ref(id)
	if c == nil {
		return nil
	}
	now := utils.UTCNow()
	c.SentCount = counters.Sent
	c.FailedCount = counters.Failed
	c.DeliveredCount = counters.Delivered
	c.ReadCount = counters.Read
	c.ClickedCount = counters.Clicked
	c.CountersRebuiltAt = &now
	c.UpdatedAt = now
	return nil
}

func (r *memCampaigns) ListActive(ctx context.Context, limit int) ([]*models.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rows := r.s.state.campaigns.filter(func(c *models.Campaign) bool {
		return c.Status == models.CampaignStatusRunning || c.Status == models.CampaignStatusCompleted
	})
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].UpdatedAt.After(rows[j].UpdatedAt) })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

type memQueue struct{ s *MemoryStore }

func (r *memQueue) Enqueue(ctx context.Context, items []*models.MessageQueueItem) ([]uint, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("queue.Enqueue"); err != nil {
		return nil, err
	}
	ids := make([]uint, 0, len(items))
	for _, it := range items {
		it.Status = models.QueueItemStatusPending
		it.Attempts = 0
		it.LeaseReclaims = 0
		it.LeaseOwner = nil
		it.LeaseExpiresAt = nil
		_ = it.BeforeCreate(nil)
		stamp(&it.CreatedAt, &it.UpdatedAt)
		r.s.state.queue.insert(it)
		ids = append(ids, it.ID)
	}
	return ids, nil
}

func (r *memQueue) ByID(ctx context.Context, id uint) (*models.MessageQueueItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.state.queue.get(id), nil
}

func (r *memQueue) ByProviderMessageID(ctx context.Context, providerMessageID string) (*models.MessageQueueItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rows := r.s.state.queue.filter(func(it *models.MessageQueueItem) bool {
		return utils.Deref(it.ProviderMessageID) == providerMessageID
	})
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[len(rows)-1], nil
}

func (r *memQueue) ByFilter(ctx context.Context, f models.MessageQueueItemFilter, orderBy string, limit, offset int) ([]*models.MessageQueueItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rows := r.s.state.queue.filter(func(it *models.MessageQueueItem) bool {
		switch {
		case f.ID != nil && it.ID != *f.ID:
			return false
		case f.TenantID != nil && it.TenantID != *f.TenantID:
			return false
		case f.CampaignID != nil && (it.CampaignID == nil || *it.CampaignID != *f.CampaignID):
			return false
		case f.Status != nil && it.Status != *f.Status:
			return false
		case f.Recipient != nil && it.Recipient != *f.Recipient:
			return false
		case f.CreatedAfter != nil && it.CreatedAt.Before(*f.CreatedAfter):
			return false
		case f.CreatedBefore != nil && !it.CreatedAt.Before(*f.CreatedBefore):
			return false
		}
		return true
	})
	if orderBy == "updated_at DESC" {
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].UpdatedAt.After(rows[j].UpdatedAt) })
	}
	if offset > 0 {
		if offset >= len(rows) {
			return nil, nil
		}
		rows = rows[offset:]
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (r *memQueue) claimable(it *models.MessageQueueItem, now time.Time) bool {
	switch it.Status {
	case models.QueueItemStatusPending:
	case models.QueueItemStatusProcessing:
		if it.LeaseExpiresAt == nil || !it.LeaseExpiresAt.Before(now) {
			return false
		}
	default:
		return false
	}
	if it.CampaignID != nil {
		if c := r.s.state.campaigns.ref(*it.CampaignID); c != nil && c.IsCancelled() {
			return false
		}
	}
	return true
}

func (r *memQueue) ClaimBatch(ctx context.Context, limit int, workerID string, leaseTTL time.Duration) ([]*models.MessageQueueItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("queue.ClaimBatch"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	now := utils.UTCNow()
	var claimed []*models.MessageQueueItem
	for _, id := range slices.Sorted(maps.Keys(r.s.state.queue.rows)) {
		if len(claimed) == limit {
			break
		}
		it := r.s.state.queue.rows[id]
		if !r.claimable(it, now) {
			continue
		}
		if it.Status == models.QueueItemStatusProcessing {
			it.LeaseReclaims++
		}
		it.Status = models.QueueItemStatusProcessing
		it.LeaseOwner = utils.ToPtr(workerID)
		it.LeaseExpiresAt = utils.ToPtr(now.Add(leaseTTL))
		it.UpdatedAt = now
		cp := *it
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (r *memQueue) Complete(ctx context.Context, id uint, workerID string, outcome models.DeliveryOutcome) (*models.MessageQueueItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("queue.Complete"); err != nil {
		return nil, err
	}
	it := r.s.state.queue.ref(id)
	if it == nil || it.Status != models.QueueItemStatusProcessing || utils.Deref(it.LeaseOwner) != workerID {
		return nil, nil
	}

	now := utils.UTCNow()
	switch {
	case outcome.Kind == models.OutcomeSent:
		it.Status = models.QueueItemStatusSent
		it.SentAt = &now
	case outcome.Kind == models.OutcomeTransient && it.Attempts+1 < it.MaxAttempts:
		it.Status = models.QueueItemStatusPending
	default:
		it.Status = models.QueueItemStatusFailed
	}
	if outcome.Kind != models.OutcomeLeaseExhausted {
		it.Attempts++
	}
	it.LeaseOwner = nil
	it.LeaseExpiresAt = nil
	if outcome.ProviderMessageID != "" {
		it.ProviderMessageID = utils.ToPtr(outcome.ProviderMessageID)
	}
	it.ErrorCode = nilIfEmpty(outcome.ErrorCode)
	it.ErrorMessage = nilIfEmpty(utils.Truncate(outcome.ErrorMessage, utils.MaxErrorMessageLength))
	it.UpdatedAt = now

	cp := *it
	return &cp, nil
}

func (r *memQueue) RenewLease(ctx context.Context, id uint, workerID string, leaseTTL time.Duration) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("queue.RenewLease"); err != nil {
		return false, err
	}
	it := r.s.state.queue.ref(id)
	if it == nil || it.Status != models.QueueItemStatusProcessing || utils.Deref(it.LeaseOwner) != workerID {
		return false, nil
	}
	now := utils.UTCNow()
	it.LeaseExpiresAt = utils.ToPtr(now.Add(leaseTTL))
	it.UpdatedAt = now
	return true, nil
}

func (r *memQueue) MarkReceipt(ctx context.Context, id uint, receipt models.ReceiptType, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	it := r.s.state.queue.ref(id)
	if it == nil || it.Status != models.QueueItemStatusSent {
		return false, nil
	}
	current := utils.Deref(it.DeliveryStatus)
	switch receipt {
	case models.ReceiptTypeDelivered:
		if it.DeliveredAt != nil {
			return false, nil
		}
		it.DeliveredAt = &at
		if current != "read" && current != "clicked" {
			it.DeliveryStatus = utils.ToPtr("delivered")
		}
	case models.ReceiptTypeRead:
		if it.ReadAt != nil {
			return false, nil
		}
		it.ReadAt = &at
		if current != "clicked" {
			it.DeliveryStatus = utils.ToPtr("read")
		}
	case models.ReceiptTypeClicked:
		if it.ClickedAt != nil {
			return false, nil
		}
		it.ClickedAt = &at
		it.DeliveryStatus = utils.ToPtr("clicked")
	default:
		return false, fmt.Errorf("unknown receipt type %q", receipt)
	}
	it.UpdatedAt = utils.UTCNow()
	return true, nil
}

func (r *memQueue) StatusCounts(ctx context.Context, tenantID uint, campaignID *uint) (*models.QueueStatusCounts, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := &models.QueueStatusCounts{}
	for _, it := range r.s.state.queue.rows {
		if it.TenantID != tenantID {
			continue
		}
		if campaignID != nil && (it.CampaignID == nil || *it.CampaignID != *campaignID) {
			continue
		}
		out.Total++
		switch it.Status {
		case models.QueueItemStatusPending:
			out.Pending++
		case models.QueueItemStatusProcessing:
			out.Processing++
		case models.QueueItemStatusSent:
			out.Sent++
		case models.QueueItemStatusFailed:
			out.Failed++
		}
		if it.DeliveredAt != nil {
			out.Delivered++
		}
		if it.ReadAt != nil {
			out.Read++
		}
		if it.ClickedAt != nil {
			out.Clicked++
		}
		if it.SentAt != nil {
			if out.FirstSent == nil || it.SentAt.Before(*out.FirstSent) {
				out.FirstSent = utils.ToPtr(*it.SentAt)
			}
			if out.LastSent == nil || it.SentAt.After(*out.LastSent) {
				out.LastSent = utils.ToPtr(*it.SentAt)
			}
		}
	}
	return out, nil
}

func (r *memQueue) CampaignTally(ctx context.Context, campaignID uint) (*models.CampaignCounters, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := &models.CampaignCounters{}
	for _, it := range r.s.state.queue.rows {
		if it.CampaignID == nil || *it.CampaignID != campaignID {
			continue
		}
		switch it.Status {
		case models.QueueItemStatusSent:
			out.Sent++
		case models.QueueItemStatusFailed:
			out.Failed++
		}
		if it.DeliveredAt != nil {
			out.Delivered++
		}
		if it.ReadAt != nil {
			out.Read++
		}
		if it.ClickedAt != nil {
			out.Clicked++
		}
	}
	return out, nil
}

// CorruptCounter overwrites one campaign counter without touching queue items
func (s *MemoryStore) CorruptCounter(campaignID uint, counter models.CampaignCounter, value int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.state.campaigns.ref(campaignID)
	if c == nil {
		return
	}
	switch counter {
	case models.CampaignCounterSent:
		c.SentCount = value
	case models.CampaignCounterFailed:
		c.FailedCount = value
	case models.CampaignCounterDelivered:
		c.DeliveredCount = value
	case models.CampaignCounterRead:
		c.ReadCount = value
	case models.CampaignCounterClicked:
		c.ClickedCount = value
	}
}

type memWebhooks struct{ s *MemoryStore }

func (r *memWebhooks) Insert(ctx context.Context, e *models.WebhookEvent) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("webhooks.Insert"); err != nil {
		return false, err
	}
	dup := r.s.state.webhooks.filter(func(w *models.WebhookEvent) bool {
		return w.Source == e.Source && w.EventID == e.EventID
	})
	if len(dup) > 0 {
		return false, nil
	}
	stamp(&e.CreatedAt, &e.UpdatedAt)
	r.s.state.webhooks.insert(e)
	return true, nil
}

func (r *memWebhooks) MarkProcessed(ctx context.Context, id uint) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("webhooks.MarkProcessed"); err != nil {
		return err
	}
	w := r.s.state.webhooks.ref(id)
	if w == nil || w.Processed {
		return nil
	}
	now := utils.UTCNow()
	w.Processed = true
	w.ProcessedAt = &now
	w.UpdatedAt = now
	return nil
}

func (r *memWebhooks) BySourceAndEventID(ctx context.Context, source, eventID string) (*models.WebhookEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rows := r.s.state.webhooks.filter(func(w *models.WebhookEvent) bool {
		return w.Source == source && w.EventID == eventID
	})
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

type memPayments struct{ s *MemoryStore }

func (r *memPayments) Save(ctx context.Context, p *models.Payment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("payments.Save"); err != nil {
		return err
	}
	_ = p.BeforeCreate(nil)
	stamp(&p.CreatedAt, &p.UpdatedAt)
	r.s.state.payments.insert(p)
	return nil
}

func (r *memPayments) ByID(ctx context.Context, id uint) (*models.Payment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.state.payments.get(id), nil
}

func (r *memPayments) ByIDForUpdate(ctx context.Context, id uint) (*models.Payment, error) {
	return r.ByID(ctx, id)
}

func (r *memPayments) newest(pred func(*models.Payment) bool) *models.Payment {
	rows := r.s.state.payments.filter(pred)
	if len(rows) == 0 {
		return nil
	}
	return rows[len(rows)-1]
}

func (r *memPayments) ByGatewayOrderRefForUpdate(ctx context.Context, ref string) (*models.Payment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.newest(func(p *models.Payment) bool { return p.GatewayOrderRef == ref }), nil
}

func (r *memPayments) ByGatewayPaymentRefForUpdate(ctx context.Context, ref string) (*models.Payment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.newest(func(p *models.Payment) bool { return utils.Deref(p.GatewayPaymentRef) == ref }), nil
}

func (r *memPayments) ListByOrder(ctx context.Context, orderID uint) ([]*models.Payment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.state.payments.filter(func(p *models.Payment) bool { return p.OrderID == orderID }), nil
}

func (r *memPayments) Update(ctx context.Context, p *models.Payment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("payments.Update"); err != nil {
		return err
	}
	stamp(nil, &p.UpdatedAt)
	if !r.s.state.payments.put(p.ID, p) {
		return fmt.Errorf("payment %d does not exist", p.ID)
	}
	return nil
}

type memOrders struct{ s *MemoryStore }

func (r *memOrders) Save(ctx context.Context, o *models.Order) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("orders.Save"); err != nil {
		return err
	}
	_ = o.BeforeCreate(nil)
	stamp(&o.CreatedAt, &o.UpdatedAt)
	r.s.state.orders.insert(o)
	return nil
}

func (r *memOrders) ByID(ctx context.Context, id uint) (*models.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.state.orders.get(id), nil
}

func (r *memOrders) ByIDForUpdate(ctx context.Context, id uint) (*models.Order, error) {
	return r.ByID(ctx, id)
}

func (r *memOrders) Update(ctx context.Context, o *models.Order) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("orders.Update"); err != nil {
		return err
	}
	stamp(nil, &o.UpdatedAt)
	if !r.s.state.orders.put(o.ID, o) {
		return fmt.Errorf("order %d does not exist", o.ID)
	}
	return nil
}

type memTimeline struct{ s *MemoryStore }

func (r *memTimeline) Save(ctx context.Context, e *models.OrderTimelineEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("timeline.Save"); err != nil {
		return err
	}
	stamp(&e.CreatedAt, nil)
	r.s.state.timeline.insert(e)
	return nil
}

func (r *memTimeline) ListByOrder(ctx context.Context, orderID uint) ([]*models.OrderTimelineEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.state.timeline.filter(func(e *models.OrderTimelineEntry) bool { return e.OrderID == orderID }), nil
}

type memAudit struct{ s *MemoryStore }

func (r *memAudit) Save(ctx context.Context, l *models.AuditLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("audit.Save"); err != nil {
		return err
	}
	stamp(&l.CreatedAt, nil)
	r.s.state.audit.insert(l)
	return nil
}

func (r *memAudit) ListByEntity(ctx context.Context, entityType string, entityID uint) ([]*models.AuditLog, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.state.audit.filter(func(l *models.AuditLog) bool {
		return l.EntityType == entityType && l.EntityID != nil && *l.EntityID == entityID
	}), nil
}

type memSubscriptions struct{ s *MemoryStore }

func (r *memSubscriptions) Save(ctx context.Context, sub *models.Subscription) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("subscriptions.Save"); err != nil {
		return err
	}
	stamp(&sub.CreatedAt, &sub.UpdatedAt)
	r.s.state.subscriptions.insert(sub)
	return nil
}

func (r *memSubscriptions) Update(ctx context.Context, sub *models.Subscription) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("subscriptions.Update"); err != nil {
		return err
	}
	stamp(nil, &sub.UpdatedAt)
	if !r.s.state.subscriptions.put(sub.ID, sub) {
		return fmt.Errorf("subscription %d does not exist", sub.ID)
	}
	return nil
}

func (r *memSubscriptions) ActiveByTenantForUpdate(ctx context.Context, tenantID uint, planCode string) (*models.Subscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rows := r.s.state.subscriptions.filter(func(sub *models.Subscription) bool {
		return sub.TenantID == tenantID && sub.PlanCode == planCode && sub.Status == models.SubscriptionStatusActive
	})
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[len(rows)-1], nil
}

type memInvoices struct{ s *MemoryStore }

func (r *memInvoices) Save(ctx context.Context, inv *models.Invoice) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("invoices.Save"); err != nil {
		return err
	}
	stamp(&inv.CreatedAt, &inv.UpdatedAt)
	r.s.state.invoices.insert(inv)
	return nil
}

func (r *memInvoices) Update(ctx context.Context, inv *models.Invoice) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("invoices.Update"); err != nil {
		return err
	}
	stamp(nil, &inv.UpdatedAt)
	if !r.s.state.invoices.put(inv.ID, inv) {
		return fmt.Errorf("invoice %d does not exist", inv.ID)
	}
	return nil
}

func (r *memInvoices) ByOrderID(ctx context.Context, orderID uint) (*models.Invoice, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rows := r.s.state.invoices.filter(func(inv *models.Invoice) bool { return inv.OrderID == orderID })
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

type memTransactions struct{ s *MemoryStore }

func (r *memTransactions) Save(ctx context.Context, t *models.Transaction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("transactions.Save"); err != nil {
		return err
	}
	_ = t.BeforeCreate(nil)
	stamp(&t.CreatedAt, nil)
	r.s.state.transactions.insert(t)
	return nil
}

func (r *memTransactions) ListByOrder(ctx context.Context, orderID uint) ([]*models.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.state.transactions.filter(func(t *models.Transaction) bool { return t.OrderID == orderID }), nil
}

type memOutbox struct{ s *MemoryStore }

func (r *memOutbox) Save(ctx context.Context, e *models.OutboxEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("outbox.Save"); err != nil {
		return err
	}
	_ = e.BeforeCreate(nil)
	if e.Status == "" {
		e.Status = models.OutboxStatusPending
	}
	stamp(&e.CreatedAt, nil)
	r.s.state.outbox.insert(e)
	return nil
}

func (r *memOutbox) ClaimPending(ctx context.Context, limit int) ([]*models.OutboxEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rows := r.s.state.outbox.filter(func(e *models.OutboxEvent) bool { return e.Status == models.OutboxStatusPending })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (r *memOutbox) MarkPublished(ctx context.Context, id uint, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e := r.s.state.outbox.ref(id)
	if e == nil {
		return nil
	}
	e.Status = models.OutboxStatusPublished
	e.PublishedAt = &at
	e.Attempts++
	e.LastError = nil
	return nil
}

func (r *memOutbox) MarkAttemptFailed(ctx context.Context, id uint, errMsg string, maxAttempts int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e := r.s.state.outbox.ref(id)
	if e == nil {
		return nil
	}
	e.Attempts++
	e.LastError = utils.ToPtr(errMsg)
	if e.Attempts >= maxAttempts {
		e.Status = models.OutboxStatusFailed
	}
	return nil
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
