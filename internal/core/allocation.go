package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"stockledger/pkg/domain"
)

// subjectCostScale is the number of decimal places kept on per-subject costs.
const subjectCostScale = 4

// AllocationRequest describes one consumption event spanning one or more
// items. Subjects carries per-subject doses and is only valid for a single
// item; when set, the doses must add up to the line quantity.
type AllocationRequest struct {
	Kind         domain.EventKind     `json:"kind"`
	Date         time.Time            `json:"date"`
	SubjectRef   string               `json:"subject_ref,omitempty"`
	Lines        []LineRequest        `json:"lines"`
	SubjectCount int                  `json:"subject_count"`
	Subjects     []domain.SubjectDose `json:"subjects,omitempty"`
	Operator     string               `json:"operator"`
	Notes        string               `json:"notes,omitempty"`
}

// Ration is a per-head quantity of one feed item.
type Ration struct {
	ItemID  string          `json:"item_id"`
	PerHead decimal.Decimal `json:"per_head"`
}

// FeedingRequest records a pen feeding.
type FeedingRequest struct {
	PenID     string    `json:"pen_id"`
	HeadCount int       `json:"head_count"`
	Rations   []Ration  `json:"rations"`
	Date      time.Time `json:"date"`
	Operator  string    `json:"operator"`
	Notes     string    `json:"notes,omitempty"`
}

// BulkTreatmentRequest records one drug given to many subjects.
type BulkTreatmentRequest struct {
	ItemID      string               `json:"item_id"`
	ProtocolRef string               `json:"protocol_ref,omitempty"`
	Doses       []domain.SubjectDose `json:"doses"`
	Date        time.Time            `json:"date"`
	Operator    string               `json:"operator"`
	Notes       string               `json:"notes,omitempty"`
}

// TreatmentRequest records one dose given to one subject.
type TreatmentRequest struct {
	ItemID    string          `json:"item_id"`
	SubjectID string          `json:"subject_id"`
	Dose      decimal.Decimal `json:"dose"`
	Date      time.Time       `json:"date"`
	Operator  string          `json:"operator"`
	Notes     string          `json:"notes,omitempty"`
}

// committedLine is a deduction made during the commit phase.
type committedLine struct {
	itemID string
	entry  domain.LedgerTransaction
}

func usageReason(kind domain.EventKind, eventID string) string {
	return fmt.Sprintf("%s event %s", kind, eventID)
}

func compensationReason(kind domain.EventKind, eventID string) string {
	return fmt.Sprintf("compensation for aborted %s event %s", kind, eventID)
}

// plan validates req and turns it into the checkpoint that drives the
// commit phase. Lines come out aggregated and ordered by item ID.
func (s *Service) plan(req AllocationRequest) (domain.PendingAllocation, error) {
	if !req.Kind.Valid() {
		return domain.PendingAllocation{}, domain.Invalid("kind", "unknown event kind "+string(req.Kind))
	}
	if err := requireOperator(req.Operator); err != nil {
		return domain.PendingAllocation{}, err
	}
	if len(req.Lines) == 0 {
		return domain.PendingAllocation{}, domain.Invalid("lines", "must not be empty")
	}
	merged, err := aggregateLines(req.Lines)
	if err != nil {
		return domain.PendingAllocation{}, err
	}
	count := req.SubjectCount
	if len(req.Subjects) > 0 {
		if err := validateSubjects(req.Subjects, merged); err != nil {
			return domain.PendingAllocation{}, err
		}
		if count == 0 {
			count = len(req.Subjects)
		}
		if count != len(req.Subjects) {
			return domain.PendingAllocation{}, domain.Invalid("subject_count", "must match the number of subjects")
		}
	}
	if count < 1 {
		return domain.PendingAllocation{}, domain.Invalid("subject_count", "must be at least 1")
	}
	date := req.Date
	if date.IsZero() {
		date = s.now()
	}
	lines := make([]domain.PendingLine, len(merged))
	for i, l := range merged {
		lines[i] = domain.PendingLine{ItemID: l.ItemID, Quantity: l.Quantity}
	}
	return domain.PendingAllocation{
		Kind:         req.Kind,
		Date:         date,
		SubjectRef:   req.SubjectRef,
		Lines:        lines,
		Subjects:     append([]domain.SubjectDose(nil), req.Subjects...),
		SubjectCount: count,
		Operator:     req.Operator,
		Notes:        req.Notes,
	}, nil
}

func validateSubjects(subjects []domain.SubjectDose, lines []LineRequest) error {
	if len(lines) != 1 {
		return domain.Invalid("subjects", "per-subject doses require exactly one item")
	}
	seen := make(map[string]struct{}, len(subjects))
	total := decimal.Zero
	for i, d := range subjects {
		if strings.TrimSpace(d.SubjectID) == "" {
			return domain.Invalid("subjects", fmt.Sprintf("subject %d has no id", i))
		}
		if _, dup := seen[d.SubjectID]; dup {
			return domain.Invalid("subjects", "duplicate subject "+d.SubjectID)
		}
		seen[d.SubjectID] = struct{}{}
		if !d.Dose.IsPositive() {
			return domain.Invalid("subjects", "dose for "+d.SubjectID+" must be greater than zero")
		}
		total = total.Add(d.Dose)
	}
	if !total.Equal(lines[0].Quantity) {
		return domain.Invalid("subjects", "doses must add up to the line quantity")
	}
	return nil
}

// reserve checks every line against one consistent view and reports every
// short line at once. It returns the items it read, keyed by ID.
func (s *Service) reserve(ctx context.Context, lines []domain.PendingLine) (map[string]domain.StockItem, error) {
	items := make(map[string]domain.StockItem, len(lines))
	var short []domain.Shortfall
	err := s.store.View(ctx, func(view domain.TransactionView) error {
		for _, line := range lines {
			item, ok := view.FindStockItem(line.ItemID)
			if !ok {
				return domain.NotFoundError{Entity: domain.EntityStockItem, ID: line.ItemID}
			}
			items[item.ID] = item
			if line.Quantity.GreaterThan(item.QuantityOnHand) {
				short = append(short, shortfallFor(item, line.Quantity))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(short) > 0 {
		return nil, domain.InsufficientStockError{Lines: short}
	}
	return items, nil
}

// RecordAllocationEvent deducts every line of req or none of them. Lines are
// reserved up front, deducted in item ID order under a checkpoint, and
// compensated in reverse when a deduction fails part way. The event is only
// persisted when every line succeeded.
func (s *Service) RecordAllocationEvent(ctx context.Context, req AllocationRequest) (domain.AllocationEvent, error) {
	var event domain.AllocationEvent
	err := s.instrument(withOperator(ctx, req.Operator), opRecordAllocation, func(ctx context.Context) (string, error) {
		p, err := s.plan(req)
		if err != nil {
			return "", err
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		items, err := s.reserve(ctx, p.Lines)
		if err != nil {
			return "", err
		}
		p.EventID = uuid.NewString()
		s.inflight.Store(p.EventID, struct{}{})
		defer s.inflight.Delete(p.EventID)

		if _, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			return tx.PutPendingAllocation(p)
		}); err != nil {
			return p.EventID, fmt.Errorf("write allocation checkpoint: %w", err)
		}
		event, err = s.commitAllocation(ctx, p, items)
		return p.EventID, err
	})
	if err != nil {
		return domain.AllocationEvent{}, err
	}
	return event, nil
}

func (s *Service) commitAllocation(ctx context.Context, p domain.PendingAllocation, items map[string]domain.StockItem) (domain.AllocationEvent, error) {
	link := &domain.EventLink{Kind: p.Kind, ID: p.EventID}
	reason := usageReason(p.Kind, p.EventID)
	// Individual deductions run to completion; cancellation is observed
	// between lines.
	detached := context.WithoutCancel(ctx)
	committed := make([]committedLine, 0, len(p.Lines))
	for i, line := range p.Lines {
		if err := ctx.Err(); err != nil {
			return domain.AllocationEvent{}, s.abortAllocation(ctx, p, committed, err)
		}
		if s.beforeCommitLine != nil {
			s.beforeCommitLine(i, line.ItemID)
		}
		entry, err := s.debit(detached, domain.KindUsage, line.ItemID, line.Quantity, reason, p.Operator, link)
		if err != nil && retryableLine(err) {
			s.logger.Warn("allocation line failed, retrying", "event_id", p.EventID, "item_id", line.ItemID, "error", err)
			if a, cerr := s.CheckAvailability(detached, line.ItemID, line.Quantity); cerr == nil && a.Available {
				entry, err = s.debit(detached, domain.KindUsage, line.ItemID, line.Quantity, reason, p.Operator, link)
			}
		}
		if err != nil {
			return domain.AllocationEvent{}, s.abortAllocation(ctx, p, committed, err)
		}
		committed = append(committed, committedLine{itemID: line.ItemID, entry: entry})
	}

	entries := make(map[string]domain.LedgerTransaction, len(committed))
	for _, c := range committed {
		entries[c.itemID] = c.entry
	}
	event := buildEvent(p, entries, items)
	if err := s.finalizeEvent(detached, event); err != nil {
		return domain.AllocationEvent{}, s.abortAllocation(ctx, p, committed, err)
	}
	s.logger.Info("allocation recorded", "event_id", event.ID, "kind", event.Kind, "lines", len(event.Lines), "total_cost", event.TotalCost.String())
	return event, nil
}

func retryableLine(err error) bool {
	return errors.Is(err, domain.ErrInsufficientStock) || errors.Is(err, domain.ErrConflict)
}

// finalizeEvent persists the event and drops its checkpoint atomically.
func (s *Service) finalizeEvent(ctx context.Context, event domain.AllocationEvent) error {
	_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.CreateAllocationEvent(event); err != nil {
			return err
		}
		return tx.DeletePendingAllocation(event.ID)
	})
	return err
}

// abortAllocation restores committed lines in reverse order and drops the
// checkpoint. When a restore fails the checkpoint stays for Recover.
func (s *Service) abortAllocation(ctx context.Context, p domain.PendingAllocation, committed []committedLine, cause error) error {
	s.logger.Warn("allocation aborted, compensating", "event_id", p.EventID, "kind", p.Kind, "committed_lines", len(committed), "error", cause)
	reason := compensationReason(p.Kind, p.EventID)
	link := &domain.EventLink{Kind: p.Kind, ID: p.EventID}
	compensated := make([]string, 0, len(committed))
	for i := len(committed) - 1; i >= 0; i-- {
		c := committed[i]
		if _, err := s.restock(ctx, c.itemID, c.entry.QuantityChange.Neg(), c.entry.CostPerUnit, link, reason, p.Operator); err != nil {
			s.logger.Error("compensation failed", "event_id", p.EventID, "item_id", c.itemID, "error", err)
			return fmt.Errorf("compensate allocation %s: %w", p.EventID, errors.Join(cause, err))
		}
		compensated = append(compensated, c.itemID)
	}
	if _, err := s.store.RunInTransaction(context.WithoutCancel(ctx), func(tx domain.Transaction) error {
		return tx.DeletePendingAllocation(p.EventID)
	}); err != nil {
		s.logger.Error("drop allocation checkpoint", "event_id", p.EventID, "error", err)
	}
	return domain.PartialAllocationError{EventID: p.EventID, Cause: cause, Compensated: compensated}
}

// buildEvent assembles the finalized event from the usage entry of each line.
// items supplies withdrawal periods; missing items yield no withdrawal date.
func buildEvent(p domain.PendingAllocation, entries map[string]domain.LedgerTransaction, items map[string]domain.StockItem) domain.AllocationEvent {
	event := domain.AllocationEvent{
		Base:         domain.Base{ID: p.EventID},
		Kind:         p.Kind,
		Date:         p.Date,
		SubjectRef:   p.SubjectRef,
		SubjectCount: p.SubjectCount,
		TotalCost:    decimal.Zero,
		Operator:     p.Operator,
		Notes:        p.Notes,
	}
	for _, line := range p.Lines {
		entry := entries[line.ItemID]
		event.Lines = append(event.Lines, domain.AllocationLine{
			ItemID:        line.ItemID,
			ItemName:      entry.ItemName,
			Quantity:      line.Quantity,
			Unit:          entry.Unit,
			CostImpact:    entry.CostImpact,
			TransactionID: entry.ID,
		})
		event.TotalCost = event.TotalCost.Add(entry.CostImpact)
	}
	event.CostPerSubject = event.TotalCost.Div(decimal.NewFromInt(int64(p.SubjectCount))).Round(subjectCostScale)
	if len(p.Subjects) > 0 && len(p.Lines) == 1 {
		itemID := p.Lines[0].ItemID
		entry := entries[itemID]
		var until *time.Time
		if item, ok := items[itemID]; ok && item.WithdrawalPeriodDays != nil {
			t := p.Date.AddDate(0, 0, *item.WithdrawalPeriodDays)
			until = &t
		}
		for _, d := range p.Subjects {
			st := domain.SubjectTreatment{
				SubjectID:     d.SubjectID,
				Dose:          d.Dose,
				CostImpact:    d.Dose.Mul(entry.CostPerUnit),
				TransactionID: entry.ID,
			}
			if until != nil {
				u := *until
				st.WithdrawalUntil = &u
			}
			event.Subjects = append(event.Subjects, st)
		}
	}
	return event
}

// RecordFeeding records a pen feeding; each ration is multiplied by the head count.
func (s *Service) RecordFeeding(ctx context.Context, req FeedingRequest) (domain.AllocationEvent, error) {
	if req.HeadCount < 1 {
		return domain.AllocationEvent{}, domain.Invalid("head_count", "must be at least 1")
	}
	if len(req.Rations) == 0 {
		return domain.AllocationEvent{}, domain.Invalid("rations", "must not be empty")
	}
	heads := decimal.NewFromInt(int64(req.HeadCount))
	lines := make([]LineRequest, len(req.Rations))
	for i, r := range req.Rations {
		lines[i] = LineRequest{ItemID: r.ItemID, Quantity: r.PerHead.Mul(heads)}
	}
	return s.RecordAllocationEvent(ctx, AllocationRequest{
		Kind:         domain.EventFeeding,
		Date:         req.Date,
		SubjectRef:   req.PenID,
		Lines:        lines,
		SubjectCount: req.HeadCount,
		Operator:     req.Operator,
		Notes:        req.Notes,
	})
}

// RecordBulkTreatment deducts the summed doses once and fans the event out
// into one treatment record per subject.
func (s *Service) RecordBulkTreatment(ctx context.Context, req BulkTreatmentRequest) (domain.AllocationEvent, error) {
	if len(req.Doses) == 0 {
		return domain.AllocationEvent{}, domain.Invalid("doses", "must not be empty")
	}
	total := decimal.Zero
	for _, d := range req.Doses {
		total = total.Add(d.Dose)
	}
	return s.RecordAllocationEvent(ctx, AllocationRequest{
		Kind:         domain.EventBulkTreatment,
		Date:         req.Date,
		SubjectRef:   req.ProtocolRef,
		Lines:        []LineRequest{{ItemID: req.ItemID, Quantity: total}},
		SubjectCount: len(req.Doses),
		Subjects:     req.Doses,
		Operator:     req.Operator,
		Notes:        req.Notes,
	})
}

// RecordTreatment records a single-subject treatment.
func (s *Service) RecordTreatment(ctx context.Context, req TreatmentRequest) (domain.AllocationEvent, error) {
	return s.RecordAllocationEvent(ctx, AllocationRequest{
		Kind:         domain.EventTreatment,
		Date:         req.Date,
		SubjectRef:   req.SubjectID,
		Lines:        []LineRequest{{ItemID: req.ItemID, Quantity: req.Dose}},
		SubjectCount: 1,
		Subjects:     []domain.SubjectDose{{SubjectID: req.SubjectID, Dose: req.Dose}},
		Operator:     req.Operator,
		Notes:        req.Notes,
	})
}
