package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"stockledger/internal/core"
	"stockledger/pkg/domain"
)

// itemRequest carries the fields a client may set when creating an item.
type itemRequest struct {
	Name                 string          `json:"name"`
	Category             domain.Category `json:"category"`
	SubKind              domain.SubKind  `json:"sub_kind"`
	QuantityOnHand       decimal.Decimal `json:"quantity_on_hand"`
	Unit                 domain.Unit     `json:"unit"`
	CostPerUnit          decimal.Decimal `json:"cost_per_unit"`
	ReorderPoint         decimal.Decimal `json:"reorder_point"`
	ReorderQuantity      decimal.Decimal `json:"reorder_quantity"`
	ExpirationDate       *time.Time      `json:"expiration_date"`
	LotNumber            *string         `json:"lot_number"`
	WithdrawalPeriodDays *int            `json:"withdrawal_period_days"`
	StorageLocation      string          `json:"storage_location"`
	Supplier             string          `json:"supplier"`
}

func (r itemRequest) item() domain.StockItem {
	return domain.StockItem{
		Name:                 r.Name,
		Category:             r.Category,
		SubKind:              r.SubKind,
		QuantityOnHand:       r.QuantityOnHand,
		Unit:                 r.Unit,
		CostPerUnit:          r.CostPerUnit,
		ReorderPoint:         r.ReorderPoint,
		ReorderQuantity:      r.ReorderQuantity,
		ExpirationDate:       r.ExpirationDate,
		LotNumber:            r.LotNumber,
		WithdrawalPeriodDays: r.WithdrawalPeriodDays,
		StorageLocation:      r.StorageLocation,
		Supplier:             r.Supplier,
	}
}

// movementRequest moves Quantity in or out of an item. CostPerUnit only
// applies to receipts.
type movementRequest struct {
	Quantity    decimal.Decimal  `json:"quantity"`
	CostPerUnit *decimal.Decimal `json:"cost_per_unit,omitempty"`
	Reason      string           `json:"reason"`
	Operator    string           `json:"operator"`
}

type batchRequest struct {
	Lines []core.LineRequest `json:"lines"`
}

type exportRequest struct {
	ItemID  string                 `json:"item_id"`
	EventID string                 `json:"event_id"`
	Kind    domain.TransactionKind `json:"kind"`
	From    *time.Time             `json:"from"`
	To      *time.Time             `json:"to"`
}

func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		badRequest(c, "body", err.Error())
		return false
	}
	return true
}

func (h *Handler) listItems(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"items": h.ledger.ListItems(c.Request.Context())})
}

func (h *Handler) createItem(c *gin.Context) {
	var req itemRequest
	if !bind(c, &req) {
		return
	}
	item, err := h.ledger.CreateItem(c.Request.Context(), req.item(), operator(c, ""))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Location", "/api/v1/items/"+item.ID)
	c.JSON(http.StatusCreated, item)
}

func (h *Handler) getItem(c *gin.Context) {
	item, err := h.ledger.GetItem(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *Handler) updateItem(c *gin.Context) {
	var patch core.ItemPatch
	if !bind(c, &patch) {
		return
	}
	item, err := h.ledger.UpdateItemMetadata(c.Request.Context(), c.Param("id"), patch, operator(c, ""))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *Handler) deleteItem(c *gin.Context) {
	if err := h.ledger.DeleteItem(c.Request.Context(), c.Param("id"), operator(c, "")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) receive(c *gin.Context) {
	var req movementRequest
	if !bind(c, &req) {
		return
	}
	entry, err := h.ledger.Add(c.Request.Context(), c.Param("id"), req.Quantity, req.Reason, operator(c, req.Operator), req.CostPerUnit)
	h.writeEntry(c, entry, err)
}

func (h *Handler) adjust(c *gin.Context) {
	var req movementRequest
	if !bind(c, &req) {
		return
	}
	entry, err := h.ledger.Adjust(c.Request.Context(), c.Param("id"), req.Quantity, req.Reason, operator(c, req.Operator))
	h.writeEntry(c, entry, err)
}

func (h *Handler) waste(c *gin.Context) {
	var req movementRequest
	if !bind(c, &req) {
		return
	}
	entry, err := h.ledger.Waste(c.Request.Context(), c.Param("id"), req.Quantity, req.Reason, operator(c, req.Operator))
	h.writeEntry(c, entry, err)
}

func (h *Handler) giveBack(c *gin.Context) {
	var req movementRequest
	if !bind(c, &req) {
		return
	}
	entry, err := h.ledger.Return(c.Request.Context(), c.Param("id"), req.Quantity, req.Reason, operator(c, req.Operator))
	h.writeEntry(c, entry, err)
}

func (h *Handler) writeEntry(c *gin.Context, entry domain.LedgerTransaction, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (h *Handler) availability(c *gin.Context) {
	raw := c.Query("quantity")
	if raw == "" {
		badRequest(c, "quantity", "query parameter is required")
		return
	}
	qty, err := decimal.NewFromString(raw)
	if err != nil {
		badRequest(c, "quantity", "not a decimal number")
		return
	}
	got, err := h.ledger.CheckAvailability(c.Request.Context(), c.Param("id"), qty)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, got)
}

func (h *Handler) availabilityBatch(c *gin.Context) {
	var req batchRequest
	if !bind(c, &req) {
		return
	}
	got, err := h.ledger.CheckAvailabilityBatch(c.Request.Context(), req.Lines)
	if err != nil {
		writeError(c, err)
		return
	}
	all := true
	for _, a := range got {
		all = all && a.Available
	}
	c.JSON(http.StatusOK, gin.H{"available": all, "lines": got})
}

// transactionFilter reads item_id, event_id, kind, from and to. Times are
// RFC 3339; from is inclusive and to exclusive.
func transactionFilter(c *gin.Context) (domain.TransactionFilter, bool) {
	f := domain.TransactionFilter{
		ItemID:  c.Query("item_id"),
		EventID: c.Query("event_id"),
		Kind:    domain.TransactionKind(c.Query("kind")),
	}
	for name, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		raw := c.Query(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(c, name, "must be an RFC 3339 timestamp")
			return f, false
		}
		*dst = &t
	}
	return f, true
}

func (h *Handler) transactions(c *gin.Context) {
	filter, ok := transactionFilter(c)
	if !ok {
		return
	}
	entries, err := h.ledger.GetTransactions(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": entries})
}

func (h *Handler) activeAlerts(c *gin.Context) {
	alerts, err := h.ledger.GetActiveAlerts(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

func (h *Handler) alertHistory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"alerts": h.ledger.GetAlertHistory(c.Request.Context())})
}

func (h *Handler) listAllocations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"allocations": h.ledger.ListAllocationEvents(c.Request.Context())})
}

func (h *Handler) recordAllocation(c *gin.Context) {
	var req core.AllocationRequest
	if !bind(c, &req) {
		return
	}
	req.Operator = operator(c, req.Operator)
	event, err := h.ledger.RecordAllocationEvent(c.Request.Context(), req)
	h.writeEvent(c, event, err)
}

func (h *Handler) recordFeeding(c *gin.Context) {
	var req core.FeedingRequest
	if !bind(c, &req) {
		return
	}
	req.Operator = operator(c, req.Operator)
	event, err := h.ledger.RecordFeeding(c.Request.Context(), req)
	h.writeEvent(c, event, err)
}

func (h *Handler) recordTreatment(c *gin.Context) {
	var req core.TreatmentRequest
	if !bind(c, &req) {
		return
	}
	req.Operator = operator(c, req.Operator)
	event, err := h.ledger.RecordTreatment(c.Request.Context(), req)
	h.writeEvent(c, event, err)
}

func (h *Handler) recordBulkTreatment(c *gin.Context) {
	var req core.BulkTreatmentRequest
	if !bind(c, &req) {
		return
	}
	req.Operator = operator(c, req.Operator)
	event, err := h.ledger.RecordBulkTreatment(c.Request.Context(), req)
	h.writeEvent(c, event, err)
}

func (h *Handler) writeEvent(c *gin.Context, event domain.AllocationEvent, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Location", "/api/v1/allocations/"+event.ID)
	c.JSON(http.StatusCreated, event)
}

func (h *Handler) getAllocation(c *gin.Context) {
	event, err := h.ledger.GetAllocationEvent(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, event)
}

func (h *Handler) valuation(c *gin.Context) {
	v, err := h.ledger.Valuation(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h *Handler) usageCost(c *gin.Context) {
	filter, ok := transactionFilter(c)
	if !ok {
		return
	}
	report, err := h.ledger.UsageCost(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) export(c *gin.Context) {
	var req exportRequest
	if c.Request.ContentLength != 0 && !bind(c, &req) {
		return
	}
	info, err := h.ledger.ExportLedger(c.Request.Context(), h.archive, domain.TransactionFilter{
		ItemID:  req.ItemID,
		EventID: req.EventID,
		Kind:    req.Kind,
		From:    req.From,
		To:      req.To,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (h *Handler) listExports(c *gin.Context) {
	if h.archive == nil {
		badRequest(c, "archive", "archive store is not configured")
		return
	}
	infos, err := h.archive.List(c.Request.Context(), "ledger/")
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"exports": infos})
}

func (h *Handler) recoverPending(c *gin.Context) {
	report, err := h.ledger.Recover(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"outcomes":    report.Outcomes,
		"finalized":   report.Count(core.RecoveryFinalized),
		"compensated": report.Count(core.RecoveryCompensated),
		"skipped":     report.Count(core.RecoverySkipped),
	})
}
