// Package httpapi exposes the stock ledger over HTTP with gin.
package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"stockledger/docs/schema/openapi"
	"stockledger/internal/blob"
	"stockledger/internal/core"
	"stockledger/pkg/domain"
)

// Ledger is the service surface the API drives. *core.Service satisfies it.
type Ledger interface {
	CreateItem(ctx context.Context, item domain.StockItem, operator string) (domain.StockItem, error)
	GetItem(ctx context.Context, id string) (domain.StockItem, error)
	ListItems(ctx context.Context) []domain.StockItem
	UpdateItemMetadata(ctx context.Context, id string, patch core.ItemPatch, operator string) (domain.StockItem, error)
	DeleteItem(ctx context.Context, id, operator string) error

	Add(ctx context.Context, itemID string, qty decimal.Decimal, reason, operator string, costPerUnit *decimal.Decimal) (domain.LedgerTransaction, error)
	Adjust(ctx context.Context, itemID string, newQty decimal.Decimal, reason, operator string) (domain.LedgerTransaction, error)
	Waste(ctx context.Context, itemID string, qty decimal.Decimal, reason, operator string) (domain.LedgerTransaction, error)
	Return(ctx context.Context, itemID string, qty decimal.Decimal, reason, operator string) (domain.LedgerTransaction, error)

	CheckAvailability(ctx context.Context, itemID string, required decimal.Decimal) (core.Availability, error)
	CheckAvailabilityBatch(ctx context.Context, lines []core.LineRequest) ([]core.Availability, error)
	GetTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.LedgerTransaction, error)
	GetActiveAlerts(ctx context.Context) ([]domain.StockAlert, error)
	GetAlertHistory(ctx context.Context) []domain.StockAlert

	RecordAllocationEvent(ctx context.Context, req core.AllocationRequest) (domain.AllocationEvent, error)
	RecordFeeding(ctx context.Context, req core.FeedingRequest) (domain.AllocationEvent, error)
	RecordBulkTreatment(ctx context.Context, req core.BulkTreatmentRequest) (domain.AllocationEvent, error)
	RecordTreatment(ctx context.Context, req core.TreatmentRequest) (domain.AllocationEvent, error)
	GetAllocationEvent(ctx context.Context, id string) (domain.AllocationEvent, error)
	ListAllocationEvents(ctx context.Context) []domain.AllocationEvent

	Valuation(ctx context.Context) (core.Valuation, error)
	UsageCost(ctx context.Context, filter domain.TransactionFilter) (core.UsageCostReport, error)
	ExportLedger(ctx context.Context, store blob.Store, filter domain.TransactionFilter) (blob.Info, error)
	Recover(ctx context.Context) (core.RecoveryReport, error)
}

// Options wires optional collaborators into the router.
type Options struct {
	// Archive receives ledger exports. Exports fail with 400 when nil.
	Archive blob.Store
	// Metrics is mounted at MetricsPath when set.
	Metrics     http.Handler
	MetricsPath string
	Logger      core.Logger
}

// Handler serves the /api/v1 routes.
type Handler struct {
	ledger  Ledger
	archive blob.Store
}

// NewRouter builds the gin engine for ledger.
func NewRouter(ledger Ledger, opts Options) *gin.Engine {
	logger := opts.Logger
	if logger == nil {
		logger = core.NewSlogLogger(nil)
	}
	h := &Handler{ledger: ledger, archive: opts.Archive}

	r := gin.New()
	r.Use(gin.Recovery(), withRequestID(), withLogging(logger))
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/openapi.yaml", func(c *gin.Context) { c.Data(http.StatusOK, "application/yaml", openapi.Spec()) })
	if opts.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(opts.Metrics))
	}

	v1 := r.Group("/api/v1")
	{
		v1.GET("/items", h.listItems)
		v1.POST("/items", h.createItem)
		v1.GET("/items/:id", h.getItem)
		v1.PATCH("/items/:id", h.updateItem)
		v1.DELETE("/items/:id", h.deleteItem)
		v1.POST("/items/:id/receipts", h.receive)
		v1.POST("/items/:id/adjustments", h.adjust)
		v1.POST("/items/:id/waste", h.waste)
		v1.POST("/items/:id/returns", h.giveBack)
		v1.GET("/items/:id/availability", h.availability)

		v1.POST("/availability", h.availabilityBatch)
		v1.GET("/transactions", h.transactions)
		v1.GET("/alerts", h.activeAlerts)
		v1.GET("/alerts/history", h.alertHistory)

		v1.GET("/allocations", h.listAllocations)
		v1.POST("/allocations", h.recordAllocation)
		v1.GET("/allocations/:id", h.getAllocation)
		v1.POST("/feedings", h.recordFeeding)
		v1.POST("/treatments", h.recordTreatment)
		v1.POST("/treatments/bulk", h.recordBulkTreatment)

		v1.GET("/valuation", h.valuation)
		v1.GET("/usage-cost", h.usageCost)
		v1.GET("/exports", h.listExports)
		v1.POST("/exports", h.export)
		v1.POST("/recover", h.recoverPending)
	}
	return r
}
