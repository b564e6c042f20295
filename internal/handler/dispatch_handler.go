package handler

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/despacho-tracker/internal/domain"
	"github.com/kursadbilgin/despacho-tracker/internal/service"
	"github.com/kursadbilgin/despacho-tracker/internal/transport"
	"go.uber.org/zap"
)

const (
	defaultPage     = 1
	defaultPageSize = 20
	maxPageSize     = 100

	businessDateLayout = "2006-01-02"
)

type DispatchService interface {
	OpenBatch(ctx context.Context, carrier domain.CarrierKind, meta domain.BatchMeta) (*domain.Batch, error)
	SubmitScan(ctx context.Context, raw string) (*service.ScanResult, error)
	DeleteScan(ctx context.Context, scanID string) (*service.ScanChange, error)
	CorrectScanCategory(ctx context.Context, scanID string, category domain.Category) (*service.ScanChange, error)
	CloseBatch(ctx context.Context) (*domain.ClosureSummary, error)
	CurrentBatch(ctx context.Context) (*service.BatchView, error)
	CancelBatch(ctx context.Context) (*domain.Batch, error)
	ListHistory(ctx context.Context, page, pageSize int) (*service.HistoryPage, error)
	BatchDetail(ctx context.Context, id string) (*service.BatchView, error)
	ExportManifest(ctx context.Context, id string) (*service.Export, error)
}

// Gate holds what the request gate needs in front of the dispatch routes.
// Limiter is optional; without it scan submission is not throttled.
type Gate struct {
	APISecret string
	Tokens    TokenIssuer
	Limiter   ScanLimiter
	Logger    *zap.Logger
}

type DispatchHandler struct {
	service DispatchService
	tokens  TokenIssuer
}

func NewDispatchHandler(service DispatchService, tokens TokenIssuer) (*DispatchHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("dispatch service is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("csrf token issuer is required")
	}
	return &DispatchHandler{service: service, tokens: tokens}, nil
}

func RegisterDispatchRoutes(router fiber.Router, service DispatchService, gate Gate) error {
	h, err := NewDispatchHandler(service, gate.Tokens)
	if err != nil {
		return err
	}

	csrf := CSRFMiddleware(gate.Tokens, gate.Logger)
	scanGate := []fiber.Handler{csrf}
	if gate.Limiter != nil {
		scanGate = append(scanGate, StationRateLimitMiddleware(gate.Limiter, gate.Logger))
	}
	scanGate = append(scanGate, h.SubmitScan)

	v1 := router.Group("/v1", APIKeyMiddleware(gate.APISecret))
	v1.Get("/batches/current", h.CurrentBatch)
	v1.Post("/batches", csrf, h.OpenBatch)
	v1.Post("/batches/current/scans", scanGate...)
	v1.Post("/batches/current/close", csrf, h.CloseBatch)
	v1.Post("/batches/current/cancel", csrf, h.CancelBatch)
	v1.Delete("/scans/:id", csrf, h.DeleteScan)
	v1.Patch("/scans/:id", csrf, h.CorrectScan)
	v1.Get("/batches", h.ListHistory)
	v1.Get("/batches/:id", h.BatchDetail)
	v1.Get("/batches/:id/manifest.xlsx", h.ExportManifest)

	return nil
}

type openBatchRequest struct {
	Carrier      string `json:"carrier" validate:"required"`
	Transporter  string `json:"transporter" validate:"max=120"`
	VehiclePlate string `json:"vehiclePlate" validate:"max=20"`
}

type submitScanRequest struct {
	Code string `json:"code" validate:"required,max=2048"`
}

type correctScanRequest struct {
	Category string `json:"category" validate:"required"`
}

type batchResponse struct {
	ID               string     `json:"id"`
	BusinessDate     string     `json:"businessDate"`
	Sequence         int        `json:"sequence"`
	Carrier          string     `json:"carrier"`
	CarrierLabel     string     `json:"carrierLabel"`
	Transporter      string     `json:"transporter,omitempty"`
	VehiclePlate     string     `json:"vehiclePlate,omitempty"`
	OpenedAt         time.Time  `json:"openedAt"`
	ClosedAt         *time.Time `json:"closedAt,omitempty"`
	ManifestStatus   string     `json:"manifestStatus"`
	ManifestAttempts int        `json:"manifestAttempts"`
}

type scanResponse struct {
	ID            string    `json:"id,omitempty"`
	Code          string    `json:"code"`
	RawInput      string    `json:"rawInput"`
	Category      string    `json:"category"`
	CategoryLabel string    `json:"categoryLabel"`
	Outcome       string    `json:"outcome"`
	OutcomeLabel  string    `json:"outcomeLabel"`
	Rule          string    `json:"rule,omitempty"`
	RuleSet       string    `json:"ruleSet,omitempty"`
	ScannedAt     time.Time `json:"scannedAt"`
	Timestamp     int64     `json:"ts"`
}

type metricsResponse struct {
	Total      int            `json:"total"`
	OK         int            `json:"ok"`
	Invalid    int            `json:"invalid"`
	ByCategory map[string]int `json:"byCategory"`
}

type batchViewResponse struct {
	Success  bool            `json:"success"`
	Batch    *batchResponse  `json:"batch"`
	Scans    []scanResponse  `json:"scans"`
	Metrics  metricsResponse `json:"metrics"`
	LastScan *scanResponse   `json:"lastScan"`
}

type currentBatchResponse struct {
	batchViewResponse
	CSRFToken string `json:"csrfToken"`
}

type submitScanResponse struct {
	Success     bool            `json:"success"`
	Scan        scanResponse    `json:"scan"`
	DuplicateOf string          `json:"duplicateOf,omitempty"`
	Metrics     metricsResponse `json:"metrics"`
}

type scanChangeResponse struct {
	Success  bool            `json:"success"`
	Scan     *scanResponse   `json:"scan,omitempty"`
	Metrics  metricsResponse `json:"metrics"`
	LastScan *scanResponse   `json:"lastScan"`
}

type closeBatchResponse struct {
	Success     bool            `json:"success"`
	Batch       batchResponse   `json:"batch"`
	Metrics     metricsResponse `json:"metrics"`
	FirstScanAt time.Time       `json:"firstScanAt"`
	LastScanAt  time.Time       `json:"lastScanAt"`
	DurationSec int64           `json:"durationSeconds"`
	Throughput  *string         `json:"scansPerMinute"`
}

type historyResponse struct {
	Success bool                  `json:"success"`
	Data    []historyItemResponse `json:"data"`
	Meta    listMeta              `json:"meta"`
}

type historyItemResponse struct {
	batchResponse
	Metrics metricsResponse `json:"metrics"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

func (h *DispatchHandler) CurrentBatch(c *fiber.Ctx) error {
	view, err := h.service.CurrentBatch(c.UserContext())
	if err != nil {
		return toHTTPError(err)
	}
	token, err := h.tokens.Issue(c.UserContext())
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusOK).JSON(currentBatchResponse{
		batchViewResponse: toBatchViewResponse(view),
		CSRFToken:         token,
	})
}

func (h *DispatchHandler) OpenBatch(c *fiber.Ctx) error {
	var req openBatchRequest
	if err := bindAndValidate(c, &req); err != nil {
		return toHTTPError(err)
	}

	carrier, err := domain.ParseCarrierKindFromString(req.Carrier)
	if err != nil {
		return toHTTPError(err)
	}

	batch, err := h.service.OpenBatch(c.UserContext(), carrier, domain.BatchMeta{
		Transporter:  req.Transporter,
		VehiclePlate: req.VehiclePlate,
	})
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"batch":   toBatchResponse(batch),
	})
}

func (h *DispatchHandler) SubmitScan(c *fiber.Ctx) error {
	var req submitScanRequest
	if err := bindAndValidate(c, &req); err != nil {
		return toHTTPError(err)
	}

	result, err := h.service.SubmitScan(c.UserContext(), req.Code)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(submitScanResponse{
		Success:     true,
		Scan:        toScanResponse(result.Scan),
		DuplicateOf: result.DuplicateOf,
		Metrics:     toMetricsResponse(result.Metrics),
	})
}

func (h *DispatchHandler) DeleteScan(c *fiber.Ctx) error {
	change, err := h.service.DeleteScan(c.UserContext(), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toScanChangeResponse(change))
}

func (h *DispatchHandler) CorrectScan(c *fiber.Ctx) error {
	var req correctScanRequest
	if err := bindAndValidate(c, &req); err != nil {
		return toHTTPError(err)
	}

	category, err := domain.ParseCorrectionCategory(req.Category)
	if err != nil {
		return toHTTPError(err)
	}

	change, err := h.service.CorrectScanCategory(c.UserContext(), strings.TrimSpace(c.Params("id")), category)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toScanChangeResponse(change))
}

func (h *DispatchHandler) CloseBatch(c *fiber.Ctx) error {
	summary, err := h.service.CloseBatch(c.UserContext())
	if err != nil {
		return toHTTPError(err)
	}

	resp := closeBatchResponse{
		Success:     true,
		Batch:       toBatchResponse(&summary.Batch),
		Metrics:     toMetricsResponse(summary.Metrics),
		FirstScanAt: summary.FirstScanAt,
		LastScanAt:  summary.LastScanAt,
		DurationSec: int64(summary.Duration / time.Second),
	}
	if summary.Throughput != nil {
		value := summary.Throughput.StringFixed(2)
		resp.Throughput = &value
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}

func (h *DispatchHandler) CancelBatch(c *fiber.Ctx) error {
	batch, err := h.service.CancelBatch(c.UserContext())
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"success": true,
		"batchId": batch.ID,
	})
}

func (h *DispatchHandler) ListHistory(c *fiber.Ctx) error {
	page := c.QueryInt("page", defaultPage)
	pageSize := c.QueryInt("pageSize", defaultPageSize)
	if page < 1 {
		return toHTTPError(fmt.Errorf("%w: page must be >= 1", domain.ErrValidation))
	}
	if pageSize < 1 || pageSize > maxPageSize {
		return toHTTPError(fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize))
	}

	history, err := h.service.ListHistory(c.UserContext(), page, pageSize)
	if err != nil {
		return toHTTPError(err)
	}

	items := make([]historyItemResponse, 0, len(history.Items))
	for i := range history.Items {
		items = append(items, historyItemResponse{
			batchResponse: toBatchResponse(&history.Items[i].Batch),
			Metrics:       toMetricsResponse(history.Items[i].Metrics),
		})
	}

	return c.Status(fiber.StatusOK).JSON(historyResponse{
		Success: true,
		Data:    items,
		Meta: listMeta{
			Page:     history.Page,
			PageSize: history.PageSize,
			Total:    history.Total,
		},
	})
}

func (h *DispatchHandler) BatchDetail(c *fiber.Ctx) error {
	view, err := h.service.BatchDetail(c.UserContext(), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toBatchViewResponse(view))
}

func (h *DispatchHandler) ExportManifest(c *fiber.Ctx) error {
	export, err := h.service.ExportManifest(c.UserContext(), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return toHTTPError(err)
	}

	c.Attachment(export.FileName)
	c.Set(fiber.HeaderContentType, export.ContentType)
	return c.Status(fiber.StatusOK).Send(export.Data)
}

var requestValidator = newRequestValidator()

func newRequestValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	return v
}

func bindAndValidate(c *fiber.Ctx, req any) error {
	if err := c.BodyParser(req); err != nil {
		return fmt.Errorf("%w: invalid request body", domain.ErrValidation)
	}
	if err := requestValidator.Struct(req); err != nil {
		var validationErrs validator.ValidationErrors
		if !errors.As(err, &validationErrs) {
			return fmt.Errorf("%w: %v", domain.ErrValidation, err)
		}
		return fmt.Errorf("%w: %s", domain.ErrValidation, describeValidationErrors(validationErrs))
	}
	return nil
}

// describeValidationErrors lists every failing field with the rule it broke, e.g. "code: required".
func describeValidationErrors(errs validator.ValidationErrors) string {
	failures := make(map[string]string, len(errs))
	for _, fe := range errs {
		failures[fe.Field()] = fe.Tag()
	}

	fields := make([]string, 0, len(failures))
	for field := range failures {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		parts = append(parts, field+": "+failures[field])
	}
	return strings.Join(parts, ", ")
}

func toBatchViewResponse(view *service.BatchView) batchViewResponse {
	resp := batchViewResponse{
		Success: true,
		Scans:   []scanResponse{},
		Metrics: toMetricsResponse(domain.NewMetrics()),
	}
	if view == nil {
		return resp
	}

	batch := toBatchResponse(&view.Batch)
	resp.Batch = &batch
	resp.Metrics = toMetricsResponse(view.Metrics)
	for _, scan := range view.Scans {
		resp.Scans = append(resp.Scans, toScanResponse(scan))
	}
	if view.LastScan != nil {
		last := toScanResponse(*view.LastScan)
		resp.LastScan = &last
	}
	return resp
}

func toScanChangeResponse(change *service.ScanChange) scanChangeResponse {
	resp := scanChangeResponse{
		Success: true,
		Metrics: toMetricsResponse(change.Metrics),
	}
	if change.Scan != nil {
		scan := toScanResponse(*change.Scan)
		resp.Scan = &scan
	}
	if change.LastScan != nil {
		last := toScanResponse(*change.LastScan)
		resp.LastScan = &last
	}
	return resp
}

func toBatchResponse(b *domain.Batch) batchResponse {
	if b == nil {
		return batchResponse{}
	}
	return batchResponse{
		ID:               b.ID,
		BusinessDate:     b.BusinessDate.Format(businessDateLayout),
		Sequence:         b.Sequence,
		Carrier:          b.Carrier.String(),
		CarrierLabel:     b.Carrier.Label(),
		Transporter:      b.Transporter,
		VehiclePlate:     b.VehiclePlate,
		OpenedAt:         b.OpenedAt,
		ClosedAt:         b.ClosedAt,
		ManifestStatus:   b.ManifestStatus.String(),
		ManifestAttempts: b.ManifestAttempts,
	}
}

func toScanResponse(s domain.Scan) scanResponse {
	return scanResponse{
		ID:            s.ID,
		Code:          s.CanonicalCode,
		RawInput:      s.RawInput,
		Category:      s.Category.String(),
		CategoryLabel: s.Category.Label(),
		Outcome:       s.Outcome.String(),
		OutcomeLabel:  s.Outcome.Label(),
		Rule:          s.Rule,
		RuleSet:       s.RuleSet,
		ScannedAt:     s.ScannedAt,
		Timestamp:     s.ScannedAt.UnixMilli(),
	}
}

func toMetricsResponse(m domain.Metrics) metricsResponse {
	byCategory := make(map[string]int, len(m.OKByCategory))
	for category, count := range m.OKByCategory {
		byCategory[category.String()] = count
	}
	return metricsResponse{
		Total:      m.Total,
		OK:         m.OK,
		Invalid:    m.Invalid,
		ByCategory: byCategory,
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return transport.NewError(fiber.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return transport.NewError(fiber.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrNoOpenBatch):
		return transport.NewError(fiber.StatusConflict, "no_open_batch", err.Error())
	case errors.Is(err, domain.ErrSessionClosed):
		return transport.NewError(fiber.StatusConflict, "batch_closed", err.Error())
	case errors.Is(err, domain.ErrConflict):
		return transport.NewError(fiber.StatusConflict, "conflict", err.Error())
	case errors.Is(err, domain.ErrEmptyBatch):
		return transport.NewError(fiber.StatusUnprocessableEntity, "empty_batch", err.Error())
	case errors.Is(err, domain.ErrForeignCarrier):
		return transport.NewError(fiber.StatusUnprocessableEntity, "foreign_carrier", err.Error())
	default:
		return err
	}
}
