/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes contracts, billing documents, ledger ingestion and billing runs
  via REST API. Handles HTTP request/response, JSON serialization, and
  delegates to the billing engine and store.

ENDPOINTS:
  Contracts:
    GET    /api/contracts?customer=     List a customer's contracts
    POST   /api/contracts               Create contract from JSON
    GET    /api/contracts/{id}          Get contract

  Billing documents:
    GET    /api/billings                List billing documents
    POST   /api/billings                Create billing document
    GET    /api/billings/{id}           Get billing document
    POST   /api/billings/{id}/compute   Run the billing engine now
    POST   /api/billings/{id}/enqueue   Queue a billing run on the worker
    GET    /api/billings/{id}/charges   Committed charges
    GET    /api/billings/{id}/runs      Run audit records, newest first

  Ledger:
    POST   /api/ledger/entries          Ingest stock movements
    GET    /api/ledger/entries          Query stock movements
    GET    /api/customers/{id}/balance  Stock position at an instant

  Scenarios:
    GET    /api/scenarios               List demo scenarios
    POST   /api/scenarios/load          Load a demo scenario

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store: Ledger, contracts, billing documents, charges and runs
  - Engine: Computes and commits charges
  - Enqueuer: Optional task queue; enqueue answers 503 without one
  - Settings: Engine settings, used for unit conversion and rendering

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed request
  - 404: Contract or billing document not found
  - 409: Duplicate source event, run already in progress
  - 422: Configuration errors (invalid contract, ambiguous rules, bad period)
  - 500: Arithmetic and internal errors
  - 503: Task queue not configured

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/warp/warehouse-billing/billing"
	"github.com/warp/warehouse-billing/factory"
	"github.com/warp/warehouse-billing/jobs"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     billing.TxStore
	Engine    jobs.ComputeEngine
	Enqueuer  jobs.Enqueuer
	Settings  billing.ConfigSource
	Contracts *factory.ContractFactory
	Logger    zerolog.Logger

	validate *validator.Validate

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler. A nil settings source serves defaults.
func NewHandler(store billing.TxStore, engine jobs.ComputeEngine, settings billing.ConfigSource, logger zerolog.Logger) *Handler {
	if settings == nil {
		settings = billing.StaticConfig(billing.DefaultConfig())
	}
	return &Handler{
		Store:     store,
		Engine:    engine,
		Settings:  settings,
		Contracts: factory.NewContractFactory(),
		Logger:    logger,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Health pings the store when it supports it.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// CONTRACT HANDLERS
// =============================================================================

// ListContracts returns the contracts of one customer.
func (h *Handler) ListContracts(w http.ResponseWriter, r *http.Request) {
	customer := r.URL.Query().Get("customer")
	if customer == "" {
		writeError(w, http.StatusBadRequest, "customer query parameter is required", nil)
		return
	}
	contracts, err := h.Store.ListContracts(r.Context(), billing.CustomerID(customer))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list contracts", err)
		return
	}
	dtos := make([]factory.ContractJSON, len(contracts))
	for i, c := range contracts {
		dtos[i] = h.Contracts.ToJSON(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateContract validates a contract document and stores it.
func (h *Handler) CreateContract(w http.ResponseWriter, r *http.Request) {
	var req factory.ContractJSON
	if !decode(w, r, &req) {
		return
	}
	contract, err := h.Contracts.FromJSON(req)
	if err != nil {
		writeDomainError(w, "Invalid contract", err)
		return
	}
	if err := h.Store.SaveContract(r.Context(), *contract); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save contract", err)
		return
	}
	h.Logger.Info().Str("contract", string(contract.ID)).Int("lines", len(contract.Lines)).Msg("contract saved")
	writeJSON(w, http.StatusCreated, h.Contracts.ToJSON(*contract))
}

// GetContract returns a single contract.
func (h *Handler) GetContract(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	contract, err := h.Store.GetContract(r.Context(), billing.ContractID(id))
	if err != nil {
		writeDomainError(w, "Failed to get contract", err)
		return
	}
	writeJSON(w, http.StatusOK, h.Contracts.ToJSON(*contract))
}

// =============================================================================
// BILLING DOCUMENT HANDLERS
// =============================================================================

// ListBillings returns all billing documents.
func (h *Handler) ListBillings(w http.ResponseWriter, r *http.Request) {
	docs, err := h.Store.ListBillings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list billing documents", err)
		return
	}
	dtos := make([]factory.BillingJSON, len(docs))
	for i, b := range docs {
		dtos[i] = h.Contracts.BillingToJSON(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateBilling stores a billing document. The referenced contract must
// exist and belong to the same customer.
func (h *Handler) CreateBilling(w http.ResponseWriter, r *http.Request) {
	var req factory.BillingJSON
	if !decode(w, r, &req) {
		return
	}
	doc, err := h.Contracts.BillingFromJSON(req)
	if err != nil {
		writeDomainError(w, "Invalid billing document", err)
		return
	}
	contract, err := h.Store.GetContract(r.Context(), doc.Contract)
	if err != nil {
		writeDomainError(w, "Failed to get contract", err)
		return
	}
	if contract.Customer != doc.Customer {
		writeError(w, http.StatusUnprocessableEntity, "Contract belongs to another customer", nil)
		return
	}
	if err := h.Store.SaveBilling(r.Context(), *doc); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save billing document", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.Contracts.BillingToJSON(*doc))
}

// GetBilling returns a single billing document.
func (h *Handler) GetBilling(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.loadBilling(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.Contracts.BillingToJSON(*doc))
}

// ComputeCharges runs the billing engine synchronously.
// Query: clear_existing=true regenerates charges that already exist.
func (h *Handler) ComputeCharges(w http.ResponseWriter, r *http.Request) {
	id := billing.BillingID(chi.URLParam(r, "id"))
	clearExisting, ok := boolParam(w, r, "clear_existing")
	if !ok {
		return
	}

	res, err := h.Engine.ComputeCharges(r.Context(), id, clearExisting)
	if err != nil {
		status := statusFor(err)
		if res != nil {
			// The run got far enough to leave an audit record
			writeJSON(w, status, ErrorResponse{Error: err.Error(), Details: toRunDTO(res.Run)})
			return
		}
		writeError(w, status, "Billing run failed", err)
		return
	}

	cfg, err := h.Settings.Load(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load settings", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunResultDTO(res, cfg))
}

// EnqueueCompute hands the billing run to the worker.
func (h *Handler) EnqueueCompute(w http.ResponseWriter, r *http.Request) {
	if h.Enqueuer == nil {
		writeError(w, http.StatusServiceUnavailable, "Task queue is not configured", nil)
		return
	}
	doc, ok := h.loadBilling(w, r)
	if !ok {
		return
	}
	clearExisting, ok := boolParam(w, r, "clear_existing")
	if !ok {
		return
	}

	info, err := h.Enqueuer.EnqueueCompute(r.Context(), jobs.ComputePayload{
		BillingID:     string(doc.ID),
		ClearExisting: clearExisting,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to enqueue billing run", err)
		return
	}
	resp := EnqueueResponse{Billing: string(doc.ID)}
	if info != nil {
		resp.TaskID, resp.Queue = info.ID, info.Queue
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// GetCharges returns the committed charges of a billing document.
func (h *Handler) GetCharges(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.loadBilling(w, r)
	if !ok {
		return
	}
	charges, err := h.Store.LoadCharges(r.Context(), doc.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load charges", err)
		return
	}
	cfg, err := h.Settings.Load(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load settings", err)
		return
	}
	writeJSON(w, http.StatusOK, toChargeDTOs(charges, cfg))
}

// ListRuns returns the run history of a billing document.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.loadBilling(w, r)
	if !ok {
		return
	}
	runs, err := h.Store.ListRuns(r.Context(), doc.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list runs", err)
		return
	}
	dtos := make([]RunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) loadBilling(w http.ResponseWriter, r *http.Request) (*billing.PeriodicBilling, bool) {
	id := chi.URLParam(r, "id")
	doc, err := h.Store.GetBilling(r.Context(), billing.BillingID(id))
	if err != nil {
		writeDomainError(w, "Failed to get billing document", err)
		return nil, false
	}
	return doc, true
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// AppendEntries ingests a batch of stock movements. The whole batch is
// rejected if any source event was already ingested.
func (h *Handler) AppendEntries(w http.ResponseWriter, r *http.Request) {
	var req AppendEntriesRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid ledger entries", validationDetails(err))
		return
	}

	entries := make([]billing.StockLedgerEntry, len(req.Entries))
	for i, d := range req.Entries {
		entries[i] = d.toEntry()
	}
	if err := h.Store.AppendEntries(r.Context(), entries); err != nil {
		writeDomainError(w, "Failed to append ledger entries", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"appended": len(entries)})
}

// ListEntries returns movements matching customer, item, location and an
// optional [from, to) window in RFC 3339.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	q := entryQuery(r, r.URL.Query().Get("customer"))
	if q.Customer == "" {
		writeError(w, http.StatusBadRequest, "customer query parameter is required", nil)
		return
	}
	var ok bool
	if q.From, ok = timeParam(w, r, "from"); !ok {
		return
	}
	if q.To, ok = timeParam(w, r, "to"); !ok {
		return
	}

	var (
		entries []billing.StockLedgerEntry
		err     error
	)
	if !q.From.IsZero() && !q.To.IsZero() {
		if !q.From.Before(q.To) {
			writeError(w, http.StatusBadRequest, "from must be before to", nil)
			return
		}
		entries, err = billing.NewLedgerReader(h.Store).EventsIn(r.Context(), q, billing.Period{From: q.From, To: q.To})
	} else {
		entries, err = h.Store.LoadEntries(r.Context(), q)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load ledger entries", err)
		return
	}
	dtos := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = LedgerEntryDTO{
			Seq:              e.Seq,
			SourceEventID:    e.SourceEventID,
			Customer:         string(e.Customer),
			Item:             string(e.Item),
			HandlingUnit:     string(e.HandlingUnit),
			HandlingUnitType: e.HandlingUnitType,
			Location:         string(e.Location),
			StorageType:      e.StorageType,
			Quantity:         e.Quantity,
			UOM:              string(e.UOM),
			Purpose:          string(e.Purpose),
			JobRef:           e.JobRef,
			Timestamp:        e.Timestamp,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetBalance returns a customer's stock position before ?at= (default
// now). With ?uom= every position is also converted and summed.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	q := entryQuery(r, chi.URLParam(r, "id"))
	at, ok := timeParam(w, r, "at")
	if !ok {
		return
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	bal, err := billing.NewLedgerReader(h.Store).BalanceAt(r.Context(), q, at)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read ledger", err)
		return
	}

	dto := BalanceDTO{Customer: string(q.Customer), At: at.Format(time.RFC3339), Positions: []BalancePosition{}}
	for k, v := range bal {
		if v.IsZero() {
			continue
		}
		dto.Positions = append(dto.Positions, BalancePosition{Item: string(k.Item), UOM: string(k.UOM), Quantity: v.String()})
	}
	sort.Slice(dto.Positions, func(i, j int) bool {
		if dto.Positions[i].Item != dto.Positions[j].Item {
			return dto.Positions[i].Item < dto.Positions[j].Item
		}
		return dto.Positions[i].UOM < dto.Positions[j].UOM
	})

	if uom := r.URL.Query().Get("uom"); uom != "" {
		cfg, err := h.Settings.Load(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to load settings", err)
			return
		}
		total, err := billing.NewConverter(cfg.Conversions).Convert(bal, billing.UOM(uom))
		if err != nil {
			writeDomainError(w, "Cannot convert balance", err)
			return
		}
		dto.Total = &ConvertedTotalDTO{UOM: uom, Quantity: total.String()}
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, details any) {
	resp := ErrorResponse{Error: message}
	switch d := details.(type) {
	case nil:
	case error:
		resp.Details = d.Error()
	default:
		resp.Details = d
	}
	writeJSON(w, status, resp)
}

// writeDomainError picks the status from the billing error taxonomy.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusNotFound {
		message = "Not found"
	}
	var ve *factory.ValidationError
	if errors.As(err, &ve) {
		writeError(w, status, message, ve.Fields)
		return
	}
	writeError(w, status, message, err)
}

// statusFor maps billing errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case billing.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrDuplicateEvent), billing.IsRetryable(err):
		return http.StatusConflict
	case errors.Is(err, billing.ErrConfiguration),
		errors.Is(err, billing.ErrInvalidPeriod),
		errors.Is(err, billing.ErrRuleNotFound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body, answering 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func validationDetails(err error) any {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	fields := make([]string, len(verrs))
	for i, fe := range verrs {
		fields[i] = fe.Namespace() + ": failed " + fe.Tag()
	}
	return fields
}

func boolParam(w http.ResponseWriter, r *http.Request, name string) (bool, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+name, err)
		return false, false
	}
	return v, true
}

func timeParam(w http.ResponseWriter, r *http.Request, name string) (time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+name+", expected RFC 3339", err)
		return time.Time{}, false
	}
	return t.UTC(), true
}

func entryQuery(r *http.Request, customer string) billing.EntryQuery {
	v := r.URL.Query()
	return billing.EntryQuery{
		Customer:     billing.CustomerID(customer),
		Item:         billing.ItemID(v.Get("item")),
		HandlingUnit: billing.HandlingUnitID(v.Get("handling_unit")),
		Location:     billing.LocationID(v.Get("location")),
	}
}
