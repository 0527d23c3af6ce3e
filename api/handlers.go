/*
handlers.go - HTTP API handlers for the leave engine

PURPOSE:
  Exposes entitlement, balance, request lifecycle and admin operations via
  REST. Handles HTTP request/response and JSON, and delegates to the
  domain services. No business rule lives here.

ENDPOINTS (relative to /api/orgs/{orgID}):
  Policies:
    GET    /policies                          List policies
    GET    /policies/{policyID}               Get policy
    PUT    /policies/{policyID}               Create or replace policy

  Balances:
    POST   /assignments                       Assign policy, seed balance
    POST   /employees/{id}/seed               Seed a year explicitly
    GET    /employees/{id}/balances/{policy}  Balance view (?year=)
    GET    /employees/{id}/ledger             Entries (?policy=, ?format=pdf)
    GET    /employees/{id}/ledger/verify/{p}  Conservation check (?year=)

  Requests:
    POST   /requests                          Submit
    GET    /requests                          List (?employee_id=&status=)
    GET    /requests/{id}                     Get
    GET    /requests/{id}/transitions         Events currently permitted
    POST   /requests/{id}/{approve|reject|withdraw|cancel}

  Admin:
    GET    /blackouts, POST /blackouts
    POST   /recalculate                       ?mode=auto|accrue|force&year=
    POST   /imports                           multipart: file + mapping
    POST   /documents, GET /documents/{id}

ARCHITECTURE:
  Handler struct holds the services; see Deps.

ERROR HANDLING:
  Every failure goes through writeError (errors.go), which owns the status
  mapping.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/warp/leave-engine/approval"
	"github.com/warp/leave-engine/balance"
	"github.com/warp/leave-engine/batch"
	"github.com/warp/leave-engine/documents"
	"github.com/warp/leave-engine/importer"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/report"
	"go.uber.org/zap"
)

// maxUpload bounds multipart bodies held in memory.
const maxUpload = 32 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger is implemented by stores that can report liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services the API delegates to.
type Deps struct {
	Store     leave.Store
	Balances  *balance.Service
	Approvals *approval.Service
	Recalc    *batch.Recalculator
	Importer  *importer.Importer
	Documents *documents.FileStore
	// Directory is optional; it only adds display names to statements.
	Directory leave.Directory
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Deps
	logger *zap.Logger
}

func NewHandler(d Deps, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Deps: d, logger: logger.Named("api")}
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &leave.ConfigurationError{Reason: "invalid request body: " + err.Error()}
	}
	return nil
}

func parseOptionalDate(field, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	d, err := leave.ParseDate(raw)
	if err != nil {
		return time.Time{}, &leave.ConfigurationError{Reason: fmt.Sprintf("%s must be YYYY-MM-DD", field)}
	}
	return d, nil
}

func parseYear(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	y, err := strconv.Atoi(raw)
	if err != nil || y < 1900 || y > 9999 {
		return 0, &leave.ConfigurationError{Reason: fmt.Sprintf("year %q is invalid", raw)}
	}
	return y, nil
}

// Health reports liveness, including the database when it can be pinged.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(Pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// POLICY HANDLERS
// =============================================================================

func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.Store.ListPolicies(r.Context(), orgFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if policies == nil {
		policies = []leave.Policy{}
	}
	writeJSON(w, http.StatusOK, policies)
}

func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := h.Store.GetPolicy(r.Context(), orgFrom(r), leave.PolicyID(chi.URLParam(r, "policyID")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// PutPolicy creates or replaces a policy. The path decides id and org.
func (h *Handler) PutPolicy(w http.ResponseWriter, r *http.Request) {
	var p leave.Policy
	if err := decode(r, &p); err != nil {
		h.writeError(w, r, err)
		return
	}
	p.ID = leave.PolicyID(chi.URLParam(r, "policyID"))
	p.OrgID = orgFrom(r)
	if p.Eligibility == "" {
		p.Eligibility = leave.EligibleFromJoining
	}
	if err := p.Validate(); err != nil {
		h.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	if err := h.Store.WithTx(ctx, func(tx leave.Tx) error { return tx.SavePolicy(ctx, p) }); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("policy saved",
		zap.Int64("org_id", int64(p.OrgID)),
		zap.String("policy_id", string(p.ID)),
		zap.Bool("tracks_balance", p.TracksBalance()))
	writeJSON(w, http.StatusOK, p)
}

// =============================================================================
// BALANCE HANDLERS
// =============================================================================

// CreateAssignment assigns a policy and seeds the current year's balance.
func (h *Handler) CreateAssignment(w http.ResponseWriter, r *http.Request) {
	var req AssignRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	from, err := parseOptionalDate("effective_from", req.EffectiveFrom)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.Balances.Assign(r.Context(), leave.Assignment{
		OrgID:         orgFrom(r),
		EmployeeID:    leave.EmployeeID(req.EmployeeID),
		PolicyID:      leave.PolicyID(req.PolicyID),
		EffectiveFrom: from,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSeedDTO(res))
}

func (h *Handler) SeedBalance(w http.ResponseWriter, r *http.Request) {
	var req SeedRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	asOf, err := parseOptionalDate("as_of", req.AsOf)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	emp := leave.EmployeeID(chi.URLParam(r, "employeeID"))
	res, err := h.Balances.Seed(r.Context(), orgFrom(r), emp, leave.PolicyID(req.PolicyID), asOf)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, toSeedDTO(res))
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	year, err := parseYear(r.URL.Query().Get("year"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	v, err := h.Balances.Get(r.Context(), orgFrom(r),
		leave.EmployeeID(chi.URLParam(r, "employeeID")),
		leave.PolicyID(chi.URLParam(r, "policyID")), year)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(v))
}

// GetLedger returns entries as JSON, or as a PDF statement with
// ?format=pdf.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org := orgFrom(r)
	emp := leave.EmployeeID(chi.URLParam(r, "employeeID"))
	q := r.URL.Query()

	var policyID *leave.PolicyID
	if raw := q.Get("policy"); raw != "" {
		id := leave.PolicyID(raw)
		policyID = &id
	}
	entries, err := h.Balances.Entries(ctx, org, emp, policyID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	switch q.Get("format") {
	case "", "json":
		if entries == nil {
			entries = []leave.LedgerEntry{}
		}
		writeJSON(w, http.StatusOK, entries)
	case "pdf":
		hdr := report.StatementHeader{OrgID: org, EmployeeID: emp}
		if policyID != nil {
			hdr.PolicyID = *policyID
		}
		if h.Directory != nil {
			if info, err := h.Directory.LookupEmployee(ctx, emp); err == nil && info != nil {
				hdr.DisplayName = info.DisplayName
			}
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("ledger-%s.pdf", emp)))
		if err := report.LedgerStatement(w, hdr, entries); err != nil {
			h.logger.Error("render ledger statement", zap.String("employee_id", string(emp)), zap.Error(err))
		}
	default:
		h.badRequest(w, r, fmt.Sprintf("unknown format %q", q.Get("format")))
	}
}

// VerifyLedger runs the conservation check for one balance.
func (h *Handler) VerifyLedger(w http.ResponseWriter, r *http.Request) {
	year, err := parseYear(r.URL.Query().Get("year"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if year == 0 {
		year = h.Balances.Today().Year()
	}
	key := leave.BalanceKey{
		OrgID:      orgFrom(r),
		EmployeeID: leave.EmployeeID(chi.URLParam(r, "employeeID")),
		PolicyID:   leave.PolicyID(chi.URLParam(r, "policyID")),
		Year:       year,
	}
	rec, err := h.Balances.Ledger().Verify(r.Context(), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reconciliationDTO(rec))
}

func reconciliationDTO(rec ledger.Reconciliation) map[string]any {
	return map[string]any{
		"balance_key":      rec.Key.String(),
		"snapshot_balance": rec.SnapshotBalance.String(),
		"ledger_sum":       rec.LedgerSum.String(),
		"entries":          rec.Entries,
		"consistent":       rec.Consistent,
	}
}

// =============================================================================
// REQUEST HANDLERS
// =============================================================================

func (h *Handler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequestDTO
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	start, err := parseOptionalDate("start_date", req.StartDate)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	end, err := parseOptionalDate("end_date", req.EndDate)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	if h.Documents != nil {
		for _, d := range req.Documents {
			if !h.Documents.Exists(ctx, d.ID) {
				h.writeError(w, r, &leave.NotFoundError{Resource: "document", ID: d.ID})
				return
			}
		}
	}

	out, err := h.Approvals.Submit(ctx, approval.SubmitInput{
		OrgID:      orgFrom(r),
		EmployeeID: leave.EmployeeID(req.EmployeeID),
		PolicyID:   leave.PolicyID(req.PolicyID),
		Start:      start,
		End:        end,
		Reason:     req.Reason,
		Documents:  req.Documents,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOutcomeDTO(out))
}

func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := leave.RequestFilter{
		OrgID:      orgFrom(r),
		EmployeeID: leave.EmployeeID(q.Get("employee_id")),
		PolicyID:   leave.PolicyID(q.Get("policy_id")),
	}
	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, err := leave.ParseStatus(part)
			if err != nil {
				h.writeError(w, r, err)
				return
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}
	reqs, err := h.Approvals.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if reqs == nil {
		reqs = []leave.LeaveRequest{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.Approvals.Get(r.Context(), orgFrom(r), leave.RequestID(chi.URLParam(r, "requestID")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handler) PermittedTransitions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org := orgFrom(r)
	id := leave.RequestID(chi.URLParam(r, "requestID"))
	req, err := h.Approvals.Get(ctx, org, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	events, err := h.Approvals.Permitted(ctx, org, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dto := PermittedDTO{RequestID: string(id), Status: string(req.Status), Events: []string{}}
	for _, ev := range events {
		dto.Events = append(dto.Events, string(ev))
	}
	writeJSON(w, http.StatusOK, dto)
}

// transition decodes the optional body and fires one lifecycle event.
func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fire func(ctx context.Context, org leave.OrgID, id leave.RequestID, body TransitionRequest) (approval.Outcome, error)) {
	var body TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		h.badRequest(w, r, "invalid request body: "+err.Error())
		return
	}
	out, err := fire(r.Context(), orgFrom(r), leave.RequestID(chi.URLParam(r, "requestID")), body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOutcomeDTO(out))
}

func (h *Handler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(ctx context.Context, org leave.OrgID, id leave.RequestID, b TransitionRequest) (approval.Outcome, error) {
		return h.Approvals.Approve(ctx, org, id, b.Actor)
	})
}

func (h *Handler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(ctx context.Context, org leave.OrgID, id leave.RequestID, b TransitionRequest) (approval.Outcome, error) {
		return h.Approvals.Reject(ctx, org, id, b.Actor, b.Reason)
	})
}

func (h *Handler) WithdrawRequest(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(ctx context.Context, org leave.OrgID, id leave.RequestID, b TransitionRequest) (approval.Outcome, error) {
		return h.Approvals.Withdraw(ctx, org, id, b.Actor, b.Reason)
	})
}

func (h *Handler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(ctx context.Context, org leave.OrgID, id leave.RequestID, b TransitionRequest) (approval.Outcome, error) {
		return h.Approvals.Cancel(ctx, org, id, b.Actor)
	})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

func (h *Handler) ListBlackouts(w http.ResponseWriter, r *http.Request) {
	out, err := h.Store.ListBlackouts(r.Context(), orgFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if out == nil {
		out = []leave.BlackoutPeriod{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) CreateBlackout(w http.ResponseWriter, r *http.Request) {
	var req BlackoutRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	start, err := leave.ParseDate(req.StartDate)
	if err != nil {
		h.badRequest(w, r, "start_date must be YYYY-MM-DD")
		return
	}
	end, err := leave.ParseDate(req.EndDate)
	if err != nil {
		h.badRequest(w, r, "end_date must be YYYY-MM-DD")
		return
	}
	if end.Before(start) {
		h.badRequest(w, r, "end_date is before start_date")
		return
	}
	b := leave.BlackoutPeriod{
		ID:                  uuid.NewString(),
		OrgID:               orgFrom(r),
		Name:                req.Name,
		StartDate:           start,
		EndDate:             end,
		LeavesAllowedDuring: req.LeavesAllowedDuring,
	}
	for _, id := range req.AssignedEmployeeIDs {
		b.AssignedEmployeeIDs = append(b.AssignedEmployeeIDs, leave.EmployeeID(id))
	}
	ctx := r.Context()
	if err := h.Store.WithTx(ctx, func(tx leave.Tx) error { return tx.SaveBlackout(ctx, b) }); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// Recalculate runs the batch for the org. The run reports per-employee
// failures in its summary rather than failing the call.
func (h *Handler) Recalculate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode, err := batch.ParseMode(q.Get("mode"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	year, err := parseYear(q.Get("year"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	sum, err := h.Recalc.Run(r.Context(), orgFrom(r), mode, year)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// ImportOpeningBalances takes a multipart form with an xlsx "file" and a
// JSON "mapping" of leave-type label to policy id.
func (h *Handler) ImportOpeningBalances(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUpload); err != nil {
		h.badRequest(w, r, "expected multipart form: "+err.Error())
		return
	}
	var labels map[string]leave.PolicyID
	if err := json.Unmarshal([]byte(r.FormValue("mapping")), &labels); err != nil {
		h.badRequest(w, r, "mapping must be a JSON object of label to policy id")
		return
	}
	f, _, err := r.FormFile("file")
	if err != nil {
		h.badRequest(w, r, "file is required")
		return
	}
	defer f.Close()

	rows, err := importer.ReadXLSX(f)
	if err != nil {
		h.writeError(w, r, &leave.ConfigurationError{Reason: err.Error()})
		return
	}
	rep, err := h.Importer.Import(r.Context(), orgFrom(r), importer.NewMapping(labels), rows)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if rep.Results == nil {
		rep.Results = []importer.RowResult{}
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	if h.Documents == nil {
		h.writeError(w, r, &leave.ConfigurationError{Reason: "document storage is not configured"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
	f, fh, err := r.FormFile("file")
	if err != nil {
		h.badRequest(w, r, "file is required")
		return
	}
	defer f.Close()

	ref, err := h.Documents.Put(r.Context(), fh.Filename, fh.Header.Get("Content-Type"), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ref)
}

func (h *Handler) DownloadDocument(w http.ResponseWriter, r *http.Request) {
	if h.Documents == nil {
		h.writeError(w, r, &leave.ConfigurationError{Reason: "document storage is not configured"})
		return
	}
	rc, err := h.Documents.Open(r.Context(), chi.URLParam(r, "documentID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("document download interrupted", zap.Error(err))
	}
}
