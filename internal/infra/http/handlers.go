package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"asclepius/internal/domain"
	"asclepius/internal/usecase"
	"asclepius/pkg/auditproof"

	"github.com/gin-gonic/gin"
)

// maxExportEntries bounds a single chain export; auditors page larger windows.
const maxExportEntries = 5000

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type consentRequest struct {
	Grantor      string   `json:"grantor"`
	Grantee      string   `json:"grantee"`
	Permissions  []string `json:"permissions"`
	Scope        string   `json:"scope"`
	Reason       string   `json:"reason"`
	DurationDays int      `json:"duration_days"`
}

type consentResponse struct {
	ID           string   `json:"id"`
	Grantor      string   `json:"grantor"`
	Grantee      string   `json:"grantee"`
	Permissions  []string `json:"permissions"`
	Scope        string   `json:"scope,omitempty"`
	Reason       string   `json:"reason,omitempty"`
	State        string   `json:"state"`
	DurationDays int      `json:"duration_days,omitempty"`
	ExpiresAt    string   `json:"expires_at,omitempty"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
	Version      int64    `json:"version"`
}

type consentsResponse struct {
	Grants []consentResponse `json:"grants"`
}

type permissionCheckResponse struct {
	Allowed    bool   `json:"allowed"`
	Patient    string `json:"patient"`
	Actor      string `json:"actor"`
	Permission string `json:"permission"`
}

type auditEntryRequest struct {
	Actor        string            `json:"actor"`
	Action       string            `json:"action"`
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id"`
	Metadata     map[string]string `json:"metadata"`
}

type auditEntriesResponse struct {
	Entries []auditproof.Entry `json:"entries"`
}

type verifyChainRequest struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

type verifyChainResponse struct {
	OK               bool   `json:"ok"`
	FirstBadSequence int64  `json:"first_bad_sequence,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

type batchResponse struct {
	ID             string `json:"id"`
	FirstSequence  int64  `json:"first_sequence"`
	LastSequence   int64  `json:"last_sequence"`
	EntryCount     int    `json:"entry_count"`
	RootHash       string `json:"root_hash"`
	AnchoredTxHash string `json:"anchored_tx_hash,omitempty"`
	AnchoredAt     string `json:"anchored_at,omitempty"`
	CreatedAt      string `json:"created_at"`
}

type batchesResponse struct {
	Batches []batchResponse `json:"batches"`
}

type anchorStatusResponse struct {
	Anchored    bool   `json:"anchored"`
	RootHash    string `json:"root_hash"`
	Provider    string `json:"provider,omitempty"`
	TxHash      string `json:"tx_hash,omitempty"`
	BlockNumber *int64 `json:"block_number,omitempty"`
	AnchoredAt  string `json:"anchored_at,omitempty"`
}

type recordRequest struct {
	Kind    string `json:"kind"`
	BlobRef string `json:"blob_ref"`
	Note    string `json:"note"`
}

type recordBodyResponse struct {
	ID        string `json:"id"`
	PatientID string `json:"patient_id"`
	Kind      string `json:"kind"`
	BlobRef   string `json:"blob_ref,omitempty"`
	Note      string `json:"note,omitempty"`
	CreatedBy string `json:"created_by"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type recordsResponse struct {
	Records []recordBodyResponse `json:"records"`
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleNoRoute(c *gin.Context) {
	writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "route not found")
}

// handleRequestConsent creates a pending grant. The caller must be one side of
// the pair; an empty grantee defaults to the caller, which is the common case
// of a clinician requesting access to a patient.
func (s *Server) handleRequestConsent(c *gin.Context) {
	principal, ok := mustPrincipal(c)
	if !ok {
		return
	}
	var req consentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "VALIDATION", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Grantee) == "" {
		req.Grantee = principal.ActorID
	}
	if principal.ActorID != strings.TrimSpace(req.Grantor) && principal.ActorID != strings.TrimSpace(req.Grantee) {
		writeErrorCode(c, http.StatusForbidden, "PERMISSION_DENIED", "consent request must involve the caller")
		return
	}
	grant, err := s.consents.RequestConsent(c.Request.Context(), usecase.RequestConsentParams{
		Grantor:      req.Grantor,
		Grantee:      req.Grantee,
		Permissions:  req.Permissions,
		Scope:        req.Scope,
		Reason:       req.Reason,
		DurationDays: req.DurationDays,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toConsentResponse(grant))
}

func (s *Server) handleListConsents(c *gin.Context) {
	principal, ok := mustPrincipal(c)
	if !ok {
		return
	}
	grantor := strings.TrimSpace(c.Query("grantor"))
	if grantor == "" || grantor == "me" {
		grantor = principal.ActorID
	}
	if grantor != principal.ActorID {
		writeErrorCode(c, http.StatusForbidden, "PERMISSION_DENIED", "callers may only list their own grants")
		return
	}
	grants, err := s.consents.ListGrantsByGrantor(c.Request.Context(), grantor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toConsentsResponse(grants))
}

// handleListActiveConsents lists the grants under which the caller can reach
// other patients' data right now.
func (s *Server) handleListActiveConsents(c *gin.Context) {
	principal, ok := mustPrincipal(c)
	if !ok {
		return
	}
	grants, err := s.consents.ListActiveGrantsForActor(c.Request.Context(), principal.ActorID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toConsentsResponse(grants))
}

func (s *Server) handleGetConsent(c *gin.Context) {
	principal, ok := mustPrincipal(c)
	if !ok {
		return
	}
	grant, err := s.consents.GetGrant(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	// A grant is visible only to its two parties; everyone else gets the
	// same answer as for an id that does not exist.
	if principal.ActorID != grant.Grantor && principal.ActorID != grant.Grantee {
		writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "consent grant not found")
		return
	}
	c.JSON(http.StatusOK, toConsentResponse(grant))
}

func (s *Server) handleApproveConsent(c *gin.Context) {
	s.transitionConsent(c, s.consents.ApproveConsent)
}

func (s *Server) handleDenyConsent(c *gin.Context) {
	s.transitionConsent(c, s.consents.DenyConsent)
}

func (s *Server) handleRevokeConsent(c *gin.Context) {
	s.transitionConsent(c, s.consents.RevokeConsent)
}

func (s *Server) transitionConsent(c *gin.Context, transition func(context.Context, string, string) (domain.ConsentGrant, error)) {
	principal, ok := mustPrincipal(c)
	if !ok {
		return
	}
	grant, err := transition(c.Request.Context(), c.Param("id"), principal.ActorID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toConsentResponse(grant))
}

// handleCheckPermission answers a point-in-time consent question. The actor
// defaults to the caller; overriding it serves services checking on behalf of
// another identity.
func (s *Server) handleCheckPermission(c *gin.Context) {
	principal, ok := mustPrincipal(c)
	if !ok {
		return
	}
	patient := strings.TrimSpace(c.Query("patient"))
	permission := strings.TrimSpace(c.Query("permission"))
	actor := strings.TrimSpace(c.Query("actor"))
	if actor == "" {
		actor = principal.ActorID
	}
	allowed, err := s.consents.CheckPermission(c.Request.Context(), patient, actor, domain.Permission(permission))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, permissionCheckResponse{
		Allowed:    allowed,
		Patient:    patient,
		Actor:      actor,
		Permission: permission,
	})
}

func (s *Server) handleRecordAudit(c *gin.Context) {
	principal, ok := mustPrincipal(c)
	if !ok {
		return
	}
	var req auditEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "VALIDATION", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Action) == "" || strings.TrimSpace(req.ResourceType) == "" {
		writeErrorCode(c, http.StatusBadRequest, "VALIDATION", "action and resource_type are required")
		return
	}
	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		actor = principal.ActorID
	}
	entry, err := s.recorder.Record(c.Request.Context(), actor, domain.AuditAction(req.Action), domain.ResourceType(req.ResourceType), req.ResourceID, req.Metadata)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toAuditEntryResponse(entry))
}

// handleListAuditEntries exports a contiguous segment of the chain in the
// format the offline verifier consumes. An omitted "to" means the current
// tail.
func (s *Server) handleListAuditEntries(c *gin.Context) {
	from, ok := queryInt64(c, "from", 1)
	if !ok {
		return
	}
	to, ok := queryInt64(c, "to", 0)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if to == 0 {
		tail, err := s.audits.TailSequence(ctx)
		if err != nil {
			writeError(c, err)
			return
		}
		to = tail
	}
	if from < 1 || to < from {
		c.JSON(http.StatusOK, auditEntriesResponse{Entries: []auditproof.Entry{}})
		return
	}
	if to-from+1 > maxExportEntries {
		writeErrorCode(c, http.StatusBadRequest, "VALIDATION", "requested range exceeds the export limit")
		return
	}
	entries, err := s.audits.ListRange(ctx, from, to)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]auditproof.Entry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, toAuditEntryResponse(entry))
	}
	c.JSON(http.StatusOK, auditEntriesResponse{Entries: out})
}

// handleVerifyChain re-verifies a stored range on demand. Integrity findings
// are a 200 with ok=false; only input and repository failures use the error
// envelope.
func (s *Server) handleVerifyChain(c *gin.Context) {
	var req verifyChainRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeErrorCode(c, http.StatusBadRequest, "VALIDATION", "invalid request body")
			return
		}
	}
	ctx := c.Request.Context()
	var (
		chainOK bool
		badSeq  int64
		err     error
	)
	if req.From == 0 && req.To == 0 {
		chainOK, badSeq, err = usecase.VerifyTail(ctx, s.audits)
	} else {
		chainOK, badSeq, err = usecase.VerifyChain(ctx, s.audits, req.From, req.To)
	}
	if err != nil && !errors.Is(err, domain.ErrIntegrity) {
		writeError(c, err)
		return
	}
	resp := verifyChainResponse{OK: chainOK}
	if !chainOK {
		resp.FirstBadSequence = badSeq
		if err != nil {
			resp.Reason = err.Error()
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListBatches(c *gin.Context) {
	limit, ok := queryInt(c, "limit", 50)
	if !ok {
		return
	}
	if limit > 500 {
		limit = 500
	}
	batches, err := s.batches.List(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]batchResponse, 0, len(batches))
	for _, batch := range batches {
		out = append(out, toBatchResponse(batch))
	}
	c.JSON(http.StatusOK, batchesResponse{Batches: out})
}

func (s *Server) handleGetBatch(c *gin.Context) {
	batch, err := s.batches.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBatchResponse(*batch))
}

func (s *Server) handleVerifyRoot(c *gin.Context) {
	if s.batcher == nil {
		writeErrorCode(c, http.StatusBadGateway, "EXTERNAL_SERVICE", "anchoring is not configured")
		return
	}
	status, err := s.batcher.VerifyRoot(c.Request.Context(), c.Param("root"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toAnchorStatusResponse(status))
}

func (s *Server) handleCreateRecord(c *gin.Context) {
	principal, ok := mustPrincipal(c)
	if !ok {
		return
	}
	var req recordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "VALIDATION", "invalid request body")
		return
	}
	record, err := s.records.CreateRecord(c.Request.Context(), principal.ActorID, usecase.CreateRecordParams{
		PatientID: c.Param("patientID"),
		Kind:      req.Kind,
		BlobRef:   req.BlobRef,
		Note:      req.Note,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toRecordResponse(record))
}

func (s *Server) handleListRecords(c *gin.Context) {
	principal, ok := mustPrincipal(c)
	if !ok {
		return
	}
	records, err := s.records.ListRecords(c.Request.Context(), principal.ActorID, c.Param("patientID"))
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]recordBodyResponse, 0, len(records))
	for _, record := range records {
		out = append(out, toRecordResponse(record))
	}
	c.JSON(http.StatusOK, recordsResponse{Records: out})
}

func (s *Server) handleGetRecord(c *gin.Context) {
	principal, ok := mustPrincipal(c)
	if !ok {
		return
	}
	record, err := s.records.GetRecord(c.Request.Context(), principal.ActorID, c.Param("recordID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toRecordResponse(record))
}

func (s *Server) handleUpdateRecord(c *gin.Context) {
	principal, ok := mustPrincipal(c)
	if !ok {
		return
	}
	var req recordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "VALIDATION", "invalid request body")
		return
	}
	record, err := s.records.UpdateRecord(c.Request.Context(), principal.ActorID, c.Param("recordID"), usecase.UpdateRecordParams{
		Kind:    req.Kind,
		BlobRef: req.BlobRef,
		Note:    req.Note,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toRecordResponse(record))
}

func (s *Server) handleDeleteRecord(c *gin.Context) {
	principal, ok := mustPrincipal(c)
	if !ok {
		return
	}
	if err := s.records.DeleteRecord(c.Request.Context(), principal.ActorID, c.Param("recordID")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func toConsentResponse(grant domain.ConsentGrant) consentResponse {
	resp := consentResponse{
		ID:           grant.ID,
		Grantor:      grant.Grantor,
		Grantee:      grant.Grantee,
		Permissions:  grant.Permissions.Strings(),
		Scope:        grant.Scope,
		Reason:       grant.Reason,
		State:        string(grant.State),
		DurationDays: grant.DurationDays,
		CreatedAt:    grant.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:    grant.UpdatedAt.UTC().Format(time.RFC3339Nano),
		Version:      grant.Version,
	}
	if grant.ExpiresAt != nil {
		resp.ExpiresAt = grant.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	return resp
}

func toConsentsResponse(grants []domain.ConsentGrant) consentsResponse {
	out := make([]consentResponse, 0, len(grants))
	for _, grant := range grants {
		out = append(out, toConsentResponse(grant))
	}
	return consentsResponse{Grants: out}
}

func toAuditEntryResponse(entry domain.AuditEntry) auditproof.Entry {
	return auditproof.Entry{
		Sequence:     entry.Sequence,
		Actor:        entry.Actor,
		Action:       string(entry.Action),
		ResourceType: string(entry.ResourceType),
		ResourceID:   entry.ResourceID,
		Timestamp:    entry.Timestamp,
		Metadata:     entry.Metadata,
		PreviousHash: entry.PreviousHash,
		Hash:         entry.Hash,
	}
}

func toBatchResponse(batch domain.AuditBatch) batchResponse {
	resp := batchResponse{
		ID:             batch.ID,
		FirstSequence:  batch.FirstSequence,
		LastSequence:   batch.LastSequence,
		EntryCount:     batch.EntryCount,
		RootHash:       batch.RootHash,
		AnchoredTxHash: batch.AnchoredTxHash,
		CreatedAt:      batch.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if batch.AnchoredAt != nil {
		resp.AnchoredAt = batch.AnchoredAt.UTC().Format(time.RFC3339Nano)
	}
	return resp
}

func toAnchorStatusResponse(status domain.AnchorStatus) anchorStatusResponse {
	resp := anchorStatusResponse{
		Anchored:    status.Anchored,
		RootHash:    status.RootHash,
		Provider:    status.Provider,
		TxHash:      status.TxHash,
		BlockNumber: status.BlockNumber,
	}
	if status.AnchoredAt != nil {
		resp.AnchoredAt = status.AnchoredAt.UTC().Format(time.RFC3339Nano)
	}
	return resp
}

func toRecordResponse(record domain.RecordEntry) recordBodyResponse {
	return recordBodyResponse{
		ID:        record.ID,
		PatientID: record.PatientID,
		Kind:      record.Kind,
		BlobRef:   record.BlobRef,
		Note:      record.Note,
		CreatedBy: record.CreatedBy,
		CreatedAt: record.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt: record.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func queryInt64(c *gin.Context, name string, fallback int64) (int64, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return fallback, true
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		writeErrorCode(c, http.StatusBadRequest, "VALIDATION", "invalid "+name+" parameter")
		return 0, false
	}
	return value, true
}

func queryInt(c *gin.Context, name string, fallback int) (int, bool) {
	value, ok := queryInt64(c, name, int64(fallback))
	if !ok {
		return 0, false
	}
	return int(value), true
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeErrorCode(c, http.StatusBadRequest, "VALIDATION", err.Error())
	case errors.Is(err, domain.ErrUnauthenticated):
		writeErrorCode(c, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error())
	case errors.Is(err, domain.ErrPermissionDenied):
		writeErrorCode(c, http.StatusForbidden, "PERMISSION_DENIED", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, domain.ErrConflict):
		writeErrorCode(c, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, domain.ErrRateLimited):
		writeErrorCode(c, http.StatusTooManyRequests, "RATE_LIMITED", err.Error())
	case errors.Is(err, domain.ErrIntegrity):
		writeErrorCode(c, http.StatusInternalServerError, "INTEGRITY_FAILURE", err.Error())
	case errors.Is(err, domain.ErrExternalService):
		writeErrorCode(c, http.StatusBadGateway, "EXTERNAL_SERVICE", err.Error())
	default:
		writeErrorCode(c, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func writeErrorCode(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{Error: errorBody{Code: code, Message: message}})
}
