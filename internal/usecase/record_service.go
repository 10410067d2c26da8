package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"asclepius/internal/domain"
)

// RecordService wraps every record operation in the access gate. Reads and
// writes that pass the gate are audited with the record they touched; denials
// surface as permission errors after the gate has written the denial entry.
type RecordService struct {
	Records RecordRepository
	Gate    *AccessGate
	Clock   Clock
}

func NewRecordService(records RecordRepository, gate *AccessGate, clock Clock) *RecordService {
	return &RecordService{
		Records: records,
		Gate:    gate,
		Clock:   clock,
	}
}

type CreateRecordParams struct {
	PatientID string
	Kind      string
	BlobRef   string
	Note      string
}

type UpdateRecordParams struct {
	Kind    string
	BlobRef string
	Note    string
}

func (s *RecordService) CreateRecord(ctx context.Context, actor string, params CreateRecordParams) (domain.RecordEntry, error) {
	patient := strings.TrimSpace(params.PatientID)
	kind := strings.TrimSpace(params.Kind)
	if patient == "" || kind == "" {
		return domain.RecordEntry{}, fmt.Errorf("%w: patient id and kind required", domain.ErrValidation)
	}

	req := GateRequest{
		Actor:        actor,
		Patient:      patient,
		Permission:   domain.PermissionWrite,
		Action:       domain.AuditActionRecordCreated,
		ResourceType: domain.ResourceRecord,
	}
	decision, err := s.authorize(ctx, req)
	if err != nil {
		return domain.RecordEntry{}, err
	}

	now := s.now()
	record := domain.RecordEntry{
		ID:        uuid.NewString(),
		PatientID: patient,
		Kind:      kind,
		BlobRef:   params.BlobRef,
		Note:      params.Note,
		CreatedBy: actor,
		CreatedAt: now,
		UpdatedAt: now,
	}
	created, err := s.Records.Create(ctx, record)
	if err != nil {
		return domain.RecordEntry{}, fmt.Errorf("create record: %w", err)
	}
	if err := s.Gate.RecordAllowed(ctx, req, decision, created.ID); err != nil {
		return created, fmt.Errorf("audit record create: %w", err)
	}
	return created, nil
}

func (s *RecordService) GetRecord(ctx context.Context, actor, recordID string) (domain.RecordEntry, error) {
	record, err := s.load(ctx, recordID)
	if err != nil {
		return domain.RecordEntry{}, err
	}

	req := GateRequest{
		Actor:        actor,
		Patient:      record.PatientID,
		Permission:   domain.PermissionRead,
		Action:       domain.AuditActionRecordRead,
		ResourceType: domain.ResourceRecord,
		ResourceID:   record.ID,
	}
	decision, err := s.authorize(ctx, req)
	if err != nil {
		return domain.RecordEntry{}, err
	}
	if err := s.Gate.RecordAllowed(ctx, req, decision, record.ID); err != nil {
		return *record, fmt.Errorf("audit record read: %w", err)
	}
	return *record, nil
}

func (s *RecordService) UpdateRecord(ctx context.Context, actor, recordID string, params UpdateRecordParams) (domain.RecordEntry, error) {
	record, err := s.load(ctx, recordID)
	if err != nil {
		return domain.RecordEntry{}, err
	}

	req := GateRequest{
		Actor:        actor,
		Patient:      record.PatientID,
		Permission:   domain.PermissionWrite,
		Action:       domain.AuditActionRecordUpdated,
		ResourceType: domain.ResourceRecord,
		ResourceID:   record.ID,
	}
	decision, err := s.authorize(ctx, req)
	if err != nil {
		return domain.RecordEntry{}, err
	}

	if kind := strings.TrimSpace(params.Kind); kind != "" {
		record.Kind = kind
	}
	if params.BlobRef != "" {
		record.BlobRef = params.BlobRef
	}
	if params.Note != "" {
		record.Note = params.Note
	}
	record.UpdatedAt = s.now()
	updated, err := s.Records.Update(ctx, *record)
	if err != nil {
		return domain.RecordEntry{}, fmt.Errorf("update record: %w", err)
	}
	if err := s.Gate.RecordAllowed(ctx, req, decision, updated.ID); err != nil {
		return updated, fmt.Errorf("audit record update: %w", err)
	}
	return updated, nil
}

func (s *RecordService) DeleteRecord(ctx context.Context, actor, recordID string) error {
	record, err := s.load(ctx, recordID)
	if err != nil {
		return err
	}

	req := GateRequest{
		Actor:        actor,
		Patient:      record.PatientID,
		Permission:   domain.PermissionWrite,
		Action:       domain.AuditActionRecordDeleted,
		ResourceType: domain.ResourceRecord,
		ResourceID:   record.ID,
	}
	decision, err := s.authorize(ctx, req)
	if err != nil {
		return err
	}
	if err := s.Records.Delete(ctx, record.ID); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if err := s.Gate.RecordAllowed(ctx, req, decision, record.ID); err != nil {
		return fmt.Errorf("audit record delete: %w", err)
	}
	return nil
}

func (s *RecordService) ListRecords(ctx context.Context, actor, patientID string) ([]domain.RecordEntry, error) {
	patient := strings.TrimSpace(patientID)
	if patient == "" {
		patient = actor
	}

	req := GateRequest{
		Actor:        actor,
		Patient:      patient,
		Permission:   domain.PermissionRead,
		Action:       domain.AuditActionRecordListed,
		ResourceType: domain.ResourcePatient,
		ResourceID:   patient,
	}
	decision, err := s.authorize(ctx, req)
	if err != nil {
		return nil, err
	}
	records, err := s.Records.ListByPatient(ctx, patient)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	if err := s.Gate.RecordAllowed(ctx, req, decision, patient); err != nil {
		return records, fmt.Errorf("audit record list: %w", err)
	}
	return records, nil
}

func (s *RecordService) authorize(ctx context.Context, req GateRequest) (GateDecision, error) {
	decision, err := s.Gate.Authorize(ctx, req)
	if err != nil {
		return GateDecision{}, err
	}
	if !decision.Allowed {
		return GateDecision{}, fmt.Errorf("%w: %s", domain.ErrPermissionDenied, strings.Join(decision.Reasons, ","))
	}
	return decision, nil
}

func (s *RecordService) load(ctx context.Context, recordID string) (*domain.RecordEntry, error) {
	if recordID == "" {
		return nil, fmt.Errorf("%w: record id required", domain.ErrValidation)
	}
	record, err := s.Records.GetByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (s *RecordService) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now().UTC()
}
