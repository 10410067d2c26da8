package db

import (
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type Store struct {
	DB *gorm.DB

	Consents *ConsentRepository
	Entries  *AuditEntryRepository
	Batches  *AuditBatchRepository
	Records  *RecordRepository
	Attempts *AnchorAttemptRepository
	Receipts *AnchorReceiptRepository
}

func NewStore(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn required")
	}
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := migrate(gdb); err != nil {
		return nil, err
	}
	return &Store{
		DB:       gdb,
		Consents: NewConsentRepository(gdb),
		Entries:  NewAuditEntryRepository(gdb),
		Batches:  NewAuditBatchRepository(gdb),
		Records:  NewRecordRepository(gdb),
		Attempts: NewAnchorAttemptRepository(gdb),
		Receipts: NewAnchorReceiptRepository(gdb),
	}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func migrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(
		&ConsentGrantModel{},
		&AuditEntryModel{},
		&AuditChainTailModel{},
		&AuditBatchModel{},
		&RecordEntryModel{},
		&AnchorAttemptModel{},
		&AnchorReceiptModel{},
	); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	// audit_entries is append-only at the database level; verification relies
	// on stored rows never changing underneath the chain.
	statements := []string{
		`CREATE OR REPLACE FUNCTION audit_entries_append_only() RETURNS trigger AS $$
		BEGIN
			RAISE EXCEPTION 'audit_entries is append-only';
		END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS audit_entries_no_rewrite ON audit_entries`,
		`CREATE TRIGGER audit_entries_no_rewrite
			BEFORE UPDATE OR DELETE ON audit_entries
			FOR EACH ROW EXECUTE FUNCTION audit_entries_append_only()`,
	}
	for _, stmt := range statements {
		if err := gdb.Exec(stmt).Error; err != nil {
			return fmt.Errorf("install append-only guard: %w", err)
		}
	}
	return nil
}
