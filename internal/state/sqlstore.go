package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/user/incidentd/internal/types"
)

// documentRow is the table layout for SQLStore.
type documentRow struct {
	Partition string `gorm:"column:partition_key;primaryKey;size:64"`
	ID        string `gorm:"primaryKey;size:128"`
	Kind      string `gorm:"size:32;index"`
	Body      []byte `gorm:"type:longblob"`
	UpdatedAt time.Time
}

func (documentRow) TableName() string { return "documents" }

// SQLStore is a DocumentStore on a relational database via GORM.
type SQLStore struct {
	db *gorm.DB
}

// OpenSQL opens a GORM connection for the given dialect ("sqlite" or
// "mysql") and migrates the documents table.
func OpenSQL(dialect, dsn string) (*SQLStore, error) {
	var dialector gorm.Dialector
	switch dialect {
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("db: unsupported dialect %q", dialect)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", dialect, err)
	}
	if dialect != "mysql" {
		// SQLite allows a single writer.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("db: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return NewSQLStore(db)
}

// NewSQLStore wraps an open connection and migrates the documents table.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&documentRow{}); err != nil {
		return nil, fmt.Errorf("db: migrate documents: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Upsert(ctx context.Context, doc *types.Document) error {
	if doc.ID == "" || doc.Partition == "" {
		return fmt.Errorf("%w: document id and partition are required", types.ErrMalformed)
	}
	row := documentRow{
		Partition: doc.Partition,
		ID:        doc.ID,
		Kind:      doc.Kind,
		Body:      doc.Body,
		UpdatedAt: doc.UpdatedAt,
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "partition_key"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"kind", "body", "updated_at"}),
	}).Create(&row)
	if result.Error != nil {
		return fmt.Errorf("db: upsert %s: %w", doc.ID, result.Error)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id, partition string) (*types.Document, error) {
	var row documentRow
	err := s.db.WithContext(ctx).
		Where("partition_key = ? AND id = ?", partition, id).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("document %s: %w", id, types.ErrNotFound)
		}
		return nil, fmt.Errorf("db: get %s: %w", id, err)
	}
	return row.toDocument(), nil
}

func (s *SQLStore) Query(ctx context.Context, partition string, filter types.Filter) ([]*types.Document, error) {
	q := s.db.WithContext(ctx).Model(&documentRow{})
	if partition != "" {
		q = q.Where("partition_key = ?", partition)
	}
	if filter.Kind != "" {
		q = q.Where("kind = ?", filter.Kind)
	}
	var rows []documentRow
	if err := q.Order("partition_key, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("db: query documents: %w", err)
	}
	out := make([]*types.Document, len(rows))
	for i := range rows {
		out[i] = rows[i].toDocument()
	}
	return out, nil
}

func (s *SQLStore) Delete(ctx context.Context, id, partition string) error {
	err := s.db.WithContext(ctx).
		Where("partition_key = ? AND id = ?", partition, id).
		Delete(&documentRow{}).Error
	if err != nil {
		return fmt.Errorf("db: delete %s: %w", id, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *documentRow) toDocument() *types.Document {
	return &types.Document{
		ID:        r.ID,
		Partition: r.Partition,
		Kind:      r.Kind,
		Body:      r.Body,
		UpdatedAt: r.UpdatedAt,
	}
}
