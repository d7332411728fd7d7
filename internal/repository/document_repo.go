package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"docsync/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DocumentRepositoryImpl is the server-side data source for synced
// collections: live documents in sync_documents, tombstones in sync_deletions.
type DocumentRepositoryImpl struct {
	db  *gorm.DB
	now func() time.Time
}

// NewDocumentRepository creates a new document repository
// Returns concrete type - "Accept interfaces, return structs"
func NewDocumentRepository(db *gorm.DB) *DocumentRepositoryImpl {
	return &DocumentRepositoryImpl{db: db, now: time.Now}
}

// FetchDocuments returns documents of collection changed at or after since,
// most recently changed first
func (r *DocumentRepositoryImpl) FetchDocuments(ctx context.Context, collection string, since *time.Time, limit, offset int) ([]*models.SyncDocument, error) {
	q := r.db.WithContext(ctx).Where("collection = ?", collection)
	if since != nil {
		q = q.Where("last_modified >= ?", since.UTC())
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}

	var rows []*models.DocumentRecord
	if err := q.Order("last_modified DESC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch documents: %w", err)
	}

	docs := make([]*models.SyncDocument, 0, len(rows))
	for _, row := range rows {
		docs = append(docs, row.ToSyncDocument())
	}
	return docs, nil
}

// FetchDeletions returns tombstones of collection dated at or after since
func (r *DocumentRepositoryImpl) FetchDeletions(ctx context.Context, collection string, since *time.Time) ([]*models.DeletionRecord, error) {
	q := r.db.WithContext(ctx).Where("collection = ?", collection)
	if since != nil {
		q = q.Where("deleted_at >= ?", since.UTC())
	}

	var rows []*models.DeletionRow
	if err := q.Order("deleted_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch deletions: %w", err)
	}

	out := make([]*models.DeletionRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.ToDeletionRecord())
	}
	return out, nil
}

// GetByID returns the live document or ErrNotFound
func (r *DocumentRepositoryImpl) GetByID(ctx context.Context, collection, id string) (*models.SyncDocument, error) {
	var row models.DocumentRecord
	err := r.db.WithContext(ctx).Where("collection = ? AND id = ?", collection, id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("document %s/%s: %w", collection, id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return row.ToSyncDocument(), nil
}

// Upsert writes a document and assigns its next version. An existing row
// is bumped atomically; a new or recreated row continues after its
// tombstone's version, and the tombstone is removed. The bool reports
// whether the row was created.
func (r *DocumentRepositoryImpl) Upsert(ctx context.Context, collection, id string, write *models.DocumentWrite, actor string) (*models.SyncDocument, bool, error) {
	now := r.now().UTC()
	priority := write.RetentionPriority
	if !priority.Valid() {
		priority = models.PriorityMedium
	}

	var saved models.DocumentRecord
	created := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.DocumentRecord{}).
			Where("collection = ? AND id = ?", collection, id).
			Updates(map[string]interface{}{
				"data":               write.Data,
				"version":            gorm.Expr("version + 1"),
				"retention_priority": priority,
				"expires_at":         write.ExpiresAt,
				"last_modified":      now,
				"modified_by":        actor,
			})
		if res.Error != nil {
			return res.Error
		}

		if res.RowsAffected == 0 {
			var previous int64
			var tomb models.DeletionRow
			err := tx.Where("collection = ? AND id = ?", collection, id).Take(&tomb).Error
			switch {
			case err == nil:
				previous = tomb.Version
				if err := tx.Delete(&tomb).Error; err != nil {
					return err
				}
			case errors.Is(err, gorm.ErrRecordNotFound):
			default:
				return err
			}

			saved = models.DocumentRecord{
				Collection:        collection,
				ID:                id,
				Data:              write.Data,
				Version:           previous + 1,
				RetentionPriority: priority,
				ExpiresAt:         write.ExpiresAt,
				LastModified:      now,
				ModifiedBy:        actor,
			}
			if err := tx.Create(&saved).Error; err != nil {
				return err
			}
			created = true
			return nil
		}

		return tx.Where("collection = ? AND id = ?", collection, id).Take(&saved).Error
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to write document: %w", err)
	}

	return saved.ToSyncDocument(), created, nil
}

// Delete removes the live document and records a tombstone carrying the
// last version the document had
func (r *DocumentRepositoryImpl) Delete(ctx context.Context, collection, id, actor string) (*models.DeletionRecord, error) {
	var tomb models.DeletionRow

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.DocumentRecord
		err := tx.Where("collection = ? AND id = ?", collection, id).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("document %s/%s: %w", collection, id, models.ErrNotFound)
		}
		if err != nil {
			return err
		}

		if err := tx.Where("collection = ? AND id = ?", collection, id).Delete(&models.DocumentRecord{}).Error; err != nil {
			return err
		}

		tomb = models.DeletionRow{
			Collection: collection,
			ID:         id,
			DeletedAt:  r.now().UTC(),
			DeletedBy:  actor,
			Version:    row.Version,
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "collection"}, {Name: "id"}},
			UpdateAll: true,
		}).Create(&tomb).Error
	})
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to delete document: %w", err)
	}

	return tomb.ToDeletionRecord(), nil
}
