package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"docsync/internal/metrics"
	"docsync/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

/*
CLIENT STORAGE ENGINE

The local replica lives in SQLite behind GORM. It holds two tables:
  documents  live documents keyed by (collection, id)
  deletions  tombstones keyed by (collection, id)

A key is in at most one of them. Every read-compare-write runs inside a
transaction, and the pool is limited to a single connection, so writes to
the same key from HTTP merges and push events are serialized here.

Size is an estimate (payload + key + fixed overhead) kept per row, so usage
is a single SUM query.
*/

// evictionTarget is the fraction of MaxSizeBytes that eviction shrinks to
const evictionTarget = 0.8

// rowOverhead approximates per-document bookkeeping bytes
const rowOverhead = 128

// Options configures an Engine
type Options struct {
	// Path is the SQLite file; ":memory:" keeps everything in memory
	Path string
	// MaxSizeBytes is the capacity; zero disables size management
	MaxSizeBytes int64
	// Now is the clock; defaults to time.Now
	Now func() time.Time
}

// Engine is the durable, queryable local replica
type Engine struct {
	db      *gorm.DB
	maxSize int64
	now     func() time.Time
}

// Stats summarizes the store
type Stats struct {
	TotalSizeBytes  int64      `json:"totalSizeBytes"`
	MaxSizeBytes    int64      `json:"maxSizeBytes"`
	DocumentCount   int64      `json:"documentCount"`
	DeletionCount   int64      `json:"deletionCount"`
	CollectionCount int64      `json:"collectionCount"`
	OldestModified  *time.Time `json:"oldestModified,omitempty"`
	NewestModified  *time.Time `json:"newestModified,omitempty"`
}

type documentRow struct {
	Collection        string    `gorm:"primaryKey"`
	ID                string    `gorm:"primaryKey"`
	Data              []byte    `gorm:"not null"`
	Version           int64     `gorm:"not null"`
	LastModified      time.Time `gorm:"not null;index"`
	LastSynced        *time.Time
	ExpiresAt         *time.Time `gorm:"index"`
	RetentionPriority int        `gorm:"not null;index"`
	TombstonedAt      *time.Time `gorm:"column:meta_deleted_at"`
	TombstonedBy      string     `gorm:"column:meta_deleted_by"`
	SizeBytes         int64      `gorm:"not null"`
}

func (documentRow) TableName() string { return "documents" }

type deletionRow struct {
	Collection string    `gorm:"primaryKey"`
	ID         string    `gorm:"primaryKey"`
	DeletedAt  time.Time `gorm:"not null;index"`
	DeletedBy  string
	Version    int64 `gorm:"not null"`
}

func (deletionRow) TableName() string { return "deletions" }

var keyColumns = []clause.Column{{Name: "collection"}, {Name: "id"}}

// Open opens or creates the store at opts.Path and migrates its schema
func Open(opts Options) (*Engine, error) {
	if opts.Path == "" {
		return nil, errors.New("storage path is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	db, err := gorm.Open(sqlite.Open(opts.Path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	// SQLite has one writer; a single connection also makes every
	// transaction the serialization point for its keys
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if err := db.Exec(pragma).Error; err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := db.AutoMigrate(&documentRow{}, &deletionRow{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate storage: %w", err)
	}

	return &Engine{db: db, maxSize: opts.MaxSizeBytes, now: opts.Now}, nil
}

// Close closes the database
func (e *Engine) Close() error {
	sqlDB, err := e.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// PutDocument upserts doc when its version is higher than the stored one.
// A stored tombstone with a lower version is removed in the same
// transaction. It returns false, without error, when doc is stale.
//
// When the document would not fit, lower-priority documents are evicted
// first to make room for it; if it still does not fit the error wraps
// ErrStorageQuotaExceeded.
func (e *Engine) PutDocument(ctx context.Context, doc *models.SyncDocument) (bool, error) {
	if doc == nil || doc.Collection == "" || doc.ID == "" {
		return false, invalidArgument("put", "document requires collection and id")
	}

	row := toRow(doc)

	if e.maxSize > 0 {
		var current []documentRow
		err := e.db.WithContext(ctx).
			Select("version, size_bytes").
			Where("collection = ? AND id = ?", doc.Collection, doc.ID).
			Limit(1).Find(&current).Error
		if err != nil {
			return false, &models.StorageError{Op: "put", Err: err}
		}
		need := row.SizeBytes
		if len(current) > 0 {
			if row.Version <= current[0].Version {
				return false, nil
			}
			need -= current[0].SizeBytes
		}
		if need > 0 {
			if _, err := e.freeSpace(ctx, need, doc.Collection, doc.ID); err != nil {
				return false, err
			}
		}
	}

	applied := false

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing documentRow
		err := tx.Where("collection = ? AND id = ?", doc.Collection, doc.ID).Take(&existing).Error
		switch {
		case err == nil:
			if row.Version <= existing.Version {
				return nil
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			existing = documentRow{}
		default:
			return err
		}

		var tomb deletionRow
		err = tx.Where("collection = ? AND id = ?", doc.Collection, doc.ID).Take(&tomb).Error
		switch {
		case err == nil:
			if row.Version <= tomb.Version {
				return nil
			}
			if err := tx.Delete(&tomb).Error; err != nil {
				return err
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}

		if e.maxSize > 0 {
			usage, err := e.usage(ctx, tx)
			if err != nil {
				return err
			}
			if usage-existing.SizeBytes+row.SizeBytes > e.maxSize {
				return models.ErrStorageQuotaExceeded
			}
		}

		if err := tx.Clauses(clause.OnConflict{Columns: keyColumns, UpdateAll: true}).Create(&row).Error; err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, &models.StorageError{Op: "put", Err: err}
	}
	return applied, nil
}

// GetDocument returns the live document for the key or ErrNotFound
func (e *Engine) GetDocument(ctx context.Context, collection, id string) (*models.SyncDocument, error) {
	var row documentRow
	err := e.db.WithContext(ctx).Where("collection = ? AND id = ?", collection, id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, &models.StorageError{Op: "get", Err: err}
	}
	return row.toDocument(), nil
}

// GetDocuments returns every live document of collection
func (e *Engine) GetDocuments(ctx context.Context, collection string) ([]*models.SyncDocument, error) {
	var rows []documentRow
	err := e.db.WithContext(ctx).
		Where("collection = ?", collection).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, &models.StorageError{Op: "list", Err: err}
	}
	return toDocuments(rows), nil
}

// GetDocumentsSince returns live documents of collection modified at or after since
func (e *Engine) GetDocumentsSince(ctx context.Context, collection string, since time.Time) ([]*models.SyncDocument, error) {
	var rows []documentRow
	err := e.db.WithContext(ctx).
		Where("collection = ? AND last_modified >= ?", collection, since.UTC()).
		Order("last_modified ASC").
		Find(&rows).Error
	if err != nil {
		return nil, &models.StorageError{Op: "list", Err: err}
	}
	return toDocuments(rows), nil
}

// DeleteDocument removes the live document and writes a tombstone dated now
func (e *Engine) DeleteDocument(ctx context.Context, collection, id, deletedBy string, version int64) (bool, error) {
	return e.ApplyDeletion(ctx, &models.DeletionRecord{
		ID:         id,
		Collection: collection,
		DeletedAt:  e.now(),
		DeletedBy:  deletedBy,
		Version:    version,
	})
}

// ApplyDeletion removes the live document and stores rec as its tombstone.
// Deletions always win over the live copy. It reports whether the store
// changed: a document was removed or the tombstone is new or newer.
func (e *Engine) ApplyDeletion(ctx context.Context, rec *models.DeletionRecord) (bool, error) {
	if rec == nil || rec.Collection == "" || rec.ID == "" {
		return false, invalidArgument("delete", "deletion requires collection and id")
	}

	changed := false
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("collection = ? AND id = ?", rec.Collection, rec.ID).Delete(&documentRow{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			changed = true
		}

		var tomb deletionRow
		err := tx.Where("collection = ? AND id = ?", rec.Collection, rec.ID).Take(&tomb).Error
		switch {
		case err == nil:
			if rec.Version <= tomb.Version && !changed {
				return nil
			}
			if rec.Version < tomb.Version {
				// keep the newer tombstone
				return nil
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}

		row := deletionRow{
			Collection: rec.Collection,
			ID:         rec.ID,
			DeletedAt:  rec.DeletedAt.UTC(),
			DeletedBy:  rec.DeletedBy,
			Version:    rec.Version,
		}
		if err := tx.Clauses(clause.OnConflict{Columns: keyColumns, UpdateAll: true}).Create(&row).Error; err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, &models.StorageError{Op: "delete", Err: err}
	}
	return changed, nil
}

// GetDeletions returns tombstones of collection, optionally those at or after since
func (e *Engine) GetDeletions(ctx context.Context, collection string, since *time.Time) ([]*models.DeletionRecord, error) {
	q := e.db.WithContext(ctx).Where("collection = ?", collection)
	if since != nil {
		q = q.Where("deleted_at >= ?", since.UTC())
	}

	var rows []deletionRow
	if err := q.Order("deleted_at ASC").Find(&rows).Error; err != nil {
		return nil, &models.StorageError{Op: "list deletions", Err: err}
	}

	out := make([]*models.DeletionRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, &models.DeletionRecord{
			ID:         r.ID,
			Collection: r.Collection,
			DeletedAt:  r.DeletedAt.UTC(),
			DeletedBy:  r.DeletedBy,
			Version:    r.Version,
		})
	}
	return out, nil
}

// CleanupExpired removes every document whose expiry has passed
func (e *Engine) CleanupExpired(ctx context.Context) (int64, error) {
	res := e.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", e.now().UTC()).
		Delete(&documentRow{})
	if res.Error != nil {
		return 0, &models.StorageError{Op: "cleanup", Err: res.Error}
	}
	return res.RowsAffected, nil
}

type evictionCandidate struct {
	Collection string
	ID         string
	SizeBytes  int64
}

// EnsureStorageSpace evicts documents once usage reaches MaxSizeBytes,
// until usage is at most 80% of it. Expired documents go first, then
// TEMPORARY through HIGH, oldest LastModified first within a priority.
// CRITICAL documents are only eligible once expired.
func (e *Engine) EnsureStorageSpace(ctx context.Context) (int, error) {
	return e.freeSpace(ctx, 0, "", "")
}

// freeSpace evicts until usage+need is at most 80% of capacity. With a
// positive need it runs only when usage+need exceeds capacity. The
// document keyed by (keepCollection, keepID) is never chosen.
func (e *Engine) freeSpace(ctx context.Context, need int64, keepCollection, keepID string) (int, error) {
	if e.maxSize <= 0 {
		return 0, nil
	}

	evicted := 0
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		usage, err := e.usage(ctx, tx)
		if err != nil {
			return err
		}
		if need > 0 && usage+need <= e.maxSize {
			return nil
		}
		if need <= 0 && usage < e.maxSize {
			return nil
		}
		target := int64(float64(e.maxSize) * evictionTarget)
		now := e.now().UTC()

		var candidates []evictionCandidate
		err = tx.Model(&documentRow{}).
			Select("collection, id, size_bytes").
			Where("retention_priority <> ? OR (expires_at IS NOT NULL AND expires_at <= ?)",
				int(models.PriorityCritical), now).
			Where("NOT (collection = ? AND id = ?)", keepCollection, keepID).
			Order(clause.OrderBy{Expression: clause.Expr{
				SQL: "CASE WHEN expires_at IS NOT NULL AND expires_at <= ? THEN 0 ELSE 1 END, " +
					"retention_priority DESC, last_modified ASC",
				Vars:               []interface{}{now},
				WithoutParentheses: true,
			}}).
			Find(&candidates).Error
		if err != nil {
			return err
		}

		for _, c := range candidates {
			if usage+need <= target {
				break
			}
			if err := tx.Where("collection = ? AND id = ?", c.Collection, c.ID).Delete(&documentRow{}).Error; err != nil {
				return err
			}
			usage -= c.SizeBytes
			evicted++
		}
		return nil
	})
	if err != nil {
		return 0, &models.StorageError{Op: "evict", Err: err}
	}

	if evicted > 0 {
		metrics.ClientEvictions.Add(float64(evicted))
	}
	return evicted, nil
}

// GetStats summarizes size, counts and modification range
func (e *Engine) GetStats(ctx context.Context) (*Stats, error) {
	db := e.db.WithContext(ctx)
	stats := &Stats{MaxSizeBytes: e.maxSize}

	var err error
	if stats.TotalSizeBytes, err = e.usage(ctx, db); err != nil {
		return nil, &models.StorageError{Op: "stats", Err: err}
	}
	if err := db.Model(&documentRow{}).Count(&stats.DocumentCount).Error; err != nil {
		return nil, &models.StorageError{Op: "stats", Err: err}
	}
	if err := db.Model(&deletionRow{}).Count(&stats.DeletionCount).Error; err != nil {
		return nil, &models.StorageError{Op: "stats", Err: err}
	}
	if err := db.Model(&documentRow{}).Distinct("collection").Count(&stats.CollectionCount).Error; err != nil {
		return nil, &models.StorageError{Op: "stats", Err: err}
	}

	if stats.DocumentCount > 0 {
		var oldest, newest documentRow
		if err := db.Order("last_modified ASC").Take(&oldest).Error; err != nil {
			return nil, &models.StorageError{Op: "stats", Err: err}
		}
		if err := db.Order("last_modified DESC").Take(&newest).Error; err != nil {
			return nil, &models.StorageError{Op: "stats", Err: err}
		}
		o, n := oldest.LastModified.UTC(), newest.LastModified.UTC()
		stats.OldestModified, stats.NewestModified = &o, &n
	}

	return stats, nil
}

// Clear wipes documents and tombstones
func (e *Engine) Clear(ctx context.Context) error {
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&documentRow{}).Error; err != nil {
			return err
		}
		return tx.Where("1 = 1").Delete(&deletionRow{}).Error
	})
	if err != nil {
		return &models.StorageError{Op: "clear", Err: err}
	}
	return nil
}

func (e *Engine) usage(ctx context.Context, db *gorm.DB) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&documentRow{}).
		Select("COALESCE(SUM(size_bytes), 0)").
		Scan(&total).Error
	return total, err
}

// EstimateSize is the number of bytes a document is accounted for
func EstimateSize(doc *models.SyncDocument) int64 {
	return int64(len(doc.Data)+len(doc.ID)+len(doc.Collection)+len(doc.Metadata.DeletedBy)) + rowOverhead
}

func toRow(doc *models.SyncDocument) documentRow {
	m := doc.Metadata
	data := []byte(doc.Data)
	if len(data) == 0 {
		data = []byte("null")
	}
	return documentRow{
		Collection:        doc.Collection,
		ID:                doc.ID,
		Data:              data,
		Version:           m.Version,
		LastModified:      m.LastModified.UTC(),
		LastSynced:        utcPtr(m.LastSynced),
		ExpiresAt:         utcPtr(m.ExpiresAt),
		RetentionPriority: int(priorityOrDefault(m.RetentionPriority)),
		TombstonedAt:      utcPtr(m.DeletedAt),
		TombstonedBy:      m.DeletedBy,
		SizeBytes:         EstimateSize(doc),
	}
}

func (r *documentRow) toDocument() *models.SyncDocument {
	return &models.SyncDocument{
		ID:         r.ID,
		Collection: r.Collection,
		Data:       r.Data,
		Metadata: models.DocumentMetadata{
			Version:           r.Version,
			LastModified:      r.LastModified.UTC(),
			LastSynced:        utcPtr(r.LastSynced),
			ExpiresAt:         utcPtr(r.ExpiresAt),
			RetentionPriority: models.RetentionPriority(r.RetentionPriority),
			DeletedAt:         utcPtr(r.TombstonedAt),
			DeletedBy:         r.TombstonedBy,
		},
	}
}

func toDocuments(rows []documentRow) []*models.SyncDocument {
	out := make([]*models.SyncDocument, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDocument())
	}
	return out
}

func priorityOrDefault(p models.RetentionPriority) models.RetentionPriority {
	if !p.Valid() {
		return models.PriorityMedium
	}
	return p
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func invalidArgument(op, msg string) error {
	return &models.StorageError{Op: op, Err: fmt.Errorf("%w: %s", models.ErrInvalidRequest, msg)}
}
