package filecache

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	v1IndexName = "index.db"
	v1FilesDir  = "files"

	migrateConcurrency = 4
)

// v1Entry is one row of the legacy index database.
type v1Entry struct {
	CacheKey string `gorm:"column:cache_key"`
	ItemData string `gorm:"column:item_data"`
}

// migrateV1 converts a legacy cache layout, a single index database plus a
// flat files directory, into the current per-key layout. Each legacy entry
// is replayed through the handle API and the legacy files are deleted.
// This is a one-time, best-effort batch job: rows that fail to convert are
// logged and skipped.
func (fc *FileCache) migrateV1() error {
	indexPath := filepath.Join(fc.storage.Root(), v1IndexName)
	if _, err := os.Stat(indexPath); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	fc.logger.Info("migrating v1 cache", "root", fc.storage.Root())

	db, err := gorm.Open(sqlite.Open(indexPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return err
	}

	var entries []v1Entry
	err = db.Table("cache_entries").
		Select("cache_key", "item_data").
		Order("last_used ASC").
		Find(&entries).Error
	if err != nil {
		closeGormDB(db)
		return err
	}

	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(migrateConcurrency)
	for _, entry := range entries {
		g.Go(func() error {
			fc.migrateV1Entry(entry)
			return nil
		})
	}
	_ = g.Wait()

	if err := closeGormDB(db); err != nil {
		return err
	}
	if err := os.Remove(indexPath); err != nil {
		return err
	}
	// The files directory only goes away if every entry moved out.
	_ = os.Remove(filepath.Join(fc.storage.Root(), v1FilesDir))
	return nil
}

func (fc *FileCache) migrateV1Entry(entry v1Entry) {
	v1Path := filepath.Join(fc.storage.Root(), v1FilesDir, filepath.FromSlash(entry.CacheKey))
	if _, err := os.Stat(v1Path); err != nil {
		return
	}

	var metadata map[string]any
	if err := json.Unmarshal([]byte(entry.ItemData), &metadata); err != nil {
		fc.logger.Warn("skipping v1 entry with undecodable metadata",
			"key", entry.CacheKey, "error", err)
		return
	}

	h, err := fc.Get(entry.CacheKey, true)
	if err != nil {
		fc.logger.Warn("skipping v1 entry", "key", entry.CacheKey, "error", err)
		return
	}
	h.Metadata = metadata
	if err := h.CopyFrom(v1Path); err != nil {
		fc.logger.Warn("skipping v1 entry", "key", entry.CacheKey, "error", err)
		h.Discard()
		_ = h.Release()
		return
	}
	if err := h.Release(); err != nil {
		fc.logger.Warn("failed to commit v1 entry", "key", entry.CacheKey, "error", err)
		return
	}
	fc.logger.Info("migrated v1 entry", "key", entry.CacheKey)
	_ = os.Remove(v1Path)
}

func closeGormDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
