package storage

import (
	"context"
	"errors"
	"time"

	"github.com/amoylab/keyrelay/internal/common/cnst"
	"github.com/amoylab/keyrelay/internal/common/config"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Record is the database model of one key/value pair. Keys can be long XML
// fragments, so rows are addressed by the key hash.
type Record struct {
	Hash      string    `gorm:"column:hash; type:varchar(64); primaryKey"`
	Key       string    `gorm:"column:record_key; type:text"`
	Value     string    `gorm:"column:record_value; type:text"`
	UpdatedAt time.Time `gorm:"column:updated_at;"`
}

func (Record) TableName() string {
	return "kv_records"
}

// DBStore implements the Store interface using a database
type DBStore struct {
	logger *zap.Logger
	db     *gorm.DB
}

var _ Store = (*DBStore)(nil)

// DatabaseType represents the supported database types
type DatabaseType string

const (
	PostgreSQL DatabaseType = "postgres"
	MySQL      DatabaseType = "mysql"
	SQLite     DatabaseType = "sqlite"
)

// ErrInvalidDatabaseType is returned when an invalid database type is provided
var ErrInvalidDatabaseType = gorm.ErrInvalidDB

// NewDBStore creates a new database-based store
func NewDBStore(logger *zap.Logger, cfg config.DatabaseConfig) (*DBStore, error) {
	logger = logger.Named("storage.db")

	var dialector gorm.Dialector
	dsn := cfg.GetDSN()
	switch DatabaseType(cfg.Type) {
	case PostgreSQL:
		dialector = postgres.Open(dsn)
	case MySQL:
		dialector = mysql.Open(dsn)
	case SQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, ErrInvalidDatabaseType
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, err
	}

	logger.Info("database storage ready", zap.String("type", cfg.Type))
	return &DBStore{
		logger: logger,
		db:     db,
	}, nil
}

func (s *DBStore) Get(ctx context.Context, key string) ([]byte, error) {
	var rec Record
	err := s.db.WithContext(ctx).Where("hash = ?", hashKey(key)).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, cnst.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(rec.Value), nil
}

func (s *DBStore) Set(ctx context.Context, key string, value []byte) error {
	rec := Record{
		Hash:      hashKey(key),
		Key:       key,
		Value:     string(value),
		UpdatedAt: time.Now(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "hash"}},
		DoUpdates: clause.AssignmentColumns([]string{"record_value", "updated_at"}),
	}).Create(&rec).Error
}

func (s *DBStore) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	hashes := make([]string, len(keys))
	for i, k := range keys {
		hashes[i] = hashKey(k)
	}
	return s.db.WithContext(ctx).Where("hash IN ?", hashes).Delete(&Record{}).Error
}

func (s *DBStore) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.db.WithContext(ctx).Model(&Record{}).Order("record_key").Pluck("record_key", &keys).Error
	return keys, err
}

func (s *DBStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
