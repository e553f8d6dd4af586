// Package store persists the registered devices so the gateway can show the
// last known device list before the backend answers.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/nextranet/intercom/c-plane/config"
	"github.com/nextranet/intercom/c-plane/internal/logger"
	"github.com/nextranet/intercom/c-plane/internal/models"
)

// DeviceRecord is the persisted form of a device
type DeviceRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	DirNo      string    `gorm:"type:varchar(32);uniqueIndex;not null"`
	IPAddress  string    `gorm:"type:varchar(64)"`
	Name       string    `gorm:"type:varchar(128)"`
	Location   string    `gorm:"type:varchar(128)"`
	DeviceType string    `gorm:"type:varchar(64)"`
	State      string    `gorm:"type:varchar(20);default:'fault'"`
	CameraURL  string    `gorm:"type:varchar(255)"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TableName keeps the table name stable across renames of the type
func (DeviceRecord) TableName() string {
	return "devices"
}

// BeforeCreate assigns the primary key
func (r *DeviceRecord) BeforeCreate(*gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// ToDevice converts the record back to a registry device
func (r *DeviceRecord) ToDevice() *models.Device {
	return &models.Device{
		DirNo:      r.DirNo,
		IPAddress:  r.IPAddress,
		Name:       r.Name,
		Location:   r.Location,
		DeviceType: r.DeviceType,
		State:      models.ParseDeviceReachability(r.State),
		CallState:  models.DeviceCallReachable,
	}
}

// NewDeviceRecord converts a registry device
func NewDeviceRecord(d *models.Device) *DeviceRecord {
	return &DeviceRecord{
		DirNo:      d.DirNo,
		IPAddress:  d.IPAddress,
		Name:       d.Name,
		Location:   d.Location,
		DeviceType: d.DeviceType,
		State:      string(d.State),
	}
}

// Store is the gorm backed device table
type Store struct {
	db *gorm.DB
}

// Open connects to the configured database and migrates the schema
func Open(cfg *config.Database) (*Store, error) {
	if cfg == nil || cfg.DSN == "" {
		return nil, fmt.Errorf("%w: database dsn", models.ErrMissingRequired)
	}
	if cfg.Type != "" && cfg.Type != "postgres" {
		return nil, fmt.Errorf("%w: database type %q", models.ErrInvalidInput, cfg.Type)
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrDatabaseConnection, err)
	}

	if sqlDB, err := db.DB(); err == nil && cfg.Pool != nil {
		if cfg.Pool.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.Pool.MaxIdleConns)
		}
		if cfg.Pool.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.Pool.MaxOpenConns)
		}
		if cfg.Pool.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(cfg.Pool.ConnMaxLifetime)
		}
		if cfg.Pool.ConnMaxIdleTime > 0 {
			sqlDB.SetConnMaxIdleTime(cfg.Pool.ConnMaxIdleTime)
		}
	}

	s := &Store{db: db}
	if err := s.AutoMigrate(); err != nil {
		_ = s.Close()
		return nil, err
	}
	logger.StoreLog.Info("Database connection established")
	return s, nil
}

// AutoMigrate creates or updates the device table
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&DeviceRecord{}); err != nil {
		return fmt.Errorf("migrate devices: %w", err)
	}
	return nil
}

// UpsertDevice inserts d or updates the record with the same dirno
func (s *Store) UpsertDevice(ctx context.Context, d *models.Device) error {
	if d == nil || d.DirNo == "" {
		return models.ErrInvalidDirNo
	}

	rec := NewDeviceRecord(d)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "dir_no"}},
		DoUpdates: clause.AssignmentColumns([]string{"ip_address", "name", "location", "device_type", "state", "updated_at"}),
	}).Create(rec).Error
	if err != nil {
		logger.StoreLog.Warnf("Upsert device %s: %v", d.DirNo, err)
		return fmt.Errorf("upsert device %s: %w", d.DirNo, err)
	}
	return nil
}

// ListDevices returns every stored device ordered by dirno
func (s *Store) ListDevices(ctx context.Context) ([]*models.Device, error) {
	var records []DeviceRecord
	if err := s.db.WithContext(ctx).Order("dir_no").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	devices := make([]*models.Device, 0, len(records))
	for i := range records {
		devices = append(devices, records[i].ToDevice())
	}
	return devices, nil
}

// DeleteDevice removes the record of dirno
func (s *Store) DeleteDevice(ctx context.Context, dirno string) error {
	res := s.db.WithContext(ctx).Where("dir_no = ?", dirno).Delete(&DeviceRecord{})
	if res.Error != nil {
		return fmt.Errorf("delete device %s: %w", dirno, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", models.ErrRecordNotFound, dirno)
	}
	return nil
}

// Close releases the connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
