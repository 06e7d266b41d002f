// Package registry remembers the remote devices that were programmed
// through this host.
package registry

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"github.com/nrfboot/nrfboot/internal/clock"
	"github.com/nrfboot/nrfboot/internal/protocol"
	"github.com/nrfboot/nrfboot/internal/radio"
)

// Config holds registry configuration
type Config struct {
	Path string // Path to SQLite database file
}

// Registry stores Device records.
type Registry struct {
	db    *gorm.DB
	clock clock.Clock
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the time source for LastSeen.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// glogWriter routes gorm's logger to glog.
type glogWriter struct{}

func (glogWriter) Printf(format string, args ...interface{}) {
	glog.Warningf(format, args...)
}

// Open opens or creates the registry with the pure Go SQLite driver.
func Open(config Config, opts ...Option) (*Registry, error) {
	gormLog := logger.New(glogWriter{}, logger.Config{
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})

	dialector := sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        config.Path,
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, errors.Wrapf(err, "open registry %s", config.Path)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if err := configureSQLite(sqlDB); err != nil {
		return nil, errors.Wrap(err, "configure registry")
	}
	if err := db.AutoMigrate(&Device{}); err != nil {
		return nil, errors.Wrap(err, "migrate registry")
	}
	glog.V(1).Infof("registry: opened %s", config.Path)

	r := &Registry{db: db, clock: clock.System()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func configureSQLite(sqlDB *sql.DB) error {
	pragmaSettings := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmaSettings {
		if _, err := sqlDB.Exec(pragma); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection.
func (r *Registry) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Key returns the registry key of an address: the two bytes that identify
// a device on both pipes.
func Key(a radio.Address) string {
	return fmt.Sprintf("%02x%02x", a[1], a[2])
}

// RecordSession notes a finished programming session with the device at
// address.
func (r *Registry) RecordSession(address radio.Address, channel byte, signature [3]byte, stats radio.Stats) error {
	key := Key(address)
	return r.db.Transaction(func(tx *gorm.DB) error {
		var d Device
		err := tx.Where("radio_id = ?", key).First(&d).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		d.RadioID = key
		d.Channel = channel
		d.Signature = fmt.Sprintf("%02X%02X%02X", signature[0], signature[1], signature[2])
		d.Part = protocol.PartName(signature)
		d.Sessions++
		d.Sends = stats.Sends
		d.Resends = stats.Resends
		d.LastSeen = r.clock.Now()
		return tx.Save(&d).Error
	})
}

// Get returns the device with the given key.
func (r *Registry) Get(key string) (*Device, error) {
	var d Device
	if err := r.db.Where("radio_id = ?", key).First(&d).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

// List returns all devices, most recently seen first.
func (r *Registry) List() ([]Device, error) {
	var devices []Device
	err := r.db.Order("last_seen DESC").Find(&devices).Error
	return devices, err
}

// Forget removes the device with the given key.
func (r *Registry) Forget(key string) error {
	res := r.db.Where("radio_id = ?", key).Delete(&Device{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// Device is one remote device seen by the host.
type Device struct {
	RadioID   string `gorm:"primarykey;size:4"`
	Channel   uint8
	Signature string `gorm:"size:6"`
	Part      string `gorm:"size:20"`
	Sessions  int
	Sends     int
	Resends   int
	LastSeen  time.Time `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName specifies the table name for GORM
func (Device) TableName() string {
	return "devices"
}

// String returns a one-line summary.
func (d Device) String() string {
	return fmt.Sprintf("%s  ch %-3d %-12s %d sessions, %d/%d resends, last seen %s",
		d.RadioID, d.Channel, d.Part, d.Sessions, d.Resends, d.Sends, d.LastSeen.Format(time.RFC3339))
}
