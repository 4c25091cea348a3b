package directory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type Status string

const (
	StatusOnline  Status = "ONLINE"
	StatusOffline Status = "OFFLINE"
)

var ErrEndpointNotFound = errors.New("endpoint not found")

// Endpoint is a controllable device. ID is the control-channel serial, Alias the
// human-friendly name tasks are addressed to.
type Endpoint struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Alias     string    `gorm:"uniqueIndex" json:"alias"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Status    Status    `gorm:"index" json:"status"`
	Model     string    `json:"model,omitempty"`
	FocusX    int       `json:"focus_x,omitempty"`
	FocusY    int       `json:"focus_y,omitempty"`
	LastSeen  time.Time `json:"last_seen"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Endpoint) TableName() string { return "devices" }

type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the SQLite directory and migrates the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open directory: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open directory: %w", err)
	}
	// sqlite allows a single writer; one connection also keeps ":memory:" databases shared.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Endpoint{}); err != nil {
		return nil, fmt.Errorf("migrate directory: %w", err)
	}
	log.Printf("📒 Directory opened at %s", path)
	return &Store{db: db}, nil
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) ListOnline(ctx context.Context) ([]Endpoint, error) {
	var out []Endpoint
	err := s.db.WithContext(ctx).
		Where("status = ?", StatusOnline).
		Order("alias").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list online endpoints: %w", err)
	}
	return out, nil
}

func (s *Store) List(ctx context.Context) ([]Endpoint, error) {
	var out []Endpoint
	if err := s.db.WithContext(ctx).Order("alias").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Endpoint, error) {
	return s.first(ctx, "id = ?", id)
}

func (s *Store) GetByAlias(ctx context.Context, alias string) (*Endpoint, error) {
	return s.first(ctx, "alias = ?", alias)
}

func (s *Store) first(ctx context.Context, query string, arg string) (*Endpoint, error) {
	var ep Endpoint
	err := s.db.WithContext(ctx).Where(query, arg).First(&ep).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrEndpointNotFound, arg)
	}
	if err != nil {
		return nil, err
	}
	return &ep, nil
}

// Upsert inserts endpoints or updates every mutable column of existing ones.
func (s *Store) Upsert(ctx context.Context, endpoints ...Endpoint) error {
	if len(endpoints) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"alias", "width", "height", "status", "model", "focus_x", "focus_y", "last_seen", "updated_at"}),
	}).Create(&endpoints).Error
	if err != nil {
		return fmt.Errorf("upsert endpoints: %w", err)
	}
	return nil
}

// SetStatus records a status transition and stamps LastSeen.
func (s *Store) SetStatus(ctx context.Context, id string, status Status) error {
	res := s.db.WithContext(ctx).Model(&Endpoint{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "last_seen": time.Now()})
	if res.Error != nil {
		return fmt.Errorf("set status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrEndpointNotFound, id)
	}
	return nil
}

// SetFocus stores the point tapped to focus the message field, in base-resolution coordinates.
func (s *Store) SetFocus(ctx context.Context, id string, x, y int) error {
	res := s.db.WithContext(ctx).Model(&Endpoint{}).
		Where("id = ?", id).
		Updates(map[string]any{"focus_x": x, "focus_y": y})
	if res.Error != nil {
		return fmt.Errorf("set focus: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrEndpointNotFound, id)
	}
	return nil
}
