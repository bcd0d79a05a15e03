// Package store persists orders, jobs and drivers. The core operates on
// value copies; this package only exposes a narrow command surface
// (save order, save job, update driver, try claim job) instead of a repository.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/passl/dispatch-core/internal/drivers"
	"github.com/passl/dispatch-core/internal/geo"
	"github.com/passl/dispatch-core/internal/orders"
)

// OrderRecord is the persisted order row.
type OrderRecord struct {
	ID         string `gorm:"primaryKey"`
	PickupID   string `gorm:"index"`
	PickupLon  float64
	PickupLat  float64
	DropoffLon float64
	DropoffLat float64
	Status     string `gorm:"index"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// JobRecord is the persisted job row. AssignedDriverID doubles as the claim
// column: the conditional update in TryClaimJob only succeeds while it is
// NULL.
type JobRecord struct {
	ID               string `gorm:"primaryKey"`
	JobType          string
	OrderIDs         string // json-encoded []string
	Stops            string // json-encoded []orders.Stop
	TotalTimeSeconds float64
	DetourFactor     float64
	AssignedDriverID *string `gorm:"index"`
	Abandoned        bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DriverRecord is the persisted courier row.
type DriverRecord struct {
	ID          string `gorm:"primaryKey"`
	Lon         float64
	Lat         float64
	Status      string `gorm:"index"`
	MaxCapacity int
	PushToken   string
	UpdatedAt   time.Time
}

// Store wraps the gorm handle behind the command surface the core uses.
type Store struct {
	db *gorm.DB
}

// Open connects to the sqlite database at dsn and migrates the schema.
// ":memory:" gives tests a throwaway store.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.AutoMigrate(&OrderRecord{}, &JobRecord{}, &DriverRecord{}); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return &Store{db: db}, nil
}

// SaveOrder upserts the order row.
func (s *Store) SaveOrder(ctx context.Context, o orders.Order) error {
	rec := OrderRecord{
		ID:         o.ID,
		PickupID:   o.PickupID,
		PickupLon:  o.Pickup.Lon,
		PickupLat:  o.Pickup.Lat,
		DropoffLon: o.Dropoff.Lon,
		DropoffLat: o.Dropoff.Lat,
		Status:     string(o.Status),
		CreatedAt:  o.CreatedAt,
	}
	return s.db.WithContext(ctx).Save(&rec).Error
}

// UpdateOrderStatus moves an order through its lifecycle.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID string, status orders.Status) error {
	return s.db.WithContext(ctx).
		Model(&OrderRecord{}).
		Where("id = ?", orderID).
		Update("status", string(status)).Error
}

// OrderStatus reports the persisted lifecycle state of one order.
func (s *Store) OrderStatus(ctx context.Context, orderID string) (orders.Status, error) {
	var rec OrderRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", orderID).Error; err != nil {
		return "", err
	}
	return orders.Status(rec.Status), nil
}

// SaveJob upserts the job row.
func (s *Store) SaveJob(ctx context.Context, j orders.Job) error {
	orderIDs, err := json.Marshal(j.OrderIDs)
	if err != nil {
		return fmt.Errorf("encode job %s order ids: %w", j.ID, err)
	}
	stops, err := json.Marshal(j.Stops)
	if err != nil {
		return fmt.Errorf("encode job %s stops: %w", j.ID, err)
	}
	rec := JobRecord{
		ID:               j.ID,
		JobType:          string(j.JobType),
		OrderIDs:         string(orderIDs),
		Stops:            string(stops),
		TotalTimeSeconds: j.TotalTimeSeconds,
		DetourFactor:     j.DetourFactor,
		CreatedAt:        j.CreatedAt,
	}
	return s.db.WithContext(ctx).Save(&rec).Error
}

// TryClaimJob atomically assigns driverID to jobID iff no driver holds it.
// This is the persistence commit behind acceptance resolution: the WHERE
// clause makes concurrent claims race on a single conditional update.
func (s *Store) TryClaimJob(ctx context.Context, jobID, driverID string) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&JobRecord{}).
		Where("id = ? AND assigned_driver_id IS NULL", jobID).
		Update("assigned_driver_id", driverID)
	if res.Error != nil {
		return false, fmt.Errorf("claim job %s: %w", jobID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// MarkJobAbandoned flags a job no driver accepted in time.
func (s *Store) MarkJobAbandoned(ctx context.Context, jobID string) error {
	return s.db.WithContext(ctx).
		Model(&JobRecord{}).
		Where("id = ?", jobID).
		Update("abandoned", true).Error
}

// JobAssignee returns the driver holding jobID, or "" when unassigned.
func (s *Store) JobAssignee(ctx context.Context, jobID string) (string, error) {
	var rec JobRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", jobID).Error; err != nil {
		return "", err
	}
	if rec.AssignedDriverID == nil {
		return "", nil
	}
	return *rec.AssignedDriverID, nil
}

// UpdateDriver upserts the courier row.
func (s *Store) UpdateDriver(ctx context.Context, d drivers.Driver) error {
	rec := DriverRecord{
		ID:          d.ID,
		Lon:         d.Location.Lon,
		Lat:         d.Location.Lat,
		Status:      string(d.Status),
		MaxCapacity: d.MaxCapacity,
		PushToken:   d.PushToken,
	}
	return s.db.WithContext(ctx).Save(&rec).Error
}

// GetDriver loads one courier snapshot.
func (s *Store) GetDriver(ctx context.Context, driverID string) (drivers.Driver, error) {
	var rec DriverRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", driverID).Error; err != nil {
		return drivers.Driver{}, err
	}
	return recordToDriver(rec), nil
}

// OnlineDrivers returns the snapshot of couriers the dispatcher offers to.
func (s *Store) OnlineDrivers(ctx context.Context) ([]drivers.Driver, error) {
	var recs []DriverRecord
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{
			string(drivers.StatusAvailable),
			string(drivers.StatusTransitToCollect),
		}).
		Order("id").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]drivers.Driver, len(recs))
	for i, rec := range recs {
		out[i] = recordToDriver(rec)
	}
	return out, nil
}

func recordToDriver(rec DriverRecord) drivers.Driver {
	return drivers.Driver{
		ID:          rec.ID,
		Location:    geo.Coord{Lon: rec.Lon, Lat: rec.Lat},
		Status:      drivers.DriverStatus(rec.Status),
		MaxCapacity: rec.MaxCapacity,
		PushToken:   rec.PushToken,
	}
}
