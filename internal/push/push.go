// Package push is the narrow interface to the offer notification transport.
// The core never learns how a device token turns into a notification.
package push

import (
	"context"

	"github.com/passl/dispatch-core/internal/geo"
	"github.com/passl/dispatch-core/internal/logger"
	"github.com/passl/dispatch-core/internal/orders"
)

// OfferPayload is the wire shape of a job offer.
type OfferPayload struct {
	Type        string    `json:"type"`
	JobID       string    `json:"job_id"`
	NumOrders   int       `json:"num_orders"`
	PickupCoord geo.Coord `json:"pickup_coord"`
}

const TypeNewJobOffer = "NEW_JOB_OFFER"

// NewOfferPayload builds the broadcast payload for a job.
func NewOfferPayload(job orders.Job) OfferPayload {
	return OfferPayload{
		Type:        TypeNewJobOffer,
		JobID:       job.ID,
		NumOrders:   len(job.OrderIDs),
		PickupCoord: job.PickupCoord(),
	}
}

// Service broadcasts offers to drivers. Implementations must tolerate
// concurrent calls from many dispatcher tasks.
type Service interface {
	BroadcastOffer(ctx context.Context, driverIDs []string, job orders.Job) error
	RevokeOffer(ctx context.Context, driverIDs []string, jobID string) error
}

// LogService records offers without sending anything. It stands in for the
// real transport in development and simulations.
type LogService struct {
	Log logger.Logger
}

func (s *LogService) BroadcastOffer(_ context.Context, driverIDs []string, job orders.Job) error {
	s.Log.Info("offer broadcast",
		logger.Field{Key: "job_id", Value: job.ID},
		logger.Field{Key: "num_orders", Value: len(job.OrderIDs)},
		logger.Field{Key: "drivers", Value: len(driverIDs)})
	return nil
}

func (s *LogService) RevokeOffer(_ context.Context, driverIDs []string, jobID string) error {
	s.Log.Info("offer revoked",
		logger.Field{Key: "job_id", Value: jobID},
		logger.Field{Key: "drivers", Value: len(driverIDs)})
	return nil
}
