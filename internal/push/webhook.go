package push

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/passl/dispatch-core/internal/orders"
)

// WebhookService forwards offers to an external broadcast gateway over HTTP.
// The gateway owns device tokens and the actual FCM/APNS fan-out.
type WebhookService struct {
	http *resty.Client
}

type webhookEnvelope struct {
	DriverIDs []string     `json:"driver_ids"`
	Payload   OfferPayload `json:"payload"`
}

type webhookRevoke struct {
	DriverIDs []string `json:"driver_ids"`
	JobID     string   `json:"job_id"`
}

func NewWebhookService(baseURL string, timeout time.Duration) *WebhookService {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &WebhookService{http: resty.New().SetBaseURL(baseURL).SetTimeout(timeout)}
}

func (s *WebhookService) BroadcastOffer(ctx context.Context, driverIDs []string, job orders.Job) error {
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(webhookEnvelope{DriverIDs: driverIDs, Payload: NewOfferPayload(job)}).
		Post("/broadcast")
	if err != nil {
		return fmt.Errorf("broadcast offer for job %s: %w", job.ID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("broadcast offer for job %s: gateway returned %s", job.ID, resp.Status())
	}
	return nil
}

func (s *WebhookService) RevokeOffer(ctx context.Context, driverIDs []string, jobID string) error {
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(webhookRevoke{DriverIDs: driverIDs, JobID: jobID}).
		Post("/revoke")
	if err != nil {
		return fmt.Errorf("revoke offer for job %s: %w", jobID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("revoke offer for job %s: gateway returned %s", jobID, resp.Status())
	}
	return nil
}
