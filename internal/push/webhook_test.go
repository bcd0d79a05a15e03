package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/passl/dispatch-core/internal/geo"
	"github.com/passl/dispatch-core/internal/orders"
)

func offerJob(t *testing.T) orders.Job {
	t.Helper()
	o := orders.Order{
		ID:       "o1",
		PickupID: "r1",
		Pickup:   geo.Coord{Lon: 31.2, Lat: 30.0},
		Dropoff:  geo.Coord{Lon: 31.3, Lat: 30.1},
	}
	job, err := orders.NewJob([]string{o.ID}, []orders.Stop{orders.PickupStop(o), orders.DropoffStop(o)})
	require.NoError(t, err)
	return job
}

func TestWebhookBroadcastOffer(t *testing.T) {
	var got webhookEnvelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/broadcast", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc := NewWebhookService(srv.URL, time.Second)
	job := offerJob(t)
	require.NoError(t, svc.BroadcastOffer(context.Background(), []string{"d1", "d2"}, job))

	assert.Equal(t, []string{"d1", "d2"}, got.DriverIDs)
	assert.Equal(t, TypeNewJobOffer, got.Payload.Type)
	assert.Equal(t, job.ID, got.Payload.JobID)
	assert.Equal(t, 1, got.Payload.NumOrders)
	assert.Equal(t, job.PickupCoord(), got.Payload.PickupCoord)
}

func TestWebhookRevokeOffer(t *testing.T) {
	var got webhookRevoke
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/revoke", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc := NewWebhookService(srv.URL, time.Second)
	require.NoError(t, svc.RevokeOffer(context.Background(), []string{"d1"}, "job-1"))
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, []string{"d1"}, got.DriverIDs)
}

func TestWebhookGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	svc := NewWebhookService(srv.URL, time.Second)
	err := svc.BroadcastOffer(context.Background(), []string{"d1"}, offerJob(t))
	assert.Error(t, err)
	assert.Error(t, svc.RevokeOffer(context.Background(), []string{"d1"}, "job-1"))
}

func TestWebhookGatewayUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	svc := NewWebhookService(srv.URL, time.Second)
	srv.Close()

	err := svc.BroadcastOffer(context.Background(), []string{"d1"}, offerJob(t))
	assert.Error(t, err)
}
