package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollRidesSendsDriverIDAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/rides/driver/poll-rides", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "d1", req["driver_id"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"success":true,"driverStatus":"on_ride","rides":[
			{"rideRequestId":"R1","pickup_desc":"a","drop_desc":"b","price":"99","retryCount":1,"createdAt":"2026-01-01T00:00:00Z"}]}`)
	}))
	defer srv.Close()

	c := New(srv.URL+"/", WithTokenSource(StaticToken("tok")))
	resp, err := c.PollRides(context.Background(), "d1")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, DriverOnRide, resp.DriverStatus)
	require.Len(t, resp.Rides, 1)
	assert.Equal(t, "R1", resp.Rides[0].ID())
	assert.Equal(t, 99.0, float64(resp.Rides[0].Price))
}

func TestNon2xxBecomesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"message":"Ride has already been accepted"}`)
	}))
	defer srv.Close()

	err := New(srv.URL).AcceptFallback(context.Background(), "R 1", "u1")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "Ride has already been accepted", apiErr.Message)
	assert.Equal(t, "/api/v1/rider/rider-end-fallback/R%201", apiErr.Path)
	assert.False(t, apiErr.Temporary())
	assert.False(t, apiErr.Unauthorized())
}

func TestErrorMessageFallbacks(t *testing.T) {
	assert.Equal(t, "bad", errorMessage([]byte(`{"error":"bad"}`)))
	assert.Equal(t, "detail", errorMessage([]byte(`{"title":"t","detail":"detail"}`)))
	assert.Equal(t, "gateway down", errorMessage([]byte("gateway down\n")))
}

func TestUnauthorizedUserDetails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/rider/user-details", r.URL.Path)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := New(srv.URL).UserDetails(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.Unauthorized())
}

func TestSendNotificationIsSigned(t *testing.T) {
	const secret = "s3cret"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.True(t, Verify(secret, body, r.Header.Get("X-Signature")))
		assert.Contains(t, r.Header.Get("User-Agent"), "driverlink/")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL, WithSigningSecret(secret))
	require.NoError(t, c.SendNotification(context.Background(), Notification{Token: "t", Title: "x", Body: "y"}))
}

func TestLocationIsNotSigned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("X-Signature"))
		assert.Equal(t, "/webhook/cab-receive-location", r.URL.Path)
	}))
	defer srv.Close()
	require.NoError(t, New(srv.URL, WithSigningSecret("s")).PostLocation(context.Background(), Location{Latitude: 1, Longitude: 2}))
}

func TestVerifyRejectsGarbage(t *testing.T) {
	assert.False(t, Verify("k", []byte("x"), "zz"))
	assert.True(t, Verify("k", []byte("x"), Sign("k", []byte("x"))))
}
