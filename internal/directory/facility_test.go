package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"accident-alert/internal/config"
	"accident-alert/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// 伦敦附近的兜底医疗机构
var londonFallback = []config.FallbackFacility{
	{Name: "St Thomas", PhoneNumber: "+442071887188", Latitude: 51.4980, Longitude: -0.1185},
	{Name: "Royal London", PhoneNumber: "+442073777000", Latitude: 51.5186, Longitude: -0.0590},
	{Name: "Oxford JR", PhoneNumber: "+441865741166", Latitude: 51.7640, Longitude: -1.2195},
}

func TestFacilityClient_RemoteSearch(t *testing.T) {
	var gotQuery atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/facilities", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		gotQuery.Store(r.URL.RawQuery)
		json.NewEncoder(w).Encode(facilitySearchResponse{Facilities: []models.Facility{
			{Name: "Far", PhoneNumber: "+3", DistanceKm: 12},
			{Name: "Near", PhoneNumber: "+1", DistanceKm: 0.8},
			{Name: "No phone", DistanceKm: 1},
			{Name: "Outside", PhoneNumber: "+9", DistanceKm: 40},
		}})
	}))
	defer server.Close()

	c := NewFacilityClient(FacilityClientConfig{
		SearchURL: server.URL,
		APIKey:    "secret",
		Timeout:   time.Second,
	}, zap.NewNop())

	facilities, err := c.ListFacilities(context.Background(), 51.5, -0.12, 20)
	require.NoError(t, err)
	require.Len(t, facilities, 2)
	assert.Equal(t, "Near", facilities[0].Name)
	assert.Equal(t, "Far", facilities[1].Name)
	assert.Contains(t, gotQuery.Load().(string), "radius_km=20")
}

func TestFacilityClient_FallbackWhenNotConfigured(t *testing.T) {
	c := NewFacilityClient(FacilityClientConfig{Fallback: londonFallback}, zap.NewNop())

	facilities, err := c.ListFacilities(context.Background(), 51.5007, -0.1246, 20)
	require.NoError(t, err)
	require.Len(t, facilities, 2)
	assert.Equal(t, "St Thomas", facilities[0].Name)
	assert.Less(t, facilities[0].DistanceKm, facilities[1].DistanceKm)
}

func TestFacilityClient_BreakerOpensAndFallsBack(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewFacilityClient(FacilityClientConfig{
		SearchURL:       server.URL,
		Timeout:         time.Second,
		BreakerFailures: 2,
		BreakerTimeout:  time.Minute,
		Fallback:        londonFallback,
	}, zap.NewNop())

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		facilities, err := c.ListFacilities(ctx, 51.5007, -0.1246, 20)
		require.NoError(t, err)
		assert.Len(t, facilities, 2)
	}
	before := atomic.LoadInt32(&hits)
	require.Greater(t, before, int32(0))

	// 熔断打开后不再请求远程服务
	facilities, err := c.ListFacilities(ctx, 51.5007, -0.1246, 20)
	require.NoError(t, err)
	assert.Len(t, facilities, 2)
	assert.Equal(t, before, atomic.LoadInt32(&hits))
}

func TestProvider(t *testing.T) {
	p := NewProvider(
		NewMemoryContacts([]models.Contact{{Name: "Alice", PhoneNumber: "+100", Priority: 1, Active: true}}),
		NewFacilityClient(FacilityClientConfig{Fallback: londonFallback}, zap.NewNop()),
	)

	contacts, err := p.ListActiveContacts(context.Background())
	require.NoError(t, err)
	assert.Len(t, contacts, 1)

	facilities, err := p.ListFacilities(context.Background(), 51.76, -1.22, 5)
	require.NoError(t, err)
	require.Len(t, facilities, 1)
	assert.Equal(t, "Oxford JR", facilities[0].Name)

	empty := NewProvider(nil, nil)
	contacts, err = empty.ListActiveContacts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, contacts)
}
