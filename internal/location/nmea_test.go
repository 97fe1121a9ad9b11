package location

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"accident-alert/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func sentence(body string) string {
	return fmt.Sprintf("$%s*%02X", body, nmeaChecksum(body))
}

func TestParseNMEA_RMC(t *testing.T) {
	s, err := ParseNMEA(sentence("GPRMC,123519.50,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W"))
	require.NoError(t, err)

	rmc, ok := s.(*RMC)
	require.True(t, ok)
	assert.True(t, rmc.Valid)
	assert.InDelta(t, 48.1173, rmc.Latitude, 1e-4)
	assert.InDelta(t, 11.516667, rmc.Longitude, 1e-4)
	assert.Equal(t, time.Date(1994, 3, 23, 12, 35, 19, 500000000, time.UTC), rmc.Time)
}

func TestParseNMEA_GGASouthWest(t *testing.T) {
	s, err := ParseNMEA(sentence("GNGGA,123519,3352.128,S,15112.558,W,1,08,0.9,545.4,M,46.9,M,,"))
	require.NoError(t, err)

	gga, ok := s.(*GGA)
	require.True(t, ok)
	assert.Equal(t, 1, gga.Quality)
	assert.Equal(t, 8, gga.Satellites)
	assert.Equal(t, 0.9, gga.HDOP)
	assert.InDelta(t, -33.8688, gga.Latitude, 1e-4)
	assert.InDelta(t, -151.2093, gga.Longitude, 1e-4)
}

func TestParseNMEA_Errors(t *testing.T) {
	_, err := ParseNMEA("$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*00")
	assert.ErrorIs(t, err, ErrNMEAChecksum)

	_, err = ParseNMEA(sentence("GPGSV,3,1,11,03,03,111,00"))
	assert.ErrorIs(t, err, ErrNMEAUnsupported)

	_, err = ParseNMEA("garbage")
	assert.ErrorIs(t, err, ErrNMEAMalformed)

	_, err = ParseNMEA(sentence("GPRMC,123519,A,48,N"))
	assert.ErrorIs(t, err, ErrNMEAMalformed)
}

type recordingSink struct {
	fixes []models.LocationFix
}

func (s *recordingSink) OnFix(fix models.LocationFix) bool {
	s.fixes = append(s.fixes, fix)
	return true
}

func TestSerialGPS_UsesHDOPForAccuracy(t *testing.T) {
	stream := strings.Join([]string{
		sentence("GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W"),
		sentence("GPGGA,123520,4807.038,N,01131.000,E,1,08,1.2,545.4,M,46.9,M,,"),
		sentence("GPRMC,123520,A,4807.040,N,01131.000,E,022.4,084.4,230394,003.1,W"),
		sentence("GPRMC,123521,V,,,,,,,230394,,"),
		"noise",
	}, "\r\n")

	sink := &recordingSink{}
	rx := NewSerialGPS(io.NopCloser(strings.NewReader(stream)), sink, zap.NewNop())
	require.NoError(t, rx.Run(context.Background()))

	require.Len(t, sink.fixes, 2)
	assert.Equal(t, defaultAccuracyMeters, sink.fixes[0].AccuracyMeters)
	assert.InDelta(t, 6.0, sink.fixes[1].AccuracyMeters, 1e-9)
	assert.Equal(t, models.LocationSourcePrimary, sink.fixes[1].Source)
}
