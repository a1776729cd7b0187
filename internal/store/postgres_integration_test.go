//go:build postgres_integration

package store

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driverlink/internal/model"
)

func TestPostgresLedgerRoundTrip(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}
	s, err := NewPostgres(dsn)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Ping(t.Context()))
	require.NoError(t, s.Migrate(t.Context()))

	id := "it-" + time.Now().Format("150405.000000")
	require.NoError(t, s.RecordOffer(t.Context(), model.OfferRecord{OfferID: id, Status: model.OfferExpired, Source: model.SourcePoll, ResolvedAt: time.Now()}))
	ids, err := s.TerminalOffers(t.Context(), time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Contains(t, ids, id)
	_, err = s.PruneOffers(t.Context(), time.Now().Add(time.Minute))
	require.NoError(t, err)
}
