package service

import (
	"context"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beacon/internal/registry/memory"
	"beacon/internal/site/models"
	id "beacon/pkg/domain"
	tu "beacon/pkg/testutil"
)

func newTestTracker(t *testing.T) (*Tracker, *memory.Registry) {
	t.Helper()
	clk := clock.NewMock()
	reg := memory.New(memory.WithClock(clk))
	tracker := NewTracker(reg, WithClock(clk))
	t.Cleanup(tracker.Terminate)
	return tracker, reg
}

func TestConcurrentAcquireSharesOneSite(t *testing.T) {
	tracker, reg := newTestTracker(t)
	siteID := id.SiteID(uuid.New())
	reg.PutSite(seed(siteID, models.KindMultiService, true, structure()))

	var (
		mu   sync.Mutex
		seen = map[*Site]struct{}{}
	)
	res := tu.RunConcurrent(16, func(int) error {
		s, err := tracker.Acquire(context.Background(), siteID)
		if err != nil {
			return err
		}
		mu.Lock()
		seen[s] = struct{}{}
		mu.Unlock()
		return nil
	})

	assert.Equal(t, int32(16), res.Successes)
	assert.Len(t, seen, 1)
	assert.Equal(t, 1, tracker.Resident())
}

func TestAcquireUnknownSiteIsNotFound(t *testing.T) {
	tracker, _ := newTestTracker(t)
	res := tu.RunConcurrent(1, func(int) error {
		_, err := tracker.Acquire(context.Background(), id.SiteID(uuid.New()))
		return err
	})
	assert.Equal(t, int32(1), res.NotFounds)
	assert.Zero(t, tracker.Resident())
}

func TestStatusesAreOrderedByUID(t *testing.T) {
	tracker, reg := newTestTracker(t)
	for _, uid := range []string{"zulu", "alpha", "mike"} {
		s := seed(id.SiteID(uuid.New()), models.KindMultiService, false, structure())
		s.Info.UID = uid
		reg.PutSite(s)
		_, err := tracker.Acquire(context.Background(), s.Info.ID)
		require.NoError(t, err)
	}

	statuses := tracker.Statuses()
	require.Len(t, statuses, 3)
	assert.Equal(t, "alpha", statuses[0].UID)
	assert.Equal(t, "mike", statuses[1].UID)
	assert.Equal(t, "zulu", statuses[2].UID)
	for _, st := range statuses {
		assert.Equal(t, models.StateRunning, st.State)
		assert.Equal(t, 2, st.Services)
	}
}

func TestShutdownNotifiesEveryEndpoint(t *testing.T) {
	tracker, reg := newTestTracker(t)
	siteID := id.SiteID(uuid.New())
	reg.PutSite(seed(siteID, models.KindMultiService, true, structure()))
	site, err := tracker.Acquire(context.Background(), siteID)
	require.NoError(t, err)

	inst := newInstaller()
	site.InstallClient(clientHello(1, 7), inst)

	tracker.Shutdown()

	_, _, code := inst.state()
	assert.Equal(t, models.CodeServerShutdown, code)
	assert.Equal(t, models.StateCompleted, site.State())
	assert.Zero(t, tracker.Resident())
}
