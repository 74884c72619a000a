package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beacon/internal/registry/memory"
	"beacon/internal/site/digest"
	"beacon/internal/site/models"
	id "beacon/pkg/domain"
	dErrors "beacon/pkg/domain-errors"
	"beacon/pkg/platform/sentinel"
	"beacon/pkg/testutil"
)

func TestLoadSite(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown site is not found", func(t *testing.T) {
		reg := memory.New()
		_, err := reg.LoadSite(ctx, testutil.TestIDs.SiteID1)
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	t.Run("seeded structure is hashed", func(t *testing.T) {
		reg := memory.New()
		events := []models.EventDef{testutil.ReplacingEvent(1, "status")}
		seed := testutil.NewSiteBuilder().WithID(testutil.TestIDs.SiteID1).
			WithUser(2, "bob").WithUser(1, "alice").
			WithService(1, "alpha.local").
			WithEvents(events...).Build()
		reg.PutSite(seed)

		snap, err := reg.LoadSite(ctx, testutil.TestIDs.SiteID1)
		require.NoError(t, err)
		assert.Equal(t, digest.Of(events), snap.Site.StructureHash)
		require.Len(t, snap.Roster.Users, 2)
		assert.Equal(t, id.UserID(1), snap.Roster.Users[0].ID)
		assert.True(t, snap.Roster.Users[0].Confirmed)
		assert.Len(t, snap.Services, 1)
	})

	t.Run("history is ordered by event then id", func(t *testing.T) {
		reg := memory.New()
		reg.PutSite(testutil.NewSiteBuilder().WithID(testutil.TestIDs.SiteID1).
			WithService(1, "alpha.local").
			WithEvents(
				testutil.QueueingEvent(2, "jobs", 5, 0),
				testutil.QueueingEvent(1, "alerts", 5, 0),
			).Build())
		for _, event := range []id.EventID{2, 1, 2} {
			_, err := reg.InsertEventInstance(ctx, testutil.TestIDs.SiteID1, models.Instance{Event: event, Service: 1})
			require.NoError(t, err)
		}

		snap, err := reg.LoadSite(ctx, testutil.TestIDs.SiteID1)
		require.NoError(t, err)
		require.Len(t, snap.History, 3)
		assert.Equal(t, id.EventID(1), snap.History[0].Event)
		assert.Equal(t, id.InstanceID(1), snap.History[1].ID)
		assert.Equal(t, id.InstanceID(2), snap.History[2].ID)
	})

	t.Run("injected failure is returned once", func(t *testing.T) {
		reg := memory.New()
		reg.PutSite(testutil.NewSiteBuilder().WithID(testutil.TestIDs.SiteID1).Build())
		boom := errors.New("connection reset")
		reg.FailNext("LoadSite", boom)

		_, err := reg.LoadSite(ctx, testutil.TestIDs.SiteID1)
		assert.ErrorIs(t, err, boom)
		_, err = reg.LoadSite(ctx, testutil.TestIDs.SiteID1)
		assert.NoError(t, err)
	})
}

func TestSubmitStructure(t *testing.T) {
	ctx := context.Background()
	structure := models.Structure{Events: []models.EventDef{testutil.QueueingEvent(1, "jobs", 3, time.Minute)}}

	newBlank := func() *memory.Registry {
		reg := memory.New()
		reg.PutSite(testutil.NewSiteBuilder().WithID(testutil.TestIDs.SiteID1).
			WithKind(models.KindSingleService).
			WithService(1, "alpha.local").Build())
		return reg
	}

	t.Run("first structure is accepted", func(t *testing.T) {
		reg := newBlank()
		hash, err := reg.SubmitStructure(ctx, testutil.TestIDs.SiteID1, 1, structure)
		require.NoError(t, err)
		assert.Equal(t, digest.Of(structure.Events), hash)

		info, err := reg.FetchSite(ctx, testutil.TestIDs.SiteID1)
		require.NoError(t, err)
		assert.True(t, info.HasStructure())
	})

	t.Run("second structure conflicts", func(t *testing.T) {
		reg := newBlank()
		_, err := reg.SubmitStructure(ctx, testutil.TestIDs.SiteID1, 1, structure)
		require.NoError(t, err)
		_, err = reg.SubmitStructure(ctx, testutil.TestIDs.SiteID1, 1, structure)
		assert.ErrorIs(t, err, sentinel.ErrConflict)
	})

	t.Run("unknown service", func(t *testing.T) {
		reg := newBlank()
		_, err := reg.SubmitStructure(ctx, testutil.TestIDs.SiteID1, 9, structure)
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	t.Run("duplicate event ids are rejected", func(t *testing.T) {
		reg := newBlank()
		bad := models.Structure{Events: []models.EventDef{
			testutil.PrivateEvent(1, "a"),
			testutil.PrivateEvent(1, "b"),
		}}
		_, err := reg.SubmitStructure(ctx, testutil.TestIDs.SiteID1, 1, bad)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})
}

func TestEventInstances(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	reg := memory.New(memory.WithClock(clk))
	reg.PutSite(testutil.NewSiteBuilder().WithID(testutil.TestIDs.SiteID1).
		WithService(1, "alpha.local").
		WithEvents(testutil.ReplacingEvent(1, "status")).Build())
	siteID := testutil.TestIDs.SiteID1

	first, err := reg.ReplaceEventInstance(ctx, siteID, 0, models.Instance{Event: 1, Service: 1, Args: []byte("a")})
	require.NoError(t, err)
	assert.Equal(t, id.InstanceID(1), first.ID)
	assert.Equal(t, clk.Now(), first.CreatedAt)

	second, err := reg.ReplaceEventInstance(ctx, siteID, first.ID, models.Instance{Event: 1, Service: 1, Args: []byte("b")})
	require.NoError(t, err)
	assert.Equal(t, id.InstanceID(2), second.ID, "ids are never reused")

	stored := reg.Instances(siteID, 1)
	require.Len(t, stored, 1)
	assert.Equal(t, []byte("b"), stored[0].Args)

	_, err = reg.InsertEventInstance(ctx, siteID, models.Instance{Event: 7, Service: 1})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeDataIntegrity))

	require.NoError(t, reg.DeleteEventInstance(ctx, siteID, 1, second.ID))
	assert.Empty(t, reg.Instances(siteID, 1))
}

func TestMutationHelpers(t *testing.T) {
	ctx := context.Background()
	reg := memory.New()
	siteID := testutil.TestIDs.SiteID1
	reg.PutSite(testutil.NewSiteBuilder().WithID(siteID).WithService(1, "alpha.local").Build())

	require.NoError(t, reg.PutUser(siteID, models.MUser{ID: 4, Name: "dana", Enabled: true}))
	u, err := reg.FetchUser(ctx, siteID, 4)
	require.NoError(t, err)
	assert.True(t, u.Confirmed)

	require.NoError(t, reg.DeleteUser(siteID, 4))
	_, err = reg.FetchUser(ctx, siteID, 4)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)

	require.NoError(t, reg.UpdateServiceHostname(ctx, siteID, 1, "alpha.internal", "2.0"))
	svc, err := reg.FetchService(ctx, siteID, 1)
	require.NoError(t, err)
	assert.Equal(t, "alpha.internal", svc.Hostname)
	assert.Equal(t, "2.0", svc.Version)

	require.NoError(t, reg.SetEligible(siteID, true))
	eligible, err := reg.IsResidencyEligible(ctx, siteID)
	require.NoError(t, err)
	assert.True(t, eligible)

	assert.ErrorIs(t, reg.SetSiteEnabled(testutil.TestIDs.SiteID2, false), sentinel.ErrNotFound)
}
