package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sparing.org/internal/auth"
)

func seedReadings(t *testing.T) (*InMemory, Site, Site) {
	t.Helper()
	store := NewInMemory()
	a := store.AddSite("SITE-A", "Outfall A")
	b := store.AddSite("SITE-B", "Outfall B")
	store.AddSite("SITE-EMPTY", "Not yet reporting")
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.InsertReading(ctx, Reading{
			ID: "A" + string(rune('0'+i)), SiteID: a.ID, SiteUID: a.UID,
			Timestamp: testNow.Add(time.Duration(i) * time.Minute),
		}))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, store.InsertReading(ctx, Reading{
			ID: "B" + string(rune('0'+i)), SiteID: b.ID, SiteUID: b.UID,
			Timestamp: testNow.Add(time.Duration(i) * time.Minute),
		}))
	}
	return store, a, b
}

func TestListViewerOutsideScopeIsEmpty(t *testing.T) {
	store, _, _ := seedReadings(t)
	r := NewReader(store)
	viewer := principal(auth.RoleViewer, "SITE-A")

	page, err := r.List(context.Background(), viewer, Query{SiteUID: "SITE-B"})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
	assert.Empty(t, page.Items)
	assert.NotNil(t, page.Items)

	page, err = r.List(context.Background(), viewer, Query{SiteUID: "SITE-A"})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
}

func TestListWithoutSiteRestrictsViewer(t *testing.T) {
	store, _, _ := seedReadings(t)
	r := NewReader(store)

	page, err := r.List(context.Background(), principal(auth.RoleViewer, "SITE-B", "SITE-GONE"), Query{})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	for _, it := range page.Items {
		assert.Equal(t, "SITE-B", it.SiteUID)
	}

	page, err = r.List(context.Background(), principal(auth.RoleViewer), Query{})
	require.NoError(t, err)
	assert.Zero(t, page.Total, "viewer without sites sees nothing")

	page, err = r.List(context.Background(), principal(auth.RoleAdmin), Query{})
	require.NoError(t, err)
	assert.Equal(t, 8, page.Total)
}

func TestListUnknownSiteIsEmpty(t *testing.T) {
	store, _, _ := seedReadings(t)
	page, err := NewReader(store).List(context.Background(), principal(auth.RoleAdmin), Query{SiteUID: "SITE-X"})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestListPaginationAndOrder(t *testing.T) {
	store, _, _ := seedReadings(t)
	r := NewReader(store)
	admin := principal(auth.RoleAdmin)

	page, err := r.List(context.Background(), admin, Query{SiteUID: "SITE-A", PerPage: 2, Page: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "A2", page.Items[0].ID)
	assert.Equal(t, "A1", page.Items[1].ID)

	page, err = r.List(context.Background(), admin, Query{SiteUID: "SITE-A", PerPage: 2, Ascending: true})
	require.NoError(t, err)
	assert.Equal(t, "A0", page.Items[0].ID)

	from := testNow.Add(time.Minute)
	to := testNow.Add(3 * time.Minute)
	page, err = r.List(context.Background(), admin, Query{SiteUID: "SITE-A", From: &from, To: &to})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, DefaultPerPage, page.PerPage)
}

func TestListRejectsBadPaging(t *testing.T) {
	r := NewReader(NewInMemory())
	for _, q := range []Query{{PerPage: 501}, {PerPage: -1}, {Page: -2}} {
		_, err := r.List(context.Background(), principal(auth.RoleAdmin), q)
		require.ErrorIs(t, err, ErrInvalidQuery)
	}
}

func TestLast(t *testing.T) {
	store, _, _ := seedReadings(t)
	r := NewReader(store)
	ctx := context.Background()

	last, ok, err := r.Last(ctx, principal(auth.RoleOperator), "SITE-A")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "A4", last.ID)

	_, ok, err = r.Last(ctx, principal(auth.RoleOperator), "SITE-EMPTY")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = r.Last(ctx, principal(auth.RoleOperator), "SITE-X")
	require.ErrorIs(t, err, ErrNotFound)

	_, _, err = r.Last(ctx, principal(auth.RoleViewer, "SITE-A"), "SITE-B")
	require.ErrorIs(t, err, auth.ErrForbidden)

	_, _, err = r.Last(ctx, principal(auth.RoleViewer, "SITE-A"), "")
	require.ErrorIs(t, err, ErrInvalidQuery)
}
