package profile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crumbgate/crumbgate/config"
	"github.com/crumbgate/crumbgate/errs"
	"github.com/crumbgate/crumbgate/internal/schema"
)

func cookie(name, value string) schema.Cookie {
	return schema.Cookie{Name: name, Value: value, Domain: "example.com", Path: "/"}
}

func TestMemoryStoreSaveGetRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	snap := Snapshot{
		Domain:  "example.com",
		Name:    "logged-in",
		Cookies: []schema.Cookie{cookie("sid", "abc"), cookie("theme", "dark")},
		SavedAt: time.Now(),
	}
	require.NoError(t, store.SaveProfile(ctx, snap))

	got, err := store.GetProfile(ctx, "example.com", "logged-in")
	require.NoError(t, err)
	require.Equal(t, snap.Cookies, got.Cookies)

	// Domains normalize, so ".example.com" resolves the same bucket.
	got, err = store.GetProfile(ctx, ".example.com", "logged-in")
	require.NoError(t, err)
	require.Equal(t, "logged-in", got.Name)
}

func TestMemoryStoreGetMissingProfile(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.GetProfile(context.Background(), "example.com", "nope")
	require.True(t, errs.IsCode(err, errs.CodeNotFound))
}

func TestMemoryStoreListSorted(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, store.SaveProfile(ctx, Snapshot{Domain: "example.com", Name: name}))
	}
	names, err := store.ListProfiles(ctx, "example.com")
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "mid", "zeta"}, names)
}

func TestMemoryStoreRename(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.SaveProfile(ctx, Snapshot{Domain: "example.com", Name: "old", Cookies: []schema.Cookie{cookie("sid", "abc")}}))
	require.NoError(t, store.SetMetadata(ctx, "example.com", Metadata{LastLoadedName: "old"}))

	require.NoError(t, store.RenameProfile(ctx, "example.com", "old", "new"))

	_, err := store.GetProfile(ctx, "example.com", "old")
	require.True(t, errs.IsCode(err, errs.CodeNotFound))
	got, err := store.GetProfile(ctx, "example.com", "new")
	require.NoError(t, err)
	require.Equal(t, "new", got.Name)

	// Metadata follows the rename.
	meta, err := store.GetMetadata(ctx, "example.com")
	require.NoError(t, err)
	require.Equal(t, "new", meta.LastLoadedName)
}

func TestMemoryStoreRenameConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.SaveProfile(ctx, Snapshot{Domain: "example.com", Name: "a"}))
	require.NoError(t, store.SaveProfile(ctx, Snapshot{Domain: "example.com", Name: "b"}))
	err := store.RenameProfile(ctx, "example.com", "a", "b")
	require.True(t, errs.IsCode(err, errs.CodeConflict))
}

func TestMemoryStoreDeleteClearsLoadedMetadata(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.SaveProfile(ctx, Snapshot{Domain: "example.com", Name: "p"}))
	require.NoError(t, store.SetMetadata(ctx, "example.com", Metadata{LastLoadedName: "p", ModifiedSinceLoad: true}))

	require.NoError(t, store.DeleteProfile(ctx, "example.com", "p"))
	meta, err := store.GetMetadata(ctx, "example.com")
	require.NoError(t, err)
	require.Equal(t, Metadata{}, meta)
}

func driftConfig() config.DriftConfig {
	return config.DriftConfig{MinInterval: 3 * time.Second}
}

func TestDriftDetectorNoLoadedProfile(t *testing.T) {
	store := NewMemoryStore()
	det := NewDriftDetector(store, driftConfig(), time.Now)
	modified, checked, err := det.Check(context.Background(), "example.com", schema.NewSet(nil))
	require.NoError(t, err)
	require.False(t, modified)
	require.False(t, checked)
}

func TestDriftDetectorValueChangeIsDrift(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }
	det := NewDriftDetector(store, driftConfig(), clock)

	require.NoError(t, store.SaveProfile(ctx, Snapshot{
		Domain:  "example.com",
		Name:    "base",
		Cookies: []schema.Cookie{cookie("sid", "abc")},
	}))
	require.NoError(t, det.MarkLoaded(ctx, "example.com", "base"))

	// Identical content: no drift.
	modified, checked, err := det.Check(ctx, "example.com", schema.NewSet([]schema.Cookie{cookie("sid", "abc")}))
	require.NoError(t, err)
	require.True(t, checked)
	require.False(t, modified)

	// Value changed: drift, once the interval has elapsed.
	now = now.Add(4 * time.Second)
	modified, checked, err = det.Check(ctx, "example.com", schema.NewSet([]schema.Cookie{cookie("sid", "zzz")}))
	require.NoError(t, err)
	require.True(t, checked)
	require.True(t, modified)

	meta, err := store.GetMetadata(ctx, "example.com")
	require.NoError(t, err)
	require.True(t, meta.ModifiedSinceLoad)
}

func TestDriftDetectorAttributeOnlyChangeIsNotDrift(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	det := NewDriftDetector(store, driftConfig(), time.Now)

	saved := cookie("sid", "abc")
	require.NoError(t, store.SaveProfile(ctx, Snapshot{Domain: "example.com", Name: "base", Cookies: []schema.Cookie{saved}}))
	require.NoError(t, det.MarkLoaded(ctx, "example.com", "base"))

	live := saved
	live.Secure = true
	live.Expires = time.Now().Add(time.Hour)
	modified, checked, err := det.Check(ctx, "example.com", schema.NewSet([]schema.Cookie{live}))
	require.NoError(t, err)
	require.True(t, checked)
	require.False(t, modified)
}

func TestDriftDetectorRateLimitSkipsComparison(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }
	det := NewDriftDetector(store, driftConfig(), clock)

	require.NoError(t, store.SaveProfile(ctx, Snapshot{Domain: "example.com", Name: "base", Cookies: []schema.Cookie{cookie("sid", "abc")}}))
	require.NoError(t, det.MarkLoaded(ctx, "example.com", "base"))

	_, checked, err := det.Check(ctx, "example.com", schema.NewSet([]schema.Cookie{cookie("sid", "abc")}))
	require.NoError(t, err)
	require.True(t, checked)

	// One second later the limiter still holds; the stored flag is reported.
	now = now.Add(time.Second)
	modified, checked, err := det.Check(ctx, "example.com", schema.NewSet([]schema.Cookie{cookie("sid", "drifted")}))
	require.NoError(t, err)
	require.False(t, checked)
	require.False(t, modified)

	// After the interval the comparison runs and sees the drift.
	now = now.Add(3 * time.Second)
	modified, checked, err = det.Check(ctx, "example.com", schema.NewSet([]schema.Cookie{cookie("sid", "drifted")}))
	require.NoError(t, err)
	require.True(t, checked)
	require.True(t, modified)
}
