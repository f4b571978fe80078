package platforms_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/mindengage-lti-tool/internal/db"
	"github.com/mind-engage/mindengage-lti-tool/pkg/tool/keys"
	"github.com/mind-engage/mindengage-lti-tool/pkg/tool/platforms"
)

// countingGen hands out a single pre-generated identity and counts calls.
type countingGen struct {
	km    keys.KeyMaterial
	calls atomic.Int32
}

func (g *countingGen) Generate() (keys.KeyMaterial, error) {
	g.calls.Add(1)
	return g.km, nil
}

type failingGen struct{}

func (failingGen) Generate() (keys.KeyMaterial, error) {
	return keys.KeyMaterial{}, errors.New("entropy exhausted")
}

func newGen(t *testing.T) *countingGen {
	t.Helper()
	km, err := keys.Generator{Bits: 2048}.Generate()
	require.NoError(t, err)
	return &countingGen{km: km}
}

func samplePlatform() platforms.Platform {
	return platforms.Platform{
		Issuer:      "https://lms.example.edu",
		Name:        "Example LMS",
		ClientID:    "tool-123",
		AuthURL:     "https://lms.example.edu/auth",
		TokenURL:    "https://lms.example.edu/token",
		RedirectURI: "https://tool.example.com/lti/launch",
		AuthConfig:  platforms.AuthConfig{Method: platforms.AuthJWKSet, Key: "https://lms.example.edu/jwks"},
	}
}

func TestRegister(t *testing.T) {
	ctx := context.Background()

	t.Run("creates once per issuer", func(t *testing.T) {
		store := platforms.NewMemoryStore()
		gen := newGen(t)

		p, created, err := platforms.Register(ctx, store, gen, samplePlatform())
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, gen.km.KeyID, p.Keys.KeyID)

		again := samplePlatform()
		again.Name = "Renamed"
		p2, created, err := platforms.Register(ctx, store, gen, again)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "Example LMS", p2.Name)
		assert.EqualValues(t, 1, gen.calls.Load())
	})

	t.Run("invalid fields", func(t *testing.T) {
		store := platforms.NewMemoryStore()
		p := samplePlatform()
		p.TokenURL = "not a url"
		_, _, err := platforms.Register(ctx, store, newGen(t), p)
		require.ErrorIs(t, err, platforms.ErrInvalid)
		require.Contains(t, err.Error(), "tokenUrl")

		p = samplePlatform()
		p.AuthConfig.Method = "SHARED_SECRET"
		_, _, err = platforms.Register(ctx, store, newGen(t), p)
		require.ErrorIs(t, err, platforms.ErrInvalid)
	})

	t.Run("key generation failure aborts", func(t *testing.T) {
		store := platforms.NewMemoryStore()
		_, _, err := platforms.Register(ctx, store, failingGen{}, samplePlatform())
		require.Error(t, err)
		_, err = store.Lookup(ctx, samplePlatform().Issuer)
		require.ErrorIs(t, err, platforms.NotFound)
	})
}

func TestSQLStore(t *testing.T) {
	ctx := context.Background()
	dbh, err := db.Open(ctx, db.DriverSQLite, "file:platforms_test?mode=memory&cache=shared")
	require.NoError(t, err)
	defer dbh.Close()

	store := platforms.NewSQLStore(dbh)

	_, err = store.Lookup(ctx, "https://nobody.example")
	require.ErrorIs(t, err, platforms.NotFound)

	p, created, err := platforms.Register(ctx, store, newGen(t), samplePlatform())
	require.NoError(t, err)
	require.True(t, created)

	got, err := store.Lookup(ctx, p.Issuer)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	require.ErrorIs(t, store.Insert(ctx, p), platforms.ErrExists)

	pem, err := platforms.PublicKey(ctx, store, p.Issuer)
	require.NoError(t, err)
	assert.Equal(t, p.Keys.PublicKeyPEM, pem)

	pub, err := store.PublicKeys(ctx)
	require.NoError(t, err)
	require.Len(t, pub, 1)
	assert.Equal(t, p.Keys.PublicKeyPEM, pub[0].PublicKeyPEM)
	assert.Empty(t, pub[0].KeyID)
	assert.Empty(t, pub[0].PrivateKeyPEM)

	priv, err := got.Keys.PrivateKey()
	require.NoError(t, err)
	assert.NotNil(t, priv)
}

// staleLookupStore reports NotFound on its first Lookup, as a reader that
// raced a concurrent registration of the same issuer would see it.
type staleLookupStore struct {
	*platforms.SQLStore
	stale atomic.Bool
}

func (s *staleLookupStore) Lookup(ctx context.Context, issuer string) (platforms.Platform, error) {
	if s.stale.CompareAndSwap(false, true) {
		return platforms.Platform{}, platforms.NotFound
	}
	return s.SQLStore.Lookup(ctx, issuer)
}

func TestRegister_SQLStoreLostRace(t *testing.T) {
	ctx := context.Background()
	dbh, err := db.Open(ctx, db.DriverSQLite, "file:platforms_race_test?mode=memory&cache=shared")
	require.NoError(t, err)
	defer dbh.Close()

	winner := newGen(t)
	first, created, err := platforms.Register(ctx, platforms.NewSQLStore(dbh), winner, samplePlatform())
	require.NoError(t, err)
	require.True(t, created)

	store := &staleLookupStore{SQLStore: platforms.NewSQLStore(dbh)}
	got, created, err := platforms.Register(ctx, store, newGen(t), samplePlatform())
	require.NoError(t, err, "duplicate insert maps to ErrExists, not a driver error")
	assert.False(t, created)
	assert.Equal(t, first.Keys.PublicKeyPEM, got.Keys.PublicKeyPEM)
}
