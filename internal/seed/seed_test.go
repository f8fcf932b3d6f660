package seed_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/athens-ehs/athens/internal/db"
	"github.com/athens-ehs/athens/internal/model"
	"github.com/athens-ehs/athens/internal/seed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newNullLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEnsureSuperadmin_Idempotent(t *testing.T) {
	gdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "control.db"))
	require.NoError(t, err)

	opts := seed.SuperadminOptions{Email: "root@example.com", Password: "swordfish"}
	require.NoError(t, seed.EnsureSuperadmin(context.Background(), gdb, opts, newNullLogger()))
	require.NoError(t, seed.EnsureSuperadmin(context.Background(), gdb, opts, newNullLogger()))

	var users []model.User
	require.NoError(t, gdb.Find(&users).Error)
	require.Len(t, users, 1)

	u := users[0]
	assert.Equal(t, model.UserTypeSuperadmin, u.UserType)
	assert.Empty(t, u.AthensTenantID) // superadmins carry no tenant
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte("swordfish")))
}
