package database

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimoire/pkg/config"
	"grimoire/pkg/models"
)

func TestOpenSQLiteMigrates(t *testing.T) {
	log, _ := test.NewNullLogger()

	db, err := Open(config.Database{Driver: config.DriverSQLite, SQLitePath: ":memory:", ConnectRetries: 1}, log)
	require.NoError(t, err)

	for _, m := range models.All() {
		assert.True(t, db.Migrator().HasTable(m))
	}
	assert.True(t, db.Migrator().HasIndex(&models.Rating{}, "idx_ratings_book_user"))
	assert.NoError(t, Ping(context.Background(), db))
}
