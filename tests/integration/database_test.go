package integration

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/database"
	dbsql "github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/database/sql"
)

// TestApplyEmbeddedSchema runs the shipped schema files against a mocked
// connection and verifies each is executed.
func TestApplyEmbeddedSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS machines`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = database.ApplySchema(context.Background(), db, dbsql.Content, "schema", logrus.New())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplySchemaRunsFilesInLexicalOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	content := fstest.MapFS{
		"schema/002_links.sql": {Data: []byte("CREATE TABLE IF NOT EXISTS machine_users ()")},
		"schema/001_core.sql":  {Data: []byte("CREATE TABLE IF NOT EXISTS machines ()")},
	}

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS machines`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS machine_users`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = database.ApplySchema(context.Background(), db, content, "schema", logrus.New())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplySchemaStopsOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	content := fstest.MapFS{
		"schema/001_core.sql":  {Data: []byte("CREATE TABLE broken")},
		"schema/002_links.sql": {Data: []byte("CREATE TABLE never_reached ()")},
	}

	mock.ExpectExec(`CREATE TABLE broken`).
		WillReturnError(errors.New("syntax error"))

	err = database.ApplySchema(context.Background(), db, content, "schema", logrus.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "001_core.sql")
}
