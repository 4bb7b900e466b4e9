// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/prepchat/internal/model"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLStore(db), mock
}

func TestSQLStore_OpenCreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "chat.db")
	store, err := OpenSQLStore(path)
	require.NoError(t, err)
	defer store.Close()

	require.Equal(t, path, store.Path())

	var version string
	err = store.db.QueryRow(`SELECT value FROM metadata WHERE key = 'schema_version'`).Scan(&version)
	require.NoError(t, err)
	require.Equal(t, "1", version)
}

func TestSQLStore_Preferences(t *testing.T) {
	store, err := OpenSQLStore(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	got, err := store.ModelPreference(ctx, "u")
	require.NoError(t, err)
	require.Empty(t, got)

	require.NoError(t, store.SetModelPreference(ctx, "u", "openai/gpt-4o-mini"))
	require.NoError(t, store.SetModelPreference(ctx, "u", "deepseek/deepseek-r1"))

	got, err = store.ModelPreference(ctx, "u")
	require.NoError(t, err)
	require.Equal(t, "deepseek/deepseek-r1", got)
}

func TestSQLStore_AddMessageMissingConversationRollsBack(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE conversations SET updated_at").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "conv_x").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.AddMessage(context.Background(), "conv_x", model.NewUserMessage("hi"))
	require.ErrorIs(t, err, ErrConversationNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_AddMessageInsertFailure(t *testing.T) {
	store, mock := newMockStore(t)
	boom := errors.New("disk I/O error")

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE conversations SET updated_at").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO messages").WillReturnError(boom)
	mock.ExpectRollback()

	err := store.AddMessage(context.Background(), "conv_1", model.NewUserMessage("hi"))
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_FindByIDQueryError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT id, user_id, title").
		WithArgs("conv_1").
		WillReturnError(sql.ErrConnDone)

	conv, err := store.FindByID(context.Background(), "conv_1")
	require.Nil(t, conv)
	require.ErrorIs(t, err, sql.ErrConnDone)
}

func TestSQLStore_FindByIDCorruptParts(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT id, user_id, title").
		WithArgs("conv_1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "title", "pinned", "archived", "context", "created_at", "updated_at", "last_message_at"}).
			AddRow("conv_1", "u", "t", 0, 0, nil, int64(1), int64(1), int64(0)))
	mock.ExpectQuery("SELECT id, role, model, parts").
		WithArgs("conv_1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "role", "model", "parts", "metadata", "created_at"}).
			AddRow("msg_1", "user", "", "{broken", nil, int64(1)))

	_, err := store.FindByID(context.Background(), "conv_1")
	require.ErrorContains(t, err, "decode parts of msg_1")
}

func TestSQLStore_SetModelPreferenceError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO preferences").
		WithArgs("u", "m", sqlmock.AnyArg()).
		WillReturnError(errors.New("database is locked"))

	err := store.SetModelPreference(context.Background(), "u", "m")
	require.ErrorContains(t, err, "save preference for u")
}

func TestSQLStore_DeleteMissing(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM messages").WithArgs("conv_x").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM conversations").WithArgs("conv_x").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	require.ErrorIs(t, store.Delete(context.Background(), "conv_x"), ErrConversationNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
