package postgres

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fifatracker/datalayer/internal/executor"
	"github.com/fifatracker/datalayer/internal/remote"
	"github.com/fifatracker/datalayer/pkg/logger"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return New(db, logger.Discard()), mock
}

func TestQuery_SelectWithFilters(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT "id", "name" FROM "players" WHERE "team" = $1 AND "goals" >= $2 AND "id" = ANY($3) AND "deleted_at" IS NULL ORDER BY "name" ASC, "goals" DESC LIMIT $4 OFFSET $5`).
		WithArgs("AEK", 3, pq.Array([]any{1, 2}), 20, 40).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).
			AddRow(1, "Alex").
			AddRow(2, "Ben"))

	rows, err := store.Query(context.Background(), remote.Query{
		Resource: "players",
		Columns:  []string{"id", "name"},
		Filters: []remote.Filter{
			{Column: "team", Op: remote.OpEq, Value: "AEK"},
			{Column: "goals", Op: remote.OpGte, Value: 3},
			{Column: "id", Op: remote.OpIn, Value: []any{1, 2}},
			{Column: "deleted_at", Op: remote.OpIs, Value: nil},
		},
		Order:  []remote.Order{{Column: "name"}, {Column: "goals", Descending: true}},
		Limit:  20,
		Offset: 40,
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Ben", rows[1]["name"])
}

func TestQuery_NoLimitAndJSONColumns(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT * FROM "matches"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "stats", "note"}).
			AddRow(1, []byte(`{"goals":3}`), []byte("plain text")))

	rows, err := store.Query(context.Background(), remote.Query{Resource: "matches"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, map[string]any{"goals": float64(3)}, rows[0]["stats"])
	assert.Equal(t, "plain text", rows[0]["note"])
}

func TestQuery_EmptyInListMatchesNothing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT * FROM "players" WHERE FALSE`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	rows, err := store.Query(context.Background(), remote.Query{
		Resource: "players",
		Filters:  []remote.Filter{{Column: "id", Op: remote.OpIn, Value: []any{}}},
	})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestQuery_OffsetWithoutLimit(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT * FROM "players" ORDER BY "id" ASC OFFSET $1`).
		WithArgs(50).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(51))

	rows, err := store.Query(context.Background(), remote.Query{
		Resource: "players",
		Order:    []remote.Order{{Column: "id"}},
		Offset:   50,
	})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestQuery_InvalidFilters(t *testing.T) {
	store, _ := newMockStore(t)

	_, err := store.Query(context.Background(), remote.Query{
		Resource: "players",
		Filters:  []remote.Filter{{Column: "banned", Op: remote.OpIs, Value: "maybe"}},
	})
	assert.ErrorIs(t, err, remote.ErrInvalidRequest)

	_, err = store.Query(context.Background(), remote.Query{Resource: " "})
	assert.ErrorIs(t, err, remote.ErrMissingResource)
}

func TestMutate_Insert(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO "matches" ("away", "home", "meta") VALUES ($1, $2, $3), (DEFAULT, $4, DEFAULT) RETURNING *`).
		WithArgs("Real", "AEK", `{"round":1}`, "Ajax").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1).AddRow(2))

	rows, err := store.Mutate(context.Background(), remote.Mutation{
		Resource: "matches",
		Kind:     remote.Insert,
		Payload: []remote.Row{
			{"home": "AEK", "away": "Real", "meta": map[string]any{"round": 1}},
			{"home": "Ajax"},
		},
	})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestMutate_Upsert(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO "players" ("id", "name") VALUES ($1, $2) ON CONFLICT ("id") DO UPDATE SET "name" = EXCLUDED."name" RETURNING *`).
		WithArgs(7, "Alex").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(7, "Alex"))

	rows, err := store.Mutate(context.Background(), remote.Mutation{
		Resource:   "players",
		Kind:       remote.Upsert,
		Payload:    []remote.Row{{"id": 7, "name": "Alex"}},
		OnConflict: "id",
	})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestUpsertClause_OnlyConflictColumns(t *testing.T) {
	assert.Equal(t, ` ON CONFLICT ("id") DO NOTHING`, upsertClause("", []string{"id"}))
	assert.Equal(t, ` ON CONFLICT ("player_id", "season") DO UPDATE SET "goals" = EXCLUDED."goals"`,
		upsertClause("player_id, season", []string{"goals", "player_id", "season"}))
}

func TestMutate_UpdateAndDelete(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`UPDATE "players" SET "goals" = $1 WHERE "id" = $2 AND "team" = $3 RETURNING *`).
		WithArgs(4, 7, "AEK").
		WillReturnRows(sqlmock.NewRows([]string{"id", "goals"}).AddRow(7, 4))
	mock.ExpectQuery(`DELETE FROM "bans" WHERE "id" = $1 RETURNING *`).
		WithArgs(9).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(9))

	rows, err := store.Mutate(context.Background(), remote.Mutation{
		Resource: "players",
		Kind:     remote.Update,
		Payload:  []remote.Row{{"goals": 4}},
		Match:    map[string]any{"team": "AEK", "id": 7, "season": nil},
	})
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	rows, err = store.Mutate(context.Background(), remote.Mutation{
		Resource: "bans",
		Kind:     remote.Delete,
		Match:    map[string]any{"id": 9},
	})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestMutate_UnscopedDeleteNeverExecutes(t *testing.T) {
	store, _ := newMockStore(t)

	_, err := store.Mutate(context.Background(), remote.Mutation{Resource: "players", Kind: remote.Delete})
	assert.ErrorIs(t, err, remote.ErrUnscopedMutation)
}

func TestMutate_EmptyRowNeverExecutes(t *testing.T) {
	store, _ := newMockStore(t)

	_, err := store.Mutate(context.Background(), remote.Mutation{
		Resource: "players",
		Kind:     remote.Insert,
		Payload:  []remote.Row{{}},
	})
	assert.ErrorIs(t, err, remote.ErrMissingPayload)
	assert.Equal(t, executor.Terminal, executor.Classify(err))
}

func TestMutate_ConstraintViolationIsTerminal(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO "players" ("id") VALUES ($1) RETURNING *`).
		WithArgs(1).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})

	_, err := store.Mutate(context.Background(), remote.Mutation{
		Resource: "players", Kind: remote.Insert, Payload: []remote.Row{{"id": 1}},
	})
	require.Error(t, err)
	assert.Equal(t, executor.Terminal, executor.Classify(err))
}

func TestPing(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPing()
	store := New(db, logger.Discard())
	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
