package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/pkg/db"
)

func openTestDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	_, err = database.DB.Exec(`CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`)
	require.NoError(t, err)
	return database
}

func count(t *testing.T, database *db.Database) int {
	t.Helper()
	var n int
	require.NoError(t, database.DB.QueryRow(`SELECT COUNT(*) FROM kv`).Scan(&n))
	return n
}

func TestFlushOnSize(t *testing.T) {
	database := openTestDB(t)
	bw := NewBatchWriter(database.DB, 3, time.Hour)
	defer bw.Close()

	bw.WriteQuery(`INSERT INTO kv VALUES (?, ?)`, "a", "1")
	bw.WriteQuery(`INSERT INTO kv VALUES (?, ?)`, "b", "2")
	assert.Equal(t, 2, bw.Pending())
	assert.Equal(t, 0, count(t, database))

	bw.WriteQuery(`INSERT INTO kv VALUES (?, ?)`, "c", "3")
	assert.Equal(t, 0, bw.Pending())
	assert.Equal(t, 3, count(t, database))

	m := bw.Metrics()
	assert.EqualValues(t, 3, m.TotalWrites)
	assert.EqualValues(t, 1, m.TotalBatches)
	assert.Equal(t, 3, m.LastBatchSize)
}

func TestFailedBatchRollsBack(t *testing.T) {
	database := openTestDB(t)
	bw := NewBatchWriter(database.DB, 100, time.Hour)
	defer bw.Close()

	bw.WriteQuery(`INSERT INTO kv VALUES (?, ?)`, "a", "1")
	bw.WriteQuery(`INSERT INTO missing VALUES (?)`, "x")
	assert.Error(t, bw.Flush(context.Background()))
	assert.Equal(t, 0, count(t, database))
	assert.EqualValues(t, 1, bw.Metrics().TotalErrors)
}

func TestCloseFlushesRemainder(t *testing.T) {
	database := openTestDB(t)
	bw := NewBatchWriter(database.DB, 100, time.Hour)
	bw.WriteQuery(`INSERT INTO kv VALUES (?, ?)`, "a", "1")
	require.NoError(t, bw.Close())
	require.NoError(t, bw.Close())
	assert.Equal(t, 1, count(t, database))
}

func TestIntervalFlush(t *testing.T) {
	database := openTestDB(t)
	bw := NewBatchWriter(database.DB, 100, 10*time.Millisecond)
	defer bw.Close()
	bw.WriteQuery(`INSERT INTO kv VALUES (?, ?)`, "a", "1")
	assert.Eventually(t, func() bool { return count(t, database) == 1 }, time.Second, 5*time.Millisecond)
}
