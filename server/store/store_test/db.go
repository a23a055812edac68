package store_test

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/toxicbuild/toxicmaster/common/logger"
	"github.com/toxicbuild/toxicmaster/server/store"
	"github.com/toxicbuild/toxicmaster/server/store/migrations"
)

func init() {
	rand.Seed(time.Now().UnixNano())
}

const (
	testDBDriverEnvVar         = "TEST_DB_DRIVER"
	testConnectionStringEnvVar = "TEST_CONNECTION_STRING"
)

var letters = []rune("abcdefghijklmnopqrstuvwxyz")

func randSeq(n int) string {
	b := make([]rune, n)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}

// Connect opens a new test database and runs the migrations against it.
// Defaults to a private in-memory sqlite database. Set TEST_DB_DRIVER and
// TEST_CONNECTION_STRING to run the tests against a different database.
func Connect(logFactory logger.LogFactory) (*store.DB, func(), error) {
	var (
		driver           = store.Sqlite
		connectionString = store.DatabaseConnectionString(
			fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=1", randSeq(12)))
	)
	val, ok := os.LookupEnv(testDBDriverEnvVar)
	if ok {
		driver = store.DBDriver(val)
		val, ok = os.LookupEnv(testConnectionStringEnvVar)
		if !ok || val == "" {
			return nil, nil, fmt.Errorf("error %s must be set alongside %s",
				testConnectionStringEnvVar, testDBDriverEnvVar)
		}
		connectionString = store.DatabaseConnectionString(val)
	}

	databaseConfig := store.DatabaseConfig{
		ConnectionString:   connectionString,
		Driver:             driver,
		MaxIdleConnections: store.DefaultDatabaseMaxIdleConnections,
		MaxOpenConnections: store.DefaultDatabaseMaxOpenConnections,
	}
	db, cleanup, err := store.NewDatabase(context.Background(), databaseConfig, migrations.NewMasterMigrateRunner(logFactory))
	if err != nil {
		return nil, nil, fmt.Errorf("error creating database: %w", err)
	}
	return db, cleanup, nil
}
