package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	//postgres driver, registers "pgx"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"

	"github.com/chris-pikul/envelope-relay/log"
)

const (
	//DriverSQLite selects the embedded SQLite3 store. Several relay
	//processes on one host may share the same database file
	DriverSQLite = "sqlite3"

	//DriverPostgres selects PostgreSQL through pgx, for relays
	//spread across hosts
	DriverPostgres = "pgx"
)

var (
	//ErrNotOpen is returned when using a closed connection
	ErrNotOpen = errors.New("database connection is not open")

	//ErrDriver is returned for unsupported driver names
	ErrDriver = errors.New("unsupported database driver")
)

//DB is an open connection pool along with the dialect it speaks.
//Every query in the relay uses $N placeholders which both drivers accept.
//SQLite numbers them by first appearance, so within a statement $N must
//first appear in ascending order.
type DB struct {
	*sql.DB

	Driver string
	Source string
}

//Open connects to the database and makes sure the schema is
//present and at the version this binary expects
func Open(ctx context.Context, driver, source string) (*DB, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, ErrDriver
	}

	log.Infof("opening %s database", driver)

	dsn := source
	if driver == DriverSQLite {
		dsn = sqliteDSN(source)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	if driver == DriverSQLite {
		conn.SetConnMaxLifetime(5 * time.Minute)
	} else {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	d := &DB{DB: conn, Driver: driver, Source: source}

	exists, err := d.schemaExists(ctx)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if !exists {
		err = d.CreateSchema(ctx)
	} else {
		err = d.CheckMigration(ctx)
	}
	if err != nil {
		conn.Close()
		return nil, err
	}

	return d, nil
}

//sqliteDSN adds the connection parameters the relay relies on:
//WAL for concurrent readers, a busy timeout so competing writers
//wait instead of failing, immediate transactions so a read-then-write
//transaction never deadlocks upgrading its lock, and foreign keys
func sqliteDSN(source string) string {
	if strings.Contains(source, "?") {
		return source
	}
	return source + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate"
}

//Close terminates and clears the database connection
func (d *DB) Close() error {
	if d == nil || d.DB == nil {
		return ErrNotOpen
	}
	log.Info("closing database connection")
	return d.DB.Close()
}

func (d *DB) schemaExists(ctx context.Context) (bool, error) {
	var query string
	if d.Driver == DriverSQLite {
		query = `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='version'`
	} else {
		query = `SELECT COUNT(*) FROM information_schema.tables WHERE table_schema=current_schema() AND table_name='version'`
	}

	var n int
	if err := d.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

//CreateSchema sets up a new database schema for use
func (d *DB) CreateSchema(ctx context.Context) error {
	if d == nil || d.DB == nil {
		return ErrNotOpen
	}

	log.Info("setting up database schema")

	schema := sqliteSchema
	if d.Driver == DriverPostgres {
		schema = postgresSchema
	}

	_, err := d.ExecContext(ctx, schema)
	if err != nil {
		return err
	}

	//Set the schema version
	_, err = d.ExecContext(ctx, `INSERT INTO version (version) VALUES ($1)`, schemaVersion)
	if err != nil {
		return err
	}

	log.Infof("set schema version to %d", schemaVersion)
	return nil
}

//CheckMigration reads the database schema version and checks
//against the current version in this binary. A database written
//by a newer binary is refused.
func (d *DB) CheckMigration(ctx context.Context) error {
	if d == nil || d.DB == nil {
		return ErrNotOpen
	}

	var cur int
	row := d.QueryRowContext(ctx, `SELECT version FROM version`)
	if err := row.Scan(&cur); err != nil {
		if err == sql.ErrNoRows {
			//Improperly setup
			return errors.New("could not find the schema version of the database, it may be corrupt")
		}
		return err
	}

	if cur > schemaVersion {
		return errors.New("database schema version is higher then the binaries target")
	} else if cur < schemaVersion {
		log.Infof("updating db schema from %d to %d", cur, schemaVersion)
		_, err := d.ExecContext(ctx, `UPDATE version SET version=$1`, schemaVersion)
		return err
	}

	return nil
}

//RunInTx runs fn inside a transaction, committing when it returns
//nil and rolling back otherwise
func (d *DB) RunInTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

//IsConflict reports whether err is a uniqueness violation or a lost
//race between concurrent writers. Such operations are safe to retry
//because every write in the relay is an idempotent upsert.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}

	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			se.Code == sqlite3.ErrBusy ||
			se.Code == sqlite3.ErrLocked
	}

	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		switch pe.Code {
		case "23505", //unique_violation
			"40001", //serialization_failure
			"40P01": //deadlock_detected
			return true
		}
	}

	return false
}

//IsMissingReference reports whether err is a foreign key violation,
//which in the relay means the conversation was deleted mid-write
func IsMissingReference(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}

	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return pe.Code == "23503" //foreign_key_violation
	}

	return false
}

//RetryConflict calls fn and, if it failed with a conflict, calls it
//exactly once more
func RetryConflict(fn func() error) error {
	err := fn()
	if IsConflict(err) {
		log.Debug("retrying write after storage conflict")
		err = fn()
	}
	return err
}

//Timestamp converts a time into the stored representation
func Timestamp(t time.Time) int64 {
	return t.UnixMicro()
}

//Time converts a stored timestamp back into UTC time
func Time(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

//NullTime converts a nullable stored timestamp
func NullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := Time(v.Int64)
	return &t
}
