package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mysqldrv "github.com/go-sql-driver/mysql"

	"github.com/root-talis/dynamig/driver"
)

// MySQL server error numbers the driver translates.
const (
	errBadDatabase  = 1049
	errTableExists  = 1050
	errDuplicateKey = 1062
	errNoSuchTable  = 1146
	errDeadlock     = 1213
)

type DriverConfig struct {
	DatabaseName string
}

type mysqlDriver struct {
	conn   *sql.DB
	config DriverConfig
}

func NewDriver(conn *sql.DB, config DriverConfig) driver.Driver {
	return &mysqlDriver{
		conn:   conn,
		config: config,
	}
}

// ---

func (drv *mysqlDriver) DescribeTable(ctx context.Context, name string) (driver.TableStatus, error) {
	var count int

	err := drv.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = ? AND table_name = ?",
		drv.config.DatabaseName,
		name,
	).Scan(&count)
	if err != nil {
		return driver.TableUnknown, fmt.Errorf("failed to describe table %s: %w", name, err)
	}

	if count == 0 {
		return driver.TableUnknown, fmt.Errorf("failed to describe table %s: %w", name, driver.ErrTableNotFound)
	}

	return driver.TableActive, nil
}

func (drv *mysqlDriver) CreateTable(ctx context.Context, table driver.Table, _ driver.Capacity) error {
	tableName := drv.makeEscapedTableName(table)

	_, err := drv.conn.ExecContext(ctx, fmt.Sprintf(
		"CREATE TABLE %s ("+
			"partition_key  varchar(191) not null, "+
			"sort_key       varchar(191) not null, "+
			"attributes     text not null, "+
			"primary key (partition_key, sort_key)"+
			") default charset utf8mb4",
		tableName,
	))
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", tableName, translateError(err))
	}

	return nil
}

func (drv *mysqlDriver) GetItem(ctx context.Context, table driver.Table, key driver.Key) (*driver.Item, error) {
	item, err := drv.getItem(ctx, drv.conn, table, key, false)
	if err != nil {
		return nil, fmt.Errorf("failed to get item %s/%s: %w", key.Partition, key.Sort, err)
	}
	return item, nil
}

func (drv *mysqlDriver) PutItem(ctx context.Context, table driver.Table, item driver.Item, cond driver.Condition) error {
	attributes, err := json.Marshal(withoutNil(item.Attributes))
	if err != nil {
		return fmt.Errorf("failed to encode attributes of %s/%s: %w", item.Partition, item.Sort, err)
	}

	tableName := drv.makeEscapedTableName(table)

	if cond.IsZero() {
		_, err = drv.conn.ExecContext(ctx, fmt.Sprintf(
			"INSERT INTO %s (partition_key, sort_key, attributes) VALUES (?, ?, ?) "+
				"ON DUPLICATE KEY UPDATE attributes = VALUES(attributes)",
			tableName,
		), item.Partition, item.Sort, string(attributes))
		if err != nil {
			return fmt.Errorf("failed to put item %s/%s: %w", item.Partition, item.Sort, translateError(err))
		}
		return nil
	}

	err = drv.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := drv.getItem(ctx, tx, table, item.Key, true)
		if err != nil {
			return err
		}

		if !cond.Matches(existing) {
			return driver.ErrConditionFailed
		}

		if existing == nil {
			_, err = tx.ExecContext(ctx, fmt.Sprintf(
				"INSERT INTO %s (partition_key, sort_key, attributes) VALUES (?, ?, ?)",
				tableName,
			), item.Partition, item.Sort, string(attributes))
		} else {
			_, err = tx.ExecContext(ctx, fmt.Sprintf(
				"UPDATE %s SET attributes = ? WHERE partition_key = ? AND sort_key = ?",
				tableName,
			), string(attributes), item.Partition, item.Sort)
		}

		return translateError(err)
	})
	if err != nil {
		return fmt.Errorf("failed to put item %s/%s: %w", item.Partition, item.Sort, err)
	}

	return nil
}

func (drv *mysqlDriver) DeleteItem(ctx context.Context, table driver.Table, key driver.Key, cond driver.Condition) error {
	tableName := drv.makeEscapedTableName(table)
	deleteStmt := fmt.Sprintf("DELETE FROM %s WHERE partition_key = ? AND sort_key = ?", tableName)

	if cond.IsZero() {
		if _, err := drv.conn.ExecContext(ctx, deleteStmt, key.Partition, key.Sort); err != nil {
			return fmt.Errorf("failed to delete item %s/%s: %w", key.Partition, key.Sort, translateError(err))
		}
		return nil
	}

	err := drv.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := drv.getItem(ctx, tx, table, key, true)
		if err != nil {
			return err
		}

		if !cond.Matches(existing) {
			return driver.ErrConditionFailed
		}

		if existing == nil {
			return nil
		}

		_, err = tx.ExecContext(ctx, deleteStmt, key.Partition, key.Sort)
		return translateError(err)
	})
	if err != nil {
		return fmt.Errorf("failed to delete item %s/%s: %w", key.Partition, key.Sort, err)
	}

	return nil
}

func (drv *mysqlDriver) Query(ctx context.Context, table driver.Table, partition string, opts driver.QueryOptions) ([]driver.Item, error) {
	order := "ASC"
	if opts.Descending {
		order = "DESC"
	}

	query := fmt.Sprintf(
		"SELECT sort_key, attributes FROM %s WHERE partition_key = ? ORDER BY sort_key %s",
		drv.makeEscapedTableName(table),
		order,
	)
	args := []interface{}{partition}

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := drv.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query partition %s: %w", partition, translateError(err))
	}
	defer rows.Close()

	result, err := fetchItems(rows, partition)
	if err != nil {
		return nil, fmt.Errorf("failed to query partition %s: %w", partition, err)
	}

	return result, nil
}

// ---

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (drv *mysqlDriver) getItem(ctx context.Context, q queryer, table driver.Table, key driver.Key, forUpdate bool) (*driver.Item, error) {
	query := fmt.Sprintf(
		"SELECT attributes FROM %s WHERE partition_key = ? AND sort_key = ?",
		drv.makeEscapedTableName(table),
	)
	if forUpdate {
		query += " FOR UPDATE"
	}

	var raw string
	err := q.QueryRowContext(ctx, query, key.Partition, key.Sort).Scan(&raw)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, translateError(err)
	}

	attributes, err := decodeAttributes(raw)
	if err != nil {
		return nil, err
	}

	return &driver.Item{Key: key, Attributes: attributes}, nil
}

// inTx runs a guarded write. Two writers locking the same missing row can deadlock;
// the server rolls one back, and that one lost the condition race.
func (drv *mysqlDriver) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := drv.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return translateConflict(err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", translateConflict(translateError(err)))
	}

	return nil
}

func fetchItems(rows *sql.Rows, partition string) ([]driver.Item, error) {
	result := make([]driver.Item, 0)
	for rows.Next() {
		var sortKey, raw string

		if err := rows.Scan(&sortKey, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}

		attributes, err := decodeAttributes(raw)
		if err != nil {
			return nil, err
		}

		result = append(result, driver.Item{
			Key:        driver.Key{Partition: partition, Sort: sortKey},
			Attributes: attributes,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, translateError(err)
	}

	return result, nil
}

func decodeAttributes(raw string) (map[string]string, error) {
	attributes := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &attributes); err != nil {
		return nil, fmt.Errorf("failed to decode attributes: %w", err)
	}
	return attributes, nil
}

func withoutNil(attrs map[string]string) map[string]string {
	if attrs == nil {
		return map[string]string{}
	}
	return attrs
}

func translateError(err error) error {
	var mysqlErr *mysqldrv.MySQLError
	if !errors.As(err, &mysqlErr) {
		return err
	}

	switch mysqlErr.Number {
	case errNoSuchTable, errBadDatabase:
		return fmt.Errorf("%w: %s", driver.ErrTableNotFound, mysqlErr.Message)
	case errTableExists:
		return fmt.Errorf("%w: %s", driver.ErrTableExists, mysqlErr.Message)
	case errDuplicateKey:
		return fmt.Errorf("%w: %s", driver.ErrConditionFailed, mysqlErr.Message)
	default:
		return err
	}
}

func translateConflict(err error) error {
	var mysqlErr *mysqldrv.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == errDeadlock {
		return fmt.Errorf("%w: %s", driver.ErrConditionFailed, mysqlErr.Message)
	}
	return err
}

func (drv *mysqlDriver) makeEscapedTableName(table driver.Table) string {
	return quoteIdentifier(drv.config.DatabaseName) + "." + quoteIdentifier(table.Name)
}

// Backticks inside a quoted identifier are escaped by doubling them.
func quoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
