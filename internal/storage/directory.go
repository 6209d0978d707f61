package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"fieldhub/internal/config"
)

var ErrUnsupportedDriver = errors.New("unsupported storage driver")

const (
	postgresGroupsQuery = `SELECT group_id FROM group_members WHERE user_id = $1 ORDER BY group_id`
	sqliteGroupsQuery   = `SELECT group_id FROM group_members WHERE user_id = ? ORDER BY group_id`
)

// GroupDirectory answers which groups a principal currently belongs to.
type GroupDirectory interface {
	GroupsFor(ctx context.Context, principalID string) ([]string, error)
	Close() error
}

// SQLDirectory reads memberships from the application database. It never
// writes.
type SQLDirectory struct {
	db    *sql.DB
	query string
}

// NewSQLDirectory wraps an open database. An empty query selects the default
// for driver.
func NewSQLDirectory(db *sql.DB, driver, query string) (*SQLDirectory, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if strings.TrimSpace(query) == "" {
		switch driver {
		case "postgres":
			query = postgresGroupsQuery
		case "sqlite":
			query = sqliteGroupsQuery
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
		}
	}
	return &SQLDirectory{db: db, query: query}, nil
}

func (d *SQLDirectory) GroupsFor(ctx context.Context, principalID string) ([]string, error) {
	if strings.TrimSpace(principalID) == "" {
		return nil, nil
	}
	rows, err := d.db.QueryContext(ctx, d.query, principalID)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups: %w", err)
	}
	return groups, nil
}

func (d *SQLDirectory) Close() error {
	return d.db.Close()
}

// StaticDirectory serves memberships from memory. The zero value knows no
// groups.
type StaticDirectory map[string][]string

func (s StaticDirectory) GroupsFor(_ context.Context, principalID string) ([]string, error) {
	groups := append([]string(nil), s[principalID]...)
	sort.Strings(groups)
	return groups, nil
}

func (StaticDirectory) Close() error { return nil }

// Open builds the directory selected by cfg.
func Open(ctx context.Context, cfg config.StorageConfig) (GroupDirectory, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none":
		return StaticDirectory{}, nil
	case "postgres", "sqlite":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return NewSQLDirectory(db, driver, cfg.GroupsQuery)
}
