package db

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

type migration struct {
	version int
	name    string
	up      func(tx *gorm.DB) error
}

// Applied in order; PRAGMA user_version holds the last applied version.
var migrations = []migration{
	{version: 1, name: "upgrade legacy feedback ratings", up: upgradeLegacyFeedback},
	{version: 2, name: "create chat tables", up: createChatTables},
	{version: 3, name: "normalize timestamps", up: normalizeTimestamps},
}

// SchemaVersion is the version Migrate brings a database to.
func SchemaVersion() int {
	return migrations[len(migrations)-1].version
}

// Migrate applies every pending migration, each in its own transaction.
// It is a no-op on an up-to-date database.
func Migrate(ctx context.Context, gdb *gorm.DB) error {
	current, err := UserVersion(ctx, gdb)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		err := gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := m.up(tx); err != nil {
				return err
			}
			return tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)).Error
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

// UserVersion reads the applied schema version.
func UserVersion(ctx context.Context, gdb *gorm.DB) (int, error) {
	var v int
	if err := gdb.WithContext(ctx).Raw("PRAGMA user_version").Scan(&v).Error; err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

const feedbackColumnsDDL = `
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT,
	message_index INTEGER NOT NULL,
	role TEXT NOT NULL,
	rating_type TEXT NOT NULL,
	rating_value INTEGER NOT NULL,
	reason TEXT,
	message_content TEXT,
	created_at TEXT NOT NULL,
	CONSTRAINT chk_feedback_rating_type CHECK (rating_type IN ('thumbs', 'stars')),
	CONSTRAINT chk_feedback_rating_value CHECK (
		(rating_type = 'thumbs' AND rating_value IN (-1, 1)) OR
		(rating_type = 'stars' AND rating_value BETWEEN 1 AND 5)
	)`

// upgradeLegacyFeedback rewrites a feedback table that still has the single
// text "rating" column into the thumbs/stars layout. Ids are kept.
func upgradeLegacyFeedback(tx *gorm.DB) error {
	cols, err := tableColumns(tx, "feedback")
	if err != nil {
		return err
	}
	if !cols["rating"] || cols["rating_type"] {
		return nil
	}

	stmts := []string{
		`DROP TABLE IF EXISTS feedback_new`,
		`CREATE TABLE feedback_new (` + feedbackColumnsDDL + `)`,
		`INSERT INTO feedback_new (id, conversation_id, message_index, role, rating_type, rating_value, reason, message_content, created_at)
		SELECT id, conversation_id, message_index, role,
			'thumbs',
			CASE WHEN rating = 'up' THEN 1 ELSE -1 END,
			reason, message_content, created_at
		FROM feedback`,
		`DROP TABLE feedback`,
		`ALTER TABLE feedback_new RENAME TO feedback`,
	}
	for _, stmt := range stmts {
		if err := tx.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

// tableColumns returns the column names of table; empty when it does not exist.
func tableColumns(tx *gorm.DB, table string) (map[string]bool, error) {
	var info []struct {
		Name string
	}
	if err := tx.Raw(fmt.Sprintf("PRAGMA table_info(%q)", table)).Scan(&info).Error; err != nil {
		return nil, fmt.Errorf("inspect table %s: %w", table, err)
	}
	cols := make(map[string]bool, len(info))
	for _, c := range info {
		cols[c.Name] = true
	}
	return cols, nil
}

func createChatTables(tx *gorm.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at)`,
		`CREATE TABLE IF NOT EXISTS feedback (` + feedbackColumnsDDL + `)`,
		`CREATE INDEX IF NOT EXISTS idx_feedback_created_at ON feedback(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_feedback_conversation ON feedback(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_feedback_rating_type ON feedback(rating_type)`,
		`CREATE TABLE IF NOT EXISTS saved_prompts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE NOT NULL,
			content TEXT NOT NULL,
			description TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if err := tx.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

// timestamp columns rewritten by normalizeTimestamps
var timestampColumns = []struct {
	table   string
	columns []string
}{
	{"conversations", []string{"created_at", "updated_at"}},
	{"messages", []string{"created_at"}},
	{"feedback", []string{"created_at"}},
	{"saved_prompts", []string{"created_at", "updated_at"}},
}

// matches timestampLayout exactly
const timestampGlob = "[0-9][0-9][0-9][0-9]-[0-9][0-9]-[0-9][0-9] [0-9][0-9]:[0-9][0-9]:[0-9][0-9].[0-9][0-9][0-9][0-9][0-9][0-9]"

// normalizeTimestamps rewrites ISO-8601 values left by older tools into
// timestampLayout. Text ordering on these columns is only chronological when
// every row uses the same layout. Values that cannot be parsed are left alone.
func normalizeTimestamps(tx *gorm.DB) error {
	for _, tc := range timestampColumns {
		for _, col := range tc.columns {
			var rows []struct {
				RowID int64
				Raw   string
			}
			query := fmt.Sprintf("SELECT rowid AS row_id, %s AS raw FROM %s WHERE %s IS NOT NULL AND %s NOT GLOB ?",
				col, tc.table, col, col)
			if err := tx.Raw(query, timestampGlob).Scan(&rows).Error; err != nil {
				return fmt.Errorf("read %s.%s: %w", tc.table, col, err)
			}

			update := fmt.Sprintf("UPDATE %s SET %s = ? WHERE rowid = ?", tc.table, col)
			for _, r := range rows {
				var ts Timestamp
				if err := ts.parse(r.Raw); err != nil {
					continue
				}
				if err := tx.Exec(update, ts.String(), r.RowID).Error; err != nil {
					return fmt.Errorf("rewrite %s.%s: %w", tc.table, col, err)
				}
			}
		}
	}
	return nil
}
