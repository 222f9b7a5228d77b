package sqlite

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/manifoldmcp/manifold/internal/store"
)

const timeFormat = time.RFC3339

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func now() string {
	return formatTime(time.Now())
}

// encodeJSON marshals v for TEXT column storage. Nil slices and maps encode
// as the fallback so columns never hold the literal "null".
func encodeJSON(v any, fallback string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return fallback, nil
	}
	return string(data), nil
}

func decodeJSON(data string, v any) error {
	if data == "" {
		return nil
	}
	return json.Unmarshal([]byte(data), v)
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func mapConstraintError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "unique_") ||
		strings.Contains(msg, "already exists") {
		return store.ErrAlreadyExists
	}
	if strings.Contains(msg, "foreign key constraint") {
		return store.ErrConflict
	}
	return err
}
