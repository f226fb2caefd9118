package database

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"ums-aaa/internal/models"
	"ums-aaa/internal/services/ledger"
)

func TestRecordQueryBuildsFilter(t *testing.T) {
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	query, args := recordQuery(ledger.Filter{
		Username: "alice",
		Status:   models.SessionFailed,
		From:     from,
		To:       to,
		Limit:    50,
		Offset:   100,
	})

	assert.Contains(t, query, "WHERE username = $1 AND status = $2 AND login >= $3 AND login < $4")
	assert.Contains(t, query, "ORDER BY login DESC, session_id LIMIT $5 OFFSET $6")
	assert.Equal(t, []interface{}{"alice", "Failed", from, to, 50, 100}, args)
}

func TestRecordQueryWithoutFilter(t *testing.T) {
	query, args := recordQuery(ledger.Filter{})
	assert.NotContains(t, query, "WHERE")
	assert.NotContains(t, query, "LIMIT")
	assert.Empty(t, args)
}

func TestTranslate(t *testing.T) {
	assert.NoError(t, translate(nil, models.CodeDuplicateName, "x"))

	err := translate(&pq.Error{Code: uniqueViolation}, models.CodeDuplicateReference, "reference %s", "r1")
	assert.True(t, models.IsKind(err, models.KindConflict))
	assert.Equal(t, models.CodeDuplicateReference, models.CodeOf(err))

	err = translate(&pq.Error{Code: serializationFailed}, models.CodeDuplicateName, "x")
	assert.True(t, models.IsKind(err, models.KindTransient))

	err = translate(errors.New("connection refused"), models.CodeDuplicateName, "x")
	assert.True(t, models.IsKind(err, models.KindTransient))

	typed := models.NewPolicyRejection(models.CodeVoucherUsed, "abc")
	assert.Same(t, typed, translate(typed, models.CodeDuplicateName, "x"))

	assert.ErrorIs(t, translate(context.DeadlineExceeded, models.CodeDuplicateName, "x"), context.DeadlineExceeded)
}

func TestConfigDSN(t *testing.T) {
	cfg := Config{Host: "db", Port: 5432, Name: "ums", User: "ums", Password: "p", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=ums password=p dbname=ums sslmode=disable", cfg.DSN())
}

func TestMigrationsCoverTables(t *testing.T) {
	for _, table := range Tables[1:] {
		found := false
		for _, m := range migrations {
			if strings.Contains(m.sql, "CREATE TABLE IF NOT EXISTS "+table+" (") {
				found = true
				break
			}
		}
		assert.True(t, found, "no migration creates %s", table)
	}
}

func TestMigrationVersionsAscend(t *testing.T) {
	for i, m := range migrations {
		assert.Equal(t, i+1, m.version, m.name)
	}
	assert.Equal(t, len(migrations), SchemaVersion())
}
