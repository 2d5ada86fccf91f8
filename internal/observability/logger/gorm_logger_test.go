package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDescribeStatement(t *testing.T) {
	cases := []struct {
		sql       string
		operation string
		table     string
	}{
		{`SELECT id, status FROM bookings WHERE id = $1`, "SELECT", "bookings"},
		{`INSERT INTO credit_transactions (id, user_id) VALUES ($1, $2)`, "INSERT", "credit_transactions"},
		{`UPDATE payment_intents SET status = $1 WHERE bill_id = $2`, "UPDATE", "payment_intents"},
		{`DELETE FROM "user_vouchers" WHERE id = $1`, "DELETE", "user_vouchers"},
		{`WITH due AS (SELECT id FROM settlement_tasks) UPDATE settlement_tasks SET attempts = attempts + 1`, "SELECT", "settlement_tasks"},
		{`   `, "UNKNOWN", ""},
	}
	for _, tc := range cases {
		operation, table := describeStatement(tc.sql)
		assert.Equal(t, tc.operation, operation, tc.sql)
		assert.Equal(t, tc.table, table, tc.sql)
	}
}
