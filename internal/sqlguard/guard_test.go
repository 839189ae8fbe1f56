package sqlguard

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard_Validate(t *testing.T) {
	guard := &Guard{}

	tests := []struct {
		name         string
		sql          string
		expectedRule string
		expectedSQL  string
	}{
		{
			name:        "plain_select",
			sql:         "SELECT id, name FROM customers WHERE active = true",
			expectedSQL: "SELECT id, name FROM customers WHERE active = true",
		},
		{
			name:        "with_cte",
			sql:         "WITH recent AS (SELECT id FROM orders) SELECT id FROM recent",
			expectedSQL: "WITH recent AS (SELECT id FROM orders) SELECT id FROM recent",
		},
		{
			name:        "trailing_semicolon_stripped",
			sql:         "  SELECT id FROM orders;  ",
			expectedSQL: "SELECT id FROM orders",
		},
		{
			name:        "lowercase_select",
			sql:         "select id from orders",
			expectedSQL: "select id from orders",
		},
		{
			name:         "empty_statement",
			sql:          "   ",
			expectedRule: "empty",
		},
		{
			name:         "insert_rejected",
			sql:          "INSERT INTO orders (id) VALUES (1)",
			expectedRule: "read_only",
		},
		{
			name:         "delete_inside_cte",
			sql:          "WITH x AS (DELETE FROM orders RETURNING id) SELECT id FROM x",
			expectedRule: "forbidden_keyword",
		},
		{
			name:         "drop_statement",
			sql:          "DROP TABLE orders",
			expectedRule: "read_only",
		},
		{
			name:         "embedded_semicolon",
			sql:          "SELECT id FROM orders; SELECT id FROM users",
			expectedRule: "multiple_statements",
		},
		{
			name:         "line_comment",
			sql:          "SELECT id FROM orders -- sneaky",
			expectedRule: "comments",
		},
		{
			name:         "block_comment",
			sql:          "SELECT /* hidden */ id FROM orders",
			expectedRule: "comments",
		},
		{
			name:         "select_star",
			sql:          "SELECT * FROM orders",
			expectedRule: "select_star",
		},
		{
			name:         "system_catalog",
			sql:          "SELECT relname FROM pg_catalog.pg_class",
			expectedRule: "system_schema",
		},
		{
			name:         "information_schema",
			sql:          "SELECT table_name FROM information_schema.tables",
			expectedRule: "system_schema",
		},
		{
			name:         "control_characters",
			sql:          "SELECT id\x00 FROM orders",
			expectedRule: "control_chars",
		},
		{
			name:         "set_rejected",
			sql:          "SELECT id FROM orders WHERE note = 'x' AND SET ROLE admin IS NULL",
			expectedRule: "forbidden_keyword",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			normalized, err := guard.Validate(tt.sql)
			if tt.expectedRule != "" {
				require.Error(t, err)
				var perr *PolicyError
				require.ErrorAs(t, err, &perr)
				assert.Equal(t, tt.expectedRule, perr.Rule)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectedSQL, normalized)
		})
	}
}

func TestGuard_MaxLength(t *testing.T) {
	guard := &Guard{MaxLength: 64}

	long := "SELECT id FROM orders WHERE note = '" + strings.Repeat("a", 100) + "'"
	_, err := guard.Validate(long)
	require.Error(t, err)
	var perr *PolicyError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "max_length", perr.Rule)

	// The default bound applies when unset.
	loose := &Guard{}
	_, err = loose.Validate("SELECT id FROM orders WHERE note = '" + strings.Repeat("a", 100) + "'")
	assert.NoError(t, err)
}

func TestGuard_StrictPGFunctions(t *testing.T) {
	sql := "SELECT pg_sleep(10)"

	relaxed := &Guard{}
	_, err := relaxed.Validate(sql)
	assert.NoError(t, err)

	strict := &Guard{StrictPGFunctions: true}
	_, err = strict.Validate(sql)
	require.Error(t, err)
	var perr *PolicyError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "pg_function", perr.Rule)
}
