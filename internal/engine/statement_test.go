package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/putsql/internal/unit"
)

func TestExpandStatement(t *testing.T) {
	u := unit.New("u", map[string]string{"table": "persons", "col": "name"}, nil, t0)

	tests := []struct {
		in   string
		want string
	}{
		{"INSERT INTO ${table} (${col}) VALUES (?)", "INSERT INTO persons (name) VALUES (?)"},
		{"INSERT INTO ${ table } VALUES (?)", "INSERT INTO persons VALUES (?)"},
		{"DELETE FROM ${missing}", "DELETE FROM "},
		{"SELECT 1", "SELECT 1"},
		{"SELECT '${'", "SELECT '${'"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExpandStatement(tt.in, u), tt.in)
	}
}

func TestDecodeContent(t *testing.T) {
	got, err := DecodeContent([]byte("\xef\xbb\xbfUPDATE t SET a = 1"))
	require.NoError(t, err)
	assert.Equal(t, "UPDATE t SET a = 1", got)

	got, err = DecodeContent([]byte("plain"))
	require.NoError(t, err)
	assert.Equal(t, "plain", got)
}

func TestResolveStatement(t *testing.T) {
	e := New(nil, nil, nil)

	sql, err := e.resolveStatement(unit.New("u", nil, []byte("  INSERT INTO t VALUES (1)\n"), t0))
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO t VALUES (1)", sql)

	_, err = e.resolveStatement(unit.New("empty", nil, nil, t0))
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, ErrCodeEmptyStatement, ve.Code)
	assert.Equal(t, "empty", ve.UnitID)

	static := New(nil, nil, nil, WithStatement("${stmt}"))
	_, err = static.resolveStatement(unit.New("u", nil, []byte("ignored"), t0))
	assert.True(t, IsValidationError(err), "static statement expanding to nothing is invalid")
}
