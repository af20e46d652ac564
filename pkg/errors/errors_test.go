package errors

import (
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapPreservesStack(t *testing.T) {
	inner := New(ErrorTypeConnection, "dial failed")
	outer := Wrap(inner, ErrorTypeCheckpoint, "persist checkpoint")

	assert.Equal(t, inner.Stack, outer.Stack)
	assert.True(t, IsType(outer, ErrorTypeCheckpoint))
	assert.False(t, IsType(outer, ErrorTypeConnection))
	assert.True(t, HasType(outer, ErrorTypeConnection))
	assert.Nil(t, Wrap(nil, ErrorTypeData, "nothing"))
}

func TestTypeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"structured", New(ErrorTypeData, "bad row"), ErrorTypeData},
		{"wrapped by fmt", fmt.Errorf("ctx: %w", New(ErrorTypeReplication, "slot lost")), ErrorTypeReplication},
		{"plain", io.EOF, ErrorTypeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TypeOf(tt.err))
		})
	}
}

func TestErrorMessage(t *testing.T) {
	err := Wrap(io.EOF, ErrorTypeQuery, "snapshot chunk")
	assert.Equal(t, "query: snapshot chunk: EOF", err.Error())
	assert.ErrorIs(t, err, io.EOF)

	detailed := Newf(ErrorTypeConfig, "table %q has no primary key", "users").WithDetail("index", 0)
	assert.Equal(t, `config: table "users" has no primary key`, detailed.Error())
	assert.Equal(t, 0, detailed.Details["index"])
}
