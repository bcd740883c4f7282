package jsonrpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequest_IsNotification(t *testing.T) {
	assert.True(t, Request{}.IsNotification())
	assert.False(t, Request{ID: []byte(`1`)}.IsNotification())
}

func TestNewError(t *testing.T) {
	resp := NewError([]byte(`1`), CodeMethodNotFound, "method not found")
	assert.Equal(t, Version, resp.JSONRPC)
	assert.Nil(t, resp.Result)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
}

func TestNewResult(t *testing.T) {
	resp := NewResult([]byte(`1`), []byte(`"0x1"`))
	assert.Nil(t, resp.Error)
	assert.Equal(t, []byte(`"0x1"`), []byte(resp.Result))
}
