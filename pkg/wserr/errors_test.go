package wserr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerdictMapping(t *testing.T) {
	cases := []struct {
		kind    Kind
		verdict Verdict
		status  int
	}{
		{RouteNotFound, CloseConnection, 404},
		{HandlerNotFound, CloseConnection, 400},
		{ModuleImport, TerminateConnection, 500},
		{ServerNotAvailable, CloseConnection, 503},
		{ConnectionLimit, CloseConnection, 429},
		{HandlerExecution, TerminateConnection, 500},
	}
	for _, c := range cases {
		e := New(c.kind, "boom")
		assert.Equal(t, c.verdict, e.Verdict())
		assert.Equal(t, c.status, e.Status())
	}
}

func TestVerdictForUnknownError(t *testing.T) {
	assert.Equal(t, TerminateConnection, VerdictFor(errors.New("plain")))
	assert.Equal(t, Ignore, VerdictFor(nil))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("db down")
	e := Wrap(ModuleImport, cause, "failed to load route module")
	assert.ErrorIs(t, e, cause)
	assert.Equal(t, "MODULE_IMPORT_ERROR", e.Code())
}

func TestWithContextIsImmutable(t *testing.T) {
	base := New(HandlerExecution, "panic in handler")
	withCtx := base.WithContext("route", "/api/echo")
	assert.Empty(t, base.Context)
	assert.Len(t, withCtx.Context, 1)
	assert.Equal(t, "route", withCtx.Context[0].Key)
}
