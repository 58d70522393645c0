package wsforge

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"wsforge/pkg/wserr"
)

func TestCloseCodeForKind(t *testing.T) {
	assert.Equal(t, CloseProtocolError, closeCodeForKind(wserr.RouteNotFound))
	assert.Equal(t, CloseProtocolError, closeCodeForKind(wserr.HandlerNotFound))
	assert.Equal(t, CloseInternalError, closeCodeForKind(wserr.ModuleImport))
	assert.Equal(t, CloseInternalError, closeCodeForKind(wserr.HandlerExecution))
}

func TestCloseWebSocketGracefullyNoopWhenAlreadyClosed(t *testing.T) {
	c := newTestClient("/chat")
	c.Terminate()
	// Must not panic on an already-closed client.
	CloseWebSocketGracefully(c, CloseNormal, "bye", 0)
	assert.True(t, c.IsClosed())
}

func TestExecuteHandlerSafelyRecoversPanic(t *testing.T) {
	err := ExecuteHandlerSafely(func() error {
		panic("boom")
	})
	assert.Error(t, err)
	werr, ok := err.(*wserr.Error)
	assert.True(t, ok)
	assert.Equal(t, wserr.HandlerExecution, werr.Kind)
}

func TestExecuteHandlerSafelyPropagatesReturnedError(t *testing.T) {
	sentinel := errors.New("boom")
	err := ExecuteHandlerSafely(func() error {
		return sentinel
	})
	assert.Equal(t, sentinel, err)
}

func TestExecuteHandlerSafelyPassesThroughSuccess(t *testing.T) {
	err := ExecuteHandlerSafely(func() error { return nil })
	assert.NoError(t, err)
}

func TestHandleConnectionErrorClosesOnCloseVerdict(t *testing.T) {
	c := newTestClient("/chat")
	HandleConnectionError(c, wserr.New(wserr.RouteNotFound, "no route"))
	assert.True(t, c.IsClosed())
}

func TestHandleConnectionErrorTerminatesOnUnknownError(t *testing.T) {
	c := newTestClient("/chat")
	HandleConnectionError(c, errors.New("unknown failure"))
	assert.True(t, c.IsClosed())
}
