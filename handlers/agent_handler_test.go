package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"khisima/logger"
	"khisima/services"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type downPresence struct{}

func (downPresence) GetPresence(context.Context) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func (downPresence) SetPresence(context.Context, bool) error {
	return errors.New("redis: connection refused")
}

func (downPresence) SubscribePresence(context.Context, func(bool)) error { return nil }

func observedLogger() (*logger.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return &logger.Logger{SugaredLogger: zap.New(core).Sugar()}, logs
}

func TestStatusLogsPresenceFailure(t *testing.T) {
	log, logs := observedLogger()
	h := NewAgentHandler(services.NewPresenceService(downPresence{}, nil), nil, nil, log)

	e := echo.New()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/agent/status", nil)
	require.NoError(t, h.Status(e.NewContext(req, rec)))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"online":false}`, rec.Body.String())

	entries := logs.FilterMessage("presence lookup failed").All()
	require.Len(t, entries, 1)
	require.Equal(t, zapcore.WarnLevel, entries[0].Level)
	require.Equal(t, "AgentHandler", entries[0].ContextMap()["component"])
}

func TestPresenceEndpointsUnavailable(t *testing.T) {
	h := NewAgentHandler(services.NewPresenceService(downPresence{}, nil), nil, nil, nil)
	e := echo.New()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/agent/presence", nil)
	require.NoError(t, h.GetPresence(e.NewContext(req, rec)))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPut, "/api/agent/presence", strings.NewReader(`{"online":true}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	require.NoError(t, h.SetPresence(e.NewContext(req, rec)))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
