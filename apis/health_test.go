package apis

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alwitt/talkroom/common"
	"github.com/stretchr/testify/assert"
)

func TestHealthEndpoints(t *testing.T) {
	assert := assert.New(t)

	httpConfig := &common.HTTPConfig{
		Logging: common.HTTPRequestLogging{RequestIDHeader: "Talkroom-Request-ID"},
	}

	probeErr := error(nil)
	uut, err := GetAPIRestHealthHandler(func(_ context.Context) error {
		return probeErr
	}, httpConfig)
	assert.Nil(err)

	// Case 0: alive is unconditional
	{
		rr := httptest.NewRecorder()
		uut.AliveHandler().ServeHTTP(rr, httptest.NewRequest("GET", "/alive", nil))
		assert.Equal(http.StatusOK, rr.Code)
	}

	// Case 1: ready while the storage collaborator answers
	{
		rr := httptest.NewRecorder()
		uut.ReadyHandler().ServeHTTP(rr, httptest.NewRequest("GET", "/ready", nil))
		assert.Equal(http.StatusOK, rr.Code)
	}

	// Case 2: not ready once the probe fails
	{
		probeErr = errors.New("storage unreachable")
		rr := httptest.NewRecorder()
		uut.ReadyHandler().ServeHTTP(rr, httptest.NewRequest("GET", "/ready", nil))
		assert.Equal(http.StatusServiceUnavailable, rr.Code)
	}
}
