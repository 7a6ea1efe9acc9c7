package cli

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plenumd/plenum/internal/action"
	"github.com/plenumd/plenum/internal/datastore"
)

func newTestHandler(t *testing.T) http.HandlerFunc {
	t.Helper()
	store, err := datastore.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	pipeline, err := buildPipeline(store, action.DefaultRetryLimit)
	require.NoError(t, err)
	return handleRequest(pipeline, time.Minute)
}

func TestHandleRequestCommitsBatch(t *testing.T) {
	handler := newTestHandler(t)

	body := `[{"action":"meeting.create","data":[{"name":"Assembly"}]}]`
	req := httptest.NewRequest(http.MethodPost, "/system/action/handle_request", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp action.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	require.Len(t, resp[0].Results, 1)
	assert.Equal(t, "meeting/1", resp[0].Results[0].FQID)
	assert.Equal(t, 1, resp[0].Results[0].ID)
}

func TestHandleRequestRejectsMalformedBody(t *testing.T) {
	handler := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/system/action/handle_request", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	handler(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "PAYLOAD", resp.Error.Code)
}

func TestHandleRequestReportsValidationFailure(t *testing.T) {
	handler := newTestHandler(t)

	// motion.create without meeting and state cannot commit.
	body := `[{"action":"motion.create","data":[{"title":"Budget"}]}]`
	req := httptest.NewRequest(http.MethodPost, "/system/action/handle_request", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "REQUIRED_FIELD", resp.Error.Code)
	assert.Equal(t, "motion/1", resp.Error.FQID)
}

func TestEnvInt(t *testing.T) {
	t.Setenv(EnvRetryLimit, "7")
	assert.Equal(t, 7, envInt(EnvRetryLimit, 3))

	t.Setenv(EnvRetryLimit, "zero")
	assert.Equal(t, 3, envInt(EnvRetryLimit, 3))

	t.Setenv(EnvRetryLimit, "")
	assert.Equal(t, 3, envInt(EnvRetryLimit, 3))
}

func TestEnvDuration(t *testing.T) {
	t.Setenv(EnvRequestTimeout, "45s")
	assert.Equal(t, 45*time.Second, envDuration(EnvRequestTimeout, time.Minute))

	t.Setenv(EnvRequestTimeout, "-5s")
	assert.Equal(t, time.Minute, envDuration(EnvRequestTimeout, time.Minute))
}
