package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRespondError(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondError(rr, http.StatusNotFound, errors.New("no such entity"))

	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, ErrorResponse{Error: "Not Found", Message: "no such entity"}, resp)
}

func TestDecodeJSON(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"coaster"}`))
	status, err := DecodeJSON(httptest.NewRecorder(), req, 1024, &dst)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "coaster", dst.Name)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"coaster","extra":1}`))
	status, err = DecodeJSON(httptest.NewRecorder(), req, 1024, &dst)
	require.Error(t, err)
	require.Equal(t, http.StatusBadRequest, status)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"`+strings.Repeat("x", 100)+`"}`))
	status, err = DecodeJSON(httptest.NewRecorder(), req, 16, &dst)
	require.Error(t, err)
	require.Equal(t, http.StatusRequestEntityTooLarge, status)
}
