package ingest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/ridewatch/pkg/reliability"
)

func post(t *testing.T, h http.HandlerFunc, method string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(method, "/", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	h(rr, req)
	return rr
}

func TestHandleIngest(t *testing.T) {
	in, _, _ := newIngester(t)
	h := NewHandler(in)

	rr := post(t, h.HandleIngest, http.MethodPost, IngestRequest{Readings: []reliability.Reading{
		reading("coaster", now, reliability.StatusOperating, true),
	}})
	require.Equal(t, http.StatusOK, rr.Code)
	var res Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	require.Equal(t, 1, res.Accepted)
}

func TestHandleIngest_AllRejected(t *testing.T) {
	in, _, _ := newIngester(t)
	h := NewHandler(in)

	rr := post(t, h.HandleIngest, http.MethodPost, IngestRequest{Readings: []reliability.Reading{
		reading("coaster", now, reliability.Status("BROKEN"), true),
	}})
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestHandleIngest_TooManyReadings(t *testing.T) {
	in, _, _ := newIngester(t)
	h := NewHandler(in)

	readings := make([]reliability.Reading, MaxReadingsPerBatch+1)
	rr := post(t, h.HandleIngest, http.MethodPost, IngestRequest{Readings: readings})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Contains(t, resp["message"], "too many readings")
}

func TestHandleIngest_InvalidJSON(t *testing.T) {
	in, _, _ := newIngester(t)
	h := NewHandler(in)

	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", strings.NewReader(`{"readings": [`))
	rr := httptest.NewRecorder()
	h.HandleIngest(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleEntities(t *testing.T) {
	in, _, _ := newIngester(t)
	h := NewHandler(in)

	rr := post(t, h.HandleEntities, http.MethodPut, EntitiesRequest{Entities: []reliability.Entity{
		{ID: "coaster", GroupID: "park", Tier: reliability.Tier1},
	}})
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"registered":1}`, rr.Body.String())

	rr = post(t, h.HandleEntities, http.MethodPut, EntitiesRequest{Entities: []reliability.Entity{{ID: "coaster"}}})
	require.Equal(t, http.StatusBadRequest, rr.Code)
}
