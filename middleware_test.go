package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
)

func TestCORSMiddleware(t *testing.T) {
	middleware := &CORSMiddleware{}

	handler := middleware.Wrapper(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "https://screen.example.edu/display", nil))

	require.Equal(t, "*", recorder.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "DELETE, GET, OPTIONS, POST", recorder.Header().Get("Access-Control-Allow-Methods"))
}

func TestCanonicalLogLineMiddleware(t *testing.T) {
	logDataChan := make(chan map[string]any, 1)
	middleware := &CanonicalLogLineMiddleware{logDataChan: logDataChan, logger: logger}

	router := mux.NewRouter()
	router.Use((&ContextContainerMiddleware{}).Wrapper)
	router.Use(middleware.Wrapper)
	router.HandleFunc("/display/{name}", func(w http.ResponseWriter, r *http.Request) {
		ContextContainerFrom(r.Context()).StatusCode = http.StatusOK
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "https://screen.example.edu/display/events?password=sekrit&full=1", nil))

	logData := <-logDataChan

	require.Equal(t, http.MethodGet, logData["http_method"])
	require.Equal(t, "/display/events", logData["http_path"])
	require.Equal(t, "/display/{name}", logData["http_route"])
	require.Equal(t, http.StatusOK, logData["status"])

	// The shared secret never reaches the log.
	require.Equal(t, "password=[REDACTED]&full=1", logData["query_string"])
}

func TestPrettyDuration(t *testing.T) {
	require.Equal(t, "0.000042s", PrettyDuration(42000).String())
}
