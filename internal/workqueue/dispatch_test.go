package workqueue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPHandler_DeliversTask(t *testing.T) {
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	jobID := node.Generate()

	var got Task
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	handler := NewHTTPHandler(srv.URL, srv.Client())
	require.NoError(t, handler(context.Background(), Task{
		JobID:    jobID,
		InputRef: "s3://uploads/video.mp4",
		Platform: "tiktok",
	}))
	assert.Equal(t, jobID, got.JobID)
	assert.Equal(t, "s3://uploads/video.mp4", got.InputRef)
}

func TestHTTPHandler_NonSuccessIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	handler := NewHTTPHandler(srv.URL, srv.Client())
	err := handler(context.Background(), Task{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}
