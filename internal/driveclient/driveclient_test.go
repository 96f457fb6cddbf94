package driveclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeAuth struct{}

func (fakeAuth) Header(_ context.Context) (string, error) { return "Bearer test-token", nil }

type noopLimiter struct{}

func (noopLimiter) Wait(_ context.Context) error { return nil }

type noopBandwidth struct{}

func (noopBandwidth) Throttle(_ int) error { return nil }

func newTestClient(srv *httptest.Server) *Client {
	c := New(srv.Client(), fakeAuth{}, noopLimiter{}, noopBandwidth{})
	c.filesUploadURL = srv.URL + "/upload"
	c.filesURL = srv.URL + "/files"
	c.drivesURL = srv.URL + "/drives"
	return c
}

func TestCreateFile_BuildsMultipartBodyAndAuth(t *testing.T) {
	var gotAuth, gotContentType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		require.Equal(t, "multipart", r.URL.Query().Get("uploadType"))
		require.Equal(t, "true", r.URL.Query().Get("supportsAllDrives"))
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "file-123"})
	}))
	defer srv.Close()

	c := newTestClient(srv)
	content := strings.NewReader("hello world")
	id, err := c.CreateFile(t.Context(), "greeting.txt", "drive-1", int64(content.Len()), "text/plain", content)
	require.NoError(t, err)
	require.Equal(t, "file-123", id)
	require.Equal(t, "Bearer test-token", gotAuth)
	require.Contains(t, gotContentType, "multipart/related; boundary=")
	require.Contains(t, string(gotBody), "hello world")
	require.Contains(t, string(gotBody), `"mimeType":"text/plain"`)
}

func TestCreateFile_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.CreateFile(t.Context(), "x", "drive-1", 0, "text/plain", strings.NewReader(""))
	require.Error(t, err)
}

func TestGetFile_PartialContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "bytes=10-19", r.Header.Get("Range"))
		w.Header().Set("Content-Range", "bytes 10-19/100")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	body, rng, err := c.GetFile(t.Context(), "file-1", 10, 20)
	require.NoError(t, err)
	defer body.Close()
	require.Equal(t, ByteRange{Start: 10, End: 20}, rng)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, "0123456789", string(data))
}

func TestGetFile_FullContentFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := []byte("abcdefghij")
		w.Header().Set("Content-Length", "10")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	body, rng, err := c.GetFile(t.Context(), "file-1", 0, 10)
	require.NoError(t, err)
	defer body.Close()
	require.Equal(t, ByteRange{Start: 0, End: 10}, rng)
}

func TestGetFile_ResponseRangeTooNarrow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 12-15/100")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("abcd"))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, _, err := c.GetFile(t.Context(), "file-1", 10, 20)
	require.Error(t, err)
}

func TestDeleteFile(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("supportsAllDrives")
		require.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	err := c.DeleteFile(t.Context(), "file-1")
	require.NoError(t, err)
	require.Equal(t, "true", gotQuery)
}

func TestCreateDrive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NotEmpty(t, r.URL.Query().Get("requestId"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, true, body["hidden"])
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "drive-xyz"})
	}))
	defer srv.Close()

	c := newTestClient(srv)
	id, err := c.CreateDrive(t.Context(), "castella-abc")
	require.NoError(t, err)
	require.Equal(t, "drive-xyz", id)
}

func TestParseContentRange(t *testing.T) {
	r, ok := parseContentRange("bytes 5-14/100")
	require.True(t, ok)
	require.Equal(t, ByteRange{Start: 5, End: 15}, r)

	_, ok = parseContentRange("not-a-range")
	require.False(t, ok)
}
