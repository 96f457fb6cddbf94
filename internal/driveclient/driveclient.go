// Package driveclient is the remote drive REST client: create/get/delete
// file and create-drive, each gated behind the request limiter and bearer
// auth, grounded on original_source/src/drive.rs's Drive.
package driveclient

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/chiya-dev/castella-gateway/internal/gatewayerr"
	"github.com/chiya-dev/castella-gateway/internal/streamio"
)

const (
	filesUploadURL = "https://www.googleapis.com/upload/drive/v3/files"
	filesURL       = "https://www.googleapis.com/drive/v3/files"
	drivesURL      = "https://www.googleapis.com/drive/v3/drives"

	boundaryAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
)

// Authenticator supplies the bearer Authorization header value.
type Authenticator interface {
	Header(ctx context.Context) (string, error)
}

// RequestLimiter gates every outbound HTTP call.
type RequestLimiter interface {
	Wait(ctx context.Context) error
}

// Client is the remote drive REST client.
type Client struct {
	http           *http.Client
	auth           Authenticator
	requestLimiter RequestLimiter
	uploadLimiter  streamio.BandwidthLimiter

	filesUploadURL string
	filesURL       string
	drivesURL      string
}

// New constructs a Client. httpClient is expected to have compression
// disabled, per ambient HTTP client policy (media bytes are already
// high-entropy ciphertext).
func New(httpClient *http.Client, auth Authenticator, requestLimiter RequestLimiter, uploadLimiter streamio.BandwidthLimiter) *Client {
	return &Client{
		http:           httpClient,
		auth:           auth,
		requestLimiter: requestLimiter,
		uploadLimiter:  uploadLimiter,
		filesUploadURL: filesUploadURL,
		filesURL:       filesURL,
		drivesURL:      drivesURL,
	}
}

// ByteRange is a half-open byte range [Start, End).
type ByteRange struct {
	Start int64
	End   int64
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	header, err := c.auth.Header(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", header)
	return nil
}

func randomBoundary(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = boundaryAlphabet[int(b)%len(boundaryAlphabet)]
	}
	return string(out), nil
}

// CreateFile uploads content (size bytes, of the given content type) into
// parentDriveID as a new file named name, and returns the remote file ID.
func (c *Client) CreateFile(ctx context.Context, name, parentDriveID string, size int64, contentType string, content io.Reader) (string, error) {
	boundary, err := randomBoundary(50)
	if err != nil {
		return "", gatewayerr.New(gatewayerr.KindIO, "driveclient.CreateFile", err)
	}
	boundary = "----------" + boundary

	meta, err := json.Marshal(struct {
		Name    string   `json:"name"`
		Parents []string `json:"parents"`
		MIME    string   `json:"mimeType"`
	}{Name: name, Parents: []string{parentDriveID}, MIME: contentType})
	if err != nil {
		return "", gatewayerr.New(gatewayerr.KindSerde, "driveclient.CreateFile", err)
	}

	prefix := fmt.Sprintf("--%s\r\ncontent-type: application/json; charset=utf-8\r\n\r\n%s\r\n--%s\r\ncontent-type: application/octet-stream\r\n\r\n",
		boundary, meta, boundary)
	suffix := fmt.Sprintf("\r\n--%s--", boundary)

	throttled := streamio.Throttle(content, c.uploadLimiter)
	body := io.MultiReader(strings.NewReader(prefix), throttled, strings.NewReader(suffix))
	contentLength := int64(len(prefix)) + size + int64(len(suffix))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.filesUploadURL, body)
	if err != nil {
		return "", gatewayerr.New(gatewayerr.KindTransport, "driveclient.CreateFile", err)
	}
	req.ContentLength = contentLength
	req.Header.Set("Content-Type", "multipart/related; boundary="+boundary)
	q := req.URL.Query()
	q.Set("uploadType", "multipart")
	q.Set("supportsAllDrives", "true")
	req.URL.RawQuery = q.Encode()

	if err := c.requestLimiter.Wait(ctx); err != nil {
		return "", gatewayerr.New(gatewayerr.KindTransport, "driveclient.CreateFile", err)
	}
	if err := c.authorize(ctx, req); err != nil {
		return "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", gatewayerr.New(gatewayerr.KindTransport, "driveclient.CreateFile", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", gatewayerr.New(gatewayerr.KindRemoteStatus, "driveclient.CreateFile", fmt.Errorf("status %d", resp.StatusCode))
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", gatewayerr.New(gatewayerr.KindSerde, "driveclient.CreateFile", err)
	}
	return out.ID, nil
}

// GetFile issues a ranged GET for [start, end) and returns the raw body
// stream (caller must Close it) plus the range the response actually
// covers, which may be wider than requested but must cover it.
func (c *Client) GetFile(ctx context.Context, fileID string, start, end int64) (io.ReadCloser, ByteRange, error) {
	url := fmt.Sprintf("%s/%s", c.filesURL, fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, ByteRange{}, gatewayerr.New(gatewayerr.KindTransport, "driveclient.GetFile", err)
	}
	q := req.URL.Query()
	q.Set("alt", "media")
	q.Set("supportsAllDrives", "true")
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end-1))

	if err := c.requestLimiter.Wait(ctx); err != nil {
		return nil, ByteRange{}, gatewayerr.New(gatewayerr.KindTransport, "driveclient.GetFile", err)
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, ByteRange{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, ByteRange{}, gatewayerr.New(gatewayerr.KindTransport, "driveclient.GetFile", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, ByteRange{}, gatewayerr.New(gatewayerr.KindRemoteStatus, "driveclient.GetFile", fmt.Errorf("status %d", resp.StatusCode))
	}

	responseRange := ByteRange{Start: start, End: end}
	switch resp.StatusCode {
	case http.StatusPartialContent:
		if r, ok := parseContentRange(resp.Header.Get("Content-Range")); ok {
			responseRange = r
		}
	default:
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
				responseRange = ByteRange{Start: 0, End: n}
			}
		}
	}

	if responseRange.Start > start || responseRange.End < end {
		resp.Body.Close()
		return nil, ByteRange{}, gatewayerr.New(gatewayerr.KindRangeInvalid, "driveclient.GetFile",
			fmt.Errorf("requested [%d, %d) but response covers [%d, %d)", start, end, responseRange.Start, responseRange.End))
	}

	return resp.Body, responseRange, nil
}

// parseContentRange parses "bytes start-end/total" into a half-open range.
func parseContentRange(header string) (ByteRange, bool) {
	header = strings.TrimPrefix(header, "bytes ")
	parts := strings.SplitN(header, "/", 2)
	if len(parts) != 2 {
		return ByteRange{}, false
	}
	bounds := strings.SplitN(parts[0], "-", 2)
	if len(bounds) != 2 {
		return ByteRange{}, false
	}
	start, err1 := strconv.ParseInt(bounds[0], 10, 64)
	end, err2 := strconv.ParseInt(bounds[1], 10, 64)
	if err1 != nil || err2 != nil {
		return ByteRange{}, false
	}
	return ByteRange{Start: start, End: end + 1}, true
}

// DeleteFile deletes a remote file by ID.
func (c *Client) DeleteFile(ctx context.Context, fileID string) error {
	url := fmt.Sprintf("%s/%s", c.filesURL, fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return gatewayerr.New(gatewayerr.KindTransport, "driveclient.DeleteFile", err)
	}
	q := req.URL.Query()
	q.Set("supportsAllDrives", "true")
	req.URL.RawQuery = q.Encode()

	if err := c.requestLimiter.Wait(ctx); err != nil {
		return gatewayerr.New(gatewayerr.KindTransport, "driveclient.DeleteFile", err)
	}
	if err := c.authorize(ctx, req); err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return gatewayerr.New(gatewayerr.KindTransport, "driveclient.DeleteFile", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return gatewayerr.New(gatewayerr.KindRemoteStatus, "driveclient.DeleteFile", fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}

// CreateDrive creates a new hidden shared drive named name and returns its ID.
func (c *Client) CreateDrive(ctx context.Context, name string) (string, error) {
	requestID, err := randomBoundary(20)
	if err != nil {
		return "", gatewayerr.New(gatewayerr.KindIO, "driveclient.CreateDrive", err)
	}

	payload, err := json.Marshal(struct {
		Name   string `json:"name"`
		Hidden bool   `json:"hidden"`
	}{Name: name, Hidden: true})
	if err != nil {
		return "", gatewayerr.New(gatewayerr.KindSerde, "driveclient.CreateDrive", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.drivesURL, strings.NewReader(string(payload)))
	if err != nil {
		return "", gatewayerr.New(gatewayerr.KindTransport, "driveclient.CreateDrive", err)
	}
	req.Header.Set("Content-Type", "application/json")
	q := req.URL.Query()
	q.Set("requestId", requestID)
	req.URL.RawQuery = q.Encode()

	if err := c.requestLimiter.Wait(ctx); err != nil {
		return "", gatewayerr.New(gatewayerr.KindTransport, "driveclient.CreateDrive", err)
	}
	if err := c.authorize(ctx, req); err != nil {
		return "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", gatewayerr.New(gatewayerr.KindTransport, "driveclient.CreateDrive", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", gatewayerr.New(gatewayerr.KindRemoteStatus, "driveclient.CreateDrive", fmt.Errorf("status %d", resp.StatusCode))
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", gatewayerr.New(gatewayerr.KindSerde, "driveclient.CreateDrive", err)
	}
	return out.ID, nil
}
