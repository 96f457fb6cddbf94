package gateway

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chiya-dev/castella-gateway/internal/driveclient"
	"github.com/chiya-dev/castella-gateway/internal/gatewayerr"
	"github.com/chiya-dev/castella-gateway/internal/metadata"
)

// fakeStore is an in-memory MetadataStore good enough to exercise the
// gateway's orchestration logic without a real Postgres instance.
type fakeStore struct {
	mu     sync.Mutex
	drives []*metadata.Drive
	files  map[int32]*metadata.File
	nextFK int32
	nextDK int32
}

func newFakeStore() *fakeStore {
	return &fakeStore{files: make(map[int32]*metadata.File)}
}

func (s *fakeStore) AddDrive(_ context.Context, id string) (*metadata.Drive, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextDK++
	d := &metadata.Drive{DriveKey: s.nextDK, ID: id, CreatedTime: time.Now()}
	s.drives = append(s.drives, d)
	return d, nil
}

func (s *fakeStore) GetDriveByLeastFiles(_ context.Context, max int32) (*metadata.Drive, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *metadata.Drive
	bestCount := int32(-1)
	for _, d := range s.drives {
		count := int32(0)
		for _, f := range s.files {
			if f.DriveKey == d.DriveKey {
				count++
			}
		}
		if count > max {
			continue
		}
		if bestCount == -1 || count < bestCount {
			best = d
			bestCount = count
		}
	}
	return best, nil
}

func (s *fakeStore) AddFile(_ context.Context, id string, driveKey int32, size int64, contentType string, secret []byte) (*metadata.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextFK++
	f := &metadata.File{
		FileKey: s.nextFK, ID: id, DriveKey: driveKey, Size: size, ContentType: contentType,
		CreatedTime: time.Now(), AccessedTime: time.Now(), Secret: secret,
	}
	s.files[f.FileKey] = f
	return f, nil
}

func (s *fakeStore) GetFileByKey(_ context.Context, key int32, touch bool) (*metadata.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[key]
	if !ok {
		return nil, gatewayerr.New(gatewayerr.KindNotFound, "fakeStore.GetFileByKey", nil)
	}
	if touch {
		f.AccessedTime = time.Now()
	}
	return f, nil
}

func (s *fakeStore) DeleteFileByKey(_ context.Context, key int32) (*metadata.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[key]
	if !ok {
		return nil, gatewayerr.New(gatewayerr.KindNotFound, "fakeStore.DeleteFileByKey", nil)
	}
	delete(s.files, key)
	return f, nil
}

// fakeDrive is an in-memory DriveClient storing ciphertext blobs by ID.
type fakeDrive struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	nextID  int
	deleted []string
}

func newFakeDrive() *fakeDrive {
	return &fakeDrive{blobs: make(map[string][]byte)}
}

func (d *fakeDrive) CreateFile(_ context.Context, _ string, _ string, _ int64, _ string, content io.Reader) (string, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := "blob-" + string(rune('0'+d.nextID))
	d.blobs[id] = data
	return id, nil
}

func (d *fakeDrive) GetFile(_ context.Context, fileID string, start, end int64) (io.ReadCloser, driveclient.ByteRange, error) {
	d.mu.Lock()
	data, ok := d.blobs[fileID]
	d.mu.Unlock()
	if !ok {
		return nil, driveclient.ByteRange{}, gatewayerr.New(gatewayerr.KindNotFound, "fakeDrive.GetFile", nil)
	}
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return io.NopCloser(bytes.NewReader(data[start:end])), driveclient.ByteRange{Start: start, End: end}, nil
}

func (d *fakeDrive) DeleteFile(_ context.Context, fileID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.blobs, fileID)
	d.deleted = append(d.deleted, fileID)
	return nil
}

func (d *fakeDrive) CreateDrive(_ context.Context, name string) (string, error) {
	return "drive-" + name, nil
}

func newTestGateway() (*Gateway, *fakeStore, *fakeDrive) {
	store := newFakeStore()
	drive := newFakeDrive()
	return New(store, drive, nil, nil), store, drive
}

func TestGateway_UploadCreatesDriveThenReusesIt(t *testing.T) {
	g, store, _ := newTestGateway()
	ctx := t.Context()

	content := bytes.Repeat([]byte{0x42}, 100)
	f1, err := g.Upload(ctx, int64(len(content)), "text/plain", bytes.NewReader(content))
	require.NoError(t, err)
	require.Len(t, store.drives, 1)

	f2, err := g.Upload(ctx, int64(len(content)), "text/plain", bytes.NewReader(content))
	require.NoError(t, err)
	require.Len(t, store.drives, 1, "second upload should reuse the existing drive")
	require.NotEqual(t, f1.FileKey, f2.FileKey)
}

func TestGateway_UploadThenGetRoundTrip(t *testing.T) {
	g, _, _ := newTestGateway()
	ctx := t.Context()

	content := bytes.Repeat([]byte("castella-"), 300000) // multi-chunk
	f, err := g.Upload(ctx, int64(len(content)), "application/octet-stream", bytes.NewReader(content))
	require.NoError(t, err)

	file, body, rng, err := g.Get(ctx, f.FileKey, nil)
	require.NoError(t, err)
	defer body.Close()
	require.Equal(t, ByteRange{Start: 0, End: int64(len(content))}, rng)

	got, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, content, got)
	require.Equal(t, int64(len(content)), file.Size)
}

func TestGateway_GetPartialRange(t *testing.T) {
	g, _, _ := newTestGateway()
	ctx := t.Context()

	content := bytes.Repeat([]byte("x"), 1<<20+500) // spans two chunks
	f, err := g.Upload(ctx, int64(len(content)), "application/octet-stream", bytes.NewReader(content))
	require.NoError(t, err)

	rng := ByteRange{Start: (1 << 20) - 10, End: (1 << 20) + 10}
	_, body, gotRange, err := g.Get(ctx, f.FileKey, &rng)
	require.NoError(t, err)
	defer body.Close()
	require.Equal(t, rng, gotRange)

	got, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, content[rng.Start:rng.End], got)
}

func TestGateway_GetInfoDoesNotTouch(t *testing.T) {
	g, _, _ := newTestGateway()
	ctx := t.Context()

	content := []byte("hello")
	f, err := g.Upload(ctx, int64(len(content)), "text/plain", bytes.NewReader(content))
	require.NoError(t, err)
	accessedBefore := f.AccessedTime

	info, err := g.GetInfo(ctx, f.FileKey)
	require.NoError(t, err)
	require.Equal(t, f.FileKey, info.FileKey)
	require.Equal(t, accessedBefore, info.AccessedTime)
}

func TestGateway_DeleteRemovesMetadataAndRemote(t *testing.T) {
	g, store, drive := newTestGateway()
	ctx := t.Context()

	content := []byte("to be deleted")
	f, err := g.Upload(ctx, int64(len(content)), "text/plain", bytes.NewReader(content))
	require.NoError(t, err)

	deleted, err := g.Delete(ctx, f.FileKey)
	require.NoError(t, err)
	require.Equal(t, f.FileKey, deleted.FileKey)

	_, err = store.GetFileByKey(ctx, f.FileKey, false)
	require.Error(t, err)
	require.Contains(t, drive.deleted, f.ID)
}

func TestGateway_DeleteNotFound(t *testing.T) {
	g, _, _ := newTestGateway()
	_, err := g.Delete(t.Context(), 999)
	require.Error(t, err)
	require.True(t, gatewayerr.Is(err, gatewayerr.KindNotFound))
}

func TestGateway_UploadZeroLength(t *testing.T) {
	g, _, _ := newTestGateway()
	f, err := g.Upload(t.Context(), 0, "application/octet-stream", bytes.NewReader(nil))
	require.NoError(t, err)
	require.Equal(t, int64(0), f.Size)
}
