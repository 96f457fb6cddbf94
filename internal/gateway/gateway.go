// Package gateway orchestrates upload, download, and deletion of encrypted
// files across the metadata store and the remote drive client, grounded on
// original_source/src/store.rs's Store.
package gateway

import (
	"context"
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chiya-dev/castella-gateway/internal/cryptostream"
	"github.com/chiya-dev/castella-gateway/internal/db"
	"github.com/chiya-dev/castella-gateway/internal/driveclient"
	"github.com/chiya-dev/castella-gateway/internal/gatewayerr"
	"github.com/chiya-dev/castella-gateway/internal/metadata"
	"github.com/chiya-dev/castella-gateway/internal/metrics"
	"github.com/chiya-dev/castella-gateway/internal/rangeplan"
	"github.com/chiya-dev/castella-gateway/internal/streamio"
)

// DriveMaxFileLimit is the conservative per-drive file-count ceiling the
// allocator refuses to exceed.
const DriveMaxFileLimit = 350_000

const fileNameAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// MetadataStore is the subset of internal/db.Store the gateway depends on.
type MetadataStore interface {
	AddDrive(ctx context.Context, id string) (*metadata.Drive, error)
	GetDriveByLeastFiles(ctx context.Context, max int32) (*metadata.Drive, error)
	AddFile(ctx context.Context, id string, driveKey int32, size int64, contentType string, secret []byte) (*metadata.File, error)
	GetFileByKey(ctx context.Context, key int32, touch bool) (*metadata.File, error)
	DeleteFileByKey(ctx context.Context, key int32) (*metadata.File, error)
}

// ByteRange is the gateway's plaintext range type, aliasing rangeplan.Range.
type ByteRange = rangeplan.Range

// DriveClient is the subset of internal/driveclient.Client the gateway depends on.
type DriveClient interface {
	CreateFile(ctx context.Context, name, parentDriveID string, size int64, contentType string, content io.Reader) (string, error)
	GetFile(ctx context.Context, fileID string, start, end int64) (io.ReadCloser, driveclient.ByteRange, error)
	DeleteFile(ctx context.Context, fileID string) error
	CreateDrive(ctx context.Context, name string) (string, error)
}

// Gateway ties the metadata store and remote drive client together behind
// the single-slot allocation gate.
type Gateway struct {
	db      MetadataStore
	drive   DriveClient
	allocMu sync.Mutex
	log     *logrus.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// New constructs a Gateway. m and logger may be nil for tests.
func New(db MetadataStore, drive DriveClient, logger *logrus.Logger, m *metrics.Metrics) *Gateway {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Gateway{
		db:      db,
		drive:   drive,
		log:     logger,
		metrics: m,
		tracer:  otel.Tracer("castella-gateway/gateway"),
	}
}

func randomName(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = fileNameAlphabet[int(b)%len(fileNameAlphabet)]
	}
	return string(out), nil
}

// allocateFile selects (or creates) the backing drive for a new file,
// serialized by allocMu so concurrent uploads never race into creating two
// drives when one would do.
func (g *Gateway) allocateFile(ctx context.Context) (*metadata.Drive, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.allocateFile")
	defer span.End()

	g.allocMu.Lock()
	defer g.allocMu.Unlock()

	drive, err := g.db.GetDriveByLeastFiles(ctx, DriveMaxFileLimit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if drive != nil {
		return drive, nil
	}

	name, err := db.NewDriveName()
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.KindIO, "gateway.allocateFile", err)
	}
	remoteID, err := g.drive.CreateDrive(ctx, name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	drive, err = g.db.AddDrive(ctx, remoteID)
	if err != nil {
		return nil, err
	}
	if g.metrics != nil {
		g.metrics.RecordDriveCreated()
	}
	return drive, nil
}

// Upload encrypts content (size declared bytes, contentType) chunk by
// chunk, allocates a backing drive, stores the ciphertext remotely, and
// persists the metadata row.
func (g *Gateway) Upload(ctx context.Context, size int64, contentType string, content io.Reader) (*metadata.File, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.Upload", trace.WithAttributes(attribute.Int64("size", size)))
	defer span.End()

	if err := cryptostream.ValidateSize(size); err != nil {
		return nil, gatewayerr.New(gatewayerr.KindDecrypt, "gateway.Upload", err)
	}

	drive, err := g.allocateFile(ctx)
	if err != nil {
		return nil, err
	}

	secret, err := cryptostream.GenSecret()
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.KindIO, "gateway.Upload", err)
	}
	cipher, err := cryptostream.NewChunkCipher(secret)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.KindDecrypt, "gateway.Upload", err)
	}

	var pipeline io.Reader
	if size > 0 {
		rechunked := streamio.Rechunk(content, size, cryptostream.ChunkSize)
		pipeline = cryptostream.Encrypt(rechunked, cipher, 0)
	} else {
		pipeline = io.LimitReader(content, 0)
	}

	encryptedSize := cryptostream.CiphertextSize(size)

	name, err := randomName(20)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.KindIO, "gateway.Upload", err)
	}

	start := time.Now()
	remoteID, err := g.drive.CreateFile(ctx, name, drive.ID, encryptedSize, "application/octet-stream", pipeline)
	if g.metrics != nil {
		g.metrics.RecordDriveOperation(ctx, "create_file", drive.ID, time.Since(start))
		if err != nil {
			g.metrics.RecordDriveError(ctx, "create_file", drive.ID, "upload_failed")
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	file, err := g.db.AddFile(ctx, remoteID, drive.DriveKey, size, contentType, secret)
	if err != nil {
		return nil, err
	}
	if g.metrics != nil {
		g.metrics.RecordFileUploaded()
		g.metrics.RecordCryptoOperation(ctx, "encrypt", time.Since(start), size)
	}
	g.log.WithFields(logrus.Fields{"file_key": file.FileKey, "drive": drive.ID, "size": size}).Info("uploaded file")
	return file, nil
}

// readCloser pairs a derived Reader with the underlying response body it
// must close once consumed.
type readCloser struct {
	io.Reader
	closer io.Closer
}

func (r *readCloser) Close() error { return r.closer.Close() }

// Get returns the file's metadata (with accessed_time touched), a decrypted
// stream covering exactly the served plaintext range, and that range: the
// requested one when it is valid for the file, otherwise the whole file
// [0, size) per rangeplan.Normalize.
func (g *Gateway) Get(ctx context.Context, key int32, reqRange *ByteRange) (*metadata.File, io.ReadCloser, ByteRange, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.Get", trace.WithAttributes(attribute.Int64("file_key", int64(key))))
	defer span.End()

	file, err := g.db.GetFileByKey(ctx, key, true)
	if err != nil {
		span.RecordError(err)
		return nil, nil, ByteRange{}, err
	}

	cipher, err := cryptostream.NewChunkCipher(file.Secret)
	if err != nil {
		return nil, nil, ByteRange{}, gatewayerr.New(gatewayerr.KindDecrypt, "gateway.Get", err)
	}

	encryptedSize := cryptostream.CiphertextSize(file.Size)

	var rng rangeplan.Range
	if reqRange != nil {
		rng = rangeplan.Normalize(reqRange.Start, reqRange.End, file.Size)
	} else {
		rng = rangeplan.Range{Start: 0, End: file.Size}
	}
	plan := rangeplan.Compute(rng.Start, rng.End, file.Size, encryptedSize)

	start := time.Now()
	body, respRange, err := g.drive.GetFile(ctx, file.ID, plan.Ciphertext.Start, plan.Ciphertext.End)
	if g.metrics != nil {
		g.metrics.RecordDriveOperation(ctx, "get_file", file.ID, time.Since(start))
		if err != nil {
			g.metrics.RecordDriveError(ctx, "get_file", file.ID, "download_failed")
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, ByteRange{}, err
	}

	respStart, respEnd := respRange.Start, respRange.End
	if err := rangeplan.ValidateResponseRange(plan.Ciphertext, respStart, respEnd); err != nil {
		body.Close()
		return nil, nil, ByteRange{}, gatewayerr.New(gatewayerr.KindRangeInvalid, "gateway.Get", err)
	}

	viewStart := plan.Ciphertext.Start - respStart
	viewEnd := viewStart + (plan.Ciphertext.End - plan.Ciphertext.Start)
	sliced := streamio.Slice(body, viewStart, viewEnd)
	rechunked := streamio.Rechunk(sliced, viewEnd-viewStart, cryptostream.EncryptedChunkSize)
	decrypted := cryptostream.Decrypt(rechunked, cipher, plan.ChunkStart)
	trimmed := streamio.Slice(decrypted, plan.Trim.Start, plan.Trim.End)

	if g.metrics != nil {
		g.metrics.RecordCryptoOperation(ctx, "decrypt", time.Since(start), plan.Plaintext.End-plan.Plaintext.Start)
	}

	return file, &readCloser{Reader: trimmed, closer: body}, plan.Plaintext, nil
}

// GetInfo returns the file's metadata without touching accessed_time.
func (g *Gateway) GetInfo(ctx context.Context, key int32) (*metadata.File, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.GetInfo")
	defer span.End()
	return g.db.GetFileByKey(ctx, key, false)
}

// Delete removes the metadata row first, then the remote object. A failure
// deleting remotely after the row is gone leaves an orphaned remote file
// rather than corrupting metadata; orphan reclamation is not implemented.
func (g *Gateway) Delete(ctx context.Context, key int32) (*metadata.File, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.Delete")
	defer span.End()

	file, err := g.db.DeleteFileByKey(ctx, key)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	start := time.Now()
	err = g.drive.DeleteFile(ctx, file.ID)
	if g.metrics != nil {
		g.metrics.RecordDriveOperation(ctx, "delete_file", file.ID, time.Since(start))
		if err != nil {
			g.metrics.RecordDriveError(ctx, "delete_file", file.ID, "delete_failed")
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if g.metrics != nil {
		g.metrics.RecordFileDeleted()
	}
	g.log.WithFields(logrus.Fields{"file_key": key}).Info("deleted file")
	return file, nil
}
