package document

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/document-vault/internal/config"
	"github.com/kenneth/document-vault/internal/crypto"
	"github.com/kenneth/document-vault/internal/s3"
)

const testBucket = "vault-test"

var testHandle = crypto.MasterKeyHandle{
	Project:  "tax-vault",
	Location: "us-east-1",
	KeyRing:  "documents",
	Key:      "document-dek",
}

// countingStore wraps the memory backend and records every call.
type countingStore struct {
	*s3.MemoryClient
	calls   atomic.Int64
	failFor func(op, key string) error
}

func (c *countingStore) fail(op, key string) error {
	c.calls.Add(1)
	if c.failFor != nil {
		return c.failFor(op, key)
	}
	return nil
}

func (c *countingStore) PutObject(ctx context.Context, bucket, key string, body []byte, metadata map[string]string, opts s3.PutOptions) error {
	if err := c.fail("put", key); err != nil {
		return err
	}
	return c.MemoryClient.PutObject(ctx, bucket, key, body, metadata, opts)
}

func (c *countingStore) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, map[string]string, error) {
	if err := c.fail("get", key); err != nil {
		return nil, nil, err
	}
	return c.MemoryClient.GetObject(ctx, bucket, key)
}

func (c *countingStore) HeadObject(ctx context.Context, bucket, key string) (map[string]string, error) {
	if err := c.fail("head", key); err != nil {
		return nil, err
	}
	return c.MemoryClient.HeadObject(ctx, bucket, key)
}

func (c *countingStore) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := c.fail("delete", key); err != nil {
		return err
	}
	return c.MemoryClient.DeleteObject(ctx, bucket, key)
}

func (c *countingStore) ListObjects(ctx context.Context, bucket, prefix string, opts s3.ListOptions) (*s3.ListResult, error) {
	if err := c.fail("list", prefix); err != nil {
		return nil, err
	}
	return c.MemoryClient.ListObjects(ctx, bucket, prefix, opts)
}

// countingKeys wraps the local key manager and records wrap/unwrap calls.
type countingKeys struct {
	crypto.KeyManager
	wraps    atomic.Int64
	unwraps  atomic.Int64
	wrapErr  error
	unwrapFn func() error
}

func (k *countingKeys) WrapKey(ctx context.Context, pt []byte, wrapCtx map[string]string) (*crypto.KeyEnvelope, error) {
	k.wraps.Add(1)
	if k.wrapErr != nil {
		return nil, k.wrapErr
	}
	return k.KeyManager.WrapKey(ctx, pt, wrapCtx)
}

func (k *countingKeys) UnwrapKey(ctx context.Context, env *crypto.KeyEnvelope, wrapCtx map[string]string) ([]byte, error) {
	k.unwraps.Add(1)
	if k.unwrapFn != nil {
		if err := k.unwrapFn(); err != nil {
			return nil, err
		}
	}
	return k.KeyManager.UnwrapKey(ctx, env, wrapCtx)
}

type fixture struct {
	svc   *Service
	mem   *s3.MemoryClient
	store *countingStore
	keys  *countingKeys
	dek   atomic.Int64
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()

	local, err := crypto.NewLocalKeyManager("local-development-secret", testHandle)
	require.NoError(t, err)

	mem := s3.NewMemoryClient()
	f := &fixture{
		mem:   mem,
		store: &countingStore{MemoryClient: mem},
		keys:  &countingKeys{KeyManager: local},
	}

	opts := Options{Bucket: testBucket, MaxSizeBytes: 10 << 20}
	for _, m := range mutate {
		m(&opts)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	svc, err := NewService(f.store, f.keys, opts, logger, nil)
	require.NoError(t, err)
	svc.generateKey = func() ([]byte, error) {
		f.dek.Add(1)
		return crypto.GenerateKey()
	}
	f.svc = svc
	return f
}

func (f *fixture) resetCounters() {
	f.store.calls.Store(0)
	f.keys.wraps.Store(0)
	f.keys.unwraps.Store(0)
	f.dek.Store(0)
}

func owner(id string) Requester { return Requester{UserID: id} }

var admin = Requester{UserID: "reviewer01", Admin: true}

func ingest(t *testing.T, f *fixture, ownerID string, c Category, data []byte) *IngestResult {
	t.Helper()
	res, err := f.svc.Ingest(context.Background(), IngestRequest{
		OwnerID:      ownerID,
		Category:     string(c),
		OriginalName: "scan.pdf",
		ContentType:  "application/pdf",
		Data:         data,
		Requester:    owner(ownerID),
	})
	require.NoError(t, err)
	return res
}

func loadPolicy(t *testing.T, pm *config.PolicyManager, body string) *config.PolicyManager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	require.NoError(t, pm.LoadPolicies([]string{path}))
	return pm
}

// putLegacyEnvelope stores an AES-256-CBC envelope the way older writers produced them.
func putLegacyEnvelope(t *testing.T, f *fixture, ownerID string, c Category, data []byte) string {
	t.Helper()
	ctx := context.Background()
	uploadedAt := time.Now().UTC()

	p, err := NewPath(c, ownerID, "pdf", uploadedAt)
	require.NoError(t, err)
	cbc, err := crypto.CipherFor(crypto.AlgorithmAES256CBC)
	require.NoError(t, err)
	dek, err := crypto.GenerateKey()
	require.NoError(t, err)
	iv, err := crypto.GenerateIV(cbc)
	require.NoError(t, err)
	ciphertext, err := cbc.Seal(dek, iv, data, nil)
	require.NoError(t, err)
	wrapped, err := f.svc.wrapKey(ctx, dek, p)
	require.NoError(t, err)

	body, err := crypto.EncodeEnvelope(&crypto.Envelope{
		Version:    crypto.EnvelopeVersion,
		Algorithm:  crypto.AlgorithmAES256CBC,
		Ciphertext: ciphertext,
		WrappedKey: wrapped.Ciphertext,
		IV:         iv,
		KeyID:      wrapped.KeyID,
	})
	require.NoError(t, err)
	meta := buildMetadata("legacy.pdf", "application/pdf", ownerID, c, uploadedAt, int64(len(data)), crypto.AlgorithmAES256CBC)
	require.NoError(t, f.mem.PutObject(ctx, testBucket, p.String(), body, meta, s3.PutOptions{}))
	return p.String()
}

func TestNewService_Validation(t *testing.T) {
	mem := s3.NewMemoryClient()
	local, err := crypto.NewLocalKeyManager("local-development-secret", testHandle)
	require.NoError(t, err)

	_, err = NewService(nil, local, Options{Bucket: "b"}, nil, nil)
	assert.Error(t, err)
	_, err = NewService(mem, nil, Options{Bucket: "b"}, nil, nil)
	assert.Error(t, err)
	_, err = NewService(mem, local, Options{}, nil, nil)
	assert.Error(t, err)
	_, err = NewService(mem, local, Options{Bucket: "b", Algorithm: "rot13"}, nil, nil)
	assert.ErrorIs(t, err, crypto.ErrUnsupportedAlgorithm)
	_, err = NewService(mem, local, Options{Bucket: "b", Algorithm: crypto.AlgorithmAES256CBC}, nil, nil)
	assert.ErrorIs(t, err, crypto.ErrUnauthenticatedAlgorithm)
	_, err = NewService(mem, local, Options{Bucket: "b", SupportedAlgorithms: []string{"rot13"}}, nil, nil)
	assert.ErrorIs(t, err, crypto.ErrUnsupportedAlgorithm)

	cbcPolicy := loadPolicy(t, config.NewPolicyManager(), "id: legacy-medical\ncategories: [\"medical\"]\nalgorithm: aes-256-cbc\n")
	_, err = NewService(mem, local, Options{Bucket: "b", Policies: cbcPolicy}, nil, nil)
	assert.ErrorIs(t, err, crypto.ErrUnauthenticatedAlgorithm)

	// Reading legacy envelopes stays allowed.
	_, err = NewService(mem, local, Options{Bucket: "b", SupportedAlgorithms: []string{crypto.AlgorithmAES256CBC}}, nil, nil)
	assert.NoError(t, err)

	svc, err := NewService(mem, local, Options{Bucket: "b", CatalogConcurrency: 100}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, len(allCategories), svc.opts.CatalogConcurrency)
	assert.Equal(t, crypto.AlgorithmAES256GCM, svc.opts.Algorithm)
}

func TestRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 15, 16, 17, 4096, 1 << 20, 10 << 20}
	algorithms := []string{crypto.AlgorithmAES256GCM, crypto.AlgorithmChaCha20Poly1305}

	for _, alg := range algorithms {
		f := newFixture(t, func(o *Options) { o.Algorithm = alg })
		for _, size := range sizes {
			t.Run(fmt.Sprintf("%s/%d", alg, size), func(t *testing.T) {
				data := bytes.Repeat([]byte{0xA5}, size)
				res := ingest(t, f, "user123", CategoryW2Forms, data)

				doc, err := f.svc.Retrieve(context.Background(), res.Path, owner("user123"))
				require.NoError(t, err)
				assert.Equal(t, len(data), len(doc.Data))
				assert.True(t, bytes.Equal(data, doc.Data))
				assert.Equal(t, "application/pdf", doc.ContentType)
				assert.Equal(t, int64(size), res.SizeBytes)
			})
		}
	}
}

func TestIngest_ConcurrentPathsAreUnique(t *testing.T) {
	f := newFixture(t)
	fixed := time.UnixMilli(1700000000000).UTC()
	f.svc.now = func() time.Time { return fixed }

	const n = 64
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		paths = make(map[string]struct{}, n)
		errs  []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.Ingest(context.Background(), IngestRequest{
				OwnerID:     "user123",
				Category:    string(CategoryMedical),
				ContentType: "text/plain",
				Data:        []byte(fmt.Sprintf("document %d", i)),
				Requester:   owner("user123"),
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			paths[res.Path] = struct{}{}
		}(i)
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Len(t, paths, n)
	assert.Equal(t, n, f.mem.Len(testBucket))
}

func TestIngest_RetriesOnPathCollision(t *testing.T) {
	f := newFixture(t)
	var puts atomic.Int64
	f.store.failFor = func(op, key string) error {
		if op == "put" && puts.Add(1) == 1 {
			return s3.ErrObjectExists
		}
		return nil
	}

	res := ingest(t, f, "user123", CategoryEducation, []byte("transcript"))
	assert.Equal(t, int64(2), puts.Load())
	assert.Equal(t, 1, f.mem.Len(testBucket))
	assert.Equal(t, int64(1), f.keys.wraps.Load())

	_, err := f.svc.Stat(context.Background(), res.Path, owner("user123"))
	assert.NoError(t, err)
}

func TestIngest_StoreFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "collisions exhausted", err: s3.ErrObjectExists},
		{name: "store down", err: errors.New("connection refused")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.store.failFor = func(op, _ string) error {
				if op == "put" {
					return tt.err
				}
				return nil
			}

			_, err := f.svc.Ingest(context.Background(), IngestRequest{
				OwnerID:     "user123",
				Category:    string(CategoryMedical),
				ContentType: "image/png",
				Data:        []byte("png"),
				Requester:   owner("user123"),
			})
			require.Error(t, err)
			assert.Equal(t, KindStorageWrite, KindOf(err))
			assert.True(t, IsRetryable(err))
			assert.Equal(t, 0, f.mem.Len(testBucket))
		})
	}
}

func TestIngest_KMSUnavailableWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.keys.wrapErr = fmt.Errorf("%w: dial tcp: timeout", crypto.ErrKeyUnavailable)

	_, err := f.svc.Ingest(context.Background(), IngestRequest{
		OwnerID:     "user123",
		Category:    string(CategoryMedical),
		ContentType: "application/pdf",
		Data:        []byte("%PDF-1.7"),
		Requester:   owner("user123"),
	})
	require.Error(t, err)
	assert.Equal(t, KindUpstreamUnavailable, KindOf(err))
	assert.ErrorIs(t, err, crypto.ErrKeyUnavailable)
	assert.Equal(t, int64(0), f.store.calls.Load())
	assert.Equal(t, 0, f.mem.Len(testBucket))
}

func TestIngest_ValidationHappensBeforeCrypto(t *testing.T) {
	tests := []struct {
		name     string
		req      IngestRequest
		wantKind Kind
		wantErr  error
	}{
		{
			name:     "too large",
			req:      IngestRequest{OwnerID: "user123", Category: "medical", ContentType: "application/pdf", Data: make([]byte, 10<<20+1), Requester: owner("user123")},
			wantKind: KindValidation,
			wantErr:  ErrTooLarge,
		},
		{
			name:     "declared size too large",
			req:      IngestRequest{OwnerID: "user123", Category: "medical", ContentType: "application/pdf", Data: []byte("x"), DeclaredSize: 11 << 20, Requester: owner("user123")},
			wantKind: KindValidation,
			wantErr:  ErrTooLarge,
		},
		{
			name:     "content type",
			req:      IngestRequest{OwnerID: "user123", Category: "medical", ContentType: "application/x-msdownload", Data: []byte("MZ"), Requester: owner("user123")},
			wantKind: KindValidation,
			wantErr:  ErrUnsupportedContentType,
		},
		{
			name:     "category",
			req:      IngestRequest{OwnerID: "user123", Category: "receipts", ContentType: "application/pdf", Data: []byte("x"), Requester: owner("user123")},
			wantKind: KindValidation,
			wantErr:  ErrInvalidCategory,
		},
		{
			name:     "owner traversal",
			req:      IngestRequest{OwnerID: "../admin", Category: "medical", ContentType: "application/pdf", Data: []byte("x"), Requester: owner("../admin")},
			wantKind: KindValidation,
			wantErr:  ErrInvalidOwner,
		},
		{
			name:     "admin only category",
			req:      IngestRequest{OwnerID: "user123", Category: "admin-returns", ContentType: "application/pdf", Data: []byte("x"), Requester: owner("user123")},
			wantKind: KindUnauthorized,
			wantErr:  ErrAdminOnly,
		},
		{
			name:     "foreign owner",
			req:      IngestRequest{OwnerID: "user456", Category: "medical", ContentType: "application/pdf", Data: []byte("x"), Requester: owner("user123")},
			wantKind: KindUnauthorized,
			wantErr:  ErrNotOwner,
		},
		{
			name:     "anonymous",
			req:      IngestRequest{OwnerID: "user123", Category: "medical", ContentType: "application/pdf", Data: []byte("x")},
			wantKind: KindUnauthorized,
			wantErr:  ErrUnauthenticated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.Ingest(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, KindOf(err))
			assert.ErrorIs(t, err, tt.wantErr)
			assert.False(t, IsRetryable(err))

			assert.Equal(t, int64(0), f.dek.Load(), "no data key may be generated")
			assert.Equal(t, int64(0), f.keys.wraps.Load())
			assert.Equal(t, int64(0), f.store.calls.Load())
		})
	}
}

func TestIngest_RefusesLegacyAlgorithmPolicy(t *testing.T) {
	pm := config.NewPolicyManager()
	f := newFixture(t, func(o *Options) { o.Policies = pm })
	// Policies swapped in after startup still cannot select an unauthenticated mode.
	loadPolicy(t, pm, "id: legacy-w2\ncategories: [\"w2Forms\"]\nalgorithm: aes-256-cbc\n")

	_, err := f.svc.Ingest(context.Background(), IngestRequest{
		OwnerID:     "user123",
		Category:    string(CategoryW2Forms),
		ContentType: "application/pdf",
		Data:        []byte("w2"),
		Requester:   owner("user123"),
	})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.ErrorIs(t, err, crypto.ErrUnauthenticatedAlgorithm)
	assert.Equal(t, int64(0), f.dek.Load())
	assert.Equal(t, int64(0), f.store.calls.Load())

	// Other categories keep the authenticated default.
	ingest(t, f, "user123", CategoryMedical, []byte("lab"))
}

func TestIngest_AdminReturn(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Ingest(context.Background(), IngestRequest{
		OwnerID:      "user123",
		Category:     string(CategoryAdminReturns),
		OriginalName: "2025 return.pdf",
		ContentType:  "application/pdf",
		Data:         []byte("%PDF-1.7 return"),
		Requester:    admin,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Path, "admin-returns/user123/"))

	// The owner can read what the admin filed for them.
	doc, err := f.svc.Retrieve(context.Background(), res.Path, owner("user123"))
	require.NoError(t, err)
	assert.Equal(t, "2025 return.pdf", doc.OriginalName)

	rec, err := f.svc.Stat(context.Background(), res.Path, owner("user123"))
	require.NoError(t, err)
	assert.Equal(t, CategoryAdminReturns, rec.Category)
	assert.Equal(t, StatusStored, rec.Status)
}

func TestRetrieve_AuthorizationBeforeIO(t *testing.T) {
	f := newFixture(t)
	res := ingest(t, f, "user123", CategoryMedical, []byte("lab results"))
	f.resetCounters()

	_, err := f.svc.Retrieve(context.Background(), res.Path, owner("user456"))
	require.Error(t, err)
	assert.Equal(t, KindUnauthorized, KindOf(err))
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = f.svc.Stat(context.Background(), res.Path, owner("user456"))
	assert.Equal(t, KindUnauthorized, KindOf(err))

	err = f.svc.Delete(context.Background(), res.Path, owner("user456"))
	assert.Equal(t, KindUnauthorized, KindOf(err))

	_, err = f.svc.List(context.Background(), "user123", owner("user456"))
	assert.Equal(t, KindUnauthorized, KindOf(err))

	assert.Equal(t, int64(0), f.keys.unwraps.Load())
	assert.Equal(t, int64(0), f.store.calls.Load())
	assert.Equal(t, 1, f.mem.Len(testBucket))

	// Admins may read any owner's documents.
	doc, err := f.svc.Retrieve(context.Background(), res.Path, admin)
	require.NoError(t, err)
	assert.Equal(t, "lab results", string(doc.Data))
}

func TestRetrieve_InvalidPath(t *testing.T) {
	f := newFixture(t)

	paths := []string{
		"",
		"medical/user123",
		"medical/user123/../user456/1700000000000-0123456789abcdef0123456789abcdef.pdf",
		"medical/../1700000000000-0123456789abcdef0123456789abcdef.pdf",
		"receipts/user123/1700000000000-0123456789abcdef0123456789abcdef.pdf",
		"medical/user123/notes.pdf",
	}
	for _, p := range paths {
		_, err := f.svc.Retrieve(context.Background(), p, admin)
		assert.Equal(t, KindValidation, KindOf(err), p)
	}
	assert.Equal(t, int64(0), f.store.calls.Load())
}

func TestRetrieve_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Retrieve(context.Background(), "medical/user123/1700000000000-0123456789abcdef0123456789abcdef.pdf", owner("user123"))
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.ErrorIs(t, err, s3.ErrObjectNotFound)
}

func TestRetrieve_UpstreamFailures(t *testing.T) {
	f := newFixture(t)
	res := ingest(t, f, "user123", CategoryMedical, []byte("lab results"))

	f.store.failFor = func(op, _ string) error {
		if op == "get" {
			return errors.New("503 slow down")
		}
		return nil
	}
	_, err := f.svc.Retrieve(context.Background(), res.Path, owner("user123"))
	assert.Equal(t, KindUpstreamUnavailable, KindOf(err))
	assert.True(t, IsRetryable(err))

	f.store.failFor = nil
	f.keys.unwrapFn = func() error { return fmt.Errorf("%w: throttled", crypto.ErrKeyUnavailable) }
	_, err = f.svc.Retrieve(context.Background(), res.Path, owner("user123"))
	assert.Equal(t, KindUpstreamUnavailable, KindOf(err))
}

// rewriteEnvelope decodes the stored envelope, applies fn and stores it back.
func rewriteEnvelope(t *testing.T, f *fixture, path string, fn func(*crypto.Envelope)) {
	t.Helper()
	require.NoError(t, f.mem.Corrupt(testBucket, path, func(body []byte) []byte {
		env, err := crypto.DecodeEnvelope(body)
		require.NoError(t, err)
		fn(env)
		out, err := crypto.EncodeEnvelope(env)
		require.NoError(t, err)
		return out
	}))
}

func TestRetrieve_IntegrityIsolation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*crypto.Envelope)
	}{
		{name: "iv", mutate: func(e *crypto.Envelope) { e.IV[0] ^= 0x01 }},
		{name: "wrapped key", mutate: func(e *crypto.Envelope) { e.WrappedKey[len(e.WrappedKey)-1] ^= 0x01 }},
		{name: "ciphertext", mutate: func(e *crypto.Envelope) { e.Ciphertext[len(e.Ciphertext)/2] ^= 0x80 }},
		{name: "algorithm swap", mutate: func(e *crypto.Envelope) { e.Algorithm = crypto.AlgorithmChaCha20Poly1305 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(o *Options) {
				o.SupportedAlgorithms = []string{crypto.AlgorithmChaCha20Poly1305}
			})
			good := ingest(t, f, "user123", CategoryMedical, []byte("first document"))
			bad := ingest(t, f, "user123", CategoryMedical, []byte("second document"))

			rewriteEnvelope(t, f, bad.Path, tt.mutate)

			_, err := f.svc.Retrieve(context.Background(), bad.Path, owner("user123"))
			require.Error(t, err)
			assert.Equal(t, KindIntegrity, KindOf(err))
			assert.False(t, IsRetryable(err))

			doc, err := f.svc.Retrieve(context.Background(), good.Path, owner("user123"))
			require.NoError(t, err)
			assert.Equal(t, "first document", string(doc.Data))
		})
	}
}

func TestRetrieve_MalformedEnvelope(t *testing.T) {
	f := newFixture(t)
	res := ingest(t, f, "user123", CategoryMedical, []byte("x"))

	require.NoError(t, f.mem.Corrupt(testBucket, res.Path, func([]byte) []byte {
		return []byte(`{"v":1,"alg":"aes-256-gcm"}`)
	}))
	_, err := f.svc.Retrieve(context.Background(), res.Path, owner("user123"))
	assert.Equal(t, KindIntegrity, KindOf(err))
	assert.ErrorIs(t, err, crypto.ErrMalformedEnvelope)
	assert.Equal(t, int64(0), f.keys.unwraps.Load())
}

func TestRetrieve_UnsupportedAlgorithm(t *testing.T) {
	f := newFixture(t)
	key := putLegacyEnvelope(t, f, "user123", CategoryMedical, []byte("legacy"))

	_, err := f.svc.Retrieve(context.Background(), key, owner("user123"))
	assert.Equal(t, KindIntegrity, KindOf(err))
	assert.ErrorIs(t, err, crypto.ErrUnsupportedAlgorithm)
}

func TestRetrieve_LegacyEnvelope(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.SupportedAlgorithms = []string{crypto.AlgorithmAES256CBC} })
	key := putLegacyEnvelope(t, f, "user123", CategoryMedical, []byte("legacy scan"))

	doc, err := f.svc.Retrieve(context.Background(), key, owner("user123"))
	require.NoError(t, err)
	assert.Equal(t, "legacy scan", string(doc.Data))

	// New writes from the same service are still authenticated.
	res := ingest(t, f, "user123", CategoryMedical, []byte("new scan"))
	rewriteEnvelope(t, f, res.Path, func(e *crypto.Envelope) {
		assert.Equal(t, crypto.AlgorithmAES256GCM, e.Algorithm)
		e.IV[0] ^= 0x01
	})
	_, err = f.svc.Retrieve(context.Background(), res.Path, owner("user123"))
	assert.Equal(t, KindIntegrity, KindOf(err))
}

func TestRetrieve_MovedEnvelopeIsUndecryptable(t *testing.T) {
	f := newFixture(t)
	victim := ingest(t, f, "user123", CategoryMedical, []byte("private"))

	reader, meta, err := f.mem.GetObject(context.Background(), testBucket, victim.Path)
	require.NoError(t, err)
	body, _ := io.ReadAll(reader)
	reader.Close()

	p, err := ParsePath(victim.Path)
	require.NoError(t, err)
	stolen := Path{Category: CategoryMedical, OwnerID: "attacker9", Name: p.Name}
	require.NoError(t, f.mem.PutObject(context.Background(), testBucket, stolen.String(), body, meta, s3.PutOptions{}))

	_, err = f.svc.Retrieve(context.Background(), stolen.String(), owner("attacker9"))
	require.Error(t, err)
	assert.Equal(t, KindIntegrity, KindOf(err))
}

func TestDelete_Idempotent(t *testing.T) {
	f := newFixture(t)
	res := ingest(t, f, "user123", CategoryPersonalID, []byte("passport"))

	require.NoError(t, f.svc.Delete(context.Background(), res.Path, owner("user123")))
	require.NoError(t, f.svc.Delete(context.Background(), res.Path, owner("user123")))

	_, err := f.svc.Retrieve(context.Background(), res.Path, owner("user123"))
	assert.Equal(t, KindNotFound, KindOf(err))

	listing, err := f.svc.List(context.Background(), "user123", owner("user123"))
	require.NoError(t, err)
	assert.Empty(t, listing.Records)
}

func TestList_Deterministic(t *testing.T) {
	f := newFixture(t)
	base := time.UnixMilli(1700000000000).UTC()

	var step atomic.Int64
	f.svc.now = func() time.Time {
		// Two documents share each timestamp so the id tiebreak is exercised.
		return base.Add(time.Duration(step.Add(1)/2) * time.Second)
	}

	for _, c := range []Category{CategoryW2Forms, CategoryMedical, CategoryEducation, CategoryMedical, CategoryHomeownerDeduction, CategoryW2Forms} {
		ingest(t, f, "user123", c, []byte(string(c)))
	}
	ingest(t, f, "user456", CategoryMedical, []byte("someone else"))

	first, err := f.svc.List(context.Background(), "user123", owner("user123"))
	require.NoError(t, err)
	require.Len(t, first.Records, 6)
	assert.False(t, first.Partial())

	for i := 1; i < len(first.Records); i++ {
		prev, cur := first.Records[i-1], first.Records[i]
		assert.False(t, cur.UploadedAt.After(prev.UploadedAt))
		if cur.UploadedAt.Equal(prev.UploadedAt) {
			assert.Less(t, prev.ID, cur.ID)
		}
		assert.Equal(t, "user123", cur.OwnerID)
	}

	for i := 0; i < 5; i++ {
		again, err := f.svc.List(context.Background(), "user123", owner("user123"))
		require.NoError(t, err)
		assert.Equal(t, first.Records, again.Records)
	}
}

func TestList_PartialFailure(t *testing.T) {
	f := newFixture(t)
	ingest(t, f, "user123", CategoryW2Forms, []byte("w2"))
	ingest(t, f, "user123", CategoryMedical, []byte("lab"))

	f.store.failFor = func(op, key string) error {
		if op == "list" && strings.HasPrefix(key, string(CategoryMedical)+"/") {
			return errors.New("503 service unavailable")
		}
		return nil
	}

	listing, err := f.svc.List(context.Background(), "user123", owner("user123"))
	require.NoError(t, err)
	assert.True(t, listing.Partial())
	assert.Equal(t, []Category{CategoryMedical}, listing.Failed)
	require.Len(t, listing.Records, 1)
	assert.Equal(t, CategoryW2Forms, listing.Records[0].Category)
}

// stallingStore never answers listings under one category until the caller gives up.
type stallingStore struct {
	*countingStore
	stall        Category
	noDeadline   atomic.Int64
	stalledCalls atomic.Int64
}

func (s *stallingStore) ListObjects(ctx context.Context, bucket, prefix string, opts s3.ListOptions) (*s3.ListResult, error) {
	if _, ok := ctx.Deadline(); !ok {
		s.noDeadline.Add(1)
	}
	if strings.HasPrefix(prefix, string(s.stall)+"/") {
		s.stalledCalls.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.countingStore.ListObjects(ctx, bucket, prefix, opts)
}

func TestList_StoreTimeoutBoundsListing(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.StoreTimeout = 50 * time.Millisecond })
	ingest(t, f, "user123", CategoryW2Forms, []byte("w2"))
	ingest(t, f, "user123", CategoryMedical, []byte("lab"))

	store := &stallingStore{countingStore: f.store, stall: CategoryMedical}
	svc, err := NewService(store, f.keys, f.svc.opts, f.svc.logger, nil)
	require.NoError(t, err)

	start := time.Now()
	listing, err := svc.List(context.Background(), "user123", owner("user123"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Equal(t, []Category{CategoryMedical}, listing.Failed)
	require.Len(t, listing.Records, 1)
	assert.Equal(t, CategoryW2Forms, listing.Records[0].Category)
	assert.Equal(t, int64(1), store.stalledCalls.Load())
	assert.Equal(t, int64(0), store.noDeadline.Load(), "every listing call must carry a deadline")
}

func TestList_NeverDecrypts(t *testing.T) {
	f := newFixture(t)
	ingest(t, f, "user123", CategoryW2Forms, []byte("w2"))
	f.resetCounters()

	_, err := f.svc.List(context.Background(), "user123", owner("user123"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), f.keys.unwraps.Load())
}

func TestList_CancelledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.List(ctx, "user123", owner("user123"))
	require.Error(t, err)
	assert.Equal(t, KindUpstreamUnavailable, KindOf(err))
}
