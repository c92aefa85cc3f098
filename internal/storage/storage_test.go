package storage

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"nexflow-crm/backend/internal/logging"
	"nexflow-crm/backend/internal/secure"
	"nexflow-crm/backend/internal/tenant"
	"nexflow-crm/backend/pkg/models"
)

func as(principal string) context.Context {
	return tenant.WithSession(context.Background(),
		tenant.NewSession("acme", principal, models.RoleMember, nil))
}

func exerciseFileStorage(t *testing.T, backend Backend) {
	t.Helper()
	files := New(backend, tenant.ContextResolver{}, logging.NewNop())
	ana, bia := as("ana"), as("bia")

	obj, err := files.Upload(ana, "Proposta Comercial.pdf", strings.NewReader("%PDF"), 4, "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(obj.Key, "ana/"))
	assert.Equal(t, "Proposta_Comercial.pdf", obj.Name)
	assert.Equal(t, "application/pdf", obj.ContentType)
	assert.Equal(t, files.PublicURL(obj.Key), obj.URL)

	_, err = files.Upload(bia, "notes.txt", strings.NewReader("hi"), 2, "text/plain")
	require.NoError(t, err)

	listed, err := files.List(ana)
	require.NoError(t, err)
	require.Len(t, listed, 1, "only the caller's objects are listed")
	assert.Equal(t, obj.Key, listed[0].Key)
	assert.Equal(t, "Proposta_Comercial.pdf", listed[0].Name)
	assert.Equal(t, int64(4), listed[0].Size)

	err = files.Remove(bia, obj.Key)
	assert.True(t, secure.IsSecurityViolation(err), "removing another principal's object: %v", err)

	err = files.Remove(bia, "bia/../"+obj.Key)
	assert.ErrorIs(t, err, ErrInvalidKey)

	require.NoError(t, files.Remove(ana, obj.Key))
	listed, err = files.List(ana)
	require.NoError(t, err)
	assert.Empty(t, listed)

	assert.ErrorIs(t, files.Remove(ana, obj.Key), ErrObjectNotFound)
}

func TestLocalFileStorage(t *testing.T) {
	backend, err := NewLocalStorage(t.TempDir(), "https://files.example.com/")
	require.NoError(t, err)
	exerciseFileStorage(t, backend)
	assert.Equal(t, "https://files.example.com/ana/x.txt", backend.URL("ana/x.txt"))
}

func TestFileStorageRequiresSession(t *testing.T) {
	backend, err := NewLocalStorage(t.TempDir(), "")
	require.NoError(t, err)
	files := New(backend, tenant.ContextResolver{}, nil)

	_, err = files.Upload(context.Background(), "a.txt", strings.NewReader("a"), 1, "")
	assert.ErrorIs(t, err, tenant.ErrNoTenant)
	_, err = files.List(context.Background())
	assert.ErrorIs(t, err, tenant.ErrNoTenant)
	assert.ErrorIs(t, files.Remove(context.Background(), "a/b"), tenant.ErrNoTenant)
}

func TestUploadRejectsEmptyName(t *testing.T) {
	backend, err := NewLocalStorage(t.TempDir(), "")
	require.NoError(t, err)
	files := New(backend, tenant.ContextResolver{}, nil)
	_, err = files.Upload(as("ana"), "../", strings.NewReader("a"), 1, "")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "a.txt", displayName("ana/0b7e2a4c-6f0e-4d4c-9a52-3f1b8c1d2e3f-a.txt"))
	assert.Equal(t, "plain.txt", displayName("ana/plain.txt"))
}

func TestS3FileStorage(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	minio, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			Cmd:          []string{"server", "/data"},
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     "nexflow",
				"MINIO_ROOT_PASSWORD": "nexflow-secret",
			},
			WaitingFor: wait.ForHTTP("/minio/health/ready").WithPort("9000/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	defer func() {
		if err := minio.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}()

	host, err := minio.Host(ctx)
	require.NoError(t, err)
	port, err := minio.MappedPort(ctx, "9000/tcp")
	require.NoError(t, err)

	t.Setenv("AWS_ACCESS_KEY_ID", "nexflow")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "nexflow-secret")

	endpoint := fmt.Sprintf("http://%s:%s", host, port.Port())
	backend, err := NewS3Storage(ctx, "nexflow-files", S3Config{
		Region:       "us-east-1",
		Endpoint:     endpoint,
		UsePathStyle: true,
	})
	require.NoError(t, err)
	require.NoError(t, backend.EnsureBucket(ctx))

	exerciseFileStorage(t, backend)
	assert.Equal(t, endpoint+"/nexflow-files/ana/x.txt", backend.URL("ana/x.txt"))
}
