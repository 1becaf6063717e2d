package fileio

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupMinIO запускает MinIO контейнер и создаёт бакет.
func setupMinIO(t *testing.T) S3Config {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "docker.io/minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     "keyedstore",
				"MINIO_ROOT_PASSWORD": "test-password",
			},
			Cmd: []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/live").
				WithPort("9000/tcp").
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Не удалось запустить MinIO контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	endpoint, err := container.PortEndpoint(ctx, "9000/tcp", "")
	if err != nil {
		t.Fatalf("Не удалось получить endpoint контейнера: %v", err)
	}

	cfg := S3Config{
		Endpoint:  endpoint,
		AccessKey: "keyedstore",
		SecretKey: "test-password",
		Bucket:    "tables",
		Prefix:    "warehouse",
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds: credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
	})
	if err != nil {
		t.Fatalf("ошибка создания клиента: %v", err)
	}
	if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
		t.Fatalf("ошибка создания бакета: %v", err)
	}
	return cfg
}

// TestS3_Lifecycle проверяет Create/Stat/Open/Delete на реальном S3 API.
func TestS3_Lifecycle(t *testing.T) {
	cfg := setupMinIO(t)
	ctx := context.Background()

	s3, err := NewS3(ctx, cfg)
	if err != nil {
		t.Fatalf("ошибка NewS3: %v", err)
	}

	f, err := s3.Create(ctx, "db/t/base/p=1/file.jsonl")
	if err != nil {
		t.Fatalf("ошибка Create: %v", err)
	}
	if _, err := f.Write([]byte("{\"id\":1}\n{\"id\":2}\n")); err != nil {
		t.Fatalf("ошибка Write: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("ошибка Close: %v", err)
	}

	info, err := s3.Stat(ctx, "db/t/base/p=1/file.jsonl")
	if err != nil {
		t.Fatalf("ошибка Stat: %v", err)
	}
	if info.Size != 18 {
		t.Errorf("размер: ожидалось 18, получено %d", info.Size)
	}

	rc, err := s3.Open(ctx, "db/t/base/p=1/file.jsonl")
	if err != nil {
		t.Fatalf("ошибка Open: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "{\"id\":1}\n{\"id\":2}\n" {
		t.Errorf("содержимое: получено %q", data)
	}

	if err := s3.Delete(ctx, "db/t/base/p=1/file.jsonl"); err != nil {
		t.Fatalf("ошибка Delete: %v", err)
	}
	if err := s3.Delete(ctx, "db/t/base/p=1/file.jsonl"); err != nil {
		t.Errorf("повторное удаление должно быть no-op, получено %v", err)
	}
	if _, err := s3.Stat(ctx, "db/t/base/p=1/file.jsonl"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Stat: ожидалась ErrNotFound, получено %v", err)
	}
}

// TestS3_Discard проверяет, что отменённая загрузка не публикует объект.
func TestS3_Discard(t *testing.T) {
	cfg := setupMinIO(t)
	ctx := context.Background()

	s3, err := NewS3(ctx, cfg)
	if err != nil {
		t.Fatalf("ошибка NewS3: %v", err)
	}

	f, _ := s3.Create(ctx, "discarded.jsonl")
	f.Write([]byte("partial"))
	if err := f.Discard(); err != nil {
		t.Fatalf("ошибка Discard: %v", err)
	}

	if ok, _ := Exists(ctx, s3, "discarded.jsonl"); ok {
		t.Error("объект не должен существовать после Discard")
	}
}

// TestS3_CreateOutlivesCallContext проверяет, что отмена контекста
// вызова Create не обрывает загрузку открытого файла.
func TestS3_CreateOutlivesCallContext(t *testing.T) {
	cfg := setupMinIO(t)

	s3, err := NewS3(context.Background(), cfg)
	if err != nil {
		t.Fatalf("ошибка NewS3: %v", err)
	}

	callCtx, cancel := context.WithCancel(context.Background())
	f, err := s3.Create(callCtx, "long-lived.jsonl")
	if err != nil {
		t.Fatalf("ошибка Create: %v", err)
	}
	if _, err := f.Write([]byte("{\"id\":1}\n")); err != nil {
		t.Fatalf("ошибка Write: %v", err)
	}
	cancel()

	if _, err := f.Write([]byte("{\"id\":2}\n")); err != nil {
		t.Fatalf("Write после отмены контекста вызова: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close после отмены контекста вызова: %v", err)
	}

	info, err := s3.Stat(context.Background(), "long-lived.jsonl")
	if err != nil {
		t.Fatalf("ошибка Stat: %v", err)
	}
	if info.Size != 18 {
		t.Errorf("размер: ожидалось 18, получено %d", info.Size)
	}

	// Уже отменённый контекст отклоняется сразу
	if _, err := s3.Create(callCtx, "rejected.jsonl"); !errors.Is(err, context.Canceled) {
		t.Errorf("Create с отменённым контекстом: ожидалась context.Canceled, получено %v", err)
	}
}
