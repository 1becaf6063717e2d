package fileio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// errDiscarded — причина обрыва загрузки при Discard.
var errDiscarded = errors.New("запись файла отменена")

// S3Config — параметры подключения к объектному хранилищу.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	// Prefix — префикс ключей всех объектов
	Prefix string
}

// S3 — FileIO поверх S3-совместимого объектного хранилища.
type S3 struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3 создаёт клиент и проверяет существование бакета.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Region: cfg.Region,
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("создание S3 клиента: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("проверка бакета %s: %w", cfg.Bucket, err)
	}
	if !exists {
		return nil, fmt.Errorf("бакет %s не существует", cfg.Bucket)
	}

	return &S3{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// objectName возвращает ключ объекта для пути файла.
func (s *S3) objectName(p string) string {
	if s.prefix == "" {
		return p
	}
	return path.Join(s.prefix, p)
}

// Create начинает потоковую загрузку объекта через io.Pipe.
// Объект становится видимым только после успешного Close.
// Загрузка не зависит от отмены ctx: файл живёт дольше одного
// вызова записи и завершается только Close или Discard.
func (s *S3) Create(ctx context.Context, p string) (OutputFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	uploadCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	pr, pw := io.Pipe()
	of := &s3File{pw: pw, done: make(chan error, 1), cancel: cancel}

	go func() {
		_, err := s.client.PutObject(uploadCtx, s.bucket, s.objectName(p), pr, -1,
			minio.PutObjectOptions{ContentType: "application/x-ndjson"})
		// Разблокируем писателя, если загрузка завершилась раньше
		pr.CloseWithError(err)
		of.done <- err
	}()

	return of, nil
}

// s3File — объект в процессе загрузки.
type s3File struct {
	pw     *io.PipeWriter
	done   chan error
	cancel context.CancelFunc
	closed bool
}

func (f *s3File) Write(p []byte) (int, error) {
	return f.pw.Write(p)
}

// Close завершает поток и ждёт результата PutObject.
func (f *s3File) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	f.pw.Close()
	err := <-f.done
	f.cancel()
	if err != nil {
		return fmt.Errorf("ошибка загрузки объекта: %w", err)
	}
	return nil
}

// Discard обрывает загрузку; неполный объект не публикуется.
func (f *s3File) Discard() error {
	if f.closed {
		return nil
	}
	f.closed = true
	f.pw.CloseWithError(errDiscarded)
	f.cancel()
	<-f.done
	return nil
}

// Open открывает объект на чтение.
func (s *S3) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	if _, err := s.Stat(ctx, p); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, s.objectName(p), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("чтение объекта %s: %w", p, err)
	}
	return obj, nil
}

// Delete удаляет объект. Удаление отсутствующего объекта в S3 не является ошибкой.
func (s *S3) Delete(ctx context.Context, p string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.objectName(p), minio.RemoveObjectOptions{})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("ошибка удаления объекта %s: %w", p, err)
	}
	return nil
}

// Stat возвращает размер объекта.
func (s *S3) Stat(ctx context.Context, p string) (FileInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucket, s.objectName(p), minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return FileInfo{}, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return FileInfo{}, fmt.Errorf("ошибка получения информации об объекте %s: %w", p, err)
	}
	return FileInfo{Path: p, Size: info.Size}, nil
}

// isNotFound проверяет ответ S3 «объект не найден».
func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey"
}
