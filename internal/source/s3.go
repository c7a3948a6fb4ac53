// internal/source/s3.go
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfgLib "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/rs/zerolog/log"

	"minerstream/internal/pool"
)

// S3Config 는 bulk refresh 대상 object 위치.
type S3Config struct {
	Region    string
	Bucket    string
	Key       string
	Endpoint  string // MinIO 등 S3 호환 스토리지
	PathStyle bool
	Timeout   time.Duration
	Retries   int
}

// S3Refresher
// ------------------------------------------------------------
// 장비가 주기적으로 S3 에 올리는 로그 object 를 통째로 받아온다 (bulk 모드).
//
//   - 1회 시도당 Timeout
//   - SDK 자체 retry 는 끄고(RetryMaxAttempts=0) 여기서 backoff 재시도
//   - Commit 된 ETag 로 If-None-Match 를 보내 바뀌지 않았으면 본문을 받지 않는다 (ErrUnchanged)
//   - 받은 ETag 는 Commit 전까지 pending. 반영 실패 시 다음 Fetch 가 본문을 다시 받는다
//   - key 가 .gz 이거나 Content-Encoding 이 gzip 이면 풀어서 반환
type S3Refresher struct {
	cfg    S3Config
	client *s3.Client

	mu      sync.Mutex
	etag    string // mirror 에 반영된 내용의 ETag
	pending string // 마지막으로 받은 내용의 ETag
}

// NewS3Refresher 는 AWS 기본 credential chain 으로 client 를 만든다.
func NewS3Refresher(ctx context.Context, cfg S3Config) (*S3Refresher, error) {
	awsCfg, err := awsCfgLib.LoadDefaultConfig(ctx, awsCfgLib.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 0
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	if cfg.Retries <= 0 {
		cfg.Retries = 1
	}
	return &S3Refresher{cfg: cfg, client: client}, nil
}

// Commit 은 마지막으로 받은 내용이 반영되었으므로 이후 조건부 요청의 기준으로 삼는다.
func (r *S3Refresher) Commit() {
	r.mu.Lock()
	r.etag = r.pending
	r.mu.Unlock()
}

func (r *S3Refresher) Describe() string {
	return "s3://" + r.cfg.Bucket + "/" + r.cfg.Key
}

// Fetch
// -----------------------
// object 전체를 받아온다. retry + exponential backoff (최대 2초).
// shutdown-safe: ctx.Done() 시 즉시 중단.
func (r *S3Refresher) Fetch(ctx context.Context) ([]byte, error) {
	var lastErr error
	backoff := 200 * time.Millisecond

	for attempt := 1; attempt <= r.cfg.Retries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		data, err := r.getObject(ctx)
		if err == nil || errors.Is(err, ErrUnchanged) {
			return data, err
		}
		lastErr = err
		log.Debug().Err(err).Int("attempt", attempt).Str("object", r.Describe()).Msg("s3 get failed")

		if attempt == r.cfg.Retries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > 2*time.Second {
				backoff = 2 * time.Second
			}
		}
	}
	return nil, lastErr
}

// getObject 는 GetObject 1회 호출.
func (r *S3Refresher) getObject(ctx context.Context) ([]byte, error) {
	ctx2, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	r.mu.Lock()
	etag := r.etag
	r.mu.Unlock()

	in := &s3.GetObjectInput{
		Bucket: aws.String(r.cfg.Bucket),
		Key:    aws.String(r.cfg.Key),
	}
	if etag != "" {
		in.IfNoneMatch = aws.String(etag)
	}

	out, err := r.client.GetObject(ctx2, in)
	if err != nil {
		if IsNotModified(err) {
			return nil, ErrUnchanged
		}
		return nil, fmt.Errorf("get %s: %w", r.Describe(), err)
	}
	defer out.Body.Close()

	gzipped := IsGzipObject(r.cfg.Key, aws.ToString(out.ContentEncoding))
	data, err := readBody(out.Body, gzipped)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", r.Describe(), err)
	}

	r.mu.Lock()
	r.pending = aws.ToString(out.ETag)
	r.mu.Unlock()
	return data, nil
}

// readBody 는 pool 버퍼에 본문을 읽고, 호출자 소유의 새 slice 로 복사해 반환한다.
func readBody(body io.Reader, gzipped bool) ([]byte, error) {
	if gzipped {
		zr, err := pool.GetGzipReader(body)
		if err != nil {
			return nil, err
		}
		defer pool.PutGzipReader(zr)
		body = zr
	}

	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)
	if _, err := buf.ReadFrom(body); err != nil {
		return nil, err
	}
	data := make([]byte, buf.Len())
	copy(data, buf.Bytes())
	return data, nil
}

// IsNotModified 는 If-None-Match 에 대한 304 응답인지 판별한다.
// SDK 가 감싼 awshttp.ResponseError 도 As 로 smithy ResponseError 를 노출한다.
func IsNotModified(err error) bool {
	var re *smithyhttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotModified
}

// IsGzipObject 는 object 가 gzip 으로 저장되었는지 판단한다.
func IsGzipObject(key, contentEncoding string) bool {
	return strings.HasSuffix(key, ".gz") || strings.EqualFold(strings.TrimSpace(contentEncoding), "gzip")
}
