package pool

import (
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// ---------------------------------------------------------------
// Pool 구성 목적
//
// upstream 수신 루프는 chunk 단위로 계속 읽고,
// /export 와 S3 refresh 는 큰 버퍼와 gzip 스트림을 반복해서 만든다.
// 아래 Pool 들은 그 할당을 재사용하기 위한 것.
// ---------------------------------------------------------------

// ReadChunkSize 는 upstream 에서 한 번에 읽는 최대 바이트 수.
const ReadChunkSize = 32 * 1024

var (
	// ChunkPool:
	//   - SSH stdout 등 스트림에서 Read 할 때 쓰는 고정 크기 버퍼
	//   - 읽은 내용은 호출자에게 넘기기 전에 반드시 복사한다
	ChunkPool = sync.Pool{
		New: func() any {
			b := make([]byte, ReadChunkSize)
			return &b
		},
	}

	// BufferPool:
	//   - S3 object 본문, /export 인코딩 버퍼
	//   - 1MB 초과 버퍼는 풀에 넣지 않음
	BufferPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 256*1024))
		},
	}

	// GzipPool:
	//   - /export 응답용 gzip.Writer
	//   - BestSpeed: 응답 지연 우선
	GzipPool = sync.Pool{
		New: func() any {
			w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
			return w
		},
	}

	// gzipReaderPool:
	//   - gzip 으로 저장된 S3 object 를 풀 때 사용
	gzipReaderPool sync.Pool
)

// MaxBufferCap 보다 큰 버퍼는 Pool 에 돌려주지 않고 GC 에 맡긴다.
const MaxBufferCap = 1 * 1024 * 1024 // 1MB

// GetBuffer 는 비워진 버퍼를 꺼낸다.
func GetBuffer() *bytes.Buffer {
	buf := BufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer:
//   - 1MB 이하이면 풀에 재사용
//   - 한 번 커진 버퍼(대용량 object)는 돌려주지 않는다
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= MaxBufferCap {
		buf.Reset()
		BufferPool.Put(buf)
	}
}

// GetGzipWriter 는 w 로 reset 된 gzip.Writer 를 꺼낸다.
func GetGzipWriter(w io.Writer) *gzip.Writer {
	gz := GzipPool.Get().(*gzip.Writer)
	gz.Reset(w)
	return gz
}

// PutGzipWriter 는 Close 가 끝난 writer 를 돌려준다.
func PutGzipWriter(gz *gzip.Writer) {
	GzipPool.Put(gz)
}

// GetGzipReader 는 r 로 reset 된 gzip.Reader 를 꺼낸다.
// header 가 잘못되었으면 에러를 반환하며, 이때 reader 는 풀에 남지 않는다.
func GetGzipReader(r io.Reader) (*gzip.Reader, error) {
	if v := gzipReaderPool.Get(); v != nil {
		zr := v.(*gzip.Reader)
		if err := zr.Reset(r); err != nil {
			return nil, err
		}
		return zr, nil
	}
	return gzip.NewReader(r)
}

// PutGzipReader 는 다 읽은 reader 를 돌려준다.
func PutGzipReader(zr *gzip.Reader) {
	_ = zr.Close()
	gzipReaderPool.Put(zr)
}
