package s3

import (
	"fmt"
	"io"
)

var ErrDocumentTooLargeType *DocumentTooLargeError

// DocumentTooLargeError 表示上傳的文件內容超過允許的大小
type DocumentTooLargeError struct {
	Limit int64
}

func (e *DocumentTooLargeError) Error() string {
	return fmt.Sprintf("document exceeds limit of %s", FormatBytes(e.Limit))
}

// NewDocumentSizeReader 包裝文件上傳串流並限制可讀取的總長度，
// 超過限制時返回 DocumentTooLargeError
//
// 比起先讀進記憶體再檢查長度，這個做法在超標時最多只多讀一個
// 位元組就會中止
func NewDocumentSizeReader(r io.Reader, limit int64) io.Reader {
	return &documentSizeReader{upstream: r, limit: limit, remaining: limit}
}

type documentSizeReader struct {
	upstream  io.Reader
	limit     int64 // 允許的總長度
	remaining int64 // 還可以讀取的長度
}

func (r *documentSizeReader) Read(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	// 只要多讀一個位元組就能判斷是否超標，
	// 不需要滿足呼叫端請求的完整長度
	if int64(len(p)) > r.remaining+1 {
		p = p[:r.remaining+1]
	}
	n, err = r.upstream.Read(p)

	if int64(n) <= r.remaining {
		r.remaining -= int64(n)
		return n, err
	}

	// 讀到的長度超過剩餘額度，截斷並回報超標
	n = int(r.remaining)
	r.remaining = 0
	return n, &DocumentTooLargeError{r.limit}
}
