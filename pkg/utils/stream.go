package utils

import (
	"errors"
	"io"
	"log"
	"net/http"
)

// SetupTextStreamHeaders 设置分块纯文本流的响应头
func SetupTextStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

// CopyTextStream 将 src 逐块写给客户端并立即 flush，每写出一块都会回调 onChunk。
// 源读完返回 nil；源出错时返回该错误，写失败（通常是客户端断开）时返回写错误。
func CopyTextStream(w http.ResponseWriter, flusher http.Flusher, src io.Reader, onChunk func(string)) error {
	buf := make([]byte, 4096)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				log.Printf("failed to write stream chunk: %v", werr)
				return werr
			}
			flusher.Flush()
			if onChunk != nil {
				onChunk(string(buf[:n]))
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
