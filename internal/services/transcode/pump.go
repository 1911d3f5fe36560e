package transcode

import (
	"context"
	"errors"
	"io"
)

const pumpBufferSize = 1 << 20

// Pump copies src into dst until EOF, an error or ctx cancellation, then
// closes dst so the consumer sees end of input. The caller hands over dst;
// nothing else may write to it.
func Pump(ctx context.Context, src io.Reader, dst io.WriteCloser) (int64, error) {
	defer dst.Close()

	buf := make([]byte, pumpBufferSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			total += int64(w)
			if werr != nil {
				return total, werr
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return total, nil
			}
			return total, rerr
		}
	}
}
