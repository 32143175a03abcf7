package transfer

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"gowarp/network"
)

// maxInflatedChunk caps a single decompressed chunk so a hostile peer cannot balloon memory.
const maxInflatedChunk = network.MaxMessageSize

var errChunkTooLarge = errors.New("transfer: decompressed chunk exceeds limit")

// compressChunk deflates one chunk into a self-contained zlib stream.
func compressChunk(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := zlib.NewWriterLevel(&buf, zlib.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("create zlib writer: %w", err)
	}
	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("compress chunk: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("compress chunk: %w", err)
	}
	return buf.Bytes(), nil
}

// decompressChunk inflates one zlib stream produced by compressChunk or a stock peer.
func decompressChunk(data []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open zlib stream: %w", err)
	}
	defer reader.Close()

	out, err := io.ReadAll(io.LimitReader(reader, maxInflatedChunk+1))
	if err != nil {
		return nil, fmt.Errorf("decompress chunk: %w", err)
	}
	if len(out) > maxInflatedChunk {
		return nil, errChunkTooLarge
	}
	return out, nil
}
