package dispatch

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
)

// Compressor applies symmetric compression to outbound frame bytes. Adapted
// from the teacher's grpc Compressor interface, with the codec set swapped
// for the two previously-unwired compression dependencies: snappy for the
// common low-latency case, klauspost/compress gzip for larger one-shot
// payloads where ratio matters more than encode latency.
type Compressor interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

type snappyCompressor struct{}

// NewSnappyCompressor constructs a Compressor backed by snappy.
func NewSnappyCompressor() Compressor { return snappyCompressor{} }

func (snappyCompressor) Name() string { return "snappy" }

func (snappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (snappyCompressor) Decompress(data []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decode: %w", err)
	}
	return out, nil
}

type gzipCompressor struct{}

// NewGZIPCompressor constructs a Compressor backed by klauspost/compress's
// gzip implementation.
func NewGZIPCompressor() Compressor { return gzipCompressor{} }

func (gzipCompressor) Name() string { return "gzip" }

func (gzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func (gzipCompressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("gzip decompress: empty payload")
	}
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer reader.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return nil, fmt.Errorf("gzip copy: %w", err)
	}
	return buf.Bytes(), nil
}

var codecs = map[string]Compressor{
	NewSnappyCompressor().Name(): NewSnappyCompressor(),
	NewGZIPCompressor().Name():   NewGZIPCompressor(),
}

const (
	// snappyThresholdBytes is the frame size above which the pool compresses
	// with snappy before handing the frame to a session's send buffer.
	snappyThresholdBytes = 512
	// gzipThresholdBytes is the larger size above which klauspost's gzip
	// wins on ratio despite its higher encode cost.
	gzipThresholdBytes = 16 * 1024
)

// Frame is what the dispatch pool actually places on a session's outbound
// channel. Codec is empty for frames small enough not to bother compressing;
// the session's write pump decompresses (if needed) before writing the
// websocket text frame, so the wire contract with clients is untouched —
// compression here only reduces what sits buffered in memory for a slow
// session.
type Frame struct {
	Codec string
	Data  []byte
}

// compressFrame picks a codec for raw (already JSON-encoded) bytes based on
// size, falling back to storing them uncompressed when compression would
// not help or would fail.
func compressFrame(raw []byte) Frame {
	switch {
	case len(raw) > gzipThresholdBytes:
		if compressed, err := codecs["gzip"].Compress(raw); err == nil && len(compressed) < len(raw) {
			return Frame{Codec: "gzip", Data: compressed}
		}
	case len(raw) > snappyThresholdBytes:
		if compressed, err := codecs["snappy"].Compress(raw); err == nil && len(compressed) < len(raw) {
			return Frame{Codec: "snappy", Data: compressed}
		}
	}
	return Frame{Data: raw}
}

// Decode restores the original bytes for a Frame, decompressing per its
// Codec. Frames with an empty Codec are returned as-is.
func Decode(f Frame) ([]byte, error) {
	if f.Codec == "" {
		return f.Data, nil
	}
	codec, ok := codecs[f.Codec]
	if !ok {
		return nil, fmt.Errorf("unknown frame codec %q", f.Codec)
	}
	return codec.Decompress(f.Data)
}
