package cache

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
)

const (
	blobMagic   byte = 'G'
	blobVersion byte = 1
	headerSize       = 2
)

var (
	// ErrCorruptBlob reports a durable value that is not a cache blob.
	ErrCorruptBlob = errors.New("cache: corrupt blob")
	// ErrUnknownBlobVersion reports a blob written by an incompatible codec.
	ErrUnknownBlobVersion = errors.New("cache: unknown blob version")
)

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic(fmt.Sprintf("cache: zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("cache: zstd decoder: %v", err))
	}
}

// encodeEntry frames entry as magic, version, then zstd compressed JSON.
func encodeEntry[T any](entry Entry[T]) ([]byte, error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("cache: encode entry %q: %w", entry.Key, err)
	}
	blob := make([]byte, headerSize, headerSize+len(payload)/2)
	blob[0] = blobMagic
	blob[1] = blobVersion
	return encoder.EncodeAll(payload, blob), nil
}

func decodeEntry[T any](blob []byte) (Entry[T], error) {
	if len(blob) < headerSize || blob[0] != blobMagic {
		return Entry[T]{}, ErrCorruptBlob
	}
	if blob[1] != blobVersion {
		return Entry[T]{}, fmt.Errorf("%w: %d", ErrUnknownBlobVersion, blob[1])
	}
	payload, err := decoder.DecodeAll(blob[headerSize:], nil)
	if err != nil {
		return Entry[T]{}, fmt.Errorf("%w: %v", ErrCorruptBlob, err)
	}
	var entry Entry[T]
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry[T]{}, fmt.Errorf("%w: %v", ErrCorruptBlob, err)
	}
	return entry, nil
}
