// Package codec encodes archived blocks as zstd-compressed JSON.
package codec

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/vietddude/blockwatch/internal/core/domain"
)

var (
	encOnce sync.Once
	encoder *zstd.Encoder
	encErr  error

	decOnce sync.Once
	decoder *zstd.Decoder
	decErr  error
)

// EncodeAll and DecodeAll are safe for concurrent use on a shared coder.
func getEncoder() (*zstd.Encoder, error) {
	encOnce.Do(func() {
		encoder, encErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return encoder, encErr
}

func getDecoder() (*zstd.Decoder, error) {
	decOnce.Do(func() {
		decoder, decErr = zstd.NewReader(nil)
	})
	return decoder, decErr
}

// Compress compresses data using zstd.
func Compress(data []byte) ([]byte, error) {
	enc, err := getEncoder()
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	return enc.EncodeAll(data, nil), nil
}

// Decompress decompresses zstd-compressed data.
func Decompress(data []byte) ([]byte, error) {
	dec, err := getDecoder()
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return dec.DecodeAll(data, nil)
}

// EncodeBlocks marshals blocks to JSON and compresses the result.
func EncodeBlocks(blocks []*domain.Block) ([]byte, error) {
	raw, err := json.Marshal(blocks)
	if err != nil {
		return nil, fmt.Errorf("marshal blocks: %w", err)
	}
	return Compress(raw)
}

// DecodeBlocks reverses EncodeBlocks.
func DecodeBlocks(data []byte) ([]*domain.Block, error) {
	raw, err := Decompress(data)
	if err != nil {
		return nil, fmt.Errorf("decompress blocks: %w", err)
	}
	var blocks []*domain.Block
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, fmt.Errorf("unmarshal blocks: %w", err)
	}
	return blocks, nil
}
