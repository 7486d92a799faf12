// Copyright 2024 The Genesis OTA authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package update

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/solari-dev/genesis-ota/api"
)

// decompress expands a downloaded payload according to its declared
// compression, bounding the output at max bytes. The file hash covers the
// bytes as served, so this runs only after the integrity check.
func decompress(data []byte, c api.Compression, max uint32) ([]byte, error) {
	switch c {
	case api.CompressionNone:
		return data, nil
	case api.CompressionGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip: %v: %w", err, ErrInvalidResponse)
		}
		defer zr.Close()
		out, err := io.ReadAll(io.LimitReader(zr, int64(max)+1))
		if err != nil {
			return nil, fmt.Errorf("gzip: %v: %w", err, ErrInvalidResponse)
		}
		if uint64(len(out)) > uint64(max) {
			return nil, fmt.Errorf("gzip payload exceeds %d bytes: %w", max, ErrInvalidResponse)
		}
		return out, nil
	case api.CompressionZstd:
		zr, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(max)))
		if err != nil {
			return nil, fmt.Errorf("zstd: %v: %w", err, ErrInvalidResponse)
		}
		defer zr.Close()
		out, err := zr.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd: %v: %w", err, ErrInvalidResponse)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown compression %s: %w", c, ErrInvalidResponse)
}
