// Package codec converts raw document state to and from its transport
// encoding. Snapshots are stored in a text column, so the full CRDT state
// is carried as standard base64. Input is fed to the encoder in fixed-size
// chunks so a multi-megabyte document never turns into one giant
// single-call conversion.
package codec

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/yuchia/deckvault/internal/errors"
	"github.com/yuchia/deckvault/internal/logging"
)

// chunkSize is the number of input bytes written per encoder call.
const chunkSize = 8 * 1024

// Encode converts raw bytes to the transport string.
// A zero-length input yields an empty string; that is a valid encoding,
// not an error.
func Encode(raw []byte) string {
	if len(raw) == 0 {
		logging.Debug("codec: encoding empty payload")
		return ""
	}

	var b strings.Builder
	b.Grow(base64.StdEncoding.EncodedLen(len(raw)))

	enc := base64.NewEncoder(base64.StdEncoding, &b)
	for off := 0; off < len(raw); off += chunkSize {
		end := off + chunkSize
		if end > len(raw) {
			end = len(raw)
		}
		// strings.Builder never returns a write error.
		enc.Write(raw[off:end])
	}
	enc.Close()

	return b.String()
}

// Decode is the inverse of Encode and reconstructs the exact byte
// sequence that was encoded. A malformed payload is a codec error.
func Decode(transport string) ([]byte, error) {
	if transport == "" {
		return []byte{}, nil
	}

	raw, err := base64.StdEncoding.DecodeString(transport)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodecDecode,
			fmt.Sprintf("malformed transport payload (%d chars)", len(transport)), err)
	}
	return raw, nil
}
