package cluster

import (
	"bytes"
	"compress/gzip"
	"io"

	cbor "github.com/fxamacker/cbor/v2"
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	em, _ := cbor.CanonicalEncOptions().EncMode()
	dm, _ := (cbor.DecOptions{}).DecMode()
	cborEnc, cborDec = em, dm
}

// maybeCompress gzip-compresses b when it is at least thr bytes, returning
// the compressed bytes and a flag. If compression is not beneficial it
// returns the original slice and cp=false.
func maybeCompress(b []byte, thr int) (out []byte, cp bool) {
	if thr <= 0 || len(b) < thr {
		return b, false
	}

	var buf bytes.Buffer
	zw, _ := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	_, _ = zw.Write(b)
	_ = zw.Close()

	if buf.Len() >= len(b) {
		return b, false
	}
	return buf.Bytes(), true
}

// maybeDecompress inflates gzip-compressed data when cp=true, otherwise the
// input is returned as-is. Callers must not mutate the returned buffer.
func maybeDecompress(b []byte, cp bool) ([]byte, error) {
	if !cp {
		return b, nil
	}

	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
