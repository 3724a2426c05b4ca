// Package store persists the query cache, enrichment results, review items
// and the failure ledger in SQLite or PostgreSQL.
package store

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/obit-cli/internal/model"
)

// CompressThreshold is the payload size above which cached payloads are
// stored gzip-compressed.
const CompressThreshold = 50 * 1024

// CanonicalQuery folds a query string so trivially different spellings of
// the same query share a cache row: accents stripped, lowercased,
// whitespace collapsed.
func CanonicalQuery(q string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, q)
	if err != nil {
		folded = q
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}

// QueryHash returns the cache key for a query issued by a source type.
func QueryHash(sourceType model.SourceType, query string) string {
	h := sha256.New()
	h.Write([]byte(sourceType))
	h.Write([]byte{0})
	h.Write([]byte(CanonicalQuery(query)))
	return hex.EncodeToString(h.Sum(nil))
}

// EncodePayload compresses raw when it exceeds CompressThreshold.
func EncodePayload(raw []byte) ([]byte, bool, error) {
	if len(raw) <= CompressThreshold {
		return raw, false, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, false, eris.Wrap(err, "store: gzip payload")
	}
	if err := zw.Close(); err != nil {
		return nil, false, eris.Wrap(err, "store: close gzip writer")
	}
	return buf.Bytes(), true, nil
}

// DecodePayload reverses EncodePayload.
func DecodePayload(payload []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return payload, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "store: open gzip payload")
	}
	defer zr.Close() //nolint:errcheck
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, eris.Wrap(err, "store: read gzip payload")
	}
	return raw, nil
}

// encodeRecord returns the stored form of rec's payload.
func encodeRecord(rec *model.CacheRecord) ([]byte, bool, error) {
	if rec == nil {
		return nil, false, eris.New("store: nil cache record")
	}
	if rec.SourceType == "" || rec.QueryHash == "" {
		return nil, false, eris.New("store: cache record missing source type or query hash")
	}
	return EncodePayload(rec.Payload)
}
