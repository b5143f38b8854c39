package scoring

import (
	"bytes"

	"github.com/klauspost/compress/zlib"

	"github.com/northstaraokeystone/gov-os/internal/ir"
)

// CompressionRatio is len(zlib(data)) / len(data) at best compression. Empty
// input has ratio 1.
func CompressionRatio(data []byte) (float64, error) {
	return ratioWithDict(nil, data)
}

// ratioWithDict compresses data with dict preloaded into the window, so the
// ratio measures what data adds beyond dict.
func ratioWithDict(dict, data []byte) (float64, error) {
	if len(data) == 0 {
		return 1, nil
	}
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevelDict(&buf, zlib.BestCompression, dict)
	if err != nil {
		return 0, err
	}
	if _, err := w.Write(data); err != nil {
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, err
	}
	return float64(buf.Len()) / float64(len(data)), nil
}

// documents returns the canonical payload bytes of each receipt.
func documents(cohort []ir.Receipt) ([][]byte, error) {
	docs := make([][]byte, len(cohort))
	for i, r := range cohort {
		b, err := ir.MarshalCanonical(r.Payload)
		if err != nil {
			return nil, err
		}
		docs[i] = b
	}
	return docs, nil
}

// conditionalRatios returns, for each document, its ratio given up to window
// preceding documents as dictionary.
func conditionalRatios(docs [][]byte, window int) ([]float64, error) {
	out := make([]float64, len(docs))
	for i, d := range docs {
		dict := bytes.Join(docs[max(0, i-window):i], []byte{'\n'})
		r, err := ratioWithDict(dict, d)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}
