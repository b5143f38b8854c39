package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// ExportJSONL writes every receipt through the current head as one persisted
// record per line. The output loads back with LoadJSONL.
func (l *Ledger) ExportJSONL(ctx context.Context, w io.Writer) (int64, error) {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	var n int64
	for r, err := range l.Query(ctx, Filter{}) {
		if err != nil {
			return n, err
		}
		if err := enc.Encode(r.ToRecord()); err != nil {
			return n, fmt.Errorf("export receipt %d: %w", r.ID, err)
		}
		n++
	}
	return n, nil
}
