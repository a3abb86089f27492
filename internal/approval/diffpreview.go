package approval

import (
	"fmt"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
)

// UnifiedDiffPreview builds the diff preview a file-write tool passes as
// the `preview` argument to Request, so the approval prompt can render
// exactly what a write would change before the user decides.
func UnifiedDiffPreview(path, before, after string) string {
	if before == after {
		return ""
	}
	uri := span.URIFromPath(path)
	edits := myers.ComputeEdits(uri, before, after)
	if len(edits) == 0 {
		return ""
	}
	return fmt.Sprint(gotextdiff.ToUnified(path, path, before, edits))
}
