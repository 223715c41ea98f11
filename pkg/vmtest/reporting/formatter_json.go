package reporting

import (
	"encoding/json"
	"fmt"

	"github.com/alexandremahdhaoui/kvmcheck/pkg/vmtest"
)

// formatJSON converts RunResult to pretty-printed JSON
func formatJSON(result *vmtest.RunResult) (string, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}

	return string(data) + "\n", nil
}
