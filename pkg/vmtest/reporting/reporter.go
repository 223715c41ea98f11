package reporting

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/alexandremahdhaoui/kvmcheck/pkg/vmtest"
)

// ReportFormat specifies the output format for reports
type ReportFormat string

const (
	// FormatJSON produces JSON-formatted reports
	FormatJSON ReportFormat = "json"
	// FormatText produces human-readable text reports
	FormatText ReportFormat = "text"
)

// Formats lists every supported format.
var Formats = []ReportFormat{FormatJSON, FormatText}

// Reporter generates run reports in various formats
type Reporter struct {
	artifactDir string
}

// NewReporter creates a new reporter writing below artifactDir
func NewReporter(artifactDir string) *Reporter {
	return &Reporter{
		artifactDir: artifactDir,
	}
}

// GenerateReport generates a report in the specified format and returns it as a string
func (r *Reporter) GenerateReport(result *vmtest.RunResult, format ReportFormat) (string, error) {
	switch format {
	case FormatJSON:
		return formatJSON(result)
	case FormatText:
		return formatText(result, false), nil
	default:
		return "", fmt.Errorf("unsupported format: %s", format)
	}
}

// WriteReport generates a report and writes it to <artifactDir>/<runID>/.
// It returns the path of the written file.
func (r *Reporter) WriteReport(result *vmtest.RunResult, format ReportFormat) (string, error) {
	content, err := r.GenerateReport(result, format)
	if err != nil {
		return "", fmt.Errorf("failed to generate report: %w", err)
	}

	reportDir := filepath.Join(r.artifactDir, result.RunID)
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	var filename string
	switch format {
	case FormatJSON:
		filename = "report.json"
	case FormatText:
		filename = "report.txt"
	}

	reportPath := filepath.Join(reportDir, filename)
	if err := os.WriteFile(reportPath, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write report file: %w", err)
	}

	return reportPath, nil
}

// WriteAll writes the report in every format and returns the written paths.
func (r *Reporter) WriteAll(result *vmtest.RunResult) ([]string, error) {
	paths := make([]string, 0, len(Formats))
	for _, format := range Formats {
		path, err := r.WriteReport(result, format)
		if err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// PrintSummary prints a concise, colored summary of the run to w
func PrintSummary(w io.Writer, result *vmtest.RunResult) error {
	if _, err := io.WriteString(w, formatSummary(result)); err != nil {
		return fmt.Errorf("failed to print summary: %w", err)
	}
	return nil
}
