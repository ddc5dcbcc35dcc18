// Package processor maps artifact types to in-container processing
// routines. Every routine executes inside the sandbox; the host never
// parses artifact bytes, it only picks which routine to run.
package processor

// AnalyzerPath is where the versioned analyzer bundle lives inside the
// prebuilt processing image. The host passes arguments, never code.
const AnalyzerPath = "/opt/filecage/analyze"

// Op selects what a processing routine does with the artifact.
type Op string

const (
	// OpPreview renders a human-viewable preview.
	OpPreview Op = "preview"
	// OpBehavioral probes the artifact for suspicious signals.
	OpBehavioral Op = "behavioral"
)

// Processor describes one processing routine. Its logic runs entirely inside
// the container boundary; Command builds the argv the sandbox executes.
type Processor interface {
	// Kind is the registry identity, e.g. "image" or "executable".
	Kind() string

	// PreviewType is the preview_type the routine reports for this kind.
	PreviewType() string

	// Command returns the in-container argv for the given scratch input path.
	Command(inputPath string, op Op) []string
}

// analyzer invokes the prebuilt analyzer bundle for one artifact kind.
// All builtin kinds share it; per-kind logic lives in the image, selected
// by the --kind flag.
type analyzer struct {
	kind        string
	previewType string
}

func (a analyzer) Kind() string        { return a.kind }
func (a analyzer) PreviewType() string { return a.previewType }

func (a analyzer) Command(inputPath string, op Op) []string {
	return []string{AnalyzerPath, "--kind", a.kind, "--op", string(op), "--input", inputPath}
}

// NewAnalyzer returns a Processor that runs the analyzer bundle with the
// given kind.
func NewAnalyzer(kind, previewType string) Processor {
	return analyzer{kind: kind, previewType: previewType}
}
