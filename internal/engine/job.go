// Package engine dispatches file-analysis jobs: it picks a processor,
// acquires a sandboxed container, supervises execution, and aggregates the
// parsed output into a canonical result. The host never parses artifact
// bytes; it only routes them.
package engine

import (
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/hkuds/filecage/internal/policy"
	"github.com/hkuds/filecage/internal/processor"
)

// Job is one file-analysis request. It is owned exclusively by the
// dispatcher from submission until its result is returned.
type Job struct {
	ID          uuid.UUID
	Filename    string
	DeclaredExt string
	MIMEType    string
	Data        []byte
	Op          processor.Op

	// Policy overrides the engine default when non-nil.
	Policy *policy.Policy
}

// NewJob creates a job for the given artifact, deriving the declared
// extension from the filename.
func NewJob(filename string, data []byte, op processor.Op) Job {
	return Job{
		ID:          uuid.New(),
		Filename:    filename,
		DeclaredExt: strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), "."),
		Data:        data,
		Op:          op,
	}
}

// head returns a bounded prefix of the artifact for signature matching.
func (j *Job) head() []byte {
	const headLen = 512
	if len(j.Data) <= headLen {
		return j.Data
	}
	return j.Data[:headLen]
}
