package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "run-2026-08", sanitizeName("run/2026 08"))
	assert.Equal(t, "nightly_scan.v2", sanitizeName("nightly_scan.v2"))
	assert.Equal(t, "plan", sanitizeName(""))
	assert.Equal(t, "a-b-c", sanitizeName("a b/c"))
}

func TestWriteReportDisabledWithoutRoot(t *testing.T) {
	o := &Orchestrator{}
	path, err := o.writeReport(&RunResult{PlanID: "p"})
	assert.NoError(t, err)
	assert.Empty(t, path)
}
