package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/viva-health/screening/pkg/common/models"
	"github.com/viva-health/screening/pkg/storage"
	"github.com/viva-health/screening/pkg/terminology"
)

func TestPrintJobs(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printJobs(&buf, nil))
	assert.Equal(t, "No training runs recorded\n", buf.String())

	buf.Reset()
	created := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, printJobs(&buf, []models.TrainingJob{
		{ID: "job-1", ModelType: "gp", Status: "completed", CreatedAt: created, Metrics: map[string]interface{}{"mae": 0.01234, "r2": 0.99}},
		{ID: "job-2", ModelType: "quiz", Status: "failed", CreatedAt: created},
	}))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Regexp(t, `^ID\s+MODEL\s+STATUS\s+CREATED\s+MAE\s+R2$`, string(lines[0]))
	assert.Regexp(t, `^job-1\s+gp\s+completed\s+2024-05-01T09:00:00Z\s+0\.0123\s+0\.9900$`, string(lines[1]))
	assert.Regexp(t, `^job-2\s+quiz\s+failed\s+2024-05-01T09:00:00Z\s+-\s+-$`, string(lines[2]))
}

func TestPrintJob(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printJob(&buf, models.TrainingJob{ID: "job-1", ModelType: "gp", Status: "completed", ArtifactPath: "models/gp.json"}))

	assert.Contains(t, buf.String(), `"artifact_path": "models/gp.json"`)
	assert.NotContains(t, buf.String(), "error_message")
}

func TestPrintRollups(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printRollups(&buf, nil))
	assert.Equal(t, "No screening runs recorded\n", buf.String())

	buf.Reset()
	require.NoError(t, printRollups(&buf, []storage.Rollup{{
		RunID:    "run-1",
		Status:   "Urgent: high predicted risk",
		Patients: 4,
		Stats:    datatypes.JSONMap{"max_risk": 2.4},
		RunTime:  time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}}))
	assert.Contains(t, buf.String(), "Urgent: high predicted risk")
	assert.Regexp(t, `run-1\s+2024-05-01T09:00:00Z\s+Urgent: high predicted risk\s+4\s+2\.4000`, buf.String())
}

func TestPrintCodes(t *testing.T) {
	var buf bytes.Buffer
	printCodes(&buf, terminology.DefaultCatalog())

	assert.Equal(t, "genetics: 0, 765057007, 412734009, 442525003\nsmoking:  266919005, 77176002\n", buf.String())
}
