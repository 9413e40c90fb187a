package scheduler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/vigil/internal/model"
)

func TestLoadState_Absent(t *testing.T) {
	dir := t.TempDir()

	st, err := loadState(dir, filepath.Join(dir, "state.yaml"))
	require.NoError(t, err)
	assert.False(t, st.Enabled)
	assert.Zero(t, st.CheckCount)
	assert.Nil(t, st.LastCheckAt)
	assert.Equal(t, stateFileType, st.FileType)
}

func TestSaveLoadState_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.yaml")

	last := int64(1700000000000)
	next := int64(1700001800000)
	m := "opus"
	in := model.SchedulerState{
		Enabled:     true,
		IntervalMs:  30 * 60 * 1000,
		LastCheckAt: &last,
		NextCheckAt: &next,
		CheckCount:  12,
		PinnedModel: &m,
	}
	require.NoError(t, saveState(path, in))

	out, err := loadState(dir, path)
	require.NoError(t, err)
	assert.True(t, out.Enabled)
	assert.Equal(t, in.IntervalMs, out.IntervalMs)
	require.NotNil(t, out.LastCheckAt)
	assert.Equal(t, last, *out.LastCheckAt)
	require.NotNil(t, out.NextCheckAt)
	assert.Equal(t, next, *out.NextCheckAt)
	assert.Equal(t, int64(12), out.CheckCount)
	require.NotNil(t, out.PinnedModel)
	assert.Equal(t, "opus", *out.PinnedModel)

	// The schema header is stamped on save.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "file_type: heartbeat_state")
}

func TestLoadState_CorruptFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{{{"), 0644))

	// The corrupt file is quarantined and a disabled skeleton takes its place.
	st, err := loadState(dir, path)
	require.NoError(t, err)
	assert.False(t, st.Enabled)
	assert.Zero(t, st.CheckCount)

	entries, err := os.ReadDir(filepath.Join(dir, "quarantine"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
