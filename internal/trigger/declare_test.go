package trigger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/pipesched/pkg/model"
)

type memSchedules struct {
	byKey map[string]*model.PipelineSchedule
}

func newMemSchedules() *memSchedules {
	return &memSchedules{byKey: make(map[string]*model.PipelineSchedule)}
}

func (m *memSchedules) GetScheduleByName(_ context.Context, pipelineUUID, name string) (*model.PipelineSchedule, error) {
	s, ok := m.byKey[pipelineUUID+"/"+name]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *memSchedules) CreateSchedule(_ context.Context, s *model.PipelineSchedule) error {
	m.byKey[s.PipelineUUID+"/"+s.Name] = s
	return nil
}

func (m *memSchedules) UpdateSchedule(_ context.Context, s *model.PipelineSchedule) error {
	m.byKey[s.PipelineUUID+"/"+s.Name] = s
	return nil
}

const triggersYAML = `
triggers:
  - name: hourly
    schedule_interval: "@hourly"
    start_time: 2024-01-01T00:00:00Z
    variables:
      env: prod
    settings:
      skip_if_previous_running: true
  - name: webhook
    schedule_type: api
    token: secret
`

func writeTriggers(t *testing.T, repo, uuid, content string) {
	t.Helper()
	dir := filepath.Join(repo, "pipelines", uuid)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "triggers.yaml"), []byte(content), 0o644))
}

func TestSyncInsertsThenUpdates(t *testing.T) {
	repo := t.TempDir()
	writeTriggers(t, repo, "etl", triggersYAML)
	st := newMemSchedules()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	res, err := SyncRepository(context.Background(), st, repo, now, logger)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Created: 2}, res)

	hourly := st.byKey["etl/hourly"]
	require.NotNil(t, hourly)
	assert.Equal(t, model.ScheduleTypeTime, hourly.ScheduleType)
	assert.Equal(t, model.ScheduleStatusActive, hourly.Status)
	assert.True(t, hourly.Settings.SkipIfPreviousRunning)
	assert.Equal(t, "prod", hourly.Variables["env"])
	assert.Equal(t, "secret", st.byKey["etl/webhook"].Token)
	id := hourly.ID

	// Unchanged declarations write nothing.
	res, err = SyncRepository(context.Background(), st, repo, now, logger)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{}, res)

	writeTriggers(t, repo, "etl", `
triggers:
  - name: hourly
    schedule_interval: "@daily"
`)
	res, err = SyncRepository(context.Background(), st, repo, now.Add(time.Hour), logger)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Updated: 1}, res)
	assert.Equal(t, id, st.byKey["etl/hourly"].ID, "update keeps identity")
	assert.Equal(t, model.ScheduleIntervalDaily, st.byKey["etl/hourly"].ScheduleInterval)
}

func TestSyncRejectsInvalidDeclarations(t *testing.T) {
	st := newMemSchedules()
	now := time.Now()

	_, err := Sync(context.Background(), st, "etl", "", []Declaration{
		{Name: "a", ScheduleInterval: model.ScheduleIntervalDaily},
		{Name: "a", ScheduleInterval: model.ScheduleIntervalHourly},
	}, now)
	assert.ErrorIs(t, err, model.ErrDuplicateTrigger)

	_, err = Sync(context.Background(), st, "etl", "", []Declaration{
		{Name: "bad", ScheduleInterval: "99 * * * *"},
	}, now)
	assert.ErrorIs(t, err, model.ErrInvalidCron)
	assert.Empty(t, st.byKey, "nothing written for rejected declarations")
}
