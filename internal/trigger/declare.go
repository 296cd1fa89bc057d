package trigger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/me/pipesched/internal/pipeline"
	"github.com/me/pipesched/pkg/model"
)

// Declaration is one trigger as written in triggers.yaml.
type Declaration struct {
	Name             string                 `yaml:"name"`
	ScheduleType     model.ScheduleType     `yaml:"schedule_type"`
	ScheduleInterval model.ScheduleInterval `yaml:"schedule_interval"`
	StartTime        *time.Time             `yaml:"start_time"`
	Status           model.ScheduleStatus   `yaml:"status"`
	Settings         model.ScheduleSettings `yaml:"settings"`
	Variables        map[string]any         `yaml:"variables"`
	SLA              int                    `yaml:"sla"`
	Token            string                 `yaml:"token"`
}

type declarationFile struct {
	Triggers []Declaration `yaml:"triggers"`
}

// LoadDeclarations reads a triggers.yaml file. A missing file declares nothing.
func LoadDeclarations(path string) ([]Declaration, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var f declarationFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return f.Triggers, nil
}

// Schedule converts the declaration into a schedule of pipelineUUID.
func (d Declaration) Schedule(pipelineUUID, repoPath string) *model.PipelineSchedule {
	st := d.ScheduleType
	if st == "" {
		st = model.ScheduleTypeTime
	}
	status := d.Status
	if status == "" {
		status = model.ScheduleStatusActive
	}
	return &model.PipelineSchedule{
		Name:             d.Name,
		PipelineUUID:     pipelineUUID,
		RepoPath:         repoPath,
		ScheduleType:     st,
		ScheduleInterval: d.ScheduleInterval,
		StartTime:        d.StartTime,
		Status:           status,
		Settings:         d.Settings,
		Variables:        d.Variables,
		SLA:              d.SLA,
		Token:            d.Token,
	}
}

// ValidateDeclarations rejects empty or duplicate names and invalid intervals.
func ValidateDeclarations(decls []Declaration) error {
	seen := make(map[string]bool, len(decls))
	for _, d := range decls {
		if d.Name == "" {
			return fmt.Errorf("trigger without a name")
		}
		if seen[d.Name] {
			return fmt.Errorf("%w: %q", model.ErrDuplicateTrigger, d.Name)
		}
		seen[d.Name] = true
		if err := ValidateSchedule(d.Schedule("", "")); err != nil {
			return fmt.Errorf("trigger %q: %w", d.Name, err)
		}
	}
	return nil
}

// ScheduleStore is the store capability the sync step needs.
type ScheduleStore interface {
	GetScheduleByName(ctx context.Context, pipelineUUID, name string) (*model.PipelineSchedule, error)
	CreateSchedule(ctx context.Context, s *model.PipelineSchedule) error
	UpdateSchedule(ctx context.Context, s *model.PipelineSchedule) error
}

// SyncResult counts what a sync changed.
type SyncResult struct {
	Created int
	Updated int
}

// Sync mirrors the declarations of one pipeline into the store, inserting or
// updating by (pipeline uuid, name). An invalid declaration set is rejected
// before anything is written.
func Sync(ctx context.Context, st ScheduleStore, pipelineUUID, repoPath string, decls []Declaration, now time.Time) (SyncResult, error) {
	var res SyncResult
	if err := ValidateDeclarations(decls); err != nil {
		return res, err
	}
	for _, d := range decls {
		want := d.Schedule(pipelineUUID, repoPath)
		existing, err := st.GetScheduleByName(ctx, pipelineUUID, d.Name)
		if err != nil {
			return res, fmt.Errorf("lookup trigger %q: %w", d.Name, err)
		}
		if existing == nil {
			want.ID = uuid.NewString()
			want.CreatedAt = now
			want.UpdatedAt = now
			if err := st.CreateSchedule(ctx, want); err != nil {
				return res, fmt.Errorf("create trigger %q: %w", d.Name, err)
			}
			res.Created++
			continue
		}
		if !declaredChanged(existing, want) {
			continue
		}
		existing.ScheduleType = want.ScheduleType
		existing.ScheduleInterval = want.ScheduleInterval
		existing.StartTime = want.StartTime
		existing.Status = want.Status
		existing.Settings = want.Settings
		existing.Variables = want.Variables
		existing.SLA = want.SLA
		existing.RepoPath = want.RepoPath
		if want.Token != "" {
			existing.Token = want.Token
		}
		existing.UpdatedAt = now
		if err := st.UpdateSchedule(ctx, existing); err != nil {
			return res, fmt.Errorf("update trigger %q: %w", d.Name, err)
		}
		res.Updated++
	}
	return res, nil
}

func declaredChanged(have, want *model.PipelineSchedule) bool {
	if have.ScheduleType != want.ScheduleType || have.ScheduleInterval != want.ScheduleInterval ||
		have.Status != want.Status || have.Settings != want.Settings || have.SLA != want.SLA ||
		have.RepoPath != want.RepoPath {
		return true
	}
	if (have.StartTime == nil) != (want.StartTime == nil) {
		return true
	}
	if have.StartTime != nil && !have.StartTime.Equal(*want.StartTime) {
		return true
	}
	if want.Token != "" && want.Token != have.Token {
		return true
	}
	return !sameVariables(have.Variables, want.Variables)
}

func sameVariables(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || !equal(v, w) && fmt.Sprint(v) != fmt.Sprint(w) {
			return false
		}
	}
	return true
}

// SyncRepository syncs triggers.yaml of every pipeline in repoPath. A broken
// file is logged and skipped so one pipeline cannot block the others.
func SyncRepository(ctx context.Context, st ScheduleStore, repoPath string, now time.Time, logger *slog.Logger) (SyncResult, error) {
	var total SyncResult
	uuids, err := pipeline.ListUUIDs(repoPath)
	if err != nil {
		return total, err
	}
	for _, id := range uuids {
		decls, err := LoadDeclarations(pipeline.TriggersPath(repoPath, id))
		if err != nil {
			logger.Error("load trigger declarations", "pipeline_uuid", id, "error", err)
			continue
		}
		if len(decls) == 0 {
			continue
		}
		res, err := Sync(ctx, st, id, repoPath, decls, now)
		if err != nil {
			logger.Error("sync triggers", "pipeline_uuid", id, "error", err)
			continue
		}
		total.Created += res.Created
		total.Updated += res.Updated
	}
	return total, nil
}
