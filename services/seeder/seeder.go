// Package seeder enqueues tasks listed in a YAML seed file, once or on a
// cron schedule.
package seeder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/soheilrt/play-scraper/internal/domain"
	"github.com/soheilrt/play-scraper/pkg/telemetry"
)

// Entry is one seed as written in the file.
type Entry struct {
	Kind    string         `yaml:"kind"`
	Target  string         `yaml:"target"`
	Payload map[string]any `yaml:"payload,omitempty"`
}

// File is the seed file layout:
//
//	seeds:
//	  - kind: details
//	    target: com.example.app
type File struct {
	Seeds []Entry `yaml:"seeds"`
}

// Enqueuer is the queue's public insert operation.
type Enqueuer interface {
	Enqueue(ctx context.Context, task *domain.Task) (bool, error)
}

// Report counts what one seeding pass did.
type Report struct {
	Added    int `json:"added"`
	Existing int `json:"existing"`
	Rejected int `json:"rejected"`
}

// ParseSeeds decodes and validates a seed document.
func ParseSeeds(r io.Reader) ([]*domain.Task, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode seeds: %w", err)
	}

	tasks := make([]*domain.Task, 0, len(f.Seeds))
	for i, e := range f.Seeds {
		var payload json.RawMessage
		if len(e.Payload) > 0 {
			raw, err := json.Marshal(e.Payload)
			if err != nil {
				return nil, fmt.Errorf("seed %d: payload: %w", i, err)
			}
			payload = raw
		}
		task := domain.NewTask(e.Kind, e.Target, payload)
		if err := task.Validate(); err != nil {
			return nil, fmt.Errorf("seed %d: %w", i, err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// LoadSeeds reads the seed file at path.
func LoadSeeds(path string) ([]*domain.Task, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()
	return ParseSeeds(f)
}

// EnqueueAll inserts tasks and reports how many were new. Tasks already done
// or dead-lettered are counted as rejected; store errors stop the pass.
func EnqueueAll(ctx context.Context, q Enqueuer, tasks []*domain.Task) (Report, error) {
	var rep Report
	for _, t := range tasks {
		added, err := q.Enqueue(ctx, t)
		var invalid *domain.InvalidTaskError
		switch {
		case errors.As(err, &invalid):
			rep.Rejected++
		case err != nil:
			return rep, fmt.Errorf("enqueue %s: %w", t.ID, err)
		case added:
			rep.Added++
			telemetry.TasksEnqueued.WithLabelValues(t.Kind, "seed").Inc()
		default:
			rep.Existing++
		}
	}
	return rep, nil
}

// Seeder re-reads the seed file on every tick of its schedule. Only new
// targets are queued: finished tasks stay finished.
type Seeder struct {
	queue    Enqueuer
	path     string
	schedule string
	logger   *slog.Logger
}

func NewSeeder(queue Enqueuer, path, schedule string, logger *slog.Logger) *Seeder {
	return &Seeder{
		queue:    queue,
		path:     path,
		schedule: schedule,
		logger:   logger.With(slog.String("component", "seeder")),
	}
}

// RunOnce performs a single seeding pass.
func (s *Seeder) RunOnce(ctx context.Context) (Report, error) {
	tasks, err := LoadSeeds(s.path)
	if err != nil {
		telemetry.SeederRuns.WithLabelValues("error").Inc()
		return Report{}, err
	}
	rep, err := EnqueueAll(ctx, s.queue, tasks)
	if err != nil {
		telemetry.SeederRuns.WithLabelValues("error").Inc()
		return rep, err
	}
	telemetry.SeederRuns.WithLabelValues("ok").Inc()
	s.logger.Info("seed pass finished",
		slog.String("file", s.path),
		slog.Int("added", rep.Added),
		slog.Int("existing", rep.Existing),
		slog.Int("rejected", rep.Rejected),
	)
	return rep, nil
}

// Run seeds once immediately, then on every schedule tick until ctx is
// cancelled.
func (s *Seeder) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("seed pass failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("parse seed schedule %q: %w", s.schedule, err)
	}

	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("seed pass failed", slog.String("error", err.Error()))
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
