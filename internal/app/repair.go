package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/roach88/convo/internal/conversation"
	"github.com/roach88/convo/internal/ids"
	"github.com/roach88/convo/internal/ir"
)

// RepairReport lists what Repair found and changed.
type RepairReport struct {
	// Truncated maps thread ID to bytes dropped from a torn final line.
	Truncated map[string]int64 `json:"truncated"`

	// Touched threads had their updated_at advanced to their newest event.
	Touched []string `json:"touched"`

	// Corrupt threads have logs that still fail to read.
	Corrupt []string `json:"corrupt"`

	// Orphans are thread directories with no index entry.
	Orphans []string `json:"orphans"`

	Pruned bool `json:"pruned"`
}

// Repair reconciles the thread index with the event logs: torn final log
// lines are dropped, each thread's updated_at is advanced to its newest
// event, and directories of threads missing from the index are reported
// (and removed when prune is set).
func (w *Workspace) Repair(ctx context.Context, prune bool) (RepairReport, error) {
	report := RepairReport{
		Truncated: map[string]int64{},
		Touched:   []string{},
		Corrupt:   []string{},
		Orphans:   []string{},
		Pruned:    prune,
	}

	x, err := w.threads.Load(ctx)
	if err != nil {
		return report, err
	}

	for _, id := range slices.Sorted(maps.Keys(x.Threads)) {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		l, err := w.log(id)
		if err != nil {
			report.Corrupt = append(report.Corrupt, id)
			continue
		}
		n, err := l.DropTornTail(ctx)
		if err != nil {
			return report, err
		}
		if n > 0 {
			report.Truncated[id] = n
			w.logger.Warn("dropped torn log tail", "thread_id", id, "bytes", n)
		}

		events, err := l.Read(ctx)
		if err != nil {
			w.logger.Warn("event log unreadable", "thread_id", id, "error", err)
			report.Corrupt = append(report.Corrupt, id)
			continue
		}
		var newest time.Time
		for _, e := range events {
			if e.UpdatedAt.After(newest) {
				newest = e.UpdatedAt
			}
		}
		if newest.After(x.Threads[id].UpdatedAt) {
			if err := w.threads.Touch(ctx, id, newest); err != nil {
				return report, err
			}
			report.Touched = append(report.Touched, id)
		}
	}

	orphans, err := w.orphanDirs(x.Threads)
	if err != nil {
		return report, err
	}
	report.Orphans = orphans
	if prune {
		for _, id := range orphans {
			if err := w.removeThreadFiles(ctx, id); err != nil {
				return report, err
			}
		}
	}

	w.logger.Info("repair finished",
		"truncated", len(report.Truncated),
		"touched", len(report.Touched),
		"corrupt", len(report.Corrupt),
		"orphans", len(report.Orphans),
	)
	return report, nil
}

func (w *Workspace) orphanDirs(known map[string]ir.Thread) ([]string, error) {
	dir, err := w.scope.Resolve(ThreadsDir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repair: %w", err)
	}
	out := []string{}
	for _, e := range entries {
		if !e.IsDir() || !ids.Valid(e.Name()) {
			continue
		}
		if _, ok := known[e.Name()]; !ok {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// VerifyReport is the result of replaying one thread.
type VerifyReport struct {
	ThreadID      string `json:"thread_id"`
	Events        int    `json:"events"`
	Messages      int    `json:"messages"`
	BranchPoints  int    `json:"branch_points"`
	Digest        string `json:"digest"`
	Deterministic bool   `json:"deterministic"`
}

// Verify reads a thread's log twice and reduces each copy, checking that
// both replays produce the same view.
func (w *Workspace) Verify(ctx context.Context, threadID string) (VerifyReport, error) {
	first, err := w.Events(ctx, threadID)
	if err != nil {
		return VerifyReport{}, err
	}
	second, err := w.Events(ctx, threadID)
	if err != nil {
		return VerifyReport{}, err
	}
	overrides, err := w.overrides(ctx, threadID)
	if err != nil {
		return VerifyReport{}, err
	}

	a := conversation.Reduce(first, overrides)
	b := conversation.Reduce(second, overrides)
	da, err := a.Digest()
	if err != nil {
		return VerifyReport{}, err
	}
	db, err := b.Digest()
	if err != nil {
		return VerifyReport{}, err
	}

	return VerifyReport{
		ThreadID:      threadID,
		Events:        len(first),
		Messages:      len(a.Messages),
		BranchPoints:  len(a.BranchPoints),
		Digest:        da,
		Deterministic: da == db && len(first) == len(second),
	}, nil
}
