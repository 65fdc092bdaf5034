// SPDX-License-Identifier: Apache-2.0

// Package plog logs the progress of a plan and apply run.
package plog

import (
	"github.com/pterm/pterm"

	"github.com/pgmg-io/pgmg/internal/planner"
)

// Logger is responsible for logging all plan and apply steps.
type Logger interface {
	LogPlanStart(migrationCount, objectCount int)
	LogStep(step planner.Step)
	LogApplyComplete()
	LogProbe(kind, object, hint string)
	Info(msg string, args ...any)
}

type ptermLogger struct {
	logger pterm.Logger
}

type noopLogger struct{}

// NewLogger returns a Logger that writes to standard error via pterm.
func NewLogger() Logger {
	return &ptermLogger{logger: pterm.DefaultLogger}
}

// NewNoopLogger returns a Logger that discards everything, used by callers
// that only want the Result value and render their own output.
func NewNoopLogger() Logger {
	return &noopLogger{}
}

func (l *ptermLogger) LogPlanStart(migrationCount, objectCount int) {
	l.logger.Info("computing plan", l.logger.Args(
		"pending_migrations", migrationCount,
		"code_objects", objectCount,
	))
}

func (l *ptermLogger) LogStep(step planner.Step) {
	args := []any{"step", step.Kind.String()}
	if step.MigrationName != "" {
		args = append(args, "migration", step.MigrationName)
	}
	if step.Key != "" {
		args = append(args, "object", step.Key)
	}
	l.logger.Info("applying step", l.logger.Args(args...))
}

func (l *ptermLogger) LogApplyComplete() {
	l.logger.Info("apply complete")
}

func (l *ptermLogger) LogProbe(kind, object, hint string) {
	l.logger.Debug("probe result", l.logger.Args(
		"probe", kind,
		"object", object,
		"hint", hint,
	))
}

func (l *ptermLogger) Info(msg string, args ...any) {
	l.logger.Info(msg, l.logger.Args(args...))
}

func (l *noopLogger) LogPlanStart(migrationCount, objectCount int) {}
func (l *noopLogger) LogStep(step planner.Step)                    {}
func (l *noopLogger) LogApplyComplete()                            {}
func (l *noopLogger) LogProbe(kind, object, hint string)           {}
func (l *noopLogger) Info(msg string, args ...any)                 {}
