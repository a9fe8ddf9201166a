// Package engine drives a volumetry run: it gates on the verified caller
// identity, loads reference data, walks the rule registry per file class,
// and aggregates per-rule statuses into a single run report.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"volumetry/internal/config"
	"volumetry/internal/domain"
	"volumetry/internal/history"
	"volumetry/internal/period"
	"volumetry/internal/refdata"
	"volumetry/internal/rules"
	"volumetry/internal/store"
)

var (
	// ErrUnauthorized aborts a run before any store I/O.
	ErrUnauthorized = errors.New("verified caller identity required")
	// ErrReferenceLoad aborts a run before any record mutation.
	ErrReferenceLoad = errors.New("reference data load failed")
)

// FileClassAll requests every applicable file class.
const FileClassAll = "all-applicable"

type Engine struct {
	Store    *store.Store
	History  history.Writer
	Config   *config.Config
	Log      *zap.Logger
	Registry []rules.Rule
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, log *zap.Logger) Engine {
	if log == nil {
		log = zap.NewNop()
	}
	st := store.New(db)
	st.PageSize = cfg.Engine.PageSize
	st.ChunkSize = cfg.Engine.ChunkSize
	st.RetryAttempts = cfg.Engine.RetryAttempts
	st.RetryBackoff = cfg.RetryBackoff()
	return Engine{
		Store:    st,
		History:  history.Writer{DB: db},
		Config:   cfg,
		Log:      log,
		Registry: rules.Registry(),
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// RunOptions are the parameters of one pipeline run. ActorID must carry an
// identity already verified by the authentication boundary.
type RunOptions struct {
	FileClass    string
	Period       domain.Period
	ForceRetry   bool
	ValidateOnly bool
	ActorID      string
}

// Run executes the pipeline and returns the run report. The only errors it
// returns are the fatal ones (authorization, invalid request, reference
// load); everything else lands inside the report.
func (e Engine) Run(ctx context.Context, opts RunOptions) (domain.RunReport, error) {
	if strings.TrimSpace(opts.ActorID) == "" {
		return domain.RunReport{}, ErrUnauthorized
	}
	if opts.Period.IsZero() {
		return domain.RunReport{}, errors.New("billing period is required")
	}
	classes, err := resolveFileClasses(opts.FileClass)
	if err != nil {
		return domain.RunReport{}, err
	}

	runID := uuid.New().String()
	log := e.Log.With(zap.String("run_id", runID), zap.String("period", opts.Period.String()))
	log.Info("run started",
		zap.String("actor_id", opts.ActorID),
		zap.Bool("force_retry", opts.ForceRetry),
		zap.Bool("validate_only", opts.ValidateOnly))
	_ = e.History.Append(ctx, "run.started", runID, "", "", history.Payload{
		"actor_id":      opts.ActorID,
		"period":        opts.Period.String(),
		"file_class":    opts.FileClass,
		"force_retry":   opts.ForceRetry,
		"validate_only": opts.ValidateOnly,
	})

	maps, err := refdata.Load(ctx, e.Store)
	if err != nil {
		_ = e.History.Append(ctx, "run.aborted", runID, "", "", history.Payload{"reason": err.Error()})
		return domain.RunReport{}, fmt.Errorf("%w: %v", ErrReferenceLoad, err)
	}

	byClass := make(map[domain.FileClass][]domain.RuleStatus, len(classes))
	var mu sync.Mutex
	record := func(fc domain.FileClass, statuses []domain.RuleStatus) {
		mu.Lock()
		byClass[fc] = statuses
		mu.Unlock()
	}

	if e.Config.Engine.ConcurrentFileClasses {
		// One worker per file class; workers touch disjoint record subsets
		// and only read the shared reference maps.
		var eg errgroup.Group
		for _, fc := range classes {
			fc := fc
			eg.Go(func() error {
				record(fc, e.processFileClass(ctx, log, fc, opts, maps, runID))
				return nil
			})
		}
		_ = eg.Wait()
	} else {
		for _, fc := range classes {
			record(fc, e.processFileClass(ctx, log, fc, opts, maps, runID))
		}
	}

	var statuses []domain.RuleStatus
	for _, fc := range classes {
		statuses = append(statuses, byClass[fc]...)
	}
	report := e.aggregate(runID, opts.Period, classes, statuses, ctx.Err() != nil)

	if err := e.Store.InsertRunReport(ctx, report); err != nil {
		log.Warn("persist run report", zap.Error(err))
	}
	_ = e.History.Append(ctx, "run.completed", runID, "", "", history.Payload{
		"overall_success": report.OverallSuccess,
		"total_examined":  report.TotalExamined,
		"total_changed":   report.TotalChanged,
		"total_excluded":  report.TotalExcluded,
		"partial":         report.Partial,
	})
	log.Info("run completed",
		zap.Bool("overall_success", report.OverallSuccess),
		zap.Int("total_examined", report.TotalExamined),
		zap.Int("total_changed", report.TotalChanged),
		zap.Int("total_excluded", report.TotalExcluded))
	return report, nil
}

func resolveFileClasses(requested string) ([]domain.FileClass, error) {
	requested = strings.TrimSpace(requested)
	if requested == "" || requested == FileClassAll {
		return domain.AllFileClasses(), nil
	}
	fc := domain.FileClass(requested)
	if !fc.Valid() {
		return nil, fmt.Errorf("invalid file class %q", requested)
	}
	return []domain.FileClass{fc}, nil
}

// processFileClass walks the registry in order for one file class. Rules
// execute strictly sequentially; rule N+1 only starts after rule N's writes
// and validation completed. Cancellation is honored between rules, never
// mid-rule.
func (e Engine) processFileClass(ctx context.Context, log *zap.Logger, fc domain.FileClass, opts RunOptions, maps *refdata.Maps, runID string) []domain.RuleStatus {
	var statuses []domain.RuleStatus
	for _, rule := range e.Registry {
		if !rule.AppliesTo(fc) {
			continue
		}
		if ctx.Err() != nil {
			log.Warn("run canceled", zap.String("file_class", string(fc)), zap.String("next_rule", rule.Name))
			return statuses
		}
		st := e.executeRule(ctx, fc, rule, opts, maps)
		statuses = append(statuses, st)

		evt := "rule.applied"
		if !st.Applied {
			evt = "rule.failed"
		} else if st.ValidationPassed != nil && !*st.ValidationPassed {
			evt = "rule.validation_failed"
		}
		_ = e.History.Append(ctx, evt, runID, string(fc), rule.Name, history.Payload{
			"examined": st.RecordsExamined,
			"changed":  st.RecordsChanged,
			"excluded": st.RecordsExcluded,
			"retried":  st.Retried,
			"error":    st.Error,
		})
		log.Debug("rule finished",
			zap.String("file_class", string(fc)),
			zap.String("rule", rule.Name),
			zap.Int("examined", st.RecordsExamined),
			zap.Int("changed", st.RecordsChanged),
			zap.Int("excluded", st.RecordsExcluded),
			zap.Bool("applied", st.Applied))
	}
	return statuses
}

// executeRule runs one (fileClass, rule) pair: fetch, transform or exclude,
// chunked write-back, post-condition, and the single forceRetry replay.
func (e Engine) executeRule(ctx context.Context, fc domain.FileClass, rule rules.Rule, opts RunOptions, maps *refdata.Maps) domain.RuleStatus {
	st := domain.RuleStatus{RuleName: rule.Name, FileClass: fc}

	if rule.Precondition != nil {
		if err := rule.Precondition(maps); err != nil {
			st.Error = err.Error()
			return st
		}
	}

	if !opts.ValidateOnly {
		examined, changed, excluded, failures, err := e.applyRulePass(ctx, fc, rule, opts.Period, maps)
		if err != nil {
			st.Error = err.Error()
			return st
		}
		st.RecordsExamined = examined
		st.RecordsChanged = changed
		st.RecordsExcluded = excluded
		st.FailedRecords = failures
	}
	st.Applied = true

	if rule.PostCondition == nil {
		return st
	}
	passed, err := rule.PostCondition(ctx, e.Store, fc, opts.Period, e.Config.Engine.GraceDays)
	if err != nil {
		failed := false
		st.ValidationPassed = &failed
		st.Error = fmt.Sprintf("post-condition: %v", err)
		return st
	}
	if !passed && opts.ForceRetry && !opts.ValidateOnly {
		// Correctness retry: replay the rule exactly once, then re-check.
		st.Retried = true
		_, changed, excluded, failures, err := e.applyRulePass(ctx, fc, rule, opts.Period, maps)
		if err == nil {
			st.RecordsChanged += changed
			st.RecordsExcluded += excluded
			st.FailedRecords = append(st.FailedRecords, failures...)
			passed, err = rule.PostCondition(ctx, e.Store, fc, opts.Period, e.Config.Engine.GraceDays)
		}
		if err != nil {
			failed := false
			st.ValidationPassed = &failed
			st.Error = fmt.Sprintf("post-condition retry: %v", err)
			return st
		}
	}
	st.ValidationPassed = &passed
	return st
}

// applyRulePass is one execution of fetch → transform/exclude → write.
func (e Engine) applyRulePass(ctx context.Context, fc domain.FileClass, rule rules.Rule, p domain.Period, maps *refdata.Maps) (examined, changed, excluded int, failures []domain.RecordFailure, err error) {
	records, err := e.Store.FetchWorkingSet(ctx, fc, p)
	if err != nil {
		return 0, 0, 0, nil, fmt.Errorf("fetch working set: %w", err)
	}
	examined = len(records)

	if rule.IsExclusion() {
		w, ok := period.For(fc, p, e.Config.Engine.GraceDays)
		if !ok {
			return examined, 0, 0, nil, fmt.Errorf("file class %s has no exclusion window", fc)
		}
		var ids []string
		for _, r := range records {
			if rule.Exclude(r, w) {
				ids = append(ids, r.ID)
			}
		}
		res := e.Store.ExcludeBatch(ctx, ids)
		return examined, 0, len(res.Succeeded), res.Failed, nil
	}

	var dirty []domain.ImagingRecord
	for i := range records {
		r := records[i]
		if rule.Transform(&r, maps) {
			dirty = append(dirty, r)
		}
	}
	res := e.Store.WriteBatch(ctx, dirty)
	return examined, len(res.Succeeded), 0, res.Failed, nil
}
