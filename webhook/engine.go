package webhook

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Jeffail/tunny"
	errlog "github.com/imagegate/webhook/log"
	"github.com/imagegate/webhook/registry"
	log "github.com/sirupsen/logrus"
	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
)

const defaultCloneWorkers = 4

// Validator is the part of the registry client the engine depends on.
type Validator interface {
	CheckExistenceBatch(ctx context.Context, images []string) []registry.CheckResult
	Clone(ctx context.Context, image string) error
}

// Options configures an Engine.
type Options struct {
	// TargetRegistry enables the clone-on-miss path. Empty means missing
	// images deny the request outright.
	TargetRegistry string
	// CloneWorkers bounds how many clone operations run at once.
	CloneWorkers int
}

// Engine turns one admission request into an allow/deny verdict. It keeps no
// state across requests apart from the clone worker pool.
type Engine struct {
	validator      Validator
	targetRegistry string
	clonePool      *tunny.Pool
}

type cloneJob struct {
	ctx   context.Context
	image string
}

func NewEngine(validator Validator, opts Options) *Engine {
	workers := opts.CloneWorkers
	if workers < 1 {
		workers = defaultCloneWorkers
	}

	e := &Engine{
		validator:      validator,
		targetRegistry: opts.TargetRegistry,
	}
	e.clonePool = tunny.NewFunc(workers, func(payload interface{}) interface{} {
		job, ok := payload.(cloneJob)
		if !ok {
			log.Error("unable to cast payload to cloneJob")
			return nil
		}

		return e.validator.Clone(job.ctx, job.image)
	})

	return e
}

// Close releases the clone worker pool.
func (e *Engine) Close() {
	e.clonePool.Close()
}

// Review processes one admission request to a terminal verdict. Sub-resource
// requests and operations other than create/update cannot introduce a new
// image reference and are allowed without any checks.
func (e *Engine) Review(ctx context.Context, req *admissionv1.AdmissionRequest) *admissionv1.AdmissionResponse {
	if req.SubResource != "" || (req.Operation != admissionv1.Create && req.Operation != admissionv1.Update) {
		admissionVerdicts.WithLabelValues("skipped").Inc()
		return allow(req.UID, nil)
	}

	images := ExtractImages(req)
	if len(images) == 0 {
		admissionVerdicts.WithLabelValues("allowed").Inc()
		return allow(req.UID, nil)
	}

	start := time.Now()
	results := e.validator.CheckExistenceBatch(ctx, images)
	checkDuration.Observe(time.Since(start).Seconds())

	missing := []registry.CheckResult{}
	warnings := []string{}
	for _, result := range results {
		switch {
		case result.Exists && result.Err != nil:
			// Soft error: the image is there but the check had something to
			// report. Surfaced as a warning, never suppressed.
			imageChecks.WithLabelValues("exists").Inc()
			warnings = append(warnings, fmt.Sprintf("image %s: %s", result.Image, result.Err))
		case result.Exists:
			imageChecks.WithLabelValues("exists").Inc()
		case result.Err != nil:
			// An unverifiable image counts as missing. Allowing it through
			// silently would defeat the gate.
			imageChecks.WithLabelValues("error").Inc()
			missing = append(missing, result)
		default:
			imageChecks.WithLabelValues("missing").Inc()
			missing = append(missing, result)
		}
	}

	if len(missing) == 0 {
		admissionVerdicts.WithLabelValues("allowed").Inc()
		return allow(req.UID, warnings)
	}

	if e.targetRegistry == "" {
		admissionVerdicts.WithLabelValues("denied").Inc()
		return deny(req.UID, missingMessage(missing))
	}

	failures := e.cloneAll(ctx, missing)
	if len(failures) == 0 {
		admissionVerdicts.WithLabelValues("allowed").Inc()
		return allow(req.UID, warnings)
	}

	admissionVerdicts.WithLabelValues("denied").Inc()
	return deny(req.UID, cloneFailureMessage(failures))
}

type cloneFailure struct {
	image string
	err   error
}

// cloneAll replicates every missing image into the target registry through
// the bounded worker pool. All failures are collected, not just the first,
// so the denial message can name every offending image.
func (e *Engine) cloneAll(ctx context.Context, missing []registry.CheckResult) []cloneFailure {
	mutex := &sync.Mutex{}
	failures := []cloneFailure{}
	wg := &sync.WaitGroup{}
	wg.Add(len(missing))
	for _, result := range missing {
		image := result.Image
		go func() {
			defer wg.Done()
			outcome := e.clonePool.Process(cloneJob{ctx: ctx, image: image})
			if err, ok := outcome.(error); ok && err != nil {
				cloneOps.WithLabelValues("failure").Inc()
				log.Debugf("cloning %s: %s", image, errlog.FormatError(err))
				mutex.Lock()
				failures = append(failures, cloneFailure{image: image, err: err})
				mutex.Unlock()
				return
			}

			cloneOps.WithLabelValues("success").Inc()
			log.Infof("cloned %s into %s", image, e.targetRegistry)
		}()
	}

	wg.Wait()
	return failures
}

func missingMessage(missing []registry.CheckResult) string {
	parts := make([]string, 0, len(missing))
	for _, result := range missing {
		if result.Err != nil {
			parts = append(parts, fmt.Sprintf("%s (registry %s): %s", result.Image, result.Registry, result.Err))
			continue
		}

		parts = append(parts, fmt.Sprintf("%s (registry %s): manifest not found", result.Image, result.Registry))
	}

	return "images not found: " + strings.Join(parts, "; ")
}

func cloneFailureMessage(failures []cloneFailure) string {
	parts := make([]string, 0, len(failures))
	for _, failure := range failures {
		parts = append(parts, fmt.Sprintf("%s: %s", failure.image, failure.err))
	}

	return "cloning images failed: " + strings.Join(parts, "; ")
}

func allow(uid types.UID, warnings []string) *admissionv1.AdmissionResponse {
	return &admissionv1.AdmissionResponse{UID: uid, Allowed: true, Warnings: warnings}
}

func deny(uid types.UID, message string) *admissionv1.AdmissionResponse {
	return &admissionv1.AdmissionResponse{
		UID:     uid,
		Allowed: false,
		Result:  &metav1.Status{Code: http.StatusForbidden, Message: message},
	}
}
