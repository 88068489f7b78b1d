package webhook

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/imagegate/webhook/registry"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	admissionv1 "k8s.io/api/admission/v1"
)

type fakeValidator struct {
	mutex      sync.Mutex
	results    map[string]registry.CheckResult
	cloneErrs  map[string]error
	checkCalls int
	cloned     []string
}

func (f *fakeValidator) CheckExistenceBatch(ctx context.Context, images []string) []registry.CheckResult {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.checkCalls++
	results := []registry.CheckResult{}
	for _, image := range images {
		result, exists := f.results[image]
		if !exists {
			result = registry.CheckResult{Exists: true}
		}

		result.Image = image
		results = append(results, result)
	}

	return results
}

func (f *fakeValidator) Clone(ctx context.Context, image string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.cloned = append(f.cloned, image)
	return f.cloneErrs[image]
}

func podRequest(images ...string) *admissionv1.AdmissionRequest {
	containers := []string{}
	for i, image := range images {
		containers = append(containers, fmt.Sprintf(`{"name": "c%d", "image": "%s"}`, i, image))
	}

	object := fmt.Sprintf(`{"spec": {"containers": [%s]}}`, strings.Join(containers, ","))
	return admissionRequest("Pod", object)
}

func TestEngine_SkipsSubResources(t *testing.T) {
	validator := &fakeValidator{}
	e := NewEngine(validator, Options{})
	defer e.Close()

	req := podRequest("nginx:1.25")
	req.SubResource = "scale"
	response := e.Review(context.Background(), req)
	assert.True(t, response.Allowed)
	assert.Equal(t, 0, validator.checkCalls)
}

func TestEngine_SkipsOperationsOtherThanCreateUpdate(t *testing.T) {
	validator := &fakeValidator{}
	e := NewEngine(validator, Options{})
	defer e.Close()

	req := podRequest("nginx:1.25")
	req.Operation = admissionv1.Delete
	response := e.Review(context.Background(), req)
	assert.True(t, response.Allowed)
	assert.Equal(t, 0, validator.checkCalls)
}

func TestEngine_AllowsObjectsWithoutImages(t *testing.T) {
	validator := &fakeValidator{}
	e := NewEngine(validator, Options{})
	defer e.Close()

	response := e.Review(context.Background(), admissionRequest("ConfigMap", `{"data": {}}`))
	assert.True(t, response.Allowed)
	assert.Equal(t, 0, validator.checkCalls)
}

func TestEngine_AllowsWhenAllImagesExist(t *testing.T) {
	validator := &fakeValidator{}
	e := NewEngine(validator, Options{})
	defer e.Close()

	response := e.Review(context.Background(), podRequest("nginx:1.25", "redis:7"))
	assert.True(t, response.Allowed)
	assert.Empty(t, response.Warnings)
	assert.Equal(t, 1, validator.checkCalls)
}

func TestEngine_DeniesMissingImagesWithoutTarget(t *testing.T) {
	validator := &fakeValidator{
		results: map[string]registry.CheckResult{
			"missing/a:1": {Exists: false, Registry: "index.docker.io"},
			"missing/b:1": {Exists: false, Registry: "index.docker.io"},
			"missing/c:1": {Exists: false, Registry: "index.docker.io"},
		},
	}
	e := NewEngine(validator, Options{})
	defer e.Close()

	response := e.Review(context.Background(), podRequest("missing/a:1", "missing/b:1", "missing/c:1"))
	require.False(t, response.Allowed)
	require.NotNil(t, response.Result)
	// Every offending image must be named, not just the first.
	assert.Contains(t, response.Result.Message, "missing/a:1")
	assert.Contains(t, response.Result.Message, "missing/b:1")
	assert.Contains(t, response.Result.Message, "missing/c:1")
	assert.Contains(t, response.Result.Message, "index.docker.io")
}

func TestEngine_TreatsCheckErrorsAsMissing(t *testing.T) {
	validator := &fakeValidator{
		results: map[string]registry.CheckResult{
			"flaky/app:1": {Exists: false, Registry: "registry.private", Err: errors.New("request timed out after 10s")},
		},
	}
	e := NewEngine(validator, Options{})
	defer e.Close()

	response := e.Review(context.Background(), podRequest("flaky/app:1"))
	require.False(t, response.Allowed)
	assert.Contains(t, response.Result.Message, "flaky/app:1")
	assert.Contains(t, response.Result.Message, "request timed out after 10s")
}

func TestEngine_SurfacesSoftErrorsAsWarnings(t *testing.T) {
	validator := &fakeValidator{
		results: map[string]registry.CheckResult{
			"warn/app:1": {Exists: true, Err: errors.New("manifest digest mismatch")},
		},
	}
	e := NewEngine(validator, Options{})
	defer e.Close()

	response := e.Review(context.Background(), podRequest("warn/app:1"))
	assert.True(t, response.Allowed)
	require.Len(t, response.Warnings, 1)
	assert.Contains(t, response.Warnings[0], "manifest digest mismatch")
}

func TestEngine_ClonesMissingImagesIntoTarget(t *testing.T) {
	validator := &fakeValidator{
		results: map[string]registry.CheckResult{
			"missing/a:1": {Exists: false, Registry: "mirror.internal"},
			"missing/b:1": {Exists: false, Registry: "mirror.internal"},
		},
	}
	e := NewEngine(validator, Options{TargetRegistry: "mirror.internal", CloneWorkers: 2})
	defer e.Close()

	response := e.Review(context.Background(), podRequest("missing/a:1", "missing/b:1", "present/c:1"))
	assert.True(t, response.Allowed)
	assert.ElementsMatch(t, []string{"missing/a:1", "missing/b:1"}, validator.cloned)
}

func TestEngine_DeniesWhenCloneFails(t *testing.T) {
	validator := &fakeValidator{
		results: map[string]registry.CheckResult{
			"missing/a:1": {Exists: false, Registry: "mirror.internal"},
			"missing/b:1": {Exists: false, Registry: "mirror.internal"},
		},
		cloneErrs: map[string]error{
			"missing/b:1": errors.New("pushing manifest: unexpected status 500"),
		},
	}
	e := NewEngine(validator, Options{TargetRegistry: "mirror.internal"})
	defer e.Close()

	response := e.Review(context.Background(), podRequest("missing/a:1", "missing/b:1"))
	require.False(t, response.Allowed)
	assert.Contains(t, response.Result.Message, "missing/b:1")
	assert.Contains(t, response.Result.Message, "unexpected status 500")
	assert.ElementsMatch(t, []string{"missing/a:1", "missing/b:1"}, validator.cloned)
}

func TestEngine_ResponseUIDMatchesRequest(t *testing.T) {
	validator := &fakeValidator{}
	e := NewEngine(validator, Options{})
	defer e.Close()

	req := podRequest("nginx:1.25")
	req.UID = "8f6f5f33-9f40-4dcb-bd61-a1e5b7a0a5a4"
	response := e.Review(context.Background(), req)
	assert.Equal(t, req.UID, response.UID)
}
