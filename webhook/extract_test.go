package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
)

func admissionRequest(kind string, object string) *admissionv1.AdmissionRequest {
	return &admissionv1.AdmissionRequest{
		UID:       "uid-1",
		Kind:      metav1.GroupVersionKind{Kind: kind},
		Operation: admissionv1.Create,
		Object:    runtime.RawExtension{Raw: []byte(object)},
	}
}

func TestExtractImages(t *testing.T) {
	testcases := []struct {
		name   string
		kind   string
		object string
		images []string
	}{
		{
			name: "pod with init and ephemeral containers",
			kind: "Pod",
			object: `{
				"spec": {
					"initContainers": [{"name": "init", "image": "busybox:1.36"}],
					"containers": [{"name": "app", "image": "nginx:1.25"}],
					"ephemeralContainers": [{"name": "debug", "image": "alpine:3.19"}]
				}
			}`,
			images: []string{"busybox:1.36", "nginx:1.25", "alpine:3.19"},
		},
		{
			name: "deployment recurses into the pod template",
			kind: "Deployment",
			object: `{
				"spec": {
					"template": {
						"spec": {"containers": [{"name": "app", "image": "nginx:1.25"}]}
					}
				}
			}`,
			images: []string{"nginx:1.25"},
		},
		{
			name: "cronjob recurses into the job template",
			kind: "CronJob",
			object: `{
				"spec": {
					"jobTemplate": {
						"spec": {
							"template": {
								"spec": {"containers": [{"name": "task", "image": "backup:v3"}]}
							}
						}
					}
				}
			}`,
			images: []string{"backup:v3"},
		},
		{
			name: "duplicate images collapse",
			kind: "Pod",
			object: `{
				"spec": {
					"containers": [
						{"name": "a", "image": "nginx:1.25"},
						{"name": "b", "image": "nginx:1.25"}
					]
				}
			}`,
			images: []string{"nginx:1.25"},
		},
		{
			name: "unknown kind with embedded pod template",
			kind: "Rollout",
			object: `{
				"spec": {
					"template": {
						"spec": {"containers": [{"name": "app", "image": "app:2.0"}]}
					}
				}
			}`,
			images: []string{"app:2.0"},
		},
		{
			name:   "unknown kind with top-level containers",
			kind:   "PodPreset",
			object: `{"containers": [{"name": "app", "image": "app:2.0"}]}`,
			images: []string{"app:2.0"},
		},
		{
			name:   "unknown kind without containers",
			kind:   "ConfigMap",
			object: `{"data": {"key": "value"}}`,
			images: []string{},
		},
		{
			name:   "malformed object yields nothing",
			kind:   "Pod",
			object: `{"spec": "not an object"}`,
			images: []string{},
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			images := ExtractImages(admissionRequest(tc.kind, tc.object))
			assert.Equal(t, tc.images, images)
		})
	}
}
