package webhook

import (
	"encoding/json"

	log "github.com/sirupsen/logrus"
	admissionv1 "k8s.io/api/admission/v1"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
)

// ExtractImages returns the deduplicated container images referenced by the
// workload object carried in req. Kinds the engine does not know fall back to
// a structural probe so admission stays permissive for resources it cannot
// interpret.
func ExtractImages(req *admissionv1.AdmissionRequest) []string {
	raw := req.Object.Raw
	if len(raw) == 0 {
		return nil
	}

	var images []string
	switch req.Kind.Kind {
	case "Pod":
		obj := corev1.Pod{}
		if err := unmarshalWorkload(raw, &obj, req.Kind.Kind); err == nil {
			images = podSpecImages(obj.Spec)
		}
	case "Deployment":
		obj := appsv1.Deployment{}
		if err := unmarshalWorkload(raw, &obj, req.Kind.Kind); err == nil {
			images = podSpecImages(obj.Spec.Template.Spec)
		}
	case "StatefulSet":
		obj := appsv1.StatefulSet{}
		if err := unmarshalWorkload(raw, &obj, req.Kind.Kind); err == nil {
			images = podSpecImages(obj.Spec.Template.Spec)
		}
	case "DaemonSet":
		obj := appsv1.DaemonSet{}
		if err := unmarshalWorkload(raw, &obj, req.Kind.Kind); err == nil {
			images = podSpecImages(obj.Spec.Template.Spec)
		}
	case "ReplicaSet":
		obj := appsv1.ReplicaSet{}
		if err := unmarshalWorkload(raw, &obj, req.Kind.Kind); err == nil {
			images = podSpecImages(obj.Spec.Template.Spec)
		}
	case "Job":
		obj := batchv1.Job{}
		if err := unmarshalWorkload(raw, &obj, req.Kind.Kind); err == nil {
			images = podSpecImages(obj.Spec.Template.Spec)
		}
	case "CronJob":
		obj := batchv1.CronJob{}
		if err := unmarshalWorkload(raw, &obj, req.Kind.Kind); err == nil {
			images = podSpecImages(obj.Spec.JobTemplate.Spec.Template.Spec)
		}
	default:
		images = probeImages(raw)
	}

	return dedupe(images)
}

func unmarshalWorkload(raw []byte, obj interface{}, kind string) error {
	err := json.Unmarshal(raw, obj)
	if err != nil {
		log.Errorf("unmarshalling %s object: %s", kind, err)
	}

	return err
}

func podSpecImages(spec corev1.PodSpec) []string {
	images := []string{}
	for _, container := range spec.InitContainers {
		images = append(images, container.Image)
	}

	for _, container := range spec.Containers {
		images = append(images, container.Image)
	}

	for _, container := range spec.EphemeralContainers {
		images = append(images, container.Image)
	}

	return images
}

// probeImages is the last-resort extraction for unknown kinds. It looks for
// an embedded pod template first and a bare container list second.
func probeImages(raw []byte) []string {
	obj := map[string]interface{}{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}

	paths := [][]string{
		{"spec", "template", "spec"},
		{"spec", "jobTemplate", "spec", "template", "spec"},
		{"template", "spec"},
		{"spec"},
		{},
	}
	for _, path := range paths {
		spec := lookupMap(obj, path)
		if spec == nil {
			continue
		}

		images := rawContainerImages(spec)
		if len(images) > 0 {
			return images
		}
	}

	return nil
}

func lookupMap(obj map[string]interface{}, path []string) map[string]interface{} {
	current := obj
	for _, key := range path {
		next, ok := current[key].(map[string]interface{})
		if !ok {
			return nil
		}

		current = next
	}

	return current
}

func rawContainerImages(spec map[string]interface{}) []string {
	images := []string{}
	for _, field := range []string{"initContainers", "containers", "ephemeralContainers"} {
		list, ok := spec[field].([]interface{})
		if !ok {
			continue
		}

		for _, item := range list {
			container, ok := item.(map[string]interface{})
			if !ok {
				continue
			}

			if image, ok := container["image"].(string); ok {
				images = append(images, image)
			}
		}
	}

	return images
}

func dedupe(images []string) []string {
	seen := map[string]struct{}{}
	result := []string{}
	for _, image := range images {
		if image == "" {
			continue
		}

		if _, exists := seen[image]; exists {
			continue
		}

		seen[image] = struct{}{}
		result = append(result, image)
	}

	return result
}
