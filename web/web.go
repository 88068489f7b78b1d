package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/imagegate/webhook/store"
	"github.com/imagegate/webhook/webhook"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const maxReviewBytes = 4 * 1024 * 1024

type Handler struct {
	engine *webhook.Engine
	store  store.Store
}

// Admit handles one admission review request. Unparseable input is a client
// error; everything past parsing resolves to an allow/deny response.
func (h *Handler) Admit(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxReviewBytes))
	if err != nil {
		http.Error(w, "reading request body failed", http.StatusBadRequest)
		return
	}

	review := &admissionv1.AdmissionReview{}
	if err := json.Unmarshal(payload, review); err != nil || review.Request == nil {
		http.Error(w, "malformed admission review", http.StatusBadRequest)
		return
	}

	start := time.Now()
	response := h.review(r.Context(), review.Request)
	log.Debugf("admission %s for %s/%s took %s, allowed=%t",
		review.Request.UID, review.Request.Namespace, review.Request.Kind.Kind, time.Since(start), response.Allowed)

	out := &admissionv1.AdmissionReview{
		TypeMeta: metav1.TypeMeta{APIVersion: "admission.k8s.io/v1", Kind: "AdmissionReview"},
		Response: response,
	}
	b, err := json.Marshal(out)
	if err != nil {
		log.Errorf("marshalling admission response %s: %s", review.Request.UID, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(b)
}

// review runs the decision engine and converts any panic into an allow with
// a warning. A webhook fault blocking all scheduling is worse than
// temporarily admitting an unverified image, so the boundary fails open.
func (h *Handler) review(ctx context.Context, req *admissionv1.AdmissionRequest) (response *admissionv1.AdmissionResponse) {
	defer func() {
		if recovered := recover(); recovered != nil {
			log.Errorf("admission review %s panicked: %v", req.UID, recovered)
			response = &admissionv1.AdmissionResponse{
				UID:      req.UID,
				Allowed:  true,
				Warnings: []string{fmt.Sprintf("image validation failed internally and was skipped: %v", recovered)},
			}
		}

		h.audit(req, response)
	}()

	response = h.engine.Review(ctx, req)
	return response
}

func (h *Handler) audit(req *admissionv1.AdmissionRequest, response *admissionv1.AdmissionResponse) {
	if h.store == nil {
		return
	}

	record := &store.Admission{
		Allowed:   response.Allowed,
		CreatedAt: time.Now().UTC(),
		Images:    strings.Join(webhook.ExtractImages(req), ","),
		Kind:      req.Kind.Kind,
		Namespace: req.Namespace,
		Operation: string(req.Operation),
		UID:       string(req.UID),
	}
	if response.Result != nil {
		record.Reason = response.Result.Message
	}

	if err := h.store.Admissions().Create(record); err != nil {
		log.Errorf("recording admission %s: %s", req.UID, err)
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Init wires the webhook routes. s may be nil when no audit store is
// configured.
func Init(engine *webhook.Engine, s store.Store) http.Handler {
	h := &Handler{engine: engine, store: s}
	r := chi.NewRouter()
	r.Post("/v1/admit", h.Admit)
	r.Get("/healthz", h.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}
