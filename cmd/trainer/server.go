package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-trainer/internal/device"
)

var (
	predictionsServed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trainer_predictions_total",
		Help: "The total number of rows predicted",
	})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trainer_request_duration_seconds",
		Help:    "Time spent processing predict requests",
		Buckets: prometheus.DefBuckets,
	})
)

// Model is the training run as seen by the HTTP server.
type Model interface {
	Report() Report
	Predict(ctx context.Context, x *mat.Dense) (*mat.Dense, error)
}

type Server struct {
	model   Model
	sem     *semaphore.Weighted
	maxRows int
	breaker *breaker
}

func NewServer(model Model, maxConcurrent int) *Server {
	return &Server{
		model:   model,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		maxRows: maxConcurrent,
		breaker: newBreaker(5, 10*time.Second),
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/predict", s.handlePredict)
	return mux
}

func startServer(addr string, model Model, maxConcurrent int) {
	srv := NewServer(model, maxConcurrent)
	log.Info().Str("addr", addr).Msg("Starting trainer server")
	if err := http.ListenAndServe(addr, srv.routes()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("trainer-server")

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	data, err := cbor.Marshal(s.model.Report())
	if err != nil {
		http.Error(w, fmt.Sprintf("Internal error (CBOR encode): %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	_, _ = w.Write(data)
}

// handlePredict decodes a CBOR array of feature rows and answers with the
// CBOR array of network outputs.
func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handlePredict")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var rows [][]float64
	if err := cbor.NewDecoder(r.Body).Decode(&rows); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	x, err := denseRows(rows)
	if err != nil {
		http.Error(w, fmt.Sprintf("Bad Request: %v", err), http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.Int("row_count", len(rows)))

	if len(rows) > s.maxRows {
		http.Error(w, fmt.Sprintf("Too many rows (%d > %d)", len(rows), s.maxRows), http.StatusRequestEntityTooLarge)
		return
	}

	// Admission control
	weight := int64(len(rows))
	if err := s.sem.Acquire(ctx, weight); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(weight)

	if !s.breaker.Allow() {
		http.Error(w, "Device unavailable", http.StatusServiceUnavailable)
		return
	}
	y, err := s.model.Predict(ctx, x)
	switch {
	case errors.Is(err, errNotTrained):
		s.breaker.Done()
		http.Error(w, "Model not ready", http.StatusServiceUnavailable)
		return
	case device.IsBackendError(err):
		s.breaker.Failure()
		span.RecordError(err)
		log.Error().Err(err).Str("breaker", s.breaker.State().String()).Msg("Prediction failed on device")
		http.Error(w, fmt.Sprintf("Prediction failed: %v", err), http.StatusInternalServerError)
		return
	case err != nil:
		s.breaker.Done()
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Prediction failed: %v", err), http.StatusUnprocessableEntity)
		return
	}
	s.breaker.Success()
	predictionsServed.Add(float64(len(rows)))

	data, err := cbor.Marshal(denseToRows(y))
	if err != nil {
		http.Error(w, fmt.Sprintf("Internal error (CBOR encode): %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	_, _ = w.Write(data)
}

func denseRows(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, errors.New("no rows")
	}
	width := len(rows[0])
	x := mat.NewDense(len(rows), width, nil)
	for i, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("row %d has %d values, want %d", i, len(row), width)
		}
		x.SetRow(i, row)
	}
	return x, nil
}

func denseToRows(m mat.Matrix) [][]float64 {
	r, c := m.Dims()
	rows := make([][]float64, r)
	for i := range rows {
		rows[i] = make([]float64, c)
		mat.Row(rows[i], i, m)
	}
	return rows
}
