package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-trainer/internal/device"
	"github.com/23skdu/longbow-trainer/internal/minimizer"
)

type mockModel struct {
	mock.Mock
}

func (m *mockModel) Report() Report {
	args := m.Called()
	return args.Get(0).(Report)
}

func (m *mockModel) Predict(ctx context.Context, x *mat.Dense) (*mat.Dense, error) {
	args := m.Called(ctx, x)
	y, _ := args.Get(0).(*mat.Dense)
	return y, args.Error(1)
}

func postRows(t *testing.T, srv *Server, rows [][]float64) *httptest.ResponseRecorder {
	t.Helper()
	data, err := cbor.Marshal(rows)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(data))
	rr := httptest.NewRecorder()
	srv.routes().ServeHTTP(rr, req)
	return rr
}

func TestServer_Full(t *testing.T) {
	t.Run("Health Check", func(t *testing.T) {
		srv := NewServer(&mockModel{}, 8)
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rr := httptest.NewRecorder()

		srv.routes().ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "OK", rr.Body.String())
	})

	t.Run("Status", func(t *testing.T) {
		mm := &mockModel{}
		want := Report{
			State:        StateDone,
			Device:       "host:0",
			Layers:       []int{4, 1},
			Epochs:       12,
			MinimumError: 0.01,
			History:      []minimizer.Point{{Epoch: 0, TestError: 0.5}, {Epoch: 7, TestError: 0.01}},
		}
		mm.On("Report").Return(want)
		srv := NewServer(mm, 8)

		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		rr := httptest.NewRecorder()
		srv.routes().ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "application/cbor", rr.Header().Get("Content-Type"))
		var got Report
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &got))
		assert.Equal(t, want, got)
		mm.AssertExpectations(t)
	})

	t.Run("Predict", func(t *testing.T) {
		mm := &mockModel{}
		rows := [][]float64{{1, 2}, {3, 4}}
		mm.On("Predict", mock.Anything, mat.NewDense(2, 2, []float64{1, 2, 3, 4})).
			Return(mat.NewDense(2, 1, []float64{0.5, -0.5}), nil)
		srv := NewServer(mm, 8)

		rr := postRows(t, srv, rows)
		require.Equal(t, http.StatusOK, rr.Code)
		var got [][]float64
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &got))
		assert.Equal(t, [][]float64{{0.5}, {-0.5}}, got)
		mm.AssertExpectations(t)
	})

	t.Run("Predict Not Ready", func(t *testing.T) {
		mm := &mockModel{}
		mm.On("Predict", mock.Anything, mock.Anything).Return(nil, errNotTrained)
		rr := postRows(t, NewServer(mm, 8), [][]float64{{1}})
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})

	t.Run("Predict Failure", func(t *testing.T) {
		mm := &mockModel{}
		mm.On("Predict", mock.Anything, mock.Anything).Return(nil, errors.New("3 feature columns, want 2"))
		rr := postRows(t, NewServer(mm, 8), [][]float64{{1, 2, 3}})
		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	})

	t.Run("Breaker Opens On Device Errors", func(t *testing.T) {
		mm := &mockModel{}
		backendErr := &device.BackendError{Op: "enqueue Gemm", Code: device.KernelExecutionFailure}
		mm.On("Predict", mock.Anything, mock.Anything).Return(nil, backendErr).Times(5)
		srv := NewServer(mm, 8)

		for i := 0; i < 5; i++ {
			assert.Equal(t, http.StatusInternalServerError, postRows(t, srv, [][]float64{{1}}).Code)
		}
		assert.Equal(t, breakerOpen, srv.breaker.State())
		assert.Equal(t, http.StatusServiceUnavailable, postRows(t, srv, [][]float64{{1}}).Code)
		mm.AssertNumberOfCalls(t, "Predict", 5)
	})

	t.Run("Breaker Recovers After Non Device Probe", func(t *testing.T) {
		mm := &mockModel{}
		backendErr := &device.BackendError{Op: "enqueue Gemm", Code: device.KernelExecutionFailure}
		mm.On("Predict", mock.Anything, mock.Anything).Return(nil, backendErr).Times(5)
		mm.On("Predict", mock.Anything, mock.Anything).Return(nil, errors.New("3 feature columns, want 2")).Once()
		mm.On("Predict", mock.Anything, mock.Anything).Return(mat.NewDense(1, 1, []float64{2}), nil).Once()
		srv := NewServer(mm, 8)
		clock := time.Unix(0, 0)
		srv.breaker.now = func() time.Time { return clock }

		for i := 0; i < 5; i++ {
			postRows(t, srv, [][]float64{{1}})
		}
		require.Equal(t, breakerOpen, srv.breaker.State())

		clock = clock.Add(time.Minute)
		assert.Equal(t, http.StatusUnprocessableEntity, postRows(t, srv, [][]float64{{1, 2, 3}}).Code)
		assert.Equal(t, http.StatusOK, postRows(t, srv, [][]float64{{1}}).Code)
		assert.Equal(t, breakerClosed, srv.breaker.State())
		mm.AssertExpectations(t)
	})

	t.Run("Bad Requests", func(t *testing.T) {
		mm := &mockModel{}
		srv := NewServer(mm, 2)

		req := httptest.NewRequest(http.MethodGet, "/predict", nil)
		rr := httptest.NewRecorder()
		srv.routes().ServeHTTP(rr, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

		req = httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader([]byte{0xff, 0x00}))
		rr = httptest.NewRecorder()
		srv.routes().ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)

		assert.Equal(t, http.StatusBadRequest, postRows(t, srv, nil).Code)
		assert.Equal(t, http.StatusBadRequest, postRows(t, srv, [][]float64{{1, 2}, {3}}).Code)
		assert.Equal(t, http.StatusRequestEntityTooLarge, postRows(t, srv, [][]float64{{1}, {2}, {3}}).Code)
		mm.AssertNotCalled(t, "Predict", mock.Anything, mock.Anything)
	})
}
