package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kozaktomas/doppel/internal/tensor"
	"gonum.org/v1/gonum/mat"
)

func TestRemoteEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embed" {
			http.NotFound(w, r)
			return
		}
		var req batchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := embedResponse{Dim: 2}
		for i := 0; i < req.N; i++ {
			resp.Embeddings = append(resp.Embeddings, []float64{float64(i), 1})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	remote := NewRemote(server.URL, 2)
	batch := tensor.New(2, 3, 4, 4)

	rep, err := remote.Embed(context.Background(), batch)
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	rows, cols := rep.Dims()
	if rows != 2 || cols != 2 {
		t.Fatalf("embeddings are %dx%d; want 2x2", rows, cols)
	}
	if rep.At(1, 0) != 1 {
		t.Errorf("embedding (1,0) = %v; want 1", rep.At(1, 0))
	}
}

func TestRemoteSimilarityGradient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embed/grad" {
			http.NotFound(w, r)
			return
		}
		var req batchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(req.Target) != req.N {
			http.Error(w, "missing target", http.StatusBadRequest)
			return
		}
		grad := make([]float64, len(req.Data))
		for i := range grad {
			grad[i] = 0.25
		}
		json.NewEncoder(w).Encode(gradResponse{Grad: grad, Similarity: 0.5})
	}))
	defer server.Close()

	remote := NewRemote(server.URL, 2)
	batch := tensor.New(1, 3, 4, 4)
	target := mat.NewDense(1, 2, []float64{1, 0})

	grad, sim, err := remote.SimilarityGradient(context.Background(), batch, target)
	if err != nil {
		t.Fatalf("SimilarityGradient failed: %v", err)
	}
	if sim != 0.5 {
		t.Errorf("similarity = %v; want 0.5", sim)
	}
	if len(grad.Data) != len(batch.Data) || grad.Data[0] != 0.25 {
		t.Errorf("unexpected gradient: %d elements, first %v", len(grad.Data), grad.Data[0])
	}
}

func TestRemoteErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer server.Close()

	remote := NewRemote(server.URL, 2)
	batch := tensor.New(1, 3, 4, 4)

	if _, err := remote.Embed(context.Background(), batch); err == nil {
		t.Error("expected error for server failure")
	}

	target := mat.NewDense(2, 2, nil)
	if _, _, err := remote.SimilarityGradient(context.Background(), batch, target); err == nil {
		t.Error("expected error for target batch size mismatch")
	}
}
