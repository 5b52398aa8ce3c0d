package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kozaktomas/doppel/internal/tensor"
	"gonum.org/v1/gonum/mat"
)

const defaultRemoteURL = "http://localhost:8000"

// Remote talks to an embedding server wrapping the real pretrained
// recognizer. The server owns the frozen model; this client only ships
// normalized batches over and receives embeddings or input gradients back.
type Remote struct {
	baseURL string
	dim     int
	client  *http.Client
}

// NewRemote creates a client for the embedding server.
func NewRemote(baseURL string, dim int) *Remote {
	if baseURL == "" {
		baseURL = defaultRemoteURL
	}
	return &Remote{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		dim:     dim,
		client:  &http.Client{},
	}
}

type batchRequest struct {
	N      int         `json:"n"`
	C      int         `json:"c"`
	H      int         `json:"h"`
	W      int         `json:"w"`
	Data   []float64   `json:"data"`
	Target [][]float64 `json:"target,omitempty"`
}

type embedResponse struct {
	Dim        int         `json:"dim"`
	Embeddings [][]float64 `json:"embeddings"`
}

type gradResponse struct {
	Grad       []float64 `json:"grad"`
	Similarity float64   `json:"similarity"`
}

func (r *Remote) post(ctx context.Context, endpoint string, req any) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// Dim returns the embedding dimensionality.
func (r *Remote) Dim() int {
	return r.dim
}

// Embed computes one embedding per batch sample via the server.
func (r *Remote) Embed(ctx context.Context, batch *tensor.Batch) (*mat.Dense, error) {
	body, err := r.post(ctx, "/embed", batchRequest{
		N: batch.N, C: batch.C, H: batch.H, W: batch.W, Data: batch.Data,
	})
	if err != nil {
		return nil, err
	}

	var embResp embedResponse
	if err := json.Unmarshal(body, &embResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(embResp.Embeddings) != batch.N {
		return nil, fmt.Errorf("server returned %d embeddings for %d samples", len(embResp.Embeddings), batch.N)
	}

	out := mat.NewDense(batch.N, r.dim, nil)
	for i, row := range embResp.Embeddings {
		if len(row) != r.dim {
			return nil, fmt.Errorf("embedding %d has dim %d, want %d", i, len(row), r.dim)
		}
		out.SetRow(i, row)
	}
	return out, nil
}

// SimilarityGradient asks the server for the gradient of the mean
// inner-product similarity with respect to the input batch.
func (r *Remote) SimilarityGradient(ctx context.Context, batch *tensor.Batch, targetRep *mat.Dense) (*tensor.Batch, float64, error) {
	tr, tc := targetRep.Dims()
	if tr != batch.N || tc != r.dim {
		return nil, 0, fmt.Errorf("target embeddings are %dx%d, want %dx%d", tr, tc, batch.N, r.dim)
	}
	target := make([][]float64, tr)
	for i := 0; i < tr; i++ {
		target[i] = mat.Row(nil, i, targetRep)
	}

	body, err := r.post(ctx, "/embed/grad", batchRequest{
		N: batch.N, C: batch.C, H: batch.H, W: batch.W, Data: batch.Data, Target: target,
	})
	if err != nil {
		return nil, 0, err
	}

	var gradResp gradResponse
	if err := json.Unmarshal(body, &gradResp); err != nil {
		return nil, 0, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(gradResp.Grad) == 0 {
		return nil, 0, errors.New("empty gradient returned")
	}
	if len(gradResp.Grad) != len(batch.Data) {
		return nil, 0, fmt.Errorf("gradient has %d elements, want %d", len(gradResp.Grad), len(batch.Data))
	}

	grad := &tensor.Batch{N: batch.N, C: batch.C, H: batch.H, W: batch.W, Data: gradResp.Grad}
	return grad, gradResp.Similarity, nil
}
