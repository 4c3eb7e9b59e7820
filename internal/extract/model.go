// Package extract implements the chemical extraction pipeline stages.
// The heavyweight models run out of process behind a model server; this
// package wraps them as borrowable runtimes and composes them into
// per-document stage pipelines.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"chemd/internal/residency"
	"chemd/internal/stage"
)

// Model names served by the model server.
const (
	ModelMolDetect   = "moldet"
	ModelMolScribe   = "molscribe"
	ModelRxnScribe   = "rxnscribe"
	ModelTableFormer = "tableformer"
	ModelMolCoref    = "molcoref"
)

// Estimated resident footprints, MB. Used for budget accounting only;
// the model server owns the real allocation.
var modelMemMB = map[string]int{
	ModelMolDetect:   1500,
	ModelMolScribe:   2500,
	ModelRxnScribe:   2000,
	ModelTableFormer: 1200,
	ModelMolCoref:    1000,
}

// MemMBFor returns the budget footprint for a model name.
func MemMBFor(name string) int {
	if mb, ok := modelMemMB[name]; ok {
		return mb
	}
	return 1000
}

// ModelClient talks to the model server that hosts the extraction
// models. Loading a model pins it on the server; the returned runtime
// unpins on Close.
type ModelClient struct {
	baseURL string
	hc      *http.Client
	log     zerolog.Logger
}

func NewModelClient(baseURL string, log zerolog.Logger) *ModelClient {
	return &ModelClient{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: 5 * time.Minute},
		log:     log,
	}
}

// Loader adapts the client to the residency manager's load contract.
func (c *ModelClient) Loader() residency.LoadFunc {
	return func(ctx context.Context, key residency.ModelKey) (residency.Runtime, error) {
		body, err := json.Marshal(map[string]string{"model": key.Name, "device": key.Device})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/models/load", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.hc.Do(req)
		if err != nil {
			return nil, stage.ErrUnavailable("model server: " + err.Error())
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, classifyStatus(resp, "load "+key.String())
		}
		c.log.Info().Str("model", key.Name).Str("device", key.Device).Msg("model loaded")
		return &ModelRuntime{client: c, name: key.Name, device: key.Device}, nil
	}
}

// ModelRuntime is one pinned model on the server. Stages borrow it via
// the residency manager and call Predict; the manager calls Close when
// the model is evicted.
type ModelRuntime struct {
	client *ModelClient
	name   string
	device string
}

func (r *ModelRuntime) Name() string { return r.name }

// Predict runs one inference call against the pinned model. Transport
// failures and server errors come back as retryable unavailability;
// a 4xx means the payload is bad and retrying cannot help.
func (r *ModelRuntime) Predict(ctx context.Context, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/models/%s/predict", r.client.baseURL, r.name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.hc.Do(req)
	if err != nil {
		return stage.ErrUnavailable("model server: " + err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return classifyStatus(resp, "predict "+r.name)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (r *ModelRuntime) Close() error {
	body, _ := json.Marshal(map[string]string{"model": r.name, "device": r.device})
	req, err := http.NewRequest(http.MethodPost, r.client.baseURL+"/models/unload", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.hc.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func classifyStatus(resp *http.Response, op string) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := fmt.Sprintf("%s: status %d: %s", op, resp.StatusCode, bytes.TrimSpace(b))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return stage.ErrBadInput(msg)
	}
	return stage.ErrUnavailable(msg)
}
