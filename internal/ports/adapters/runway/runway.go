// Package runway submits image-to-video jobs and reads their status.
package runway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/forPelevin/petclip/internal/log"
	"github.com/forPelevin/petclip/internal/ports/adapters/apiclient"
	"github.com/forPelevin/petclip/internal/types"
)

const (
	apiVersion     = "2024-11-06"
	defaultModel   = "gen4_turbo"
	submitTimeout  = 30 * time.Second
	statusTimeout  = 15 * time.Second
	maxInlineBytes = 16 << 20
)

// Endpoint describes the default service location.
var Endpoint = apiclient.Endpoint{
	EnvPrefix:    "RUNWAY",
	DefaultURL:   "https://api.dev.runwayml.com",
	DefaultHosts: []string{"api.dev.runwayml.com", "api.runwayml.com"},
}

type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

type Adapter struct {
	api   *apiclient.Client
	model string
	log   zerolog.Logger
}

func New(opts Options) *Adapter {
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultModel
	}
	base := apiclient.NormalizeBaseURL(opts.BaseURL, Endpoint.DefaultURL)
	return &Adapter{
		api:   apiclient.New("runway", base, opts.APIKey, opts.HTTPClient),
		model: model,
		log:   log.WithComponent("runway"),
	}
}

type startRequest struct {
	PromptImage string `json:"promptImage"`
	Model       string `json:"model"`
	PromptText  string `json:"promptText"`
	Duration    int    `json:"duration"`
	Ratio       string `json:"ratio"`
}

type startResponse struct {
	ID string `json:"id"`
}

type taskResponse struct {
	ID      string   `json:"id"`
	Status  string   `json:"status"`
	Output  []string `json:"output"`
	Error   string   `json:"error"`
	Failure string   `json:"failure"`
}

// StartJob validates the parameters and submits one job. If the service
// reports that it could not fetch the image reference, the job is resubmitted
// once with the image inlined as a data URI.
func (a *Adapter) StartJob(ctx context.Context, req types.JobRequest) (types.JobHandle, error) {
	if err := req.Params.Validate(); err != nil {
		return "", err
	}
	ratio, _ := req.Params.Ratio.ServiceRatio()
	ref, err := resolveImageRef(req)
	if err != nil {
		return "", err
	}

	body := startRequest{
		PromptImage: ref,
		Model:       a.model,
		PromptText:  req.Params.PromptText,
		Duration:    req.Params.Duration,
		Ratio:       ratio,
	}
	if req.Params.Model != "" {
		body.Model = req.Params.Model
	}

	handle, err := a.submit(ctx, body)
	if err == nil {
		return handle, nil
	}
	if !isImageFetchFailure(err) || len(req.InlineImage) == 0 || types.IsDataURI(ref) {
		return "", err
	}

	log.For(ctx, a.log).Warn().Err(err).Msg("image reference rejected; resubmitting inline")
	body.PromptImage = types.EncodeDataURI(inlineMIME(req), req.InlineImage)
	return a.submit(ctx, body)
}

func (a *Adapter) submit(ctx context.Context, body startRequest) (types.JobHandle, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	var out startResponse
	err = a.api.Send(ctx, "start job", submitTimeout, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.api.BaseURL+"/v1/image_to_video", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		a.headers(req)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, &out)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out.ID) == "" {
		return "", &types.RemoteServiceError{Service: "runway", Op: "start job", Status: http.StatusOK, Detail: "response has no task id"}
	}
	log.For(ctx, a.log).Info().Str("task_id", out.ID).Msg("video job started")
	return types.JobHandle(out.ID), nil
}

// CheckStatus reads the task state. A FAILED task is a valid status, not an error.
func (a *Adapter) CheckStatus(ctx context.Context, handle types.JobHandle) (types.JobStatus, error) {
	if strings.TrimSpace(string(handle)) == "" {
		return types.JobStatus{}, types.InvalidParameter("handle", "is empty")
	}
	var out taskResponse
	err := a.api.Send(ctx, "check status", statusTimeout, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.api.BaseURL+"/v1/tasks/"+url.PathEscape(string(handle)), nil)
		if err != nil {
			return nil, err
		}
		a.headers(req)
		return req, nil
	}, &out)
	if err != nil {
		return types.JobStatus{}, err
	}

	st := types.JobStatus{State: types.ParseJobState(out.Status), Outputs: out.Output}
	if st.State == types.StateFailed {
		st.Reason = out.Error
		if st.Reason == "" {
			st.Reason = out.Failure
		}
	}
	return st, nil
}

func (a *Adapter) headers(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+a.api.Key)
	req.Header.Set("X-Runway-Version", apiVersion)
}

// resolveImageRef turns local file references into data URIs, since the
// service can only read public URLs or inline payloads.
func resolveImageRef(req types.JobRequest) (string, error) {
	ref := strings.TrimSpace(req.ImageRef)
	if ref == "" {
		return "", types.InvalidParameter("image", "reference is empty")
	}
	if !strings.HasPrefix(ref, "file://") {
		return ref, nil
	}
	if len(req.InlineImage) > 0 {
		return types.EncodeDataURI(inlineMIME(req), req.InlineImage), nil
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", types.InvalidParameter("image", fmt.Sprintf("bad file reference: %v", err))
	}
	data, err := os.ReadFile(u.Path)
	if err != nil {
		return "", fmt.Errorf("read local image: %w", err)
	}
	if len(data) > maxInlineBytes {
		return "", types.InvalidParameter("image", "local file too large to inline")
	}
	return types.EncodeDataURI("image/png", data), nil
}

func inlineMIME(req types.JobRequest) string {
	if req.InlineMIME != "" {
		return req.InlineMIME
	}
	return "image/png"
}

var fetchHints = []string{"fetch", "download", "retriev", "unreachable", "could not load", "timed out", "timeout", "upstream"}

// isImageFetchFailure recognises the service rejecting an image URL it could
// not download, as opposed to transport failures talking to the service itself.
func isImageFetchFailure(err error) bool {
	var rse *types.RemoteServiceError
	if !errors.As(err, &rse) || rse.Status == 0 {
		return false
	}
	if rse.Status != http.StatusBadRequest && rse.Status != http.StatusUnprocessableEntity && rse.Status < 500 {
		return false
	}
	detail := strings.ToLower(rse.Detail)
	for _, hint := range fetchHints {
		if strings.Contains(detail, hint) {
			return true
		}
	}
	return false
}
