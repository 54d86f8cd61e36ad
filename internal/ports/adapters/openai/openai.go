// Package openai calls the image edit endpoint to restyle a photo.
package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/forPelevin/petclip/internal/log"
	"github.com/forPelevin/petclip/internal/ports/adapters/apiclient"
	"github.com/forPelevin/petclip/internal/retry"
	"github.com/forPelevin/petclip/internal/types"
)

const (
	requestTimeout = 60 * time.Second
	defaultModel   = "gpt-image-1"
	defaultSize    = "1024x1024"
)

var Endpoint = apiclient.Endpoint{
	EnvPrefix:    "OPENAI",
	DefaultURL:   "https://api.openai.com",
	DefaultHosts: []string{"api.openai.com"},
}

type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	Size       string
	HTTPClient *http.Client
	// Retry overrides the submission retry policy. Zero value uses three
	// attempts with exponential backoff on transient failures.
	Retry retry.Policy
}

type Adapter struct {
	api    *apiclient.Client
	model  string
	size   string
	policy retry.Policy
	log    zerolog.Logger
}

func New(opts Options) *Adapter {
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultModel
	}
	size := strings.TrimSpace(opts.Size)
	if size == "" {
		size = defaultSize
	}
	a := &Adapter{
		api:    apiclient.New("openai", apiclient.NormalizeBaseURL(opts.BaseURL, Endpoint.DefaultURL), opts.APIKey, opts.HTTPClient),
		model:  model,
		size:   size,
		policy: opts.Retry,
		log:    log.WithComponent("openai"),
	}
	if a.policy.MaxAttempts == 0 {
		a.policy.MaxAttempts = 3
	}
	if a.policy.Backoff == nil {
		a.policy.Backoff = retry.Exponential(2*time.Second, 20*time.Second)
	}
	if a.policy.Retryable == nil {
		a.policy.Retryable = isTransient
	}
	return a
}

type editResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

// Edit sends the PNG and prompt and returns the decoded PNG result. Transient
// failures are retried; the last RemoteServiceError is surfaced on exhaustion.
func (a *Adapter) Edit(ctx context.Context, image []byte, prompt string) ([]byte, error) {
	if len(image) == 0 {
		return nil, types.InvalidParameter("image", "is empty")
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, types.InvalidParameter("prompt", "is empty")
	}
	body, contentType, err := a.multipartBody(image, prompt)
	if err != nil {
		return nil, err
	}

	p := a.policy
	p.OnRetry = func(attempt int, err error, next time.Duration) {
		log.For(ctx, a.log).Warn().Err(err).Int("attempt", attempt).Dur("backoff", next).Msg("image edit failed; retrying")
	}
	out, err := retry.Do(ctx, p, func(ctx context.Context, _ int) ([]byte, error) {
		return a.edit(ctx, body, contentType)
	})
	if err != nil {
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			return nil, exhausted.Err
		}
		return nil, err
	}
	return out, nil
}

func (a *Adapter) edit(ctx context.Context, body []byte, contentType string) ([]byte, error) {
	var out editResponse
	err := a.api.Send(ctx, "image edit", requestTimeout, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.api.BaseURL+"/v1/images/edits", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+a.api.Key)
		req.Header.Set("Content-Type", contentType)
		return req, nil
	}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Data) == 0 || out.Data[0].B64JSON == "" {
		return nil, &types.RemoteServiceError{Service: "openai", Op: "image edit", Status: http.StatusOK, Detail: "response has no image data"}
	}
	png, err := base64.StdEncoding.DecodeString(out.Data[0].B64JSON)
	if err != nil {
		return nil, &types.RemoteServiceError{Service: "openai", Op: "image edit", Status: http.StatusOK, Detail: "invalid base64 image", Err: err}
	}
	return png, nil
}

func (a *Adapter) multipartBody(image []byte, prompt string) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="image"; filename="image.png"`)
	h.Set("Content-Type", "image/png")
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("multipart image: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, "", fmt.Errorf("multipart image: %w", err)
	}
	for _, f := range [][2]string{{"prompt", prompt}, {"model", a.model}, {"size", a.size}} {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("multipart %s: %w", f[0], err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("multipart close: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func isTransient(err error) bool {
	var rse *types.RemoteServiceError
	return errors.As(err, &rse) && rse.Transient()
}
