// Package imgbb uploads images to the ImgBB public host.
package imgbb

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/forPelevin/petclip/internal/ports/adapters/apiclient"
	"github.com/forPelevin/petclip/internal/types"
)

const uploadTimeout = 30 * time.Second

var Endpoint = apiclient.Endpoint{
	EnvPrefix:    "IMGBB",
	DefaultURL:   "https://api.imgbb.com",
	DefaultHosts: []string{"api.imgbb.com"},
}

type Options struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

type Adapter struct {
	api *apiclient.Client
}

func New(opts Options) *Adapter {
	return &Adapter{api: apiclient.New("imgbb", apiclient.NormalizeBaseURL(opts.BaseURL, Endpoint.DefaultURL), opts.APIKey, opts.HTTPClient)}
}

type uploadResponse struct {
	Data struct {
		URL string `json:"url"`
	} `json:"data"`
}

// Upload posts the image as a base64 form field and returns the public URL.
func (a *Adapter) Upload(ctx context.Context, image []byte, name string) (string, error) {
	if a.api.Key == "" {
		return "", types.InvalidParameter("IMGBB_API_KEY", "is not set")
	}
	if len(image) == 0 {
		return "", types.InvalidParameter("image", "is empty")
	}
	form := url.Values{}
	form.Set("key", a.api.Key)
	form.Set("image", base64.StdEncoding.EncodeToString(image))
	if name = strings.TrimSpace(name); name != "" {
		form.Set("name", name)
	}
	payload := form.Encode()

	var out uploadResponse
	err := a.api.Send(ctx, "upload", uploadTimeout, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.api.BaseURL+"/1/upload", strings.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}, &out)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Data.URL) == "" {
		return "", &types.RemoteServiceError{Service: "imgbb", Op: "upload", Status: http.StatusOK, Detail: "response has no url"}
	}
	return out.Data.URL, nil
}
