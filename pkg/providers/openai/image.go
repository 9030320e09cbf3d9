package openai

import (
	"context"
	"encoding/base64"
	"net/http"

	"github.com/go-go-golems/threadline/pkg/providers"
	"github.com/pkg/errors"
	go_openai "github.com/sashabaranov/go-openai"
)

// ImageProvider generates one image per request through the images endpoint.
type ImageProvider struct {
	Name       string
	BaseURL    string
	Size       string
	HTTPClient *http.Client
}

var _ providers.ImageProvider = &ImageProvider{}

func NewImageProvider(name string, baseURL string) *ImageProvider {
	return &ImageProvider{Name: name, BaseURL: baseURL, Size: go_openai.CreateImageSize1024x1024}
}

func (p *ImageProvider) Generate(ctx context.Context, req providers.ImageRequest) (*providers.Image, error) {
	client := MakeClient(req.APIKey, p.BaseURL, p.HTTPClient)
	resp, err := client.CreateImage(ctx, go_openai.ImageRequest{
		Prompt:         req.Prompt,
		Model:          req.Model,
		N:              1,
		Size:           p.Size,
		ResponseFormat: go_openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return nil, providers.NewProviderError(p.Name, err)
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, providers.NewProviderError(p.Name, errors.New("image response carried no data"))
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, providers.NewProviderError(p.Name, errors.Wrap(err, "decode image"))
	}
	return &providers.Image{Data: data, ContentType: http.DetectContentType(data)}, nil
}
