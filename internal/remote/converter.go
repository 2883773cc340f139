package remote

import (
	"context"
	"fmt"
	"strings"
)

// ConverterClient asks the conversion worker to produce JPEG and WebP images.
type ConverterClient struct {
	client
	url string
}

// NewConverterClient targets baseURL/convert/batch.
func NewConverterClient(baseURL string, opts Options) (*ConverterClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("converter url is required")
	}
	return &ConverterClient{
		client: newClient("converter", opts),
		url:    strings.TrimRight(baseURL, "/") + "/convert/batch",
	}, nil
}

type convertRequest struct {
	PetIDs []string `json:"petIds"`
}

// ConvertBatch posts the ids to the converter.
func (c *ConverterClient) ConvertBatch(ctx context.Context, petIDs []string) error {
	if len(petIDs) == 0 {
		return fmt.Errorf("convert batch requires at least one pet id")
	}
	return c.postJSON(ctx, c.url, convertRequest{PetIDs: petIDs})
}
