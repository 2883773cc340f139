package remote

import (
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/pet-image-pipeline/internal/pet"
)

// CrawlerClient asks the crawler service to refresh one record.
type CrawlerClient struct {
	client
	url string
}

// NewCrawlerClient targets baseURL/crawl.
func NewCrawlerClient(baseURL string, opts Options) (*CrawlerClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("crawler url is required")
	}
	return &CrawlerClient{
		client: newClient("crawler", opts),
		url:    strings.TrimRight(baseURL, "/") + "/crawl",
	}, nil
}

type crawlRequest struct {
	PetID     string   `json:"petId"`
	SourceURL string   `json:"sourceUrl"`
	Type      pet.Type `json:"type"`
}

// Crawl posts the record reference to the crawler.
func (c *CrawlerClient) Crawl(ctx context.Context, ref pet.Ref) error {
	return c.postJSON(ctx, c.url, crawlRequest{PetID: ref.ID, SourceURL: ref.SourceURL, Type: ref.Type})
}
