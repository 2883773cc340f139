package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/pet-image-pipeline/internal/pet"
)

// WorkflowConfig locates the screenshot workflow dispatch endpoint.
type WorkflowConfig struct {
	// URL is the workflow dispatch endpoint.
	URL string
	// Ref is the branch or tag the workflow runs on.
	Ref string
}

// WorkflowClient triggers the screenshot workflow for a batch of records.
type WorkflowClient struct {
	client
	cfg WorkflowConfig
}

// NewWorkflowClient builds a WorkflowClient.
func NewWorkflowClient(cfg WorkflowConfig, opts Options) (*WorkflowClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("workflow url is required")
	}
	if cfg.Ref == "" {
		cfg.Ref = "main"
	}
	return &WorkflowClient{client: newClient("screenshot_workflow", opts), cfg: cfg}, nil
}

type workflowDispatch struct {
	Ref    string         `json:"ref"`
	Inputs workflowInputs `json:"inputs"`
}

// Workflow inputs are strings, so the batch travels as encoded JSON.
type workflowInputs struct {
	PetsBatch string `json:"pets_batch"`
	BatchID   string `json:"batch_id"`
}

// TriggerScreenshots dispatches the workflow once for the whole batch.
func (c *WorkflowClient) TriggerScreenshots(ctx context.Context, batchID string, pets []pet.Ref) error {
	batch, err := json.Marshal(pets)
	if err != nil {
		return fmt.Errorf("encode pets batch: %w", err)
	}
	return c.postJSON(ctx, c.cfg.URL, workflowDispatch{
		Ref:    c.cfg.Ref,
		Inputs: workflowInputs{PetsBatch: string(batch), BatchID: batchID},
	})
}
