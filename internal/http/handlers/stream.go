package handlers

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/argus/internal/fanout"
	"github.com/jmylchreest/argus/internal/media"
)

// StreamHandler handles stream and branch API endpoints.
type StreamHandler struct {
	registry *fanout.Registry
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(registry *fanout.Registry) *StreamHandler {
	return &StreamHandler{registry: registry}
}

// Register registers the stream routes with the API.
func (h *StreamHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listStreams",
		Method:      http.MethodGet,
		Path:        "/api/v1/streams",
		Summary:     "List streams",
		Description: "Returns every registered stream with its graph state and branch count",
		Tags:        []string{"Streams"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID:   "addStream",
		Method:        http.MethodPost,
		Path:          "/api/v1/streams",
		Summary:       "Add stream",
		Description:   "Builds a source and fanout graph for a camera and registers it",
		Tags:          []string{"Streams"},
		DefaultStatus: http.StatusCreated,
	}, h.Add)

	huma.Register(api, huma.Operation{
		OperationID: "getStream",
		Method:      http.MethodGet,
		Path:        "/api/v1/streams/{id}",
		Summary:     "Get stream",
		Tags:        []string{"Streams"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID:   "removeStream",
		Method:        http.MethodDelete,
		Path:          "/api/v1/streams/{id}",
		Summary:       "Remove stream",
		Description:   "Stops the stream graph and tears down every branch",
		Tags:          []string{"Streams"},
		DefaultStatus: http.StatusNoContent,
	}, h.Remove)

	huma.Register(api, huma.Operation{
		OperationID: "listBranches",
		Method:      http.MethodGet,
		Path:        "/api/v1/streams/{id}/branches",
		Summary:     "List branches",
		Tags:        []string{"Branches"},
	}, h.ListBranches)

	huma.Register(api, huma.Operation{
		OperationID:   "addBranch",
		Method:        http.MethodPost,
		Path:          "/api/v1/streams/{id}/branches",
		Summary:       "Add branch",
		Description:   "Attaches a processing branch to the stream's fanout",
		Tags:          []string{"Branches"},
		DefaultStatus: http.StatusCreated,
	}, h.AddBranch)

	huma.Register(api, huma.Operation{
		OperationID:   "removeBranch",
		Method:        http.MethodDelete,
		Path:          "/api/v1/streams/{id}/branches/{branch_id}",
		Summary:       "Remove branch",
		Description:   "Detaches and drains a branch",
		Tags:          []string{"Branches"},
		DefaultStatus: http.StatusNoContent,
	}, h.RemoveBranch)
}

// ListStreamsInput is the input for listing streams.
type ListStreamsInput struct{}

// ListStreamsOutput is the output for listing streams.
type ListStreamsOutput struct {
	Body struct {
		Streams []fanout.StreamInfo `json:"streams"`
	}
}

// List returns all streams.
func (h *StreamHandler) List(_ context.Context, _ *ListStreamsInput) (*ListStreamsOutput, error) {
	resp := &ListStreamsOutput{}
	resp.Body.Streams = h.registry.ListStreams()
	return resp, nil
}

// AddStreamInput is the input for adding a stream.
type AddStreamInput struct {
	Body struct {
		ID     string                 `json:"id,omitempty" doc:"Stream ID. Generated when empty" maxLength:"100"`
		Source media.SourceDescriptor `json:"source"`
	}
}

// StreamOutput wraps a single stream.
type StreamOutput struct {
	Body fanout.StreamInfo
}

// Add registers a new stream.
func (h *StreamHandler) Add(ctx context.Context, input *AddStreamInput) (*StreamOutput, error) {
	var (
		id  string
		err error
	)
	if input.Body.ID != "" {
		id, err = h.registry.AddStreamWithID(ctx, input.Body.ID, input.Body.Source)
	} else {
		id, err = h.registry.AddStream(ctx, input.Body.Source)
	}
	if err != nil {
		return nil, apiError("failed to add stream", err)
	}

	info, err := h.registry.Describe(id)
	if err != nil {
		return nil, apiError("stream removed during creation", err)
	}
	return &StreamOutput{Body: info}, nil
}

// StreamIDInput identifies a stream.
type StreamIDInput struct {
	ID string `path:"id" doc:"Stream ID"`
}

// Get returns one stream.
func (h *StreamHandler) Get(_ context.Context, input *StreamIDInput) (*StreamOutput, error) {
	info, err := h.registry.Describe(input.ID)
	if err != nil {
		return nil, apiError("stream not found", err)
	}
	return &StreamOutput{Body: info}, nil
}

// Remove tears down a stream.
func (h *StreamHandler) Remove(ctx context.Context, input *StreamIDInput) (*struct{}, error) {
	if err := h.registry.RemoveStream(ctx, input.ID); err != nil {
		return nil, apiError("failed to remove stream", err)
	}
	return nil, nil
}

// ListBranchesOutput is the output for listing branches.
type ListBranchesOutput struct {
	Body struct {
		Branches []fanout.BranchInfo `json:"branches"`
	}
}

// ListBranches returns the branches of a stream.
func (h *StreamHandler) ListBranches(_ context.Context, input *StreamIDInput) (*ListBranchesOutput, error) {
	branches, err := h.registry.Branches(input.ID)
	if err != nil {
		return nil, apiError("stream not found", err)
	}
	resp := &ListBranchesOutput{}
	resp.Body.Branches = branches
	return resp, nil
}

// AddBranchInput is the input for attaching a branch.
type AddBranchInput struct {
	ID   string `path:"id" doc:"Stream ID"`
	Body struct {
		Kind    fanout.BranchKind `json:"kind" enum:"recording,liveview,delivery,analytics" doc:"Branch kind"`
		Options map[string]string `json:"options,omitempty" doc:"Kind-specific options, e.g. location and segment_duration for recording"`
	}
}

// AddBranchOutput is the output for attaching a branch.
type AddBranchOutput struct {
	Body struct {
		ID       string `json:"id"`
		StreamID string `json:"stream_id"`
	}
}

// AddBranch attaches a branch.
func (h *StreamHandler) AddBranch(ctx context.Context, input *AddBranchInput) (*AddBranchOutput, error) {
	id, err := h.registry.AddBranch(ctx, input.ID, fanout.BranchConfig{
		Kind:    input.Body.Kind,
		Options: input.Body.Options,
	})
	if err != nil {
		return nil, apiError("failed to add branch", err)
	}
	resp := &AddBranchOutput{}
	resp.Body.ID = id
	resp.Body.StreamID = input.ID
	return resp, nil
}

// RemoveBranchInput identifies a branch.
type RemoveBranchInput struct {
	ID       string `path:"id" doc:"Stream ID"`
	BranchID string `path:"branch_id" doc:"Branch ID"`
}

// RemoveBranch detaches a branch.
func (h *StreamHandler) RemoveBranch(ctx context.Context, input *RemoveBranchInput) (*struct{}, error) {
	if err := h.registry.RemoveBranch(ctx, input.ID, input.BranchID); err != nil {
		return nil, apiError("failed to remove branch", err)
	}
	return nil, nil
}
