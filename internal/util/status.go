package util

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/api/equality"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// StatusPatchParams holds the parameters for patching status.
type StatusPatchParams struct {
	Client     client.Client
	Logger     logr.Logger
	Object     client.Object
	Original   client.Object
	OldStatus  any
	NewStatus  any
	FieldOwner string
}

// PatchStatusIfChanged merge-patches the status subresource when NewStatus
// differs from OldStatus.
func PatchStatusIfChanged(ctx context.Context, params StatusPatchParams) error {
	if equality.Semantic.DeepEqual(params.OldStatus, params.NewStatus) {
		params.Logger.V(1).Info("Status unchanged, skipping update", "object", params.Object.GetName())
		return nil
	}

	err := params.Client.Status().Patch(ctx, params.Object, client.MergeFrom(params.Original), client.FieldOwner(params.FieldOwner))
	if err != nil {
		params.Logger.Error(err, "Failed to patch status", "object", params.Object.GetName())
		return fmt.Errorf("failed to patch %s status: %w", params.Object.GetName(), err)
	}

	return nil
}
