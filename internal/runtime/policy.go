package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/evergreen-iot/device-client/internal/obslog"
	"github.com/evergreen-iot/device-client/internal/policymgr"
	"github.com/evergreen-iot/device-client/pkg/iotapi"
)

// pipelineDoc mirrors the JSON shape a device policy's pipelines field
// carries over the wire: per-attribute stage lists plus one device-wide
// stage list.
type pipelineDoc struct {
	DeviceModelURN     string                                 `json:"deviceModelUrn"`
	AttributePipelines map[string][]stageDoc                  `json:"attributePipelines"`
	DeviceWidePipeline []stageDoc                             `json:"deviceWidePipeline"`
}

type stageDoc struct {
	FunctionID string         `json:"functionId"`
	Args       map[string]any `json:"args"`
	Persistent bool           `json:"persistent"`
}

// pollPolicy queries every policy this runtime's trust store's endpoint
// is associated with and refreshes the in-memory policy manager (spec.md
// §4.6, "pull-then-apply policy refresh"). A transport failure is
// reported rather than propagated as fatal, consistent with
// TransportError's "surfaced unchanged except during policy refresh"
// contract.
func (r *Runtime) pollPolicy(ctx context.Context) error {
	endpoint, ok := r.trust.Endpoint()
	if !ok {
		return nil // not yet provisioned; nothing to poll
	}

	policies, err := r.client.QueryDevicePolicies(ctx, "endpointId:"+endpoint.EndpointID)
	if err != nil {
		if errors.Is(err, iotapi.ErrNotModified) {
			return nil
		}
		return fmt.Errorf("query device policies: %w", err)
	}

	for _, remote := range policies {
		if err := r.applyPolicyDoc(ctx, remote); err != nil {
			r.logger.Warn("failed to apply policy", obslog.Str("policy", remote.ID), obslog.Err(err))
			r.metrics.PolicyApplyTotal.WithLabelValues("failure").Inc()
			continue
		}
		r.metrics.PolicyApplyTotal.WithLabelValues("success").Inc()

		devices, err := r.client.QueryPolicyDevices(ctx, remote.ID, "")
		if err != nil {
			r.logger.Warn("failed to list policy devices", obslog.Str("policy", remote.ID), obslog.Err(err))
			continue
		}
		for _, dev := range devices {
			r.policies.AssignPolicyToDevice(dev.DeviceID, remote.ID)
		}
	}
	return nil
}

func (r *Runtime) applyPolicyDoc(ctx context.Context, remote iotapi.DevicePolicy) error {
	if r.cfg.PolicyPublicKey != "" {
		if err := r.verifier.Verify(remote.Pipelines, remote.Signature); err != nil {
			return fmt.Errorf("verify policy signature: %w", err)
		}
	}

	var doc pipelineDoc
	if err := json.Unmarshal(remote.Pipelines, &doc); err != nil {
		return fmt.Errorf("decode policy pipelines: %w", err)
	}

	policy := &policymgr.Policy{
		ID:                 remote.ID,
		Version:            remote.Version,
		DeviceModelURN:     remote.DeviceModelURN,
		AttributePipelines: make(map[string][]policymgr.PipelineStage, len(doc.AttributePipelines)),
	}
	for attr, stages := range doc.AttributePipelines {
		policy.AttributePipelines[attr] = toStages(stages)
	}
	policy.DeviceWidePipeline = toStages(doc.DeviceWidePipeline)

	r.policies.RegisterPolicy(policy)
	return nil
}

func toStages(docs []stageDoc) []policymgr.PipelineStage {
	out := make([]policymgr.PipelineStage, len(docs))
	for i, d := range docs {
		out[i] = policymgr.PipelineStage{FunctionID: d.FunctionID, Args: d.Args, Persistent: d.Persistent}
	}
	return out
}
