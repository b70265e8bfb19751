package awsec2

import (
	"context"
	"errors"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/openfroyo/provseq/pkg/engine"
	"github.com/openfroyo/provseq/pkg/telemetry"
)

// InternetGateway creates a gateway and attaches it to a VPC.
// Params: vpc_id (required), name, tags.
//
// Status is the attachment state ("available" once attached), or "detached"
// while the gateway has no attachment.
type InternetGateway struct {
	client EC2API
}

var _ engine.Provider = (*InternetGateway)(nil)

// StatusDetached is reported for a gateway without attachments.
const StatusDetached engine.Status = "detached"

// NewInternetGateway creates an internet gateway provider.
func NewInternetGateway(client EC2API) *InternetGateway {
	return &InternetGateway{client: client}
}

// Create creates and attaches the gateway. If the attachment fails the
// gateway is deleted again, since no id is recorded for a failed create.
func (p *InternetGateway) Create(ctx context.Context, params engine.Params) (string, error) {
	if err := required(NameInternetGateway, params, "vpc_id"); err != nil {
		return "", err
	}

	out, err := p.client.CreateInternetGateway(ctx, &ec2.CreateInternetGatewayInput{
		TagSpecifications: tagSpecifications(ec2types.ResourceTypeInternetGateway, params),
	})
	if err != nil {
		return "", classify(NameInternetGateway, "create", "", err)
	}
	if out.InternetGateway == nil || out.InternetGateway.InternetGatewayId == nil {
		return "", engine.NewPermanentError(NameInternetGateway+": create returned no id", nil).
			WithCode(engine.ErrCodeProviderFailed).
			WithOperation("create")
	}
	id := awsv2.ToString(out.InternetGateway.InternetGatewayId)

	_, err = p.client.AttachInternetGateway(ctx, &ec2.AttachInternetGatewayInput{
		InternetGatewayId: awsv2.String(id),
		VpcId:             awsv2.String(params.String("vpc_id")),
	})
	if err != nil {
		attachErr := classify(NameInternetGateway, "attach", id, err)
		cleanupCtx := context.WithoutCancel(ctx)
		if _, delErr := p.client.DeleteInternetGateway(cleanupCtx, &ec2.DeleteInternetGatewayInput{
			InternetGatewayId: awsv2.String(id),
		}); delErr != nil && !IsNotFound(delErr) {
			telemetry.FromContext(ctx).Warn().
				Err(delErr).
				Str("resource_id", id).
				Msg("Failed to delete unattached internet gateway")
			return "", errors.Join(attachErr, classify(NameInternetGateway, "delete", id, delErr))
		}
		return "", attachErr
	}
	return id, nil
}

func (p *InternetGateway) PollStatus(ctx context.Context, id string) (engine.Status, error) {
	gw, err := p.describe(ctx, id)
	if err != nil {
		return "", classify(NameInternetGateway, "poll", id, err)
	}
	if gw == nil {
		return "", notVisible(NameInternetGateway, id)
	}
	if len(gw.Attachments) == 0 {
		return StatusDetached, nil
	}
	return engine.Status(gw.Attachments[0].State), nil
}

// Delete detaches the gateway from every VPC, then deletes it.
func (p *InternetGateway) Delete(ctx context.Context, id string) error {
	gw, err := p.describe(ctx, id)
	if err != nil {
		return deleted(NameInternetGateway, id, err)
	}
	if gw == nil {
		return nil
	}

	for _, att := range gw.Attachments {
		if att.VpcId == nil || att.State == ec2types.AttachmentStatusDetached {
			continue
		}
		_, err := p.client.DetachInternetGateway(ctx, &ec2.DetachInternetGatewayInput{
			InternetGatewayId: awsv2.String(id),
			VpcId:             att.VpcId,
		})
		if err != nil && APIErrorCode(err) != codeGatewayNotAttached {
			return classify(NameInternetGateway, "detach", id, err)
		}
	}

	_, err = p.client.DeleteInternetGateway(ctx, &ec2.DeleteInternetGatewayInput{InternetGatewayId: awsv2.String(id)})
	return deleted(NameInternetGateway, id, err)
}

func (p *InternetGateway) describe(ctx context.Context, id string) (*ec2types.InternetGateway, error) {
	out, err := p.client.DescribeInternetGateways(ctx, &ec2.DescribeInternetGatewaysInput{
		InternetGatewayIds: []string{id},
	})
	if err != nil {
		return nil, err
	}
	if len(out.InternetGateways) == 0 {
		return nil, nil
	}
	return &out.InternetGateways[0], nil
}
