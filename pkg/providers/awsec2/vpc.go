package awsec2

import (
	"context"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/openfroyo/provseq/pkg/engine"
)

// VPC manages VPCs. Params: cidr (required), name, tags.
// Status is the VPC state: pending or available.
type VPC struct {
	client EC2API
}

var _ engine.Provider = (*VPC)(nil)

// NewVPC creates a VPC provider.
func NewVPC(client EC2API) *VPC {
	return &VPC{client: client}
}

func (p *VPC) Create(ctx context.Context, params engine.Params) (string, error) {
	if err := required(NameVPC, params, "cidr"); err != nil {
		return "", err
	}

	out, err := p.client.CreateVpc(ctx, &ec2.CreateVpcInput{
		CidrBlock:         awsv2.String(params.String("cidr")),
		TagSpecifications: tagSpecifications(ec2types.ResourceTypeVpc, params),
	})
	if err != nil {
		return "", classify(NameVPC, "create", "", err)
	}
	if out.Vpc == nil || out.Vpc.VpcId == nil {
		return "", engine.NewPermanentError(NameVPC+": create returned no id", nil).
			WithCode(engine.ErrCodeProviderFailed).
			WithOperation("create")
	}
	return awsv2.ToString(out.Vpc.VpcId), nil
}

func (p *VPC) PollStatus(ctx context.Context, id string) (engine.Status, error) {
	out, err := p.client.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{VpcIds: []string{id}})
	if err != nil {
		return "", classify(NameVPC, "poll", id, err)
	}
	if len(out.Vpcs) == 0 {
		return "", notVisible(NameVPC, id)
	}
	return engine.Status(out.Vpcs[0].State), nil
}

func (p *VPC) Delete(ctx context.Context, id string) error {
	_, err := p.client.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: awsv2.String(id)})
	return deleted(NameVPC, id, err)
}
