package awsec2

import (
	"context"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/openfroyo/provseq/pkg/engine"
)

// Subnet manages subnets. Params: vpc_id and cidr (required),
// availability_zone, name, tags.
type Subnet struct {
	client EC2API
}

var _ engine.Provider = (*Subnet)(nil)

// NewSubnet creates a subnet provider.
func NewSubnet(client EC2API) *Subnet {
	return &Subnet{client: client}
}

func (p *Subnet) Create(ctx context.Context, params engine.Params) (string, error) {
	if err := required(NameSubnet, params, "vpc_id", "cidr"); err != nil {
		return "", err
	}

	input := &ec2.CreateSubnetInput{
		VpcId:             awsv2.String(params.String("vpc_id")),
		CidrBlock:         awsv2.String(params.String("cidr")),
		TagSpecifications: tagSpecifications(ec2types.ResourceTypeSubnet, params),
	}
	if az := params.String("availability_zone"); az != "" {
		input.AvailabilityZone = awsv2.String(az)
	}

	out, err := p.client.CreateSubnet(ctx, input)
	if err != nil {
		return "", classify(NameSubnet, "create", "", err)
	}
	if out.Subnet == nil || out.Subnet.SubnetId == nil {
		return "", engine.NewPermanentError(NameSubnet+": create returned no id", nil).
			WithCode(engine.ErrCodeProviderFailed).
			WithOperation("create")
	}
	return awsv2.ToString(out.Subnet.SubnetId), nil
}

func (p *Subnet) PollStatus(ctx context.Context, id string) (engine.Status, error) {
	out, err := p.client.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{SubnetIds: []string{id}})
	if err != nil {
		return "", classify(NameSubnet, "poll", id, err)
	}
	if len(out.Subnets) == 0 {
		return "", notVisible(NameSubnet, id)
	}
	return engine.Status(out.Subnets[0].State), nil
}

func (p *Subnet) Delete(ctx context.Context, id string) error {
	_, err := p.client.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{SubnetId: awsv2.String(id)})
	return deleted(NameSubnet, id, err)
}
