package awsec2

import (
	"context"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/openfroyo/provseq/pkg/engine"
)

// SecurityGroup manages security groups. Params: group_name and vpc_id
// (required), description, name, tags.
//
// Security groups have no state; they are "available" once describable.
type SecurityGroup struct {
	client EC2API
}

var _ engine.Provider = (*SecurityGroup)(nil)

// StatusAvailable is reported for any security group EC2 returns.
const StatusAvailable engine.Status = "available"

// NewSecurityGroup creates a security group provider.
func NewSecurityGroup(client EC2API) *SecurityGroup {
	return &SecurityGroup{client: client}
}

func (p *SecurityGroup) Create(ctx context.Context, params engine.Params) (string, error) {
	if err := required(NameSecurityGroup, params, "group_name", "vpc_id"); err != nil {
		return "", err
	}

	description := params.String("description")
	if description == "" {
		description = params.String("group_name")
	}

	out, err := p.client.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:         awsv2.String(params.String("group_name")),
		Description:       awsv2.String(description),
		VpcId:             awsv2.String(params.String("vpc_id")),
		TagSpecifications: tagSpecifications(ec2types.ResourceTypeSecurityGroup, params),
	})
	if err != nil {
		return "", classify(NameSecurityGroup, "create", "", err)
	}
	if out.GroupId == nil {
		return "", engine.NewPermanentError(NameSecurityGroup+": create returned no id", nil).
			WithCode(engine.ErrCodeProviderFailed).
			WithOperation("create")
	}
	return awsv2.ToString(out.GroupId), nil
}

func (p *SecurityGroup) PollStatus(ctx context.Context, id string) (engine.Status, error) {
	out, err := p.client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{GroupIds: []string{id}})
	if err != nil {
		return "", classify(NameSecurityGroup, "poll", id, err)
	}
	if len(out.SecurityGroups) == 0 {
		return "", notVisible(NameSecurityGroup, id)
	}
	return StatusAvailable, nil
}

func (p *SecurityGroup) Delete(ctx context.Context, id string) error {
	_, err := p.client.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: awsv2.String(id)})
	return deleted(NameSecurityGroup, id, err)
}
