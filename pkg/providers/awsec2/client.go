// Package awsec2 provides providers for the EC2 networking resources of the
// classic VPC tutorial: VPCs, subnets, internet gateways and security groups.
package awsec2

import (
	"context"
	"fmt"
	"sort"
	"sync"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/openfroyo/provseq/pkg/engine"
	"github.com/openfroyo/provseq/pkg/providers"
)

// EC2API is the subset of the EC2 client used by the providers.
type EC2API interface {
	CreateVpc(ctx context.Context, params *ec2.CreateVpcInput, optFns ...func(*ec2.Options)) (*ec2.CreateVpcOutput, error)
	DescribeVpcs(ctx context.Context, params *ec2.DescribeVpcsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error)
	DeleteVpc(ctx context.Context, params *ec2.DeleteVpcInput, optFns ...func(*ec2.Options)) (*ec2.DeleteVpcOutput, error)

	CreateSubnet(ctx context.Context, params *ec2.CreateSubnetInput, optFns ...func(*ec2.Options)) (*ec2.CreateSubnetOutput, error)
	DescribeSubnets(ctx context.Context, params *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
	DeleteSubnet(ctx context.Context, params *ec2.DeleteSubnetInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSubnetOutput, error)

	CreateInternetGateway(ctx context.Context, params *ec2.CreateInternetGatewayInput, optFns ...func(*ec2.Options)) (*ec2.CreateInternetGatewayOutput, error)
	AttachInternetGateway(ctx context.Context, params *ec2.AttachInternetGatewayInput, optFns ...func(*ec2.Options)) (*ec2.AttachInternetGatewayOutput, error)
	DescribeInternetGateways(ctx context.Context, params *ec2.DescribeInternetGatewaysInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInternetGatewaysOutput, error)
	DetachInternetGateway(ctx context.Context, params *ec2.DetachInternetGatewayInput, optFns ...func(*ec2.Options)) (*ec2.DetachInternetGatewayOutput, error)
	DeleteInternetGateway(ctx context.Context, params *ec2.DeleteInternetGatewayInput, optFns ...func(*ec2.Options)) (*ec2.DeleteInternetGatewayOutput, error)

	CreateSecurityGroup(ctx context.Context, params *ec2.CreateSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error)
	DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	DeleteSecurityGroup(ctx context.Context, params *ec2.DeleteSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error)
}

var _ EC2API = (*ec2.Client)(nil)

// Provider names registered by Register.
const (
	NameVPC             = "aws.vpc"
	NameSubnet          = "aws.subnet"
	NameInternetGateway = "aws.internet-gateway"
	NameSecurityGroup   = "aws.security-group"
)

// ClientFunc returns the EC2 client shared by the providers.
type ClientFunc func(ctx context.Context) (EC2API, error)

// DefaultClient loads the shared AWS configuration (environment, profile,
// instance role) once, on first use. An empty region keeps the configured one.
func DefaultClient(region string) ClientFunc {
	var (
		mu     sync.Mutex
		client EC2API
	)
	return func(ctx context.Context) (EC2API, error) {
		mu.Lock()
		defer mu.Unlock()

		if client != nil {
			return client, nil
		}

		var opts []func(*awsconfig.LoadOptions) error
		if region != "" {
			opts = append(opts, awsconfig.WithRegion(region))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = ec2.NewFromConfig(cfg)
		return client, nil
	}
}

// StaticClient always returns client.
func StaticClient(client EC2API) ClientFunc {
	return func(context.Context) (EC2API, error) { return client, nil }
}

// Register adds the EC2 providers to reg. The client is only created when a
// workflow uses one of them.
func Register(reg *providers.Registry, client ClientFunc) error {
	factories := map[string]func(EC2API) engine.Provider{
		NameVPC:             func(c EC2API) engine.Provider { return NewVPC(c) },
		NameSubnet:          func(c EC2API) engine.Provider { return NewSubnet(c) },
		NameInternetGateway: func(c EC2API) engine.Provider { return NewInternetGateway(c) },
		NameSecurityGroup:   func(c EC2API) engine.Provider { return NewSecurityGroup(c) },
	}

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		build := factories[name]
		err := reg.Register(name, func(ctx context.Context) (engine.Provider, error) {
			c, err := client(ctx)
			if err != nil {
				return nil, err
			}
			return build(c), nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// tagSpecifications builds the Name tag plus any "tags" param.
func tagSpecifications(resourceType ec2types.ResourceType, params engine.Params) []ec2types.TagSpecification {
	var tags []ec2types.Tag
	if name := params.String("name"); name != "" {
		tags = append(tags, ec2types.Tag{Key: awsv2.String("Name"), Value: awsv2.String(name)})
	}
	if extra, ok := params["tags"].(map[string]interface{}); ok {
		keys := make([]string, 0, len(extra))
		for k := range extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			tags = append(tags, ec2types.Tag{Key: awsv2.String(k), Value: awsv2.String(fmt.Sprint(extra[k]))})
		}
	}
	if len(tags) == 0 {
		return nil
	}
	return []ec2types.TagSpecification{{ResourceType: resourceType, Tags: tags}}
}

// required returns the named params or a validation error listing the
// missing ones.
func required(kind string, params engine.Params, keys ...string) error {
	var missing []string
	for _, k := range keys {
		if params.String(k) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return engine.NewPermanentError(fmt.Sprintf("%s: missing params %v", kind, missing), nil).
			WithCode(engine.ErrCodeValidation).
			WithOperation("create")
	}
	return nil
}
