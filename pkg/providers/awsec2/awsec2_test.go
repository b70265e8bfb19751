package awsec2

import (
	"context"
	"errors"
	"fmt"
	"testing"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/openfroyo/provseq/pkg/engine"
	"github.com/openfroyo/provseq/pkg/providers"
)

var errUnexpectedCall = errors.New("unexpected call")

// mockEC2 implements EC2API with overridable functions. Unset functions fail.
type mockEC2 struct {
	createVpcFunc       func(*ec2.CreateVpcInput) (*ec2.CreateVpcOutput, error)
	describeVpcsFunc    func(*ec2.DescribeVpcsInput) (*ec2.DescribeVpcsOutput, error)
	deleteVpcFunc       func(*ec2.DeleteVpcInput) (*ec2.DeleteVpcOutput, error)
	createSubnetFunc    func(*ec2.CreateSubnetInput) (*ec2.CreateSubnetOutput, error)
	describeSubnetsFunc func(*ec2.DescribeSubnetsInput) (*ec2.DescribeSubnetsOutput, error)
	deleteSubnetFunc    func(*ec2.DeleteSubnetInput) (*ec2.DeleteSubnetOutput, error)
	createIGWFunc       func(*ec2.CreateInternetGatewayInput) (*ec2.CreateInternetGatewayOutput, error)
	attachIGWFunc       func(*ec2.AttachInternetGatewayInput) (*ec2.AttachInternetGatewayOutput, error)
	describeIGWsFunc    func(*ec2.DescribeInternetGatewaysInput) (*ec2.DescribeInternetGatewaysOutput, error)
	detachIGWFunc       func(*ec2.DetachInternetGatewayInput) (*ec2.DetachInternetGatewayOutput, error)
	deleteIGWFunc       func(*ec2.DeleteInternetGatewayInput) (*ec2.DeleteInternetGatewayOutput, error)
	createSGFunc        func(*ec2.CreateSecurityGroupInput) (*ec2.CreateSecurityGroupOutput, error)
	describeSGsFunc     func(*ec2.DescribeSecurityGroupsInput) (*ec2.DescribeSecurityGroupsOutput, error)
	deleteSGFunc        func(*ec2.DeleteSecurityGroupInput) (*ec2.DeleteSecurityGroupOutput, error)
}

func (m *mockEC2) CreateVpc(_ context.Context, in *ec2.CreateVpcInput, _ ...func(*ec2.Options)) (*ec2.CreateVpcOutput, error) {
	if m.createVpcFunc == nil {
		return nil, errUnexpectedCall
	}
	return m.createVpcFunc(in)
}

func (m *mockEC2) DescribeVpcs(_ context.Context, in *ec2.DescribeVpcsInput, _ ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
	if m.describeVpcsFunc == nil {
		return nil, errUnexpectedCall
	}
	return m.describeVpcsFunc(in)
}

func (m *mockEC2) DeleteVpc(_ context.Context, in *ec2.DeleteVpcInput, _ ...func(*ec2.Options)) (*ec2.DeleteVpcOutput, error) {
	if m.deleteVpcFunc == nil {
		return nil, errUnexpectedCall
	}
	return m.deleteVpcFunc(in)
}

func (m *mockEC2) CreateSubnet(_ context.Context, in *ec2.CreateSubnetInput, _ ...func(*ec2.Options)) (*ec2.CreateSubnetOutput, error) {
	if m.createSubnetFunc == nil {
		return nil, errUnexpectedCall
	}
	return m.createSubnetFunc(in)
}

func (m *mockEC2) DescribeSubnets(_ context.Context, in *ec2.DescribeSubnetsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
	if m.describeSubnetsFunc == nil {
		return nil, errUnexpectedCall
	}
	return m.describeSubnetsFunc(in)
}

func (m *mockEC2) DeleteSubnet(_ context.Context, in *ec2.DeleteSubnetInput, _ ...func(*ec2.Options)) (*ec2.DeleteSubnetOutput, error) {
	if m.deleteSubnetFunc == nil {
		return nil, errUnexpectedCall
	}
	return m.deleteSubnetFunc(in)
}

func (m *mockEC2) CreateInternetGateway(_ context.Context, in *ec2.CreateInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.CreateInternetGatewayOutput, error) {
	if m.createIGWFunc == nil {
		return nil, errUnexpectedCall
	}
	return m.createIGWFunc(in)
}

func (m *mockEC2) AttachInternetGateway(_ context.Context, in *ec2.AttachInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.AttachInternetGatewayOutput, error) {
	if m.attachIGWFunc == nil {
		return nil, errUnexpectedCall
	}
	return m.attachIGWFunc(in)
}

func (m *mockEC2) DescribeInternetGateways(_ context.Context, in *ec2.DescribeInternetGatewaysInput, _ ...func(*ec2.Options)) (*ec2.DescribeInternetGatewaysOutput, error) {
	if m.describeIGWsFunc == nil {
		return nil, errUnexpectedCall
	}
	return m.describeIGWsFunc(in)
}

func (m *mockEC2) DetachInternetGateway(_ context.Context, in *ec2.DetachInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.DetachInternetGatewayOutput, error) {
	if m.detachIGWFunc == nil {
		return nil, errUnexpectedCall
	}
	return m.detachIGWFunc(in)
}

func (m *mockEC2) DeleteInternetGateway(_ context.Context, in *ec2.DeleteInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.DeleteInternetGatewayOutput, error) {
	if m.deleteIGWFunc == nil {
		return nil, errUnexpectedCall
	}
	return m.deleteIGWFunc(in)
}

func (m *mockEC2) CreateSecurityGroup(_ context.Context, in *ec2.CreateSecurityGroupInput, _ ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error) {
	if m.createSGFunc == nil {
		return nil, errUnexpectedCall
	}
	return m.createSGFunc(in)
}

func (m *mockEC2) DescribeSecurityGroups(_ context.Context, in *ec2.DescribeSecurityGroupsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	if m.describeSGsFunc == nil {
		return nil, errUnexpectedCall
	}
	return m.describeSGsFunc(in)
}

func (m *mockEC2) DeleteSecurityGroup(_ context.Context, in *ec2.DeleteSecurityGroupInput, _ ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error) {
	if m.deleteSGFunc == nil {
		return nil, errUnexpectedCall
	}
	return m.deleteSGFunc(in)
}

func apiError(code string) error {
	return fmt.Errorf("operation error EC2: %w", &smithy.GenericAPIError{Code: code, Message: code + " message"})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantClass engine.ErrorClass
		wantCode  string
	}{
		{name: "dependency violation", err: apiError("DependencyViolation"), wantClass: engine.ErrorClassTransient, wantCode: engine.ErrCodeDependency},
		{name: "request limit", err: apiError("RequestLimitExceeded"), wantClass: engine.ErrorClassThrottled, wantCode: engine.ErrCodeRateLimited},
		{name: "throttling", err: apiError("Throttling"), wantClass: engine.ErrorClassThrottled, wantCode: engine.ErrCodeRateLimited},
		{name: "not found", err: apiError("InvalidVpcID.NotFound"), wantClass: engine.ErrorClassTransient, wantCode: engine.ErrCodeNotFound},
		{name: "incorrect state", err: apiError("IncorrectState"), wantClass: engine.ErrorClassConflict, wantCode: engine.ErrCodeProviderFailed},
		{name: "malformed", err: apiError("InvalidVpcID.Malformed"), wantClass: engine.ErrorClassPermanent, wantCode: engine.ErrCodeValidation},
		{name: "unauthorized", err: apiError("UnauthorizedOperation"), wantClass: engine.ErrorClassPermanent, wantCode: engine.ErrCodeProviderFailed},
		{name: "plain error", err: errors.New("connection reset"), wantClass: engine.ErrorClassPermanent, wantCode: engine.ErrCodeProviderFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(NameVPC, "create", "vpc-1", tt.err)
			if got := engine.ClassOf(err); got != tt.wantClass {
				t.Errorf("ClassOf() = %v, want %v", got, tt.wantClass)
			}
			if got := engine.CodeOf(err); got != tt.wantCode {
				t.Errorf("CodeOf() = %q, want %q", got, tt.wantCode)
			}
			if !errors.Is(err, tt.err) {
				t.Error("classified error does not wrap the cause")
			}
		})
	}

	if err := classify(NameVPC, "create", "", context.Canceled); !errors.Is(err, context.Canceled) || engine.CodeOf(err) != "" {
		t.Errorf("classify(context.Canceled) = %v, want the context error unchanged", err)
	}
	if classify(NameVPC, "create", "", nil) != nil {
		t.Error("classify(nil) should be nil")
	}
}

func TestVPCLifecycle(t *testing.T) {
	var (
		gotCreate *ec2.CreateVpcInput
		gotDelete string
		polls     int
	)
	client := &mockEC2{
		createVpcFunc: func(in *ec2.CreateVpcInput) (*ec2.CreateVpcOutput, error) {
			gotCreate = in
			return &ec2.CreateVpcOutput{Vpc: &ec2types.Vpc{VpcId: awsv2.String("vpc-123")}}, nil
		},
		describeVpcsFunc: func(in *ec2.DescribeVpcsInput) (*ec2.DescribeVpcsOutput, error) {
			polls++
			switch polls {
			case 1:
				return nil, apiError("InvalidVpcID.NotFound")
			case 2:
				return &ec2.DescribeVpcsOutput{Vpcs: []ec2types.Vpc{{State: ec2types.VpcStatePending}}}, nil
			default:
				return &ec2.DescribeVpcsOutput{Vpcs: []ec2types.Vpc{{State: ec2types.VpcStateAvailable}}}, nil
			}
		},
		deleteVpcFunc: func(in *ec2.DeleteVpcInput) (*ec2.DeleteVpcOutput, error) {
			gotDelete = awsv2.ToString(in.VpcId)
			return &ec2.DeleteVpcOutput{}, nil
		},
	}

	p := NewVPC(client)
	ctx := context.Background()

	id, err := p.Create(ctx, engine.Params{
		"cidr": "10.0.0.0/16",
		"name": "tutorial-vpc",
		"tags": map[string]interface{}{"team": "net", "env": "dev"},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if id != "vpc-123" {
		t.Errorf("Create() id = %q, want vpc-123", id)
	}
	if awsv2.ToString(gotCreate.CidrBlock) != "10.0.0.0/16" {
		t.Errorf("CidrBlock = %q", awsv2.ToString(gotCreate.CidrBlock))
	}

	wantTags := []ec2types.TagSpecification{{
		ResourceType: ec2types.ResourceTypeVpc,
		Tags: []ec2types.Tag{
			{Key: awsv2.String("Name"), Value: awsv2.String("tutorial-vpc")},
			{Key: awsv2.String("env"), Value: awsv2.String("dev")},
			{Key: awsv2.String("team"), Value: awsv2.String("net")},
		},
	}}
	if diff := cmp.Diff(wantTags, gotCreate.TagSpecifications, cmpopts.IgnoreUnexported(ec2types.TagSpecification{}, ec2types.Tag{})); diff != "" {
		t.Errorf("TagSpecifications mismatch (-want +got):\n%s", diff)
	}

	if _, err := p.PollStatus(ctx, id); !engine.IsTransient(err) || !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Errorf("first PollStatus() error = %v, want transient NOT_FOUND", err)
	}
	if status, err := p.PollStatus(ctx, id); err != nil || status != "pending" {
		t.Errorf("PollStatus() = %q, %v, want pending", status, err)
	}
	if status, err := p.PollStatus(ctx, id); err != nil || status != "available" {
		t.Errorf("PollStatus() = %q, %v, want available", status, err)
	}

	if err := p.Delete(ctx, id); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if gotDelete != "vpc-123" {
		t.Errorf("deleted %q, want vpc-123", gotDelete)
	}
}

func TestCreateRequiresParams(t *testing.T) {
	client := &mockEC2{}
	tests := []struct {
		name     string
		provider engine.Provider
		params   engine.Params
	}{
		{name: "vpc", provider: NewVPC(client), params: engine.Params{}},
		{name: "subnet", provider: NewSubnet(client), params: engine.Params{"cidr": "10.0.1.0/24"}},
		{name: "gateway", provider: NewInternetGateway(client), params: engine.Params{}},
		{name: "security group", provider: NewSecurityGroup(client), params: engine.Params{"vpc_id": "vpc-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.provider.Create(context.Background(), tt.params)
			if !engine.IsPermanent(err) || !engine.HasCode(err, engine.ErrCodeValidation) {
				t.Errorf("Create() error = %v, want permanent VALIDATION_ERROR", err)
			}
		})
	}
}

func TestDeleteTreatsNotFoundAsDone(t *testing.T) {
	client := &mockEC2{
		deleteSubnetFunc: func(*ec2.DeleteSubnetInput) (*ec2.DeleteSubnetOutput, error) {
			return nil, apiError("InvalidSubnetID.NotFound")
		},
		deleteVpcFunc: func(*ec2.DeleteVpcInput) (*ec2.DeleteVpcOutput, error) {
			return nil, apiError("DependencyViolation")
		},
	}

	if err := NewSubnet(client).Delete(context.Background(), "subnet-1"); err != nil {
		t.Errorf("Delete(gone subnet) error = %v, want nil", err)
	}

	err := NewVPC(client).Delete(context.Background(), "vpc-1")
	if !engine.IsRetryable(err) || !engine.HasCode(err, engine.ErrCodeDependency) {
		t.Errorf("Delete(vpc with dependents) error = %v, want retryable DEPENDENCY_VIOLATION", err)
	}
}

func TestSubnetCreate(t *testing.T) {
	var got *ec2.CreateSubnetInput
	client := &mockEC2{
		createSubnetFunc: func(in *ec2.CreateSubnetInput) (*ec2.CreateSubnetOutput, error) {
			got = in
			return &ec2.CreateSubnetOutput{Subnet: &ec2types.Subnet{SubnetId: awsv2.String("subnet-7")}}, nil
		},
		describeSubnetsFunc: func(*ec2.DescribeSubnetsInput) (*ec2.DescribeSubnetsOutput, error) {
			return &ec2.DescribeSubnetsOutput{}, nil
		},
	}

	p := NewSubnet(client)
	id, err := p.Create(context.Background(), engine.Params{
		"vpc_id":            "vpc-1",
		"cidr":              "10.0.1.0/24",
		"availability_zone": "eu-west-1a",
	})
	if err != nil || id != "subnet-7" {
		t.Fatalf("Create() = %q, %v", id, err)
	}
	if awsv2.ToString(got.AvailabilityZone) != "eu-west-1a" || awsv2.ToString(got.VpcId) != "vpc-1" {
		t.Errorf("CreateSubnetInput = %+v", got)
	}
	if got.TagSpecifications != nil {
		t.Errorf("TagSpecifications = %+v, want none", got.TagSpecifications)
	}

	if _, err := p.PollStatus(context.Background(), id); !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Errorf("PollStatus(empty describe) error = %v, want NOT_FOUND", err)
	}
}

func TestInternetGateway(t *testing.T) {
	t.Run("create attaches to vpc", func(t *testing.T) {
		var attached *ec2.AttachInternetGatewayInput
		client := &mockEC2{
			createIGWFunc: func(*ec2.CreateInternetGatewayInput) (*ec2.CreateInternetGatewayOutput, error) {
				return &ec2.CreateInternetGatewayOutput{InternetGateway: &ec2types.InternetGateway{InternetGatewayId: awsv2.String("igw-1")}}, nil
			},
			attachIGWFunc: func(in *ec2.AttachInternetGatewayInput) (*ec2.AttachInternetGatewayOutput, error) {
				attached = in
				return &ec2.AttachInternetGatewayOutput{}, nil
			},
		}

		id, err := NewInternetGateway(client).Create(context.Background(), engine.Params{"vpc_id": "vpc-1"})
		if err != nil || id != "igw-1" {
			t.Fatalf("Create() = %q, %v", id, err)
		}
		if awsv2.ToString(attached.InternetGatewayId) != "igw-1" || awsv2.ToString(attached.VpcId) != "vpc-1" {
			t.Errorf("AttachInternetGatewayInput = %+v", attached)
		}
	})

	t.Run("failed attach deletes the gateway", func(t *testing.T) {
		var deletedID string
		client := &mockEC2{
			createIGWFunc: func(*ec2.CreateInternetGatewayInput) (*ec2.CreateInternetGatewayOutput, error) {
				return &ec2.CreateInternetGatewayOutput{InternetGateway: &ec2types.InternetGateway{InternetGatewayId: awsv2.String("igw-2")}}, nil
			},
			attachIGWFunc: func(*ec2.AttachInternetGatewayInput) (*ec2.AttachInternetGatewayOutput, error) {
				return nil, apiError("Resource.AlreadyAssociated")
			},
			deleteIGWFunc: func(in *ec2.DeleteInternetGatewayInput) (*ec2.DeleteInternetGatewayOutput, error) {
				deletedID = awsv2.ToString(in.InternetGatewayId)
				return &ec2.DeleteInternetGatewayOutput{}, nil
			},
		}

		_, err := NewInternetGateway(client).Create(context.Background(), engine.Params{"vpc_id": "vpc-1"})
		if !engine.IsPermanent(err) {
			t.Errorf("Create() error = %v, want permanent", err)
		}
		if deletedID != "igw-2" {
			t.Errorf("deleted %q, want igw-2", deletedID)
		}
	})

	t.Run("poll reports attachment state", func(t *testing.T) {
		attachments := []ec2types.InternetGatewayAttachment{}
		client := &mockEC2{
			describeIGWsFunc: func(*ec2.DescribeInternetGatewaysInput) (*ec2.DescribeInternetGatewaysOutput, error) {
				return &ec2.DescribeInternetGatewaysOutput{InternetGateways: []ec2types.InternetGateway{{Attachments: attachments}}}, nil
			},
		}
		p := NewInternetGateway(client)

		if status, err := p.PollStatus(context.Background(), "igw-1"); err != nil || status != StatusDetached {
			t.Errorf("PollStatus() = %q, %v, want detached", status, err)
		}
		attachments = []ec2types.InternetGatewayAttachment{{State: ec2types.AttachmentStatus("available"), VpcId: awsv2.String("vpc-1")}}
		if status, err := p.PollStatus(context.Background(), "igw-1"); err != nil || status != "available" {
			t.Errorf("PollStatus() = %q, %v, want available", status, err)
		}
	})

	t.Run("delete detaches first", func(t *testing.T) {
		var calls []string
		client := &mockEC2{
			describeIGWsFunc: func(*ec2.DescribeInternetGatewaysInput) (*ec2.DescribeInternetGatewaysOutput, error) {
				calls = append(calls, "describe")
				return &ec2.DescribeInternetGatewaysOutput{InternetGateways: []ec2types.InternetGateway{{
					Attachments: []ec2types.InternetGatewayAttachment{
						{State: ec2types.AttachmentStatus("available"), VpcId: awsv2.String("vpc-1")},
						{State: ec2types.AttachmentStatusDetached, VpcId: awsv2.String("vpc-old")},
					},
				}}}, nil
			},
			detachIGWFunc: func(in *ec2.DetachInternetGatewayInput) (*ec2.DetachInternetGatewayOutput, error) {
				calls = append(calls, "detach "+awsv2.ToString(in.VpcId))
				return &ec2.DetachInternetGatewayOutput{}, nil
			},
			deleteIGWFunc: func(in *ec2.DeleteInternetGatewayInput) (*ec2.DeleteInternetGatewayOutput, error) {
				calls = append(calls, "delete "+awsv2.ToString(in.InternetGatewayId))
				return &ec2.DeleteInternetGatewayOutput{}, nil
			},
		}

		if err := NewInternetGateway(client).Delete(context.Background(), "igw-1"); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		want := []string{"describe", "detach vpc-1", "delete igw-1"}
		if diff := cmp.Diff(want, calls); diff != "" {
			t.Errorf("calls mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("delete of missing gateway succeeds", func(t *testing.T) {
		client := &mockEC2{
			describeIGWsFunc: func(*ec2.DescribeInternetGatewaysInput) (*ec2.DescribeInternetGatewaysOutput, error) {
				return nil, apiError("InvalidInternetGatewayID.NotFound")
			},
		}
		if err := NewInternetGateway(client).Delete(context.Background(), "igw-1"); err != nil {
			t.Errorf("Delete() error = %v, want nil", err)
		}
	})
}

func TestSecurityGroup(t *testing.T) {
	var got *ec2.CreateSecurityGroupInput
	client := &mockEC2{
		createSGFunc: func(in *ec2.CreateSecurityGroupInput) (*ec2.CreateSecurityGroupOutput, error) {
			got = in
			return &ec2.CreateSecurityGroupOutput{GroupId: awsv2.String("sg-1")}, nil
		},
		describeSGsFunc: func(*ec2.DescribeSecurityGroupsInput) (*ec2.DescribeSecurityGroupsOutput, error) {
			return &ec2.DescribeSecurityGroupsOutput{SecurityGroups: []ec2types.SecurityGroup{{GroupId: awsv2.String("sg-1")}}}, nil
		},
		deleteSGFunc: func(*ec2.DeleteSecurityGroupInput) (*ec2.DeleteSecurityGroupOutput, error) {
			return nil, apiError("RequestLimitExceeded")
		},
	}

	p := NewSecurityGroup(client)
	id, err := p.Create(context.Background(), engine.Params{"group_name": "web", "vpc_id": "vpc-1"})
	if err != nil || id != "sg-1" {
		t.Fatalf("Create() = %q, %v", id, err)
	}
	if awsv2.ToString(got.Description) != "web" {
		t.Errorf("Description = %q, want the group name", awsv2.ToString(got.Description))
	}
	if status, err := p.PollStatus(context.Background(), id); err != nil || status != StatusAvailable {
		t.Errorf("PollStatus() = %q, %v", status, err)
	}
	if err := p.Delete(context.Background(), id); !engine.IsThrottled(err) {
		t.Errorf("Delete() error = %v, want throttled", err)
	}
}

func TestRegister(t *testing.T) {
	reg := providers.NewRegistry()
	calls := 0
	client := func(context.Context) (EC2API, error) {
		calls++
		return &mockEC2{}, nil
	}

	if err := Register(reg, client); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	want := []string{NameInternetGateway, NameSecurityGroup, NameSubnet, NameVPC}
	if diff := cmp.Diff(want, reg.Names()); diff != "" {
		t.Errorf("Names() mismatch (-want +got):\n%s", diff)
	}
	if calls != 0 {
		t.Errorf("client loaded %d times before use", calls)
	}

	p, err := reg.Get(context.Background(), NameSubnet)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if _, ok := p.(*Subnet); !ok {
		t.Errorf("Get(%s) = %T, want *Subnet", NameSubnet, p)
	}

	failing := providers.NewRegistry()
	if err := Register(failing, func(context.Context) (EC2API, error) { return nil, errors.New("no credentials") }); err != nil {
		t.Fatal(err)
	}
	if _, err := failing.Get(context.Background(), NameVPC); err == nil {
		t.Error("Get() should fail when the client cannot be created")
	}

	if err := Register(reg, StaticClient(&mockEC2{})); err == nil {
		t.Error("Register() twice should fail on duplicate names")
	}
}
