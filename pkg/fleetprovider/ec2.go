package fleetprovider

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"

	"github.com/sentryfleet/sentryfleet/pkg/log"
	"github.com/sentryfleet/sentryfleet/pkg/types"
)

// EC2Provider is the production Provider, backed by the AWS SDK's EC2
// client. It operates on a fixed pool of pre-existing instances (tagged
// "sentryfleet=true" at launch time by whatever provisioned them) and never
// calls RunInstances/TerminateInstances itself.
type EC2Provider struct {
	client *ec2.EC2
}

// EC2Config holds the EC2Provider's connection settings.
type EC2Config struct {
	Region string
}

// NewEC2Provider creates an EC2Provider for the given region using the
// default AWS credential chain.
func NewEC2Provider(cfg EC2Config) (*EC2Provider, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(cfg.Region)})
	if err != nil {
		return nil, fmt.Errorf("fleetprovider: create session: %w", err)
	}

	return &EC2Provider{client: ec2.New(sess)}, nil
}

func ec2StateToLifecycle(name string) types.LifecycleState {
	switch name {
	case "pending":
		return types.LifecyclePending
	case "running":
		return types.LifecycleRunning
	case "stopping":
		return types.LifecycleStopping
	case "stopped":
		return types.LifecycleStopped
	case "shutting-down":
		return types.LifecycleShuttingDown
	case "terminated":
		return types.LifecycleTerminated
	default:
		return types.LifecyclePending
	}
}

// List returns every instance tagged as belonging to this fleet.
func (p *EC2Provider) List(ctx context.Context) ([]*types.Instance, error) {
	out, err := p.client.DescribeInstancesWithContext(ctx, &ec2.DescribeInstancesInput{
		Filters: []*ec2.Filter{
			{Name: aws.String("tag:sentryfleet"), Values: []*string{aws.String("true")}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fleetprovider: describe instances: %w", err)
	}

	var instances []*types.Instance
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			role := types.RoleWorker
			for _, tag := range inst.Tags {
				if aws.StringValue(tag.Key) == "role" {
					role = types.Role(aws.StringValue(tag.Value))
				}
			}
			instances = append(instances, &types.Instance{
				ID:             aws.StringValue(inst.InstanceId),
				Role:           role,
				LifecycleState: ec2StateToLifecycle(aws.StringValue(inst.State.Name)),
				PublicIP:       aws.StringValue(inst.PublicIpAddress),
			})
		}
	}
	return instances, nil
}

// Start powers on an existing stopped instance.
func (p *EC2Provider) Start(ctx context.Context, instanceID string) error {
	_, err := p.client.StartInstancesWithContext(ctx, &ec2.StartInstancesInput{
		InstanceIds: []*string{aws.String(instanceID)},
	})
	if err != nil {
		return fmt.Errorf("fleetprovider: start instances %s: %w", instanceID, err)
	}
	log.Info(fmt.Sprintf("fleetprovider: started instance %s", instanceID))
	return nil
}

// Stop powers down the given instance. This is StopInstances, not
// TerminateInstances: the instance remains in the pool for a later Start.
func (p *EC2Provider) Stop(ctx context.Context, instanceID string) error {
	_, err := p.client.StopInstancesWithContext(ctx, &ec2.StopInstancesInput{
		InstanceIds: []*string{aws.String(instanceID)},
	})
	if err != nil {
		return fmt.Errorf("fleetprovider: stop instances %s: %w", instanceID, err)
	}
	return nil
}

// WaitRunning polls DescribeInstances until the instance is running or ctx
// is cancelled.
func (p *EC2Provider) WaitRunning(ctx context.Context, instanceID string) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		out, err := p.client.DescribeInstancesWithContext(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: []*string{aws.String(instanceID)},
		})
		if err == nil && len(out.Reservations) > 0 && len(out.Reservations[0].Instances) > 0 {
			state := aws.StringValue(out.Reservations[0].Instances[0].State.Name)
			if state == "running" {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SendBoot is a no-op for EC2Provider: boot arguments are baked into the
// pool's AMI/user-data ahead of time rather than delivered by a post-start
// call. A real deployment would push them over SSM Run Command instead.
func (p *EC2Provider) SendBoot(_ context.Context, _ string, _ BootArgs) error {
	return nil
}
