package cloud

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/codelift/workbench/pkg/logger"
)

// SetInstanceProtection accepts at most 50 instance IDs per call.
const protectionBatchSize = 50

// AWSAdapter implements Adapter against EC2 and the Auto Scaling API.
type AWSAdapter struct {
	asgClient  *autoscaling.Client
	ec2Client  *ec2.Client
	asgName    string
	rpcTimeout time.Duration
}

// NewAWSAdapter loads the default AWS credential chain for region and
// returns an adapter bound to the named auto-scaling group. A credential
// chain failure here is unrecoverable for the process.
func NewAWSAdapter(ctx context.Context, region, asgName string, rpcTimeout time.Duration) (*AWSAdapter, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &AWSAdapter{
		asgClient:  autoscaling.NewFromConfig(awsCfg),
		ec2Client:  ec2.NewFromConfig(awsCfg),
		asgName:    asgName,
		rpcTimeout: rpcTimeout,
	}, nil
}

func (a *AWSAdapter) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.rpcTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.rpcTimeout)
}

func (a *AWSAdapter) DescribeInstance(ctx context.Context, instanceID string) (*Instance, error) {
	ctx, cancel := a.callCtx(ctx)
	defer cancel()

	out, err := a.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return nil, classifyAWS("describe instance", err)
	}

	for _, reservation := range out.Reservations {
		for _, inst := range reservation.Instances {
			if aws.ToString(inst.InstanceId) == instanceID {
				return instanceFromEC2(inst), nil
			}
		}
	}
	return nil, NewError(KindNotFound, "describe instance",
		fmt.Errorf("instance %s not in describe response", instanceID))
}

func (a *AWSAdapter) SetTags(ctx context.Context, instanceID string, tags map[string]string) error {
	ctx, cancel := a.callCtx(ctx)
	defer cancel()

	ec2Tags := make([]ec2types.Tag, 0, len(tags))
	for k, v := range tags {
		ec2Tags = append(ec2Tags, ec2types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}

	_, err := a.ec2Client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{instanceID},
		Tags:      ec2Tags,
	})
	if err != nil {
		return classifyAWS("create tags", err)
	}

	logger.Debug("Tagged instance", map[string]interface{}{
		"instance_id": instanceID,
		"tags":        tags,
	})
	return nil
}

func (a *AWSAdapter) SetScaleInProtection(ctx context.Context, instanceIDs []string, protected bool) map[string]error {
	failed := make(map[string]error)

	for start := 0; start < len(instanceIDs); start += protectionBatchSize {
		end := start + protectionBatchSize
		if end > len(instanceIDs) {
			end = len(instanceIDs)
		}
		batch := instanceIDs[start:end]

		callCtx, cancel := a.callCtx(ctx)
		_, err := a.asgClient.SetInstanceProtection(callCtx, &autoscaling.SetInstanceProtectionInput{
			AutoScalingGroupName: aws.String(a.asgName),
			InstanceIds:          batch,
			ProtectedFromScaleIn: aws.Bool(protected),
		})
		cancel()

		if err != nil {
			classified := classifyAWS("set instance protection", err)
			for _, id := range batch {
				failed[id] = classified
			}
		}
	}

	if len(failed) == 0 && len(instanceIDs) > 0 {
		logger.Debug("Updated scale-in protection", map[string]interface{}{
			"instance_ids": instanceIDs,
			"protected":    protected,
		})
	}
	return failed
}

func (a *AWSAdapter) DescribeASG(ctx context.Context) (*ASGInfo, error) {
	ctx, cancel := a.callCtx(ctx)
	defer cancel()

	out, err := a.asgClient.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
		AutoScalingGroupNames: []string{a.asgName},
	})
	if err != nil {
		return nil, classifyAWS("describe ASG", err)
	}
	if len(out.AutoScalingGroups) == 0 {
		return nil, NewError(KindNotFound, "describe ASG",
			fmt.Errorf("auto-scaling group %q not found", a.asgName))
	}

	group := out.AutoScalingGroups[0]
	info := &ASGInfo{
		Name:            aws.ToString(group.AutoScalingGroupName),
		DesiredCapacity: aws.ToInt32(group.DesiredCapacity),
		MinSize:         aws.ToInt32(group.MinSize),
		MaxSize:         aws.ToInt32(group.MaxSize),
	}
	for _, inst := range group.Instances {
		info.Instances = append(info.Instances, ASGInstance{
			ID:             aws.ToString(inst.InstanceId),
			LifecycleState: string(inst.LifecycleState),
			HealthStatus:   aws.ToString(inst.HealthStatus),
			Protected:      aws.ToBool(inst.ProtectedFromScaleIn),
		})
	}
	return info, nil
}

func (a *AWSAdapter) SetDesiredCapacity(ctx context.Context, n int32) error {
	ctx, cancel := a.callCtx(ctx)
	defer cancel()

	_, err := a.asgClient.SetDesiredCapacity(ctx, &autoscaling.SetDesiredCapacityInput{
		AutoScalingGroupName: aws.String(a.asgName),
		DesiredCapacity:      aws.Int32(n),
	})
	if err != nil {
		return classifyAWS("set desired capacity", err)
	}

	logger.Info("Set ASG desired capacity", map[string]interface{}{
		"asg":     a.asgName,
		"desired": n,
	})
	return nil
}

func (a *AWSAdapter) TerminateInstance(ctx context.Context, instanceID string, decrementDesired bool) error {
	ctx, cancel := a.callCtx(ctx)
	defer cancel()

	_, err := a.asgClient.TerminateInstanceInAutoScalingGroup(ctx, &autoscaling.TerminateInstanceInAutoScalingGroupInput{
		InstanceId:                     aws.String(instanceID),
		ShouldDecrementDesiredCapacity: aws.Bool(decrementDesired),
	})
	if err != nil {
		return classifyAWS("terminate instance", err)
	}

	logger.Info("Terminated instance via ASG", map[string]interface{}{
		"instance_id":       instanceID,
		"decrement_desired": decrementDesired,
	})
	return nil
}

func instanceFromEC2(inst ec2types.Instance) *Instance {
	result := &Instance{
		ID:             aws.ToString(inst.InstanceId),
		State:          StateUnknown,
		PublicEndpoint: aws.ToString(inst.PublicIpAddress),
		PrivateIP:      aws.ToString(inst.PrivateIpAddress),
		Tags:           make(map[string]string, len(inst.Tags)),
	}
	if inst.State != nil {
		result.State = InstanceState(inst.State.Name)
	}
	if inst.LaunchTime != nil {
		result.LaunchedAt = *inst.LaunchTime
	}
	for _, tag := range inst.Tags {
		result.Tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	return result
}

// Compile-time interface check.
var _ Adapter = (*AWSAdapter)(nil)
