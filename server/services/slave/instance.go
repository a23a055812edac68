package slave

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"

	"github.com/toxicbuild/toxicmaster/common/gerror"
	"github.com/toxicbuild/toxicmaster/common/logger"
	"github.com/toxicbuild/toxicmaster/common/models"
	"github.com/toxicbuild/toxicmaster/server/services"
)

// InstanceFactory builds cloud instance handles for on-demand slaves from
// the slave's instance type and confs.
type InstanceFactory struct {
	logFactory logger.LogFactory
}

func NewInstanceFactory(logFactory logger.LogFactory) *InstanceFactory {
	return &InstanceFactory{logFactory: logFactory}
}

func (f *InstanceFactory) GetInstance(instanceType string, confs models.KVMap) (services.Instance, error) {
	switch instanceType {
	case models.InstanceTypeEC2:
		return NewEC2Instance(confs["instance_id"], confs["region"], f.logFactory)
	}
	return nil, fmt.Errorf("unknown instance type %q", instanceType)
}

// EC2Instance drives a single EC2 machine backing an on-demand slave.
type EC2Instance struct {
	logger.Log
	client     *ec2.EC2
	instanceID string
}

func NewEC2Instance(instanceID, region string, logFactory logger.LogFactory) (*EC2Instance, error) {
	if instanceID == "" {
		return nil, fmt.Errorf("error creating ec2 instance: instance_id conf missing")
	}
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("error creating aws session: %w", err)
	}
	return &EC2Instance{
		Log:        logFactory("EC2Instance"),
		client:     ec2.New(sess),
		instanceID: instanceID,
	}, nil
}

// Start boots the instance and waits for it to reach the running state.
func (i *EC2Instance) Start(ctx context.Context) error {
	i.Infof("Starting instance %s", i.instanceID)
	_, err := i.client.StartInstancesWithContext(ctx, &ec2.StartInstancesInput{
		InstanceIds: []*string{aws.String(i.instanceID)},
	})
	if err != nil {
		return fmt.Errorf("error starting instance %s: %w", i.instanceID, err)
	}
	err = i.client.WaitUntilInstanceRunningWithContext(ctx, i.describeInput())
	if err != nil {
		return fmt.Errorf("error waiting for instance %s to run: %w", i.instanceID, err)
	}
	return nil
}

// Stop shuts the instance down and waits for it to reach the stopped state.
func (i *EC2Instance) Stop(ctx context.Context) error {
	i.Infof("Stopping instance %s", i.instanceID)
	_, err := i.client.StopInstancesWithContext(ctx, &ec2.StopInstancesInput{
		InstanceIds: []*string{aws.String(i.instanceID)},
	})
	if err != nil {
		return fmt.Errorf("error stopping instance %s: %w", i.instanceID, err)
	}
	err = i.client.WaitUntilInstanceStoppedWithContext(ctx, i.describeInput())
	if err != nil {
		return fmt.Errorf("error waiting for instance %s to stop: %w", i.instanceID, err)
	}
	return nil
}

func (i *EC2Instance) IsRunning(ctx context.Context) (bool, error) {
	instance, err := i.describe(ctx)
	if err != nil {
		return false, err
	}
	return aws.StringValue(instance.State.Name) == ec2.InstanceStateNameRunning, nil
}

func (i *EC2Instance) GetIP(ctx context.Context) (string, error) {
	instance, err := i.describe(ctx)
	if err != nil {
		return "", err
	}
	ip := aws.StringValue(instance.PublicIpAddress)
	if ip == "" {
		ip = aws.StringValue(instance.PrivateIpAddress)
	}
	if ip == "" {
		return "", fmt.Errorf("instance %s has no ip address", i.instanceID)
	}
	return ip, nil
}

func (i *EC2Instance) describeInput() *ec2.DescribeInstancesInput {
	return &ec2.DescribeInstancesInput{
		InstanceIds: []*string{aws.String(i.instanceID)},
	}
}

func (i *EC2Instance) describe(ctx context.Context) (*ec2.Instance, error) {
	out, err := i.client.DescribeInstancesWithContext(ctx, i.describeInput())
	if err != nil {
		return nil, fmt.Errorf("error describing instance %s: %w", i.instanceID, err)
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return nil, gerror.NewErrNotFound(fmt.Sprintf("instance %s not found", i.instanceID))
	}
	return out.Reservations[0].Instances[0], nil
}
