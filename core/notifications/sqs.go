// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package notifications

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/relabs-tech/fleetstore/core"
	"github.com/relabs-tech/fleetstore/core/logger"
)

// SQSAPI is the part of the SQS client used by the SQS notifier
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQS sends notifications to an SQS queue
type SQS struct {
	client   SQSAPI
	queueURL string
}

// NewSQS returns a notifier sending to queueURL
func NewSQS(client SQSAPI, queueURL string) *SQS {
	if client == nil {
		panic("sqs client missing")
	}
	if queueURL == "" {
		panic("queue url missing")
	}
	return &SQS{client: client, queueURL: queueURL}
}

// NewSQSFromConfig returns a notifier with a client created from cfg
func NewSQSFromConfig(cfg aws.Config, queueURL string) *SQS {
	return NewSQS(sqs.NewFromConfig(cfg), queueURL)
}

// Notify implements core.Notifier
func (s *SQS) Notify(ctx context.Context, n core.Notification) error {
	if _, err := s.client.SendMessage(ctx, s.sendMessageInput(ctx, n)); err != nil {
		return fmt.Errorf("cannot send %s %s notification to sqs: %w", n.Resource, n.Operation, err)
	}
	return nil
}

func (s *SQS) sendMessageInput(ctx context.Context, n core.Notification) *sqs.SendMessageInput {
	attributes := map[string]types.MessageAttributeValue{
		"resource":  {DataType: aws.String("String"), StringValue: aws.String(n.Resource)},
		"operation": {DataType: aws.String("String"), StringValue: aws.String(string(n.Operation))},
		"key":       {DataType: aws.String("String"), StringValue: aws.String(n.Key)},
	}
	if requestID := logger.RequestIDFromContext(ctx); requestID != "" {
		attributes["requestID"] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(requestID)}
	}
	return &sqs.SendMessageInput{
		QueueUrl:          aws.String(s.queueURL),
		MessageBody:       aws.String(string(n.Payload)),
		MessageAttributes: attributes,
	}
}
