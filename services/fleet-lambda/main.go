// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Command fleet-lambda serves the REST api of the device fleet as an AWS Lambda function behind
// an API Gateway proxy integration. Use STORE_DRIVER=dynamodb; telemetry expires through the
// DynamoDB time to live attribute "ttl".
package main

import (
	"context"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/relabs-tech/fleetstore/core/configuration"
	"github.com/relabs-tech/fleetstore/core/logger"
	"github.com/relabs-tech/fleetstore/iot/fleet"
)

func main() {
	c, err := configuration.Load()
	if err != nil {
		panic(err)
	}
	logger.InitLogger(c.Level())

	f, err := fleet.New(context.Background(), &fleet.Builder{Configuration: c})
	if err != nil {
		panic(err)
	}
	defer f.Close()

	lambda.Start(f.API.HandleAPIGatewayRequest)
}
