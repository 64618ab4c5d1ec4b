// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/aws/aws-lambda-go/events"
	proxycore "github.com/awslabs/aws-lambda-go-api-proxy/core"

	"github.com/relabs-tech/fleetstore/core/logger"
)

// HandleAPIGatewayRequest serves an API Gateway proxy event through the router. The request ID
// of the gateway becomes the request ID of the logger.
func (a *API) HandleAPIGatewayRequest(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if event.RequestContext.RequestID != "" {
		ctx, _ = logger.ContextWithRequestID(ctx, event.RequestContext.RequestID)
	}
	r, err := a.gateway.EventToRequestWithContext(ctx, event)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("cannot convert API gateway event")
		r = (&http.Request{Method: event.HTTPMethod, URL: &url.URL{Path: event.Path}}).WithContext(ctx)
		w := proxycore.NewProxyResponseWriter()
		render(w, r, http.StatusBadRequest, map[string]string{"error": "Invalid request"})
		return w.GetProxyResponse()
	}
	w := proxycore.NewProxyResponseWriter()
	a.router.ServeHTTP(w, r)
	return w.GetProxyResponse()
}
