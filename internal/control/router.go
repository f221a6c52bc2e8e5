package control

import (
	"fmt"
	"strconv"
	"time"
)

// Request is a parsed command/control request, built by the broker adapter
// from an inbound topic and payload.
type Request struct {
	RequestID   string
	Method      string
	Endpoint    string
	QueryParams map[string]string
	Body        interface{}
	Timestamp   string
	Source      string
}

// Response is what RequestRouter.Route produces; it is serialized directly
// onto the reply topic.
type Response struct {
	RequestID     string            `json:"request_id"`
	StatusCode    int               `json:"status_code"`
	StatusMessage string            `json:"status_message"`
	Headers       map[string]string `json:"headers"`
	Body          interface{}       `json:"body"`
	Timestamp     string            `json:"timestamp"`
}

// RequestRouter routes incoming command/control requests to the entity
// registry's registered handlers.
type RequestRouter struct {
	registry *EntityRegistry
}

// NewRequestRouter creates a router backed by registry.
func NewRequestRouter(registry *EntityRegistry) *RequestRouter {
	return &RequestRouter{registry: registry}
}

// Route finds, validates, and invokes the handler for req, mapping outcomes
// to the HTTP-style status codes in the error-handling design: 404 (no
// handler), 400 (validation failure), 500 (missing entity or handler panic).
func (rt *RequestRouter) Route(req Request) Response {
	result := rt.registry.FindEndpointHandler(req.Endpoint, req.Method)

	if result.Handler == nil {
		return rt.errorResponse(req.RequestID, 404,
			fmt.Sprintf("No handler found for %s %s", req.Method, req.Endpoint))
	}

	if msg := validateParameters(*result.Handler, result.PathParams, req.QueryParams, req.Body); msg != "" {
		return rt.errorResponse(req.RequestID, 400, fmt.Sprintf("Parameter validation failed: %s", msg))
	}

	entity, ok := rt.registry.GetEntity(result.EntityID)
	if !ok {
		return rt.errorResponse(req.RequestID, 500, fmt.Sprintf("Entity %s not found", result.EntityID))
	}

	ctx := HandlerContext{
		RequestID: req.RequestID,
		EntityID:  result.EntityID,
		Entity:    entity,
		Timestamp: req.Timestamp,
		Source:    req.Source,
	}

	body, err := rt.invokeHandler(*result.Handler, result.PathParams, req.QueryParams, req.Body, ctx)
	if err != nil {
		return rt.errorResponse(req.RequestID, 500, fmt.Sprintf("Error processing request: %s", err.Error()))
	}

	return rt.response(req.RequestID, 200, "OK", body)
}

func (rt *RequestRouter) invokeHandler(hd HandlerDescriptor, pathParams, queryParams map[string]string, body interface{}, ctx HandlerContext) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return hd.Handler(pathParams, queryParams, body, ctx)
}

func (rt *RequestRouter) response(requestID string, statusCode int, statusMessage string, body interface{}) Response {
	return Response{
		RequestID:     requestID,
		StatusCode:    statusCode,
		StatusMessage: statusMessage,
		Headers:       map[string]string{"content-type": "application/json"},
		Body:          body,
		Timestamp:     time.Now().Format(time.RFC3339),
	}
}

func (rt *RequestRouter) errorResponse(requestID string, statusCode int, message string) Response {
	return rt.response(requestID, statusCode, message, map[string]string{"error": message})
}

// validateParameters checks path, query, and body values against a handler's
// advisory schemas. A schema is optional: absent schemas validate everything.
func validateParameters(hd HandlerDescriptor, pathParams, queryParams map[string]string, body interface{}) string {
	if msg := validateStringParams(hd.PathParams, pathParams); msg != "" {
		return msg
	}
	if msg := validateStringParams(hd.QueryParams, queryParams); msg != "" {
		return msg
	}
	if hd.RequestBodySchema != nil {
		if msg := validateBody(hd.RequestBodySchema, body); msg != "" {
			return msg
		}
	}
	return ""
}

func validateStringParams(schema map[string]ParamSchema, values map[string]string) string {
	for name, s := range schema {
		v, present := values[name]
		if !present {
			if s.Required {
				return fmt.Sprintf("missing required parameter %q", name)
			}
			continue
		}
		if msg := checkType(name, s.Type, v); msg != "" {
			return msg
		}
	}
	return ""
}

func validateBody(schema map[string]ParamSchema, body interface{}) string {
	m, ok := body.(map[string]interface{})
	if !ok {
		if len(schema) > 0 {
			return "request body must be an object"
		}
		return ""
	}
	for name, s := range schema {
		v, present := m[name]
		if !present {
			if s.Required {
				return fmt.Sprintf("missing required body field %q", name)
			}
			continue
		}
		if s.Type != "" {
			switch s.Type {
			case "string":
				if _, ok := v.(string); !ok {
					return fmt.Sprintf("body field %q must be a string", name)
				}
			case "int":
				switch v.(type) {
				case int, int64, float64:
				default:
					return fmt.Sprintf("body field %q must be a number", name)
				}
			case "bool":
				if _, ok := v.(bool); !ok {
					return fmt.Sprintf("body field %q must be a bool", name)
				}
			}
		}
	}
	return ""
}

func checkType(name, typ, value string) string {
	switch typ {
	case "", "string":
		return ""
	case "int":
		if _, err := strconv.Atoi(value); err != nil {
			return fmt.Sprintf("parameter %q must be an integer", name)
		}
	case "bool":
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Sprintf("parameter %q must be a bool", name)
		}
	}
	return ""
}
