package graphql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"github.com/fulmenhq/gofulmen/logging"
	"github.com/tidwall/gjson"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/parser"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/restql/restql/internal/core"
	apperrors "github.com/restql/restql/internal/errors"
	"github.com/restql/restql/internal/metrics"
	servermw "github.com/restql/restql/internal/server/middleware"
)

// Root field names.
const (
	FieldHealth       = "health"
	FieldRestQuery    = "restQuery"
	FieldRestMutation = "restMutation"
	FieldTypename     = "__typename"
)

const defaultConcurrency = 8

// Resolver resolves one dispatch on behalf of a client.
type Resolver interface {
	Resolve(ctx context.Context, req core.DispatchRequest, clientKey string) core.DispatchResult
}

// Config configures an Executor.
type Config struct {
	Resolver      Resolver
	MaxComplexity int
	// Concurrency bounds parallel query field resolutions.
	Concurrency int
	Logger      *logging.Logger
}

// Executor runs GraphQL documents against the gateway root.
type Executor struct {
	resolver      Resolver
	maxComplexity int
	concurrency   int
	logger        *logging.Logger
}

// NewExecutor builds an Executor.
func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("graphql executor requires a resolver")
	}
	maxComplexity := cfg.MaxComplexity
	if maxComplexity <= 0 {
		maxComplexity = DefaultMaxComplexity
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Executor{
		resolver:      cfg.Resolver,
		maxComplexity: maxComplexity,
		concurrency:   concurrency,
		logger:        cfg.Logger,
	}, nil
}

// rootField is a root selection after fragments and directives are applied.
type rootField struct {
	field *ast.Field
	key   string
}

// Execute parses req, selects the operation and resolves its root fields.
// Query fields resolve concurrently; mutation fields resolve in document
// order, each finishing before the next starts.
func (e *Executor) Execute(ctx context.Context, req Request, clientKey string) *Response {
	if strings.TrimSpace(req.Query) == "" {
		return documentError(apperrors.NewValidationError("query is required"))
	}

	doc, err := parser.ParseQuery(&ast.Source{Name: "request", Input: req.Query})
	if err != nil {
		return parseError(err)
	}

	op, err := selectOperation(doc, req.OperationName)
	if err != nil {
		return documentError(apperrors.NewValidationError(err.Error()))
	}
	if op.Operation == ast.Subscription {
		return documentError(apperrors.NewValidationError("subscriptions are not supported"))
	}
	if op.Operation == ast.Mutation && req.QueryOnly {
		return documentError(apperrors.NewMethodNotAllowedError("mutations require POST"))
	}

	if score := Complexity(doc, op); score > e.maxComplexity {
		return documentError(apperrors.NewValidationError(fmt.Sprintf("query too complex: %d (max: %d)", score, e.maxComplexity)))
	}

	vars, err := coerceVariables(op, req.Variables)
	if err != nil {
		return documentError(apperrors.NewValidationError(err.Error()))
	}

	fields, err := collectRootFields(doc, op.SelectionSet, vars)
	if err != nil {
		return documentError(apperrors.NewValidationError(err.Error()))
	}
	if err := checkRootFields(op.Operation, fields); err != nil {
		return documentError(apperrors.NewValidationError(err.Error()))
	}

	values := make([]any, len(fields))
	fieldErrors := make([]*gqlerror.Error, len(fields))
	resolve := func(i int) {
		values[i], fieldErrors[i] = e.resolveField(ctx, op.Operation, fields[i], vars, clientKey)
	}

	if op.Operation == ast.Mutation {
		for i := range fields {
			resolve(i)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(e.concurrency)
		for i := range fields {
			g.Go(func() error {
				resolve(i)
				return nil
			})
		}
		_ = g.Wait()
	}

	resp := &Response{Data: &Object{}}
	for i, f := range fields {
		resp.Data.Set(f.key, values[i])
		if fieldErrors[i] != nil {
			resp.Errors = append(resp.Errors, fieldErrors[i])
		}
	}
	metrics.RecordGraphQLOperation(string(op.Operation), len(resp.Errors) == 0)
	return resp
}

func (e *Executor) resolveField(ctx context.Context, operation ast.Operation, rf rootField, vars map[string]any, clientKey string) (any, *gqlerror.Error) {
	switch rf.field.Name {
	case FieldTypename:
		if operation == ast.Mutation {
			return "Mutation", nil
		}
		return "Query", nil
	case FieldHealth:
		return "OK", nil
	}

	dreq, selectPath, err := buildDispatchRequest(rf.field, vars)
	if err != nil {
		return nil, fieldError(rf, apperrors.NewValidationError(err.Error()))
	}

	dreq.RequestID = servermw.GetRequestID(ctx)
	result := e.resolver.Resolve(ctx, dreq, clientKey)
	if !result.OK() {
		envelope := apperrors.FromDispatchResult(ctx, result)
		ferr := fieldError(rf, envelope)
		if result.StatusCode != 0 {
			ferr.Extensions["upstreamStatus"] = result.StatusCode
		}
		if result.API != "" {
			ferr.Extensions["api"] = result.API
		}
		if e.logger != nil {
			e.logger.Debug("GraphQL field failed",
				zap.String("field", rf.key),
				zap.String("code", envelope.Code),
				zap.String("detail", result.Detail))
		}
		return nil, ferr
	}

	value := result.Value
	if selectPath != "" {
		value, err = selectJSON(value, selectPath)
		if err != nil {
			return nil, fieldError(rf, apperrors.NewInternalError(err.Error()))
		}
	}
	if len(rf.field.SelectionSet) > 0 {
		value = project(value, rf.field.SelectionSet)
	}
	return value, nil
}

// buildDispatchRequest turns restQuery/restMutation arguments into a
// DispatchRequest and an optional select path.
func buildDispatchRequest(field *ast.Field, vars map[string]any) (core.DispatchRequest, string, error) {
	args, err := argumentValues(field, vars)
	if err != nil {
		return core.DispatchRequest{}, "", err
	}

	endpoint, err := stringArg(args, "endpoint", true)
	if err != nil {
		return core.DispatchRequest{}, "", err
	}
	method, err := stringArg(args, "method", field.Name == FieldRestMutation)
	if err != nil {
		return core.DispatchRequest{}, "", err
	}
	if method == "" {
		method = http.MethodGet
	}
	api, err := stringArg(args, "api", false)
	if err != nil {
		return core.DispatchRequest{}, "", err
	}
	selectPath, err := stringArg(args, "select", false)
	if err != nil {
		return core.DispatchRequest{}, "", err
	}
	headers, err := headersArg(args["headers"])
	if err != nil {
		return core.DispatchRequest{}, "", err
	}

	req := core.DispatchRequest{
		API:      api,
		Endpoint: endpoint,
		Method:   method,
		Headers:  headers,
	}
	if field.Name == FieldRestMutation {
		req.Body = args["body"]
	} else if _, ok := args["body"]; ok {
		return core.DispatchRequest{}, "", errors.New("restQuery does not accept a body")
	}
	return req, selectPath, nil
}

var allowedArgs = map[string]map[string]bool{
	FieldRestQuery:    {"endpoint": true, "method": true, "headers": true, "api": true, "select": true},
	FieldRestMutation: {"endpoint": true, "method": true, "headers": true, "api": true, "select": true, "body": true},
}

func argumentValues(field *ast.Field, vars map[string]any) (map[string]any, error) {
	allowed := allowedArgs[field.Name]
	out := make(map[string]any, len(field.Arguments))
	for _, arg := range field.Arguments {
		if !allowed[arg.Name] {
			return nil, fmt.Errorf("unknown argument %q on field %s", arg.Name, field.Name)
		}
		if arg.Value == nil {
			continue
		}
		value, err := arg.Value.Value(vars)
		if err != nil {
			return nil, fmt.Errorf("argument %s: %w", arg.Name, err)
		}
		if value != nil {
			out[arg.Name] = value
		}
	}
	return out, nil
}

func stringArg(args map[string]any, name string, required bool) (string, error) {
	raw, ok := args[name]
	if !ok {
		if required {
			return "", fmt.Errorf("argument %q is required", name)
		}
		return "", nil
	}
	value, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", name)
	}
	value = strings.TrimSpace(value)
	if required && value == "" {
		return "", fmt.Errorf("argument %q must not be empty", name)
	}
	return value, nil
}

// headersArg accepts an object of header values or a JSON-encoded object.
func headersArg(raw any) (map[string]string, error) {
	if raw == nil {
		return nil, nil
	}
	if text, ok := raw.(string); ok {
		var decoded map[string]any
		if err := json.Unmarshal([]byte(text), &decoded); err != nil {
			return nil, errors.New(`argument "headers" must be an object`)
		}
		raw = decoded
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, errors.New(`argument "headers" must be an object`)
	}
	headers := make(map[string]string, len(obj))
	for k, v := range obj {
		switch val := v.(type) {
		case string:
			headers[k] = val
		case nil:
		default:
			headers[k] = fmt.Sprint(val)
		}
	}
	return headers, nil
}

// selectJSON extracts a gjson path from a resolved document. A path that
// matches nothing yields null.
func selectJSON(value any, path string) (any, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode result for select: %w", err)
	}
	result := gjson.GetBytes(data, path)
	if !result.Exists() {
		return nil, nil
	}
	return result.Value(), nil
}

// project keeps only the sub-selected keys of an object (or of each object
// in a list), honouring aliases.
func project(value any, set ast.SelectionSet) any {
	switch v := value.(type) {
	case map[string]any:
		out := &Object{}
		for _, sel := range set {
			switch s := sel.(type) {
			case *ast.Field:
				key := s.Alias
				if key == "" {
					key = s.Name
				}
				child := v[s.Name]
				if len(s.SelectionSet) > 0 {
					child = project(child, s.SelectionSet)
				}
				out.Set(key, child)
			case *ast.InlineFragment:
				if nested, ok := project(v, s.SelectionSet).(*Object); ok {
					for _, e := range nested.entries {
						out.Set(e.key, e.value)
					}
				}
			}
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = project(item, set)
		}
		return out
	default:
		return value
	}
}

func selectOperation(doc *ast.QueryDocument, name string) (*ast.OperationDefinition, error) {
	if len(doc.Operations) == 0 {
		return nil, errors.New("document contains no operations")
	}
	if name == "" {
		if len(doc.Operations) > 1 {
			return nil, errors.New("operationName is required when the document has multiple operations")
		}
		return doc.Operations[0], nil
	}
	for _, op := range doc.Operations {
		if op.Name == name {
			return op, nil
		}
	}
	return nil, fmt.Errorf("unknown operation %q", name)
}

// coerceVariables fills declared defaults and rejects missing non-null
// variables.
func coerceVariables(op *ast.OperationDefinition, provided map[string]any) (map[string]any, error) {
	vars := make(map[string]any, len(provided)+len(op.VariableDefinitions))
	for k, v := range provided {
		vars[k] = v
	}
	for _, def := range op.VariableDefinitions {
		if _, ok := vars[def.Variable]; ok {
			continue
		}
		if def.DefaultValue != nil {
			value, err := def.DefaultValue.Value(nil)
			if err != nil {
				return nil, fmt.Errorf("variable $%s default: %w", def.Variable, err)
			}
			vars[def.Variable] = value
			continue
		}
		if def.Type != nil && def.Type.NonNull {
			return nil, fmt.Errorf("variable $%s is required", def.Variable)
		}
	}
	return vars, nil
}

// collectRootFields flattens fragments and applies @skip/@include.
func collectRootFields(doc *ast.QueryDocument, set ast.SelectionSet, vars map[string]any) ([]rootField, error) {
	var out []rootField
	seen := map[string]string{}
	// Root fields merge by response key, so a fragment expands to the same
	// fields every time; later spreads of it add nothing.
	expanded := map[string]bool{}
	var walk func(ast.SelectionSet, map[string]bool) error
	walk = func(set ast.SelectionSet, visiting map[string]bool) error {
		for _, sel := range set {
			switch s := sel.(type) {
			case *ast.Field:
				include, err := included(s.Directives, vars)
				if err != nil {
					return err
				}
				if !include {
					continue
				}
				key := s.Alias
				if key == "" {
					key = s.Name
				}
				if name, ok := seen[key]; ok {
					if name != s.Name {
						return fmt.Errorf("conflicting selections for %q", key)
					}
					continue
				}
				seen[key] = s.Name
				out = append(out, rootField{field: s, key: key})
			case *ast.InlineFragment:
				include, err := included(s.Directives, vars)
				if err != nil {
					return err
				}
				if include {
					if err := walk(s.SelectionSet, visiting); err != nil {
						return err
					}
				}
			case *ast.FragmentSpread:
				include, err := included(s.Directives, vars)
				if err != nil {
					return err
				}
				if !include {
					continue
				}
				if visiting[s.Name] {
					return fmt.Errorf("fragment %q spreads itself", s.Name)
				}
				if expanded[s.Name] {
					continue
				}
				expanded[s.Name] = true
				def := doc.Fragments.ForName(s.Name)
				if def == nil {
					return fmt.Errorf("unknown fragment %q", s.Name)
				}
				visiting[s.Name] = true
				if err := walk(def.SelectionSet, visiting); err != nil {
					return err
				}
				delete(visiting, s.Name)
			}
		}
		return nil
	}
	if err := walk(set, map[string]bool{}); err != nil {
		return nil, err
	}
	return out, nil
}

func included(directives ast.DirectiveList, vars map[string]any) (bool, error) {
	for _, name := range []string{"skip", "include"} {
		d := directives.ForName(name)
		if d == nil {
			continue
		}
		arg := d.Arguments.ForName("if")
		if arg == nil || arg.Value == nil {
			return false, fmt.Errorf("@%s requires an if argument", name)
		}
		raw, err := arg.Value.Value(vars)
		if err != nil {
			return false, err
		}
		cond, ok := raw.(bool)
		if !ok {
			return false, fmt.Errorf("@%s(if:) must be a boolean", name)
		}
		if (name == "skip" && cond) || (name == "include" && !cond) {
			return false, nil
		}
	}
	return true, nil
}

func checkRootFields(operation ast.Operation, fields []rootField) error {
	var unknown []string
	for _, f := range fields {
		switch f.field.Name {
		case FieldTypename:
		case FieldHealth, FieldRestQuery:
			if operation == ast.Mutation {
				return fmt.Errorf("field %q is not available on mutations", f.field.Name)
			}
		case FieldRestMutation:
			if operation != ast.Mutation {
				return fmt.Errorf("field %q is only available on mutations", f.field.Name)
			}
		default:
			unknown = append(unknown, f.field.Name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown root field(s): %s", strings.Join(unknown, ", "))
	}
	return nil
}

func fieldError(rf rootField, envelope *gferrors.ErrorEnvelope) *gqlerror.Error {
	err := &gqlerror.Error{
		Message: envelope.Message,
		Path:    ast.Path{ast.PathName(rf.key)},
		Extensions: map[string]interface{}{
			"code":   envelope.Code,
			"status": apperrors.HTTPStatusFromCode(envelope.Code),
		},
	}
	if rf.field.Position != nil {
		err.Locations = []gqlerror.Location{{Line: rf.field.Position.Line, Column: rf.field.Position.Column}}
	}
	return err
}

func documentError(envelope *gferrors.ErrorEnvelope) *Response {
	return &Response{Errors: gqlerror.List{{
		Message: envelope.Message,
		Extensions: map[string]interface{}{
			"code":   envelope.Code,
			"status": apperrors.HTTPStatusFromCode(envelope.Code),
		},
	}}}
}

func parseError(err error) *Response {
	resp := documentError(apperrors.NewValidationError(err.Error()))
	var gqlErr *gqlerror.Error
	if errors.As(err, &gqlErr) {
		resp.Errors[0].Message = gqlErr.Message
		resp.Errors[0].Locations = gqlErr.Locations
	}
	return resp
}
