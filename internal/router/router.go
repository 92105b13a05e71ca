// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

// Package router maps an operation to the HTTP call that applies it
// remotely.
//
// Every entity type gets a REST mapping by default:
//
//	CREATE  POST   /{entityType}
//	UPDATE  PATCH  /{entityType}/{entityId}
//	DELETE  DELETE /{entityType}/{entityId}
//	fetch   GET    /{entityType}/{entityId}
//
// Registered routes override the defaults per op type, either for one
// entity type or for all of them ("*").
package router

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/tomtom215/syncward/internal/config"
	"github.com/tomtom215/syncward/internal/operation"
)

// ErrNoRoute is returned when no route applies or a path template is
// invalid.
var ErrNoRoute = errors.New("no route for operation")

// AnyEntity matches every entity type.
const AnyEntity = "*"

// HeaderIfMatch carries the expected version of a DELETE.
const HeaderIfMatch = "If-Match"

// Transform builds the request body. A nil body sends no content.
type Transform func(op *operation.Operation) (map[string]any, error)

// Route is the transport mapping for one (op type, entity type) pair.
type Route struct {
	Method    string
	Path      string
	FetchPath string
	Transform Transform
}

// Request is a resolved route for one operation.
type Request struct {
	Method    string
	Path      string
	FetchPath string
	Body      map[string]any
	Headers   http.Header
}

type routeKey struct {
	op     operation.OpType
	entity string
}

// Router is safe for concurrent use.
type Router struct {
	mu     sync.RWMutex
	routes map[routeKey]Route
}

// New returns a router with the default mapping.
func New() *Router {
	return &Router{routes: make(map[routeKey]Route)}
}

// FromConfig returns a router with the configured overrides registered.
func FromConfig(routes []config.RouteConfig) (*Router, error) {
	r := New()
	for i, rc := range routes {
		opType, err := operation.ParseOpType(rc.OpType)
		if err != nil {
			return nil, fmt.Errorf("routes[%d]: %w", i, err)
		}
		entity := rc.EntityType
		if entity == "" {
			entity = AnyEntity
		}
		route := Route{
			Method:    strings.ToUpper(rc.Method),
			Path:      rc.Path,
			FetchPath: rc.FetchPath,
		}
		if err := r.Register(opType, entity, route); err != nil {
			return nil, fmt.Errorf("routes[%d]: %w", i, err)
		}
	}
	return r, nil
}

// Register adds or replaces a route. Empty fields fall back to the
// defaults for opType.
func (r *Router) Register(opType operation.OpType, entityType string, route Route) error {
	if !opType.Valid() {
		return fmt.Errorf("%w: %q", operation.ErrUnknownOpType, opType)
	}
	for _, tmpl := range []string{route.Path, route.FetchPath} {
		if err := checkTemplate(tmpl); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[routeKey{opType, entityType}] = route
	return nil
}

func defaultRoute(opType operation.OpType) (Route, bool) {
	const (
		collection = "/{entityType}"
		item       = "/{entityType}/{entityId}"
	)
	switch opType {
	case operation.Create:
		return Route{Method: http.MethodPost, Path: collection, FetchPath: item, Transform: createBody}, true
	case operation.Update:
		return Route{Method: http.MethodPatch, Path: item, FetchPath: item, Transform: updateBody}, true
	case operation.Delete:
		return Route{Method: http.MethodDelete, Path: item, FetchPath: item, Transform: noBody}, true
	default:
		return Route{}, false
	}
}

// Lookup returns the effective route for an op type and entity type.
func (r *Router) Lookup(opType operation.OpType, entityType string) (Route, error) {
	def, ok := defaultRoute(opType)
	if !ok {
		return Route{}, fmt.Errorf("%w: op type %q", ErrNoRoute, opType)
	}

	r.mu.RLock()
	route, found := r.routes[routeKey{opType, entityType}]
	if !found {
		route, found = r.routes[routeKey{opType, AnyEntity}]
	}
	r.mu.RUnlock()

	if !found {
		return def, nil
	}
	if route.Method == "" {
		route.Method = def.Method
	}
	if route.Path == "" {
		route.Path = def.Path
	}
	if route.FetchPath == "" {
		route.FetchPath = def.FetchPath
	}
	if route.Transform == nil {
		route.Transform = def.Transform
	}
	return route, nil
}

// Resolve builds the request for op.
func (r *Router) Resolve(op *operation.Operation) (*Request, error) {
	route, err := r.Lookup(op.OpType, op.EntityType)
	if err != nil {
		return nil, err
	}
	path, err := Expand(route.Path, op)
	if err != nil {
		return nil, err
	}
	fetch, err := Expand(route.FetchPath, op)
	if err != nil {
		return nil, err
	}
	body, err := route.Transform(op)
	if err != nil {
		return nil, fmt.Errorf("transform %s %s: %w", op.OpType, op.EntityType, err)
	}

	req := &Request{
		Method:    route.Method,
		Path:      path,
		FetchPath: fetch,
		Body:      body,
		Headers:   make(http.Header),
	}
	if op.OpType == operation.Delete && op.Version != nil {
		req.Headers.Set(HeaderIfMatch, strconv.Quote(strconv.FormatInt(*op.Version, 10)))
	}
	return req, nil
}

// Expand substitutes {entityType} and {entityId} in tmpl, path-escaping
// both values.
func Expand(tmpl string, op *operation.Operation) (string, error) {
	if err := checkTemplate(tmpl); err != nil {
		return "", err
	}
	out := strings.NewReplacer(
		"{entityType}", url.PathEscape(op.EntityType),
		"{entityId}", url.PathEscape(op.EntityID),
	).Replace(tmpl)
	return out, nil
}

func checkTemplate(tmpl string) error {
	if tmpl == "" {
		return nil
	}
	if !strings.HasPrefix(tmpl, "/") {
		return fmt.Errorf("%w: path %q must start with /", ErrNoRoute, tmpl)
	}
	rest := strings.NewReplacer("{entityType}", "", "{entityId}", "").Replace(tmpl)
	if strings.ContainsAny(rest, "{}") {
		return fmt.Errorf("%w: unknown placeholder in %q", ErrNoRoute, tmpl)
	}
	return nil
}

func createBody(op *operation.Operation) (map[string]any, error) {
	body := clonePayload(op.Payload)
	if _, ok := body["id"]; !ok {
		body["id"] = op.EntityID
	}
	return body, nil
}

func updateBody(op *operation.Operation) (map[string]any, error) {
	body := clonePayload(op.Payload)
	if op.Version != nil {
		body["version"] = *op.Version
	}
	return body, nil
}

func noBody(*operation.Operation) (map[string]any, error) { return nil, nil }

func clonePayload(p map[string]any) map[string]any {
	out := make(map[string]any, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	return out
}
