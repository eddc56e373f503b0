// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"net/http"
	"strings"
	"time"
)

// =============================================================================
// ENDPOINTS
// =============================================================================

// Endpoint is the logical key of an operation. It selects the HTTP route and
// the rate-limit bucket.
type Endpoint string

const (
	EndpointGenerate    Endpoint = "generate"
	EndpointChat        Endpoint = "chat"
	EndpointCreateModel Endpoint = "create-model"
	EndpointListModels  Endpoint = "list-models"
	EndpointListRunning Endpoint = "list-running-models"
	EndpointShowModel   Endpoint = "show-model"
	EndpointDeleteModel Endpoint = "delete-model"
	EndpointCopyModel   Endpoint = "copy-model"
	EndpointPullModel   Endpoint = "pull-model"
	EndpointPushModel   Endpoint = "push-model"
	EndpointEmbeddings  Endpoint = "embeddings"
	EndpointVersion     Endpoint = "version"
	EndpointBlobUpload  Endpoint = "blob-upload"
	EndpointBlobCheck   Endpoint = "blob-check"
)

// Class groups endpoints by cost for admission control.
type Class string

const (
	// ClassHeavy covers inference and transfer endpoints.
	ClassHeavy Class = "heavy"
	// ClassLight covers metadata endpoints that answer quickly.
	ClassLight Class = "light"
)

// Route is the HTTP method and path of an endpoint.
type Route struct {
	Method string
	Path   string
	Class  Class
}

// Endpoints maps every endpoint key to its route.
// Blob routes end with a slash; the digest is appended per call.
var Endpoints = map[Endpoint]Route{
	EndpointGenerate:    {http.MethodPost, "/api/generate", ClassHeavy},
	EndpointChat:        {http.MethodPost, "/api/chat", ClassHeavy},
	EndpointCreateModel: {http.MethodPost, "/api/create", ClassHeavy},
	EndpointListModels:  {http.MethodGet, "/api/tags", ClassLight},
	EndpointListRunning: {http.MethodGet, "/api/ps", ClassLight},
	EndpointShowModel:   {http.MethodPost, "/api/show", ClassLight},
	EndpointDeleteModel: {http.MethodDelete, "/api/delete", ClassLight},
	EndpointCopyModel:   {http.MethodPost, "/api/copy", ClassLight},
	EndpointPullModel:   {http.MethodPost, "/api/pull", ClassHeavy},
	EndpointPushModel:   {http.MethodPost, "/api/push", ClassHeavy},
	EndpointEmbeddings:  {http.MethodPost, "/api/embeddings", ClassHeavy},
	EndpointVersion:     {http.MethodGet, "/api/version", ClassLight},
	EndpointBlobUpload:  {http.MethodPost, "/api/blobs/", ClassHeavy},
	EndpointBlobCheck:   {http.MethodHead, "/api/blobs/", ClassLight},
}

// ClassOf returns the rate-limit class of an endpoint key. Unknown keys are
// treated as heavy.
func ClassOf(key string) Class {
	if r, ok := Endpoints[Endpoint(key)]; ok {
		return r.Class
	}
	return ClassHeavy
}

// Lookup resolves a method and request path back to its endpoint key.
// The second return value is the trailing path parameter (the blob digest).
func Lookup(method, path string) (Endpoint, string, bool) {
	for ep, r := range Endpoints {
		if r.Method != method {
			continue
		}
		if strings.HasSuffix(r.Path, "/") {
			if rest, ok := strings.CutPrefix(path, r.Path); ok && rest != "" {
				return ep, rest, true
			}
			continue
		}
		if path == r.Path {
			return ep, "", true
		}
	}
	return "", "", false
}

// =============================================================================
// DESCRIPTOR
// =============================================================================

// Descriptor is one fully built operation. The facade builds it and the
// executor only reads it.
type Descriptor struct {
	Endpoint Endpoint
	Method   string
	Path     string

	// Payload is JSON-encoded as the request body when Body is nil.
	Payload any

	// Body carries opaque bytes (blob upload) and bypasses JSON encoding.
	Body        []byte
	ContentType string

	// Stream selects NDJSON streaming of the response.
	Stream bool

	// Timeout bounds a single attempt. Zero means the client default.
	Timeout time.Duration
}

// NewDescriptor builds a descriptor for endpoint with the route from the
// endpoint table.
func NewDescriptor(ep Endpoint, payload any) Descriptor {
	r := Endpoints[ep]
	return Descriptor{
		Endpoint: ep,
		Method:   r.Method,
		Path:     r.Path,
		Payload:  payload,
	}
}

// WithStream returns a copy of d with the stream flag set.
func (d Descriptor) WithStream(stream bool) Descriptor {
	d.Stream = stream
	return d
}

// WithTimeout returns a copy of d with a per-attempt timeout.
func (d Descriptor) WithTimeout(timeout time.Duration) Descriptor {
	d.Timeout = timeout
	return d
}

// WithPathParam returns a copy of d with param appended to its path.
func (d Descriptor) WithPathParam(param string) Descriptor {
	d.Path += param
	return d
}

// WithBody returns a copy of d carrying raw bytes instead of a JSON payload.
func (d Descriptor) WithBody(body []byte, contentType string) Descriptor {
	d.Body = body
	d.ContentType = contentType
	d.Payload = nil
	return d
}
