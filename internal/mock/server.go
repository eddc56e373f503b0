// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package mock

import (
	"bufio"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jeranaias/rigrun-ollama/internal/api"
	"github.com/jeranaias/rigrun-ollama/internal/transport"
)

// NewServer exposes b over HTTP with the same routes as a live Ollama
// server. Streaming responses are flushed one line at a time.
func NewServer(b *Backend, logger logrus.FieldLogger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestIDMiddleware())
	r.Use(loggingMiddleware(logger))

	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "Ollama is running")
	})

	h := &handler{backend: b, logger: logger}
	for _, route := range api.Endpoints {
		path := route.Path
		if strings.HasSuffix(path, "/") {
			path += ":digest"
		}
		r.Handle(route.Method, path, h.serve)
	}
	return r
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = "req_" + uuid.New().String()[:8]
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func loggingMiddleware(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.WithFields(logrus.Fields{
			"request_id": c.GetString("request_id"),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
		}).Info("Request completed")
	}
}

type handler struct {
	backend *Backend
	logger  logrus.FieldLogger
}

func (h *handler) serve(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	header := http.Header{}
	header.Set("X-Request-ID", c.GetString("request_id"))
	resp, err := h.backend.RoundTrip(c.Request.Context(), &transport.Request{
		Method: c.Request.Method,
		Path:   c.Request.URL.Path,
		Header: header,
		Body:   body,
	})
	if err != nil {
		h.logger.WithError(err).Warn("Mock backend failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Status(resp.StatusCode)
	if c.Request.Method == http.MethodHead {
		c.Writer.WriteHeaderNow()
		return
	}

	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/x-ndjson") {
		io.Copy(c.Writer, resp.Body)
		return
	}

	rd := bufio.NewReader(resp.Body)
	for {
		line, err := rd.ReadBytes('\n')
		if len(line) > 0 {
			if _, werr := c.Writer.Write(line); werr != nil {
				return
			}
			c.Writer.Flush()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.logger.WithError(err).Debug("Stream ended early")
			}
			return
		}
	}
}
