/*
Copyright 2024, Cossack Labs Limited

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package api serves the management HTTP API: masking rule CRUD, config
// reload, recent masking events, connection table, health and metrics. The
// API never sits on the proxy data path.
package api

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/cossacklabs/ironveil/config"
	"github.com/cossacklabs/ironveil/dbscanner"
	"github.com/cossacklabs/ironveil/health"
	"github.com/cossacklabs/ironveil/masker/base"
	"github.com/cossacklabs/ironveil/network"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Dependencies wires the API to the server internals.
type Dependencies struct {
	AppConfig   *config.AppConfig
	Store       *config.Store
	ConfigPath  string
	Events      *base.EventRing
	Connections *network.ConnectionManager
	Checker     *health.Checker
}

// Server is the management API server.
type Server struct {
	mutex         sync.Mutex
	appConfig     *config.AppConfig
	store         *config.Store
	configPath    string
	events        *base.EventRing
	connections   *network.ConnectionManager
	checker       *health.Checker
	schemaScanner *dbscanner.Scanner
	logger        *log.Entry
}

// NewServer returns management API server.
func NewServer(deps Dependencies) *Server {
	return &Server{
		appConfig:     deps.AppConfig,
		store:         deps.Store,
		configPath:    deps.ConfigPath,
		events:        deps.Events,
		connections:   deps.Connections,
		checker:       deps.Checker,
		schemaScanner: dbscanner.NewScanner(),
		logger:        log.WithField("internal", "http_api"),
	}
}

// Router builds the gin engine with all management routes.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authorized := router.Group("/api", server.apiKeyMiddleware())
	authorized.GET("/rules", server.listRules)
	authorized.POST("/rules", server.addRule)
	authorized.DELETE("/rules/:index", server.deleteRule)
	authorized.POST("/reload", server.reloadConfig)
	authorized.GET("/logs", server.listEvents)
	authorized.GET("/connections", server.listConnections)
	authorized.GET("/health", server.healthStatus)
	authorized.GET("/stats", server.stats)
	authorized.POST("/scan", server.scanSchema)
	return router
}

// Run serves the API on the connection string until the listener closes.
func (server *Server) Run(connectionString string) error {
	listener, err := network.Listen(connectionString)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Handler:      server.Router(),
		ReadTimeout:  network.DefaultNetworkTimeout,
		WriteTimeout: network.DefaultNetworkTimeout,
	}
	server.logger.WithField("connection_string", connectionString).Infoln("Start management API")
	return httpServer.Serve(listener)
}

func (server *Server) apiKeyMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		server.mutex.Lock()
		apiConfig := server.appConfig.API
		server.mutex.Unlock()
		if apiConfig == nil || apiConfig.APIKey == "" {
			ctx.Next()
			return
		}
		if ctx.GetHeader("X-API-Key") != apiConfig.APIKey {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		ctx.Next()
	}
}

func (server *Server) listRules(ctx *gin.Context) {
	server.mutex.Lock()
	rules := make([]config.MaskingRule, len(server.appConfig.Rules))
	copy(rules, server.appConfig.Rules)
	server.mutex.Unlock()
	ctx.JSON(http.StatusOK, gin.H{"rules": rules})
}

func (server *Server) addRule(ctx *gin.Context) {
	var rule config.MaskingRule
	if err := ctx.ShouldBindJSON(&rule); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	server.mutex.Lock()
	defer server.mutex.Unlock()
	updated := *server.appConfig
	updated.Rules = append(append([]config.MaskingRule{}, server.appConfig.Rules...), rule)
	before := len(updated.Rules)
	if err := updated.Validate(); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(updated.Rules) != before {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "unknown strategy or empty column"})
		return
	}
	server.appConfig = &updated
	server.store.Replace(&updated)
	server.logger.WithFields(log.Fields{"column": rule.Column, "strategy": rule.Strategy}).
		Infoln("Masking rule added")
	ctx.JSON(http.StatusCreated, gin.H{"rules": updated.Rules})
}

func (server *Server) deleteRule(ctx *gin.Context) {
	index, err := strconv.Atoi(ctx.Param("index"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid rule index"})
		return
	}
	server.mutex.Lock()
	defer server.mutex.Unlock()
	if index < 0 || index >= len(server.appConfig.Rules) {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "rule index out of range"})
		return
	}
	updated := *server.appConfig
	updated.Rules = append(append([]config.MaskingRule{}, server.appConfig.Rules[:index]...), server.appConfig.Rules[index+1:]...)
	server.appConfig = &updated
	server.store.Replace(&updated)
	server.logger.WithField("index", index).Infoln("Masking rule deleted")
	ctx.JSON(http.StatusOK, gin.H{"rules": updated.Rules})
}

// reloadConfig re-reads the config document. An invalid document is rejected
// and the active snapshot stays in place.
func (server *Server) reloadConfig(ctx *gin.Context) {
	newConfig, err := config.LoadConfig(server.configPath)
	if err != nil {
		base.ConfigReloadCounter.WithLabelValues(base.LabelStatusFail).Inc()
		server.logger.WithError(err).Errorln("Config reload rejected, keep previous snapshot")
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	server.mutex.Lock()
	server.appConfig = newConfig
	server.store.Replace(newConfig)
	server.mutex.Unlock()
	base.ConfigReloadCounter.WithLabelValues(base.LabelStatusSuccess).Inc()
	server.logger.WithField("rules", len(newConfig.Rules)).Infoln("Configuration reloaded")
	ctx.JSON(http.StatusOK, gin.H{"rules": len(newConfig.Rules)})
}

func (server *Server) listEvents(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"logs": server.events.Recent()})
}

type connectionView struct {
	network.ConnectionRecord
	BytesIn  uint64 `json:"bytes_in"`
	BytesOut uint64 `json:"bytes_out"`
}

func (server *Server) listConnections(ctx *gin.Context) {
	records := server.connections.Records()
	views := make([]connectionView, 0, len(records))
	for _, record := range records {
		views = append(views, connectionView{
			ConnectionRecord: *record,
			BytesIn:          record.BytesIn(),
			BytesOut:         record.BytesOut(),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"connections": views, "active": server.connections.Counter()})
}

func (server *Server) healthStatus(ctx *gin.Context) {
	if server.checker == nil {
		ctx.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	ctx.JSON(http.StatusOK, server.checker.Status(ctx.Request.Context()))
}

func (server *Server) stats(ctx *gin.Context) {
	server.mutex.Lock()
	maskingEnabled := server.appConfig.MaskingEnabled
	ruleCount := len(server.appConfig.Rules)
	server.mutex.Unlock()
	ctx.JSON(http.StatusOK, gin.H{
		"masking_enabled":    maskingEnabled,
		"rules":              ruleCount,
		"active_connections": server.connections.Counter(),
		"total_connections":  server.connections.Total(),
		"recent_events":      len(server.events.Recent()),
	})
}

func (server *Server) scanSchema(ctx *gin.Context) {
	var scanConfig dbscanner.ScanConfig
	if err := ctx.ShouldBindJSON(&scanConfig); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	suggestions, err := server.schemaScanner.Scan(ctx.Request.Context(), scanConfig)
	if err != nil {
		ctx.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"suggestions": suggestions})
}
