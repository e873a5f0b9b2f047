/*
 * @Author: CALM.WU
 * @Date: 2024-03-28 14:47:02
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-04-01 11:20:45
 */

package cmd

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"
	"golang.org/x/sync/singleflight"
	"xtelemetry.calmwu/plugin_ebpf/telemetry/collector"
	"xtelemetry.calmwu/plugin_ebpf/telemetry/loader"
)

var gf = singleflight.Group{}

type statusReport struct {
	loader.Info
	Stats           loader.Stats `json:"stats"`
	RecorderRunID   string       `json:"recorder_run_id,omitempty"`
	RecorderWritten uint64       `json:"recorder_written"`
	EventsDropped   uint64       `json:"events_dropped"`
}

// registerPromCollectors registers the build info and telemetry collectors.
func registerPromCollectors(tc *collector.TelemetryCollector) {
	version.Version = fmt.Sprintf("%s.%s", VersionMajor, VersionMinor)
	version.Revision = CommitHash
	version.Branch = BranchName
	version.BuildDate = BuildTime

	prometheus.MustRegister(version.NewCollector("xtelemetry"))

	if err := prometheus.Register(tc); err != nil {
		glog.Fatalf("Couldn't register telemetry collector: %s", err.Error())
	}
}

func prometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()

	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func indexHandler(metricsPath string) gin.HandlerFunc {
	return func(c *gin.Context) {
		response, _, _ := gf.Do("index", func() (interface{}, error) {
			return []byte(`<html>
			<head><title>xtelemetry</title></head>
			<body>
			<h1>xtelemetry</h1>
			<p><a href="` + metricsPath + `">Metrics</a></p>
			<p><a href="/status">Status</a></p>
			<p><a href="/events/recent">Recent events</a></p>
			</body>
			</html>`), nil
		})

		if _, err := bytes.NewBuffer(response.([]byte)).WriteTo(c.Writer); err != nil {
			glog.Errorf("write response failed, err: %s", err.Error())
		}
	}
}

func buildStatus(s *session) statusReport {
	report := statusReport{
		Info:  s.ld.Info(),
		Stats: s.ld.Stats(),
	}
	if s.rec != nil {
		report.RecorderRunID = s.rec.RunID()
		report.RecorderWritten = s.rec.Written()
	}
	if s.ec != nil {
		report.EventsDropped = s.ec.Dropped()
	}
	return report
}

func statusHandler(s *session) gin.HandlerFunc {
	return func(c *gin.Context) {
		// concurrent scrapes share one snapshot
		report, _, _ := gf.Do("status", func() (interface{}, error) {
			return buildStatus(s), nil
		})
		c.JSON(http.StatusOK, report)
	}
}

func recentHandler(tc *collector.TelemetryCollector) gin.HandlerFunc {
	return func(c *gin.Context) {
		recent := tc.Recent()
		if recent == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "recent events disabled"})
			return
		}
		c.JSON(http.StatusOK, recent.List())
	}
}
