/*
 * @Author: CALM.WU
 * @Date: 2024-03-28 10:05:27
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-04-01 15:33:10
 */

package cmd

import (
	"context"
	goflag "flag"
	"fmt"
	"net/http"
	"os"

	"github.com/golang/glog"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
	calmutils "github.com/wubo0067/calmwu-go/utils"
	"xtelemetry.calmwu/plugin_ebpf/telemetry/collector"
	"xtelemetry.calmwu/plugin_ebpf/telemetry/config"
	"xtelemetry.calmwu/plugin_ebpf/telemetry/internal/clean"
	"xtelemetry.calmwu/plugin_ebpf/telemetry/internal/eventcenter"
	"xtelemetry.calmwu/plugin_ebpf/telemetry/internal/netutil"
	"xtelemetry.calmwu/plugin_ebpf/telemetry/loader"
	"xtelemetry.calmwu/plugin_ebpf/telemetry/recorder"
)

var (
	// Version Major string
	VersionMajor string
	// VersionMinor string version
	VersionMinor string
	// Branch name.
	BranchName string
	// CommitHash hash string
	CommitHash string
	// BuildTime string.
	BuildTime string

	configFile string
	exitStatus loader.Status

	// Defining the root command for the CLI.
	rootCmd = &cobra.Command{
		Use:  "xtelemetry",
		Long: "x-monitor kernel event telemetry loader, pumps syscall events of tracepoint or raw tracepoint eBPF programs",
		Version: func() string {
			return fmt.Sprintf("\n\tVersion: %s.%s\n\tGit: %s:%s\n\tBuild Time: %s\n",
				VersionMajor, VersionMinor, BranchName, CommitHash, BuildTime)
		}(),
		Run: rootCmdRun,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "env/config/xm_telemetry/config.yaml")
	rootCmd.PersistentFlags().AddGoFlagSet(goflag.CommandLine)
	rootCmd.AddCommand(probeCmd, offsetsCmd)
}

// Main is the entry point for the application. The process exits with the
// loader status.
func Main() {
	if err := rootCmd.Execute(); err != nil {
		glog.Fatal(err.Error())
	}
	glog.Flush()
	os.Exit(int(exitStatus))
}

// session is everything a loader run feeds.
type session struct {
	ld        *loader.Loader
	collector *collector.TelemetryCollector
	ec        *eventcenter.EventCenter
	rec       *recorder.SQLiteRecorder
	wg        conc.WaitGroup
}

func (s *session) onSample(cpu int, data []byte) {
	s.collector.OnSample(cpu, data)
	if s.ec != nil {
		_ = s.ec.Publish(eventcenter.NewSampleEvent(cpu, data))
	}
}

func (s *session) onLost(cpu int, lost uint64) {
	s.collector.OnLost(cpu, lost)
	if s.ec != nil {
		_ = s.ec.Publish(eventcenter.NewLostEvent(cpu, lost))
	}
}

func (s *session) startRecorder(ctx context.Context, cfg config.RecorderConfig) error {
	rec, err := recorder.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	s.rec = rec
	s.ec = eventcenter.New(cfg.QueueSize, cfg.QueueSize)

	ch := s.ec.Subscribe("recorder", eventcenter.EventAll)
	s.wg.Go(func() {
		// runs until the event center closes ch
		rec.Consume(context.Background(), ch)
	})
	return nil
}

func (s *session) stop() {
	if s.ec != nil {
		s.ec.Stop()
	}
	if recover := s.wg.WaitAndRecover(); recover != nil {
		glog.Errorf("recorder recover: %s", recover.String())
	}
	if s.rec != nil {
		info := s.ld.Info()
		if err := s.rec.Describe(context.Background(), info.Release, info.TierName, info.Profile); err != nil {
			glog.Error(err.Error())
		}
		if err := s.rec.Close(); err != nil {
			glog.Error(err.Error())
		}
	}
}

// rootCmdRun is the main entry of xtelemetry. It loads the configuration,
// starts the side services and runs the loader until a signal arrives.
func rootCmdRun(cmd *cobra.Command, args []string) {
	defer glog.Flush()

	glog.Info("Hi~~~, xtelemetry kernel event telemetry loader.")

	if err := config.InitConfig(configFile); err != nil {
		glog.Fatal(err.Error())
	}
	cfg := config.Get()

	// Signal
	ctx := calmutils.SetupSignalHandler()

	// retention follows config file changes
	if err := clean.Start(ctx, func() clean.Options { return config.Get().Log }); err != nil {
		glog.Warningf("log retention disabled. err:%s", err.Error())
	}

	opts, err := config.LoaderOptions()
	if err != nil {
		glog.Fatal(err.Error())
	}

	s := &session{ld: loader.New(loader.KernelBackend{}, opts)}
	if s.collector, err = collector.New(s.ld, collector.Options{RecentSize: cfg.API.RecentEvents}); err != nil {
		glog.Fatal(err.Error())
	}

	if cfg.Recorder.Enabled {
		if err = s.startRecorder(ctx, cfg.Recorder); err != nil {
			glog.Fatal(err.Error())
		}
	}

	var apiSrv *netutil.WebSrv
	if cfg.API.Enabled {
		bind, err := config.APISrvBindAddr()
		if err != nil {
			glog.Fatal(err.Error())
		}

		registerPromCollectors(s.collector)

		apiSrv = netutil.NewWebSrv("xtelemetry", bind)
		metricsPath := config.PromMetricsPath()
		apiSrv.Handle(http.MethodGet, metricsPath, prometheusHandler())
		apiSrv.Handle(http.MethodGet, "/", indexHandler(metricsPath))
		apiSrv.Handle(http.MethodGet, "/status", statusHandler(s))
		apiSrv.Handle(http.MethodGet, "/events/recent", recentHandler(s.collector))
		if err = apiSrv.Start(); err != nil {
			glog.Fatal(err.Error())
		}
	}

	exitStatus = s.ld.Start(ctx, s.onSample, s.onLost)

	if apiSrv != nil {
		apiSrv.Stop()
	}
	s.stop()

	glog.Infof("xtelemetry exit with status:%d", exitStatus)
}
