/*
 * @Author: CALM.WU
 * @Date: 2024-03-27 09:36:44
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-28 16:52:19
 */

package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/golang/glog"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/sanity-io/litter"
	"github.com/spf13/viper"
	"github.com/vishvananda/netlink"
	calmutils "github.com/wubo0067/calmwu-go/utils"
	"xtelemetry.calmwu/plugin_ebpf/telemetry/internal/clean"
	"xtelemetry.calmwu/plugin_ebpf/telemetry/loader"
	"xtelemetry.calmwu/plugin_ebpf/telemetry/offsets"
)

type viperDebugAdapterLog struct{}

func (v *viperDebugAdapterLog) Write(p []byte) (n int, err error) {
	glog.Info(calmutils.Bytes2String(p))
	return len(p), nil
}

type LoaderConfig struct {
	ObjectDir           string        `mapstructure:"object_dir"`
	TracepointObject    string        `mapstructure:"tracepoint_object"`
	RawTracepointObject string        `mapstructure:"raw_tracepoint_object"`
	PageCount           int           `mapstructure:"page_count"`
	PollTimeout         time.Duration `mapstructure:"poll_timeout"`
	MaxPolls            int           `mapstructure:"max_polls"`
}

type OffsetsConfig struct {
	Profile     string `mapstructure:"profile"`
	ProfileFile string `mapstructure:"profile_file"`
}

type RecorderConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	DBPath    string `mapstructure:"db_path"`
	QueueSize int    `mapstructure:"queue_size"`
}

type APIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Path    struct {
		Metric string `mapstructure:"metric"`
	} `mapstructure:"path"`
	RecentEvents int `mapstructure:"recent_events"`
}

type Config struct {
	Loader   LoaderConfig   `mapstructure:"loader"`
	Offsets  OffsetsConfig  `mapstructure:"offsets"`
	Recorder RecorderConfig `mapstructure:"recorder"`
	API      APIConfig      `mapstructure:"api"`
	Log      clean.Options  `mapstructure:"log"`
}

var (
	__config *Config
	__mu     sync.RWMutex
)

func setDefaults() {
	viper.SetDefault("loader.object_dir", loader.DefaultObjectDir)
	viper.SetDefault("loader.tracepoint_object", loader.DefaultTracepointObject)
	viper.SetDefault("loader.raw_tracepoint_object", loader.DefaultRawTracepointObject)
	viper.SetDefault("loader.page_count", loader.DefaultPageCount)
	viper.SetDefault("loader.poll_timeout", loader.DefaultPollTimeout)
	viper.SetDefault("loader.max_polls", 0)

	viper.SetDefault("offsets.profile", "")
	viper.SetDefault("offsets.profile_file", "")

	viper.SetDefault("recorder.enabled", false)
	viper.SetDefault("recorder.db_path", "/var/lib/xtelemetry/events.db")
	viper.SetDefault("recorder.queue_size", 4096)

	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.path.metric", "/metrics")
	viper.SetDefault("api.recent_events", 128)
	viper.SetDefault("net.ip.assignType", "ip")
	viper.SetDefault("net.ip.value", "0.0.0.0")
	viper.SetDefault("net.port.api", 31079)

	logDef := clean.DefaultOptions()
	viper.SetDefault("log.dir", logDef.LogDir)
	viper.SetDefault("log.clean_period", logDef.Period)
	viper.SetDefault("log.reserved.info", logDef.Info)
	viper.SetDefault("log.reserved.warn", logDef.Warn)
	viper.SetDefault("log.reserved.err", logDef.Err)
}

func decode() (*Config, error) {
	cfg := new(Config)
	if err := viper.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	cfg.Log.FilterTags = clean.DefaultOptions().FilterTags
	return cfg, nil
}

// InitConfig loads cfgFile, an empty name runs on defaults only. The file is
// watched, later changes replace the configuration returned by Get.
func InitConfig(cfgFile string) error {
	viper.Reset()
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		viper.SetConfigType("yaml")
		if err := viper.ReadInConfig(); err != nil {
			err = errors.Wrapf(err, "read config file %s", cfgFile)
			glog.Error(err)
			return err
		}
	}

	if glog.V(4) {
		viper.DebugTo(&viperDebugAdapterLog{})
	}

	cfg, err := decode()
	if err != nil {
		glog.Error(err)
		return err
	}

	__mu.Lock()
	__config = cfg
	__mu.Unlock()
	glog.Infof("config %s", litter.Sdump(cfg))

	if cfgFile != "" {
		// 监控配置文件变化
		viper.WatchConfig()
		viper.OnConfigChange(func(e fsnotify.Event) {
			glog.Infof("Config file changed: %s", e.Name)

			tmpCfg, err := decode()
			if err != nil {
				glog.Error(err)
				return
			}
			__mu.Lock()
			__config = tmpCfg
			__mu.Unlock()
			glog.Infof("config %s", litter.Sdump(tmpCfg))
		})
	}
	return nil
}

// Get returns a copy of the current configuration.
func Get() Config {
	__mu.RLock()
	defer __mu.RUnlock()

	if __config == nil {
		return Config{}
	}
	return *__config
}

// LoaderOptions builds the loader options, loading the calibration profiles.
func LoaderOptions() (*loader.Options, error) {
	cfg := Get()

	reg, err := offsets.LoadRegistry(cfg.Offsets.ProfileFile)
	if err != nil {
		return nil, err
	}

	return &loader.Options{
		ObjectDir:           cfg.Loader.ObjectDir,
		TracepointObject:    cfg.Loader.TracepointObject,
		RawTracepointObject: cfg.Loader.RawTracepointObject,
		PageCount:           cfg.Loader.PageCount,
		PollTimeout:         cfg.Loader.PollTimeout,
		MaxPolls:            cfg.Loader.MaxPolls,
		Profiles:            reg,
		ProfileName:         cfg.Offsets.Profile,
	}, nil
}

func __getIP(assignType string) (string, error) {
	switch assignType {
	case "ip":
		return viper.GetString("net.ip.value"), nil
	case "itf_name":
		return calmutils.GetIPByIfname(viper.GetString("net.ip.value"))
	case "default_route":
		routeList, err := netlink.RouteList(nil, netlink.FAMILY_V4)
		if err != nil {
			return "", errors.Wrap(err, "netlink.RouteList netlink.FAMILY_V4")
		}
		for _, route := range routeList {
			// Dst == nil是默认路由
			if route.Dst != nil {
				continue
			}
			link, err := netlink.LinkByIndex(route.LinkIndex)
			if err != nil {
				return "", errors.Wrap(err, "netlink.LinkByIndex")
			}
			addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
			if err != nil {
				return "", errors.Wrap(err, "netlink.AddrList")
			}
			if len(addrs) == 0 {
				return "", errors.Errorf("link '%s' has no ipv4 address", link.Attrs().Name)
			}
			return addrs[0].IP.String(), nil
		}
		return "", errors.New("Not found default route")
	}
	return "", errors.Errorf("Not support get ip by assign type: '%s'", assignType)
}

// APISrvBindAddr returns the address the API server listens on. The IP is
// chosen by net.ip.assignType.
func APISrvBindAddr() (string, error) {
	ip, err := __getIP(viper.GetString("net.ip.assignType"))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", ip, viper.GetInt("net.port.api")), nil
}

// PromMetricsPath returns the path to the prometheus metrics endpoint
func PromMetricsPath() string {
	return Get().API.Path.Metric
}
