/*
 * @Author: CALM.WU
 * @Date: 2024-03-25 09:42:18
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-25 15:06:31
 */

// Package clean prunes rotated glog files.
package clean

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	calmutils "github.com/wubo0067/calmwu-go/utils"
)

type LevelReservedCount struct {
	Info int `mapstructure:"info"`
	Warn int `mapstructure:"warn"`
	Err  int `mapstructure:"err"`
}

type Options struct {
	LevelReservedCount `mapstructure:"reserved"` // 每个级别保留的文件数
	LogDir             string                    `mapstructure:"dir"`
	Period             time.Duration             `mapstructure:"clean_period"`
	FilterTags         []string                  `mapstructure:"-"` // 日志文件名匹配
}

type logFile struct {
	path    string
	modTime time.Time
}

func DefaultOptions() *Options {
	return &Options{
		LogDir:     "/var/log/x-monitor",
		Period:     time.Hour,
		FilterTags: []string{"xtelemetry"},
		LevelReservedCount: LevelReservedCount{
			Info: 3,
			Warn: 2,
			Err:  2,
		},
	}
}

// Start prunes the log dir until ctx is done. current is called on every tick,
// so reserved counts and the log dir follow configuration changes. The period
// is taken once, at start.
func Start(ctx context.Context, current func() Options) error {
	opts := current()
	if _, err := resolveDir(opts.LogDir); err != nil {
		glog.Error(err.Error())
		return err
	}

	go calmutils.NonSlidingUntilWithContext(ctx, func(context.Context) {
		if _, err := tick(current()); err != nil {
			glog.Error(err.Error())
		}
	}, opts.Period)
	return nil
}

func tick(o Options) ([]string, error) {
	logDir, err := resolveDir(o.LogDir)
	if err != nil {
		return nil, err
	}
	o.LogDir = logDir
	return Once(&o)
}

// resolveDir follows a symlinked log dir, glog itself writes through it.
func resolveDir(dir string) (string, error) {
	info, err := os.Lstat(dir)
	if err != nil {
		return "", errors.Wrapf(err, "stat log dir %s", dir)
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return dir, nil
	}

	target, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", errors.Wrapf(err, "read log dir link %s", dir)
	}
	glog.Infof("logDir link ===> %s", target)
	return target, nil
}

func levelOf(name string) string {
	for _, level := range []string{"INFO", "WARNING", "ERROR"} {
		if strings.Contains(name, "."+level+".") {
			return level
		}
	}
	return ""
}

func (o *Options) matches(name string) bool {
	if len(o.FilterTags) == 0 {
		return true
	}
	for _, tag := range o.FilterTags {
		if strings.Contains(name, tag) {
			return true
		}
	}
	return false
}

// Once removes, per level, every matching log file but the newest reserved
// ones and returns the removed paths. Links such as the glog "current" links
// are never touched.
func Once(opts *Options) ([]string, error) {
	entries, err := os.ReadDir(opts.LogDir)
	if err != nil {
		return nil, errors.Wrapf(err, "read log dir %s", opts.LogDir)
	}

	byLevel := make(map[string][]logFile)
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !opts.matches(entry.Name()) {
			continue
		}
		level := levelOf(entry.Name())
		if level == "" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		byLevel[level] = append(byLevel[level], logFile{
			path:    filepath.Join(opts.LogDir, entry.Name()),
			modTime: info.ModTime(),
		})
	}

	reserved := map[string]int{
		"INFO":    opts.Info,
		"WARNING": opts.Warn,
		"ERROR":   opts.Err,
	}

	var removed []string
	for level, files := range byLevel {
		// 从新到旧排序
		sort.Slice(files, func(i, j int) bool {
			return files[i].modTime.After(files[j].modTime)
		})

		keep := reserved[level]
		if keep < 0 {
			keep = 0
		}
		if len(files) <= keep {
			continue
		}
		for _, f := range files[keep:] {
			if err := os.Remove(f.path); err != nil {
				glog.Errorf("remove file failed. err:%s", err.Error())
				continue
			}
			glog.Infof("remove file:%s successed.", f.path)
			removed = append(removed, f.path)
		}
	}
	return removed, nil
}
