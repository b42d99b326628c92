// Package config loads the HCL configuration tree with include support.
package config

import (
	"path/filepath"
	"sync"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"

	"github.com/meatnet/probe/arbiter"
	"github.com/meatnet/probe/dfu"
	"github.com/meatnet/probe/helpers"
	"github.com/meatnet/probe/link"
	"github.com/meatnet/probe/log2"
	"github.com/meatnet/probe/meatnet"
	"github.com/meatnet/probe/tele"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	Meatnet struct { //nolint:maligned
		MeshEnable       bool   `hcl:"mesh_enable"`
		Scheme           string `hcl:"scheme"` // connect-all|settling
		SettleWindowMs   int    `hcl:"settle_window_ms"`
		NormalIdleMs     int    `hcl:"normal_idle_ms"`
		InstantIdleMs    int    `hcl:"instant_idle_ms"`
		ConnectRetries   int    `hcl:"connect_retries"`
		RequestTimeoutMs int    `hcl:"request_timeout_ms"`
	} `hcl:"meatnet"`

	Link struct {
		IdleTimeoutMs    int     `hcl:"idle_timeout_ms"`
		WatchPeriodMs    int     `hcl:"watch_period_ms"`
		DFUWatchPeriodMs int     `hcl:"dfu_watch_period_ms"`
		RSSIAlpha        float32 `hcl:"rssi_alpha"`
	} `hcl:"link"`

	DFU struct {
		StuckThresholdMs int `hcl:"stuck_threshold_ms"`
		PollPeriodMs     int `hcl:"poll_period_ms"`
		RetryLimit       int `hcl:"retry_limit"`
	} `hcl:"dfu"`

	Radio struct {
		Driver         string `hcl:"driver"` // sim, more arrive with hardware bridges
		SimProbes      int    `hcl:"sim_probes"`
		AdvertPeriodMs int    `hcl:"advert_period_ms"`
	} `hcl:"radio"`

	Persist struct {
		Root string `hcl:"root"`
	} `hcl:"persist"`

	Tele tele.Config `hcl:"tele"`

	Log struct {
		Debug bool `hcl:"debug"`
	} `hcl:"log"`

	_copy_guard sync.Mutex //nolint:unused
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

// ManagerConfig maps the meatnet and link sections onto runtime options.
func (c *Config) ManagerConfig() meatnet.Config {
	mc := meatnet.Config{
		MeshEnabled:    c.Meatnet.MeshEnable,
		SettleWindow:   helpers.IntMillisecondDefault(c.Meatnet.SettleWindowMs, 0),
		NormalIdle:     helpers.IntMillisecondDefault(c.Meatnet.NormalIdleMs, 0),
		InstantIdle:    helpers.IntMillisecondDefault(c.Meatnet.InstantIdleMs, 0),
		ConnectRetries: c.Meatnet.ConnectRetries,
		RequestTimeout: helpers.IntMillisecondDefault(c.Meatnet.RequestTimeoutMs, 0),
		Link: link.Options{
			IdleTimeout:    helpers.IntMillisecondDefault(c.Link.IdleTimeoutMs, 0),
			WatchPeriod:    helpers.IntMillisecondDefault(c.Link.WatchPeriodMs, 0),
			DFUWatchPeriod: helpers.IntMillisecondDefault(c.Link.DFUWatchPeriodMs, 0),
			RSSIAlpha:      c.Link.RSSIAlpha,
		},
	}
	if c.Meatnet.Scheme == "settling" {
		mc.Scheme = arbiter.SchemeSettling
	}
	return mc
}

func (c *Config) DFUConfig() dfu.Config {
	return dfu.Config{
		StuckThreshold: helpers.IntMillisecondDefault(c.DFU.StuckThresholdMs, 0),
		PollPeriod:     helpers.IntMillisecondDefault(c.DFU.PollPeriodMs, 0),
		RetryLimit:     c.DFU.RetryLimit,
	}
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		log.Fatalf("config duplicate source=%s", source.Name)
	} else {
		log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	}
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
			return
		}
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs))
		*errs = append(*errs, err)
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
