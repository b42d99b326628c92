// meatnetd runs the probe client stack as a daemon: radio in, telemetry
// and firmware updates out.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"

	"github.com/meatnet/probe/config"
	"github.com/meatnet/probe/dfu"
	"github.com/meatnet/probe/helpers"
	"github.com/meatnet/probe/log2"
	"github.com/meatnet/probe/meatnet"
	"github.com/meatnet/probe/tele"
	"github.com/meatnet/probe/transport"
	"github.com/meatnet/probe/transport/sim"
)

var log = log2.NewStderr(log2.LInfo)

func main() {
	flagConfig := flag.String("config", "meatnetd.hcl", "")
	flag.Parse()

	if sdnotify("READY=0\nSTATUS=init") {
		// under systemd, journal adds timestamps
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	cfg := config.MustReadConfig(log, config.NewOsFullReader("."), *flagConfig)
	if cfg.Log.Debug {
		log.SetLevel(log2.LDebug)
	}

	if err := run(cfg); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}

func run(cfg *config.Config) error {
	ctx := context.Background()

	if cfg.Persist.Root == "" {
		cfg.Persist.Root = "/var/lib/meatnet"
	}
	if cfg.Tele.PersistPath == "" {
		cfg.Tele.PersistPath = filepath.Join(cfg.Persist.Root, "tele")
	}

	teler := tele.New()
	if err := teler.Init(ctx, log.Clone(log2.LInfo), cfg.Tele); err != nil {
		return errors.Annotate(err, "tele init")
	}
	defer teler.Close()
	// every logged error also goes upstream
	log.SetErrorFunc(teler.Error)

	var dialer transport.Dialer
	var adverts <-chan transport.Advertisement
	var flasher dfu.Flasher
	var radioStop func()
	switch cfg.Radio.Driver {
	case "", "sim":
		radio := sim.New(log, sim.Config{
			Probes:       cfg.Radio.SimProbes,
			AdvertPeriod: helpers.IntMillisecondDefault(cfg.Radio.AdvertPeriodMs, 0),
		})
		radio.Start()
		dialer, adverts, flasher, radioStop = radio, radio.Adverts(), sim.Flasher{}, radio.Stop
	default:
		return errors.NotValidf("radio driver=%q valid: sim", cfg.Radio.Driver)
	}
	defer radioStop()

	bcast := transport.NewBroadcast(log)
	bcast.Start(adverts)
	defer bcast.Stop()

	manager := meatnet.NewManager(meatnet.Options{
		Log:       log,
		Dialer:    dialer,
		Broadcast: bcast,
		Tele:      teler,
		Config:    cfg.ManagerConfig(),
	})
	manager.Start()
	defer manager.Stop()

	updater := dfu.New(dfu.Options{
		Log:       log,
		Fleet:     manager,
		Flasher:   flasher,
		Sightings: manager.Bootloaders(),
		Config:    cfg.DFUConfig(),
	})
	updater.Start()
	defer updater.Stop()

	teler.State(tele.StateScanning)
	sdnotify(daemon.SdNotifyReady)
	log.Infof("meatnetd running radio=%s mesh=%t", cfg.Radio.Driver, cfg.Meatnet.MeshEnable)

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case sig := <-sigch:
			log.Infof("meatnetd stopping signal=%v", sig)
			sdnotify("STOPPING=1")
			return nil

		case ev := <-manager.Events():
			switch ev.Kind {
			case meatnet.EventDeviceDiscovered:
				log.Infof("probe discovered serial=%08x address=%s", ev.Serial, ev.Address)
				sdnotify(fmt.Sprintf("STATUS=probes=%d", len(manager.Serials())))
			case meatnet.EventDevicesCleared:
				log.Infof("device list cleared")
				sdnotify("STATUS=probes=0")
			}

		case p := <-updater.Progress():
			switch p.State {
			case dfu.StateWaitingBootloader:
				log.Infof("dfu waiting for bootloader address=%s", p.Address)
				teler.Event(tele.Event{Kind: tele.EventDFUStarted, Serial: p.Serial, Address: string(p.Address)})
			case dfu.StateFlashing:
				log.Debugf("dfu address=%s %.0f%%", p.Address, p.Percent)
				teler.State(tele.StateDFU)
			case dfu.StateComplete:
				log.Infof("dfu complete address=%s", p.Address)
				teler.Event(tele.Event{Kind: tele.EventDFUComplete, Serial: p.Serial, Address: string(p.Address)})
				teler.State(tele.StateScanning)
			case dfu.StateFailed:
				log.Errorf("dfu failed address=%s err=%v", p.Address, p.Err)
				detail := ""
				if p.Err != nil {
					detail = p.Err.Error()
				}
				teler.Event(tele.Event{Kind: tele.EventDFUFailed, Serial: p.Serial, Address: string(p.Address), Detail: detail})
				teler.State(tele.StateScanning)
			}
		}
	}
}

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
