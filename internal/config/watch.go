package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/IndenScale/monoco/internal/log"
)

// reloadQuiet coalesces the write bursts editors produce when saving.
const reloadQuiet = 500 * time.Millisecond

// WatchRouting watches the config file and invokes onChange with freshly
// validated routing rules whenever the file is rewritten. Only routing is
// hot-reloadable; every other setting takes effect on restart. A reload
// that fails validation is logged and the previous rules stay in force.
func WatchRouting(ctx context.Context, projectRoot, cfgFile string, onChange func(RoutingConfig)) error {
	if cfgFile == "" {
		cfgFile = filepath.Join(MonocoDir(projectRoot), "config.yaml")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	// Watch the directory: editors replace the file by rename, which drops
	// a watch registered on the file itself.
	if err := fw.Add(filepath.Dir(cfgFile)); err != nil {
		return err
	}

	var quiet *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(cfgFile) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if quiet != nil {
				quiet.Stop()
			}
			quiet = time.AfterFunc(reloadQuiet, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Warn(log.CatConfig, "config watch error", "err", err.Error())
		case <-fire:
			cfg, err := Load(projectRoot, cfgFile)
			if err != nil {
				log.ErrorErr(log.CatConfig, "config reload rejected, keeping previous rules", err)
				continue
			}
			log.Info(log.CatConfig, "routing rules reloaded", "rules", len(cfg.Routing.Rules))
			onChange(cfg.Routing)
		}
	}
}
