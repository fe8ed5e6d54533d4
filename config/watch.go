package config

import (
	"context"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// MakeWatchConfigChannel creates a channel that receives a fresh *Config
// whenever configFileName changes on disk or SIGHUP is received. The normal
// reaction is to stop the fetchers depending on the old config, build new
// ones from the fresh config, and run them. The channel is closed on
// os.Interrupt or if the parent context is done.
var osSignal chan os.Signal

func MakeWatchConfigChannel(ctx context.Context, configFileName string) chan *Config {
	configChan := make(chan *Config)
	go func() {
		defer close(configChan)
		osSignal = make(chan os.Signal, 1)
		signal.Notify(osSignal, os.Interrupt)
		signal.Notify(osSignal, syscall.SIGHUP) // reload config
		// watch file configFileName and Ctrl+C signal. Close channel on Ctrl+C
		rereadConfig := func() {
			log.Infof("reread configuration from %s", configFileName)
			cfg, err := ReadConfig(configFileName)
			if err != nil {
				log.Errorf("failed to read config file %s: %s", configFileName, err)
				return
			}
			configChan <- cfg
		}
		rereadConfig()
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			log.Errorf("failed to establish file watcher:%s", err)
			return
		}
		defer func() {
			_ = watcher.Close()
		}()
		err = watcher.Add(configFileName)
		if err != nil {
			log.Errorf("failed to create watcher on file %s", configFileName)
			return
		}
		const infiniteDuration = time.Hour * 10000
		postponeReload := infiniteDuration
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-osSignal:
				if sig == syscall.SIGHUP {
					log.Info("Rereading config on SIGHUP signal...")
					rereadConfig()
					continue
				}
				log.Info("Gracefully handling Ctrl+C signal...")
				return
			case event := <-watcher.Events:
				log.Debugf("Watch config event:%+v", event)
				if event.Op&fsnotify.Write == fsnotify.Write {
					// postpone reload as usually there fre Write events and we want to reload only once
					postponeReload = time.Second
				}
			case <-time.After(postponeReload):
				postponeReload = infiniteDuration
				rereadConfig()
			case err := <-watcher.Errors:
				log.Errorf("Watch config file %s error: %s", configFileName, err)
			}
		}
	}()
	return configChan
}
