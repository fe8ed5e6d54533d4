package main

import (
	"context"
	"flag"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"os"

	"oplogfetcher/config"
	"oplogfetcher/internal/applypipeline"
	"oplogfetcher/internal/fetcher"
	"oplogfetcher/internal/mongocursor"
	"oplogfetcher/logger"
	"oplogfetcher/mdb"
)

var configFileName string
var logFileName string
var logLevel int

func processCommandLine() {
	configFileName = os.Getenv("OPLOGFETCHER_CONFIG")
	if configFileName == "" {
		configFileName = "oplogfetcher-config.yaml"
	}
	logFileName = os.Getenv("OPLOGFETCHER_LOG")
	flag.StringVar(&configFileName, "config", configFileName, "path to config file")
	flag.StringVar(&logFileName, "logfile", logFileName, "path to log file")
	flag.IntVar(&logLevel, "loglevel", int(log.InfoLevel), "level from 1 to 6 (critical,error,warn,info,debug,trace)")
	flag.Parse()
}

// staticReplSetConfig is the read-only config view handed to the fetcher:
// the term comes from the config file, the node identity from the source.
type staticReplSetConfig struct {
	term int64
	self fetcher.HostAndPort
}

func (c staticReplSetConfig) Term() int64                          { return c.term }
func (c staticReplSetConfig) NodeHostAndPort() fetcher.HostAndPort { return c.self }

// loggingExternalState records reply metadata to the log. Sync-source
// re-selection lives outside this process, so it never revokes the stream.
type loggingExternalState struct{}

func (loggingExternalState) ProcessMetadata(source fetcher.HostAndPort, metadata fetcher.ReplMetadata) {
	log.Tracef("metadata from %s: rbid %d, last applied %s", source, metadata.RBID, metadata.LastOpApplied)
}

func (loggingExternalState) ShouldStopFetching(fetcher.HostAndPort, fetcher.ReplMetadata) bool {
	return false
}

func hostAndPortFromURI(uri string) fetcher.HostAndPort {
	u, err := url.Parse(uri)
	if err != nil || u.Host == "" {
		return fetcher.HostAndPort{Host: uri}
	}
	host, portStr, found := strings.Cut(u.Host, ":")
	if !found {
		return fetcher.HostAndPort{Host: u.Host}
	}
	port, _ := strconv.Atoi(portStr)
	return fetcher.HostAndPort{Host: host, Port: port}
}

func startingPointFromConfig(fc *config.FetcherConfig) fetcher.StartingPoint {
	if fc.StartingPoint == "enqueue" {
		return fetcher.EnqueueFirstDoc
	}
	return fetcher.SkipFirstDoc
}

// runFetcher tails one configured source until ctx is canceled, restarting
// the fetcher whenever the source connection becomes available again.
func runFetcher(ctx context.Context, fc *config.FetcherConfig) {
	srcClient, available, err := mdb.ConnectMongo(ctx, fc.SourceURI)
	if err != nil {
		log.Errorf("failed to connect to source %s: %s", fc.SourceURI, err)
		return
	}
	defer func() { _ = srcClient.Disconnect(context.TODO()) }()
	dstClient, _, err := mdb.ConnectMongo(ctx, fc.DestinationURI)
	if err != nil {
		log.Errorf("failed to connect to destination %s: %s", fc.DestinationURI, err)
		return
	}
	defer func() { _ = dstClient.Disconnect(context.TODO()) }()
	dbName, collName, found := strings.Cut(fc.DestinationNS, ".")
	if !found {
		log.Errorf("destination namespace %q is not of the form db.collection", fc.DestinationNS)
		return
	}
	pipeline := applypipeline.New(dstClient.Database(dbName).Collection(collName), int(fc.BatchSize), time.Second)
	source := hostAndPortFromURI(fc.SourceURI)
	timeouts := fetcher.Timeouts{
		InitialFind: time.Duration(fc.InitialFindTimeoutMS) * time.Millisecond,
		RetriedFind: time.Duration(fc.RetriedFindTimeoutMS) * time.Millisecond,
		AwaitData:   time.Duration(fc.AwaitDataTimeoutMS) * time.Millisecond,
	}
	lastFetched := fetcher.OpTime{}
	for {
		avail := false
		select {
		case <-ctx.Done():
			return
		case avail = <-available:
		}
		if !avail {
			log.Warnf("source %s is not available", fc.SourceURI)
			continue
		}
		f, err := fetcher.NewFetcher(fetcher.Options{
			LastFetched:              lastFetched,
			Source:                   source,
			OplogNS:                  fc.OplogNS,
			ReplSetConfig:            staticReplSetConfig{term: fc.Term, self: source},
			Cursor:                   mongocursor.New(srcClient, timeouts.AwaitData),
			RestartPolicy:            fetcher.NewDefaultRestartPolicy(fc.MaxRestarts, timeouts.RetriedFind),
			RequiredRBID:             fc.RequiredRBID,
			RequireFresherSyncSource: fc.RequireFresherSyncSource,
			ExternalState:            loggingExternalState{},
			Enqueue:                  pipeline.Enqueue,
			OnShutdown: func(status fetcher.Status) {
				log.Infof("fetcher for %s terminated: %s", source, status)
			},
			BatchSize:     fc.BatchSize,
			StartingPoint: startingPointFromConfig(fc),
			Timeouts:      timeouts,
		})
		if err != nil {
			log.Errorf("failed to build fetcher for %s: %s", fc.SourceURI, err)
			return
		}
		// ctx cancellation propagates into the driver task, so no separate
		// shutdown watcher is needed here
		if err := f.Start(ctx); err != nil {
			log.Errorf("failed to start fetcher for %s: %s", fc.SourceURI, err)
			return
		}
		f.Join()
		if st := pipeline.Flush(context.TODO()); !st.IsOK() {
			log.Errorf("failed to flush apply pipeline for %s: %s", fc.SourceURI, st)
		}
		if ctx.Err() != nil {
			return
		}
		// resume from where the terminated fetcher got to
		lastFetched = f.GetLastOpTimeFetched()
		log.Infof("fetcher for %s stopped at %s, waiting for the source to come back", source, lastFetched)
	}
}

func main() {
	processCommandLine()
	logger.SetLogger(log.Level(logLevel), logFileName)
	var ctx context.Context
	var cancel context.CancelFunc
	var waitFetchers sync.WaitGroup
	stopFetchers := func() {
		if ctx == nil {
			return
		}
		log.Info("waiting for fetchers to stop...")
		cancel()
		waitFetchers.Wait()
	}
	// configChan gets closed on os.Interrupt signal
	configChan := config.MakeWatchConfigChannel(context.TODO(), configFileName)
	for cfg := range configChan {
		stopFetchers()
		ctx, cancel = context.WithCancel(context.Background())
		log.Trace("creating fetchers...")
		for _, fc := range cfg.Fetchers {
			waitFetchers.Add(1)
			go func(fc *config.FetcherConfig) {
				defer waitFetchers.Done()
				runFetcher(ctx, fc)
			}(fc)
		}
	}
	stopFetchers()
	log.Info("oplogfetcher exited gracefully")
}
