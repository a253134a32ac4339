//go:build linux

package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"runtime/pprof"
	"time"

	_ "net/http/pprof"

	"github.com/Meesho/BharatMLStack/directio/pkg/config"
	"github.com/Meesho/BharatMLStack/directio/pkg/logger"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type runFlags struct {
	files         int
	blocksPerFile int
	ioBlocks      int
	workers       int
	opsPerWorker  int
	opsPerSec     int
	queueDepth    int
	indexMB       int
	logStats      bool
	statsd        bool
	statsInterval time.Duration
	keepFiles     bool
	pprofAddr     string
	memProfile    string
	cpuProfile    string
}

func parseFlags() runFlags {
	var f runFlags
	flag.IntVar(&f.files, "files", 4, "number of data files")
	flag.IntVar(&f.blocksPerFile, "blocks-per-file", 16384, "file size in request-sized blocks")
	flag.IntVar(&f.ioBlocks, "io-blocks", 1, "request size as a multiple of the block size")
	flag.IntVar(&f.workers, "workers", 4, "number of submitting goroutines")
	flag.IntVar(&f.opsPerWorker, "ops", 100_000, "operations per worker")
	flag.IntVar(&f.opsPerSec, "rate", 0, "submissions per second across all workers, 0 for unlimited")
	flag.IntVar(&f.queueDepth, "queue-depth", 0, "queue depth, 0 to use AIO_QUEUE_DEPTH")
	flag.IntVar(&f.indexMB, "index-mb", 64, "checksum index size in MiB (readverify)")
	flag.BoolVar(&f.logStats, "log-stats", true, "periodically log run metrics")
	flag.BoolVar(&f.statsd, "statsd", false, "push run metrics to statsd")
	flag.DurationVar(&f.statsInterval, "stats-interval", 10*time.Second, "metrics reporting interval")
	flag.BoolVar(&f.keepFiles, "keep-files", false, "keep data files after the run")
	flag.StringVar(&f.pprofAddr, "pprof", ":8080", "pprof listen address, empty to disable")
	flag.StringVar(&f.memProfile, "memprofile", "", "write memory profile to this file")
	flag.StringVar(&f.cpuProfile, "cpuprofile", "", "write cpu profile to this file")
	flag.Parse()
	return f
}

// setup loads the environment before anything reads viper.
func setup() {
	viper.AutomaticEnv()
	logger.Init()
	config.InitEnv()
}

func main() {
	setup()
	flags := parseFlags()

	if flags.pprofAddr != "" {
		go func() {
			log.Info().Msgf("Starting pprof server on %s", flags.pprofAddr)
			log.Info().Msg("Live buffer mappings: /debug/pprof/directio.mmap")
			if err := http.ListenAndServe(flags.pprofAddr, nil); err != nil {
				log.Error().Err(err).Msg("pprof server failed")
			}
		}()
	}

	if flags.cpuProfile != "" {
		f, err := os.Create(flags.cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("could not create CPU profile")
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	var err error
	// pick plan from the environment variable
	switch plan := os.Getenv("PLAN"); plan {
	case "write", "":
		err = planWrite(flags)
	case "readverify":
		err = planReadVerify(flags)
	case "backpressure":
		err = planBackpressure(flags)
	default:
		err = fmt.Errorf("invalid plan %q", plan)
	}
	if err != nil {
		log.Error().Err(err).Msg("run failed")
	}

	if flags.memProfile != "" {
		writeMemProfile(flags.memProfile)
	}
	logMemStats()
	if err != nil {
		pprof.StopCPUProfile()
		os.Exit(1)
	}
}

func writeMemProfile(path string) {
	runtime.GC() // get up-to-date statistics
	f, err := os.Create(path)
	if err != nil {
		log.Error().Err(err).Msg("could not create memory profile")
		return
	}
	defer f.Close()
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Error().Err(err).Msg("could not write memory profile")
		return
	}
	log.Info().Msgf("Memory profile written to %s", path)
}

func logMemStats() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	log.Info().
		Str("alloc", fmt.Sprintf("%.2f MB", float64(m.Alloc)/1024/1024)).
		Str("total_alloc", fmt.Sprintf("%.2f MB", float64(m.TotalAlloc)/1024/1024)).
		Str("sys", fmt.Sprintf("%.2f MB", float64(m.Sys)/1024/1024)).
		Uint32("num_gc", m.NumGC).
		Msg("Memory statistics")
}
