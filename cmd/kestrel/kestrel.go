package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/logs"

	"github.com/kestrelcam/kestrel/server/configdb"
	"github.com/kestrelcam/kestrel/server/detect"
	"github.com/kestrelcam/kestrel/server/recdb"
	"github.com/kestrelcam/kestrel/server/recorder"
)

func main() {
	// This is purely for documentation of the cmd-line args
	nominalDefaultRoot := "$HOME/kestrel"

	parser := argparse.NewParser("kestrel", "Detection-driven network video recorder")
	rootFlag := parser.String("r", "root", &argparse.Options{Help: "Root directory for databases and recordings", Default: nominalDefaultRoot})
	configFile := parser.String("c", "config", &argparse.Options{Help: "Configuration database file (default <root>/config.sqlite)", Default: ""})
	addStream := parser.String("", "addstream", &argparse.Options{Help: "Add a stream as name=rtsp://... and exit", Default: ""})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	root := *rootFlag
	if root == nominalDefaultRoot {
		home, _ := os.UserHomeDir()
		if home == "" {
			home = "/var/lib"
		}
		root = filepath.Join(home, "kestrel")
	}
	if *configFile == "" {
		*configFile = filepath.Join(root, "config.sqlite")
	}

	configDB, err := configdb.NewConfigDB(logger, *configFile)
	if err != nil {
		logger.Errorf("Failed to open config database: %v", err)
		os.Exit(1)
	}

	if *addStream != "" {
		if err := addStreamFromSpec(configDB, *addStream); err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
		return
	}

	recordingsRoot, err := configDB.GetVariable(configdb.VarRecordingsRoot)
	if err != nil || recordingsRoot == "" {
		recordingsRoot = filepath.Join(root, "recordings")
	}

	recDB, err := recdb.Open(logger, filepath.Join(root, "recordings.sqlite"))
	if err != nil {
		logger.Errorf("Failed to open recordings database: %v", err)
		os.Exit(1)
	}

	shutdown := make(chan bool)
	newDetector := func(cfg recorder.StreamConfig) detect.Detector {
		return detect.NewSnapshotDetector(logger, cfg.SnapshotURL, cfg.DetectorURL)
	}
	registry := recorder.NewRegistry(logger, recordingsRoot, configDB, recDB, newDetector, shutdown)

	streams, err := configDB.GetAllStreams()
	if err != nil {
		logger.Errorf("Failed to read streams: %v", err)
		os.Exit(1)
	}
	started := 0
	for _, stream := range streams {
		if !stream.Enabled {
			continue
		}
		if err := registry.StartStream(stream.RecorderConfig()); err != nil {
			logger.Errorf("Failed to start stream %v: %v", stream.Name, err)
			continue
		}
		started++
	}
	logger.Infof("Recording %v of %v configured streams into %v", started, len(streams), recordingsRoot)

	// Tell systemd that we're alive
	daemon.SdNotify(false, daemon.SdNotifyReady)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	logger.Infof("Received %v, shutting down", sig)
	daemon.SdNotify(false, daemon.SdNotifyStopping)

	close(shutdown)
	registry.ShutdownAll()
	logger.Close()
}

// addStreamFromSpec handles --addstream name=url
func addStreamFromSpec(configDB *configdb.ConfigDB, spec string) error {
	name, url, ok := splitPair(spec)
	if !ok {
		return fmt.Errorf("Invalid stream spec %q (expected name=rtsp://...)", spec)
	}
	stream := &configdb.Stream{
		Name:                   name,
		SourceURL:              url,
		Enabled:                true,
		SegmentDurationSeconds: 900,
		DetectionInterval:      1,
		DetectionThreshold:     0.5,
		PreBufferSeconds:       10,
		PostBufferSeconds:      30,
	}
	if err := configDB.AddStream(stream); err != nil {
		return fmt.Errorf("Failed to add stream: %w", err)
	}
	configDB.Log.Infof("Added stream %v", name)
	return nil
}

func splitPair(s string) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], s[:i] != "" && s[i+1:] != ""
		}
	}
	return "", "", false
}
