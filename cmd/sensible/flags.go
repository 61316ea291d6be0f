package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/kejingjing/sensible/internal/config"
)

// defaultCSVPath is where --record-csv writes radar records unless the config
// file names another path.
const defaultCSVPath = "radar_records.csv"

// cliFlags holds every command line option. Defaults mirror config.Defaults;
// only flags explicitly set on the command line override the config file.
type cliFlags struct {
	configPath string

	runFor time.Duration

	radarLat         float64
	radarLon         float64
	radarComPort     string
	radarBaudrate    int
	radarMode        string
	radarLane        int
	radarOrientation float64
	radarLocalPort   int
	radarModel       string

	dsrcIPAddress  string
	dsrcRemotePort int
	dsrcLocalPort  int
	dsrcModel      string
	dsrcPCAP       string

	nScan       int
	threshold   float64
	frequency   float64
	outputPort  int
	verbose     bool
	noLogging   bool
	disableRad  bool
	disableDSRC bool
	recordCSV   bool

	transport string
	natsURL   string
	dbPath    string
	listen    string
}

func newFlagSet(name string) (*flag.FlagSet, *cliFlags) {
	d := config.Defaults()
	f := &cliFlags{}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)

	fs.StringVar(&f.configPath, "config", "", "Path to a JSON or YAML config file (defaults are used when empty)")
	fs.DurationVar(&f.runFor, "run-for", time.Duration(d.RunFor), "Stop after this long; 0 runs until interrupted")

	fs.Float64Var(&f.radarLat, "radar-lat", d.Site.RadarLat, "Radar latitude in degrees")
	fs.Float64Var(&f.radarLon, "radar-lon", d.Site.RadarLon, "Radar longitude in degrees")
	fs.StringVar(&f.radarComPort, "radar-com-port", d.Radar.Port, "Radar serial device")
	fs.IntVar(&f.radarBaudrate, "radar-baudrate", d.Radar.Baud, "Radar serial baud rate")
	fs.StringVar(&f.radarMode, "radar-mode", d.Radar.Mode, "Radar mode: Tracking or Zone")
	fs.IntVar(&f.radarLane, "radar-lane", d.Site.RadarLane, "Lane reported for radar detections without one")
	fs.Float64Var(&f.radarOrientation, "radar-orientation", d.Site.RadarOrientation, "Counter-clockwise radar mount rotation in degrees")
	fs.IntVar(&f.radarLocalPort, "radar-local-port", d.Radar.LocalPort, "Bus port for radar measurements")
	fs.StringVar(&f.radarModel, "radar-motion-model", d.Models.Radar, "Radar motion model: CV or CA")

	fs.StringVar(&f.dsrcIPAddress, "dsrc-ip-address", d.DSRC.IPAddress, "Address of the DSRC radio; empty accepts any sender")
	fs.IntVar(&f.dsrcRemotePort, "dsrc-remote-port", d.DSRC.RemotePort, "UDP port the DSRC radio sends to")
	fs.IntVar(&f.dsrcLocalPort, "dsrc-local-port", d.DSRC.LocalPort, "Bus port for DSRC measurements")
	fs.StringVar(&f.dsrcModel, "dsrc-motion-model", d.Models.DSRC, "DSRC motion model: CV or CA")
	fs.StringVar(&f.dsrcPCAP, "dsrc-pcap", d.DSRC.PCAPFile, "Replay DSRC traffic from this pcap file instead of listening")

	fs.IntVar(&f.nScan, "n-scan", d.Fusion.NScan, "Cycles an unmatched measurement waits before spawning a track")
	fs.Float64Var(&f.threshold, "association-threshold", d.Fusion.AssociationThreshold, "Chi-squared gate on the squared Mahalanobis distance")
	fs.Float64Var(&f.frequency, "track-frequency", d.Fusion.Frequency, "Fusion cycle frequency in Hz")
	fs.IntVar(&f.outputPort, "output-port", d.Output.Port, "TCP port of the track stream")
	fs.BoolVar(&f.verbose, "v", d.Verbose, "Verbose logging")
	fs.BoolVar(&f.noLogging, "disable-logging", !d.Store.Enabled, "Do not write the sqlite message log")
	fs.BoolVar(&f.disableRad, "disable-radar", !d.Radar.Enabled, "Do not open the radar")
	fs.BoolVar(&f.disableDSRC, "disable-dsrc", !d.DSRC.Enabled, "Do not listen for DSRC")
	fs.BoolVar(&f.recordCSV, "record-csv", d.Radar.RecordCSV != "", "Append raw radar records to "+defaultCSVPath)

	fs.StringVar(&f.transport, "bus", d.Bus.Transport, "Measurement bus: udp, memory or nats")
	fs.StringVar(&f.natsURL, "nats-url", d.Bus.NATSURL, "NATS server URL when --bus=nats")
	fs.StringVar(&f.dbPath, "db", d.Store.Path, "Path to the sqlite message log")
	fs.StringVar(&f.listen, "listen", d.Listen, "Debug HTTP listen address; empty disables it")

	return fs, f
}

// apply copies the flags set on the command line into cfg.
func (f *cliFlags) apply(fs *flag.FlagSet, cfg *config.Config) {
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "run-for":
			cfg.RunFor = config.Duration(f.runFor)
		case "radar-lat":
			cfg.Site.RadarLat = f.radarLat
		case "radar-lon":
			cfg.Site.RadarLon = f.radarLon
		case "radar-com-port":
			cfg.Radar.Port = f.radarComPort
		case "radar-baudrate":
			cfg.Radar.Baud = f.radarBaudrate
		case "radar-mode":
			cfg.Radar.Mode = f.radarMode
		case "radar-lane":
			cfg.Site.RadarLane = f.radarLane
		case "radar-orientation":
			cfg.Site.RadarOrientation = f.radarOrientation
		case "radar-local-port":
			cfg.Radar.LocalPort = f.radarLocalPort
		case "radar-motion-model":
			cfg.Models.Radar = f.radarModel
		case "dsrc-ip-address":
			cfg.DSRC.IPAddress = f.dsrcIPAddress
		case "dsrc-remote-port":
			cfg.DSRC.RemotePort = f.dsrcRemotePort
		case "dsrc-local-port":
			cfg.DSRC.LocalPort = f.dsrcLocalPort
		case "dsrc-motion-model":
			cfg.Models.DSRC = f.dsrcModel
		case "dsrc-pcap":
			cfg.DSRC.PCAPFile = f.dsrcPCAP
		case "n-scan":
			cfg.Fusion.NScan = f.nScan
		case "association-threshold":
			cfg.Fusion.AssociationThreshold = f.threshold
		case "track-frequency":
			cfg.Fusion.Frequency = f.frequency
		case "output-port":
			cfg.Output.Port = f.outputPort
		case "v":
			cfg.Verbose = f.verbose
		case "disable-logging":
			cfg.Store.Enabled = !f.noLogging
		case "disable-radar":
			cfg.Radar.Enabled = !f.disableRad
		case "disable-dsrc":
			cfg.DSRC.Enabled = !f.disableDSRC
		case "record-csv":
			if !f.recordCSV {
				cfg.Radar.RecordCSV = ""
			} else if cfg.Radar.RecordCSV == "" {
				cfg.Radar.RecordCSV = defaultCSVPath
			}
		case "bus":
			cfg.Bus.Transport = f.transport
		case "nats-url":
			cfg.Bus.NATSURL = f.natsURL
		case "db":
			cfg.Store.Path = f.dbPath
		case "listen":
			cfg.Listen = f.listen
		}
	})
}

// loadConfig parses args and returns the validated configuration: defaults,
// then the config file, then explicit flags.
func loadConfig(args []string) (config.Config, error) {
	fs, f := newFlagSet("sensible")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}
	if fs.NArg() > 0 {
		return config.Config{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	cfg := config.Defaults()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return config.Config{}, err
		}
	}
	f.apply(fs, &cfg)

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
