package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/Subaru-PFS/visitd"
	"github.com/Subaru-PFS/visitd/internal/actordata"
	"github.com/Subaru-PFS/visitd/internal/gen2"
	"github.com/Subaru-PFS/visitd/internal/opdb"
	"github.com/Subaru-PFS/visitd/internal/visitdb"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	// Create directory <path>, if needed
	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		err2 := os.MkdirAll(dir, 0775)
		if err2 != nil {
			return "", err2
		}
	}

	// Create an empty file path/filename, if it doesn't exist.
	fullname := path.Join(dir, filename)
	_, err := os.Stat(fullname)
	if os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper sets up the viper configuration manager: says where to find config
// files and the filename and suffix. Sets some defaults.
func setupViper() error {
	viper.SetDefault("Verbose", false)
	viper.SetDefault("actorname", "iic")
	viper.SetDefault("datapaths.designroot", "/data/pfsDesign")
	viper.SetDefault("datapaths.rawdataroot", "/data/raw")
	viper.SetDefault("datapaths.actordata", "/data/actors")
	viper.SetDefault("gen2.addr", "")
	viper.SetDefault("gen2.timeoutsec", 10)
	viper.SetDefault("gen2.simulatedfirstvisit", 1000)
	viper.SetDefault("opdb.dsn", "")
	viper.SetDefault("visitdb.addr", "")

	HOME, err := os.UserHomeDir()
	if err != nil { // Handle errors reading the config file
		fmt.Printf("Error finding User Home Dir: %s\n", err)
	}
	dotVisitd := filepath.Join(HOME, ".visitd")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotVisitd, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/visitd"))
	viper.AddConfigPath(dotVisitd)
	viper.AddConfigPath(".")
	err = viper.ReadInConfig() // Find and read the config file
	if err != nil {            // Handle errors reading the config file
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	probFile, err := os.OpenFile(pfname, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		msg := fmt.Sprintf("Could not open log file '%s'", pfname)
		panic(msg)
	}
	probLogger := log.New(probFile, "", log.LstdFlags)
	probLogger.SetOutput(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	})
	return probLogger
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	visitd.Build.Date = buildDate
	visitd.Build.Githash = githash
	visitd.Build.Gitdate = gitdate
	visitd.Build.Summary = fmt.Sprintf("visitd version %s (git commit %s of %s)", visitd.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		visitd.Build.Host = host
	} else {
		visitd.Build.Host = "host not detected"
	}

	printVersion := flag.Bool("version", false, "print version and quit")
	flag.Parse()
	if *printVersion {
		fmt.Println(visitd.Build.Summary)
		os.Exit(0)
	}

	// Find config file, creating it if needed, and read it.
	if err := setupViper(); err != nil {
		panic(fmt.Sprint("Could not set up viper configuration: ", err))
	}

	pfname, err := makeFileExist("$HOME/.visitd", "problems.log")
	if err != nil {
		panic("Could not open problem logger file")
	}
	visitd.ProblemLogger = startLogger(pfname)
	visitd.ProblemLogger.Printf("%s started", visitd.Build.Summary)

	store := actordata.NewStore(viper.GetString("datapaths.actordata"), viper.GetString("actorname"))
	paths := visitd.DataPaths{
		DesignRoot:  viper.GetString("datapaths.designroot"),
		RawDataRoot: viper.GetString("datapaths.rawdataroot"),
	}

	// Without a Gen2 address, run on the simulated sequencer (bench mode).
	var sequencer visitd.Sequencer
	if addr := viper.GetString("gen2.addr"); addr != "" {
		timeout := time.Duration(viper.GetInt("gen2.timeoutsec")) * time.Second
		sequencer = gen2.NewClient(addr, timeout)
	} else {
		log.Printf("no gen2.addr configured, using simulated sequencer")
		sequencer = gen2.NewSimulated(viper.GetInt("gen2.simulatedfirstvisit"))
	}

	// Without an opdb DSN, availability checks see an empty database.
	var db *opdb.Connection
	if dsn := viper.GetString("opdb.dsn"); dsn != "" {
		if db, err = opdb.Connect(dsn); err != nil {
			visitd.ProblemLogger.Printf("opdb unavailable: %v", err)
			db = nil
		}
	}

	abort := make(chan struct{})
	defer close(abort)
	session := &visitdb.SessionMessage{
		ID:        ulid.Make().String(),
		Hostname:  visitd.Build.Host,
		Githash:   githash,
		Version:   visitd.Build.Version,
		GoVersion: runtime.Version(),
		Start:     time.Now(),
	}
	activity := visitdb.DummyDBConnection()
	if addr := viper.GetString("visitdb.addr"); addr != "" {
		activity = visitdb.StartDBConnection(addr, session, abort)
	}

	messageChan := make(chan visitd.ClientUpdate, 10)
	go visitd.RunClientUpdater(messageChan, visitd.Ports.Status)

	manager := visitd.NewVisitManager(store, db, paths, sequencer, activity, messageChan)
	visitd.RunRPCServer(manager, messageChan, visitd.Ports.RPC)
}
