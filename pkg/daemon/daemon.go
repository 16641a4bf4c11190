package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/dashkit/camd/pkg/config"
	"github.com/dashkit/camd/pkg/devwait"
	"github.com/dashkit/camd/pkg/events"
	"github.com/dashkit/camd/pkg/execx"
	"github.com/dashkit/camd/pkg/power"
	"github.com/dashkit/camd/pkg/transfer"
	"github.com/dashkit/camd/pkg/usbctl"
)

func setupRoutes(ctl *Controller, hub *events.EventHub) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logrus.StandardLogger()))
	router.GET("/status", getStatus(ctl))
	router.GET("/power", getPower(ctl))
	router.GET("/config", getConfig(ctl))
	router.GET("/version", getVersion)
	router.POST("/transfer", postTransfer(ctl))
	router.GET("/events", getEvents(hub))

	return router
}

// Run starts the daemon: config, preflight, control loop, and the HTTP
// API on a unix socket. It blocks until SIGINT/SIGTERM.
func Run(configPath string, unixSocketPath string, allowNonRoot bool) error {
	conf, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("failed to parse config during startup: %v", err)
	}
	logrus.WithFields(conf.LogrusFields()).Infof("config loaded")

	if err := preflight(conf); err != nil {
		logrus.Fatalf("preflight failed: %v", err)
	}

	if unixSocketPath == "" {
		unixSocketPath = conf.Server.Socket
	}

	hub := events.NewEventHub()
	ctl := buildController(conf, hub)
	router := setupRoutes(ctl, hub)

	srv := &http.Server{
		Handler: router,
	}

	// A stale socket from an unclean exit refuses the bind; remove it.
	if _, err := os.Stat(unixSocketPath); err == nil {
		logrus.Warnf("removing stale socket %s", unixSocketPath)
		if err := os.Remove(unixSocketPath); err != nil {
			logrus.Fatal(err)
		}
	}

	l, err := net.Listen("unix", unixSocketPath)
	if err != nil {
		logrus.Fatal(err)
	}

	if conf.Server.AllowNonRoot || allowNonRoot {
		logrus.Infof("non-root access is allowed, changing permissions of %s to 0777", unixSocketPath)
		err = os.Chmod(unixSocketPath, 0777)
		if err != nil {
			logrus.Fatal(err)
		}
	}

	// Serve HTTP on unix socket
	go func() {
		logrus.Infof("http server listening on %s", l.Addr().String())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatal(err)
		}
	}()

	loopCtx, cancelLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		ctl.Run(loopCtx)
	}()

	// Handle common process-killing signals, so we can gracefully shut down:
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigc:
		logrus.Infof("caught signal \"%s\": shutting down.", sig)
	case <-loopDone:
		// Terminal shutdown action; the OS is going down underneath us.
		logrus.Info("control loop finished, shutting down daemon")
	}

	cancelLoop()
	select {
	case <-loopDone:
	case <-time.After(30 * time.Second):
		logrus.Error("control loop did not stop in time")
	}

	logrus.Info("shutting down http server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = srv.Shutdown(ctx)
	if err != nil {
		logrus.Errorf("failed to shutdown http server: %v", err)
	}
	cancel()

	logrus.Info("exiting")
	return nil
}

// preflight verifies every external tool this daemon shells out to. A
// missing tool at startup is a config error, not something to discover
// mid-transfer.
func preflight(conf config.Config) error {
	tools := []string{"uhubctl", "mount", "umount", "findmnt", "rsync"}
	if conf.Power.Source == config.PowerSourceCLI {
		name, _ := execx.Split(conf.Power.Command)
		tools = append(tools, name)
	}
	for _, t := range tools {
		if _, err := exec.LookPath(t); err != nil {
			return err
		}
	}
	return nil
}

func buildController(conf config.Config, hub *events.EventHub) *Controller {
	runner := execx.System{}

	var reader power.Reader
	if conf.Power.Source == config.PowerSourceSystem {
		reader = power.NewSystemReader()
	} else {
		reader = power.NewCLIReader(conf.Power.Command, conf.Power.Format, runner)
	}

	usb := usbctl.New(conf.USB.AuthorizedPath, conf.USB.HubLocation, conf.USB.Port, runner)

	enum := devwait.New(devwait.Matcher{
		VendorID:      conf.Camera.VendorID,
		ProductID:     conf.Camera.ProductID,
		HubLocation:   conf.USB.HubLocation,
		ByIDSubstring: conf.Camera.ByIDSubstring,
	})

	mounter := transfer.NewMounter(conf.Camera.MountBase, runner)
	stager := transfer.NewStager(conf.Staging.Path, conf.Staging.CapacityMargin)
	uploader := transfer.NewUploader(conf.Staging.Path, conf.Upload.Host, conf.Upload.Port,
		conf.Upload.User, conf.Upload.DestPath, conf.Upload.SSHKey, conf.Upload.Retries,
		time.Duration(conf.Upload.BackoffSeconds)*time.Second, runner)

	prober := TCPProber{
		Host:    conf.Upload.Host,
		Port:    conf.Upload.Port,
		Timeout: time.Duration(conf.Poll.ProbeTimeoutSeconds) * time.Second,
	}

	shutdown := func(ctx context.Context) error {
		name, args := execx.Split(conf.System.ShutdownCommand)
		_, err := runner.Run(ctx, name, args...)
		return err
	}

	return NewController(conf, reader, usb, enum, mounter, stager, uploader, prober, hub, shutdown)
}
