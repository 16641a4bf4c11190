package daemon

import (
	"context"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dashkit/camd/pkg/config"
	"github.com/dashkit/camd/pkg/devwait"
	"github.com/dashkit/camd/pkg/events"
	"github.com/dashkit/camd/pkg/power"
	"github.com/dashkit/camd/pkg/transfer"
	"github.com/dashkit/camd/pkg/types"
	"github.com/dashkit/camd/pkg/usbctl"
)

// Collaborator interfaces, satisfied by the real packages and by fakes in
// tests.

type usbController interface {
	EnableData() error
	DisableData() error
	PowerOff() error
}

type deviceWaiter interface {
	WaitForDevice(ctx context.Context, timeout time.Duration) (devwait.Device, error)
	WaitForRemoval(ctx context.Context, node string, timeout time.Duration) error
}

type mounter interface {
	Mount(ctx context.Context, device string) (string, bool, error)
	Unmount(ctx context.Context, mountPath string) error
}

type stager interface {
	CopyToStaging(ctx context.Context, mountPath string, files []transfer.Candidate) (transfer.CopyResult, error)
}

type uploader interface {
	Upload(ctx context.Context) (transfer.UploadResult, error)
}

type sessionLocker func() (releaser, error)

type releaser interface {
	Release()
}

type selectFunc func(mountPath string) ([]transfer.Candidate, error)

type shutdownFunc func(ctx context.Context) error

// Controller is the orchestration core: a cyclic state machine that turns
// one PowerReading per tick into exactly one action. A single control
// thread runs ticks strictly serialized; tickLock additionally serializes
// forced transfers arriving over the API.
type Controller struct {
	cfg      config.Config
	reader   power.Reader
	usb      usbController
	devices  deviceWaiter
	mounter  mounter
	stager   stager
	uploader uploader
	prober   Prober
	hub      *events.EventHub

	lock     sessionLocker
	selectFn selectFunc
	shutdown shutdownFunc

	tickLock sync.Mutex

	// status fields, guarded by mu for API readers.
	mu          sync.Mutex
	state       CameraState
	lastReading *power.Reading
	lastAction  Action
	lastErr     error
	reachable   bool
	tickCount   uint64
	session     *transfer.Session
	updatedAt   time.Time

	// lastDevice is the most recently enumerated block device node, used
	// to confirm removal after the port is powered off.
	lastDevice string
}

// NewController wires the real collaborators from config.
func NewController(cfg config.Config, reader power.Reader, usb *usbctl.Controller,
	enum *devwait.Enumerator, m *transfer.Mounter, s *transfer.Stager,
	u *transfer.Uploader, prober Prober, hub *events.EventHub, shutdown shutdownFunc) *Controller {
	return &Controller{
		cfg:      cfg,
		reader:   reader,
		usb:      usb,
		devices:  enum,
		mounter:  m,
		stager:   s,
		uploader: u,
		prober:   prober,
		hub:      hub,
		shutdown: shutdown,
		lock: func() (releaser, error) {
			l, err := transfer.TryLock(cfg.Staging.Path)
			if err != nil {
				return nil, err
			}
			return l, nil
		},
		selectFn: func(mountPath string) ([]transfer.Candidate, error) {
			return transfer.SelectFiles(mountPath, cfg.Camera.Subdirs, cfg.Staging.Path,
				cfg.Camera.SelectStrategy, cfg.Camera.MaxFiles, cfg.Camera.MaxBytes)
		},
		// The camera records until told otherwise; we have not commanded
		// anything yet, so the state is unknown until the first tick.
		state: CameraUnknown,
	}
}

// Run executes the control loop until the context is canceled or a
// shutdown action is taken. The sleep interval starts after a tick
// completes, so the effective period is interval + tick duration; drift
// is accepted in exchange for never overlapping ticks.
func (c *Controller) Run(ctx context.Context) {
	logrus.Debug("control loop starts")

	interval := time.Duration(c.cfg.Poll.IntervalSeconds) * time.Second
	for {
		terminal := c.Tick(ctx)
		if terminal {
			logrus.Info("control loop ended on shutdown action")
			return
		}

		select {
		case <-ctx.Done():
			c.restoreSafeState()
			return
		case <-time.After(interval):
		}
	}
}

// Tick runs one poll cycle. It returns true when the tick took the
// terminal Shutdown action.
func (c *Controller) Tick(ctx context.Context) bool {
	c.tickLock.Lock()
	defer c.tickLock.Unlock()

	reading, err := c.reader.Read()
	if err != nil {
		// Fail closed: without telemetry we cannot justify keeping the
		// camera in data mode, and we must not guess about shutdown.
		logrus.WithField("cameraState", c.currentState().String()).
			Errorf("power reading failed, ending tick in safe state: %v", err)
		c.leaveDataMode()
		c.recordTick(nil, ActionStayRecording, false, err)
		return false
	}

	reachable := c.prober.IsReachable()
	action := Decide(reading, reachable, c.cfg.Thresholds)

	logrus.WithFields(reading.LogrusFields()).WithFields(logrus.Fields{
		"reachable":   reachable,
		"cameraState": c.currentState().String(),
		"action":      action.String(),
	}).Info("tick decision")

	c.hub.Publish(events.TickDecision, events.TickDecisionEvent{
		Action:         action.String(),
		BatteryPercent: reading.BatteryPercent,
		ACPresent:      reading.ACPresent,
		Reachable:      reachable,
		CameraState:    c.currentState().String(),
		Ts:             time.Now().Unix(),
	})

	var actionErr error
	terminal := false
	switch action {
	case ActionStayRecording:
		actionErr = c.ensureRecording()
	case ActionDisconnect:
		actionErr = c.doDisconnect(ctx)
	case ActionTransfer:
		actionErr = c.doTransfer(ctx, reading)
	case ActionShutdown:
		c.doShutdown(ctx)
		terminal = true
	}

	if pkgerrors.Is(actionErr, transfer.ErrSessionActive) {
		// A skipped transfer is not a failure; the next tick retries.
		actionErr = nil
	}
	if actionErr != nil {
		logrus.WithField("action", action.String()).Errorf("tick action failed: %v", actionErr)
	}
	c.recordTick(&reading, action, reachable, actionErr)
	return terminal
}

// ensureRecording puts the camera into recording mode if it is not
// already there.
func (c *Controller) ensureRecording() error {
	if c.currentState() == CameraRecording {
		return nil
	}
	if err := c.usb.DisableData(); err != nil {
		c.setStateOnControllerError(err)
		return err
	}
	c.setState(CameraRecording)
	return nil
}

// doDisconnect conserves battery per the configured disconnect mode.
func (c *Controller) doDisconnect(ctx context.Context) error {
	if c.cfg.USB.DisconnectMode == config.DisconnectDataOff {
		// Keep recording power, just refuse data mode.
		if c.currentState() == CameraRecording {
			return nil
		}
		if err := c.usb.DisableData(); err != nil {
			c.setStateOnControllerError(err)
			return err
		}
		c.setState(CameraRecording)
		return nil
	}

	if c.currentState() == CameraDisconnected {
		return nil
	}
	if err := c.usb.PowerOff(); err != nil {
		c.setStateOnControllerError(err)
		return err
	}
	c.setState(CameraDisconnected)

	c.confirmRemoval(ctx)
	return nil
}

// confirmRemoval verifies that the last enumerated device node actually
// went away after the port lost power. A lingering node is logged, not
// fatal.
func (c *Controller) confirmRemoval(ctx context.Context) {
	c.mu.Lock()
	node := c.lastDevice
	c.mu.Unlock()
	if node == "" {
		return
	}

	removalWait := time.Duration(c.cfg.Poll.RemovalWaitSeconds) * time.Second
	if removalWait <= 0 {
		return
	}
	if err := c.devices.WaitForRemoval(ctx, node, removalWait); err != nil &&
		!pkgerrors.Is(err, context.Canceled) {
		logrus.Debugf("device removal unconfirmed: %v", err)
		return
	}
	c.mu.Lock()
	c.lastDevice = ""
	c.mu.Unlock()
}

// doTransfer runs the uninterruptible transfer sequence: enable data
// mode, enumerate, copy, drop data mode, upload. The session lock makes a
// concurrent invocation skip rather than queue.
func (c *Controller) doTransfer(ctx context.Context, reading power.Reading) error {
	lock, err := c.lock()
	if err != nil {
		if pkgerrors.Is(err, transfer.ErrSessionActive) {
			logrus.Warn("transfer session already active, skipping")
			c.hub.Publish(events.TransferSkipped, nil)
		}
		return err
	}
	defer lock.Release()

	session := &transfer.Session{
		StagingPath: c.cfg.Staging.Path,
		StartedAt:   time.Now(),
	}
	c.setSession(session)
	defer c.setSession(nil)
	c.hub.Publish(events.TransferStarted, session)

	if err := c.usb.EnableData(); err != nil {
		c.setStateOnControllerError(err)
		return pkgerrors.Wrap(err, "failed to enter data mode")
	}
	c.setState(CameraDataMode)

	deviceWait := time.Duration(c.cfg.Poll.DeviceWaitSeconds) * time.Second
	dev, err := c.devices.WaitForDevice(ctx, deviceWait)
	if err != nil {
		// Enumeration timeout is not fatal: drop data mode and carry on
		// per battery state.
		logrus.Warnf("camera device did not enumerate: %v", err)
		c.revertFromDataMode(reading)
		return nil
	}
	session.SourceDevice = dev.Node
	c.mu.Lock()
	c.lastDevice = dev.Node
	c.mu.Unlock()

	mountPath, owned, err := c.mounter.Mount(ctx, dev.Node)
	if err != nil {
		c.revertFromDataMode(reading)
		return pkgerrors.Wrap(err, "failed to mount camera")
	}

	files, selErr := c.selectFn(mountPath)
	var copyResult transfer.CopyResult
	var copyErr error
	if selErr != nil {
		copyErr = selErr
	} else {
		copyResult, copyErr = c.stager.CopyToStaging(ctx, mountPath, files)
	}

	if owned {
		if err := c.mounter.Unmount(ctx, mountPath); err != nil {
			logrus.Errorf("failed to unmount camera: %v", err)
		}
	}

	// Power conservation: data mode ends here no matter how the copy
	// went. The upload needs only the staged files.
	c.revertFromDataMode(reading)

	if copyErr != nil {
		switch {
		case pkgerrors.Is(copyErr, transfer.ErrInsufficientSpace):
			logrus.Warnf("copy skipped: %v", copyErr)
		case pkgerrors.Is(copyErr, transfer.ErrVerification):
			// Suspect data is never deleted automatically; an operator
			// has to look at it.
			logrus.Errorf("copy verification failed, upload withheld: %v", copyErr)
		}
		return copyErr
	}

	session.BytesCopied = copyResult.BytesCopied
	session.FilesCopied = copyResult.FilesCopied
	session.Verified = true

	// Upload even when this tick copied nothing new: staging may hold
	// files retained from an earlier failed upload, and the mirror sync
	// is idempotent.
	uploadResult, err := c.uploader.Upload(ctx)
	if err != nil {
		c.hub.Publish(events.UploadFailed, session)
		return err
	}

	logrus.WithFields(logrus.Fields{
		"files":    session.FilesCopied,
		"bytes":    session.BytesCopied,
		"attempts": uploadResult.Attempts,
	}).Info("transfer complete")
	c.hub.Publish(events.TransferCompleted, session)
	return nil
}

// doShutdown is terminal: camera off, OS shutdown. Errors along the way
// are logged but never cancel the shutdown itself.
func (c *Controller) doShutdown(ctx context.Context) {
	logrus.Warn("battery below shutdown threshold, shutting down")
	c.hub.Publish(events.ShutdownInitiated, nil)

	if err := c.usb.PowerOff(); err != nil {
		logrus.Errorf("failed to power off camera before shutdown: %v", err)
	} else {
		c.setState(CameraDisconnected)
	}

	if err := c.shutdown(ctx); err != nil {
		logrus.Errorf("shutdown command failed: %v", err)
	}
}

// revertFromDataMode leaves data mode for whatever state the battery
// justifies: recording normally, disconnected when below the disconnect
// threshold on battery power.
func (c *Controller) revertFromDataMode(reading power.Reading) {
	lowBattery := !reading.ACPresent && reading.BatteryPercent < c.cfg.Thresholds.DisconnectPercent

	if lowBattery && c.cfg.USB.DisconnectMode == config.DisconnectPortOff {
		if err := c.usb.PowerOff(); err != nil {
			c.setStateOnControllerError(err)
			logrus.Errorf("failed to power off after data mode: %v", err)
			return
		}
		c.setState(CameraDisconnected)
		return
	}

	if err := c.usb.DisableData(); err != nil {
		c.setStateOnControllerError(err)
		logrus.Errorf("failed to leave data mode: %v", err)
		return
	}
	c.setState(CameraRecording)
}

// leaveDataMode drops data mode without a fresh reading (fail-closed path
// when telemetry is unavailable).
func (c *Controller) leaveDataMode() {
	if c.currentState() != CameraDataMode {
		return
	}
	if err := c.usb.DisableData(); err != nil {
		c.setStateOnControllerError(err)
		logrus.Errorf("failed to leave data mode: %v", err)
		return
	}
	c.setState(CameraRecording)
}

// restoreSafeState runs on signal-driven exit: the camera must be left
// recording (or disconnected, when the last reading justified it), never
// in data mode.
func (c *Controller) restoreSafeState() {
	c.tickLock.Lock()
	defer c.tickLock.Unlock()

	c.mu.Lock()
	last := c.lastReading
	c.mu.Unlock()

	if last != nil && !last.ACPresent && last.BatteryPercent < c.cfg.Thresholds.DisconnectPercent {
		if err := c.usb.PowerOff(); err != nil {
			logrus.Errorf("failed to disconnect camera on exit: %v", err)
			return
		}
		c.setState(CameraDisconnected)
		logrus.Info("camera disconnected before exit (battery low)")
		return
	}

	if err := c.usb.DisableData(); err != nil {
		logrus.Errorf("failed to restore recording mode on exit: %v", err)
		return
	}
	c.setState(CameraRecording)
	logrus.Info("camera restored to recording mode before exit")
}

// ForceTransfer runs a transfer outside the regular cadence (API
// request). The battery invariant still holds: a forced transfer is
// refused when the battery is below the disconnect threshold on battery
// power.
func (c *Controller) ForceTransfer(ctx context.Context) types.TransferRequest {
	c.tickLock.Lock()
	defer c.tickLock.Unlock()

	reading, err := c.reader.Read()
	if err != nil {
		return types.TransferRequest{Accepted: false, Reason: "power reading failed: " + err.Error()}
	}
	if !reading.ACPresent && reading.BatteryPercent < c.cfg.Thresholds.DisconnectPercent {
		return types.TransferRequest{Accepted: false, Reason: "battery below disconnect threshold"}
	}

	if err := c.doTransfer(ctx, reading); err != nil {
		if pkgerrors.Is(err, transfer.ErrSessionActive) {
			return types.TransferRequest{Accepted: false, Reason: "transfer session already active"}
		}
		return types.TransferRequest{Accepted: true, Reason: err.Error()}
	}
	return types.TransferRequest{Accepted: true}
}

// setStateOnControllerError marks the camera state unknown after a
// partial hardware failure; any other error keeps the previous state
// (the hardware call did not go through at all, or was rolled back).
func (c *Controller) setStateOnControllerError(err error) {
	if pkgerrors.Is(err, usbctl.ErrHardwareInconsistent) {
		c.setState(CameraUnknown)
	}
}

func (c *Controller) currentState() CameraState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s CameraState) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.hub.Publish(events.CameraState, map[string]string{"from": prev.String(), "to": s.String()})
	}
}

func (c *Controller) setSession(s *transfer.Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

func (c *Controller) recordTick(reading *power.Reading, action Action, reachable bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastReading = reading
	c.lastAction = action
	c.reachable = reachable
	c.lastErr = err
	c.tickCount++
	c.updatedAt = time.Now()
}

// Status snapshots the controller for the API.
func (c *Controller) Status() types.Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := types.Status{
		CameraState: c.state.String(),
		LastAction:  c.lastAction.String(),
		LastReading: c.lastReading,
		Reachable:   c.reachable,
		TickCount:   c.tickCount,
		Session:     c.session,
		UpdatedAt:   c.updatedAt,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// ReadPower exposes a fresh reading for the API.
func (c *Controller) ReadPower() (power.Reading, error) {
	return c.reader.Read()
}

// Config exposes the loaded configuration for the API.
func (c *Controller) Config() config.Config {
	return c.cfg
}
