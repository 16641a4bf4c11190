package daemon

import (
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// Prober checks whether the upload target is reachable. The probe is
// bounded so a dead network cannot stall the tick.
type Prober interface {
	IsReachable() bool
}

// TCPProber dials the upload target's SSH port.
type TCPProber struct {
	Host    string
	Port    int
	Timeout time.Duration
}

var _ Prober = TCPProber{}

func (p TCPProber) IsReachable() bool {
	addr := net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
	conn, err := net.DialTimeout("tcp", addr, p.Timeout)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"addr":  addr,
			"error": err.Error(),
		}).Debug("reachability probe failed")
		return false
	}
	_ = conn.Close()
	return true
}
