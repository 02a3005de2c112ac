package relay

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chris-pikul/envelope-relay/log"
)

func prepLog(c *Client) *logrus.Entry {
	var l = log.With(logrus.Fields{
		"usage":        "relay",
		"conversation": c.ConversationID,
		"user":         c.UserID,
	})
	l = l.WithTime(log.BlurTime(time.Now()))
	if c.server.opts.Logging.ShowAddress {
		l = l.WithField("remote-addr", c.conn.RemoteAddr())
	}
	return l
}

func usageEnabled(c *Client) bool {
	return c != nil && c.server != nil && c.server.opts.Logging.Usage
}

//LogDebug is a convenience wrapper for logging
//usage statistics given the relay server settings
func LogDebug(c *Client, args ...interface{}) {
	if !usageEnabled(c) {
		return
	}

	prepLog(c).Debug(args...)
}

//LogDebugf is a convenience wrapper for logging
//usage statistics given the relay server settings
func LogDebugf(c *Client, fmt string, args ...interface{}) {
	if !usageEnabled(c) {
		return
	}

	prepLog(c).Debugf(fmt, args...)
}

//LogInfo is a convenience wrapper for logging
//usage statistics given the relay server settings
func LogInfo(c *Client, args ...interface{}) {
	if !usageEnabled(c) {
		return
	}

	prepLog(c).Info(args...)
}

//LogErr logs an error against the client. Errors are written
//even with usage logging turned off.
func LogErr(c *Client, msg string, err error) {
	if c == nil || c.server == nil {
		log.Err(msg, err)
		return
	}

	prepLog(c).WithError(err).Error(msg)
}
